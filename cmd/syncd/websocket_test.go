package main

import "testing"

func TestIsLoopbackHost(t *testing.T) {
	tests := []struct {
		host string
		want bool
	}{
		{"localhost", true},
		{"localhost:8780", true},
		{"127.0.0.1", true},
		{"127.0.0.1:8780", true},
		{"[::1]:8780", true},
		{"example.com", false},
		{"example.com:8780", false},
		{"localhost.evil.com:8780", false},
	}
	for _, tt := range tests {
		if got := isLoopbackHost(tt.host); got != tt.want {
			t.Errorf("isLoopbackHost(%q) = %v, want %v", tt.host, got, tt.want)
		}
	}
}
