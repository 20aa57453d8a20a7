// Package errors provides unit tests for error code handling.
package errors

import (
	stderrors "errors"
	"testing"
)

func TestAppErrorFormatting(t *testing.T) {
	err := New(ErrRecordKeeping, "failed to persist center")
	want := "[RECORD_KEEPING_ERROR] failed to persist center"
	if err.Error() != want {
		t.Errorf("Expected %q, got %q", want, err.Error())
	}

	wrapped := Wrap(ErrRecordKeeping, "failed to persist center", stderrors.New("disk full"))
	want = "[RECORD_KEEPING_ERROR] failed to persist center: disk full"
	if wrapped.Error() != want {
		t.Errorf("Expected %q, got %q", want, wrapped.Error())
	}
}

func TestUnwrap(t *testing.T) {
	inner := stderrors.New("disk full")
	wrapped := Wrap(ErrRecordKeeping, "save failed", inner)
	if !stderrors.Is(wrapped, inner) {
		t.Error("Wrapped error should match the inner error via errors.Is")
	}
}

func TestIsCode(t *testing.T) {
	err := New(ErrSelfSync, "center may not synchronize with itself")
	if !Is(err, ErrSelfSync) {
		t.Error("Is should match the error's own code")
	}
	if Is(err, ErrRecordKeeping) {
		t.Error("Is should not match a different code")
	}
	if Is(stderrors.New("plain"), ErrSelfSync) {
		t.Error("Is should not match a non-AppError")
	}
}

func TestCallerError(t *testing.T) {
	cases := []struct {
		code   ErrorCode
		caller bool
	}{
		{ErrSelfSync, true},
		{ErrUnknownMethod, true},
		{ErrUnknownCenter, true},
		{ErrCenterMismatch, true},
		{ErrMalformedPayload, true},
		{ErrRecordKeeping, false},
		{ErrSyncFailed, false},
		{ErrInternal, false},
	}
	for _, c := range cases {
		if got := CallerError(New(c.code, "x")); got != c.caller {
			t.Errorf("CallerError(%s) = %v, want %v", c.code, got, c.caller)
		}
	}
	if CallerError(stderrors.New("plain")) {
		t.Error("Plain errors are not caller errors")
	}
}
