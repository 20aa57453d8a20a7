// Package models provides data model definitions for centersync.
package models

import "time"

const (
	// PurgeUnlimited disables a purge limit.
	PurgeUnlimited = -1
)

// AutoPurgePolicy is the retention configuration for change records.
// Entries past the count or age limit are purged unless authored by an
// exempt user, of an exempt subject type, or still inside a center's
// change-save window.
type AutoPurgePolicy struct {
	EntryCount   int           `db:"entry_count" json:"entry_count"`
	Age          time.Duration `db:"age" json:"age"`
	ExcludeUsers []string      `db:"-" json:"exclude_users"`
	ExcludeTypes []string      `db:"-" json:"exclude_types"`
}

// TableName returns the table name for AutoPurgePolicy.
func (AutoPurgePolicy) TableName() string {
	return "purge_policies"
}

// NewAutoPurgePolicy returns a policy that retains everything.
func NewAutoPurgePolicy() *AutoPurgePolicy {
	return &AutoPurgePolicy{
		EntryCount: PurgeUnlimited,
		Age:        PurgeUnlimited,
	}
}

// LimitsEntries reports whether a maximum entry count is configured.
func (p *AutoPurgePolicy) LimitsEntries() bool {
	return p.EntryCount > PurgeUnlimited
}

// LimitsAge reports whether a maximum entry age is configured.
func (p *AutoPurgePolicy) LimitsAge() bool {
	return p.Age > PurgeUnlimited
}

// ExcludesUser reports whether changes by the user are exempt from purge.
func (p *AutoPurgePolicy) ExcludesUser(user string) bool {
	for _, u := range p.ExcludeUsers {
		if u == user {
			return true
		}
	}
	return false
}

// ExcludesType reports whether changes of the subject type are exempt.
func (p *AutoPurgePolicy) ExcludesType(subject SubjectType) bool {
	for _, t := range p.ExcludeTypes {
		if t == subject.Name() {
			return true
		}
	}
	return false
}

// AddExcludedUser exempts a user's changes from purge.
func (p *AutoPurgePolicy) AddExcludedUser(user string) {
	if !p.ExcludesUser(user) {
		p.ExcludeUsers = append(p.ExcludeUsers, user)
	}
}

// AddExcludedType exempts a subject type's changes from purge.
func (p *AutoPurgePolicy) AddExcludedType(subject SubjectType) {
	if !p.ExcludesType(subject) {
		p.ExcludeTypes = append(p.ExcludeTypes, subject.Name())
	}
}
