// Package models provides data model definitions for centersync.
package models

import "time"

// ChangeRecord is one recorded atomic field mutation. Records are
// immutable once persisted; corrections are new records, never edits.
// The ID is globally unique, so a record imported from another center
// keeps its originating id and duplicate delivery is detectable.
type ChangeRecord struct {
	ID            string     `db:"id" json:"id"`
	Type          RecordType `db:"-" json:"-"`
	Subject       int64      `db:"subject_id" json:"subject_id"`
	MinorSubject  string     `db:"minor_subject" json:"minor_subject,omitempty"`
	Data1         string     `db:"data1" json:"data1,omitempty"`
	Data2         string     `db:"data2" json:"data2,omitempty"`
	PreviousValue string     `db:"previous_value" json:"previous_value,omitempty"`
	User          string     `db:"user" json:"user,omitempty"`
	Time          int64      `db:"time" json:"time"`
}

// TableName returns the table name for ChangeRecord.
func (ChangeRecord) TableName() string {
	return "change_records"
}

// TimeValue returns the record time as time.Time.
func (c *ChangeRecord) TimeValue() time.Time {
	return time.UnixMilli(c.Time)
}

// LatestCenterChange is the per-(center, subject type) watermark: the
// most recent change already known to be synchronized with that center.
type LatestCenterChange struct {
	CenterLocalID int64       `db:"center_local_id" json:"center_local_id"`
	Subject       SubjectType `db:"-" json:"-"`
	ChangeID      string      `db:"change_id" json:"change_id"`
	Time          int64       `db:"time" json:"time"`
}

// TableName returns the table name for LatestCenterChange.
func (LatestCenterChange) TableName() string {
	return "latest_center_changes"
}
