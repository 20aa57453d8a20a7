// Package models provides data model definitions for centersync.
package models

import (
	"fmt"
	"time"
)

// SyncType describes how a synchronization attempt was initiated.
type SyncType int

const (
	SyncAutomatic SyncType = iota
	SyncManualRemote
	SyncFile
)

// String returns the display string used on the wire.
func (t SyncType) String() string {
	switch t {
	case SyncAutomatic:
		return "Automatic"
	case SyncManualRemote:
		return "Manual Remote"
	case SyncFile:
		return "File"
	}
	return fmt.Sprintf("syncType(%d)", int(t))
}

// ParseSyncType resolves a display string back to a SyncType.
func ParseSyncType(s string) (SyncType, error) {
	switch s {
	case "Automatic":
		return SyncAutomatic, nil
	case "Manual Remote":
		return SyncManualRemote, nil
	case "File":
		return SyncFile, nil
	}
	return 0, fmt.Errorf("unknown sync type %q", s)
}

const (
	// SyncRecordPending is the placeholder error of an attempt whose
	// outcome is not yet known. A nil error means success.
	SyncRecordPending = "?"

	// ParallelIDUnknown marks a sync record whose counterpart id has
	// not been learned yet.
	ParallelIDUnknown int64 = -1
)

// SyncRecord is the bookkeeping for one synchronization attempt, import
// or export. It is created pending when an attempt begins and updated
// once with the terminal outcome. Equality is by id only; records are
// mutated in place as the outcome becomes known.
type SyncRecord struct {
	ID            int64    `db:"id" json:"id"`
	ParallelID    int64    `db:"parallel_id" json:"parallel_id"`
	CenterLocalID int64    `db:"center_local_id" json:"center_local_id"`
	Type          SyncType `db:"-" json:"-"`
	Time          int64    `db:"time" json:"time"`
	Import        bool     `db:"is_import" json:"is_import"`
	Error         *string  `db:"error" json:"error,omitempty"`
}

// TableName returns the table name for SyncRecord.
func (SyncRecord) TableName() string {
	return "sync_records"
}

// NewSyncRecord creates a pending sync record for an attempt that is
// starting now.
func NewSyncRecord(centerLocalID int64, syncType SyncType, imported bool, now int64) *SyncRecord {
	pending := SyncRecordPending
	return &SyncRecord{
		ParallelID:    ParallelIDUnknown,
		CenterLocalID: centerLocalID,
		Type:          syncType,
		Time:          now,
		Import:        imported,
		Error:         &pending,
	}
}

// Equal reports record identity: two records with the same id are the
// same record regardless of other fields.
func (s *SyncRecord) Equal(o *SyncRecord) bool {
	return o != nil && s.ID == o.ID
}

// Pending reports whether the attempt outcome is still unknown.
func (s *SyncRecord) Pending() bool {
	return s.Error != nil && *s.Error == SyncRecordPending
}

// Succeeded reports whether the attempt finished without error.
func (s *SyncRecord) Succeeded() bool {
	return s.Error == nil
}

// Finish records the terminal outcome of the attempt.
func (s *SyncRecord) Finish(err error) {
	if err == nil {
		s.Error = nil
		return
	}
	msg := err.Error()
	s.Error = &msg
}

// TimeValue returns the attempt time as time.Time.
func (s *SyncRecord) TimeValue() time.Time {
	return time.UnixMilli(s.Time)
}
