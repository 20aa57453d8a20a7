// Package sync implements the multi-center synchronization engine: the
// synchronizer orchestrating import/export attempts, the per-batch
// resolution cache, the history sorter, and the scale adapter.
package sync

import (
	"fmt"

	apperrors "github.com/kimhsiao/centersync/internal/errors"
	"github.com/kimhsiao/centersync/internal/models"
)

// Wire protocol methods. One request is one RPC-style call.
const (
	MethodSynchronize     = "synchronize"
	MethodGetNewItemCount = "getNewItemCount"
	MethodReportSuccess   = "reportSuccess"
)

// CenterIDDisabled is the reserved center id of a peer whose
// record-keeping is disabled; it is exempt from per-center id gating.
const CenterIDDisabled int64 = 0

// Request is the body of one wire call.
type Request struct {
	Method   string `json:"method"`
	CenterID int64  `json:"centerID"`

	// Since and Now carry the caller's cutoff and clock (epoch millis)
	// for clock reconciliation. A value <= 0 means absent.
	Since int64 `json:"since"`
	Now   int64 `json:"now"`

	SyncType string   `json:"syncType,omitempty"`
	RecordID int64    `json:"recordID,omitempty"`
	Subjects []string `json:"subjects,omitempty"`

	// SyncError is carried by reportSuccess only; nil means the caller's
	// attempt succeeded.
	SyncError *string `json:"syncError,omitempty"`
}

// Reference identifies a referenced object by (type name, id), used for
// identifiable payload values instead of inlining the object.
type Reference struct {
	Type string `json:"type"`
	ID   int64  `json:"id"`
}

// ChangeEntry is one change record on the wire. The globally-unique id
// travels with the record so the receiving side can detect replay.
type ChangeEntry struct {
	ID         string     `json:"id"`
	Subject    string     `json:"subject"`
	Change     string     `json:"change"`
	Additivity int        `json:"additivity"`
	SubjectID  int64      `json:"subjectID"`
	Minor      string     `json:"minorSubject,omitempty"`
	Value      string     `json:"value,omitempty"`
	ValueRef   *Reference `json:"valueRef,omitempty"`
	Data1      string     `json:"data1,omitempty"`
	Data2      string     `json:"data2,omitempty"`
	Previous   string     `json:"previousValue,omitempty"`
	User       string     `json:"user,omitempty"`
	Time       int64      `json:"time"`
}

// ChangeBatch is the serialized change set exchanged by one attempt.
type ChangeBatch struct {
	CenterID int64         `json:"centerID"`
	RecordID int64         `json:"recordID"`
	Changes  []ChangeEntry `json:"changes"`
}

// SynchronizeResponse answers a synchronize call.
type SynchronizeResponse struct {
	Plugin   string        `json:"plugin"`
	CenterID int64         `json:"centerID"`
	RecordID int64         `json:"recordID"`
	Changes  []ChangeEntry `json:"changes"`
}

// CountResponse answers a getNewItemCount call.
type CountResponse struct {
	ItemCount int `json:"itemCount"`
}

// entryFromRecord serializes one change record with its payload value.
// Identifiable payloads additionally carry a (type, id) reference.
func entryFromRecord(rec *models.ChangeRecord, value string) ChangeEntry {
	e := ChangeEntry{
		ID:         rec.ID,
		Subject:    rec.Type.Subject.Name(),
		Change:     rec.Type.Change.Name(),
		Additivity: int(rec.Type.Additivity),
		SubjectID:  rec.Subject,
		Minor:      rec.MinorSubject,
		Value:      value,
		Data1:      rec.Data1,
		Data2:      rec.Data2,
		Previous:   rec.PreviousValue,
		User:       rec.User,
		Time:       rec.Time,
	}
	if rec.Type.Change.Identifiable() {
		e.ValueRef = &Reference{Type: rec.Type.Subject.Name(), ID: rec.Subject}
	}
	return e
}

// Record deserializes the entry back into a validated change record.
func (e ChangeEntry) Record() (*models.ChangeRecord, error) {
	rt, err := models.ParseRecordType(e.Subject, e.Change, e.Additivity)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrMalformedPayload,
			fmt.Sprintf("bad change entry %q", e.ID), err)
	}
	return &models.ChangeRecord{
		ID:            e.ID,
		Type:          rt,
		Subject:       e.SubjectID,
		MinorSubject:  e.Minor,
		Data1:         e.Data1,
		Data2:         e.Data2,
		PreviousValue: e.Previous,
		User:          e.User,
		Time:          e.Time,
	}, nil
}

// ReconcileSince maps the caller's cutoff into this side's clock:
// since - remoteNow + localNow. When either value is absent the delta is
// undefined and -1 (full retained history) is returned.
func ReconcileSince(since, remoteNow, localNow int64) int64 {
	if since <= 0 || remoteNow <= 0 {
		return -1
	}
	return since - remoteNow + localNow
}
