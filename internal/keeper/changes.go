// Package keeper provides the durable record-keeping store for centersync.
package keeper

import (
	"database/sql"
	"fmt"
	"strings"

	apperrors "github.com/kimhsiao/centersync/internal/errors"
	"github.com/kimhsiao/centersync/internal/models"
)

// execer is the subset of sql.DB/sql.Tx the appliers need.
type execer interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
	QueryRow(query string, args ...interface{}) *sql.Row
}

const changeRecordColumns = `id, subject_type, change_type, additivity, subject_id,
	minor_subject, data1, data2, previous_value, user, time`

func scanChangeRecord(row interface{ Scan(...interface{}) error }) (*models.ChangeRecord, error) {
	var rec models.ChangeRecord
	var subjectName, changeName string
	var additivity int
	err := row.Scan(&rec.ID, &subjectName, &changeName, &additivity, &rec.Subject,
		&rec.MinorSubject, &rec.Data1, &rec.Data2, &rec.PreviousValue, &rec.User, &rec.Time)
	if err != nil {
		return nil, err
	}
	rt, err := models.ParseRecordType(subjectName, changeName, additivity)
	if err != nil {
		return nil, err
	}
	rec.Type = rt
	return &rec, nil
}

// insertChangeRecord writes one record inside an open sql transaction.
func (k *RecordKeeper) insertChangeRecord(sqlTx execer, rec *models.ChangeRecord, tx *models.RecordsTransaction) error {
	if rec.Time == 0 {
		rec.Time = tx.Time()
	}
	_, err := sqlTx.Exec(
		`INSERT INTO change_records (id, namespace, subject_type, change_type, additivity,
			subject_id, minor_subject, data1, data2, previous_value, user, time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, k.ns, rec.Type.Subject.Name(), rec.Type.Change.Name(), int(rec.Type.Additivity),
		rec.Subject, rec.MinorSubject, rec.Data1, rec.Data2, rec.PreviousValue, rec.User, rec.Time,
	)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrRecordKeeping, "failed to insert change record", err)
	}
	return nil
}

// HasChange reports whether a change with the given globally-unique id
// has already been recorded. Used for idempotent replay detection.
func (k *RecordKeeper) HasChange(id string) (bool, error) {
	stmt, err := k.prepareStmt("SELECT COUNT(*) FROM change_records WHERE namespace = ? AND id = ?")
	if err != nil {
		return false, apperrors.Wrap(apperrors.ErrRecordKeeping, "failed to prepare change lookup", err)
	}
	var count int
	if err := stmt.QueryRow(k.ns, id).Scan(&count); err != nil {
		return false, apperrors.Wrap(apperrors.ErrRecordKeeping, "failed to check change", err)
	}
	return count > 0, nil
}

// ChangesSince returns change records with time > since, oldest first,
// optionally restricted to the given subject types. since < 0 means the
// full retained history.
func (k *RecordKeeper) ChangesSince(since int64, subjects []models.SubjectType) ([]*models.ChangeRecord, error) {
	query := `SELECT ` + changeRecordColumns + ` FROM change_records WHERE namespace = ?`
	args := []interface{}{k.ns}
	if since >= 0 {
		query += " AND time > ?"
		args = append(args, since)
	}
	if len(subjects) > 0 {
		placeholders := make([]string, len(subjects))
		for i, s := range subjects {
			placeholders[i] = "?"
			args = append(args, s.Name())
		}
		query += " AND subject_type IN (" + strings.Join(placeholders, ", ") + ")"
	}
	// Additions sort before modifications at equal times so a subject
	// announced and edited in one transaction replays in a valid order.
	query += " ORDER BY time ASC, additivity DESC, id ASC"

	rows, err := k.db.Query(query, args...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrRecordKeeping, "failed to query change records", err)
	}
	defer rows.Close()

	var recs []*models.ChangeRecord
	for rows.Next() {
		rec, err := scanChangeRecord(rows)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrRecordKeeping, "failed to scan change record", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// ChangeHistory returns change records in a time range with a
// caller-built ordering (see sync.HistorySorter.OrderBy). until < 0
// means no upper bound.
func (k *RecordKeeper) ChangeHistory(since, until int64, orderBy string) ([]*models.ChangeRecord, error) {
	query := `SELECT ` + changeRecordColumns + ` FROM change_records WHERE namespace = ?`
	args := []interface{}{k.ns}
	if since >= 0 {
		query += " AND time > ?"
		args = append(args, since)
	}
	if until >= 0 {
		query += " AND time <= ?"
		args = append(args, until)
	}
	if orderBy != "" {
		query += " " + orderBy
	} else {
		query += " ORDER BY time ASC"
	}

	rows, err := k.db.Query(query, args...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrRecordKeeping, "failed to query change history", err)
	}
	defer rows.Close()

	var recs []*models.ChangeRecord
	for rows.Next() {
		rec, err := scanChangeRecord(rows)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrRecordKeeping, "failed to scan change record", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// ChangeCount returns the number of change records with time > since
// without materializing them. since < 0 counts everything retained.
func (k *RecordKeeper) ChangeCount(since int64) (int, error) {
	var count int
	var err error
	if since >= 0 {
		stmt, perr := k.prepareStmt("SELECT COUNT(*) FROM change_records WHERE namespace = ? AND time > ?")
		if perr != nil {
			return 0, apperrors.Wrap(apperrors.ErrRecordKeeping, "failed to prepare count", perr)
		}
		err = stmt.QueryRow(k.ns, since).Scan(&count)
	} else {
		stmt, perr := k.prepareStmt("SELECT COUNT(*) FROM change_records WHERE namespace = ?")
		if perr != nil {
			return 0, apperrors.Wrap(apperrors.ErrRecordKeeping, "failed to prepare count", perr)
		}
		err = stmt.QueryRow(k.ns).Scan(&count)
	}
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrRecordKeeping, "failed to count changes", err)
	}
	return count, nil
}

// LatestChange returns the watermark for (center, subject type), or nil
// when no change has been synchronized yet.
func (k *RecordKeeper) LatestChange(centerLocalID int64, subject models.SubjectType) (*models.LatestCenterChange, error) {
	stmt, err := k.prepareStmt(
		`SELECT change_id, time FROM latest_center_changes
		WHERE namespace = ? AND center_local_id = ? AND subject_type = ?`)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrRecordKeeping, "failed to prepare watermark lookup", err)
	}
	lc := &models.LatestCenterChange{CenterLocalID: centerLocalID, Subject: subject}
	err = stmt.QueryRow(k.ns, centerLocalID, subject.Name()).Scan(&lc.ChangeID, &lc.Time)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrRecordKeeping, "failed to load watermark", err)
	}
	return lc, nil
}

// SetLatestChange advances the watermark for (center, subject type).
func (k *RecordKeeper) SetLatestChange(centerLocalID int64, subject models.SubjectType, changeID string, at int64) error {
	_, err := k.db.Exec(
		`INSERT INTO latest_center_changes (namespace, center_local_id, subject_type, change_id, time)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (namespace, center_local_id, subject_type)
		DO UPDATE SET change_id = excluded.change_id, time = excluded.time`,
		k.ns, centerLocalID, subject.Name(), changeID, at,
	)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrRecordKeeping, "failed to set watermark", err)
	}
	return nil
}

// ResolvedChange is one incoming change record with its payload value
// and (for identifiable payloads) the object resolved for it.
type ResolvedChange struct {
	Record   *models.ChangeRecord
	Value    string
	Resolved interface{}
}

// ApplyChanges applies a batch of resolved incoming changes under one
// records transaction. Durable application runs in a single sql
// transaction so an attempt is all-or-nothing: the first failure rolls
// everything back. Memory-only transactions touch only the in-memory
// snapshot and never the store.
func (k *RecordKeeper) ApplyChanges(changes []ResolvedChange, tx *models.RecordsTransaction) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.activate(tx)

	if tx.MemoryOnly() {
		for _, ch := range changes {
			if err := k.applyMemoryLocked(ch.Record, ch.Value); err != nil {
				return err
			}
		}
		return nil
	}

	sqlTx, err := k.db.Begin()
	if err != nil {
		return apperrors.Wrap(apperrors.ErrRecordKeeping, "failed to begin apply transaction", err)
	}
	defer sqlTx.Rollback()

	for _, ch := range changes {
		applier, ok := k.appliers[ch.Record.Type.Subject]
		if !ok {
			return apperrors.New(apperrors.ErrRecordKeeping,
				fmt.Sprintf("no applier for subject %q", ch.Record.Type.Subject.Name()))
		}
		var applyErr error
		switch ch.Record.Type.Additivity {
		case models.AdditivityAdd:
			applyErr = applier.ApplyAdd(sqlTx, ch, tx)
		case models.AdditivityRemove:
			applyErr = applier.ApplyRemove(sqlTx, ch, tx)
		default:
			applyErr = applier.ApplyUpdate(sqlTx, ch, tx)
		}
		if applyErr != nil {
			return applyErr
		}
		if tx.ShouldRecord() {
			if err := k.insertChangeRecord(sqlTx, ch.Record, tx); err != nil {
				return err
			}
		}
	}

	if err := sqlTx.Commit(); err != nil {
		return apperrors.Wrap(apperrors.ErrRecordKeeping, "failed to commit apply transaction", err)
	}
	k.invalidateLocked()
	k.policyCache = nil
	k.maybeAutoPurgeLocked()
	return nil
}

// applyMemoryLocked applies one change to the in-memory snapshot only.
func (k *RecordKeeper) applyMemoryLocked(rec *models.ChangeRecord, value string) error {
	switch rec.Type.Subject {
	case models.SubjectCenter:
		if rec.Type.Change == models.CenterPresence {
			// Presence changes add or drop whole rows; rebuild the
			// snapshot from the store instead of patching it.
			k.invalidateLocked()
			return nil
		}
		centers, err := k.centersLocked()
		if err != nil {
			return err
		}
		for _, c := range centers {
			if c.CenterID == rec.Subject {
				if err := setCenterField(c, rec.Type.Change, value); err != nil {
					return err
				}
				return nil
			}
		}
		// Not cached yet; the next snapshot rebuild picks it up.
		k.invalidateLocked()
		return nil
	case models.SubjectAutoPurge:
		// Policy snapshots are cheap; drop the cache and re-read from
		// the source of truth on next access.
		k.policyCache = nil
		return nil
	}
	return apperrors.New(apperrors.ErrRecordKeeping,
		fmt.Sprintf("no memory apply for subject %q", rec.Type.Subject.Name()))
}

// CurrentValue reads the present value of the field a change record
// refers to, directly from durable storage and never from any cache.
// Used when serializing exports and by the scale adapter.
func (k *RecordKeeper) CurrentValue(rec *models.ChangeRecord) (string, error) {
	switch rec.Type.Subject {
	case models.SubjectCenter:
		if rec.Type.Change == models.CenterPresence {
			var name string
			err := k.db.QueryRow(
				"SELECT name FROM centers WHERE namespace = ? AND center_id = ?",
				k.ns, rec.Subject,
			).Scan(&name)
			if err == sql.ErrNoRows {
				return "", apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("no center %d", rec.Subject))
			}
			if err != nil {
				return "", apperrors.Wrap(apperrors.ErrRecordKeeping, "failed to read center", err)
			}
			return name, nil
		}
		column := centerColumn(rec.Type.Change)
		if column == "" {
			return "", apperrors.New(apperrors.ErrRecordKeeping,
				fmt.Sprintf("no column for change type %q", rec.Type.Change.Name()))
		}
		var value string
		err := k.db.QueryRow(
			"SELECT "+column+" FROM centers WHERE namespace = ? AND center_id = ?",
			k.ns, rec.Subject,
		).Scan(&value)
		if err == sql.ErrNoRows {
			return "", apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("no center %d", rec.Subject))
		}
		if err != nil {
			return "", apperrors.Wrap(apperrors.ErrRecordKeeping, "failed to read center field", err)
		}
		return value, nil

	case models.SubjectAutoPurge:
		switch rec.Type.Change {
		case models.PurgeExcludeUser, models.PurgeExcludeType:
			// Membership changes carry the member itself.
			return rec.MinorSubject, nil
		}
		column := purgeColumn(rec.Type.Change)
		var value string
		err := k.db.QueryRow(
			"SELECT "+column+" FROM purge_policies WHERE namespace = ?", k.ns,
		).Scan(&value)
		if err == sql.ErrNoRows {
			return "-1", nil
		}
		if err != nil {
			return "", apperrors.Wrap(apperrors.ErrRecordKeeping, "failed to read policy field", err)
		}
		return value, nil
	}
	return "", apperrors.New(apperrors.ErrRecordKeeping,
		fmt.Sprintf("no current value for subject %q", rec.Type.Subject.Name()))
}
