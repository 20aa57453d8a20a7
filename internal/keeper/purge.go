// Package keeper provides the durable record-keeping store for centersync.
package keeper

import (
	"database/sql"
	"strings"

	apperrors "github.com/kimhsiao/centersync/internal/errors"
)

// Purge evaluates the auto-purge policy against the full change set and
// deletes, in one database transaction, every change record that
// exceeds the age or count limit, is not authored by an exempt user, is
// not of an exempt subject type, and is outside every center's
// change-save window. A crash mid-purge leaves either the pre- or
// post-purge set, never a partial cut.
func (k *RecordKeeper) Purge(now int64) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.purgeLocked(now)
}

func (k *RecordKeeper) purgeLocked(now int64) error {
	policy, err := k.policyLocked()
	if err != nil {
		return err
	}
	if !policy.LimitsEntries() && !policy.LimitsAge() {
		return nil
	}

	sqlTx, err := k.db.Begin()
	if err != nil {
		return apperrors.Wrap(apperrors.ErrRecordKeeping, "failed to begin purge", err)
	}
	defer sqlTx.Rollback()

	// Records younger than the widest change-save window are needed for
	// pending synchronization and must survive regardless of limits.
	var saveWindow int64
	err = sqlTx.QueryRow(
		"SELECT COALESCE(MAX(change_save_time), 0) FROM centers WHERE namespace = ? AND is_deleted = 0",
		k.ns,
	).Scan(&saveWindow)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrRecordKeeping, "failed to read save windows", err)
	}
	protectedCutoff := now - saveWindow

	var conditions []string
	var args []interface{}

	if policy.LimitsAge() {
		conditions = append(conditions, "time < ?")
		args = append(args, now-policy.Age.Milliseconds())
	}
	if policy.LimitsEntries() {
		// The record at offset EntryCount (newest first) marks the edge
		// of the retained window; everything at or past it is over count.
		var edge int64
		err := sqlTx.QueryRow(
			"SELECT time FROM change_records WHERE namespace = ? ORDER BY time DESC, id DESC LIMIT 1 OFFSET ?",
			k.ns, policy.EntryCount,
		).Scan(&edge)
		if err == nil {
			conditions = append(conditions, "time <= ?")
			args = append(args, edge)
		} else if err != sql.ErrNoRows {
			return apperrors.Wrap(apperrors.ErrRecordKeeping, "failed to find count edge", err)
		}
	}
	if len(conditions) == 0 {
		return sqlTx.Commit()
	}

	query := "DELETE FROM change_records WHERE namespace = ? AND time <= ? AND (" +
		strings.Join(conditions, " OR ") + ")"
	delArgs := append([]interface{}{k.ns, protectedCutoff}, args...)

	if len(policy.ExcludeUsers) > 0 {
		placeholders := make([]string, len(policy.ExcludeUsers))
		for i, u := range policy.ExcludeUsers {
			placeholders[i] = "?"
			delArgs = append(delArgs, u)
		}
		query += " AND user NOT IN (" + strings.Join(placeholders, ", ") + ")"
	}
	if len(policy.ExcludeTypes) > 0 {
		placeholders := make([]string, len(policy.ExcludeTypes))
		for i, t := range policy.ExcludeTypes {
			placeholders[i] = "?"
			delArgs = append(delArgs, t)
		}
		query += " AND subject_type NOT IN (" + strings.Join(placeholders, ", ") + ")"
	}

	res, err := sqlTx.Exec(query, delArgs...)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrRecordKeeping, "failed to purge change records", err)
	}
	if err := sqlTx.Commit(); err != nil {
		return apperrors.Wrap(apperrors.ErrRecordKeeping, "failed to commit purge", err)
	}

	if deleted, err := res.RowsAffected(); err == nil && deleted > 0 {
		k.log.WithField("deleted", deleted).Info("auto-purge removed change records")
	}
	return nil
}

// maybeAutoPurgeLocked runs a purge after a write that pushed the
// change count past the configured limit. Failures are logged, never
// propagated: retention is best-effort relative to the triggering write.
func (k *RecordKeeper) maybeAutoPurgeLocked() {
	policy, err := k.policyLocked()
	if err != nil || !policy.LimitsEntries() {
		return
	}
	var count int
	if err := k.db.QueryRow(
		"SELECT COUNT(*) FROM change_records WHERE namespace = ?", k.ns,
	).Scan(&count); err != nil {
		return
	}
	if count <= policy.EntryCount {
		return
	}
	if err := k.purgeLocked(k.clock()); err != nil {
		k.log.WithError(err).Warn("triggered auto-purge failed")
	}
}
