// Package keeper provides the durable record-keeping store for centersync.
package keeper

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	apperrors "github.com/kimhsiao/centersync/internal/errors"
	"github.com/kimhsiao/centersync/internal/models"
)

// Applier applies one resolved incoming change to durable state. The
// narrow add/remove/update surface keeps subject-specific storage
// knowledge out of the generic apply loop.
type Applier interface {
	ApplyAdd(q execer, ch ResolvedChange, tx *models.RecordsTransaction) error
	ApplyRemove(q execer, ch ResolvedChange, tx *models.RecordsTransaction) error
	ApplyUpdate(q execer, ch ResolvedChange, tx *models.RecordsTransaction) error
}

// centerFieldChanges lists the center field change types diffed on save.
var centerFieldChanges = []models.ChangeType{
	models.CenterName, models.CenterURL, models.CenterServerUser,
	models.CenterServerPassword, models.CenterClientUser,
	models.CenterSyncFrequency, models.CenterChangeSaveTime,
}

// centerColumn maps a center change type to its column.
func centerColumn(change models.ChangeType) string {
	switch change {
	case models.CenterName:
		return "name"
	case models.CenterURL:
		return "url"
	case models.CenterServerUser:
		return "server_user"
	case models.CenterServerPassword:
		return "server_password"
	case models.CenterClientUser:
		return "client_user"
	case models.CenterSyncFrequency:
		return "sync_frequency"
	case models.CenterChangeSaveTime:
		return "change_save_time"
	}
	return ""
}

// centerFieldValue renders the current value of a center field as the
// wire string (durations in millis).
func centerFieldValue(c *models.Center, change models.ChangeType) string {
	switch change {
	case models.CenterName:
		return c.Name
	case models.CenterURL:
		return c.URL
	case models.CenterServerUser:
		return c.ServerUser
	case models.CenterServerPassword:
		return c.ServerPassword
	case models.CenterClientUser:
		return c.ClientUser
	case models.CenterSyncFrequency:
		return strconv.FormatInt(c.SyncFrequency.Milliseconds(), 10)
	case models.CenterChangeSaveTime:
		return strconv.FormatInt(c.ChangeSaveTime.Milliseconds(), 10)
	}
	return ""
}

// setCenterField parses a wire value into a center field.
func setCenterField(c *models.Center, change models.ChangeType, value string) error {
	switch change {
	case models.CenterName:
		c.Name = value
	case models.CenterURL:
		c.URL = value
	case models.CenterServerUser:
		c.ServerUser = value
	case models.CenterServerPassword:
		c.ServerPassword = value
	case models.CenterClientUser:
		c.ClientUser = value
	case models.CenterSyncFrequency, models.CenterChangeSaveTime:
		millis, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrMalformedPayload,
				fmt.Sprintf("bad duration value %q", value), err)
		}
		if change == models.CenterSyncFrequency {
			c.SyncFrequency = time.Duration(millis) * time.Millisecond
		} else {
			c.ChangeSaveTime = time.Duration(millis) * time.Millisecond
		}
	default:
		return apperrors.New(apperrors.ErrMalformedPayload,
			fmt.Sprintf("change type %q is not a center field", change.Name()))
	}
	return nil
}

// centerApplier applies incoming center changes.
type centerApplier struct {
	keeper *RecordKeeper
}

// ApplyAdd creates the center if it does not exist yet. A duplicate
// addition is tolerated: the subject is already present. When the batch
// resolved the subject, that resolution stands as the existence check.
func (a *centerApplier) ApplyAdd(q execer, ch ResolvedChange, tx *models.RecordsTransaction) error {
	if ch.Resolved != nil {
		return nil
	}

	rec := ch.Record
	var count int
	err := q.QueryRow(
		"SELECT COUNT(*) FROM centers WHERE namespace = ? AND center_id = ?",
		a.keeper.ns, rec.Subject,
	).Scan(&count)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrRecordKeeping, "failed to check center existence", err)
	}
	if count > 0 {
		return nil
	}

	var localID int64
	if err := q.QueryRow(
		"SELECT COALESCE(MAX(local_id), 0) + 1 FROM centers WHERE namespace = ?", a.keeper.ns,
	).Scan(&localID); err != nil {
		return apperrors.Wrap(apperrors.ErrRecordKeeping, "failed to allocate local id", err)
	}
	_, err = q.Exec(
		"INSERT INTO centers (namespace, local_id, center_id, name) VALUES (?, ?, ?, ?)",
		a.keeper.ns, localID, rec.Subject, ch.Value,
	)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrRecordKeeping, "failed to add center", err)
	}
	return nil
}

// ApplyRemove logically deletes the center. A missing subject is
// tolerated as already gone.
func (a *centerApplier) ApplyRemove(q execer, ch ResolvedChange, tx *models.RecordsTransaction) error {
	_, err := q.Exec(
		"UPDATE centers SET is_deleted = 1 WHERE namespace = ? AND center_id = ?",
		a.keeper.ns, ch.Record.Subject,
	)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrRecordKeeping, "failed to remove center", err)
	}
	return nil
}

// ApplyUpdate sets one field. A missing subject on modification is an
// error: there is nothing to modify.
func (a *centerApplier) ApplyUpdate(q execer, ch ResolvedChange, tx *models.RecordsTransaction) error {
	rec := ch.Record
	column := centerColumn(rec.Type.Change)
	if column == "" {
		return apperrors.New(apperrors.ErrMalformedPayload,
			fmt.Sprintf("change type %q is not a center field", rec.Type.Change.Name()))
	}

	var arg interface{} = ch.Value
	switch rec.Type.Change {
	case models.CenterSyncFrequency, models.CenterChangeSaveTime:
		millis, err := strconv.ParseInt(ch.Value, 10, 64)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrMalformedPayload,
				fmt.Sprintf("bad duration value %q", ch.Value), err)
		}
		arg = millis
	}

	res, err := q.Exec(
		"UPDATE centers SET "+column+" = ? WHERE namespace = ? AND center_id = ?",
		arg, a.keeper.ns, rec.Subject,
	)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrRecordKeeping, "failed to update center field", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return apperrors.Wrap(apperrors.ErrRecordKeeping, "failed to read update result", err)
	}
	if affected == 0 {
		return apperrors.New(apperrors.ErrNotFound,
			fmt.Sprintf("cannot modify missing center %d", rec.Subject))
	}
	return nil
}

// purgeColumn maps a policy change type to its scalar column.
func purgeColumn(change models.ChangeType) string {
	switch change {
	case models.PurgeEntryCount:
		return "entry_count"
	case models.PurgeAge:
		return "age"
	}
	return ""
}

// purgeApplier applies incoming auto-purge policy changes.
type purgeApplier struct {
	keeper *RecordKeeper
}

func (a *purgeApplier) ensureRow(q execer) error {
	_, err := q.Exec(
		"INSERT OR IGNORE INTO purge_policies (namespace) VALUES (?)", a.keeper.ns)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrRecordKeeping, "failed to ensure policy row", err)
	}
	return nil
}

func (a *purgeApplier) member(rec *models.ChangeRecord, value string) string {
	if rec.MinorSubject != "" {
		return rec.MinorSubject
	}
	return value
}

func (a *purgeApplier) excludeColumn(change models.ChangeType) (string, error) {
	switch change {
	case models.PurgeExcludeUser:
		return "exclude_users", nil
	case models.PurgeExcludeType:
		return "exclude_types", nil
	}
	return "", apperrors.New(apperrors.ErrMalformedPayload,
		fmt.Sprintf("change type %q is not a policy membership", change.Name()))
}

func (a *purgeApplier) editMembers(q execer, column string, edit func([]string) []string) error {
	if err := a.ensureRow(q); err != nil {
		return err
	}
	var raw string
	if err := q.QueryRow(
		"SELECT "+column+" FROM purge_policies WHERE namespace = ?", a.keeper.ns,
	).Scan(&raw); err != nil {
		return apperrors.Wrap(apperrors.ErrRecordKeeping, "failed to read policy members", err)
	}
	var members []string
	if err := json.Unmarshal([]byte(raw), &members); err != nil {
		return apperrors.Wrap(apperrors.ErrRecordKeeping, "corrupt policy member list", err)
	}
	edited, err := json.Marshal(edit(members))
	if err != nil {
		return apperrors.Wrap(apperrors.ErrRecordKeeping, "failed to encode policy members", err)
	}
	if _, err := q.Exec(
		"UPDATE purge_policies SET "+column+" = ? WHERE namespace = ?",
		string(edited), a.keeper.ns,
	); err != nil {
		return apperrors.Wrap(apperrors.ErrRecordKeeping, "failed to write policy members", err)
	}
	return nil
}

// ApplyAdd adds a member to an exclusion set.
func (a *purgeApplier) ApplyAdd(q execer, ch ResolvedChange, tx *models.RecordsTransaction) error {
	column, err := a.excludeColumn(ch.Record.Type.Change)
	if err != nil {
		return err
	}
	member := a.member(ch.Record, ch.Value)
	return a.editMembers(q, column, func(members []string) []string {
		for _, m := range members {
			if m == member {
				return members
			}
		}
		return append(members, member)
	})
}

// ApplyRemove removes a member from an exclusion set; a missing member
// is tolerated as already gone.
func (a *purgeApplier) ApplyRemove(q execer, ch ResolvedChange, tx *models.RecordsTransaction) error {
	column, err := a.excludeColumn(ch.Record.Type.Change)
	if err != nil {
		return err
	}
	member := a.member(ch.Record, ch.Value)
	return a.editMembers(q, column, func(members []string) []string {
		kept := members[:0]
		for _, m := range members {
			if m != member {
				kept = append(kept, m)
			}
		}
		return kept
	})
}

// ApplyUpdate sets a scalar policy field.
func (a *purgeApplier) ApplyUpdate(q execer, ch ResolvedChange, tx *models.RecordsTransaction) error {
	column := purgeColumn(ch.Record.Type.Change)
	if column == "" {
		return apperrors.New(apperrors.ErrMalformedPayload,
			fmt.Sprintf("change type %q is not a policy field", ch.Record.Type.Change.Name()))
	}
	n, err := strconv.ParseInt(ch.Value, 10, 64)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrMalformedPayload,
			fmt.Sprintf("bad policy value %q", ch.Value), err)
	}
	if err := a.ensureRow(q); err != nil {
		return err
	}
	if _, err := q.Exec(
		"UPDATE purge_policies SET "+column+" = ? WHERE namespace = ?",
		n, a.keeper.ns,
	); err != nil {
		return apperrors.Wrap(apperrors.ErrRecordKeeping, "failed to update policy field", err)
	}
	return nil
}
