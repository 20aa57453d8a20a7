// Package keeper provides the durable record-keeping store for centersync.
package keeper

import (
	"database/sql"
	"encoding/json"
	"strconv"
	"time"

	apperrors "github.com/kimhsiao/centersync/internal/errors"
	"github.com/kimhsiao/centersync/internal/models"
)

// Policy returns the namespace's auto-purge policy. The policy is
// read-mostly, so a cached snapshot is served until a write invalidates
// it. A namespace without a stored policy retains everything.
func (k *RecordKeeper) Policy() (*models.AutoPurgePolicy, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.policyLocked()
}

func (k *RecordKeeper) policyLocked() (*models.AutoPurgePolicy, error) {
	if k.policyCache != nil {
		return k.policyCache, nil
	}
	p := models.NewAutoPurgePolicy()
	var entryCount, ageMillis int64
	var usersRaw, typesRaw string
	err := k.db.QueryRow(
		"SELECT entry_count, age, exclude_users, exclude_types FROM purge_policies WHERE namespace = ?",
		k.ns,
	).Scan(&entryCount, &ageMillis, &usersRaw, &typesRaw)
	if err == sql.ErrNoRows {
		k.policyCache = p
		return p, nil
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrRecordKeeping, "failed to load purge policy", err)
	}
	p.EntryCount = int(entryCount)
	if ageMillis > models.PurgeUnlimited {
		p.Age = time.Duration(ageMillis) * time.Millisecond
	} else {
		p.Age = models.PurgeUnlimited
	}
	if err := json.Unmarshal([]byte(usersRaw), &p.ExcludeUsers); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrRecordKeeping, "corrupt excluded user list", err)
	}
	if err := json.Unmarshal([]byte(typesRaw), &p.ExcludeTypes); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrRecordKeeping, "corrupt excluded type list", err)
	}
	k.policyCache = p
	return p, nil
}

// SetPolicy saves the auto-purge policy. When the transaction records,
// scalar changes produce modification records and exclusion-set edits
// produce addition/removal records with the member as minor subject.
func (k *RecordKeeper) SetPolicy(p *models.AutoPurgePolicy, tx *models.RecordsTransaction) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.activate(tx)

	if tx.MemoryOnly() {
		k.policyCache = nil
		return nil
	}

	old, err := k.policyLocked()
	if err != nil {
		return err
	}

	usersRaw, err := json.Marshal(p.ExcludeUsers)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrRecordKeeping, "failed to encode excluded users", err)
	}
	typesRaw, err := json.Marshal(p.ExcludeTypes)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrRecordKeeping, "failed to encode excluded types", err)
	}
	ageMillis := int64(models.PurgeUnlimited)
	if p.LimitsAge() {
		ageMillis = p.Age.Milliseconds()
	}

	sqlTx, err := k.db.Begin()
	if err != nil {
		return apperrors.Wrap(apperrors.ErrRecordKeeping, "failed to begin policy save", err)
	}
	defer sqlTx.Rollback()

	_, err = sqlTx.Exec(
		`INSERT INTO purge_policies (namespace, entry_count, age, exclude_users, exclude_types)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (namespace) DO UPDATE SET
			entry_count = excluded.entry_count, age = excluded.age,
			exclude_users = excluded.exclude_users, exclude_types = excluded.exclude_types`,
		k.ns, p.EntryCount, ageMillis, string(usersRaw), string(typesRaw),
	)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrRecordKeeping, "failed to save purge policy", err)
	}

	if tx.ShouldRecord() {
		if err := k.recordPolicyDiff(sqlTx, old, p, ageMillis, tx); err != nil {
			return err
		}
	}

	if err := sqlTx.Commit(); err != nil {
		return apperrors.Wrap(apperrors.ErrRecordKeeping, "failed to commit policy save", err)
	}
	k.policyCache = nil
	return nil
}

func (k *RecordKeeper) recordPolicyDiff(sqlTx execer, old, p *models.AutoPurgePolicy, ageMillis int64, tx *models.RecordsTransaction) error {
	if old.EntryCount != p.EntryCount {
		rt, err := models.NewRecordType(models.SubjectAutoPurge, models.PurgeEntryCount, models.AdditivityModify)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrRecordKeeping, "invalid record type", err)
		}
		rec := k.newChangeRecord(rt, 0, strconv.Itoa(old.EntryCount), tx)
		if err := k.insertChangeRecord(sqlTx, rec, tx); err != nil {
			return err
		}
	}
	if old.Age != p.Age {
		rt, err := models.NewRecordType(models.SubjectAutoPurge, models.PurgeAge, models.AdditivityModify)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrRecordKeeping, "invalid record type", err)
		}
		oldAge := int64(models.PurgeUnlimited)
		if old.LimitsAge() {
			oldAge = old.Age.Milliseconds()
		}
		rec := k.newChangeRecord(rt, 0, strconv.FormatInt(oldAge, 10), tx)
		if err := k.insertChangeRecord(sqlTx, rec, tx); err != nil {
			return err
		}
	}

	type memberDiff struct {
		change models.ChangeType
		before []string
		after  []string
	}
	for _, d := range []memberDiff{
		{models.PurgeExcludeUser, old.ExcludeUsers, p.ExcludeUsers},
		{models.PurgeExcludeType, old.ExcludeTypes, p.ExcludeTypes},
	} {
		for _, added := range diffMembers(d.after, d.before) {
			rt, err := models.NewRecordType(models.SubjectAutoPurge, d.change, models.AdditivityAdd)
			if err != nil {
				return apperrors.Wrap(apperrors.ErrRecordKeeping, "invalid record type", err)
			}
			rec := k.newChangeRecord(rt, 0, "", tx)
			rec.MinorSubject = added
			if err := k.insertChangeRecord(sqlTx, rec, tx); err != nil {
				return err
			}
		}
		for _, removed := range diffMembers(d.before, d.after) {
			rt, err := models.NewRecordType(models.SubjectAutoPurge, d.change, models.AdditivityRemove)
			if err != nil {
				return apperrors.Wrap(apperrors.ErrRecordKeeping, "invalid record type", err)
			}
			rec := k.newChangeRecord(rt, 0, removed, tx)
			rec.MinorSubject = removed
			if err := k.insertChangeRecord(sqlTx, rec, tx); err != nil {
				return err
			}
		}
	}
	return nil
}

// diffMembers returns the members of a not present in b.
func diffMembers(a, b []string) []string {
	var out []string
	for _, m := range a {
		found := false
		for _, n := range b {
			if m == n {
				found = true
				break
			}
		}
		if !found {
			out = append(out, m)
		}
	}
	return out
}
