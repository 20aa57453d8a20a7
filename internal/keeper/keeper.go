// Package keeper provides the durable record-keeping store for
// centersync: centers, change records, sync records, watermarks, and the
// auto-purge policy, scoped to one namespace. Multiple independent
// namespaces may share one database.
package keeper

import (
	"crypto/rand"
	"database/sql"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	apperrors "github.com/kimhsiao/centersync/internal/errors"
	"github.com/kimhsiao/centersync/internal/logging"
	"github.com/kimhsiao/centersync/internal/models"
	"github.com/kimhsiao/centersync/internal/uuid"
)

// RecordKeeper is the store and query surface for one namespace. All
// mutators are serialized by a per-keeper mutex, so a purge never races
// a concurrent apply within the namespace.
type RecordKeeper struct {
	db    *sql.DB
	ns    string
	log   *logrus.Entry
	clock func() int64

	mu sync.Mutex

	// Prepared statement cache for frequently used queries.
	stmtCache sync.Map // map[string]*sql.Stmt

	// Read-mostly snapshot of non-deleted centers, invalidated on write.
	centersCache []*models.Center
	cacheValid   bool

	policyCache *models.AutoPurgePolicy

	appliers map[models.SubjectType]Applier
}

// New creates a RecordKeeper for the namespace, ensuring the implicit
// "here" center row exists.
func New(database *sql.DB, namespace string, logger *logrus.Logger) (*RecordKeeper, error) {
	k := &RecordKeeper{
		db:    database,
		ns:    namespace,
		log:   logging.ForNamespace(logger, namespace),
		clock: func() int64 { return time.Now().UnixMilli() },
	}
	k.appliers = map[models.SubjectType]Applier{
		models.SubjectCenter:    &centerApplier{keeper: k},
		models.SubjectAutoPurge: &purgeApplier{keeper: k},
	}
	if err := k.ensureHere(); err != nil {
		return nil, err
	}
	return k, nil
}

// SetClock overrides the time source, for tests.
func (k *RecordKeeper) SetClock(clock func() int64) {
	k.clock = clock
}

// Namespace returns the record-keeping namespace.
func (k *RecordKeeper) Namespace() string {
	return k.ns
}

// prepareStmt gets or creates a prepared statement from the cache.
func (k *RecordKeeper) prepareStmt(query string) (*sql.Stmt, error) {
	if stmt, ok := k.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}
	stmt, err := k.db.Prepare(query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}
	actual, loaded := k.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}
	return stmt, nil
}

// Close releases cached prepared statements. The database handle is
// owned by the caller and stays open.
func (k *RecordKeeper) Close() error {
	var firstErr error
	k.stmtCache.Range(func(key, value interface{}) bool {
		if err := value.(*sql.Stmt).Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		return true
	})
	return firstErr
}

// newCenterID generates a random positive globally-unique center id.
func newCenterID() int64 {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// Fall back to a time-derived id; uniqueness across centers is
		// still overwhelmingly likely combined with the namespace.
		return time.Now().UnixNano() & (1<<62 - 1)
	}
	return int64(binary.BigEndian.Uint64(buf[:]) & (1<<62 - 1))
}

// ensureHere inserts the implicit local center row if missing.
func (k *RecordKeeper) ensureHere() error {
	var count int
	err := k.db.QueryRow(
		"SELECT COUNT(*) FROM centers WHERE namespace = ? AND local_id = ?",
		k.ns, models.HereLocalID,
	).Scan(&count)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrRecordKeeping, "failed to check here center", err)
	}
	if count > 0 {
		return nil
	}
	_, err = k.db.Exec(
		`INSERT INTO centers (namespace, local_id, center_id, name) VALUES (?, ?, ?, 'Here')`,
		k.ns, models.HereLocalID, newCenterID(),
	)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrRecordKeeping, "failed to create here center", err)
	}
	return nil
}

// HereCenter returns the implicit local center row.
func (k *RecordKeeper) HereCenter() (*models.Center, error) {
	return k.centerBy("local_id", models.HereLocalID)
}

// LocalCenterID returns the globally-unique id this center advertises.
func (k *RecordKeeper) LocalCenterID() (int64, error) {
	here, err := k.HereCenter()
	if err != nil {
		return 0, err
	}
	return here.CenterID, nil
}

const centerColumns = `local_id, center_id, name, url, server_user, server_password,
	client_user, sync_frequency, change_save_time, last_import, last_export, is_deleted`

func scanCenter(row interface{ Scan(...interface{}) error }) (*models.Center, error) {
	var c models.Center
	var freq, save int64
	err := row.Scan(
		&c.LocalID, &c.CenterID, &c.Name, &c.URL, &c.ServerUser, &c.ServerPassword,
		&c.ClientUser, &freq, &save, &c.LastImport, &c.LastExport, &c.Deleted,
	)
	if err != nil {
		return nil, err
	}
	c.SyncFrequency = time.Duration(freq) * time.Millisecond
	c.ChangeSaveTime = time.Duration(save) * time.Millisecond
	return &c, nil
}

// Centers returns all non-deleted centers in the namespace, excluding
// the "here" center. Storage failures degrade to an empty result with a
// logged error: the listing is advisory and must never block UI or sync
// flow on a transient fault.
func (k *RecordKeeper) Centers() []*models.Center {
	k.mu.Lock()
	defer k.mu.Unlock()
	centers, err := k.centersLocked()
	if err != nil {
		k.log.WithError(err).Error("failed to list centers")
		return []*models.Center{}
	}
	// Hand out copies: the cached structs are patched in place by
	// memory-only applies and must not escape the mutex.
	out := make([]*models.Center, len(centers))
	for i, c := range centers {
		clone := *c
		out[i] = &clone
	}
	return out
}

// centersLocked returns the cached snapshot, rebuilding it when stale.
func (k *RecordKeeper) centersLocked() ([]*models.Center, error) {
	if k.cacheValid {
		return k.centersCache, nil
	}
	query := `SELECT ` + centerColumns + ` FROM centers
		WHERE namespace = ? AND local_id != ? AND is_deleted = 0
		ORDER BY local_id`
	rows, err := k.db.Query(query, k.ns, models.HereLocalID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrRecordKeeping, "failed to query centers", err)
	}
	defer rows.Close()

	var centers []*models.Center
	for rows.Next() {
		c, err := scanCenter(rows)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrRecordKeeping, "failed to scan center", err)
		}
		centers = append(centers, c)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrRecordKeeping, "failed to iterate centers", err)
	}
	k.centersCache = centers
	k.cacheValid = true
	return centers, nil
}

func (k *RecordKeeper) invalidateLocked() {
	k.cacheValid = false
	k.centersCache = nil
}

func (k *RecordKeeper) centerBy(column string, value interface{}) (*models.Center, error) {
	query := `SELECT ` + centerColumns + ` FROM centers WHERE namespace = ? AND ` + column + ` = ?`
	stmt, err := k.prepareStmt(query)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrRecordKeeping, "failed to prepare center lookup", err)
	}
	c, err := scanCenter(stmt.QueryRow(k.ns, value))
	if err == sql.ErrNoRows {
		return nil, apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("no center with %s %v", column, value))
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrRecordKeeping, "failed to load center", err)
	}
	return c, nil
}

// CenterByLocalID returns the center with the given surrogate id.
func (k *RecordKeeper) CenterByLocalID(id int64) (*models.Center, error) {
	return k.centerBy("local_id", id)
}

// CenterByCenterID returns the center with the given global id.
func (k *RecordKeeper) CenterByCenterID(id int64) (*models.Center, error) {
	return k.centerBy("center_id", id)
}

// CenterByClientUser returns the single non-deleted center whose
// registered client user is the given user. Zero or multiple matches are
// an authorization failure, not a storage failure.
func (k *RecordKeeper) CenterByClientUser(user string) (*models.Center, error) {
	query := `SELECT ` + centerColumns + ` FROM centers
		WHERE namespace = ? AND client_user = ? AND is_deleted = 0 AND local_id != ?`
	rows, err := k.db.Query(query, k.ns, user, models.HereLocalID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrRecordKeeping, "failed to query centers by client user", err)
	}
	defer rows.Close()

	var matches []*models.Center
	for rows.Next() {
		c, err := scanCenter(rows)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrRecordKeeping, "failed to scan center", err)
		}
		matches = append(matches, c)
	}
	if len(matches) != 1 {
		return nil, apperrors.New(apperrors.ErrUnknownCenter,
			fmt.Sprintf("user %q is the client user of %d centers, want exactly 1", user, len(matches)))
	}
	return matches[0], nil
}

// PutCenter upserts a center. Any explicit save clears the deleted flag.
// When the transaction records, a change record is generated per changed
// field (a presence addition for a brand-new center). Centers still
// waiting for a global id produce no records until AssignCenterID.
func (k *RecordKeeper) PutCenter(c *models.Center, tx *models.RecordsTransaction) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.activate(tx)

	if tx.MemoryOnly() {
		k.invalidateLocked()
		return nil
	}

	var old *models.Center
	if c.LocalID != 0 {
		loaded, err := k.centerBy("local_id", c.LocalID)
		if err == nil {
			old = loaded
		} else if !apperrors.Is(err, apperrors.ErrNotFound) {
			return err
		}
	}

	c.Deleted = false

	sqlTx, err := k.db.Begin()
	if err != nil {
		return apperrors.Wrap(apperrors.ErrRecordKeeping, "failed to begin transaction", err)
	}
	defer sqlTx.Rollback()

	if old == nil {
		if c.LocalID == 0 {
			if err := sqlTx.QueryRow(
				"SELECT COALESCE(MAX(local_id), 0) + 1 FROM centers WHERE namespace = ?", k.ns,
			).Scan(&c.LocalID); err != nil {
				return apperrors.Wrap(apperrors.ErrRecordKeeping, "failed to allocate local id", err)
			}
		}
		if c.CenterID == 0 {
			c.CenterID = models.CenterIDUnassigned
		}
		_, err = sqlTx.Exec(
			`INSERT INTO centers (namespace, local_id, center_id, name, url, server_user,
				server_password, client_user, sync_frequency, change_save_time,
				last_import, last_export, is_deleted)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`,
			k.ns, c.LocalID, c.CenterID, c.Name, c.URL, c.ServerUser,
			c.ServerPassword, c.ClientUser, c.SyncFrequency.Milliseconds(),
			c.ChangeSaveTime.Milliseconds(), c.LastImport, c.LastExport,
		)
	} else {
		_, err = sqlTx.Exec(
			`UPDATE centers SET center_id = ?, name = ?, url = ?, server_user = ?,
				server_password = ?, client_user = ?, sync_frequency = ?,
				change_save_time = ?, last_import = ?, last_export = ?, is_deleted = 0
			WHERE namespace = ? AND local_id = ?`,
			c.CenterID, c.Name, c.URL, c.ServerUser, c.ServerPassword, c.ClientUser,
			c.SyncFrequency.Milliseconds(), c.ChangeSaveTime.Milliseconds(),
			c.LastImport, c.LastExport, k.ns, c.LocalID,
		)
	}
	if err != nil {
		return apperrors.Wrap(apperrors.ErrRecordKeeping, "failed to save center", err)
	}

	if tx.ShouldRecord() && !c.IsHere() {
		if err := k.recordCenterDiff(sqlTx, old, c, tx); err != nil {
			return err
		}
	}

	if err := sqlTx.Commit(); err != nil {
		return apperrors.Wrap(apperrors.ErrRecordKeeping, "failed to commit center save", err)
	}
	k.invalidateLocked()
	k.maybeAutoPurgeLocked()
	return nil
}

// recordCenterDiff writes one change record per changed field. A center
// that has not been assigned a global id yet has no wire identity, so
// nothing is recorded; AssignCenterID announces it once the id arrives.
func (k *RecordKeeper) recordCenterDiff(sqlTx *sql.Tx, old, c *models.Center, tx *models.RecordsTransaction) error {
	if !c.HasCenterID() {
		return nil
	}
	if old == nil {
		rt, err := models.NewRecordType(models.SubjectCenter, models.CenterPresence, models.AdditivityAdd)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrRecordKeeping, "invalid record type", err)
		}
		return k.insertChangeRecord(sqlTx, k.newChangeRecord(rt, c.CenterID, "", tx), tx)
	}
	for _, change := range centerFieldChanges {
		before := centerFieldValue(old, change)
		after := centerFieldValue(c, change)
		if before == after {
			continue
		}
		rt, err := models.NewRecordType(models.SubjectCenter, change, models.AdditivityModify)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrRecordKeeping, "invalid record type", err)
		}
		rec := k.newChangeRecord(rt, c.CenterID, before, tx)
		if err := k.insertChangeRecord(sqlTx, rec, tx); err != nil {
			return err
		}
	}
	return nil
}

// AssignCenterID persists a center's global id on first contact and,
// when the transaction records, announces the center: the presence
// addition and field records that were held back while the center had
// no wire identity are written now, keyed to the assigned id.
func (k *RecordKeeper) AssignCenterID(c *models.Center, id int64, tx *models.RecordsTransaction) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.activate(tx)

	c.CenterID = id

	sqlTx, err := k.db.Begin()
	if err != nil {
		return apperrors.Wrap(apperrors.ErrRecordKeeping, "failed to begin transaction", err)
	}
	defer sqlTx.Rollback()

	_, err = sqlTx.Exec(
		"UPDATE centers SET center_id = ? WHERE namespace = ? AND local_id = ?",
		id, k.ns, c.LocalID,
	)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrRecordKeeping, "failed to assign center id", err)
	}

	if tx.ShouldRecord() && !c.IsHere() {
		if err := k.recordCenterDiff(sqlTx, nil, c, tx); err != nil {
			return err
		}
		// Diffing against a zero center records every non-default field.
		if err := k.recordCenterDiff(sqlTx, &models.Center{CenterID: id}, c, tx); err != nil {
			return err
		}
	}

	if err := sqlTx.Commit(); err != nil {
		return apperrors.Wrap(apperrors.ErrRecordKeeping, "failed to commit center id assignment", err)
	}
	k.invalidateLocked()
	k.maybeAutoPurgeLocked()
	return nil
}

// RemoveCenter logically deletes a center. The row is never physically
// removed so historical change records can still reference it.
func (k *RecordKeeper) RemoveCenter(c *models.Center, tx *models.RecordsTransaction) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.activate(tx)

	if tx.MemoryOnly() {
		k.invalidateLocked()
		return nil
	}

	sqlTx, err := k.db.Begin()
	if err != nil {
		return apperrors.Wrap(apperrors.ErrRecordKeeping, "failed to begin transaction", err)
	}
	defer sqlTx.Rollback()

	_, err = sqlTx.Exec(
		"UPDATE centers SET is_deleted = 1 WHERE namespace = ? AND local_id = ?",
		k.ns, c.LocalID,
	)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrRecordKeeping, "failed to delete center", err)
	}

	// A center that never got a global id was never announced, so its
	// removal has nothing to retract.
	if tx.ShouldRecord() && c.HasCenterID() {
		rt, err := models.NewRecordType(models.SubjectCenter, models.CenterPresence, models.AdditivityRemove)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrRecordKeeping, "invalid record type", err)
		}
		rec := k.newChangeRecord(rt, c.CenterID, c.Name, tx)
		if err := k.insertChangeRecord(sqlTx, rec, tx); err != nil {
			return err
		}
	}

	if err := sqlTx.Commit(); err != nil {
		return apperrors.Wrap(apperrors.ErrRecordKeeping, "failed to commit center delete", err)
	}
	k.invalidateLocked()
	return nil
}

// newChangeRecord stamps a fresh record with id, user, and the
// transaction time.
func (k *RecordKeeper) newChangeRecord(rt models.RecordType, subject int64, previous string, tx *models.RecordsTransaction) *models.ChangeRecord {
	return &models.ChangeRecord{
		ID:            uuid.New(),
		Type:          rt,
		Subject:       subject,
		PreviousValue: previous,
		User:          tx.User,
		Time:          tx.Time(),
	}
}

// activate stamps the transaction with the keeper clock if not yet done.
func (k *RecordKeeper) activate(tx *models.RecordsTransaction) {
	if !tx.Activated() {
		tx.Activate(k.clock())
	}
}

// PutSyncRecord upserts a synchronization attempt record. Attempt
// bookkeeping is always durable, even for memory-only transactions: it
// documents the attempt regardless of whether the attempt itself touched
// durable data.
func (k *RecordKeeper) PutSyncRecord(rec *models.SyncRecord, tx *models.RecordsTransaction) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.activate(tx)

	if rec.Time == 0 {
		rec.Time = tx.Time()
	}

	if rec.ID == 0 {
		res, err := k.db.Exec(
			`INSERT INTO sync_records (namespace, parallel_id, center_local_id, sync_type, time, is_import, error)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			k.ns, rec.ParallelID, rec.CenterLocalID, rec.Type.String(), rec.Time, rec.Import, rec.Error,
		)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrRecordKeeping, "failed to insert sync record", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return apperrors.Wrap(apperrors.ErrRecordKeeping, "failed to read sync record id", err)
		}
		rec.ID = id
		return nil
	}

	_, err := k.db.Exec(
		`UPDATE sync_records SET parallel_id = ?, center_local_id = ?, sync_type = ?,
			time = ?, is_import = ?, error = ?
		WHERE namespace = ? AND id = ?`,
		rec.ParallelID, rec.CenterLocalID, rec.Type.String(), rec.Time, rec.Import, rec.Error,
		k.ns, rec.ID,
	)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrRecordKeeping, "failed to update sync record", err)
	}
	return nil
}

// RemoveSyncRecord deletes attempt bookkeeping.
func (k *RecordKeeper) RemoveSyncRecord(rec *models.SyncRecord, tx *models.RecordsTransaction) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	_, err := k.db.Exec("DELETE FROM sync_records WHERE namespace = ? AND id = ?", k.ns, rec.ID)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrRecordKeeping, "failed to remove sync record", err)
	}
	return nil
}

func scanSyncRecord(row interface{ Scan(...interface{}) error }) (*models.SyncRecord, error) {
	var rec models.SyncRecord
	var syncType string
	err := row.Scan(&rec.ID, &rec.ParallelID, &rec.CenterLocalID, &syncType,
		&rec.Time, &rec.Import, &rec.Error)
	if err != nil {
		return nil, err
	}
	parsed, err := models.ParseSyncType(syncType)
	if err != nil {
		return nil, err
	}
	rec.Type = parsed
	return &rec, nil
}

const syncRecordColumns = "id, parallel_id, center_local_id, sync_type, time, is_import, error"

// SyncRecords returns the attempts recorded for a center, newest first.
func (k *RecordKeeper) SyncRecords(centerLocalID int64) ([]*models.SyncRecord, error) {
	rows, err := k.db.Query(
		`SELECT `+syncRecordColumns+` FROM sync_records
		WHERE namespace = ? AND center_local_id = ? ORDER BY time DESC, id DESC`,
		k.ns, centerLocalID,
	)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrRecordKeeping, "failed to query sync records", err)
	}
	defer rows.Close()

	var recs []*models.SyncRecord
	for rows.Next() {
		rec, err := scanSyncRecord(rows)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrRecordKeeping, "failed to scan sync record", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// SyncRecordByID returns one attempt record. The id is the primary key,
// so this is a point query even for large histories.
func (k *RecordKeeper) SyncRecordByID(id int64) (*models.SyncRecord, error) {
	stmt, err := k.prepareStmt(
		`SELECT ` + syncRecordColumns + ` FROM sync_records WHERE namespace = ? AND id = ?`)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrRecordKeeping, "failed to prepare sync record lookup", err)
	}
	rec, err := scanSyncRecord(stmt.QueryRow(k.ns, id))
	if err == sql.ErrNoRows {
		return nil, apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("no sync record %d", id))
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrRecordKeeping, "failed to load sync record", err)
	}
	return rec, nil
}
