package sync

import (
	"context"
	"fmt"
	stdsync "sync"
	"time"

	"github.com/sirupsen/logrus"

	apperrors "github.com/kimhsiao/centersync/internal/errors"
	"github.com/kimhsiao/centersync/internal/keeper"
	"github.com/kimhsiao/centersync/internal/logging"
	"github.com/kimhsiao/centersync/internal/models"
)

// Synchronizer orchestrates synchronization attempts end-to-end: the
// export and import paths serving the wire protocol, and the full
// client-side attempt against a remote center. Attempts against
// different centers run concurrently; attempts against the same center
// are mutually exclusive.
type Synchronizer struct {
	keeper  *keeper.RecordKeeper
	remote  RemoteClient
	log     *logrus.Entry
	clock   func() int64
	metrics *Metrics
	events  EventHandler

	locks stdsync.Map // center local id -> *stdsync.Mutex
}

// New creates a synchronizer over a record keeper. remote may be nil for
// a server-only deployment that never initiates attempts.
func New(k *keeper.RecordKeeper, remote RemoteClient, logger *logrus.Logger) *Synchronizer {
	return &Synchronizer{
		keeper:  k,
		remote:  remote,
		log:     logging.ForNamespace(logger, k.Namespace()),
		clock:   func() int64 { return time.Now().UnixMilli() },
		metrics: NewMetrics(),
		events:  noopEvents{},
	}
}

// SetClock overrides the time source, for tests.
func (s *Synchronizer) SetClock(clock func() int64) {
	s.clock = clock
}

// SetEventHandler registers a lifecycle event handler.
func (s *Synchronizer) SetEventHandler(h EventHandler) {
	if h == nil {
		h = noopEvents{}
	}
	s.events = h
}

// Metrics returns the attempt counters.
func (s *Synchronizer) Metrics() *Metrics {
	return s.metrics
}

func (s *Synchronizer) centerLock(localID int64) *stdsync.Mutex {
	lock, _ := s.locks.LoadOrStore(localID, &stdsync.Mutex{})
	return lock.(*stdsync.Mutex)
}

// keeperResolver resolves identifiable references against the store.
type keeperResolver struct {
	keeper *keeper.RecordKeeper
}

func (r keeperResolver) Resolve(typeName string, id int64) (interface{}, error) {
	switch typeName {
	case models.SubjectCenter.Name():
		c, err := r.keeper.CenterByCenterID(id)
		if apperrors.Is(err, apperrors.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return c, nil
	}
	return nil, nil
}

// exportValue reads the payload value to send for a record. A record
// carries no new value of its own, so the current field value stands in
// for it; for removals, or when the subject is gone, the previous value
// is the best remaining description.
func (s *Synchronizer) exportValue(rec *models.ChangeRecord) string {
	if rec.Type.Additivity == models.AdditivityRemove {
		return rec.PreviousValue
	}
	value, err := s.keeper.CurrentValue(rec)
	if err != nil {
		return rec.PreviousValue
	}
	return value
}

// Export builds the change batch for a counterpart pulling from this
// side. The caller's cutoff is reconciled against this side's clock
// before querying, and the peer center's last-export time is advanced.
func (s *Synchronizer) Export(center *models.Center, rec *models.SyncRecord, since, remoteNow int64, subjects []models.SubjectType, tx *models.RecordsTransaction) (*ChangeBatch, error) {
	reconciled := ReconcileSince(since, remoteNow, s.clock())
	records, err := s.keeper.ChangesSince(reconciled, subjects)
	if err != nil {
		return nil, err
	}

	localID, err := s.keeper.LocalCenterID()
	if err != nil {
		return nil, err
	}
	batch := &ChangeBatch{CenterID: localID, RecordID: rec.ID}
	for _, record := range records {
		// Records describing the pulling center itself are not echoed
		// back; the peer is authoritative about its own identity.
		if center != nil && center.HasCenterID() &&
			record.Type.Subject == models.SubjectCenter && record.Subject == center.CenterID {
			continue
		}
		batch.Changes = append(batch.Changes, entryFromRecord(record, s.exportValue(record)))
	}

	if center != nil && !center.IsHere() {
		center.LastExport = s.clock()
		book := models.NewTransaction(tx.User).WithoutRecords()
		if err := s.keeper.PutCenter(center, book); err != nil {
			s.log.WithError(err).WithField("center", center.Name).Warn("failed to update last export time")
		}
	}

	s.metrics.exported(len(batch.Changes))
	return batch, nil
}

// Import applies an incoming batch under one records transaction.
// Records already known by their globally-unique id are skipped, so
// double delivery and retries are safe. Identifiable references are
// resolved through a per-batch object bag. Application is all-or-nothing
// for the attempt. Returns the applied and skipped counts.
func (s *Synchronizer) Import(center *models.Center, batch *ChangeBatch, tx *models.RecordsTransaction) (int, int, error) {
	bag := NewObjectBag(keeperResolver{keeper: s.keeper})
	defer bag.Clear()

	localID, err := s.keeper.LocalCenterID()
	if err != nil {
		return 0, 0, err
	}

	var resolved []keeper.ResolvedChange
	skipped := 0
	for _, entry := range batch.Changes {
		record, err := entry.Record()
		if err != nil {
			return 0, skipped, err
		}
		// Records describing this center are skipped: a center is
		// authoritative about its own row, and applying a peer's view
		// of it would overwrite the local identity.
		if record.Type.Subject == models.SubjectCenter && record.Subject == localID {
			skipped++
			continue
		}
		seen, err := s.keeper.HasChange(record.ID)
		if err != nil {
			return 0, skipped, err
		}
		if seen {
			skipped++
			continue
		}
		rc := keeper.ResolvedChange{Record: record, Value: entry.Value}
		if entry.ValueRef != nil {
			obj, err := bag.Resolve(entry.ValueRef.Type, entry.ValueRef.ID)
			if err != nil {
				return 0, skipped, err
			}
			rc.Resolved = obj
		}
		resolved = append(resolved, rc)
	}

	if len(resolved) > 0 {
		if err := s.keeper.ApplyChanges(resolved, tx); err != nil {
			return 0, skipped, err
		}
	}

	if center != nil && !tx.MemoryOnly() {
		s.advanceWatermarks(center, resolved)
	}

	s.metrics.applied(len(resolved))
	s.metrics.skipped(skipped)
	return len(resolved), skipped, nil
}

// advanceWatermarks remembers the newest applied change per subject type
// for the center, for incremental batches and replay detection.
func (s *Synchronizer) advanceWatermarks(center *models.Center, applied []keeper.ResolvedChange) {
	latest := make(map[models.SubjectType]*models.ChangeRecord)
	for _, rc := range applied {
		cur := latest[rc.Record.Type.Subject]
		if cur == nil || rc.Record.Time > cur.Time {
			latest[rc.Record.Type.Subject] = rc.Record
		}
	}
	for subject, record := range latest {
		if err := s.keeper.SetLatestChange(center.LocalID, subject, record.ID, record.Time); err != nil {
			s.log.WithError(err).WithField("center", center.Name).Warn("failed to advance watermark")
		}
	}
}

// NewItemCount counts pending changes since the reconciled cutoff
// without materializing them.
func (s *Synchronizer) NewItemCount(since, remoteNow int64) (int, error) {
	return s.keeper.ChangeCount(ReconcileSince(since, remoteNow, s.clock()))
}

// AdoptCenterID learns or verifies a peer's globally-unique id. An
// unassigned center takes the claimed id on first contact, which also
// announces the center to the record history under its real id; a known
// id that does not match is a configuration error, the remote identity
// changed unexpectedly. A claim of the reserved id 0 is ignored.
func (s *Synchronizer) AdoptCenterID(center *models.Center, claimed int64, user string) error {
	if claimed == CenterIDDisabled {
		return nil
	}
	if !center.HasCenterID() {
		return s.keeper.AssignCenterID(center, claimed, models.NewTransaction(user))
	}
	if center.CenterID != claimed {
		return apperrors.New(apperrors.ErrCenterMismatch,
			fmt.Sprintf("center %q is known as %d but claims %d", center.Name, center.CenterID, claimed))
	}
	return nil
}

func parseSubjects(names []string) ([]models.SubjectType, error) {
	var subjects []models.SubjectType
	for _, name := range names {
		subject, err := models.ParseSubjectType(name)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrMalformedPayload, "bad subject filter", err)
		}
		subjects = append(subjects, subject)
	}
	return subjects, nil
}

// HandleSynchronize serves the synchronize method for an authenticated
// center: verify or learn the peer's id, open an export sync record, and
// build the batch. The record stays pending until the peer reports the
// outcome via reportSuccess.
func (s *Synchronizer) HandleSynchronize(center *models.Center, req *Request, user string) (*SynchronizeResponse, error) {
	syncType := models.SyncManualRemote
	if req.SyncType != "" {
		parsed, err := models.ParseSyncType(req.SyncType)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrMalformedPayload, "bad sync type", err)
		}
		syncType = parsed
	}
	subjects, err := parseSubjects(req.Subjects)
	if err != nil {
		return nil, err
	}
	if req.CenterID != CenterIDDisabled {
		if err := s.AdoptCenterID(center, req.CenterID, user); err != nil {
			return nil, err
		}
	}

	rec := models.NewSyncRecord(center.LocalID, syncType, false, s.clock())
	rec.ParallelID = req.RecordID
	tx := models.NewTransaction(user).WithSyncRecord(rec)
	if err := s.keeper.PutSyncRecord(rec, tx); err != nil {
		return nil, err
	}

	batch, err := s.Export(center, rec, req.Since, req.Now, subjects, tx)
	if err != nil {
		rec.Finish(err)
		if perr := s.keeper.PutSyncRecord(rec, tx); perr != nil {
			s.log.WithError(perr).Error("failed to record export failure")
		}
		return nil, err
	}

	return &SynchronizeResponse{
		Plugin:   "centersync",
		CenterID: batch.CenterID,
		RecordID: rec.ID,
		Changes:  batch.Changes,
	}, nil
}

// HandleCount serves the getNewItemCount method.
func (s *Synchronizer) HandleCount(req *Request) (*CountResponse, error) {
	count, err := s.NewItemCount(req.Since, req.Now)
	if err != nil {
		return nil, err
	}
	return &CountResponse{ItemCount: count}, nil
}

// HandleReportSuccess records the peer-reported outcome of an export
// attempt on the matching sync record.
func (s *Synchronizer) HandleReportSuccess(center *models.Center, req *Request, user string) error {
	rec, err := s.keeper.SyncRecordByID(req.RecordID)
	if apperrors.Is(err, apperrors.ErrNotFound) {
		return apperrors.New(apperrors.ErrInvalid,
			fmt.Sprintf("no sync record %d to report on", req.RecordID))
	}
	if err != nil {
		return err
	}
	if center != nil && rec.CenterLocalID != center.LocalID {
		return apperrors.New(apperrors.ErrInvalid,
			fmt.Sprintf("sync record %d belongs to another center", req.RecordID))
	}
	rec.Error = req.SyncError
	return s.keeper.PutSyncRecord(rec, models.NewTransaction(user))
}

// SyncWithCenter runs one full client-side attempt against a remote
// center: count pending changes, pull the batch, apply it, report the
// outcome back, and advance the center's last-import time. The attempt's
// outcome is always captured on a sync record; the returned error is for
// the caller's log, not an unrecorded failure. Cancellation or timeout
// of ctx surfaces as a failed sync record.
func (s *Synchronizer) SyncWithCenter(ctx context.Context, center *models.Center, syncType models.SyncType) error {
	if center.IsHere() {
		return apperrors.New(apperrors.ErrSelfSync, "a center cannot synchronize with itself")
	}
	if !center.Configured() {
		return apperrors.New(apperrors.ErrSyncNotConfigured,
			fmt.Sprintf("center %q has no url or server user", center.Name))
	}
	if s.remote == nil {
		return apperrors.New(apperrors.ErrSyncNotConfigured, "no remote client configured")
	}

	lock := s.centerLock(center.LocalID)
	if !lock.TryLock() {
		return apperrors.New(apperrors.ErrSyncInProgress,
			fmt.Sprintf("an attempt against center %q is already running", center.Name))
	}
	defer lock.Unlock()

	started := s.clock()
	s.metrics.attemptStarted()

	rec := models.NewSyncRecord(center.LocalID, syncType, true, started)
	tx := models.NewTransaction(center.ServerUser).WithSyncRecord(rec)
	if err := s.keeper.PutSyncRecord(rec, tx); err != nil {
		return err
	}
	s.events.SyncStarted(center, rec)

	err := s.runAttempt(ctx, center, rec, tx)

	rec.Finish(err)
	if perr := s.keeper.PutSyncRecord(rec, tx); perr != nil {
		s.log.WithError(perr).Error("failed to record attempt outcome")
	}
	finished := s.clock()
	s.metrics.attemptFinished(finished, finished-started)

	if err != nil {
		s.metrics.attemptFailed()
		s.events.SyncFailed(center, rec, err)
		s.log.WithError(err).WithField("center", center.Name).Warn("synchronization attempt failed")
		return err
	}
	s.events.SyncCompleted(center, rec)
	return nil
}

func (s *Synchronizer) runAttempt(ctx context.Context, center *models.Center, rec *models.SyncRecord, tx *models.RecordsTransaction) error {
	localID, err := s.keeper.LocalCenterID()
	if err != nil {
		return err
	}

	count, err := s.remote.NewItemCount(ctx, center, &Request{
		CenterID: localID,
		Since:    center.LastImport,
		Now:      s.clock(),
	})
	if err != nil {
		return err
	}
	if count.ItemCount == 0 {
		return nil
	}

	resp, err := s.remote.Synchronize(ctx, center, &Request{
		CenterID: localID,
		Since:    center.LastImport,
		Now:      s.clock(),
		SyncType: rec.Type.String(),
		RecordID: rec.ID,
	})
	if err != nil {
		return err
	}
	if err := s.AdoptCenterID(center, resp.CenterID, center.ServerUser); err != nil {
		return err
	}
	rec.ParallelID = resp.RecordID

	batch := &ChangeBatch{CenterID: resp.CenterID, RecordID: resp.RecordID, Changes: resp.Changes}
	_, _, importErr := s.Import(center, batch, tx)

	var syncErr *string
	if importErr != nil {
		msg := importErr.Error()
		syncErr = &msg
	}
	report := &Request{CenterID: localID, RecordID: resp.RecordID, SyncError: syncErr}
	if err := s.remote.ReportSuccess(ctx, center, report); err != nil {
		s.log.WithError(err).WithField("center", center.Name).Warn("failed to report attempt outcome to peer")
	}
	if importErr != nil {
		return importErr
	}

	center.LastImport = s.clock()
	return s.keeper.PutCenter(center, models.NewTransaction(center.ServerUser).WithoutRecords())
}
