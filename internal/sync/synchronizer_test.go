package sync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/centersync/internal/db"
	apperrors "github.com/kimhsiao/centersync/internal/errors"
	"github.com/kimhsiao/centersync/internal/keeper"
	"github.com/kimhsiao/centersync/internal/logging"
	"github.com/kimhsiao/centersync/internal/models"
)

func newTestKeeper(t *testing.T, namespace string) *keeper.RecordKeeper {
	t.Helper()
	database, err := db.OpenMemory()
	require.NoError(t, err)
	require.NoError(t, db.NewMigrator(database.DB).Migrate())
	k, err := keeper.New(database.DB, namespace, logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() {
		k.Close()
		database.Close()
	})
	return k
}

// fakeRemote scripts the counterpart center's responses.
type fakeRemote struct {
	count     *CountResponse
	countErr  error
	resp      *SynchronizeResponse
	respErr   error
	syncCalls int
	reports   []*Request
}

func (f *fakeRemote) Synchronize(_ context.Context, _ *models.Center, _ *Request) (*SynchronizeResponse, error) {
	f.syncCalls++
	return f.resp, f.respErr
}

func (f *fakeRemote) NewItemCount(_ context.Context, _ *models.Center, _ *Request) (*CountResponse, error) {
	return f.count, f.countErr
}

func (f *fakeRemote) ReportSuccess(_ context.Context, _ *models.Center, req *Request) error {
	f.reports = append(f.reports, req)
	return nil
}

func quietTx(user string) *models.RecordsTransaction {
	return models.NewTransaction(user).WithoutRecords()
}

func TestExportImportRoundTrip(t *testing.T) {
	kA := newTestKeeper(t, "a")
	kB := newTestKeeper(t, "b")
	sA := New(kA, nil, logging.Discard())
	sB := New(kB, nil, logging.Discard())

	// Three changes in A: a center appears, its URL is set, and the
	// purge entry count is configured.
	c := &models.Center{Name: "Branch", CenterID: 5001}
	require.NoError(t, kA.PutCenter(c, models.NewTransaction("admin")))
	c.URL = "https://branch"
	require.NoError(t, kA.PutCenter(c, models.NewTransaction("admin")))
	policy := models.NewAutoPurgePolicy()
	policy.EntryCount = 500
	require.NoError(t, kA.SetPolicy(policy, models.NewTransaction("admin")))

	rec := models.NewSyncRecord(1, models.SyncManualRemote, false, 100)
	batch, err := sA.Export(nil, rec, 0, 0, nil, models.NewTransaction("admin"))
	require.NoError(t, err)
	require.Len(t, batch.Changes, 3)

	applied, skipped, err := sB.Import(nil, batch, models.NewTransaction("peer"))
	require.NoError(t, err)
	assert.Equal(t, 3, applied)
	assert.Equal(t, 0, skipped)

	imported, err := kB.CenterByCenterID(5001)
	require.NoError(t, err)
	assert.Equal(t, "Branch", imported.Name)
	assert.Equal(t, "https://branch", imported.URL)

	importedPolicy, err := kB.Policy()
	require.NoError(t, err)
	assert.Equal(t, 500, importedPolicy.EntryCount)

	// Double delivery of the same batch is a no-op.
	applied, skipped, err = sB.Import(nil, batch, models.NewTransaction("peer"))
	require.NoError(t, err)
	assert.Equal(t, 0, applied)
	assert.Equal(t, 3, skipped)
}

func TestExportSubjectFilterAndReconciledSince(t *testing.T) {
	k := newTestKeeper(t, "main")
	s := New(k, nil, logging.Discard())

	k.SetClock(func() int64 { return 1000 })
	c := &models.Center{Name: "Branch", CenterID: 5001}
	require.NoError(t, k.PutCenter(c, models.NewTransaction("admin")))
	k.SetClock(func() int64 { return 2000 })
	policy := models.NewAutoPurgePolicy()
	policy.EntryCount = 500
	require.NoError(t, k.SetPolicy(policy, models.NewTransaction("admin")))

	rec := models.NewSyncRecord(1, models.SyncManualRemote, false, 100)

	centersOnly, err := s.Export(nil, rec, 0, 0, []models.SubjectType{models.SubjectCenter}, models.NewTransaction("admin"))
	require.NoError(t, err)
	require.Len(t, centersOnly.Changes, 1)
	assert.Equal(t, "center", centersOnly.Changes[0].Subject)

	// A remote cutoff of 1500 on a clock 500ms behind ours reconciles to
	// 2000 here, excluding both changes.
	s.SetClock(func() int64 { return 2500 })
	nothing, err := s.Export(nil, rec, 1500, 2000, nil, models.NewTransaction("admin"))
	require.NoError(t, err)
	assert.Empty(t, nothing.Changes)
}

func TestImportFailureIsAllOrNothing(t *testing.T) {
	k := newTestKeeper(t, "main")
	s := New(k, nil, logging.Discard())

	batch := &ChangeBatch{Changes: []ChangeEntry{
		{ID: "ok-1", Subject: "center", Change: "presence", Additivity: 1, SubjectID: 9001, Value: "New", Time: 100},
		// Modifying a center nobody has ever seen is fatal.
		{ID: "bad-1", Subject: "center", Change: "name", Additivity: 0, SubjectID: 777777, Value: "X", Time: 101},
	}}
	_, _, err := s.Import(nil, batch, models.NewTransaction("peer"))
	require.Error(t, err)

	count, err := k.ChangeCount(-1)
	require.NoError(t, err)
	assert.Equal(t, 0, count, "failed attempt must leave no partial state")
}

func TestPreContactCentersConverge(t *testing.T) {
	kA := newTestKeeper(t, "a")
	kB := newTestKeeper(t, "b")
	sA := New(kA, nil, logging.Discard())
	sB := New(kB, nil, logging.Discard())

	// Two centers registered before any contact: neither has a global
	// id yet, so neither may appear in the exported history.
	east := &models.Center{Name: "East"}
	west := &models.Center{Name: "West"}
	require.NoError(t, kA.PutCenter(east, models.NewTransaction("admin")))
	require.NoError(t, kA.PutCenter(west, models.NewTransaction("admin")))

	rec := models.NewSyncRecord(1, models.SyncManualRemote, false, 100)
	batch, err := sA.Export(nil, rec, 0, 0, nil, models.NewTransaction("admin"))
	require.NoError(t, err)
	assert.Empty(t, batch.Changes)

	// First contact assigns each center its real id, announcing it.
	require.NoError(t, sA.AdoptCenterID(east, 9001, "admin"))
	require.NoError(t, sA.AdoptCenterID(west, 9002, "admin"))

	batch, err = sA.Export(nil, rec, 0, 0, nil, models.NewTransaction("admin"))
	require.NoError(t, err)
	require.NotEmpty(t, batch.Changes)
	for _, entry := range batch.Changes {
		assert.NotEqual(t, models.CenterIDUnassigned, entry.SubjectID)
	}

	_, _, err = sB.Import(nil, batch, models.NewTransaction("peer"))
	require.NoError(t, err)

	// Both centers arrived, each under its own id.
	importedEast, err := kB.CenterByCenterID(9001)
	require.NoError(t, err)
	assert.Equal(t, "East", importedEast.Name)
	importedWest, err := kB.CenterByCenterID(9002)
	require.NoError(t, err)
	assert.Equal(t, "West", importedWest.Name)
}

func TestImportSkipsRecordsAboutSelf(t *testing.T) {
	k := newTestKeeper(t, "main")
	s := New(k, nil, logging.Discard())

	localID, err := k.LocalCenterID()
	require.NoError(t, err)
	here, err := k.HereCenter()
	require.NoError(t, err)

	// A peer echoing back its view of this center must not overwrite
	// the local identity.
	batch := &ChangeBatch{Changes: []ChangeEntry{
		{ID: "self-1", Subject: "center", Change: "presence", Additivity: 1, SubjectID: localID, Value: "Their Name For Us", Time: 100},
		{ID: "self-2", Subject: "center", Change: "name", Additivity: 0, SubjectID: localID, Value: "Their Name For Us", Time: 101},
	}}
	applied, skipped, err := s.Import(nil, batch, models.NewTransaction("peer"))
	require.NoError(t, err)
	assert.Equal(t, 0, applied)
	assert.Equal(t, 2, skipped)

	reloaded, err := k.HereCenter()
	require.NoError(t, err)
	assert.Equal(t, here.Name, reloaded.Name)
}

func TestExportOmitsRecordsAboutPeer(t *testing.T) {
	k := newTestKeeper(t, "main")
	s := New(k, nil, logging.Discard())

	branch := &models.Center{Name: "Branch", CenterID: 5001}
	require.NoError(t, k.PutCenter(branch, models.NewTransaction("admin")))

	peer := &models.Center{Name: "Caller", ClientUser: "peer-user"}
	require.NoError(t, k.PutCenter(peer, quietTx("admin")))
	require.NoError(t, s.AdoptCenterID(peer, 9005, "peer-user"))

	// Adoption announced the peer locally, but the peer itself only
	// receives the branch record.
	rec := models.NewSyncRecord(peer.LocalID, models.SyncManualRemote, false, 100)
	batch, err := s.Export(peer, rec, 0, 0, nil, models.NewTransaction("peer-user"))
	require.NoError(t, err)
	require.Len(t, batch.Changes, 1)
	assert.Equal(t, int64(5001), batch.Changes[0].SubjectID)
}

func TestSyncWithCenterSuccess(t *testing.T) {
	k := newTestKeeper(t, "main")
	center := &models.Center{Name: "Peer", URL: "http://peer/sync", ServerUser: "alice", ServerPassword: "s"}
	require.NoError(t, k.PutCenter(center, quietTx("admin")))

	remote := &fakeRemote{
		count: &CountResponse{ItemCount: 2},
		resp: &SynchronizeResponse{
			Plugin:   "centersync",
			CenterID: 7001,
			RecordID: 99,
			Changes: []ChangeEntry{
				{ID: "r1", Subject: "center", Change: "presence", Additivity: 1, SubjectID: 6001,
					Value: "Remote Branch", ValueRef: &Reference{Type: "center", ID: 6001}, User: "bob", Time: 500},
				{ID: "r2", Subject: "center", Change: "url", Additivity: 0, SubjectID: 6001,
					Value: "https://remote-branch", User: "bob", Time: 600},
			},
		},
	}
	s := New(k, remote, logging.Discard())
	now := int64(10_000)
	s.SetClock(func() int64 { return now })

	require.NoError(t, s.SyncWithCenter(context.Background(), center, models.SyncAutomatic))

	// The peer's id was learned on first contact.
	assert.Equal(t, int64(7001), center.CenterID)
	assert.Equal(t, now, center.LastImport)

	// The incoming changes were applied and recorded.
	branch, err := k.CenterByCenterID(6001)
	require.NoError(t, err)
	assert.Equal(t, "Remote Branch", branch.Name)
	assert.Equal(t, "https://remote-branch", branch.URL)

	// Attempt bookkeeping captured the outcome and correlation id.
	recs, err := k.SyncRecords(center.LocalID)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.True(t, recs[0].Succeeded())
	assert.True(t, recs[0].Import)
	assert.Equal(t, int64(99), recs[0].ParallelID)

	// The peer was told its export succeeded.
	require.Len(t, remote.reports, 1)
	assert.Equal(t, int64(99), remote.reports[0].RecordID)
	assert.Nil(t, remote.reports[0].SyncError)

	// The watermark advanced to the newest applied change.
	wm, err := k.LatestChange(center.LocalID, models.SubjectCenter)
	require.NoError(t, err)
	require.NotNil(t, wm)
	assert.Equal(t, "r2", wm.ChangeID)

	snap := s.Metrics().Snapshot()
	assert.Equal(t, int64(1), snap.Attempts)
	assert.Equal(t, int64(0), snap.Failures)
	assert.Equal(t, int64(2), snap.RecordsApplied)
}

func TestSyncWithCenterNothingPending(t *testing.T) {
	k := newTestKeeper(t, "main")
	center := &models.Center{Name: "Peer", URL: "http://peer/sync", ServerUser: "alice"}
	require.NoError(t, k.PutCenter(center, quietTx("admin")))

	remote := &fakeRemote{count: &CountResponse{ItemCount: 0}}
	s := New(k, remote, logging.Discard())

	require.NoError(t, s.SyncWithCenter(context.Background(), center, models.SyncAutomatic))
	assert.Equal(t, 0, remote.syncCalls, "an empty peer is not pulled from")

	recs, err := k.SyncRecords(center.LocalID)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.True(t, recs[0].Succeeded())
}

func TestSyncWithCenterIDMismatch(t *testing.T) {
	k := newTestKeeper(t, "main")
	center := &models.Center{Name: "Peer", URL: "http://peer/sync", ServerUser: "alice", CenterID: 7001}
	require.NoError(t, k.PutCenter(center, quietTx("admin")))

	remote := &fakeRemote{
		count: &CountResponse{ItemCount: 1},
		resp:  &SynchronizeResponse{CenterID: 8888, RecordID: 1},
	}
	s := New(k, remote, logging.Discard())

	err := s.SyncWithCenter(context.Background(), center, models.SyncManualRemote)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrCenterMismatch))

	recs, kerr := k.SyncRecords(center.LocalID)
	require.NoError(t, kerr)
	require.Len(t, recs, 1)
	assert.False(t, recs[0].Succeeded(), "the failure is captured on the sync record")
	assert.False(t, recs[0].Pending())
}

func TestSyncWithCenterGuards(t *testing.T) {
	k := newTestKeeper(t, "main")
	s := New(k, &fakeRemote{}, logging.Discard())

	here, err := k.HereCenter()
	require.NoError(t, err)
	err = s.SyncWithCenter(context.Background(), here, models.SyncAutomatic)
	assert.True(t, apperrors.Is(err, apperrors.ErrSelfSync))

	unconfigured := &models.Center{LocalID: 3, Name: "No URL"}
	err = s.SyncWithCenter(context.Background(), unconfigured, models.SyncAutomatic)
	assert.True(t, apperrors.Is(err, apperrors.ErrSyncNotConfigured))
}

func TestSyncWithCenterAlreadyRunning(t *testing.T) {
	k := newTestKeeper(t, "main")
	center := &models.Center{Name: "Peer", URL: "http://peer/sync", ServerUser: "alice"}
	require.NoError(t, k.PutCenter(center, quietTx("admin")))

	s := New(k, &fakeRemote{count: &CountResponse{}}, logging.Discard())
	s.centerLock(center.LocalID).Lock()
	defer s.centerLock(center.LocalID).Unlock()

	err := s.SyncWithCenter(context.Background(), center, models.SyncAutomatic)
	assert.True(t, apperrors.Is(err, apperrors.ErrSyncInProgress))
}

func TestHandleSynchronizeAndReportSuccess(t *testing.T) {
	k := newTestKeeper(t, "main")
	s := New(k, nil, logging.Discard())
	s.SetClock(func() int64 { return 5000 })

	c := &models.Center{Name: "Branch", CenterID: 5001}
	require.NoError(t, k.PutCenter(c, models.NewTransaction("admin")))

	peer := &models.Center{Name: "Caller", ClientUser: "peer-user"}
	require.NoError(t, k.PutCenter(peer, quietTx("admin")))

	resp, err := s.HandleSynchronize(peer, &Request{
		Method:   MethodSynchronize,
		CenterID: 9005,
		SyncType: "Automatic",
		RecordID: 42,
	}, "peer-user")
	require.NoError(t, err)
	require.Len(t, resp.Changes, 1)
	assert.Equal(t, int64(9005), peer.CenterID, "first contact adopts the claimed id")

	// The export record is pending until the peer reports.
	rec, err := k.SyncRecordByID(resp.RecordID)
	require.NoError(t, err)
	assert.True(t, rec.Pending())
	assert.Equal(t, int64(42), rec.ParallelID)
	assert.False(t, rec.Import)

	require.NoError(t, s.HandleReportSuccess(peer, &Request{
		Method:   MethodReportSuccess,
		RecordID: resp.RecordID,
	}, "peer-user"))

	rec, err = k.SyncRecordByID(resp.RecordID)
	require.NoError(t, err)
	assert.True(t, rec.Succeeded())

	// The peer's last-export time advanced.
	reloaded, err := k.CenterByLocalID(peer.LocalID)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), reloaded.LastExport)
}

func TestHandleReportSuccessWrongCenter(t *testing.T) {
	k := newTestKeeper(t, "main")
	s := New(k, nil, logging.Discard())

	a := &models.Center{Name: "A", ClientUser: "peer-a"}
	b := &models.Center{Name: "B", ClientUser: "peer-b"}
	require.NoError(t, k.PutCenter(a, quietTx("admin")))
	require.NoError(t, k.PutCenter(b, quietTx("admin")))

	rec := models.NewSyncRecord(a.LocalID, models.SyncAutomatic, false, 100)
	require.NoError(t, k.PutSyncRecord(rec, models.NewMemoryTransaction()))

	err := s.HandleReportSuccess(b, &Request{RecordID: rec.ID}, "peer-b")
	require.Error(t, err)
	assert.True(t, apperrors.CallerError(err))
}

func TestHandleCount(t *testing.T) {
	k := newTestKeeper(t, "main")
	s := New(k, nil, logging.Discard())

	c := &models.Center{Name: "Branch", CenterID: 5001}
	require.NoError(t, k.PutCenter(c, models.NewTransaction("admin")))

	resp, err := s.HandleCount(&Request{Method: MethodGetNewItemCount})
	require.NoError(t, err)
	assert.Equal(t, 1, resp.ItemCount)
}

func TestAttemptTimeoutBecomesFailedRecord(t *testing.T) {
	k := newTestKeeper(t, "main")
	center := &models.Center{Name: "Peer", URL: "http://peer/sync", ServerUser: "alice"}
	require.NoError(t, k.PutCenter(center, quietTx("admin")))

	remote := &fakeRemote{countErr: context.DeadlineExceeded}
	s := New(k, remote, logging.Discard())

	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	err := s.SyncWithCenter(ctx, center, models.SyncAutomatic)
	require.Error(t, err)

	recs, kerr := k.SyncRecords(center.LocalID)
	require.NoError(t, kerr)
	require.Len(t, recs, 1)
	assert.False(t, recs[0].Pending())
	assert.False(t, recs[0].Succeeded())
}
