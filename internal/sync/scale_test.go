package sync

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/centersync/internal/db"
	"github.com/kimhsiao/centersync/internal/keeper"
	"github.com/kimhsiao/centersync/internal/logging"
	"github.com/kimhsiao/centersync/internal/models"
)

// twoKeepers opens two keepers over one database, standing in for two
// server processes sharing a store.
func twoKeepers(t *testing.T) (*keeper.RecordKeeper, *keeper.RecordKeeper) {
	t.Helper()
	database, err := db.OpenMemory()
	require.NoError(t, err)
	require.NoError(t, db.NewMigrator(database.DB).Migrate())
	local, err := keeper.New(database.DB, "main", logging.Discard())
	require.NoError(t, err)
	sibling, err := keeper.New(database.DB, "main", logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() {
		local.Close()
		sibling.Close()
		database.Close()
	})
	return local, sibling
}

func TestScaleAdapterPropagatesSiblingChange(t *testing.T) {
	local, sibling := twoKeepers(t)

	c := &models.Center{Name: "Branch", CenterID: 42}
	require.NoError(t, local.PutCenter(c, quietTx("admin")))

	// Warm this process's snapshot before the sibling writes.
	require.Len(t, local.Centers(), 1)

	renamed, err := sibling.CenterByCenterID(42)
	require.NoError(t, err)
	renamed.Name = "Renamed"
	require.NoError(t, sibling.PutCenter(renamed, models.NewTransaction("admin")))

	recs, err := sibling.ChangesSince(-1, nil)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	before, err := local.ChangeCount(-1)
	require.NoError(t, err)

	adapter := NewScaleAdapter(local, logging.Discard())
	require.NoError(t, adapter.CheckChange(recs[0]))

	// The stale snapshot now reflects the sibling's write.
	centers := local.Centers()
	require.Len(t, centers, 1)
	assert.Equal(t, "Renamed", centers[0].Name)

	// Propagation wrote nothing durable and recorded no new change.
	after, err := local.ChangeCount(-1)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestScaleAdapterToleratesGoneSubject(t *testing.T) {
	local, _ := twoKeepers(t)

	rt, err := models.NewRecordType(models.SubjectCenter, models.CenterName, models.AdditivityModify)
	require.NoError(t, err)
	rec := &models.ChangeRecord{ID: "gone", Type: rt, Subject: 999999, Time: 100}

	require.NoError(t, NewScaleAdapter(local, logging.Discard()).CheckChange(rec))
}
