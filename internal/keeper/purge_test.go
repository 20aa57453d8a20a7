// Package keeper provides unit tests for auto-purge behavior.
package keeper

import (
	"fmt"
	"testing"
	"time"

	"github.com/kimhsiao/centersync/internal/models"
)

// centerAddition builds a resolved presence addition at a given time.
func centerAddition(t *testing.T, n int, subject, at int64, user string) ResolvedChange {
	t.Helper()
	rt, err := models.NewRecordType(models.SubjectCenter, models.CenterPresence, models.AdditivityAdd)
	if err != nil {
		t.Fatalf("Failed to build record type: %v", err)
	}
	return ResolvedChange{
		Record: &models.ChangeRecord{
			ID:      fmt.Sprintf("purge-test-%d", n),
			Type:    rt,
			Subject: subject,
			User:    user,
			Time:    at,
		},
		Value: fmt.Sprintf("Center %d", subject),
	}
}

func setPolicyQuiet(t *testing.T, k *RecordKeeper, p *models.AutoPurgePolicy) {
	t.Helper()
	if err := k.SetPolicy(p, durableTx("admin").WithoutRecords()); err != nil {
		t.Fatalf("SetPolicy failed: %v", err)
	}
}

func TestPurgeNoLimitsIsNoop(t *testing.T) {
	k := setupKeeper(t)
	changes := []ResolvedChange{
		centerAddition(t, 1, 101, 1000, "peer"),
		centerAddition(t, 2, 102, 2000, "peer"),
	}
	if err := k.ApplyChanges(changes, durableTx("peer")); err != nil {
		t.Fatalf("ApplyChanges failed: %v", err)
	}

	if err := k.Purge(1_000_000); err != nil {
		t.Fatalf("Purge failed: %v", err)
	}
	count, err := k.ChangeCount(-1)
	if err != nil {
		t.Fatal(err)
	}
	if count != 2 {
		t.Errorf("Purge without limits removed records, %d left", count)
	}
}

func TestPurgeAgeLimit(t *testing.T) {
	k := setupKeeper(t)
	changes := []ResolvedChange{
		centerAddition(t, 1, 101, 1000, "peer"),
		centerAddition(t, 2, 102, 2000, "peer"),
		centerAddition(t, 3, 103, 3000, "peer"),
	}
	if err := k.ApplyChanges(changes, durableTx("peer")); err != nil {
		t.Fatalf("ApplyChanges failed: %v", err)
	}

	p := models.NewAutoPurgePolicy()
	p.Age = time.Second
	setPolicyQuiet(t, k, p)

	if err := k.Purge(3500); err != nil {
		t.Fatalf("Purge failed: %v", err)
	}

	recs, err := k.ChangesSince(-1, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].Time != 3000 {
		t.Errorf("Age purge kept wrong records: %+v", recs)
	}
}

func TestPurgeCountLimit(t *testing.T) {
	k := setupKeeper(t)
	var changes []ResolvedChange
	for i := 1; i <= 5; i++ {
		changes = append(changes, centerAddition(t, i, int64(100+i), int64(i*1000), "peer"))
	}
	if err := k.ApplyChanges(changes, durableTx("peer")); err != nil {
		t.Fatalf("ApplyChanges failed: %v", err)
	}

	p := models.NewAutoPurgePolicy()
	p.EntryCount = 2
	setPolicyQuiet(t, k, p)

	if err := k.Purge(6000); err != nil {
		t.Fatalf("Purge failed: %v", err)
	}

	recs, err := k.ChangesSince(-1, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Fatalf("Count purge kept %d records, want 2", len(recs))
	}
	if recs[0].Time != 4000 || recs[1].Time != 5000 {
		t.Errorf("Count purge kept wrong records: %d, %d", recs[0].Time, recs[1].Time)
	}
}

func TestPurgeRespectsChangeSaveWindows(t *testing.T) {
	k := setupKeeper(t)

	// One center still wants the last 10 seconds of history for sync.
	c := &models.Center{Name: "Slow Peer", ChangeSaveTime: 10 * time.Second}
	if err := k.PutCenter(c, durableTx("admin").WithoutRecords()); err != nil {
		t.Fatalf("PutCenter failed: %v", err)
	}

	changes := []ResolvedChange{
		centerAddition(t, 1, 101, 1000, "peer"),
		centerAddition(t, 2, 102, 3000, "peer"),
	}
	if err := k.ApplyChanges(changes, durableTx("peer")); err != nil {
		t.Fatalf("ApplyChanges failed: %v", err)
	}

	p := models.NewAutoPurgePolicy()
	p.Age = time.Millisecond
	setPolicyQuiet(t, k, p)

	// Everything is over age but inside the save window.
	if err := k.Purge(3500); err != nil {
		t.Fatalf("Purge failed: %v", err)
	}
	count, err := k.ChangeCount(-1)
	if err != nil {
		t.Fatal(err)
	}
	if count != 2 {
		t.Errorf("Purge removed records inside a change-save window, %d left", count)
	}

	// Far past the window the same policy applies normally.
	if err := k.Purge(1_000_000); err != nil {
		t.Fatalf("Purge failed: %v", err)
	}
	count, err = k.ChangeCount(-1)
	if err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Errorf("Purge outside the window kept %d records", count)
	}
}

func TestPurgeExemptions(t *testing.T) {
	k := setupKeeper(t)
	exType, err := models.NewRecordType(models.SubjectAutoPurge, models.PurgeExcludeUser, models.AdditivityAdd)
	if err != nil {
		t.Fatal(err)
	}
	policyChange := ResolvedChange{
		Record: &models.ChangeRecord{
			ID: "purge-test-policy", Type: exType,
			MinorSubject: "tmp", User: "peer", Time: 1200,
		},
	}
	changes := []ResolvedChange{
		centerAddition(t, 1, 101, 1000, "backup"),
		centerAddition(t, 2, 102, 1100, "peer"),
		policyChange,
	}
	if err := k.ApplyChanges(changes, durableTx("peer")); err != nil {
		t.Fatalf("ApplyChanges failed: %v", err)
	}

	p := models.NewAutoPurgePolicy()
	p.Age = time.Millisecond
	p.AddExcludedUser("backup")
	p.AddExcludedType(models.SubjectAutoPurge)
	setPolicyQuiet(t, k, p)

	if err := k.Purge(1_000_000); err != nil {
		t.Fatalf("Purge failed: %v", err)
	}

	recs, err := k.ChangesSince(-1, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Fatalf("Expected exempt records to survive, got %d", len(recs))
	}
	for _, rec := range recs {
		if rec.User != "backup" && rec.Type.Subject != models.SubjectAutoPurge {
			t.Errorf("Non-exempt record survived: %+v", rec)
		}
	}
}

func TestTriggeredAutoPurge(t *testing.T) {
	k := setupKeeper(t)
	k.SetClock(func() int64 { return 5000 })

	p := models.NewAutoPurgePolicy()
	p.EntryCount = 1
	setPolicyQuiet(t, k, p)

	changes := []ResolvedChange{
		centerAddition(t, 1, 101, 1000, "peer"),
		centerAddition(t, 2, 102, 2000, "peer"),
		centerAddition(t, 3, 103, 3000, "peer"),
	}
	if err := k.ApplyChanges(changes, durableTx("peer")); err != nil {
		t.Fatalf("ApplyChanges failed: %v", err)
	}

	// Crossing the count limit purges without an explicit call.
	recs, err := k.ChangesSince(-1, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].Time != 3000 {
		t.Errorf("Triggered purge kept wrong records: %+v", recs)
	}
}
