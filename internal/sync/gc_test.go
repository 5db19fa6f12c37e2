package sync

import (
	"context"
	"testing"
	"time"
)

// movableClock lets a test seed rows at one instant and collect at a later one.
type movableClock struct {
	seconds int64
}

func (c *movableClock) now() time.Time {
	return time.Unix(c.seconds, 0).UTC()
}

func TestRunRetentionNoDeviceCursorPurgesNothing(t *testing.T) {
	clock := &movableClock{seconds: testEpochSeconds}
	service, db := newTestService(t, testServiceOptions{clock: clock.now})
	workspaceID := mustWorkspaceID(t, "ws-1")
	ctx := context.Background()

	seedChanges(t, service, workspaceID, 3)
	clock.seconds += 1_000_000

	result, err := service.RunRetention(ctx, workspaceID, GCRequest{RetentionSeconds: 100, BatchSize: 10})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Purged() != 0 || result.HasMore() {
		t.Fatalf("no acknowledged data may be purged: %#v", result)
	}
	if result.ChangeLog.NextCursor != 0 || result.Tombstones.NextCursor != 0 {
		t.Fatalf("cursors must not move: %#v", result)
	}

	var count int64
	if err := db.Model(&ChangeLogEntry{}).Count(&count).Error; err != nil {
		t.Fatalf("failed to count log entries: %v", err)
	}
	if count != 3 {
		t.Fatalf("expected 3 surviving entries, got %d", count)
	}
}

func TestRunRetentionPurgesOnlyBelowMinCursorAndPastRetention(t *testing.T) {
	clock := &movableClock{seconds: testEpochSeconds}
	service, db := newTestService(t, testServiceOptions{clock: clock.now})
	workspaceID := mustWorkspaceID(t, "ws-1")
	ctx := context.Background()

	seedChanges(t, service, workspaceID, 5)
	if err := service.UpdateCursor(ctx, workspaceID, mustDeviceID(t, "d1"), 4); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	clock.seconds += 1_000_000

	result, err := service.RunRetention(ctx, workspaceID, GCRequest{RetentionSeconds: 100, BatchSize: 10})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.ChangeLog.Purged != 3 {
		t.Fatalf("expected versions 1..3 purged, got %d", result.ChangeLog.Purged)
	}
	if result.ChangeLog.NextCursor != 3 {
		t.Fatalf("expected cursor at 3, got %d", result.ChangeLog.NextCursor)
	}

	var survivors []ChangeLogEntry
	if err := db.Order("server_version ASC").Find(&survivors).Error; err != nil {
		t.Fatalf("failed to load survivors: %v", err)
	}
	if len(survivors) != 2 || survivors[0].ServerVersion != 4 || survivors[1].ServerVersion != 5 {
		t.Fatalf("versions at or above the minimum cursor must survive: %#v", survivors)
	}
}

func TestRunRetentionKeepsRecentRowsButAdvancesCursor(t *testing.T) {
	service, db := newTestService(t, testServiceOptions{})
	workspaceID := mustWorkspaceID(t, "ws-1")
	ctx := context.Background()

	seedChanges(t, service, workspaceID, 3)
	if err := service.UpdateCursor(ctx, workspaceID, mustDeviceID(t, "d1"), 10); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Clock never advanced past seeding, so every row is inside the window.
	result, err := service.RunRetention(ctx, workspaceID, GCRequest{RetentionSeconds: 100, BatchSize: 10})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.ChangeLog.Purged != 0 {
		t.Fatalf("rows inside the retention window must survive, purged %d", result.ChangeLog.Purged)
	}
	if result.ChangeLog.NextCursor != 3 {
		t.Fatalf("cursor must advance over retained rows, got %d", result.ChangeLog.NextCursor)
	}

	var count int64
	if err := db.Model(&ChangeLogEntry{}).Count(&count).Error; err != nil {
		t.Fatalf("failed to count log entries: %v", err)
	}
	if count != 3 {
		t.Fatalf("expected 3 surviving entries, got %d", count)
	}
}

func TestRunRetentionPurgesExpiredTombstones(t *testing.T) {
	clock := &movableClock{seconds: testEpochSeconds}
	service, db := newTestService(t, testServiceOptions{clock: clock.now})
	workspaceID := mustWorkspaceID(t, "ws-1")
	ctx := context.Background()

	if _, err := service.Push(ctx, workspaceID, []OperationConfig{
		putConfig("op-a", "note-1", `{"text":"x"}`, 1, "1:0:d1", "d1"),
		deleteConfig("op-b", "note-1", 2, "2:0:d1", "d1"),
	}); err != nil {
		t.Fatalf("failed to seed: %v", err)
	}
	if err := service.UpdateCursor(ctx, workspaceID, mustDeviceID(t, "d1"), 5); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	clock.seconds += 1_000_000

	result, err := service.RunRetention(ctx, workspaceID, GCRequest{RetentionSeconds: 100, BatchSize: 10})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Tombstones.Purged != 1 {
		t.Fatalf("expected one expired tombstone purged, got %d", result.Tombstones.Purged)
	}

	var count int64
	if err := db.Model(&Tombstone{}).Count(&count).Error; err != nil {
		t.Fatalf("failed to count tombstones: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected no surviving tombstones, got %d", count)
	}
}

func TestRunRetentionReportsMoreWorkPastBatchSize(t *testing.T) {
	clock := &movableClock{seconds: testEpochSeconds}
	service, _ := newTestService(t, testServiceOptions{clock: clock.now})
	workspaceID := mustWorkspaceID(t, "ws-1")
	ctx := context.Background()

	seedChanges(t, service, workspaceID, 5)
	if err := service.UpdateCursor(ctx, workspaceID, mustDeviceID(t, "d1"), 10); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	clock.seconds += 1_000_000

	result, err := service.RunRetention(ctx, workspaceID, GCRequest{RetentionSeconds: 100, BatchSize: 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.ChangeLog.Purged != 2 || !result.ChangeLog.HasMore {
		t.Fatalf("expected a partial pass with more work: %#v", result.ChangeLog)
	}
	if result.ChangeLog.NextCursor != 2 {
		t.Fatalf("expected cursor at 2, got %d", result.ChangeLog.NextCursor)
	}

	resumed, err := service.RunRetention(ctx, workspaceID, GCRequest{
		RetentionSeconds: 100,
		BatchSize:        10,
		ChangeLogCursor:  result.ChangeLog.NextCursor,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resumed.ChangeLog.Purged != 3 || resumed.ChangeLog.HasMore {
		t.Fatalf("resumed pass must finish the backlog: %#v", resumed.ChangeLog)
	}
}

func TestRunRetentionWithContinuationChainsUpToCap(t *testing.T) {
	clock := &movableClock{seconds: testEpochSeconds}
	scheduler := &recordingScheduler{}
	service, db := newTestService(t, testServiceOptions{
		clock:     clock.now,
		scheduler: scheduler,
		limits:    Limits{MaxGCContinuations: 2},
	})
	workspaceID := mustWorkspaceID(t, "ws-1")
	ctx := context.Background()

	seedChanges(t, service, workspaceID, 6)
	if err := service.UpdateCursor(ctx, workspaceID, mustDeviceID(t, "d1"), 10); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	clock.seconds += 1_000_000

	if _, err := service.RunRetentionWithContinuation(ctx, workspaceID, GCRequest{
		RetentionSeconds: 100,
		BatchSize:        1,
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ran := scheduler.drain()
	if ran != 2 {
		t.Fatalf("expected exactly 2 continuations, ran %d", ran)
	}

	var count int64
	if err := db.Model(&ChangeLogEntry{}).Count(&count).Error; err != nil {
		t.Fatalf("failed to count log entries: %v", err)
	}
	// Initial pass plus two continuations, one row each.
	if count != 3 {
		t.Fatalf("expected 3 surviving entries after capped passes, got %d", count)
	}
}

func TestSweepSchedulesSpacedRetentionDrivers(t *testing.T) {
	scheduler := &recordingScheduler{}
	service, _ := newTestService(t, testServiceOptions{scheduler: scheduler})
	ctx := context.Background()

	seedChanges(t, service, mustWorkspaceID(t, "ws-1"), 2)
	seedChanges(t, service, mustWorkspaceID(t, "ws-2"), 2)
	seedChanges(t, service, mustWorkspaceID(t, "ws-3"), 2)

	scheduled, err := service.SweepActiveWorkspaces(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if scheduled != 3 {
		t.Fatalf("expected 3 workspaces scheduled, got %d", scheduled)
	}
	if len(scheduler.delays) != 3 {
		t.Fatalf("expected 3 scheduled drivers, got %d", len(scheduler.delays))
	}
	for index, delay := range scheduler.delays {
		if delay != time.Duration(index)*sweepSpacing {
			t.Fatalf("driver %d has delay %v, want %v", index, delay, time.Duration(index)*sweepSpacing)
		}
	}

	// Drivers run without effect when no device has acknowledged anything.
	scheduler.drain()
}

func TestSweepCapsScheduledWorkspaces(t *testing.T) {
	scheduler := &recordingScheduler{}
	service, _ := newTestService(t, testServiceOptions{
		scheduler: scheduler,
		limits:    Limits{SweepWorkspaceCap: 2},
	})
	ctx := context.Background()

	seedChanges(t, service, mustWorkspaceID(t, "ws-1"), 1)
	seedChanges(t, service, mustWorkspaceID(t, "ws-2"), 1)
	seedChanges(t, service, mustWorkspaceID(t, "ws-3"), 1)

	scheduled, err := service.SweepActiveWorkspaces(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if scheduled != 2 {
		t.Fatalf("expected the cap to hold at 2, got %d", scheduled)
	}
	scheduler.drain()
}
