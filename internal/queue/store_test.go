package queue

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenPath(filepath.Join(t.TempDir(), "queue.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func mustCreateGroup(t *testing.T, store *Store, groupID string, parts int) *Group {
	t.Helper()
	group, err := store.GetOrCreateGroup(context.Background(), groupID, parts)
	if err != nil {
		t.Fatalf("create group %s: %v", groupID, err)
	}
	return group
}

func mustClaim(t *testing.T, store *Store, groupID, owner string, lease time.Duration) {
	t.Helper()
	ctx := context.Background()
	if _, err := store.MarkPending(ctx, groupID); err != nil {
		t.Fatalf("mark pending: %v", err)
	}
	claimed, err := store.TryClaim(ctx, groupID, StatePending, StateInProgress, owner, lease)
	if err != nil {
		t.Fatalf("claim group: %v", err)
	}
	if !claimed {
		t.Fatalf("expected to claim group %s", groupID)
	}
}

func TestGetOrCreateGroupIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := mustCreateGroup(t, store, "20260823T100000Z", 4)
	if first.State != StateCollecting {
		t.Fatalf("expected collecting state, got %s", first.State)
	}
	if first.ExpectedParts != 4 {
		t.Fatalf("expected 4 parts, got %d", first.ExpectedParts)
	}

	second, err := store.GetOrCreateGroup(ctx, "20260823T100000Z", 8)
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if second.ExpectedParts != 4 {
		t.Fatalf("expected parts preserved from first insert, got %d", second.ExpectedParts)
	}
}

func TestRecordFragmentIdempotentAndRangeChecked(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	mustCreateGroup(t, store, "g1", 4)

	inserted, err := store.RecordFragment(ctx, "g1", 2, "/in/g1_part02.dat", 1024)
	if err != nil {
		t.Fatalf("record fragment: %v", err)
	}
	if !inserted {
		t.Fatal("expected first insert to report true")
	}

	inserted, err = store.RecordFragment(ctx, "g1", 2, "/in/g1_part02.dat", 1024)
	if err != nil {
		t.Fatalf("duplicate record: %v", err)
	}
	if inserted {
		t.Fatal("duplicate fragment must be a no-op")
	}

	if _, err := store.RecordFragment(ctx, "g1", 4, "/in/g1_part04.dat", 1024); !errors.Is(err, ErrPartOutOfRange) {
		t.Fatalf("expected ErrPartOutOfRange, got %v", err)
	}
	if _, err := store.RecordFragment(ctx, "g1", -1, "/in/bad.dat", 1024); !errors.Is(err, ErrPartOutOfRange) {
		t.Fatalf("expected ErrPartOutOfRange for negative index, got %v", err)
	}
	if _, err := store.RecordFragment(ctx, "missing", 0, "/in/x.dat", 1); err == nil {
		t.Fatal("expected error recording fragment for unknown group")
	}

	count, err := store.FragmentCount(ctx, "g1")
	if err != nil {
		t.Fatalf("fragment count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 fragment, got %d", count)
	}
}

func TestMarkPendingTransition(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	mustCreateGroup(t, store, "g1", 2)

	ok, err := store.MarkPending(ctx, "g1")
	if err != nil {
		t.Fatalf("mark pending: %v", err)
	}
	if !ok {
		t.Fatal("expected transition to pending")
	}

	ok, err = store.MarkPending(ctx, "g1")
	if err != nil {
		t.Fatalf("repeat mark pending: %v", err)
	}
	if ok {
		t.Fatal("repeat transition must be a no-op")
	}

	group, err := store.GetGroup(ctx, "g1")
	if err != nil {
		t.Fatalf("get group: %v", err)
	}
	if group.State != StatePending {
		t.Fatalf("expected pending, got %s", group.State)
	}
}

func TestTryClaimExactlyOneWinner(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	mustCreateGroup(t, store, "g1", 1)
	if _, err := store.MarkPending(ctx, "g1"); err != nil {
		t.Fatalf("mark pending: %v", err)
	}

	const workers = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(owner string) {
			defer wg.Done()
			claimed, err := store.TryClaim(ctx, "g1", StatePending, StateInProgress, owner, time.Minute)
			if err != nil {
				t.Errorf("try claim: %v", err)
				return
			}
			if claimed {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}("worker-" + string(rune('a'+i)))
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("expected exactly one claim winner, got %d", wins)
	}
}

func TestRenewLeaseRequiresOwnership(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	mustCreateGroup(t, store, "g1", 1)
	mustClaim(t, store, "g1", "owner-a", time.Minute)

	ok, err := store.RenewLease(ctx, "g1", "owner-a", time.Minute)
	if err != nil {
		t.Fatalf("renew: %v", err)
	}
	if !ok {
		t.Fatal("expected renewal by claim holder to succeed")
	}

	ok, err = store.RenewLease(ctx, "g1", "owner-b", time.Minute)
	if err != nil {
		t.Fatalf("renew by stranger: %v", err)
	}
	if ok {
		t.Fatal("expected renewal by non-holder to fail")
	}
}

func TestReleaseExpiredLeasesCountsTowardRetries(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	mustCreateGroup(t, store, "g1", 1)

	const maxRetries = 2
	mustClaim(t, store, "g1", "owner-a", time.Millisecond)
	time.Sleep(5 * time.Millisecond)

	requeued, quarantined, err := store.ReleaseExpiredLeases(ctx, maxRetries)
	if err != nil {
		t.Fatalf("release expired: %v", err)
	}
	if requeued != 1 || quarantined != 0 {
		t.Fatalf("expected 1 requeued, got requeued=%d quarantined=%d", requeued, quarantined)
	}

	group, err := store.GetGroup(ctx, "g1")
	if err != nil {
		t.Fatalf("get group: %v", err)
	}
	if group.State != StatePending || group.RetryCount != 1 {
		t.Fatalf("expected pending with retry_count 1, got %s/%d", group.State, group.RetryCount)
	}

	claimed, err := store.TryClaim(ctx, "g1", StatePending, StateInProgress, "owner-a", time.Millisecond)
	if err != nil || !claimed {
		t.Fatalf("reclaim: claimed=%v err=%v", claimed, err)
	}
	time.Sleep(5 * time.Millisecond)

	requeued, quarantined, err = store.ReleaseExpiredLeases(ctx, maxRetries)
	if err != nil {
		t.Fatalf("release expired: %v", err)
	}
	if requeued != 0 || quarantined != 1 {
		t.Fatalf("expected quarantine at retry limit, got requeued=%d quarantined=%d", requeued, quarantined)
	}

	group, err = store.GetGroup(ctx, "g1")
	if err != nil {
		t.Fatalf("get group: %v", err)
	}
	if group.State != StateQuarantined {
		t.Fatalf("expected quarantined, got %s", group.State)
	}
	if group.RetryCount != maxRetries {
		t.Fatalf("expected retry_count %d, got %d", maxRetries, group.RetryCount)
	}
	if group.ErrorMessage != LeaseExpiredReason {
		t.Fatalf("unexpected error message %q", group.ErrorMessage)
	}
	if group.TerminalAt == nil {
		t.Fatal("expected terminal timestamp")
	}
}

func TestMarkFailedBackoffThenQuarantine(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	mustCreateGroup(t, store, "g1", 1)

	const maxRetries = 2
	mustClaim(t, store, "g1", "owner-a", time.Minute)

	state, err := store.MarkFailed(ctx, "g1", "owner-a", "writer crashed", time.Millisecond, maxRetries)
	if err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if state != StateFailed {
		t.Fatalf("expected failed, got %s", state)
	}

	group, err := store.GetGroup(ctx, "g1")
	if err != nil {
		t.Fatalf("get group: %v", err)
	}
	if group.RetryCount != 1 {
		t.Fatalf("expected retry_count 1, got %d", group.RetryCount)
	}
	if group.NextAttemptAt == nil {
		t.Fatal("expected backoff timestamp")
	}
	if group.ClaimOwner != "" {
		t.Fatalf("expected claim released, got owner %q", group.ClaimOwner)
	}

	time.Sleep(5 * time.Millisecond)
	moved, err := store.RequeueDueRetries(ctx)
	if err != nil {
		t.Fatalf("requeue due: %v", err)
	}
	if moved != 1 {
		t.Fatalf("expected 1 requeued, got %d", moved)
	}

	claimed, err := store.TryClaim(ctx, "g1", StatePending, StateInProgress, "owner-a", time.Minute)
	if err != nil || !claimed {
		t.Fatalf("reclaim: claimed=%v err=%v", claimed, err)
	}

	state, err = store.MarkFailed(ctx, "g1", "owner-a", "writer crashed again", time.Millisecond, maxRetries)
	if err != nil {
		t.Fatalf("second failure: %v", err)
	}
	if state != StateQuarantined {
		t.Fatalf("expected quarantined at retry limit, got %s", state)
	}

	group, err = store.GetGroup(ctx, "g1")
	if err != nil {
		t.Fatalf("get group: %v", err)
	}
	if group.RetryCount != maxRetries {
		t.Fatalf("expected retry_count %d, got %d", maxRetries, group.RetryCount)
	}
	if group.ErrorMessage != "writer crashed again" {
		t.Fatalf("unexpected error message %q", group.ErrorMessage)
	}
}

func TestMarkCompletedRequiresClaim(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	mustCreateGroup(t, store, "g1", 1)
	mustClaim(t, store, "g1", "owner-a", time.Minute)

	if err := store.MarkCompleted(ctx, "g1", "owner-b", "/staged/g1", false); err == nil {
		t.Fatal("expected completion by non-holder to fail")
	}
	if err := store.MarkCompleted(ctx, "g1", "owner-a", "/staged/g1", true); err != nil {
		t.Fatalf("mark completed: %v", err)
	}

	group, err := store.GetGroup(ctx, "g1")
	if err != nil {
		t.Fatalf("get group: %v", err)
	}
	if group.State != StateCompleted {
		t.Fatalf("expected completed, got %s", group.State)
	}
	if !group.Degraded {
		t.Fatal("expected degraded flag to persist")
	}
	if group.StagedPath != "/staged/g1" {
		t.Fatalf("unexpected staged path %q", group.StagedPath)
	}
	if group.TerminalAt == nil {
		t.Fatal("expected terminal timestamp")
	}
}

func TestListPendingOrdersOldestFirst(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"g-old", "g-mid", "g-new"} {
		mustCreateGroup(t, store, id, 1)
		if _, err := store.MarkPending(ctx, id); err != nil {
			t.Fatalf("mark pending %s: %v", id, err)
		}
		time.Sleep(2 * time.Millisecond)
	}

	pending, err := store.ListPending(ctx, 10)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 3 {
		t.Fatalf("expected 3 pending, got %d", len(pending))
	}
	want := []string{"g-old", "g-mid", "g-new"}
	for i, group := range pending {
		if group.GroupID != want[i] {
			t.Fatalf("position %d: expected %s, got %s", i, want[i], group.GroupID)
		}
	}
}

func TestExpireStaleCollecting(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	mustCreateGroup(t, store, "stale", 2)

	time.Sleep(15 * time.Millisecond)
	mustCreateGroup(t, store, "fresh", 2)

	// Past the base timeout but inside the grace window: nothing expires,
	// so a fragment arriving during the grace period still finds its group.
	expired, err := store.ExpireStaleCollecting(ctx, 5*time.Millisecond, time.Hour)
	if err != nil {
		t.Fatalf("expire stale: %v", err)
	}
	if len(expired) != 0 {
		t.Fatalf("expected no expiry inside the grace window, got %v", expired)
	}

	expired, err = store.ExpireStaleCollecting(ctx, 5*time.Millisecond, 5*time.Millisecond)
	if err != nil {
		t.Fatalf("expire stale: %v", err)
	}
	if len(expired) != 1 || expired[0] != "stale" {
		t.Fatalf("expected only stale group expired, got %v", expired)
	}

	group, err := store.GetGroup(ctx, "stale")
	if err != nil {
		t.Fatalf("get group: %v", err)
	}
	if group.State != StateExpired {
		t.Fatalf("expected expired, got %s", group.State)
	}
	if group.ErrorMessage != ExpiredReason {
		t.Fatalf("unexpected error message %q", group.ErrorMessage)
	}

	fresh, err := store.GetGroup(ctx, "fresh")
	if err != nil {
		t.Fatalf("get fresh: %v", err)
	}
	if fresh.State != StateCollecting {
		t.Fatalf("expected fresh group untouched, got %s", fresh.State)
	}
}

func TestRetryResetsBudget(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	mustCreateGroup(t, store, "g1", 1)
	mustClaim(t, store, "g1", "owner-a", time.Minute)
	if err := store.MarkQuarantined(ctx, "g1", "owner-a", "fatal writer error"); err != nil {
		t.Fatalf("quarantine: %v", err)
	}

	reset, err := store.Retry(ctx, "g1")
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if reset != 1 {
		t.Fatalf("expected 1 reset, got %d", reset)
	}

	group, err := store.GetGroup(ctx, "g1")
	if err != nil {
		t.Fatalf("get group: %v", err)
	}
	if group.State != StatePending {
		t.Fatalf("expected pending, got %s", group.State)
	}
	if group.RetryCount != 0 {
		t.Fatalf("expected retry budget reset, got %d", group.RetryCount)
	}
	if group.ErrorMessage != "" || group.TerminalAt != nil {
		t.Fatal("expected terminal markers cleared")
	}
}

func TestHealthAndClearTerminal(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	mustCreateGroup(t, store, "collecting", 2)
	mustCreateGroup(t, store, "done", 1)
	mustClaim(t, store, "done", "owner-a", time.Minute)
	if err := store.MarkCompleted(ctx, "done", "owner-a", "/staged/done", false); err != nil {
		t.Fatalf("complete: %v", err)
	}

	health, err := store.Health(ctx)
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if health.Total != 2 || health.Collecting != 1 || health.Completed != 1 {
		t.Fatalf("unexpected health counts: %+v", health)
	}
	if health.Depth() != 1 {
		t.Fatalf("expected depth 1, got %d", health.Depth())
	}
	if health.OldestPendingAge <= 0 {
		t.Fatal("expected positive oldest pending age")
	}

	deleted, err := store.ClearTerminal(ctx)
	if err != nil {
		t.Fatalf("clear terminal: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected 1 deleted, got %d", deleted)
	}

	group, err := store.GetGroup(ctx, "done")
	if err != nil {
		t.Fatalf("get group: %v", err)
	}
	if group != nil {
		t.Fatal("expected terminal group removed")
	}
	if group, err = store.GetGroup(ctx, "collecting"); err != nil || group == nil {
		t.Fatalf("expected collecting group to survive: group=%v err=%v", group, err)
	}
}

func TestTerminalPastRetention(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	mustCreateGroup(t, store, "g1", 1)
	mustClaim(t, store, "g1", "owner-a", time.Minute)
	if err := store.MarkCompleted(ctx, "g1", "owner-a", "/staged/g1", false); err != nil {
		t.Fatalf("complete: %v", err)
	}

	time.Sleep(5 * time.Millisecond)
	due, err := store.TerminalPastRetention(ctx, time.Millisecond)
	if err != nil {
		t.Fatalf("terminal past retention: %v", err)
	}
	if len(due) != 1 || due[0].GroupID != "g1" {
		t.Fatalf("expected g1 past retention, got %v", due)
	}

	due, err = store.TerminalPastRetention(ctx, time.Hour)
	if err != nil {
		t.Fatalf("terminal past retention: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("expected nothing past a long retention, got %d", len(due))
	}
}
