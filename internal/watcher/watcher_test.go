package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"coalesce/internal/assembler"
	"coalesce/internal/logging"
	"coalesce/internal/queue"
)

func newTestWatcher(t *testing.T, expectedParts int) (*Watcher, *queue.Store, string) {
	t.Helper()
	store, err := queue.OpenPath(filepath.Join(t.TempDir(), "queue.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	inputDir := t.TempDir()
	w := &Watcher{
		store:          store,
		assembler:      assembler.New(store, logging.NewNop()),
		inputDir:       inputDir,
		expectedParts:  expectedParts,
		settleInterval: 5 * time.Millisecond,
		rescanInterval: time.Second,
		logger:         logging.NewNop(),
		samples:        make(map[string]fileSample),
		admitted:       make(map[string]struct{}),
		complained:     make(map[string]struct{}),
	}
	return w, store, inputDir
}

func writeInput(t *testing.T, dir, name, payload string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(payload), 0o644); err != nil {
		t.Fatalf("write input: %v", err)
	}
	return path
}

// scanUntilSettled runs two scans separated by the settle interval so stable
// files pass the settle check.
func scanUntilSettled(w *Watcher) {
	ctx := context.Background()
	w.scan(ctx, nil)
	time.Sleep(w.settleInterval + 5*time.Millisecond)
	w.scan(ctx, nil)
}

func TestScanAdmitsSettledFragments(t *testing.T) {
	w, store, inputDir := newTestWatcher(t, 2)
	ctx := context.Background()

	writeInput(t, inputDir, "g1_part00.dat", "alpha")
	writeInput(t, inputDir, "g1_part01.dat", "beta")

	scanUntilSettled(w)

	group, err := store.GetGroup(ctx, "g1")
	if err != nil {
		t.Fatalf("get group: %v", err)
	}
	if group == nil {
		t.Fatal("expected group created")
	}
	if group.State != queue.StatePending {
		t.Fatalf("expected pending after full set, got %s", group.State)
	}

	fragments, err := store.FragmentsForGroup(ctx, "g1")
	if err != nil {
		t.Fatalf("fragments: %v", err)
	}
	if len(fragments) != 2 {
		t.Fatalf("expected 2 fragments, got %d", len(fragments))
	}
	if fragments[0].SizeBytes != int64(len("alpha")) {
		t.Fatalf("unexpected size %d", fragments[0].SizeBytes)
	}
}

func TestScanIsolatesBadFiles(t *testing.T) {
	w, store, inputDir := newTestWatcher(t, 1)
	ctx := context.Background()

	writeInput(t, inputDir, "notes.txt", "not a fragment")
	writeInput(t, inputDir, "g1_part00.dat", "payload")

	scanUntilSettled(w)

	group, err := store.GetGroup(ctx, "g1")
	if err != nil {
		t.Fatalf("get group: %v", err)
	}
	if group == nil || group.State != queue.StatePending {
		t.Fatalf("expected valid fragment admitted despite bad neighbor, got %+v", group)
	}
}

func TestGrowingFileWaitsForSettle(t *testing.T) {
	w, store, inputDir := newTestWatcher(t, 1)
	ctx := context.Background()

	path := writeInput(t, inputDir, "g1_part00.dat", "partial")
	w.scan(ctx, nil)

	// Still being written: the size change resets the settle clock.
	if err := os.WriteFile(path, []byte("partial-plus-more"), 0o644); err != nil {
		t.Fatalf("grow file: %v", err)
	}
	time.Sleep(w.settleInterval + 5*time.Millisecond)
	w.scan(ctx, nil)

	group, err := store.GetGroup(ctx, "g1")
	if err != nil {
		t.Fatalf("get group: %v", err)
	}
	if group != nil {
		t.Fatal("expected no admission while file is growing")
	}

	// Stable now: two more samples admit it.
	scanUntilSettled(w)

	group, err = store.GetGroup(ctx, "g1")
	if err != nil {
		t.Fatalf("get group: %v", err)
	}
	if group == nil {
		t.Fatal("expected admission once size is stable")
	}
	fragments, err := store.FragmentsForGroup(ctx, "g1")
	if err != nil {
		t.Fatalf("fragments: %v", err)
	}
	if len(fragments) != 1 || fragments[0].SizeBytes != int64(len("partial-plus-more")) {
		t.Fatalf("expected final size recorded, got %+v", fragments)
	}
}

func TestLateFragmentForExpiredGroupDiscarded(t *testing.T) {
	w, store, inputDir := newTestWatcher(t, 2)
	ctx := context.Background()

	if _, err := store.GetOrCreateGroup(ctx, "g1", 2); err != nil {
		t.Fatalf("create group: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	expired, err := store.ExpireStaleCollecting(ctx, time.Millisecond, 0)
	if err != nil || len(expired) != 1 {
		t.Fatalf("expire: expired=%v err=%v", expired, err)
	}

	writeInput(t, inputDir, "g1_part00.dat", "too late")
	scanUntilSettled(w)

	count, err := store.FragmentCount(ctx, "g1")
	if err != nil {
		t.Fatalf("fragment count: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected late fragment discarded, got %d recorded", count)
	}

	group, err := store.GetGroup(ctx, "g1")
	if err != nil {
		t.Fatalf("get group: %v", err)
	}
	if group.State != queue.StateExpired {
		t.Fatalf("expected state unchanged, got %s", group.State)
	}
}

func TestOutOfRangePartNeverRecorded(t *testing.T) {
	w, store, inputDir := newTestWatcher(t, 2)
	ctx := context.Background()

	writeInput(t, inputDir, "g1_part07.dat", "beyond range")
	scanUntilSettled(w)

	count, err := store.FragmentCount(ctx, "g1")
	if err != nil {
		t.Fatalf("fragment count: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected out-of-range part rejected, got %d recorded", count)
	}

	// No phantom group row either: the rejection happens before creation.
	group, err := store.GetGroup(ctx, "g1")
	if err != nil {
		t.Fatalf("get group: %v", err)
	}
	if group != nil {
		t.Fatalf("expected no group row for out-of-range part, got %+v", group)
	}
}

func TestRunPicksUpNewFiles(t *testing.T) {
	w, store, inputDir := newTestWatcher(t, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	writeInput(t, inputDir, "g1_part00.dat", "event driven")

	deadline := time.After(3 * time.Second)
	for {
		group, err := store.GetGroup(context.Background(), "g1")
		if err != nil {
			t.Fatalf("get group: %v", err)
		}
		if group != nil && group.State == queue.StatePending {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("group never admitted, last state: %+v", group)
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	if err := <-done; err != context.Canceled {
		t.Fatalf("unexpected run error: %v", err)
	}
}
