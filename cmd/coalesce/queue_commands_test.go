package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"coalesce/internal/config"
	"coalesce/internal/queue"
	"coalesce/internal/testsupport"
)

func newTestContext(t *testing.T) (*commandContext, *config.Config) {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	ctx := newCommandContext(nil)
	ctx.configOnce.Do(func() {})
	ctx.config = cfg
	return ctx, cfg
}

func seedQuarantinedGroup(t *testing.T, cfg *config.Config, groupID string) {
	t.Helper()
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	if _, err := store.GetOrCreateGroup(ctx, groupID, 1); err != nil {
		t.Fatalf("create group: %v", err)
	}
	if _, err := store.RecordFragment(ctx, groupID, 0, "/in/"+groupID+"_part00.dat", 128); err != nil {
		t.Fatalf("record fragment: %v", err)
	}
	if _, err := store.MarkPending(ctx, groupID); err != nil {
		t.Fatalf("mark pending: %v", err)
	}
	if ok, err := store.TryClaim(ctx, groupID, queue.StatePending, queue.StateInProgress, "owner", time.Minute); err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}
	if err := store.MarkQuarantined(ctx, groupID, "owner", "writer rejected input"); err != nil {
		t.Fatalf("quarantine: %v", err)
	}
}

func runCommand(t *testing.T, ctx *commandContext, args ...string) string {
	t.Helper()
	cmd := newQueueCommand(ctx)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute %v: %v", args, err)
	}
	return out.String()
}

func TestQueueListShowsGroups(t *testing.T) {
	ctx, cfg := newTestContext(t)
	seedQuarantinedGroup(t, cfg, "20260823T090000Z")

	output := runCommand(t, ctx, "list")
	if !strings.Contains(output, "20260823T090000Z") {
		t.Fatalf("expected group id in output:\n%s", output)
	}
	if !strings.Contains(output, "quarantined") {
		t.Fatalf("expected state in output:\n%s", output)
	}
	if !strings.Contains(output, "writer rejected input") {
		t.Fatalf("expected error message in output:\n%s", output)
	}
}

func TestQueueListStateFilter(t *testing.T) {
	ctx, cfg := newTestContext(t)
	seedQuarantinedGroup(t, cfg, "g-bad")

	store := testsupport.MustOpenStore(t, cfg)
	if _, err := store.GetOrCreateGroup(context.Background(), "g-new", 4); err != nil {
		t.Fatalf("create group: %v", err)
	}

	output := runCommand(t, ctx, "list", "--state", "collecting")
	if strings.Contains(output, "g-bad") {
		t.Fatalf("filter leaked quarantined group:\n%s", output)
	}
	if !strings.Contains(output, "g-new") {
		t.Fatalf("expected collecting group in output:\n%s", output)
	}
}

func TestQueueListRejectsUnknownState(t *testing.T) {
	ctx, _ := newTestContext(t)

	cmd := newQueueCommand(ctx)
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"list", "--state", "bogus"})
	if err := cmd.Execute(); err == nil {
		t.Fatal("expected error for unknown state")
	}
}

func TestQueueRetryResetsGroups(t *testing.T) {
	ctx, cfg := newTestContext(t)
	seedQuarantinedGroup(t, cfg, "g1")

	output := runCommand(t, ctx, "retry", "--all")
	if !strings.Contains(output, "Reset 1 group(s)") {
		t.Fatalf("unexpected retry output:\n%s", output)
	}

	store := testsupport.MustOpenStore(t, cfg)
	group, err := store.GetGroup(context.Background(), "g1")
	if err != nil {
		t.Fatalf("get group: %v", err)
	}
	if group.State != queue.StatePending || group.RetryCount != 0 {
		t.Fatalf("expected pending with fresh budget, got %s/%d", group.State, group.RetryCount)
	}
}

func TestQueueClearRemovesTerminalGroups(t *testing.T) {
	ctx, cfg := newTestContext(t)
	seedQuarantinedGroup(t, cfg, "g1")

	store := testsupport.MustOpenStore(t, cfg)
	if _, err := store.GetOrCreateGroup(context.Background(), "g-live", 4); err != nil {
		t.Fatalf("create group: %v", err)
	}

	output := runCommand(t, ctx, "clear")
	if !strings.Contains(output, "Removed 1 group(s)") {
		t.Fatalf("unexpected clear output:\n%s", output)
	}

	group, err := store.GetGroup(context.Background(), "g-live")
	if err != nil || group == nil {
		t.Fatalf("expected live group kept: group=%v err=%v", group, err)
	}
}
