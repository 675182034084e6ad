package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// GetGroup fetches a group by identifier. Returns nil when the group is unknown.
func (s *Store) GetGroup(ctx context.Context, groupID string) (*Group, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+groupColumns+` FROM groups WHERE group_id = ?`, groupID)
	group, err := scanGroup(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get group: %w", err)
	}
	return group, nil
}

// MarkPending performs the collecting-to-pending transition. The WHERE guard
// keeps the call idempotent under concurrent evaluation: only one caller
// observes true, repeats are no-ops.
func (s *Store) MarkPending(ctx context.Context, groupID string) (bool, error) {
	res, err := s.execWithRetry(
		ctx,
		`UPDATE groups SET state = ?, last_update_at = ? WHERE group_id = ? AND state = ?`,
		StatePending,
		formatTime(time.Now()),
		groupID,
		StateCollecting,
	)
	if err != nil {
		return false, fmt.Errorf("mark pending: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

// ListPending returns dispatchable groups ordered oldest first. Groups whose
// retry backoff has not yet elapsed are excluded.
func (s *Store) ListPending(ctx context.Context, limit int) ([]*Group, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+groupColumns+` FROM groups
         WHERE state = ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
         ORDER BY first_seen_at, group_id LIMIT ?`,
		StatePending,
		formatTime(time.Now()),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	defer rows.Close()
	return collectGroups(rows)
}

// List returns groups filtered by state set (or all groups when no state is provided).
func (s *Store) List(ctx context.Context, states ...State) ([]*Group, error) {
	baseQuery := `SELECT ` + groupColumns + ` FROM groups`
	orderClause := ` ORDER BY first_seen_at, group_id`

	var (
		rows *sql.Rows
		err  error
	)
	if len(states) == 0 {
		rows, err = s.db.QueryContext(ctx, baseQuery+orderClause)
	} else {
		placeholders := makePlaceholders(len(states))
		args := make([]any, len(states))
		for i, state := range states {
			args[i] = state
		}
		rows, err = s.db.QueryContext(ctx, baseQuery+` WHERE state IN (`+placeholders+`)`+orderClause, args...)
	}
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	defer rows.Close()
	return collectGroups(rows)
}

// TryClaim atomically moves a group from one state to another while installing
// an exclusive claim lease. It succeeds only when the group is in the expected
// state and no unexpired claim exists; losing the race returns false without
// error. This is the sole mechanism preventing duplicate dispatch.
func (s *Store) TryClaim(ctx context.Context, groupID string, from, to State, owner string, lease time.Duration) (bool, error) {
	if owner == "" {
		return false, errors.New("claim owner is required")
	}
	if lease <= 0 {
		return false, errors.New("lease duration must be positive")
	}

	now := time.Now()
	res, err := s.execWithRetry(
		ctx,
		`UPDATE groups
         SET state = ?, claim_owner = ?, claim_expires_at = ?, last_update_at = ?
         WHERE group_id = ? AND state = ?
           AND (claim_owner IS NULL OR claim_expires_at IS NULL OR claim_expires_at < ?)`,
		to,
		owner,
		formatTime(now.Add(lease)),
		formatTime(now),
		groupID,
		from,
		formatTime(now),
	)
	if err != nil {
		return false, fmt.Errorf("try claim: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

// RenewLease extends the claim lease held by owner. Returns false when the
// claim no longer belongs to the caller (lease lapsed and was taken over).
func (s *Store) RenewLease(ctx context.Context, groupID, owner string, lease time.Duration) (bool, error) {
	now := time.Now()
	res, err := s.execWithRetry(
		ctx,
		`UPDATE groups SET claim_expires_at = ?, last_update_at = ?
         WHERE group_id = ? AND state = ? AND claim_owner = ?`,
		formatTime(now.Add(lease)),
		formatTime(now),
		groupID,
		StateInProgress,
		owner,
	)
	if err != nil {
		return false, fmt.Errorf("renew lease: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

// ReleaseExpiredLeases returns in-progress groups whose claim lease has lapsed
// to the claimable pool. Each lapse counts as a failed attempt; groups that
// exhaust the retry budget are quarantined instead of requeued. Returns the
// number of requeued and quarantined groups.
func (s *Store) ReleaseExpiredLeases(ctx context.Context, maxRetries int) (requeued, quarantined int64, err error) {
	now := formatTime(time.Now())

	res, err := s.execWithRetry(
		ctx,
		`UPDATE groups
         SET state = ?, retry_count = retry_count + 1, claim_owner = NULL, claim_expires_at = NULL,
             error_message = ?, terminal_at = ?, last_update_at = ?
         WHERE state = ? AND claim_expires_at IS NOT NULL AND claim_expires_at < ?
           AND retry_count + 1 >= ?`,
		StateQuarantined,
		LeaseExpiredReason,
		now,
		now,
		StateInProgress,
		now,
		maxRetries,
	)
	if err != nil {
		return 0, 0, fmt.Errorf("quarantine expired leases: %w", err)
	}
	quarantined, err = res.RowsAffected()
	if err != nil {
		return 0, 0, fmt.Errorf("rows affected: %w", err)
	}

	res, err = s.execWithRetry(
		ctx,
		`UPDATE groups
         SET state = ?, retry_count = retry_count + 1, claim_owner = NULL, claim_expires_at = NULL,
             error_message = ?, last_update_at = ?
         WHERE state = ? AND claim_expires_at IS NOT NULL AND claim_expires_at < ?`,
		StatePending,
		LeaseExpiredReason,
		now,
		StateInProgress,
		now,
	)
	if err != nil {
		return 0, quarantined, fmt.Errorf("requeue expired leases: %w", err)
	}
	requeued, err = res.RowsAffected()
	if err != nil {
		return 0, quarantined, fmt.Errorf("rows affected: %w", err)
	}
	return requeued, quarantined, nil
}

// MarkCompleted records a successful dispatch. Only the claim holder may
// complete a group.
func (s *Store) MarkCompleted(ctx context.Context, groupID, owner, stagedPath string, degraded bool) error {
	now := formatTime(time.Now())
	res, err := s.execWithRetry(
		ctx,
		`UPDATE groups
         SET state = ?, staged_path = ?, degraded = ?, claim_owner = NULL, claim_expires_at = NULL,
             error_message = NULL, terminal_at = ?, last_update_at = ?
         WHERE group_id = ? AND state = ? AND claim_owner = ?`,
		StateCompleted,
		nullableString(stagedPath),
		boolToInt(degraded),
		now,
		now,
		groupID,
		StateInProgress,
		owner,
	)
	if err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("group %s not completed: claim no longer held by %s", groupID, owner)
	}
	return nil
}

// MarkFailed records a retryable dispatch failure. The retry count increments;
// groups that exhaust the budget are quarantined, otherwise they enter the
// failed state with an exponential backoff before becoming claimable again.
// Returns the resulting state.
func (s *Store) MarkFailed(ctx context.Context, groupID, owner, message string, baseBackoff time.Duration, maxRetries int) (State, error) {
	group, err := s.GetGroup(ctx, groupID)
	if err != nil {
		return "", err
	}
	if group == nil {
		return "", fmt.Errorf("group %s does not exist", groupID)
	}
	if group.State != StateInProgress || group.ClaimOwner != owner {
		return "", fmt.Errorf("group %s not failed: claim no longer held by %s", groupID, owner)
	}

	retryCount := group.RetryCount + 1
	now := time.Now()

	if retryCount >= maxRetries {
		res, err := s.execWithRetry(
			ctx,
			`UPDATE groups
             SET state = ?, retry_count = ?, claim_owner = NULL, claim_expires_at = NULL,
                 error_message = ?, terminal_at = ?, last_update_at = ?
             WHERE group_id = ? AND state = ? AND claim_owner = ?`,
			StateQuarantined,
			retryCount,
			nullableString(message),
			formatTime(now),
			formatTime(now),
			groupID,
			StateInProgress,
			owner,
		)
		if err != nil {
			return "", fmt.Errorf("quarantine group: %w", err)
		}
		if affected, err := res.RowsAffected(); err != nil {
			return "", fmt.Errorf("rows affected: %w", err)
		} else if affected == 0 {
			return "", fmt.Errorf("group %s not quarantined: claim no longer held by %s", groupID, owner)
		}
		return StateQuarantined, nil
	}

	backoff := baseBackoff << (retryCount - 1)
	nextAttempt := now.Add(backoff)
	res, err := s.execWithRetry(
		ctx,
		`UPDATE groups
         SET state = ?, retry_count = ?, claim_owner = NULL, claim_expires_at = NULL,
             error_message = ?, next_attempt_at = ?, last_update_at = ?
         WHERE group_id = ? AND state = ? AND claim_owner = ?`,
		StateFailed,
		retryCount,
		nullableString(message),
		formatTime(nextAttempt),
		formatTime(now),
		groupID,
		StateInProgress,
		owner,
	)
	if err != nil {
		return "", fmt.Errorf("mark failed: %w", err)
	}
	if affected, err := res.RowsAffected(); err != nil {
		return "", fmt.Errorf("rows affected: %w", err)
	} else if affected == 0 {
		return "", fmt.Errorf("group %s not failed: claim no longer held by %s", groupID, owner)
	}
	return StateFailed, nil
}

// MarkQuarantined records a fatal dispatch failure. The group goes terminal
// immediately without consuming retry budget.
func (s *Store) MarkQuarantined(ctx context.Context, groupID, owner, message string) error {
	now := formatTime(time.Now())
	res, err := s.execWithRetry(
		ctx,
		`UPDATE groups
         SET state = ?, claim_owner = NULL, claim_expires_at = NULL,
             error_message = ?, terminal_at = ?, last_update_at = ?
         WHERE group_id = ? AND state = ? AND claim_owner = ?`,
		StateQuarantined,
		nullableString(message),
		now,
		now,
		groupID,
		StateInProgress,
		owner,
	)
	if err != nil {
		return fmt.Errorf("mark quarantined: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("group %s not quarantined: claim no longer held by %s", groupID, owner)
	}
	return nil
}

// SetStagedPath records where a group's fragments were staged and whether the
// slow tier had to be used.
func (s *Store) SetStagedPath(ctx context.Context, groupID, stagedPath string, degraded bool) error {
	if _, err := s.execWithRetry(
		ctx,
		`UPDATE groups SET staged_path = ?, degraded = ?, last_update_at = ? WHERE group_id = ?`,
		nullableString(stagedPath),
		boolToInt(degraded),
		formatTime(time.Now()),
		groupID,
	); err != nil {
		return fmt.Errorf("set staged path: %w", err)
	}
	return nil
}

// RequeueDueRetries moves failed groups whose backoff has elapsed back to pending.
func (s *Store) RequeueDueRetries(ctx context.Context) (int64, error) {
	now := formatTime(time.Now())
	res, err := s.execWithRetry(
		ctx,
		`UPDATE groups SET state = ?, last_update_at = ?
         WHERE state = ? AND next_attempt_at IS NOT NULL AND next_attempt_at <= ?`,
		StatePending,
		now,
		StateFailed,
		now,
	)
	if err != nil {
		return 0, fmt.Errorf("requeue due retries: %w", err)
	}
	return res.RowsAffected()
}

// Retry resets failed or quarantined groups back to pending with a fresh retry
// budget. With no ids, all failed and quarantined groups are reset.
func (s *Store) Retry(ctx context.Context, groupIDs ...string) (int64, error) {
	now := formatTime(time.Now())
	if len(groupIDs) == 0 {
		res, err := s.execWithRetry(
			ctx,
			`UPDATE groups
             SET state = ?, retry_count = 0, error_message = NULL, next_attempt_at = NULL,
                 terminal_at = NULL, last_update_at = ?
             WHERE state IN (?, ?)`,
			StatePending,
			now,
			StateFailed,
			StateQuarantined,
		)
		if err != nil {
			return 0, fmt.Errorf("retry groups: %w", err)
		}
		return res.RowsAffected()
	}

	placeholders := makePlaceholders(len(groupIDs))
	args := make([]any, 0, len(groupIDs)+4)
	args = append(args, StatePending, now)
	for _, id := range groupIDs {
		args = append(args, id)
	}
	args = append(args, StateFailed, StateQuarantined)
	res, err := s.execWithRetry(
		ctx,
		`UPDATE groups
         SET state = ?, retry_count = 0, error_message = NULL, next_attempt_at = NULL,
             terminal_at = NULL, last_update_at = ?
         WHERE group_id IN (`+placeholders+`) AND state IN (?, ?)`,
		args...,
	)
	if err != nil {
		return 0, fmt.Errorf("retry selected groups: %w", err)
	}
	return res.RowsAffected()
}

const groupColumns = "group_id, expected_parts, state, retry_count, claim_owner, claim_expires_at, next_attempt_at, staged_path, degraded, error_message, first_seen_at, last_update_at, terminal_at"

func collectGroups(rows *sql.Rows) ([]*Group, error) {
	var groups []*Group
	for rows.Next() {
		group, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		groups = append(groups, group)
	}
	return groups, rows.Err()
}

func scanGroup(scanner interface{ Scan(dest ...any) error }) (*Group, error) {
	var (
		groupID       string
		expectedParts int
		stateStr      string
		retryCount    int
		claimOwner    sql.NullString
		claimExpires  sql.NullString
		nextAttempt   sql.NullString
		stagedPath    sql.NullString
		degraded      sql.NullInt64
		errorMessage  sql.NullString
		firstSeenRaw  sql.NullString
		lastUpdateRaw sql.NullString
		terminalRaw   sql.NullString
	)

	if err := scanner.Scan(
		&groupID,
		&expectedParts,
		&stateStr,
		&retryCount,
		&claimOwner,
		&claimExpires,
		&nextAttempt,
		&stagedPath,
		&degraded,
		&errorMessage,
		&firstSeenRaw,
		&lastUpdateRaw,
		&terminalRaw,
	); err != nil {
		return nil, err
	}

	group := &Group{
		GroupID:       groupID,
		ExpectedParts: expectedParts,
		State:         State(stateStr),
		RetryCount:    retryCount,
		ClaimOwner:    claimOwner.String,
		StagedPath:    stagedPath.String,
		ErrorMessage:  errorMessage.String,
	}
	if degraded.Valid {
		group.Degraded = degraded.Int64 != 0
	}
	if firstSeen, err := parseTimeString(firstSeenRaw.String); err == nil {
		group.FirstSeenAt = firstSeen
	}
	if lastUpdate, err := parseTimeString(lastUpdateRaw.String); err == nil {
		group.LastUpdateAt = lastUpdate
	}
	if claimExpires.Valid {
		if expires, err := parseTimeString(claimExpires.String); err == nil {
			group.ClaimExpiresAt = &expires
		}
	}
	if nextAttempt.Valid {
		if next, err := parseTimeString(nextAttempt.String); err == nil {
			group.NextAttemptAt = &next
		}
	}
	if terminalRaw.Valid {
		if terminal, err := parseTimeString(terminalRaw.String); err == nil {
			group.TerminalAt = &terminal
		}
	}
	return group, nil
}
