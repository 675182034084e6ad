package queue

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// ExpireStaleCollecting marks collecting groups as expired once their first
// fragment arrived more than timeout+grace ago. The grace window is a flat
// extension of the base timeout, so a fragment arriving anywhere inside it
// still finds its group alive. Returns the ids of expired groups.
func (s *Store) ExpireStaleCollecting(ctx context.Context, timeout, grace time.Duration) ([]string, error) {
	now := time.Now()
	cutoff := formatTime(now.Add(-timeout - grace))

	rows, err := s.db.QueryContext(
		ctx,
		`SELECT group_id FROM groups
         WHERE state = ? AND first_seen_at < ?
         ORDER BY first_seen_at, group_id`,
		StateCollecting,
		cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("query stale collecting: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	nowStr := formatTime(now)
	var expired []string
	for _, id := range ids {
		res, err := s.execWithRetry(
			ctx,
			`UPDATE groups SET state = ?, error_message = ?, terminal_at = ?, last_update_at = ?
             WHERE group_id = ? AND state = ?`,
			StateExpired,
			ExpiredReason,
			nowStr,
			nowStr,
			id,
			StateCollecting,
		)
		if err != nil {
			return expired, fmt.Errorf("expire group %s: %w", id, err)
		}
		if affected, err := res.RowsAffected(); err != nil {
			return expired, fmt.Errorf("rows affected: %w", err)
		} else if affected > 0 {
			expired = append(expired, id)
		}
	}
	return expired, nil
}

// TerminalPastRetention returns terminal groups whose terminal timestamp is
// older than the retention window. The reaper deletes their staged copies
// before removing the rows.
func (s *Store) TerminalPastRetention(ctx context.Context, retention time.Duration) ([]*Group, error) {
	cutoff := formatTime(time.Now().Add(-retention))
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+groupColumns+` FROM groups
         WHERE terminal_at IS NOT NULL AND terminal_at < ?
         ORDER BY terminal_at, group_id`,
		cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("query terminal past retention: %w", err)
	}
	defer rows.Close()
	return collectGroups(rows)
}

// DeleteGroup removes a group and its fragment records in one transaction.
func (s *Store) DeleteGroup(ctx context.Context, groupID string) error {
	ctx = ensureContext(ctx)
	return retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin delete tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `DELETE FROM fragments WHERE group_id = ?`, groupID); err != nil {
			return fmt.Errorf("delete fragments: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM groups WHERE group_id = ?`, groupID); err != nil {
			return fmt.Errorf("delete group: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit delete: %w", err)
		}
		return nil
	})
}

// ClearTerminal deletes all terminal groups (and their fragments). Returns the
// number of groups removed.
func (s *Store) ClearTerminal(ctx context.Context) (int64, error) {
	ctx = ensureContext(ctx)
	var deleted int64
	err := retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin clear tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM fragments WHERE group_id IN (SELECT group_id FROM groups WHERE state IN (?, ?, ?))`,
			StateCompleted, StateQuarantined, StateExpired,
		); err != nil {
			return fmt.Errorf("clear fragments: %w", err)
		}

		res, err := tx.ExecContext(ctx,
			`DELETE FROM groups WHERE state IN (?, ?, ?)`,
			StateCompleted, StateQuarantined, StateExpired,
		)
		if err != nil {
			return fmt.Errorf("clear groups: %w", err)
		}
		deleted, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		return tx.Commit()
	})
	return deleted, err
}

// ClearAll removes every group and fragment record. Used by `queue clear --all`.
func (s *Store) ClearAll(ctx context.Context) (int64, error) {
	ctx = ensureContext(ctx)
	var deleted int64
	err := retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin clear tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `DELETE FROM fragments`); err != nil {
			return fmt.Errorf("clear fragments: %w", err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM groups`)
		if err != nil {
			return fmt.Errorf("clear groups: %w", err)
		}
		deleted, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		return tx.Commit()
	})
	return deleted, err
}

// Health aggregates per-state counts plus the age of the oldest undispatched group.
func (s *Store) Health(ctx context.Context) (HealthSummary, error) {
	var summary HealthSummary

	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(1) FROM groups GROUP BY state`)
	if err != nil {
		return summary, fmt.Errorf("query health counts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			stateStr string
			count    int
		)
		if err := rows.Scan(&stateStr, &count); err != nil {
			return summary, err
		}
		summary.Total += count
		switch State(stateStr) {
		case StateCollecting:
			summary.Collecting = count
		case StatePending:
			summary.Pending = count
		case StateInProgress:
			summary.InProgress = count
		case StateCompleted:
			summary.Completed = count
		case StateFailed:
			summary.Failed = count
		case StateQuarantined:
			summary.Quarantined = count
		case StateExpired:
			summary.Expired = count
		}
	}
	if err := rows.Err(); err != nil {
		return summary, err
	}

	var oldestRaw sql.NullString
	row := s.db.QueryRowContext(ctx,
		`SELECT MIN(first_seen_at) FROM groups WHERE state IN (?, ?)`,
		StateCollecting, StatePending,
	)
	if err := row.Scan(&oldestRaw); err != nil {
		return summary, fmt.Errorf("query oldest pending: %w", err)
	}
	if oldestRaw.Valid {
		if oldest, err := parseTimeString(oldestRaw.String); err == nil {
			summary.OldestPendingAge = time.Since(oldest)
		}
	}
	return summary, nil
}
