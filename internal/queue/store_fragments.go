package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrPartOutOfRange rejects fragments whose part index falls outside the
// expected range for their group. Such fragments are never recorded.
var ErrPartOutOfRange = errors.New("part index out of range")

// RecordFragment durably inserts a fragment record. Duplicate inserts for the
// same (group_id, part_index) are a no-op and return false without error. The
// group row must already exist; callers go through GetOrCreateGroup first so
// the part index can be checked against the expected range.
func (s *Store) RecordFragment(ctx context.Context, groupID string, partIndex int, path string, sizeBytes int64) (bool, error) {
	if groupID == "" {
		return false, errors.New("group id is required")
	}

	group, err := s.GetGroup(ctx, groupID)
	if err != nil {
		return false, err
	}
	if group == nil {
		return false, fmt.Errorf("group %s does not exist", groupID)
	}
	if partIndex < 0 || partIndex >= group.ExpectedParts {
		return false, fmt.Errorf("%w: part %d of group %s (expected 0..%d)",
			ErrPartOutOfRange, partIndex, groupID, group.ExpectedParts-1)
	}

	now := formatTime(time.Now())
	res, err := s.execWithRetry(
		ctx,
		`INSERT OR IGNORE INTO fragments (group_id, part_index, path, size_bytes, detected_at)
         VALUES (?, ?, ?, ?, ?)`,
		groupID,
		partIndex,
		path,
		sizeBytes,
		now,
	)
	if err != nil {
		return false, fmt.Errorf("insert fragment: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return false, nil
	}

	// Fragment arrivals refresh the group's activity timestamp.
	if _, err := s.execWithRetry(
		ctx,
		`UPDATE groups SET last_update_at = ? WHERE group_id = ?`,
		now,
		groupID,
	); err != nil {
		return true, fmt.Errorf("touch group: %w", err)
	}
	return true, nil
}

// GetOrCreateGroup returns the group record for groupID, creating it in the
// collecting state when it has not been seen before. Creation races between
// concurrent watchers resolve to a single row.
func (s *Store) GetOrCreateGroup(ctx context.Context, groupID string, expectedParts int) (*Group, error) {
	if groupID == "" {
		return nil, errors.New("group id is required")
	}
	if expectedParts <= 0 {
		return nil, errors.New("expected part count must be positive")
	}

	now := formatTime(time.Now())
	if _, err := s.execWithRetry(
		ctx,
		`INSERT INTO groups (group_id, expected_parts, state, retry_count, first_seen_at, last_update_at)
         VALUES (?, ?, ?, 0, ?, ?)
         ON CONFLICT (group_id) DO NOTHING`,
		groupID,
		expectedParts,
		StateCollecting,
		now,
		now,
	); err != nil {
		return nil, fmt.Errorf("insert group: %w", err)
	}

	group, err := s.GetGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if group == nil {
		return nil, fmt.Errorf("group %s missing after insert", groupID)
	}
	return group, nil
}

// FragmentsForGroup returns all recorded fragments of a group ordered by part index.
func (s *Store) FragmentsForGroup(ctx context.Context, groupID string) ([]*Fragment, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT group_id, part_index, path, size_bytes, detected_at
         FROM fragments WHERE group_id = ? ORDER BY part_index`,
		groupID,
	)
	if err != nil {
		return nil, fmt.Errorf("query fragments: %w", err)
	}
	defer rows.Close()

	var fragments []*Fragment
	for rows.Next() {
		fragment, err := scanFragment(rows)
		if err != nil {
			return nil, err
		}
		fragments = append(fragments, fragment)
	}
	return fragments, rows.Err()
}

// FragmentCount returns the number of distinct fragments recorded for a group.
func (s *Store) FragmentCount(ctx context.Context, groupID string) (int, error) {
	var count int
	row := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM fragments WHERE group_id = ?`, groupID)
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("count fragments: %w", err)
	}
	return count, nil
}

// ReceivedParts returns the sorted part indices recorded for a group.
func (s *Store) ReceivedParts(ctx context.Context, groupID string) ([]int, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT part_index FROM fragments WHERE group_id = ? ORDER BY part_index`,
		groupID,
	)
	if err != nil {
		return nil, fmt.Errorf("query received parts: %w", err)
	}
	defer rows.Close()

	var parts []int
	for rows.Next() {
		var part int
		if err := rows.Scan(&part); err != nil {
			return nil, err
		}
		parts = append(parts, part)
	}
	return parts, rows.Err()
}

// GroupSize returns the combined size in bytes of a group's recorded fragments.
func (s *Store) GroupSize(ctx context.Context, groupID string) (int64, error) {
	var size sql.NullInt64
	row := s.db.QueryRowContext(ctx, `SELECT SUM(size_bytes) FROM fragments WHERE group_id = ?`, groupID)
	if err := row.Scan(&size); err != nil {
		return 0, fmt.Errorf("sum fragment sizes: %w", err)
	}
	return size.Int64, nil
}

func scanFragment(scanner interface{ Scan(dest ...any) error }) (*Fragment, error) {
	var (
		groupID     string
		partIndex   int
		path        string
		sizeBytes   int64
		detectedRaw string
	)
	if err := scanner.Scan(&groupID, &partIndex, &path, &sizeBytes, &detectedRaw); err != nil {
		return nil, err
	}
	fragment := &Fragment{
		GroupID:   groupID,
		PartIndex: partIndex,
		Path:      path,
		SizeBytes: sizeBytes,
	}
	if detected, err := parseTimeString(detectedRaw); err == nil {
		fragment.DetectedAt = detected
	}
	return fragment, nil
}
