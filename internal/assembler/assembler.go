// Package assembler decides when a group has all of its fragments and moves
// it into the dispatchable pool.
package assembler

import (
	"context"
	"fmt"
	"log/slog"

	"coalesce/internal/logging"
	"coalesce/internal/queue"
)

// Assembler evaluates group completeness after fragment arrivals.
type Assembler struct {
	store  *queue.Store
	logger *slog.Logger
}

// New builds an Assembler over the queue store.
func New(store *queue.Store, logger *slog.Logger) *Assembler {
	return &Assembler{
		store:  store,
		logger: logging.NewComponentLogger(logger, "assembler"),
	}
}

// Evaluate transitions a group from collecting to pending once its recorded
// fragment count reaches the expected part count. Idempotent and safe under
// concurrent callers: the state-guarded UPDATE ensures exactly one evaluation
// performs the transition. Returns true when this call made the transition.
func (a *Assembler) Evaluate(ctx context.Context, groupID string) (bool, error) {
	group, err := a.store.GetGroup(ctx, groupID)
	if err != nil {
		return false, fmt.Errorf("evaluate group: %w", err)
	}
	if group == nil {
		return false, fmt.Errorf("evaluate group: %s does not exist", groupID)
	}
	if group.State != queue.StateCollecting {
		return false, nil
	}

	count, err := a.store.FragmentCount(ctx, groupID)
	if err != nil {
		return false, fmt.Errorf("evaluate group: %w", err)
	}
	if count < group.ExpectedParts {
		return false, nil
	}

	moved, err := a.store.MarkPending(ctx, groupID)
	if err != nil {
		return false, fmt.Errorf("evaluate group: %w", err)
	}
	if moved {
		a.logger.Info("group complete, queued for dispatch",
			logging.String(logging.FieldGroupID, groupID),
			logging.Int("part_count", count),
		)
	}
	return moved, nil
}
