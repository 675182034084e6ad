// Package dispatcher drains the pending pool with a bounded worker set. All
// coordination goes through the queue store: workers race the claim UPDATE,
// renew their lease while the Writer runs, and record the outcome as a state
// transition. No worker holds authoritative state in memory.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"coalesce/internal/config"
	"coalesce/internal/logging"
	"coalesce/internal/queue"
	"coalesce/internal/staging"
	"coalesce/internal/writer"
)

// Dispatcher claims pending groups, stages them, and invokes the Writer.
type Dispatcher struct {
	store   *queue.Store
	staging *staging.Coordinator
	writer  writer.Writer
	logger  *slog.Logger

	concurrency    int
	maxRetries     int
	lease          time.Duration
	leaseRenew     time.Duration
	attemptTimeout time.Duration
	retryBackoff   time.Duration
	pollInterval   time.Duration
}

// New builds a Dispatcher from the dispatch config section.
func New(cfg *config.Config, store *queue.Store, stg *staging.Coordinator, w writer.Writer, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store:          store,
		staging:        stg,
		writer:         w,
		logger:         logging.NewComponentLogger(logger, "dispatcher"),
		concurrency:    cfg.Dispatch.MaxConcurrency,
		maxRetries:     cfg.Dispatch.MaxRetries,
		lease:          cfg.Lease(),
		leaseRenew:     cfg.LeaseRenew(),
		attemptTimeout: cfg.AttemptTimeout(),
		retryBackoff:   cfg.RetryBackoff(),
		pollInterval:   cfg.PollInterval(),
	}
}

// Run starts the worker pool and blocks until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < d.concurrency; i++ {
		owner := fmt.Sprintf("worker-%d-%s", i, uuid.NewString()[:8])
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.worker(ctx, owner)
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (d *Dispatcher) worker(ctx context.Context, owner string) {
	logger := d.logger.With(logging.String(logging.FieldWorker, owner))
	logger.Info("dispatch worker started")

	for {
		if err := d.runCycle(ctx, owner); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("dispatch cycle failed", logging.Error(err))
		}
		select {
		case <-ctx.Done():
			logger.Info("dispatch worker stopped")
			return
		case <-time.After(d.jitteredPoll()):
		}
	}
}

// jitteredPoll spreads the worker sleeps so the pool does not hit the store
// in lockstep.
func (d *Dispatcher) jitteredPoll() time.Duration {
	jitter := time.Duration(rand.Int63n(int64(d.pollInterval)/4 + 1))
	return d.pollInterval + jitter
}

// runCycle performs one poll: recover lapsed work, then claim and process as
// many pending groups as this worker can win.
func (d *Dispatcher) runCycle(ctx context.Context, owner string) error {
	requeued, quarantined, err := d.store.ReleaseExpiredLeases(ctx, d.maxRetries)
	if err != nil {
		return fmt.Errorf("release expired leases: %w", err)
	}
	if requeued > 0 || quarantined > 0 {
		d.logger.Warn("recovered lapsed claims",
			logging.Int64("requeued", requeued),
			logging.Int64("quarantined", quarantined),
		)
	}

	if _, err := d.store.RequeueDueRetries(ctx); err != nil {
		return fmt.Errorf("requeue due retries: %w", err)
	}

	pending, err := d.store.ListPending(ctx, d.concurrency*2)
	if err != nil {
		return fmt.Errorf("list pending: %w", err)
	}

	for _, group := range pending {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		claimed, err := d.store.TryClaim(ctx, group.GroupID, queue.StatePending, queue.StateInProgress, owner, d.lease)
		if err != nil {
			return fmt.Errorf("claim %s: %w", group.GroupID, err)
		}
		if !claimed {
			// Another worker won the race.
			continue
		}
		d.process(ctx, owner, group)
	}
	return nil
}

// process runs one dispatch attempt for a claimed group. Lease renewal runs on
// its own ticker so a slow Writer never starves the heartbeat.
func (d *Dispatcher) process(ctx context.Context, owner string, group *queue.Group) {
	logger := d.logger.With(
		logging.String(logging.FieldWorker, owner),
		logging.String(logging.FieldGroupID, group.GroupID),
	)
	logger.Info("dispatch attempt started", logging.Int("retry_count", group.RetryCount))

	attemptCtx, cancel := context.WithTimeout(ctx, d.attemptTimeout)
	defer cancel()

	renewDone := make(chan struct{})
	go func() {
		defer close(renewDone)
		ticker := time.NewTicker(d.leaseRenew)
		defer ticker.Stop()
		for {
			select {
			case <-attemptCtx.Done():
				return
			case <-ticker.C:
				ok, err := d.store.RenewLease(attemptCtx, group.GroupID, owner, d.lease)
				if err != nil {
					logger.Warn("lease renewal failed", logging.Error(err))
					continue
				}
				if !ok {
					logger.Warn("lease lost, aborting attempt")
					cancel()
					return
				}
			}
		}
	}()

	err := d.attempt(attemptCtx, owner, group, logger)
	cancel()
	<-renewDone

	if err == nil {
		logger.Info("dispatch attempt succeeded")
		return
	}
	d.recordFailure(ctx, owner, group, err, logger)
}

func (d *Dispatcher) attempt(ctx context.Context, owner string, group *queue.Group, logger *slog.Logger) error {
	fragments, err := d.store.FragmentsForGroup(ctx, group.GroupID)
	if err != nil {
		return fmt.Errorf("load fragments: %w", err)
	}

	result, err := d.staging.Stage(ctx, group.GroupID, fragments)
	if err != nil {
		return err
	}
	if err := d.store.SetStagedPath(ctx, group.GroupID, result.Path, result.Degraded); err != nil {
		logger.Warn("record staged path failed", logging.Error(err))
	}

	meta := writer.Metadata{
		GroupID:    group.GroupID,
		PartCount:  len(fragments),
		TotalBytes: result.TotalBytes,
		Degraded:   result.Degraded,
	}
	if _, err := d.writer.Dispatch(ctx, result.Path, meta); err != nil {
		return err
	}

	if err := d.store.MarkCompleted(ctx, group.GroupID, owner, result.Path, result.Degraded); err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	return nil
}

// recordFailure routes an attempt error to the matching state transition.
// Fatal writer errors quarantine immediately; everything else, including
// staging failures and timeouts, consumes retry budget.
func (d *Dispatcher) recordFailure(ctx context.Context, owner string, group *queue.Group, attemptErr error, logger *slog.Logger) {
	if writer.IsFatal(attemptErr) {
		logger.Error("dispatch attempt failed fatally",
			logging.String(logging.FieldEventType, "group_quarantined"),
			logging.Error(attemptErr),
			logging.String(logging.FieldErrorHint, "inspect with 'coalesce queue list --state quarantined'"),
		)
		if err := d.store.MarkQuarantined(ctx, group.GroupID, owner, attemptErr.Error()); err != nil {
			logger.Error("quarantine transition failed", logging.Error(err))
		}
		return
	}

	logger.Warn("dispatch attempt failed",
		logging.Error(attemptErr),
		logging.Bool("staging_failure", errors.Is(attemptErr, staging.ErrStagingFailure)),
	)
	state, err := d.store.MarkFailed(ctx, group.GroupID, owner, attemptErr.Error(), d.retryBackoff, d.maxRetries)
	if err != nil {
		// The lease may have lapsed mid-attempt; recovery will requeue it.
		logger.Warn("failure transition skipped", logging.Error(err))
		return
	}
	if state == queue.StateQuarantined {
		logger.Error("retry budget exhausted, group quarantined")
	}
}
