// Package reaper runs the periodic maintenance sweep: expiring groups that
// never completed their fragment set, and reclaiming disk and queue rows once
// terminal groups age past retention.
package reaper

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"coalesce/internal/config"
	"coalesce/internal/logging"
	"coalesce/internal/queue"
	"coalesce/internal/staging"
)

// Reaper sweeps the queue and staging tiers on a jittered interval.
type Reaper struct {
	store   *queue.Store
	staging *staging.Coordinator
	logger  *slog.Logger

	interval     time.Duration
	jitter       time.Duration
	groupTimeout time.Duration
	graceWindow  time.Duration
	retention    time.Duration
}

// New builds a Reaper from the reaper and staging config sections.
func New(cfg *config.Config, store *queue.Store, stg *staging.Coordinator, logger *slog.Logger) *Reaper {
	return &Reaper{
		store:        store,
		staging:      stg,
		logger:       logging.NewComponentLogger(logger, "reaper"),
		interval:     cfg.ReaperInterval(),
		jitter:       cfg.ReaperJitter(),
		groupTimeout: cfg.GroupTimeout(),
		graceWindow:  cfg.GraceWindow(),
		retention:    cfg.Retention(),
	}
}

// Run sweeps until ctx is cancelled. The jitter keeps multiple daemons from
// hammering the queue in lockstep.
func (r *Reaper) Run(ctx context.Context) error {
	// Recover from a crash mid-staging before the first sweep.
	if removed, err := r.staging.SweepTemp(); err != nil {
		r.logger.Warn("startup temp sweep failed", logging.Error(err))
	} else if removed > 0 {
		r.logger.Info("removed leftover temp staging dirs", logging.Int("count", removed))
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.nextInterval()):
			r.Sweep(ctx)
		}
	}
}

func (r *Reaper) nextInterval() time.Duration {
	if r.jitter <= 0 {
		return r.interval
	}
	return r.interval + time.Duration(rand.Int63n(int64(r.jitter)))
}

// Sweep runs one maintenance pass. Every step is idempotent; a failed step is
// logged and retried on the next pass.
func (r *Reaper) Sweep(ctx context.Context) {
	expired, err := r.store.ExpireStaleCollecting(ctx, r.groupTimeout, r.graceWindow)
	if err != nil {
		r.logger.Error("expire stale collecting failed", logging.Error(err))
	}
	for _, groupID := range expired {
		r.logger.Warn("group expired with incomplete fragment set",
			logging.String(logging.FieldEventType, "group_expired"),
			logging.String(logging.FieldGroupID, groupID),
			logging.Duration("group_timeout", r.groupTimeout),
			logging.String(logging.FieldImpact, "group will never be dispatched"),
		)
	}

	due, err := r.store.TerminalPastRetention(ctx, r.retention)
	if err != nil {
		r.logger.Error("retention query failed", logging.Error(err))
		return
	}
	for _, group := range due {
		if ctx.Err() != nil {
			return
		}
		if group.StagedPath != "" {
			if err := r.staging.Remove(group.StagedPath); err != nil {
				r.logger.Error("remove staged dir failed",
					logging.String(logging.FieldGroupID, group.GroupID),
					logging.Error(err),
				)
				continue
			}
		}
		if err := r.store.DeleteGroup(ctx, group.GroupID); err != nil {
			r.logger.Error("delete group failed",
				logging.String(logging.FieldGroupID, group.GroupID),
				logging.Error(err),
			)
			continue
		}
		r.logger.Info("reclaimed terminal group",
			logging.String(logging.FieldGroupID, group.GroupID),
			logging.String("state", string(group.State)),
		)
	}

	if removed, err := r.staging.SweepTemp(); err != nil {
		r.logger.Warn("temp sweep failed", logging.Error(err))
	} else if removed > 0 {
		r.logger.Info("removed leftover temp staging dirs", logging.Int("count", removed))
	}
}
