package pool

// keeper.go: periodic sweep of pending pools.
//
// Each sweep takes the pools without a result, captures the entry snapshot
// once lock_at has passed and the exit snapshot once resolve_at has passed,
// then resolves and notifies. A pool that fails (oracle below quorum, for
// example) stays pending and is retried on the next sweep. A pool that
// reaches resolve_at without an entry goes to ADMIN_REVIEW: there is no lock
// price to settle it against.

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alejandrodnm/overunder/internal/domain"
	"github.com/alejandrodnm/overunder/internal/ports"
	"github.com/robfig/cron/v3"
)

const defaultSchedule = "@every 5s"

// KeeperConfig configures the sweep schedule.
type KeeperConfig struct {
	Schedule string // cron spec with seconds field, or @every
	Workers  int    // pools processed in parallel per sweep
}

// SweepReport summarizes one sweep.
type SweepReport struct {
	Pending  int
	Entries  int
	Exits    int
	Resolved int
	Reviewed int // reached resolve_at without an entry, moved to ADMIN_REVIEW
	Failed   int
}

// Keeper drives pools through lock and resolution on a schedule.
type Keeper struct {
	manager  *Manager
	notifier ports.Notifier
	cfg      KeeperConfig
}

// NewKeeper creates a Keeper. notifier may be nil.
func NewKeeper(manager *Manager, notifier ports.Notifier, cfg KeeperConfig) *Keeper {
	if cfg.Schedule == "" {
		cfg.Schedule = defaultSchedule
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultSweepWorkers
	}
	return &Keeper{manager: manager, notifier: notifier, cfg: cfg}
}

// Run sweeps once immediately and then on the schedule until ctx is
// cancelled. Sweeps never overlap.
func (k *Keeper) Run(ctx context.Context) error {
	c := cron.New(
		cron.WithSeconds(),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	if _, err := c.AddFunc(k.cfg.Schedule, func() { k.sweepAndLog(ctx) }); err != nil {
		return fmt.Errorf("pool.Keeper.Run: schedule %q: %w", k.cfg.Schedule, err)
	}

	slog.Info("keeper starting", "schedule", k.cfg.Schedule, "workers", k.cfg.Workers)
	k.sweepAndLog(ctx)

	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()

	slog.Info("keeper stopped")
	return nil
}

func (k *Keeper) sweepAndLog(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	start := time.Now()
	rep, err := k.Sweep(ctx)
	if err != nil {
		slog.Error("keeper sweep failed", "err", err)
		return
	}
	if rep.Pending == 0 {
		return
	}
	slog.Info("keeper sweep complete",
		"pending", rep.Pending,
		"entries", rep.Entries,
		"exits", rep.Exits,
		"resolved", rep.Resolved,
		"reviewed", rep.Reviewed,
		"failed", rep.Failed,
		"duration", time.Since(start).Round(time.Millisecond),
	)
}

type stepResult struct {
	entry, exit, resolved, reviewed bool
	err                             error
}

// Sweep processes every pending pool once with a bounded worker pool.
func (k *Keeper) Sweep(ctx context.Context) (SweepReport, error) {
	pools, err := k.manager.store.ListPendingPools(ctx)
	if err != nil {
		return SweepReport{}, fmt.Errorf("pool.Keeper.Sweep: %w", err)
	}

	now := k.manager.now()
	due := make([]domain.Pool, 0, len(pools))
	for _, p := range pools {
		if EffectiveStatus(p, now) != domain.StatusOpen {
			due = append(due, p)
		}
	}
	rep := SweepReport{Pending: len(due)}
	if len(due) == 0 {
		return rep, nil
	}

	workCh := make(chan domain.Pool, len(due))
	resultCh := make(chan stepResult, len(due))

	var wg sync.WaitGroup
	for i := 0; i < k.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for p := range workCh {
				resultCh <- k.step(ctx, p)
			}
		}()
	}
	for _, p := range due {
		workCh <- p
	}
	close(workCh)

	go func() {
		wg.Wait()
		close(resultCh)
	}()

	for r := range resultCh {
		if r.entry {
			rep.Entries++
		}
		if r.exit {
			rep.Exits++
		}
		if r.resolved {
			rep.Resolved++
		}
		if r.reviewed {
			rep.Reviewed++
		}
		if r.err != nil {
			rep.Failed++
		}
	}
	return rep, nil
}

// step advances a pool as far as the current clock allows.
func (k *Keeper) step(ctx context.Context, p domain.Pool) stepResult {
	var r stepResult
	st := EffectiveStatus(p, k.manager.now())

	if p.Entry == nil && st == domain.StatusResolved {
		if err := k.manager.SetOverride(ctx, p.ID, domain.StatusAdminReview); err != nil {
			slog.Warn("admin review failed", "pool", p.ID, "err", err)
			r.err = err
			return r
		}
		slog.Warn("pool missed its entry snapshot, sent to admin review",
			"pool", p.ID, "asset", p.AssetID, "lock_at", p.LockAt, "resolve_at", p.ResolveAt)
		r.reviewed = true
		return r
	}

	if p.Entry == nil {
		if _, err := k.manager.CaptureEntry(ctx, p.ID); err != nil {
			slog.Warn("entry snapshot failed", "pool", p.ID, "asset", p.AssetID, "err", err)
			r.err = err
			return r
		}
		r.entry = true
	}

	if st != domain.StatusResolved {
		return r
	}

	if p.Exit == nil {
		if _, err := k.manager.CaptureExit(ctx, p.ID); err != nil {
			slog.Warn("exit snapshot failed", "pool", p.ID, "asset", p.AssetID, "err", err)
			r.err = err
			return r
		}
		r.exit = true
	}

	_, batch, err := k.manager.ResolvePool(ctx, p.ID)
	if err != nil {
		slog.Warn("resolve failed", "pool", p.ID, "err", err)
		r.err = err
		return r
	}
	r.resolved = true

	if k.notifier == nil {
		return r
	}
	resolved, err := k.manager.GetPool(ctx, p.ID)
	if err != nil {
		slog.Warn("notify: reload pool", "pool", p.ID, "err", err)
		return r
	}
	if err := k.notifier.NotifyResolution(ctx, resolved, batch); err != nil {
		slog.Warn("notifier error", "pool", p.ID, "err", err)
	}
	return r
}
