package oracle

// aggregator.go: fan-out to every price source, quorum, MAD trimming, median.
//
// A single source is never trusted on its own: below quorum there is no
// snapshot at all, and the median bounds how far one bad source can move the
// result (at most to an adjacent real observation).

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/alejandrodnm/overunder/internal/domain"
	"github.com/alejandrodnm/overunder/internal/ports"
)

const (
	defaultQuorum        = 2
	defaultMADMultiplier = 2.5
	defaultSourceTimeout = 2500 * time.Millisecond
	defaultMaxAttempts   = 3
	defaultBaseBackoff   = time.Second

	// extra time granted to a source past its own timeout before the
	// aggregator gives up on it.
	sourceGrace = 250 * time.Millisecond
)

// Config controls aggregation and retry behaviour.
type Config struct {
	Quorum        int
	MADMultiplier float64
	SourceTimeout time.Duration
	MaxAttempts   int
	BaseBackoff   time.Duration // wait before attempt n+1 is BaseBackoff × 2^(n-1)
}

// DefaultConfig returns quorum 2, MAD×2.5, 2.5s per source, 3 attempts with 1s/2s/4s backoff.
func DefaultConfig() Config {
	return Config{
		Quorum:        defaultQuorum,
		MADMultiplier: defaultMADMultiplier,
		SourceTimeout: defaultSourceTimeout,
		MaxAttempts:   defaultMaxAttempts,
		BaseBackoff:   defaultBaseBackoff,
	}
}

// Aggregator implements ports.PriceOracle over a set of interchangeable sources.
type Aggregator struct {
	sources []ports.PriceSource
	cfg     Config
	metrics ports.OracleMetrics
}

// New creates an Aggregator. Zero config fields fall back to defaults; a nil
// metrics recorder discards telemetry.
func New(sources []ports.PriceSource, cfg Config, metrics ports.OracleMetrics) *Aggregator {
	def := DefaultConfig()
	if cfg.Quorum <= 0 {
		cfg.Quorum = def.Quorum
	}
	if cfg.MADMultiplier <= 0 {
		cfg.MADMultiplier = def.MADMultiplier
	}
	if cfg.SourceTimeout <= 0 {
		cfg.SourceTimeout = def.SourceTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = def.BaseBackoff
	}
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &Aggregator{sources: sources, cfg: cfg, metrics: metrics}
}

// GetPriceSnapshot implements ports.PriceOracle with the bounded retry policy.
func (a *Aggregator) GetPriceSnapshot(ctx context.Context, asset domain.AssetKey) (domain.PriceSnapshot, error) {
	return a.SnapshotWithRetry(ctx, asset)
}

// Snapshot runs one full aggregation attempt.
func (a *Aggregator) Snapshot(ctx context.Context, asset domain.AssetKey) (domain.PriceSnapshot, error) {
	takenAt := time.Now().UTC()
	samples := a.collect(ctx, asset)

	var (
		prices []float64
		idx    []int // prices[j] came from samples[idx[j]]
	)
	for i, s := range samples {
		if s.OK {
			prices = append(prices, *s.Price)
			idx = append(idx, i)
		}
	}

	if len(prices) < a.cfg.Quorum {
		a.metrics.ObserveSnapshotFailure(asset.String(), "insufficient_sources")
		return domain.PriceSnapshot{}, fmt.Errorf("oracle.Snapshot: %s: %d/%d sources ok, quorum %d: %w",
			asset, len(prices), len(samples), a.cfg.Quorum, domain.ErrInsufficientSources)
	}

	kept, rejected := TrimOutliers(prices, a.cfg.MADMultiplier)
	for j, out := range rejected {
		if out {
			samples[idx[j]].Outlier = true
			slog.Debug("price outlier rejected",
				"asset", asset.String(),
				"source", samples[idx[j]].Source,
				"price", prices[j],
			)
		}
	}

	final := Median(kept)
	if len(kept) == 0 || final <= 0 || math.IsNaN(final) || math.IsInf(final, 0) {
		a.metrics.ObserveSnapshotFailure(asset.String(), "invalid_price")
		return domain.PriceSnapshot{}, fmt.Errorf("oracle.Snapshot: %s: median %v: %w",
			asset, final, domain.ErrInvalidPrice)
	}

	a.metrics.ObserveSnapshot(asset.String(), final, len(kept))
	slog.Debug("price snapshot",
		"asset", asset.String(),
		"price", final,
		"ok", len(prices),
		"used", len(kept),
		"sources", len(samples),
	)

	return domain.PriceSnapshot{
		Asset:   asset.String(),
		Price:   final,
		TakenAt: takenAt,
		Samples: samples,
	}, nil
}

// SnapshotWithRetry repeats Snapshot up to MaxAttempts times, sleeping
// BaseBackoff, 2×BaseBackoff, 4×BaseBackoff... between attempts. Attempts
// never overlap.
func (a *Aggregator) SnapshotWithRetry(ctx context.Context, asset domain.AssetKey) (domain.PriceSnapshot, error) {
	var lastErr error
	for attempt := 0; attempt < a.cfg.MaxAttempts; attempt++ {
		snap, err := a.Snapshot(ctx, asset)
		if err == nil {
			return snap, nil
		}
		lastErr = err

		if attempt == a.cfg.MaxAttempts-1 {
			break
		}
		wait := a.cfg.BaseBackoff << attempt
		a.metrics.ObserveRetry(asset.String(), attempt+1)
		slog.Warn("price snapshot failed, retrying",
			"asset", asset.String(),
			"attempt", attempt+1,
			"wait", wait,
			"err", err,
		)
		if err := sleep(ctx, wait); err != nil {
			return domain.PriceSnapshot{}, fmt.Errorf("oracle.SnapshotWithRetry: %s: %w", asset, err)
		}
	}
	return domain.PriceSnapshot{}, fmt.Errorf("oracle.SnapshotWithRetry: %s: %d attempts: %w",
		asset, a.cfg.MaxAttempts, lastErr)
}

// collect queries every source concurrently and waits until each one has
// settled. Samples keep the configured source order.
func (a *Aggregator) collect(ctx context.Context, asset domain.AssetKey) []domain.PriceSample {
	samples := make([]domain.PriceSample, len(a.sources))

	var wg sync.WaitGroup
	for i, src := range a.sources {
		wg.Add(1)
		go func() {
			defer wg.Done()
			start := time.Now()
			smp := a.fetchOne(ctx, src, asset)
			a.metrics.ObserveSample(src.Name(), smp.OK, time.Since(start))
			samples[i] = smp
		}()
	}
	wg.Wait()

	return samples
}

// fetchOne bounds a single source call. A source that ignores its context is
// abandoned after SourceTimeout plus a short grace so it cannot stall the
// whole aggregation.
func (a *Aggregator) fetchOne(ctx context.Context, src ports.PriceSource, asset domain.AssetKey) domain.PriceSample {
	callCtx, cancel := context.WithTimeout(ctx, a.cfg.SourceTimeout)
	defer cancel()

	done := make(chan domain.PriceSample, 1)
	go func() { done <- src.Fetch(callCtx, asset) }()

	select {
	case smp := <-done:
		return sanitize(src.Name(), smp)
	case <-time.After(a.cfg.SourceTimeout + sourceGrace):
		slog.Debug("price source abandoned", "source", src.Name(), "asset", asset.String())
		return domain.FailedSample(src.Name(), time.Now().UTC(), "timeout")
	}
}

// sanitize enforces the sample contract regardless of what the source returned.
func sanitize(name string, smp domain.PriceSample) domain.PriceSample {
	if smp.Source == "" {
		smp.Source = name
	}
	if smp.ObservedAt.IsZero() {
		smp.ObservedAt = time.Now().UTC()
	}
	if !smp.OK {
		smp.Price = nil
		return smp
	}
	if smp.Price == nil || *smp.Price <= 0 || math.IsNaN(*smp.Price) || math.IsInf(*smp.Price, 0) {
		return domain.FailedSample(smp.Source, smp.ObservedAt, "invalid price")
	}
	return smp
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
