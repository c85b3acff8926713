package oracle_test

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alejandrodnm/overunder/internal/application/oracle"
	"github.com/alejandrodnm/overunder/internal/domain"
	"github.com/alejandrodnm/overunder/internal/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- mocks ---

type fixedSource struct {
	name  string
	price float64
	ok    bool
	delay time.Duration
	calls atomic.Int32
}

func (f *fixedSource) Name() string { return f.name }

func (f *fixedSource) Fetch(ctx context.Context, _ domain.AssetKey) domain.PriceSample {
	f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return domain.FailedSample(f.name, time.Now(), "timeout")
		}
	}
	if !f.ok {
		return domain.FailedSample(f.name, time.Now(), "boom")
	}
	return domain.OKSample(f.name, f.price, time.Now())
}

// stuckSource ignores its context entirely.
type stuckSource struct {
	release chan struct{}
}

func (s *stuckSource) Name() string { return "stuck" }

func (s *stuckSource) Fetch(_ context.Context, _ domain.AssetKey) domain.PriceSample {
	<-s.release
	return domain.OKSample("stuck", 1, time.Now())
}

// flakySource fails the first n calls.
type flakySource struct {
	name  string
	price float64
	fails int32
	calls atomic.Int32
}

func (f *flakySource) Name() string { return f.name }

func (f *flakySource) Fetch(_ context.Context, _ domain.AssetKey) domain.PriceSample {
	n := f.calls.Add(1)
	if n <= f.fails {
		return domain.FailedSample(f.name, time.Now(), "flaky")
	}
	return domain.OKSample(f.name, f.price, time.Now())
}

type recordingMetrics struct {
	ports.NopMetrics
	mu       sync.Mutex
	retries  int
	failures []string
}

func (r *recordingMetrics) ObserveRetry(string, int) {
	r.mu.Lock()
	r.retries++
	r.mu.Unlock()
}

func (r *recordingMetrics) ObserveSnapshotFailure(_ string, reason string) {
	r.mu.Lock()
	r.failures = append(r.failures, reason)
	r.mu.Unlock()
}

// --- helpers ---

var btc = domain.AssetKey{ID: "bitcoin"}

func src(name string, price float64) *fixedSource {
	return &fixedSource{name: name, price: price, ok: true}
}

func down(name string) *fixedSource {
	return &fixedSource{name: name}
}

func fastConfig() oracle.Config {
	cfg := oracle.DefaultConfig()
	cfg.BaseBackoff = time.Millisecond
	cfg.SourceTimeout = 200 * time.Millisecond
	return cfg
}

func newAgg(cfg oracle.Config, sources ...ports.PriceSource) *oracle.Aggregator {
	return oracle.New(sources, cfg, nil)
}

// --- tests ---

func TestSnapshot_MedianOfTrimmedPrices(t *testing.T) {
	agg := newAgg(fastConfig(),
		src("a", 100), src("b", 101), src("c", 99), src("d", 150), src("e", 100))

	snap, err := agg.Snapshot(context.Background(), btc)
	require.NoError(t, err)

	assert.InDelta(t, 100.0, snap.Price, 1e-9) // median of 99, 100, 100, 101
	require.Len(t, snap.Samples, 5)
	assert.Equal(t, "a", snap.Samples[0].Source)
	assert.Equal(t, "e", snap.Samples[4].Source)
	assert.True(t, snap.Samples[3].Outlier)
	assert.ElementsMatch(t, []string{"a", "b", "c", "e"}, snap.UsedSources())
	assert.Equal(t, "bitcoin", snap.Asset)
	assert.False(t, snap.TakenAt.IsZero())
}

func TestSnapshot_KeepsFailedSamplesForAudit(t *testing.T) {
	agg := newAgg(fastConfig(), src("a", 10), down("b"), src("c", 12))

	snap, err := agg.Snapshot(context.Background(), btc)
	require.NoError(t, err)

	assert.InDelta(t, 11.0, snap.Price, 1e-9)
	require.Len(t, snap.Samples, 3)
	assert.False(t, snap.Samples[1].OK)
	assert.Nil(t, snap.Samples[1].Price)
	assert.Equal(t, "boom", snap.Samples[1].Err)
}

func TestSnapshot_TwoSourcesSkipTrimming(t *testing.T) {
	agg := newAgg(fastConfig(), src("a", 100), src("b", 300))

	snap, err := agg.Snapshot(context.Background(), btc)
	require.NoError(t, err)
	assert.InDelta(t, 200.0, snap.Price, 1e-9)
	assert.Len(t, snap.UsedSources(), 2)
}

func TestSnapshot_BelowQuorum(t *testing.T) {
	cases := map[string][]ports.PriceSource{
		"all down":      {down("a"), down("b"), down("c"), down("d"), down("e")},
		"one of five":   {src("a", 100), down("b"), down("c"), down("d"), down("e")},
		"single source": {src("a", 100)},
		"no sources":    nil,
	}
	for name, sources := range cases {
		t.Run(name, func(t *testing.T) {
			agg := newAgg(fastConfig(), sources...)
			_, err := agg.Snapshot(context.Background(), btc)
			assert.ErrorIs(t, err, domain.ErrInsufficientSources)
		})
	}
}

func TestSnapshot_CustomQuorum(t *testing.T) {
	cfg := fastConfig()
	cfg.Quorum = 3
	agg := newAgg(cfg, src("a", 100), src("b", 101), down("c"))

	_, err := agg.Snapshot(context.Background(), btc)
	assert.ErrorIs(t, err, domain.ErrInsufficientSources)
}

func TestSnapshot_InvalidSamplesAreDemoted(t *testing.T) {
	agg := newAgg(fastConfig(), src("neg", -5), src("nan", math.NaN()), src("ok", 100))

	_, err := agg.Snapshot(context.Background(), btc)
	assert.ErrorIs(t, err, domain.ErrInsufficientSources)
}

func TestSnapshot_SlowSourceDoesNotBlockOthers(t *testing.T) {
	cfg := fastConfig()
	cfg.SourceTimeout = 50 * time.Millisecond
	slow := &fixedSource{name: "slow", price: 100, ok: true, delay: time.Second}
	agg := newAgg(cfg, src("a", 100), src("b", 102), slow)

	start := time.Now()
	snap, err := agg.Snapshot(context.Background(), btc)
	require.NoError(t, err)

	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.InDelta(t, 101.0, snap.Price, 1e-9)
	assert.False(t, snap.Samples[2].OK)
}

func TestSnapshot_AbandonsSourceIgnoringContext(t *testing.T) {
	cfg := fastConfig()
	cfg.SourceTimeout = 20 * time.Millisecond
	stuck := &stuckSource{release: make(chan struct{})}
	defer close(stuck.release)

	agg := newAgg(cfg, src("a", 100), src("b", 100), stuck)

	start := time.Now()
	snap, err := agg.Snapshot(context.Background(), btc)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.False(t, snap.Samples[2].OK)
	assert.Equal(t, "timeout", snap.Samples[2].Err)
}

func TestSnapshotWithRetry_RecoversFromTransientFailure(t *testing.T) {
	metrics := &recordingMetrics{}
	a := &flakySource{name: "a", price: 100, fails: 1}
	b := &flakySource{name: "b", price: 102, fails: 1}
	agg := oracle.New([]ports.PriceSource{a, b}, fastConfig(), metrics)

	snap, err := agg.SnapshotWithRetry(context.Background(), btc)
	require.NoError(t, err)

	assert.InDelta(t, 101.0, snap.Price, 1e-9)
	assert.Equal(t, int32(2), a.calls.Load())
	assert.Equal(t, 1, metrics.retries)
}

func TestSnapshotWithRetry_ExhaustsAttempts(t *testing.T) {
	a := down("a")
	agg := newAgg(fastConfig(), a, down("b"))

	_, err := agg.GetPriceSnapshot(context.Background(), btc)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInsufficientSources)
	assert.Equal(t, int32(3), a.calls.Load())
}

func TestSnapshotWithRetry_BackoffDoubles(t *testing.T) {
	cfg := fastConfig()
	cfg.BaseBackoff = 20 * time.Millisecond
	agg := newAgg(cfg, down("a"), down("b"))

	start := time.Now()
	_, err := agg.SnapshotWithRetry(context.Background(), btc)
	require.Error(t, err)
	// 20ms + 40ms between the three attempts
	assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)
}

func TestSnapshotWithRetry_StopsOnContextCancel(t *testing.T) {
	cfg := fastConfig()
	cfg.BaseBackoff = time.Hour
	a := down("a")
	agg := newAgg(cfg, a, down("b"))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := agg.SnapshotWithRetry(ctx, btc)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, int32(1), a.calls.Load())
}

func TestSnapshot_RecordsFailureReason(t *testing.T) {
	metrics := &recordingMetrics{}
	agg := oracle.New([]ports.PriceSource{down("a"), down("b")}, fastConfig(), metrics)

	_, err := agg.Snapshot(context.Background(), btc)
	require.Error(t, err)
	assert.Equal(t, []string{"insufficient_sources"}, metrics.failures)
}
