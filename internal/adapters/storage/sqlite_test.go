package storage_test

import (
	"context"
	"testing"
	"time"

	"github.com/alejandrodnm/overunder/internal/adapters/storage"
	"github.com/alejandrodnm/overunder/internal/domain"
	"github.com/alejandrodnm/overunder/internal/ports"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newDB(t *testing.T) *storage.SQLiteStorage {
	t.Helper()
	db, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func makePool(id string, d domain.Duration, lockOffset time.Duration) domain.Pool {
	return domain.Pool{
		ID:          id,
		AssetID:     "bitcoin",
		AssetSymbol: "BTC",
		Currency:    "USD",
		Duration:    d,
		AI: domain.AILine{
			LineBps:       300,
			ConfidencePct: 72.5,
			ModelVersion:  "v3",
			Commit:        "abc123",
			GeneratedAt:   t0,
		},
		StartAt:   t0,
		LockAt:    t0.Add(lockOffset),
		ResolveAt: t0.Add(d.Length()),
		Status:    domain.StatusOpen,
		Pots:      domain.Pots{Over: decimal.Zero, Under: decimal.Zero},
		CreatedAt: t0,
	}
}

func makeStake(id, poolID, user string, side domain.Side, amount string, offset int) domain.Stake {
	return domain.Stake{
		ID:        id,
		PoolID:    poolID,
		UserID:    user,
		Side:      side,
		Amount:    dec(amount),
		CreatedAt: t0.Add(time.Duration(offset) * time.Second),
		Status:    domain.StakeActive,
	}
}

func TestSQLiteStorage_SaveAndGetPool(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()

	p := makePool("pool-1", domain.Duration10m, 4*time.Minute)
	require.NoError(t, db.SavePool(ctx, p))

	got, err := db.GetPool(ctx, "pool-1")
	require.NoError(t, err)

	assert.Equal(t, p.ID, got.ID)
	assert.Equal(t, domain.Duration10m, got.Duration)
	assert.Equal(t, 300, got.AI.LineBps)
	assert.InDelta(t, 72.5, got.AI.ConfidencePct, 1e-9)
	assert.Equal(t, "abc123", got.AI.Commit)
	assert.True(t, p.LockAt.Equal(got.LockAt))
	assert.True(t, p.ResolveAt.Equal(got.ResolveAt))
	assert.True(t, got.Pots.Total().IsZero())
	assert.Nil(t, got.Entry)
	assert.Nil(t, got.Result)
}

func TestSQLiteStorage_GetPool_NotFound(t *testing.T) {
	db := newDB(t)

	_, err := db.GetPool(context.Background(), "nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSQLiteStorage_ListPools_FilterAndOrder(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()

	// b dura 12h y bloquea más tarde que c, pero c empezó después
	a := makePool("a", domain.Duration10m, 4*time.Minute)
	b := makePool("b", domain.Duration12h, 10*time.Minute)
	c := makePool("c", domain.Duration10m, 4*time.Minute)
	c.StartAt = t0.Add(3 * time.Minute)
	c.LockAt = c.StartAt.Add(4 * time.Minute)
	c.ResolveAt = c.StartAt.Add(10 * time.Minute)
	c.CreatedAt = c.StartAt
	a.CreatedAt = t0.Add(-time.Second)
	for _, p := range []domain.Pool{a, b, c} {
		require.NoError(t, db.SavePool(ctx, p))
	}

	all, err := db.ListPools(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "c", all[0].ID) // start_at más reciente primero
	assert.Equal(t, "b", all[1].ID) // mismo start_at que a, creado después
	assert.Equal(t, "a", all[2].ID)

	short, err := db.ListPools(ctx, domain.Duration10m)
	require.NoError(t, err)
	require.Len(t, short, 2)
	assert.Equal(t, "c", short[0].ID)
	assert.Equal(t, "a", short[1].ID)
}

func TestSQLiteStorage_StakeAndPotsAtomic(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()
	require.NoError(t, db.SavePool(ctx, makePool("pool-1", domain.Duration10m, 4*time.Minute)))

	s1 := makeStake("s1", "pool-1", "alice", domain.SideOver, "10.5", 1)
	require.NoError(t, db.InsertStake(ctx, s1, domain.Pots{Over: dec("10.5"), Under: decimal.Zero}))
	s2 := makeStake("s2", "pool-1", "alice", domain.SideOver, "2", 2)
	require.NoError(t, db.InsertStake(ctx, s2, domain.Pots{Over: dec("12.5"), Under: decimal.Zero}))

	p, err := db.GetPool(ctx, "pool-1")
	require.NoError(t, err)
	assert.True(t, dec("12.5").Equal(p.Pots.Over))

	total, err := db.UserSideTotal(ctx, "pool-1", "alice", domain.SideOver)
	require.NoError(t, err)
	assert.True(t, dec("12.5").Equal(total))

	none, err := db.UserSideTotal(ctx, "pool-1", "alice", domain.SideUnder)
	require.NoError(t, err)
	assert.True(t, none.IsZero())

	stakes, err := db.ListStakes(ctx, "pool-1")
	require.NoError(t, err)
	require.Len(t, stakes, 2)
	assert.Equal(t, "s1", stakes[0].ID)
	assert.True(t, dec("10.5").Equal(stakes[0].Amount))
}

func TestSQLiteStorage_InsertStake_UnknownPoolRollsBack(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()

	s := makeStake("s1", "ghost", "alice", domain.SideOver, "1", 1)
	err := db.InsertStake(ctx, s, domain.Pots{Over: dec("1"), Under: decimal.Zero})
	require.ErrorIs(t, err, domain.ErrNotFound)

	_, err = db.GetStake(ctx, "s1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSQLiteStorage_CancelStake(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()
	require.NoError(t, db.SavePool(ctx, makePool("pool-1", domain.Duration10m, 4*time.Minute)))

	s := makeStake("s1", "pool-1", "bob", domain.SideUnder, "5", 1)
	require.NoError(t, db.InsertStake(ctx, s, domain.Pots{Over: decimal.Zero, Under: dec("5")}))

	at := t0.Add(time.Minute)
	s.Status = domain.StakeCancelled
	s.CancelledAt = &at
	require.NoError(t, db.CancelStake(ctx, s, domain.Pots{Over: decimal.Zero, Under: decimal.Zero}))

	got, err := db.GetStake(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, domain.StakeCancelled, got.Status)
	require.NotNil(t, got.CancelledAt)
	assert.True(t, at.Equal(*got.CancelledAt))

	p, err := db.GetPool(ctx, "pool-1")
	require.NoError(t, err)
	assert.True(t, p.Pots.Total().IsZero())

	// segunda cancelación: ya no está activo
	err = db.CancelStake(ctx, s, domain.Pots{})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	active, err := db.ListUserStakes(ctx, "bob", domain.StakeActive)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestSQLiteStorage_SnapshotRoundTrip(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()
	require.NoError(t, db.SavePool(ctx, makePool("pool-1", domain.Duration10m, 4*time.Minute)))

	snap := domain.PriceSnapshot{
		Asset:   "bitcoin",
		Price:   100,
		TakenAt: t0.Add(4 * time.Minute),
		Samples: []domain.PriceSample{
			domain.OKSample("coingecko", 100, t0),
			domain.FailedSample("kraken", t0, "timeout"),
		},
	}
	require.NoError(t, db.SaveSnapshot(ctx, "pool-1", ports.SnapshotEntry, snap))

	p, err := db.GetPool(ctx, "pool-1")
	require.NoError(t, err)
	require.NotNil(t, p.Entry)
	assert.Nil(t, p.Exit)
	assert.InDelta(t, 100.0, p.Entry.Price, 1e-12)
	require.Len(t, p.Entry.Samples, 2)
	assert.Equal(t, "coingecko", p.Entry.Samples[0].Source)
	assert.InDelta(t, 100.0, p.Entry.Samples[0].Value(), 1e-12)
	assert.False(t, p.Entry.Samples[1].OK)
	assert.Nil(t, p.Entry.Samples[1].Price)
	assert.Equal(t, "timeout", p.Entry.Samples[1].Err)

	// no se sobreescribe
	err = db.SaveSnapshot(ctx, "pool-1", ports.SnapshotEntry, snap)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestSQLiteStorage_SaveResolutionOnce(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()
	require.NoError(t, db.SavePool(ctx, makePool("pool-1", domain.Duration10m, 4*time.Minute)))
	s1 := makeStake("s1", "pool-1", "alice", domain.SideOver, "15", 1)
	s2 := makeStake("s2", "pool-1", "carol", domain.SideUnder, "40", 2)
	require.NoError(t, db.InsertStake(ctx, s1, domain.Pots{Over: dec("15"), Under: decimal.Zero}))
	require.NoError(t, db.InsertStake(ctx, s2, domain.Pots{Over: dec("15"), Under: dec("40")}))

	result := domain.PoolResult{
		RetPct:     5,
		LinePct:    3,
		Winner:     domain.WinnerOver,
		FeePct:     dec("0.02"),
		ResolvedAt: t0.Add(10 * time.Minute),
	}
	batch := []domain.Settlement{
		{ID: "set_s1", PoolID: "pool-1", UserID: "alice", StakeID: "s1", Side: domain.SideOver,
			Stake: dec("15"), Payout: dec("54.2"), FeeApplied: dec("0.8")},
		{ID: "set_s2", PoolID: "pool-1", UserID: "carol", StakeID: "s2", Side: domain.SideUnder,
			Stake: dec("40"), Payout: decimal.Zero, FeeApplied: decimal.Zero},
	}
	require.NoError(t, db.SaveResolution(ctx, "pool-1", result, batch))

	p, err := db.GetPool(ctx, "pool-1")
	require.NoError(t, err)
	require.NotNil(t, p.Result)
	assert.Equal(t, domain.WinnerOver, p.Result.Winner)
	assert.True(t, dec("0.02").Equal(p.Result.FeePct))
	assert.True(t, result.ResolvedAt.Equal(p.Result.ResolvedAt))
	assert.Equal(t, domain.StatusResolved, p.Status)

	got, err := db.ListSettlements(ctx, "pool-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, dec("54.2").Equal(got[0].Payout))

	mine, err := db.ListUserSettlements(ctx, "carol")
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, "s2", mine[0].StakeID)

	err = db.SaveResolution(ctx, "pool-1", result, batch)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	pending, err := db.ListPendingPools(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestSQLiteStorage_ListPendingPools_SkipsOverrides(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()
	require.NoError(t, db.SavePool(ctx, makePool("a", domain.Duration10m, 4*time.Minute)))
	require.NoError(t, db.SavePool(ctx, makePool("b", domain.Duration10m, 4*time.Minute)))
	require.NoError(t, db.SetPoolStatus(ctx, "b", domain.StatusAdminReview))

	pending, err := db.ListPendingPools(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "a", pending[0].ID)

	assert.ErrorIs(t, db.SetPoolStatus(ctx, "ghost", domain.StatusRefund), domain.ErrNotFound)
}
