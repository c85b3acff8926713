package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alejandrodnm/overunder/internal/adapters/notify"
	"github.com/alejandrodnm/overunder/internal/application/oracle"
	"github.com/alejandrodnm/overunder/internal/application/pool"
	"github.com/alejandrodnm/overunder/internal/domain"
	"github.com/shopspring/decimal"
)

// runSnapshot toma un snapshot del oráculo (con reintentos) y lo imprime.
func runSnapshot(ctx context.Context, agg *oracle.Aggregator, console *notify.Console, assetID string) error {
	snap, err := agg.SnapshotWithRetry(ctx, domain.AssetKey{ID: assetID})
	if err != nil {
		return fmt.Errorf("snapshot %s: %w", assetID, err)
	}
	console.PrintSnapshot(snap)
	return nil
}

func runPools(ctx context.Context, mgr *pool.Manager, console *notify.Console, status string) error {
	cards, total, err := mgr.ListPools(ctx, pool.ListFilter{
		Status: domain.PoolStatus(strings.ToUpper(status)),
		Limit:  50,
	})
	if err != nil {
		return err
	}
	console.PrintPools(cards, total)
	return nil
}

func runCreate(ctx context.Context, mgr *pool.Manager, assetID, duration string, lineBps int, confidence float64) error {
	d, err := domain.ParseDuration(duration)
	if err != nil {
		return err
	}
	p, err := mgr.CreatePool(ctx, pool.CreatePoolRequest{
		AssetID:  assetID,
		Duration: d,
		AI: domain.AILine{
			LineBps:       lineBps,
			ConfidencePct: confidence,
			ModelVersion:  "cli",
		},
	})
	if err != nil {
		return err
	}
	slog.Info("pool created",
		"pool", p.ID,
		"asset", p.AssetID,
		"duration", p.Duration,
		"line_pct", p.AI.LinePct(),
		"lock_at", p.LockAt,
		"resolve_at", p.ResolveAt,
	)
	return nil
}

func runStake(ctx context.Context, mgr *pool.Manager, poolID, userID, side, amount string) error {
	if userID == "" {
		return fmt.Errorf("-user is required")
	}
	amt, err := decimal.NewFromString(amount)
	if err != nil {
		return fmt.Errorf("invalid -amount %q: %w", amount, err)
	}
	st, err := mgr.PlaceStake(ctx, poolID, userID, domain.Side(strings.ToUpper(side)), amt)
	if err != nil {
		return err
	}
	slog.Info("stake placed", "stake", st.ID, "pool", st.PoolID, "side", st.Side, "amount", st.Amount.String())
	return nil
}

func runCancel(ctx context.Context, mgr *pool.Manager, stakeID, userID string) error {
	if userID == "" {
		return fmt.Errorf("-user is required")
	}
	st, err := mgr.CancelStake(ctx, stakeID, userID)
	if err != nil {
		return err
	}
	slog.Info("stake cancelled", "stake", st.ID, "pool", st.PoolID, "amount", st.Amount.String())
	return nil
}

func runPositions(ctx context.Context, mgr *pool.Manager, console *notify.Console, userID string) error {
	pos, err := mgr.UserPositions(ctx, userID)
	if err != nil {
		return err
	}
	console.PrintPositions(pos)
	return nil
}

func runOverride(ctx context.Context, mgr *pool.Manager, poolID, status string) error {
	st := domain.PoolStatus(strings.ToUpper(status))
	if err := mgr.SetOverride(ctx, poolID, st); err != nil {
		return err
	}
	slog.Info("pool status overridden", "pool", poolID, "status", st)
	return nil
}
