package ports

import (
	"context"

	"github.com/alejandrodnm/overunder/internal/domain"
	"github.com/shopspring/decimal"
)

// SnapshotKind says which end of the pool window a snapshot belongs to.
type SnapshotKind string

const (
	SnapshotEntry SnapshotKind = "entry"
	SnapshotExit  SnapshotKind = "exit"
)

// PoolStorage persists pools, stakes and settlement batches.
// Lookups that find nothing return domain.ErrNotFound.
type PoolStorage interface {
	SavePool(ctx context.Context, pool domain.Pool) error
	GetPool(ctx context.Context, poolID string) (domain.Pool, error)
	// ListPools returns pools newest first; an empty duration means all.
	ListPools(ctx context.Context, duration domain.Duration) ([]domain.Pool, error)
	// ListPendingPools returns pools without a result and without an override.
	ListPendingPools(ctx context.Context) ([]domain.Pool, error)
	SaveSnapshot(ctx context.Context, poolID string, kind SnapshotKind, snap domain.PriceSnapshot) error
	SetPoolStatus(ctx context.Context, poolID string, status domain.PoolStatus) error

	// InsertStake writes the stake and the pool's new pots atomically.
	InsertStake(ctx context.Context, stake domain.Stake, pots domain.Pots) error
	// CancelStake marks the stake cancelled and writes the pool's new pots atomically.
	CancelStake(ctx context.Context, stake domain.Stake, pots domain.Pots) error
	GetStake(ctx context.Context, stakeID string) (domain.Stake, error)
	ListStakes(ctx context.Context, poolID string) ([]domain.Stake, error)
	UserSideTotal(ctx context.Context, poolID, userID string, side domain.Side) (decimal.Decimal, error)
	ListUserStakes(ctx context.Context, userID string, status domain.StakeStatus) ([]domain.Stake, error)

	// SaveResolution writes the result, the settlement batch and the RESOLVED
	// status in one transaction. A second call for the same pool fails.
	SaveResolution(ctx context.Context, poolID string, result domain.PoolResult, settlements []domain.Settlement) error
	ListSettlements(ctx context.Context, poolID string) ([]domain.Settlement, error)
	ListUserSettlements(ctx context.Context, userID string) ([]domain.Settlement, error)

	Close() error
}
