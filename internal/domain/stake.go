package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// StakeStatus represents the lifecycle of a stake.
type StakeStatus string

const (
	StakeActive    StakeStatus = "ACTIVE"
	StakeCancelled StakeStatus = "CANCELLED"
)

// Stake is a user's bet on one side of a pool.
type Stake struct {
	ID          string
	PoolID      string
	UserID      string
	Side        Side
	Amount      decimal.Decimal
	CreatedAt   time.Time
	Status      StakeStatus
	CancelledAt *time.Time
}

// Positions is a user's view across pools.
type Positions struct {
	UserID       string
	ActiveStakes []Stake
	Settlements  []Settlement
	Summary      PositionSummary
}

// PositionSummary aggregates a user's activity.
type PositionSummary struct {
	TotalStaked       decimal.Decimal // sum of ACTIVE stakes not yet settled
	TotalPayouts      decimal.Decimal
	TotalFees         decimal.Decimal
	NetProfit         decimal.Decimal // payouts minus settled stakes
	ActivePositions   int
	ResolvedPositions int
}
