package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Winner is the outcome of a resolved pool.
type Winner string

const (
	WinnerOver  Winner = "OVER"
	WinnerUnder Winner = "UNDER"
	WinnerTie   Winner = "TIE"
)

// Side returns the winning side; ok is false for a tie.
func (w Winner) Side() (Side, bool) {
	switch w {
	case WinnerOver:
		return SideOver, true
	case WinnerUnder:
		return SideUnder, true
	}
	return "", false
}

// PoolResult is the immutable resolution outcome of a pool.
type PoolResult struct {
	RetPct     float64
	LinePct    float64
	Winner     Winner
	FeePct     decimal.Decimal // fraction, 0.02 = 2%
	ResolvedAt time.Time
}

// Settlement is the payout record for one stake.
type Settlement struct {
	ID         string
	PoolID     string
	UserID     string
	StakeID    string
	Side       Side
	Stake      decimal.Decimal
	Payout     decimal.Decimal
	FeeApplied decimal.Decimal
}

// SettlementSummary totals a settlement batch.
type SettlementSummary struct {
	Records          int
	TotalStaked      decimal.Decimal
	TotalPaid        decimal.Decimal
	PlatformRetained decimal.Decimal // fee plus truncation dust
}
