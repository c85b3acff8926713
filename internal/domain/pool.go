package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction a stake bets on relative to the AI line.
type Side string

const (
	SideOver  Side = "OVER"
	SideUnder Side = "UNDER"
)

// Valid reports whether s is OVER or UNDER.
func (s Side) Valid() bool {
	return s == SideOver || s == SideUnder
}

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideOver {
		return SideUnder
	}
	return SideOver
}

// PoolStatus is the lifecycle state of a pool.
type PoolStatus string

const (
	StatusOpen        PoolStatus = "OPEN"
	StatusLocked      PoolStatus = "LOCKED"
	StatusResolved    PoolStatus = "RESOLVED"
	StatusSettled     PoolStatus = "SETTLED"
	StatusAdminReview PoolStatus = "ADMIN_REVIEW"
	StatusRefund      PoolStatus = "REFUND"
)

// IsOverride reports whether the status is a terminal override that always
// wins over the time-derived status.
func (s PoolStatus) IsOverride() bool {
	switch s {
	case StatusSettled, StatusAdminReview, StatusRefund:
		return true
	}
	return false
}

// Duration is the fixed set of pool lengths.
type Duration string

const (
	Duration10m Duration = "10m"
	Duration30m Duration = "30m"
	Duration1h  Duration = "1h"
	Duration6h  Duration = "6h"
	Duration12h Duration = "12h"
)

var durationLengths = map[Duration]time.Duration{
	Duration10m: 10 * time.Minute,
	Duration30m: 30 * time.Minute,
	Duration1h:  time.Hour,
	Duration6h:  6 * time.Hour,
	Duration12h: 12 * time.Hour,
}

// ParseDuration validates a duration class.
func ParseDuration(s string) (Duration, error) {
	d := Duration(s)
	if _, ok := durationLengths[d]; !ok {
		return "", fmt.Errorf("unknown pool duration %q (want 10m|30m|1h|6h|12h)", s)
	}
	return d, nil
}

// Length returns the wall-clock length of the duration class, or 0 if unknown.
func (d Duration) Length() time.Duration {
	return durationLengths[d]
}

// AILine is the externally generated line a pool is staked against.
type AILine struct {
	LineBps       int // 300 = +3.00%
	ConfidencePct float64
	ModelVersion  string
	Commit        string
	GeneratedAt   time.Time
}

// LinePct returns the line as a percentage.
func (l AILine) LinePct() float64 {
	return float64(l.LineBps) / 100
}

// Pots holds the aggregate staked amount per side.
type Pots struct {
	Over  decimal.Decimal
	Under decimal.Decimal
}

// Total returns over + under.
func (p Pots) Total() decimal.Decimal {
	return p.Over.Add(p.Under)
}

// Get returns the pot for a side.
func (p Pots) Get(side Side) decimal.Decimal {
	if side == SideOver {
		return p.Over
	}
	return p.Under
}

// Add returns a copy with amount added to the given side (negative to reverse).
func (p Pots) Add(side Side, amount decimal.Decimal) Pots {
	if side == SideOver {
		p.Over = p.Over.Add(amount)
	} else {
		p.Under = p.Under.Add(amount)
	}
	return p
}

// Pool is one over/under market instance.
type Pool struct {
	ID          string
	AssetID     string
	AssetSymbol string
	Currency    string
	Duration    Duration
	AI          AILine
	StartAt     time.Time
	LockAt      time.Time
	ResolveAt   time.Time
	Status      PoolStatus // stored status; only overrides and RESOLVED are meaningful
	Pots        Pots
	Entry       *PriceSnapshot
	Exit        *PriceSnapshot
	Result      *PoolResult
	CreatedAt   time.Time
}

// Asset returns the key used to query price sources for this pool.
func (p Pool) Asset() AssetKey {
	return AssetKey{ID: p.AssetID, Symbol: p.AssetSymbol}
}

// PoolCard is the compact list view of a pool.
type PoolCard struct {
	ID            string
	AssetSymbol   string
	Duration      Duration
	Status        PoolStatus
	LockAt        time.Time
	ResolveAt     time.Time
	LinePct       float64
	ConfidencePct float64
	OverPct       float64
	UnderPct      float64
}

// Card builds the list view using the given effective status.
func (p Pool) Card(status PoolStatus) PoolCard {
	card := PoolCard{
		ID:            p.ID,
		AssetSymbol:   p.AssetSymbol,
		Duration:      p.Duration,
		Status:        status,
		LockAt:        p.LockAt,
		ResolveAt:     p.ResolveAt,
		LinePct:       p.AI.LinePct(),
		ConfidencePct: p.AI.ConfidencePct,
	}
	total := p.Pots.Total()
	if total.IsPositive() {
		hundred := decimal.NewFromInt(100)
		card.OverPct = p.Pots.Over.Div(total).Mul(hundred).InexactFloat64()
		card.UnderPct = p.Pots.Under.Div(total).Mul(hundred).InexactFloat64()
	}
	return card
}
