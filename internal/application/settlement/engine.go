package settlement

// engine.go: pool resolution and proportional payouts.
//
// Pure and synchronous: no I/O, no clock reads. The same (pool, stakes,
// result) always yields the same batch, so re-running it is harmless.

import (
	"fmt"
	"math"
	"sort"

	"github.com/alejandrodnm/overunder/internal/domain"
	"github.com/shopspring/decimal"
)

const (
	defaultEpsilon = 1e-6
	// payouts are truncated to this many decimal places; the dust stays
	// with the platform so the batch never pays out more than it holds.
	payoutPlaces = 8
)

var defaultFeePct = decimal.RequireFromString("0.02")

// Engine resolves pools and computes settlement batches.
type Engine struct {
	feePct  decimal.Decimal
	epsilon float64
}

// New creates an Engine. feePct is a fraction (0.02 = 2%); a negative value
// falls back to 2%, and epsilon <= 0 falls back to 1e-6.
func New(feePct decimal.Decimal, epsilon float64) *Engine {
	if feePct.IsNegative() || feePct.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		feePct = defaultFeePct
	}
	if epsilon <= 0 {
		epsilon = defaultEpsilon
	}
	return &Engine{feePct: feePct, epsilon: epsilon}
}

// Default returns an Engine with a 2% fee and 1e-6 tie tolerance.
func Default() *Engine {
	return New(defaultFeePct, defaultEpsilon)
}

// FeePct returns the platform fee applied to non-tie results.
func (e *Engine) FeePct() decimal.Decimal { return e.feePct }

// Resolve compares the realized return against the line. Returns within
// epsilon of the line are a TIE with no fee.
func (e *Engine) Resolve(entryPrice, exitPrice float64, lineBps int) (domain.PoolResult, error) {
	if entryPrice <= 0 || !finite(entryPrice) || exitPrice < 0 || !finite(exitPrice) {
		return domain.PoolResult{}, fmt.Errorf("settlement.Resolve: entry %v exit %v: %w",
			entryPrice, exitPrice, domain.ErrInvalidPrice)
	}

	retPct := (exitPrice - entryPrice) / entryPrice * 100
	linePct := float64(lineBps) / 100

	if math.Abs(retPct-linePct) <= e.epsilon {
		return domain.PoolResult{
			RetPct:  retPct,
			LinePct: linePct,
			Winner:  domain.WinnerTie,
			FeePct:  decimal.Zero,
		}, nil
	}

	winner := domain.WinnerUnder
	if retPct > linePct {
		winner = domain.WinnerOver
	}
	return domain.PoolResult{
		RetPct:  retPct,
		LinePct: linePct,
		Winner:  winner,
		FeePct:  e.feePct,
	}, nil
}

// Settle computes one settlement per ACTIVE stake. Cancelled stakes are
// ignored. Records are ordered by stake creation time, then stake id.
func (e *Engine) Settle(poolID string, stakes []domain.Stake, result domain.PoolResult) []domain.Settlement {
	active := activeSorted(stakes)
	out := make([]domain.Settlement, 0, len(active))

	winSide, decided := result.Winner.Side()
	if !decided {
		for _, s := range active {
			out = append(out, record(poolID, s, s.Amount, decimal.Zero))
		}
		return out
	}

	winnerPot, loserPot := decimal.Zero, decimal.Zero
	for _, s := range active {
		if s.Side == winSide {
			winnerPot = winnerPot.Add(s.Amount)
		} else {
			loserPot = loserPot.Add(s.Amount)
		}
	}

	one := decimal.NewFromInt(1)
	feeApplied := loserPot.Mul(result.FeePct)
	loserAfterFee := loserPot.Mul(one.Sub(result.FeePct))

	for _, s := range active {
		if s.Side != winSide || winnerPot.IsZero() {
			out = append(out, record(poolID, s, decimal.Zero, decimal.Zero))
			continue
		}
		// amount × loserAfterFee / winnerPot, multiplied first to keep precision
		share := s.Amount.Mul(loserAfterFee).Div(winnerPot)
		payout := s.Amount.Add(share).Truncate(payoutPlaces)
		out = append(out, record(poolID, s, payout, feeApplied))
	}
	return out
}

// Summarize totals a batch. PlatformRetained is whatever was staked and not
// paid back: the fee plus truncation dust (or the whole pot when nobody
// backed the winning side).
func Summarize(settlements []domain.Settlement) domain.SettlementSummary {
	sum := domain.SettlementSummary{
		Records:     len(settlements),
		TotalStaked: decimal.Zero,
		TotalPaid:   decimal.Zero,
	}
	for _, s := range settlements {
		sum.TotalStaked = sum.TotalStaked.Add(s.Stake)
		sum.TotalPaid = sum.TotalPaid.Add(s.Payout)
	}
	sum.PlatformRetained = sum.TotalStaked.Sub(sum.TotalPaid)
	return sum
}

func record(poolID string, s domain.Stake, payout, fee decimal.Decimal) domain.Settlement {
	return domain.Settlement{
		ID:         "set_" + s.ID,
		PoolID:     poolID,
		UserID:     s.UserID,
		StakeID:    s.ID,
		Side:       s.Side,
		Stake:      s.Amount,
		Payout:     payout,
		FeeApplied: fee,
	}
}

func activeSorted(stakes []domain.Stake) []domain.Stake {
	active := make([]domain.Stake, 0, len(stakes))
	for _, s := range stakes {
		if s.Status == domain.StakeActive {
			active = append(active, s)
		}
	}
	sort.SliceStable(active, func(i, j int) bool {
		if !active[i].CreatedAt.Equal(active[j].CreatedAt) {
			return active[i].CreatedAt.Before(active[j].CreatedAt)
		}
		return active[i].ID < active[j].ID
	})
	return active
}

func finite(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0)
}
