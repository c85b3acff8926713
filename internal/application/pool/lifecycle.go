package pool

import (
	"fmt"
	"time"

	"github.com/alejandrodnm/overunder/internal/domain"
	"github.com/shopspring/decimal"
)

const (
	defaultEnrollRatio  = 0.4
	defaultEnrollMax    = 10 * time.Minute
	defaultMaxStakePct  = "0.2"
	defaultMinStake     = "1"
	defaultCurrency     = "USD"
	defaultSweepWorkers = 4
)

// Rules holds the timing and admission parameters of a pool.
type Rules struct {
	EnrollRatio float64       // share of the duration open for staking
	EnrollMax   time.Duration // cap on the enrollment window
	MinStake    decimal.Decimal
	MaxStakePct decimal.Decimal // per-user, per-side share of the current pot
}

// DefaultRules returns 40% enrollment capped at 10 minutes, min stake 1, max 20% of the pot.
func DefaultRules() Rules {
	return Rules{
		EnrollRatio: defaultEnrollRatio,
		EnrollMax:   defaultEnrollMax,
		MinStake:    decimal.RequireFromString(defaultMinStake),
		MaxStakePct: decimal.RequireFromString(defaultMaxStakePct),
	}
}

func (r Rules) withDefaults() Rules {
	def := DefaultRules()
	if r.EnrollRatio <= 0 || r.EnrollRatio > 1 {
		r.EnrollRatio = def.EnrollRatio
	}
	if r.EnrollMax <= 0 {
		r.EnrollMax = def.EnrollMax
	}
	if !r.MinStake.IsPositive() {
		r.MinStake = def.MinStake
	}
	if !r.MaxStakePct.IsPositive() {
		r.MaxStakePct = def.MaxStakePct
	}
	return r
}

// Timing derives lock and resolve times for a pool starting at start.
func Timing(d domain.Duration, start time.Time, rules Rules) (lockAt, resolveAt time.Time, err error) {
	length := d.Length()
	if length <= 0 {
		return time.Time{}, time.Time{}, fmt.Errorf("pool.Timing: unknown duration %q", d)
	}
	rules = rules.withDefaults()

	enroll := time.Duration(float64(length) * rules.EnrollRatio)
	if enroll > rules.EnrollMax {
		enroll = rules.EnrollMax
	}
	return start.Add(enroll), start.Add(length), nil
}

// EffectiveStatus derives the status of a pool at now. A terminal override
// always wins; otherwise the status follows the timestamps, so a pool is
// LOCKED the instant it is observed past lock_at.
func EffectiveStatus(p domain.Pool, now time.Time) domain.PoolStatus {
	if p.Status.IsOverride() {
		return p.Status
	}
	switch {
	case now.Before(p.LockAt):
		return domain.StatusOpen
	case now.Before(p.ResolveAt):
		return domain.StatusLocked
	default:
		return domain.StatusResolved
	}
}

// ValidateStake checks whether a user may add amount on one side of p.
// existing is what the user already has ACTIVE on that same side.
//
// The concentration cap compares existing+amount against MaxStakePct of the
// pot before this stake. It only applies once the pool holds money: the
// first stake into an empty pool is checked against the minimum alone and
// may own the whole pot until others join. The cap starts with the second
// stake.
func ValidateStake(p domain.Pool, amount, existing decimal.Decimal, now time.Time, rules Rules) error {
	rules = rules.withDefaults()

	if st := EffectiveStatus(p, now); st != domain.StatusOpen {
		return domain.Reject(domain.ReasonPoolNotOpen, "pool %s is %s", p.ID, st)
	}
	if !amount.IsPositive() {
		return domain.Reject(domain.ReasonInvalidAmount, "amount %s must be positive", amount)
	}
	if amount.LessThan(rules.MinStake) {
		return domain.Reject(domain.ReasonBelowMinimum, "minimum stake is %s", rules.MinStake)
	}

	potTotal := p.Pots.Total()
	if potTotal.IsZero() {
		return nil
	}
	maxAllowed := potTotal.Mul(rules.MaxStakePct)
	if existing.Add(amount).GreaterThan(maxAllowed) {
		return domain.Reject(domain.ReasonAboveMaximum, "maximum stake is %s%% of pot (%s)",
			rules.MaxStakePct.Mul(decimal.NewFromInt(100)), maxAllowed.StringFixed(2))
	}
	return nil
}
