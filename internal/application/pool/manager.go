package pool

// manager.go: owns every pool mutation.
//
// All writes for a pool (admission, cancellation, snapshot capture,
// resolution, overrides) run under that pool's key lock, and admission reads
// the status and pots inside the same critical section that writes them. A
// stake can therefore never slip in after the lock transition was observed.

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/alejandrodnm/overunder/internal/application/settlement"
	"github.com/alejandrodnm/overunder/internal/domain"
	"github.com/alejandrodnm/overunder/internal/ports"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Config holds configuration for the pool manager.
type Config struct {
	Rules    Rules
	Currency string
}

// CreatePoolRequest describes a new pool. StartAt defaults to now.
type CreatePoolRequest struct {
	AssetID     string
	AssetSymbol string
	Duration    domain.Duration
	AI          domain.AILine
	StartAt     time.Time
}

// ListFilter narrows ListPools. Zero values mean no filter.
type ListFilter struct {
	Status   domain.PoolStatus
	Duration domain.Duration
	Limit    int
	Offset   int
}

// Manager is the pool lifecycle manager.
type Manager struct {
	store   ports.PoolStorage
	oracle  ports.PriceOracle
	engine  *settlement.Engine
	metrics ports.OracleMetrics
	cfg     Config
	locks   *keyLock
	now     func() time.Time
}

// NewManager wires a manager. A nil engine uses the default 2% fee.
func NewManager(
	store ports.PoolStorage,
	oracle ports.PriceOracle,
	engine *settlement.Engine,
	metrics ports.OracleMetrics,
	cfg Config,
) *Manager {
	if engine == nil {
		engine = settlement.Default()
	}
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	cfg.Rules = cfg.Rules.withDefaults()
	if cfg.Currency == "" {
		cfg.Currency = defaultCurrency
	}
	return &Manager{
		store:   store,
		oracle:  oracle,
		engine:  engine,
		metrics: metrics,
		cfg:     cfg,
		locks:   newKeyLock(),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source (used by tests and replays).
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// Now returns the manager's current time.
func (m *Manager) Now() time.Time { return m.now() }

// CreatePool derives the pool timing and persists a new OPEN pool.
func (m *Manager) CreatePool(ctx context.Context, req CreatePoolRequest) (domain.Pool, error) {
	assetID := strings.TrimSpace(req.AssetID)
	if assetID == "" {
		return domain.Pool{}, errors.New("pool.CreatePool: asset id is required")
	}
	if req.AI.ConfidencePct < 0 || req.AI.ConfidencePct > 100 {
		return domain.Pool{}, fmt.Errorf("pool.CreatePool: confidence %.2f out of range 0-100", req.AI.ConfidencePct)
	}

	now := m.now()
	start := req.StartAt
	if start.IsZero() {
		start = now
	}
	lockAt, resolveAt, err := Timing(req.Duration, start, m.cfg.Rules)
	if err != nil {
		return domain.Pool{}, fmt.Errorf("pool.CreatePool: %w", err)
	}

	ai := req.AI
	if ai.GeneratedAt.IsZero() {
		ai.GeneratedAt = now
	}
	symbol := req.AssetSymbol
	if symbol == "" {
		symbol = domain.AssetKey{ID: assetID}.Ticker()
	}

	p := domain.Pool{
		ID:          "pool_" + uuid.NewString(),
		AssetID:     assetID,
		AssetSymbol: strings.ToUpper(symbol),
		Currency:    m.cfg.Currency,
		Duration:    req.Duration,
		AI:          ai,
		StartAt:     start.UTC(),
		LockAt:      lockAt.UTC(),
		ResolveAt:   resolveAt.UTC(),
		Status:      domain.StatusOpen,
		Pots:        domain.Pots{Over: decimal.Zero, Under: decimal.Zero},
		CreatedAt:   now,
	}
	if err := m.store.SavePool(ctx, p); err != nil {
		return domain.Pool{}, fmt.Errorf("pool.CreatePool: %w", err)
	}

	slog.Info("pool created",
		"pool", p.ID,
		"asset", p.AssetID,
		"duration", p.Duration,
		"line_bps", p.AI.LineBps,
		"lock_at", p.LockAt,
		"resolve_at", p.ResolveAt,
	)
	return p, nil
}

// GetPool returns a pool by id.
func (m *Manager) GetPool(ctx context.Context, poolID string) (domain.Pool, error) {
	p, err := m.store.GetPool(ctx, poolID)
	if err != nil {
		return domain.Pool{}, fmt.Errorf("pool.GetPool: %w", err)
	}
	return p, nil
}

// GetEffectiveStatus is EffectiveStatus exposed on the manager.
func (m *Manager) GetEffectiveStatus(p domain.Pool, now time.Time) domain.PoolStatus {
	return EffectiveStatus(p, now)
}

// PlaceStake admits a stake. Admission failures are *domain.RejectionError.
func (m *Manager) PlaceStake(ctx context.Context, poolID, userID string, side domain.Side, amount decimal.Decimal) (domain.Stake, error) {
	if !side.Valid() {
		return domain.Stake{}, domain.Reject(domain.ReasonInvalidSide, "side %q", side)
	}
	if strings.TrimSpace(userID) == "" {
		return domain.Stake{}, errors.New("pool.PlaceStake: user id is required")
	}

	unlock := m.locks.Lock(poolID)
	defer unlock()

	p, err := m.store.GetPool(ctx, poolID)
	if err != nil {
		return domain.Stake{}, fmt.Errorf("pool.PlaceStake: %w", err)
	}
	existing, err := m.store.UserSideTotal(ctx, poolID, userID, side)
	if err != nil {
		return domain.Stake{}, fmt.Errorf("pool.PlaceStake: %w", err)
	}

	now := m.now()
	if err := ValidateStake(p, amount, existing, now, m.cfg.Rules); err != nil {
		slog.Debug("stake rejected", "pool", poolID, "user", userID, "side", side, "amount", amount, "err", err)
		return domain.Stake{}, err
	}

	stake := domain.Stake{
		ID:        "stk_" + uuid.NewString(),
		PoolID:    poolID,
		UserID:    userID,
		Side:      side,
		Amount:    amount,
		CreatedAt: now,
		Status:    domain.StakeActive,
	}
	if err := m.store.InsertStake(ctx, stake, p.Pots.Add(side, amount)); err != nil {
		return domain.Stake{}, fmt.Errorf("pool.PlaceStake: %w", err)
	}

	slog.Info("stake placed", "pool", poolID, "stake", stake.ID, "user", userID, "side", side, "amount", amount)
	return stake, nil
}

// CancelStake cancels an ACTIVE stake owned by userID while its pool is OPEN.
func (m *Manager) CancelStake(ctx context.Context, stakeID, userID string) (domain.Stake, error) {
	s, err := m.store.GetStake(ctx, stakeID)
	if err != nil {
		return domain.Stake{}, fmt.Errorf("pool.CancelStake: %w", err)
	}

	unlock := m.locks.Lock(s.PoolID)
	defer unlock()

	// re-read under the lock; a concurrent cancel may have won
	s, err = m.store.GetStake(ctx, stakeID)
	if err != nil {
		return domain.Stake{}, fmt.Errorf("pool.CancelStake: %w", err)
	}
	if s.UserID != userID {
		return domain.Stake{}, domain.Reject(domain.ReasonNotOwner, "stake %s", stakeID)
	}
	if s.Status != domain.StakeActive {
		return domain.Stake{}, domain.Reject(domain.ReasonNotActive, "stake %s is %s", stakeID, s.Status)
	}

	p, err := m.store.GetPool(ctx, s.PoolID)
	if err != nil {
		return domain.Stake{}, fmt.Errorf("pool.CancelStake: %w", err)
	}
	now := m.now()
	if st := EffectiveStatus(p, now); st != domain.StatusOpen {
		return domain.Stake{}, domain.Reject(domain.ReasonPoolNotOpen, "pool %s is %s", p.ID, st)
	}

	s.Status = domain.StakeCancelled
	s.CancelledAt = &now
	if err := m.store.CancelStake(ctx, s, p.Pots.Add(s.Side, s.Amount.Neg())); err != nil {
		return domain.Stake{}, fmt.Errorf("pool.CancelStake: %w", err)
	}

	slog.Info("stake cancelled", "pool", s.PoolID, "stake", s.ID, "user", userID, "amount", s.Amount)
	return s, nil
}

// CaptureEntry records the entry snapshot while the pool is LOCKED.
// Calling it when the snapshot already exists returns the stored one. Once
// resolve_at has passed an entry price can no longer be taken: it would
// measure the exit window, not the lock.
func (m *Manager) CaptureEntry(ctx context.Context, poolID string) (domain.PriceSnapshot, error) {
	return m.capture(ctx, poolID, ports.SnapshotEntry)
}

// CaptureExit records the exit snapshot once resolve_at has passed.
func (m *Manager) CaptureExit(ctx context.Context, poolID string) (domain.PriceSnapshot, error) {
	return m.capture(ctx, poolID, ports.SnapshotExit)
}

func (m *Manager) capture(ctx context.Context, poolID string, kind ports.SnapshotKind) (domain.PriceSnapshot, error) {
	unlock := m.locks.Lock(poolID)
	defer unlock()

	p, err := m.store.GetPool(ctx, poolID)
	if err != nil {
		return domain.PriceSnapshot{}, fmt.Errorf("pool.capture: %w", err)
	}

	st := EffectiveStatus(p, m.now())
	existing, due := p.Entry, st == domain.StatusLocked
	if kind == ports.SnapshotExit {
		existing, due = p.Exit, st == domain.StatusResolved
	}
	if existing != nil {
		return *existing, nil
	}
	if !due || st.IsOverride() {
		return domain.PriceSnapshot{}, fmt.Errorf("pool.capture: %s snapshot for %s while %s: %w",
			kind, poolID, st, domain.ErrInvalidTransition)
	}

	snap, err := m.oracle.GetPriceSnapshot(ctx, p.Asset())
	if err != nil {
		return domain.PriceSnapshot{}, fmt.Errorf("pool.capture: %s snapshot for %s: %w", kind, poolID, err)
	}
	if err := m.store.SaveSnapshot(ctx, poolID, kind, snap); err != nil {
		return domain.PriceSnapshot{}, fmt.Errorf("pool.capture: %w", err)
	}

	slog.Info("price snapshot stored",
		"pool", poolID,
		"kind", kind,
		"price", snap.Price,
		"sources", len(snap.UsedSources()),
	)
	return snap, nil
}

// ResolvePool computes the result and the settlement batch. It is only
// valid once the pool is effectively RESOLVED with both snapshots present,
// and only once.
func (m *Manager) ResolvePool(ctx context.Context, poolID string) (domain.PoolResult, []domain.Settlement, error) {
	unlock := m.locks.Lock(poolID)
	defer unlock()

	p, err := m.store.GetPool(ctx, poolID)
	if err != nil {
		return domain.PoolResult{}, nil, fmt.Errorf("pool.ResolvePool: %w", err)
	}

	now := m.now()
	switch {
	case p.Result != nil:
		return domain.PoolResult{}, nil, fmt.Errorf("pool.ResolvePool: %s already resolved: %w", poolID, domain.ErrInvalidTransition)
	case p.Status.IsOverride():
		return domain.PoolResult{}, nil, fmt.Errorf("pool.ResolvePool: %s is %s: %w", poolID, p.Status, domain.ErrInvalidTransition)
	case EffectiveStatus(p, now) != domain.StatusResolved:
		return domain.PoolResult{}, nil, fmt.Errorf("pool.ResolvePool: %s not due until %s: %w",
			poolID, p.ResolveAt.Format(time.RFC3339), domain.ErrInvalidTransition)
	case p.Entry == nil || p.Exit == nil:
		return domain.PoolResult{}, nil, fmt.Errorf("pool.ResolvePool: %s missing price snapshot: %w", poolID, domain.ErrInvalidTransition)
	}

	result, err := m.engine.Resolve(p.Entry.Price, p.Exit.Price, p.AI.LineBps)
	if err != nil {
		return domain.PoolResult{}, nil, fmt.Errorf("pool.ResolvePool: %w", err)
	}
	result.ResolvedAt = now

	stakes, err := m.store.ListStakes(ctx, poolID)
	if err != nil {
		return domain.PoolResult{}, nil, fmt.Errorf("pool.ResolvePool: %w", err)
	}
	batch := m.engine.Settle(poolID, stakes, result)

	if err := m.store.SaveResolution(ctx, poolID, result, batch); err != nil {
		return domain.PoolResult{}, nil, fmt.Errorf("pool.ResolvePool: %w", err)
	}

	sum := settlement.Summarize(batch)
	m.metrics.ObserveSettlement(string(result.Winner), sum.Records, sum.PlatformRetained.InexactFloat64())
	slog.Info("pool resolved",
		"pool", poolID,
		"winner", result.Winner,
		"ret_pct", result.RetPct,
		"line_pct", result.LinePct,
		"settlements", sum.Records,
		"paid", sum.TotalPaid,
		"retained", sum.PlatformRetained,
	)
	return result, batch, nil
}

// SetOverride moves a resolved pool into a terminal override state.
func (m *Manager) SetOverride(ctx context.Context, poolID string, status domain.PoolStatus) error {
	if !status.IsOverride() {
		return fmt.Errorf("pool.SetOverride: %s is not an override status: %w", status, domain.ErrInvalidTransition)
	}

	unlock := m.locks.Lock(poolID)
	defer unlock()

	p, err := m.store.GetPool(ctx, poolID)
	if err != nil {
		return fmt.Errorf("pool.SetOverride: %w", err)
	}
	if p.Status.IsOverride() {
		return fmt.Errorf("pool.SetOverride: %s already %s: %w", poolID, p.Status, domain.ErrInvalidTransition)
	}
	if EffectiveStatus(p, m.now()) != domain.StatusResolved {
		return fmt.Errorf("pool.SetOverride: %s not resolved yet: %w", poolID, domain.ErrInvalidTransition)
	}
	if err := m.store.SetPoolStatus(ctx, poolID, status); err != nil {
		return fmt.Errorf("pool.SetOverride: %w", err)
	}

	slog.Info("pool status override", "pool", poolID, "status", status)
	return nil
}

// ListPools returns pool cards filtered by effective status and duration,
// newest start first, plus the total before pagination.
func (m *Manager) ListPools(ctx context.Context, f ListFilter) ([]domain.PoolCard, int, error) {
	pools, err := m.store.ListPools(ctx, f.Duration)
	if err != nil {
		return nil, 0, fmt.Errorf("pool.ListPools: %w", err)
	}

	sort.SliceStable(pools, func(i, j int) bool {
		a, b := pools[i], pools[j]
		if !a.StartAt.Equal(b.StartAt) {
			return a.StartAt.After(b.StartAt)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID < b.ID
	})

	now := m.now()
	cards := make([]domain.PoolCard, 0, len(pools))
	for _, p := range pools {
		st := EffectiveStatus(p, now)
		if f.Status != "" && st != f.Status {
			continue
		}
		cards = append(cards, p.Card(st))
	}
	total := len(cards)
	if f.Offset > 0 {
		if f.Offset >= len(cards) {
			return []domain.PoolCard{}, total, nil
		}
		cards = cards[f.Offset:]
	}
	if f.Limit > 0 && f.Limit < len(cards) {
		cards = cards[:f.Limit]
	}
	return cards, total, nil
}

// UserPositions returns a user's active stakes, settlements and totals.
func (m *Manager) UserPositions(ctx context.Context, userID string) (domain.Positions, error) {
	settlements, err := m.store.ListUserSettlements(ctx, userID)
	if err != nil {
		return domain.Positions{}, fmt.Errorf("pool.UserPositions: %w", err)
	}
	active, err := m.store.ListUserStakes(ctx, userID, domain.StakeActive)
	if err != nil {
		return domain.Positions{}, fmt.Errorf("pool.UserPositions: %w", err)
	}

	settled := make(map[string]bool, len(settlements))
	for _, s := range settlements {
		settled[s.StakeID] = true
	}
	open := make([]domain.Stake, 0, len(active))
	for _, s := range active {
		if !settled[s.ID] {
			open = append(open, s)
		}
	}

	sum := domain.PositionSummary{
		TotalStaked:       decimal.Zero,
		TotalPayouts:      decimal.Zero,
		TotalFees:         decimal.Zero,
		NetProfit:         decimal.Zero,
		ActivePositions:   len(open),
		ResolvedPositions: len(settlements),
	}
	for _, s := range open {
		sum.TotalStaked = sum.TotalStaked.Add(s.Amount)
	}
	settledStake := decimal.Zero
	for _, s := range settlements {
		sum.TotalPayouts = sum.TotalPayouts.Add(s.Payout)
		sum.TotalFees = sum.TotalFees.Add(s.FeeApplied)
		settledStake = settledStake.Add(s.Stake)
	}
	sum.NetProfit = sum.TotalPayouts.Sub(settledStake)

	return domain.Positions{
		UserID:       userID,
		ActiveStakes: open,
		Settlements:  settlements,
		Summary:      sum,
	}, nil
}
