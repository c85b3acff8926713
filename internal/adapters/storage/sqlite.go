package storage

// sqlite.go: persistencia de pools, stakes y liquidaciones.
//
// Estrategia:
//   - `pools`: una fila por pool. Pots, línea IA, snapshots (JSON) y resultado
//     viven en la misma fila; el resultado se escribe una sola vez.
//   - `stakes`: una fila por stake. El stake y los pots nuevos del pool se
//     escriben en la misma transacción.
//   - `settlements`: el batch de un pool se inserta junto con el resultado.
//   - Importes como TEXT (decimal exacto), timestamps RFC 3339 UTC de ancho
//     fijo para que ORDER BY sea cronológico.

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/alejandrodnm/overunder/internal/domain"
	"github.com/alejandrodnm/overunder/internal/ports"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS pools (
    id             TEXT PRIMARY KEY,
    asset_id       TEXT    NOT NULL,
    asset_symbol   TEXT    NOT NULL,
    currency       TEXT    NOT NULL,
    duration       TEXT    NOT NULL,
    line_bps       INTEGER NOT NULL,
    confidence_pct REAL    NOT NULL DEFAULT 0,
    model_version  TEXT    NOT NULL DEFAULT '',
    model_commit   TEXT    NOT NULL DEFAULT '',
    generated_at   TEXT    NOT NULL,
    start_at       TEXT    NOT NULL,
    lock_at        TEXT    NOT NULL,
    resolve_at     TEXT    NOT NULL,
    status         TEXT    NOT NULL,
    pot_over       TEXT    NOT NULL DEFAULT '0',
    pot_under      TEXT    NOT NULL DEFAULT '0',
    entry_snapshot TEXT,
    exit_snapshot  TEXT,
    ret_pct        REAL,
    line_pct       REAL,
    winner         TEXT,
    fee_pct        TEXT,
    resolved_at    TEXT,
    created_at     TEXT    NOT NULL
);

CREATE TABLE IF NOT EXISTS stakes (
    id           TEXT PRIMARY KEY,
    pool_id      TEXT NOT NULL REFERENCES pools(id),
    user_id      TEXT NOT NULL,
    side         TEXT NOT NULL,
    amount       TEXT NOT NULL,
    created_at   TEXT NOT NULL,
    status       TEXT NOT NULL,
    cancelled_at TEXT
);

CREATE TABLE IF NOT EXISTS settlements (
    id          TEXT PRIMARY KEY,
    pool_id     TEXT NOT NULL REFERENCES pools(id),
    user_id     TEXT NOT NULL,
    stake_id    TEXT NOT NULL UNIQUE REFERENCES stakes(id),
    side        TEXT NOT NULL,
    stake       TEXT NOT NULL,
    payout      TEXT NOT NULL,
    fee_applied TEXT NOT NULL,
    created_at  TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_pools_lock     ON pools(lock_at DESC);
CREATE INDEX IF NOT EXISTS idx_pools_pending  ON pools(winner, status);
CREATE INDEX IF NOT EXISTS idx_stakes_pool    ON stakes(pool_id, created_at);
CREATE INDEX IF NOT EXISTS idx_stakes_user    ON stakes(user_id, status);
CREATE INDEX IF NOT EXISTS idx_settle_pool    ON settlements(pool_id);
CREATE INDEX IF NOT EXISTS idx_settle_user    ON settlements(user_id);
`

// timeLayout es RFC 3339 con nanosegundos fijos: ordena lexicográficamente.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const poolColumns = `id, asset_id, asset_symbol, currency, duration, line_bps, confidence_pct,
    model_version, model_commit, generated_at, start_at, lock_at, resolve_at, status,
    pot_over, pot_under, entry_snapshot, exit_snapshot, ret_pct, line_pct, winner,
    fee_pct, resolved_at, created_at`

const stakeColumns = `id, pool_id, user_id, side, amount, created_at, status, cancelled_at`

const settlementColumns = `id, pool_id, user_id, stake_id, side, stake, payout, fee_applied`

// SQLiteStorage implementa ports.PoolStorage usando SQLite (pure Go, sin CGo).
type SQLiteStorage struct {
	db *sqlx.DB
}

var _ ports.PoolStorage = (*SQLiteStorage)(nil)

// NewSQLiteStorage abre (o crea) la base de datos en la ruta dada y aplica el schema.
func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage.NewSQLiteStorage: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1) // SQLite es single-writer
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage.NewSQLiteStorage: apply schema: %w", err)
	}
	return &SQLiteStorage{db: db}, nil
}

// Close cierra la conexión a la base de datos.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// --- pools ---

type poolRow struct {
	ID            string              `db:"id"`
	AssetID       string              `db:"asset_id"`
	AssetSymbol   string              `db:"asset_symbol"`
	Currency      string              `db:"currency"`
	Duration      string              `db:"duration"`
	LineBps       int                 `db:"line_bps"`
	ConfidencePct float64             `db:"confidence_pct"`
	ModelVersion  string              `db:"model_version"`
	ModelCommit   string              `db:"model_commit"`
	GeneratedAt   string              `db:"generated_at"`
	StartAt       string              `db:"start_at"`
	LockAt        string              `db:"lock_at"`
	ResolveAt     string              `db:"resolve_at"`
	Status        string              `db:"status"`
	PotOver       decimal.Decimal     `db:"pot_over"`
	PotUnder      decimal.Decimal     `db:"pot_under"`
	EntrySnapshot sql.NullString      `db:"entry_snapshot"`
	ExitSnapshot  sql.NullString      `db:"exit_snapshot"`
	RetPct        sql.NullFloat64     `db:"ret_pct"`
	LinePct       sql.NullFloat64     `db:"line_pct"`
	Winner        sql.NullString      `db:"winner"`
	FeePct        decimal.NullDecimal `db:"fee_pct"`
	ResolvedAt    sql.NullString      `db:"resolved_at"`
	CreatedAt     string              `db:"created_at"`
}

// SavePool inserta un pool nuevo.
func (s *SQLiteStorage) SavePool(ctx context.Context, p domain.Pool) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pools (id, asset_id, asset_symbol, currency, duration, line_bps, confidence_pct,
		    model_version, model_commit, generated_at, start_at, lock_at, resolve_at, status,
		    pot_over, pot_under, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.AssetID, p.AssetSymbol, p.Currency, string(p.Duration), p.AI.LineBps, p.AI.ConfidencePct,
		p.AI.ModelVersion, p.AI.Commit, fmtTime(p.AI.GeneratedAt), fmtTime(p.StartAt), fmtTime(p.LockAt),
		fmtTime(p.ResolveAt), string(p.Status), p.Pots.Over.String(), p.Pots.Under.String(), fmtTime(p.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("storage.SavePool: insert %s: %w", p.ID, err)
	}
	return nil
}

// GetPool devuelve un pool o domain.ErrNotFound.
func (s *SQLiteStorage) GetPool(ctx context.Context, poolID string) (domain.Pool, error) {
	var row poolRow
	err := s.db.GetContext(ctx, &row, `SELECT `+poolColumns+` FROM pools WHERE id = ?`, poolID)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Pool{}, fmt.Errorf("storage.GetPool: pool %s: %w", poolID, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Pool{}, fmt.Errorf("storage.GetPool: %w", err)
	}
	p, err := row.toDomain()
	if err != nil {
		return domain.Pool{}, fmt.Errorf("storage.GetPool: %w", err)
	}
	return p, nil
}

// ListPools devuelve los pools más recientes (por start_at) primero. duration vacío = todos.
func (s *SQLiteStorage) ListPools(ctx context.Context, duration domain.Duration) ([]domain.Pool, error) {
	query := `SELECT ` + poolColumns + ` FROM pools`
	var args []any
	if duration != "" {
		query += ` WHERE duration = ?`
		args = append(args, string(duration))
	}
	query += ` ORDER BY start_at DESC, created_at DESC, id`

	pools, err := s.selectPools(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage.ListPools: %w", err)
	}
	return pools, nil
}

// ListPendingPools devuelve los pools sin resultado ni override, por resolve_at.
func (s *SQLiteStorage) ListPendingPools(ctx context.Context) ([]domain.Pool, error) {
	pools, err := s.selectPools(ctx,
		`SELECT `+poolColumns+` FROM pools
		 WHERE winner IS NULL AND status NOT IN (?, ?, ?)
		 ORDER BY resolve_at, id`,
		string(domain.StatusSettled), string(domain.StatusAdminReview), string(domain.StatusRefund),
	)
	if err != nil {
		return nil, fmt.Errorf("storage.ListPendingPools: %w", err)
	}
	return pools, nil
}

func (s *SQLiteStorage) selectPools(ctx context.Context, query string, args ...any) ([]domain.Pool, error) {
	var rows []poolRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	pools := make([]domain.Pool, 0, len(rows))
	for _, r := range rows {
		p, err := r.toDomain()
		if err != nil {
			return nil, err
		}
		pools = append(pools, p)
	}
	return pools, nil
}

// SaveSnapshot guarda el snapshot de entrada o salida. No sobreescribe uno existente.
func (s *SQLiteStorage) SaveSnapshot(ctx context.Context, poolID string, kind ports.SnapshotKind, snap domain.PriceSnapshot) error {
	col := "entry_snapshot"
	switch kind {
	case ports.SnapshotEntry:
	case ports.SnapshotExit:
		col = "exit_snapshot"
	default:
		return fmt.Errorf("storage.SaveSnapshot: unknown kind %q", kind)
	}

	raw, err := json.Marshal(snapshotToRecord(snap))
	if err != nil {
		return fmt.Errorf("storage.SaveSnapshot: marshal: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE pools SET `+col+` = ? WHERE id = ? AND `+col+` IS NULL`, string(raw), poolID)
	if err != nil {
		return fmt.Errorf("storage.SaveSnapshot: update %s: %w", poolID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("storage.SaveSnapshot: %s %s snapshot already stored or pool missing: %w",
			poolID, kind, domain.ErrInvalidTransition)
	}
	return nil
}

// SetPoolStatus escribe el status almacenado (overrides terminales).
func (s *SQLiteStorage) SetPoolStatus(ctx context.Context, poolID string, status domain.PoolStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE pools SET status = ? WHERE id = ?`, string(status), poolID)
	if err != nil {
		return fmt.Errorf("storage.SetPoolStatus: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("storage.SetPoolStatus: pool %s: %w", poolID, domain.ErrNotFound)
	}
	return nil
}

// --- stakes ---

type stakeRow struct {
	ID          string          `db:"id"`
	PoolID      string          `db:"pool_id"`
	UserID      string          `db:"user_id"`
	Side        string          `db:"side"`
	Amount      decimal.Decimal `db:"amount"`
	CreatedAt   string          `db:"created_at"`
	Status      string          `db:"status"`
	CancelledAt sql.NullString  `db:"cancelled_at"`
}

// InsertStake inserta el stake y actualiza los pots del pool en una transacción.
func (s *SQLiteStorage) InsertStake(ctx context.Context, st domain.Stake, pots domain.Pots) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage.InsertStake: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO stakes (`+stakeColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, NULL)`,
		st.ID, st.PoolID, st.UserID, string(st.Side), st.Amount.String(), fmtTime(st.CreatedAt), string(st.Status),
	); err != nil {
		return fmt.Errorf("storage.InsertStake: insert %s: %w", st.ID, err)
	}
	if err := updatePots(ctx, tx, st.PoolID, pots); err != nil {
		return fmt.Errorf("storage.InsertStake: %w", err)
	}
	return tx.Commit()
}

// CancelStake marca el stake como cancelado y actualiza los pots en una transacción.
func (s *SQLiteStorage) CancelStake(ctx context.Context, st domain.Stake, pots domain.Pots) error {
	if st.CancelledAt == nil {
		return errors.New("storage.CancelStake: cancelled_at is required")
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage.CancelStake: begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE stakes SET status = ?, cancelled_at = ? WHERE id = ? AND status = ?`,
		string(domain.StakeCancelled), fmtTime(*st.CancelledAt), st.ID, string(domain.StakeActive),
	)
	if err != nil {
		return fmt.Errorf("storage.CancelStake: update %s: %w", st.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("storage.CancelStake: stake %s not active: %w", st.ID, domain.ErrInvalidTransition)
	}
	if err := updatePots(ctx, tx, st.PoolID, pots); err != nil {
		return fmt.Errorf("storage.CancelStake: %w", err)
	}
	return tx.Commit()
}

func updatePots(ctx context.Context, tx *sqlx.Tx, poolID string, pots domain.Pots) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE pools SET pot_over = ?, pot_under = ? WHERE id = ?`,
		pots.Over.String(), pots.Under.String(), poolID,
	)
	if err != nil {
		return fmt.Errorf("update pots %s: %w", poolID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update pots: pool %s: %w", poolID, domain.ErrNotFound)
	}
	return nil
}

// GetStake devuelve un stake o domain.ErrNotFound.
func (s *SQLiteStorage) GetStake(ctx context.Context, stakeID string) (domain.Stake, error) {
	var row stakeRow
	err := s.db.GetContext(ctx, &row, `SELECT `+stakeColumns+` FROM stakes WHERE id = ?`, stakeID)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Stake{}, fmt.Errorf("storage.GetStake: stake %s: %w", stakeID, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Stake{}, fmt.Errorf("storage.GetStake: %w", err)
	}
	st, err := row.toDomain()
	if err != nil {
		return domain.Stake{}, fmt.Errorf("storage.GetStake: %w", err)
	}
	return st, nil
}

// ListStakes devuelve todos los stakes del pool, en orden de creación.
func (s *SQLiteStorage) ListStakes(ctx context.Context, poolID string) ([]domain.Stake, error) {
	stakes, err := s.selectStakes(ctx,
		`SELECT `+stakeColumns+` FROM stakes WHERE pool_id = ? ORDER BY created_at, id`, poolID)
	if err != nil {
		return nil, fmt.Errorf("storage.ListStakes: %w", err)
	}
	return stakes, nil
}

// ListUserStakes devuelve los stakes de un usuario con el status dado.
func (s *SQLiteStorage) ListUserStakes(ctx context.Context, userID string, status domain.StakeStatus) ([]domain.Stake, error) {
	stakes, err := s.selectStakes(ctx,
		`SELECT `+stakeColumns+` FROM stakes WHERE user_id = ? AND status = ? ORDER BY created_at, id`,
		userID, string(status))
	if err != nil {
		return nil, fmt.Errorf("storage.ListUserStakes: %w", err)
	}
	return stakes, nil
}

// UserSideTotal suma los stakes ACTIVE de un usuario en un lado del pool.
// La suma se hace en Go para no perder precisión con REAL.
func (s *SQLiteStorage) UserSideTotal(ctx context.Context, poolID, userID string, side domain.Side) (decimal.Decimal, error) {
	var amounts []decimal.Decimal
	if err := s.db.SelectContext(ctx, &amounts,
		`SELECT amount FROM stakes WHERE pool_id = ? AND user_id = ? AND side = ? AND status = ?`,
		poolID, userID, string(side), string(domain.StakeActive),
	); err != nil {
		return decimal.Zero, fmt.Errorf("storage.UserSideTotal: %w", err)
	}
	return decimal.Sum(decimal.Zero, amounts...), nil
}

func (s *SQLiteStorage) selectStakes(ctx context.Context, query string, args ...any) ([]domain.Stake, error) {
	var rows []stakeRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	stakes := make([]domain.Stake, 0, len(rows))
	for _, r := range rows {
		st, err := r.toDomain()
		if err != nil {
			return nil, err
		}
		stakes = append(stakes, st)
	}
	return stakes, nil
}

// --- resolution ---

type settlementRow struct {
	ID         string          `db:"id"`
	PoolID     string          `db:"pool_id"`
	UserID     string          `db:"user_id"`
	StakeID    string          `db:"stake_id"`
	Side       string          `db:"side"`
	Stake      decimal.Decimal `db:"stake"`
	Payout     decimal.Decimal `db:"payout"`
	FeeApplied decimal.Decimal `db:"fee_applied"`
}

// SaveResolution escribe resultado, batch y status RESOLVED en una transacción.
// Solo puede ejecutarse una vez por pool.
func (s *SQLiteStorage) SaveResolution(ctx context.Context, poolID string, result domain.PoolResult, settlements []domain.Settlement) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage.SaveResolution: begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE pools
		SET ret_pct = ?, line_pct = ?, winner = ?, fee_pct = ?, resolved_at = ?, status = ?
		WHERE id = ? AND winner IS NULL`,
		result.RetPct, result.LinePct, string(result.Winner), result.FeePct.String(),
		fmtTime(result.ResolvedAt), string(domain.StatusResolved), poolID,
	)
	if err != nil {
		return fmt.Errorf("storage.SaveResolution: update pool %s: %w", poolID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("storage.SaveResolution: pool %s missing or already resolved: %w",
			poolID, domain.ErrInvalidTransition)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO settlements (`+settlementColumns+`, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("storage.SaveResolution: prepare: %w", err)
	}
	defer stmt.Close()

	createdAt := fmtTime(result.ResolvedAt)
	for _, st := range settlements {
		if _, err := stmt.ExecContext(ctx,
			st.ID, st.PoolID, st.UserID, st.StakeID, string(st.Side),
			st.Stake.String(), st.Payout.String(), st.FeeApplied.String(), createdAt,
		); err != nil {
			return fmt.Errorf("storage.SaveResolution: insert settlement %s: %w", st.ID, err)
		}
	}

	return tx.Commit()
}

// ListSettlements devuelve el batch de un pool.
func (s *SQLiteStorage) ListSettlements(ctx context.Context, poolID string) ([]domain.Settlement, error) {
	out, err := s.selectSettlements(ctx,
		`SELECT `+settlementColumns+` FROM settlements WHERE pool_id = ? ORDER BY rowid`, poolID)
	if err != nil {
		return nil, fmt.Errorf("storage.ListSettlements: %w", err)
	}
	return out, nil
}

// ListUserSettlements devuelve todas las liquidaciones de un usuario.
func (s *SQLiteStorage) ListUserSettlements(ctx context.Context, userID string) ([]domain.Settlement, error) {
	out, err := s.selectSettlements(ctx,
		`SELECT `+settlementColumns+` FROM settlements WHERE user_id = ? ORDER BY created_at DESC, rowid`, userID)
	if err != nil {
		return nil, fmt.Errorf("storage.ListUserSettlements: %w", err)
	}
	return out, nil
}

func (s *SQLiteStorage) selectSettlements(ctx context.Context, query string, args ...any) ([]domain.Settlement, error) {
	var rows []settlementRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	out := make([]domain.Settlement, 0, len(rows))
	for _, r := range rows {
		out = append(out, domain.Settlement{
			ID:         r.ID,
			PoolID:     r.PoolID,
			UserID:     r.UserID,
			StakeID:    r.StakeID,
			Side:       domain.Side(r.Side),
			Stake:      r.Stake,
			Payout:     r.Payout,
			FeeApplied: r.FeeApplied,
		})
	}
	return out, nil
}

// --- mapping ---

func (r poolRow) toDomain() (domain.Pool, error) {
	var (
		p   domain.Pool
		err error
	)
	p.ID = r.ID
	p.AssetID = r.AssetID
	p.AssetSymbol = r.AssetSymbol
	p.Currency = r.Currency
	p.Duration = domain.Duration(r.Duration)
	p.Status = domain.PoolStatus(r.Status)
	p.Pots = domain.Pots{Over: r.PotOver, Under: r.PotUnder}
	p.AI = domain.AILine{
		LineBps:       r.LineBps,
		ConfidencePct: r.ConfidencePct,
		ModelVersion:  r.ModelVersion,
		Commit:        r.ModelCommit,
	}

	times := []struct {
		dst *time.Time
		src string
	}{
		{&p.AI.GeneratedAt, r.GeneratedAt},
		{&p.StartAt, r.StartAt},
		{&p.LockAt, r.LockAt},
		{&p.ResolveAt, r.ResolveAt},
		{&p.CreatedAt, r.CreatedAt},
	}
	for _, t := range times {
		if *t.dst, err = parseTime(t.src); err != nil {
			return domain.Pool{}, fmt.Errorf("pool %s: %w", r.ID, err)
		}
	}

	if p.Entry, err = decodeSnapshot(r.EntrySnapshot); err != nil {
		return domain.Pool{}, fmt.Errorf("pool %s entry: %w", r.ID, err)
	}
	if p.Exit, err = decodeSnapshot(r.ExitSnapshot); err != nil {
		return domain.Pool{}, fmt.Errorf("pool %s exit: %w", r.ID, err)
	}

	if r.Winner.Valid {
		res := domain.PoolResult{
			RetPct:  r.RetPct.Float64,
			LinePct: r.LinePct.Float64,
			Winner:  domain.Winner(r.Winner.String),
			FeePct:  r.FeePct.Decimal,
		}
		if r.ResolvedAt.Valid {
			if res.ResolvedAt, err = parseTime(r.ResolvedAt.String); err != nil {
				return domain.Pool{}, fmt.Errorf("pool %s: %w", r.ID, err)
			}
		}
		p.Result = &res
	}
	return p, nil
}

func (r stakeRow) toDomain() (domain.Stake, error) {
	created, err := parseTime(r.CreatedAt)
	if err != nil {
		return domain.Stake{}, fmt.Errorf("stake %s: %w", r.ID, err)
	}
	st := domain.Stake{
		ID:        r.ID,
		PoolID:    r.PoolID,
		UserID:    r.UserID,
		Side:      domain.Side(r.Side),
		Amount:    r.Amount,
		CreatedAt: created,
		Status:    domain.StakeStatus(r.Status),
	}
	if r.CancelledAt.Valid {
		at, err := parseTime(r.CancelledAt.String)
		if err != nil {
			return domain.Stake{}, fmt.Errorf("stake %s: %w", r.ID, err)
		}
		st.CancelledAt = &at
	}
	return st, nil
}

// snapshotRecord es la forma JSON de un PriceSnapshot dentro de la fila del pool.
type snapshotRecord struct {
	Asset   string         `json:"asset"`
	Price   float64        `json:"price"`
	TakenAt time.Time      `json:"taken_at"`
	Samples []sampleRecord `json:"samples"`
}

type sampleRecord struct {
	Source     string    `json:"source"`
	Price      *float64  `json:"price"`
	ObservedAt time.Time `json:"observed_at"`
	OK         bool      `json:"ok"`
	Err        string    `json:"err,omitempty"`
	Outlier    bool      `json:"outlier,omitempty"`
}

func snapshotToRecord(s domain.PriceSnapshot) snapshotRecord {
	rec := snapshotRecord{
		Asset:   s.Asset,
		Price:   s.Price,
		TakenAt: s.TakenAt.UTC(),
		Samples: make([]sampleRecord, 0, len(s.Samples)),
	}
	for _, smp := range s.Samples {
		rec.Samples = append(rec.Samples, sampleRecord{
			Source:     smp.Source,
			Price:      smp.Price,
			ObservedAt: smp.ObservedAt.UTC(),
			OK:         smp.OK,
			Err:        smp.Err,
			Outlier:    smp.Outlier,
		})
	}
	return rec
}

func decodeSnapshot(raw sql.NullString) (*domain.PriceSnapshot, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	var rec snapshotRecord
	if err := json.Unmarshal([]byte(raw.String), &rec); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	snap := &domain.PriceSnapshot{
		Asset:   rec.Asset,
		Price:   rec.Price,
		TakenAt: rec.TakenAt,
		Samples: make([]domain.PriceSample, 0, len(rec.Samples)),
	}
	for _, s := range rec.Samples {
		snap.Samples = append(snap.Samples, domain.PriceSample{
			Source:     s.Source,
			Price:      s.Price,
			ObservedAt: s.ObservedAt,
			OK:         s.OK,
			Err:        s.Err,
			Outlier:    s.Outlier,
		})
	}
	return snap, nil
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t.UTC(), nil
}
