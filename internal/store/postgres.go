package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/poolbet/ledger-engine/internal/model"
)

// querier is the subset of pgx shared by the pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Money is BIGINT minor units; odds and percentages are NUMERIC for exact
// decimal precision.
type PostgresStore struct {
	pgReader
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pgReader: pgReader{q: pool}, pool: pool}
}

// InTx runs fn in a SERIALIZABLE transaction. Serialization failures,
// deadlocks and lock timeouts surface as ErrConflict.
func (s *PostgresStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return classify(fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx)

	if err := fn(ctx, &pgTx{pgReader: pgReader{q: tx}, tx: tx}); err != nil {
		return classify(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return classify(fmt.Errorf("commit: %w", err))
	}
	return nil
}

// classify maps driver errors onto store sentinels, keeping the original
// in the chain.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrDuplicate) || errors.Is(err, ErrConflict) {
		return err
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			return fmt.Errorf("%w: %w", ErrDuplicate, err)
		case "40001", "40P01", "55P03": // serialization_failure, deadlock_detected, lock_not_available
			return fmt.Errorf("%w: %w", ErrConflict, err)
		}
	}
	return err
}

// --- Reader ---

type pgReader struct {
	q querier
}

const contributionColumns = `id, investor_id, amount, payment_ref, status, confirmed_at, created_at`

func (r pgReader) GetContributionByRef(ctx context.Context, ref string) (*model.Contribution, error) {
	row := r.q.QueryRow(ctx,
		`SELECT `+contributionColumns+` FROM contributions WHERE payment_ref = $1`, ref)
	c, err := scanContribution(row)
	if err != nil {
		return nil, classify(fmt.Errorf("get contribution %s: %w", ref, err))
	}
	return c, nil
}

func (r pgReader) ListContributions(ctx context.Context, investorID string) ([]model.Contribution, error) {
	rows, err := r.q.Query(ctx,
		`SELECT `+contributionColumns+`
		 FROM contributions WHERE investor_id = $1 ORDER BY created_at, id`, investorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Contribution
	for rows.Next() {
		c, err := scanContribution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (r pgReader) ConfirmedCapital(ctx context.Context, asOf time.Time) ([]model.InvestorCapital, error) {
	rows, err := r.q.Query(ctx,
		`SELECT investor_id, SUM(amount)::BIGINT
		 FROM contributions
		 WHERE status = 'succeeded' AND confirmed_at <= $1
		 GROUP BY investor_id
		 HAVING SUM(amount) > 0
		 ORDER BY investor_id`, asOf)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.InvestorCapital
	for rows.Next() {
		var c model.InvestorCapital
		if err := rows.Scan(&c.InvestorID, &c.Amount); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

const positionColumns = `id, stake, odds::TEXT, event_at, snapshot_at, status, note, score,
		        gross_result, platform_fee, net_result, created_at, settled_at`

func (r pgReader) GetPosition(ctx context.Context, id string) (*model.Position, error) {
	row := r.q.QueryRow(ctx, `SELECT `+positionColumns+` FROM positions WHERE id = $1`, id)
	p, err := scanPosition(row)
	if err != nil {
		return nil, classify(fmt.Errorf("get position %s: %w", id, err))
	}
	return p, nil
}

func (r pgReader) ListPositions(ctx context.Context, status model.PositionStatus) ([]model.Position, error) {
	rows, err := r.q.Query(ctx,
		`SELECT `+positionColumns+`
		 FROM positions
		 WHERE ($1::TEXT = '' OR status = $1::TEXT)
		 ORDER BY created_at DESC, id DESC`, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (r pgReader) ListAllocations(ctx context.Context, positionID string) ([]model.Allocation, error) {
	rows, err := r.q.Query(ctx,
		`SELECT position_id, investor_id, percent::TEXT, capital_amount, snapshot_amount
		 FROM allocations WHERE position_id = $1 ORDER BY investor_id`, positionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Allocation
	for rows.Next() {
		var a model.Allocation
		var pct string
		if err := rows.Scan(&a.PositionID, &a.InvestorID, &pct, &a.CapitalAmount, &a.SnapshotAmount); err != nil {
			return nil, err
		}
		if a.Percent, err = decimal.NewFromString(pct); err != nil {
			return nil, fmt.Errorf("allocation %s/%s percent %q: %w", a.PositionID, a.InvestorID, pct, err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r pgReader) ListDistributionsByPosition(ctx context.Context, positionID string) ([]model.ProfitDistribution, error) {
	rows, err := r.q.Query(ctx,
		`SELECT id, position_id, investor_id, amount, created_at
		 FROM profit_distributions WHERE position_id = $1 ORDER BY investor_id`, positionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDistributions(rows)
}

func (r pgReader) ListDistributionsByInvestor(ctx context.Context, investorID string) ([]model.ProfitDistribution, error) {
	rows, err := r.q.Query(ctx,
		`SELECT id, position_id, investor_id, amount, created_at
		 FROM profit_distributions WHERE investor_id = $1 ORDER BY created_at, position_id`, investorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDistributions(rows)
}

const withdrawalColumns = `id, investor_id, amount, fee, status, created_at, resolved_at`

func (r pgReader) GetWithdrawal(ctx context.Context, id string) (*model.WithdrawalRequest, error) {
	row := r.q.QueryRow(ctx, `SELECT `+withdrawalColumns+` FROM withdrawal_requests WHERE id = $1`, id)
	w, err := scanWithdrawal(row)
	if err != nil {
		return nil, classify(fmt.Errorf("get withdrawal %s: %w", id, err))
	}
	return w, nil
}

func (r pgReader) ListWithdrawals(ctx context.Context, investorID string) ([]model.WithdrawalRequest, error) {
	rows, err := r.q.Query(ctx,
		`SELECT `+withdrawalColumns+`
		 FROM withdrawal_requests WHERE investor_id = $1 ORDER BY created_at, id`, investorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.WithdrawalRequest
	for rows.Next() {
		w, err := scanWithdrawal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *w)
	}
	return out, rows.Err()
}

// BalanceTotals sums each balance component in one round trip. Every SUM is
// cast to BIGINT so pgx scans it as int64 rather than NUMERIC.
func (r pgReader) BalanceTotals(ctx context.Context, investorID string) (model.BalanceTotals, error) {
	var t model.BalanceTotals
	err := r.q.QueryRow(ctx,
		`SELECT
			(SELECT COALESCE(SUM(amount), 0)::BIGINT FROM contributions
			  WHERE investor_id = $1 AND status = 'succeeded'),
			(SELECT COALESCE(SUM(amount), 0)::BIGINT FROM profit_distributions
			  WHERE investor_id = $1),
			(SELECT COALESCE(SUM(amount + fee), 0)::BIGINT FROM withdrawal_requests
			  WHERE investor_id = $1 AND status = 'pending'),
			(SELECT COALESCE(SUM(amount + fee), 0)::BIGINT FROM withdrawal_requests
			  WHERE investor_id = $1 AND status = 'approved')`, investorID).
		Scan(&t.Contributed, &t.Profit, &t.Locked, &t.Withdrawn)
	if err != nil {
		return t, fmt.Errorf("balance totals %s: %w", investorID, err)
	}
	return t, nil
}

func (r pgReader) PoolSummary(ctx context.Context) (model.PoolSummary, error) {
	var s model.PoolSummary
	err := r.q.QueryRow(ctx,
		`SELECT
			(SELECT COALESCE(SUM(amount), 0)::BIGINT FROM contributions WHERE status = 'succeeded'),
			(SELECT COUNT(*) FROM (
				SELECT investor_id FROM contributions WHERE status = 'succeeded'
				GROUP BY investor_id HAVING SUM(amount) > 0) i),
			(SELECT COUNT(*) FROM positions WHERE status = 'pending'),
			(SELECT COUNT(*) FROM positions WHERE status <> 'pending'),
			(SELECT COALESCE(SUM(stake), 0)::BIGINT FROM positions WHERE status = 'pending'),
			(SELECT COALESCE(SUM(net_result), 0)::BIGINT FROM positions WHERE status <> 'pending'),
			(SELECT COALESCE(SUM(platform_fee), 0)::BIGINT FROM positions WHERE status <> 'pending')`).
		Scan(&s.TotalCapital, &s.Investors, &s.OpenPositions, &s.SettledPositions,
			&s.OpenStake, &s.NetResult, &s.PlatformFees)
	if err != nil {
		return s, fmt.Errorf("pool summary: %w", err)
	}
	return s, nil
}

// --- Tx ---

type pgTx struct {
	pgReader
	tx pgx.Tx
}

// InsertContribution relies on the unique payment_ref index: a replayed
// reference inserts nothing and reports ErrDuplicate.
func (t *pgTx) InsertContribution(ctx context.Context, c *model.Contribution) error {
	cmd, err := t.tx.Exec(ctx,
		`INSERT INTO contributions (id, investor_id, amount, payment_ref, status, confirmed_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (payment_ref) DO NOTHING`,
		c.ID, c.InvestorID, c.Amount, c.PaymentRef, string(c.Status), c.ConfirmedAt, c.CreatedAt,
	)
	if err != nil {
		return classify(fmt.Errorf("insert contribution %s: %w", c.PaymentRef, err))
	}
	if cmd.RowsAffected() == 0 {
		return ErrDuplicate
	}
	return nil
}

func (t *pgTx) LockContribution(ctx context.Context, ref string) (*model.Contribution, error) {
	row := t.tx.QueryRow(ctx,
		`SELECT `+contributionColumns+` FROM contributions WHERE payment_ref = $1 FOR UPDATE`, ref)
	c, err := scanContribution(row)
	if err != nil {
		return nil, classify(fmt.Errorf("lock contribution %s: %w", ref, err))
	}
	return c, nil
}

func (t *pgTx) UpdateContributionStatus(ctx context.Context, id string, status model.ContributionStatus, confirmedAt *time.Time) error {
	cmd, err := t.tx.Exec(ctx,
		`UPDATE contributions SET status = $2, confirmed_at = $3 WHERE id = $1`,
		id, string(status), confirmedAt)
	if err != nil {
		return classify(fmt.Errorf("update contribution %s: %w", id, err))
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) InsertPosition(ctx context.Context, p *model.Position) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO positions (id, stake, odds, event_at, snapshot_at, status, note, score, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4, $5, $6, $7, $8, $9)`,
		p.ID, p.Stake, p.Odds.String(), p.EventAt, p.SnapshotAt,
		string(p.Status), p.Note, p.Score, p.CreatedAt,
	)
	return classify(err)
}

func (t *pgTx) LockPosition(ctx context.Context, id string) (*model.Position, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+positionColumns+` FROM positions WHERE id = $1 FOR UPDATE`, id)
	p, err := scanPosition(row)
	if err != nil {
		return nil, classify(fmt.Errorf("lock position %s: %w", id, err))
	}
	return p, nil
}

func (t *pgTx) UpdatePositionResult(ctx context.Context, p *model.Position) error {
	cmd, err := t.tx.Exec(ctx,
		`UPDATE positions
		 SET status = $2, score = $3, gross_result = $4, platform_fee = $5,
		     net_result = $6, settled_at = $7
		 WHERE id = $1`,
		p.ID, string(p.Status), p.Score, p.GrossResult, p.PlatformFee, p.NetResult, p.SettledAt,
	)
	if err != nil {
		return classify(fmt.Errorf("update position %s: %w", p.ID, err))
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) InsertAllocations(ctx context.Context, allocs []model.Allocation) error {
	batch := &pgx.Batch{}
	for _, a := range allocs {
		batch.Queue(
			`INSERT INTO allocations (position_id, investor_id, percent, capital_amount, snapshot_amount)
			 VALUES ($1, $2, $3::NUMERIC, $4, $5)`,
			a.PositionID, a.InvestorID, a.Percent.String(), a.CapitalAmount, a.SnapshotAmount,
		)
	}
	return t.sendBatch(ctx, batch, "insert allocations")
}

func (t *pgTx) DeleteDistributions(ctx context.Context, positionID string) (int64, error) {
	cmd, err := t.tx.Exec(ctx, `DELETE FROM profit_distributions WHERE position_id = $1`, positionID)
	if err != nil {
		return 0, classify(fmt.Errorf("delete distributions %s: %w", positionID, err))
	}
	return cmd.RowsAffected(), nil
}

func (t *pgTx) InsertDistributions(ctx context.Context, dists []model.ProfitDistribution) error {
	batch := &pgx.Batch{}
	for _, d := range dists {
		batch.Queue(
			`INSERT INTO profit_distributions (id, position_id, investor_id, amount, created_at)
			 VALUES ($1, $2, $3, $4, $5)`,
			d.ID, d.PositionID, d.InvestorID, d.Amount, d.CreatedAt,
		)
	}
	return t.sendBatch(ctx, batch, "insert distributions")
}

// LockInvestor takes a transaction-scoped advisory lock keyed on the
// investor ID; it is released automatically at commit or rollback.
func (t *pgTx) LockInvestor(ctx context.Context, investorID string) error {
	_, err := t.tx.Exec(ctx,
		`SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, "investor:"+investorID)
	if err != nil {
		return classify(fmt.Errorf("lock investor %s: %w", investorID, err))
	}
	return nil
}

func (t *pgTx) InsertWithdrawal(ctx context.Context, w *model.WithdrawalRequest) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO withdrawal_requests (id, investor_id, amount, fee, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		w.ID, w.InvestorID, w.Amount, w.Fee, string(w.Status), w.CreatedAt,
	)
	return classify(err)
}

func (t *pgTx) LockWithdrawal(ctx context.Context, id string) (*model.WithdrawalRequest, error) {
	row := t.tx.QueryRow(ctx,
		`SELECT `+withdrawalColumns+` FROM withdrawal_requests WHERE id = $1 FOR UPDATE`, id)
	w, err := scanWithdrawal(row)
	if err != nil {
		return nil, classify(fmt.Errorf("lock withdrawal %s: %w", id, err))
	}
	return w, nil
}

func (t *pgTx) UpdateWithdrawalStatus(ctx context.Context, id string, status model.WithdrawalStatus, resolvedAt time.Time) error {
	cmd, err := t.tx.Exec(ctx,
		`UPDATE withdrawal_requests SET status = $2, resolved_at = $3 WHERE id = $1`,
		id, string(status), resolvedAt)
	if err != nil {
		return classify(fmt.Errorf("update withdrawal %s: %w", id, err))
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) sendBatch(ctx context.Context, batch *pgx.Batch, op string) error {
	if batch.Len() == 0 {
		return nil
	}
	br := t.tx.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return classify(fmt.Errorf("%s: %w", op, err))
		}
	}
	return classify(br.Close())
}

// --- Scanning ---

func scanContribution(row pgx.Row) (*model.Contribution, error) {
	var c model.Contribution
	var status string
	if err := row.Scan(&c.ID, &c.InvestorID, &c.Amount, &c.PaymentRef,
		&status, &c.ConfirmedAt, &c.CreatedAt); err != nil {
		return nil, err
	}
	c.Status = model.ContributionStatus(status)
	return &c, nil
}

func scanPosition(row pgx.Row) (*model.Position, error) {
	var p model.Position
	var odds, status string
	if err := row.Scan(&p.ID, &p.Stake, &odds, &p.EventAt, &p.SnapshotAt,
		&status, &p.Note, &p.Score,
		&p.GrossResult, &p.PlatformFee, &p.NetResult,
		&p.CreatedAt, &p.SettledAt); err != nil {
		return nil, err
	}
	var err error
	if p.Odds, err = decimal.NewFromString(odds); err != nil {
		return nil, fmt.Errorf("position %s odds %q: %w", p.ID, odds, err)
	}
	p.Status = model.PositionStatus(status)
	return &p, nil
}

func scanWithdrawal(row pgx.Row) (*model.WithdrawalRequest, error) {
	var w model.WithdrawalRequest
	var status string
	if err := row.Scan(&w.ID, &w.InvestorID, &w.Amount, &w.Fee,
		&status, &w.CreatedAt, &w.ResolvedAt); err != nil {
		return nil, err
	}
	w.Status = model.WithdrawalStatus(status)
	return &w, nil
}

func scanDistributions(rows pgx.Rows) ([]model.ProfitDistribution, error) {
	var out []model.ProfitDistribution
	for rows.Next() {
		var d model.ProfitDistribution
		if err := rows.Scan(&d.ID, &d.PositionID, &d.InvestorID, &d.Amount, &d.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
