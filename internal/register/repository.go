package register

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-pos/internal/ledger"
	"github.com/odyssey-erp/odyssey-pos/internal/platform/db"
)

// Constraint names from migrations/0001_register.sql.
const (
	constraintOpenDay       = "business_days_one_open_per_store"
	constraintOpenTerminal  = "cashier_sessions_open_terminal"
	constraintOpenOperator  = "cashier_sessions_open_operator"
	constraintEntrySequence = "ledger_entries_cashier_sequence"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore persists register state in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
	pgQueries
}

// NewPostgresStore constructs a Store backed by pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, pgQueries: pgQueries{q: pool}}
}

var _ Store = (*PostgresStore)(nil)

// WithTx executes fn inside a repeatable-read transaction.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(context.Context, Tx) error) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("register: repository not initialised")
	}
	err := db.WithTx(ctx, s.pool, db.RepeatableRead, func(tx pgx.Tx) error {
		return fn(ctx, &pgTx{pgQueries{q: tx}})
	})
	if mapped := mapPgError(err); mapped != nil {
		return mapped
	}
	return err
}

type pgTx struct {
	pgQueries
}

type pgQueries struct {
	q querier
}

const dayColumns = `id, store_id, trading_date, status, opened_by, opened_at, closed_by, closed_at,
	cashier_count, open_cashiers, total_sales, total_refunds, total_deposits, total_withdrawals,
	total_expected_cash, total_counted_cash, total_cash_difference, version`

const cashierColumns = `id, day_id, store_id, terminal_id, operator_id, status, opening_balance, current_balance,
	expected_balance, physical_cash, cash_difference, classification,
	total_sales, total_refunds, total_deposits, total_withdrawals,
	last_sequence, last_hash, opened_at, closed_at, closed_by, notes, version`

const entryColumns = `id, cashier_id, sequence, operation_type, amount, payment_method, related_entity_id,
	balance_before, balance_after, operator_id, created_at, notes, entry_hash`

func (p pgQueries) GetDay(ctx context.Context, id uuid.UUID) (BusinessDay, error) {
	return p.getDay(ctx, `SELECT `+dayColumns+` FROM business_days WHERE id = $1`, id)
}

func (p pgQueries) GetDayForUpdate(ctx context.Context, id uuid.UUID) (BusinessDay, error) {
	return p.getDay(ctx, `SELECT `+dayColumns+` FROM business_days WHERE id = $1 FOR UPDATE`, id)
}

func (p pgQueries) getDay(ctx context.Context, query string, id uuid.UUID) (BusinessDay, error) {
	day, err := scanDay(p.q.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return BusinessDay{}, ErrDayNotFound
	}
	if err != nil {
		return BusinessDay{}, fmt.Errorf("register: load day: %w", err)
	}
	return day, nil
}

func (p pgQueries) FindOpenDay(ctx context.Context, storeID string) (BusinessDay, bool, error) {
	day, err := scanDay(p.q.QueryRow(ctx,
		`SELECT `+dayColumns+` FROM business_days WHERE store_id = $1 AND status = 'OPEN'`, storeID))
	if errors.Is(err, pgx.ErrNoRows) {
		return BusinessDay{}, false, nil
	}
	if err != nil {
		return BusinessDay{}, false, fmt.Errorf("register: find open day: %w", err)
	}
	return day, true, nil
}

func (p pgQueries) ListDays(ctx context.Context, storeID string, limit, offset int) ([]BusinessDay, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.q.Query(ctx, `SELECT `+dayColumns+` FROM business_days
		WHERE store_id = $1 ORDER BY opened_at DESC, id LIMIT $2 OFFSET $3`, storeID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("register: list days: %w", err)
	}
	return collectDays(rows)
}

func (p pgQueries) ListOpenDays(ctx context.Context) ([]BusinessDay, error) {
	rows, err := p.q.Query(ctx, `SELECT `+dayColumns+` FROM business_days
		WHERE status = 'OPEN' ORDER BY opened_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("register: list open days: %w", err)
	}
	return collectDays(rows)
}

func (p pgQueries) InsertDay(ctx context.Context, day BusinessDay) error {
	t := day.Totals
	_, err := p.q.Exec(ctx, `INSERT INTO business_days (`+dayColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`,
		day.ID, day.StoreID, day.TradingDate, string(day.Status), day.OpenedBy, day.OpenedAt, day.ClosedBy, day.ClosedAt,
		t.CashierCount, t.OpenCashiers, t.Sales, t.Refunds, t.Deposits, t.Withdrawals,
		t.ExpectedCash, t.CountedCash, t.CashDifference, day.Version)
	return wrapWrite("insert day", err)
}

func (p pgQueries) UpdateDay(ctx context.Context, day BusinessDay, expectedVersion int64) error {
	t := day.Totals
	tag, err := p.q.Exec(ctx, `UPDATE business_days SET
		status = $3, closed_by = $4, closed_at = $5, cashier_count = $6, open_cashiers = $7,
		total_sales = $8, total_refunds = $9, total_deposits = $10, total_withdrawals = $11,
		total_expected_cash = $12, total_counted_cash = $13, total_cash_difference = $14, version = $15
		WHERE id = $1 AND version = $2`,
		day.ID, expectedVersion, string(day.Status), day.ClosedBy, day.ClosedAt, t.CashierCount, t.OpenCashiers,
		t.Sales, t.Refunds, t.Deposits, t.Withdrawals, t.ExpectedCash, t.CountedCash, t.CashDifference, day.Version)
	if err != nil {
		return wrapWrite("update day", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	return nil
}

func (p pgQueries) GetCashier(ctx context.Context, id uuid.UUID) (CashierSession, error) {
	c, err := scanCashier(p.q.QueryRow(ctx, `SELECT `+cashierColumns+` FROM cashier_sessions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return CashierSession{}, ErrCashierNotFound
	}
	if err != nil {
		return CashierSession{}, fmt.Errorf("register: load cashier: %w", err)
	}
	return c, nil
}

func (p pgQueries) ListCashiers(ctx context.Context, dayID uuid.UUID) ([]CashierSession, error) {
	rows, err := p.q.Query(ctx, `SELECT `+cashierColumns+` FROM cashier_sessions
		WHERE day_id = $1 ORDER BY opened_at, id`, dayID)
	if err != nil {
		return nil, fmt.Errorf("register: list cashiers: %w", err)
	}
	defer rows.Close()
	var out []CashierSession
	for rows.Next() {
		c, err := scanCashier(rows)
		if err != nil {
			return nil, fmt.Errorf("register: scan cashier: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (p pgQueries) OpenCashierByTerminal(ctx context.Context, dayID uuid.UUID, terminalID string) (CashierSession, bool, error) {
	return p.findOpenCashier(ctx, `terminal_id`, dayID, terminalID)
}

func (p pgQueries) OpenCashierByOperator(ctx context.Context, dayID uuid.UUID, operatorID string) (CashierSession, bool, error) {
	return p.findOpenCashier(ctx, `operator_id`, dayID, operatorID)
}

func (p pgQueries) findOpenCashier(ctx context.Context, column string, dayID uuid.UUID, value string) (CashierSession, bool, error) {
	c, err := scanCashier(p.q.QueryRow(ctx, `SELECT `+cashierColumns+` FROM cashier_sessions
		WHERE day_id = $1 AND `+column+` = $2 AND status = 'OPEN'`, dayID, value))
	if errors.Is(err, pgx.ErrNoRows) {
		return CashierSession{}, false, nil
	}
	if err != nil {
		return CashierSession{}, false, fmt.Errorf("register: find open cashier by %s: %w", column, err)
	}
	return c, true, nil
}

func (p pgQueries) InsertCashier(ctx context.Context, c CashierSession) error {
	_, err := p.q.Exec(ctx, `INSERT INTO cashier_sessions (`+cashierColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23)`,
		c.ID, c.DayID, c.StoreID, c.TerminalID, c.OperatorID, string(c.Status), c.OpeningBalance, c.CurrentBalance,
		nullDecimal(c.ExpectedBalance), nullDecimal(c.PhysicalCash), nullDecimal(c.CashDifference), c.Classification,
		c.Totals.Sales, c.Totals.Refunds, c.Totals.Deposits, c.Totals.Withdrawals,
		c.LastSequence, c.LastHash, c.OpenedAt, c.ClosedAt, c.ClosedBy, c.Notes, c.Version)
	return wrapWrite("insert cashier", err)
}

func (p pgQueries) UpdateCashier(ctx context.Context, c CashierSession, expectedVersion int64) error {
	tag, err := p.q.Exec(ctx, `UPDATE cashier_sessions SET
		status = $3, current_balance = $4, expected_balance = $5, physical_cash = $6, cash_difference = $7,
		classification = $8, total_sales = $9, total_refunds = $10, total_deposits = $11, total_withdrawals = $12,
		last_sequence = $13, last_hash = $14, closed_at = $15, closed_by = $16, notes = $17, version = $18
		WHERE id = $1 AND version = $2`,
		c.ID, expectedVersion, string(c.Status), c.CurrentBalance,
		nullDecimal(c.ExpectedBalance), nullDecimal(c.PhysicalCash), nullDecimal(c.CashDifference),
		c.Classification, c.Totals.Sales, c.Totals.Refunds, c.Totals.Deposits, c.Totals.Withdrawals,
		c.LastSequence, c.LastHash, c.ClosedAt, c.ClosedBy, c.Notes, c.Version)
	if err != nil {
		return wrapWrite("update cashier", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	return nil
}

func (p pgQueries) ListEntries(ctx context.Context, cashierID uuid.UUID) ([]ledger.Entry, error) {
	rows, err := p.q.Query(ctx, `SELECT `+entryColumns+` FROM ledger_entries
		WHERE cashier_id = $1 ORDER BY sequence`, cashierID)
	if err != nil {
		return nil, fmt.Errorf("register: list entries: %w", err)
	}
	defer rows.Close()
	var entries []ledger.Entry
	for rows.Next() {
		var (
			e      ledger.Entry
			opType string
			method *string
		)
		if err := rows.Scan(&e.ID, &e.CashierID, &e.Sequence, &opType, &e.Amount, &method, &e.RelatedEntityID,
			&e.BalanceBefore, &e.BalanceAfter, &e.OperatorID, &e.CreatedAt, &e.Notes, &e.Hash); err != nil {
			return nil, fmt.Errorf("register: scan entry: %w", err)
		}
		e.Type = ledger.OperationType(opType)
		if method != nil {
			m := ledger.PaymentMethod(*method)
			e.PaymentMethod = &m
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (p pgQueries) AppendEntry(ctx context.Context, e ledger.Entry) error {
	var method *string
	if e.PaymentMethod != nil {
		m := string(*e.PaymentMethod)
		method = &m
	}
	_, err := p.q.Exec(ctx, `INSERT INTO ledger_entries (`+entryColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		e.ID, e.CashierID, e.Sequence, string(e.Type), e.Amount, method, e.RelatedEntityID,
		e.BalanceBefore, e.BalanceAfter, e.OperatorID, e.CreatedAt, e.Notes, e.Hash)
	return wrapWrite("append entry", err)
}

func scanDay(row pgx.Row) (BusinessDay, error) {
	var (
		day    BusinessDay
		status string
	)
	t := &day.Totals
	err := row.Scan(&day.ID, &day.StoreID, &day.TradingDate, &status, &day.OpenedBy, &day.OpenedAt,
		&day.ClosedBy, &day.ClosedAt, &t.CashierCount, &t.OpenCashiers, &t.Sales, &t.Refunds, &t.Deposits,
		&t.Withdrawals, &t.ExpectedCash, &t.CountedCash, &t.CashDifference, &day.Version)
	if err != nil {
		return BusinessDay{}, err
	}
	day.Status = DayStatus(status)
	if !day.Status.Valid() {
		return BusinessDay{}, fmt.Errorf("register: unknown day status %q", status)
	}
	day.OpenedAt = day.OpenedAt.UTC()
	day.ClosedAt = utcPtr(day.ClosedAt)
	return day, nil
}

func collectDays(rows pgx.Rows) ([]BusinessDay, error) {
	defer rows.Close()
	var days []BusinessDay
	for rows.Next() {
		day, err := scanDay(rows)
		if err != nil {
			return nil, fmt.Errorf("register: scan day: %w", err)
		}
		days = append(days, day)
	}
	return days, rows.Err()
}

func scanCashier(row pgx.Row) (CashierSession, error) {
	var (
		c                             CashierSession
		status                        string
		expected, physical, different decimal.NullDecimal
	)
	err := row.Scan(&c.ID, &c.DayID, &c.StoreID, &c.TerminalID, &c.OperatorID, &status,
		&c.OpeningBalance, &c.CurrentBalance, &expected, &physical, &different, &c.Classification,
		&c.Totals.Sales, &c.Totals.Refunds, &c.Totals.Deposits, &c.Totals.Withdrawals,
		&c.LastSequence, &c.LastHash, &c.OpenedAt, &c.ClosedAt, &c.ClosedBy, &c.Notes, &c.Version)
	if err != nil {
		return CashierSession{}, err
	}
	c.Status = CashierStatus(status)
	if !c.Status.Valid() {
		return CashierSession{}, fmt.Errorf("register: unknown cashier status %q", status)
	}
	c.ExpectedBalance = decimalPtr(expected)
	c.PhysicalCash = decimalPtr(physical)
	c.CashDifference = decimalPtr(different)
	c.OpenedAt = c.OpenedAt.UTC()
	c.ClosedAt = utcPtr(c.ClosedAt)
	return c, nil
}

func nullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}

func decimalPtr(d decimal.NullDecimal) *decimal.Decimal {
	if !d.Valid {
		return nil
	}
	v := d.Decimal
	return &v
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

func wrapWrite(op string, err error) error {
	if err == nil {
		return nil
	}
	if mapped := mapPgError(err); mapped != nil {
		return mapped
	}
	return fmt.Errorf("register: %s: %w", op, err)
}

// mapPgError translates unique violations and serialization failures into
// register errors. It returns nil for anything else.
func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return nil
	}
	switch pgErr.Code {
	case "23505":
		switch pgErr.ConstraintName {
		case constraintOpenDay:
			return ErrDayAlreadyOpen
		case constraintOpenTerminal:
			return ErrTerminalBusy
		case constraintOpenOperator:
			return ErrOperatorBusy
		case constraintEntrySequence:
			return ErrVersionConflict
		}
	case "40001", "40P01":
		return ErrVersionConflict
	}
	return nil
}
