package register

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

// fakeRow feeds fixed column values into Scan destinations.
type fakeRow struct {
	values []any
	err    error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) != len(r.values) {
		return fmt.Errorf("scan: %d destinations for %d columns", len(dest), len(r.values))
	}
	for i, d := range dest {
		target := reflect.ValueOf(d).Elem()
		value := reflect.ValueOf(r.values[i])
		if !value.Type().AssignableTo(target.Type()) {
			return fmt.Errorf("scan: column %d is %s, destination %s", i, value.Type(), target.Type())
		}
		target.Set(value)
	}
	return nil
}

func TestMapPgError(t *testing.T) {
	wrap := func(code, constraint string) error {
		return fmt.Errorf("exec: %w", &pgconn.PgError{Code: code, ConstraintName: constraint})
	}
	cases := []struct {
		name string
		err  error
		want error
	}{
		{"second open day", wrap("23505", constraintOpenDay), ErrDayAlreadyOpen},
		{"terminal busy", wrap("23505", constraintOpenTerminal), ErrTerminalBusy},
		{"operator busy", wrap("23505", constraintOpenOperator), ErrOperatorBusy},
		{"sequence taken", wrap("23505", constraintEntrySequence), ErrVersionConflict},
		{"serialization failure", wrap("40001", ""), ErrVersionConflict},
		{"deadlock", wrap("40P01", ""), ErrVersionConflict},
		{"other unique index", wrap("23505", "ledger_entries_pkey"), nil},
		{"foreign key", wrap("23503", "ledger_entries_cashier_id_fkey"), nil},
		{"not a pg error", errors.New("connection reset"), nil},
		{"nil", nil, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := mapPgError(tc.err)
			if tc.want == nil {
				require.NoError(t, got)
				return
			}
			require.ErrorIs(t, got, tc.want)
		})
	}
}

func TestWrapWrite(t *testing.T) {
	require.NoError(t, wrapWrite("insert cashier", nil))

	err := wrapWrite("insert cashier", fmt.Errorf("exec: %w", &pgconn.PgError{Code: "23505", ConstraintName: constraintOpenTerminal}))
	require.ErrorIs(t, err, ErrTerminalBusy)

	cause := &pgconn.PgError{Code: "23514", ConstraintName: "cashier_sessions_current_balance_check"}
	err = wrapWrite("update cashier", cause)
	require.ErrorIs(t, err, cause)
	require.Contains(t, err.Error(), "register: update cashier")
}

func TestConstraintNamesMatchMigration(t *testing.T) {
	raw, err := os.ReadFile("../../migrations/0001_register.sql")
	require.NoError(t, err)
	migration := string(raw)

	for _, name := range []string{constraintOpenDay, constraintOpenTerminal, constraintOpenOperator} {
		pattern := regexp.MustCompile(`CREATE UNIQUE INDEX IF NOT EXISTS ` + name + `\s`)
		require.Regexp(t, pattern, migration, name)
	}
	require.Regexp(t, regexp.MustCompile(`CONSTRAINT `+constraintEntrySequence+` UNIQUE`), migration)

	for table, columns := range map[string]string{
		"business_days":    dayColumns,
		"cashier_sessions": cashierColumns,
		"ledger_entries":   entryColumns,
	} {
		body := tableBody(t, migration, table)
		for _, column := range strings.Split(columns, ",") {
			column = strings.TrimSpace(column)
			require.Regexp(t, regexp.MustCompile(`(?m)^\s+`+column+`\s`), body, "%s.%s", table, column)
		}
	}
}

func tableBody(t *testing.T, migration, table string) string {
	t.Helper()
	start := strings.Index(migration, "CREATE TABLE IF NOT EXISTS "+table+" (")
	require.GreaterOrEqual(t, start, 0, table)
	end := strings.Index(migration[start:], "\n);")
	require.Greater(t, end, 0, table)
	return migration[start : start+end]
}

func TestScanDay(t *testing.T) {
	wib := time.FixedZone("WIB", 7*3600)
	opened := time.Date(2026, 3, 14, 15, 0, 0, 0, wib)
	closed := opened.Add(10 * time.Hour)
	closedBy := "mgr2"
	id := uuid.New()
	values := []any{
		id, "S1", time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC), "CLOSED", "mgr1", opened,
		&closedBy, &closed, 3, 0,
		decimal.RequireFromString("300.00"), decimal.RequireFromString("20.00"),
		decimal.RequireFromString("5.00"), decimal.RequireFromString("40.00"),
		decimal.RequireFromString("545.00"), decimal.RequireFromString("540.00"),
		decimal.RequireFromString("-5.00"), int64(7),
	}

	day, err := scanDay(fakeRow{values: values})
	require.NoError(t, err)
	require.Equal(t, id, day.ID)
	require.Equal(t, DayStatusClosed, day.Status)
	require.Equal(t, time.UTC, day.OpenedAt.Location())
	require.True(t, day.OpenedAt.Equal(opened))
	require.NotNil(t, day.ClosedAt)
	require.Equal(t, time.UTC, day.ClosedAt.Location())
	require.Equal(t, 3, day.Totals.CashierCount)
	require.True(t, day.Totals.CashDifference.Equal(decimal.RequireFromString("-5")))
	require.EqualValues(t, 7, day.Version)

	values[3] = "PAUSED"
	_, err = scanDay(fakeRow{values: values})
	require.ErrorContains(t, err, `unknown day status "PAUSED"`)

	_, err = scanDay(fakeRow{err: pgx.ErrNoRows})
	require.ErrorIs(t, err, pgx.ErrNoRows)
}

func TestScanCashier(t *testing.T) {
	wib := time.FixedZone("WIB", 7*3600)
	opened := time.Date(2026, 3, 14, 9, 0, 0, 0, wib)
	id, dayID := uuid.New(), uuid.New()
	values := []any{
		id, dayID, "S1", "T1", "op1", "OPEN",
		decimal.RequireFromString("100.00"), decimal.RequireFromString("150.00"),
		decimal.NullDecimal{}, decimal.NullDecimal{}, decimal.NullDecimal{}, "",
		decimal.RequireFromString("50.00"), decimal.Zero, decimal.Zero, decimal.Zero,
		int64(2), strings.Repeat("ab", 32), opened, (*time.Time)(nil), (*string)(nil), "", int64(2),
	}

	c, err := scanCashier(fakeRow{values: values})
	require.NoError(t, err)
	require.Equal(t, id, c.ID)
	require.Equal(t, dayID, c.DayID)
	require.True(t, c.IsOpen())
	require.Nil(t, c.ExpectedBalance)
	require.Nil(t, c.PhysicalCash)
	require.Nil(t, c.CashDifference)
	require.Nil(t, c.ClosedAt)
	require.Equal(t, strings.Repeat("ab", 32), c.LastHash)
	require.Equal(t, time.UTC, c.OpenedAt.Location())
	require.True(t, c.Totals.Sales.Equal(decimal.RequireFromString("50")))

	closed := opened.Add(8 * time.Hour)
	closedBy := "op1"
	values[5] = "CLOSED"
	values[8] = decimal.NullDecimal{Decimal: decimal.RequireFromString("150.00"), Valid: true}
	values[9] = decimal.NullDecimal{Decimal: decimal.RequireFromString("140.00"), Valid: true}
	values[10] = decimal.NullDecimal{Decimal: decimal.RequireFromString("-10.00"), Valid: true}
	values[11] = "WARNING"
	values[19] = &closed
	values[20] = &closedBy
	c, err = scanCashier(fakeRow{values: values})
	require.NoError(t, err)
	require.Equal(t, CashierStatusClosed, c.Status)
	require.True(t, c.CashDifference.Equal(decimal.RequireFromString("-10")))
	require.True(t, c.PhysicalCash.Equal(decimal.RequireFromString("140")))
	require.Equal(t, time.UTC, c.ClosedAt.Location())
	require.Equal(t, "op1", *c.ClosedBy)

	values[5] = "SUSPENDED"
	_, err = scanCashier(fakeRow{values: values})
	require.ErrorContains(t, err, `unknown cashier status "SUSPENDED"`)
}
