package reconcile

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-pos/internal/ledger"
)

type stubReader struct {
	entries map[uuid.UUID][]ledger.Entry
	calls   int
}

func (r *stubReader) ListEntries(_ context.Context, id uuid.UUID) ([]ledger.Entry, error) {
	r.calls++
	return r.entries[id], nil
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func method(m ledger.PaymentMethod) *ledger.PaymentMethod { return &m }

func buildLedger(opening string, lines ...ledger.Entry) []ledger.Entry {
	entries := []ledger.Entry{{Sequence: 1, Type: ledger.OperationOpening, Amount: dec(opening), BalanceAfter: dec(opening)}}
	return append(entries, lines...)
}

func TestExpectedCountsOnlyCash(t *testing.T) {
	id := uuid.New()
	reader := &stubReader{entries: map[uuid.UUID][]ledger.Entry{
		id: buildLedger("100.00",
			ledger.Entry{Type: ledger.OperationSale, Amount: dec("50.00"), PaymentMethod: method(ledger.PaymentCash)},
			ledger.Entry{Type: ledger.OperationSale, Amount: dec("80.00"), PaymentMethod: method(ledger.PaymentCard)},
			ledger.Entry{Type: ledger.OperationRefund, Amount: dec("10.00"), PaymentMethod: method(ledger.PaymentCash)},
			ledger.Entry{Type: ledger.OperationRefund, Amount: dec("30.00"), PaymentMethod: method(ledger.PaymentCard)},
			ledger.Entry{Type: ledger.OperationWithdrawal, Amount: dec("20.00")},
			ledger.Entry{Type: ledger.OperationDeposit, Amount: dec("5.00"), PaymentMethod: method(ledger.PaymentCash)},
		),
	}}
	calc := NewCalculator(reader, DefaultPolicy())

	expected, err := calc.Expected(context.Background(), id)
	require.NoError(t, err)
	require.True(t, expected.Equal(dec("125.00")), expected.String())

	// Recomputed from the ledger on every call.
	_, err = calc.Expected(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, 2, reader.calls)
}

func TestReconcileSignedDifference(t *testing.T) {
	id := uuid.New()
	reader := &stubReader{entries: map[uuid.UUID][]ledger.Entry{
		id: buildLedger("100.00",
			ledger.Entry{Type: ledger.OperationSale, Amount: dec("50.00"), PaymentMethod: method(ledger.PaymentCash)},
		),
	}}
	calc := NewCalculator(reader, DefaultPolicy())
	ctx := context.Background()

	res, err := calc.Reconcile(ctx, id, dec("140.00"))
	require.NoError(t, err)
	require.True(t, res.Expected.Equal(dec("150.00")))
	require.True(t, res.Difference.Equal(dec("-10.00")))
	require.True(t, res.Shortage())
	require.Equal(t, ClassificationWarning, res.Classification)

	res, err = calc.Reconcile(ctx, id, dec("151.00"))
	require.NoError(t, err)
	require.True(t, res.Difference.Equal(dec("1.00")))
	require.True(t, res.Overage())
	require.Equal(t, ClassificationBalanced, res.Classification)

	res, err = calc.Reconcile(ctx, id, dec("100.00"))
	require.NoError(t, err)
	require.True(t, res.Difference.Equal(dec("-50.00")))
	require.Equal(t, ClassificationCritical, res.Classification)

	res, err = calc.Reconcile(ctx, id, dec("150"))
	require.NoError(t, err)
	require.True(t, res.Difference.IsZero())
	require.Equal(t, ClassificationBalanced, res.Classification)

	_, err = calc.Reconcile(ctx, id, dec("-1"))
	require.ErrorIs(t, err, ErrNegativeCount)
}

func TestCustomCashMethods(t *testing.T) {
	entries := buildLedger("0",
		ledger.Entry{Type: ledger.OperationSale, Amount: dec("10"), PaymentMethod: method(ledger.PaymentVoucher)},
		ledger.Entry{Type: ledger.OperationSale, Amount: dec("7"), PaymentMethod: method(ledger.PaymentCard)},
	)
	calc := NewCalculator(nil, Policy{CashMethods: []ledger.PaymentMethod{ledger.PaymentCash, ledger.PaymentVoucher}})
	expected, err := calc.ExpectedFrom(entries)
	require.NoError(t, err)
	require.True(t, expected.Equal(dec("10")))
}

func TestExpectedRequiresOpening(t *testing.T) {
	calc := NewCalculator(nil, DefaultPolicy())
	_, err := calc.ExpectedFrom([]ledger.Entry{{Type: ledger.OperationSale, Amount: dec("1")}})
	require.ErrorIs(t, err, ErrNoOpeningEntry)

	_, err = calc.Expected(context.Background(), uuid.New())
	require.Error(t, err)
}
