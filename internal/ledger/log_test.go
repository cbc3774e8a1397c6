package ledger

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func chain(t *testing.T, opening string, ops ...struct {
	op     OperationType
	amount string
}) []Entry {
	t.Helper()
	cashierID := uuid.New()
	entries := []Entry{Seal("", Entry{
		ID:            uuid.New(),
		CashierID:     cashierID,
		Sequence:      1,
		Type:          OperationOpening,
		Amount:        dec(opening),
		BalanceBefore: decimal.Zero,
		BalanceAfter:  dec(opening),
		CreatedAt:     time.Now(),
	})}
	balance := dec(opening)
	for i, o := range ops {
		after, err := Apply(balance, o.op, dec(o.amount))
		require.NoError(t, err)
		entries = append(entries, Seal(entries[len(entries)-1].Hash, Entry{
			ID:            uuid.New(),
			CashierID:     cashierID,
			Sequence:      int64(i + 2),
			Type:          o.op,
			Amount:        dec(o.amount),
			BalanceBefore: balance,
			BalanceAfter:  after,
			OperatorID:    "op1",
			CreatedAt:     time.Now(),
		}))
		balance = after
	}
	return entries
}

type step = struct {
	op     OperationType
	amount string
}

func TestApply(t *testing.T) {
	after, err := Apply(dec("100.00"), OperationSale, dec("50.00"))
	require.NoError(t, err)
	require.True(t, after.Equal(dec("150.00")))

	after, err = Apply(dec("150.00"), OperationWithdrawal, dec("150.00"))
	require.NoError(t, err)
	require.True(t, after.IsZero())

	_, err = Apply(dec("150.00"), OperationRefund, dec("150.01"))
	require.ErrorIs(t, err, ErrNegativeBalance)

	_, err = Apply(dec("1"), OperationDeposit, dec("-1"))
	require.ErrorIs(t, err, ErrNegativeAmount)

	_, err = Apply(dec("1"), OperationType("VOID"), dec("1"))
	require.ErrorIs(t, err, ErrInvalidOperation)

	after, err = Apply(dec("42"), OperationClosing, dec("40"))
	require.NoError(t, err)
	require.True(t, after.Equal(dec("42")))
}

func TestReplayMatchesRunningBalance(t *testing.T) {
	entries := chain(t, "100.00",
		step{OperationSale, "50.00"},
		step{OperationRefund, "20.00"},
		step{OperationDeposit, "5.50"},
		step{OperationWithdrawal, "35.50"},
	)
	balance, err := Replay(entries)
	require.NoError(t, err)
	require.True(t, balance.Equal(dec("100.00")), balance.String())

	for i := 1; i < len(entries); i++ {
		require.True(t, entries[i-1].BalanceAfter.Equal(entries[i].BalanceBefore))
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	entries := chain(t, "10", step{OperationSale, "5"}, step{OperationSale, "5"})
	entries[1].BalanceAfter = dec("16")
	require.ErrorIs(t, Verify(entries), ErrBrokenChain)

	entries = chain(t, "10", step{OperationSale, "5"})
	entries[1].Sequence = 3
	require.ErrorIs(t, Verify(entries), ErrBrokenChain)

	entries = chain(t, "10", step{OperationSale, "5"})
	entries[0].Type = OperationSale
	require.ErrorIs(t, Verify(entries), ErrBrokenChain)
}

func TestVerifyDetectsConsistentRewrite(t *testing.T) {
	entries := chain(t, "10", step{OperationSale, "5"}, step{OperationSale, "5"})
	require.NoError(t, Verify(entries))

	rewritten := append([]Entry(nil), entries...)
	rewritten[1].Notes = "voided"
	require.ErrorIs(t, Verify(rewritten), ErrBrokenChain)

	// Moving a sale to another tender keeps every balance intact.
	rewritten = append([]Entry(nil), entries...)
	card := PaymentCard
	rewritten[2].PaymentMethod = &card
	require.ErrorIs(t, Verify(rewritten), ErrBrokenChain)

	// Resealing one entry is not enough: its successor still chains from
	// the original hash.
	rewritten = append([]Entry(nil), entries...)
	rewritten[1].OperatorID = "op2"
	rewritten[1] = Seal(entries[0].Hash, rewritten[1])
	require.ErrorIs(t, Verify(rewritten), ErrBrokenChain)
}

func TestDigestIsStableAcrossStorageRoundTrip(t *testing.T) {
	at := time.Date(2026, 3, 14, 9, 30, 0, 123456789, time.UTC)
	e := Entry{
		ID:            uuid.New(),
		CashierID:     uuid.New(),
		Sequence:      2,
		Type:          OperationSale,
		Amount:        dec("50"),
		BalanceBefore: dec("100"),
		BalanceAfter:  dec("150"),
		CreatedAt:     at,
	}
	stored := e
	stored.Amount = dec("50.00")
	stored.BalanceBefore = dec("100.00")
	stored.BalanceAfter = dec("150.00")
	stored.CreatedAt = at.Truncate(time.Microsecond).In(time.FixedZone("WIB", 7*3600))
	require.Equal(t, Digest("abc", e), Digest("abc", stored))
	require.NotEqual(t, Digest("abc", e), Digest("abd", e))
	require.Len(t, Digest("", e), 64)
}

func TestVerifyClosingMustBeLast(t *testing.T) {
	entries := chain(t, "10", step{OperationClosing, "10"}, step{OperationSale, "5"})
	require.ErrorIs(t, Verify(entries), ErrBrokenChain)

	entries = chain(t, "10", step{OperationSale, "5"}, step{OperationClosing, "14"})
	require.NoError(t, Verify(entries))
}

func TestSummarize(t *testing.T) {
	entries := chain(t, "0",
		step{OperationSale, "10"},
		step{OperationSale, "15"},
		step{OperationRefund, "5"},
		step{OperationDeposit, "100"},
		step{OperationWithdrawal, "50"},
	)
	totals := Summarize(entries)
	require.True(t, totals.Sales.Equal(dec("25")))
	require.True(t, totals.Refunds.Equal(dec("5")))
	require.True(t, totals.Deposits.Equal(dec("100")))
	require.True(t, totals.Withdrawals.Equal(dec("50")))
}

func TestOperationTypeClassification(t *testing.T) {
	require.True(t, OperationSale.Applicable())
	require.False(t, OperationOpening.Applicable())
	require.False(t, OperationClosing.Applicable())
	require.Equal(t, -1, OperationRefund.Sign())
	require.Equal(t, 0, OperationClosing.Sign())
	require.True(t, PaymentCard.Valid())
	require.False(t, PaymentMethod("crypto").Valid())
}
