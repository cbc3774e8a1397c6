package ledger

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Reader loads the ordered entries of a register.
type Reader interface {
	ListEntries(ctx context.Context, cashierID uuid.UUID) ([]Entry, error)
}

// Appender appends a new entry. Implementations must reject a sequence that
// is already taken for the cashier.
type Appender interface {
	AppendEntry(ctx context.Context, entry Entry) error
}

// Apply computes the balance after applying op with amount to balance.
func Apply(balance decimal.Decimal, op OperationType, amount decimal.Decimal) (decimal.Decimal, error) {
	if !op.Valid() {
		return decimal.Zero, ErrInvalidOperation
	}
	if amount.IsNegative() {
		return decimal.Zero, ErrNegativeAmount
	}
	switch op.Sign() {
	case 1:
		return balance.Add(amount), nil
	case -1:
		if amount.GreaterThan(balance) {
			return balance, ErrNegativeBalance
		}
		return balance.Sub(amount), nil
	}
	if op == OperationOpening {
		return amount, nil
	}
	return balance, nil
}

// Verify checks that entries form an unbroken chain starting with an Opening
// entry. A Closing entry, when present, must be the last one. Every entry
// must carry the hash chained from its predecessor, so an edit that keeps
// the arithmetic consistent is still detected.
func Verify(entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	first := entries[0]
	if first.Type != OperationOpening {
		return fmt.Errorf("%w: first entry is %s", ErrBrokenChain, first.Type)
	}
	if !first.BalanceBefore.IsZero() {
		return fmt.Errorf("%w: opening balance_before is %s", ErrBrokenChain, first.BalanceBefore)
	}
	prev := ""
	for i, entry := range entries {
		if entry.Sequence != int64(i+1) {
			return fmt.Errorf("%w: sequence %d at position %d", ErrBrokenChain, entry.Sequence, i+1)
		}
		if entry.Type == OperationClosing && i != len(entries)-1 {
			return fmt.Errorf("%w: closing entry at sequence %d is not last", ErrBrokenChain, entry.Sequence)
		}
		if i > 0 && !entries[i-1].BalanceAfter.Equal(entry.BalanceBefore) {
			return fmt.Errorf("%w: sequence %d balance_before %s != previous balance_after %s",
				ErrBrokenChain, entry.Sequence, entry.BalanceBefore, entries[i-1].BalanceAfter)
		}
		want, err := Apply(entry.BalanceBefore, entry.Type, entry.Amount)
		if err != nil {
			return fmt.Errorf("%w: sequence %d: %v", ErrBrokenChain, entry.Sequence, err)
		}
		if !want.Equal(entry.BalanceAfter) {
			return fmt.Errorf("%w: sequence %d balance_after %s, want %s",
				ErrBrokenChain, entry.Sequence, entry.BalanceAfter, want)
		}
		if entry.Hash != Digest(prev, entry) {
			return fmt.Errorf("%w: sequence %d hash does not match its contents", ErrBrokenChain, entry.Sequence)
		}
		prev = entry.Hash
	}
	return nil
}

// Replay verifies entries and returns the resulting balance.
func Replay(entries []Entry) (decimal.Decimal, error) {
	if err := Verify(entries); err != nil {
		return decimal.Zero, err
	}
	if len(entries) == 0 {
		return decimal.Zero, nil
	}
	return entries[len(entries)-1].BalanceAfter, nil
}

// Summarize accumulates gross amounts per operation type.
func Summarize(entries []Entry) Totals {
	totals := Totals{
		Sales:       decimal.Zero,
		Refunds:     decimal.Zero,
		Deposits:    decimal.Zero,
		Withdrawals: decimal.Zero,
	}
	for _, entry := range entries {
		totals = totals.Add(entry.Type, entry.Amount)
	}
	return totals
}

// Add returns totals with amount folded into the bucket for op.
func (t Totals) Add(op OperationType, amount decimal.Decimal) Totals {
	switch op {
	case OperationSale:
		t.Sales = t.Sales.Add(amount)
	case OperationRefund:
		t.Refunds = t.Refunds.Add(amount)
	case OperationDeposit:
		t.Deposits = t.Deposits.Add(amount)
	case OperationWithdrawal:
		t.Withdrawals = t.Withdrawals.Add(amount)
	}
	return t
}
