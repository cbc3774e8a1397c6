// Package reconcile derives the cash a drawer should hold from its ledger and
// compares it to the physical count taken at close.
package reconcile

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-pos/internal/ledger"
)

// Classification grades a cash difference.
type Classification string

const (
	ClassificationBalanced Classification = "BALANCED"
	ClassificationWarning  Classification = "WARNING"
	ClassificationCritical Classification = "CRITICAL"
)

// Policy controls which tenders touch the drawer and how differences are graded.
type Policy struct {
	CashMethods       []ledger.PaymentMethod
	WarnThreshold     decimal.Decimal
	CriticalThreshold decimal.Decimal
}

// DefaultPolicy treats only cash as drawer-affecting.
func DefaultPolicy() Policy {
	return Policy{
		CashMethods:       []ledger.PaymentMethod{ledger.PaymentCash},
		WarnThreshold:     decimal.NewFromInt(5),
		CriticalThreshold: decimal.NewFromInt(20),
	}
}

// Result is the outcome of comparing a physical count to the ledger.
type Result struct {
	Expected       decimal.Decimal
	Physical       decimal.Decimal
	Difference     decimal.Decimal
	Classification Classification
}

// Overage reports whether more cash was counted than expected.
func (r Result) Overage() bool { return r.Difference.IsPositive() }

// Shortage reports whether less cash was counted than expected.
func (r Result) Shortage() bool { return r.Difference.IsNegative() }

// ErrNoOpeningEntry indicates a ledger without its Opening entry.
var ErrNoOpeningEntry = errors.New("reconcile: ledger has no opening entry")

// ErrNegativeCount indicates a negative physical cash amount.
var ErrNegativeCount = errors.New("reconcile: physical cash amount must be >= 0")

// Calculator recomputes expected drawer cash on every call.
type Calculator struct {
	reader ledger.Reader
	policy Policy
	cash   map[ledger.PaymentMethod]struct{}
}

// NewCalculator builds a Calculator reading entries from reader.
func NewCalculator(reader ledger.Reader, policy Policy) *Calculator {
	if len(policy.CashMethods) == 0 {
		policy.CashMethods = []ledger.PaymentMethod{ledger.PaymentCash}
	}
	cash := make(map[ledger.PaymentMethod]struct{}, len(policy.CashMethods))
	for _, m := range policy.CashMethods {
		cash[m] = struct{}{}
	}
	return &Calculator{reader: reader, policy: policy, cash: cash}
}

// WithReader returns a copy of the calculator bound to another entry source,
// typically a store transaction.
func (c *Calculator) WithReader(reader ledger.Reader) *Calculator {
	clone := *c
	clone.reader = reader
	return &clone
}

// Policy returns the active policy.
func (c *Calculator) Policy() Policy {
	return c.policy
}

// CashAffecting reports whether the entry moved money through the drawer.
// Entries without a tender are drawer movements.
func (c *Calculator) CashAffecting(entry ledger.Entry) bool {
	if entry.Type.Sign() == 0 {
		return false
	}
	if entry.PaymentMethod == nil {
		return true
	}
	_, ok := c.cash[*entry.PaymentMethod]
	return ok
}

// Expected loads the ledger of cashierID and returns the expected drawer cash.
func (c *Calculator) Expected(ctx context.Context, cashierID uuid.UUID) (decimal.Decimal, error) {
	entries, err := c.load(ctx, cashierID)
	if err != nil {
		return decimal.Zero, err
	}
	return c.ExpectedFrom(entries)
}

// ExpectedFrom computes opening + Σ signed cash-affecting amounts.
func (c *Calculator) ExpectedFrom(entries []ledger.Entry) (decimal.Decimal, error) {
	var (
		expected decimal.Decimal
		opened   bool
	)
	for _, entry := range entries {
		if entry.Type == ledger.OperationOpening {
			expected = entry.Amount
			opened = true
			continue
		}
		if !c.CashAffecting(entry) {
			continue
		}
		if entry.Type.Sign() > 0 {
			expected = expected.Add(entry.Amount)
		} else {
			expected = expected.Sub(entry.Amount)
		}
	}
	if !opened {
		return decimal.Zero, ErrNoOpeningEntry
	}
	return expected, nil
}

// Reconcile compares physical against the expected cash of cashierID.
func (c *Calculator) Reconcile(ctx context.Context, cashierID uuid.UUID, physical decimal.Decimal) (Result, error) {
	entries, err := c.load(ctx, cashierID)
	if err != nil {
		return Result{}, err
	}
	return c.ReconcileEntries(entries, physical)
}

// ReconcileEntries is Reconcile over an already loaded ledger.
func (c *Calculator) ReconcileEntries(entries []ledger.Entry, physical decimal.Decimal) (Result, error) {
	if physical.IsNegative() {
		return Result{}, ErrNegativeCount
	}
	expected, err := c.ExpectedFrom(entries)
	if err != nil {
		return Result{}, err
	}
	diff := physical.Sub(expected)
	return Result{
		Expected:       expected,
		Physical:       physical,
		Difference:     diff,
		Classification: c.Classify(diff),
	}, nil
}

// Classify grades a difference by its absolute size.
func (c *Calculator) Classify(diff decimal.Decimal) Classification {
	abs := diff.Abs()
	switch {
	case abs.IsZero():
		return ClassificationBalanced
	case c.policy.CriticalThreshold.IsPositive() && abs.GreaterThanOrEqual(c.policy.CriticalThreshold):
		return ClassificationCritical
	case abs.GreaterThanOrEqual(c.policy.WarnThreshold):
		return ClassificationWarning
	default:
		return ClassificationBalanced
	}
}

func (c *Calculator) load(ctx context.Context, cashierID uuid.UUID) ([]ledger.Entry, error) {
	if c.reader == nil {
		return nil, errors.New("reconcile: entry reader not configured")
	}
	return c.reader.ListEntries(ctx, cashierID)
}
