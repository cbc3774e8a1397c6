package register

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-pos/internal/ledger"
)

// DayStatus enumerates business day lifecycle stages.
type DayStatus string

const (
	DayStatusOpen   DayStatus = "OPEN"
	DayStatusClosed DayStatus = "CLOSED"
)

// Valid reports whether s is a known day status.
func (s DayStatus) Valid() bool {
	return s == DayStatusOpen || s == DayStatusClosed
}

// CashierStatus enumerates register session lifecycle stages.
type CashierStatus string

const (
	CashierStatusOpen   CashierStatus = "OPEN"
	CashierStatusClosed CashierStatus = "CLOSED"
)

// Valid reports whether s is a known cashier status.
func (s CashierStatus) Valid() bool {
	return s == CashierStatusOpen || s == CashierStatusClosed
}

// DayTotals aggregates the registers of a business day.
type DayTotals struct {
	CashierCount   int
	OpenCashiers   int
	Sales          decimal.Decimal
	Refunds        decimal.Decimal
	Deposits       decimal.Decimal
	Withdrawals    decimal.Decimal
	ExpectedCash   decimal.Decimal
	CountedCash    decimal.Decimal
	CashDifference decimal.Decimal
}

// BusinessDay is the store-wide trading window.
type BusinessDay struct {
	ID          uuid.UUID
	StoreID     string
	TradingDate time.Time
	Status      DayStatus
	OpenedBy    string
	OpenedAt    time.Time
	ClosedBy    *string
	ClosedAt    *time.Time
	Totals      DayTotals
	Version     int64
}

// IsOpen reports whether the day still accepts registers.
func (d BusinessDay) IsOpen() bool { return d.Status == DayStatusOpen }

// CashierSession is a register opened on one terminal by one operator.
type CashierSession struct {
	ID              uuid.UUID
	DayID           uuid.UUID
	StoreID         string
	TerminalID      string
	OperatorID      string
	Status          CashierStatus
	OpeningBalance  decimal.Decimal
	CurrentBalance  decimal.Decimal
	ExpectedBalance *decimal.Decimal
	PhysicalCash    *decimal.Decimal
	CashDifference  *decimal.Decimal
	Classification  string
	Totals          ledger.Totals
	LastSequence    int64
	LastHash        string
	OpenedAt        time.Time
	ClosedAt        *time.Time
	ClosedBy        *string
	Notes           string
	Version         int64
}

// IsOpen reports whether operations may still be applied.
func (c CashierSession) IsOpen() bool { return c.Status == CashierStatusOpen }

// DaySummary is the end-of-day view of a business day and its registers.
type DaySummary struct {
	Day      BusinessDay
	Cashiers []CashierSession
}

// OpenDayInput captures the parameters for opening a business day.
type OpenDayInput struct {
	StoreID     string
	OpenedBy    string
	TradingDate time.Time
}

// Validate ensures the input is coherent.
func (in OpenDayInput) Validate() error {
	if strings.TrimSpace(in.StoreID) == "" {
		return fmt.Errorf("%w: store id required", ErrInvalidInput)
	}
	if strings.TrimSpace(in.OpenedBy) == "" {
		return fmt.Errorf("%w: opened by required", ErrInvalidInput)
	}
	return nil
}

// OpenCashierInput captures the parameters for opening a register.
type OpenCashierInput struct {
	DayID          uuid.UUID
	TerminalID     string
	OperatorID     string
	OpeningBalance decimal.Decimal
}

// Validate ensures the input is coherent.
func (in OpenCashierInput) Validate() error {
	if in.DayID == uuid.Nil {
		return fmt.Errorf("%w: day id required", ErrInvalidInput)
	}
	if strings.TrimSpace(in.TerminalID) == "" {
		return fmt.Errorf("%w: terminal id required", ErrInvalidInput)
	}
	if strings.TrimSpace(in.OperatorID) == "" {
		return fmt.Errorf("%w: operator id required", ErrInvalidInput)
	}
	return validateAmount(in.OpeningBalance, true)
}

// OperationInput describes a money movement on an open register.
type OperationInput struct {
	CashierID       uuid.UUID
	Type            ledger.OperationType
	Amount          decimal.Decimal
	PaymentMethod   ledger.PaymentMethod
	RelatedEntityID string
	OperatorID      string
	Notes           string
	IdempotencyKey  string
}

// Validate ensures the input is coherent and defaults the tender to cash.
func (in *OperationInput) Validate() error {
	if in.CashierID == uuid.Nil {
		return fmt.Errorf("%w: cashier id required", ErrInvalidInput)
	}
	if !in.Type.Applicable() {
		return fmt.Errorf("%w: %q", ErrInvalidOperation, in.Type)
	}
	if in.PaymentMethod == "" {
		in.PaymentMethod = ledger.PaymentCash
	}
	if !in.PaymentMethod.Valid() {
		return fmt.Errorf("%w: unknown payment method %q", ErrInvalidInput, in.PaymentMethod)
	}
	return validateAmount(in.Amount, false)
}

// CloseCashierInput captures the physical count taken at close.
type CloseCashierInput struct {
	CashierID          uuid.UUID
	OperatorID         string
	PhysicalCashAmount decimal.Decimal
	Notes              string
}

// Validate ensures the input is coherent.
func (in CloseCashierInput) Validate() error {
	if in.CashierID == uuid.Nil {
		return fmt.Errorf("%w: cashier id required", ErrInvalidInput)
	}
	if strings.TrimSpace(in.OperatorID) == "" {
		return fmt.Errorf("%w: operator id required", ErrInvalidInput)
	}
	return validateAmount(in.PhysicalCashAmount, true)
}

func validateAmount(amount decimal.Decimal, allowZero bool) error {
	if amount.IsNegative() {
		return fmt.Errorf("%w: %s is negative", ErrInvalidAmount, amount)
	}
	if !allowZero && amount.IsZero() {
		return fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	if !amount.Equal(amount.Round(2)) {
		return fmt.Errorf("%w: %s has more than two decimal places", ErrInvalidAmount, amount)
	}
	return nil
}

var (
	// ErrInvalidInput indicates a malformed request.
	ErrInvalidInput = errors.New("register: invalid input")
	// ErrInvalidAmount indicates a negative, zero or over-precise amount.
	ErrInvalidAmount = errors.New("register: invalid amount")
	// ErrInvalidOperation indicates an operation type callers may not apply.
	ErrInvalidOperation = errors.New("register: invalid operation type")

	// ErrDayNotFound indicates an unknown business day.
	ErrDayNotFound = errors.New("register: business day not found")
	// ErrDayAlreadyOpen indicates the store already has an open business day.
	ErrDayAlreadyOpen = errors.New("register: business day already open for store")
	// ErrDayAlreadyClosed indicates a close on a closed business day.
	ErrDayAlreadyClosed = errors.New("register: business day already closed")
	// ErrDayNotOpen indicates a register open against a closed business day.
	ErrDayNotOpen = errors.New("register: business day not open")
	// ErrOpenCashiersExist indicates a day close blocked by open registers.
	ErrOpenCashiersExist = errors.New("register: open cashiers exist")

	// ErrCashierNotFound indicates an unknown register.
	ErrCashierNotFound = errors.New("register: cashier not found")
	// ErrTerminalBusy indicates the terminal already has an open register.
	ErrTerminalBusy = errors.New("register: terminal already has an open cashier")
	// ErrOperatorBusy indicates the operator already has an open register.
	ErrOperatorBusy = errors.New("register: operator already has an open cashier")
	// ErrCashierClosed indicates an operation on a closed register.
	ErrCashierClosed = errors.New("register: cashier closed")
	// ErrCashierAlreadyClosed indicates a close on a closed register.
	ErrCashierAlreadyClosed = errors.New("register: cashier already closed")
	// ErrInsufficientFunds indicates an outflow larger than the register balance.
	ErrInsufficientFunds = errors.New("register: insufficient funds")

	// ErrDuplicateRequest indicates an idempotency key that was already used.
	ErrDuplicateRequest = errors.New("register: duplicate request")
	// ErrVersionConflict is reported by a Store when a compare-and-swap lost.
	ErrVersionConflict = errors.New("register: version conflict")
	// ErrTransient indicates a mutation that kept conflicting. Retrying the
	// whole request is safe.
	ErrTransient = errors.New("register: transient conflict, retry")
)

// OpenCashiersError lists the registers that block a day close.
type OpenCashiersError struct {
	DayID      uuid.UUID
	CashierIDs []uuid.UUID
}

func newOpenCashiersError(dayID uuid.UUID, cashiers []CashierSession) *OpenCashiersError {
	ids := make([]uuid.UUID, 0, len(cashiers))
	for _, c := range cashiers {
		ids = append(ids, c.ID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return &OpenCashiersError{DayID: dayID, CashierIDs: ids}
}

func (e *OpenCashiersError) Error() string {
	ids := make([]string, len(e.CashierIDs))
	for i, id := range e.CashierIDs {
		ids[i] = id.String()
	}
	return fmt.Sprintf("register: %d open cashiers exist for day %s: %s", len(ids), e.DayID, strings.Join(ids, ", "))
}

// Is matches ErrOpenCashiersExist.
func (e *OpenCashiersError) Is(target error) bool {
	return target == ErrOpenCashiersExist
}

// InsufficientFundsError carries the balance that rejected an outflow.
type InsufficientFundsError struct {
	CashierID uuid.UUID
	Type      ledger.OperationType
	Balance   decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("register: insufficient funds for %s of %s on cashier %s (balance %s)",
		strings.ToLower(string(e.Type)), e.Requested.StringFixed(2), e.CashierID, e.Balance.StringFixed(2))
}

// Is matches ErrInsufficientFunds.
func (e *InsufficientFundsError) Is(target error) bool {
	return target == ErrInsufficientFunds
}

func truncateDate(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
