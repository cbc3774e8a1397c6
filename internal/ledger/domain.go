package ledger

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OperationType enumerates balance-affecting register actions.
type OperationType string

const (
	// OperationOpening seeds the register with its opening float.
	OperationOpening OperationType = "OPENING"
	// OperationSale records money taken for a sale.
	OperationSale OperationType = "SALE"
	// OperationRefund records money returned to a customer.
	OperationRefund OperationType = "REFUND"
	// OperationWithdrawal records money taken out of the drawer.
	OperationWithdrawal OperationType = "WITHDRAWAL"
	// OperationDeposit records money put into the drawer.
	OperationDeposit OperationType = "DEPOSIT"
	// OperationClosing captures the physical count at close.
	OperationClosing OperationType = "CLOSING"
)

// Valid reports whether t is one of the known operation types.
func (t OperationType) Valid() bool {
	switch t {
	case OperationOpening, OperationSale, OperationRefund, OperationWithdrawal, OperationDeposit, OperationClosing:
		return true
	default:
		return false
	}
}

// Applicable reports whether t may be applied to an open register by a caller.
// Opening and Closing entries are written by the lifecycle transitions only.
func (t OperationType) Applicable() bool {
	switch t {
	case OperationSale, OperationRefund, OperationWithdrawal, OperationDeposit:
		return true
	default:
		return false
	}
}

// Sign returns +1 for inflows, -1 for outflows and 0 for lifecycle markers.
func (t OperationType) Sign() int {
	switch t {
	case OperationSale, OperationDeposit:
		return 1
	case OperationRefund, OperationWithdrawal:
		return -1
	default:
		return 0
	}
}

// PaymentMethod is the tender used for an operation.
type PaymentMethod string

const (
	PaymentCash     PaymentMethod = "cash"
	PaymentCard     PaymentMethod = "card"
	PaymentTransfer PaymentMethod = "transfer"
	PaymentVoucher  PaymentMethod = "voucher"
	PaymentOther    PaymentMethod = "other"
)

// Valid reports whether m is a known tender.
func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentCash, PaymentCard, PaymentTransfer, PaymentVoucher, PaymentOther:
		return true
	default:
		return false
	}
}

// Entry is one immutable line of a register's ledger. Hash chains it to the
// entry before it, see Digest.
type Entry struct {
	ID              uuid.UUID
	CashierID       uuid.UUID
	Sequence        int64
	Type            OperationType
	Amount          decimal.Decimal
	PaymentMethod   *PaymentMethod
	RelatedEntityID *string
	BalanceBefore   decimal.Decimal
	BalanceAfter    decimal.Decimal
	OperatorID      string
	CreatedAt       time.Time
	Notes           string
	Hash            string
}

// Delta is the signed change the entry applied to the register balance.
func (e Entry) Delta() decimal.Decimal {
	return e.BalanceAfter.Sub(e.BalanceBefore)
}

// Method returns the tender of the entry, or the empty string when none applies.
func (e Entry) Method() PaymentMethod {
	if e.PaymentMethod == nil {
		return ""
	}
	return *e.PaymentMethod
}

// Totals summarises gross amounts per operation type.
type Totals struct {
	Sales       decimal.Decimal
	Refunds     decimal.Decimal
	Deposits    decimal.Decimal
	Withdrawals decimal.Decimal
}

// ErrInvalidOperation indicates an unknown or non-applicable operation type.
var ErrInvalidOperation = errors.New("ledger: invalid operation type")

// ErrNegativeAmount indicates a negative entry amount.
var ErrNegativeAmount = errors.New("ledger: amount must be >= 0")

// ErrNegativeBalance indicates an outflow larger than the current balance.
var ErrNegativeBalance = errors.New("ledger: balance cannot go negative")

// ErrBrokenChain indicates entries whose balance snapshots do not line up.
var ErrBrokenChain = errors.New("ledger: broken balance chain")
