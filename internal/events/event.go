// Package events publishes register lifecycle events to external subscribers.
// Publishing is asynchronous and never gates a ledger commit.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Type names an event in the closed event set.
type Type string

const (
	TypeDayOpened         Type = "DayOpened"
	TypeDayClosed         Type = "DayClosed"
	TypeCashierOpened     Type = "CashierOpened"
	TypeCashierClosed     Type = "CashierClosed"
	TypeOperationRecorded Type = "OperationRecorded"
)

// Event is implemented only by the event structs of this package.
type Event interface {
	EventType() Type
	Store() string
	sealed()
}

// DayOpened is emitted when a business day opens.
type DayOpened struct {
	DayID       uuid.UUID `json:"day_id"`
	StoreID     string    `json:"store_id"`
	TradingDate string    `json:"trading_date"`
	OpenedBy    string    `json:"opened_by"`
	OpenedAt    time.Time `json:"opened_at"`
}

// DayClosed is emitted when a business day closes, with its final totals.
type DayClosed struct {
	DayID               uuid.UUID       `json:"day_id"`
	StoreID             string          `json:"store_id"`
	TradingDate         string          `json:"trading_date"`
	OpenedBy            string          `json:"opened_by"`
	OpenedAt            time.Time       `json:"opened_at"`
	ClosedBy            string          `json:"closed_by"`
	ClosedAt            time.Time       `json:"closed_at"`
	CashierCount        int             `json:"cashier_count"`
	TotalSales          decimal.Decimal `json:"total_sales"`
	TotalRefunds        decimal.Decimal `json:"total_refunds"`
	TotalDeposits       decimal.Decimal `json:"total_deposits"`
	TotalWithdrawals    decimal.Decimal `json:"total_withdrawals"`
	TotalExpectedCash   decimal.Decimal `json:"total_expected_cash"`
	TotalCountedCash    decimal.Decimal `json:"total_counted_cash"`
	TotalCashDifference decimal.Decimal `json:"total_cash_difference"`
}

// CashierOpened is emitted when a register opens on a terminal.
type CashierOpened struct {
	CashierID      uuid.UUID       `json:"cashier_id"`
	DayID          uuid.UUID       `json:"day_id"`
	StoreID        string          `json:"store_id"`
	TerminalID     string          `json:"terminal_id"`
	OperatorID     string          `json:"operator_id"`
	OpeningBalance decimal.Decimal `json:"opening_balance"`
	OpenedAt       time.Time       `json:"opened_at"`
}

// CashierClosed is emitted when a register closes, with its reconciliation.
type CashierClosed struct {
	CashierID       uuid.UUID       `json:"cashier_id"`
	DayID           uuid.UUID       `json:"day_id"`
	StoreID         string          `json:"store_id"`
	TerminalID      string          `json:"terminal_id"`
	OperatorID      string          `json:"operator_id"`
	ClosedBy        string          `json:"closed_by"`
	OpeningBalance  decimal.Decimal `json:"opening_balance"`
	FinalBalance    decimal.Decimal `json:"final_balance"`
	ExpectedBalance decimal.Decimal `json:"expected_balance"`
	PhysicalCash    decimal.Decimal `json:"physical_cash"`
	CashDifference  decimal.Decimal `json:"cash_difference"`
	Classification  string          `json:"classification"`
	EntryCount      int64           `json:"entry_count"`
	OpenedAt        time.Time       `json:"opened_at"`
	ClosedAt        time.Time       `json:"closed_at"`
}

// OperationRecorded is emitted for each ledger entry written by an operation.
type OperationRecorded struct {
	EntryID         uuid.UUID       `json:"entry_id"`
	CashierID       uuid.UUID       `json:"cashier_id"`
	DayID           uuid.UUID       `json:"day_id"`
	StoreID         string          `json:"store_id"`
	TerminalID      string          `json:"terminal_id"`
	OperatorID      string          `json:"operator_id"`
	Sequence        int64           `json:"sequence"`
	OperationType   string          `json:"operation_type"`
	Amount          decimal.Decimal `json:"amount"`
	PaymentMethod   string          `json:"payment_method,omitempty"`
	RelatedEntityID string          `json:"related_entity_id,omitempty"`
	BalanceBefore   decimal.Decimal `json:"balance_before"`
	BalanceAfter    decimal.Decimal `json:"balance_after"`
	RecordedAt      time.Time       `json:"recorded_at"`
}

func (DayOpened) EventType() Type         { return TypeDayOpened }
func (DayClosed) EventType() Type         { return TypeDayClosed }
func (CashierOpened) EventType() Type     { return TypeCashierOpened }
func (CashierClosed) EventType() Type     { return TypeCashierClosed }
func (OperationRecorded) EventType() Type { return TypeOperationRecorded }

func (e DayOpened) Store() string         { return e.StoreID }
func (e DayClosed) Store() string         { return e.StoreID }
func (e CashierOpened) Store() string     { return e.StoreID }
func (e CashierClosed) Store() string     { return e.StoreID }
func (e OperationRecorded) Store() string { return e.StoreID }

func (DayOpened) sealed()         {}
func (DayClosed) sealed()         {}
func (CashierOpened) sealed()     {}
func (CashierClosed) sealed()     {}
func (OperationRecorded) sealed() {}

// Envelope is the wire form delivered to subscribers.
type Envelope struct {
	ID         uuid.UUID       `json:"id"`
	Type       Type            `json:"type"`
	OccurredAt time.Time       `json:"occurred_at"`
	StoreID    string          `json:"store_id"`
	Payload    json.RawMessage `json:"payload"`
}

// ErrUnknownType indicates an envelope outside the closed event set.
var ErrUnknownType = errors.New("events: unknown event type")

// NewEnvelope wraps evt for delivery.
func NewEnvelope(evt Event, at time.Time) (Envelope, error) {
	if evt == nil {
		return Envelope{}, errors.New("events: nil event")
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return Envelope{}, fmt.Errorf("events: marshal %s: %w", evt.EventType(), err)
	}
	return Envelope{
		ID:         uuid.New(),
		Type:       evt.EventType(),
		OccurredAt: at.UTC(),
		StoreID:    evt.Store(),
		Payload:    payload,
	}, nil
}

// Decode restores the typed event carried by env.
func Decode(env Envelope) (Event, error) {
	var (
		evt Event
		err error
	)
	switch env.Type {
	case TypeDayOpened:
		var e DayOpened
		err = json.Unmarshal(env.Payload, &e)
		evt = e
	case TypeDayClosed:
		var e DayClosed
		err = json.Unmarshal(env.Payload, &e)
		evt = e
	case TypeCashierOpened:
		var e CashierOpened
		err = json.Unmarshal(env.Payload, &e)
		evt = e
	case TypeCashierClosed:
		var e CashierClosed
		err = json.Unmarshal(env.Payload, &e)
		evt = e
	case TypeOperationRecorded:
		var e OperationRecorded
		err = json.Unmarshal(env.Payload, &e)
		evt = e
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("events: decode %s: %w", env.Type, err)
	}
	return evt, nil
}
