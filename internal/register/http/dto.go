package registerhttp

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-pos/internal/ledger"
	"github.com/odyssey-erp/odyssey-pos/internal/reconcile"
	"github.com/odyssey-erp/odyssey-pos/internal/register"
)

const dateLayout = "2006-01-02"

type openDayRequest struct {
	OpenedBy    string `json:"opened_by" validate:"required,max=64"`
	TradingDate string `json:"trading_date,omitempty" validate:"omitempty,datetime=2006-01-02"`
}

type closeDayRequest struct {
	ClosedBy string `json:"closed_by" validate:"required,max=64"`
}

type openCashierRequest struct {
	TerminalID     string           `json:"terminal_id" validate:"required,max=64"`
	OperatorID     string           `json:"operator_id" validate:"required,max=64"`
	OpeningBalance *decimal.Decimal `json:"opening_balance" validate:"required"`
}

type operationRequest struct {
	Type            string           `json:"type" validate:"required,oneof=SALE REFUND WITHDRAWAL DEPOSIT"`
	Amount          *decimal.Decimal `json:"amount" validate:"required"`
	PaymentMethod   string           `json:"payment_method,omitempty" validate:"omitempty,oneof=cash card transfer voucher other"`
	RelatedEntityID string           `json:"related_entity_id,omitempty" validate:"max=128"`
	OperatorID      string           `json:"operator_id,omitempty" validate:"max=64"`
	Notes           string           `json:"notes,omitempty" validate:"max=500"`
}

type closeCashierRequest struct {
	OperatorID         string           `json:"operator_id" validate:"required,max=64"`
	PhysicalCashAmount *decimal.Decimal `json:"physical_cash_amount" validate:"required"`
	Notes              string           `json:"notes,omitempty" validate:"max=500"`
}

type dayTotalsResponse struct {
	CashierCount   int    `json:"cashier_count"`
	OpenCashiers   int    `json:"open_cashiers"`
	Sales          string `json:"sales"`
	Refunds        string `json:"refunds"`
	Deposits       string `json:"deposits"`
	Withdrawals    string `json:"withdrawals"`
	ExpectedCash   string `json:"expected_cash"`
	CountedCash    string `json:"counted_cash"`
	CashDifference string `json:"cash_difference"`
}

type dayResponse struct {
	ID          string            `json:"id"`
	StoreID     string            `json:"store_id"`
	TradingDate string            `json:"trading_date"`
	Status      string            `json:"status"`
	OpenedBy    string            `json:"opened_by"`
	OpenedAt    time.Time         `json:"opened_at"`
	ClosedBy    *string           `json:"closed_by,omitempty"`
	ClosedAt    *time.Time        `json:"closed_at,omitempty"`
	Totals      dayTotalsResponse `json:"totals"`
	Version     int64             `json:"version"`
}

type cashierResponse struct {
	ID              string     `json:"id"`
	DayID           string     `json:"day_id"`
	StoreID         string     `json:"store_id"`
	TerminalID      string     `json:"terminal_id"`
	OperatorID      string     `json:"operator_id"`
	Status          string     `json:"status"`
	OpeningBalance  string     `json:"opening_balance"`
	CurrentBalance  string     `json:"current_balance"`
	ExpectedBalance *string    `json:"expected_balance,omitempty"`
	PhysicalCash    *string    `json:"physical_cash,omitempty"`
	CashDifference  *string    `json:"cash_difference,omitempty"`
	Classification  string     `json:"classification,omitempty"`
	TotalSales      string     `json:"total_sales"`
	TotalRefunds    string     `json:"total_refunds"`
	TotalDeposits   string     `json:"total_deposits"`
	TotalWithdrawal string     `json:"total_withdrawals"`
	EntryCount      int64      `json:"entry_count"`
	OpenedAt        time.Time  `json:"opened_at"`
	ClosedAt        *time.Time `json:"closed_at,omitempty"`
	ClosedBy        *string    `json:"closed_by,omitempty"`
	Notes           string     `json:"notes,omitempty"`
	Version         int64      `json:"version"`
}

type entryResponse struct {
	ID              string    `json:"id"`
	CashierID       string    `json:"cashier_id"`
	Sequence        int64     `json:"sequence"`
	Type            string    `json:"type"`
	Amount          string    `json:"amount"`
	PaymentMethod   string    `json:"payment_method,omitempty"`
	RelatedEntityID *string   `json:"related_entity_id,omitempty"`
	BalanceBefore   string    `json:"balance_before"`
	BalanceAfter    string    `json:"balance_after"`
	OperatorID      string    `json:"operator_id"`
	CreatedAt       time.Time `json:"created_at"`
	Notes           string    `json:"notes,omitempty"`
	Hash            string    `json:"hash"`
}

type reconciliationResponse struct {
	CashierID      string `json:"cashier_id"`
	Expected       string `json:"expected"`
	Physical       string `json:"physical"`
	Difference     string `json:"difference"`
	Classification string `json:"classification"`
}

type summaryResponse struct {
	Day      dayResponse       `json:"day"`
	Cashiers []cashierResponse `json:"cashiers"`
}

type dayListResponse struct {
	Days    []dayResponse `json:"days"`
	Page    int           `json:"page"`
	PerPage int           `json:"per_page"`
}

func money(d decimal.Decimal) string { return d.StringFixed(2) }

func moneyPtr(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := money(*d)
	return &s
}

func toDayResponse(d register.BusinessDay) dayResponse {
	t := d.Totals
	return dayResponse{
		ID:          d.ID.String(),
		StoreID:     d.StoreID,
		TradingDate: d.TradingDate.Format(dateLayout),
		Status:      string(d.Status),
		OpenedBy:    d.OpenedBy,
		OpenedAt:    d.OpenedAt,
		ClosedBy:    d.ClosedBy,
		ClosedAt:    d.ClosedAt,
		Totals: dayTotalsResponse{
			CashierCount:   t.CashierCount,
			OpenCashiers:   t.OpenCashiers,
			Sales:          money(t.Sales),
			Refunds:        money(t.Refunds),
			Deposits:       money(t.Deposits),
			Withdrawals:    money(t.Withdrawals),
			ExpectedCash:   money(t.ExpectedCash),
			CountedCash:    money(t.CountedCash),
			CashDifference: money(t.CashDifference),
		},
		Version: d.Version,
	}
}

func toCashierResponse(c register.CashierSession) cashierResponse {
	return cashierResponse{
		ID:              c.ID.String(),
		DayID:           c.DayID.String(),
		StoreID:         c.StoreID,
		TerminalID:      c.TerminalID,
		OperatorID:      c.OperatorID,
		Status:          string(c.Status),
		OpeningBalance:  money(c.OpeningBalance),
		CurrentBalance:  money(c.CurrentBalance),
		ExpectedBalance: moneyPtr(c.ExpectedBalance),
		PhysicalCash:    moneyPtr(c.PhysicalCash),
		CashDifference:  moneyPtr(c.CashDifference),
		Classification:  c.Classification,
		TotalSales:      money(c.Totals.Sales),
		TotalRefunds:    money(c.Totals.Refunds),
		TotalDeposits:   money(c.Totals.Deposits),
		TotalWithdrawal: money(c.Totals.Withdrawals),
		EntryCount:      c.LastSequence,
		OpenedAt:        c.OpenedAt,
		ClosedAt:        c.ClosedAt,
		ClosedBy:        c.ClosedBy,
		Notes:           c.Notes,
		Version:         c.Version,
	}
}

func toEntryResponse(e ledger.Entry) entryResponse {
	return entryResponse{
		ID:              e.ID.String(),
		CashierID:       e.CashierID.String(),
		Sequence:        e.Sequence,
		Type:            string(e.Type),
		Amount:          money(e.Amount),
		PaymentMethod:   string(e.Method()),
		RelatedEntityID: e.RelatedEntityID,
		BalanceBefore:   money(e.BalanceBefore),
		BalanceAfter:    money(e.BalanceAfter),
		OperatorID:      e.OperatorID,
		CreatedAt:       e.CreatedAt,
		Notes:           e.Notes,
		Hash:            e.Hash,
	}
}

func toReconciliationResponse(cashierID string, r reconcile.Result) reconciliationResponse {
	return reconciliationResponse{
		CashierID:      cashierID,
		Expected:       money(r.Expected),
		Physical:       money(r.Physical),
		Difference:     money(r.Difference),
		Classification: string(r.Classification),
	}
}
