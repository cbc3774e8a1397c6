// Package registerhttp exposes the business day and register services over
// a JSON API.
package registerhttp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-pos/internal/ledger"
	"github.com/odyssey-erp/odyssey-pos/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-pos/internal/register"
	"github.com/odyssey-erp/odyssey-pos/internal/shared"
)

// IdempotencyHeader carries the client supplied key for operations.
const IdempotencyHeader = "Idempotency-Key"

// Handler wires HTTP endpoints for business days and registers.
type Handler struct {
	logger    *slog.Logger
	days      *register.DayService
	cashiers  *register.CashierService
	validator *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, services register.Services) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:    logger,
		days:      services.Days,
		cashiers:  services.Cashiers,
		validator: validator.New(),
	}
}

func (h *Handler) openDay(w http.ResponseWriter, r *http.Request) {
	var req openDayRequest
	if !h.decode(w, r, &req) {
		return
	}
	in := register.OpenDayInput{StoreID: chi.URLParam(r, "storeID"), OpenedBy: req.OpenedBy}
	if req.TradingDate != "" {
		date, err := time.Parse(dateLayout, req.TradingDate)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "trading_date must be YYYY-MM-DD")
			return
		}
		in.TradingDate = date
	}
	day, err := h.days.Open(r.Context(), in)
	if err != nil {
		h.fail(w, r, "open day", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toDayResponse(day))
}

func (h *Handler) currentDay(w http.ResponseWriter, r *http.Request) {
	day, ok, err := h.days.Current(r.Context(), chi.URLParam(r, "storeID"))
	if err != nil {
		h.fail(w, r, "current day", err)
		return
	}
	if !ok {
		httpx.Problem(w, http.StatusNotFound, "Not Found", "no open business day for store")
		return
	}
	httpx.JSON(w, http.StatusOK, toDayResponse(day))
}

func (h *Handler) listDays(w http.ResponseWriter, r *http.Request) {
	p := shared.ParsePagination(r.URL.Query(), 50, 200)
	days, err := h.days.List(r.Context(), chi.URLParam(r, "storeID"), p.Limit(), p.Offset())
	if err != nil {
		h.fail(w, r, "list days", err)
		return
	}
	resp := dayListResponse{Days: make([]dayResponse, 0, len(days)), Page: p.Page, PerPage: p.PerPage}
	for _, d := range days {
		resp.Days = append(resp.Days, toDayResponse(d))
	}
	httpx.JSON(w, http.StatusOK, resp)
}

func (h *Handler) getDay(w http.ResponseWriter, r *http.Request) {
	dayID, ok := parseID(w, r, "dayID")
	if !ok {
		return
	}
	day, err := h.days.Get(r.Context(), dayID)
	if err != nil {
		h.fail(w, r, "get day", err)
		return
	}
	httpx.JSON(w, http.StatusOK, toDayResponse(day))
}

func (h *Handler) closeDay(w http.ResponseWriter, r *http.Request) {
	dayID, ok := parseID(w, r, "dayID")
	if !ok {
		return
	}
	var req closeDayRequest
	if !h.decode(w, r, &req) {
		return
	}
	day, err := h.days.Close(r.Context(), dayID, req.ClosedBy)
	if err != nil {
		h.fail(w, r, "close day", err)
		return
	}
	httpx.JSON(w, http.StatusOK, toDayResponse(day))
}

func (h *Handler) daySummary(w http.ResponseWriter, r *http.Request) {
	dayID, ok := parseID(w, r, "dayID")
	if !ok {
		return
	}
	summary, err := h.days.Summary(r.Context(), dayID)
	if err != nil {
		h.fail(w, r, "day summary", err)
		return
	}
	resp := summaryResponse{Day: toDayResponse(summary.Day), Cashiers: make([]cashierResponse, 0, len(summary.Cashiers))}
	for _, c := range summary.Cashiers {
		resp.Cashiers = append(resp.Cashiers, toCashierResponse(c))
	}
	httpx.JSON(w, http.StatusOK, resp)
}

func (h *Handler) openCashier(w http.ResponseWriter, r *http.Request) {
	dayID, ok := parseID(w, r, "dayID")
	if !ok {
		return
	}
	var req openCashierRequest
	if !h.decode(w, r, &req) {
		return
	}
	c, err := h.cashiers.Open(r.Context(), register.OpenCashierInput{
		DayID:          dayID,
		TerminalID:     req.TerminalID,
		OperatorID:     req.OperatorID,
		OpeningBalance: *req.OpeningBalance,
	})
	if err != nil {
		h.fail(w, r, "open cashier", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toCashierResponse(c))
}

func (h *Handler) getCashier(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "cashierID")
	if !ok {
		return
	}
	c, err := h.cashiers.Get(r.Context(), id)
	if err != nil {
		h.fail(w, r, "get cashier", err)
		return
	}
	httpx.JSON(w, http.StatusOK, toCashierResponse(c))
}

func (h *Handler) listEntries(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "cashierID")
	if !ok {
		return
	}
	entries, err := h.cashiers.Entries(r.Context(), id)
	if err != nil {
		h.fail(w, r, "list entries", err)
		return
	}
	resp := make([]entryResponse, 0, len(entries))
	for _, e := range entries {
		resp = append(resp, toEntryResponse(e))
	}
	httpx.JSON(w, http.StatusOK, resp)
}

func (h *Handler) applyOperation(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "cashierID")
	if !ok {
		return
	}
	var req operationRequest
	if !h.decode(w, r, &req) {
		return
	}
	entry, err := h.cashiers.ApplyOperation(r.Context(), register.OperationInput{
		CashierID:       id,
		Type:            ledger.OperationType(req.Type),
		Amount:          *req.Amount,
		PaymentMethod:   ledger.PaymentMethod(req.PaymentMethod),
		RelatedEntityID: req.RelatedEntityID,
		OperatorID:      req.OperatorID,
		Notes:           req.Notes,
		IdempotencyKey:  r.Header.Get(IdempotencyHeader),
	})
	if err != nil {
		h.fail(w, r, "apply operation", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toEntryResponse(entry))
}

func (h *Handler) reconciliation(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "cashierID")
	if !ok {
		return
	}
	physical, err := decimal.NewFromString(strings.TrimSpace(r.URL.Query().Get("physical")))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "physical must be a decimal amount")
		return
	}
	result, err := h.cashiers.Preview(r.Context(), id, physical)
	if err != nil {
		h.fail(w, r, "reconciliation preview", err)
		return
	}
	httpx.JSON(w, http.StatusOK, toReconciliationResponse(id.String(), result))
}

func (h *Handler) closeCashier(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "cashierID")
	if !ok {
		return
	}
	var req closeCashierRequest
	if !h.decode(w, r, &req) {
		return
	}
	c, err := h.cashiers.Close(r.Context(), register.CloseCashierInput{
		CashierID:          id,
		OperatorID:         req.OperatorID,
		PhysicalCashAmount: *req.PhysicalCashAmount,
		Notes:              req.Notes,
	})
	if err != nil {
		h.fail(w, r, "close cashier", err)
		return
	}
	httpx.JSON(w, http.StatusOK, toCashierResponse(c))
}

// decode reads and validates a JSON body, writing a 400 problem on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := httpx.DecodeJSON(r, target); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed JSON body: "+err.Error())
		return false
	}
	if err := h.validator.Struct(target); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			fields := make(map[string]any, len(fieldErrs))
			for _, fe := range fieldErrs {
				fields[fe.Field()] = fe.Tag()
			}
			httpx.ProblemFields(w, http.StatusBadRequest, "Validation Failed", "request body failed validation", fields)
			return false
		}
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return false
	}
	return true
}

// fail maps a service error onto a problem response.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	var blocked *register.OpenCashiersError
	if errors.As(err, &blocked) {
		ids := make([]string, len(blocked.CashierIDs))
		for i, id := range blocked.CashierIDs {
			ids[i] = id.String()
		}
		httpx.ProblemFields(w, http.StatusConflict, "Conflict", err.Error(), map[string]any{"cashier_ids": ids})
		return
	}
	var funds *register.InsufficientFundsError
	if errors.As(err, &funds) {
		httpx.ProblemFields(w, http.StatusUnprocessableEntity, "Unprocessable Entity", err.Error(), map[string]any{
			"balance":   money(funds.Balance),
			"requested": money(funds.Requested),
		})
		return
	}

	mapped := classify(err)
	switch {
	case errors.Is(mapped, httpx.ErrValidation), errors.Is(mapped, httpx.ErrNotFound),
		errors.Is(mapped, httpx.ErrConflict), errors.Is(mapped, httpx.ErrDuplicate):
	case errors.Is(mapped, httpx.ErrTransient):
		h.logger.Warn(op+" unavailable",
			slog.String("request_id", middleware.GetReqID(r.Context())),
			slog.Any("error", err),
		)
	default:
		h.logger.Error(op+" failed",
			slog.String("request_id", middleware.GetReqID(r.Context())),
			slog.Any("error", err),
		)
	}
	httpx.RespondError(w, mapped)
}

func classify(err error) error {
	var category error
	switch {
	case errors.Is(err, register.ErrInvalidInput),
		errors.Is(err, register.ErrInvalidAmount),
		errors.Is(err, register.ErrInvalidOperation):
		category = httpx.ErrValidation
	case errors.Is(err, register.ErrDayNotFound),
		errors.Is(err, register.ErrCashierNotFound):
		category = httpx.ErrNotFound
	case errors.Is(err, register.ErrDuplicateRequest):
		category = httpx.ErrDuplicate
	case errors.Is(err, register.ErrDayAlreadyOpen),
		errors.Is(err, register.ErrDayAlreadyClosed),
		errors.Is(err, register.ErrDayNotOpen),
		errors.Is(err, register.ErrOpenCashiersExist),
		errors.Is(err, register.ErrTerminalBusy),
		errors.Is(err, register.ErrOperatorBusy),
		errors.Is(err, register.ErrCashierClosed),
		errors.Is(err, register.ErrCashierAlreadyClosed):
		category = httpx.ErrConflict
	case errors.Is(err, register.ErrInsufficientFunds):
		category = httpx.ErrUnprocessable
	case errors.Is(err, register.ErrTransient),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		category = httpx.ErrTransient
	default:
		return err
	}
	return fmt.Errorf("%w: %s", category, err.Error())
}

func parseID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", param+" must be a UUID")
		return uuid.Nil, false
	}
	return id, true
}
