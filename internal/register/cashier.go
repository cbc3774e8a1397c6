package register

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-pos/internal/events"
	"github.com/odyssey-erp/odyssey-pos/internal/ledger"
	"github.com/odyssey-erp/odyssey-pos/internal/reconcile"
	"github.com/odyssey-erp/odyssey-pos/internal/shared"
)

const idempotencyModule = "register"

// operationLabelInvalid stands in for the operation type of rejected input so
// arbitrary client strings never become metric labels.
const operationLabelInvalid = "invalid"

// CashierService orchestrates register sessions and their ledgers.
type CashierService struct {
	*core
	calc        *reconcile.Calculator
	idempotency IdempotencyStore
}

// Open starts a register on a terminal of an open business day and writes
// its Opening entry in the same transaction.
func (s *CashierService) Open(ctx context.Context, in OpenCashierInput) (CashierSession, error) {
	if err := in.Validate(); err != nil {
		return CashierSession{}, err
	}
	terminalID := strings.TrimSpace(in.TerminalID)
	operatorID := strings.TrimSpace(in.OperatorID)

	unlock, err := s.locks.days.Lock(ctx, in.DayID.String())
	if err != nil {
		return CashierSession{}, err
	}
	defer unlock()

	var cashier CashierSession
	err = s.mutate(ctx, "open cashier", func(ctx context.Context, tx Tx) error {
		day, err := tx.GetDayForUpdate(ctx, in.DayID)
		if err != nil {
			return err
		}
		if !day.IsOpen() {
			return ErrDayNotOpen
		}
		if _, busy, err := tx.OpenCashierByTerminal(ctx, day.ID, terminalID); err != nil {
			return err
		} else if busy {
			return ErrTerminalBusy
		}
		if _, busy, err := tx.OpenCashierByOperator(ctx, day.ID, operatorID); err != nil {
			return err
		} else if busy {
			return ErrOperatorBusy
		}

		now := s.now()
		cashierID := uuid.New()
		opening := ledger.Seal("", ledger.Entry{
			ID:            uuid.New(),
			CashierID:     cashierID,
			Sequence:      1,
			Type:          ledger.OperationOpening,
			Amount:        in.OpeningBalance,
			BalanceBefore: decimal.Zero,
			BalanceAfter:  in.OpeningBalance,
			OperatorID:    operatorID,
			CreatedAt:     now,
		})
		cashier = CashierSession{
			ID:             cashierID,
			DayID:          day.ID,
			StoreID:        day.StoreID,
			TerminalID:     terminalID,
			OperatorID:     operatorID,
			Status:         CashierStatusOpen,
			OpeningBalance: in.OpeningBalance,
			CurrentBalance: in.OpeningBalance,
			Totals:         ledger.Summarize(nil),
			LastSequence:   1,
			LastHash:       opening.Hash,
			OpenedAt:       now,
			Version:        1,
		}
		if err := tx.InsertCashier(ctx, cashier); err != nil {
			return err
		}
		if err := tx.AppendEntry(ctx, opening); err != nil {
			return err
		}

		next := day
		next.Totals.CashierCount++
		next.Totals.OpenCashiers++
		next.Version = day.Version + 1
		return tx.UpdateDay(ctx, next, day.Version)
	})
	if err != nil {
		return CashierSession{}, err
	}

	s.logger.Info("cashier opened",
		slog.String("cashier_id", cashier.ID.String()),
		slog.String("day_id", cashier.DayID.String()),
		slog.String("terminal_id", cashier.TerminalID),
		slog.String("operator_id", cashier.OperatorID),
		slog.String("opening_balance", cashier.OpeningBalance.StringFixed(2)),
	)
	s.publish(ctx, events.CashierOpened{
		CashierID:      cashier.ID,
		DayID:          cashier.DayID,
		StoreID:        cashier.StoreID,
		TerminalID:     cashier.TerminalID,
		OperatorID:     cashier.OperatorID,
		OpeningBalance: cashier.OpeningBalance,
		OpenedAt:       cashier.OpenedAt,
	})
	return cashier, nil
}

// ApplyOperation records a sale, refund, withdrawal or deposit. The balance
// update and the ledger append commit together or not at all.
func (s *CashierService) ApplyOperation(ctx context.Context, in OperationInput) (ledger.Entry, error) {
	if err := in.Validate(); err != nil {
		s.metrics.ObserveOperation(operationLabelInvalid, "invalid")
		return ledger.Entry{}, err
	}

	unlock, err := s.locks.cashiers.Lock(ctx, in.CashierID.String())
	if err != nil {
		return ledger.Entry{}, err
	}
	defer unlock()

	release, err := s.claim(ctx, in)
	if err != nil {
		s.metrics.ObserveOperation(string(in.Type), "duplicate")
		return ledger.Entry{}, err
	}

	var (
		entry   ledger.Entry
		cashier CashierSession
	)
	err = s.mutate(ctx, "apply operation", func(ctx context.Context, tx Tx) error {
		current, err := tx.GetCashier(ctx, in.CashierID)
		if err != nil {
			return err
		}
		if !current.IsOpen() {
			return ErrCashierClosed
		}
		after, err := ledger.Apply(current.CurrentBalance, in.Type, in.Amount)
		if errors.Is(err, ledger.ErrNegativeBalance) {
			return &InsufficientFundsError{
				CashierID: current.ID,
				Type:      in.Type,
				Balance:   current.CurrentBalance,
				Requested: in.Amount,
			}
		}
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidOperation, err)
		}

		method := in.PaymentMethod
		operatorID := strings.TrimSpace(in.OperatorID)
		if operatorID == "" {
			operatorID = current.OperatorID
		}
		entry = ledger.Entry{
			ID:            uuid.New(),
			CashierID:     current.ID,
			Sequence:      current.LastSequence + 1,
			Type:          in.Type,
			Amount:        in.Amount,
			PaymentMethod: &method,
			BalanceBefore: current.CurrentBalance,
			BalanceAfter:  after,
			OperatorID:    operatorID,
			CreatedAt:     s.now(),
			Notes:         strings.TrimSpace(in.Notes),
		}
		if related := strings.TrimSpace(in.RelatedEntityID); related != "" {
			entry.RelatedEntityID = &related
		}
		entry = ledger.Seal(current.LastHash, entry)

		next := current
		next.CurrentBalance = after
		next.Totals = current.Totals.Add(in.Type, in.Amount)
		next.LastSequence = entry.Sequence
		next.LastHash = entry.Hash
		next.Version = current.Version + 1
		if err := tx.UpdateCashier(ctx, next, current.Version); err != nil {
			return err
		}
		if err := tx.AppendEntry(ctx, entry); err != nil {
			return err
		}
		cashier = next
		return nil
	})
	if err != nil {
		release()
		s.metrics.ObserveOperation(string(in.Type), outcome(err))
		return ledger.Entry{}, err
	}
	s.metrics.ObserveOperation(string(in.Type), "ok")

	s.logger.Debug("operation recorded",
		slog.String("cashier_id", cashier.ID.String()),
		slog.Int64("sequence", entry.Sequence),
		slog.String("type", string(entry.Type)),
		slog.String("amount", entry.Amount.StringFixed(2)),
		slog.String("balance", entry.BalanceAfter.StringFixed(2)),
	)
	evt := events.OperationRecorded{
		EntryID:       entry.ID,
		CashierID:     cashier.ID,
		DayID:         cashier.DayID,
		StoreID:       cashier.StoreID,
		TerminalID:    cashier.TerminalID,
		OperatorID:    entry.OperatorID,
		Sequence:      entry.Sequence,
		OperationType: string(entry.Type),
		Amount:        entry.Amount,
		PaymentMethod: string(entry.Method()),
		BalanceBefore: entry.BalanceBefore,
		BalanceAfter:  entry.BalanceAfter,
		RecordedAt:    entry.CreatedAt,
	}
	if entry.RelatedEntityID != nil {
		evt.RelatedEntityID = *entry.RelatedEntityID
	}
	s.publish(ctx, evt)
	return entry, nil
}

// Close reconciles the register against the physical count, writes the
// Closing entry and folds the register totals into its business day.
func (s *CashierService) Close(ctx context.Context, in CloseCashierInput) (CashierSession, error) {
	if err := in.Validate(); err != nil {
		return CashierSession{}, err
	}
	closedBy := strings.TrimSpace(in.OperatorID)

	unlock, err := s.locks.cashiers.Lock(ctx, in.CashierID.String())
	if err != nil {
		return CashierSession{}, err
	}
	defer unlock()

	var (
		cashier CashierSession
		result  reconcile.Result
	)
	err = s.mutate(ctx, "close cashier", func(ctx context.Context, tx Tx) error {
		current, err := tx.GetCashier(ctx, in.CashierID)
		if err != nil {
			return err
		}
		if !current.IsOpen() {
			return ErrCashierAlreadyClosed
		}
		result, err = s.calc.WithReader(tx).Reconcile(ctx, current.ID, in.PhysicalCashAmount)
		if err != nil {
			return fmt.Errorf("register: reconcile cashier %s: %w", current.ID, err)
		}

		now := s.now()
		notes := fmt.Sprintf("expected=%s physical=%s difference=%s",
			result.Expected.StringFixed(2), result.Physical.StringFixed(2), result.Difference.StringFixed(2))
		if extra := strings.TrimSpace(in.Notes); extra != "" {
			notes += "; " + extra
		}
		closing := ledger.Seal(current.LastHash, ledger.Entry{
			ID:            uuid.New(),
			CashierID:     current.ID,
			Sequence:      current.LastSequence + 1,
			Type:          ledger.OperationClosing,
			Amount:        result.Physical,
			BalanceBefore: current.CurrentBalance,
			BalanceAfter:  current.CurrentBalance,
			OperatorID:    closedBy,
			CreatedAt:     now,
			Notes:         notes,
		})

		next := current
		next.Status = CashierStatusClosed
		next.ExpectedBalance = &result.Expected
		next.PhysicalCash = &result.Physical
		next.CashDifference = &result.Difference
		next.Classification = string(result.Classification)
		next.LastSequence = closing.Sequence
		next.LastHash = closing.Hash
		next.ClosedAt = &now
		next.ClosedBy = &closedBy
		next.Notes = strings.TrimSpace(in.Notes)
		next.Version = current.Version + 1
		if err := tx.UpdateCashier(ctx, next, current.Version); err != nil {
			return err
		}
		if err := tx.AppendEntry(ctx, closing); err != nil {
			return err
		}

		day, err := tx.GetDay(ctx, current.DayID)
		if err != nil {
			return err
		}
		folded := day
		folded.Totals = foldCashier(day.Totals, next)
		folded.Version = day.Version + 1
		if err := tx.UpdateDay(ctx, folded, day.Version); err != nil {
			return err
		}
		cashier = next
		return nil
	})
	if err != nil {
		return CashierSession{}, err
	}

	diff, _ := result.Difference.Float64()
	s.metrics.ObserveCashDifference(diff)
	s.logger.Info("cashier closed",
		slog.String("cashier_id", cashier.ID.String()),
		slog.String("day_id", cashier.DayID.String()),
		slog.String("expected", result.Expected.StringFixed(2)),
		slog.String("physical", result.Physical.StringFixed(2)),
		slog.String("difference", result.Difference.StringFixed(2)),
		slog.String("classification", string(result.Classification)),
	)
	s.publish(ctx, events.CashierClosed{
		CashierID:       cashier.ID,
		DayID:           cashier.DayID,
		StoreID:         cashier.StoreID,
		TerminalID:      cashier.TerminalID,
		OperatorID:      cashier.OperatorID,
		ClosedBy:        closedBy,
		OpeningBalance:  cashier.OpeningBalance,
		FinalBalance:    cashier.CurrentBalance,
		ExpectedBalance: result.Expected,
		PhysicalCash:    result.Physical,
		CashDifference:  result.Difference,
		Classification:  string(result.Classification),
		EntryCount:      cashier.LastSequence,
		OpenedAt:        cashier.OpenedAt,
		ClosedAt:        *cashier.ClosedAt,
	})
	return cashier, nil
}

// Get returns a register by identifier.
func (s *CashierService) Get(ctx context.Context, id uuid.UUID) (CashierSession, error) {
	return s.store.GetCashier(ctx, id)
}

// ListByDay returns the registers opened on a business day.
func (s *CashierService) ListByDay(ctx context.Context, dayID uuid.UUID) ([]CashierSession, error) {
	if _, err := s.store.GetDay(ctx, dayID); err != nil {
		return nil, err
	}
	return s.store.ListCashiers(ctx, dayID)
}

// Entries returns the ledger of a register ordered by sequence.
func (s *CashierService) Entries(ctx context.Context, id uuid.UUID) ([]ledger.Entry, error) {
	if _, err := s.store.GetCashier(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListEntries(ctx, id)
}

// Preview reconciles a register against a physical count without closing it.
func (s *CashierService) Preview(ctx context.Context, id uuid.UUID, physical decimal.Decimal) (reconcile.Result, error) {
	if err := validateAmount(physical, true); err != nil {
		return reconcile.Result{}, err
	}
	if _, err := s.store.GetCashier(ctx, id); err != nil {
		return reconcile.Result{}, err
	}
	return s.calc.Reconcile(ctx, id, physical)
}

// Calculator exposes the reconciliation calculator used at close.
func (s *CashierService) Calculator() *reconcile.Calculator {
	return s.calc
}

// claim reserves the idempotency key of in. The returned func frees the key
// again when the operation fails.
func (s *CashierService) claim(ctx context.Context, in OperationInput) (func(), error) {
	key := strings.TrimSpace(in.IdempotencyKey)
	if key == "" || s.idempotency == nil {
		return func() {}, nil
	}
	scoped := fmt.Sprintf("register:op:%s:%s", in.CashierID, key)
	if err := s.idempotency.CheckAndInsert(ctx, scoped, idempotencyModule); err != nil {
		if errors.Is(err, shared.ErrIdempotencyConflict) {
			return nil, fmt.Errorf("%w: key %q", ErrDuplicateRequest, key)
		}
		return nil, fmt.Errorf("register: claim idempotency key: %w", err)
	}
	return func() {
		if err := s.idempotency.Delete(context.WithoutCancel(ctx), scoped); err != nil {
			s.logger.Warn("release idempotency key", slog.String("key", scoped), slog.Any("error", err))
		}
	}, nil
}

// foldCashier adds the aggregates of a closed register to its day.
func foldCashier(t DayTotals, c CashierSession) DayTotals {
	if t.OpenCashiers > 0 {
		t.OpenCashiers--
	}
	t.Sales = t.Sales.Add(c.Totals.Sales)
	t.Refunds = t.Refunds.Add(c.Totals.Refunds)
	t.Deposits = t.Deposits.Add(c.Totals.Deposits)
	t.Withdrawals = t.Withdrawals.Add(c.Totals.Withdrawals)
	if c.ExpectedBalance != nil {
		t.ExpectedCash = t.ExpectedCash.Add(*c.ExpectedBalance)
	}
	if c.PhysicalCash != nil {
		t.CountedCash = t.CountedCash.Add(*c.PhysicalCash)
	}
	if c.CashDifference != nil {
		t.CashDifference = t.CashDifference.Add(*c.CashDifference)
	}
	return t
}

func outcome(err error) string {
	switch {
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrCashierClosed):
		return "closed"
	case errors.Is(err, ErrCashierNotFound):
		return "not_found"
	case errors.Is(err, ErrTransient):
		return "transient"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "error"
	}
}
