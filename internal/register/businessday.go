package register

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-pos/internal/events"
)

// DayService orchestrates the business day lifecycle.
type DayService struct {
	*core
}

// Open starts a business day for a store. Only one day per store may be open.
func (s *DayService) Open(ctx context.Context, in OpenDayInput) (BusinessDay, error) {
	if err := in.Validate(); err != nil {
		return BusinessDay{}, err
	}
	storeID := strings.TrimSpace(in.StoreID)
	unlock, err := s.locks.stores.Lock(ctx, storeID)
	if err != nil {
		return BusinessDay{}, err
	}
	defer unlock()

	var day BusinessDay
	err = s.mutate(ctx, "open day", func(ctx context.Context, tx Tx) error {
		if _, open, err := tx.FindOpenDay(ctx, storeID); err != nil {
			return err
		} else if open {
			return ErrDayAlreadyOpen
		}
		now := s.now()
		tradingDate := in.TradingDate
		if tradingDate.IsZero() {
			tradingDate = now
		}
		day = BusinessDay{
			ID:          uuid.New(),
			StoreID:     storeID,
			TradingDate: truncateDate(tradingDate),
			Status:      DayStatusOpen,
			OpenedBy:    strings.TrimSpace(in.OpenedBy),
			OpenedAt:    now,
			Version:     1,
		}
		return tx.InsertDay(ctx, day)
	})
	if err != nil {
		return BusinessDay{}, err
	}

	s.logger.Info("business day opened",
		slog.String("day_id", day.ID.String()),
		slog.String("store_id", day.StoreID),
		slog.String("trading_date", day.TradingDate.Format("2006-01-02")),
	)
	s.publish(ctx, events.DayOpened{
		DayID:       day.ID,
		StoreID:     day.StoreID,
		TradingDate: day.TradingDate.Format("2006-01-02"),
		OpenedBy:    day.OpenedBy,
		OpenedAt:    day.OpenedAt,
	})
	return day, nil
}

// Close ends a business day. It never force-closes registers: while any
// register of the day is open it returns an *OpenCashiersError listing them.
func (s *DayService) Close(ctx context.Context, dayID uuid.UUID, closedBy string) (BusinessDay, error) {
	if dayID == uuid.Nil {
		return BusinessDay{}, fmt.Errorf("%w: day id required", ErrInvalidInput)
	}
	closedBy = strings.TrimSpace(closedBy)
	if closedBy == "" {
		return BusinessDay{}, fmt.Errorf("%w: closed by required", ErrInvalidInput)
	}
	unlock, err := s.locks.days.Lock(ctx, dayID.String())
	if err != nil {
		return BusinessDay{}, err
	}
	defer unlock()

	var day BusinessDay
	err = s.mutate(ctx, "close day", func(ctx context.Context, tx Tx) error {
		current, err := tx.GetDayForUpdate(ctx, dayID)
		if err != nil {
			return err
		}
		if !current.IsOpen() {
			return ErrDayAlreadyClosed
		}
		cashiers, err := tx.ListCashiers(ctx, dayID)
		if err != nil {
			return err
		}
		var open []CashierSession
		for _, c := range cashiers {
			if c.IsOpen() {
				open = append(open, c)
			}
		}
		if len(open) > 0 {
			return newOpenCashiersError(dayID, open)
		}
		now := s.now()
		next := current
		next.Status = DayStatusClosed
		next.ClosedBy = &closedBy
		next.ClosedAt = &now
		next.Totals.OpenCashiers = 0
		next.Version = current.Version + 1
		if err := tx.UpdateDay(ctx, next, current.Version); err != nil {
			return err
		}
		day = next
		return nil
	})
	if err != nil {
		var blocked *OpenCashiersError
		if errors.As(err, &blocked) {
			s.logger.Info("business day close blocked",
				slog.String("day_id", dayID.String()),
				slog.Int("open_cashiers", len(blocked.CashierIDs)),
			)
		}
		return BusinessDay{}, err
	}

	s.logger.Info("business day closed",
		slog.String("day_id", day.ID.String()),
		slog.String("store_id", day.StoreID),
		slog.Int("cashiers", day.Totals.CashierCount),
		slog.String("cash_difference", day.Totals.CashDifference.StringFixed(2)),
	)
	s.publish(ctx, events.DayClosed{
		DayID:               day.ID,
		StoreID:             day.StoreID,
		TradingDate:         day.TradingDate.Format("2006-01-02"),
		OpenedBy:            day.OpenedBy,
		OpenedAt:            day.OpenedAt,
		ClosedBy:            closedBy,
		ClosedAt:            *day.ClosedAt,
		CashierCount:        day.Totals.CashierCount,
		TotalSales:          day.Totals.Sales,
		TotalRefunds:        day.Totals.Refunds,
		TotalDeposits:       day.Totals.Deposits,
		TotalWithdrawals:    day.Totals.Withdrawals,
		TotalExpectedCash:   day.Totals.ExpectedCash,
		TotalCountedCash:    day.Totals.CountedCash,
		TotalCashDifference: day.Totals.CashDifference,
	})
	return day, nil
}

// Current returns the open business day of a store, read from the store on
// every call.
func (s *DayService) Current(ctx context.Context, storeID string) (BusinessDay, bool, error) {
	storeID = strings.TrimSpace(storeID)
	if storeID == "" {
		return BusinessDay{}, false, fmt.Errorf("%w: store id required", ErrInvalidInput)
	}
	return s.store.FindOpenDay(ctx, storeID)
}

// Get returns a business day by identifier.
func (s *DayService) Get(ctx context.Context, dayID uuid.UUID) (BusinessDay, error) {
	return s.store.GetDay(ctx, dayID)
}

// List returns the business days of a store, newest first.
func (s *DayService) List(ctx context.Context, storeID string, limit, offset int) ([]BusinessDay, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return s.store.ListDays(ctx, strings.TrimSpace(storeID), limit, offset)
}

// Summary returns a business day with all of its registers.
func (s *DayService) Summary(ctx context.Context, dayID uuid.UUID) (DaySummary, error) {
	day, err := s.store.GetDay(ctx, dayID)
	if err != nil {
		return DaySummary{}, err
	}
	cashiers, err := s.store.ListCashiers(ctx, dayID)
	if err != nil {
		return DaySummary{}, err
	}
	return DaySummary{Day: day, Cashiers: cashiers}, nil
}
