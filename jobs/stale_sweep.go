package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/odyssey-pos/internal/jobs"
	"github.com/odyssey-erp/odyssey-pos/internal/register"
)

// StaleCashier is an open register that outlived its trading day.
type StaleCashier struct {
	Cashier     register.CashierSession
	TradingDate time.Time
	OpenFor     time.Duration
}

// StaleCashierSweep reports registers still open after their trading date or
// beyond the configured window. It never closes anything.
type StaleCashierSweep struct {
	reader  register.Reader
	logger  *slog.Logger
	metrics *jobmetrics.Metrics
	maxOpen time.Duration
	now     func() time.Time
}

// NewStaleCashierSweep constructs the sweep. maxOpen <= 0 only flags
// registers whose trading date has passed.
func NewStaleCashierSweep(reader register.Reader, maxOpen time.Duration, logger *slog.Logger, metrics *jobmetrics.Metrics) *StaleCashierSweep {
	if logger == nil {
		logger = slog.Default()
	}
	return &StaleCashierSweep{
		reader:  reader,
		logger:  logger,
		metrics: metrics,
		maxOpen: maxOpen,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Handle processes a sweep task. A positive MaxOpenMinutes in the payload
// overrides the configured window.
func (s *StaleCashierSweep) Handle(ctx context.Context, task *asynq.Task) error {
	maxOpen, err := s.window(task.Payload())
	if err != nil {
		return err
	}
	_, err = s.Run(ctx, maxOpen)
	return err
}

func (s *StaleCashierSweep) window(raw []byte) (time.Duration, error) {
	if len(raw) == 0 {
		return s.maxOpen, nil
	}
	var payload StaleCashierPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return 0, fmt.Errorf("decode payload: %w: %w", err, asynq.SkipRetry)
	}
	if payload.MaxOpenMinutes > 0 {
		return time.Duration(payload.MaxOpenMinutes) * time.Minute, nil
	}
	return s.maxOpen, nil
}

// Run lists the stale registers across every open business day.
func (s *StaleCashierSweep) Run(ctx context.Context, maxOpen time.Duration) ([]StaleCashier, error) {
	tracker := s.metrics.Track(TaskStaleCashierSweep)
	stale, err := s.sweep(ctx, maxOpen)
	return stale, tracker.End(err)
}

func (s *StaleCashierSweep) sweep(ctx context.Context, maxOpen time.Duration) ([]StaleCashier, error) {
	days, err := s.reader.ListOpenDays(ctx)
	if err != nil {
		return nil, err
	}
	now := s.now()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	var stale []StaleCashier
	for _, day := range days {
		cashiers, err := s.reader.ListCashiers(ctx, day.ID)
		if err != nil {
			return nil, err
		}
		for _, cashier := range cashiers {
			if !cashier.IsOpen() {
				continue
			}
			openFor := now.Sub(cashier.OpenedAt)
			pastDay := day.TradingDate.Before(today)
			if !pastDay && (maxOpen <= 0 || openFor < maxOpen) {
				continue
			}
			stale = append(stale, StaleCashier{Cashier: cashier, TradingDate: day.TradingDate, OpenFor: openFor})
			s.logger.Warn("stale cashier",
				slog.String("store_id", cashier.StoreID),
				slog.String("day_id", day.ID.String()),
				slog.String("cashier_id", cashier.ID.String()),
				slog.String("terminal_id", cashier.TerminalID),
				slog.String("operator_id", cashier.OperatorID),
				slog.String("trading_date", day.TradingDate.Format(time.DateOnly)),
				slog.Duration("open_for", openFor),
			)
		}
	}
	s.metrics.SetStaleCashiers(len(stale))
	return stale, nil
}
