package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-pos/internal/events"
	jobmetrics "github.com/odyssey-erp/odyssey-pos/internal/jobs"
	"github.com/odyssey-erp/odyssey-pos/internal/reconcile"
)

// EventConsumer processes register events delivered through asynq. A closed
// day schedules an integrity check of its ledgers and a critical cash
// difference raises a warning.
type EventConsumer struct {
	enqueuer events.Enqueuer
	logger   *slog.Logger
	metrics  *jobmetrics.Metrics
}

// NewEventConsumer constructs the consumer. enqueuer may be nil, in which
// case closed days are only logged.
func NewEventConsumer(enqueuer events.Enqueuer, logger *slog.Logger, metrics *jobmetrics.Metrics) *EventConsumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventConsumer{enqueuer: enqueuer, logger: logger, metrics: metrics}
}

// Handle processes a pos:event task.
func (c *EventConsumer) Handle(ctx context.Context, task *asynq.Task) error {
	env, err := events.ParseEventTask(task)
	if err != nil {
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}
	evt, err := events.Decode(env)
	if err != nil {
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}
	log := c.logger.With(
		slog.String("event_id", env.ID.String()),
		slog.String("event_type", string(env.Type)),
		slog.String("store_id", env.StoreID),
	)

	switch e := evt.(type) {
	case events.DayClosed:
		log.Info("business day closed",
			slog.String("day_id", e.DayID.String()),
			slog.Int("cashiers", e.CashierCount),
			slog.String("total_sales", e.TotalSales.StringFixed(2)),
			slog.String("total_cash_difference", e.TotalCashDifference.StringFixed(2)),
		)
		if err := c.scheduleIntegrity(ctx, e); err != nil {
			return err
		}
	case events.CashierClosed:
		attrs := []any{
			slog.String("cashier_id", e.CashierID.String()),
			slog.String("terminal_id", e.TerminalID),
			slog.String("operator_id", e.OperatorID),
			slog.String("cash_difference", e.CashDifference.StringFixed(2)),
			slog.String("classification", e.Classification),
		}
		if e.Classification == string(reconcile.ClassificationCritical) {
			log.Warn("critical cash difference", attrs...)
		} else {
			log.Info("cashier closed", attrs...)
		}
	default:
		log.Debug("register event consumed")
	}
	c.metrics.EventConsumed(string(env.Type))
	return nil
}

func (c *EventConsumer) scheduleIntegrity(ctx context.Context, e events.DayClosed) error {
	if c.enqueuer == nil {
		return nil
	}
	task, err := NewLedgerIntegrityTask(e.DayID)
	if err != nil {
		return err
	}
	_, err = c.enqueuer.EnqueueContext(ctx, task,
		asynq.Queue(QueueDefault),
		asynq.TaskID("integrity:"+e.DayID.String()),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	return err
}
