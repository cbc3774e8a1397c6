package jobs

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-pos/internal/events"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// QueueEvents carries register events enqueued by the API.
	QueueEvents = events.QueueEvents

	// TaskLedgerIntegrity replays register ledgers and checks their invariants.
	TaskLedgerIntegrity = "register:ledger_integrity"
	// TaskStaleCashierSweep reports registers left open past their trading day.
	TaskStaleCashierSweep = "register:stale_cashier_sweep"
	// TaskEventDelivered consumes register events.
	TaskEventDelivered = events.TaskEventDelivered
)

// LedgerIntegrityPayload scopes an integrity run. An empty DayID checks every
// open business day.
type LedgerIntegrityPayload struct {
	DayID string `json:"day_id,omitempty"`
}

// NewLedgerIntegrityTask constructs an Asynq task.
func NewLedgerIntegrityTask(dayID uuid.UUID) (*asynq.Task, error) {
	payload := LedgerIntegrityPayload{}
	if dayID != uuid.Nil {
		payload.DayID = dayID.String()
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskLedgerIntegrity, data), nil
}

// StaleCashierPayload configures a sweep. Zero keeps the worker's window.
type StaleCashierPayload struct {
	MaxOpenMinutes int `json:"max_open_minutes,omitempty"`
}

// NewStaleCashierSweepTask constructs an Asynq task. maxOpen is rounded up to
// whole minutes; zero defers to the window the worker was configured with.
func NewStaleCashierSweepTask(maxOpen time.Duration) (*asynq.Task, error) {
	var payload StaleCashierPayload
	if maxOpen > 0 {
		payload.MaxOpenMinutes = int((maxOpen + time.Minute - 1) / time.Minute)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskStaleCashierSweep, data), nil
}
