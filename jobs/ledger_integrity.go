package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/odyssey-pos/internal/jobs"
	"github.com/odyssey-erp/odyssey-pos/internal/ledger"
	"github.com/odyssey-erp/odyssey-pos/internal/reconcile"
	"github.com/odyssey-erp/odyssey-pos/internal/register"
)

// Violation kinds reported by the integrity job.
const (
	ViolationChain    = "chain"
	ViolationBalance  = "balance"
	ViolationSequence = "sequence"
	ViolationTotals   = "totals"
	ViolationExpected = "expected"
	ViolationHash     = "hash"
)

// snapshotAttempts bounds how often a register that keeps changing under the
// job is re-read before it is skipped for this run.
const snapshotAttempts = 5

// Violation describes one broken invariant on a register.
type Violation struct {
	DayID     uuid.UUID
	CashierID uuid.UUID
	Kind      string
	Detail    string
}

// IntegrityReport summarises a ledger integrity run.
type IntegrityReport struct {
	Days       int
	Cashiers   int
	Skipped    int
	Violations []Violation
}

// LedgerIntegrityJob replays register ledgers and compares them with the
// stored cashier state.
type LedgerIntegrityJob struct {
	reader  register.Reader
	calc    *reconcile.Calculator
	logger  *slog.Logger
	metrics *jobmetrics.Metrics
}

// NewLedgerIntegrityJob constructs the job.
func NewLedgerIntegrityJob(reader register.Reader, calc *reconcile.Calculator, logger *slog.Logger, metrics *jobmetrics.Metrics) *LedgerIntegrityJob {
	if logger == nil {
		logger = slog.Default()
	}
	if calc == nil {
		calc = reconcile.NewCalculator(reader, reconcile.DefaultPolicy())
	}
	return &LedgerIntegrityJob{reader: reader, calc: calc, logger: logger, metrics: metrics}
}

// Handle processes a ledger integrity task.
func (j *LedgerIntegrityJob) Handle(ctx context.Context, task *asynq.Task) error {
	var payload LedgerIntegrityPayload
	if len(task.Payload()) > 0 {
		if err := json.Unmarshal(task.Payload(), &payload); err != nil {
			return fmt.Errorf("decode payload: %w: %w", err, asynq.SkipRetry)
		}
	}
	dayID := uuid.Nil
	if payload.DayID != "" {
		parsed, err := uuid.Parse(payload.DayID)
		if err != nil {
			return fmt.Errorf("day id: %w: %w", err, asynq.SkipRetry)
		}
		dayID = parsed
	}
	_, err := j.Run(ctx, dayID)
	return err
}

// Run checks every register of dayID, or of every open day when dayID is nil.
// Violations are reported, not returned as errors.
func (j *LedgerIntegrityJob) Run(ctx context.Context, dayID uuid.UUID) (IntegrityReport, error) {
	tracker := j.metrics.Track(TaskLedgerIntegrity)
	report, err := j.run(ctx, dayID)
	return report, tracker.End(err)
}

func (j *LedgerIntegrityJob) run(ctx context.Context, dayID uuid.UUID) (IntegrityReport, error) {
	var days []register.BusinessDay
	if dayID != uuid.Nil {
		day, err := j.reader.GetDay(ctx, dayID)
		if err != nil {
			return IntegrityReport{}, err
		}
		days = append(days, day)
	} else {
		open, err := j.reader.ListOpenDays(ctx)
		if err != nil {
			return IntegrityReport{}, err
		}
		days = open
	}

	report := IntegrityReport{Days: len(days)}
	for _, day := range days {
		cashiers, err := j.reader.ListCashiers(ctx, day.ID)
		if err != nil {
			return report, err
		}
		for _, cashier := range cashiers {
			if err := ctx.Err(); err != nil {
				return report, err
			}
			cashier, entries, ok, err := j.snapshot(ctx, cashier)
			if err != nil {
				return report, err
			}
			if !ok {
				report.Skipped++
				j.logger.Warn("ledger integrity skipped busy register",
					slog.String("cashier_id", cashier.ID.String()),
					slog.Int("attempts", snapshotAttempts),
				)
				continue
			}
			report.Cashiers++
			report.Violations = append(report.Violations, j.check(cashier, entries)...)
		}
	}

	counts := make(map[string]int)
	for _, v := range report.Violations {
		counts[v.Kind]++
		j.logger.Error("ledger integrity violation",
			slog.String("day_id", v.DayID.String()),
			slog.String("cashier_id", v.CashierID.String()),
			slog.String("kind", v.Kind),
			slog.String("detail", v.Detail),
		)
	}
	for kind, n := range counts {
		j.metrics.AddViolations(kind, n)
	}
	j.logger.Info("ledger integrity checked",
		slog.Int("days", report.Days),
		slog.Int("cashiers", report.Cashiers),
		slog.Int("skipped", report.Skipped),
		slog.Int("violations", len(report.Violations)),
	)
	return report, nil
}

// snapshot loads the entries of a register together with a cashier row that
// describes exactly those entries. Entries and cashier are written in one
// transaction that bumps Version, so an unchanged version on both sides of
// the entry read means no operation committed in between.
func (j *LedgerIntegrityJob) snapshot(ctx context.Context, cashier register.CashierSession) (register.CashierSession, []ledger.Entry, bool, error) {
	for attempt := 0; attempt < snapshotAttempts; attempt++ {
		entries, err := j.reader.ListEntries(ctx, cashier.ID)
		if err != nil {
			return cashier, nil, false, err
		}
		current, err := j.reader.GetCashier(ctx, cashier.ID)
		if err != nil {
			return cashier, nil, false, err
		}
		if current.Version == cashier.Version {
			return current, entries, true, nil
		}
		cashier = current
	}
	return cashier, nil, false, nil
}

func (j *LedgerIntegrityJob) check(cashier register.CashierSession, entries []ledger.Entry) []Violation {
	var out []Violation
	add := func(kind, format string, args ...any) {
		out = append(out, Violation{
			DayID:     cashier.DayID,
			CashierID: cashier.ID,
			Kind:      kind,
			Detail:    fmt.Sprintf(format, args...),
		})
	}

	if int64(len(entries)) != cashier.LastSequence {
		add(ViolationSequence, "last_sequence %d, ledger has %d entries", cashier.LastSequence, len(entries))
	}
	if n := len(entries); n > 0 && entries[n-1].Hash != cashier.LastHash {
		add(ViolationHash, "last_hash %q, ledger head %q", cashier.LastHash, entries[n-1].Hash)
	}
	balance, err := ledger.Replay(entries)
	if err != nil {
		add(ViolationChain, "%v", err)
		return out
	}
	if !balance.Equal(cashier.CurrentBalance) {
		add(ViolationBalance, "replayed %s, stored %s", balance.StringFixed(2), cashier.CurrentBalance.StringFixed(2))
	}
	totals := ledger.Summarize(entries)
	if !totalsEqual(totals, cashier.Totals) {
		add(ViolationTotals, "replayed sales=%s refunds=%s deposits=%s withdrawals=%s",
			totals.Sales.StringFixed(2), totals.Refunds.StringFixed(2),
			totals.Deposits.StringFixed(2), totals.Withdrawals.StringFixed(2))
	}
	expected, err := j.calc.ExpectedFrom(entries)
	switch {
	case err != nil:
		add(ViolationExpected, "%v", err)
	case cashier.ExpectedBalance != nil && !expected.Equal(*cashier.ExpectedBalance):
		add(ViolationExpected, "replayed %s, stored %s", expected.StringFixed(2), cashier.ExpectedBalance.StringFixed(2))
	}
	return out
}

func totalsEqual(a, b ledger.Totals) bool {
	return a.Sales.Equal(b.Sales) &&
		a.Refunds.Equal(b.Refunds) &&
		a.Deposits.Equal(b.Deposits) &&
		a.Withdrawals.Equal(b.Withdrawals)
}
