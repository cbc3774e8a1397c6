package jobs

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-pos/internal/events"
	jobmetrics "github.com/odyssey-erp/odyssey-pos/internal/jobs"
	"github.com/odyssey-erp/odyssey-pos/internal/ledger"
	"github.com/odyssey-erp/odyssey-pos/internal/reconcile"
	"github.com/odyssey-erp/odyssey-pos/internal/register"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type registerFixture struct {
	store *register.MemoryStore
	svc   register.Services
}

func newRegisterFixture(t *testing.T) registerFixture {
	t.Helper()
	store := register.NewMemoryStore()
	svc := register.NewServices(store, nil, nil, register.ServiceConfig{
		RetryBase: time.Millisecond,
		Logger:    quietLogger(),
	})
	return registerFixture{store: store, svc: svc}
}

func (f registerFixture) openCashier(t *testing.T, tradingDate time.Time, terminal string) (register.BusinessDay, register.CashierSession) {
	t.Helper()
	ctx := context.Background()
	day, ok, err := f.svc.Days.Current(ctx, "S1")
	require.NoError(t, err)
	if !ok {
		day, err = f.svc.Days.Open(ctx, register.OpenDayInput{StoreID: "S1", OpenedBy: "mgr1", TradingDate: tradingDate})
		require.NoError(t, err)
	}
	cashier, err := f.svc.Cashiers.Open(ctx, register.OpenCashierInput{
		DayID:          day.ID,
		TerminalID:     terminal,
		OperatorID:     "op-" + terminal,
		OpeningBalance: decimal.NewFromInt(100),
	})
	require.NoError(t, err)
	return day, cashier
}

func (f registerFixture) sale(t *testing.T, cashierID uuid.UUID, amount int64, method ledger.PaymentMethod) {
	t.Helper()
	_, err := f.svc.Cashiers.ApplyOperation(context.Background(), register.OperationInput{
		CashierID:     cashierID,
		Type:          ledger.OperationSale,
		Amount:        decimal.NewFromInt(amount),
		PaymentMethod: method,
	})
	require.NoError(t, err)
}

func kinds(violations []Violation) []string {
	out := make([]string, 0, len(violations))
	for _, v := range violations {
		out = append(out, v.Kind)
	}
	return out
}

func TestLedgerIntegrityCleanLedgers(t *testing.T) {
	f := newRegisterFixture(t)
	day, c1 := f.openCashier(t, time.Time{}, "T1")
	_, c2 := f.openCashier(t, time.Time{}, "T2")
	f.sale(t, c1.ID, 50, ledger.PaymentCash)
	f.sale(t, c2.ID, 20, ledger.PaymentCard)
	_, err := f.svc.Cashiers.Close(context.Background(), register.CloseCashierInput{
		CashierID:          c1.ID,
		OperatorID:         "op-T1",
		PhysicalCashAmount: decimal.NewFromInt(148),
	})
	require.NoError(t, err)

	job := NewLedgerIntegrityJob(f.store, nil, quietLogger(), jobmetrics.NewMetrics(prometheus.NewRegistry()))
	report, err := job.Run(context.Background(), uuid.Nil)
	require.NoError(t, err)
	require.Equal(t, 1, report.Days)
	require.Equal(t, 2, report.Cashiers)
	require.Empty(t, report.Violations)

	report, err = job.Run(context.Background(), day.ID)
	require.NoError(t, err)
	require.Empty(t, report.Violations)
}

func TestLedgerIntegrityReportsBrokenChain(t *testing.T) {
	f := newRegisterFixture(t)
	_, c := f.openCashier(t, time.Time{}, "T1")
	f.sale(t, c.ID, 50, ledger.PaymentCash)

	cash := ledger.PaymentCash
	require.NoError(t, f.store.WithTx(context.Background(), func(ctx context.Context, tx register.Tx) error {
		return tx.AppendEntry(ctx, ledger.Entry{
			ID:            uuid.New(),
			CashierID:     c.ID,
			Sequence:      3,
			Type:          ledger.OperationSale,
			Amount:        decimal.NewFromInt(10),
			PaymentMethod: &cash,
			BalanceBefore: decimal.NewFromInt(999),
			BalanceAfter:  decimal.NewFromInt(1009),
			OperatorID:    "op-T1",
			CreatedAt:     time.Now().UTC(),
		})
	}))

	job := NewLedgerIntegrityJob(f.store, nil, quietLogger(), nil)
	report, err := job.Run(context.Background(), uuid.Nil)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{ViolationSequence, ViolationHash, ViolationChain}, kinds(report.Violations))
	require.Equal(t, c.ID, report.Violations[0].CashierID)
}

func TestLedgerIntegrityReportsBalanceDrift(t *testing.T) {
	f := newRegisterFixture(t)
	_, c := f.openCashier(t, time.Time{}, "T1")
	f.sale(t, c.ID, 50, ledger.PaymentCash)

	require.NoError(t, f.store.WithTx(context.Background(), func(ctx context.Context, tx register.Tx) error {
		current, err := tx.GetCashier(ctx, c.ID)
		if err != nil {
			return err
		}
		next := current
		next.CurrentBalance = decimal.NewFromInt(175)
		next.Totals.Sales = decimal.NewFromInt(75)
		next.Version++
		return tx.UpdateCashier(ctx, next, current.Version)
	}))

	job := NewLedgerIntegrityJob(f.store, nil, quietLogger(), nil)
	report, err := job.Run(context.Background(), uuid.Nil)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{ViolationBalance, ViolationTotals}, kinds(report.Violations))
}

func TestLedgerIntegrityReportsForeignHead(t *testing.T) {
	f := newRegisterFixture(t)
	_, c := f.openCashier(t, time.Time{}, "T1")
	f.sale(t, c.ID, 50, ledger.PaymentCash)

	require.NoError(t, f.store.WithTx(context.Background(), func(ctx context.Context, tx register.Tx) error {
		current, err := tx.GetCashier(ctx, c.ID)
		if err != nil {
			return err
		}
		next := current
		next.LastHash = c.LastHash
		next.Version++
		return tx.UpdateCashier(ctx, next, current.Version)
	}))

	job := NewLedgerIntegrityJob(f.store, nil, quietLogger(), nil)
	report, err := job.Run(context.Background(), uuid.Nil)
	require.NoError(t, err)
	require.Equal(t, []string{ViolationHash}, kinds(report.Violations))
}

// racingReader commits a sale after the job listed the cashiers but before it
// reads the ledger, the interleaving a live register produces.
type racingReader struct {
	register.Reader
	once sync.Once
	race func()
}

func (r *racingReader) ListEntries(ctx context.Context, cashierID uuid.UUID) ([]ledger.Entry, error) {
	r.once.Do(r.race)
	return r.Reader.ListEntries(ctx, cashierID)
}

func TestLedgerIntegrityToleratesConcurrentSale(t *testing.T) {
	f := newRegisterFixture(t)
	_, c := f.openCashier(t, time.Time{}, "T1")
	f.sale(t, c.ID, 50, ledger.PaymentCash)

	reader := &racingReader{Reader: f.store, race: func() { f.sale(t, c.ID, 25, ledger.PaymentCash) }}
	job := NewLedgerIntegrityJob(reader, nil, quietLogger(), nil)
	report, err := job.Run(context.Background(), uuid.Nil)
	require.NoError(t, err)
	require.Empty(t, report.Violations)
	require.Equal(t, 1, report.Cashiers)
	require.Zero(t, report.Skipped)

	entries, err := f.store.ListEntries(context.Background(), c.ID)
	require.NoError(t, err)
	require.Len(t, entries, 3)
}

// churningReader advances the cashier version on every read.
type churningReader struct {
	register.Reader
	reads atomic.Int64
}

func (r *churningReader) GetCashier(ctx context.Context, id uuid.UUID) (register.CashierSession, error) {
	c, err := r.Reader.GetCashier(ctx, id)
	c.Version += r.reads.Add(1)
	return c, err
}

func TestLedgerIntegritySkipsRegisterThatNeverSettles(t *testing.T) {
	f := newRegisterFixture(t)
	f.openCashier(t, time.Time{}, "T1")

	job := NewLedgerIntegrityJob(&churningReader{Reader: f.store}, nil, quietLogger(), nil)
	report, err := job.Run(context.Background(), uuid.Nil)
	require.NoError(t, err)
	require.Equal(t, 1, report.Skipped)
	require.Zero(t, report.Cashiers)
	require.Empty(t, report.Violations)
}

func TestLedgerIntegrityUsesPolicyForExpected(t *testing.T) {
	f := newRegisterFixture(t)
	_, c := f.openCashier(t, time.Time{}, "T1")
	f.sale(t, c.ID, 40, ledger.PaymentCard)
	_, err := f.svc.Cashiers.Close(context.Background(), register.CloseCashierInput{
		CashierID:          c.ID,
		OperatorID:         "op-T1",
		PhysicalCashAmount: decimal.NewFromInt(100),
	})
	require.NoError(t, err)

	policy := reconcile.DefaultPolicy()
	policy.CashMethods = append(policy.CashMethods, ledger.PaymentCard)
	calc := reconcile.NewCalculator(f.store, policy)

	job := NewLedgerIntegrityJob(f.store, calc, quietLogger(), nil)
	report, err := job.Run(context.Background(), c.DayID)
	require.NoError(t, err)
	require.Equal(t, []string{ViolationExpected}, kinds(report.Violations))
}

func TestLedgerIntegrityHandleRejectsBadPayload(t *testing.T) {
	f := newRegisterFixture(t)
	job := NewLedgerIntegrityJob(f.store, nil, quietLogger(), nil)

	err := job.Handle(context.Background(), asynq.NewTask(TaskLedgerIntegrity, []byte(`{"day_id":"nope"}`)))
	require.ErrorIs(t, err, asynq.SkipRetry)

	err = job.Handle(context.Background(), asynq.NewTask(TaskLedgerIntegrity, []byte(`{`)))
	require.ErrorIs(t, err, asynq.SkipRetry)

	task, err := NewLedgerIntegrityTask(uuid.Nil)
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
}

func TestStaleCashierSweep(t *testing.T) {
	f := newRegisterFixture(t)
	now := time.Now().UTC()
	yesterday := now.AddDate(0, 0, -1)
	_, stale := f.openCashier(t, yesterday, "T1")

	sweep := NewStaleCashierSweep(f.store, 0, quietLogger(), jobmetrics.NewMetrics(prometheus.NewRegistry()))
	sweep.now = func() time.Time { return now }

	found, err := sweep.Run(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, found, 1)
	require.Equal(t, stale.ID, found[0].Cashier.ID)

	got, err := f.store.GetCashier(context.Background(), stale.ID)
	require.NoError(t, err)
	require.True(t, got.IsOpen())
}

func TestStaleCashierSweepHonoursMaxOpen(t *testing.T) {
	f := newRegisterFixture(t)
	_, c := f.openCashier(t, time.Now().UTC().AddDate(0, 0, 1), "T1")

	sweep := NewStaleCashierSweep(f.store, 12*time.Hour, quietLogger(), nil)
	sweep.now = func() time.Time { return c.OpenedAt.Add(2 * time.Hour) }
	found, err := sweep.Run(context.Background(), 12*time.Hour)
	require.NoError(t, err)
	require.Empty(t, found)

	payload, err := json.Marshal(StaleCashierPayload{MaxOpenMinutes: 60})
	require.NoError(t, err)
	require.NoError(t, sweep.Handle(context.Background(), asynq.NewTask(TaskStaleCashierSweep, payload)))

	found, err = sweep.Run(context.Background(), time.Hour)
	require.NoError(t, err)
	require.Len(t, found, 1)
}

func TestStaleCashierSweepWindowKeepsMinutes(t *testing.T) {
	sweep := NewStaleCashierSweep(register.NewMemoryStore(), 90*time.Minute, quietLogger(), nil)

	window, err := sweep.window(nil)
	require.NoError(t, err)
	require.Equal(t, 90*time.Minute, window)

	cases := []struct {
		name    string
		maxOpen time.Duration
		want    time.Duration
	}{
		{"zero keeps configured", 0, 90 * time.Minute},
		{"minutes survive", 90 * time.Minute, 90 * time.Minute},
		{"seconds round up", 30 * time.Second, time.Minute},
		{"hours", 36 * time.Hour, 36 * time.Hour},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			task, err := NewStaleCashierSweepTask(tc.maxOpen)
			require.NoError(t, err)
			got, err := sweep.window(task.Payload())
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}

	_, err = sweep.window([]byte(`{`))
	require.ErrorIs(t, err, asynq.SkipRetry)
}

func TestStaleCashierSweepScheduledTaskUsesConfiguredWindow(t *testing.T) {
	f := newRegisterFixture(t)
	_, c := f.openCashier(t, time.Now().UTC().AddDate(0, 0, 1), "T1")

	registry := prometheus.NewRegistry()
	sweep := NewStaleCashierSweep(f.store, 90*time.Minute, quietLogger(), jobmetrics.NewMetrics(registry))
	sweep.now = func() time.Time { return c.OpenedAt.Add(80 * time.Minute) }

	task, err := NewStaleCashierSweepTask(0)
	require.NoError(t, err)
	require.NoError(t, sweep.Handle(context.Background(), task))
	require.Equal(t, 0.0, staleGauge(t, registry))

	sweep.now = func() time.Time { return c.OpenedAt.Add(95 * time.Minute) }
	require.NoError(t, sweep.Handle(context.Background(), task))
	require.Equal(t, 1.0, staleGauge(t, registry))
}

func staleGauge(t *testing.T, registry *prometheus.Registry) float64 {
	t.Helper()
	families, err := registry.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if strings.HasSuffix(mf.GetName(), "stale_cashiers") {
			return mf.GetMetric()[0].GetGauge().GetValue()
		}
	}
	t.Fatal("stale cashier gauge not registered")
	return 0
}

type recordingEnqueuer struct {
	mu    sync.Mutex
	tasks []*asynq.Task
}

func (r *recordingEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks = append(r.tasks, task)
	return &asynq.TaskInfo{Type: task.Type()}, nil
}

func eventTask(t *testing.T, evt events.Event) *asynq.Task {
	t.Helper()
	env, err := events.NewEnvelope(evt, time.Now())
	require.NoError(t, err)
	task, err := events.NewEventTask(env)
	require.NoError(t, err)
	return task
}

func TestEventConsumerSchedulesIntegrityOnDayClose(t *testing.T) {
	enq := &recordingEnqueuer{}
	consumer := NewEventConsumer(enq, quietLogger(), jobmetrics.NewMetrics(prometheus.NewRegistry()))
	dayID := uuid.New()

	require.NoError(t, consumer.Handle(context.Background(), eventTask(t, events.DayClosed{DayID: dayID, StoreID: "S1"})))
	require.Len(t, enq.tasks, 1)
	require.Equal(t, TaskLedgerIntegrity, enq.tasks[0].Type())

	var payload LedgerIntegrityPayload
	require.NoError(t, json.Unmarshal(enq.tasks[0].Payload(), &payload))
	require.Equal(t, dayID.String(), payload.DayID)

	require.NoError(t, consumer.Handle(context.Background(), eventTask(t, events.CashierClosed{
		CashierID:      uuid.New(),
		StoreID:        "S1",
		CashDifference: decimal.NewFromInt(-30),
		Classification: string(reconcile.ClassificationCritical),
	})))
	require.Len(t, enq.tasks, 1)
}

func TestEventConsumerSkipsMalformedTasks(t *testing.T) {
	consumer := NewEventConsumer(nil, quietLogger(), nil)

	err := consumer.Handle(context.Background(), asynq.NewTask(TaskEventDelivered, []byte(`not json`)))
	require.ErrorIs(t, err, asynq.SkipRetry)

	raw, err := json.Marshal(events.Envelope{ID: uuid.New(), Type: "register.unknown", Payload: json.RawMessage(`{}`)})
	require.NoError(t, err)
	err = consumer.Handle(context.Background(), asynq.NewTask(TaskEventDelivered, raw))
	require.ErrorIs(t, err, asynq.SkipRetry)
}

func TestWorkerRegistersHandlers(t *testing.T) {
	worker, err := NewWorker(WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: miniredis.RunT(t).Addr()},
		Logger:    quietLogger(),
		Handlers: []TaskHandler{
			{Type: TaskEventDelivered, Handler: NewEventConsumer(nil, quietLogger(), nil).Handle},
			{Type: "", Handler: nil},
		},
	})
	require.NoError(t, err)
	require.NotNil(t, worker)
	require.Nil(t, worker.scheduler)
}
