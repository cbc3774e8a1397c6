package events

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sampleOperation() OperationRecorded {
	return OperationRecorded{
		EntryID:       uuid.New(),
		CashierID:     uuid.New(),
		DayID:         uuid.New(),
		StoreID:       "S1",
		TerminalID:    "T1",
		OperatorID:    "op1",
		Sequence:      2,
		OperationType: "SALE",
		Amount:        decimal.RequireFromString("50.00"),
		PaymentMethod: "cash",
		BalanceBefore: decimal.RequireFromString("100.00"),
		BalanceAfter:  decimal.RequireFromString("150.00"),
		RecordedAt:    time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC),
	}
}

type collector struct {
	mu   sync.Mutex
	envs []Envelope
	got  chan struct{}
}

func newCollector() *collector {
	return &collector{got: make(chan struct{}, 16)}
}

func (c *collector) Handle(_ context.Context, env Envelope) error {
	c.mu.Lock()
	c.envs = append(c.envs, env)
	c.mu.Unlock()
	c.got <- struct{}{}
	return nil
}

func (c *collector) wait(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-c.got:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for delivery %d", i+1)
		}
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	evt := sampleOperation()
	env, err := NewEnvelope(evt, evt.RecordedAt)
	require.NoError(t, err)
	require.Equal(t, TypeOperationRecorded, env.Type)
	require.Equal(t, "S1", env.StoreID)

	decoded, err := Decode(env)
	require.NoError(t, err)
	got, ok := decoded.(OperationRecorded)
	require.True(t, ok)
	require.Equal(t, evt.EntryID, got.EntryID)
	require.True(t, got.BalanceAfter.Equal(evt.BalanceAfter))

	_, err = Decode(Envelope{Type: "Unknown"})
	require.ErrorIs(t, err, ErrUnknownType)
}

func TestDispatcherFansOutAndIsolatesFailures(t *testing.T) {
	d := NewDispatcher(DispatcherConfig{Buffer: 8, Workers: 2, Logger: quietLogger()})
	good := newCollector()
	d.Subscribe("good", good)
	d.Subscribe("broken", SubscriberFunc(func(context.Context, Envelope) error {
		return errors.New("downstream unavailable")
	}))
	d.Subscribe("panicky", SubscriberFunc(func(context.Context, Envelope) error {
		panic("boom")
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	d.Publish(ctx, DayOpened{DayID: uuid.New(), StoreID: "S1"})
	d.Publish(ctx, sampleOperation())
	good.wait(t, 2)

	d.Close()
	require.NoError(t, <-done)
	require.Len(t, good.envs, 2)
}

// sequenceRecorder keeps the delivery order of OperationRecorded events per
// store and slows down every other delivery to shake out reordering.
type sequenceRecorder struct {
	mu      sync.Mutex
	byStore map[string][]int64
	total   int
}

func (r *sequenceRecorder) Handle(_ context.Context, env Envelope) error {
	evt, err := Decode(env)
	if err != nil {
		return err
	}
	op := evt.(OperationRecorded)
	if op.Sequence%2 == 0 {
		time.Sleep(time.Millisecond)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byStore[op.StoreID] = append(r.byStore[op.StoreID], op.Sequence)
	r.total++
	return nil
}

func TestDispatcherKeepsPerStoreOrderAcrossWorkers(t *testing.T) {
	d := NewDispatcher(DispatcherConfig{Buffer: 1024, Workers: 4, Logger: quietLogger()})
	rec := &sequenceRecorder{byStore: make(map[string][]int64)}
	d.Subscribe("rec", rec)

	stores := []string{"S1", "S2", "S3", "S4", "S5"}
	const perStore = 20
	for seq := int64(1); seq <= perStore; seq++ {
		for _, store := range stores {
			evt := sampleOperation()
			evt.StoreID = store
			evt.Sequence = seq
			d.Publish(context.Background(), evt)
		}
	}
	d.Close()
	require.NoError(t, d.Run(context.Background()))

	require.Equal(t, perStore*len(stores), rec.total)
	for _, store := range stores {
		got := rec.byStore[store]
		require.Len(t, got, perStore, store)
		for i := 1; i < len(got); i++ {
			require.Less(t, got[i-1], got[i], "store %s delivered out of order: %v", store, got)
		}
	}
	require.Equal(t, d.shard("S1"), d.shard("S1"))
}

func TestPublishNeverBlocksWhenBufferFull(t *testing.T) {
	d := NewDispatcher(DispatcherConfig{Buffer: 1, Workers: 1, Logger: quietLogger()})
	finished := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			d.Publish(context.Background(), DayOpened{StoreID: "S1"})
		}
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("publish blocked without a running dispatcher")
	}
	d.Close()
	d.Publish(context.Background(), DayOpened{StoreID: "S1"})
}

func TestUnsubscribe(t *testing.T) {
	d := NewDispatcher(DispatcherConfig{Logger: quietLogger()})
	c := newCollector()
	unsubscribe := d.Subscribe("c", c)
	unsubscribe()
	require.Empty(t, d.snapshot())
}

func TestRedisSubscriberPublishesPerType(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = client.Close() }()

	ctx := context.Background()
	sink := NewRedisSubscriber(client, "")
	pubsub := client.Subscribe(ctx, sink.Channel(TypeOperationRecorded))
	defer func() { _ = pubsub.Close() }()
	_, err := pubsub.Receive(ctx)
	require.NoError(t, err)

	env, err := NewEnvelope(sampleOperation(), time.Now())
	require.NoError(t, err)
	require.NoError(t, sink.Handle(ctx, env))

	select {
	case msg := <-pubsub.Channel():
		require.Equal(t, "pos.events.OperationRecorded", msg.Channel)
		var got Envelope
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
		require.Equal(t, env.ID, got.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
	}
}

type fakeEnqueuer struct {
	tasks []*asynq.Task
	err   error
}

func (f *fakeEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.tasks = append(f.tasks, task)
	return &asynq.TaskInfo{ID: "x"}, nil
}

func TestAsynqSubscriberEnqueuesEnvelope(t *testing.T) {
	enq := &fakeEnqueuer{}
	sink := NewAsynqSubscriber(enq, "")
	env, err := NewEnvelope(CashierOpened{CashierID: uuid.New(), StoreID: "S1"}, time.Now())
	require.NoError(t, err)

	require.NoError(t, sink.Handle(context.Background(), env))
	require.Len(t, enq.tasks, 1)
	require.Equal(t, TaskEventDelivered, enq.tasks[0].Type())

	parsed, err := ParseEventTask(enq.tasks[0])
	require.NoError(t, err)
	require.Equal(t, env.ID, parsed.ID)

	enq.err = asynq.ErrTaskIDConflict
	require.NoError(t, sink.Handle(context.Background(), env))
}
