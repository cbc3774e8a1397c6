package events

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/odyssey-pos/internal/observability"
)

// Publisher accepts events for best-effort delivery. Publish never blocks on
// subscribers and never reports delivery failures to the caller.
type Publisher interface {
	Publish(ctx context.Context, evt Event)
}

// Subscriber receives delivered envelopes.
type Subscriber interface {
	Handle(ctx context.Context, env Envelope) error
}

// SubscriberFunc adapts a function to Subscriber.
type SubscriberFunc func(ctx context.Context, env Envelope) error

// Handle calls f.
func (f SubscriberFunc) Handle(ctx context.Context, env Envelope) error {
	return f(ctx, env)
}

// NopPublisher discards every event.
type NopPublisher struct{}

// Publish implements Publisher.
func (NopPublisher) Publish(context.Context, Event) {}

// DispatcherConfig groups dispatcher settings.
type DispatcherConfig struct {
	Buffer          int
	Workers         int
	DeliveryTimeout time.Duration
	Logger          *slog.Logger
	Metrics         *observability.Metrics
}

// Dispatcher queues envelopes on buffered channels and fans them out to
// subscribers from a fixed pool of workers. Each store hashes onto one worker,
// so a store's events are delivered in the order they were published.
type Dispatcher struct {
	shards  []chan Envelope
	timeout time.Duration
	logger  *slog.Logger
	metrics *observability.Metrics
	now     func() time.Time

	mu     sync.RWMutex
	closed bool
	seq    uint64
	subs   map[string]registration
}

type registration struct {
	token uint64
	sub   Subscriber
}

// NewDispatcher constructs a Dispatcher. Call Run to start delivery.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = 5 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	perShard := (cfg.Buffer + cfg.Workers - 1) / cfg.Workers
	shards := make([]chan Envelope, cfg.Workers)
	for i := range shards {
		shards[i] = make(chan Envelope, perShard)
	}
	return &Dispatcher{
		shards:  shards,
		timeout: cfg.DeliveryTimeout,
		logger:  logger,
		metrics: cfg.Metrics,
		now:     time.Now,
		subs:    make(map[string]registration),
	}
}

// Subscribe registers sub under name, replacing any previous subscriber with
// the same name. The returned function removes it.
func (d *Dispatcher) Subscribe(name string, sub Subscriber) func() {
	d.mu.Lock()
	d.seq++
	token := d.seq
	d.subs[name] = registration{token: token, sub: sub}
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		if current, ok := d.subs[name]; ok && current.token == token {
			delete(d.subs, name)
		}
		d.mu.Unlock()
	}
}

// Publish enqueues evt. When the buffer is full or the dispatcher is closed
// the event is dropped and logged.
func (d *Dispatcher) Publish(_ context.Context, evt Event) {
	env, err := NewEnvelope(evt, d.now())
	if err != nil {
		d.logger.Error("build event envelope", slog.Any("error", err))
		return
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.drop(env, "dispatcher closed")
		return
	}
	select {
	case d.shards[d.shard(env.StoreID)] <- env:
		d.metrics.EventPublished(string(env.Type))
	default:
		d.drop(env, "buffer full")
	}
}

// Run delivers queued envelopes until ctx is cancelled or Close has been
// called and the queue is drained.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, queue := range d.shards {
		queue := queue
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case env, ok := <-queue:
					if !ok {
						return nil
					}
					d.deliver(context.WithoutCancel(gctx), env)
				}
			}
		})
	}
	return g.Wait()
}

// Close stops accepting events. Workers drain what is already queued.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	for _, queue := range d.shards {
		close(queue)
	}
}

// shard picks the worker queue that owns storeID.
func (d *Dispatcher) shard(storeID string) int {
	return int(xxhash.Sum64String(storeID) % uint64(len(d.shards)))
}

func (d *Dispatcher) deliver(ctx context.Context, env Envelope) {
	for _, named := range d.snapshot() {
		if err := d.handle(ctx, named.name, named.sub, env); err != nil {
			d.metrics.DeliveryFailed(named.name)
			d.logger.Warn("event delivery failed",
				slog.String("subscriber", named.name),
				slog.String("event_type", string(env.Type)),
				slog.String("event_id", env.ID.String()),
				slog.Any("error", err),
			)
		}
	}
}

func (d *Dispatcher) handle(ctx context.Context, name string, sub Subscriber, env Envelope) (err error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("events: subscriber %s panicked: %v", name, r)
		}
	}()
	return sub.Handle(ctx, env)
}

type namedSubscriber struct {
	name string
	sub  Subscriber
}

func (d *Dispatcher) snapshot() []namedSubscriber {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]namedSubscriber, 0, len(d.subs))
	for name, reg := range d.subs {
		out = append(out, namedSubscriber{name: name, sub: reg.sub})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

func (d *Dispatcher) drop(env Envelope, reason string) {
	d.metrics.EventDropped(string(env.Type))
	d.logger.Warn("event dropped",
		slog.String("event_type", string(env.Type)),
		slog.String("event_id", env.ID.String()),
		slog.String("store_id", env.StoreID),
		slog.String("reason", reason),
	)
}
