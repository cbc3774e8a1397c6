package register

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/odyssey-erp/odyssey-pos/internal/events"
	"github.com/odyssey-erp/odyssey-pos/internal/observability"
	"github.com/odyssey-erp/odyssey-pos/internal/reconcile"
)

// IdempotencyStore claims request keys before an operation is applied.
type IdempotencyStore interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// ServiceConfig groups optional settings shared by the register services.
type ServiceConfig struct {
	MaxRetries  int
	RetryBase   time.Duration
	Logger      *slog.Logger
	Metrics     *observability.Metrics
	Idempotency IdempotencyStore
}

// Services bundles the day and cashier services sharing one store and one
// set of locks.
type Services struct {
	Days     *DayService
	Cashiers *CashierService
}

type core struct {
	store      Store
	publisher  events.Publisher
	logger     *slog.Logger
	metrics    *observability.Metrics
	locks      *locks
	maxRetries int
	retryBase  time.Duration
	now        func() time.Time
}

// NewServices constructs the register services.
func NewServices(store Store, calc *reconcile.Calculator, publisher events.Publisher, cfg ServiceConfig) Services {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 10 * time.Millisecond
	}
	if calc == nil {
		calc = reconcile.NewCalculator(store, reconcile.DefaultPolicy())
	}
	c := &core{
		store:      store,
		publisher:  publisher,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
		locks:      newLocks(),
		maxRetries: cfg.MaxRetries,
		retryBase:  cfg.RetryBase,
		now:        func() time.Time { return time.Now().UTC() },
	}
	return Services{
		Days:     &DayService{core: c},
		Cashiers: &CashierService{core: c, calc: calc, idempotency: cfg.Idempotency},
	}
}

// WithNow overrides the clock for deterministic tests.
func (s Services) WithNow(now func() time.Time) {
	if now != nil {
		s.Days.core.now = now
	}
}

// mutate runs fn in a store transaction, retrying version conflicts with
// exponential backoff. Any other error aborts immediately.
func (c *core) mutate(ctx context.Context, op string, fn func(context.Context, Tx) error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.retryBase
	policy.MaxInterval = 20 * c.retryBase
	policy.MaxElapsedTime = 0

	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		err := c.store.WithTx(ctx, fn)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrVersionConflict) {
			c.metrics.IncVersionConflict()
			c.logger.Debug("register version conflict",
				slog.String("op", op),
				slog.Int("attempt", attempts),
			)
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(c.maxRetries)), ctx))
	if errors.Is(err, ErrVersionConflict) {
		c.metrics.IncTransient()
		c.logger.Warn("register retries exhausted",
			slog.String("op", op),
			slog.Int("attempts", attempts),
		)
		return fmt.Errorf("%w: %s gave up after %d attempts", ErrTransient, op, attempts)
	}
	return err
}

func (c *core) publish(ctx context.Context, evt events.Event) {
	c.publisher.Publish(context.WithoutCancel(ctx), evt)
}
