package register

import (
	"context"

	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-pos/internal/ledger"
)

// Reader exposes the read side of the register store.
type Reader interface {
	ledger.Reader
	GetDay(ctx context.Context, id uuid.UUID) (BusinessDay, error)
	FindOpenDay(ctx context.Context, storeID string) (BusinessDay, bool, error)
	ListDays(ctx context.Context, storeID string, limit, offset int) ([]BusinessDay, error)
	ListOpenDays(ctx context.Context) ([]BusinessDay, error)
	GetCashier(ctx context.Context, id uuid.UUID) (CashierSession, error)
	ListCashiers(ctx context.Context, dayID uuid.UUID) ([]CashierSession, error)
}

// Tx is a unit of work against the store. Updates are compare-and-swap on
// the version column and return ErrVersionConflict when the stored version
// differs from expectedVersion. AppendEntry returns ErrVersionConflict when
// the entry sequence is already taken.
type Tx interface {
	Reader
	ledger.Appender
	GetDayForUpdate(ctx context.Context, id uuid.UUID) (BusinessDay, error)
	InsertDay(ctx context.Context, day BusinessDay) error
	UpdateDay(ctx context.Context, day BusinessDay, expectedVersion int64) error
	OpenCashierByTerminal(ctx context.Context, dayID uuid.UUID, terminalID string) (CashierSession, bool, error)
	OpenCashierByOperator(ctx context.Context, dayID uuid.UUID, operatorID string) (CashierSession, bool, error)
	InsertCashier(ctx context.Context, cashier CashierSession) error
	UpdateCashier(ctx context.Context, cashier CashierSession, expectedVersion int64) error
}

// Store is the abstract transactional store behind the register engine.
// Implementations roll back every write of fn when it returns an error.
type Store interface {
	Reader
	WithTx(ctx context.Context, fn func(context.Context, Tx) error) error
}
