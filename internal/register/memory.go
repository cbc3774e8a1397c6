package register

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-pos/internal/ledger"
)

// MemoryStore is an in-process Store. Transactions buffer their writes and
// validate versions, uniqueness and ledger sequences when they commit, so
// concurrent callers see the same conflicts the Postgres store reports.
type MemoryStore struct {
	mu       sync.RWMutex
	days     map[uuid.UUID]BusinessDay
	cashiers map[uuid.UUID]CashierSession
	entries  map[uuid.UUID][]ledger.Entry
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		days:     make(map[uuid.UUID]BusinessDay),
		cashiers: make(map[uuid.UUID]CashierSession),
		entries:  make(map[uuid.UUID][]ledger.Entry),
	}
}

var _ Store = (*MemoryStore)(nil)

// WithTx runs fn against a buffered transaction and commits it when fn
// succeeds.
func (s *MemoryStore) WithTx(ctx context.Context, fn func(context.Context, Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &memoryTx{
		store:    s,
		days:     make(map[uuid.UUID]dayWrite),
		cashiers: make(map[uuid.UUID]cashierWrite),
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	return s.commit(tx)
}

func (s *MemoryStore) GetDay(_ context.Context, id uuid.UUID) (BusinessDay, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	day, ok := s.days[id]
	if !ok {
		return BusinessDay{}, ErrDayNotFound
	}
	return day, nil
}

func (s *MemoryStore) FindOpenDay(_ context.Context, storeID string) (BusinessDay, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	day, ok := s.openDayLocked(storeID)
	return day, ok, nil
}

func (s *MemoryStore) ListDays(_ context.Context, storeID string, limit, offset int) ([]BusinessDay, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var days []BusinessDay
	for _, day := range s.days {
		if day.StoreID == storeID {
			days = append(days, day)
		}
	}
	sortDays(days)
	return page(days, limit, offset), nil
}

func (s *MemoryStore) ListOpenDays(_ context.Context) ([]BusinessDay, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var days []BusinessDay
	for _, day := range s.days {
		if day.IsOpen() {
			days = append(days, day)
		}
	}
	sortDays(days)
	return days, nil
}

func (s *MemoryStore) GetCashier(_ context.Context, id uuid.UUID) (CashierSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.cashiers[id]
	if !ok {
		return CashierSession{}, ErrCashierNotFound
	}
	return c, nil
}

func (s *MemoryStore) ListCashiers(_ context.Context, dayID uuid.UUID) ([]CashierSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []CashierSession
	for _, c := range s.cashiers {
		if c.DayID == dayID {
			out = append(out, c)
		}
	}
	sortCashiers(out)
	return out, nil
}

func (s *MemoryStore) ListEntries(_ context.Context, cashierID uuid.UUID) ([]ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]ledger.Entry(nil), s.entries[cashierID]...), nil
}

func (s *MemoryStore) openDayLocked(storeID string) (BusinessDay, bool) {
	for _, day := range s.days {
		if day.StoreID == storeID && day.IsOpen() {
			return day, true
		}
	}
	return BusinessDay{}, false
}

func (s *MemoryStore) commit(tx *memoryTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, w := range tx.days {
		current, exists := s.days[id]
		if w.insert {
			if exists {
				return ErrVersionConflict
			}
			if w.day.IsOpen() {
				if _, open := s.openDayLocked(w.day.StoreID); open {
					return ErrDayAlreadyOpen
				}
			}
			continue
		}
		if !exists {
			return ErrDayNotFound
		}
		if current.Version != w.expected {
			return ErrVersionConflict
		}
	}

	for id, w := range tx.cashiers {
		current, exists := s.cashiers[id]
		if w.insert {
			if exists {
				return ErrVersionConflict
			}
			for _, other := range s.cashiers {
				if other.DayID != w.cashier.DayID || !other.IsOpen() {
					continue
				}
				if other.TerminalID == w.cashier.TerminalID {
					return ErrTerminalBusy
				}
				if other.OperatorID == w.cashier.OperatorID {
					return ErrOperatorBusy
				}
			}
			continue
		}
		if !exists {
			return ErrCashierNotFound
		}
		if current.Version != w.expected {
			return ErrVersionConflict
		}
	}

	next := make(map[uuid.UUID]int64)
	for _, entry := range tx.entries {
		seq, ok := next[entry.CashierID]
		if !ok {
			seq = int64(len(s.entries[entry.CashierID]))
		}
		if entry.Sequence != seq+1 {
			return ErrVersionConflict
		}
		next[entry.CashierID] = entry.Sequence
	}

	for id, w := range tx.days {
		s.days[id] = w.day
	}
	for id, w := range tx.cashiers {
		s.cashiers[id] = w.cashier
	}
	for _, entry := range tx.entries {
		s.entries[entry.CashierID] = append(s.entries[entry.CashierID], entry)
	}
	return nil
}

type dayWrite struct {
	day      BusinessDay
	expected int64
	insert   bool
}

type cashierWrite struct {
	cashier  CashierSession
	expected int64
	insert   bool
}

// memoryTx reads through its own buffered writes.
type memoryTx struct {
	store    *MemoryStore
	days     map[uuid.UUID]dayWrite
	cashiers map[uuid.UUID]cashierWrite
	entries  []ledger.Entry
}

func (t *memoryTx) GetDay(ctx context.Context, id uuid.UUID) (BusinessDay, error) {
	if w, ok := t.days[id]; ok {
		return w.day, nil
	}
	return t.store.GetDay(ctx, id)
}

func (t *memoryTx) GetDayForUpdate(ctx context.Context, id uuid.UUID) (BusinessDay, error) {
	return t.GetDay(ctx, id)
}

func (t *memoryTx) FindOpenDay(ctx context.Context, storeID string) (BusinessDay, bool, error) {
	for _, w := range t.days {
		if w.day.StoreID == storeID && w.day.IsOpen() {
			return w.day, true, nil
		}
	}
	day, ok, err := t.store.FindOpenDay(ctx, storeID)
	if err != nil || !ok {
		return day, ok, err
	}
	if w, overridden := t.days[day.ID]; overridden && !w.day.IsOpen() {
		return BusinessDay{}, false, nil
	}
	return day, true, nil
}

func (t *memoryTx) ListDays(ctx context.Context, storeID string, limit, offset int) ([]BusinessDay, error) {
	committed, err := t.store.ListDays(ctx, storeID, 0, 0)
	if err != nil {
		return nil, err
	}
	days := t.mergeDays(committed, func(d BusinessDay) bool { return d.StoreID == storeID })
	return page(days, limit, offset), nil
}

func (t *memoryTx) ListOpenDays(ctx context.Context) ([]BusinessDay, error) {
	committed, err := t.store.ListOpenDays(ctx)
	if err != nil {
		return nil, err
	}
	return t.mergeDays(committed, BusinessDay.IsOpen), nil
}

func (t *memoryTx) mergeDays(committed []BusinessDay, keep func(BusinessDay) bool) []BusinessDay {
	var days []BusinessDay
	for _, d := range committed {
		if _, overridden := t.days[d.ID]; !overridden {
			days = append(days, d)
		}
	}
	for _, w := range t.days {
		if keep(w.day) {
			days = append(days, w.day)
		}
	}
	sortDays(days)
	return days
}

func (t *memoryTx) InsertDay(_ context.Context, day BusinessDay) error {
	t.days[day.ID] = dayWrite{day: day, insert: true}
	return nil
}

func (t *memoryTx) UpdateDay(ctx context.Context, day BusinessDay, expectedVersion int64) error {
	if w, ok := t.days[day.ID]; ok {
		if w.day.Version != expectedVersion {
			return ErrVersionConflict
		}
		w.day = day
		t.days[day.ID] = w
		return nil
	}
	current, err := t.store.GetDay(ctx, day.ID)
	if err != nil {
		return err
	}
	if current.Version != expectedVersion {
		return ErrVersionConflict
	}
	t.days[day.ID] = dayWrite{day: day, expected: expectedVersion}
	return nil
}

func (t *memoryTx) GetCashier(ctx context.Context, id uuid.UUID) (CashierSession, error) {
	if w, ok := t.cashiers[id]; ok {
		return w.cashier, nil
	}
	return t.store.GetCashier(ctx, id)
}

func (t *memoryTx) ListCashiers(ctx context.Context, dayID uuid.UUID) ([]CashierSession, error) {
	committed, err := t.store.ListCashiers(ctx, dayID)
	if err != nil {
		return nil, err
	}
	var out []CashierSession
	for _, c := range committed {
		if _, overridden := t.cashiers[c.ID]; !overridden {
			out = append(out, c)
		}
	}
	for _, w := range t.cashiers {
		if w.cashier.DayID == dayID {
			out = append(out, w.cashier)
		}
	}
	sortCashiers(out)
	return out, nil
}

func (t *memoryTx) OpenCashierByTerminal(ctx context.Context, dayID uuid.UUID, terminalID string) (CashierSession, bool, error) {
	return t.findOpenCashier(ctx, dayID, func(c CashierSession) bool { return c.TerminalID == terminalID })
}

func (t *memoryTx) OpenCashierByOperator(ctx context.Context, dayID uuid.UUID, operatorID string) (CashierSession, bool, error) {
	return t.findOpenCashier(ctx, dayID, func(c CashierSession) bool { return c.OperatorID == operatorID })
}

func (t *memoryTx) findOpenCashier(ctx context.Context, dayID uuid.UUID, match func(CashierSession) bool) (CashierSession, bool, error) {
	cashiers, err := t.ListCashiers(ctx, dayID)
	if err != nil {
		return CashierSession{}, false, err
	}
	for _, c := range cashiers {
		if c.IsOpen() && match(c) {
			return c, true, nil
		}
	}
	return CashierSession{}, false, nil
}

func (t *memoryTx) InsertCashier(_ context.Context, cashier CashierSession) error {
	t.cashiers[cashier.ID] = cashierWrite{cashier: cashier, insert: true}
	return nil
}

func (t *memoryTx) UpdateCashier(ctx context.Context, cashier CashierSession, expectedVersion int64) error {
	if w, ok := t.cashiers[cashier.ID]; ok {
		if w.cashier.Version != expectedVersion {
			return ErrVersionConflict
		}
		w.cashier = cashier
		t.cashiers[cashier.ID] = w
		return nil
	}
	current, err := t.store.GetCashier(ctx, cashier.ID)
	if err != nil {
		return err
	}
	if current.Version != expectedVersion {
		return ErrVersionConflict
	}
	t.cashiers[cashier.ID] = cashierWrite{cashier: cashier, expected: expectedVersion}
	return nil
}

func (t *memoryTx) ListEntries(ctx context.Context, cashierID uuid.UUID) ([]ledger.Entry, error) {
	entries, err := t.store.ListEntries(ctx, cashierID)
	if err != nil {
		return nil, err
	}
	for _, entry := range t.entries {
		if entry.CashierID == cashierID {
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

func (t *memoryTx) AppendEntry(_ context.Context, entry ledger.Entry) error {
	t.entries = append(t.entries, entry)
	return nil
}

func sortDays(days []BusinessDay) {
	sort.Slice(days, func(i, j int) bool {
		if !days[i].OpenedAt.Equal(days[j].OpenedAt) {
			return days[i].OpenedAt.After(days[j].OpenedAt)
		}
		return days[i].ID.String() < days[j].ID.String()
	})
}

func sortCashiers(cashiers []CashierSession) {
	sort.Slice(cashiers, func(i, j int) bool {
		if !cashiers[i].OpenedAt.Equal(cashiers[j].OpenedAt) {
			return cashiers[i].OpenedAt.Before(cashiers[j].OpenedAt)
		}
		return cashiers[i].ID.String() < cashiers[j].ID.String()
	})
}

// page applies limit and offset. A non-positive limit returns everything
// after offset.
func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	if offset > 0 {
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
