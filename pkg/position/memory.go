package position

import (
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
)

// MemoryStore is an in-memory Store for tests and ephemeral runs.
type MemoryStore struct {
	mu        sync.Mutex
	positions map[string]Position
	applied   map[string]struct{}
	marks     map[int64]decimal.Decimal
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		positions: make(map[string]Position),
		applied:   make(map[string]struct{}),
		marks:     make(map[int64]decimal.Decimal),
	}
}

func posKey(accountID, instrumentID int64) string {
	return fmt.Sprintf("%d:%d", accountID, instrumentID)
}

func (m *MemoryStore) Get(accountID, instrumentID int64) (Position, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[posKey(accountID, instrumentID)]
	return p, ok, nil
}

// CommitBatch version-checks every write before touching anything, so
// a conflict leaves positions, mark price and the applied record all
// untouched.
func (m *MemoryStore) CommitBatch(b Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range b.Writes {
		current := m.positions[posKey(w.Position.AccountID, w.Position.InstrumentID)]
		if current.Version != w.Expect {
			return fmt.Errorf("%w: account %d instrument %d: stored %d, expected %d",
				ErrVersionConflict, w.Position.AccountID, w.Position.InstrumentID, current.Version, w.Expect)
		}
	}
	for _, w := range b.Writes {
		m.positions[posKey(w.Position.AccountID, w.Position.InstrumentID)] = w.Position
	}
	if b.Mark != nil {
		m.marks[b.Mark.InstrumentID] = b.Mark.Price
	}
	if b.EventID != "" {
		m.applied[b.EventID] = struct{}{}
	}
	return nil
}

func (m *MemoryStore) ListByInstrument(instrumentID int64) ([]Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Position
	for _, p := range m.positions {
		if p.InstrumentID == instrumentID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out, nil
}

func (m *MemoryStore) Applied(eventID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.applied[eventID]
	return ok, nil
}

func (m *MemoryStore) GetMarkPrice(instrumentID int64) (decimal.Decimal, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.marks[instrumentID]
	return p, ok, nil
}
