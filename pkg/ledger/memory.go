package ledger

import (
	"fmt"
	"sync"
)

// MemoryStore is an in-memory Store for tests and ephemeral runs.
type MemoryStore struct {
	mu        sync.Mutex
	balances  map[string]Balance
	platforms map[string]PlatformBalance
	entries   []Entry
	byRef     map[string][]int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances:  make(map[string]Balance),
		platforms: make(map[string]PlatformBalance),
		byRef:     make(map[string][]int),
	}
}

func balanceKey(accountID int64, asset string) string {
	return fmt.Sprintf("%d:%s", accountID, asset)
}

func platformKey(code, asset string) string {
	return code + ":" + asset
}

func (m *MemoryStore) GetBalance(accountID int64, asset string) (Balance, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.balances[balanceKey(accountID, asset)]
	return b, ok, nil
}

func (m *MemoryStore) GetPlatformBalance(code, asset string) (PlatformBalance, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pb, ok := m.platforms[platformKey(code, asset)]
	return pb, ok, nil
}

// Commit version-checks every write first, so a conflict leaves no
// partial state behind.
func (m *MemoryStore) Commit(balances []BalanceWrite, platforms []PlatformWrite, entries []Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, w := range balances {
		current := m.balances[balanceKey(w.Balance.AccountID, w.Balance.Asset)] // zero value has Version 0
		if current.Version != w.Expect {
			return fmt.Errorf("%w: account %d asset %s: stored %d, expected %d",
				ErrVersionConflict, w.Balance.AccountID, w.Balance.Asset, current.Version, w.Expect)
		}
	}
	for _, w := range platforms {
		current := m.platforms[platformKey(w.Balance.Code, w.Balance.Asset)]
		if current.Version != w.Expect {
			return fmt.Errorf("%w: platform %s asset %s: stored %d, expected %d",
				ErrVersionConflict, w.Balance.Code, w.Balance.Asset, current.Version, w.Expect)
		}
	}

	for _, w := range balances {
		m.balances[balanceKey(w.Balance.AccountID, w.Balance.Asset)] = w.Balance
	}
	for _, w := range platforms {
		m.platforms[platformKey(w.Balance.Code, w.Balance.Asset)] = w.Balance
	}
	for _, e := range entries {
		m.entries = append(m.entries, e)
		m.byRef[e.ReferenceID] = append(m.byRef[e.ReferenceID], len(m.entries)-1)
	}
	return nil
}

func (m *MemoryStore) EntriesByReference(refID string) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idxs := m.byRef[refID]
	out := make([]Entry, 0, len(idxs))
	for _, i := range idxs {
		out = append(out, m.entries[i])
	}
	return out, nil
}

// Entries returns every entry in insertion order.
func (m *MemoryStore) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, len(m.entries))
	copy(out, m.entries)
	return out
}
