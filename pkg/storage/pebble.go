// Package storage provides the pebble-backed persistence adapters for
// the settlement ledger and the position projection. All state mutated
// by event application is keyed so that applied-event ids survive
// restarts, keeping redelivered events no-ops across process lives.
package storage

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/shopspring/decimal"

	"github.com/crossline/crossline/pkg/ledger"
	"github.com/crossline/crossline/pkg/position"
)

// key prefixes: lb = ledger balance, pb = platform balance, le = ledger
// entry (by reference), ap = applied event id (per consumer), ps =
// position, mk = mark price, meta = counters.
func kBalance(accountID int64, asset string) []byte {
	return []byte(fmt.Sprintf("lb:%d:%s", accountID, asset))
}
func kPlatform(code, asset string) []byte {
	return []byte(fmt.Sprintf("pb:%s:%s", code, asset))
}
func kEntry(refID string, seq uint64) []byte {
	return []byte(fmt.Sprintf("le:%s:%016d", refID, seq))
}
func kEntryPrefix(refID string) []byte {
	return []byte(fmt.Sprintf("le:%s:", refID))
}
func kApplied(consumer, eventID string) []byte {
	return []byte(fmt.Sprintf("ap:%s:%s", consumer, eventID))
}
func kPosition(accountID, instrumentID int64) []byte {
	return []byte(fmt.Sprintf("ps:%d:%d", accountID, instrumentID))
}
func kMarkPrice(instrumentID int64) []byte {
	return []byte(fmt.Sprintf("mk:%d", instrumentID))
}

var kEntrySeq = []byte("meta:entryseq")

// Store implements both ledger.Store and position.Store on one pebble
// database. Compare-and-swap operations are serialized by a store-level
// mutex; pebble gives durability, the mutex gives the version check
// atomicity.
type Store struct {
	db       *pebble.DB
	mu       sync.Mutex
	entrySeq uint64
	consumer string
}

// New opens (or creates) the database at path. consumer scopes the
// applied-event-id records, so independent consumers can share a
// database without sharing idempotency state.
func New(path, consumer string) (*Store, error) {
	return open(path, consumer, &pebble.Options{})
}

// NewMem opens an in-memory store, for tests.
func NewMem(consumer string) (*Store, error) {
	return open("", consumer, &pebble.Options{FS: vfs.NewMem()})
}

func open(path, consumer string, opts *pebble.Options) (*Store, error) {
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("storage: open %q: %w", path, err)
	}
	s := &Store{db: db, consumer: consumer}
	if raw, closer, err := db.Get(kEntrySeq); err == nil {
		if _, err := fmt.Sscanf(string(raw), "%d", &s.entrySeq); err != nil {
			closer.Close()
			return nil, fmt.Errorf("storage: corrupt entry sequence: %w", err)
		}
		closer.Close()
	} else if err != pebble.ErrNotFound {
		return nil, fmt.Errorf("storage: load entry sequence: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) getJSON(key []byte, out interface{}) (bool, error) {
	raw, closer, err := s.db.Get(key)
	if err == pebble.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("storage: get %s: %w", key, err)
	}
	defer closer.Close()
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("storage: decode %s: %w", key, err)
	}
	return true, nil
}

func batchSetJSON(b *pebble.Batch, key []byte, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("storage: encode %s: %w", key, err)
	}
	if err := b.Set(key, raw, nil); err != nil {
		return fmt.Errorf("storage: set %s: %w", key, err)
	}
	return nil
}

// ---- ledger.Store ----

func (s *Store) GetBalance(accountID int64, asset string) (ledger.Balance, bool, error) {
	var b ledger.Balance
	ok, err := s.getJSON(kBalance(accountID, asset), &b)
	return b, ok, err
}

func (s *Store) GetPlatformBalance(code, asset string) (ledger.PlatformBalance, bool, error) {
	var pb ledger.PlatformBalance
	ok, err := s.getJSON(kPlatform(code, asset), &pb)
	return pb, ok, err
}

// Commit writes balances, platform balances and entries in one pebble
// batch. Every version check runs before any write, so a conflict
// leaves the database exactly as it was, entries included.
func (s *Store) Commit(balances []ledger.BalanceWrite, platforms []ledger.PlatformWrite, entries []ledger.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, w := range balances {
		var current ledger.Balance
		if _, err := s.getJSON(kBalance(w.Balance.AccountID, w.Balance.Asset), &current); err != nil {
			return err
		}
		if current.Version != w.Expect {
			return fmt.Errorf("%w: account %d asset %s: stored %d, expected %d",
				ledger.ErrVersionConflict, w.Balance.AccountID, w.Balance.Asset, current.Version, w.Expect)
		}
	}
	for _, w := range platforms {
		var current ledger.PlatformBalance
		if _, err := s.getJSON(kPlatform(w.Balance.Code, w.Balance.Asset), &current); err != nil {
			return err
		}
		if current.Version != w.Expect {
			return fmt.Errorf("%w: platform %s asset %s: stored %d, expected %d",
				ledger.ErrVersionConflict, w.Balance.Code, w.Balance.Asset, current.Version, w.Expect)
		}
	}

	batch := s.db.NewBatch()
	defer batch.Close()
	for _, w := range balances {
		if err := batchSetJSON(batch, kBalance(w.Balance.AccountID, w.Balance.Asset), w.Balance); err != nil {
			return err
		}
	}
	for _, w := range platforms {
		if err := batchSetJSON(batch, kPlatform(w.Balance.Code, w.Balance.Asset), w.Balance); err != nil {
			return err
		}
	}
	seq := s.entrySeq
	for _, e := range entries {
		seq++
		if err := batchSetJSON(batch, kEntry(e.ReferenceID, seq), e); err != nil {
			return err
		}
	}
	if len(entries) > 0 {
		if err := batch.Set(kEntrySeq, []byte(fmt.Sprintf("%d", seq)), nil); err != nil {
			return fmt.Errorf("storage: set entry sequence: %w", err)
		}
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("storage: commit: %w", err)
	}
	s.entrySeq = seq
	return nil
}

func (s *Store) EntriesByReference(refID string) ([]ledger.Entry, error) {
	prefix := kEntryPrefix(refID)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: append(append([]byte{}, prefix...), 0xff),
	})
	if err != nil {
		return nil, fmt.Errorf("storage: entries %s: %w", refID, err)
	}
	defer iter.Close()

	var out []ledger.Entry
	for iter.First(); iter.Valid(); iter.Next() {
		var e ledger.Entry
		if err := json.Unmarshal(iter.Value(), &e); err != nil {
			return nil, fmt.Errorf("storage: decode entry %s: %w", iter.Key(), err)
		}
		out = append(out, e)
	}
	return out, iter.Error()
}

// ---- position.Store ----

func (s *Store) Get(accountID, instrumentID int64) (position.Position, bool, error) {
	var p position.Position
	ok, err := s.getJSON(kPosition(accountID, instrumentID), &p)
	return p, ok, err
}

// CommitBatch writes positions, the optional mark price and the
// applied record in one pebble batch, version-checking every position
// first.
func (s *Store) CommitBatch(b position.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, w := range b.Writes {
		var current position.Position
		if _, err := s.getJSON(kPosition(w.Position.AccountID, w.Position.InstrumentID), &current); err != nil {
			return err
		}
		if current.Version != w.Expect {
			return fmt.Errorf("%w: account %d instrument %d: stored %d, expected %d",
				position.ErrVersionConflict, w.Position.AccountID, w.Position.InstrumentID, current.Version, w.Expect)
		}
	}

	batch := s.db.NewBatch()
	defer batch.Close()
	for _, w := range b.Writes {
		if err := batchSetJSON(batch, kPosition(w.Position.AccountID, w.Position.InstrumentID), w.Position); err != nil {
			return err
		}
	}
	if b.Mark != nil {
		if err := batch.Set(kMarkPrice(b.Mark.InstrumentID), []byte(b.Mark.Price.String()), nil); err != nil {
			return fmt.Errorf("storage: set mark price %d: %w", b.Mark.InstrumentID, err)
		}
	}
	if b.EventID != "" {
		if err := batch.Set(kApplied(s.consumer, b.EventID), []byte{1}, nil); err != nil {
			return fmt.Errorf("storage: mark applied %s: %w", b.EventID, err)
		}
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("storage: commit: %w", err)
	}
	return nil
}

func (s *Store) ListByInstrument(instrumentID int64) ([]position.Position, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte("ps:"),
		UpperBound: []byte("ps;"), // ';' sorts just after ':'
	})
	if err != nil {
		return nil, fmt.Errorf("storage: positions: %w", err)
	}
	defer iter.Close()

	var out []position.Position
	for iter.First(); iter.Valid(); iter.Next() {
		if !strings.HasSuffix(string(iter.Key()), fmt.Sprintf(":%d", instrumentID)) {
			continue
		}
		var p position.Position
		if err := json.Unmarshal(iter.Value(), &p); err != nil {
			return nil, fmt.Errorf("storage: decode position %s: %w", iter.Key(), err)
		}
		out = append(out, p)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out, nil
}

func (s *Store) Applied(eventID string) (bool, error) {
	_, closer, err := s.db.Get(kApplied(s.consumer, eventID))
	if err == pebble.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("storage: applied %s: %w", eventID, err)
	}
	closer.Close()
	return true, nil
}

func (s *Store) GetMarkPrice(instrumentID int64) (decimal.Decimal, bool, error) {
	raw, closer, err := s.db.Get(kMarkPrice(instrumentID))
	if err == pebble.ErrNotFound {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("storage: mark price %d: %w", instrumentID, err)
	}
	defer closer.Close()
	p, err := decimal.NewFromString(string(raw))
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("storage: corrupt mark price %d: %w", instrumentID, err)
	}
	return p, true, nil
}

var (
	_ ledger.Store   = (*Store)(nil)
	_ position.Store = (*Store)(nil)
)
