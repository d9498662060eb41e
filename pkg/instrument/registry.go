package instrument

import (
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
)

// Registry is a thread-safe collection of instruments keyed by id.
type Registry struct {
	mu   sync.RWMutex
	byID map[int64]*Instrument
}

func NewRegistry() *Registry {
	return &Registry{byID: make(map[int64]*Instrument)}
}

// Register adds an instrument. Registering an existing id is an error.
func (r *Registry) Register(in *Instrument) error {
	if in.Symbol == "" {
		return fmt.Errorf("instrument %d: symbol required", in.ID)
	}
	if in.TickSize.IsNegative() || in.LotSize.IsNegative() {
		return fmt.Errorf("instrument %d: tick/lot size cannot be negative", in.ID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byID[in.ID]; exists {
		return fmt.Errorf("instrument %d already registered", in.ID)
	}
	r.byID[in.ID] = in
	return nil
}

// Get returns the instrument for id.
func (r *Registry) Get(id int64) (*Instrument, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	in, ok := r.byID[id]
	return in, ok
}

// BySymbol returns the instrument for symbol.
func (r *Registry) BySymbol(symbol string) (*Instrument, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, in := range r.byID {
		if in.Symbol == symbol {
			return in, true
		}
	}
	return nil, false
}

// List returns all instruments ordered by id.
func (r *Registry) List() []*Instrument {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Instrument, 0, len(r.byID))
	for _, in := range r.byID {
		out = append(out, in)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SetTradable flips the tradability flag, e.g. to halt an instrument
// administratively.
func (r *Registry) SetTradable(id int64, tradable bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	in, ok := r.byID[id]
	if !ok {
		return fmt.Errorf("instrument %d not found", id)
	}
	in.Tradable = tradable
	return nil
}

// Default returns a registry pre-loaded with a single BTC perpetual,
// matching the devnet bootstrap.
func Default() *Registry {
	r := NewRegistry()
	_ = r.Register(&Instrument{
		ID:          1,
		Symbol:      "BTC-USDT",
		BaseAsset:   "BTC",
		QuoteAsset:  "USDT",
		TickSize:    decimal.New(1, -2), // 0.01
		LotSize:     decimal.New(1, -4), // 0.0001
		MinNotional: decimal.New(5, 0),
		MakerFeeBps: 2,
		TakerFeeBps: 5,
		Tradable:    true,
	})
	return r
}
