package events

import "sync"

// Bus fans events out to subscribers over buffered channels. Publishing
// blocks when a subscriber's buffer is full rather than dropping: the
// ledger and the position projection must see every trade. Slow external
// consumers should subscribe through the kafka bridge or the websocket
// hub, both of which shed load on their own side.
type Bus struct {
	mu sync.RWMutex

	trades    []chan TradeExecution
	books     []chan OrderBookUpdated
	positions []chan PositionEvent
	marks     []chan MarkPriceUpdate
	balances  []chan BalanceChanged

	buffer int
	closed bool
}

// NewBus creates a bus whose subscriber channels hold up to buffer
// events each.
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 256
	}
	return &Bus{buffer: buffer}
}

// SubscribeTrades returns a channel receiving every TradeExecution
// published after the call. Subscribing to a closed bus yields an
// already-closed channel.
func (b *Bus) SubscribeTrades() <-chan TradeExecution {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan TradeExecution, b.buffer)
	if b.closed {
		close(ch)
		return ch
	}
	b.trades = append(b.trades, ch)
	return ch
}

func (b *Bus) SubscribeBooks() <-chan OrderBookUpdated {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan OrderBookUpdated, b.buffer)
	if b.closed {
		close(ch)
		return ch
	}
	b.books = append(b.books, ch)
	return ch
}

func (b *Bus) SubscribePositions() <-chan PositionEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan PositionEvent, b.buffer)
	if b.closed {
		close(ch)
		return ch
	}
	b.positions = append(b.positions, ch)
	return ch
}

func (b *Bus) SubscribeMarkPrices() <-chan MarkPriceUpdate {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan MarkPriceUpdate, b.buffer)
	if b.closed {
		close(ch)
		return ch
	}
	b.marks = append(b.marks, ch)
	return ch
}

func (b *Bus) SubscribeBalances() <-chan BalanceChanged {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan BalanceChanged, b.buffer)
	if b.closed {
		close(ch)
		return ch
	}
	b.balances = append(b.balances, ch)
	return ch
}

// PublishTrade delivers t to all trade subscribers.
func (b *Bus) PublishTrade(t TradeExecution) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.trades {
		ch <- t
	}
}

func (b *Bus) PublishBook(u OrderBookUpdated) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.books {
		ch <- u
	}
}

func (b *Bus) PublishPosition(e PositionEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.positions {
		ch <- e
	}
}

func (b *Bus) PublishMarkPrice(m MarkPriceUpdate) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.marks {
		ch <- m
	}
}

func (b *Bus) PublishBalance(bc BalanceChanged) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.balances {
		ch <- bc
	}
}

// Close closes all subscriber channels. Publishing after Close is a
// no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.trades {
		close(ch)
	}
	for _, ch := range b.books {
		close(ch)
	}
	for _, ch := range b.positions {
		close(ch)
	}
	for _, ch := range b.marks {
		close(ch)
	}
	for _, ch := range b.balances {
		close(ch)
	}
}
