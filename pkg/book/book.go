// Package book implements the per-instrument limit order book. A book is
// owned exclusively by one matching-engine worker and is not safe for
// concurrent use; serialization is the engine's job.
package book

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/tidwall/btree"

	"github.com/crossline/crossline/pkg/events"
	"github.com/crossline/crossline/pkg/num"
	"github.com/crossline/crossline/pkg/order"
)

// level is one price level: a FIFO queue of resting orders. Queue order
// is insertion order, which equals sequence order because sequences are
// assigned at insertion.
type level struct {
	price decimal.Decimal
	queue []*order.Order
}

func lessLevel(a, b *level) bool {
	return a.price.LessThan(b.price)
}

// Fill is one match between the incoming taker and a resting maker.
// Price is always the maker's price.
type Fill struct {
	Maker    *order.Order
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// Book holds the two sides of one instrument's order book plus an order
// index for O(log n) cancellation.
type Book struct {
	instrumentID int64
	bids         *btree.BTreeG[*level]
	asks         *btree.BTreeG[*level]
	index        map[int64]*order.Order
	lastPrice    decimal.Decimal
}

func New(instrumentID int64) *Book {
	return &Book{
		instrumentID: instrumentID,
		bids:         btree.NewBTreeG(lessLevel),
		asks:         btree.NewBTreeG(lessLevel),
		index:        make(map[int64]*order.Order),
	}
}

func (b *Book) InstrumentID() int64 { return b.instrumentID }

// BestBid returns the highest resting bid price.
func (b *Book) BestBid() (decimal.Decimal, bool) {
	lv, ok := b.bids.Max()
	if !ok {
		return num.Zero, false
	}
	return lv.price, true
}

// BestAsk returns the lowest resting ask price.
func (b *Book) BestAsk() (decimal.Decimal, bool) {
	lv, ok := b.asks.Min()
	if !ok {
		return num.Zero, false
	}
	return lv.price, true
}

// LastPrice returns the price of the most recent fill, zero before any
// trade.
func (b *Book) LastPrice() decimal.Decimal { return b.lastPrice }

// Mid returns the mid-market price, or false if either side is empty.
func (b *Book) Mid() (decimal.Decimal, bool) {
	bid, okB := b.BestBid()
	ask, okA := b.BestAsk()
	if !okB || !okA {
		return num.Zero, false
	}
	return num.Div(bid.Add(ask), decimal.New(2, 0)), true
}

// crossable reports whether the taker's price crosses the given level.
// Market orders cross any level.
func crossable(taker *order.Order, levelPrice decimal.Decimal) bool {
	if taker.Type == order.Market {
		return true
	}
	if taker.Side == order.Buy {
		return taker.Price.GreaterThanOrEqual(levelPrice)
	}
	return taker.Price.LessThanOrEqual(levelPrice)
}

// Match repeatedly fills the taker against the best opposing level while
// it crosses and both sides have remaining quantity. Makers whose
// remaining reaches zero are removed; a partially filled maker keeps its
// position and sequence. The taker is NOT inserted; resting a leftover
// limit order is the caller's decision via Insert.
func (b *Book) Match(taker *order.Order) ([]Fill, error) {
	var fills []Fill
	for taker.Remaining.GreaterThan(num.Zero) {
		var lv *level
		var ok bool
		if taker.Side == order.Buy {
			lv, ok = b.asks.Min()
		} else {
			lv, ok = b.bids.Max()
		}
		if !ok || !crossable(taker, lv.price) {
			break
		}
		maker := lv.queue[0]
		qty := num.Min(taker.Remaining, maker.Remaining)

		if err := maker.Fill(qty); err != nil {
			return fills, fmt.Errorf("book %d: maker fill: %w", b.instrumentID, err)
		}
		if err := taker.Fill(qty); err != nil {
			return fills, fmt.Errorf("book %d: taker fill: %w", b.instrumentID, err)
		}
		fills = append(fills, Fill{Maker: maker, Price: lv.price, Quantity: qty})
		b.lastPrice = lv.price

		if maker.Remaining.IsZero() {
			lv.queue = lv.queue[1:]
			delete(b.index, maker.ID)
			if len(lv.queue) == 0 {
				b.side(maker.Side).Delete(lv)
			}
		}
	}
	return fills, nil
}

func (b *Book) side(s order.Side) *btree.BTreeG[*level] {
	if s == order.Buy {
		return b.bids
	}
	return b.asks
}

// Insert rests an order in the book. The order must already be in a
// resting status with a sequence assigned.
func (b *Book) Insert(o *order.Order) error {
	if !o.Resting() {
		return fmt.Errorf("book %d: order %d in status %s cannot rest", b.instrumentID, o.ID, o.Status)
	}
	if _, dup := b.index[o.ID]; dup {
		return fmt.Errorf("book %d: order %d already resting", b.instrumentID, o.ID)
	}
	tree := b.side(o.Side)
	lv, ok := tree.Get(&level{price: o.Price})
	if !ok {
		lv = &level{price: o.Price}
		tree.Set(lv)
	}
	lv.queue = append(lv.queue, o)
	b.index[o.ID] = o
	return nil
}

// Remove takes an order out of the book, e.g. on cancellation. Returns
// false if the order is not resting here.
func (b *Book) Remove(orderID int64) (*order.Order, bool) {
	o, ok := b.index[orderID]
	if !ok {
		return nil, false
	}
	tree := b.side(o.Side)
	lv, ok := tree.Get(&level{price: o.Price})
	if ok {
		for i, q := range lv.queue {
			if q.ID == orderID {
				lv.queue = append(lv.queue[:i], lv.queue[i+1:]...)
				break
			}
		}
		if len(lv.queue) == 0 {
			tree.Delete(lv)
		}
	}
	delete(b.index, orderID)
	return o, true
}

// Get returns a resting order by id.
func (b *Book) Get(orderID int64) (*order.Order, bool) {
	o, ok := b.index[orderID]
	return o, ok
}

// Size returns the number of resting orders.
func (b *Book) Size() int { return len(b.index) }

// Depth aggregates up to maxLevels price levels per side, bids best
// (highest) first and asks best (lowest) first.
func (b *Book) Depth(maxLevels int) (bids, asks []events.BookLevel) {
	b.bids.Reverse(func(lv *level) bool {
		if len(bids) >= maxLevels {
			return false
		}
		bids = append(bids, aggregate(lv))
		return true
	})
	b.asks.Scan(func(lv *level) bool {
		if len(asks) >= maxLevels {
			return false
		}
		asks = append(asks, aggregate(lv))
		return true
	})
	return bids, asks
}

func aggregate(lv *level) events.BookLevel {
	total := num.Zero
	for _, o := range lv.queue {
		total = total.Add(o.Remaining)
	}
	return events.BookLevel{Price: lv.price, Quantity: total}
}

// Validate checks the book's structural invariants. A failure here is
// fatal for the instrument: matching must stop rather than produce
// trades from a corrupted book.
func (b *Book) Validate() error {
	bid, okB := b.BestBid()
	ask, okA := b.BestAsk()
	if okB && okA && bid.GreaterThanOrEqual(ask) {
		return fmt.Errorf("book %d: crossed book, bid %s >= ask %s", b.instrumentID, bid, ask)
	}
	for id, o := range b.index {
		if o.Remaining.LessThanOrEqual(num.Zero) {
			return fmt.Errorf("book %d: resting order %d has non-positive remaining %s", b.instrumentID, id, o.Remaining)
		}
		if !o.Resting() {
			return fmt.Errorf("book %d: order %d rests with status %s", b.instrumentID, id, o.Status)
		}
	}
	return nil
}
