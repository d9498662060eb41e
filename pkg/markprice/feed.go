// Package markprice derives mark-price ticks for every tradable
// instrument. The last trade price is the primary source; when an
// interval passes with no trades the feed falls back to the book mid.
package markprice

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/crossline/crossline/pkg/events"
	"github.com/crossline/crossline/pkg/instrument"
	"github.com/crossline/crossline/pkg/num"
)

// DepthSource serves aggregated book snapshots. The matching engine
// satisfies it.
type DepthSource interface {
	Depth(ctx context.Context, instrumentID int64, levels int) (events.OrderBookUpdated, error)
}

type lastTrade struct {
	price      decimal.Decimal
	tradeID    string
	executedAt time.Time
	fresh      bool
}

// Feed publishes MarkPriceUpdate ticks on the bus at a fixed interval.
type Feed struct {
	log      *zap.Logger
	reg      *instrument.Registry
	depth    DepthSource
	bus      *events.Bus
	interval time.Duration

	now       func() time.Time
	newTickID func() string

	trades map[int64]lastTrade
}

type Option func(*Feed)

// WithClock fixes the tick timestamp source, for tests.
func WithClock(now func() time.Time) Option {
	return func(f *Feed) { f.now = now }
}

// WithTickIDs fixes the tick id source, for tests.
func WithTickIDs(gen func() string) Option {
	return func(f *Feed) { f.newTickID = gen }
}

func New(log *zap.Logger, reg *instrument.Registry, depth DepthSource, bus *events.Bus, interval time.Duration, opts ...Option) *Feed {
	f := &Feed{
		log:       log.Named("markprice"),
		reg:       reg,
		depth:     depth,
		bus:       bus,
		interval:  interval,
		now:       time.Now,
		newTickID: uuid.NewString,
		trades:    make(map[int64]lastTrade),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Run consumes trade executions and emits one tick per instrument per
// interval until ctx is cancelled. It owns the trades map; Run is the
// only goroutine that touches it.
func (f *Feed) Run(ctx context.Context) error {
	trades := f.bus.SubscribeTrades()
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Keep draining so publishers blocked on the trade channel
			// can finish; the bus closes it during shutdown.
			for range trades {
			}
			return ctx.Err()
		case t, ok := <-trades:
			if !ok {
				return nil
			}
			f.trades[t.InstrumentID] = lastTrade{
				price:      t.Price,
				tradeID:    t.TradeID,
				executedAt: t.ExecutedAt,
				fresh:      true,
			}
		case <-ticker.C:
			f.tick(ctx)
		}
	}
}

func (f *Feed) tick(ctx context.Context) {
	for _, inst := range f.reg.List() {
		update, ok := f.compute(ctx, inst.ID)
		if !ok {
			continue
		}
		f.bus.PublishMarkPrice(update)
	}
}

// compute builds the next tick for one instrument. A trade since the
// previous tick wins; otherwise the book mid; with neither, no tick.
func (f *Feed) compute(ctx context.Context, instrumentID int64) (events.MarkPriceUpdate, bool) {
	if lt, ok := f.trades[instrumentID]; ok && lt.fresh {
		lt.fresh = false
		f.trades[instrumentID] = lt
		executedAt := lt.executedAt
		return events.MarkPriceUpdate{
			TickID:          f.newTickID(),
			InstrumentID:    instrumentID,
			MarkPrice:       lt.price,
			TradeID:         lt.tradeID,
			TradeExecutedAt: &executedAt,
			CalculatedAt:    f.now(),
		}, true
	}

	mid, ok := f.mid(ctx, instrumentID)
	if !ok {
		return events.MarkPriceUpdate{}, false
	}
	return events.MarkPriceUpdate{
		TickID:       f.newTickID(),
		InstrumentID: instrumentID,
		MarkPrice:    mid,
		CalculatedAt: f.now(),
	}, true
}

func (f *Feed) mid(ctx context.Context, instrumentID int64) (decimal.Decimal, bool) {
	snap, err := f.depth.Depth(ctx, instrumentID, 1)
	if err != nil {
		f.log.Warn("depth unavailable",
			zap.Int64("instrumentId", instrumentID), zap.Error(err))
		return decimal.Zero, false
	}
	if len(snap.Bids) == 0 || len(snap.Asks) == 0 {
		return decimal.Zero, false
	}
	two := decimal.NewFromInt(2)
	return num.Div(snap.Bids[0].Price.Add(snap.Asks[0].Price), two), true
}
