package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/crossline/crossline/pkg/events"
	"github.com/crossline/crossline/pkg/instrument"
	"github.com/crossline/crossline/pkg/num"
	"github.com/crossline/crossline/pkg/order"
	"github.com/crossline/crossline/pkg/risk"
)

func testRegistry(t *testing.T) *instrument.Registry {
	t.Helper()
	reg := instrument.Default()
	require.NoError(t, reg.Register(&instrument.Instrument{
		ID:          2,
		Symbol:      "ETH-USDT",
		BaseAsset:   "ETH",
		QuoteAsset:  "USDT",
		TickSize:    num.D("0.01"),
		LotSize:     num.D("0.001"),
		MinNotional: num.D("5"),
		MakerFeeBps: 2,
		TakerFeeBps: 5,
		Tradable:    true,
	}))
	return reg
}

func newTestEngine(t *testing.T, pre risk.PreChecker, bus *events.Bus) *Engine {
	t.Helper()
	if bus == nil {
		bus = events.NewBus(64)
	}
	var tradeSeq int
	e := New(zap.NewNop(), testRegistry(t), pre, bus,
		WithClock(func() time.Time { return time.Unix(1700000000, 0).UTC() }),
		WithTradeIDs(func() string {
			tradeSeq++
			return fmt.Sprintf("t-%d", tradeSeq)
		}),
	)
	e.Start()
	t.Cleanup(func() { _ = e.Stop() })
	return e
}

func submit(t *testing.T, e *Engine, cmd SubmitOrder) SubmitResult {
	t.Helper()
	res, err := e.Submit(context.Background(), cmd)
	require.NoError(t, err)
	return res
}

func limit(account int64, side order.Side, price, qty string) SubmitOrder {
	return SubmitOrder{
		AccountID:    account,
		InstrumentID: 1,
		Side:         side,
		Type:         order.Limit,
		Price:        num.D(price),
		Quantity:     num.D(qty),
	}
}

func market(account int64, side order.Side, qty string) SubmitOrder {
	return SubmitOrder{
		AccountID:    account,
		InstrumentID: 1,
		Side:         side,
		Type:         order.Market,
		Quantity:     num.D(qty),
	}
}

func TestSubmitRestsLimitOrder(t *testing.T) {
	e := newTestEngine(t, risk.AllowAll{}, nil)

	res := submit(t, e, limit(1, order.Buy, "100.00", "10"))
	assert.True(t, res.Accepted())
	assert.Equal(t, order.StatusAccepted, res.Order.Status)
	assert.Empty(t, res.Trades)

	snap, err := e.Depth(context.Background(), 1, 10)
	require.NoError(t, err)
	require.Len(t, snap.Bids, 1)
	assert.True(t, snap.Bids[0].Price.Equal(num.D("100.00")))
	assert.True(t, snap.Bids[0].Quantity.Equal(num.D("10")))
}

func TestPartialFillAgainstRestingOrder(t *testing.T) {
	e := newTestEngine(t, risk.AllowAll{}, nil)

	maker := submit(t, e, limit(1, order.Buy, "100.00", "10"))
	taker := submit(t, e, limit(2, order.Sell, "100.00", "4"))

	require.Len(t, taker.Trades, 1)
	trade := taker.Trades[0]
	assert.True(t, trade.Price.Equal(num.D("100.00")))
	assert.True(t, trade.Quantity.Equal(num.D("4")))
	assert.Equal(t, maker.Order.ID, trade.MakerOrderID)
	assert.Equal(t, taker.Order.ID, trade.TakerOrderID)
	assert.Equal(t, order.Sell, trade.TakerSide)
	assert.Equal(t, "USDT", trade.QuoteAsset)

	assert.Equal(t, order.StatusFilled, taker.Order.Status)

	// The maker keeps its place with the remainder.
	snap, err := e.Depth(context.Background(), 1, 10)
	require.NoError(t, err)
	require.Len(t, snap.Bids, 1)
	assert.True(t, snap.Bids[0].Quantity.Equal(num.D("6")))
}

func TestExecutionAtMakerPrice(t *testing.T) {
	e := newTestEngine(t, risk.AllowAll{}, nil)

	submit(t, e, limit(1, order.Sell, "101.00", "1"))
	res := submit(t, e, limit(2, order.Buy, "105.00", "1"))

	require.Len(t, res.Trades, 1)
	assert.True(t, res.Trades[0].Price.Equal(num.D("101.00")))
}

func TestPriceTimePriority(t *testing.T) {
	e := newTestEngine(t, risk.AllowAll{}, nil)

	first := submit(t, e, limit(1, order.Sell, "100.00", "1"))
	second := submit(t, e, limit(2, order.Sell, "100.00", "1"))
	submit(t, e, limit(3, order.Sell, "99.00", "1"))

	res := submit(t, e, limit(4, order.Buy, "100.00", "3"))
	require.Len(t, res.Trades, 3)
	assert.True(t, res.Trades[0].Price.Equal(num.D("99.00")), "better price first")
	assert.Equal(t, first.Order.ID, res.Trades[1].MakerOrderID, "then earlier sequence")
	assert.Equal(t, second.Order.ID, res.Trades[2].MakerOrderID)
}

func TestCancelRestingOrder(t *testing.T) {
	e := newTestEngine(t, risk.AllowAll{}, nil)
	res := submit(t, e, limit(1, order.Buy, "100.00", "10"))

	cres, err := e.Cancel(context.Background(), CancelOrder{OrderID: res.Order.ID})
	require.NoError(t, err)
	assert.True(t, cres.Cancelled)

	// The snapshot lets callers release margin and position holds
	// without a second lookup.
	assert.Equal(t, res.Order.ID, cres.Order.ID)
	assert.Equal(t, int64(1), cres.Order.AccountID)
	assert.True(t, cres.Order.Remaining.Equal(num.D("10")))

	snap, err := e.Depth(context.Background(), 1, 10)
	require.NoError(t, err)
	assert.Empty(t, snap.Bids)
}

func TestCancelFilledOrderNotCancellable(t *testing.T) {
	e := newTestEngine(t, risk.AllowAll{}, nil)
	maker := submit(t, e, limit(1, order.Buy, "100.00", "1"))
	submit(t, e, limit(2, order.Sell, "100.00", "1"))

	cres, err := e.Cancel(context.Background(), CancelOrder{OrderID: maker.Order.ID})
	require.NoError(t, err)
	assert.False(t, cres.Cancelled)
	assert.Equal(t, ReasonNotCancellable, cres.Reason)
}

func TestCancelUnknownOrder(t *testing.T) {
	e := newTestEngine(t, risk.AllowAll{}, nil)
	cres, err := e.Cancel(context.Background(), CancelOrder{OrderID: 424242})
	require.NoError(t, err)
	assert.False(t, cres.Cancelled)
	assert.Equal(t, ReasonNotCancellable, cres.Reason)
}

func TestSubmitRejections(t *testing.T) {
	suspensions := risk.NewSuspensionList()
	suspensions.Suspend(66)
	e := newTestEngine(t, suspensions, nil)
	require.NoError(t, e.reg.SetTradable(2, false))

	tests := []struct {
		name   string
		cmd    SubmitOrder
		reason string
	}{
		{"unknown instrument", SubmitOrder{AccountID: 1, InstrumentID: 99, Type: order.Limit, Price: num.D("100"), Quantity: num.D("1")}, ReasonUnknownInstrument},
		{"not tradable", SubmitOrder{AccountID: 1, InstrumentID: 2, Type: order.Limit, Price: num.D("100"), Quantity: num.D("1")}, ReasonNotTradable},
		{"off-tick price", limit(1, order.Buy, "100.005", "1"), ReasonInvalidOrder},
		{"zero quantity", limit(1, order.Buy, "100.00", "0"), ReasonInvalidOrder},
		{"suspended account", limit(66, order.Buy, "100.00", "1"), ReasonRiskRejected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := submit(t, e, tt.cmd)
			assert.Equal(t, tt.reason, res.Reason)
			assert.Equal(t, order.StatusRejected, res.Order.Status)
			assert.False(t, res.Accepted())
		})
	}

	// Rejections never touch the book.
	snap, err := e.Depth(context.Background(), 1, 10)
	require.NoError(t, err)
	assert.Empty(t, snap.Bids)
	assert.Empty(t, snap.Asks)
}

func TestMarketOrderNoLiquidityExpires(t *testing.T) {
	e := newTestEngine(t, risk.AllowAll{}, nil)

	res := submit(t, e, market(1, order.Buy, "1"))
	assert.Equal(t, order.StatusExpired, res.Order.Status)
	assert.Equal(t, ReasonNoLiquidity, res.Reason)
	assert.False(t, res.Accepted())
	assert.Empty(t, res.Trades)
}

func TestMarketOrderRemainderCancelled(t *testing.T) {
	e := newTestEngine(t, risk.AllowAll{}, nil)
	submit(t, e, limit(1, order.Sell, "100.00", "1"))

	res := submit(t, e, market(2, order.Buy, "3"))
	require.Len(t, res.Trades, 1)
	assert.Equal(t, order.StatusCancelled, res.Order.Status)
	assert.Equal(t, ReasonRemainderCancelled, res.Reason)
	assert.True(t, res.Accepted(), "the fills stand even though the remainder dies")
	assert.True(t, res.Order.Remaining.Equal(num.D("2")))
}

func TestTradeAndBookEventsPublished(t *testing.T) {
	bus := events.NewBus(64)
	trades := bus.SubscribeTrades()
	books := bus.SubscribeBooks()
	e := newTestEngine(t, risk.AllowAll{}, bus)

	submit(t, e, limit(1, order.Buy, "100.00", "1"))
	submit(t, e, limit(2, order.Sell, "100.00", "1"))

	select {
	case tr := <-trades:
		assert.Equal(t, int64(1), tr.InstrumentID)
		assert.True(t, tr.Quantity.Equal(num.D("1")))
	case <-time.After(time.Second):
		t.Fatal("no trade event published")
	}

	// One book snapshot per submit.
	for i := 0; i < 2; i++ {
		select {
		case <-books:
		case <-time.After(time.Second):
			t.Fatal("no book event published")
		}
	}
}

func TestHaltIsolatesInstrument(t *testing.T) {
	e := newTestEngine(t, risk.AllowAll{}, nil)

	// Corrupt instrument 1's book behind the worker's back so the next
	// validation pass fails.
	res := submit(t, e, limit(1, order.Buy, "100.00", "1"))
	w, ok := e.worker(1)
	require.True(t, ok)
	resting, ok := w.book.Get(res.Order.ID)
	require.True(t, ok)
	resting.Remaining = num.Zero

	failed := submit(t, e, limit(2, order.Sell, "200.00", "1"))
	assert.Equal(t, ReasonInstrumentHalted, failed.Reason)
	assert.True(t, e.Halted(1))

	// Commands for the halted instrument keep failing fast.
	again := submit(t, e, limit(3, order.Buy, "100.00", "1"))
	assert.Equal(t, ReasonInstrumentHalted, again.Reason)
	assert.Equal(t, order.StatusFailed, again.Order.Status)

	// The other instrument keeps matching.
	assert.False(t, e.Halted(2))
	other := submit(t, e, SubmitOrder{
		AccountID: 1, InstrumentID: 2, Side: order.Buy,
		Type: order.Limit, Price: num.D("50.00"), Quantity: num.D("1"),
	})
	assert.True(t, other.Accepted())
}

func TestSequencerMonotonic(t *testing.T) {
	s := NewSequencer(0)
	assert.Equal(t, uint64(1), s.Next())
	assert.Equal(t, uint64(2), s.Next())
	assert.Equal(t, uint64(2), s.Current())
	s.Reset(10)
	assert.Equal(t, uint64(11), s.Next())
}
