package engine

import (
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/crossline/crossline/pkg/book"
	"github.com/crossline/crossline/pkg/events"
	"github.com/crossline/crossline/pkg/num"
	"github.com/crossline/crossline/pkg/order"
)

// command is one unit of work for a worker. Exactly one of the request
// fields is set.
type command struct {
	submit      *order.Order
	submitReply chan SubmitResult

	cancel      *CancelOrder
	cancelReply chan CancelResult

	depthLevels int
	depthReply  chan events.OrderBookUpdated
}

// worker owns one instrument's book. Only its goroutine touches the
// book, which is the engine's single-writer-per-instrument guarantee.
type worker struct {
	engine       *Engine
	instrumentID int64
	book         *book.Book
	seq          *Sequencer
	mailbox      chan command
	halted       atomic.Bool
	log          *zap.Logger
}

func newWorker(e *Engine, instrumentID int64) *worker {
	return &worker{
		engine:       e,
		instrumentID: instrumentID,
		book:         book.New(instrumentID),
		seq:          NewSequencer(0),
		mailbox:      make(chan command, 256),
		log:          e.log.With(zap.Int64("instrumentId", instrumentID)),
	}
}

func (w *worker) isHalted() bool { return w.halted.Load() }

// halt stops matching for this instrument. The worker keeps draining its
// mailbox so callers get an answer, but every subsequent command fails
// with INSTRUMENT_HALTED. Other instruments are unaffected.
func (w *worker) halt(err error) {
	w.halted.Store(true)
	w.log.Error("instrument halted, book invariant violated", zap.Error(err))
}

func (w *worker) run() error {
	for {
		select {
		case <-w.engine.t.Dying():
			return nil
		case cmd := <-w.mailbox:
			switch {
			case cmd.submit != nil:
				cmd.submitReply <- w.handleSubmit(cmd.submit)
			case cmd.cancel != nil:
				cmd.cancelReply <- w.handleCancel(cmd.cancel)
			case cmd.depthReply != nil:
				cmd.depthReply <- w.snapshot(nil, cmd.depthLevels)
			}
		}
	}
}

func (w *worker) handleSubmit(o *order.Order) SubmitResult {
	if w.halted.Load() {
		_ = o.Transition(order.StatusFailed)
		return SubmitResult{Order: *o, Reason: ReasonInstrumentHalted}
	}

	// Sequence assignment is the acceptance point: it fixes this order's
	// place in price-time priority and makes the match deterministic.
	o.Sequence = w.seq.Next()

	fills, err := w.book.Match(o)
	if err != nil {
		w.halt(err)
		_ = o.Transition(order.StatusFailed)
		return SubmitResult{Order: *o, Reason: ReasonInstrumentHalted}
	}

	trades := w.buildTrades(o, fills)
	updates := makerUpdates(fills)
	reason := ""

	for _, f := range fills {
		if f.Maker.Status.Terminal() {
			w.engine.untrackOrder(f.Maker.ID)
		}
	}

	if o.Remaining.GreaterThan(num.Zero) {
		switch {
		case o.Type == order.Limit:
			// Leftover limit quantity rests at its original sequence.
			if o.Status == order.StatusSubmitted {
				if err := o.Transition(order.StatusAccepted); err != nil {
					w.halt(err)
					return SubmitResult{Order: *o, Reason: ReasonInstrumentHalted}
				}
			}
			if err := w.book.Insert(o); err != nil {
				w.halt(err)
				return SubmitResult{Order: *o, Reason: ReasonInstrumentHalted}
			}
		case o.Status == order.StatusSubmitted:
			// Market order that never crossed: nothing to rest against.
			_ = o.Transition(order.StatusExpired)
			reason = ReasonNoLiquidity
		default:
			// Partially filled market order: the remainder is cancelled,
			// never rested.
			_ = o.Transition(order.StatusCancelled)
			reason = ReasonRemainderCancelled
		}
	}

	if err := w.book.Validate(); err != nil {
		w.halt(err)
		_ = o.Transition(order.StatusFailed)
		return SubmitResult{Order: *o, Reason: ReasonInstrumentHalted}
	}

	updates = append(updates, events.OrderUpdate{
		OrderID:   o.ID,
		AccountID: o.AccountID,
		Status:    o.Status.String(),
		Price:     o.Price,
		Remaining: o.Remaining,
		Taker:     true,
	})

	for _, t := range trades {
		w.engine.bus.PublishTrade(t)
	}
	w.engine.bus.PublishBook(w.snapshot(updates, w.engine.depthLevels))

	if len(trades) > 0 {
		w.log.Info("order matched",
			zap.Int64("orderId", o.ID),
			zap.Int("trades", len(trades)),
			zap.String("status", o.Status.String()))
	}

	return SubmitResult{Order: *o, Trades: trades, Reason: reason}
}

func (w *worker) handleCancel(cmd *CancelOrder) CancelResult {
	if w.halted.Load() {
		return CancelResult{OrderID: cmd.OrderID, Reason: ReasonInstrumentHalted}
	}

	o, ok := w.book.Get(cmd.OrderID)
	if !ok || !o.Status.CanTransition(order.StatusCancelRequested) {
		// Not resting here: already filled, already cancelled, or never
		// accepted. The race with matching resolves to a rejection.
		return CancelResult{OrderID: cmd.OrderID, Reason: ReasonNotCancellable}
	}

	if err := o.Transition(order.StatusCancelRequested); err != nil {
		return CancelResult{OrderID: cmd.OrderID, Reason: ReasonNotCancellable}
	}
	w.book.Remove(cmd.OrderID)
	_ = o.Transition(order.StatusCancelled)

	w.engine.bus.PublishBook(w.snapshot([]events.OrderUpdate{{
		OrderID:   o.ID,
		AccountID: o.AccountID,
		Status:    o.Status.String(),
		Price:     o.Price,
		Remaining: o.Remaining,
	}}, w.engine.depthLevels))

	w.log.Info("order cancelled", zap.Int64("orderId", o.ID))
	return CancelResult{OrderID: cmd.OrderID, Cancelled: true, Order: *o}
}

func (w *worker) buildTrades(taker *order.Order, fills []book.Fill) []events.TradeExecution {
	if len(fills) == 0 {
		return nil
	}
	trades := make([]events.TradeExecution, 0, len(fills))
	for _, f := range fills {
		in, _ := w.engine.reg.Get(w.instrumentID)
		quote := ""
		if in != nil {
			quote = in.QuoteAsset
		}
		trades = append(trades, events.TradeExecution{
			TradeID:        w.engine.newTradeID(),
			InstrumentID:   w.instrumentID,
			QuoteAsset:     quote,
			MakerOrderID:   f.Maker.ID,
			TakerOrderID:   taker.ID,
			MakerAccountID: f.Maker.AccountID,
			TakerAccountID: taker.AccountID,
			TakerSide:      taker.Side,
			MakerIntent:    f.Maker.Intent,
			TakerIntent:    taker.Intent,
			Price:          f.Price,
			Quantity:       f.Quantity,
			ExecutedAt:     w.engine.now(),
		})
	}
	return trades
}

func makerUpdates(fills []book.Fill) []events.OrderUpdate {
	var updates []events.OrderUpdate
	for _, f := range fills {
		updates = append(updates, events.OrderUpdate{
			OrderID:   f.Maker.ID,
			AccountID: f.Maker.AccountID,
			Status:    f.Maker.Status.String(),
			Price:     f.Maker.Price,
			Remaining: f.Maker.Remaining,
		})
	}
	return updates
}

func (w *worker) snapshot(updates []events.OrderUpdate, levels int) events.OrderBookUpdated {
	bids, asks := w.book.Depth(levels)
	return events.OrderBookUpdated{
		InstrumentID: w.instrumentID,
		Updates:      updates,
		Bids:         bids,
		Asks:         asks,
		UpdatedAt:    w.engine.now(),
	}
}
