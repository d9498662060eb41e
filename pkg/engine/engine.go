// Package engine is the matching engine: it validates order commands,
// serializes them per instrument and matches them against the resting
// book, emitting trade executions and book updates.
//
// Concurrency model: one worker goroutine per instrument owns that
// instrument's book outright. Commands reach it through a mailbox
// channel, so submit/cancel for the same instrument never interleave,
// while different instruments match in parallel. Nothing inside a worker
// touches the network or disk.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gopkg.in/tomb.v2"

	"github.com/crossline/crossline/pkg/events"
	"github.com/crossline/crossline/pkg/instrument"
	"github.com/crossline/crossline/pkg/num"
	"github.com/crossline/crossline/pkg/order"
	"github.com/crossline/crossline/pkg/risk"
)

// Rejection reason codes returned to callers.
const (
	ReasonUnknownInstrument  = "UNKNOWN_INSTRUMENT"
	ReasonInstrumentHalted   = "INSTRUMENT_HALTED"
	ReasonNotTradable        = "INSTRUMENT_NOT_TRADABLE"
	ReasonInvalidOrder       = "INVALID_ORDER"
	ReasonRiskRejected       = "RISK_REJECTED"
	ReasonNoLiquidity        = "NO_LIQUIDITY"
	ReasonRemainderCancelled = "MARKET_REMAINDER_CANCELLED"
	ReasonNotCancellable     = "NOT_CANCELLABLE"
)

// ErrEngineClosed is returned for commands after Stop.
var ErrEngineClosed = errors.New("engine: stopped")

// SubmitOrder is the inbound order command.
type SubmitOrder struct {
	AccountID    int64
	InstrumentID int64
	Side         order.Side
	Type         order.Type
	Intent       order.Intent
	Price        decimal.Decimal // ignored for market orders
	Quantity     decimal.Decimal
}

// SubmitResult reports the outcome of a submit: the order snapshot after
// processing, any trades produced, and a reason code when rejected.
type SubmitResult struct {
	Order  order.Order
	Trades []events.TradeExecution
	Reason string
}

// Accepted reports whether the command mutated the book (rested, partly
// or fully matched).
func (r SubmitResult) Accepted() bool {
	return r.Reason == "" || r.Reason == ReasonRemainderCancelled
}

// CancelOrder is the inbound cancel command.
type CancelOrder struct {
	OrderID int64
}

// CancelResult reports the outcome of a cancel. Order is the snapshot
// of the cancelled order, zero-valued when the cancel was rejected.
type CancelResult struct {
	OrderID   int64
	Cancelled bool
	Reason    string
	Order     order.Order
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the engine's time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithTradeIDs overrides trade id generation.
func WithTradeIDs(fn func() string) Option {
	return func(e *Engine) { e.newTradeID = fn }
}

// WithDepthLevels sets how many levels book-update events carry.
func WithDepthLevels(n int) Option {
	return func(e *Engine) { e.depthLevels = n }
}

// Engine routes commands to per-instrument workers.
type Engine struct {
	log *zap.Logger
	reg *instrument.Registry
	pre risk.PreChecker
	bus *events.Bus

	orderIDs    *Sequencer
	depthLevels int
	now         func() time.Time
	newTradeID  func() string

	t *tomb.Tomb

	mu      sync.RWMutex
	workers map[int64]*worker
	routes  map[int64]int64 // orderID -> instrumentID, for cancel routing
}

// New creates an engine with one worker per registered instrument.
// Call Start before submitting.
func New(log *zap.Logger, reg *instrument.Registry, pre risk.PreChecker, bus *events.Bus, opts ...Option) *Engine {
	e := &Engine{
		log:         log,
		reg:         reg,
		pre:         pre,
		bus:         bus,
		orderIDs:    NewSequencer(0),
		depthLevels: 10,
		now:         time.Now,
		newTradeID:  func() string { return uuid.NewString() },
		t:           &tomb.Tomb{},
		workers:     make(map[int64]*worker),
		routes:      make(map[int64]int64),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start launches one worker goroutine per instrument.
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, in := range e.reg.List() {
		w := newWorker(e, in.ID)
		e.workers[in.ID] = w
		e.t.Go(w.run)
	}
}

// Stop shuts all workers down and waits for them to drain.
func (e *Engine) Stop() error {
	e.t.Kill(nil)
	return e.t.Wait()
}

func (e *Engine) worker(instrumentID int64) (*worker, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	w, ok := e.workers[instrumentID]
	return w, ok
}

func (e *Engine) trackOrder(orderID, instrumentID int64) {
	e.mu.Lock()
	e.routes[orderID] = instrumentID
	e.mu.Unlock()
}

func (e *Engine) untrackOrder(orderID int64) {
	e.mu.Lock()
	delete(e.routes, orderID)
	e.mu.Unlock()
}

func (e *Engine) route(orderID int64) (int64, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	id, ok := e.routes[orderID]
	return id, ok
}

// Submit validates the command and hands it to the instrument's worker.
// Validation and risk failures reject synchronously without touching the
// book.
func (e *Engine) Submit(ctx context.Context, cmd SubmitOrder) (SubmitResult, error) {
	o := order.Order{
		ID:           int64(e.orderIDs.Next()),
		AccountID:    cmd.AccountID,
		InstrumentID: cmd.InstrumentID,
		Side:         cmd.Side,
		Type:         cmd.Type,
		Intent:       cmd.Intent,
		Price:        num.Normalize(cmd.Price),
		Quantity:     num.Normalize(cmd.Quantity),
		Remaining:    num.Normalize(cmd.Quantity),
		Status:       order.StatusPending,
		CreatedAt:    e.now(),
	}
	if cmd.Type == order.Market {
		o.Price = num.Zero
	}

	in, ok := e.reg.Get(cmd.InstrumentID)
	if !ok {
		return e.reject(o, ReasonUnknownInstrument), nil
	}
	if !in.Tradable {
		return e.reject(o, ReasonNotTradable), nil
	}
	if err := in.ValidateOrder(o.Price, o.Quantity, cmd.Type == order.Market); err != nil {
		e.log.Debug("order rejected",
			zap.Int64("orderId", o.ID),
			zap.String("reason", ReasonInvalidOrder),
			zap.Error(err))
		return e.reject(o, ReasonInvalidOrder), nil
	}
	if !e.pre.Validate(ctx, cmd.AccountID, cmd.InstrumentID, cmd.Type) {
		return e.reject(o, ReasonRiskRejected), nil
	}

	if err := o.Transition(order.StatusSubmitted); err != nil {
		return SubmitResult{}, err
	}

	w, ok := e.worker(cmd.InstrumentID)
	if !ok {
		return e.reject(o, ReasonUnknownInstrument), nil
	}

	e.trackOrder(o.ID, cmd.InstrumentID)
	reply := make(chan SubmitResult, 1)
	select {
	case w.mailbox <- command{submit: &o, submitReply: reply}:
	case <-ctx.Done():
		e.untrackOrder(o.ID)
		return SubmitResult{}, ctx.Err()
	case <-e.t.Dying():
		e.untrackOrder(o.ID)
		return SubmitResult{}, ErrEngineClosed
	}

	select {
	case res := <-reply:
		if res.Order.Status.Terminal() {
			e.untrackOrder(o.ID)
		}
		return res, nil
	case <-ctx.Done():
		return SubmitResult{}, ctx.Err()
	case <-e.t.Dying():
		return SubmitResult{}, ErrEngineClosed
	}
}

// Cancel requests removal of a resting order. Orders that already
// reached a terminal state are rejected as not cancellable; that a
// cancel lost the race against matching is a business outcome, not an
// error.
func (e *Engine) Cancel(ctx context.Context, cmd CancelOrder) (CancelResult, error) {
	instrumentID, ok := e.route(cmd.OrderID)
	if !ok {
		return CancelResult{OrderID: cmd.OrderID, Reason: ReasonNotCancellable}, nil
	}
	w, ok := e.worker(instrumentID)
	if !ok {
		return CancelResult{OrderID: cmd.OrderID, Reason: ReasonNotCancellable}, nil
	}

	reply := make(chan CancelResult, 1)
	select {
	case w.mailbox <- command{cancel: &cmd, cancelReply: reply}:
	case <-ctx.Done():
		return CancelResult{}, ctx.Err()
	case <-e.t.Dying():
		return CancelResult{}, ErrEngineClosed
	}

	select {
	case res := <-reply:
		if res.Cancelled {
			e.untrackOrder(cmd.OrderID)
		}
		return res, nil
	case <-ctx.Done():
		return CancelResult{}, ctx.Err()
	case <-e.t.Dying():
		return CancelResult{}, ErrEngineClosed
	}
}

// Depth returns an aggregated snapshot of the instrument's book. It is
// served by the worker so it never observes a half-applied mutation.
func (e *Engine) Depth(ctx context.Context, instrumentID int64, levels int) (events.OrderBookUpdated, error) {
	w, ok := e.worker(instrumentID)
	if !ok {
		return events.OrderBookUpdated{}, fmt.Errorf("engine: unknown instrument %d", instrumentID)
	}
	if levels <= 0 {
		levels = e.depthLevels
	}
	reply := make(chan events.OrderBookUpdated, 1)
	select {
	case w.mailbox <- command{depthLevels: levels, depthReply: reply}:
	case <-ctx.Done():
		return events.OrderBookUpdated{}, ctx.Err()
	case <-e.t.Dying():
		return events.OrderBookUpdated{}, ErrEngineClosed
	}
	select {
	case snap := <-reply:
		return snap, nil
	case <-ctx.Done():
		return events.OrderBookUpdated{}, ctx.Err()
	case <-e.t.Dying():
		return events.OrderBookUpdated{}, ErrEngineClosed
	}
}

// Halted reports whether the instrument's worker stopped matching after
// an invariant violation.
func (e *Engine) Halted(instrumentID int64) bool {
	w, ok := e.worker(instrumentID)
	if !ok {
		return false
	}
	return w.isHalted()
}

func (e *Engine) reject(o order.Order, reason string) SubmitResult {
	// PENDING -> REJECTED is always legal; ignore the impossible error.
	_ = o.Transition(order.StatusRejected)
	return SubmitResult{Order: o, Reason: reason}
}
