package position

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/crossline/crossline/pkg/events"
	"github.com/crossline/crossline/pkg/num"
	"github.com/crossline/crossline/pkg/order"
)

// Projection applies trades and mark-price ticks to position state.
// Every mutation is idempotent by its source event id, commits all its
// writes in one atomic batch and emits one position event per change.
type Projection struct {
	store Store
	bus   *events.Bus
	log   *zap.Logger
	now   func() time.Time
}

// Option configures a Projection.
type Option func(*Projection)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Projection) { p.now = now }
}

func NewProjection(store Store, bus *events.Bus, log *zap.Logger, opts ...Option) *Projection {
	p := &Projection{store: store, bus: bus, log: log, now: time.Now}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Get returns the current position, a flat zero position if never
// traded.
func (p *Projection) Get(accountID, instrumentID int64) (Position, error) {
	pos, ok, err := p.store.Get(accountID, instrumentID)
	if err != nil {
		return Position{}, err
	}
	if !ok {
		return Position{
			AccountID:    accountID,
			InstrumentID: instrumentID,
			Quantity:     num.Zero,
			EntryPrice:   num.Zero,
			Reserved:     num.Zero,
		}, nil
	}
	return pos, nil
}

// batchStage collects the writes of one mutation so they commit
// together. A key touched twice, as in a self-trade, folds into one
// write whose second fill sees the first already applied.
type batchStage struct {
	p      *Projection
	staged map[string]*Write
	order  []string
}

func (p *Projection) newBatch() *batchStage {
	return &batchStage{p: p, staged: make(map[string]*Write)}
}

func (b *batchStage) get(accountID, instrumentID int64) (Position, error) {
	key := fmt.Sprintf("%d:%d", accountID, instrumentID)
	if w, ok := b.staged[key]; ok {
		return w.Position, nil
	}
	return b.p.Get(accountID, instrumentID)
}

func (b *batchStage) put(pos Position) {
	key := fmt.Sprintf("%d:%d", pos.AccountID, pos.InstrumentID)
	w, ok := b.staged[key]
	if !ok {
		w = &Write{Expect: pos.Version}
		b.staged[key] = w
		b.order = append(b.order, key)
	}
	pos.Version = w.Expect + 1
	w.Position = pos
}

func (b *batchStage) commit(eventID string, mark *MarkWrite) error {
	writes := make([]Write, 0, len(b.order))
	for _, key := range b.order {
		writes = append(writes, *b.staged[key])
	}
	return b.p.store.CommitBatch(Batch{Writes: writes, Mark: mark, EventID: eventID})
}

// ApplyTrade applies one execution to both parties' positions. The two
// sides and the applied record commit atomically, so a failed delivery
// leaves nothing behind and a replay is a clean no-op.
func (p *Projection) ApplyTrade(ctx context.Context, t events.TradeExecution) ([]events.PositionEvent, error) {
	eventID := "trade:" + t.TradeID
	done, err := p.store.Applied(eventID)
	if err != nil {
		return nil, fmt.Errorf("position apply %s: %w", t.TradeID, err)
	}
	if done {
		return nil, nil
	}

	st := p.newBatch()
	var out []events.PositionEvent

	takerDelta := t.Quantity
	if t.TakerSide == order.Sell {
		takerDelta = takerDelta.Neg()
	}
	evs, err := p.applyFill(st, t.TakerAccountID, t.InstrumentID, takerDelta, t.TakerIntent, t.Price, t.TradeID, t.ExecutedAt)
	if err != nil {
		return nil, fmt.Errorf("position apply %s: taker: %w", t.TradeID, err)
	}
	out = append(out, evs...)

	evs, err = p.applyFill(st, t.MakerAccountID, t.InstrumentID, takerDelta.Neg(), t.MakerIntent, t.Price, t.TradeID, t.ExecutedAt)
	if err != nil {
		return nil, fmt.Errorf("position apply %s: maker: %w", t.TradeID, err)
	}
	out = append(out, evs...)

	if err := st.commit(eventID, nil); err != nil {
		return nil, fmt.Errorf("position apply %s: %w", t.TradeID, err)
	}

	p.publish(out)
	return out, nil
}

// applyFill stages one account's position mutated by a signed quantity
// delta at the given price. An opposing delta larger than the open
// quantity is split close-then-flip.
func (p *Projection) applyFill(st *batchStage, accountID, instrumentID int64, delta decimal.Decimal, intent order.Intent, price decimal.Decimal, refID string, asOf time.Time) ([]events.PositionEvent, error) {
	pos, err := st.get(accountID, instrumentID)
	if err != nil {
		return nil, err
	}
	var evs []events.PositionEvent

	switch {
	case pos.Quantity.IsZero():
		pos.Quantity = delta
		pos.EntryPrice = price
		evs = append(evs, p.event(events.PositionOpened, pos, delta, refID, asOf))

	case pos.Quantity.Sign() == delta.Sign():
		// Same direction: weighted-average entry price.
		oldAbs := pos.Abs()
		newQty := pos.Quantity.Add(delta)
		pos.EntryPrice = num.Div(
			pos.EntryPrice.Mul(oldAbs).Add(price.Mul(delta.Abs())),
			newQty.Abs(),
		)
		pos.Quantity = newQty
		evs = append(evs, p.event(events.PositionIncreased, pos, delta, refID, asOf))

	case delta.Abs().GreaterThan(pos.Abs()):
		// Opposing and bigger than the position: close, then flip.
		closed := pos.Quantity.Neg()
		remainder := delta.Add(pos.Quantity)
		pos.Quantity = num.Zero
		pos.Reserved = num.Zero
		pos.EntryPrice = num.Zero
		evs = append(evs, p.event(events.PositionClosed, pos, closed, refID, asOf))

		pos.Quantity = remainder
		pos.EntryPrice = price
		evs = append(evs, p.event(events.PositionOpened, pos, remainder, refID, asOf))

	default:
		// Opposing reduce: release reservation first when the trade
		// fulfils a reduce/close intent, then shrink the position.
		matched := delta.Abs()
		if intent == order.IntentReduce || intent == order.IntentClose {
			pos.Reserved = num.Max(pos.Reserved.Sub(matched), num.Zero)
		}
		pos.Quantity = pos.Quantity.Add(delta)
		pos.Reserved = num.Min(pos.Reserved, pos.Abs())
		if pos.Quantity.IsZero() {
			pos.Reserved = num.Zero
			pos.EntryPrice = num.Zero
			evs = append(evs, p.event(events.PositionClosed, pos, delta, refID, asOf))
		} else {
			evs = append(evs, p.event(events.PositionDecreased, pos, delta, refID, asOf))
		}
	}

	pos.LastIntent = intent
	pos.UpdatedAt = asOf
	st.put(pos)
	return evs, nil
}

// ApplyMarkPrice records a mark-price tick. The new price, every open
// position's refresh and the applied record commit in one batch, so an
// interrupted tick replays in full. Redundant prices are absorbed
// without events.
func (p *Projection) ApplyMarkPrice(ctx context.Context, m events.MarkPriceUpdate) ([]events.PositionEvent, error) {
	eventID := "tick:" + m.TickID
	done, err := p.store.Applied(eventID)
	if err != nil {
		return nil, fmt.Errorf("mark price %s: %w", m.TickID, err)
	}
	if done {
		return nil, nil
	}

	prev, ok, err := p.store.GetMarkPrice(m.InstrumentID)
	if err != nil {
		return nil, fmt.Errorf("mark price %s: %w", m.TickID, err)
	}
	if ok && prev.Equal(m.MarkPrice) {
		// Redundant tick: record it as applied, emit nothing.
		if err := p.store.CommitBatch(Batch{EventID: eventID}); err != nil {
			return nil, fmt.Errorf("mark price %s: %w", m.TickID, err)
		}
		return nil, nil
	}

	st := p.newBatch()
	var out []events.PositionEvent
	open, err := p.store.ListByInstrument(m.InstrumentID)
	if err != nil {
		return nil, fmt.Errorf("mark price %s: %w", m.TickID, err)
	}
	for _, pos := range open {
		if !pos.Open() {
			continue
		}
		pos.LastMarkPrice = m.MarkPrice
		pos.UpdatedAt = m.CalculatedAt
		st.put(pos)
		out = append(out, p.event(events.MarkPriceUpdated, pos, num.Zero, m.TickID, m.CalculatedAt))
	}

	if err := st.commit(eventID, &MarkWrite{InstrumentID: m.InstrumentID, Price: m.MarkPrice}); err != nil {
		return nil, fmt.Errorf("mark price %s: %w", m.TickID, err)
	}
	p.publish(out)
	return out, nil
}

// Reserve holds quantity against a pending reduce/close intent so the
// same exposure cannot be spent twice.
func (p *Projection) Reserve(ctx context.Context, accountID, instrumentID int64, qty decimal.Decimal, refID string) (events.PositionEvent, error) {
	if qty.LessThanOrEqual(num.Zero) {
		return events.PositionEvent{}, fmt.Errorf("reserve %s: quantity must be positive, got %s", refID, qty)
	}
	pos, ok, err := p.store.Get(accountID, instrumentID)
	if err != nil {
		return events.PositionEvent{}, err
	}
	if !ok || !pos.Open() {
		return events.PositionEvent{}, fmt.Errorf("reserve %s: %w", refID, ErrNotFound)
	}
	if pos.AvailableToClose().LessThan(qty) {
		return events.PositionEvent{}, fmt.Errorf("reserve %s: %w: available %s, requested %s",
			refID, ErrInsufficientAvailable, pos.AvailableToClose(), qty)
	}

	st := p.newBatch()
	pos.Reserved = num.Normalize(pos.Reserved.Add(qty))
	pos.UpdatedAt = p.now()
	st.put(pos)
	if err := st.commit("", nil); err != nil {
		return events.PositionEvent{}, err
	}

	ev := p.event(events.PositionReserved, pos, qty, refID, pos.UpdatedAt)
	p.publish([]events.PositionEvent{ev})
	return ev, nil
}

// Release returns reserved quantity to available when the order that
// held it leaves the book unfilled. Over-release clamps to zero, so a
// release racing a fill that already consumed the reservation is
// harmless.
func (p *Projection) Release(ctx context.Context, accountID, instrumentID int64, qty decimal.Decimal, refID string) (events.PositionEvent, error) {
	if qty.LessThanOrEqual(num.Zero) {
		return events.PositionEvent{}, fmt.Errorf("release %s: quantity must be positive, got %s", refID, qty)
	}
	pos, ok, err := p.store.Get(accountID, instrumentID)
	if err != nil {
		return events.PositionEvent{}, err
	}
	if !ok {
		return events.PositionEvent{}, fmt.Errorf("release %s: %w", refID, ErrNotFound)
	}

	st := p.newBatch()
	released := num.Min(pos.Reserved, qty)
	pos.Reserved = num.Normalize(pos.Reserved.Sub(released))
	pos.UpdatedAt = p.now()
	st.put(pos)
	if err := st.commit("", nil); err != nil {
		return events.PositionEvent{}, err
	}

	ev := p.event(events.PositionReserved, pos, released.Neg(), refID, pos.UpdatedAt)
	p.publish([]events.PositionEvent{ev})
	return ev, nil
}

// ForceClose consumes a LIQUIDATION_TRIGGERED decision from risk and
// performs the CLOSE-equivalent transition: quantity to exactly zero,
// reservation cleared, atomically with the reference. Idempotent by
// reference id.
func (p *Projection) ForceClose(ctx context.Context, accountID, instrumentID int64, refID string) ([]events.PositionEvent, error) {
	eventID := "liquidation:" + refID
	done, err := p.store.Applied(eventID)
	if err != nil {
		return nil, err
	}
	if done {
		return nil, nil
	}

	pos, ok, err := p.store.Get(accountID, instrumentID)
	if err != nil {
		return nil, err
	}
	if !ok || !pos.Open() {
		return nil, fmt.Errorf("force close %s: %w", refID, ErrNotFound)
	}

	st := p.newBatch()
	closed := pos.Quantity.Neg()
	pos.Quantity = num.Zero
	pos.Reserved = num.Zero
	pos.EntryPrice = num.Zero
	pos.LastIntent = order.IntentClose
	pos.UpdatedAt = p.now()
	st.put(pos)
	if err := st.commit(eventID, nil); err != nil {
		return nil, err
	}

	out := []events.PositionEvent{p.event(events.PositionClosed, pos, closed, refID, pos.UpdatedAt)}
	p.publish(out)
	p.log.Warn("position force-closed",
		zap.Int64("accountId", accountID),
		zap.Int64("instrumentId", instrumentID),
		zap.String("reference", refID))
	return out, nil
}

func (p *Projection) event(typ events.PositionEventType, pos Position, delta decimal.Decimal, refID string, asOf time.Time) events.PositionEvent {
	return events.PositionEvent{
		Type:          typ,
		AccountID:     pos.AccountID,
		InstrumentID:  pos.InstrumentID,
		Quantity:      pos.Quantity,
		DeltaQuantity: delta,
		Reserved:      pos.Reserved,
		EntryPrice:    pos.EntryPrice,
		MarkPrice:     pos.LastMarkPrice,
		ReferenceID:   refID,
		AsOf:          asOf,
	}
}

func (p *Projection) publish(evs []events.PositionEvent) {
	if p.bus == nil {
		return
	}
	for _, ev := range evs {
		p.bus.PublishPosition(ev)
	}
}
