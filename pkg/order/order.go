// Package order defines the order model and its lifecycle state machine.
// Status transitions are explicit: every mutation goes through Transition,
// which rejects anything the state machine does not allow, and terminal
// orders are immutable.
package order

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/crossline/crossline/pkg/num"
)

// Side is the direction of an order.
type Side int8

const (
	Buy Side = iota
	Sell
)

func (s Side) String() string {
	if s == Buy {
		return "BUY"
	}
	return "SELL"
}

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// ParseSide parses "BUY" or "SELL".
func ParseSide(s string) (Side, error) {
	switch s {
	case "BUY":
		return Buy, nil
	case "SELL":
		return Sell, nil
	}
	return 0, fmt.Errorf("unknown side %q", s)
}

// Type distinguishes limit orders from market orders.
type Type int8

const (
	Limit Type = iota
	Market
)

func (t Type) String() string {
	if t == Market {
		return "MARKET"
	}
	return "LIMIT"
}

// ParseType parses "LIMIT" or "MARKET".
func ParseType(s string) (Type, error) {
	switch s {
	case "LIMIT":
		return Limit, nil
	case "MARKET":
		return Market, nil
	}
	return 0, fmt.Errorf("unknown order type %q", s)
}

// Intent declares what the order is meant to do to the owner's position.
// It travels with every trade so the position projection can release
// reservations made for REDUCE/CLOSE orders.
type Intent int8

const (
	IntentIncrease Intent = iota
	IntentReduce
	IntentClose
)

func (i Intent) String() string {
	switch i {
	case IntentReduce:
		return "REDUCE"
	case IntentClose:
		return "CLOSE"
	default:
		return "INCREASE"
	}
}

// ParseIntent parses "INCREASE", "REDUCE" or "CLOSE". An empty string
// defaults to INCREASE.
func ParseIntent(s string) (Intent, error) {
	switch s {
	case "", "INCREASE":
		return IntentIncrease, nil
	case "REDUCE":
		return IntentReduce, nil
	case "CLOSE":
		return IntentClose, nil
	}
	return 0, fmt.Errorf("unknown intent %q", s)
}

// Status is the lifecycle state of an order.
type Status int8

const (
	StatusPending Status = iota
	StatusSubmitted
	StatusAccepted
	StatusPartialFilled
	StatusFilled
	StatusCancelRequested
	StatusCancelled
	StatusRejected
	StatusFailed
	StatusExpired
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "PENDING"
	case StatusSubmitted:
		return "SUBMITTED"
	case StatusAccepted:
		return "ACCEPTED"
	case StatusPartialFilled:
		return "PARTIAL_FILLED"
	case StatusFilled:
		return "FILLED"
	case StatusCancelRequested:
		return "CANCEL_REQUESTED"
	case StatusCancelled:
		return "CANCELLED"
	case StatusRejected:
		return "REJECTED"
	case StatusFailed:
		return "FAILED"
	case StatusExpired:
		return "EXPIRED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether the status is absorbing. Terminal orders are
// immutable.
func (s Status) Terminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusRejected, StatusFailed, StatusExpired:
		return true
	}
	return false
}

// transitions is the full state machine. REJECTED/FAILED/EXPIRED are
// reachable from PENDING/SUBMITTED only; cancellation is reachable from
// the resting states; fills bounce between ACCEPTED and PARTIAL_FILLED
// until FILLED.
var transitions = map[Status][]Status{
	StatusPending:         {StatusSubmitted, StatusRejected, StatusFailed, StatusExpired},
	StatusSubmitted:       {StatusAccepted, StatusPartialFilled, StatusFilled, StatusRejected, StatusFailed, StatusExpired},
	StatusAccepted:        {StatusPartialFilled, StatusFilled, StatusCancelRequested, StatusCancelled},
	StatusPartialFilled:   {StatusPartialFilled, StatusFilled, StatusCancelRequested, StatusCancelled},
	StatusCancelRequested: {StatusCancelled, StatusPartialFilled, StatusFilled},
}

// CanTransition reports whether the state machine permits s -> next.
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Order is a single order command as tracked by the matching engine. The
// engine is the only mutator; once Status is terminal the order is frozen.
type Order struct {
	ID           int64           `json:"orderId"`
	AccountID    int64           `json:"accountId"`
	InstrumentID int64           `json:"instrumentId"`
	Side         Side            `json:"side"`
	Type         Type            `json:"type"`
	Intent       Intent          `json:"intent"`
	Price        decimal.Decimal `json:"price"` // zero for market orders
	Quantity     decimal.Decimal `json:"quantity"`
	Remaining    decimal.Decimal `json:"remainingQuantity"`
	Status       Status          `json:"status"`
	Sequence     uint64          `json:"sequence"` // assigned at acceptance; price-time tie-break
	CreatedAt    time.Time       `json:"createdAt"`
}

// Transition moves the order to next, or fails if the state machine
// forbids it.
func (o *Order) Transition(next Status) error {
	if !o.Status.CanTransition(next) {
		return fmt.Errorf("order %d: illegal transition %s -> %s", o.ID, o.Status, next)
	}
	o.Status = next
	return nil
}

// Fill consumes qty from the remaining quantity and advances the status
// to PARTIAL_FILLED or FILLED. qty must not exceed Remaining.
func (o *Order) Fill(qty decimal.Decimal) error {
	if qty.LessThanOrEqual(num.Zero) {
		return fmt.Errorf("order %d: fill quantity must be positive, got %s", o.ID, qty)
	}
	if qty.GreaterThan(o.Remaining) {
		return fmt.Errorf("order %d: fill %s exceeds remaining %s", o.ID, qty, o.Remaining)
	}
	o.Remaining = num.Normalize(o.Remaining.Sub(qty))
	if o.Remaining.IsZero() {
		return o.Transition(StatusFilled)
	}
	return o.Transition(StatusPartialFilled)
}

// Filled returns the executed quantity so far.
func (o *Order) Filled() decimal.Decimal {
	return o.Quantity.Sub(o.Remaining)
}

// Resting reports whether the order currently rests in a book.
func (o *Order) Resting() bool {
	return o.Status == StatusAccepted || o.Status == StatusPartialFilled
}
