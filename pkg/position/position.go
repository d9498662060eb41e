// Package position maintains the per-account, per-instrument position
// projection fed by trade executions and mark-price ticks. It reports
// raw quantity/price deltas; P&L itself is computed downstream by risk.
package position

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/crossline/crossline/pkg/num"
	"github.com/crossline/crossline/pkg/order"
)

var (
	// ErrVersionConflict is returned by stores when a write loses the
	// version race.
	ErrVersionConflict = errors.New("position: version conflict")

	// ErrNotFound is returned when a reserve or close targets a missing
	// position.
	ErrNotFound = errors.New("position: not found")

	// ErrInsufficientAvailable is returned when a reserve exceeds the
	// unreserved quantity.
	ErrInsufficientAvailable = errors.New("position: insufficient available to close")
)

// Position is one account's exposure to one instrument. Quantity is
// signed: positive long, negative short. Reserved holds quantity against
// pending reduce/close intents and never exceeds |Quantity|.
type Position struct {
	AccountID    int64 `json:"accountId"`
	InstrumentID int64 `json:"instrumentId"`

	Quantity   decimal.Decimal `json:"quantity"`
	EntryPrice decimal.Decimal `json:"averageEntryPrice"`
	Reserved   decimal.Decimal `json:"reservedQuantity"`

	LastIntent    order.Intent    `json:"lastIntent"`
	LastMarkPrice decimal.Decimal `json:"lastMarkPrice"`

	UpdatedAt time.Time `json:"updatedAt"`
	Version   uint64    `json:"version"`
}

// Abs returns |Quantity|.
func (p Position) Abs() decimal.Decimal {
	return p.Quantity.Abs()
}

// Open reports whether the position has exposure.
func (p Position) Open() bool {
	return !p.Quantity.IsZero()
}

// AvailableToClose returns the unreserved part of the position.
func (p Position) AvailableToClose() decimal.Decimal {
	return num.Max(p.Abs().Sub(p.Reserved), num.Zero)
}

// Write is one position mutation inside a Batch. Expect is a
// compare-and-swap on the stored version; a missing position has
// version 0.
type Write struct {
	Position Position
	Expect   uint64
}

// MarkWrite sets an instrument's mark price as part of a Batch.
type MarkWrite struct {
	InstrumentID int64
	Price        decimal.Decimal
}

// Batch is the unit of atomic mutation: every write, the optional mark
// price and the applied record for EventID land together or not at all.
// An empty EventID records nothing in the idempotency set.
type Batch struct {
	Writes  []Write
	Mark    *MarkWrite
	EventID string
}

// Store is the projection's persistence boundary. CommitBatch applies a
// Batch atomically; Applied is the per-consumer idempotency record
// keyed by source event id.
type Store interface {
	Get(accountID, instrumentID int64) (Position, bool, error)
	ListByInstrument(instrumentID int64) ([]Position, error)

	Applied(eventID string) (bool, error)
	GetMarkPrice(instrumentID int64) (decimal.Decimal, bool, error)

	CommitBatch(b Batch) error
}
