// Package events defines the outbound event contract of the transactional
// core and the in-process bus that carries it to the settlement ledger,
// the position projection and external consumers.
package events

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/crossline/crossline/pkg/order"
)

// TradeExecution is the unit of truth produced by the matching engine.
// It is immutable once created; the ledger and the position projection
// key their idempotency on TradeID.
type TradeExecution struct {
	TradeID      string `json:"tradeId"`
	InstrumentID int64  `json:"instrumentId"`
	QuoteAsset   string `json:"quoteAsset"`

	MakerOrderID   int64 `json:"makerOrderId"`
	TakerOrderID   int64 `json:"takerOrderId"`
	MakerAccountID int64 `json:"makerAccountId"`
	TakerAccountID int64 `json:"takerAccountId"`

	// TakerSide is the side of the incoming order; the maker held the
	// opposite side.
	TakerSide   order.Side   `json:"takerSide"`
	MakerIntent order.Intent `json:"makerIntent"`
	TakerIntent order.Intent `json:"takerIntent"`

	// Price is always the resting (maker) order's price.
	Price    decimal.Decimal `json:"executedPrice"`
	Quantity decimal.Decimal `json:"executedQuantity"`

	ExecutedAt time.Time `json:"executedAt"`
}

// Notional returns price * quantity.
func (t TradeExecution) Notional() decimal.Decimal {
	return t.Price.Mul(t.Quantity)
}

// OrderUpdate reports one order's new state after a matching round.
// AccountID and Price let downstream consumers maintain order-scoped
// state, such as margin freezes, without a lookup into the book.
type OrderUpdate struct {
	OrderID   int64           `json:"orderId"`
	AccountID int64           `json:"accountId"`
	Status    string          `json:"status"`
	Price     decimal.Decimal `json:"price"`
	Remaining decimal.Decimal `json:"remainingQuantity"`
	Taker     bool            `json:"isTaker"`
}

// BookLevel is one aggregated price level of a depth snapshot.
type BookLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// OrderBookUpdated is published after every book mutation. Bids are
// ordered best (highest) first, asks best (lowest) first.
type OrderBookUpdated struct {
	InstrumentID int64         `json:"instrumentId"`
	Updates      []OrderUpdate `json:"updates"`
	Bids         []BookLevel   `json:"bids"`
	Asks         []BookLevel   `json:"asks"`
	UpdatedAt    time.Time     `json:"updatedAt"`
}

// PositionEventType enumerates the mutations the position projection
// reports downstream.
type PositionEventType string

const (
	PositionOpened       PositionEventType = "POSITION_OPENED"
	PositionIncreased    PositionEventType = "POSITION_INCREASED"
	PositionDecreased    PositionEventType = "POSITION_DECREASED"
	PositionReserved     PositionEventType = "POSITION_RESERVED"
	PositionClosed       PositionEventType = "POSITION_CLOSED"
	LiquidationTriggered PositionEventType = "LIQUIDATION_TRIGGERED"
	MarkPriceUpdated     PositionEventType = "MARK_PRICE_UPDATED"
)

// PositionEvent notifies risk/liquidation of one position mutation.
type PositionEvent struct {
	Type         PositionEventType `json:"type"`
	AccountID    int64             `json:"accountId"`
	InstrumentID int64             `json:"instrumentId"`

	Quantity      decimal.Decimal `json:"quantity"` // signed, after the mutation
	DeltaQuantity decimal.Decimal `json:"deltaQuantity"`
	Reserved      decimal.Decimal `json:"reservedQuantity"`
	EntryPrice    decimal.Decimal `json:"averageEntryPrice"`
	MarkPrice     decimal.Decimal `json:"markPrice"`

	// ReferenceID is the trade id, tick id or liquidation reference that
	// caused the mutation.
	ReferenceID string    `json:"referenceId"`
	AsOf        time.Time `json:"asOf"`
}

// BalanceChanged reports one account balance mutation produced by the
// settlement ledger.
type BalanceChanged struct {
	AccountID    int64           `json:"accountId"`
	PlatformCode string          `json:"platformCode,omitempty"`
	Asset        string          `json:"asset"`
	Available    decimal.Decimal `json:"available"`
	Frozen       decimal.Decimal `json:"frozen"`
	Version      uint64          `json:"version"`
	EntryID      string          `json:"entryId"`
	ReferenceID  string          `json:"referenceId"`
	OccurredAt   time.Time       `json:"occurredAt"`
}

// MarkPriceUpdate is a mark-price tick, either derived from a trade
// (TradeID set) or from the book mid.
type MarkPriceUpdate struct {
	TickID       string          `json:"tickId"`
	InstrumentID int64           `json:"instrumentId"`
	MarkPrice    decimal.Decimal `json:"markPrice"`

	TradeID         string     `json:"tradeId,omitempty"`
	TradeExecutedAt *time.Time `json:"tradeExecutedAt,omitempty"`
	CalculatedAt    time.Time  `json:"calculatedAt"`
}
