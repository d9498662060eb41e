package api

import (
	"github.com/shopspring/decimal"

	"github.com/crossline/crossline/pkg/events"
)

// REST request/response types and WebSocket message envelopes.

// MarketInfo is a market's static configuration.
type MarketInfo struct {
	InstrumentID int64           `json:"instrumentId"`
	Symbol       string          `json:"symbol"`
	BaseAsset    string          `json:"baseAsset"`
	QuoteAsset   string          `json:"quoteAsset"`
	TickSize     decimal.Decimal `json:"tickSize"`
	LotSize      decimal.Decimal `json:"lotSize"`
	MinNotional  decimal.Decimal `json:"minNotional"`
	MakerFeeBps  int64           `json:"makerFeeBps"`
	TakerFeeBps  int64           `json:"takerFeeBps"`
	Tradable     bool            `json:"tradable"`
}

// OrderbookSnapshot is the aggregated book served by GET
// /markets/{symbol}/orderbook. Bids are sorted high to low, asks low to
// high.
type OrderbookSnapshot struct {
	Symbol    string             `json:"symbol"`
	Bids      []events.BookLevel `json:"bids"`
	Asks      []events.BookLevel `json:"asks"`
	Timestamp int64              `json:"timestamp"` // unix milliseconds
}

// BalanceInfo is one asset balance for an account.
type BalanceInfo struct {
	Asset     string          `json:"asset"`
	Available decimal.Decimal `json:"available"`
	Frozen    decimal.Decimal `json:"frozen"`
}

// PositionInfo is an account's position on one instrument.
type PositionInfo struct {
	InstrumentID int64           `json:"instrumentId"`
	Symbol       string          `json:"symbol"`
	Quantity     decimal.Decimal `json:"quantity"` // signed, +long -short
	EntryPrice   decimal.Decimal `json:"entryPrice"`
	Reserved     decimal.Decimal `json:"reserved"`
	MarkPrice    decimal.Decimal `json:"markPrice"`
}

// SubmitOrderRequest is the payload for POST /api/v1/orders.
type SubmitOrderRequest struct {
	AccountID int64  `json:"accountId"`
	Symbol    string `json:"symbol"`
	Side      string `json:"side"`   // BUY | SELL
	Type      string `json:"type"`   // LIMIT | MARKET
	Intent    string `json:"intent"` // INCREASE | REDUCE | CLOSE
	Price     string `json:"price,omitempty"`
	Quantity  string `json:"quantity"`
}

// SubmitOrderResponse reports the synchronous outcome of a submit.
type SubmitOrderResponse struct {
	OrderID   int64           `json:"orderId"`
	Status    string          `json:"status"`
	Remaining decimal.Decimal `json:"remaining"`
	Trades    int             `json:"trades"`
	Reason    string          `json:"reason,omitempty"`
}

// CancelOrderRequest is the payload for POST /api/v1/orders/cancel.
type CancelOrderRequest struct {
	OrderID int64 `json:"orderId"`
}

// CancelOrderResponse reports the synchronous outcome of a cancel.
type CancelOrderResponse struct {
	OrderID   int64  `json:"orderId"`
	Cancelled bool   `json:"cancelled"`
	Reason    string `json:"reason,omitempty"`
}

// TransferRequest is the payload for POST /api/v1/transfers/deposit and
// /transfers/withdraw. TxID is the caller's idempotency key.
type TransferRequest struct {
	AccountID int64  `json:"accountId"`
	Asset     string `json:"asset"`
	Amount    string `json:"amount"`
	TxID      string `json:"txId"`
}

// TransferResponse reports the balance after a deposit or withdrawal.
type TransferResponse struct {
	AccountID      int64           `json:"accountId"`
	Asset          string          `json:"asset"`
	Available      decimal.Decimal `json:"available"`
	Frozen         decimal.Decimal `json:"frozen"`
	AlreadyApplied bool            `json:"alreadyApplied"`
}

// LiquidationRequest is the payload for POST /api/v1/liquidations.
// ReferenceID is the risk service's idempotency key for the decision.
type LiquidationRequest struct {
	AccountID    int64  `json:"accountId"`
	InstrumentID int64  `json:"instrumentId"`
	ReferenceID  string `json:"referenceId"`
}

// LiquidationResponse reports the outcome of a force-close.
type LiquidationResponse struct {
	ReferenceID    string `json:"referenceId"`
	AccountID      int64  `json:"accountId"`
	InstrumentID   int64  `json:"instrumentId"`
	AlreadyApplied bool   `json:"alreadyApplied"`
}

// ErrorResponse is returned for all errors.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// WSEnvelope wraps every message pushed to WebSocket clients.
type WSEnvelope struct {
	Channel string      `json:"channel"`
	Data    interface{} `json:"data"`
}

// WSSubscribeRequest is sent by clients to manage channel
// subscriptions, e.g. ["orderbook:BTC-USDT", "trades:BTC-USDT",
// "positions:42", "balances:42", "markprices"].
type WSSubscribeRequest struct {
	Op       string   `json:"op"` // subscribe | unsubscribe
	Channels []string `json:"channels"`
}
