package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Topic names for the kafka egress, one per event kind.
const (
	TopicTrades     = "exchange.trades"
	TopicBooks      = "exchange.orderbook"
	TopicPositions  = "exchange.positions"
	TopicMarkPrices = "exchange.markprices"
	TopicBalances   = "exchange.balances"
)

// envelope is the wire form of a published event.
type envelope struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// EncodeMessage builds the kafka message for one event: JSON envelope,
// keyed by the event's partition key (instrument id for market events,
// account id for balance events) so per-key ordering survives
// partitioning.
func EncodeMessage(eventType string, key int64, payload interface{}) (kafka.Message, error) {
	value, err := json.Marshal(envelope{Type: eventType, Payload: payload})
	if err != nil {
		return kafka.Message{}, fmt.Errorf("encode %s: %w", eventType, err)
	}
	return kafka.Message{
		Key:   []byte(strconv.FormatInt(key, 10)),
		Value: value,
	}, nil
}

// KafkaBridge copies every bus event onto kafka topics. It is an egress
// adapter only: in-process consumers keep reading from the bus.
type KafkaBridge struct {
	trades     *kafka.Writer
	books      *kafka.Writer
	positions  *kafka.Writer
	markPrices *kafka.Writer
	balances   *kafka.Writer
	log        *zap.Logger
}

func newWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		RequiredAcks: kafka.RequireAll,
		Async:        false,
		BatchTimeout: 10 * time.Millisecond,
	}
}

// NewKafkaBridge creates a bridge writing to the given brokers.
func NewKafkaBridge(brokers []string, log *zap.Logger) *KafkaBridge {
	return &KafkaBridge{
		trades:     newWriter(brokers, TopicTrades),
		books:      newWriter(brokers, TopicBooks),
		positions:  newWriter(brokers, TopicPositions),
		markPrices: newWriter(brokers, TopicMarkPrices),
		balances:   newWriter(brokers, TopicBalances),
		log:        log,
	}
}

// Run consumes the bus until its channels close. Publish failures are
// logged and skipped; kafka is an observer of the core, never a
// blocker of settlement. Exiting on ctx.Done instead of channel close
// would leave core publishers blocked on this bridge's buffers during
// shutdown.
func (kb *KafkaBridge) Run(ctx context.Context, bus *Bus) {
	trades := bus.SubscribeTrades()
	books := bus.SubscribeBooks()
	positions := bus.SubscribePositions()
	marks := bus.SubscribeMarkPrices()
	balances := bus.SubscribeBalances()

	for {
		select {
		case t, ok := <-trades:
			if !ok {
				return
			}
			kb.write(ctx, kb.trades, "TRADE_EXECUTED", t.InstrumentID, t)
		case u, ok := <-books:
			if !ok {
				return
			}
			kb.write(ctx, kb.books, "ORDER_BOOK_UPDATED", u.InstrumentID, u)
		case p, ok := <-positions:
			if !ok {
				return
			}
			kb.write(ctx, kb.positions, string(p.Type), p.InstrumentID, p)
		case m, ok := <-marks:
			if !ok {
				return
			}
			kb.write(ctx, kb.markPrices, "MARK_PRICE_UPDATED", m.InstrumentID, m)
		case bc, ok := <-balances:
			if !ok {
				return
			}
			kb.write(ctx, kb.balances, "BALANCE_CHANGED", bc.AccountID, bc)
		}
	}
}

func (kb *KafkaBridge) write(ctx context.Context, w *kafka.Writer, eventType string, key int64, payload interface{}) {
	msg, err := EncodeMessage(eventType, key, payload)
	if err != nil {
		kb.log.Error("kafka encode failed", zap.String("type", eventType), zap.Error(err))
		return
	}
	if err := w.WriteMessages(ctx, msg); err != nil {
		kb.log.Error("kafka publish failed",
			zap.String("type", eventType),
			zap.String("topic", w.Topic),
			zap.Error(err))
	}
}

// Close closes all underlying writers.
func (kb *KafkaBridge) Close() error {
	for _, w := range []*kafka.Writer{kb.trades, kb.books, kb.positions, kb.markPrices, kb.balances} {
		if err := w.Close(); err != nil {
			return err
		}
	}
	return nil
}
