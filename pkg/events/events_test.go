package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crossline/crossline/pkg/num"
	"github.com/crossline/crossline/pkg/order"
)

func TestTradeNotional(t *testing.T) {
	tr := TradeExecution{Price: num.D("100.5"), Quantity: num.D("2")}
	assert.True(t, tr.Notional().Equal(num.D("201")))
}

func TestEncodeMessage(t *testing.T) {
	tr := TradeExecution{
		TradeID:      "T1",
		InstrumentID: 7,
		TakerSide:    order.Buy,
		Price:        num.D("100"),
		Quantity:     num.D("1"),
		ExecutedAt:   time.Unix(1700000000, 0).UTC(),
	}
	msg, err := EncodeMessage("TRADE_EXECUTED", tr.InstrumentID, tr)
	require.NoError(t, err)
	assert.Equal(t, []byte("7"), msg.Key, "keyed for per-instrument ordering")

	var decoded struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, "TRADE_EXECUTED", decoded.Type)

	var payload TradeExecution
	require.NoError(t, json.Unmarshal(decoded.Payload, &payload))
	assert.Equal(t, "T1", payload.TradeID)
	assert.True(t, payload.Price.Equal(num.D("100")))
}

func TestBusFansOutToAllSubscribers(t *testing.T) {
	bus := NewBus(4)
	a := bus.SubscribeTrades()
	b := bus.SubscribeTrades()

	bus.PublishTrade(TradeExecution{TradeID: "T1"})

	for _, ch := range []<-chan TradeExecution{a, b} {
		select {
		case tr := <-ch:
			assert.Equal(t, "T1", tr.TradeID)
		case <-time.After(time.Second):
			t.Fatal("subscriber missed the event")
		}
	}
}

func TestBusCloseStopsDelivery(t *testing.T) {
	bus := NewBus(4)
	trades := bus.SubscribeTrades()
	bus.Close()

	_, open := <-trades
	assert.False(t, open, "subscriber channels close with the bus")

	// Publishing after close must not panic.
	bus.PublishTrade(TradeExecution{TradeID: "T2"})
	bus.Close()
}
