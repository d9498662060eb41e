package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestConsumeRetriesTransientFailures(t *testing.T) {
	ch := make(chan int, 1)
	ch <- 42
	close(ch)

	var mu sync.Mutex
	var attempts int
	var seen []int
	done := make(chan struct{})
	go func() {
		defer close(done)
		Consume(context.Background(), ch, func(ctx context.Context, v int) error {
			mu.Lock()
			defer mu.Unlock()
			attempts++
			if attempts < 3 {
				return errors.New("transient")
			}
			seen = append(seen, v)
			return nil
		}, zap.NewNop(), "test")
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not finish")
	}
	assert.Equal(t, 3, attempts)
	assert.Equal(t, []int{42}, seen)
}

func TestConsumeExitsOnChannelClose(t *testing.T) {
	ch := make(chan int, 4)
	for i := 0; i < 4; i++ {
		ch <- i
	}
	close(ch)

	var seen []int
	done := make(chan struct{})
	go func() {
		defer close(done)
		Consume(context.Background(), ch, func(ctx context.Context, v int) error {
			seen = append(seen, v)
			return nil
		}, zap.NewNop(), "test")
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not exit on channel close")
	}
	assert.Equal(t, []int{0, 1, 2, 3}, seen)
}

func TestConsumeAbandonsRetriesWhenContextDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan int, 2)
	ch <- 1
	ch <- 2
	close(ch)

	var mu sync.Mutex
	attempts := map[int]int{}
	done := make(chan struct{})
	go func() {
		defer close(done)
		Consume(ctx, ch, func(ctx context.Context, v int) error {
			mu.Lock()
			attempts[v]++
			n := attempts[v]
			mu.Unlock()
			if n == 1 {
				cancel()
			}
			return errors.New("never succeeds")
		}, zap.NewNop(), "test")
	}()

	// With ctx cancelled the consumer must still drain the remaining
	// event and exit instead of retrying forever.
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("consumer wedged on a poisoned event")
	}
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, attempts[1])
	assert.Equal(t, 1, attempts[2], "later events still get their attempt")
}

func TestConsumeDrainUnblocksPublisher(t *testing.T) {
	bus := NewBus(1)
	ch := bus.SubscribeTrades()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		Consume(ctx, ch, func(ctx context.Context, t TradeExecution) error {
			return nil
		}, zap.NewNop(), "test")
	}()

	// Fill past the buffer: with a consumer that quit at ctx.Done these
	// publishes would block forever.
	published := make(chan struct{})
	go func() {
		defer close(published)
		for i := 0; i < 8; i++ {
			bus.PublishTrade(TradeExecution{TradeID: "T"})
		}
		bus.Close()
	}()

	select {
	case <-published:
	case <-time.After(5 * time.Second):
		t.Fatal("publisher blocked during shutdown")
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not exit after bus close")
	}
}
