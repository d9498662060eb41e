package ledger

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/crossline/crossline/pkg/events"
	"github.com/crossline/crossline/pkg/instrument"
	"github.com/crossline/crossline/pkg/num"
	"github.com/crossline/crossline/pkg/order"
)

func newTestLedger(t *testing.T, store Store, bus *events.Bus) *Ledger {
	t.Helper()
	var entrySeq int
	return New(store, instrument.Default(), bus, zap.NewNop(),
		WithClock(func() time.Time { return time.Unix(1700000000, 0).UTC() }),
		WithEntryIDs(func() string {
			entrySeq++
			return fmt.Sprintf("e-%d", entrySeq)
		}),
	)
}

// BTC-USDT, maker 2 bps, taker 5 bps. Notional 200 gives fees 0.04/0.1.
func testTrade() events.TradeExecution {
	return events.TradeExecution{
		TradeID:        "T1",
		InstrumentID:   1,
		QuoteAsset:     "USDT",
		MakerAccountID: 1,
		TakerAccountID: 2,
		TakerSide:      order.Buy,
		Price:          num.D("100"),
		Quantity:       num.D("2"),
		ExecutedAt:     time.Unix(1700000000, 0).UTC(),
	}
}

func entrySum(entries []Entry) decimal.Decimal {
	sum := num.Zero
	for _, e := range entries {
		sum = sum.Add(e.Amount)
	}
	return sum
}

func TestSettleTradeBalancesToZero(t *testing.T) {
	store := NewMemoryStore()
	l := newTestLedger(t, store, nil)

	res, err := l.SettleTrade(context.Background(), testTrade())
	require.NoError(t, err)
	assert.False(t, res.AlreadyApplied)
	require.Len(t, res.Entries, 3)
	assert.True(t, entrySum(res.Entries).IsZero(), "entries for one reference must net to zero")

	taker, err := l.Balance(2, "USDT")
	require.NoError(t, err)
	assert.True(t, taker.Available.Equal(num.D("-200.1")), "buyer pays value plus taker fee, got %s", taker.Available)

	maker, err := l.Balance(1, "USDT")
	require.NoError(t, err)
	assert.True(t, maker.Available.Equal(num.D("199.96")), "seller receives value minus maker fee, got %s", maker.Available)

	fees, err := l.PlatformBalance(PlatformFeeRevenue, "USDT")
	require.NoError(t, err)
	assert.True(t, fees.Balance.Equal(num.D("0.14")))
}

func TestSettleTradeSellSide(t *testing.T) {
	l := newTestLedger(t, NewMemoryStore(), nil)

	tr := testTrade()
	tr.TakerSide = order.Sell
	res, err := l.SettleTrade(context.Background(), tr)
	require.NoError(t, err)
	assert.True(t, entrySum(res.Entries).IsZero())

	// Now the taker is the seller.
	taker, err := l.Balance(2, "USDT")
	require.NoError(t, err)
	assert.True(t, taker.Available.Equal(num.D("199.9")))

	maker, err := l.Balance(1, "USDT")
	require.NoError(t, err)
	assert.True(t, maker.Available.Equal(num.D("-200.04")))
}

func TestSettleTradeIdempotent(t *testing.T) {
	store := NewMemoryStore()
	l := newTestLedger(t, store, nil)

	first, err := l.SettleTrade(context.Background(), testTrade())
	require.NoError(t, err)
	second, err := l.SettleTrade(context.Background(), testTrade())
	require.NoError(t, err)

	assert.True(t, second.AlreadyApplied)
	assert.Len(t, second.Entries, len(first.Entries))
	assert.Len(t, store.Entries(), 3, "no new entries on replay")

	taker, err := l.Balance(2, "USDT")
	require.NoError(t, err)
	assert.True(t, taker.Available.Equal(num.D("-200.1")), "balances unchanged on replay")
	assert.Equal(t, uint64(1), taker.Version)
}

func TestSettleTradeUnknownInstrument(t *testing.T) {
	l := newTestLedger(t, NewMemoryStore(), nil)
	tr := testTrade()
	tr.InstrumentID = 99
	_, err := l.SettleTrade(context.Background(), tr)
	assert.Error(t, err)
}

func TestDepositAndWithdraw(t *testing.T) {
	store := NewMemoryStore()
	l := newTestLedger(t, store, nil)
	ctx := context.Background()

	_, err := l.Deposit(ctx, 7, "USDT", num.D("100"), "tx-1")
	require.NoError(t, err)
	bal, err := l.Balance(7, "USDT")
	require.NoError(t, err)
	assert.True(t, bal.Available.Equal(num.D("100")))

	// The platform counter-leg keeps the books closed.
	plat, err := l.PlatformBalance(PlatformUserDeposit, "USDT")
	require.NoError(t, err)
	assert.True(t, plat.Balance.Equal(num.D("-100")))

	_, err = l.Withdraw(ctx, 7, "USDT", num.D("30"), "tx-2")
	require.NoError(t, err)
	bal, err = l.Balance(7, "USDT")
	require.NoError(t, err)
	assert.True(t, bal.Available.Equal(num.D("70")))

	for _, ref := range []string{"deposit:tx-1", "withdraw:tx-2"} {
		entries, err := store.EntriesByReference(ref)
		require.NoError(t, err)
		assert.True(t, entrySum(entries).IsZero(), "%s entries must net to zero", ref)
	}
}

func TestWithdrawInsufficientBalance(t *testing.T) {
	l := newTestLedger(t, NewMemoryStore(), nil)
	ctx := context.Background()

	_, err := l.Deposit(ctx, 7, "USDT", num.D("10"), "tx-1")
	require.NoError(t, err)

	_, err = l.Withdraw(ctx, 7, "USDT", num.D("50"), "tx-2")
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	bal, err := l.Balance(7, "USDT")
	require.NoError(t, err)
	assert.True(t, bal.Available.Equal(num.D("10")), "failed withdrawal leaves no trace")
}

func TestTransfersIdempotent(t *testing.T) {
	l := newTestLedger(t, NewMemoryStore(), nil)
	ctx := context.Background()

	_, err := l.Deposit(ctx, 7, "USDT", num.D("100"), "tx-1")
	require.NoError(t, err)
	res, err := l.Deposit(ctx, 7, "USDT", num.D("100"), "tx-1")
	require.NoError(t, err)
	assert.True(t, res.AlreadyApplied)

	bal, err := l.Balance(7, "USDT")
	require.NoError(t, err)
	assert.True(t, bal.Available.Equal(num.D("100")), "duplicate deposit is a no-op")

	require.NoError(t, err)
	_, err = l.Withdraw(ctx, 7, "USDT", num.D("40"), "tx-2")
	require.NoError(t, err)
	wres, err := l.Withdraw(ctx, 7, "USDT", num.D("40"), "tx-2")
	require.NoError(t, err)
	assert.True(t, wres.AlreadyApplied)

	bal, err = l.Balance(7, "USDT")
	require.NoError(t, err)
	assert.True(t, bal.Available.Equal(num.D("60")))
}

func TestTransferRejectsNonPositiveAmounts(t *testing.T) {
	l := newTestLedger(t, NewMemoryStore(), nil)
	ctx := context.Background()

	_, err := l.Deposit(ctx, 7, "USDT", num.Zero, "tx-1")
	assert.Error(t, err)
	_, err = l.Withdraw(ctx, 7, "USDT", num.D("-5"), "tx-2")
	assert.Error(t, err)
}

func TestFreezeAndRelease(t *testing.T) {
	store := NewMemoryStore()
	l := newTestLedger(t, store, nil)
	ctx := context.Background()

	_, err := l.Deposit(ctx, 7, "USDT", num.D("100"), "tx-1")
	require.NoError(t, err)

	_, err = l.FreezeForOrder(ctx, 11, 7, "USDT", num.D("40"))
	require.NoError(t, err)
	bal, err := l.Balance(7, "USDT")
	require.NoError(t, err)
	assert.True(t, bal.Available.Equal(num.D("60")))
	assert.True(t, bal.Frozen.Equal(num.D("40")))
	assert.True(t, bal.Total().Equal(num.D("100")), "freeze moves, never creates")

	// Same order id again is absorbed.
	res, err := l.FreezeForOrder(ctx, 11, 7, "USDT", num.D("40"))
	require.NoError(t, err)
	assert.True(t, res.AlreadyApplied)

	entries, err := store.EntriesByReference("freeze:11")
	require.NoError(t, err)
	assert.True(t, entrySum(entries).IsZero())

	_, err = l.ReleaseForOrder(ctx, 11, 7, "USDT", num.D("40"))
	require.NoError(t, err)
	bal, err = l.Balance(7, "USDT")
	require.NoError(t, err)
	assert.True(t, bal.Available.Equal(num.D("100")))
	assert.True(t, bal.Frozen.IsZero())
}

func TestFreezeInsufficientAvailable(t *testing.T) {
	l := newTestLedger(t, NewMemoryStore(), nil)
	ctx := context.Background()

	_, err := l.Deposit(ctx, 7, "USDT", num.D("10"), "tx-1")
	require.NoError(t, err)
	_, err = l.FreezeForOrder(ctx, 11, 7, "USDT", num.D("40"))
	assert.ErrorIs(t, err, ErrInsufficientBalance)
}

func TestReleaseMoreThanFrozen(t *testing.T) {
	l := newTestLedger(t, NewMemoryStore(), nil)
	ctx := context.Background()

	_, err := l.Deposit(ctx, 7, "USDT", num.D("100"), "tx-1")
	require.NoError(t, err)
	_, err = l.FreezeForOrder(ctx, 11, 7, "USDT", num.D("10"))
	require.NoError(t, err)
	_, err = l.ReleaseForOrder(ctx, 12, 7, "USDT", num.D("40"))
	assert.Error(t, err)
}

// conflictStore injects version conflicts on the first n commits.
type conflictStore struct {
	*MemoryStore
	conflicts int
}

func (c *conflictStore) Commit(balances []BalanceWrite, platforms []PlatformWrite, entries []Entry) error {
	if c.conflicts > 0 {
		c.conflicts--
		return fmt.Errorf("%w: injected", ErrVersionConflict)
	}
	return c.MemoryStore.Commit(balances, platforms, entries)
}

func TestCASRetriesTransientConflicts(t *testing.T) {
	store := &conflictStore{MemoryStore: NewMemoryStore(), conflicts: 2}
	l := newTestLedger(t, store, nil)

	_, err := l.Deposit(context.Background(), 7, "USDT", num.D("100"), "tx-1")
	require.NoError(t, err)

	bal, err := l.Balance(7, "USDT")
	require.NoError(t, err)
	assert.True(t, bal.Available.Equal(num.D("100")))
}

func TestCASGivesUpAfterBoundedRetries(t *testing.T) {
	store := &conflictStore{MemoryStore: NewMemoryStore(), conflicts: 100}
	l := newTestLedger(t, store, nil)

	_, err := l.Deposit(context.Background(), 7, "USDT", num.D("100"), "tx-1")
	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.Equal(t, 100-maxCASRetries, store.conflicts)
}

// failStore fails the first n commits outright, as a crashed or
// unreachable store would.
type failStore struct {
	*MemoryStore
	failures int
}

func (f *failStore) Commit(balances []BalanceWrite, platforms []PlatformWrite, entries []Entry) error {
	if f.failures > 0 {
		f.failures--
		return errors.New("store unavailable")
	}
	return f.MemoryStore.Commit(balances, platforms, entries)
}

func TestSettleTradeFailedDeliveryLeavesNothingApplied(t *testing.T) {
	store := &failStore{MemoryStore: NewMemoryStore(), failures: 1}
	l := newTestLedger(t, store, nil)
	ctx := context.Background()

	_, err := l.SettleTrade(ctx, testTrade())
	require.Error(t, err)

	// The failed delivery must not have touched any leg, or a retry
	// would double-debit the taker.
	taker, err := l.Balance(2, "USDT")
	require.NoError(t, err)
	assert.True(t, taker.Available.IsZero(), "failed settlement left taker at %s", taker.Available)
	maker, err := l.Balance(1, "USDT")
	require.NoError(t, err)
	assert.True(t, maker.Available.IsZero())
	entries, err := store.EntriesByReference("trade:T1")
	require.NoError(t, err)
	assert.Empty(t, entries, "failed settlement left entries behind")

	// Redelivery settles exactly once.
	res, err := l.SettleTrade(ctx, testTrade())
	require.NoError(t, err)
	assert.False(t, res.AlreadyApplied)
	taker, err = l.Balance(2, "USDT")
	require.NoError(t, err)
	assert.True(t, taker.Available.Equal(num.D("-200.1")), "redelivery applied more than once, got %s", taker.Available)
	assert.Equal(t, uint64(1), taker.Version)
	assert.Len(t, store.Entries(), 3)
}

func TestSettleTradeSameAccountBothSides(t *testing.T) {
	store := NewMemoryStore()
	l := newTestLedger(t, store, nil)

	tr := testTrade()
	tr.TakerAccountID = 1 // maker is also account 1
	res, err := l.SettleTrade(context.Background(), tr)
	require.NoError(t, err)
	require.Len(t, res.Entries, 3)

	// Both legs fold into one balance: the account is left paying only
	// the combined fees.
	bal, err := l.Balance(1, "USDT")
	require.NoError(t, err)
	assert.True(t, bal.Available.Equal(num.D("-0.14")), "got %s", bal.Available)
	assert.Equal(t, uint64(1), bal.Version)
}

func TestTransferFailedCommitLeavesNothingApplied(t *testing.T) {
	store := &failStore{MemoryStore: NewMemoryStore(), failures: 1}
	l := newTestLedger(t, store, nil)
	ctx := context.Background()

	_, err := l.Deposit(ctx, 7, "USDT", num.D("100"), "tx-1")
	require.Error(t, err)
	bal, err := l.Balance(7, "USDT")
	require.NoError(t, err)
	assert.True(t, bal.Available.IsZero())
	plat, err := l.PlatformBalance(PlatformUserDeposit, "USDT")
	require.NoError(t, err)
	assert.True(t, plat.Balance.IsZero())

	res, err := l.Deposit(ctx, 7, "USDT", num.D("100"), "tx-1")
	require.NoError(t, err)
	assert.False(t, res.AlreadyApplied)
	bal, err = l.Balance(7, "USDT")
	require.NoError(t, err)
	assert.True(t, bal.Available.Equal(num.D("100")))
}

func TestBalanceEventsPublished(t *testing.T) {
	bus := events.NewBus(16)
	balances := bus.SubscribeBalances()
	l := newTestLedger(t, NewMemoryStore(), bus)

	_, err := l.Deposit(context.Background(), 7, "USDT", num.D("100"), "tx-1")
	require.NoError(t, err)

	select {
	case bc := <-balances:
		assert.Equal(t, int64(7), bc.AccountID)
		assert.Equal(t, "USDT", bc.Asset)
		assert.True(t, bc.Available.Equal(num.D("100")))
		assert.Equal(t, "deposit:tx-1", bc.ReferenceID)
	case <-time.After(time.Second):
		t.Fatal("no balance event published")
	}
}
