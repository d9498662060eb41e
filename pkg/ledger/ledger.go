// Package ledger is the settlement ledger: it turns trade executions
// into balanced ledger entries and versioned balance mutations, applying
// each trade exactly once no matter how often it is delivered.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/crossline/crossline/pkg/events"
	"github.com/crossline/crossline/pkg/instrument"
	"github.com/crossline/crossline/pkg/num"
	"github.com/crossline/crossline/pkg/order"
)

// maxCASRetries bounds the optimistic-lock retry loop on balance writes.
const maxCASRetries = 3

// SettlementResult is returned by SettleTrade. AlreadyApplied marks a
// duplicate delivery: the entries are the ones written the first time.
type SettlementResult struct {
	TradeID        string
	Entries        []Entry
	AlreadyApplied bool
}

// TransferResult is returned by deposits, withdrawals, freezes and
// releases.
type TransferResult struct {
	ReferenceID    string
	Entries        []Entry
	AlreadyApplied bool
}

// Ledger applies monetary effects. It never re-validates solvency for
// trades: upstream risk checks guarantee it, and this component only
// records movements.
type Ledger struct {
	store Store
	reg   *instrument.Registry
	bus   *events.Bus
	log   *zap.Logger

	newEntryID func() string
	now        func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithEntryIDs overrides entry id generation.
func WithEntryIDs(fn func() string) Option {
	return func(l *Ledger) { l.newEntryID = fn }
}

func New(store Store, reg *instrument.Registry, bus *events.Bus, log *zap.Logger, opts ...Option) *Ledger {
	l := &Ledger{
		store:      store,
		reg:        reg,
		bus:        bus,
		log:        log,
		newEntryID: func() string { return uuid.NewString() },
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Balance returns the current balance for an account/asset, zero if
// never touched.
func (l *Ledger) Balance(accountID int64, asset string) (Balance, error) {
	b, ok, err := l.store.GetBalance(accountID, asset)
	if err != nil {
		return Balance{}, err
	}
	if !ok {
		return Balance{AccountID: accountID, Asset: asset, Available: num.Zero, Frozen: num.Zero}, nil
	}
	return b, nil
}

// PlatformBalance returns a platform account's balance for an asset.
func (l *Ledger) PlatformBalance(code, asset string) (PlatformBalance, error) {
	pb, ok, err := l.store.GetPlatformBalance(code, asset)
	if err != nil {
		return PlatformBalance{}, err
	}
	if !ok {
		return PlatformBalance{Code: code, Asset: asset, Balance: num.Zero}, nil
	}
	return pb, nil
}

// SettleTrade applies one trade execution: the taker's quote leg, the
// maker's quote leg and the platform fee leg, all summing to zero.
// Idempotent by trade id; a replay returns the original result.
func (l *Ledger) SettleTrade(ctx context.Context, t events.TradeExecution) (SettlementResult, error) {
	ref := "trade:" + t.TradeID

	prior, err := l.store.EntriesByReference(ref)
	if err != nil {
		return SettlementResult{}, fmt.Errorf("settle %s: idempotency check: %w", t.TradeID, err)
	}
	if len(prior) > 0 {
		return SettlementResult{TradeID: t.TradeID, Entries: prior, AlreadyApplied: true}, nil
	}

	in, ok := l.reg.Get(t.InstrumentID)
	if !ok {
		return SettlementResult{}, fmt.Errorf("settle %s: unknown instrument %d", t.TradeID, t.InstrumentID)
	}

	value := num.Normalize(t.Notional())
	makerFee := in.MakerFee(value)
	takerFee := in.TakerFee(value)

	// The buyer pays quote, the seller receives quote; fees always come
	// out of the receivable / on top of the payable, so legs net to zero
	// against the platform fee account.
	var takerAmt, makerAmt decimal.Decimal
	if t.TakerSide == order.Buy {
		takerAmt = value.Neg().Sub(takerFee)
		makerAmt = value.Sub(makerFee)
	} else {
		takerAmt = value.Sub(takerFee)
		makerAmt = value.Neg().Sub(makerFee)
	}
	feeAmt := makerFee.Add(takerFee)

	// All legs and entries go through one atomic commit: a failure at
	// any point leaves nothing applied, so the idempotency check above
	// stays truthful and a redelivery settles cleanly.
	var entries []Entry
	var takerBal, makerBal Balance
	err = l.retryCAS(func() error {
		st := l.newStage()
		takerBal, err = st.addAvailable(t.TakerAccountID, t.QuoteAsset, takerAmt)
		if err != nil {
			return err
		}
		makerBal, err = st.addAvailable(t.MakerAccountID, t.QuoteAsset, makerAmt)
		if err != nil {
			return err
		}

		now := l.now()
		entries = []Entry{
			{
				EntryID:      l.newEntryID(),
				AccountID:    t.TakerAccountID,
				Asset:        t.QuoteAsset,
				Amount:       takerAmt,
				Type:         EntryTradeSettlement,
				ReferenceID:  ref,
				BalanceAfter: takerBal.Available,
				CreatedAt:    now,
			},
			{
				EntryID:      l.newEntryID(),
				AccountID:    t.MakerAccountID,
				Asset:        t.QuoteAsset,
				Amount:       makerAmt,
				Type:         EntryTradeSettlement,
				ReferenceID:  ref,
				BalanceAfter: makerBal.Available,
				CreatedAt:    now,
			},
		}
		if feeAmt.GreaterThan(num.Zero) {
			feeBal, err := st.addPlatform(PlatformFeeRevenue, t.QuoteAsset, feeAmt)
			if err != nil {
				return err
			}
			entries = append(entries, Entry{
				EntryID:      l.newEntryID(),
				PlatformCode: PlatformFeeRevenue,
				Asset:        t.QuoteAsset,
				Amount:       feeAmt,
				Type:         EntryFee,
				ReferenceID:  ref,
				BalanceAfter: feeBal.Balance,
				CreatedAt:    now,
			})
		}
		return st.commit(entries)
	})
	if err != nil {
		return SettlementResult{}, fmt.Errorf("settle %s: %w", t.TradeID, err)
	}
	l.publishBalances(entries, takerBal, makerBal)

	l.log.Info("trade settled",
		zap.String("tradeId", t.TradeID),
		zap.Int64("instrumentId", t.InstrumentID),
		zap.String("value", value.String()),
		zap.String("fees", feeAmt.String()))

	return SettlementResult{TradeID: t.TradeID, Entries: entries}, nil
}

// Deposit credits an account from an external transfer. Idempotent by
// transfer id.
func (l *Ledger) Deposit(ctx context.Context, accountID int64, asset string, amount decimal.Decimal, txID string) (TransferResult, error) {
	if amount.LessThanOrEqual(num.Zero) {
		return TransferResult{}, fmt.Errorf("deposit %s: amount must be positive, got %s", txID, amount)
	}
	ref := "deposit:" + txID
	return l.transfer(ref, accountID, asset, amount, EntryDeposit)
}

// Withdraw debits an account for an external transfer. This is the one
// place insufficient balance is a caller-visible error. Idempotent by
// transfer id.
func (l *Ledger) Withdraw(ctx context.Context, accountID int64, asset string, amount decimal.Decimal, txID string) (TransferResult, error) {
	if amount.LessThanOrEqual(num.Zero) {
		return TransferResult{}, fmt.Errorf("withdraw %s: amount must be positive, got %s", txID, amount)
	}
	bal, err := l.Balance(accountID, asset)
	if err != nil {
		return TransferResult{}, err
	}
	ref := "withdraw:" + txID
	if prior, err := l.store.EntriesByReference(ref); err != nil {
		return TransferResult{}, err
	} else if len(prior) > 0 {
		return TransferResult{ReferenceID: ref, Entries: prior, AlreadyApplied: true}, nil
	}
	if bal.Available.LessThan(amount) {
		return TransferResult{}, fmt.Errorf("withdraw %s: %w: have %s, need %s", txID, ErrInsufficientBalance, bal.Available, amount)
	}
	return l.transfer(ref, accountID, asset, amount.Neg(), EntryWithdrawal)
}

// transfer writes a user leg and the opposing USER_DEPOSIT platform leg.
func (l *Ledger) transfer(ref string, accountID int64, asset string, amount decimal.Decimal, typ EntryType) (TransferResult, error) {
	if prior, err := l.store.EntriesByReference(ref); err != nil {
		return TransferResult{}, err
	} else if len(prior) > 0 {
		return TransferResult{ReferenceID: ref, Entries: prior, AlreadyApplied: true}, nil
	}

	var entries []Entry
	var userBal Balance
	err := l.retryCAS(func() error {
		st := l.newStage()
		var err error
		userBal, err = st.addAvailable(accountID, asset, amount)
		if err != nil {
			return err
		}
		platBal, err := st.addPlatform(PlatformUserDeposit, asset, amount.Neg())
		if err != nil {
			return err
		}

		now := l.now()
		entries = []Entry{
			{
				EntryID:      l.newEntryID(),
				AccountID:    accountID,
				Asset:        asset,
				Amount:       amount,
				Type:         typ,
				ReferenceID:  ref,
				BalanceAfter: userBal.Available,
				CreatedAt:    now,
			},
			{
				EntryID:      l.newEntryID(),
				PlatformCode: PlatformUserDeposit,
				Asset:        asset,
				Amount:       amount.Neg(),
				Type:         typ,
				ReferenceID:  ref,
				BalanceAfter: platBal.Balance,
				CreatedAt:    now,
			},
		}
		return st.commit(entries)
	})
	if err != nil {
		return TransferResult{}, fmt.Errorf("%s: %w", ref, err)
	}
	l.publishBalances(entries, userBal)
	return TransferResult{ReferenceID: ref, Entries: entries}, nil
}

// FreezeForOrder moves margin from available to frozen for a pending
// order. Idempotent by order id.
func (l *Ledger) FreezeForOrder(ctx context.Context, orderID, accountID int64, asset string, amount decimal.Decimal) (TransferResult, error) {
	if amount.LessThanOrEqual(num.Zero) {
		return TransferResult{}, fmt.Errorf("freeze for order %d: amount must be positive, got %s", orderID, amount)
	}
	ref := fmt.Sprintf("freeze:%d", orderID)
	return l.moveFrozen(ref, accountID, asset, amount, EntryFreeze, EntryReserve)
}

// ReleaseForOrder returns frozen margin to available when an order is
// cancelled or its position closed. Idempotent by order id.
func (l *Ledger) ReleaseForOrder(ctx context.Context, orderID, accountID int64, asset string, amount decimal.Decimal) (TransferResult, error) {
	if amount.LessThanOrEqual(num.Zero) {
		return TransferResult{}, fmt.Errorf("release for order %d: amount must be positive, got %s", orderID, amount)
	}
	ref := fmt.Sprintf("release:%d", orderID)
	return l.moveFrozen(ref, accountID, asset, amount.Neg(), EntryRelease, EntryRelease)
}

// moveFrozen shifts amount from available into frozen (negative amount
// shifts back). The two entries net to zero for the reference.
func (l *Ledger) moveFrozen(ref string, accountID int64, asset string, amount decimal.Decimal, outType, inType EntryType) (TransferResult, error) {
	if prior, err := l.store.EntriesByReference(ref); err != nil {
		return TransferResult{}, err
	} else if len(prior) > 0 {
		return TransferResult{ReferenceID: ref, Entries: prior, AlreadyApplied: true}, nil
	}

	var entries []Entry
	var updated Balance
	err := l.retryCAS(func() error {
		st := l.newStage()
		var err error
		updated, err = st.shiftFrozen(ref, accountID, asset, amount)
		if err != nil {
			return err
		}

		now := l.now()
		entries = []Entry{
			{
				EntryID:      l.newEntryID(),
				AccountID:    accountID,
				Asset:        asset,
				Amount:       amount.Neg(),
				Type:         outType,
				ReferenceID:  ref,
				BalanceAfter: updated.Available,
				CreatedAt:    now,
			},
			{
				EntryID:      l.newEntryID(),
				AccountID:    accountID,
				Asset:        asset,
				Amount:       amount,
				Type:         inType,
				ReferenceID:  ref,
				BalanceAfter: updated.Frozen,
				CreatedAt:    now,
			},
		}
		return st.commit(entries)
	})
	if err != nil {
		return TransferResult{}, err
	}
	l.publishBalances(entries, updated)
	return TransferResult{ReferenceID: ref, Entries: entries}, nil
}

// retryCAS runs fn up to maxCASRetries times, retrying only on version
// conflicts. Conflicts are invisible to callers unless all attempts
// lose.
func (l *Ledger) retryCAS(fn func() error) error {
	var err error
	for attempt := 0; attempt < maxCASRetries; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return err
		}
	}
	return fmt.Errorf("%w: %v", ErrRetriesExhausted, err)
}

// publishBalances emits a BalanceChanged per user balance touched.
func (l *Ledger) publishBalances(entries []Entry, balances ...Balance) {
	if l.bus == nil {
		return
	}
	now := l.now()
	for _, bal := range balances {
		var entryID, refID string
		for _, e := range entries {
			if e.AccountID == bal.AccountID && e.PlatformCode == "" {
				entryID, refID = e.EntryID, e.ReferenceID
				break
			}
		}
		l.bus.PublishBalance(events.BalanceChanged{
			AccountID:   bal.AccountID,
			Asset:       bal.Asset,
			Available:   bal.Available,
			Frozen:      bal.Frozen,
			Version:     bal.Version,
			EntryID:     entryID,
			ReferenceID: refID,
			OccurredAt:  now,
		})
	}
}
