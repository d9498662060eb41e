package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/crossline/crossline/pkg/events"
	"github.com/crossline/crossline/pkg/num"
)

// FrozenForOrder returns the margin currently held for an order: the
// amount frozen at accept, zero once released or never frozen.
func (l *Ledger) FrozenForOrder(orderID int64) (decimal.Decimal, error) {
	released, err := l.store.EntriesByReference(fmt.Sprintf("release:%d", orderID))
	if err != nil {
		return num.Zero, err
	}
	if len(released) > 0 {
		return num.Zero, nil
	}
	frozen, err := l.store.EntriesByReference(fmt.Sprintf("freeze:%d", orderID))
	if err != nil {
		return num.Zero, err
	}
	for _, e := range frozen {
		if e.Type == EntryReserve && e.Amount.GreaterThan(num.Zero) {
			return e.Amount, nil
		}
	}
	return num.Zero, nil
}

// ApplyOrderUpdate maintains margin holds from book updates: a resting
// order freezes remaining*price at accept, and the hold returns to
// available when the order leaves the book. Idempotent per order, so
// redelivered updates are harmless.
func (l *Ledger) ApplyOrderUpdate(ctx context.Context, upd events.OrderBookUpdated) error {
	in, ok := l.reg.Get(upd.InstrumentID)
	if !ok {
		l.log.Warn("order update for unknown instrument, skipping",
			zap.Int64("instrumentId", upd.InstrumentID))
		return nil
	}
	for _, u := range upd.Updates {
		switch u.Status {
		case "ACCEPTED", "PARTIAL_FILLED":
			if u.Remaining.LessThanOrEqual(num.Zero) || u.Price.LessThanOrEqual(num.Zero) {
				continue
			}
			hold := num.Normalize(u.Remaining.Mul(u.Price))
			_, err := l.FreezeForOrder(ctx, u.OrderID, u.AccountID, in.QuoteAsset, hold)
			if errors.Is(err, ErrInsufficientBalance) {
				// Not retryable: the account cannot cover the hold, and
				// retrying the whole batch would starve later updates.
				l.log.Warn("margin freeze skipped, insufficient balance",
					zap.Int64("orderId", u.OrderID),
					zap.Int64("accountId", u.AccountID),
					zap.String("amount", hold.String()))
				continue
			}
			if err != nil {
				return fmt.Errorf("freeze order %d: %w", u.OrderID, err)
			}
		case "FILLED", "CANCELLED", "EXPIRED":
			held, err := l.FrozenForOrder(u.OrderID)
			if err != nil {
				return fmt.Errorf("frozen lookup order %d: %w", u.OrderID, err)
			}
			if held.LessThanOrEqual(num.Zero) {
				continue
			}
			if _, err := l.ReleaseForOrder(ctx, u.OrderID, u.AccountID, in.QuoteAsset, held); err != nil {
				return fmt.Errorf("release order %d: %w", u.OrderID, err)
			}
		}
	}
	return nil
}
