package ledger

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Platform account codes. Platform balances are the counter-legs that
// keep every movement double-entry balanced.
const (
	PlatformUserDeposit = "USER_DEPOSIT"
	PlatformFeeRevenue  = "FEE_REVENUE"
)

// EntryType classifies a ledger entry.
type EntryType string

const (
	EntryDeposit         EntryType = "DEPOSIT"
	EntryWithdrawal      EntryType = "WITHDRAWAL"
	EntryFreeze          EntryType = "FREEZE"
	EntryReserve         EntryType = "RESERVE"
	EntryRelease         EntryType = "RELEASE"
	EntryTradeSettlement EntryType = "TRADE_SETTLEMENT"
	EntryFee             EntryType = "FEE"
)

var (
	// ErrVersionConflict is returned by stores when a compare-and-swap
	// loses the race. The ledger retries it internally.
	ErrVersionConflict = errors.New("ledger: balance version conflict")

	// ErrRetriesExhausted is surfaced after the bounded CAS retries all
	// fail; it marks a transient condition, not corrupted state.
	ErrRetriesExhausted = errors.New("ledger: optimistic retries exhausted")

	// ErrInsufficientBalance is returned by withdrawal-type operations
	// only; trade settlement never checks solvency.
	ErrInsufficientBalance = errors.New("ledger: insufficient available balance")
)

// Balance is one account's holdings of one asset. Version increments on
// every successful write and guards the optimistic compare-and-swap.
type Balance struct {
	AccountID int64           `json:"accountId"`
	Asset     string          `json:"asset"`
	Available decimal.Decimal `json:"available"`
	Frozen    decimal.Decimal `json:"frozen"`
	Version   uint64          `json:"version"`
}

// Total returns available plus frozen.
func (b Balance) Total() decimal.Decimal {
	return b.Available.Add(b.Frozen)
}

// PlatformBalance is a platform account's holdings of one asset.
type PlatformBalance struct {
	Code    string          `json:"code"`
	Asset   string          `json:"asset"`
	Balance decimal.Decimal `json:"balance"`
	Version uint64          `json:"version"`
}

// Entry is one immutable ledger line. Amount is signed; for every
// reference id the signed amounts across all entries sum to zero.
type Entry struct {
	EntryID      string          `json:"entryId"`
	AccountID    int64           `json:"accountId,omitempty"`
	PlatformCode string          `json:"platformCode,omitempty"`
	Asset        string          `json:"asset"`
	Amount       decimal.Decimal `json:"amount"`
	Type         EntryType       `json:"entryType"`
	ReferenceID  string          `json:"referenceId"`
	BalanceAfter decimal.Decimal `json:"balanceAfter"`
	CreatedAt    time.Time       `json:"createdAt"`
}

// BalanceWrite pairs a new balance with the version it replaces.
type BalanceWrite struct {
	Balance Balance
	Expect  uint64
}

// PlatformWrite pairs a new platform balance with the version it
// replaces.
type PlatformWrite struct {
	Balance PlatformBalance
	Expect  uint64
}

// Store is the ledger's persistence boundary. Commit applies every
// balance write and appends every entry as one atomic unit: each write
// is a compare-and-swap on the stored version (a missing balance has
// version 0), and a conflict on any write fails the whole commit with
// ErrVersionConflict, leaving nothing applied. A half-settled trade
// must never be observable.
type Store interface {
	GetBalance(accountID int64, asset string) (Balance, bool, error)
	GetPlatformBalance(code, asset string) (PlatformBalance, bool, error)

	Commit(balances []BalanceWrite, platforms []PlatformWrite, entries []Entry) error

	// EntriesByReference returns all entries recorded for a reference
	// id, in insertion order. It is the idempotency check: a non-empty
	// result means the reference was already applied.
	EntriesByReference(refID string) ([]Entry, error)
}
