package ledger

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/crossline/crossline/pkg/num"
)

// stage accumulates the balance mutations of one ledger operation so
// they land in a single Store.Commit together with their entries.
// Touching the same account/asset twice folds into one write, so a
// self-trade's maker leg sees the taker leg already applied.
type stage struct {
	l         *Ledger
	balances  map[string]*BalanceWrite
	balOrder  []string
	platforms map[string]*PlatformWrite
	platOrder []string
}

func (l *Ledger) newStage() *stage {
	return &stage{
		l:         l,
		balances:  make(map[string]*BalanceWrite),
		platforms: make(map[string]*PlatformWrite),
	}
}

func (s *stage) balance(accountID int64, asset string) (*BalanceWrite, error) {
	key := fmt.Sprintf("%d:%s", accountID, asset)
	if w, ok := s.balances[key]; ok {
		return w, nil
	}
	bal, err := s.l.Balance(accountID, asset)
	if err != nil {
		return nil, err
	}
	w := &BalanceWrite{Balance: bal, Expect: bal.Version}
	w.Balance.Version++
	s.balances[key] = w
	s.balOrder = append(s.balOrder, key)
	return w, nil
}

func (s *stage) platform(code, asset string) (*PlatformWrite, error) {
	key := code + ":" + asset
	if w, ok := s.platforms[key]; ok {
		return w, nil
	}
	pb, err := s.l.PlatformBalance(code, asset)
	if err != nil {
		return nil, err
	}
	w := &PlatformWrite{Balance: pb, Expect: pb.Version}
	w.Balance.Version++
	s.platforms[key] = w
	s.platOrder = append(s.platOrder, key)
	return w, nil
}

// addAvailable applies a signed delta to an account's available balance
// and returns the staged result.
func (s *stage) addAvailable(accountID int64, asset string, delta decimal.Decimal) (Balance, error) {
	w, err := s.balance(accountID, asset)
	if err != nil {
		return Balance{}, err
	}
	w.Balance.Available = num.Normalize(w.Balance.Available.Add(delta))
	return w.Balance, nil
}

// shiftFrozen moves amount from available into frozen (negative amount
// moves back), validating the source side has enough.
func (s *stage) shiftFrozen(ref string, accountID int64, asset string, amount decimal.Decimal) (Balance, error) {
	w, err := s.balance(accountID, asset)
	if err != nil {
		return Balance{}, err
	}
	if amount.GreaterThan(num.Zero) && w.Balance.Available.LessThan(amount) {
		return Balance{}, fmt.Errorf("%s: %w: have %s, need %s", ref, ErrInsufficientBalance, w.Balance.Available, amount)
	}
	if amount.LessThan(num.Zero) && w.Balance.Frozen.LessThan(amount.Neg()) {
		return Balance{}, fmt.Errorf("%s: cannot release %s, frozen %s", ref, amount.Neg(), w.Balance.Frozen)
	}
	w.Balance.Available = num.Normalize(w.Balance.Available.Sub(amount))
	w.Balance.Frozen = num.Normalize(w.Balance.Frozen.Add(amount))
	return w.Balance, nil
}

func (s *stage) addPlatform(code, asset string, delta decimal.Decimal) (PlatformBalance, error) {
	w, err := s.platform(code, asset)
	if err != nil {
		return PlatformBalance{}, err
	}
	w.Balance.Balance = num.Normalize(w.Balance.Balance.Add(delta))
	return w.Balance, nil
}

// commit hands every staged write plus the entries to the store in one
// atomic call.
func (s *stage) commit(entries []Entry) error {
	balances := make([]BalanceWrite, 0, len(s.balOrder))
	for _, key := range s.balOrder {
		balances = append(balances, *s.balances[key])
	}
	platforms := make([]PlatformWrite, 0, len(s.platOrder))
	for _, key := range s.platOrder {
		platforms = append(platforms, *s.platforms[key])
	}
	return s.l.store.Commit(balances, platforms, entries)
}
