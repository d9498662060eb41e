// Package risk declares the pre-trade check the engine consults before a
// command reaches matching. The real check (margin, solvency, limits)
// lives in an external risk service; the engine only needs the verdict.
package risk

import (
	"context"
	"sync"

	"github.com/crossline/crossline/pkg/order"
)

// PreChecker validates an account's right to trade an instrument. A
// false verdict rejects the command before any book mutation.
type PreChecker interface {
	Validate(ctx context.Context, accountID, instrumentID int64, orderType order.Type) bool
}

// AllowAll approves everything. Devnet default.
type AllowAll struct{}

func (AllowAll) Validate(context.Context, int64, int64, order.Type) bool { return true }

// SuspensionList rejects suspended accounts and approves everyone else.
// It stands in for the external risk service's account-status check.
type SuspensionList struct {
	mu        sync.RWMutex
	suspended map[int64]struct{}
}

func NewSuspensionList() *SuspensionList {
	return &SuspensionList{suspended: make(map[int64]struct{})}
}

// Suspend blocks an account from submitting orders.
func (s *SuspensionList) Suspend(accountID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.suspended[accountID] = struct{}{}
}

// Reinstate lifts a suspension.
func (s *SuspensionList) Reinstate(accountID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.suspended, accountID)
}

func (s *SuspensionList) Validate(_ context.Context, accountID, _ int64, _ order.Type) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, banned := s.suspended[accountID]
	return !banned
}
