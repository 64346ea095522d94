package venue

import (
	"context"
	"fmt"
	"sync"
)

// Scripted is a deterministic venue double that replays configured
// responses. Zero-value fields behave as success; set an error field to make
// the corresponding call fail.
type Scripted struct {
	mu sync.Mutex

	AuthenticateErr error
	CashErr         error
	CashBalance     float64
	PlaceErr        error
	CancelErr       error
	CancelResult    bool
	OrdersErr       error
	Orders          []Order // response to GetOrders

	PlaceCalls  int
	CancelCalls int
	OrderCalls  int

	Placed   []OrderRequest
	Canceled []string

	fillSubs []func(FillEvent)
	seq      int
}

// NewScripted returns a double that accepts everything.
func NewScripted() *Scripted {
	return &Scripted{CancelResult: true, CashBalance: 1_000_000}
}

func (s *Scripted) Authenticate(ctx context.Context) error { return s.AuthenticateErr }

func (s *Scripted) GetAccounts(ctx context.Context) ([]Account, error) {
	return []Account{{AccountID: "TEST-1", Currency: "USD"}}, nil
}

func (s *Scripted) GetCash(ctx context.Context, accountID string) (float64, error) {
	if s.CashErr != nil {
		return 0, s.CashErr
	}
	return s.CashBalance, nil
}

func (s *Scripted) PlaceOrder(ctx context.Context, req OrderRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.PlaceCalls++
	if s.PlaceErr != nil {
		return "", s.PlaceErr
	}
	s.seq++
	s.Placed = append(s.Placed, req)
	return fmt.Sprintf("SV-%04d", s.seq), nil
}

func (s *Scripted) CancelOrder(ctx context.Context, venueOrderID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CancelCalls++
	if s.CancelErr != nil {
		return false, s.CancelErr
	}
	s.Canceled = append(s.Canceled, venueOrderID)
	return s.CancelResult, nil
}

func (s *Scripted) GetOrders(ctx context.Context, accountID string) ([]Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.OrderCalls++
	if s.OrdersErr != nil {
		return nil, s.OrdersErr
	}
	return s.Orders, nil
}

func (s *Scripted) SubscribeFills(cb func(FillEvent)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fillSubs = append(s.fillSubs, cb)
	return nil
}

func (s *Scripted) SubscribeQuotes(symbols []string, cb func(Quote)) error { return nil }

// PushFill delivers a fill event to subscribers, as the real venue would.
func (s *Scripted) PushFill(event FillEvent) {
	s.mu.Lock()
	subs := append([]func(FillEvent){}, s.fillSubs...)
	s.mu.Unlock()
	for _, cb := range subs {
		cb(event)
	}
}
