package venue

import (
	"context"
	"time"
)

// OrderRequest is what the engine hands the venue when submitting.
type OrderRequest struct {
	OrderID   string
	Symbol    string
	Side      string
	OrderType string
	Quantity  float64
	Price     float64
}

// Order is the venue's view of an order, returned by status queries.
type Order struct {
	VenueOrderID   string
	OrderID        string // engine order reference echoed back, if known
	Symbol         string
	Status         string
	FilledQuantity float64
	AvgFillPrice   float64
	Fills          []FillEvent
}

// FillEvent is an execution notification. VenueFillID is unique per fill and
// is the dedupe key for duplicate delivery.
type FillEvent struct {
	VenueFillID  string
	VenueOrderID string
	OrderID      string
	Symbol       string
	Side         string
	Quantity     float64
	Price        float64
	FilledAt     time.Time
}

// Quote is a last-price tick for a subscribed symbol.
type Quote struct {
	Symbol string
	Price  float64
	At     time.Time
}

// Account identifies a trading account at the venue.
type Account struct {
	AccountID string
	Currency  string
}

// Port is the capability set the engine needs from a venue. Implementations
// own transport and authentication mechanics; the engine depends only on
// this contract.
type Port interface {
	Authenticate(ctx context.Context) error
	GetAccounts(ctx context.Context) ([]Account, error)
	GetCash(ctx context.Context, accountID string) (float64, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (string, error)
	CancelOrder(ctx context.Context, venueOrderID string) (bool, error)
	GetOrders(ctx context.Context, accountID string) ([]Order, error)
	SubscribeFills(cb func(FillEvent)) error
	SubscribeQuotes(symbols []string, cb func(Quote)) error
}
