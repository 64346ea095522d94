package types

import (
	"time"

	"gorm.io/gorm"
)

// Order sides
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// Order kinds
const (
	OrderTypeMarket = "MARKET"
	OrderTypeLimit  = "LIMIT"
)

// Order statuses. Transitions are one-directional:
// NEW -> SENT -> {PARTIAL -> FILLED} | CANCELED | REJECTED | ERROR
const (
	StatusNew      = "NEW"
	StatusSent     = "SENT"
	StatusPartial  = "PARTIAL"
	StatusFilled   = "FILLED"
	StatusCanceled = "CANCELED"
	StatusRejected = "REJECTED"
	StatusError    = "ERROR"
)

// IsTerminalStatus reports whether an order in the given status is immutable.
func IsTerminalStatus(status string) bool {
	switch status {
	case StatusFilled, StatusCanceled, StatusRejected, StatusError:
		return true
	}
	return false
}

// validTransitions encodes the order state machine. A status never re-enters
// an earlier state; terminal statuses have no exits.
var validTransitions = map[string][]string{
	StatusNew:     {StatusSent, StatusCanceled, StatusRejected, StatusError},
	StatusSent:    {StatusPartial, StatusFilled, StatusCanceled, StatusRejected, StatusError},
	StatusPartial: {StatusFilled, StatusCanceled, StatusError},
}

// CanTransition reports whether an order may move from one status to another.
func CanTransition(from, to string) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type Order struct {
	gorm.Model     `json:"-"`
	OrderID        string     `gorm:"uniqueIndex" json:"order_id"`
	VenueOrderID   string     `gorm:"index" json:"venue_order_id,omitempty"` // empty until accepted by the venue
	IdempotencyKey string     `gorm:"uniqueIndex" json:"idempotency_key"`
	ClientID       string     `json:"client_id"`
	Symbol         string     `gorm:"index" json:"symbol"`
	Side           string     `json:"side"`       // BUY or SELL
	OrderType      string     `json:"order_type"` // MARKET or LIMIT
	Quantity       float64    `json:"quantity"`
	Price          float64    `json:"price"` // required for LIMIT, zero for MARKET
	Status         string     `gorm:"index" json:"status"`
	FilledQuantity float64    `json:"filled_quantity"`
	AvgFillPrice   float64    `json:"avg_fill_price"` // volume-weighted, zero until first fill
	RejectReason   string     `json:"reject_reason,omitempty"`
	RequestedAt    *time.Time `json:"requested_at,omitempty"` // when the order went to the venue
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// IsOpen reports whether the order still has exposure at the venue.
func (o *Order) IsOpen() bool {
	return o.Status == StatusSent || o.Status == StatusPartial
}

// Fill is an append-only record of a partial or full execution. Fills are
// never updated or deleted; position state is always recomputed from them.
type Fill struct {
	gorm.Model  `json:"-"`
	FillID      string    `gorm:"uniqueIndex" json:"fill_id"`
	OrderID     string    `gorm:"index" json:"order_id"`
	VenueFillID *string   `gorm:"uniqueIndex" json:"venue_fill_id,omitempty"` // unique when the venue supplies one
	Symbol      string    `gorm:"index" json:"symbol"`
	Side        string    `json:"side"`
	Quantity    float64   `json:"quantity"`
	Price       float64   `json:"price"`
	FilledAt    time.Time `json:"filled_at"`
	CreatedAt   time.Time `json:"created_at"`
}

// Position is the current net holding in a symbol. Quantity and average cost
// are a deterministic function of the symbol's full fill history.
type Position struct {
	gorm.Model `json:"-"`
	Symbol     string    `gorm:"uniqueIndex" json:"symbol"`
	Quantity   float64   `json:"quantity"` // signed, positive = long
	AvgCost    float64   `json:"avg_cost"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type IdempotencyRecord struct {
	gorm.Model
	IdempotencyKey string    `gorm:"uniqueIndex" json:"idempotency_key"`
	ResourceID     string    `json:"resource_id"`
	ResourceType   string    `json:"resource_type"`
	ExpiresAt      time.Time `json:"expires_at"`
}
