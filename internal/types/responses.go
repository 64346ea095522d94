package types

import "time"

// OrderRequest is the caller-facing shape for creating an order.
type OrderRequest struct {
	IdempotencyKey string  `json:"-"`
	ClientID       string  `json:"client_id"`
	Symbol         string  `json:"symbol" binding:"required"`
	Side           string  `json:"side" binding:"required"`
	OrderType      string  `json:"order_type" binding:"required"`
	Quantity       float64 `json:"quantity" binding:"required,gt=0"`
	Price          float64 `json:"price"`
}

// SystemStatusResponse reports the session state and why trading is
// disabled, if it is.
type SystemStatusResponse struct {
	State           string     `json:"state"`
	TradingEnabled  bool       `json:"trading_enabled"`
	Reason          string     `json:"reason,omitempty"`
	OpenedAt        *time.Time `json:"opened_at,omitempty"`
	LastRecoveryAt  *time.Time `json:"last_recovery_at,omitempty"`
	RecoveryOutcome string     `json:"recovery_outcome,omitempty"`
}

// SettlementResponse is the caller-facing view of a daily settlement.
type SettlementResponse struct {
	SettlementID  string    `json:"settlement_id"`
	TradeDate     string    `json:"trade_date"`
	RealizedPnL   float64   `json:"realized_pnl"`
	UnrealizedPnL float64   `json:"unrealized_pnl"`
	TotalPnL      float64   `json:"total_pnl"`
	CreatedAt     time.Time `json:"created_at"`
}
