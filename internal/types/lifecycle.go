package types

import (
	"time"

	"gorm.io/gorm"
)

// Session lifecycle states. STOPPED is reachable from INITIALIZING, READY
// and TRADING on unrecoverable failure and only leaves via an explicit
// operator reset.
const (
	SessionOffline      = "OFFLINE"
	SessionInitializing = "INITIALIZING"
	SessionReady        = "READY"
	SessionTrading      = "TRADING"
	SessionClosing      = "CLOSING"
	SessionClosed       = "CLOSED"
	SessionStopped      = "STOPPED"
)

// Recovery outcomes
const (
	RecoverySuccess = "SUCCESS"
	RecoveryPartial = "PARTIAL"
	RecoveryFailed  = "FAILED"
)

// SystemState records the trading session lifecycle. Exactly one row has
// Current set; the lifecycle controller is the only writer.
type SystemState struct {
	gorm.Model      `json:"-"`
	State           string     `gorm:"index" json:"state"`
	Current         bool       `gorm:"index" json:"current"`
	Reason          string     `json:"reason,omitempty"` // why the state was entered, set for STOPPED
	OpenedAt        *time.Time `json:"opened_at,omitempty"`
	ClosedAt        *time.Time `json:"closed_at,omitempty"`
	LastRecoveryAt  *time.Time `json:"last_recovery_at,omitempty"`
	RecoveryOutcome string     `json:"recovery_outcome,omitempty"` // SUCCESS, PARTIAL, FAILED
	RecoveryDetail  string     `json:"recovery_detail,omitempty"`  // JSON mismatch summary
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// DailySettlement is the end-of-session P&L summary, one row per trade date.
type DailySettlement struct {
	gorm.Model        `json:"-"`
	SettlementID      string    `gorm:"uniqueIndex" json:"settlement_id"`
	TradeDate         string    `gorm:"uniqueIndex" json:"trade_date"` // YYYY-MM-DD
	RealizedPnL       float64   `json:"realized_pnl"`
	UnrealizedPnL     float64   `json:"unrealized_pnl"`
	TotalPnL          float64   `json:"total_pnl"`
	PositionsSnapshot string    `json:"positions_snapshot"` // JSON array of positions at close
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}
