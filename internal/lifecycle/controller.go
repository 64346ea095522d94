package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/ksred/trading-core/internal/events"
	"github.com/ksred/trading-core/internal/orders"
	"github.com/ksred/trading-core/internal/positions"
	"github.com/ksred/trading-core/internal/recovery"
	"github.com/ksred/trading-core/internal/risk"
	"github.com/ksred/trading-core/internal/types"
	"github.com/ksred/trading-core/internal/venue"
)

// venueCallTimeout bounds the venue calls made during transitions.
const venueCallTimeout = 15 * time.Second

// Config controls session behavior.
type Config struct {
	// Symbols is the tradable universe confirmed at session open.
	Symbols []string
	// CancelOpenOrdersOnClose cancels live orders during CloseSession.
	// When false they are left at the venue and reconciled at the next
	// session open.
	CancelOpenOrdersOnClose bool
}

// Controller drives the session state machine. It is the only writer of
// SystemState; a single lifecycle transition runs at a time and concurrent
// calls are rejected, not queued.
type Controller struct {
	db        *Database
	orders    *orders.Service
	positions *positions.Service
	recovery  *recovery.Service
	gate      *risk.Gate
	venue     venue.Port
	sink      *events.Sink
	cfg       Config
	clock     func() time.Time

	// Subscribe sets up fill/quote event delivery at session open and
	// returns the teardown used at close. Wired by the caller; nil skips
	// the step.
	Subscribe func(symbols []string) (func(), error)

	transitioning int32
	teardown      func()
}

func NewController(
	gormDB *gorm.DB,
	orderService *orders.Service,
	positionService *positions.Service,
	recoveryService *recovery.Service,
	gate *risk.Gate,
	venuePort venue.Port,
	sink *events.Sink,
	cfg Config,
) *Controller {
	return &Controller{
		db:        NewDatabase(gormDB),
		orders:    orderService,
		positions: positionService,
		recovery:  recoveryService,
		gate:      gate,
		venue:     venuePort,
		sink:      sink,
		cfg:       cfg,
		clock:     time.Now,
	}
}

// WithClock replaces the controller's clock. Used by tests and the
// simulation.
func (c *Controller) WithClock(now func() time.Time) *Controller {
	c.clock = now
	return c
}

// State returns the current session state, OFFLINE when the system has
// never run.
func (c *Controller) State() (string, *types.SystemState, error) {
	state, err := c.db.GetCurrentState()
	if err != nil {
		return "", nil, err
	}
	if state == nil {
		return types.SessionOffline, nil, nil
	}
	return state.State, state, nil
}

// Status reports the session state and, when trading is disabled, why.
func (c *Controller) Status() (*types.SystemStatusResponse, error) {
	state, row, err := c.State()
	if err != nil {
		return nil, err
	}

	status := &types.SystemStatusResponse{
		State:          state,
		TradingEnabled: state == types.SessionTrading,
	}
	if row != nil {
		status.Reason = row.Reason
		status.OpenedAt = row.OpenedAt
		status.LastRecoveryAt = row.LastRecoveryAt
		status.RecoveryOutcome = row.RecoveryOutcome
	}
	return status, nil
}

func (c *Controller) beginTransition() error {
	if !atomic.CompareAndSwapInt32(&c.transitioning, 0, 1) {
		c.sink.Warn("concurrent lifecycle transition rejected", nil)
		return types.ErrTransitionInProgress
	}
	return nil
}

func (c *Controller) endTransition() {
	atomic.StoreInt32(&c.transitioning, 0)
}

// OpenSession runs the session-open pipeline: connectivity check,
// account/cash check, parameter load, state recovery, risk parameter
// validation, symbol universe confirmation and event subscription setup.
// Any step failure aborts into STOPPED. On success the session is READY.
func (c *Controller) OpenSession(ctx context.Context) error {
	if err := c.beginTransition(); err != nil {
		return err
	}
	defer c.endTransition()

	logger := log.With().Str("component", "lifecycle").Logger()

	state, _, err := c.State()
	if err != nil {
		return err
	}
	switch state {
	case types.SessionOffline, types.SessionClosed:
		// allowed
	case types.SessionStopped:
		return types.ErrTradingStopped
	default:
		return fmt.Errorf("cannot open session from state %s", state)
	}

	now := c.clock()
	if _, err := c.db.TransitionState(types.SessionInitializing, func(s *types.SystemState) {
		s.OpenedAt = &now
		s.ClosedAt = nil
		s.Reason = ""
	}); err != nil {
		return err
	}
	logger.Info().Msg("session initializing")

	// Connectivity and authentication.
	callCtx, cancel := context.WithTimeout(ctx, venueCallTimeout)
	err = c.venue.Authenticate(callCtx)
	cancel()
	if err != nil {
		return c.stop("venue authentication failed: " + err.Error())
	}

	// Account and cash check.
	callCtx, cancel = context.WithTimeout(ctx, venueCallTimeout)
	accounts, err := c.venue.GetAccounts(callCtx)
	cancel()
	if err != nil {
		return c.stop("account query failed: " + err.Error())
	}
	if len(accounts) == 0 {
		return c.stop("no trading accounts available")
	}
	accountID := accounts[0].AccountID

	callCtx, cancel = context.WithTimeout(ctx, venueCallTimeout)
	cash, err := c.venue.GetCash(callCtx, accountID)
	cancel()
	if err != nil {
		return c.stop("cash query failed: " + err.Error())
	}
	if cash <= 0 {
		return c.stop(fmt.Sprintf("no cash available in account %s", accountID))
	}
	c.orders.SetAccountID(accountID)
	c.recovery.SetAccountID(accountID)
	logger.Info().Str("account_id", accountID).Float64("cash", cash).Msg("account check passed")

	// Active parameter load.
	if len(c.cfg.Symbols) == 0 {
		return c.stop("no tradable symbols configured")
	}

	// State recovery. A failed recovery is never ready-to-trade.
	result := c.recovery.Run(ctx)
	detail, _ := json.Marshal(result.Mismatches)
	recoveredAt := result.At
	if _, err := c.db.TransitionState(types.SessionInitializing, func(s *types.SystemState) {
		s.LastRecoveryAt = &recoveredAt
		s.RecoveryOutcome = result.Outcome
		s.RecoveryDetail = string(detail)
	}); err != nil {
		return err
	}
	if result.Outcome == types.RecoveryFailed {
		return c.stop("state recovery failed: " + result.Err.Error())
	}

	// Risk parameter initialization.
	if err := c.gate.Config().Validate(); err != nil {
		return c.stop("risk parameters invalid: " + err.Error())
	}

	// Symbol universe confirmation.
	logger.Info().Strs("symbols", c.cfg.Symbols).Msg("tradable universe confirmed")

	// Market data and fill event subscriptions.
	if c.Subscribe != nil {
		teardown, err := c.Subscribe(c.cfg.Symbols)
		if err != nil {
			return c.stop("subscription setup failed: " + err.Error())
		}
		c.teardown = teardown
	}

	if _, err := c.db.TransitionState(types.SessionReady, nil); err != nil {
		return err
	}

	c.sink.Info("session open", map[string]interface{}{
		"account_id":       accountID,
		"recovery_outcome": result.Outcome,
		"symbols":          c.cfg.Symbols,
	})
	logger.Info().Str("recovery_outcome", result.Outcome).Msg("session ready")
	return nil
}

// StartTrading moves READY to TRADING once event processing is live.
func (c *Controller) StartTrading() error {
	if err := c.beginTransition(); err != nil {
		return err
	}
	defer c.endTransition()

	state, _, err := c.State()
	if err != nil {
		return err
	}
	if state != types.SessionReady {
		return fmt.Errorf("cannot start trading from state %s", state)
	}

	_, err = c.db.TransitionState(types.SessionTrading, nil)
	if err == nil {
		log.Info().Str("component", "lifecycle").Msg("trading started")
	}
	return err
}

// CloseSession winds the session down: open orders are canceled or left per
// policy, positions are snapshotted, the daily settlement is computed and
// persisted, subscriptions are torn down and the session ends CLOSED.
func (c *Controller) CloseSession(ctx context.Context) (*types.DailySettlement, error) {
	if err := c.beginTransition(); err != nil {
		return nil, err
	}
	defer c.endTransition()

	logger := log.With().Str("component", "lifecycle").Logger()

	state, _, err := c.State()
	if err != nil {
		return nil, err
	}
	if state != types.SessionTrading && state != types.SessionReady {
		return nil, fmt.Errorf("cannot close session from state %s", state)
	}

	if _, err := c.db.TransitionState(types.SessionClosing, nil); err != nil {
		return nil, err
	}
	logger.Info().Msg("session closing")

	// Outstanding open orders.
	openOrders, err := c.orders.GetOpenOrders()
	if err != nil {
		return nil, err
	}
	if c.cfg.CancelOpenOrdersOnClose {
		for _, order := range openOrders {
			if _, err := c.orders.CancelOrder(ctx, order.OrderID); err != nil {
				// The order stays live at the venue; next session's
				// recovery accounts for it.
				logger.Warn().
					Str("order_id", order.OrderID).
					Err(err).
					Msg("failed to cancel open order at close")
			}
		}
	} else if len(openOrders) > 0 {
		logger.Info().Int("count", len(openOrders)).Msg("open orders carried to next session")
	}

	settlement, err := c.computeSettlement()
	if err != nil {
		return nil, err
	}
	if err := c.db.UpsertSettlement(settlement); err != nil {
		return nil, err
	}

	if c.teardown != nil {
		c.teardown()
		c.teardown = nil
	}

	closedAt := c.clock()
	if _, err := c.db.TransitionState(types.SessionClosed, func(s *types.SystemState) {
		s.ClosedAt = &closedAt
	}); err != nil {
		return nil, err
	}

	c.sink.Info("session closed", map[string]interface{}{
		"trade_date":     settlement.TradeDate,
		"realized_pnl":   settlement.RealizedPnL,
		"unrealized_pnl": settlement.UnrealizedPnL,
		"total_pnl":      settlement.TotalPnL,
	})
	logger.Info().Str("trade_date", settlement.TradeDate).Float64("total_pnl", settlement.TotalPnL).Msg("session closed")

	return settlement, nil
}

// Stop forces the system into STOPPED. Trading stays disabled until an
// operator resets.
func (c *Controller) Stop(reason string) error {
	return c.stop(reason)
}

func (c *Controller) stop(reason string) error {
	if _, err := c.db.TransitionState(types.SessionStopped, func(s *types.SystemState) {
		s.Reason = reason
	}); err != nil {
		return err
	}

	if c.teardown != nil {
		c.teardown()
		c.teardown = nil
	}

	c.sink.Error("trading stopped", map[string]interface{}{"reason": reason})
	log.Error().Str("component", "lifecycle").Str("reason", reason).Msg("trading stopped")
	return errors.New("trading stopped: " + reason)
}

// Reset is the explicit operator action that leaves STOPPED. The system
// returns to OFFLINE and must run OpenSession again.
func (c *Controller) Reset() error {
	if err := c.beginTransition(); err != nil {
		return err
	}
	defer c.endTransition()

	state, _, err := c.State()
	if err != nil {
		return err
	}
	if state != types.SessionStopped {
		return fmt.Errorf("reset only applies to STOPPED, current state is %s", state)
	}

	_, err = c.db.TransitionState(types.SessionOffline, func(s *types.SystemState) {
		s.Reason = "operator reset"
	})
	if err == nil {
		c.sink.Info("stopped state cleared by operator", nil)
	}
	return err
}

// SettlementFor returns the persisted settlement for a trade date.
func (c *Controller) SettlementFor(tradeDate string) (*types.DailySettlement, error) {
	return c.db.GetSettlementByDate(tradeDate)
}
