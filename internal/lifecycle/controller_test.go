package lifecycle

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/ksred/trading-core/internal/database"
	"github.com/ksred/trading-core/internal/events"
	"github.com/ksred/trading-core/internal/orders"
	"github.com/ksred/trading-core/internal/positions"
	"github.com/ksred/trading-core/internal/recovery"
	"github.com/ksred/trading-core/internal/risk"
	"github.com/ksred/trading-core/internal/types"
	"github.com/ksred/trading-core/internal/venue"
)

type fixture struct {
	controller *Controller
	orders     *orders.Service
	positions  *positions.Service
	scripted   *venue.Scripted
	db         *gorm.DB
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := database.NewDatabase(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.New().String()))
	require.NoError(t, err)

	scripted := venue.NewScripted()
	sink := events.NewSink()
	positionService := positions.NewService(db, positions.DefaultConfig())
	gate := risk.NewGate(positionService, risk.Config{
		MaxSymbolExposure: 100_000_000,
		MaxOpenPositions:  100,
		MaxDailyLoss:      100_000_000,
	})
	orderService := orders.NewService(db, scripted, positionService, gate, sink)
	recoveryService := recovery.NewService(orderService, positionService, scripted, sink)

	controller := NewController(db, orderService, positionService, recoveryService, gate, scripted, sink, Config{
		Symbols:                 []string{"BTC-USD", "ETH-USD"},
		CancelOpenOrdersOnClose: true,
	})

	return &fixture{
		controller: controller,
		orders:     orderService,
		positions:  positionService,
		scripted:   scripted,
		db:         db,
	}
}

func (f *fixture) state(t *testing.T) string {
	t.Helper()
	state, _, err := f.controller.State()
	require.NoError(t, err)
	return state
}

func (f *fixture) seedFill(t *testing.T, symbol, side string, qty, price float64, at time.Time) {
	t.Helper()
	require.NoError(t, f.db.Create(&types.Fill{
		FillID:   uuid.New().String(),
		OrderID:  uuid.New().String(),
		Symbol:   symbol,
		Side:     side,
		Quantity: qty,
		Price:    price,
		FilledAt: at,
	}).Error)
}

func TestSessionOpenToTrading(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assert.Equal(t, types.SessionOffline, f.state(t))

	require.NoError(t, f.controller.OpenSession(ctx))
	assert.Equal(t, types.SessionReady, f.state(t))

	_, row, err := f.controller.State()
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, types.RecoverySuccess, row.RecoveryOutcome)
	assert.NotNil(t, row.OpenedAt)

	require.NoError(t, f.controller.StartTrading())
	assert.Equal(t, types.SessionTrading, f.state(t))

	status, err := f.controller.Status()
	require.NoError(t, err)
	assert.True(t, status.TradingEnabled)
}

func TestStartTradingRequiresReady(t *testing.T) {
	f := newFixture(t)
	assert.Error(t, f.controller.StartTrading())
	assert.Equal(t, types.SessionOffline, f.state(t))
}

func TestOpenSessionStopsOnAuthFailure(t *testing.T) {
	f := newFixture(t)
	f.scripted.AuthenticateErr = fmt.Errorf("connection refused")

	err := f.controller.OpenSession(context.Background())
	require.Error(t, err)
	assert.Equal(t, types.SessionStopped, f.state(t))

	status, statusErr := f.controller.Status()
	require.NoError(t, statusErr)
	assert.False(t, status.TradingEnabled)
	assert.Contains(t, status.Reason, "authentication failed")
}

func TestStoppedRequiresOperatorReset(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.Error(t, f.controller.Stop("manual halt"))
	assert.Equal(t, types.SessionStopped, f.state(t))

	// Opening again without a reset is refused.
	assert.ErrorIs(t, f.controller.OpenSession(ctx), types.ErrTradingStopped)

	require.NoError(t, f.controller.Reset())
	assert.Equal(t, types.SessionOffline, f.state(t))

	require.NoError(t, f.controller.OpenSession(ctx))
	assert.Equal(t, types.SessionReady, f.state(t))
}

func TestOpenSessionStopsOnRecoveryFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Leave a live order behind, then break the venue's order query so the
	// next open cannot reconcile.
	require.NoError(t, f.controller.OpenSession(ctx))
	require.NoError(t, f.controller.StartTrading())

	order, err := f.orders.CreateOrder(types.OrderRequest{
		IdempotencyKey: "lc-rec-1",
		Symbol:         "BTC-USD",
		Side:           types.SideBuy,
		OrderType:      types.OrderTypeLimit,
		Quantity:       1,
		Price:          50000,
	})
	require.NoError(t, err)
	_, err = f.orders.SendOrder(ctx, order.OrderID)
	require.NoError(t, err)

	f.controller.cfg.CancelOpenOrdersOnClose = false
	_, err = f.controller.CloseSession(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.SessionClosed, f.state(t))

	f.scripted.OrdersErr = fmt.Errorf("venue unavailable")
	err = f.controller.OpenSession(ctx)
	require.Error(t, err)
	assert.Equal(t, types.SessionStopped, f.state(t))

	_, row, stateErr := f.controller.State()
	require.NoError(t, stateErr)
	assert.Equal(t, types.RecoveryFailed, row.RecoveryOutcome)
}

func TestCloseSessionCancelsOpenOrders(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.controller.OpenSession(ctx))
	require.NoError(t, f.controller.StartTrading())

	order, err := f.orders.CreateOrder(types.OrderRequest{
		IdempotencyKey: "lc-close-1",
		Symbol:         "BTC-USD",
		Side:           types.SideBuy,
		OrderType:      types.OrderTypeLimit,
		Quantity:       2,
		Price:          50000,
	})
	require.NoError(t, err)
	order, err = f.orders.SendOrder(ctx, order.OrderID)
	require.NoError(t, err)

	_, err = f.controller.CloseSession(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.SessionClosed, f.state(t))

	stored, err := f.orders.GetOrder(order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCanceled, stored.Status)
	assert.Contains(t, f.scripted.Canceled, order.VenueOrderID)
}

func TestCloseSessionComputesSettlement(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.controller.OpenSession(ctx))
	require.NoError(t, f.controller.StartTrading())

	now := time.Now()
	// Bought 10 yesterday at 50,000; sold 4 today at 52,000. Realized today
	// is 8,000; the remaining 6 mark at the last trade for 12,000 unrealized.
	f.seedFill(t, "BTC-USD", types.SideBuy, 10, 50000, now.Add(-24*time.Hour))
	f.seedFill(t, "BTC-USD", types.SideSell, 4, 52000, now)
	require.NoError(t, f.positions.Recompute("BTC-USD"))

	settlement, err := f.controller.CloseSession(ctx)
	require.NoError(t, err)

	assert.Equal(t, now.Format("2006-01-02"), settlement.TradeDate)
	assert.InDelta(t, 8000, settlement.RealizedPnL, 1e-6)
	assert.InDelta(t, 12000, settlement.UnrealizedPnL, 1e-6)
	assert.InDelta(t, 20000, settlement.TotalPnL, 1e-6)
	assert.NotEmpty(t, settlement.PositionsSnapshot)

	stored, err := f.controller.SettlementFor(settlement.TradeDate)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.InDelta(t, settlement.TotalPnL, stored.TotalPnL, 1e-9)
}

func TestCloseSessionRequiresActiveSession(t *testing.T) {
	f := newFixture(t)
	_, err := f.controller.CloseSession(context.Background())
	assert.Error(t, err)
}

func TestConcurrentTransitionRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	release := make(chan struct{})
	entered := make(chan struct{})
	f.controller.Subscribe = func(symbols []string) (func(), error) {
		close(entered)
		<-release
		return func() {}, nil
	}

	done := make(chan error, 1)
	go func() { done <- f.controller.OpenSession(ctx) }()

	<-entered
	assert.ErrorIs(t, f.controller.StartTrading(), types.ErrTransitionInProgress)
	close(release)

	require.NoError(t, <-done)
	assert.Equal(t, types.SessionReady, f.state(t))
	require.NoError(t, f.controller.StartTrading())
}

func TestReopenAfterClose(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.controller.OpenSession(ctx))
	require.NoError(t, f.controller.StartTrading())
	_, err := f.controller.CloseSession(ctx)
	require.NoError(t, err)

	require.NoError(t, f.controller.OpenSession(ctx))
	assert.Equal(t, types.SessionReady, f.state(t))
}
