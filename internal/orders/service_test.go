package orders

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/ksred/trading-core/internal/database"
	"github.com/ksred/trading-core/internal/events"
	"github.com/ksred/trading-core/internal/positions"
	"github.com/ksred/trading-core/internal/risk"
	"github.com/ksred/trading-core/internal/types"
	"github.com/ksred/trading-core/internal/venue"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := database.NewDatabase(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.New().String()))
	require.NoError(t, err)
	return db
}

func newTestService(t *testing.T) (*Service, *venue.Scripted, *gorm.DB) {
	t.Helper()
	db := testDB(t)
	scripted := venue.NewScripted()
	positionService := positions.NewService(db, positions.DefaultConfig())
	gate := risk.NewGate(positionService, risk.Config{
		MaxSymbolExposure: 100_000_000,
		MaxOpenPositions:  100,
		MaxDailyLoss:      100_000_000,
	})
	svc := NewService(db, scripted, positionService, gate, events.NewSink())
	return svc, scripted, db
}

func limitBuy(key, symbol string, qty, price float64) types.OrderRequest {
	return types.OrderRequest{
		IdempotencyKey: key,
		ClientID:       "test-client",
		Symbol:         symbol,
		Side:           types.SideBuy,
		OrderType:      types.OrderTypeLimit,
		Quantity:       qty,
		Price:          price,
	}
}

func sentOrder(t *testing.T, svc *Service, key, symbol string, qty, price float64) *types.Order {
	t.Helper()
	order, err := svc.CreateOrder(limitBuy(key, symbol, qty, price))
	require.NoError(t, err)
	order, err = svc.SendOrder(context.Background(), order.OrderID)
	require.NoError(t, err)
	return order
}

func fillEvent(order *types.Order, qty, price float64) venue.FillEvent {
	return venue.FillEvent{
		VenueFillID:  uuid.New().String(),
		VenueOrderID: order.VenueOrderID,
		OrderID:      order.OrderID,
		Symbol:       order.Symbol,
		Side:         order.Side,
		Quantity:     qty,
		Price:        price,
		FilledAt:     time.Now(),
	}
}

func TestCreateOrderIdempotency(t *testing.T) {
	svc, _, db := newTestService(t)

	first, err := svc.CreateOrder(limitBuy("k1", "BTC-USD", 10, 50000))
	require.NoError(t, err)
	require.Equal(t, types.StatusNew, first.Status)

	second, err := svc.CreateOrder(limitBuy("k1", "BTC-USD", 10, 50000))
	require.ErrorIs(t, err, types.ErrIdempotencyConflict)
	assert.Equal(t, first.OrderID, second.OrderID)

	var count int64
	require.NoError(t, db.Model(&types.Order{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestCreateOrderValidation(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.CreateOrder(types.OrderRequest{
		IdempotencyKey: "bad-1",
		Symbol:         "BTC-USD",
		Side:           types.SideBuy,
		OrderType:      types.OrderTypeLimit,
		Quantity:       10,
		// limit order without a price
	})
	require.Error(t, err)

	_, err = svc.CreateOrder(types.OrderRequest{
		IdempotencyKey: "bad-2",
		Symbol:         "BTC-USD",
		Side:           types.SideBuy,
		OrderType:      types.OrderTypeMarket,
		Quantity:       -1,
	})
	require.Error(t, err)
}

func TestCreateOrderRiskRejected(t *testing.T) {
	db := testDB(t)
	scripted := venue.NewScripted()
	positionService := positions.NewService(db, positions.DefaultConfig())
	gate := risk.NewGate(positionService, risk.Config{
		MaxSymbolExposure: 1_000_000,
		MaxOpenPositions:  10,
		MaxDailyLoss:      1_000_000,
	})
	svc := NewService(db, scripted, positionService, gate, events.NewSink())

	// Existing exposure of 900,000 in the symbol.
	require.NoError(t, db.Create(&types.Position{
		Symbol:   "BTC-USD",
		Quantity: 18,
		AvgCost:  50000,
	}).Error)

	// A new buy of notional 200,000 would breach the 1,000,000 limit.
	order, err := svc.CreateOrder(limitBuy("risk-1", "BTC-USD", 4, 50000))

	var violation *types.RiskViolation
	require.ErrorAs(t, err, &violation)
	assert.Equal(t, risk.LimitSymbolExposure, violation.Limit)

	require.NotNil(t, order)
	assert.Equal(t, types.StatusRejected, order.Status)
	assert.NotEmpty(t, order.RejectReason)

	// The rejected order never reaches the venue, even if submission is
	// attempted.
	_, err = svc.SendOrder(context.Background(), order.OrderID)
	var statusErr *types.OrderStatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, 0, scripted.PlaceCalls)
}

func TestSendOrder(t *testing.T) {
	svc, scripted, _ := newTestService(t)

	order := sentOrder(t, svc, "send-1", "BTC-USD", 10, 50000)

	assert.Equal(t, types.StatusSent, order.Status)
	assert.NotEmpty(t, order.VenueOrderID)
	assert.NotNil(t, order.RequestedAt)
	require.Len(t, scripted.Placed, 1)
	assert.Equal(t, order.OrderID, scripted.Placed[0].OrderID)

	// Sending twice is an invalid transition.
	_, err := svc.SendOrder(context.Background(), order.OrderID)
	var statusErr *types.OrderStatusError
	require.ErrorAs(t, err, &statusErr)
}

func TestSendOrderVenueRejection(t *testing.T) {
	svc, scripted, _ := newTestService(t)
	scripted.PlaceErr = errors.New("insufficient margin")

	order, err := svc.CreateOrder(limitBuy("send-err", "BTC-USD", 10, 50000))
	require.NoError(t, err)

	_, err = svc.SendOrder(context.Background(), order.OrderID)
	var venueErr *types.VenueError
	require.ErrorAs(t, err, &venueErr)
	assert.False(t, venueErr.Retryable)

	stored, err := svc.GetOrder(order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusError, stored.Status)
}

func TestProcessFillPartialThenFilled(t *testing.T) {
	svc, _, _ := newTestService(t)
	order := sentOrder(t, svc, "fill-1", "BTC-USD", 10, 50000)

	require.NoError(t, svc.ProcessFill(fillEvent(order, 6, 50000)))
	stored, err := svc.GetOrder(order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPartial, stored.Status)
	assert.InDelta(t, 6, stored.FilledQuantity, 1e-9)

	require.NoError(t, svc.ProcessFill(fillEvent(order, 4, 51000)))
	stored, err = svc.GetOrder(order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFilled, stored.Status)
	assert.InDelta(t, 10, stored.FilledQuantity, 1e-9)
	// VWAP over 6@50000 and 4@51000
	assert.InDelta(t, 50400, stored.AvgFillPrice, 1e-6)
}

func TestProcessFillUpdatesPosition(t *testing.T) {
	db := testDB(t)
	scripted := venue.NewScripted()
	positionService := positions.NewService(db, positions.DefaultConfig())
	gate := risk.NewGate(positionService, risk.Config{
		MaxSymbolExposure: 100_000_000,
		MaxOpenPositions:  100,
		MaxDailyLoss:      100_000_000,
	})
	svc := NewService(db, scripted, positionService, gate, events.NewSink())

	order := sentOrder(t, svc, "fill-pos", "ETH-USD", 5, 2000)
	require.NoError(t, svc.ProcessFill(fillEvent(order, 5, 2000)))

	position, err := positionService.GetPosition("ETH-USD")
	require.NoError(t, err)
	require.NotNil(t, position)
	assert.InDelta(t, 5, position.Quantity, 1e-9)
	assert.InDelta(t, 2000, position.AvgCost, 1e-9)
}

func TestProcessFillDuplicateDelivery(t *testing.T) {
	svc, _, db := newTestService(t)
	order := sentOrder(t, svc, "dup-1", "BTC-USD", 10, 50000)

	event := fillEvent(order, 6, 50000)
	require.NoError(t, svc.ProcessFill(event))
	require.NoError(t, svc.ProcessFill(event)) // duplicate is a no-op

	stored, err := svc.GetOrder(order.OrderID)
	require.NoError(t, err)
	assert.InDelta(t, 6, stored.FilledQuantity, 1e-9)
	assert.Equal(t, types.StatusPartial, stored.Status)

	var count int64
	require.NoError(t, db.Model(&types.Fill{}).Where("order_id = ?", order.OrderID).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestProcessFillConservation(t *testing.T) {
	svc, _, _ := newTestService(t)
	order := sentOrder(t, svc, "over-1", "BTC-USD", 10, 50000)

	require.NoError(t, svc.ProcessFill(fillEvent(order, 6, 50000)))

	// A second 6 would total 12 against a requested 10.
	err := svc.ProcessFill(fillEvent(order, 6, 50000))
	var conservation *types.FillConservationError
	require.ErrorAs(t, err, &conservation)

	stored, err := svc.GetOrder(order.OrderID)
	require.NoError(t, err)
	assert.InDelta(t, 6, stored.FilledQuantity, 1e-9)
	assert.Equal(t, types.StatusPartial, stored.Status)
}

func TestCancelOrder(t *testing.T) {
	svc, scripted, _ := newTestService(t)
	order := sentOrder(t, svc, "cancel-1", "BTC-USD", 10, 50000)

	canceled, err := svc.CancelOrder(context.Background(), order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCanceled, canceled.Status)
	assert.Contains(t, scripted.Canceled, order.VenueOrderID)
}

func TestCancelAfterFillFails(t *testing.T) {
	svc, _, _ := newTestService(t)
	order := sentOrder(t, svc, "cancel-2", "BTC-USD", 10, 50000)
	require.NoError(t, svc.ProcessFill(fillEvent(order, 10, 50000)))

	_, err := svc.CancelOrder(context.Background(), order.OrderID)
	var statusErr *types.OrderStatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, types.StatusFilled, statusErr.Status)

	stored, err := svc.GetOrder(order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFilled, stored.Status)
}

func TestTerminalOrderRejectsFills(t *testing.T) {
	svc, _, _ := newTestService(t)
	order := sentOrder(t, svc, "term-1", "BTC-USD", 10, 50000)

	_, err := svc.CancelOrder(context.Background(), order.OrderID)
	require.NoError(t, err)

	err = svc.ProcessFill(fillEvent(order, 5, 50000))
	var statusErr *types.OrderStatusError
	require.ErrorAs(t, err, &statusErr)

	stored, err := svc.GetOrder(order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCanceled, stored.Status)
	assert.InDelta(t, 0, stored.FilledQuantity, 1e-9)
}

func TestSyncOrderStatusVenueWins(t *testing.T) {
	svc, scripted, _ := newTestService(t)
	order := sentOrder(t, svc, "sync-1", "BTC-USD", 10, 50000)

	scripted.Orders = []venue.Order{{
		VenueOrderID:   order.VenueOrderID,
		OrderID:        order.OrderID,
		Symbol:         order.Symbol,
		Status:         types.StatusFilled,
		FilledQuantity: 10,
		AvgFillPrice:   50500,
		Fills: []venue.FillEvent{{
			VenueFillID:  "VF-sync-1",
			VenueOrderID: order.VenueOrderID,
			OrderID:      order.OrderID,
			Symbol:       order.Symbol,
			Side:         order.Side,
			Quantity:     10,
			Price:        50500,
			FilledAt:     time.Now(),
		}},
	}}

	changed, err := svc.SyncOrderStatus(context.Background(), order.OrderID)
	require.NoError(t, err)
	assert.True(t, changed)

	stored, err := svc.GetOrder(order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFilled, stored.Status)
	assert.InDelta(t, 10, stored.FilledQuantity, 1e-9)
}

func TestSyncOrderStatusUnknownToVenue(t *testing.T) {
	svc, scripted, _ := newTestService(t)
	order := sentOrder(t, svc, "sync-2", "BTC-USD", 10, 50000)

	scripted.Orders = nil // venue has no record of the order

	changed, err := svc.SyncOrderStatus(context.Background(), order.OrderID)
	require.NoError(t, err)
	assert.True(t, changed)

	stored, err := svc.GetOrder(order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusError, stored.Status)
}
