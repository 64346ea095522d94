package recovery

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
	"github.com/ksred/trading-core/internal/risk"
	"github.com/ksred/trading-core/internal/types"
	"github.com/ksred/trading-core/internal/venue"
)

func newTestRecovery(t *testing.T) (*Service, *orders.Service, *venue.Scripted, *gorm.DB) {
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
	recoveryService := NewService(orderService, positionService, scripted, sink)
	return recoveryService, orderService, scripted, db
}

func sendOrder(t *testing.T, svc *orders.Service, key string, qty, price float64) *types.Order {
	t.Helper()
	order, err := svc.CreateOrder(types.OrderRequest{
		IdempotencyKey: key,
		Symbol:         "BTC-USD",
		Side:           types.SideBuy,
		OrderType:      types.OrderTypeLimit,
		Quantity:       qty,
		Price:          price,
	})
	require.NoError(t, err)
	order, err = svc.SendOrder(context.Background(), order.OrderID)
	require.NoError(t, err)
	return order
}

func venueView(order *types.Order, status string, fills ...venue.FillEvent) venue.Order {
	return venue.Order{
		VenueOrderID: order.VenueOrderID,
		OrderID:      order.OrderID,
		Symbol:       order.Symbol,
		Status:       status,
		Fills:        fills,
	}
}

func TestRecoveryCleanState(t *testing.T) {
	recoveryService, orderService, scripted, _ := newTestRecovery(t)

	first := sendOrder(t, orderService, "rec-clean-1", 10, 50000)
	second := sendOrder(t, orderService, "rec-clean-2", 5, 51000)
	scripted.Orders = []venue.Order{
		venueView(first, types.StatusSent),
		venueView(second, types.StatusSent),
	}

	result := recoveryService.Run(context.Background())

	assert.Equal(t, types.RecoverySuccess, result.Outcome)
	assert.Empty(t, result.Mismatches)
	assert.NoError(t, result.Err)
}

func TestRecoveryAdoptsVenueState(t *testing.T) {
	recoveryService, orderService, scripted, _ := newTestRecovery(t)

	// Five live orders; the venue reports two of them filled.
	live := make([]*types.Order, 5)
	for i := range live {
		live[i] = sendOrder(t, orderService, fmt.Sprintf("rec-%d", i), 10, 50000)
	}

	views := make([]venue.Order, 0, len(live))
	for i, order := range live {
		if i < 2 {
			views = append(views, venueView(order, types.StatusFilled, venue.FillEvent{
				VenueFillID:  fmt.Sprintf("VF-rec-%d", i),
				VenueOrderID: order.VenueOrderID,
				OrderID:      order.OrderID,
				Symbol:       order.Symbol,
				Side:         order.Side,
				Quantity:     10,
				Price:        50100,
				FilledAt:     time.Now(),
			}))
			continue
		}
		views = append(views, venueView(order, types.StatusSent))
	}
	scripted.Orders = views

	result := recoveryService.Run(context.Background())

	assert.Equal(t, types.RecoveryPartial, result.Outcome)
	assert.Len(t, result.Mismatches, 2)

	for i, order := range live {
		stored, err := orderService.GetOrder(order.OrderID)
		require.NoError(t, err)
		if i < 2 {
			assert.Equal(t, types.StatusFilled, stored.Status)
			assert.InDelta(t, 10, stored.FilledQuantity, 1e-9)
		} else {
			assert.Equal(t, types.StatusSent, stored.Status)
		}
	}
}

func TestRecoveryFailsOrderUnknownToVenue(t *testing.T) {
	recoveryService, orderService, scripted, _ := newTestRecovery(t)

	order := sendOrder(t, orderService, "rec-unknown", 10, 50000)
	scripted.Orders = nil

	result := recoveryService.Run(context.Background())

	assert.Equal(t, types.RecoveryPartial, result.Outcome)
	require.Len(t, result.Mismatches, 1)
	assert.Equal(t, order.OrderID, result.Mismatches[0].OrderID)
	assert.Equal(t, "UNKNOWN", result.Mismatches[0].VenueStatus)

	stored, err := orderService.GetOrder(order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusError, stored.Status)
}

func TestRecoveryVenueQueryFailure(t *testing.T) {
	recoveryService, orderService, scripted, _ := newTestRecovery(t)

	sendOrder(t, orderService, "rec-fail", 10, 50000)
	scripted.OrdersErr = fmt.Errorf("venue unavailable")

	result := recoveryService.Run(context.Background())

	assert.Equal(t, types.RecoveryFailed, result.Outcome)
	var recoveryErr *types.RecoveryError
	require.ErrorAs(t, result.Err, &recoveryErr)
	assert.Equal(t, "venue order query", recoveryErr.Step)
}

func TestRecoveryIsIdempotent(t *testing.T) {
	recoveryService, orderService, scripted, db := newTestRecovery(t)

	order := sendOrder(t, orderService, "rec-idem", 10, 50000)
	scripted.Orders = []venue.Order{
		venueView(order, types.StatusFilled, venue.FillEvent{
			VenueFillID:  "VF-idem-1",
			VenueOrderID: order.VenueOrderID,
			OrderID:      order.OrderID,
			Symbol:       order.Symbol,
			Side:         order.Side,
			Quantity:     10,
			Price:        50000,
			FilledAt:     time.Now(),
		}),
	}

	first := recoveryService.Run(context.Background())
	assert.Equal(t, types.RecoveryPartial, first.Outcome)

	// The order is now terminal and no longer open, so a second pass has
	// nothing to reconcile.
	second := recoveryService.Run(context.Background())
	assert.Equal(t, types.RecoverySuccess, second.Outcome)

	var count int64
	require.NoError(t, db.Model(&types.Fill{}).Where("order_id = ?", order.OrderID).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}
