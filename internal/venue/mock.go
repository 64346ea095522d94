package venue

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ksred/trading-core/internal/types"
)

// Mock is an in-process venue simulator. It accepts orders, fills them
// asynchronously with configurable latency, liquidity and success rate, and
// pushes fill events to subscribers. Used by the server in simulation mode
// and by cmd/simulation.
type Mock struct {
	MinLatency      int     // milliseconds
	MaxLatency      int
	LiquidityFactor float64 // 0-1, share of quantity filled per slice
	SuccessRate     float64 // 0-1, probability a submission is accepted
	Cash            float64

	mu        sync.Mutex
	orders    map[string]*Order // keyed by venue order ID
	fillSubs  []func(FillEvent)
	quoteSubs []func(Quote)
	lastPrice map[string]float64
	seq       int64
}

// NewMock returns a simulator with forgiving defaults.
func NewMock() *Mock {
	return &Mock{
		MinLatency:      5,
		MaxLatency:      30,
		LiquidityFactor: 0.9,
		SuccessRate:     0.98,
		Cash:            1_000_000,
		orders:          make(map[string]*Order),
		lastPrice:       make(map[string]float64),
	}
}

func (m *Mock) Authenticate(ctx context.Context) error { return nil }

func (m *Mock) GetAccounts(ctx context.Context) ([]Account, error) {
	return []Account{{AccountID: "SIM-1", Currency: "USD"}}, nil
}

func (m *Mock) GetCash(ctx context.Context, accountID string) (float64, error) {
	return m.Cash, nil
}

// PlaceOrder accepts or rejects the order, then fills it asynchronously in
// one or more slices.
func (m *Mock) PlaceOrder(ctx context.Context, req OrderRequest) (string, error) {
	logger := log.With().
		Str("component", "mock_venue").
		Str("order_id", req.OrderID).
		Str("symbol", req.Symbol).
		Logger()

	m.simulateLatency()

	if rand.Float64() > m.SuccessRate {
		logger.Warn().Msg("simulated venue rejection")
		return "", fmt.Errorf("order rejected by venue")
	}

	m.mu.Lock()
	m.seq++
	venueOrderID := fmt.Sprintf("V-%06d", m.seq)
	vo := &Order{
		VenueOrderID: venueOrderID,
		OrderID:      req.OrderID,
		Symbol:       req.Symbol,
		Status:       types.StatusSent,
	}
	m.orders[venueOrderID] = vo
	m.mu.Unlock()

	logger.Info().Str("venue_order_id", venueOrderID).Msg("order accepted by venue")

	go m.fillOrder(vo, req)
	return venueOrderID, nil
}

// fillOrder fills the order in slices sized by the liquidity factor.
func (m *Mock) fillOrder(vo *Order, req OrderRequest) {
	remaining := req.Quantity
	for remaining > 0 {
		m.simulateLatency()

		qty := remaining
		if rand.Float64() > m.LiquidityFactor {
			qty = remaining * m.LiquidityFactor
		}
		if qty <= 0 {
			return
		}

		price := req.Price
		if price == 0 {
			price = m.referencePrice(req.Symbol)
		}
		// +-0.5% slippage around the requested price
		price = price * (1 + (rand.Float64()*0.01 - 0.005))

		m.mu.Lock()
		if vo.Status == types.StatusCanceled {
			m.mu.Unlock()
			return
		}
		m.seq++
		event := FillEvent{
			VenueFillID:  fmt.Sprintf("VF-%06d", m.seq),
			VenueOrderID: vo.VenueOrderID,
			OrderID:      vo.OrderID,
			Symbol:       req.Symbol,
			Side:         req.Side,
			Quantity:     qty,
			Price:        price,
			FilledAt:     time.Now(),
		}
		remaining -= qty
		prevQty := vo.FilledQuantity
		vo.FilledQuantity += qty
		vo.AvgFillPrice = (vo.AvgFillPrice*prevQty + price*qty) / vo.FilledQuantity
		if remaining <= 1e-9 {
			vo.FilledQuantity = req.Quantity
			vo.Status = types.StatusFilled
			remaining = 0
		} else {
			vo.Status = types.StatusPartial
		}
		vo.Fills = append(vo.Fills, event)
		m.lastPrice[req.Symbol] = price
		subs := append([]func(FillEvent){}, m.fillSubs...)
		m.mu.Unlock()

		for _, cb := range subs {
			cb(event)
		}
	}
}

func (m *Mock) CancelOrder(ctx context.Context, venueOrderID string) (bool, error) {
	m.simulateLatency()

	m.mu.Lock()
	defer m.mu.Unlock()

	vo, ok := m.orders[venueOrderID]
	if !ok {
		return false, fmt.Errorf("unknown venue order %s", venueOrderID)
	}
	if vo.Status == types.StatusFilled {
		return false, nil
	}
	vo.Status = types.StatusCanceled
	return true, nil
}

func (m *Mock) GetOrders(ctx context.Context, accountID string) ([]Order, error) {
	m.simulateLatency()

	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Order, 0, len(m.orders))
	for _, vo := range m.orders {
		out = append(out, *vo)
	}
	return out, nil
}

func (m *Mock) SubscribeFills(cb func(FillEvent)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fillSubs = append(m.fillSubs, cb)
	return nil
}

func (m *Mock) SubscribeQuotes(symbols []string, cb func(Quote)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quoteSubs = append(m.quoteSubs, cb)
	return nil
}

func (m *Mock) simulateLatency() {
	if m.MaxLatency <= m.MinLatency {
		return
	}
	latency := rand.Intn(m.MaxLatency-m.MinLatency+1) + m.MinLatency
	time.Sleep(time.Duration(latency) * time.Millisecond)
}

func (m *Mock) referencePrice(symbol string) float64 {
	if p, ok := m.lastPrice[symbol]; ok {
		return p
	}
	return 100
}
