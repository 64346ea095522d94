package orders

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/ksred/trading-core/internal/events"
	"github.com/ksred/trading-core/internal/positions"
	"github.com/ksred/trading-core/internal/risk"
	"github.com/ksred/trading-core/internal/types"
	"github.com/ksred/trading-core/internal/venue"
)

// qtyEpsilon absorbs float accumulation noise when comparing quantities.
const qtyEpsilon = 1e-9

// defaultCallTimeout bounds every venue call made by the service.
const defaultCallTimeout = 10 * time.Second

// Service owns the order state machine: creation with idempotency,
// submission, fill ingestion, cancellation and venue status sync. All
// mutating access to a single order is serialized through a per-order lock;
// venue calls are never made while holding a transaction.
type Service struct {
	gormDB      *gorm.DB
	db          *Database
	venue       venue.Port
	positions   *positions.Service
	gate        *risk.Gate
	sink        *events.Sink
	callTimeout time.Duration
	accountID   string

	locks sync.Map // order ID -> *sync.Mutex
}

func NewService(gormDB *gorm.DB, venuePort venue.Port, positionService *positions.Service, gate *risk.Gate, sink *events.Sink) *Service {
	return &Service{
		gormDB:      gormDB,
		db:          NewDatabase(gormDB),
		venue:       venuePort,
		positions:   positionService,
		gate:        gate,
		sink:        sink,
		callTimeout: defaultCallTimeout,
	}
}

// SetAccountID records the venue account used for order status queries.
func (s *Service) SetAccountID(accountID string) {
	s.accountID = accountID
}

func (s *Service) lockFor(orderID string) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(orderID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func (s *Service) venueContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.callTimeout)
}

// CreateOrder persists a new order in status NEW after passing the risk
// gate, all in one transaction with its idempotency record. A repeated
// idempotency key returns the existing order together with
// types.ErrIdempotencyConflict and has no side effects. A risk rejection
// persists the order as REJECTED and returns the violation; the order never
// reaches the venue.
func (s *Service) CreateOrder(req types.OrderRequest) (*types.Order, error) {
	logger := log.With().
		Str("component", "orders").
		Str("idempotency_key", req.IdempotencyKey).
		Str("symbol", req.Symbol).
		Logger()

	if req.IdempotencyKey == "" {
		return nil, errors.New("idempotency key is required")
	}
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	if existing, err := s.existingForKey(req.IdempotencyKey); err != nil {
		return nil, err
	} else if existing != nil {
		logger.Info().Str("order_id", existing.OrderID).Msg("idempotency key seen before, returning existing order")
		return existing, types.ErrIdempotencyConflict
	}

	order := &types.Order{
		OrderID:        uuid.New().String(),
		IdempotencyKey: req.IdempotencyKey,
		ClientID:       req.ClientID,
		Symbol:         req.Symbol,
		Side:           req.Side,
		OrderType:      req.OrderType,
		Quantity:       req.Quantity,
		Price:          req.Price,
		Status:         types.StatusNew,
		CreatedAt:      time.Now(),
		UpdatedAt:      time.Now(),
	}

	var violation *types.RiskViolation
	if err := s.gate.Validate(req); err != nil {
		if !errors.As(err, &violation) {
			return nil, err
		}
		order.Status = types.StatusRejected
		order.RejectReason = violation.Error()
	}

	if err := s.db.CreateOrderWithIdempotency(order, req.IdempotencyKey); err != nil {
		// A concurrent create with the same key may have won the race; the
		// unique index turns that into an error here.
		if existing, lookupErr := s.existingForKey(req.IdempotencyKey); lookupErr == nil && existing != nil {
			return existing, types.ErrIdempotencyConflict
		}
		return nil, fmt.Errorf("failed to persist order: %w", err)
	}

	if violation != nil {
		logger.Warn().
			Str("order_id", order.OrderID).
			Str("limit", violation.Limit).
			Msg("order rejected by risk gate")
		s.sink.Warn("order rejected pre-submission", map[string]interface{}{
			"order_id": order.OrderID,
			"limit":    violation.Limit,
			"reason":   violation.Reason,
		})
		return order, violation
	}

	logger.Info().Str("order_id", order.OrderID).Msg("order created")
	return order, nil
}

func (s *Service) existingForKey(key string) (*types.Order, error) {
	record, err := s.db.GetIdempotencyRecord(key)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, nil
	}
	existing, err := s.db.GetOrder(record.ResourceID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, fmt.Errorf("idempotency record %s points at missing order %s", key, record.ResourceID)
	}
	return existing, nil
}

func validateRequest(req types.OrderRequest) error {
	if req.Symbol == "" {
		return errors.New("symbol is required")
	}
	if req.Side != types.SideBuy && req.Side != types.SideSell {
		return fmt.Errorf("invalid side %q", req.Side)
	}
	if req.OrderType != types.OrderTypeMarket && req.OrderType != types.OrderTypeLimit {
		return fmt.Errorf("invalid order type %q", req.OrderType)
	}
	if req.Quantity <= 0 {
		return errors.New("quantity must be positive")
	}
	if req.OrderType == types.OrderTypeLimit && req.Price <= 0 {
		return errors.New("limit orders require a price")
	}
	return nil
}

// SendOrder submits an order in status NEW to the venue and transitions it
// to SENT with the venue's order reference. A retryable venue failure
// (timeout) leaves the order in NEW so the caller can retry; a definitive
// rejection moves it to ERROR.
func (s *Service) SendOrder(ctx context.Context, orderID string) (*types.Order, error) {
	mu := s.lockFor(orderID)
	mu.Lock()
	defer mu.Unlock()

	order, err := s.db.GetOrder(orderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, types.ErrOrderNotFound
	}
	if order.Status != types.StatusNew {
		return nil, &types.OrderStatusError{OrderID: orderID, Status: order.Status, Requested: "send"}
	}

	callCtx, cancel := s.venueContext(ctx)
	defer cancel()

	venueOrderID, err := s.venue.PlaceOrder(callCtx, venue.OrderRequest{
		OrderID:   order.OrderID,
		Symbol:    order.Symbol,
		Side:      order.Side,
		OrderType: order.OrderType,
		Quantity:  order.Quantity,
		Price:     order.Price,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			// The venue may or may not have the order; the order stays NEW
			// and the next recovery pass reconciles it if it does.
			s.sink.Warn("venue submission timed out", map[string]interface{}{"order_id": orderID})
			return order, &types.VenueError{Op: "PlaceOrder", Retryable: true, Err: err}
		}

		order.Status = types.StatusError
		order.RejectReason = err.Error()
		order.UpdatedAt = time.Now()
		if storeErr := s.db.UpdateOrder(order); storeErr != nil {
			return nil, fmt.Errorf("venue rejected order and status update failed: %v: %w", err, storeErr)
		}
		s.sink.Error("venue rejected order", map[string]interface{}{
			"order_id": orderID,
			"error":    err.Error(),
		})
		return order, &types.VenueError{Op: "PlaceOrder", Retryable: false, Err: err}
	}

	now := time.Now()
	order.VenueOrderID = venueOrderID
	order.Status = types.StatusSent
	order.RequestedAt = &now
	order.UpdatedAt = now
	if err := s.db.UpdateOrder(order); err != nil {
		// The venue holds a live order the ledger does not know is SENT;
		// recovery resolves this on the next pass.
		s.sink.Error("order sent but status update failed", map[string]interface{}{
			"order_id":       orderID,
			"venue_order_id": venueOrderID,
			"error":          err.Error(),
		})
		return nil, fmt.Errorf("order sent but status update failed: %w", err)
	}

	log.Info().
		Str("component", "orders").
		Str("order_id", orderID).
		Str("venue_order_id", venueOrderID).
		Msg("order sent to venue")

	return order, nil
}

// ProcessFill records a fill event idempotently, recomputes the order's
// cumulative fill state, advances its status and recomputes the symbol's
// position, all within one transaction. Duplicate delivery (same venue fill
// reference) is a no-op. A fill that would push the order past its requested
// quantity is rejected without mutating anything.
func (s *Service) ProcessFill(event venue.FillEvent) error {
	order, err := s.resolveOrder(event)
	if err != nil {
		return err
	}
	if order == nil {
		s.sink.Warn("fill for unknown order dropped", map[string]interface{}{
			"venue_order_id": event.VenueOrderID,
			"venue_fill_id":  event.VenueFillID,
		})
		return fmt.Errorf("fill references unknown order (venue order %s)", event.VenueOrderID)
	}

	mu := s.lockFor(order.OrderID)
	mu.Lock()
	defer mu.Unlock()

	duplicate := false
	txErr := s.gormDB.Transaction(func(tx *gorm.DB) error {
		txORM := NewDatabase(tx)

		if event.VenueFillID != "" {
			existing, err := txORM.GetFillByVenueFillID(event.VenueFillID)
			if err != nil {
				return err
			}
			if existing != nil {
				duplicate = true
				return nil
			}
		}

		current, err := txORM.GetOrder(order.OrderID)
		if err != nil {
			return err
		}
		if current == nil {
			return types.ErrOrderNotFound
		}

		if !current.IsOpen() {
			return &types.OrderStatusError{OrderID: current.OrderID, Status: current.Status, Requested: "fill"}
		}

		if current.FilledQuantity+event.Quantity > current.Quantity+qtyEpsilon {
			return &types.FillConservationError{
				OrderID:   current.OrderID,
				Quantity:  event.Quantity,
				Filled:    current.FilledQuantity,
				Requested: current.Quantity,
			}
		}

		fill := types.Fill{
			FillID:    uuid.New().String(),
			OrderID:   current.OrderID,
			Symbol:    current.Symbol,
			Side:      current.Side,
			Quantity:  event.Quantity,
			Price:     event.Price,
			FilledAt:  event.FilledAt,
			CreatedAt: time.Now(),
		}
		if event.VenueFillID != "" {
			venueFillID := event.VenueFillID
			fill.VenueFillID = &venueFillID
		}
		if err := tx.Create(&fill).Error; err != nil {
			return err
		}

		fills, err := txORM.GetFillsByOrderID(current.OrderID)
		if err != nil {
			return err
		}
		filled, vwap := cumulativeFillState(fills)

		next := types.StatusPartial
		if filled >= current.Quantity-qtyEpsilon {
			next = types.StatusFilled
		}
		if current.Status != next && !types.CanTransition(current.Status, next) {
			return &types.OrderStatusError{OrderID: current.OrderID, Status: current.Status, Requested: "advance to " + next}
		}

		current.FilledQuantity = filled
		current.AvgFillPrice = vwap
		current.Status = next
		current.UpdatedAt = time.Now()
		if err := txORM.UpdateOrder(current); err != nil {
			return err
		}

		return s.positions.RecomputeIn(tx, current.Symbol)
	})

	if txErr != nil {
		var conservation *types.FillConservationError
		var statusErr *types.OrderStatusError
		if errors.As(txErr, &conservation) || errors.As(txErr, &statusErr) {
			s.sink.Warn("fill rejected", map[string]interface{}{
				"order_id":      order.OrderID,
				"venue_fill_id": event.VenueFillID,
				"reason":        txErr.Error(),
			})
		}
		return txErr
	}

	if duplicate {
		log.Debug().
			Str("component", "orders").
			Str("order_id", order.OrderID).
			Str("venue_fill_id", event.VenueFillID).
			Msg("duplicate fill delivery ignored")
		return nil
	}

	log.Info().
		Str("component", "orders").
		Str("order_id", order.OrderID).
		Float64("quantity", event.Quantity).
		Float64("price", event.Price).
		Msg("fill recorded")

	return nil
}

func (s *Service) resolveOrder(event venue.FillEvent) (*types.Order, error) {
	if event.OrderID != "" {
		return s.db.GetOrder(event.OrderID)
	}
	return s.db.GetOrderByVenueID(event.VenueOrderID)
}

// cumulativeFillState sums fill quantities and computes the volume-weighted
// average price.
func cumulativeFillState(fills []types.Fill) (filled, vwap float64) {
	notional := 0.0
	for _, f := range fills {
		filled += f.Quantity
		notional += f.Quantity * f.Price
	}
	if filled > 0 {
		vwap = notional / filled
	}
	return filled, vwap
}

// CancelOrder cancels an order that has not reached a terminal status. An
// order never sent is canceled locally; a live order is canceled at the
// venue first.
func (s *Service) CancelOrder(ctx context.Context, orderID string) (*types.Order, error) {
	mu := s.lockFor(orderID)
	mu.Lock()
	defer mu.Unlock()

	order, err := s.db.GetOrder(orderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, types.ErrOrderNotFound
	}
	if types.IsTerminalStatus(order.Status) {
		return nil, &types.OrderStatusError{OrderID: orderID, Status: order.Status, Requested: "cancel"}
	}

	if order.VenueOrderID != "" {
		callCtx, cancel := s.venueContext(ctx)
		defer cancel()

		ok, err := s.venue.CancelOrder(callCtx, order.VenueOrderID)
		if err != nil {
			retryable := errors.Is(err, context.DeadlineExceeded)
			return nil, &types.VenueError{Op: "CancelOrder", Retryable: retryable, Err: err}
		}
		if !ok {
			// Venue refused, usually because the order just filled; the
			// next status sync settles it.
			return nil, &types.VenueError{Op: "CancelOrder", Retryable: false,
				Err: fmt.Errorf("venue refused cancel for order %s", orderID)}
		}
	}

	order.Status = types.StatusCanceled
	order.UpdatedAt = time.Now()
	if err := s.db.UpdateOrder(order); err != nil {
		return nil, err
	}

	s.sink.Info("order canceled", map[string]interface{}{"order_id": orderID})
	return order, nil
}

// SyncOrderStatus reconciles one order against the venue's view. The venue
// wins on mismatch: missing fills are ingested and the venue's status is
// applied. Returns whether the local order changed.
func (s *Service) SyncOrderStatus(ctx context.Context, orderID string) (bool, error) {
	order, err := s.db.GetOrder(orderID)
	if err != nil {
		return false, err
	}
	if order == nil {
		return false, types.ErrOrderNotFound
	}
	if types.IsTerminalStatus(order.Status) {
		return false, nil
	}

	callCtx, cancel := s.venueContext(ctx)
	defer cancel()

	venueOrders, err := s.venue.GetOrders(callCtx, s.accountID)
	if err != nil {
		retryable := errors.Is(err, context.DeadlineExceeded)
		return false, &types.VenueError{Op: "GetOrders", Retryable: retryable, Err: err}
	}

	var match *venue.Order
	for i := range venueOrders {
		if venueOrders[i].VenueOrderID == order.VenueOrderID && order.VenueOrderID != "" {
			match = &venueOrders[i]
			break
		}
		if venueOrders[i].OrderID == order.OrderID && venueOrders[i].OrderID != "" {
			match = &venueOrders[i]
			break
		}
	}

	if match == nil {
		if !order.IsOpen() {
			return false, nil
		}
		return true, s.FailUnknownToVenue(order)
	}

	return s.ReconcileAgainst(order, match)
}

// ReconcileAgainst applies the venue's view of one order: ingest fills the
// ledger lacks, then adopt the venue status if it still differs. Used by
// SyncOrderStatus and by the recovery service's bulk pass.
func (s *Service) ReconcileAgainst(order *types.Order, venueOrder *venue.Order) (bool, error) {
	changed := false

	for _, fillEvent := range venueOrder.Fills {
		if fillEvent.OrderID == "" {
			fillEvent.OrderID = order.OrderID
		}
		if fillEvent.VenueFillID != "" {
			existing, err := s.db.GetFillByVenueFillID(fillEvent.VenueFillID)
			if err != nil {
				return changed, err
			}
			if existing != nil {
				continue
			}
		}
		if err := s.ProcessFill(fillEvent); err != nil {
			return changed, err
		}
		changed = true
	}

	current, err := s.db.GetOrder(order.OrderID)
	if err != nil {
		return changed, err
	}

	if current.Status != venueOrder.Status && venueOrder.Status != "" {
		if !types.CanTransition(current.Status, venueOrder.Status) {
			// A stale venue snapshot must not walk the order backwards.
			log.Warn().
				Str("component", "orders").
				Str("order_id", current.OrderID).
				Str("local_status", current.Status).
				Str("venue_status", venueOrder.Status).
				Msg("venue status ignored, transition not allowed")
			return changed, nil
		}
		if err := s.applyVenueStatus(current, venueOrder.Status, "venue status adopted"); err != nil {
			return changed, err
		}
		changed = true
	}

	return changed, nil
}

// FailUnknownToVenue moves a locally-live order to ERROR because the venue
// has no record of it. Trading against state the venue does not hold is
// never safe.
func (s *Service) FailUnknownToVenue(order *types.Order) error {
	return s.applyVenueStatus(order, types.StatusError, "order unknown to venue")
}

func (s *Service) applyVenueStatus(order *types.Order, status, reason string) error {
	mu := s.lockFor(order.OrderID)
	mu.Lock()
	defer mu.Unlock()

	order.Status = status
	if status == types.StatusError {
		order.RejectReason = reason
	}
	order.UpdatedAt = time.Now()
	if err := s.db.UpdateOrder(order); err != nil {
		return err
	}

	s.sink.Warn("order status reconciled from venue", map[string]interface{}{
		"order_id": order.OrderID,
		"status":   status,
		"reason":   reason,
	})

	return s.positions.Recompute(order.Symbol)
}

// GetOrder retrieves an order by its ID.
func (s *Service) GetOrder(orderID string) (*types.Order, error) {
	return s.db.GetOrder(orderID)
}

// GetOrderByOrderIDAndClientID retrieves an order scoped to a client.
func (s *Service) GetOrderByOrderIDAndClientID(orderID, clientID string) (*types.Order, error) {
	return s.db.GetOrderByOrderIDAndClientID(orderID, clientID)
}

// GetOpenOrders returns every order in SENT or PARTIAL.
func (s *Service) GetOpenOrders() ([]types.Order, error) {
	return s.db.GetOpenOrders()
}
