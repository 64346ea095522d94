package recovery

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ksred/trading-core/internal/events"
	"github.com/ksred/trading-core/internal/orders"
	"github.com/ksred/trading-core/internal/positions"
	"github.com/ksred/trading-core/internal/types"
	"github.com/ksred/trading-core/internal/venue"
)

// venueQueryTimeout bounds the bulk open-order query against the venue.
const venueQueryTimeout = 30 * time.Second

// Mismatch records one order whose local state disagreed with the venue.
type Mismatch struct {
	OrderID     string `json:"order_id"`
	LocalStatus string `json:"local_status"`
	VenueStatus string `json:"venue_status"`
}

// Result is the outcome of one recovery pass. A FAILED result means local
// state could not be made consistent with the venue and trading must not
// resume on it.
type Result struct {
	Outcome    string     `json:"outcome"` // SUCCESS, PARTIAL, FAILED
	Mismatches []Mismatch `json:"mismatches,omitempty"`
	At         time.Time  `json:"at"`
	Err        error      `json:"-"`
}

// Service reconciles locally-held open orders against venue truth. The
// venue wins every disagreement.
type Service struct {
	orders    *orders.Service
	positions *positions.Service
	venue     venue.Port
	sink      *events.Sink
	accountID string
}

func NewService(orderService *orders.Service, positionService *positions.Service, venuePort venue.Port, sink *events.Sink) *Service {
	return &Service{
		orders:    orderService,
		positions: positionService,
		venue:     venuePort,
		sink:      sink,
	}
}

// SetAccountID records the venue account queried during recovery.
func (s *Service) SetAccountID(accountID string) {
	s.accountID = accountID
}

// Run executes one recovery pass: query locally open orders, query the venue
// for its view of them, resolve every disagreement in the venue's favor
// (adopting status and any fills the ledger lacks), then recompute every
// affected position. SUCCESS means no mismatches, PARTIAL means mismatches
// were found and resolved, FAILED means a step could not complete.
func (s *Service) Run(ctx context.Context) Result {
	logger := log.With().Str("component", "recovery").Logger()
	logger.Info().Msg("starting state recovery")

	result := Result{At: time.Now()}

	openOrders, err := s.orders.GetOpenOrders()
	if err != nil {
		return s.failed(result, &types.RecoveryError{Step: "open order query", Err: err})
	}

	queryCtx, cancel := context.WithTimeout(ctx, venueQueryTimeout)
	defer cancel()

	venueOrders, err := s.venue.GetOrders(queryCtx, s.accountID)
	if err != nil {
		return s.failed(result, &types.RecoveryError{Step: "venue order query", Err: err})
	}

	byVenueID := make(map[string]*venue.Order, len(venueOrders))
	byOrderID := make(map[string]*venue.Order, len(venueOrders))
	for i := range venueOrders {
		if venueOrders[i].VenueOrderID != "" {
			byVenueID[venueOrders[i].VenueOrderID] = &venueOrders[i]
		}
		if venueOrders[i].OrderID != "" {
			byOrderID[venueOrders[i].OrderID] = &venueOrders[i]
		}
	}

	affected := make(map[string]struct{})
	for i := range openOrders {
		order := openOrders[i]

		match := byVenueID[order.VenueOrderID]
		if match == nil {
			match = byOrderID[order.OrderID]
		}

		if match == nil {
			if err := s.orders.FailUnknownToVenue(&order); err != nil {
				return s.failed(result, &types.RecoveryError{Step: "reconcile", Err: err})
			}
			result.Mismatches = append(result.Mismatches, Mismatch{
				OrderID:     order.OrderID,
				LocalStatus: order.Status,
				VenueStatus: "UNKNOWN",
			})
			affected[order.Symbol] = struct{}{}
			continue
		}

		localStatus := order.Status
		changed, err := s.orders.ReconcileAgainst(&order, match)
		if err != nil {
			return s.failed(result, &types.RecoveryError{Step: "reconcile", Err: err})
		}
		if changed {
			result.Mismatches = append(result.Mismatches, Mismatch{
				OrderID:     order.OrderID,
				LocalStatus: localStatus,
				VenueStatus: match.Status,
			})
			affected[order.Symbol] = struct{}{}
		}
	}

	// Recompute is idempotent; a redundant pass after reconciliation is
	// cheap certainty.
	for symbol := range affected {
		if err := s.positions.Recompute(symbol); err != nil {
			return s.failed(result, &types.RecoveryError{Step: "position recompute", Err: err})
		}
	}

	if len(result.Mismatches) == 0 {
		result.Outcome = types.RecoverySuccess
	} else {
		result.Outcome = types.RecoveryPartial
	}

	mismatchIDs := make([]string, 0, len(result.Mismatches))
	for _, m := range result.Mismatches {
		mismatchIDs = append(mismatchIDs, m.OrderID)
	}
	s.sink.Info("state recovery completed", map[string]interface{}{
		"outcome":        result.Outcome,
		"open_orders":    len(openOrders),
		"mismatch_count": len(result.Mismatches),
		"mismatch_ids":   mismatchIDs,
	})

	logger.Info().
		Str("outcome", result.Outcome).
		Int("open_orders", len(openOrders)).
		Int("mismatches", len(result.Mismatches)).
		Msg("state recovery completed")

	return result
}

func (s *Service) failed(result Result, err error) Result {
	result.Outcome = types.RecoveryFailed
	result.Err = err

	s.sink.Error("state recovery failed", map[string]interface{}{
		"error": err.Error(),
	})
	log.Error().Str("component", "recovery").Err(err).Msg("state recovery failed")

	return result
}
