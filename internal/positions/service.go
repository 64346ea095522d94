package positions

import (
	"math"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/ksred/trading-core/internal/types"
)

// Config controls position bookkeeping policy.
type Config struct {
	// RetainZeroPositions keeps a zero-quantity row (average cost reset to
	// zero) instead of deleting it when a symbol nets out.
	RetainZeroPositions bool
}

// DefaultConfig retains zero rows.
func DefaultConfig() Config {
	return Config{RetainZeroPositions: true}
}

// Service recomputes position snapshots from fill history. Recompute is a
// pure function of the fills: running it twice over the same set yields the
// same row.
type Service struct {
	db  *Database
	cfg Config
}

func NewService(gormDB *gorm.DB, cfg Config) *Service {
	return &Service{
		db:  NewDatabase(gormDB),
		cfg: cfg,
	}
}

// Recompute rebuilds the position snapshot for a symbol from its full fill
// history and upserts the row.
func (s *Service) Recompute(symbol string) error {
	return s.RecomputeIn(s.db.db, symbol)
}

// RecomputeIn is Recompute running against the given transaction handle, so
// fill ingestion and the resulting position write share one transaction
// scope.
func (s *Service) RecomputeIn(tx *gorm.DB, symbol string) error {
	db := NewDatabase(tx)

	fills, err := db.GetFillsBySymbol(symbol)
	if err != nil {
		return err
	}

	qty, avgCost, _ := replayFills(fills, time.Time{}, time.Time{})

	if qty == 0 && !s.cfg.RetainZeroPositions {
		return db.DeletePosition(symbol)
	}

	if err := db.UpsertPosition(symbol, qty, avgCost); err != nil {
		return err
	}

	log.Debug().
		Str("component", "positions").
		Str("symbol", symbol).
		Float64("quantity", qty).
		Float64("avg_cost", avgCost).
		Int("fill_count", len(fills)).
		Msg("position recomputed")

	return nil
}

// GetPosition returns the snapshot for a symbol, or nil when none exists.
func (s *Service) GetPosition(symbol string) (*types.Position, error) {
	return s.db.GetPosition(symbol)
}

// GetAllPositions returns all position snapshots ordered by symbol.
func (s *Service) GetAllPositions() ([]types.Position, error) {
	return s.db.GetAllPositions()
}

// LastFillPrice returns the latest execution price seen for a symbol.
func (s *Service) LastFillPrice(symbol string) (float64, error) {
	return s.db.LastFillPrice(symbol)
}

// RealizedPnL replays the full fill history and sums the profit realized by
// closing fills recorded within the window. Zero times leave the window
// unbounded on that side.
func (s *Service) RealizedPnL(since, until time.Time) (float64, error) {
	fills, err := s.db.GetAllFills()
	if err != nil {
		return 0, err
	}

	bySymbol := make(map[string][]types.Fill)
	for _, f := range fills {
		bySymbol[f.Symbol] = append(bySymbol[f.Symbol], f)
	}

	total := 0.0
	for _, symbolFills := range bySymbol {
		_, _, realized := replayFills(symbolFills, since, until)
		total += realized
	}
	return total, nil
}

// replayFills walks a symbol's fill history computing net quantity, the
// weighted-average cost of the remaining open quantity, and the P&L realized
// by closing fills inside [since, until]. Cost basis rules: fills extending
// the position blend into the average; fills reducing it realize against the
// average without moving it; a fill crossing through zero opens the residual
// at its own price.
func replayFills(fills []types.Fill, since, until time.Time) (qty, avgCost, realized float64) {
	for _, f := range fills {
		signed := f.Quantity
		if f.Side == types.SideSell {
			signed = -f.Quantity
		}

		switch {
		case qty == 0 || sameSign(qty, signed):
			total := math.Abs(qty) + f.Quantity
			avgCost = (math.Abs(qty)*avgCost + f.Quantity*f.Price) / total
			qty += signed

		default:
			closeQty := math.Min(f.Quantity, math.Abs(qty))
			pnl := closeQty * (f.Price - avgCost)
			if qty < 0 {
				pnl = -pnl
			}
			if inWindow(f.FilledAt, since, until) {
				realized += pnl
			}

			qty += signed
			if qty == 0 {
				avgCost = 0
			} else if !sameSign(qty, -signed) {
				// crossed through zero, residual opens at the fill price
				avgCost = f.Price
			}
		}
	}
	return qty, avgCost, realized
}

func sameSign(a, b float64) bool {
	return (a > 0 && b > 0) || (a < 0 && b < 0)
}

func inWindow(t, since, until time.Time) bool {
	if !since.IsZero() && t.Before(since) {
		return false
	}
	if !until.IsZero() && t.After(until) {
		return false
	}
	return true
}
