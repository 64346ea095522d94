package risk

import (
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ksred/trading-core/internal/positions"
	"github.com/ksred/trading-core/internal/types"
)

// Limit names reported in rejections, first failing check wins.
const (
	LimitSymbolExposure = "max_symbol_exposure"
	LimitOpenPositions  = "max_open_positions"
	LimitDailyLoss      = "max_daily_loss"
	LimitDataAccess     = "validation_data_unavailable"
)

// Config holds the pre-trade limits.
type Config struct {
	MaxSymbolExposure float64 // notional value per symbol after the hypothetical fill
	MaxOpenPositions  int     // symbols with a non-zero position
	MaxDailyLoss      float64 // positive number, daily realized loss cutoff
}

// Validate reports whether the limits are usable.
func (c Config) Validate() error {
	if c.MaxSymbolExposure <= 0 {
		return fmt.Errorf("max symbol exposure must be positive, got %.2f", c.MaxSymbolExposure)
	}
	if c.MaxOpenPositions <= 0 {
		return fmt.Errorf("max open positions must be positive, got %d", c.MaxOpenPositions)
	}
	if c.MaxDailyLoss <= 0 {
		return fmt.Errorf("max daily loss must be positive, got %.2f", c.MaxDailyLoss)
	}
	return nil
}

// Gate runs pre-trade checks against a consistent snapshot of positions and
// the day's realized P&L. Any failure to read that snapshot fails closed.
type Gate struct {
	positions *positions.Service
	cfg       Config
	now       func() time.Time
}

func NewGate(positionService *positions.Service, cfg Config) *Gate {
	return &Gate{
		positions: positionService,
		cfg:       cfg,
		now:       time.Now,
	}
}

// WithClock replaces the gate's clock. Used by tests and the simulation.
func (g *Gate) WithClock(now func() time.Time) *Gate {
	g.now = now
	return g
}

// Config returns the active limits.
func (g *Gate) Config() Config {
	return g.cfg
}

// Validate checks the order request against the limits in order: symbol
// exposure, open-position count, daily realized loss. The first failing
// check determines the rejection reason. Returns nil when the order may
// proceed.
func (g *Gate) Validate(req types.OrderRequest) error {
	logger := log.With().
		Str("component", "risk_gate").
		Str("symbol", req.Symbol).
		Str("side", req.Side).
		Float64("quantity", req.Quantity).
		Logger()

	position, err := g.positions.GetPosition(req.Symbol)
	if err != nil {
		logger.Error().Err(err).Msg("position lookup failed, failing closed")
		return &types.RiskViolation{Limit: LimitDataAccess, Reason: err.Error()}
	}

	allPositions, err := g.positions.GetAllPositions()
	if err != nil {
		logger.Error().Err(err).Msg("positions snapshot failed, failing closed")
		return &types.RiskViolation{Limit: LimitDataAccess, Reason: err.Error()}
	}

	// Per-symbol exposure after the hypothetical fill.
	exposure, err := g.hypotheticalExposure(req, position)
	if err != nil {
		logger.Error().Err(err).Msg("exposure computation failed, failing closed")
		return &types.RiskViolation{Limit: LimitDataAccess, Reason: err.Error()}
	}
	if exposure > g.cfg.MaxSymbolExposure {
		logger.Warn().
			Float64("exposure", exposure).
			Float64("limit", g.cfg.MaxSymbolExposure).
			Msg("order rejected on symbol exposure")
		return &types.RiskViolation{
			Limit:  LimitSymbolExposure,
			Reason: fmt.Sprintf("exposure %.2f exceeds limit %.2f", exposure, g.cfg.MaxSymbolExposure),
		}
	}

	// Open-position count, counting this order's symbol only if it opens a
	// new position.
	openCount := 0
	haveSymbol := false
	for _, p := range allPositions {
		if p.Quantity != 0 {
			openCount++
			if p.Symbol == req.Symbol {
				haveSymbol = true
			}
		}
	}
	if !haveSymbol && openCount >= g.cfg.MaxOpenPositions {
		logger.Warn().
			Int("open_positions", openCount).
			Int("limit", g.cfg.MaxOpenPositions).
			Msg("order rejected on open position count")
		return &types.RiskViolation{
			Limit:  LimitOpenPositions,
			Reason: fmt.Sprintf("%d positions open, limit %d", openCount, g.cfg.MaxOpenPositions),
		}
	}

	// Daily realized loss.
	startOfDay := g.startOfDay()
	realized, err := g.positions.RealizedPnL(startOfDay, time.Time{})
	if err != nil {
		logger.Error().Err(err).Msg("realized P&L lookup failed, failing closed")
		return &types.RiskViolation{Limit: LimitDataAccess, Reason: err.Error()}
	}
	if realized <= -g.cfg.MaxDailyLoss {
		logger.Warn().
			Float64("realized_pnl", realized).
			Float64("limit", g.cfg.MaxDailyLoss).
			Msg("order rejected on daily loss limit")
		return &types.RiskViolation{
			Limit:  LimitDailyLoss,
			Reason: fmt.Sprintf("daily realized P&L %.2f breaches loss limit %.2f", realized, g.cfg.MaxDailyLoss),
		}
	}

	return nil
}

// hypotheticalExposure values the position as if the order filled entirely.
// Market orders without a price fall back to the last traded price, then the
// position's average cost.
func (g *Gate) hypotheticalExposure(req types.OrderRequest, position *types.Position) (float64, error) {
	price := req.Price
	if price == 0 {
		last, err := g.positions.LastFillPrice(req.Symbol)
		if err != nil {
			return 0, err
		}
		price = last
	}
	if price == 0 && position != nil {
		price = position.AvgCost
	}

	current := 0.0
	if position != nil {
		current = position.Quantity * position.AvgCost
	}

	notional := req.Quantity * price
	if req.Side == types.SideSell {
		notional = -notional
	}

	return math.Abs(current + notional), nil
}

func (g *Gate) startOfDay() time.Time {
	now := g.now()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
}
