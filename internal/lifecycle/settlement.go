package lifecycle

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/ksred/trading-core/internal/types"
)

// computeSettlement builds the daily settlement at close: realized P&L from
// the day's closing fills, unrealized P&L from the position snapshot marked
// at the last traded price, total as their sum.
func (c *Controller) computeSettlement() (*types.DailySettlement, error) {
	now := c.clock()
	startOfDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	tradeDate := now.Format("2006-01-02")

	realized, err := c.positions.RealizedPnL(startOfDay, now)
	if err != nil {
		return nil, fmt.Errorf("failed to compute realized P&L: %w", err)
	}

	snapshot, err := c.positions.GetAllPositions()
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot positions: %w", err)
	}

	unrealized := 0.0
	for _, p := range snapshot {
		if p.Quantity == 0 {
			continue
		}
		last, err := c.positions.LastFillPrice(p.Symbol)
		if err != nil {
			return nil, fmt.Errorf("failed to mark %s: %w", p.Symbol, err)
		}
		if last == 0 {
			last = p.AvgCost
		}
		unrealized += (last - p.AvgCost) * p.Quantity
	}

	snapshotJSON, err := json.Marshal(snapshot)
	if err != nil {
		return nil, err
	}

	settlement := &types.DailySettlement{
		SettlementID:      "STL_" + uuid.New().String(),
		TradeDate:         tradeDate,
		RealizedPnL:       realized,
		UnrealizedPnL:     unrealized,
		TotalPnL:          realized + unrealized,
		PositionsSnapshot: string(snapshotJSON),
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	log.Info().
		Str("component", "lifecycle").
		Str("trade_date", tradeDate).
		Float64("realized_pnl", realized).
		Float64("unrealized_pnl", unrealized).
		Int("positions", len(snapshot)).
		Msg("daily settlement computed")

	return settlement, nil
}
