package lifecycle

import (
	"github.com/gin-gonic/gin"

	"github.com/ksred/trading-core/internal/types"
	"github.com/ksred/trading-core/pkg/response"
)

// GinHandlers contains HTTP handlers for session lifecycle endpoints
type GinHandlers struct {
	controller *Controller
}

func NewGinHandlers(controller *Controller) *GinHandlers {
	return &GinHandlers{
		controller: controller,
	}
}

// OpenSessionHandler handles POST requests to open the trading session.
func (h *GinHandlers) OpenSessionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := h.controller.OpenSession(c.Request.Context()); err != nil {
			response.Handle(c, nil, err)
			return
		}

		status, err := h.controller.Status()
		response.Handle(c, status, err)
	}
}

// StartTradingHandler handles POST requests to begin event processing.
func (h *GinHandlers) StartTradingHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := h.controller.StartTrading(); err != nil {
			response.Handle(c, nil, err)
			return
		}

		status, err := h.controller.Status()
		response.Handle(c, status, err)
	}
}

// CloseSessionHandler handles POST requests to close the trading session
// and compute the daily settlement.
func (h *GinHandlers) CloseSessionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		settlement, err := h.controller.CloseSession(c.Request.Context())
		if err != nil {
			response.Handle(c, nil, err)
			return
		}

		response.Success(c, types.SettlementResponse{
			SettlementID:  settlement.SettlementID,
			TradeDate:     settlement.TradeDate,
			RealizedPnL:   settlement.RealizedPnL,
			UnrealizedPnL: settlement.UnrealizedPnL,
			TotalPnL:      settlement.TotalPnL,
			CreatedAt:     settlement.CreatedAt,
		})
	}
}

// ResetHandler handles POST requests to clear STOPPED mode. This is the
// explicit operator action required before trading can resume.
func (h *GinHandlers) ResetHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := h.controller.Reset(); err != nil {
			response.Handle(c, nil, err)
			return
		}

		status, err := h.controller.Status()
		response.Handle(c, status, err)
	}
}

// StatusHandler handles GET requests for the session state, including why
// trading is disabled when it is.
func (h *GinHandlers) StatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		status, err := h.controller.Status()
		response.Handle(c, status, err)
	}
}

// SettlementHandler handles GET requests for a trade date's settlement.
func (h *GinHandlers) SettlementHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		tradeDate := c.Param("trade_date")
		if tradeDate == "" {
			response.BadRequest(c, "Trade date is required")
			return
		}

		settlement, err := h.controller.SettlementFor(tradeDate)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		if settlement == nil {
			response.NotFound(c, "No settlement for trade date")
			return
		}

		response.Success(c, settlement)
	}
}
