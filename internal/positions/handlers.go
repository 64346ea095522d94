package positions

import (
	"github.com/gin-gonic/gin"

	"github.com/ksred/trading-core/pkg/response"
)

// GinHandlers contains HTTP handlers for position endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// GetPositionHandler handles GET requests for one symbol's position.
func (h *GinHandlers) GetPositionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		symbol := c.Param("symbol")
		if symbol == "" {
			response.BadRequest(c, "Symbol is required")
			return
		}

		position, err := h.service.GetPosition(symbol)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		if position == nil {
			response.NotFound(c, "No position for symbol")
			return
		}

		response.Success(c, position)
	}
}

// ListPositionsHandler handles GET requests for all positions.
func (h *GinHandlers) ListPositionsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		positions, err := h.service.GetAllPositions()
		response.Handle(c, positions, err)
	}
}
