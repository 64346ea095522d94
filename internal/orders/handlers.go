package orders

import (
	"errors"

	"github.com/gin-gonic/gin"

	"github.com/ksred/trading-core/internal/auth"
	"github.com/ksred/trading-core/internal/types"
	"github.com/ksred/trading-core/pkg/response"
)

// GinHandlers contains HTTP handlers for order endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for order endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// CreateOrderHandler handles POST requests to create new orders.
// Requires a valid JWT token and idempotency key in headers. A replayed
// idempotency key returns the original order; a risk rejection returns the
// persisted REJECTED order with its reason.
func (h *GinHandlers) CreateOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		idempotencyKey := c.GetHeader("Idempotency-Key")
		if idempotencyKey == "" {
			response.BadRequest(c, "Idempotency-Key header is required")
			return
		}

		var req types.OrderRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		req.IdempotencyKey = idempotencyKey

		if claims, exists := c.Get("claims"); exists {
			if clientID := auth.GetClientID(claims); clientID != "" {
				req.ClientID = clientID
			}
		}

		order, err := h.service.CreateOrder(req)
		switch {
		case err == nil:
			response.Success(c, order)
		case errors.Is(err, types.ErrIdempotencyConflict):
			// Existing order returned unchanged.
			response.Success(c, order)
		default:
			var violation *types.RiskViolation
			if errors.As(err, &violation) {
				// The rejection is part of the order record.
				response.Success(c, order)
				return
			}
			response.BadRequest(c, err.Error())
		}
	}
}

// SendOrderHandler handles POST requests to submit an order to the venue.
func (h *GinHandlers) SendOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		orderID := c.Param("order_id")
		if orderID == "" {
			response.BadRequest(c, "Order ID is required")
			return
		}

		order, err := h.service.SendOrder(c.Request.Context(), orderID)
		response.Handle(c, order, err)
	}
}

// GetOrderStatusHandler handles GET requests to retrieve order status.
// Requires a valid JWT token; orders are scoped to the calling client.
func (h *GinHandlers) GetOrderStatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, exists := c.Get("claims")
		if !exists {
			response.Unauthorized(c, "Missing authentication claims")
			return
		}

		clientID := auth.GetClientID(claims)
		if clientID == "" {
			response.Unauthorized(c, "Invalid client ID in token")
			return
		}

		orderID := c.Param("order_id")
		if orderID == "" {
			response.BadRequest(c, "Order ID is required")
			return
		}

		order, err := h.service.GetOrderByOrderIDAndClientID(orderID, clientID)
		if err != nil || order == nil {
			response.NotFound(c, "Order not found")
			return
		}

		response.Success(c, order)
	}
}

// CancelOrderHandler handles DELETE requests to cancel an order.
func (h *GinHandlers) CancelOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		orderID := c.Param("order_id")
		if orderID == "" {
			response.BadRequest(c, "Order ID is required")
			return
		}

		order, err := h.service.CancelOrder(c.Request.Context(), orderID)
		response.Handle(c, order, err)
	}
}

// SyncOrderHandler handles POST requests to reconcile one order against the
// venue. Internal use.
func (h *GinHandlers) SyncOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		orderID := c.Param("order_id")

		changed, err := h.service.SyncOrderStatus(c.Request.Context(), orderID)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}

		order, err := h.service.GetOrder(orderID)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}

		response.Success(c, gin.H{"changed": changed, "order": order})
	}
}
