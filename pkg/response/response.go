package response

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/ksred/trading-core/internal/types"
)

// Response represents a standardized API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *Error      `json:"error,omitempty"`
}

// Error represents an error response
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Common error codes
const (
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeBadRequest        = "BAD_REQUEST"
	ErrCodeUnauthorized      = "UNAUTHORIZED"
	ErrCodeForbidden         = "FORBIDDEN"
	ErrCodeInternalError     = "INTERNAL_ERROR"
	ErrCodeValidationFailed  = "VALIDATION_FAILED"
	ErrCodeDuplicateResource = "DUPLICATE_RESOURCE"
	ErrCodeInvalidState      = "INVALID_STATE"
	ErrCodeRiskRejected      = "RISK_REJECTED"
	ErrCodeVenueUnavailable  = "VENUE_UNAVAILABLE"
	ErrCodeTradingStopped    = "TRADING_STOPPED"
)

// Handle processes the error and returns appropriate response
func Handle(c *gin.Context, data interface{}, err error) {
	if err == nil {
		Success(c, data)
		return
	}

	var statusErr *types.OrderStatusError
	var riskErr *types.RiskViolation
	var venueErr *types.VenueError

	switch {
	case errors.Is(err, gorm.ErrRecordNotFound), errors.Is(err, types.ErrOrderNotFound):
		NotFound(c, "Resource not found")
	case errors.Is(err, gorm.ErrDuplicatedKey):
		Conflict(c, "Resource already exists")
	case errors.Is(err, types.ErrTransitionInProgress):
		fail(c, http.StatusConflict, ErrCodeInvalidState, err.Error())
	case errors.Is(err, types.ErrTradingStopped):
		fail(c, http.StatusConflict, ErrCodeTradingStopped, err.Error())
	case errors.As(err, &statusErr):
		fail(c, http.StatusConflict, ErrCodeInvalidState, statusErr.Error())
	case errors.As(err, &riskErr):
		fail(c, http.StatusUnprocessableEntity, ErrCodeRiskRejected, riskErr.Error())
	case errors.As(err, &venueErr):
		fail(c, http.StatusBadGateway, ErrCodeVenueUnavailable, venueErr.Error())
	default:
		InternalError(c, "An unexpected error occurred")
	}
}

// Success sends a successful response
func Success(c *gin.Context, data interface{}) {
	status := http.StatusOK
	if c.Request.Method == "POST" {
		status = http.StatusCreated
	}

	c.JSON(status, Response{
		Success: true,
		Data:    data,
	})
}

// NotFound sends a 404 response
func NotFound(c *gin.Context, message string) {
	fail(c, http.StatusNotFound, ErrCodeNotFound, message)
}

// BadRequest sends a 400 response
func BadRequest(c *gin.Context, message string) {
	fail(c, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// Unauthorized sends a 401 response
func Unauthorized(c *gin.Context, message string) {
	fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, message)
}

// Forbidden sends a 403 response
func Forbidden(c *gin.Context, message string) {
	fail(c, http.StatusForbidden, ErrCodeForbidden, message)
}

// InternalError sends a 500 response
func InternalError(c *gin.Context, message string) {
	fail(c, http.StatusInternalServerError, ErrCodeInternalError, message)
}

// Conflict sends a 409 response
func Conflict(c *gin.Context, message string) {
	fail(c, http.StatusConflict, ErrCodeDuplicateResource, message)
}

func fail(c *gin.Context, status int, code, message string) {
	c.JSON(status, Response{
		Success: false,
		Error: &Error{
			Code:    code,
			Message: message,
		},
	})
}
