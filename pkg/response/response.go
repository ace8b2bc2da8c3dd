package response

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-exchange/internal/types"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
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
	ErrCodeNotCancelable     = "NOT_CANCELABLE"
	ErrCodeRetry             = "RETRY"
	ErrCodeRateLimited       = "RATE_LIMITED"
)

// Handle processes the error and returns appropriate response
func Handle(c *gin.Context, data interface{}, err error) {
	if err == nil {
		Success(c, data)
		return
	}

	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		NotFound(c, "Resource not found")
	case errors.Is(err, gorm.ErrDuplicatedKey):
		Conflict(c, "Resource already exists")
	default:
		handleError(c, err)
	}
}

// Success sends a successful response
func Success(c *gin.Context, data interface{}) {
	status := http.StatusOK
	if c.Request.Method == http.MethodPost {
		status = http.StatusCreated
	}

	c.JSON(status, Response{
		Success: true,
		Data:    data,
	})
}

// OK sends a 200 response regardless of method
func OK(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
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

// ValidationFailed sends a 400 response for a rejected business rule
func ValidationFailed(c *gin.Context, message string) {
	fail(c, http.StatusBadRequest, ErrCodeValidationFailed, message)
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

// TooManyRequests sends a 429 response
func TooManyRequests(c *gin.Context, message string) {
	fail(c, http.StatusTooManyRequests, ErrCodeRateLimited, message)
}

// ServiceUnavailable sends a 503 response telling the client it may retry
func ServiceUnavailable(c *gin.Context, message string) {
	fail(c, http.StatusServiceUnavailable, ErrCodeRetry, message)
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

// handleError maps the exchange error taxonomy onto HTTP statuses
func handleError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, types.ErrSymbolNotFound), errors.Is(err, types.ErrOrderNotFound):
		NotFound(c, err.Error())
	case errors.Is(err, types.ErrNotOwner):
		Forbidden(c, err.Error())
	case errors.Is(err, types.ErrNotCancelable):
		fail(c, http.StatusConflict, ErrCodeNotCancelable, err.Error())
	case errors.Is(err, types.ErrLockTimeout):
		ServiceUnavailable(c, "The resource is busy. Please retry.")
	case types.IsBusinessError(err):
		ValidationFailed(c, err.Error())
	default:
		// Invariant violations land here too; the detail stays in the logs
		log.Error().
			Err(err).
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Msg("request failed")
		InternalError(c, "An unexpected error occurred")
	}
}
