package fiber

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/gofiber/fiber/v2"

	"github.com/aydenstechdungeon/livetrack/apperr"
	"github.com/aydenstechdungeon/livetrack/auth"
)

// ErrorCode represents an error code.
type ErrorCode string

const (
	ErrorCodeInternal     ErrorCode = "INTERNAL_ERROR"
	ErrorCodeNotFound     ErrorCode = "NOT_FOUND"
	ErrorCodeBadRequest   ErrorCode = "BAD_REQUEST"
	ErrorCodeUnauthorized ErrorCode = "UNAUTHORIZED"
	ErrorCodeForbidden    ErrorCode = "FORBIDDEN"
	ErrorCodeValidation   ErrorCode = "VALIDATION_ERROR"
	ErrorCodeUnavailable  ErrorCode = "SERVICE_UNAVAILABLE"
	ErrorCodeUpgrade      ErrorCode = "UPGRADE_REQUIRED"
)

// AppError is an error rendered to HTTP callers.
type AppError struct {
	Code       ErrorCode      `json:"code"`
	Message    string         `json:"message"`
	Details    map[string]any `json:"details,omitempty"`
	StatusCode int            `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewAppError creates a new application error.
func NewAppError(code ErrorCode, message string, statusCode int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
	}
}

// WithDetails adds details to the error.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	e.Details = details
	return e
}

// Common errors.
var (
	ErrInternal     = NewAppError(ErrorCodeInternal, "Internal server error", fiber.StatusInternalServerError)
	ErrNotFound     = NewAppError(ErrorCodeNotFound, "Resource not found", fiber.StatusNotFound)
	ErrUnauthorized = NewAppError(ErrorCodeUnauthorized, "Invalid token", fiber.StatusUnauthorized)
	ErrForbidden    = NewAppError(ErrorCodeForbidden, "Forbidden", fiber.StatusForbidden)
	ErrUnavailable  = NewAppError(ErrorCodeUnavailable, "Storage unavailable", fiber.StatusServiceUnavailable)
	ErrUpgrade      = NewAppError(ErrorCodeUpgrade, "WebSocket upgrade required", fiber.StatusUpgradeRequired)
)

// ErrorHandlerConfig holds error handler configuration.
type ErrorHandlerConfig struct {
	// Logger receives server-side failures. Client errors are not logged.
	Logger *slog.Logger
}

// ErrorHandler creates a Fiber error handler that renders every error as
// {status:"error", code, message}.
func ErrorHandler(config ErrorHandlerConfig) fiber.ErrorHandler {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return func(c *fiber.Ctx, err error) error {
		appErr := WrapError(err)
		if appErr.StatusCode >= fiber.StatusInternalServerError {
			config.Logger.Error("request failed",
				"method", c.Method(),
				"path", c.Path(),
				"status", appErr.StatusCode,
				"error", err,
			)
		}

		body := fiber.Map{
			"status":  "error",
			"code":    appErr.Code,
			"message": appErr.Message,
		}
		if len(appErr.Details) > 0 {
			body["details"] = appErr.Details
		}
		return c.Status(appErr.StatusCode).JSON(body)
	}
}

// NotFoundHandler creates a 404 handler.
func NotFoundHandler() fiber.Handler {
	return func(c *fiber.Ctx) error {
		return NewAppError(ErrorCodeNotFound, "Route not found: "+c.Path(), fiber.StatusNotFound)
	}
}

// ValidationError creates a 422 error for one field.
func ValidationError(field, message string) *AppError {
	return NewAppError(ErrorCodeValidation, "Validation failed", fiber.StatusUnprocessableEntity).
		WithDetails(map[string]any{
			"field":   field,
			"message": message,
		})
}

// AsAppError converts an error to AppError.
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// WrapError maps err to the AppError it is rendered as. Pipeline errors
// keep their cause out of the response.
func WrapError(err error) *AppError {
	if appErr, ok := AsAppError(err); ok {
		return appErr
	}
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return NewAppError(codeForStatus(fe.Code), fe.Message, fe.Code)
	}
	switch {
	case errors.Is(err, auth.ErrMissingToken):
		return NewAppError(ErrorCodeUnauthorized, "Missing token", fiber.StatusUnauthorized)
	case errors.Is(err, apperr.ErrAuth):
		return ErrUnauthorized
	case errors.Is(err, apperr.ErrValidation), errors.Is(err, apperr.ErrDecode):
		return NewAppError(ErrorCodeValidation, "Invalid payload", fiber.StatusUnprocessableEntity)
	case errors.Is(err, apperr.ErrStorage), errors.Is(err, apperr.ErrBroker):
		return ErrUnavailable
	}
	return ErrInternal
}

func codeForStatus(status int) ErrorCode {
	switch status {
	case fiber.StatusNotFound:
		return ErrorCodeNotFound
	case fiber.StatusUnauthorized:
		return ErrorCodeUnauthorized
	case fiber.StatusForbidden:
		return ErrorCodeForbidden
	case fiber.StatusUnprocessableEntity:
		return ErrorCodeValidation
	case fiber.StatusUpgradeRequired:
		return ErrorCodeUpgrade
	case fiber.StatusServiceUnavailable:
		return ErrorCodeUnavailable
	}
	if status >= fiber.StatusInternalServerError {
		return ErrorCodeInternal
	}
	return ErrorCodeBadRequest
}
