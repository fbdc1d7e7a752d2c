package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/groundctl/groundctl/pkg/store"
)

// Stable error codes carried in the response envelope.
const (
	CodeNotFound     = "NOT_FOUND"
	CodeValidation   = "VALIDATION_ERROR"
	CodeInvalidState = "INVALID_STATE"
	CodeConflict     = "CONFLICT"
	CodeUnauthorized = "UNAUTHORIZED"
	CodeInternal     = "INTERNAL_ERROR"
)

// errorBody is the error half of the response envelope.
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type errorEnvelope struct {
	Success bool      `json:"success"`
	Error   errorBody `json:"error"`
}

// apiError is a fully resolved HTTP error.
type apiError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *apiError) Error() string { return e.Message }

func unauthorized(message string) *apiError {
	return &apiError{Status: http.StatusUnauthorized, Code: CodeUnauthorized, Message: message}
}

// validationError reports a 400 with field-keyed issue details.
func validationError(issues map[string]string) *apiError {
	return &apiError{
		Status:  http.StatusBadRequest,
		Code:    CodeValidation,
		Message: "validation failed",
		Details: issues,
	}
}

// mapError resolves any handler error to an apiError. Store errors map per
// the taxonomy; unknown errors become sanitized 500s with the cause logged.
func mapError(err error) *apiError {
	var ae *apiError
	if errors.As(err, &ae) {
		return ae
	}

	var notFound *store.NotFoundError
	if errors.As(err, &notFound) {
		return &apiError{Status: http.StatusNotFound, Code: CodeNotFound, Message: notFound.Error()}
	}
	var invalid *store.InvalidTransitionError
	if errors.As(err, &invalid) {
		return &apiError{
			Status:  http.StatusConflict,
			Code:    CodeInvalidState,
			Message: invalid.Error(),
			Details: map[string]string{"from": string(invalid.From), "to": string(invalid.To)},
		}
	}
	var conflict *store.ConflictError
	if errors.As(err, &conflict) {
		return &apiError{Status: http.StatusConflict, Code: CodeConflict, Message: conflict.Error()}
	}
	var precondition *store.PreconditionError
	if errors.As(err, &precondition) {
		return &apiError{Status: http.StatusConflict, Code: CodeConflict, Message: precondition.Error()}
	}
	if errors.Is(err, store.ErrNotFound) {
		return &apiError{Status: http.StatusNotFound, Code: CodeNotFound, Message: "resource not found"}
	}

	var httpErr *echo.HTTPError
	if errors.As(err, &httpErr) {
		msg := http.StatusText(httpErr.Code)
		if s, ok := httpErr.Message.(string); ok {
			msg = s
		}
		return &apiError{Status: httpErr.Code, Code: codeForStatus(httpErr.Code), Message: msg}
	}

	slog.Error("Unhandled API error", "error", err)
	return &apiError{Status: http.StatusInternalServerError, Code: CodeInternal, Message: "internal server error"}
}

func codeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return CodeValidation
	case http.StatusUnauthorized:
		return CodeUnauthorized
	case http.StatusNotFound:
		return CodeNotFound
	case http.StatusConflict:
		return CodeConflict
	default:
		return CodeInternal
	}
}

// errorHandler is the echo HTTPErrorHandler producing the envelope.
func errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	ae := mapError(err)
	body := errorEnvelope{Success: false, Error: errorBody{
		Code:    ae.Code,
		Message: ae.Message,
		Details: ae.Details,
	}}
	if c.Request().Method == http.MethodHead {
		if err := c.NoContent(ae.Status); err != nil {
			slog.Debug("Error response write failed", "error", err)
		}
		return
	}
	if err := c.JSON(ae.Status, body); err != nil {
		slog.Debug("Error response write failed", "error", err)
	}
}
