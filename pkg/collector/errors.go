package collector

import (
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/libresiem/libresiem/pkg/auth"
)

// errorBody is the JSON shape of every error response. Error carries the
// taxonomy code, Message the human-readable detail.
type errorBody struct {
	Status  string `json:"status"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

// errorCode maps an HTTP status onto the error taxonomy.
func errorCode(status int) string {
	switch status {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return "validation_error"
	case http.StatusUnauthorized:
		return "auth_error"
	case http.StatusForbidden:
		return "scope_error"
	case http.StatusTooManyRequests:
		return "rate_limit"
	case http.StatusServiceUnavailable:
		return "upstream_unavailable"
	default:
		return "internal"
	}
}

// errorHandler renders echo.HTTPError values as structured JSON. Anything
// else is logged and becomes a 500 without leaking internals.
func errorHandler(c echo.Context, err error) {
	if c.Response().Committed {
		return
	}

	code := http.StatusInternalServerError
	message := "internal server error"

	var httpErr *echo.HTTPError
	if errors.As(err, &httpErr) {
		code = httpErr.Code
		if msg, ok := httpErr.Message.(string); ok {
			message = msg
		} else {
			message = http.StatusText(code)
		}
	} else {
		slog.Error("Unhandled API error", "error", err, "path", c.Request().URL.Path)
	}

	body := errorBody{Status: "error", Error: errorCode(code), Message: message}
	if writeErr := c.JSON(code, body); writeErr != nil {
		slog.Error("Failed to write error response", "error", writeErr)
	}
}

// mapAuthError translates auth failures to their HTTP status.
func mapAuthError(err error) *echo.HTTPError {
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid username or password")
	case errors.Is(err, auth.ErrUserDisabled):
		return echo.NewHTTPError(http.StatusForbidden, "account is disabled")
	case errors.Is(err, auth.ErrLockedOut):
		return echo.NewHTTPError(http.StatusTooManyRequests, "too many failed login attempts")
	case errors.Is(err, auth.ErrInvalidToken):
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid or expired token")
	case errors.Is(err, auth.ErrMissingScope):
		return echo.NewHTTPError(http.StatusForbidden, "insufficient permissions")
	}
	slog.Error("Unexpected auth error", "error", err)
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}

// mapIngestError translates publish failures to their HTTP status. By the
// time an event reaches the bus it has passed validation, so anything that
// goes wrong here is a backend problem.
func mapIngestError(err error) *echo.HTTPError {
	slog.Error("Failed to accept event", "error", err)
	return echo.NewHTTPError(http.StatusServiceUnavailable, "event pipeline unavailable")
}
