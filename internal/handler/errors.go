package handler

import (
	"net/http"

	"github.com/cockroachdb/errors"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/iliyamo/flash-sale/internal/apperr"
)

// writeError maps the apperr taxonomy onto HTTP statuses. Unclassified
// errors are logged and answered with 500.
func writeError(c echo.Context, log zerolog.Logger, err error) error {
	switch {
	case errors.Is(err, apperr.ErrInvalidArgument):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid_argument", "message": err.Error()})
	case errors.Is(err, apperr.ErrActivityNotFound), errors.Is(err, apperr.ErrNotFound):
		return c.JSON(http.StatusNotFound, echo.Map{"error": "not_found"})
	case errors.Is(err, apperr.ErrActivityNotOpen):
		return c.JSON(http.StatusForbidden, echo.Map{"error": "not_open"})
	case errors.Is(err, apperr.ErrActivityClosed):
		return c.JSON(http.StatusForbidden, echo.Map{"error": "closed"})
	case apperr.IsTransient(err), errors.Is(err, apperr.ErrLockNotAcquired):
		log.Warn().Err(err).Str("path", c.Path()).Msg("dependency unavailable")
		c.Response().Header().Set("Retry-After", "1")
		return c.JSON(http.StatusServiceUnavailable, echo.Map{"error": "temporarily_unavailable"})
	}
	log.Error().Err(err).Str("path", c.Path()).Msg("request failed")
	return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal_error"})
}
