package middleware

// identity.go resolves the authenticated user placed in the context by
// JWTAuth. The subject claim arrives as a JSON number (float64) from
// tokens minted by utils.NewAccessToken, or as a string from other issuers.

import (
	"strconv"

	"github.com/labstack/echo/v4"
)

// CurrentUserID returns the authenticated user id, or false when the
// request carries no usable identity.
func CurrentUserID(c echo.Context) (uint64, bool) {
	switch t := c.Get("user_id").(type) {
	case uint64:
		return t, t != 0
	case int64:
		return uint64(t), t > 0
	case int:
		return uint64(t), t > 0
	case float64:
		return uint64(t), t >= 1
	case string:
		if n, err := strconv.ParseUint(t, 10, 64); err == nil && n != 0 {
			return n, true
		}
	}
	return 0, false
}

// userKey is the rate-limit key component for the caller.
func userKey(c echo.Context) string {
	if id, ok := CurrentUserID(c); ok {
		return strconv.FormatUint(id, 10)
	}
	return "anon"
}
