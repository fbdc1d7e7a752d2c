package api

import (
	"crypto/subtle"
	"strings"

	"github.com/labstack/echo/v4"
)

// bearerAuth returns middleware enforcing `Authorization: Bearer <token>`
// with a constant-time comparison. An empty configured token disables auth.
func bearerAuth(token string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if token == "" {
				return next(c)
			}
			header := c.Request().Header.Get(echo.HeaderAuthorization)
			presented, ok := strings.CutPrefix(header, "Bearer ")
			if !ok {
				return unauthorized("missing bearer token")
			}
			if subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
				return unauthorized("invalid token")
			}
			return next(c)
		}
	}
}
