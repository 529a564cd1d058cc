package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// Authenticate rejects requests that do not carry the expected static token.
func Authenticate(token string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			if c.Request().Header.Get("X-Auth-Token") != token {
				return c.JSON(http.StatusUnauthorized, echo.Map{
					"message": "authorization failed",
				})
			}

			return next(c)
		}
	}
}
