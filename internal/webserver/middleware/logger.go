package middleware

import (
	"time"

	"github.com/labstack/echo/v4"
	"github.com/mdouchement/logger"
)

// Logger logs every handled request with its outcome.
func Logger(log logger.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)
			if err != nil {
				c.Error(err)
			}

			handler, _ := c.Get("handler_method").(string)

			log.WithPrefix("[http]").Infof("%s %s %s -> %d (%s)",
				c.Request().Method,
				c.Request().URL.Path,
				handler,
				c.Response().Status,
				time.Since(start),
			)
			return nil
		}
	}
}
