package api

import (
	"net/http"

	"github.com/labstack/echo/v5"
	"golang.org/x/time/rate"

	"github.com/samcharles93/attnlens/internal/logger"
)

// WithLogger attaches log, tagged with the request path, to every request
// context so the engines log through it.
func WithLogger(log logger.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			req := c.Request()
			ctx := logger.WithContext(req.Context(), log.With("method", req.Method, "path", req.URL.Path))
			c.SetRequest(req.WithContext(ctx))
			return next(c)
		}
	}
}

// RateLimit rejects requests beyond perSecond sustained with the given burst.
// A non-positive rate disables the limiter.
func RateLimit(perSecond float64, burst int) echo.MiddlewareFunc {
	if perSecond <= 0 {
		return func(next echo.HandlerFunc) echo.HandlerFunc { return next }
	}
	limiter := rate.NewLimiter(rate.Limit(perSecond), max(burst, 1))
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			if !limiter.Allow() {
				return writeError(c, http.StatusTooManyRequests, "rate_limit_error", "too many requests", "", "rate_limited")
			}
			return next(c)
		}
	}
}
