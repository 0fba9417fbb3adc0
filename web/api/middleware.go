package api

import (
	"log/slog"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/hochfrequenz/roomote-orchestrator/internal/authtoken"
	"github.com/hochfrequenz/roomote-orchestrator/internal/domain"
)

const contextKeyClaims = "claims"

// RequestLogger logs each HTTP request with structured fields.
func RequestLogger(log *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)

			log.Info("http request",
				"method", c.Request().Method,
				"path", c.Request().URL.Path,
				"status", c.Response().Status,
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", c.Response().Header().Get(echo.HeaderXRequestID),
			)

			return err
		}
	}
}

// JWTAuth validates the Bearer API token and stores its claims in the echo
// context.
func JWTAuth(tokens TokenValidator) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if tokens == nil {
				return domain.ErrUnauthorized
			}
			header := c.Request().Header.Get("Authorization")
			if header == "" {
				return domain.ErrUnauthorized
			}

			parts := strings.SplitN(header, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				return domain.ErrUnauthorized
			}

			claims, err := tokens.Validate(parts[1], authtoken.TypeAPI)
			if err != nil {
				return domain.ErrUnauthorized
			}

			c.Set(contextKeyClaims, claims)
			return next(c)
		}
	}
}

// GetClaims extracts the authenticated claims from echo context.
func GetClaims(c echo.Context) (*authtoken.Claims, bool) {
	claims, ok := c.Get(contextKeyClaims).(*authtoken.Claims)
	return claims, ok
}
