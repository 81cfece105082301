package collector

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	echo "github.com/labstack/echo/v5"

	"github.com/libresiem/libresiem/pkg/auth"
	"github.com/libresiem/libresiem/pkg/ratelimit"
)

const claimsContextKey = "auth.claims"

// securityHeaders sets standard security response headers.
func securityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			return next(c)
		}
	}
}

// corsAllowList handles cross-origin requests for the configured origins
// only. An empty allow list disables CORS entirely.
func corsAllowList(origins []string) echo.MiddlewareFunc {
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		allowed[o] = struct{}{}
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			origin := c.Request().Header.Get("Origin")
			if origin == "" {
				return next(c)
			}
			if _, ok := allowed[origin]; !ok {
				if c.Request().Method == http.MethodOptions {
					return c.NoContent(http.StatusForbidden)
				}
				return next(c)
			}

			h := c.Response().Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Vary", "Origin")
			if c.Request().Method == http.MethodOptions {
				h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
				h.Set("Access-Control-Max-Age", "600")
				return c.NoContent(http.StatusNoContent)
			}
			return next(c)
		}
	}
}

// requireAuth validates the bearer token and the scope, and stashes the
// claims on the context.
func (s *Server) requireAuth(scope string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			header := c.Request().Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing bearer token")
			}

			claims, err := s.auth.Verify(token)
			if err != nil {
				return mapAuthError(err)
			}
			if err := s.auth.RequireScope(claims, scope); err != nil {
				return mapAuthError(err)
			}

			c.Set(claimsContextKey, claims)
			return next(c)
		}
	}
}

// claimsFrom returns the claims placed by requireAuth, or nil.
func claimsFrom(c echo.Context) *auth.Claims {
	claims, _ := c.Get(claimsContextKey).(*auth.Claims)
	return claims
}

// principal identifies the caller for rate limiting: the authenticated
// username when present, the client address otherwise.
func principal(c echo.Context) string {
	if claims := claimsFrom(c); claims != nil {
		return "user:" + claims.Subject
	}
	return "ip:" + c.RealIP()
}

// rateLimit enforces a quota per principal and sets the X-RateLimit-*
// headers on every response.
func (s *Server) rateLimit(quota ratelimit.Quota) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			res, err := s.limiter.Allow(c.Request().Context(), quota, principal(c))
			if err != nil {
				// Fail open: rate limiting protects the pipeline, it must
				// not take ingestion down with the cache.
				s.logger.Warn("Rate limit check failed, allowing request", "error", err)
				return next(c)
			}

			setRateLimitHeaders(c, res)
			if !res.Allowed {
				c.Response().Header().Set("Retry-After",
					strconv.Itoa(int(res.Reset.Seconds())))
				return echo.NewHTTPError(http.StatusTooManyRequests,
					fmt.Sprintf("rate limit exceeded for %s", quota.Name))
			}
			return next(c)
		}
	}
}

func setRateLimitHeaders(c echo.Context, res ratelimit.Result) {
	h := c.Response().Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	h.Set("X-RateLimit-Reset", strconv.Itoa(int(res.Reset.Seconds())))
}
