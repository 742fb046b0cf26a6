// Package middleware carries the front door's request middleware.
package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// tokenOK checks the shared secret against the Authorization bearer header,
// the X-Auth-Token header, or a token query parameter.
func tokenOK(r *http.Request, expected string) bool {
	if expected == "" {
		return true
	}
	if r == nil {
		return false
	}
	candidates := make([]string, 0, 3)
	if q := r.URL.Query().Get("token"); q != "" {
		candidates = append(candidates, q)
	}
	ah := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(ah), "bearer ") {
		candidates = append(candidates, strings.TrimSpace(ah[len("Bearer "):]))
	}
	if x := r.Header.Get("X-Auth-Token"); x != "" {
		candidates = append(candidates, x)
	}
	for _, c := range candidates {
		if subtle.ConstantTimeCompare([]byte(c), []byte(expected)) == 1 {
			return true
		}
	}
	return false
}

// BearerAuth guards /api/ routes with a shared secret. An empty secret
// disables the check.
func BearerAuth(getToken func() string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !strings.HasPrefix(c.Request().URL.Path, "/api/") {
				return next(c)
			}
			if !tokenOK(c.Request(), getToken()) {
				return c.String(http.StatusUnauthorized, "unauthorized")
			}
			return next(c)
		}
	}
}
