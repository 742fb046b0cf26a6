package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestTokenOK(t *testing.T) {
	if !tokenOK(nil, "") {
		t.Fatalf("expected true when no secret configured")
	}
	r := httptest.NewRequest(http.MethodGet, "/?token=secret", nil)
	if !tokenOK(r, "secret") {
		t.Fatalf("expected true with query token")
	}
	r2 := httptest.NewRequest(http.MethodGet, "/", nil)
	r2.Header.Set("X-Auth-Token", "tok")
	if !tokenOK(r2, "tok") {
		t.Fatalf("expected true with X-Auth-Token")
	}
	r3 := httptest.NewRequest(http.MethodGet, "/", nil)
	r3.Header.Set("Authorization", "bearer abc")
	if !tokenOK(r3, "abc") {
		t.Fatalf("expected true with lowercase bearer prefix")
	}
	r4 := httptest.NewRequest(http.MethodGet, "/?token=wrong", nil)
	if tokenOK(r4, "secret") {
		t.Fatalf("expected false with wrong token")
	}
}

func TestBearerAuth_GuardsOnlyAPIRoutes(t *testing.T) {
	e := echo.New()
	e.Use(BearerAuth(func() string { return "secret" }))
	e.GET("/health", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/api/thing", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })

	r := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	e.ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("health must not require auth, got %d", w.Code)
	}

	r2 := httptest.NewRequest(http.MethodGet, "/api/thing", nil)
	w2 := httptest.NewRecorder()
	e.ServeHTTP(w2, r2)
	if w2.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", w2.Code)
	}

	r3 := httptest.NewRequest(http.MethodGet, "/api/thing", nil)
	r3.Header.Set("Authorization", "Bearer secret")
	w3 := httptest.NewRecorder()
	e.ServeHTTP(w3, r3)
	if w3.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", w3.Code)
	}
}
