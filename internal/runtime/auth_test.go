package runtime

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
)

func TestEchoAuthMiddlewareBearer(t *testing.T) {
	secret := []byte("test-secret")
	tok, err := SignJWT("user-1", secret, time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	var gotSubject string
	h := EchoAuthMiddleware(secret)(func(c echo.Context) error {
		sub, ok := SubjectFromContext(c.Request().Context())
		if !ok {
			t.Fatalf("subject missing from request context")
		}
		gotSubject = sub
		return c.NoContent(http.StatusOK)
	})
	if err := h(c); err != nil {
		t.Fatalf("handler: %v", err)
	}
	if gotSubject != "user-1" {
		t.Fatalf("subject = %q, want user-1", gotSubject)
	}
}

func TestEchoAuthMiddlewareCookie(t *testing.T) {
	secret := []byte("test-secret")
	tok, err := SignJWT("user-2", secret, time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: "auth", Value: tok})
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	h := EchoAuthMiddleware(secret)(func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})
	if err := h(c); err != nil {
		t.Fatalf("handler: %v", err)
	}
}

func TestEchoAuthMiddlewareRejects(t *testing.T) {
	secret := []byte("test-secret")
	e := echo.New()

	cases := map[string]func(*http.Request){
		"missing token": func(r *http.Request) {},
		"garbage token": func(r *http.Request) { r.Header.Set("Authorization", "Bearer not-a-jwt") },
		"wrong secret": func(r *http.Request) {
			tok, _ := SignJWT("user-3", []byte("other-secret"), time.Hour)
			r.Header.Set("Authorization", "Bearer "+tok)
		},
		"expired": func(r *http.Request) {
			tok, _ := SignJWT("user-4", secret, -time.Minute)
			r.Header.Set("Authorization", "Bearer "+tok)
		},
	}
	for name, setup := range cases {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		setup(req)
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)
		h := EchoAuthMiddleware(secret)(func(c echo.Context) error {
			return c.NoContent(http.StatusOK)
		})
		err := h(c)
		he, ok := err.(*echo.HTTPError)
		if !ok || he.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401 HTTPError, got %v", name, err)
		}
	}
}
