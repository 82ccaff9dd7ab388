package runtime

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/deepsearch/config"
)

func TestLoadJWTSecret(t *testing.T) {
	cfg := &config.Config{}
	cfg.General.JWTSecret = "from-config"
	secret, err := LoadJWTSecret(cfg)
	if err != nil {
		t.Fatalf("LoadJWTSecret: %v", err)
	}
	if string(secret) != "from-config" {
		t.Fatalf("secret = %q", secret)
	}

	cfg.General.JWTSecret = ""
	t.Setenv("DEEPSEARCH_JWT_SECRET", "from-env")
	secret, err = LoadJWTSecret(cfg)
	if err != nil {
		t.Fatalf("LoadJWTSecret env: %v", err)
	}
	if string(secret) != "from-env" {
		t.Fatalf("secret = %q", secret)
	}

	t.Setenv("DEEPSEARCH_JWT_SECRET", "")
	if _, err := LoadJWTSecret(cfg); err == nil {
		t.Fatal("expected error when no secret configured")
	}
}

func TestAuthMiddlewareRoundTrip(t *testing.T) {
	secret := []byte("test-secret")
	tok, err := SignJWT("user-42", secret, time.Hour)
	if err != nil {
		t.Fatalf("SignJWT: %v", err)
	}

	e := echo.New()
	var gotUser, gotSubject string
	handler := EchoAuthMiddleware(secret)(func(c echo.Context) error {
		gotUser, _ = c.Get("user_id").(string)
		gotSubject, _ = SubjectFromContext(c.Request().Context())
		return c.NoContent(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	if err := handler(e.NewContext(req, rec)); err != nil {
		t.Fatalf("handler: %v", err)
	}
	if gotUser != "user-42" || gotSubject != "user-42" {
		t.Fatalf("user = %q, subject = %q", gotUser, gotSubject)
	}
}

func TestAuthMiddlewareCookie(t *testing.T) {
	secret := []byte("test-secret")
	tok, err := SignJWT("user-7", secret, time.Hour)
	if err != nil {
		t.Fatalf("SignJWT: %v", err)
	}

	e := echo.New()
	var gotUser string
	handler := EchoAuthMiddleware(secret)(func(c echo.Context) error {
		gotUser, _ = c.Get("user_id").(string)
		return c.NoContent(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: "auth", Value: tok})
	rec := httptest.NewRecorder()
	if err := handler(e.NewContext(req, rec)); err != nil {
		t.Fatalf("handler: %v", err)
	}
	if gotUser != "user-7" {
		t.Fatalf("user = %q", gotUser)
	}
}

func TestAuthMiddlewareRejections(t *testing.T) {
	secret := []byte("test-secret")
	e := echo.New()
	handler := EchoAuthMiddleware(secret)(func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})

	cases := []struct {
		name  string
		setup func(*http.Request)
	}{
		{"missing token", func(r *http.Request) {}},
		{"garbage token", func(r *http.Request) { r.Header.Set("Authorization", "Bearer nope") }},
		{"wrong secret", func(r *http.Request) {
			tok, _ := SignJWT("user-1", []byte("other-secret"), time.Hour)
			r.Header.Set("Authorization", "Bearer "+tok)
		}},
		{"expired", func(r *http.Request) {
			tok, _ := SignJWT("user-1", secret, -time.Minute)
			r.Header.Set("Authorization", "Bearer "+tok)
		}},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		tc.setup(req)
		rec := httptest.NewRecorder()
		err := handler(e.NewContext(req, rec))
		he, ok := err.(*echo.HTTPError)
		if !ok || he.Code != http.StatusUnauthorized {
			t.Fatalf("%s: err = %v", tc.name, err)
		}
	}
}
