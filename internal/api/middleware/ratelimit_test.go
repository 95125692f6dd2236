package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

func TestNewRateLimiter(t *testing.T) {
	gin.SetMode(gin.TestMode)

	t.Run("valid configuration", func(t *testing.T) {
		mw, err := NewRateLimiter(10, "1m", zerolog.Nop())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if mw == nil {
			t.Fatal("expected non-nil middleware")
		}
	})

	t.Run("invalid period", func(t *testing.T) {
		_, err := NewRateLimiter(10, "invalid", zerolog.Nop())
		if err == nil {
			t.Fatal("expected error for invalid period")
		}
	})

	t.Run("non-positive limit", func(t *testing.T) {
		_, err := NewRateLimiter(0, "1m", zerolog.Nop())
		if err == nil {
			t.Fatal("expected error for zero limit")
		}
	})

	t.Run("requests within limit succeed", func(t *testing.T) {
		mw, err := NewRateLimiter(5, "1m", zerolog.Nop())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		r := gin.New()
		r.Use(mw)
		r.GET("/test", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"ok": true})
		})

		for i := 0; i < 5; i++ {
			w := httptest.NewRecorder()
			req, _ := http.NewRequest("GET", "/test", nil)
			req.RemoteAddr = "127.0.0.1:12345"
			r.ServeHTTP(w, req)

			if w.Code != http.StatusOK {
				t.Fatalf("request %d: expected status 200, got %d", i+1, w.Code)
			}
		}
	})

	t.Run("requests exceeding limit rejected", func(t *testing.T) {
		mw, err := NewRateLimiter(2, "1m", zerolog.Nop())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		r := gin.New()
		r.Use(mw)
		r.GET("/test", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"ok": true})
		})

		// Exhaust the limit
		for i := 0; i < 2; i++ {
			w := httptest.NewRecorder()
			req, _ := http.NewRequest("GET", "/test", nil)
			req.RemoteAddr = "10.0.0.1:12345"
			r.ServeHTTP(w, req)
		}

		w := httptest.NewRecorder()
		req, _ := http.NewRequest("GET", "/test", nil)
		req.RemoteAddr = "10.0.0.1:12345"
		r.ServeHTTP(w, req)

		if w.Code != http.StatusTooManyRequests {
			t.Fatalf("expected status 429, got %d", w.Code)
		}
		if w.Header().Get("X-RateLimit-Limit") != "2" {
			t.Errorf("expected X-RateLimit-Limit 2, got %q", w.Header().Get("X-RateLimit-Limit"))
		}

		// A different client still has its own budget.
		w = httptest.NewRecorder()
		req, _ = http.NewRequest("GET", "/test", nil)
		req.RemoteAddr = "10.0.0.2:12345"
		r.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("expected status 200 for other client, got %d", w.Code)
		}
	})
}
