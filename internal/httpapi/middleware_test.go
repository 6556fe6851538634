package httpapi

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "confluence/pkg/errors"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestRequestIDMiddleware_GeneratesWhenAbsent(t *testing.T) {
	router := gin.New()
	router.Use(RequestIDMiddleware())
	router.GET("/", func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString("requestId"))
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatal("expected a generated X-Request-Id header")
	}
	if rec.Body.String() != rec.Header().Get("X-Request-Id") {
		t.Fatalf("context requestId %q did not match response header %q", rec.Body.String(), rec.Header().Get("X-Request-Id"))
	}
}

func TestRequestIDMiddleware_ReusesInboundHeader(t *testing.T) {
	router := gin.New()
	router.Use(RequestIDMiddleware())
	router.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-Id", "caller-supplied-id")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Request-Id"); got != "caller-supplied-id" {
		t.Fatalf("expected inbound id to be echoed, got %q", got)
	}
}

func TestErrorHandlerMiddleware_AppErrorUsesItsStatus(t *testing.T) {
	router := gin.New()
	router.Use(ErrorHandlerMiddleware(zap.NewNop().Sugar()))
	router.GET("/", func(c *gin.Context) {
		c.Error(apperrors.NewNotFoundError("room"))
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestErrorHandlerMiddleware_PlainErrorBecomes500(t *testing.T) {
	router := gin.New()
	router.Use(ErrorHandlerMiddleware(zap.NewNop().Sugar()))
	router.GET("/", func(c *gin.Context) {
		c.Error(errors.New("boom"))
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

func TestRecoveryMiddleware_CatchesPanic(t *testing.T) {
	router := gin.New()
	router.Use(RecoveryMiddleware(zap.NewNop().Sugar()))
	router.GET("/", func(c *gin.Context) {
		panic("unexpected")
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 after recovered panic, got %d", rec.Code)
	}
}

func TestRateLimitMiddleware_DisabledIsNoop(t *testing.T) {
	router := gin.New()
	router.Use(RateLimitMiddleware(false, 1, 1, 0))
	router.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200 with rate limiting disabled, got %d", i, rec.Code)
		}
	}
}

func TestRateLimitMiddleware_EnabledRejectsBurstOverflow(t *testing.T) {
	router := gin.New()
	router.Use(RateLimitMiddleware(true, 1, 1, 0))
	router.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "203.0.113.7:5555"

	first := httptest.NewRecorder()
	router.ServeHTTP(first, req)
	if first.Code != http.StatusOK {
		t.Fatalf("expected first request to pass, got %d", first.Code)
	}

	second := httptest.NewRecorder()
	router.ServeHTTP(second, req)
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("expected second request within the same burst window to be throttled, got %d", second.Code)
	}
}

func TestRateLimitMiddleware_TracksClientsIndependently(t *testing.T) {
	router := gin.New()
	router.Use(RateLimitMiddleware(true, 1, 1, 0))
	router.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	reqA := httptest.NewRequest(http.MethodGet, "/", nil)
	reqA.RemoteAddr = "198.51.100.1:1111"
	reqB := httptest.NewRequest(http.MethodGet, "/", nil)
	reqB.RemoteAddr = "198.51.100.2:2222"

	recA := httptest.NewRecorder()
	router.ServeHTTP(recA, reqA)
	recB := httptest.NewRecorder()
	router.ServeHTTP(recB, reqB)

	if recA.Code != http.StatusOK || recB.Code != http.StatusOK {
		t.Fatalf("expected distinct clients to each get their own burst, got %d and %d", recA.Code, recB.Code)
	}
}
