package httpapi

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	apperrors "confluence/pkg/errors"
	"confluence/pkg/tracing"
	"confluence/pkg/utils"
)

// TracingMiddleware instruments every request as an HTTP span, adapted
// verbatim from middleware of the same name onto
// pkg/tracing.TraceHTTPRequest.
func TracingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracing.TraceHTTPRequest(c.Request.Context(), c.Request.Method, c.FullPath())
		defer span.End()

		span.SetAttributes(
			attribute.String("http.host", c.Request.Host),
			attribute.String("http.user_agent", c.Request.UserAgent()),
			attribute.String("http.remote_addr", c.ClientIP()),
		)
		c.Request = c.Request.WithContext(ctx)

		start := time.Now()
		c.Next()

		span.SetAttributes(
			attribute.Int("http.status_code", c.Writer.Status()),
			attribute.Int64("http.duration_ms", time.Since(start).Milliseconds()),
		)
		if c.Writer.Status() >= 400 {
			span.SetStatus(codes.Error, c.Errors.String())
		} else {
			span.SetStatus(codes.Ok, "")
		}
	}
}

// RequestIDMiddleware stamps every request with a correlation id (reused
// from an inbound X-Request-Id header when present) so log lines for one
// request can be grepped together.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-Id")
		if id == "" {
			id = utils.GenerateID("req")
		}
		c.Set("requestId", id)
		c.Writer.Header().Set("X-Request-Id", id)
		c.Next()
	}
}

// ErrorHandlerMiddleware translates an *pkg/errors.AppError left on the gin
// context into its structured HTTP response; anything else becomes a bare
// 500. ErrorHandlerMiddleware.
func ErrorHandlerMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}
		err := c.Errors.Last().Err

		if appErr := apperrors.GetAppError(err); appErr != nil {
			logger.Errorw("application error",
				"code", appErr.Code,
				"message", appErr.Message,
				"status", appErr.HTTPStatus,
				"path", c.Request.URL.Path,
				"requestId", c.GetString("requestId"),
			)
			c.JSON(appErr.HTTPStatus, gin.H{
				"error":   string(appErr.Code),
				"message": appErr.Message,
			})
			return
		}

		logger.Errorw("unhandled error",
			"error", err.Error(),
			"path", c.Request.URL.Path,
			"requestId", c.GetString("requestId"),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   string(apperrors.ErrCodeInternal),
			"message": "internal server error",
		})
	}
}

// RecoveryMiddleware recovers a panicking handler into a structured 500
// instead of gin's default plaintext trace dump.
func RecoveryMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Errorw("panic recovered",
					"error", rec,
					"path", c.Request.URL.Path,
					"requestId", c.GetString("requestId"),
				)
				c.JSON(http.StatusInternalServerError, gin.H{
					"error":   string(apperrors.ErrCodeInternal),
					"message": "internal server error",
				})
				c.Abort()
			}
		}()
		c.Next()
	}
}

// rateLimiterStore is a per-key (client IP) rate limiter, the same shape
// as internal/infrastructure/middleware/rate_limit_middleware.go.
type rateLimiterStore struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

func newRateLimiterStore(rps rate.Limit, burst int) *rateLimiterStore {
	return &rateLimiterStore{limiters: make(map[string]*rate.Limiter), rps: rps, burst: burst}
}

func (s *rateLimiterStore) getLimiter(key string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	lim, ok := s.limiters[key]
	if !ok {
		lim = rate.NewLimiter(s.rps, s.burst)
		s.limiters[key] = lim
	}
	return lim
}

// RateLimitMiddleware applies IP-keyed and, optionally, global-concurrency
// HTTP rate limiting per pkg/config.Config.RateLimiting.HTTP.
func RateLimitMiddleware(enabled bool, requestsPerSecond float64, burst int, maxConcurrent int) gin.HandlerFunc {
	if !enabled {
		return func(c *gin.Context) { c.Next() }
	}

	store := newRateLimiterStore(rate.Limit(requestsPerSecond), burst)
	var globalSem chan struct{}
	if maxConcurrent > 0 {
		globalSem = make(chan struct{}, maxConcurrent)
	}

	return func(c *gin.Context) {
		if globalSem != nil {
			select {
			case globalSem <- struct{}{}:
				defer func() { <-globalSem }()
			default:
				c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "too many concurrent requests"})
				return
			}
		}

		if !store.getLimiter(utils.ClientIP(c.Request)).Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}
