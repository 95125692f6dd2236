package middleware

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/ulule/limiter/v3"
	mgin "github.com/ulule/limiter/v3/drivers/middleware/gin"
	"github.com/ulule/limiter/v3/drivers/store/memory"
)

// NewRateLimiter creates a Gin middleware that limits requests per client IP.
// requests is the number of requests allowed per period.
// period is a duration string (e.g., "1m", "1h", "24h").
func NewRateLimiter(requests int64, period string, logger zerolog.Logger) (gin.HandlerFunc, error) {
	duration, err := time.ParseDuration(period)
	if err != nil {
		return nil, fmt.Errorf("invalid rate limit period %q: %w", period, err)
	}
	if requests <= 0 {
		return nil, fmt.Errorf("invalid rate limit %d: must be positive", requests)
	}

	rate := limiter.Rate{
		Period: duration,
		Limit:  requests,
	}

	log := logger.With().Str("component", "rate_limiter").Logger()
	instance := limiter.New(memory.NewStore(), rate)

	return mgin.NewMiddleware(instance,
		mgin.WithLimitReachedHandler(func(c *gin.Context) {
			log.Warn().Str("client_ip", c.ClientIP()).Str("path", c.Request.URL.Path).Msg("rate limit reached")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, ErrorResponse{Error: "too many requests, try again later"})
		}),
		mgin.WithErrorHandler(func(c *gin.Context, err error) {
			log.Error().Err(err).Msg("rate limiter store failed")
			c.AbortWithStatusJSON(http.StatusInternalServerError, ErrorResponse{Error: "internal error"})
		}),
	), nil
}
