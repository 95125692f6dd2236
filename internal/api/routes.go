// Package api provides the HTTP API of the serialkeeper issuer server.
package api

import (
	"net/http"

	"github.com/MacJediWizard/serialkeeper/internal/api/handlers"
	"github.com/MacJediWizard/serialkeeper/internal/api/middleware"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// Config holds configuration for the API router.
type Config struct {
	// RateLimitRequests is the number of requests allowed per period.
	RateLimitRequests int64
	// RateLimitPeriod is the duration string for rate limiting (e.g. "1m", "1h").
	RateLimitPeriod string
	// MaxBodyBytes caps request bodies; zero means middleware.DefaultMaxBodyBytes.
	MaxBodyBytes int64
	// AdminTokenHash is the bcrypt hash guarding issuance. Empty disables it.
	AdminTokenHash string
	// Version information for the version endpoint.
	Version   string
	Commit    string
	BuildDate string
}

// DefaultConfig returns a Config with sensible defaults for development.
func DefaultConfig() Config {
	return Config{
		RateLimitRequests: 60,
		RateLimitPeriod:   "1m",
		Version:           "dev",
		Commit:            "unknown",
		BuildDate:         "unknown",
	}
}

// Engine is the license engine as seen by the API.
type Engine interface {
	handlers.SerialEngine
	handlers.LicenseEngine
}

// Metrics is the Prometheus side of the API.
type Metrics interface {
	middleware.RequestRecorder
	Handler() http.Handler
}

// Dependencies are the services the routes call into. Checker and Metrics
// may be nil.
type Dependencies struct {
	Engine  Engine
	Store   handlers.StoreHealthChecker
	Checker handlers.UpdateChecker
	Metrics Metrics
}

// Router wraps a Gin engine with configured middleware and routes.
type Router struct {
	Engine *gin.Engine
	logger zerolog.Logger
}

// NewRouter creates a new Router with the given dependencies.
func NewRouter(cfg Config, deps Dependencies, logger zerolog.Logger) (*Router, error) {
	r := &Router{
		Engine: gin.New(),
		logger: logger.With().Str("component", "router").Logger(),
	}

	// Global middleware
	r.Engine.Use(gin.Recovery())
	r.Engine.Use(middleware.RequestLogger(logger))
	if deps.Metrics != nil {
		r.Engine.Use(middleware.Metrics(deps.Metrics))
	}
	r.Engine.Use(middleware.BodyLimitMiddleware(cfg.MaxBodyBytes))

	rateLimiter, err := middleware.NewRateLimiter(cfg.RateLimitRequests, cfg.RateLimitPeriod, logger)
	if err != nil {
		return nil, err
	}

	// Health, version and metrics endpoints (no rate limit, no auth)
	handlers.NewHealthHandler(deps.Store, logger).RegisterPublicRoutes(r.Engine)
	handlers.NewVersionHandler(cfg.Version, cfg.Commit, cfg.BuildDate).RegisterPublicRoutes(r.Engine)
	if deps.Metrics != nil {
		r.Engine.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}

	serials := handlers.NewSerialsHandler(deps.Engine, logger)
	licenses := handlers.NewLicensesHandler(deps.Engine, logger)
	updates := handlers.NewUpdatesHandler(deps.Checker, logger)

	// API v1 routes
	apiV1 := r.Engine.Group("/api/v1")
	apiV1.Use(rateLimiter)
	serials.RegisterRoutes(apiV1)
	licenses.RegisterRoutes(apiV1)
	updates.RegisterRoutes(apiV1)

	// Admin routes (bearer token required)
	admin := apiV1.Group("")
	admin.Use(middleware.AdminAuth(cfg.AdminTokenHash, logger))
	serials.RegisterAdminRoutes(admin)
	licenses.RegisterAdminRoutes(admin)
	updates.RegisterAdminRoutes(admin)

	r.logger.Debug().Bool("admin_enabled", cfg.AdminTokenHash != "").Msg("routes registered")
	return r, nil
}

// ServeHTTP implements http.Handler.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.Engine.ServeHTTP(w, req)
}
