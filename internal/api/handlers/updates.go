package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/MacJediWizard/serialkeeper/internal/updater"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// UpdateChecker is the cached release check.
type UpdateChecker interface {
	Check(ctx context.Context) (*updater.UpdateInfo, error)
	ForceCheck(ctx context.Context) (*updater.UpdateInfo, error)
	GetCachedInfo() *updater.UpdateInfo
	Settings() (enabled, airGap bool)
	SetEnabled(enabled bool)
	SetAirGapMode(enabled bool)
}

// UpdateSettingsRequest toggles update checking at runtime. Omitted fields
// are left unchanged.
type UpdateSettingsRequest struct {
	Enabled    *bool `json:"enabled"`
	AirGapMode *bool `json:"air_gap_mode"`
}

// UpdateSettingsResponse reports the switches after a change.
type UpdateSettingsResponse struct {
	Enabled    bool `json:"enabled"`
	AirGapMode bool `json:"air_gap_mode"`
}

// UpdatesHandler handles update checking HTTP endpoints.
type UpdatesHandler struct {
	checker UpdateChecker
	logger  zerolog.Logger
}

// NewUpdatesHandler creates a new UpdatesHandler. checker may be nil when
// updates are disabled.
func NewUpdatesHandler(checker UpdateChecker, logger zerolog.Logger) *UpdatesHandler {
	return &UpdatesHandler{
		checker: checker,
		logger:  logger.With().Str("component", "updates_handler").Logger(),
	}
}

// RegisterRoutes registers the public update routes.
func (h *UpdatesHandler) RegisterRoutes(r *gin.RouterGroup) {
	updates := r.Group("/updates")
	{
		updates.GET("", h.Check)
		updates.GET("/check", h.Check)
		updates.GET("/status", h.Status)
	}
}

// RegisterAdminRoutes registers routes that need the admin token.
func (h *UpdatesHandler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/updates/check", h.ForceCheck)
	r.PUT("/updates/settings", h.UpdateSettings)
}

// Check returns the update status, using the cached result within the
// check interval.
// GET /api/v1/updates or GET /api/v1/updates/check
func (h *UpdatesHandler) Check(c *gin.Context) {
	if h.checker == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "update checking not configured"})
		return
	}
	h.respond(c, h.checker.Check)
}

// ForceCheck queries the release source, bypassing the cache.
// POST /api/v1/updates/check
func (h *UpdatesHandler) ForceCheck(c *gin.Context) {
	if h.checker == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "update checking not configured"})
		return
	}
	h.respond(c, h.checker.ForceCheck)
}

// Status returns the last cached result without contacting the release source.
// GET /api/v1/updates/status
func (h *UpdatesHandler) Status(c *gin.Context) {
	if h.checker == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "update checking not configured"})
		return
	}

	info := h.checker.GetCachedInfo()
	if info == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "no update check has completed yet"})
		return
	}
	c.JSON(http.StatusOK, info)
}

// UpdateSettings switches update checking or air-gap mode until restart.
// PUT /api/v1/updates/settings
func (h *UpdatesHandler) UpdateSettings(c *gin.Context) {
	if h.checker == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "update checking not configured"})
		return
	}

	var req UpdateSettingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}
	if req.Enabled == nil && req.AirGapMode == nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "enabled or air_gap_mode is required"})
		return
	}

	if req.Enabled != nil {
		h.checker.SetEnabled(*req.Enabled)
	}
	if req.AirGapMode != nil {
		h.checker.SetAirGapMode(*req.AirGapMode)
	}

	enabled, airGap := h.checker.Settings()
	h.logger.Info().
		Bool("enabled", enabled).
		Bool("air_gap_mode", airGap).
		Msg("update settings changed")
	c.JSON(http.StatusOK, UpdateSettingsResponse{Enabled: enabled, AirGapMode: airGap})
}

func (h *UpdatesHandler) respond(c *gin.Context, check func(context.Context) (*updater.UpdateInfo, error)) {
	info, err := check(c.Request.Context())
	if err != nil {
		status := updateStatus(err)
		switch {
		case errors.Is(err, updater.ErrAirGapMode):
			c.JSON(status, gin.H{"error": updater.Message(err), "enabled": false, "air_gap_mode": true})
		case errors.Is(err, updater.ErrCheckDisabled):
			c.JSON(status, gin.H{"error": updater.Message(err), "enabled": false})
		default:
			h.logger.Warn().Err(err).Msg("failed to check for updates")
			c.JSON(status, ErrorResponse{Error: updater.Message(err)})
		}
		return
	}

	c.JSON(http.StatusOK, info)
}
