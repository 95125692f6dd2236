package handlers

import (
	"context"
	"net/http"

	"github.com/MacJediWizard/serialkeeper/internal/license"
	"github.com/MacJediWizard/serialkeeper/internal/models"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// LicenseEngine is the part of the license engine the license endpoints use.
type LicenseEngine interface {
	Check(ctx context.Context, subjectID string) (*models.LicenseReport, error)
	Activate(ctx context.Context, subjectID, token string) (*models.LicenseReport, error)
	SetAdmin(ctx context.Context, subjectID string, isAdmin bool) (*models.LicenseReport, error)
}

// ActivateRequest is the body of POST /api/v1/licenses/:subject/activate.
type ActivateRequest struct {
	Serial string `json:"serial" binding:"required"`
}

// SetAdminRequest is the body of PUT /api/v1/licenses/:subject/admin.
type SetAdminRequest struct {
	IsAdmin *bool `json:"is_admin" binding:"required"`
}

// LicensesHandler reports and activates stored licenses.
type LicensesHandler struct {
	engine LicenseEngine
	logger zerolog.Logger
}

// NewLicensesHandler creates a new LicensesHandler.
func NewLicensesHandler(engine LicenseEngine, logger zerolog.Logger) *LicensesHandler {
	return &LicensesHandler{
		engine: engine,
		logger: logger.With().Str("component", "licenses_handler").Logger(),
	}
}

// RegisterRoutes registers license routes on the given router group.
func (h *LicensesHandler) RegisterRoutes(r *gin.RouterGroup) {
	licenses := r.Group("/licenses")
	{
		licenses.GET("/:subject", h.Get)
		licenses.POST("/:subject/activate", h.Activate)
	}
}

// RegisterAdminRoutes registers routes that need the admin token.
func (h *LicensesHandler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.PUT("/licenses/:subject/admin", h.SetAdmin)
}

// Get returns the license report of a subject.
// GET /api/v1/licenses/:subject
func (h *LicensesHandler) Get(c *gin.Context) {
	subject := c.Param("subject")
	if err := license.ValidateSubject(subject); err != nil {
		abortWithLicenseError(c, err)
		return
	}

	report, err := h.engine.Check(c.Request.Context(), subject)
	if err != nil {
		h.logger.Error().Err(err).Str("subject_id", subject).Msg("failed to check license")
		abortWithLicenseError(c, err)
		return
	}

	c.JSON(http.StatusOK, report)
}

// Activate stores a serial as the subject's license.
// POST /api/v1/licenses/:subject/activate
func (h *LicensesHandler) Activate(c *gin.Context) {
	var req ActivateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request: " + err.Error()})
		return
	}

	subject := c.Param("subject")
	report, err := h.engine.Activate(c.Request.Context(), subject, req.Serial)
	if err != nil {
		if licenseStatus(err) == http.StatusInternalServerError {
			h.logger.Error().Err(err).Str("subject_id", subject).Msg("failed to activate license")
		}
		abortWithLicenseError(c, err)
		return
	}

	c.JSON(http.StatusOK, report)
}

// SetAdmin grants or revokes a subject's admin flag.
// PUT /api/v1/licenses/:subject/admin
func (h *LicensesHandler) SetAdmin(c *gin.Context) {
	var req SetAdminRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request: " + err.Error()})
		return
	}

	subject := c.Param("subject")
	report, err := h.engine.SetAdmin(c.Request.Context(), subject, *req.IsAdmin)
	if err != nil {
		if licenseStatus(err) == http.StatusInternalServerError {
			h.logger.Error().Err(err).Str("subject_id", subject).Msg("failed to set admin flag")
		}
		abortWithLicenseError(c, err)
		return
	}

	c.JSON(http.StatusOK, report)
}
