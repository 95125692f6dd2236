package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/MacJediWizard/serialkeeper/internal/license"
	"github.com/MacJediWizard/serialkeeper/internal/models"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// SerialEngine is the part of the license engine the serial endpoints use.
type SerialEngine interface {
	Issue(subjectID string, validityDays int) (license.Serial, error)
	IssueAndStore(ctx context.Context, subjectID string, validityDays int) (license.Serial, error)
	Validate(token, subjectID string) license.ValidationResult
	Today() time.Time
}

// IssueSerialRequest is the body of POST /api/v1/serials.
type IssueSerialRequest struct {
	SubjectID    string `json:"subject_id" binding:"required"`
	ValidityDays int    `json:"validity_days" binding:"required"`
	// Store also records the serial as the subject's active license.
	Store bool `json:"store"`
}

// ValidateSerialRequest is the body of POST /api/v1/serials/validate.
type ValidateSerialRequest struct {
	SubjectID string `json:"subject_id" binding:"required"`
	Serial    string `json:"serial" binding:"required"`
}

// SerialsHandler handles serial issuance and validation.
type SerialsHandler struct {
	engine SerialEngine
	logger zerolog.Logger
}

// NewSerialsHandler creates a new SerialsHandler.
func NewSerialsHandler(engine SerialEngine, logger zerolog.Logger) *SerialsHandler {
	return &SerialsHandler{
		engine: engine,
		logger: logger.With().Str("component", "serials_handler").Logger(),
	}
}

// RegisterRoutes registers the public serial routes.
func (h *SerialsHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/serials/validate", h.Validate)
}

// RegisterAdminRoutes registers routes that need the admin token.
func (h *SerialsHandler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/serials", h.Issue)
}

// Issue signs a new serial.
// POST /api/v1/serials
func (h *SerialsHandler) Issue(c *gin.Context) {
	var req IssueSerialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request: " + err.Error()})
		return
	}

	var (
		s   license.Serial
		err error
	)
	if req.Store {
		s, err = h.engine.IssueAndStore(c.Request.Context(), req.SubjectID, req.ValidityDays)
	} else {
		s, err = h.engine.Issue(req.SubjectID, req.ValidityDays)
	}
	if err != nil {
		if licenseStatus(err) == http.StatusInternalServerError {
			h.logger.Error().Err(err).Str("subject_id", req.SubjectID).Msg("failed to issue serial")
		}
		abortWithLicenseError(c, err)
		return
	}

	c.JSON(http.StatusCreated, models.IssuedSerial{
		SubjectID: s.Claim.SubjectID,
		Serial:    s.Token,
		ExpiresOn: s.Claim.ExpiryString(),
	})
}

// Validate checks a serial for a subject. Rejections are reported in the
// body with status 200; only unreadable requests fail.
// POST /api/v1/serials/validate
func (h *SerialsHandler) Validate(c *gin.Context) {
	var req ValidateSerialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request: " + err.Error()})
		return
	}

	res := h.engine.Validate(req.Serial, req.SubjectID)
	out := models.SerialValidation{
		Valid:     res.OK,
		SubjectID: req.SubjectID,
		Reason:    res.Reason,
	}
	if res.OK {
		out.ExpiresOn = res.ExpiresOn.Format(license.DateLayout)
		out.Expired = h.engine.Today().After(res.ExpiresOn)
	}

	c.JSON(http.StatusOK, out)
}
