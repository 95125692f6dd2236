// Package handlers contains the HTTP handlers of the issuer API.
package handlers

import (
	"errors"
	"net/http"

	"github.com/MacJediWizard/serialkeeper/internal/api/middleware"
	"github.com/MacJediWizard/serialkeeper/internal/license"
	"github.com/MacJediWizard/serialkeeper/internal/updater"
	"github.com/gin-gonic/gin"
)

// ErrorResponse is the JSON body of every API error.
type ErrorResponse = middleware.ErrorResponse

// licenseStatus maps a license error to its HTTP status code.
func licenseStatus(err error) int {
	switch {
	case errors.Is(err, license.ErrInvalidSubject),
		errors.Is(err, license.ErrInvalidValidity),
		errors.Is(err, license.ErrMalformedSerial):
		return http.StatusBadRequest
	case errors.Is(err, license.ErrSignatureInvalid),
		errors.Is(err, license.ErrLicenseExpired):
		return http.StatusUnprocessableEntity
	case errors.Is(err, license.ErrNoSigningKey),
		errors.Is(err, license.ErrNoStore):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// updateStatus maps an update check error to its HTTP status code.
func updateStatus(err error) int {
	switch {
	case errors.Is(err, updater.ErrCheckDisabled),
		errors.Is(err, updater.ErrAirGapMode):
		return http.StatusServiceUnavailable
	case errors.Is(err, updater.ErrNetwork),
		errors.Is(err, updater.ErrVersionFormat):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func abortWithLicenseError(c *gin.Context, err error) {
	c.AbortWithStatusJSON(licenseStatus(err), ErrorResponse{Error: license.Message(err)})
}
