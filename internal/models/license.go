// Package models contains the records shared between the license engine,
// the stores, and the API.
package models

import "time"

// LicenseStatus represents the current status of a license record.
type LicenseStatus string

const (
	// LicenseStatusActive means the record has an expiry date that has not passed.
	LicenseStatusActive LicenseStatus = "active"
	// LicenseStatusExpired means the expiry date is in the past.
	LicenseStatusExpired LicenseStatus = "expired"
	// LicenseStatusNoLicense means no expiry date is stored.
	LicenseStatusNoLicense LicenseStatus = "no_license"
	// LicenseStatusInvalidDate means the stored expiry date cannot be parsed.
	LicenseStatusInvalidDate LicenseStatus = "invalid_date"
)

// LicenseRecord is the persisted license state of one subject.
// ExpiresOn is kept as stored text so a corrupt value surfaces as
// LicenseStatusInvalidDate instead of failing the read.
type LicenseRecord struct {
	SubjectID string    `json:"subject_id"`
	Serial    string    `json:"serial,omitempty"`
	ExpiresOn string    `json:"expires_on,omitempty"`
	IsAdmin   bool      `json:"is_admin"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HasSerial reports whether a serial has been stored for the subject.
func (r *LicenseRecord) HasSerial() bool {
	return r != nil && r.Serial != ""
}

// LicenseReport summarises a subject's license for display.
type LicenseReport struct {
	SubjectID    string        `json:"subject_id"`
	Status       LicenseStatus `json:"status"`
	ExpiresOn    string        `json:"expires_on,omitempty"`
	DaysLeft     int           `json:"days_left"`
	ExpiringSoon bool          `json:"expiring_soon"`
	IsAdmin      bool          `json:"is_admin"`
}

// SerialValidation is the API view of a serial validation.
type SerialValidation struct {
	Valid     bool   `json:"valid"`
	Expired   bool   `json:"expired"`
	SubjectID string `json:"subject_id"`
	ExpiresOn string `json:"expires_on,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// IssuedSerial is returned when a serial is issued.
type IssuedSerial struct {
	SubjectID string `json:"subject_id"`
	Serial    string `json:"serial"`
	ExpiresOn string `json:"expires_on"`
}
