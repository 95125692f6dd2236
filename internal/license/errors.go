package license

import (
	"errors"

	"github.com/MacJediWizard/serialkeeper/internal/keystore"
	"github.com/MacJediWizard/serialkeeper/internal/serial"
	"github.com/MacJediWizard/serialkeeper/internal/signing"
	"github.com/MacJediWizard/serialkeeper/internal/store"
)

var (
	// ErrInvalidSubject is returned for subject ids that cannot be put in a claim.
	ErrInvalidSubject = errors.New("invalid subject id")
	// ErrInvalidValidity is returned when issuing with validity days <= 0 or beyond MaxValidityDays.
	ErrInvalidValidity = errors.New("validity days out of range")
	// ErrLicenseExpired is returned when a license or serial is past its expiry date.
	ErrLicenseExpired = errors.New("license expired")
	// ErrNoLicense is returned when a subject has no license.
	ErrNoLicense = errors.New("no license")
	// ErrInvalidDate is returned when a stored expiry date cannot be parsed.
	ErrInvalidDate = errors.New("invalid expiry date")
	// ErrNoSigningKey is returned when issuing without the license private key.
	ErrNoSigningKey = errors.New("license private key not loaded")
	// ErrNoStore is returned by operations that persist when no store is configured.
	ErrNoStore = errors.New("no license store configured")
)

// Aliases so callers can match every license failure from one package.
var (
	ErrKeyLoad          = keystore.ErrKeyLoad
	ErrMalformedSerial  = serial.ErrMalformedSerial
	ErrSignatureInvalid = signing.ErrSignatureInvalid
	ErrRecordNotFound   = store.ErrRecordNotFound
)

// Message maps an error to the text shown to the user.
func Message(err error) string {
	switch {
	case err == nil:
		return "License is valid."
	case errors.Is(err, ErrKeyLoad):
		return "The license verification key could not be loaded. Reinstall the application or contact support."
	case errors.Is(err, ErrMalformedSerial):
		return "The serial is not in a valid format. Check that it was copied completely and try again."
	case errors.Is(err, ErrSignatureInvalid):
		return "The serial is not valid for this user."
	case errors.Is(err, ErrInvalidSubject):
		return "The user name cannot be licensed. It must not be empty or contain ':' or control characters."
	case errors.Is(err, ErrInvalidValidity):
		return "The number of valid days must be greater than zero and at most 100 years."
	case errors.Is(err, ErrLicenseExpired):
		return "Your license has expired. Please enter a new serial."
	case errors.Is(err, ErrInvalidDate):
		return "The stored license date is corrupt. Please activate your serial again."
	case errors.Is(err, ErrNoLicense), errors.Is(err, ErrRecordNotFound):
		return "No license found. Please enter a serial."
	case errors.Is(err, ErrNoSigningKey):
		return "Serials can only be issued where the license private key is installed."
	default:
		return "The license could not be checked: " + err.Error()
	}
}
