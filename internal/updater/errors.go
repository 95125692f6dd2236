package updater

import (
	"errors"
	"fmt"

	"github.com/MacJediWizard/serialkeeper/internal/keystore"
	"github.com/MacJediWizard/serialkeeper/internal/signing"
)

var (
	// ErrNetwork is matched by every NetworkError.
	ErrNetwork = errors.New("network error")
	// ErrVersionFormat is matched by every VersionFormatError.
	ErrVersionFormat = errors.New("invalid version format")
	// ErrApply is matched by every ApplyError.
	ErrApply = errors.New("apply update failed")
	// ErrNoUpdateAvailable is returned when the current version is up to date.
	ErrNoUpdateAvailable = errors.New("no update available")
	// ErrCheckDisabled is returned when update checking is disabled.
	ErrCheckDisabled = errors.New("update checking disabled")
	// ErrAirGapMode is returned when update checks are blocked by air-gap mode.
	ErrAirGapMode = errors.New("update checking disabled: air-gap mode enabled")
	// ErrDownloadTooLarge is returned when an artifact exceeds the size cap.
	ErrDownloadTooLarge = errors.New("download exceeds size limit")
	// ErrDeclined is returned when the user declines to install an update.
	ErrDeclined = errors.New("update declined")
)

// Aliases for failures that originate in shared packages.
var (
	ErrSignatureInvalid = signing.ErrSignatureInvalid
	ErrKeyLoad          = keystore.ErrKeyLoad
)

// NetworkError is a transient failure talking to a release source.
type NetworkError struct {
	Op  string
	URL string
	Err error
}

func (e *NetworkError) Error() string {
	if e.URL != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.URL, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() []error {
	return []error{ErrNetwork, e.Err}
}

// VersionFormatError reports a version tag that is not a dotted numeric tuple.
type VersionFormatError struct {
	Tag    string
	Reason string
}

func (e *VersionFormatError) Error() string {
	return fmt.Sprintf("invalid version %q: %s", e.Tag, e.Reason)
}

func (e *VersionFormatError) Unwrap() error {
	return ErrVersionFormat
}

// ApplyError reports a failed installation step. Rollback reports whether
// the previous installation was fully restored.
type ApplyError struct {
	Op       string
	Path     string
	Err      error
	Rollback error
}

func (e *ApplyError) Error() string {
	msg := fmt.Sprintf("apply update: %s", e.Op)
	if e.Path != "" {
		msg += " " + e.Path
	}
	msg += fmt.Sprintf(": %v", e.Err)
	if e.Rollback != nil {
		msg += fmt.Sprintf(" (rollback failed: %v)", e.Rollback)
	}
	return msg
}

func (e *ApplyError) Unwrap() []error {
	return []error{ErrApply, e.Err}
}

// Message maps an error to the text shown to the user.
func Message(err error) string {
	var applyErr *ApplyError
	switch {
	case err == nil:
		return "Update completed."
	case errors.Is(err, ErrNoUpdateAvailable):
		return "You are running the latest version."
	case errors.Is(err, ErrCheckDisabled):
		return "Update checking is disabled."
	case errors.Is(err, ErrAirGapMode):
		return "Update checking is disabled in air-gap mode."
	case errors.Is(err, ErrDeclined):
		return "Update cancelled."
	case errors.Is(err, ErrKeyLoad):
		return "The update verification key could not be loaded. Updates are unavailable."
	case errors.Is(err, ErrSignatureInvalid):
		return "The downloaded update failed signature verification and was discarded."
	case errors.Is(err, ErrVersionFormat):
		return "The update server reported an unrecognised version. The check will be retried later."
	case errors.Is(err, ErrDownloadTooLarge):
		return "The update package is larger than allowed and was discarded."
	case errors.Is(err, ErrNetwork):
		return "Could not reach the update server. Check your connection and try again later."
	case errors.As(err, &applyErr) && applyErr.Rollback != nil:
		return "The update could not be installed and the previous version could not be fully restored. Please reinstall."
	case errors.Is(err, ErrApply):
		return "The update could not be installed. The previous version was kept."
	default:
		return "Update failed: " + err.Error()
	}
}
