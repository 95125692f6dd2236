// Package license issues and validates signed license serials and computes
// license status for stored records.
package license

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MacJediWizard/serialkeeper/internal/keystore"
	"github.com/MacJediWizard/serialkeeper/internal/models"
	"github.com/MacJediWizard/serialkeeper/internal/serial"
	"github.com/MacJediWizard/serialkeeper/internal/signing"
	"github.com/rs/zerolog"
)

const (
	// DefaultWarningDays is the default expiring-soon threshold.
	DefaultWarningDays = 30
	// MaxValidityDays keeps expiry dates within four-digit years.
	MaxValidityDays = 100 * 365
)

// Validation outcomes reported to the Recorder.
const (
	OutcomeValid            = "valid"
	OutcomeMalformed        = "malformed"
	OutcomeInvalidSignature = "invalid_signature"
	OutcomeInvalidSubject   = "invalid_subject"
	OutcomeExpired          = "expired"
)

// Store is the persistence the engine needs.
type Store interface {
	GetLicenseRecord(ctx context.Context, subjectID string) (*models.LicenseRecord, error)
	SaveLicense(ctx context.Context, subjectID, serial, expiresOn string) error
	SetAdmin(ctx context.Context, subjectID string, isAdmin bool) error
}

// SerialWriter keeps the last issued serial outside the record store.
type SerialWriter interface {
	Write(serial string) error
}

// Recorder receives engine events, usually for metrics.
type Recorder interface {
	SerialIssued()
	SerialValidated(outcome string)
}

type nopRecorder struct{}

func (nopRecorder) SerialIssued()          {}
func (nopRecorder) SerialValidated(string) {}

// Serial is an issued token with the claim it carries.
type Serial struct {
	Token string
	Claim Claim
}

func (s Serial) String() string {
	return s.Token
}

// ValidationResult is the outcome of Validate. A rejected result carries the
// reason and a typed error; it is never a panic.
type ValidationResult struct {
	OK        bool
	Reason    string
	Err       error
	ExpiresOn time.Time
}

// Engine issues, validates and evaluates licenses.
type Engine struct {
	keys        keystore.KeyPair
	store       Store
	serialFile  SerialWriter
	recorder    Recorder
	now         func() time.Time
	loc         *time.Location
	warningDays int
	logger      zerolog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLocation sets the time zone that defines "today". Defaults to local time.
func WithLocation(loc *time.Location) Option {
	return func(e *Engine) { e.loc = loc }
}

// WithStore sets the record store used by Activate, IssueAndStore and Check.
func WithStore(s Store) Option {
	return func(e *Engine) { e.store = s }
}

// WithSerialFile sets where activated and issued serials are written.
func WithSerialFile(w SerialWriter) Option {
	return func(e *Engine) { e.serialFile = w }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// WithWarningDays sets the expiring-soon threshold.
func WithWarningDays(days int) Option {
	return func(e *Engine) { e.warningDays = days }
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// NewEngine creates an engine for the license trust domain. keys must
// include the public key; the private key is only needed to issue.
func NewEngine(keys keystore.KeyPair, opts ...Option) (*Engine, error) {
	if keys.PublicKey == nil {
		return nil, &keystore.KeyLoadError{Err: errors.New("license public key not loaded")}
	}

	e := &Engine{
		keys:        keys,
		recorder:    nopRecorder{},
		now:         time.Now,
		loc:         time.Local,
		warningDays: DefaultWarningDays,
		logger:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With().Str("component", "license_engine").Logger()

	return e, nil
}

// Today returns the current calendar date in the engine's location.
func (e *Engine) Today() time.Time {
	return civilDate(e.now().In(e.loc))
}

// Issue signs a claim for subjectID that expires validityDays from today.
// It has no side effects.
func (e *Engine) Issue(subjectID string, validityDays int) (Serial, error) {
	if validityDays <= 0 || validityDays > MaxValidityDays {
		return Serial{}, fmt.Errorf("%w: %d", ErrInvalidValidity, validityDays)
	}
	if !e.keys.CanSign() {
		return Serial{}, ErrNoSigningKey
	}

	claim, err := NewClaim(subjectID, e.Today().AddDate(0, 0, validityDays))
	if err != nil {
		return Serial{}, err
	}

	sig, err := signing.Sign(e.keys.PrivateKey, claim.Bytes())
	if err != nil {
		return Serial{}, fmt.Errorf("sign claim: %w", err)
	}

	token, err := serial.Encode(claim.Bytes(), sig)
	if err != nil {
		return Serial{}, err
	}

	e.recorder.SerialIssued()
	e.logger.Info().
		Str("subject_id", subjectID).
		Str("expires_on", claim.ExpiryString()).
		Msg("serial issued")

	return Serial{Token: token, Claim: claim}, nil
}

// Validate checks token for subjectID. The signature is verified against a
// claim rebuilt from the caller's subjectID and the expiry the token asserts,
// so a serial only validates for the subject it was issued to. Expiry is not
// judged here; see Status and Activate.
func (e *Engine) Validate(token, subjectID string) ValidationResult {
	res := e.validate(token, subjectID)
	e.observe(res, subjectID)
	return res
}

func (e *Engine) observe(res ValidationResult, subjectID string) {
	outcome := OutcomeValid
	switch {
	case res.OK:
	case errors.Is(res.Err, ErrMalformedSerial):
		outcome = OutcomeMalformed
	case errors.Is(res.Err, ErrInvalidSubject):
		outcome = OutcomeInvalidSubject
	case errors.Is(res.Err, ErrLicenseExpired):
		outcome = OutcomeExpired
	default:
		outcome = OutcomeInvalidSignature
	}
	e.recorder.SerialValidated(outcome)

	if !res.OK {
		e.logger.Debug().Err(res.Err).Str("subject_id", subjectID).Msg("serial rejected")
	}
}

func (e *Engine) validate(token, subjectID string) ValidationResult {
	reject := func(err error) ValidationResult {
		return ValidationResult{Reason: Message(err), Err: err}
	}

	if err := ValidateSubject(subjectID); err != nil {
		return reject(err)
	}

	claimBytes, sig, err := serial.Decode(token)
	if err != nil {
		return reject(err)
	}

	embedded, err := ParseClaim(claimBytes)
	if err != nil {
		return reject(&serial.MalformedSerialError{Reason: "unreadable claim", Err: err})
	}

	expected := Claim{SubjectID: subjectID, ExpiresOn: embedded.ExpiresOn}
	if err := signing.Verify(e.keys.PublicKey, expected.Bytes(), sig); err != nil {
		return reject(err)
	}

	return ValidationResult{OK: true, ExpiresOn: embedded.ExpiresOn}
}

// Status computes the license status of record.
func (e *Engine) Status(record *models.LicenseRecord) models.LicenseStatus {
	if record == nil || record.ExpiresOn == "" {
		return models.LicenseStatusNoLicense
	}

	expiresOn, err := ParseDate(record.ExpiresOn)
	if err != nil {
		return models.LicenseStatusInvalidDate
	}

	if e.Today().After(expiresOn) {
		return models.LicenseStatusExpired
	}
	return models.LicenseStatusActive
}

// DaysLeft returns whole days until the record expires, negative once
// expired. ok is false when the record has no parsable expiry.
func (e *Engine) DaysLeft(record *models.LicenseRecord) (days int, ok bool) {
	if record == nil || record.ExpiresOn == "" {
		return 0, false
	}
	expiresOn, err := ParseDate(record.ExpiresOn)
	if err != nil {
		return 0, false
	}
	return int(expiresOn.Sub(e.Today()).Hours() / 24), true
}

// ExpiringSoon reports whether record is Active and expires within
// thresholdDays.
func (e *Engine) ExpiringSoon(record *models.LicenseRecord, thresholdDays int) bool {
	if e.Status(record) != models.LicenseStatusActive {
		return false
	}
	days, _ := e.DaysLeft(record)
	return days <= thresholdDays
}

// Report builds the display summary for record.
func (e *Engine) Report(record *models.LicenseRecord) *models.LicenseReport {
	report := &models.LicenseReport{Status: e.Status(record)}
	if record == nil {
		return report
	}

	report.SubjectID = record.SubjectID
	report.ExpiresOn = record.ExpiresOn
	report.IsAdmin = record.IsAdmin
	report.DaysLeft, _ = e.DaysLeft(record)
	report.ExpiringSoon = e.ExpiringSoon(record, e.warningDays)
	return report
}

// Check loads the record for subjectID and reports its status. Unknown
// subjects report NoLicense.
func (e *Engine) Check(ctx context.Context, subjectID string) (*models.LicenseReport, error) {
	if e.store == nil {
		return nil, ErrNoStore
	}

	record, err := e.store.GetLicenseRecord(ctx, subjectID)
	if err != nil {
		if !errors.Is(err, ErrRecordNotFound) {
			return nil, fmt.Errorf("load license record: %w", err)
		}
		record = nil
	}

	report := e.Report(record)
	report.SubjectID = subjectID
	return report, nil
}

// SetAdmin grants or revokes the admin flag of subjectID and returns the
// updated report. The license itself is left untouched.
func (e *Engine) SetAdmin(ctx context.Context, subjectID string, isAdmin bool) (*models.LicenseReport, error) {
	if err := ValidateSubject(subjectID); err != nil {
		return nil, err
	}
	if e.store == nil {
		return nil, ErrNoStore
	}

	if err := e.store.SetAdmin(ctx, subjectID, isAdmin); err != nil {
		return nil, fmt.Errorf("store admin flag: %w", err)
	}
	e.logger.Info().Str("subject_id", subjectID).Bool("is_admin", isAdmin).Msg("admin flag changed")

	return e.Check(ctx, subjectID)
}

// Authorize returns nil only when subjectID holds an active license.
func (e *Engine) Authorize(ctx context.Context, subjectID string) error {
	report, err := e.Check(ctx, subjectID)
	if err != nil {
		return err
	}

	switch report.Status {
	case models.LicenseStatusActive:
		if report.ExpiringSoon {
			e.logger.Warn().
				Str("subject_id", subjectID).
				Int("days_left", report.DaysLeft).
				Msg("license expiring soon")
		}
		return nil
	case models.LicenseStatusExpired:
		return fmt.Errorf("%w on %s", ErrLicenseExpired, report.ExpiresOn)
	case models.LicenseStatusInvalidDate:
		return fmt.Errorf("%w: %q", ErrInvalidDate, report.ExpiresOn)
	default:
		return ErrNoLicense
	}
}

// Activate validates token for subjectID and, if it is valid and not
// expired, stores it with its expiry and writes the serial file.
func (e *Engine) Activate(ctx context.Context, subjectID, token string) (*models.LicenseReport, error) {
	if e.store == nil {
		return nil, ErrNoStore
	}

	res := e.validate(token, subjectID)
	if res.OK && e.Today().After(res.ExpiresOn) {
		err := fmt.Errorf("%w on %s", ErrLicenseExpired, res.ExpiresOn.Format(DateLayout))
		res = ValidationResult{Reason: Message(err), Err: err, ExpiresOn: res.ExpiresOn}
	}
	e.observe(res, subjectID)
	if !res.OK {
		return nil, res.Err
	}

	expiresOn := res.ExpiresOn.Format(DateLayout)

	if err := e.persist(ctx, subjectID, token, expiresOn); err != nil {
		return nil, err
	}

	e.logger.Info().Str("subject_id", subjectID).Str("expires_on", expiresOn).Msg("license activated")
	return e.Check(ctx, subjectID)
}

// IssueAndStore issues a serial for subjectID and persists it.
func (e *Engine) IssueAndStore(ctx context.Context, subjectID string, validityDays int) (Serial, error) {
	if e.store == nil {
		return Serial{}, ErrNoStore
	}

	s, err := e.Issue(subjectID, validityDays)
	if err != nil {
		return Serial{}, err
	}

	if err := e.persist(ctx, subjectID, s.Token, s.Claim.ExpiryString()); err != nil {
		return Serial{}, err
	}
	return s, nil
}

func (e *Engine) persist(ctx context.Context, subjectID, token, expiresOn string) error {
	if err := e.store.SaveLicense(ctx, subjectID, token, expiresOn); err != nil {
		return fmt.Errorf("store license: %w", err)
	}
	if e.serialFile != nil {
		if err := e.serialFile.Write(token); err != nil {
			return fmt.Errorf("write serial file: %w", err)
		}
	}
	return nil
}
