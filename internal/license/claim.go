package license

import (
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

// DateLayout is the expiry date format inside claims and records.
const DateLayout = "2006-01-02"

// MaxSubjectLen is the longest accepted subject id in bytes.
const MaxSubjectLen = 255

const claimDelimiter = ':'

// Claim is the signed assertion: subject id plus calendar expiry date.
type Claim struct {
	SubjectID string
	// ExpiresOn is midnight UTC of the expiry date.
	ExpiresOn time.Time
}

// NewClaim validates subjectID and truncates expiresOn to its calendar date.
func NewClaim(subjectID string, expiresOn time.Time) (Claim, error) {
	if err := ValidateSubject(subjectID); err != nil {
		return Claim{}, err
	}
	return Claim{SubjectID: subjectID, ExpiresOn: civilDate(expiresOn)}, nil
}

// Bytes returns the signed form, "subjectId:YYYY-MM-DD".
func (c Claim) Bytes() []byte {
	return []byte(c.SubjectID + string(claimDelimiter) + c.ExpiryString())
}

// ExpiryString returns the expiry date as YYYY-MM-DD.
func (c Claim) ExpiryString() string {
	return c.ExpiresOn.Format(DateLayout)
}

// ParseClaim parses claim bytes. The date is fixed width, so it is read from
// the end and the subject is everything before the delimiter.
func ParseClaim(b []byte) (Claim, error) {
	dateLen := len(DateLayout)
	if len(b) < dateLen+2 || b[len(b)-dateLen-1] != claimDelimiter {
		return Claim{}, fmt.Errorf("claim %q: missing expiry date", b)
	}

	subject := string(b[:len(b)-dateLen-1])
	if err := ValidateSubject(subject); err != nil {
		return Claim{}, err
	}

	date, err := ParseDate(string(b[len(b)-dateLen:]))
	if err != nil {
		return Claim{}, err
	}
	return Claim{SubjectID: subject, ExpiresOn: date}, nil
}

// ValidateSubject rejects subject ids that could not be bound into a claim.
func ValidateSubject(subjectID string) error {
	switch {
	case subjectID == "":
		return fmt.Errorf("%w: empty", ErrInvalidSubject)
	case len(subjectID) > MaxSubjectLen:
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidSubject, MaxSubjectLen)
	case !utf8.ValidString(subjectID):
		return fmt.Errorf("%w: not valid UTF-8", ErrInvalidSubject)
	case strings.ContainsRune(subjectID, claimDelimiter):
		return fmt.Errorf("%w: contains %q", ErrInvalidSubject, claimDelimiter)
	case strings.IndexFunc(subjectID, unicode.IsControl) >= 0:
		return fmt.Errorf("%w: contains control characters", ErrInvalidSubject)
	}
	return nil
}

// ParseDate parses a YYYY-MM-DD date as midnight UTC.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidDate, s)
	}
	return t, nil
}

// civilDate drops the clock part of t in its own location and returns that
// calendar day at midnight UTC.
func civilDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
