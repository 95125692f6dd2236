// Package serial frames a signed claim into a copy-pasteable text token.
//
// A token is the unpadded base64url encoding of:
//
//	version (1 byte) | claim length (uint16, big endian) | claim | signature
//
// The explicit claim length keeps decoding unambiguous whatever the claim
// bytes contain.
package serial

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"
)

// FrameVersion is the only frame layout currently produced and accepted.
const FrameVersion byte = 0x01

const headerLen = 3

// ErrMalformedSerial is the sentinel matched by every MalformedSerialError.
var ErrMalformedSerial = errors.New("malformed serial")

// MalformedSerialError describes why a token could not be decoded.
type MalformedSerialError struct {
	Reason string
	Err    error
}

func (e *MalformedSerialError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed serial: %s: %v", e.Reason, e.Err)
	}
	return "malformed serial: " + e.Reason
}

func (e *MalformedSerialError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrMalformedSerial, e.Err}
	}
	return []error{ErrMalformedSerial}
}

func malformed(reason string) error {
	return &MalformedSerialError{Reason: reason}
}

// Encode frames claim and signature into a token.
func Encode(claim, signature []byte) (string, error) {
	if len(claim) == 0 {
		return "", errors.New("encode serial: empty claim")
	}
	if len(claim) > math.MaxUint16 {
		return "", fmt.Errorf("encode serial: claim is %d bytes, max %d", len(claim), math.MaxUint16)
	}
	if len(signature) == 0 {
		return "", errors.New("encode serial: empty signature")
	}

	frame := make([]byte, headerLen, headerLen+len(claim)+len(signature))
	frame[0] = FrameVersion
	binary.BigEndian.PutUint16(frame[1:headerLen], uint16(len(claim)))
	frame = append(frame, claim...)
	frame = append(frame, signature...)

	return base64.RawURLEncoding.EncodeToString(frame), nil
}

// Decode splits a token into its claim and signature. On error both slices
// are nil.
func Decode(token string) (claim, signature []byte, err error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, nil, malformed("empty token")
	}

	frame, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(token, "="))
	if err != nil {
		return nil, nil, &MalformedSerialError{Reason: "not base64url", Err: err}
	}

	if len(frame) < headerLen {
		return nil, nil, malformed("truncated header")
	}
	if frame[0] != FrameVersion {
		return nil, nil, malformed(fmt.Sprintf("unknown frame version %d", frame[0]))
	}

	n := int(binary.BigEndian.Uint16(frame[1:headerLen]))
	if n == 0 {
		return nil, nil, malformed("empty claim")
	}
	body := frame[headerLen:]
	if n > len(body) {
		return nil, nil, malformed("claim length exceeds token")
	}
	if n == len(body) {
		return nil, nil, malformed("missing signature")
	}

	return body[:n:n], body[n:], nil
}
