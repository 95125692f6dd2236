// Package signing is the RSA-PSS over SHA-256 primitive shared by license
// serials and update packages.
package signing

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
)

// ErrSignatureInvalid is returned when a signature does not verify.
var ErrSignatureInvalid = errors.New("signature invalid")

// pssOpts signs with the largest salt the key allows and accepts any salt
// length on verify.
var pssOpts = &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthAuto, Hash: crypto.SHA256}

// Sign signs message with key.
func Sign(key *rsa.PrivateKey, message []byte) ([]byte, error) {
	digest := sha256.Sum256(message)
	return SignDigest(key, digest[:])
}

// SignDigest signs a precomputed SHA-256 digest.
func SignDigest(key *rsa.PrivateKey, digest []byte) ([]byte, error) {
	if key == nil {
		return nil, errors.New("no signing key")
	}
	sig, err := rsa.SignPSS(rand.Reader, key, crypto.SHA256, digest, pssOpts)
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	return sig, nil
}

// Verify checks sig over message. It returns ErrSignatureInvalid on any
// mismatch, including a nil key or empty signature.
func Verify(pub *rsa.PublicKey, message, sig []byte) error {
	digest := sha256.Sum256(message)
	return VerifyDigest(pub, digest[:], sig)
}

// VerifyDigest checks sig over a precomputed SHA-256 digest.
func VerifyDigest(pub *rsa.PublicKey, digest, sig []byte) error {
	if pub == nil || len(sig) == 0 {
		return ErrSignatureInvalid
	}
	if err := rsa.VerifyPSS(pub, crypto.SHA256, digest, sig, pssOpts); err != nil {
		return ErrSignatureInvalid
	}
	return nil
}

// Digest streams r through SHA-256.
func Digest(r io.Reader) ([]byte, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return nil, fmt.Errorf("hash: %w", err)
	}
	return h.Sum(nil), nil
}
