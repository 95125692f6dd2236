// Package keystore loads and generates the PEM RSA keys used to sign license
// serials and update packages.
package keystore

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// MinKeyBits is the smallest accepted RSA modulus.
const MinKeyBits = 2048

// ErrKeyLoad is the sentinel matched by every KeyLoadError.
var ErrKeyLoad = errors.New("key load failed")

// KeyLoadError reports a key file that could not be read or parsed.
type KeyLoadError struct {
	Path string
	Err  error
}

func (e *KeyLoadError) Error() string {
	return fmt.Sprintf("load key %s: %v", e.Path, e.Err)
}

func (e *KeyLoadError) Unwrap() []error {
	return []error{ErrKeyLoad, e.Err}
}

// KeyPair holds the keys of one trust domain. Verifiers only ever have
// PublicKey set.
type KeyPair struct {
	PrivateKey *rsa.PrivateKey
	PublicKey  *rsa.PublicKey
}

// CanSign reports whether the pair includes a private key.
func (k KeyPair) CanSign() bool {
	return k.PrivateKey != nil
}

// LoadPublicKey reads a PEM encoded RSA public key. Both PKIX ("PUBLIC KEY")
// and PKCS#1 ("RSA PUBLIC KEY") blocks are accepted.
func LoadPublicKey(path string) (*rsa.PublicKey, error) {
	block, err := readPEM(path)
	if err != nil {
		return nil, err
	}

	var pub *rsa.PublicKey
	switch block.Type {
	case "PUBLIC KEY":
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, &KeyLoadError{Path: path, Err: err}
		}
		rsaKey, ok := key.(*rsa.PublicKey)
		if !ok {
			return nil, &KeyLoadError{Path: path, Err: fmt.Errorf("not an RSA key: %T", key)}
		}
		pub = rsaKey
	case "RSA PUBLIC KEY":
		pub, err = x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, &KeyLoadError{Path: path, Err: err}
		}
	default:
		return nil, &KeyLoadError{Path: path, Err: fmt.Errorf("unexpected PEM block %q", block.Type)}
	}

	if err := checkSize(pub); err != nil {
		return nil, &KeyLoadError{Path: path, Err: err}
	}
	return pub, nil
}

// LoadPrivateKey reads a PEM encoded RSA private key in PKCS#1 ("RSA PRIVATE
// KEY") or PKCS#8 ("PRIVATE KEY") form. Only issuer tooling needs this.
func LoadPrivateKey(path string) (*rsa.PrivateKey, error) {
	block, err := readPEM(path)
	if err != nil {
		return nil, err
	}

	var priv *rsa.PrivateKey
	switch block.Type {
	case "RSA PRIVATE KEY":
		priv, err = x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, &KeyLoadError{Path: path, Err: err}
		}
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, &KeyLoadError{Path: path, Err: err}
		}
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, &KeyLoadError{Path: path, Err: fmt.Errorf("not an RSA key: %T", key)}
		}
		priv = rsaKey
	default:
		return nil, &KeyLoadError{Path: path, Err: fmt.Errorf("unexpected PEM block %q", block.Type)}
	}

	if err := checkSize(&priv.PublicKey); err != nil {
		return nil, &KeyLoadError{Path: path, Err: err}
	}
	return priv, nil
}

func readPEM(path string) (*pem.Block, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &KeyLoadError{Path: path, Err: err}
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, &KeyLoadError{Path: path, Err: errors.New("no PEM block found")}
	}
	return block, nil
}

func checkSize(pub *rsa.PublicKey) error {
	if bits := pub.N.BitLen(); bits < MinKeyBits {
		return fmt.Errorf("RSA modulus is %d bits, need at least %d", bits, MinKeyBits)
	}
	return nil
}

// GenerateKeyPair creates a new RSA key pair of the given size.
func GenerateKeyPair(bits int) (*rsa.PrivateKey, error) {
	if bits < MinKeyBits {
		return nil, fmt.Errorf("key size %d below minimum %d", bits, MinKeyBits)
	}
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("generate RSA key: %w", err)
	}
	return key, nil
}

// WritePrivateKey writes key as a PKCS#1 PEM file readable only by the owner.
func WritePrivateKey(path string, key *rsa.PrivateKey) error {
	block := &pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	}
	return writePEM(path, block, 0600)
}

// WritePublicKey writes key as a PKIX PEM file.
func WritePublicKey(path string, key *rsa.PublicKey) error {
	der, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		return fmt.Errorf("marshal public key: %w", err)
	}
	return writePEM(path, &pem.Block{Type: "PUBLIC KEY", Bytes: der}, 0644)
}

func writePEM(path string, block *pem.Block, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), perm); err != nil {
		return fmt.Errorf("write key file: %w", err)
	}
	return nil
}
