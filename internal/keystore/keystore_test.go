package keystore

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/MacJediWizard/serialkeeper/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeBlock(t *testing.T, path, typ string, der []byte) {
	t.Helper()
	data := pem.EncodeToMemory(&pem.Block{Type: typ, Bytes: der})
	require.NoError(t, os.WriteFile(path, data, 0600))
}

func TestWriteAndLoad(t *testing.T) {
	dir := t.TempDir()
	key, err := GenerateKeyPair(2048)
	require.NoError(t, err)

	privPath := filepath.Join(dir, "keys", "private.pem")
	pubPath := filepath.Join(dir, "keys", "public.pem")
	require.NoError(t, WritePrivateKey(privPath, key))
	require.NoError(t, WritePublicKey(pubPath, &key.PublicKey))

	info, err := os.Stat(privPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	priv, err := LoadPrivateKey(privPath)
	require.NoError(t, err)
	assert.True(t, priv.Equal(key))

	pub, err := LoadPublicKey(pubPath)
	require.NoError(t, err)
	assert.True(t, pub.Equal(&key.PublicKey))
}

func TestLoadAlternateEncodings(t *testing.T) {
	dir := t.TempDir()
	key, err := GenerateKeyPair(2048)
	require.NoError(t, err)

	pkcs1Pub := filepath.Join(dir, "pkcs1.pub")
	writeBlock(t, pkcs1Pub, "RSA PUBLIC KEY", x509.MarshalPKCS1PublicKey(&key.PublicKey))
	pub, err := LoadPublicKey(pkcs1Pub)
	require.NoError(t, err)
	assert.True(t, pub.Equal(&key.PublicKey))

	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	pkcs8 := filepath.Join(dir, "pkcs8.pem")
	writeBlock(t, pkcs8, "PRIVATE KEY", der)
	priv, err := LoadPrivateKey(pkcs8)
	require.NoError(t, err)
	assert.True(t, priv.Equal(key))
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()

	small, err := rsa.GenerateKey(rand.Reader, 1024)
	require.NoError(t, err)
	smallPub := filepath.Join(dir, "small.pub")
	der, err := x509.MarshalPKIXPublicKey(&small.PublicKey)
	require.NoError(t, err)
	writeBlock(t, smallPub, "PUBLIC KEY", der)

	ec, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	ecPub := filepath.Join(dir, "ec.pub")
	der, err = x509.MarshalPKIXPublicKey(&ec.PublicKey)
	require.NoError(t, err)
	writeBlock(t, ecPub, "PUBLIC KEY", der)

	garbage := filepath.Join(dir, "garbage.pem")
	require.NoError(t, os.WriteFile(garbage, []byte("not a key"), 0600))

	wrongType := filepath.Join(dir, "cert.pem")
	writeBlock(t, wrongType, "CERTIFICATE", []byte{1, 2, 3})

	tests := []struct {
		name string
		path string
	}{
		{"missing file", filepath.Join(dir, "missing.pem")},
		{"too small", smallPub},
		{"not rsa", ecPub},
		{"not pem", garbage},
		{"wrong block", wrongType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadPublicKey(tt.path)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrKeyLoad))

			var kle *KeyLoadError
			require.True(t, errors.As(err, &kle))
			assert.Equal(t, tt.path, kle.Path)
		})
	}

	t.Run("private key missing", func(t *testing.T) {
		_, err := LoadPrivateKey(filepath.Join(dir, "missing.pem"))
		assert.ErrorIs(t, err, ErrKeyLoad)
		assert.ErrorIs(t, err, os.ErrNotExist)
	})
}

func TestGenerateKeyPair_RejectsSmallKeys(t *testing.T) {
	_, err := GenerateKeyPair(1024)
	assert.Error(t, err)
}

func TestLoadKeyring(t *testing.T) {
	dir := t.TempDir()

	licenseKey, err := GenerateKeyPair(2048)
	require.NoError(t, err)
	updateKey, err := GenerateKeyPair(2048)
	require.NoError(t, err)

	cfg := config.KeysConfig{
		LicensePublicKey:  filepath.Join(dir, "license.pub"),
		LicensePrivateKey: filepath.Join(dir, "license.pem"),
		UpdatePublicKey:   filepath.Join(dir, "update.pub"),
	}
	require.NoError(t, WritePublicKey(cfg.LicensePublicKey, &licenseKey.PublicKey))
	require.NoError(t, WritePrivateKey(cfg.LicensePrivateKey, licenseKey))
	require.NoError(t, WritePublicKey(cfg.UpdatePublicKey, &updateKey.PublicKey))

	t.Run("issuer and verifier domains", func(t *testing.T) {
		kr, err := LoadKeyring(cfg, true)
		require.NoError(t, err)
		assert.True(t, kr.License.CanSign())
		assert.False(t, kr.Update.CanSign())
		assert.True(t, kr.Update.PublicKey.Equal(&updateKey.PublicKey))
	})

	t.Run("updates disabled skips update key", func(t *testing.T) {
		c := cfg
		c.UpdatePublicKey = filepath.Join(dir, "absent.pub")
		kr, err := LoadKeyring(c, false)
		require.NoError(t, err)
		assert.Nil(t, kr.Update.PublicKey)
	})

	t.Run("missing update key is fatal when enabled", func(t *testing.T) {
		c := cfg
		c.UpdatePublicKey = filepath.Join(dir, "absent.pub")
		_, err := LoadKeyring(c, true)
		assert.ErrorIs(t, err, ErrKeyLoad)
	})

	t.Run("mismatched pair", func(t *testing.T) {
		c := cfg
		c.LicensePublicKey = cfg.UpdatePublicKey
		_, err := LoadKeyring(c, true)
		assert.ErrorIs(t, err, ErrKeyLoad)
	})
}
