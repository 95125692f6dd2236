package keystore

import (
	"fmt"

	"github.com/MacJediWizard/serialkeeper/internal/config"
)

// Keyring holds the key pairs of the two trust domains. A license signature
// is never accepted as an update signature because the domains use
// different keys.
type Keyring struct {
	License KeyPair
	Update  KeyPair
}

// LoadKeyring loads public keys for both domains and private keys where a
// path is configured. Update keys are skipped when updates are disabled.
func LoadKeyring(cfg config.KeysConfig, updatesEnabled bool) (*Keyring, error) {
	license, err := loadPair(cfg.LicensePublicKey, cfg.LicensePrivateKey)
	if err != nil {
		return nil, fmt.Errorf("license keys: %w", err)
	}

	kr := &Keyring{License: license}
	if updatesEnabled || cfg.UpdatePrivateKey != "" {
		update, err := loadPair(cfg.UpdatePublicKey, cfg.UpdatePrivateKey)
		if err != nil {
			return nil, fmt.Errorf("update keys: %w", err)
		}
		kr.Update = update
	}
	return kr, nil
}

func loadPair(publicPath, privatePath string) (KeyPair, error) {
	var kp KeyPair

	if privatePath != "" {
		priv, err := LoadPrivateKey(privatePath)
		if err != nil {
			return kp, err
		}
		kp.PrivateKey = priv
		kp.PublicKey = &priv.PublicKey
	}

	if publicPath != "" {
		pub, err := LoadPublicKey(publicPath)
		if err != nil {
			// The public half can be derived on the issuer side.
			if kp.PublicKey != nil {
				return kp, nil
			}
			return kp, err
		}
		if kp.PrivateKey != nil && !kp.PrivateKey.PublicKey.Equal(pub) {
			return kp, &KeyLoadError{Path: publicPath, Err: fmt.Errorf("public key does not match %s", privatePath)}
		}
		kp.PublicKey = pub
	}

	if kp.PublicKey == nil {
		return kp, &KeyLoadError{Path: publicPath, Err: fmt.Errorf("no key configured")}
	}
	return kp, nil
}
