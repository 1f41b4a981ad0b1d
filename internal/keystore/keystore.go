// Package keystore loads the TA's signing private key and historical
// keyset, and exposes the active public keyset derived from it.
package keystore

import (
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"go.uber.org/zap"
)

// HistoricalKey is a retired public key with retirement metadata, per
// spec.md §3.
type HistoricalKey struct {
	Key       jwk.Key
	ExpiresAt time.Time
	Revoked   *Revocation
}

// Revocation carries the optional revoked sub-object of a HistoricalKey.
type Revocation struct {
	RevokedAt time.Time
	Reason    string // unspecified | compromised | superseded
}

// Store holds the TA's live signing key and historical keyset.
type Store struct {
	privateKey  jwk.Key
	publicKeys  jwk.Set
	historical  []HistoricalKey
	logger      *zap.Logger
}

// Load builds a Store from the configured SIGNING_PRIVATE_KEY material and
// HISTORICAL_KEYS_DIR. An empty signingPrivateKey generates an ephemeral
// RSA key, for local development only.
func Load(signingPrivateKey, historicalKeysDir string, logger *zap.Logger) (*Store, error) {
	privKey, err := loadOrGeneratePrivateKey(signingPrivateKey)
	if err != nil {
		return nil, fmt.Errorf("keystore: load private key: %w", err)
	}

	pubKey, err := jwk.PublicKeyOf(privKey)
	if err != nil {
		return nil, fmt.Errorf("keystore: derive public key: %w", err)
	}
	if err := ensureKid(pubKey); err != nil {
		return nil, fmt.Errorf("keystore: compute kid: %w", err)
	}
	if err := ensureKid(privKey); err != nil {
		return nil, fmt.Errorf("keystore: compute kid: %w", err)
	}

	publicSet := jwk.NewSet()
	if err := publicSet.AddKey(pubKey); err != nil {
		return nil, fmt.Errorf("keystore: build public set: %w", err)
	}

	hist, err := loadHistoricalKeys(historicalKeysDir, logger)
	if err != nil {
		return nil, fmt.Errorf("keystore: load historical keys: %w", err)
	}

	return &Store{
		privateKey: privKey,
		publicKeys: publicSet,
		historical: hist,
		logger:     logger,
	}, nil
}

// ActivePublicKeyset returns the currently active public JWKS.
func (s *Store) ActivePublicKeyset() jwk.Set { return s.publicKeys }

// ActivePrivateSigningKey returns the TA's current signing private key.
func (s *Store) ActivePrivateSigningKey() jwk.Key { return s.privateKey }

// HistoricalKeys returns every retired key loaded at startup.
func (s *Store) HistoricalKeys() []HistoricalKey { return s.historical }

func loadOrGeneratePrivateKey(material string) (jwk.Key, error) {
	if material == "" {
		raw, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return nil, fmt.Errorf("generate dev key: %w", err)
		}
		key, err := jwk.FromRaw(raw)
		if err != nil {
			return nil, err
		}
		if err := key.Set(jwk.AlgorithmKey, "RS256"); err != nil {
			return nil, err
		}
		return key, nil
	}

	if strings.HasPrefix(strings.TrimSpace(material), "{") {
		key, err := jwk.ParseKey([]byte(material))
		if err != nil {
			return nil, fmt.Errorf("parse JWK: %w", err)
		}
		return key, nil
	}

	key, err := jwk.ParseKey([]byte(material), jwk.WithPEM(true))
	if err != nil {
		return nil, fmt.Errorf("parse PEM: %w", err)
	}
	return key, nil
}

func ensureKid(key jwk.Key) error {
	if key.KeyID() != "" {
		return nil
	}
	thumbprint, err := key.Thumbprint(hashAlgorithm)
	if err != nil {
		return err
	}
	return key.Set(jwk.KeyIDKey, fmt.Sprintf("%x", thumbprint))
}

// loadHistoricalKeys reads every JWK JSON document under dir, skipping (with
// a warning) any file that does not carry exp — the same filter the
// original add_historical_key.py tooling applies.
func loadHistoricalKeys(dir string, logger *zap.Logger) ([]HistoricalKey, error) {
	if dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var out []HistoricalKey
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(dir, e.Name())
		raw, err := os.ReadFile(path)
		if err != nil {
			logger.Warn("keystore: skip unreadable historical key", zap.String("file", path), zap.Error(err))
			continue
		}

		doc, err := parseHistoricalKeyDoc(raw)
		if err != nil {
			logger.Warn("keystore: skip malformed historical key", zap.String("file", path), zap.Error(err))
			continue
		}
		if doc.ExpiresAt.IsZero() {
			logger.Warn("keystore: skip historical key without exp", zap.String("file", path))
			continue
		}
		out = append(out, doc)
	}
	return out, nil
}
