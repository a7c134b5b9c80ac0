// Package credentials loads the master and follower API keys used to sign
// exchange requests, decrypting them from an on-disk symmetric-key envelope.
package credentials

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	apperrors "copytrader/pkg/errors"

	"copytrader/internal/core"
)

// document is the plaintext JSON shape sealed inside the envelope file.
type document struct {
	Master  credentialDoc   `json:"master"`
	Clients []clientDoc     `json:"clients"`
}

type credentialDoc struct {
	APIKey    string `json:"api_key"`
	SecretKey string `json:"secret_key"`
}

type clientDoc struct {
	DisplayName string `json:"display_name"`
	APIKey      string `json:"api_key"`
	SecretKey   string `json:"secret_key"`
}

// EnvelopeStore implements core.ICredentialStore by decrypting a single
// AES-256-GCM sealed file on every Load call. The envelope key is stretched
// to 32 bytes with SHA-256 so operators can supply a passphrase of any
// length, matching how the upstream service derived its Fernet key.
type EnvelopeStore struct {
	path string
	key  [32]byte
}

// NewEnvelopeStore prepares a store over the envelope file at path, keyed by
// envelopeKey.
func NewEnvelopeStore(path, envelopeKey string) *EnvelopeStore {
	return &EnvelopeStore{
		path: path,
		key:  sha256.Sum256([]byte(envelopeKey)),
	}
}

// Load decrypts the envelope file and returns the master credential plus the
// list of followers, with each follower's display name lower-cased so it can
// be used directly as a mirror-state key.
func (s *EnvelopeStore) Load(ctx context.Context) (core.APICredential, []core.Follower, error) {
	sealed, err := os.ReadFile(s.path)
	if err != nil {
		return core.APICredential{}, nil, fmt.Errorf("%w: read envelope: %v", apperrors.ErrCredentialStoreUnavailable, err)
	}

	plaintext, err := s.decrypt(sealed)
	if err != nil {
		return core.APICredential{}, nil, fmt.Errorf("%w: decrypt envelope: %v", apperrors.ErrCredentialStoreUnavailable, err)
	}

	var doc document
	if err := json.Unmarshal(plaintext, &doc); err != nil {
		return core.APICredential{}, nil, fmt.Errorf("%w: parse envelope: %v", apperrors.ErrCredentialStoreUnavailable, err)
	}

	master := core.APICredential{
		APIKey:    doc.Master.APIKey,
		SecretKey: doc.Master.SecretKey,
	}

	followers := make([]core.Follower, 0, len(doc.Clients))
	for _, c := range doc.Clients {
		if c.DisplayName == "" || c.APIKey == "" || c.SecretKey == "" {
			continue
		}
		followers = append(followers, core.Follower{
			Name: strings.ToLower(c.DisplayName),
			Credential: core.APICredential{
				APIKey:    c.APIKey,
				SecretKey: c.SecretKey,
			},
		})
	}

	return master, followers, nil
}

// decrypt expects sealed to be nonce || ciphertext, as produced by Seal.
func (s *EnvelopeStore) decrypt(sealed []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.key[:])
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, fmt.Errorf("envelope too short")
	}
	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ciphertext, nil)
}

// Seal encrypts plaintext with the store's key, producing the nonce ||
// ciphertext layout Load expects. It is exported for operator tooling and
// tests that need to prepare a fixture envelope.
func (s *EnvelopeStore) Seal(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.key[:])
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}
