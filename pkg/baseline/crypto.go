package baseline

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	sealAlgorithm = "xchacha20poly1305"
	sealVersion   = 1
)

// kdfSalt is versioned with the sealing scheme; the passphrase is the secret.
var kdfSalt = []byte("trustd-baseline-salt-v1")

// Sealer encrypts baseline payloads at rest: XChaCha20-Poly1305 under a key
// derived from the deployment passphrase with Argon2id. A nil *Sealer means
// plaintext storage (dev mode).
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer derives the sealing key from a non-empty passphrase.
func NewSealer(passphrase string) (*Sealer, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("baseline: empty sealing passphrase")
	}
	key := argon2.IDKey([]byte(passphrase), kdfSalt, 1, 64*1024, 4, chacha20poly1305.KeySize)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("baseline: init cipher: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

// sealedPayload is the stored envelope around an encrypted baseline payload.
type sealedPayload struct {
	Algorithm  string    `json:"algorithm"`
	Nonce      string    `json:"nonce"`
	Ciphertext string    `json:"ciphertext"`
	SealedAt   time.Time `json:"sealed_at"`
	Version    int       `json:"version"`
}

// Seal serializes v and returns the encrypted envelope as JSON.
func (s *Sealer) Seal(v interface{}) ([]byte, error) {
	plaintext, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("baseline: marshal payload: %w", err)
	}
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("baseline: generate nonce: %w", err)
	}
	ciphertext := s.aead.Seal(nil, nonce, plaintext, nil)
	return json.Marshal(sealedPayload{
		Algorithm:  sealAlgorithm,
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
		SealedAt:   time.Now().UTC(),
		Version:    sealVersion,
	})
}

// Open authenticates and decrypts a sealed envelope into target.
func (s *Sealer) Open(data []byte, target interface{}) error {
	var env sealedPayload
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("baseline: parse envelope: %w", err)
	}
	if env.Algorithm != sealAlgorithm {
		return fmt.Errorf("baseline: unsupported algorithm %q", env.Algorithm)
	}
	nonce, err := base64.StdEncoding.DecodeString(env.Nonce)
	if err != nil {
		return fmt.Errorf("baseline: invalid nonce: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return fmt.Errorf("baseline: invalid ciphertext: %w", err)
	}
	plaintext, err := s.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return fmt.Errorf("baseline: decrypt: %w", err)
	}
	return json.Unmarshal(plaintext, target)
}
