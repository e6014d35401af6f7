package orchestrator

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/medtour/backend/internal/domain/shared"
	"golang.org/x/crypto/hkdf"
)

const (
	cipherVersion = "v1:"
	keySize       = 32
	hkdfSalt      = "medtour.checkpoint.v1"
)

// CheckpointCipher seals checkpoint payloads with a key derived per tenant and case.
// A payload sealed for one case cannot be opened under another.
type CheckpointCipher struct {
	secret []byte
}

// NewCheckpointCipher creates a cipher from the configured secret
func NewCheckpointCipher(secret string) (*CheckpointCipher, error) {
	if secret == "" {
		return nil, errors.New("checkpoint encryption secret is required")
	}
	return &CheckpointCipher{secret: []byte(secret)}, nil
}

func scopeLabel(tenantID, caseID string) []byte {
	return []byte(tenantID + ":" + caseID)
}

func (c *CheckpointCipher) aead(tenantID, caseID string) (cipher.AEAD, error) {
	key := make([]byte, keySize)
	kdf := hkdf.New(sha256.New, c.secret, []byte(hkdfSalt), scopeLabel(tenantID, caseID))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("derive checkpoint key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// Encrypt returns "v1:" followed by base64(nonce || ciphertext)
func (c *CheckpointCipher) Encrypt(tenantID, caseID string, plaintext []byte) (string, error) {
	gcm, err := c.aead(tenantID, caseID)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := gcm.Seal(nonce, nonce, plaintext, scopeLabel(tenantID, caseID))
	return cipherVersion + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a value produced by Encrypt for the same tenant and case.
// Every failure wraps shared.ErrCheckpointCorrupt.
func (c *CheckpointCipher) Decrypt(tenantID, caseID, sealed string) ([]byte, error) {
	if !strings.HasPrefix(sealed, cipherVersion) {
		return nil, fmt.Errorf("%w: unknown format", shared.ErrCheckpointCorrupt)
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(sealed, cipherVersion))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", shared.ErrCheckpointCorrupt, err)
	}
	gcm, err := c.aead(tenantID, caseID)
	if err != nil {
		return nil, err
	}
	if len(raw) < gcm.NonceSize() {
		return nil, fmt.Errorf("%w: ciphertext too short", shared.ErrCheckpointCorrupt)
	}
	nonce, ciphertext := raw[:gcm.NonceSize()], raw[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, scopeLabel(tenantID, caseID))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", shared.ErrCheckpointCorrupt, err)
	}
	return plaintext, nil
}
