package cryptobox

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"
)

// Box encrypts message content at rest. Each session gets its own AES-256-GCM
// subkey derived from the master key via HKDF-SHA256, so a leaked per-session
// key exposes one conversation only.
type Box struct {
	masterKey []byte
}

const keySize = 32

var ErrInvalidCiphertext = errors.New("invalid ciphertext")

// New checks the master key length. Keys come from configuration as hex.
func New(masterKey []byte) (*Box, error) {
	if len(masterKey) != keySize {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", keySize, len(masterKey))
	}
	return &Box{masterKey: masterKey}, nil
}

// NewFromHex decodes a hex-encoded master key.
func NewFromHex(s string) (*Box, error) {
	key, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode master key: %w", err)
	}
	return New(key)
}

// EncryptField seals plaintext under the session subkey. Output is
// base64(nonce || ciphertext).
func (b *Box) EncryptField(_ context.Context, sessionID uuid.UUID, plaintext string) (string, error) {
	gcm, err := b.sessionAEAD(sessionID)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), sessionID[:])
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// DecryptField reverses EncryptField.
func (b *Box) DecryptField(_ context.Context, sessionID uuid.UUID, ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", ErrInvalidCiphertext
	}
	gcm, err := b.sessionAEAD(sessionID)
	if err != nil {
		return "", err
	}
	if len(raw) < gcm.NonceSize() {
		return "", ErrInvalidCiphertext
	}
	nonce, sealed := raw[:gcm.NonceSize()], raw[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, sealed, sessionID[:])
	if err != nil {
		return "", ErrInvalidCiphertext
	}
	return string(plain), nil
}

// sessionAEAD derives the per-session subkey and builds the AEAD. The session
// id is the HKDF info parameter; the salt is a fixed domain separator.
func (b *Box) sessionAEAD(sessionID uuid.UUID) (cipher.AEAD, error) {
	r := hkdf.New(sha256.New, b.masterKey, []byte("tandem/message-content/v1"), sessionID[:])
	subkey := make([]byte, keySize)
	if _, err := io.ReadFull(r, subkey); err != nil {
		return nil, fmt.Errorf("derive session key: %w", err)
	}
	block, err := aes.NewCipher(subkey)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return gcm, nil
}

// Plaintext is the no-op cipher used when no master key is configured.
// Development only.
type Plaintext struct{}

func (Plaintext) EncryptField(_ context.Context, _ uuid.UUID, plaintext string) (string, error) {
	return plaintext, nil
}

func (Plaintext) DecryptField(_ context.Context, _ uuid.UUID, ciphertext string) (string, error) {
	return ciphertext, nil
}
