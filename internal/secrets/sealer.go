// Package secrets seals owner-supplied provider API keys before they reach
// the message store. AES-256-GCM with a random nonce prefix; the sealing key
// is derived from the deployment's master secret so rotating the secret
// invalidates every stored credential at once.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const sealingInfo = "provider-credential-sealing"

// Sealer encrypts and decrypts credential strings.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer derives the sealing key from a 32-byte hex-encoded master secret.
func NewSealer(masterSecretHex string) (*Sealer, error) {
	master, err := hex.DecodeString(masterSecretHex)
	if err != nil {
		return nil, fmt.Errorf("decode master secret: %w", err)
	}
	if len(master) != 32 {
		return nil, fmt.Errorf("master secret must be 32 bytes, got %d", len(master))
	}

	key := make([]byte, 32)
	kdf := hkdf.New(sha256.New, master, nil, []byte(sealingInfo))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("derive sealing key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}

	return &Sealer{aead: aead}, nil
}

// Seal encrypts plaintext and returns base64(nonce || ciphertext).
func (s *Sealer) Seal(plaintext string) (string, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := s.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a value produced by Seal.
func (s *Sealer) Open(sealed string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("decode sealed credential: %w", err)
	}
	if len(raw) < s.aead.NonceSize() {
		return "", fmt.Errorf("sealed credential too short")
	}

	nonce, ciphertext := raw[:s.aead.NonceSize()], raw[s.aead.NonceSize():]
	plaintext, err := s.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("open sealed credential: %w", err)
	}
	return string(plaintext), nil
}
