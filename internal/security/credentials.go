// Package security provides credential sealing, log redaction, audit logging,
// and input validation.
package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// EncryptionKeySize is the size of the AES-256 key in bytes.
	EncryptionKeySize = 32
	// SaltSize is the size of the salt for key derivation.
	SaltSize = 16
	// NonceSize is the size of the GCM nonce.
	NonceSize = 12
	// PBKDF2Iterations is the number of iterations for key derivation.
	PBKDF2Iterations = 100000

	sealedPrefix = "enc:v1:"
)

// PasswordCipher seals API passwords before they are written to the store.
// A cipher without a master password stores values unchanged.
type PasswordCipher struct {
	master string
}

// NewPasswordCipher creates a cipher keyed by the master password.
func NewPasswordCipher(masterPassword string) *PasswordCipher {
	return &PasswordCipher{master: masterPassword}
}

// Enabled reports whether values are actually encrypted.
func (c *PasswordCipher) Enabled() bool {
	return c != nil && c.master != ""
}

// IsSealed reports whether a stored value carries the sealed prefix.
func IsSealed(value string) bool {
	return strings.HasPrefix(value, sealedPrefix)
}

// Seal encrypts plaintext as enc:v1:<salt>:<nonce>:<ciphertext>.
func (c *PasswordCipher) Seal(plaintext string) (string, error) {
	if !c.Enabled() {
		return plaintext, nil
	}

	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}
	nonce, ciphertext, err := encrypt([]byte(plaintext), deriveKey(c.master, salt))
	if err != nil {
		return "", err
	}

	enc := base64.RawStdEncoding
	return sealedPrefix + enc.EncodeToString(salt) + ":" + enc.EncodeToString(nonce) + ":" + enc.EncodeToString(ciphertext), nil
}

// Open reverses Seal. Values without the sealed prefix are returned as is.
func (c *PasswordCipher) Open(stored string) (string, error) {
	if !IsSealed(stored) {
		return stored, nil
	}
	if !c.Enabled() {
		return "", fmt.Errorf("stored password is sealed but no master password is configured")
	}

	parts := strings.Split(strings.TrimPrefix(stored, sealedPrefix), ":")
	if len(parts) != 3 {
		return "", fmt.Errorf("malformed sealed value")
	}
	enc := base64.RawStdEncoding
	salt, err := enc.DecodeString(parts[0])
	if err != nil {
		return "", fmt.Errorf("decoding salt: %w", err)
	}
	nonce, err := enc.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("decoding nonce: %w", err)
	}
	ciphertext, err := enc.DecodeString(parts[2])
	if err != nil {
		return "", fmt.Errorf("decoding ciphertext: %w", err)
	}

	plaintext, err := decrypt(ciphertext, deriveKey(c.master, salt), nonce)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// deriveKey derives an encryption key from a password using PBKDF2.
func deriveKey(password string, salt []byte) []byte {
	return pbkdf2.Key([]byte(password), salt, PBKDF2Iterations, EncryptionKeySize, sha256.New)
}

// encrypt encrypts plaintext using AES-256-GCM.
func encrypt(plaintext, key []byte) (nonce, ciphertext []byte, err error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, fmt.Errorf("creating cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, fmt.Errorf("creating GCM: %w", err)
	}

	nonce = make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, fmt.Errorf("generating nonce: %w", err)
	}

	return nonce, gcm.Seal(nil, nonce, plaintext, nil), nil
}

// decrypt decrypts ciphertext using AES-256-GCM.
func decrypt(ciphertext, key, nonce []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypting: %w", err)
	}
	return plaintext, nil
}
