// Package crypto provides AES-256-GCM authenticated encryption for provider API
// keys stored at rest by the credential vault. The encryption key is derived from
// the user's passphrase with PBKDF2-SHA256 and a per-credential random salt, so
// two users (or two saves by the same user) never share a key. AES-256-GCM is
// chosen because it provides both confidentiality and authenticated integrity:
// a tampered or wrongly-keyed blob fails to open instead of yielding garbage
// plaintext that would then be sent to an AI provider as a "key".
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

var (
	// ErrKeyLengthInvalid is returned when a master key is not exactly 32 bytes (required for AES-256).
	ErrKeyLengthInvalid = errors.New("crypto: key must be exactly 32 bytes for AES-256")
	// ErrCiphertextCorrupted is returned when a blob fails base64 decoding or is too short to contain its salt and nonce.
	ErrCiphertextCorrupted = errors.New("crypto: ciphertext is corrupted or tampered")
	// ErrDecryptionFailed is returned when AES-GCM authentication fails, indicating tampering or a wrong passphrase.
	ErrDecryptionFailed = errors.New("crypto: decryption operation failed")
)

const (
	saltLength = 16
	// defaultIterations is the PBKDF2 iteration floor; configured values below
	// 10000 are raised to this.
	defaultIterations = 100000
)

// KeyCipher encrypts and decrypts sensitive values with a fixed 32-byte key
type KeyCipher struct {
	masterKey []byte
}

// NewKeyCipher creates a cipher with a 32-byte master key
func NewKeyCipher(masterKey []byte) (*KeyCipher, error) {
	if len(masterKey) != 32 {
		return nil, ErrKeyLengthInvalid
	}
	keyCopy := make([]byte, 32)
	copy(keyCopy, masterKey)
	return &KeyCipher{masterKey: keyCopy}, nil
}

// deriveKey runs PBKDF2-SHA256 over the passphrase with the given salt
func deriveKey(passphrase string, salt []byte, iterations int) []byte {
	if iterations < 10000 {
		iterations = defaultIterations
	}
	return pbkdf2.Key([]byte(passphrase), salt, iterations, 32, sha256.New)
}

// Seal encrypts plaintext and returns a base64url-encoded nonce‖ciphertext blob
func (kc *KeyCipher) Seal(plaintext string) (string, error) {
	sealed, err := kc.seal([]byte(plaintext), nil)
	if err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(sealed), nil
}

// Open decrypts a blob produced by Seal
func (kc *KeyCipher) Open(encoded string) (string, error) {
	raw, err := base64.URLEncoding.DecodeString(encoded)
	if err != nil {
		return "", ErrCiphertextCorrupted
	}
	plaintext, err := kc.open(raw)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// seal prefixes the GCM output with extra (salt or nil) and a random nonce
func (kc *KeyCipher) seal(plaintext, extra []byte) ([]byte, error) {
	blockCipher, err := aes.NewCipher(kc.masterKey)
	if err != nil {
		return nil, err
	}

	aead, err := cipher.NewGCM(blockCipher)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	header := append(append([]byte{}, extra...), nonce...)
	return aead.Seal(header, nonce, plaintext, nil), nil
}

// open decrypts a nonce‖ciphertext blob
func (kc *KeyCipher) open(raw []byte) ([]byte, error) {
	blockCipher, err := aes.NewCipher(kc.masterKey)
	if err != nil {
		return nil, err
	}

	aead, err := cipher.NewGCM(blockCipher)
	if err != nil {
		return nil, err
	}

	nonceLen := aead.NonceSize()
	if len(raw) < nonceLen {
		return nil, ErrCiphertextCorrupted
	}

	plaintext, err := aead.Open(nil, raw[:nonceLen], raw[nonceLen:], nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// SealWithPassphrase encrypts plaintext under a key derived from passphrase with
// a fresh random salt. The salt is embedded in the returned blob
// (base64url of salt‖nonce‖ciphertext), so no separate salt storage is needed.
func SealWithPassphrase(plaintext, passphrase string, iterations int) (string, error) {
	salt := make([]byte, saltLength)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", err
	}

	kc, err := NewKeyCipher(deriveKey(passphrase, salt, iterations))
	if err != nil {
		return "", err
	}

	sealed, err := kc.seal([]byte(plaintext), salt)
	if err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(sealed), nil
}

// OpenWithPassphrase decrypts a blob produced by SealWithPassphrase. A wrong
// passphrase yields ErrDecryptionFailed, never wrong plaintext.
func OpenWithPassphrase(encoded, passphrase string, iterations int) (string, error) {
	raw, err := base64.URLEncoding.DecodeString(encoded)
	if err != nil {
		return "", ErrCiphertextCorrupted
	}
	if len(raw) < saltLength {
		return "", ErrCiphertextCorrupted
	}

	salt := raw[:saltLength]
	kc, err := NewKeyCipher(deriveKey(passphrase, salt, iterations))
	if err != nil {
		return "", err
	}

	plaintext, err := kc.open(raw[saltLength:])
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// GenerateKey creates a cryptographically secure random 32-byte key
func GenerateKey() ([]byte, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, err
	}
	return key, nil
}
