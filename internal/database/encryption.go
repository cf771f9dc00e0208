package database

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"os"
	"strings"

	"walink/internal/constants"

	"golang.org/x/crypto/pbkdf2"
)

// EncryptionSecretEnv names the variable holding the phone encryption secret
const EncryptionSecretEnv = "WALINK_ENCRYPTION_SECRET"

type encryptor struct {
	gcm cipher.AEAD
}

// NewEncryptor returns an encryptor keyed from WALINK_ENCRYPTION_SECRET.
// Without a secret the encryptor passes values through unchanged.
func NewEncryptor() (*encryptor, error) {
	secret := os.Getenv(EncryptionSecretEnv)
	if secret == "" {
		return &encryptor{}, nil
	}
	return newEncryptorWithSecret(secret)
}

func newEncryptorWithSecret(secret string) (*encryptor, error) {
	if len(secret) < constants.MinProductionSecretLen {
		return nil, fmt.Errorf("encryption secret must be at least %d characters long", constants.MinProductionSecretLen)
	}

	key := pbkdf2.Key([]byte(secret), []byte(constants.EncryptionSalt),
		constants.EncryptionIterations, constants.EncryptionKeySize, sha256.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &encryptor{gcm: gcm}, nil
}

func (e *encryptor) enabled() bool {
	return e != nil && e.gcm != nil
}

func (e *encryptor) Encrypt(plaintext string) (string, error) {
	if plaintext == "" || !e.enabled() {
		return plaintext, nil
	}

	nonce := make([]byte, constants.EncryptionNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := e.gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return constants.EncryptedValuePrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. Values stored before encryption was enabled
// carry no prefix and are returned as they are.
func (e *encryptor) Decrypt(stored string) (string, error) {
	if !strings.HasPrefix(stored, constants.EncryptedValuePrefix) {
		return stored, nil
	}
	if !e.enabled() {
		return "", fmt.Errorf("encrypted value found but %s is not set", EncryptionSecretEnv)
	}

	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, constants.EncryptedValuePrefix))
	if err != nil {
		return "", fmt.Errorf("failed to decode base64: %w", err)
	}
	if len(data) < constants.EncryptionNonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, sealed := data[:constants.EncryptionNonceSize], data[constants.EncryptionNonceSize:]
	plaintext, err := e.gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}
	return string(plaintext), nil
}
