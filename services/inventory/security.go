package inventory

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
)

const keyVersion = "v1"

// CodeKey derives the AES-256 key used for reward codes at rest.
func CodeKey(secret string) [32]byte {
	return sha256.Sum256([]byte(secret))
}

// HashCode returns the sha256 hex used for duplicate detection and lookup.
func HashCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

// EncryptCode seals a reward code with AES-256-GCM. The nonce is prepended.
func EncryptCode(plain []byte, key [32]byte) (string, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return "", fmt.Errorf("cipher init: %w", err)
	}
	aesgcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("gcm init: %w", err)
	}
	nonce := make([]byte, aesgcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("nonce gen: %w", err)
	}
	ciphertext := aesgcm.Seal(nonce, nonce, plain, nil)
	return hex.EncodeToString(ciphertext), nil
}

func DecryptCode(encHex string, key [32]byte) (string, error) {
	data, err := hex.DecodeString(encHex)
	if err != nil {
		return "", fmt.Errorf("invalid hex: %w", err)
	}
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return "", fmt.Errorf("cipher init: %w", err)
	}
	aesgcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("gcm init: %w", err)
	}

	nonceSize := aesgcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("invalid ciphertext")
	}
	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plain, err := aesgcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plain), nil
}

func maskCode(code string) string {
	if len(code) < 6 {
		return "***"
	}
	return code[:3] + "****" + code[len(code)-3:]
}
