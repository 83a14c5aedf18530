// Copyright 2026 Harbor AI Inc. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrDecryption is returned when a ciphertext is malformed or its
	// authentication tag does not verify.
	ErrDecryption = errors.New("decryption failed")

	// ErrNoMasterSecret is returned when the vault is constructed without a
	// master secret.
	ErrNoMasterSecret = errors.New("master secret is empty")
)

// gcmTagSize is the authentication tag length in bytes (128 bits).
const gcmTagSize = 16

// Vault encrypts and decrypts small secrets (sandbox credentials, access
// tokens) stored inline in session metadata. The AES-256 key is derived by
// hashing a single process-wide master secret, so no per-secret key
// management is needed.
type Vault struct {
	key [sha256.Size]byte
}

// New creates a Vault from the process-wide master secret.
func New(masterSecret string) (*Vault, error) {
	if masterSecret == "" {
		return nil, ErrNoMasterSecret
	}
	return &Vault{key: sha256.Sum256([]byte(masterSecret))}, nil
}

// Encrypt seals plaintext with AES-256-GCM using a fresh random 96-bit nonce.
// The result is "hex(nonce):hex(ciphertext):hex(tag)".
func (v *Vault) Encrypt(plaintext []byte) (string, error) {
	block, err := aes.NewCipher(v.key[:])
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	ct := sealed[:len(sealed)-gcmTagSize]
	tag := sealed[len(sealed)-gcmTagSize:]

	return hex.EncodeToString(nonce) + ":" + hex.EncodeToString(ct) + ":" + hex.EncodeToString(tag), nil
}

// Decrypt opens a ciphertext produced by Encrypt. It returns ErrDecryption
// if any of the three colon-delimited hex segments is missing or corrupt, or
// if the authentication tag does not verify.
func (v *Vault) Decrypt(ciphertext string) ([]byte, error) {
	parts := strings.Split(ciphertext, ":")
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: expected 3 segments, got %d", ErrDecryption, len(parts))
	}

	nonce, err := hex.DecodeString(parts[0])
	if err != nil {
		return nil, fmt.Errorf("%w: bad nonce encoding", ErrDecryption)
	}
	ct, err := hex.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: bad ciphertext encoding", ErrDecryption)
	}
	tag, err := hex.DecodeString(parts[2])
	if err != nil {
		return nil, fmt.Errorf("%w: bad tag encoding", ErrDecryption)
	}

	block, err := aes.NewCipher(v.key[:])
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(nonce) != gcm.NonceSize() || len(tag) != gcmTagSize {
		return nil, fmt.Errorf("%w: bad segment length", ErrDecryption)
	}

	plaintext, err := gcm.Open(nil, nonce, append(ct, tag...), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	return plaintext, nil
}
