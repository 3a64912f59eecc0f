// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package crypto provides the relay's symmetric primitives: AEAD sealing in
// the nonce||ciphertext wire format, risk-driven protocol advice, and traffic
// padding against size analysis.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

// =============================================================================
// SEC-050: AEAD Sealing
// =============================================================================

var (
	// ErrInvalidKeySize rejects AEAD keys that are not 16, 24, or 32 bytes.
	ErrInvalidKeySize = errors.New("crypto: aead key must be 16, 24, or 32 bytes")
	// ErrCiphertextTooShort rejects blobs too small to carry a nonce.
	ErrCiphertextTooShort = errors.New("crypto: blob shorter than nonce")
)

// NonceSize is the AEAD nonce length. Both AES-GCM and ChaCha20-Poly1305 use
// 96-bit nonces here.
const NonceSize = 12

// Seal encrypts plaintext with AES-GCM under a fresh random nonce.
//
// # Description
//
// The output wire format is nonce || ciphertext, where the ciphertext already
// carries the authentication tag. The associated data is authenticated but
// not encrypted; Open must receive the identical bytes.
//
// # Inputs
//
//   - key: 16, 24, or 32 bytes selecting AES-128/192/256.
//   - plaintext: message to encrypt.
//   - aad: associated data bound to the ciphertext. May be nil.
//
// # Outputs
//
//   - []byte: nonce || ciphertext+tag.
//   - error: ErrInvalidKeySize, or a nonce generation failure.
func Seal(key, plaintext, aad []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	return seal(aead, plaintext, aad)
}

// Open reverses Seal. Any modification of blob or aad fails authentication.
func Open(key, blob, aad []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	return open(aead, blob, aad)
}

// SealChaCha is Seal's ChaCha20-Poly1305 counterpart. The key must be exactly
// 32 bytes.
func SealChaCha(key, plaintext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeySize, err)
	}
	return seal(aead, plaintext, aad)
}

// OpenChaCha reverses SealChaCha.
func OpenChaCha(key, blob, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeySize, err)
	}
	return open(aead, blob, aad)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	switch len(key) {
	case 16, 24, 32:
	default:
		return nil, ErrInvalidKeySize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: aes: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: gcm: %w", err)
	}
	return aead, nil
}

func seal(aead cipher.AEAD, plaintext, aad []byte) ([]byte, error) {
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto: nonce: %w", err)
	}
	// Seal appends to the nonce, yielding nonce || ct in one allocation.
	return aead.Seal(nonce, nonce, plaintext, aad), nil
}

func open(aead cipher.AEAD, blob, aad []byte) ([]byte, error) {
	if len(blob) < NonceSize {
		return nil, ErrCiphertextTooShort
	}
	plaintext, err := aead.Open(nil, blob[:NonceSize], blob[NonceSize:], aad)
	if err != nil {
		return nil, fmt.Errorf("crypto: open: %w", err)
	}
	return plaintext, nil
}

// =============================================================================
// SEC-051: Associated Data
// =============================================================================

// MessageAAD binds a ciphertext to its routing facts so a blob cannot be
// replayed under a different token, server key generation, or fan-out shape.
// Format: token | key_id | padded_size | dest_count.
func MessageAAD(token, keyID string, paddedSize, destCount int) []byte {
	parts := []string{
		token,
		keyID,
		strconv.Itoa(paddedSize),
		strconv.Itoa(destCount),
	}
	return []byte(strings.Join(parts, "|"))
}
