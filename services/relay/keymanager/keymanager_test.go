// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package keymanager

import (
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/cloudflare/circl/kem/kyber/kyber512"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianRelay/pkg/logging"
)

func testManager(t *testing.T, mutate func(*Config)) *Manager {
	t.Helper()
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	m, err := New(cfg, logging.New(logging.Config{Quiet: true}))
	require.NoError(t, err)
	t.Cleanup(m.Stop)
	return m
}

func TestExportPublicKeys_Hybrid(t *testing.T) {
	m := testManager(t, nil)

	pub, err := m.ExportPublicKeys()
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(pub.KeyID, "server_"))
	raw, err := base64.StdEncoding.DecodeString(pub.ClassicalPubB64)
	require.NoError(t, err)
	assert.Len(t, raw, 32)

	require.True(t, m.HasPQC())
	assert.True(t, pub.KEMEnabled)
	assert.Equal(t, kyber512.Scheme().Name(), pub.KEMName)
	kemRaw, err := base64.StdEncoding.DecodeString(pub.KEMPubB64)
	require.NoError(t, err)
	assert.Len(t, kemRaw, kyber512.Scheme().PublicKeySize())
}

func TestExportPublicKeys_ClassicalOnly(t *testing.T) {
	m := testManager(t, func(c *Config) { c.EnablePQC = false })

	pub, err := m.ExportPublicKeys()
	require.NoError(t, err)

	assert.False(t, m.HasPQC())
	assert.False(t, pub.KEMEnabled)
	assert.Empty(t, pub.KEMName)
	assert.Empty(t, pub.KEMPubB64)
}

// Client and server must agree byte-for-byte on the hybrid secret, or nothing
// either side encrypts is readable by the other.
func TestHybridAgreement_MatchesClientDerivation(t *testing.T) {
	m := testManager(t, nil)

	serverPubs, err := m.ExportPublicKeys()
	require.NoError(t, err)

	// Client key material: an X25519 keypair plus a Kyber keypair the server
	// will encapsulate toward.
	clientPriv, err := ecdh.X25519().GenerateKey(rand.Reader)
	require.NoError(t, err)
	scheme := kyber512.Scheme()
	clientKEMPub, clientKEMPriv, err := scheme.GenerateKeyPair()
	require.NoError(t, err)
	clientKEMRaw, err := clientKEMPub.MarshalBinary()
	require.NoError(t, err)

	agreement, err := m.DeriveSharedSecretServerSide(
		base64.StdEncoding.EncodeToString(clientPriv.PublicKey().Bytes()),
		base64.StdEncoding.EncodeToString(clientKEMRaw),
	)
	require.NoError(t, err)
	assert.Equal(t, serverPubs.KeyID, agreement.KeyID)
	require.NotNil(t, agreement.KEMCiphertext)
	assert.Len(t, agreement.KEMCiphertext, scheme.CiphertextSize())

	// Client side: ECDH against the server public key, then decapsulate the
	// ciphertext the server produced.
	serverRaw, err := base64.StdEncoding.DecodeString(serverPubs.ClassicalPubB64)
	require.NoError(t, err)
	serverPub, err := ecdh.X25519().NewPublicKey(serverRaw)
	require.NoError(t, err)
	clientX, err := clientPriv.ECDH(serverPub)
	require.NoError(t, err)
	clientKEM, err := scheme.Decapsulate(clientKEMPriv, agreement.KEMCiphertext)
	require.NoError(t, err)

	clientShared := append(append([]byte{}, clientX...), clientKEM...)
	assert.Equal(t, clientShared, agreement.Shared)
	assert.Len(t, agreement.Shared, 32+scheme.SharedKeySize())

	// And the HKDF expansion must agree too.
	serverKey, err := m.DeriveSymmetricKey(agreement.Shared)
	require.NoError(t, err)
	clientKey, err := m.DeriveSymmetricKey(clientShared)
	require.NoError(t, err)
	assert.Len(t, serverKey, 32)
	assert.Equal(t, clientKey, serverKey)
}

func TestDeriveSharedSecret_ClassicalOnly(t *testing.T) {
	m := testManager(t, nil)

	clientPriv, err := ecdh.X25519().GenerateKey(rand.Reader)
	require.NoError(t, err)

	agreement, err := m.DeriveSharedSecretServerSide(
		base64.StdEncoding.EncodeToString(clientPriv.PublicKey().Bytes()), "")
	require.NoError(t, err)
	assert.Len(t, agreement.Shared, 32)
	assert.Nil(t, agreement.KEMCiphertext)
}

func TestDeriveSharedSecret_RejectsMalformedClientKey(t *testing.T) {
	m := testManager(t, nil)

	_, err := m.DeriveSharedSecretServerSide("not base64!!", "")
	assert.ErrorIs(t, err, ErrInvalidClientKey)

	short := base64.StdEncoding.EncodeToString([]byte("short"))
	_, err = m.DeriveSharedSecretServerSide(short, "")
	assert.ErrorIs(t, err, ErrInvalidClientKey)
}

// A malformed KEM key degrades the exchange to classical-only instead of
// failing it.
func TestDeriveSharedSecret_MalformedKEMKeyDegrades(t *testing.T) {
	m := testManager(t, nil)

	clientPriv, err := ecdh.X25519().GenerateKey(rand.Reader)
	require.NoError(t, err)
	clientB64 := base64.StdEncoding.EncodeToString(clientPriv.PublicKey().Bytes())

	bogus := base64.StdEncoding.EncodeToString([]byte("not a kyber public key"))
	agreement, err := m.DeriveSharedSecretServerSide(clientB64, bogus)
	require.NoError(t, err)
	assert.Len(t, agreement.Shared, 32)
	assert.Nil(t, agreement.KEMCiphertext)
}

// A client KEM key sent to an X25519-only server yields a working classical
// agreement, not an error.
func TestDeriveSharedSecret_KEMIgnoredWithoutPQC(t *testing.T) {
	m := testManager(t, func(c *Config) { c.EnablePQC = false })

	clientPriv, err := ecdh.X25519().GenerateKey(rand.Reader)
	require.NoError(t, err)
	clientB64 := base64.StdEncoding.EncodeToString(clientPriv.PublicKey().Bytes())

	stray := base64.StdEncoding.EncodeToString(make([]byte, 64))
	agreement, err := m.DeriveSharedSecretServerSide(clientB64, stray)
	require.NoError(t, err)
	assert.Len(t, agreement.Shared, 32)
	assert.Nil(t, agreement.KEMCiphertext)
}

func TestDeriveSymmetricKey_EmptySecret(t *testing.T) {
	m := testManager(t, nil)

	_, err := m.DeriveSymmetricKey(nil)
	assert.ErrorIs(t, err, ErrEmptySecret)
}

func TestDeriveSymmetricKey_Deterministic(t *testing.T) {
	m := testManager(t, nil)

	shared := []byte("the same input material every time")
	k1, err := m.DeriveSymmetricKey(shared)
	require.NoError(t, err)
	k2, err := m.DeriveSymmetricKey(shared)
	require.NoError(t, err)
	assert.Equal(t, k1, k2)
	assert.Len(t, k1, 32)
}

func TestRotate_SwapsGeneration(t *testing.T) {
	m := testManager(t, nil)

	beforePub, err := m.ExportPublicKeys()
	require.NoError(t, err)

	require.NoError(t, m.Rotate())
	after := m.KeyID()
	assert.True(t, strings.HasPrefix(after, "server_"))

	status := m.Status()
	assert.Equal(t, int64(1), status["rotations"])
	assert.Equal(t, after, status["key_id"])

	// Same-second rotations share the epoch suffix, so compare key material
	// rather than ids to prove the generation was replaced.
	afterPub, err := m.ExportPublicKeys()
	require.NoError(t, err)
	assert.NotEqual(t, beforePub.ClassicalPubB64, afterPub.ClassicalPubB64)
}

func TestGenerateSessionKey(t *testing.T) {
	m := testManager(t, nil)

	k1, err := m.GenerateSessionKey()
	require.NoError(t, err)
	k2, err := m.GenerateSessionKey()
	require.NoError(t, err)

	assert.Len(t, k1, 32)
	assert.Len(t, k2, 32)
	assert.NotEqual(t, k1, k2)
}

func TestStatus_Fields(t *testing.T) {
	m := testManager(t, nil)

	status := m.Status()
	assert.Contains(t, status, "key_id")
	assert.Contains(t, status, "created_at")
	assert.Equal(t, int64(3600), status["rotation_interval_seconds"])
	assert.Equal(t, true, status["kem_enabled"])
	assert.Equal(t, kyber512.Scheme().Name(), status["kem_name"])
}
