// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package keymanager implements hybrid X25519 + Kyber512 server key material.
//
// The server holds one keypair bundle at a time: an X25519 keypair for
// classical ECDH plus, when the KEM initializes, a Kyber512 keypair that is
// advertised to clients. The hybrid agreement runs ECDH against the client's
// X25519 key and, when the client supplies its own KEM public key,
// encapsulates toward it; the resulting shared secret is the concatenation
// x25519_shared || kem_shared, fed through HKDF-SHA-256 to produce the
// symmetric key. The KEM ciphertext travels back to the client, which
// decapsulates with its private key to reach the same secret.
//
// Kyber is strictly additive. A KEM failure at init or mid-exchange degrades
// the bundle to X25519-only operation; it never refuses service because
// post-quantum support is unavailable.
package keymanager

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cloudflare/circl/kem"
	"github.com/cloudflare/circl/kem/kyber/kyber512"
	"golang.org/x/crypto/hkdf"

	"github.com/AleutianAI/AleutianRelay/pkg/logging"
)

// =============================================================================
// SEC-040: Errors and Configuration
// =============================================================================

var (
	// ErrInvalidClientKey rejects client X25519 keys that are not 32 raw bytes.
	ErrInvalidClientKey = errors.New("keymanager: client public key must be 32 bytes")
	// ErrEmptySecret rejects key derivation from nothing.
	ErrEmptySecret = errors.New("keymanager: shared secret must not be empty")
)

// defaultHKDFInfo is the domain-separation string for symmetric key
// derivation. Clients must use the same string or they derive a different key.
const defaultHKDFInfo = "hybrid-key"

// symmetricKeySize is the HKDF output length: 32 bytes for AES-256.
const symmetricKeySize = 32

// Config controls key rotation and post-quantum support.
type Config struct {
	// RotationInterval is how often the server keypair bundle is replaced.
	RotationInterval time.Duration
	// HKDFInfo overrides the derivation info string. Empty means "hybrid-key".
	HKDFInfo string
	// EnablePQC turns the Kyber512 leg on. The manager still degrades
	// gracefully if KEM key generation fails at runtime.
	EnablePQC bool
}

// DefaultConfig returns the production settings: hourly rotation, PQC on.
func DefaultConfig() Config {
	return Config{
		RotationInterval: time.Hour,
		HKDFInfo:         defaultHKDFInfo,
		EnablePQC:        true,
	}
}

// =============================================================================
// SEC-041: Server Keypair Bundle
// =============================================================================

// PublicKeys is the client-facing view of the active keypair bundle.
type PublicKeys struct {
	KeyID           string `json:"key_id"`
	ClassicalPubB64 string `json:"classical_pub_b64"`
	KEMPubB64       string `json:"kem_pub_b64,omitempty"`
	KEMEnabled      bool   `json:"kem_enabled"`
	KEMName         string `json:"kem_name,omitempty"`
}

// Agreement is the server-side outcome of one hybrid key exchange.
type Agreement struct {
	// Shared is x25519_shared || kem_shared. The KEM part is empty when no
	// KEM leg ran.
	Shared []byte
	// KEMCiphertext is the encapsulation the client must decapsulate to reach
	// the same secret. Nil when no KEM leg ran.
	KEMCiphertext []byte
	// KeyID names the server generation used for the classical exchange.
	KeyID string
}

// serverKeys is one generation of server key material. Generations are
// immutable after creation; rotation swaps the whole struct.
type serverKeys struct {
	id        string
	createdAt time.Time
	xPriv     *ecdh.PrivateKey
	kemPub    kem.PublicKey
	kemPriv   kem.PrivateKey
}

func generateServerKeys(scheme kem.Scheme, log *logging.Logger) (*serverKeys, error) {
	xPriv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("keymanager: x25519 keygen: %w", err)
	}

	now := time.Now()
	keys := &serverKeys{
		id:        fmt.Sprintf("server_%d", now.Unix()),
		createdAt: now,
		xPriv:     xPriv,
	}

	if scheme != nil {
		kemPub, kemPriv, err := scheme.GenerateKeyPair()
		if err != nil {
			// X25519 still protects the session; drop to classical-only.
			log.Warn("kem keygen failed, continuing without pqc", "error", err)
		} else {
			keys.kemPub = kemPub
			keys.kemPriv = kemPriv
		}
	}
	return keys, nil
}

// =============================================================================
// SEC-042: Manager
// =============================================================================

// Manager owns the active server keypair bundle and rotates it on a fixed
// interval.
//
// # Description
//
// Manager is the single source of server key material for the relay. It
// exports public keys for client handshakes, performs the server side of the
// hybrid key agreement, and derives symmetric keys via HKDF-SHA-256.
//
// # Thread Safety
//
// All methods are safe for concurrent use. Rotation swaps the keypair bundle
// under a write lock; derivations read the bundle under a read lock, so a
// derivation observes exactly one generation.
type Manager struct {
	mu     sync.RWMutex
	cfg    Config
	log    *logging.Logger
	scheme kem.Scheme
	keys   *serverKeys

	rotations int64

	stopCh  chan struct{}
	doneCh  chan struct{}
	started bool
	stopped bool
}

// New creates a Manager with a freshly generated keypair bundle.
//
// # Inputs
//
//   - cfg: rotation and PQC settings. Zero values fall back to DefaultConfig.
//   - log: structured logger. Must not be nil.
//
// # Outputs
//
//   - *Manager: ready for derivations. Call Start to enable rotation.
//   - error: non-nil only if X25519 key generation fails.
//
// # Limitations
//
//   - KEM initialization failure is not an error; the manager logs it and
//     serves X25519-only handshakes.
func New(cfg Config, log *logging.Logger) (*Manager, error) {
	def := DefaultConfig()
	if cfg.RotationInterval <= 0 {
		cfg.RotationInterval = def.RotationInterval
	}
	if cfg.HKDFInfo == "" {
		cfg.HKDFInfo = def.HKDFInfo
	}

	var scheme kem.Scheme
	if cfg.EnablePQC {
		scheme = kyber512.Scheme()
	}

	keys, err := generateServerKeys(scheme, log)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:    cfg,
		log:    log,
		scheme: scheme,
		keys:   keys,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	log.Info("key manager initialized",
		"key_id", keys.id,
		"pqc", keys.kemPriv != nil,
		"rotation_interval", cfg.RotationInterval.String())
	return m, nil
}

// Start launches the background rotation loop. Safe to call once.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.started || m.stopped {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	go m.rotationLoop()
}

// Stop halts rotation and waits for the loop to exit. Safe to call multiple
// times and without a prior Start.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	started := m.started
	m.mu.Unlock()

	close(m.stopCh)
	if started {
		<-m.doneCh
	}
}

func (m *Manager) rotationLoop() {
	defer close(m.doneCh)
	ticker := time.NewTicker(m.cfg.RotationInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := m.Rotate(); err != nil {
				m.log.Error("scheduled key rotation failed", "error", err)
			}
		case <-m.stopCh:
			return
		}
	}
}

// Rotate generates a fresh keypair bundle and swaps it in atomically.
//
// In-flight handshakes against the previous generation will fail to agree;
// clients recover by re-fetching public keys. That window is the cost of not
// retaining old private keys.
func (m *Manager) Rotate() error {
	keys, err := generateServerKeys(m.scheme, m.log)
	if err != nil {
		return err
	}

	m.mu.Lock()
	old := m.keys.id
	m.keys = keys
	m.rotations++
	m.mu.Unlock()

	m.log.Info("server keys rotated", "old_key_id", old, "key_id", keys.id)
	return nil
}

// HasPQC reports whether the active bundle includes a Kyber512 keypair.
func (m *Manager) HasPQC() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.keys.kemPriv != nil
}

// KeyID returns the identifier of the active keypair bundle.
func (m *Manager) KeyID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.keys.id
}

// ExportPublicKeys returns the public half of the active bundle in the wire
// format clients consume. KEM fields are omitted when PQC is inactive.
func (m *Manager) ExportPublicKeys() (PublicKeys, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := PublicKeys{
		KeyID:           m.keys.id,
		ClassicalPubB64: base64.StdEncoding.EncodeToString(m.keys.xPriv.PublicKey().Bytes()),
	}
	if m.keys.kemPub != nil {
		raw, err := m.keys.kemPub.MarshalBinary()
		if err != nil {
			return PublicKeys{}, fmt.Errorf("keymanager: marshal kem public key: %w", err)
		}
		out.KEMPubB64 = base64.StdEncoding.EncodeToString(raw)
		out.KEMEnabled = true
		out.KEMName = m.scheme.Name()
	}
	return out, nil
}

// Status returns the admin-surface snapshot of the active generation.
func (m *Manager) Status() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := map[string]any{
		"key_id":                    m.keys.id,
		"created_at":                m.keys.createdAt.UTC().Format(time.RFC3339),
		"rotation_interval_seconds": int64(m.cfg.RotationInterval.Seconds()),
		"rotations":                 m.rotations,
		"kem_enabled":               m.keys.kemPriv != nil,
	}
	if m.keys.kemPriv != nil {
		status["kem_name"] = m.scheme.Name()
	}
	return status
}

// =============================================================================
// SEC-043: Key Agreement and Derivation
// =============================================================================

// DeriveSharedSecretServerSide performs the server half of the hybrid key
// agreement.
//
// # Description
//
// Decodes the client's X25519 public key and runs ECDH against the active
// server private key. When the client supplies a KEM public key and the
// bundle has an active KEM, the server encapsulates toward the client's key
// and appends the encapsulated shared secret; the returned ciphertext lets
// the client decapsulate to the same value. Callers feed Agreement.Shared to
// DeriveSymmetricKey before use.
//
// # Inputs
//
//   - clientClassicalPubB64: standard base64 of the client's 32-byte X25519
//     key.
//   - clientKEMPubB64: optional standard base64 Kyber512 public key. Empty
//     string means classical-only agreement.
//
// # Outputs
//
//   - Agreement: shared secret, KEM ciphertext (nil without a KEM leg), and
//     the key id of the server generation used.
//   - error: ErrInvalidClientKey on a malformed classical key.
//
// # Assumptions
//
//   - A malformed client KEM key degrades the exchange to X25519-only rather
//     than failing it; the client notices the missing ciphertext and falls
//     back accordingly.
func (m *Manager) DeriveSharedSecretServerSide(clientClassicalPubB64, clientKEMPubB64 string) (Agreement, error) {
	clientRaw, err := base64.StdEncoding.DecodeString(clientClassicalPubB64)
	if err != nil {
		return Agreement{}, fmt.Errorf("%w: %v", ErrInvalidClientKey, err)
	}
	clientPub, err := ecdh.X25519().NewPublicKey(clientRaw)
	if err != nil {
		return Agreement{}, fmt.Errorf("%w: %v", ErrInvalidClientKey, err)
	}

	m.mu.RLock()
	keys := m.keys
	m.mu.RUnlock()

	shared, err := keys.xPriv.ECDH(clientPub)
	if err != nil {
		return Agreement{}, fmt.Errorf("keymanager: ecdh: %w", err)
	}

	out := Agreement{Shared: shared, KeyID: keys.id}
	if clientKEMPubB64 == "" || keys.kemPriv == nil {
		return out, nil
	}

	kemShared, ct, err := m.encapsulate(clientKEMPubB64)
	if err != nil {
		m.log.Warn("kem encapsulation failed, continuing x25519-only",
			"key_id", keys.id, "error", err)
		return out, nil
	}
	out.Shared = append(out.Shared, kemShared...)
	out.KEMCiphertext = ct
	return out, nil
}

// encapsulate runs Kyber512 toward the client's KEM public key and returns
// (shared, ciphertext).
func (m *Manager) encapsulate(clientKEMPubB64 string) ([]byte, []byte, error) {
	raw, err := base64.StdEncoding.DecodeString(clientKEMPubB64)
	if err != nil {
		return nil, nil, fmt.Errorf("decode kem public key: %w", err)
	}
	pub, err := m.scheme.UnmarshalBinaryPublicKey(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("unmarshal kem public key: %w", err)
	}
	ct, shared, err := m.scheme.Encapsulate(pub)
	if err != nil {
		return nil, nil, fmt.Errorf("encapsulate: %w", err)
	}
	return shared, ct, nil
}

// DeriveSymmetricKey expands a raw shared secret into a 32-byte symmetric key
// via HKDF-SHA-256 with no salt and the configured info string.
func (m *Manager) DeriveSymmetricKey(shared []byte) ([]byte, error) {
	if len(shared) == 0 {
		return nil, ErrEmptySecret
	}
	key := make([]byte, symmetricKeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, nil, []byte(m.cfg.HKDFInfo)), key); err != nil {
		return nil, fmt.Errorf("keymanager: hkdf: %w", err)
	}
	return key, nil
}

// GenerateSessionKey returns 32 fresh random bytes. The manager keeps no copy;
// session keys exist only in the caller and the client.
func (m *Manager) GenerateSessionKey() ([]byte, error) {
	key := make([]byte, symmetricKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("keymanager: session key: %w", err)
	}
	return key, nil
}

// RevokeSession is best-effort: the server retains no session state, so there
// is nothing to destroy beyond logging the revocation intent.
func (m *Manager) RevokeSession(sessionID string) {
	m.log.Info("session revocation requested", "session_id", sessionID)
}
