// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package storage implements the ephemeral message store: a token-keyed map
// of ciphertext entries with TTL expiry, read-once deletion, and multi-pass
// best-effort secure wiping through a deletion queue drained by a background
// sweeper.
//
// Entries move through a single-owner lifecycle: Created -> Readable ->
// ScheduledForDeletion -> Deleted. Only the store performs transitions, and
// an entry is removed from the table in the same critical section that
// enqueues its buffer, so the deletion queue never holds the same buffer
// twice.
package storage

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianRelay/pkg/logging"
	"github.com/AleutianAI/AleutianRelay/services/relay/audit"
)

// =============================================================================
// SEC-031: Types and Configuration
// =============================================================================

var (
	// ErrInvalidTTL rejects non-positive lifetimes.
	ErrInvalidTTL = errors.New("storage: ttl must be positive")
	// ErrEmptyToken rejects unkeyed entries.
	ErrEmptyToken = errors.New("storage: token must not be empty")
	// ErrEmptyCiphertext rejects zero-length payloads.
	ErrEmptyCiphertext = errors.New("storage: ciphertext must not be empty")
)

// AuditSink receives storage lifecycle events. *audit.Log satisfies it; nil
// disables auditing.
type AuditSink interface {
	MessageEvent(eventType, token string, details map[string]any)
	AdminEvent(action string, details map[string]any)
}

// Config controls wiping, sweeping, and protection reporting.
type Config struct {
	// WipePasses is the number of overwrite passes per buffer.
	WipePasses int
	// CleanupInterval is the sweeper wake period.
	CleanupInterval time.Duration
	// DrainRate paces queue draining inside the periodic sweep so bulk
	// cleanup cannot monopolize the store. Shutdown drains are unpaced.
	DrainRate rate.Limit
	// DrainBurst is the limiter burst size.
	DrainBurst int
	// MemoryProtection enables mlocked buffers when the platform allows.
	MemoryProtection bool
	// DiskProtection records that ciphertext is never persisted.
	DiskProtection bool
	// NetworkObfuscation records that payloads are padded on the wire.
	NetworkObfuscation bool
}

// DefaultConfig returns the production settings: 3 wipe passes, 5s sweeps.
func DefaultConfig() Config {
	return Config{
		WipePasses:         3,
		CleanupInterval:    5 * time.Second,
		DrainRate:          256,
		DrainBurst:         16,
		MemoryProtection:   true,
		DiskProtection:     true,
		NetworkObfuscation: true,
	}
}

// Payload is the defensive copy Get hands out.
type Payload struct {
	Ciphertext  []byte
	KeyID       string
	CreatedAt   time.Time
	ExpiresAt   time.Time
	AccessCount int
	Read        bool
	ForensicID  string
	Metadata    map[string]any
}

// ForensicStatus is the admin-surface snapshot of protection state.
type ForensicStatus struct {
	TotalEntries       int    `json:"total_entries"`
	DeletionQueueSize  int    `json:"deletion_queue_size"`
	SecureDeletePasses int    `json:"secure_delete_passes"`
	MemoryWipePattern  string `json:"memory_wipe_pattern"`
	LockedMemory       bool   `json:"locked_memory"`
	DiskProtection     bool   `json:"disk_protection_enabled"`
	NetworkObfuscation bool   `json:"network_obfuscation_enabled"`
}

type entry struct {
	buf         *secureBuffer
	keyID       string
	createdAt   time.Time
	expiresAt   time.Time
	accessCount int
	read        bool
	forensicID  string
	metadata    map[string]any
}

// Store is the ephemeral message table. One mutex serializes the table and
// the deletion queue; buffer wiping happens outside the lock on buffers the
// queue exclusively owns.
type Store struct {
	mu      sync.Mutex
	cfg     Config
	log     *logging.Logger
	sink    AuditSink
	entries map[string]*entry
	queue   []*secureBuffer
	locked  bool

	wiped int64
	swept int64

	limiter *rate.Limiter
	stopCh  chan struct{}
	doneCh  chan struct{}
	started bool
	stopped bool
}

// New creates a Store. sink may be nil. Zero Config fields fall back to
// DefaultConfig values.
func New(cfg Config, log *logging.Logger, sink AuditSink) *Store {
	def := DefaultConfig()
	if cfg.WipePasses <= 0 {
		cfg.WipePasses = def.WipePasses
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}
	if cfg.DrainRate <= 0 {
		cfg.DrainRate = def.DrainRate
	}
	if cfg.DrainBurst <= 0 {
		cfg.DrainBurst = def.DrainBurst
	}

	locked := false
	if cfg.MemoryProtection {
		avail, limitKB := memoryLockAvailable()
		locked = avail
		if !avail {
			log.Warn("mlock headroom insufficient, ciphertext in plain memory",
				"limit_kb", limitKB, "required_kb", int64(minMemlockKB))
		}
	}

	return &Store{
		cfg:     cfg,
		log:     log,
		sink:    sink,
		entries: make(map[string]*entry),
		locked:  locked,
		limiter: rate.NewLimiter(cfg.DrainRate, cfg.DrainBurst),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// =============================================================================
// SEC-032: Store Operations
// =============================================================================

// Put stores ciphertext under token for ttl.
//
// # Description
//
// Takes ownership of ciphertext: the caller's slice is wiped once the store
// holds its own copy. Overwriting an existing token enqueues the prior
// buffer for secure deletion before the replacement becomes visible.
//
// # Inputs
//
//   - token: opaque entry key, non-empty.
//   - ciphertext: payload bytes, length >= 1.
//   - ttl: entry lifetime, > 0.
//   - keyID: key bundle the payload was sealed under.
//   - metadata: sanitized submission metadata kept for forensic reads.
//
// # Thread Safety
//
// Safe for concurrent use.
func (s *Store) Put(token string, ciphertext []byte, ttl time.Duration, keyID string, metadata map[string]any) error {
	if token == "" {
		return ErrEmptyToken
	}
	if len(ciphertext) == 0 {
		return ErrEmptyCiphertext
	}
	if ttl <= 0 {
		return ErrInvalidTTL
	}

	now := time.Now()
	e := &entry{
		buf:        newSecureBuffer(ciphertext, s.locked),
		keyID:      keyID,
		createdAt:  now,
		expiresAt:  now.Add(ttl),
		forensicID: newForensicID(token),
		metadata:   metadata,
	}

	s.mu.Lock()
	if prior, ok := s.entries[token]; ok {
		s.queue = append(s.queue, prior.buf)
	}
	s.entries[token] = e
	s.mu.Unlock()

	s.message(audit.EventMessageStored, token, map[string]any{
		"ttl":         int(ttl.Seconds()),
		"size":        e.buf.size(),
		"key_id":      keyID,
		"forensic_id": e.forensicID,
	})
	return nil
}

// Get returns a copy of the entry for token, or ok=false when absent or
// expired. An entry found expired is enqueued for secure deletion in the
// same critical section.
func (s *Store) Get(token string) (Payload, bool) {
	s.mu.Lock()
	e, ok := s.entries[token]
	if !ok {
		s.mu.Unlock()
		return Payload{}, false
	}
	if time.Now().After(e.expiresAt) {
		delete(s.entries, token)
		s.queue = append(s.queue, e.buf)
		s.mu.Unlock()
		s.message(audit.EventMessageDeleted, token, map[string]any{"action": "expired"})
		return Payload{}, false
	}

	e.accessCount++
	p := Payload{
		Ciphertext:  e.buf.copyOut(),
		KeyID:       e.keyID,
		CreatedAt:   e.createdAt,
		ExpiresAt:   e.expiresAt,
		AccessCount: e.accessCount,
		Read:        e.read,
		ForensicID:  e.forensicID,
		Metadata:    copyMetadata(e.metadata),
	}
	s.mu.Unlock()

	s.message(audit.EventMessageAccessed, token, map[string]any{
		"forensic_id":  p.ForensicID,
		"access_count": p.AccessCount,
	})
	return p, true
}

// MarkReadAndDelete removes the entry (read-once semantics) and enqueues its
// buffer for secure deletion. Reports whether an entry existed.
func (s *Store) MarkReadAndDelete(token string) bool {
	s.mu.Lock()
	e, ok := s.entries[token]
	if !ok {
		s.mu.Unlock()
		return false
	}
	e.read = true
	delete(s.entries, token)
	s.queue = append(s.queue, e.buf)
	s.mu.Unlock()

	s.message(audit.EventMessageDeleted, token, map[string]any{
		"action":      "read_and_delete",
		"forensic_id": e.forensicID,
	})
	return true
}

// TTLRemaining returns the remaining lifetime for token. Expired entries are
// enqueued for deletion and reported absent.
func (s *Store) TTLRemaining(token string) (time.Duration, bool) {
	s.mu.Lock()
	e, ok := s.entries[token]
	if !ok {
		s.mu.Unlock()
		return 0, false
	}
	remaining := time.Until(e.expiresAt)
	if remaining <= 0 {
		delete(s.entries, token)
		s.queue = append(s.queue, e.buf)
		s.mu.Unlock()
		s.message(audit.EventMessageDeleted, token, map[string]any{"action": "expired"})
		return 0, false
	}
	s.mu.Unlock()
	return remaining, true
}

// ForceSecureCleanup drains every live entry through the deletion queue and
// wipes synchronously. Returns the number of entries deleted.
func (s *Store) ForceSecureCleanup() int {
	s.mu.Lock()
	count := len(s.entries)
	for token, e := range s.entries {
		delete(s.entries, token)
		s.queue = append(s.queue, e.buf)
	}
	s.mu.Unlock()

	wiped := s.drainQueue(nil)
	s.log.Info("forced secure cleanup", "entries", count, "buffers_wiped", wiped)
	if s.sink != nil {
		s.sink.AdminEvent("force_cleanup", map[string]any{
			"note": fmt.Sprintf("%d entries deleted, %d buffers wiped", count, wiped),
		})
	}
	return count
}

// ForensicStatus snapshots protection state for the admin surface.
func (s *Store) ForensicStatus() ForensicStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ForensicStatus{
		TotalEntries:       len(s.entries),
		DeletionQueueSize:  len(s.queue),
		SecureDeletePasses: s.cfg.WipePasses,
		MemoryWipePattern:  wipePatternName,
		LockedMemory:       s.locked,
		DiskProtection:     s.cfg.DiskProtection,
		NetworkObfuscation: s.cfg.NetworkObfuscation,
	}
}

// Stats reports store counters for metrics scraping.
func (s *Store) Stats() map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]int64{
		"entries":        int64(len(s.entries)),
		"deletion_queue": int64(len(s.queue)),
		"buffers_wiped":  s.wiped,
		"entries_swept":  s.swept,
	}
}

// =============================================================================
// SEC-033: Sweeper
// =============================================================================

// Start launches the background sweeper. Call Stop to shut it down; a
// stopped store cannot be restarted.
func (s *Store) Start() {
	s.mu.Lock()
	if s.started || s.stopped {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()
	go s.run()
}

// Stop terminates the sweeper and drains the deletion queue before
// returning, so no buffer outlives shutdown unwiped.
func (s *Store) Stop() {
	s.mu.Lock()
	started := s.started
	s.started = false
	s.stopped = true
	s.mu.Unlock()

	if started {
		close(s.stopCh)
		<-s.doneCh
	}
	s.drainQueue(nil)
}

func (s *Store) run() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.drainQueue(s.stopCh)
			s.sweepExpired()
			s.drainQueue(s.stopCh)
		}
	}
}

// sweepExpired enqueues every entry whose lifetime has passed.
func (s *Store) sweepExpired() {
	now := time.Now()
	expired := make([]string, 0, 4)

	s.mu.Lock()
	for token, e := range s.entries {
		if now.After(e.expiresAt) {
			expired = append(expired, token)
			delete(s.entries, token)
			s.queue = append(s.queue, e.buf)
			s.swept++
		}
	}
	s.mu.Unlock()

	for _, token := range expired {
		s.message(audit.EventMessageDeleted, token, map[string]any{"action": "expired"})
	}
	if len(expired) > 0 {
		s.log.Debug("swept expired entries", "count", len(expired))
	}
}

// drainQueue wipes queued buffers one at a time, pausing for the rate
// limiter between buffers when stop is non-nil. A nil stop drains flat out
// (forced cleanup and shutdown).
func (s *Store) drainQueue(stop <-chan struct{}) int {
	wiped := 0
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return wiped
		}
		buf := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		buf.destroy(s.cfg.WipePasses)
		wiped++
		s.mu.Lock()
		s.wiped++
		s.mu.Unlock()

		if stop != nil {
			r := s.limiter.Reserve()
			select {
			case <-stop:
				r.Cancel()
				// Remaining buffers are drained by Stop.
				return wiped
			case <-time.After(r.Delay()):
			}
		}
	}
}

// =============================================================================
// SEC-034: Helpers
// =============================================================================

// newForensicID derives an opaque 16-hex identifier from the token, the
// current time, and fresh randomness. It never reveals the token.
func newForensicID(token string) string {
	nonce := make([]byte, 8)
	_, _ = rand.Read(nonce)
	sum := sha256.Sum256(fmt.Appendf(nil, "%s_%d_%x", token, time.Now().UnixNano(), nonce))
	return hex.EncodeToString(sum[:])[:16]
}

func copyMetadata(metadata map[string]any) map[string]any {
	if metadata == nil {
		return nil
	}
	out := make(map[string]any, len(metadata))
	for k, v := range metadata {
		out[k] = v
	}
	return out
}

func (s *Store) message(eventType, token string, details map[string]any) {
	if s.sink != nil {
		s.sink.MessageEvent(eventType, token, details)
	}
}
