// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package audit implements the tamper-evident append-only audit log.
//
// Every record is one line: canonical JSON (sorted keys) followed by a "|"
// separator and the first 16 hex chars of HMAC-SHA-256 over the JSON bytes.
// The HMAC key lives only in process memory and is derived fresh at startup,
// so a record can be verified for the lifetime of the process that wrote it
// but cannot be forged by anything that only holds the file.
//
// Auditing never fails the request path: write errors are logged and
// swallowed. Tampering is reported by Verify, never auto-remediated.
package audit

import (
	"bytes"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"

	"github.com/AleutianAI/AleutianRelay/pkg/logging"
	"github.com/AleutianAI/AleutianRelay/services/relay/privacy"
)

// =============================================================================
// SEC-020: Configuration
// =============================================================================

// tamperKeyInfo is the HKDF domain-separation string for the per-process
// tamper key.
const tamperKeyInfo = "forensic_audit_tamper_key"

// processStart anchors the tamper key to this process instance.
var processStart = time.Now()

// Config controls one audit log file.
type Config struct {
	// Path is the active log file. Rotated files are Path.1 .. Path.N.
	Path string
	// MaxSize is the byte size past which the active file rotates.
	MaxSize int64
	// RotationCount is how many rotated files are kept.
	RotationCount int
	// TamperDetection appends the HMAC checksum to every line.
	TamperDetection bool
}

// DefaultConfig returns the production settings: 10 MiB rotation, 5 kept
// files, tamper detection on.
func DefaultConfig(path string) Config {
	return Config{
		Path:            path,
		MaxSize:         10 << 20,
		RotationCount:   5,
		TamperDetection: true,
	}
}

// =============================================================================
// SEC-021: Record Whitelist
// =============================================================================

// Only whitelisted keys are persisted. Raw identifiers are replaced by their
// 16-hex SHA-256 form before the whitelist applies, so a leaked log file
// exposes no tokens, user ids, or addresses.
var allowedKeys = map[string]bool{
	"ts":               true,
	"action":           true,
	"policy":           true,
	"risk":             true,
	"reason":           true,
	"metadata_summary": true,
	"admin_action":     true,
	"note":             true,
	"event_type":       true,
	"key_id":           true,
	"ttl":              true,
	"status":           true,
}

var rawIdentifierKeys = []string{"token", "user_id", "client_ip", "device_id"}

func isRawIdentifier(key string) bool {
	for _, k := range rawIdentifierKeys {
		if key == k {
			return true
		}
	}
	return false
}

func allowedField(key string) bool {
	if allowedKeys[key] {
		return true
	}
	return strings.HasSuffix(key, "_hash") || strings.HasSuffix(key, "_id")
}

func sanitizeRecord(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields)+2)
	for k, v := range fields {
		if isRawIdentifier(k) {
			if s, ok := v.(string); ok && s != "" {
				out[k+"_hash"] = privacy.IdentifierHash(s)
			}
			continue
		}
		if allowedField(k) {
			out[k] = v
		}
	}
	return out
}

// =============================================================================
// SEC-022: Tamper-Evident Log
// =============================================================================

// VerifyResult is the outcome of an integrity scan over the active file.
type VerifyResult struct {
	Status       string `json:"status"`
	ValidCount   int    `json:"valid_count"`
	InvalidCount int    `json:"invalid_count"`
}

// Log is an append-only audit sink with HMAC line checksums and size-based
// rotation.
//
// # Thread Safety
//
// All methods are safe for concurrent use; a single mutex serializes writes,
// rotation, and subscriber bookkeeping.
type Log struct {
	mu        sync.Mutex
	cfg       Config
	log       *logging.Logger
	file      *os.File
	size      int64
	tamperKey []byte

	subs    map[uint64]chan map[string]any
	nextSub uint64

	written int64
	dropped int64
}

// New opens (or creates) the audit log at cfg.Path and derives the
// per-process tamper key.
//
// # Inputs
//
//   - cfg: file path, rotation, and tamper settings. Zero MaxSize or
//     RotationCount fall back to the defaults.
//   - log: structured logger for swallowed write errors. Must not be nil.
//
// # Outputs
//
//   - *Log ready for Record calls.
//   - error when the directory or file cannot be created, or entropy for the
//     tamper key is unavailable.
func New(cfg Config, log *logging.Logger) (*Log, error) {
	if cfg.Path == "" {
		return nil, errors.New("audit: empty log path")
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultConfig(cfg.Path).MaxSize
	}
	if cfg.RotationCount <= 0 {
		cfg.RotationCount = DefaultConfig(cfg.Path).RotationCount
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o750); err != nil {
		return nil, fmt.Errorf("audit: create log dir: %w", err)
	}
	f, err := os.OpenFile(cfg.Path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, fmt.Errorf("audit: open log: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("audit: stat log: %w", err)
	}

	l := &Log{
		cfg:  cfg,
		log:  log,
		file: f,
		size: info.Size(),
		subs: make(map[uint64]chan map[string]any),
	}
	if cfg.TamperDetection {
		l.tamperKey, err = deriveTamperKey()
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("audit: derive tamper key: %w", err)
		}
	}
	return l, nil
}

// deriveTamperKey binds the checksum key to this process: pid, start time,
// and 16 fresh random bytes through HKDF-SHA-256 with no salt.
func deriveTamperKey() ([]byte, error) {
	seed := make([]byte, 16)
	if _, err := rand.Read(seed); err != nil {
		return nil, err
	}
	material := fmt.Sprintf("%d_%d_%x", os.Getpid(), processStart.UnixNano(), seed)
	key := make([]byte, 32)
	r := hkdf.New(sha256.New, []byte(material), nil, []byte(tamperKeyInfo))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}

// Record sanitizes fields through the whitelist, stamps ts and a random
// event_id, and appends one checksummed line. Failures are logged, never
// returned.
func (l *Log) Record(fields map[string]any) {
	rec := sanitizeRecord(fields)
	rec["ts"] = time.Now().Unix()
	rec["event_id"] = uuid.NewString()

	// encoding/json sorts map keys, which makes the line canonical.
	line, err := json.Marshal(rec)
	if err != nil {
		l.log.Warn("audit record marshal failed", "error", err)
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.writeLine(line)
	l.publish(rec)
}

// writeLine appends one record, rotating first when the active file is over
// budget. Caller holds l.mu.
func (l *Log) writeLine(jsonLine []byte) {
	if l.size > l.cfg.MaxSize {
		l.rotate()
	}
	if l.file == nil {
		l.dropped++
		return
	}

	buf := make([]byte, 0, len(jsonLine)+18)
	buf = append(buf, jsonLine...)
	if l.tamperKey != nil {
		mac := hmac.New(sha256.New, l.tamperKey)
		mac.Write(jsonLine)
		buf = append(buf, '|')
		buf = append(buf, hex.EncodeToString(mac.Sum(nil))[:16]...)
	}
	buf = append(buf, '\n')

	if _, err := l.file.Write(buf); err != nil {
		l.dropped++
		l.log.Warn("audit write failed", "error", err, "path", l.cfg.Path)
		return
	}
	l.size += int64(len(buf))
	l.written++
}

// rotate shifts Path.i to Path.i+1 (dropping the oldest) and starts a fresh
// active file. Caller holds l.mu.
func (l *Log) rotate() {
	if l.file != nil {
		l.file.Close()
	}
	os.Remove(fmt.Sprintf("%s.%d", l.cfg.Path, l.cfg.RotationCount))
	for i := l.cfg.RotationCount - 1; i >= 1; i-- {
		src := fmt.Sprintf("%s.%d", l.cfg.Path, i)
		if _, err := os.Stat(src); err == nil {
			os.Rename(src, fmt.Sprintf("%s.%d", l.cfg.Path, i+1))
		}
	}
	os.Rename(l.cfg.Path, l.cfg.Path+".1")

	f, err := os.OpenFile(l.cfg.Path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		l.log.Error("audit rotation reopen failed", "error", err, "path", l.cfg.Path)
		l.file = nil
		l.size = 0
		return
	}
	l.file = f
	l.size = 0
}

// Verify scans the active file and recomputes every line checksum.
//
// # Description
//
// Lines are split on the LAST "|"; lines without a separator predate tamper
// detection and count as valid. The result status is "verified" when every
// checksummed line matches, "tampered" when any does not, "disabled" when
// tamper detection is off, and "error" when the file cannot be read.
//
// # Inputs
//
//   - limit: verify only the most recent limit lines; <= 0 means all.
func (l *Log) Verify(limit int) VerifyResult {
	if !l.cfg.TamperDetection {
		return VerifyResult{Status: "disabled"}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := os.ReadFile(l.cfg.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return VerifyResult{Status: "verified"}
	}
	if err != nil {
		return VerifyResult{Status: "error"}
	}

	lines := splitLines(data)
	if limit > 0 && len(lines) > limit {
		lines = lines[len(lines)-limit:]
	}

	result := VerifyResult{Status: "verified"}
	for _, line := range lines {
		idx := bytes.LastIndexByte(line, '|')
		if idx < 0 {
			result.ValidCount++
			continue
		}
		mac := hmac.New(sha256.New, l.tamperKey)
		mac.Write(line[:idx])
		want := hex.EncodeToString(mac.Sum(nil))[:16]
		if hmac.Equal(line[idx+1:], []byte(want)) {
			result.ValidCount++
		} else {
			result.InvalidCount++
			result.Status = "tampered"
		}
	}
	return result
}

// ReadRecent returns the last limit records of the active file as parsed
// maps, oldest first. A missing file yields an empty slice.
func (l *Log) ReadRecent(limit int) []map[string]any {
	l.mu.Lock()
	defer l.mu.Unlock()

	records := []map[string]any{}
	data, err := os.ReadFile(l.cfg.Path)
	if err != nil {
		return records
	}

	lines := splitLines(data)
	if limit > 0 && len(lines) > limit {
		lines = lines[len(lines)-limit:]
	}
	for _, line := range lines {
		var rec map[string]any
		if err := json.Unmarshal(line, &rec); err != nil {
			if idx := bytes.LastIndexByte(line, '|'); idx >= 0 {
				if err := json.Unmarshal(line[:idx], &rec); err != nil {
					continue
				}
			} else {
				continue
			}
		}
		records = append(records, rec)
	}
	return records
}

// Status reports the log configuration and current file state for the admin
// surface.
func (l *Log) Status() map[string]any {
	l.mu.Lock()
	defer l.mu.Unlock()

	exists := false
	var size int64
	if info, err := os.Stat(l.cfg.Path); err == nil {
		exists = true
		size = info.Size()
	}
	return map[string]any{
		"log_path":         l.cfg.Path,
		"log_size":         size,
		"max_size":         l.cfg.MaxSize,
		"rotation_count":   l.cfg.RotationCount,
		"tamper_detection": l.cfg.TamperDetection,
		"log_exists":       exists,
		"records_written":  l.written,
		"records_dropped":  l.dropped,
	}
}

// Written returns the number of records accepted since open, for metric
// mirroring.
func (l *Log) Written() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.written
}

// Close flushes and closes the active file and terminates all subscribers.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for id, ch := range l.subs {
		delete(l.subs, id)
		close(ch)
	}
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// =============================================================================
// SEC-023: Live Subscription
// =============================================================================

// Subscribe registers a live feed of sanitized records as they are written,
// for the admin stream endpoint. The returned cancel func must be called to
// release the subscription. Slow consumers lose records instead of blocking
// the write path.
func (l *Log) Subscribe(buffer int) (<-chan map[string]any, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	id := l.nextSub
	l.nextSub++
	ch := make(chan map[string]any, buffer)
	l.subs[id] = ch

	cancel := func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if c, ok := l.subs[id]; ok {
			delete(l.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

// publish fans a record out to subscribers without blocking. Caller holds
// l.mu.
func (l *Log) publish(rec map[string]any) {
	for _, ch := range l.subs {
		select {
		case ch <- rec:
		default:
		}
	}
}

// =============================================================================
// SEC-024: Event Helpers
// =============================================================================

// Message lifecycle event types.
const (
	EventMessageStored   = "message_stored"
	EventMessageAccessed = "message_accessed"
	EventMessageDeleted  = "message_deleted"
)

// MessageEvent records a message lifecycle event. The raw token is hashed
// before it touches the file.
func (l *Log) MessageEvent(eventType, token string, details map[string]any) {
	rec := make(map[string]any, len(details)+2)
	for k, v := range details {
		rec[k] = v
	}
	rec["event_type"] = eventType
	rec["token"] = token
	l.Record(rec)
}

// SecurityEvent records a security-relevant event under the
// "security_<type>" namespace.
func (l *Log) SecurityEvent(eventType string, details map[string]any) {
	rec := make(map[string]any, len(details)+1)
	for k, v := range details {
		rec[k] = v
	}
	rec["event_type"] = "security_" + eventType
	l.Record(rec)
}

// AdminEvent records an operator action under the "admin_<action>"
// namespace.
func (l *Log) AdminEvent(action string, details map[string]any) {
	rec := make(map[string]any, len(details)+2)
	for k, v := range details {
		rec[k] = v
	}
	rec["event_type"] = "admin_" + action
	rec["admin_action"] = action
	l.Record(rec)
}

func splitLines(data []byte) [][]byte {
	raw := bytes.Split(data, []byte{'\n'})
	lines := make([][]byte, 0, len(raw))
	for _, line := range raw {
		if len(bytes.TrimSpace(line)) > 0 {
			lines = append(lines, line)
		}
	}
	return lines
}
