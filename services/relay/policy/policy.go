// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package policy maps risk scores to relay actions.
//
// The engine applies three stages per decision: threshold mapping (allow /
// require_reauth / block), exception handling against a sliding-window quota
// (which can downgrade a block to pending_approval), and enforcement gating
// (shadow mode or a deterministic canary fraction can force the returned
// action to allow while preserving the computed policy for operators).
// Exactly one audit record is written per decision; it carries opaque hashes
// only, never raw identifiers.
package policy

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/AleutianAI/AleutianRelay/pkg/logging"
	"github.com/AleutianAI/AleutianRelay/services/relay/audit"
	"github.com/AleutianAI/AleutianRelay/services/relay/privacy"
)

// =============================================================================
// SEC-070: Decision Engine
// =============================================================================

// Actions the engine can return.
const (
	ActionAllow           = "allow"
	ActionRequireReauth   = "require_reauth"
	ActionBlock           = "block"
	ActionPendingApproval = "pending_approval"
)

// Decision reasons, stable strings operators grep audit logs for.
const (
	ReasonAllow             = "risk >= allow_threshold"
	ReasonReauth            = "risk in reauth range"
	ReasonBlock             = "risk < reauth_threshold (suspicious)"
	ReasonExceptionQueued   = "exception requested by user; queued for admin review"
	ReasonExceptionUsed     = "exception used; allowed but logged"
	ReasonExceptionExceeded = "exception quota exceeded; blocked"
)

// ErrInvalidThresholds rejects threshold pairs outside 0 <= reauth <= allow
// <= 100.
var ErrInvalidThresholds = errors.New("policy: thresholds must satisfy 0 <= reauth <= allow <= 100")

// Config controls the decision engine.
type Config struct {
	// AllowThreshold admits risk >= AllowThreshold. Default: 70.
	AllowThreshold int

	// ReauthThreshold sends AllowThreshold > risk >= ReauthThreshold to
	// re-authentication; anything lower blocks. Default: 40.
	ReauthThreshold int

	// ShadowMode disables enforcement globally: every decision returns
	// action allow with enforced=false while the policy field records what
	// would have happened.
	ShadowMode bool

	// CanaryFraction enforces decisions for only this fraction of tokens,
	// chosen deterministically by token hash. 1 enforces everything, 0
	// nothing. Default: 1.
	CanaryFraction float64

	// ExceptionQuota is how many exception-flagged submissions per actor may
	// bypass a block within the window. Default: 3.
	ExceptionQuota int

	// ExceptionWindow is the sliding quota window. Default: 24h.
	ExceptionWindow time.Duration

	// OverlayPath, when set, names a yaml file holding runtime threshold /
	// shadow / canary settings. The file is loaded at startup, watched for
	// changes, and rewritten by SetThresholds.
	OverlayPath string

	// ShadowLogPath, when set, appends a JSONL line per shadow-mode decision
	// for offline comparison of would-be enforcement.
	ShadowLogPath string
}

// DefaultConfig returns the production policy defaults.
func DefaultConfig() Config {
	return Config{
		AllowThreshold:  70,
		ReauthThreshold: 40,
		CanaryFraction:  1.0,
		ExceptionQuota:  3,
		ExceptionWindow: 24 * time.Hour,
	}
}

// Decision is one policy outcome.
//
// Action is what the relay does; Policy is what the thresholds and exception
// logic computed. They differ only when enforcement was gated off, which is
// how shadow and canary rollouts observe a policy without applying it.
type Decision struct {
	Action    string `json:"action"`
	Policy    string `json:"policy"`
	Enforced  bool   `json:"enforced"`
	Reason    string `json:"reason"`
	TokenHash string `json:"token_hash"`
}

// Summary is the sanitized metadata slice a decision sees. Only these fields
// ever reach the audit record.
type Summary struct {
	PaddedSize    int
	DestCount     int
	ExceptionFlag bool

	// Leak findings from the send pipeline; audited when HasLeakInfo is set.
	HasLeakInfo         bool
	LeakDetected        bool
	LeakTypes           []string
	SanitizationApplied bool
}

// ApprovalSink receives exception requests that were queued for operator
// review.
type ApprovalSink interface {
	// Submit files one pending request and returns its id.
	Submit(tokenHash, reason string) (string, error)
}

// Engine is the policy decision engine.
//
// # Thread Safety
//
// All methods are safe for concurrent use. Decide reads settings under a
// read lock, so threshold updates and overlay reloads never tear a decision.
type Engine struct {
	mu  sync.RWMutex
	cfg Config
	log *logging.Logger

	exceptions *exceptionLedger
	audit      *audit.Log
	approvals  ApprovalSink
	shadowLog  *ShadowLogger

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	doneCh  chan struct{}
	started bool
	stopped bool
}

// New creates an Engine. auditLog receives one record per decision (nil
// disables auditing, tests only); approvals receives queued exception
// requests (nil disables submission). An existing overlay file is applied
// immediately; watching starts with Start.
func New(cfg Config, auditLog *audit.Log, approvals ApprovalSink, log *logging.Logger) (*Engine, error) {
	def := DefaultConfig()
	if cfg.AllowThreshold == 0 && cfg.ReauthThreshold == 0 {
		cfg.AllowThreshold = def.AllowThreshold
		cfg.ReauthThreshold = def.ReauthThreshold
	}
	if err := validThresholds(cfg.AllowThreshold, cfg.ReauthThreshold); err != nil {
		return nil, err
	}
	if cfg.CanaryFraction < 0 {
		cfg.CanaryFraction = 0
	}
	if cfg.CanaryFraction > 1 {
		cfg.CanaryFraction = 1
	}
	if cfg.ExceptionQuota <= 0 {
		cfg.ExceptionQuota = def.ExceptionQuota
	}
	if cfg.ExceptionWindow <= 0 {
		cfg.ExceptionWindow = def.ExceptionWindow
	}

	e := &Engine{
		cfg:        cfg,
		log:        log,
		exceptions: newExceptionLedger(cfg.ExceptionQuota, cfg.ExceptionWindow),
		audit:      auditLog,
		approvals:  approvals,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}

	if cfg.ShadowLogPath != "" {
		sl, err := NewShadowLogger(cfg.ShadowLogPath, log)
		if err != nil {
			return nil, err
		}
		e.shadowLog = sl
	}

	if cfg.OverlayPath != "" {
		if err := e.loadOverlay(); err != nil {
			e.log.Warn("policy overlay load failed, using configured settings",
				"path", cfg.OverlayPath, "error", err)
		}
	}
	return e, nil
}

func validThresholds(allow, reauth int) error {
	if reauth < 0 || allow > 100 || reauth > allow {
		return ErrInvalidThresholds
	}
	return nil
}

// Decide maps one scored submission to an action and writes its audit
// record.
//
// # Inputs
//
//   - risk: 0..100, higher = safer.
//   - token: raw message token; only its hash leaves this function.
//   - summary: sanitized metadata; drives the exception path and the audit
//     metadata_summary.
//   - clientIP, actor: optional raw identifiers, hashed before auditing. The
//     actor keys the exception quota when present, otherwise the token does.
func (e *Engine) Decide(risk int, token string, summary Summary, clientIP, actor string) Decision {
	e.mu.RLock()
	allowT := e.cfg.AllowThreshold
	reauthT := e.cfg.ReauthThreshold
	shadow := e.cfg.ShadowMode
	canary := e.cfg.CanaryFraction
	e.mu.RUnlock()

	var action, reason string
	switch {
	case risk >= allowT:
		action, reason = ActionAllow, ReasonAllow
	case risk >= reauthT:
		action, reason = ActionRequireReauth, ReasonReauth
	default:
		action, reason = ActionBlock, ReasonBlock
	}

	if summary.ExceptionFlag {
		key := actor
		if key == "" {
			key = token
		}
		if e.exceptions.consume(key, time.Now()) {
			if action == ActionBlock {
				action = ActionPendingApproval
				reason = ReasonExceptionQueued
			} else {
				reason = ReasonExceptionUsed
			}
		} else {
			action = ActionBlock
			reason = ReasonExceptionExceeded
		}
	}

	enforced := true
	if shadow {
		enforced = false
	} else {
		enforced = canaryEnforced(token, canary)
	}

	decision := Decision{
		Action:    action,
		Policy:    action,
		Enforced:  enforced,
		Reason:    reason,
		TokenHash: privacy.IdentifierHash(token),
	}
	if !enforced {
		// Unenforced decisions fall back to the safe action while the policy
		// field preserves the verdict.
		decision.Action = ActionAllow
	}

	if decision.Policy == ActionPendingApproval && e.approvals != nil {
		if _, err := e.approvals.Submit(decision.TokenHash, reason); err != nil {
			e.log.Warn("approval submission failed",
				"token_hash", decision.TokenHash, "error", err)
		}
	}

	e.recordDecision(decision, risk, summary, clientIP, actor)
	return decision
}

// recordDecision writes the single audit record a decision produces.
func (e *Engine) recordDecision(d Decision, risk int, summary Summary, clientIP, actor string) {
	if e.audit == nil {
		return
	}

	meta := map[string]any{
		"padded_size":    summary.PaddedSize,
		"dest_count":     summary.DestCount,
		"exception_flag": summary.ExceptionFlag,
	}
	if summary.HasLeakInfo {
		leakTypes := summary.LeakTypes
		if leakTypes == nil {
			leakTypes = []string{}
		}
		meta["leak_detected"] = summary.LeakDetected
		meta["leak_types"] = leakTypes
		meta["sanitization_applied"] = summary.SanitizationApplied
	}

	// The audit layer would hash a raw token itself; hand it the
	// already-opaque hash so both layers agree on the value.
	rec := map[string]any{
		"event_type":       "policy_decision",
		"token_hash":       d.TokenHash,
		"action":           d.Action,
		"policy":           d.Policy,
		"risk":             risk,
		"reason":           d.Reason,
		"metadata_summary": meta,
	}
	if clientIP != "" {
		rec["client_ip_hash"] = privacy.IdentifierHash(clientIP)
	}
	if actor != "" {
		rec["actor_hash"] = privacy.IdentifierHash(actor)
	}
	e.audit.Record(rec)
}

// SetThresholds updates the allow/reauth pair under lock and persists the
// overlay file when one is configured. Persistence failures are logged, not
// returned; the in-memory change is live either way.
func (e *Engine) SetThresholds(allow, reauth int) error {
	if err := validThresholds(allow, reauth); err != nil {
		return err
	}

	e.mu.Lock()
	e.cfg.AllowThreshold = allow
	e.cfg.ReauthThreshold = reauth
	e.mu.Unlock()

	e.log.Info("policy thresholds updated", "allow", allow, "reauth", reauth)

	if e.cfg.OverlayPath != "" {
		if err := e.persistOverlay(); err != nil {
			e.log.Warn("policy overlay persist failed",
				"path", e.cfg.OverlayPath, "error", err)
		}
	}
	return nil
}

// Status reports the live policy settings.
func (e *Engine) Status() map[string]any {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return map[string]any{
		"allow_threshold":  e.cfg.AllowThreshold,
		"reauth_threshold": e.cfg.ReauthThreshold,
		"shadow_mode":      e.cfg.ShadowMode,
		"canary_fraction":  e.cfg.CanaryFraction,
		"exception_quota":  e.cfg.ExceptionQuota,
	}
}

// ShadowMode reports whether enforcement is globally off.
func (e *Engine) ShadowMode() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg.ShadowMode
}

// RecordShadow mirrors one scored decision to the shadow log. No-op unless
// shadow mode is active and a shadow log path was configured.
func (e *Engine) RecordShadow(tokenHash string, vector []float64, score int, action, modelVersion string) {
	if e.shadowLog == nil || !e.ShadowMode() {
		return
	}
	e.shadowLog.Record(tokenHash, vector, score, action, modelVersion)
}

// Start begins watching the overlay file for runtime changes. Safe to call
// once; a no-op when no overlay is configured.
func (e *Engine) Start() {
	e.mu.Lock()
	if e.started || e.stopped || e.cfg.OverlayPath == "" {
		e.mu.Unlock()
		return
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		e.mu.Unlock()
		e.log.Warn("policy overlay watcher unavailable", "error", err)
		return
	}
	// Watch the parent directory so atomic rename-into-place writes are
	// seen too; events are filtered by basename in watchOverlay.
	if err := watcher.Add(filepath.Dir(e.cfg.OverlayPath)); err != nil {
		e.mu.Unlock()
		watcher.Close()
		e.log.Warn("policy overlay watch failed",
			"path", e.cfg.OverlayPath, "error", err)
		return
	}
	e.watcher = watcher
	e.started = true
	e.mu.Unlock()

	go e.watchOverlay()
}

// Stop halts the overlay watcher and closes the shadow log. Safe to call
// multiple times and without a prior Start.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	started := e.started
	watcher := e.watcher
	e.mu.Unlock()

	close(e.stopCh)
	if watcher != nil {
		watcher.Close()
	}
	if started {
		<-e.doneCh
	}
	if e.shadowLog != nil {
		if err := e.shadowLog.Close(); err != nil {
			e.log.Warn("shadow log close failed", "error", err)
		}
	}
}

// =============================================================================
// SEC-071: Enforcement Gating
// =============================================================================

// canaryEnforced deterministically assigns a token to the enforced cohort:
// the first 8 bytes of SHA-256(token), read big-endian and scaled to [0,1),
// must fall below fraction. The same token always lands on the same side.
func canaryEnforced(token string, fraction float64) bool {
	if fraction >= 1 {
		return true
	}
	if fraction <= 0 {
		return false
	}
	sum := sha256.Sum256([]byte(token))
	v := binary.BigEndian.Uint64(sum[:8])
	return float64(v)/float64(1<<64) < fraction
}
