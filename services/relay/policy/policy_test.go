// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package policy

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianRelay/pkg/logging"
	"github.com/AleutianAI/AleutianRelay/services/relay/audit"
	"github.com/AleutianAI/AleutianRelay/services/relay/privacy"
)

func testLogger() *logging.Logger {
	return logging.New(logging.Config{Quiet: true})
}

func testEngine(t *testing.T, mutate func(*Config)) *Engine {
	t.Helper()
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	e, err := New(cfg, nil, nil, testLogger())
	require.NoError(t, err)
	t.Cleanup(e.Stop)
	return e
}

type fakeApprovals struct {
	mu      sync.Mutex
	submits []string
}

func (f *fakeApprovals) Submit(tokenHash, reason string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits = append(f.submits, tokenHash+"|"+reason)
	return "req-1", nil
}

func TestDecide_ThresholdMapping(t *testing.T) {
	e := testEngine(t, nil)

	tests := []struct {
		risk   int
		action string
		reason string
	}{
		{100, ActionAllow, ReasonAllow},
		{70, ActionAllow, ReasonAllow},
		{69, ActionRequireReauth, ReasonReauth},
		{40, ActionRequireReauth, ReasonReauth},
		{39, ActionBlock, ReasonBlock},
		{0, ActionBlock, ReasonBlock},
	}
	for _, tt := range tests {
		d := e.Decide(tt.risk, "tok", Summary{}, "", "")
		assert.Equal(t, tt.action, d.Action, "risk %d", tt.risk)
		assert.Equal(t, tt.action, d.Policy, "risk %d", tt.risk)
		assert.Equal(t, tt.reason, d.Reason, "risk %d", tt.risk)
		assert.True(t, d.Enforced)
	}
}

func TestDecide_TokenHashIsOpaque(t *testing.T) {
	e := testEngine(t, nil)

	d := e.Decide(80, "secret-token", Summary{}, "", "")
	assert.Equal(t, privacy.IdentifierHash("secret-token"), d.TokenHash)
	assert.NotContains(t, d.TokenHash, "secret")
}

func TestDecide_ExceptionDowngradesBlock(t *testing.T) {
	e := testEngine(t, nil)
	summary := Summary{ExceptionFlag: true}

	// The default quota admits three exceptions per window.
	for i := 0; i < 3; i++ {
		d := e.Decide(10, "tok", summary, "", "actor-1")
		assert.Equal(t, ActionPendingApproval, d.Action, "attempt %d", i)
		assert.Equal(t, ReasonExceptionQueued, d.Reason)
	}

	d := e.Decide(10, "tok", summary, "", "actor-1")
	assert.Equal(t, ActionBlock, d.Action)
	assert.Equal(t, ReasonExceptionExceeded, d.Reason)
}

func TestDecide_ExceptionOnAllowTagsReason(t *testing.T) {
	e := testEngine(t, nil)

	d := e.Decide(90, "tok", Summary{ExceptionFlag: true}, "", "actor-2")
	assert.Equal(t, ActionAllow, d.Action)
	assert.Equal(t, ReasonExceptionUsed, d.Reason)
	// The use still burned a quota slot.
	assert.Equal(t, 1, e.exceptions.count("actor-2", time.Now()))
}

func TestDecide_ExceptionOnReauthKeepsAction(t *testing.T) {
	e := testEngine(t, nil)

	d := e.Decide(50, "tok", Summary{ExceptionFlag: true}, "", "actor-3")
	assert.Equal(t, ActionRequireReauth, d.Action)
	assert.Equal(t, ReasonExceptionUsed, d.Reason)
}

func TestDecide_ExceptionQuotaKeyedByActorThenToken(t *testing.T) {
	e := testEngine(t, nil)
	summary := Summary{ExceptionFlag: true}

	// Exhaust actor-a's quota; actor-b and the bare-token path are
	// unaffected.
	for i := 0; i < 3; i++ {
		e.Decide(10, "tok-shared", summary, "", "actor-a")
	}
	d := e.Decide(10, "tok-shared", summary, "", "actor-a")
	assert.Equal(t, ActionBlock, d.Action)

	d = e.Decide(10, "tok-shared", summary, "", "actor-b")
	assert.Equal(t, ActionPendingApproval, d.Action)

	// No actor: the token keys the quota.
	d = e.Decide(10, "tok-shared", summary, "", "")
	assert.Equal(t, ActionPendingApproval, d.Action)
	assert.Equal(t, 1, e.exceptions.count("tok-shared", time.Now()))
}

func TestDecide_ShadowModeObservesWithoutEnforcing(t *testing.T) {
	shadow := testEngine(t, func(c *Config) { c.ShadowMode = true })

	d := shadow.Decide(10, "tok", Summary{}, "", "")
	assert.Equal(t, ActionAllow, d.Action)
	assert.Equal(t, ActionBlock, d.Policy)
	assert.False(t, d.Enforced)
	assert.Equal(t, ReasonBlock, d.Reason)

	enforcing := testEngine(t, nil)
	d = enforcing.Decide(10, "tok", Summary{}, "", "")
	assert.Equal(t, ActionBlock, d.Action)
	assert.Equal(t, ActionBlock, d.Policy)
	assert.True(t, d.Enforced)
}

func TestCanaryEnforced_Deterministic(t *testing.T) {
	// sha256("alpha")[:8] big-endian scales to ~0.558, sha256("delta")
	// to ~0.310.
	assert.False(t, canaryEnforced("alpha", 0.5))
	assert.True(t, canaryEnforced("delta", 0.5))

	assert.True(t, canaryEnforced("anything", 1.0))
	assert.False(t, canaryEnforced("anything", 0.0))

	for i := 0; i < 5; i++ {
		assert.Equal(t, canaryEnforced("alpha", 0.5), canaryEnforced("alpha", 0.5))
	}
}

func TestDecide_CanaryGatesEnforcement(t *testing.T) {
	e := testEngine(t, func(c *Config) { c.CanaryFraction = 0.5 })

	d := e.Decide(10, "alpha", Summary{}, "", "")
	assert.False(t, d.Enforced)
	assert.Equal(t, ActionAllow, d.Action)
	assert.Equal(t, ActionBlock, d.Policy)

	d = e.Decide(10, "delta", Summary{}, "", "")
	assert.True(t, d.Enforced)
	assert.Equal(t, ActionBlock, d.Action)
}

func TestDecide_PendingApprovalSubmitsToSink(t *testing.T) {
	sink := &fakeApprovals{}
	cfg := DefaultConfig()
	e, err := New(cfg, nil, sink, testLogger())
	require.NoError(t, err)
	t.Cleanup(e.Stop)

	d := e.Decide(10, "tok", Summary{ExceptionFlag: true}, "", "")
	require.Equal(t, ActionPendingApproval, d.Action)

	require.Len(t, sink.submits, 1)
	assert.Equal(t, d.TokenHash+"|"+ReasonExceptionQueued, sink.submits[0])

	// Plain decisions do not touch the sink.
	e.Decide(90, "tok2", Summary{}, "", "")
	assert.Len(t, sink.submits, 1)
}

func TestDecide_WritesOneAuditRecord(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "policy_audit.log")
	auditLog, err := audit.New(audit.DefaultConfig(logPath), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { auditLog.Close() })

	e, err := New(DefaultConfig(), auditLog, nil, testLogger())
	require.NoError(t, err)
	t.Cleanup(e.Stop)

	d := e.Decide(55, "tok", Summary{PaddedSize: 2040, DestCount: 2}, "10.0.0.9", "actor-x")

	records := auditLog.ReadRecent(10)
	require.Len(t, records, 1)
	rec := records[0]
	assert.Equal(t, d.TokenHash, rec["token_hash"])
	assert.Equal(t, ActionRequireReauth, rec["action"])
	assert.Equal(t, ActionRequireReauth, rec["policy"])
	assert.Equal(t, float64(55), rec["risk"])
	assert.Equal(t, ReasonReauth, rec["reason"])
	assert.Equal(t, privacy.IdentifierHash("10.0.0.9"), rec["client_ip_hash"])
	assert.Equal(t, privacy.IdentifierHash("actor-x"), rec["actor_hash"])

	meta, ok := rec["metadata_summary"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(2040), meta["padded_size"])
	assert.Equal(t, float64(2), meta["dest_count"])
	assert.Equal(t, false, meta["exception_flag"])
	assert.NotContains(t, meta, "leak_detected")
}

func TestDecide_AuditGainsLeakFieldsOnSendPath(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "policy_audit.log")
	auditLog, err := audit.New(audit.DefaultConfig(logPath), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { auditLog.Close() })

	e, err := New(DefaultConfig(), auditLog, nil, testLogger())
	require.NoError(t, err)
	t.Cleanup(e.Stop)

	e.Decide(80, "tok", Summary{
		PaddedSize:          1020,
		DestCount:           1,
		HasLeakInfo:         true,
		LeakDetected:        true,
		LeakTypes:           []string{"precise_timestamp"},
		SanitizationApplied: true,
	}, "", "")

	records := auditLog.ReadRecent(10)
	require.Len(t, records, 1)
	meta, ok := records[0]["metadata_summary"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, meta["leak_detected"])
	assert.Equal(t, []any{"precise_timestamp"}, meta["leak_types"])
	assert.Equal(t, true, meta["sanitization_applied"])
}

func TestSetThresholds(t *testing.T) {
	e := testEngine(t, nil)

	require.NoError(t, e.SetThresholds(80, 50))
	status := e.Status()
	assert.Equal(t, 80, status["allow_threshold"])
	assert.Equal(t, 50, status["reauth_threshold"])

	d := e.Decide(75, "tok", Summary{}, "", "")
	assert.Equal(t, ActionRequireReauth, d.Action)

	assert.ErrorIs(t, e.SetThresholds(40, 70), ErrInvalidThresholds)
	assert.ErrorIs(t, e.SetThresholds(120, 40), ErrInvalidThresholds)
	assert.ErrorIs(t, e.SetThresholds(70, -1), ErrInvalidThresholds)
	// Equal thresholds are legal: the reauth band is just empty.
	assert.NoError(t, e.SetThresholds(60, 60))
}

func TestStatus_Fields(t *testing.T) {
	e := testEngine(t, func(c *Config) {
		c.ShadowMode = true
		c.CanaryFraction = 0.25
	})

	status := e.Status()
	assert.Equal(t, 70, status["allow_threshold"])
	assert.Equal(t, 40, status["reauth_threshold"])
	assert.Equal(t, true, status["shadow_mode"])
	assert.Equal(t, 0.25, status["canary_fraction"])
	assert.Equal(t, 3, status["exception_quota"])
}

func TestNew_RejectsInvalidThresholds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AllowThreshold = 30
	cfg.ReauthThreshold = 60
	_, err := New(cfg, nil, nil, testLogger())
	assert.ErrorIs(t, err, ErrInvalidThresholds)
}

func TestExceptionLedger_SlidingWindow(t *testing.T) {
	l := newExceptionLedger(2, time.Hour)
	base := time.Now()

	assert.True(t, l.consume("k", base))
	assert.True(t, l.consume("k", base.Add(time.Minute)))
	assert.False(t, l.consume("k", base.Add(2*time.Minute)))

	// Once the first use ages out, a slot opens.
	assert.True(t, l.consume("k", base.Add(61*time.Minute)))
	assert.Equal(t, 2, l.count("k", base.Add(61*time.Minute)))
}
