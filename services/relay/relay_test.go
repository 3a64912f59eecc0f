// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package relay

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianRelay/pkg/extensions"
	"github.com/AleutianAI/AleutianRelay/pkg/logging"
	"github.com/AleutianAI/AleutianRelay/services/relay/config"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testServiceConfig redirects every file path into a temp dir and strips the
// pieces that would reach outside the test: no tracing, no model
// persistence, in-memory ledger, unlocked buffers.
func testServiceConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()

	cfg := config.DefaultConfig()
	cfg.Server.Port = 0
	cfg.Server.AdminAPIKeys = "test-admin-key"
	cfg.Store.MemoryProtection = false
	cfg.ML.ModelPath = ""
	cfg.ML.MirrorPath = ""
	cfg.Policy.OverlayPath = ""
	cfg.Policy.ShadowLogPath = ""
	cfg.Audit.PolicyLogPath = filepath.Join(dir, "policy_audit.log")
	cfg.Audit.ForensicLogPath = filepath.Join(dir, "forensic_audit.log")
	cfg.Approval.InMemory = true
	cfg.Approval.Path = ""
	return cfg
}

func serveJSON(router *gin.Engine, method, path string, body any, header map[string]string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req, _ := http.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestNew_BuildsFullSurface(t *testing.T) {
	svc, err := New(testServiceConfig(t), logging.New(logging.Config{Quiet: true}), nil)
	require.NoError(t, err)
	require.NotNil(t, svc.Router())

	w := serveJSON(svc.Router(), "GET", "/health", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, Version, body["version"])

	for _, path := range []string{"/send", "/crypto/send", "/ml/observe"} {
		found := false
		for _, r := range svc.Router().Routes() {
			if r.Method == "POST" && r.Path == path {
				found = true
				break
			}
		}
		assert.True(t, found, "route POST %s not registered", path)
	}
}

func TestNew_ReportsConfiguredServiceName(t *testing.T) {
	cfg := testServiceConfig(t)
	cfg.Tracing.ServiceName = "relay-staging"

	svc, err := New(cfg, logging.New(logging.Config{Quiet: true}), nil)
	require.NoError(t, err)

	w := serveJSON(svc.Router(), "GET", "/", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "relay-staging", body["service"])
}

func TestNew_DisabledEngineFallsBack(t *testing.T) {
	cfg := testServiceConfig(t)
	cfg.ML.Engine = config.MLEngineDisabled

	svc, err := New(cfg, logging.New(logging.Config{Quiet: true}), nil)
	require.NoError(t, err)

	w := serveJSON(svc.Router(), "GET", "/ready", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var ready map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ready))
	assert.Equal(t, "unavailable", ready["ml"])

	// Fallback risk 50 sits in the default reauth band [40,70).
	w = serveJSON(svc.Router(), "POST", "/send", map[string]any{
		"token":          "tok-disabled",
		"ciphertext_b64": base64.StdEncoding.EncodeToString([]byte("payload")),
		"ttl_seconds":    30,
	}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "require_reauth", resp["status"])
	assert.EqualValues(t, 50, resp["risk"])
}

func TestNew_EnsembleEngine(t *testing.T) {
	cfg := testServiceConfig(t)
	cfg.ML.Engine = config.MLEngineEnsemble

	svc, err := New(cfg, logging.New(logging.Config{Quiet: true}), nil)
	require.NoError(t, err)

	w := serveJSON(svc.Router(), "GET", "/admin/ml/health", nil,
		map[string]string{"X-API-Key": "test-admin-key"})
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	health, ok := body["ml_health"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, false, health["trained"])
	assert.Equal(t, "untrained", health["model_version"])
}

func TestNew_UnwritableAuditPathFails(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o600))

	cfg := testServiceConfig(t)
	// Parent of the log path is a regular file, so the trail cannot be
	// created.
	cfg.Audit.PolicyLogPath = filepath.Join(blocker, "audit.log")

	_, err := New(cfg, logging.New(logging.Config{Quiet: true}), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "policy audit trail")
}

// captureMirror records every mirrored audit record for inspection.
type captureMirror struct {
	mu      sync.Mutex
	records []map[string]any
	flushed bool
}

func (m *captureMirror) Mirror(ctx context.Context, record map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, record)
	return nil
}

func (m *captureMirror) Flush(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flushed = true
	return nil
}

func (m *captureMirror) snapshot() []map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]map[string]any(nil), m.records...)
}

func (m *captureMirror) wasFlushed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flushed
}

func TestRun_MirrorsAuditRecords(t *testing.T) {
	mirror := &captureMirror{}
	opts := extensions.DefaultOptions().WithAuditMirror(mirror)

	svc, err := New(testServiceConfig(t), logging.New(logging.Config{Quiet: true}), &opts)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	// Let the mirror subscribe before generating records.
	time.Sleep(200 * time.Millisecond)

	w := serveJSON(svc.Router(), "POST", "/send", map[string]any{
		"token":          "tok-mirrored",
		"ciphertext_b64": base64.StdEncoding.EncodeToString([]byte("payload")),
		"ttl_seconds":    30,
	}, nil)
	require.Equal(t, http.StatusOK, w.Code)

	deadline := time.After(2 * time.Second)
	for len(mirror.snapshot()) == 0 {
		select {
		case <-deadline:
			t.Fatal("mirror received no audit records")
		case <-time.After(20 * time.Millisecond):
		}
	}

	rec := mirror.snapshot()[0]
	assert.NotEmpty(t, rec["event_type"])
	assert.NotContains(t, rec, "token")

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
	assert.True(t, mirror.wasFlushed(), "mirror should flush on shutdown")
}

func TestRun_GracefulShutdown(t *testing.T) {
	svc, err := New(testServiceConfig(t), logging.New(logging.Config{Quiet: true}), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	// Let the listener and background loops come up before cancelling.
	time.Sleep(200 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
