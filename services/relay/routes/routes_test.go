// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routes

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/AleutianAI/AleutianRelay/pkg/logging"
	"github.com/AleutianAI/AleutianRelay/services/relay/approval"
	"github.com/AleutianAI/AleutianRelay/services/relay/audit"
	"github.com/AleutianAI/AleutianRelay/services/relay/keymanager"
	"github.com/AleutianAI/AleutianRelay/services/relay/ml"
	"github.com/AleutianAI/AleutianRelay/services/relay/observability"
	"github.com/AleutianAI/AleutianRelay/services/relay/policy"
	"github.com/AleutianAI/AleutianRelay/services/relay/privacy"
	"github.com/AleutianAI/AleutianRelay/services/relay/storage"
	"github.com/AleutianAI/AleutianRelay/services/relay/storage/badger"
)

// ============================================================================
// Test Setup
// ============================================================================

func init() {
	// Set Gin to test mode to reduce noise in test output
	gin.SetMode(gin.TestMode)
}

// testConfig assembles a full component set backed by temp files. The policy
// thresholds are 40/20 so the untrained heuristic score of 40 for a bare
// submission lands on allow, keeping flow tests deterministic.
func testConfig(t *testing.T) Config {
	t.Helper()

	log := logging.New(logging.Config{Quiet: true})
	dir := t.TempDir()

	policyAudit, err := audit.New(audit.DefaultConfig(filepath.Join(dir, "policy_audit.log")), log)
	if err != nil {
		t.Fatalf("policy audit log: %v", err)
	}
	t.Cleanup(func() { policyAudit.Close() })

	forensicAudit, err := audit.New(audit.DefaultConfig(filepath.Join(dir, "forensic_audit.log")), log)
	if err != nil {
		t.Fatalf("forensic audit log: %v", err)
	}
	t.Cleanup(func() { forensicAudit.Close() })

	storeCfg := storage.DefaultConfig()
	storeCfg.MemoryProtection = false
	store := storage.New(storeCfg, log, forensicAudit)
	t.Cleanup(store.Stop)

	db, err := badger.OpenDB(badger.InMemoryConfig())
	if err != nil {
		t.Fatalf("open ledger db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	ledger, err := approval.New(db, log)
	if err != nil {
		t.Fatalf("approval ledger: %v", err)
	}

	polCfg := policy.DefaultConfig()
	polCfg.AllowThreshold = 40
	polCfg.ReauthThreshold = 20
	pol, err := policy.New(polCfg, policyAudit, ledger, log)
	if err != nil {
		t.Fatalf("policy engine: %v", err)
	}
	t.Cleanup(pol.Stop)

	scorer, err := ml.NewScorer(ml.DefaultConfig(), log)
	if err != nil {
		t.Fatalf("scorer: %v", err)
	}
	t.Cleanup(scorer.Stop)

	km, err := keymanager.New(keymanager.Config{EnablePQC: false}, log)
	if err != nil {
		t.Fatalf("key manager: %v", err)
	}
	t.Cleanup(km.Stop)

	return Config{
		ServiceName:    "relay-service",
		Version:        "0.1.0",
		AdminKeys:      []string{"test-admin-key"},
		MLKeys:         []string{"test-ml-key"},
		AllowedOrigins: []string{"http://localhost:3000"},
		Engine:         scorer,
		Detector:       privacy.NewLeakDetector(scorer),
		Sanitizer:      privacy.NewSanitizer(),
		Policy:         pol,
		Store:          store,
		Keys:           km,
		PolicyAudit:    policyAudit,
		ForensicAudit:  forensicAudit,
		Approvals:      ledger,
		Metrics:        observability.New(prometheus.NewRegistry()),
		Log:            log,
	}
}

func testRouter(t *testing.T) *gin.Engine {
	t.Helper()
	router := gin.New()
	SetupRoutes(router, testConfig(t))
	return router
}

func doJSON(router *gin.Engine, method, path string, body any, header map[string]string) *httptest.ResponseRecorder {
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

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
	return body
}

// ============================================================================
// Route Registration Tests
// ============================================================================

func TestSetupRoutes_RegistersFullSurface(t *testing.T) {
	router := testRouter(t)

	expected := []struct {
		method string
		path   string
	}{
		{"GET", "/"},
		{"GET", "/health"},
		{"GET", "/ready"},
		{"GET", "/metrics"},
		{"POST", "/send"},
		{"GET", "/fetch/:token"},
		{"POST", "/read/:token"},
		{"GET", "/crypto/keys"},
		{"POST", "/crypto/hybrid_init"},
		{"POST", "/crypto/send"},
		{"POST", "/ml/observe"},
		{"POST", "/ml/score"},
		{"GET", "/admin/ml/health"},
		{"POST", "/admin/ml/retrain"},
		{"GET", "/admin/policy/status"},
		{"POST", "/admin/policy/thresholds"},
		{"GET", "/admin/audit/read"},
		{"GET", "/admin/audit/stream"},
		{"GET", "/admin/forensic/status"},
		{"POST", "/admin/forensic/cleanup"},
		{"GET", "/admin/forensic/audit-integrity"},
		{"GET", "/admin/metadata/leak-detection-stats"},
		{"GET", "/admin/metadata/sanitization-stats"},
		{"POST", "/admin/metadata/test-sanitization"},
		{"GET", "/admin/approvals"},
		{"POST", "/admin/approvals/:id/resolve"},
		{"GET", "/admin/crypto/recommendation"},
	}

	routes := router.Routes()
	for _, want := range expected {
		found := false
		for _, r := range routes {
			if r.Method == want.method && r.Path == want.path {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("Expected route %s %s not found", want.method, want.path)
		}
	}
}

// ============================================================================
// Endpoint Smoke Tests
// ============================================================================

func TestSetupRoutes_HealthEndpoint(t *testing.T) {
	w := doJSON(testRouter(t), "GET", "/health", nil, nil)

	if w.Code != http.StatusOK {
		t.Fatalf("Health endpoint returned %d, want %d", w.Code, http.StatusOK)
	}
	body := decodeBody(t, w)
	if body["status"] != "ok" {
		t.Errorf("Health status = %v, want ok", body["status"])
	}
	if body["version"] != "0.1.0" {
		t.Errorf("Health version = %v, want 0.1.0", body["version"])
	}
}

func TestSetupRoutes_MetricsEndpoint(t *testing.T) {
	w := doJSON(testRouter(t), "GET", "/metrics", nil, nil)

	if w.Code != http.StatusOK {
		t.Fatalf("Metrics endpoint returned %d, want %d", w.Code, http.StatusOK)
	}
	if w.Header().Get("Content-Type") == "" {
		t.Error("Metrics endpoint should return Content-Type header")
	}
}

func TestSetupRoutes_CORSPreflight(t *testing.T) {
	w := doJSON(testRouter(t), "OPTIONS", "/send", nil, map[string]string{
		"Origin":                        "http://localhost:3000",
		"Access-Control-Request-Method": "POST",
	})

	if w.Code != http.StatusNoContent {
		t.Fatalf("Preflight returned %d, want %d", w.Code, http.StatusNoContent)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("Allow-Origin = %q, want the request origin", got)
	}
}

// ============================================================================
// Credential Gate Tests
// ============================================================================

func TestSetupRoutes_AdminRequiresKey(t *testing.T) {
	router := testRouter(t)

	w := doJSON(router, "GET", "/admin/policy/status", nil, nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("No key returned %d, want %d", w.Code, http.StatusUnauthorized)
	}

	w = doJSON(router, "GET", "/admin/policy/status", nil, map[string]string{"X-API-Key": "wrong"})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Wrong key returned %d, want %d", w.Code, http.StatusUnauthorized)
	}

	w = doJSON(router, "GET", "/admin/policy/status", nil, map[string]string{"X-API-Key": "test-admin-key"})
	if w.Code != http.StatusOK {
		t.Fatalf("Valid key returned %d, want %d", w.Code, http.StatusOK)
	}
	body := decodeBody(t, w)
	if body["allow_threshold"] != float64(40) {
		t.Errorf("allow_threshold = %v, want 40", body["allow_threshold"])
	}
}

func TestSetupRoutes_AdminDisabledWithoutCredentials(t *testing.T) {
	cfg := testConfig(t)
	cfg.AdminKeys = nil
	router := gin.New()
	SetupRoutes(router, cfg)

	w := doJSON(router, "GET", "/admin/policy/status", nil, map[string]string{"X-API-Key": "anything"})
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Unconfigured admin surface returned %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
}

func TestSetupRoutes_MLScoreRequiresKey(t *testing.T) {
	router := testRouter(t)
	body := map[string]any{"token": "tok-1", "vector": []float64{2048, 30, 1, 0}}

	w := doJSON(router, "POST", "/ml/score", body, nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("No key returned %d, want %d", w.Code, http.StatusUnauthorized)
	}

	w = doJSON(router, "POST", "/ml/score", body, map[string]string{"X-API-Key": "test-ml-key"})
	if w.Code != http.StatusOK {
		t.Fatalf("Valid key returned %d, want %d", w.Code, http.StatusOK)
	}
	resp := decodeBody(t, w)
	if resp["simulated"] != true {
		t.Errorf("Untrained scorer should report simulated=true, got %v", resp["simulated"])
	}
	if _, ok := resp["risk"]; !ok {
		t.Error("Score response missing risk field")
	}
}

func TestSetupRoutes_ObserveIsPublic(t *testing.T) {
	router := testRouter(t)
	body := map[string]any{"token": "tok-1", "vector": []float64{1024, 30, 1, 0}}

	w := doJSON(router, "POST", "/ml/observe", body, nil)
	if w.Code != http.StatusOK {
		t.Errorf("Observe without key returned %d, want %d", w.Code, http.StatusOK)
	}
}

// ============================================================================
// End-to-End Flow Tests
// ============================================================================

func TestSetupRoutes_SendFetchReadFlow(t *testing.T) {
	router := testRouter(t)
	ciphertext := base64.StdEncoding.EncodeToString([]byte("sealed-payload"))

	w := doJSON(router, "POST", "/send", map[string]any{
		"token":          "tok-flow",
		"ciphertext_b64": ciphertext,
		"ttl_seconds":    60,
	}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Send returned %d: %s", w.Code, w.Body.String())
	}
	sendResp := decodeBody(t, w)
	if sendResp["status"] != "stored" {
		t.Fatalf("Send status = %v, want stored", sendResp["status"])
	}

	w = doJSON(router, "GET", "/fetch/tok-flow", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Fetch returned %d: %s", w.Code, w.Body.String())
	}
	fetchResp := decodeBody(t, w)
	if fetchResp["ciphertext_b64"] != ciphertext {
		t.Errorf("Fetch returned wrong ciphertext")
	}
	if fetchResp["message_state"] != "available" {
		t.Errorf("message_state = %v, want available", fetchResp["message_state"])
	}

	w = doJSON(router, "POST", "/read/tok-flow", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Read returned %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(router, "GET", "/fetch/tok-flow", nil, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Fetch after read returned %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestSetupRoutes_ForensicTrailCoversLifecycle(t *testing.T) {
	router := testRouter(t)
	ciphertext := base64.StdEncoding.EncodeToString([]byte("sealed-payload"))

	doJSON(router, "POST", "/send", map[string]any{
		"token":          "tok-trail",
		"ciphertext_b64": ciphertext,
		"ttl_seconds":    60,
	}, nil)
	doJSON(router, "POST", "/read/tok-trail", nil, nil)

	w := doJSON(router, "GET", "/admin/forensic/audit-integrity", nil,
		map[string]string{"X-API-Key": "test-admin-key"})
	if w.Code != http.StatusOK {
		t.Fatalf("Integrity check returned %d: %s", w.Code, w.Body.String())
	}
	result := decodeBody(t, w)
	if result["status"] != "verified" {
		t.Errorf("Integrity status = %v, want verified", result["status"])
	}
	if result["invalid_count"] != float64(0) {
		t.Errorf("invalid_count = %v, want 0", result["invalid_count"])
	}
	valid, ok := result["valid_count"].(float64)
	if !ok || valid < 2 {
		t.Errorf("valid_count = %v, want at least the store and delete events", result["valid_count"])
	}
}
