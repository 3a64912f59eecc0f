// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianRelay/services/relay/audit"
	"github.com/AleutianAI/AleutianRelay/services/relay/ml"
	"github.com/AleutianAI/AleutianRelay/services/relay/privacy"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testAuditLog(t *testing.T) *audit.Log {
	t.Helper()
	cfg := audit.DefaultConfig(filepath.Join(t.TempDir(), "audit.log"))
	l, err := audit.New(cfg, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func bodyMap(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

// =============================================================================
// HandleMLHealth / HandleMLRetrain Tests
// =============================================================================

func TestHandleMLHealth_NilEngine(t *testing.T) {
	router := gin.New()
	router.GET("/admin/ml/health", HandleMLHealth(nil))

	w := performJSON(router, "GET", "/admin/ml/health", nil)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "ML adapter unavailable.", detailOf(t, w))
}

func TestHandleMLHealth_ReportsEngine(t *testing.T) {
	router := gin.New()
	router.GET("/admin/ml/health", HandleMLHealth(testScorer(t)))

	w := performJSON(router, "GET", "/admin/ml/health", nil)

	require.Equal(t, http.StatusOK, w.Code)
	body := bodyMap(t, w)
	assert.Equal(t, "ok", body["status"])

	health, ok := body["ml_health"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, false, health["trained"])
	assert.Equal(t, "untrained", health["model_version"])
}

func TestHandleMLRetrain_NotEnoughData(t *testing.T) {
	auditLog := testAuditLog(t)
	router := gin.New()
	router.POST("/admin/ml/retrain", HandleMLRetrain(testScorer(t), auditLog, nil, testLogger()))

	w := performJSON(router, "POST", "/admin/ml/retrain", nil)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "not_enough_data", bodyMap(t, w)["status"])
	assert.Empty(t, auditLog.ReadRecent(10), "failed retrains are not audited")
}

func TestHandleMLRetrain_Success(t *testing.T) {
	cfg := ml.DefaultConfig()
	cfg.MinTrainSamples = 10
	scorer, err := ml.NewScorer(cfg, testLogger())
	require.NoError(t, err)
	t.Cleanup(scorer.Stop)

	for i := 0; i < 30; i++ {
		vec := []float64{float64(1000 + 40*i), float64(i % 7), float64(1 + i%3), float64(i % 2)}
		require.NoError(t, scorer.Observe("hash", vec))
	}

	auditLog := testAuditLog(t)
	router := gin.New()
	router.POST("/admin/ml/retrain", HandleMLRetrain(scorer, auditLog, nil, testLogger()))

	w := performJSON(router, "POST", "/admin/ml/retrain", nil)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "retrained", bodyMap(t, w)["status"])
	assert.Equal(t, true, scorer.Health()["trained"])

	records := auditLog.ReadRecent(10)
	require.Len(t, records, 1)
	assert.Equal(t, "admin_ml_retrain", records[0]["event_type"])
}

func TestHandleMLRetrain_NilEngine(t *testing.T) {
	router := gin.New()
	router.POST("/admin/ml/retrain", HandleMLRetrain(nil, nil, nil, testLogger()))

	w := performJSON(router, "POST", "/admin/ml/retrain", nil)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

// =============================================================================
// Policy Admin Tests
// =============================================================================

func TestHandlePolicyStatus(t *testing.T) {
	router := gin.New()
	router.GET("/admin/policy/status", HandlePolicyStatus(testPolicy(t, nil)))

	w := performJSON(router, "GET", "/admin/policy/status", nil)

	require.Equal(t, http.StatusOK, w.Code)
	body := bodyMap(t, w)
	assert.Equal(t, "ok", body["status"])

	pol, ok := body["policy"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 70, pol["allow_threshold"])
	assert.EqualValues(t, 40, pol["reauth_threshold"])
	assert.Equal(t, false, pol["shadow_mode"])
}

func TestHandleSetThresholds_UpdatesBoth(t *testing.T) {
	pol := testPolicy(t, nil)
	auditLog := testAuditLog(t)
	router := gin.New()
	router.POST("/admin/policy/thresholds", HandleSetThresholds(pol, auditLog, testLogger()))

	w := performJSON(router, "POST", "/admin/policy/thresholds?allow=95&reauth=50", nil)

	require.Equal(t, http.StatusOK, w.Code)
	body := bodyMap(t, w)
	assert.EqualValues(t, 95, body["allow"])
	assert.EqualValues(t, 50, body["reauth"])

	status := pol.Status()
	assert.Equal(t, 95, status["allow_threshold"])
	assert.Equal(t, 50, status["reauth_threshold"])

	records := auditLog.ReadRecent(10)
	require.Len(t, records, 1)
	assert.Equal(t, "admin_set_thresholds", records[0]["event_type"])
}

func TestHandleSetThresholds_PartialUpdate(t *testing.T) {
	pol := testPolicy(t, nil)
	router := gin.New()
	router.POST("/admin/policy/thresholds", HandleSetThresholds(pol, nil, testLogger()))

	w := performJSON(router, "POST", "/admin/policy/thresholds?allow=95", nil)

	require.Equal(t, http.StatusOK, w.Code)
	body := bodyMap(t, w)
	assert.EqualValues(t, 95, body["allow"])
	assert.EqualValues(t, 40, body["reauth"], "missing parameter keeps the current value")
}

func TestHandleSetThresholds_InvalidNumber(t *testing.T) {
	router := gin.New()
	router.POST("/admin/policy/thresholds", HandleSetThresholds(testPolicy(t, nil), nil, testLogger()))

	w := performJSON(router, "POST", "/admin/policy/thresholds?allow=abc", nil)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Invalid thresholds", detailOf(t, w))
}

func TestHandleSetThresholds_RejectedPair(t *testing.T) {
	pol := testPolicy(t, nil)
	router := gin.New()
	router.POST("/admin/policy/thresholds", HandleSetThresholds(pol, nil, testLogger()))

	// reauth above allow breaks the band ordering.
	w := performJSON(router, "POST", "/admin/policy/thresholds?allow=30&reauth=60", nil)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "Threshold update failed.", detailOf(t, w))
	assert.Equal(t, 70, pol.Status()["allow_threshold"], "rejected updates change nothing")
}

// =============================================================================
// Audit Admin Tests
// =============================================================================

func TestHandleAuditRead_NilLog(t *testing.T) {
	router := gin.New()
	router.GET("/admin/audit/read", HandleAuditRead(nil))

	w := performJSON(router, "GET", "/admin/audit/read", nil)

	require.Equal(t, http.StatusOK, w.Code)
	body := bodyMap(t, w)
	assert.Equal(t, "ok", body["status"])
	assert.Empty(t, body["entries"])
}

func TestHandleAuditRead_ReturnsEntries(t *testing.T) {
	auditLog := testAuditLog(t)
	auditLog.MessageEvent(audit.EventMessageStored, "tok-1", nil)
	auditLog.MessageEvent(audit.EventMessageAccessed, "tok-1", nil)
	auditLog.MessageEvent(audit.EventMessageDeleted, "tok-1", nil)

	router := gin.New()
	router.GET("/admin/audit/read", HandleAuditRead(auditLog))

	w := performJSON(router, "GET", "/admin/audit/read", nil)
	require.Equal(t, http.StatusOK, w.Code)
	entries, ok := bodyMap(t, w)["entries"].([]any)
	require.True(t, ok)
	assert.Len(t, entries, 3)

	w = performJSON(router, "GET", "/admin/audit/read?limit=2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	entries, _ = bodyMap(t, w)["entries"].([]any)
	assert.Len(t, entries, 2)
}

func TestHandleAuditRead_InvalidLimit(t *testing.T) {
	router := gin.New()
	router.GET("/admin/audit/read", HandleAuditRead(testAuditLog(t)))

	w := performJSON(router, "GET", "/admin/audit/read?limit=abc", nil)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Invalid limit", detailOf(t, w))
}

func TestHandleAuditIntegrity_NilLog(t *testing.T) {
	router := gin.New()
	router.GET("/admin/forensic/audit-integrity", HandleAuditIntegrity(nil))

	w := performJSON(router, "GET", "/admin/forensic/audit-integrity", nil)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "Audit log unavailable.", detailOf(t, w))
}

func TestHandleAuditIntegrity_Verified(t *testing.T) {
	auditLog := testAuditLog(t)
	auditLog.MessageEvent(audit.EventMessageStored, "tok-1", nil)
	auditLog.MessageEvent(audit.EventMessageDeleted, "tok-1", nil)

	router := gin.New()
	router.GET("/admin/forensic/audit-integrity", HandleAuditIntegrity(auditLog))

	w := performJSON(router, "GET", "/admin/forensic/audit-integrity", nil)

	require.Equal(t, http.StatusOK, w.Code)
	integrity, ok := bodyMap(t, w)["integrity"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "verified", integrity["status"])
	assert.EqualValues(t, 2, integrity["valid_count"])
	assert.EqualValues(t, 0, integrity["invalid_count"])
}

// =============================================================================
// Forensics Tests
// =============================================================================

func TestHandleForensicStatus(t *testing.T) {
	store := testStore(t)
	mustPut(t, store, "tok-fs", []byte("x"), 60*time.Second)

	router := gin.New()
	router.GET("/admin/forensic/status", HandleForensicStatus(store))

	w := performJSON(router, "GET", "/admin/forensic/status", nil)

	require.Equal(t, http.StatusOK, w.Code)
	forensic, ok := bodyMap(t, w)["forensic"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 1, forensic["total_entries"])
	assert.Equal(t, true, forensic["disk_protection_enabled"])
}

func TestHandleForensicCleanup(t *testing.T) {
	store := testStore(t)
	mustPut(t, store, "tok-c1", []byte("x"), 60*time.Second)
	mustPut(t, store, "tok-c2", []byte("y"), 60*time.Second)

	router := gin.New()
	router.POST("/admin/forensic/cleanup", HandleForensicCleanup(store))

	w := performJSON(router, "POST", "/admin/forensic/cleanup", nil)

	require.Equal(t, http.StatusOK, w.Code)
	body := bodyMap(t, w)
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 2, body["deleted_count"])

	_, ok := store.Get("tok-c1")
	assert.False(t, ok)
	_, ok = store.Get("tok-c2")
	assert.False(t, ok)
}

// =============================================================================
// Metadata Diagnostics Tests
// =============================================================================

func TestHandleLeakDetectionStats(t *testing.T) {
	detector := privacy.NewLeakDetector(nil)
	detector.Detect(map[string]any{"device_id": "x"})

	router := gin.New()
	router.GET("/admin/metadata/leak-detection-stats", HandleLeakDetectionStats(detector))

	w := performJSON(router, "GET", "/admin/metadata/leak-detection-stats", nil)

	require.Equal(t, http.StatusOK, w.Code)
	stats, ok := bodyMap(t, w)["leak_detection"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 1, stats["checks"])
	assert.EqualValues(t, 1, stats["leaks_detected"])
}

func TestHandleLeakDetectionStats_NilDetector(t *testing.T) {
	router := gin.New()
	router.GET("/admin/metadata/leak-detection-stats", HandleLeakDetectionStats(nil))

	w := performJSON(router, "GET", "/admin/metadata/leak-detection-stats", nil)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHandleSanitizationStats(t *testing.T) {
	sanitizer := privacy.NewSanitizer()
	sanitizer.Sanitize(map[string]any{"device_id": "x"})

	router := gin.New()
	router.GET("/admin/metadata/sanitization-stats", HandleSanitizationStats(sanitizer))

	w := performJSON(router, "GET", "/admin/metadata/sanitization-stats", nil)

	require.Equal(t, http.StatusOK, w.Code)
	_, ok := bodyMap(t, w)["sanitization"].(map[string]any)
	assert.True(t, ok)
}

func TestHandleTestSanitization(t *testing.T) {
	router := gin.New()
	router.POST("/admin/metadata/test-sanitization",
		HandleTestSanitization(privacy.NewLeakDetector(nil), privacy.NewSanitizer()))

	w := performJSON(router, "POST", "/admin/metadata/test-sanitization",
		gin.H{"device_id": "device-4412", "padded_size": 2048})

	require.Equal(t, http.StatusOK, w.Code)
	body := bodyMap(t, w)
	assert.Equal(t, "ok", body["status"])

	leak, ok := body["leak_detection"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, leak["leak_detected"])

	sanitized, ok := body["sanitized_metadata"].(map[string]any)
	require.True(t, ok)
	_, present := sanitized["device_id"]
	assert.False(t, present, "high-risk fields are removed")

	original, ok := body["original_metadata"].(map[string]any)
	require.True(t, ok)
	_, present = original["device_id"]
	assert.True(t, present, "the echo shows what the operator submitted")
}

func TestHandleTestSanitization_InvalidBody(t *testing.T) {
	router := gin.New()
	router.POST("/admin/metadata/test-sanitization",
		HandleTestSanitization(privacy.NewLeakDetector(nil), privacy.NewSanitizer()))

	w := performRaw(router, "POST", "/admin/metadata/test-sanitization", `[1, 2]`)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Invalid payload", detailOf(t, w))
}

func TestHandleTestSanitization_MissingComponents(t *testing.T) {
	router := gin.New()
	router.POST("/admin/metadata/test-sanitization", HandleTestSanitization(nil, nil))

	w := performJSON(router, "POST", "/admin/metadata/test-sanitization", gin.H{})

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

// =============================================================================
// Crypto Recommendation Tests
// =============================================================================

func TestHandleCryptoRecommendation(t *testing.T) {
	router := gin.New()
	router.GET("/admin/crypto/recommendation", HandleCryptoRecommendation())

	t.Run("safe score", func(t *testing.T) {
		w := performJSON(router, "GET", "/admin/crypto/recommendation?risk=90", nil)
		require.Equal(t, http.StatusOK, w.Code)
		rec, ok := bodyMap(t, w)["recommendation"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "aes256_gcm", rec["recommended_protocol"])
		assert.Equal(t, "low", rec["threat_level"])
		assert.Equal(t, false, rec["pqc_required"])
	})

	t.Run("dangerous score requires pqc", func(t *testing.T) {
		w := performJSON(router, "GET", "/admin/crypto/recommendation?risk=10", nil)
		require.Equal(t, http.StatusOK, w.Code)
		rec, ok := bodyMap(t, w)["recommendation"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "critical", rec["threat_level"])
		assert.Equal(t, true, rec["pqc_required"])
	})
}

func TestHandleCryptoRecommendation_InvalidRisk(t *testing.T) {
	router := gin.New()
	router.GET("/admin/crypto/recommendation", HandleCryptoRecommendation())

	for _, risk := range []string{"abc", "-1", "101", ""} {
		w := performJSON(router, "GET", "/admin/crypto/recommendation?risk="+risk, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code, "risk=%q", risk)
		assert.Equal(t, "Invalid risk", detailOf(t, w))
	}
}
