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
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianRelay/pkg/logging"
	"github.com/AleutianAI/AleutianRelay/services/relay/audit"
	"github.com/AleutianAI/AleutianRelay/services/relay/crypto"
	"github.com/AleutianAI/AleutianRelay/services/relay/ml"
	"github.com/AleutianAI/AleutianRelay/services/relay/observability"
	"github.com/AleutianAI/AleutianRelay/services/relay/policy"
	"github.com/AleutianAI/AleutianRelay/services/relay/privacy"
	"github.com/AleutianAI/AleutianRelay/services/relay/storage"
)

// The admin surface sits behind middleware.RequireAdminKey; every handler
// here assumes an authorized caller. Responses wrap their payload in
// {"status": "ok", ...} so operator tooling can gate on one field.

// =============================================================================
// SEC-106: Admin ML + Policy
// =============================================================================

// HandleMLHealth reports engine status: buffer fill, training state, model
// version.
func HandleMLHealth(engine ml.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		if engine == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"detail": "ML adapter unavailable."})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "ml_health": engine.Health()})
	}
}

// HandleMLRetrain forces a model rebuild from the current buffer.
func HandleMLRetrain(engine ml.Engine, auditLog *audit.Log, metrics *observability.Metrics, log *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if log == nil {
			log = logging.Default()
		}
		if engine == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"detail": "ML adapter unavailable."})
			return
		}

		ok, err := engine.ForceRetrain()
		if errors.Is(err, ml.ErrNotEnoughData) {
			c.JSON(http.StatusOK, gin.H{"status": "not_enough_data"})
			return
		}
		if err != nil || !ok {
			log.Error("forced retrain failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"detail": "Retrain failed."})
			return
		}

		if metrics != nil {
			metrics.RecordRetrain(time.Now())
		}
		if auditLog != nil {
			auditLog.AdminEvent("ml_retrain", nil)
		}
		c.JSON(http.StatusOK, gin.H{"status": "retrained"})
	}
}

// HandlePolicyStatus reports the live policy settings.
func HandlePolicyStatus(pol *policy.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "policy": pol.Status()})
	}
}

// HandleSetThresholds updates the allow/reauth pair from query parameters.
// A missing parameter keeps its current value, so operators can move one
// threshold at a time.
func HandleSetThresholds(pol *policy.Engine, auditLog *audit.Log, log *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if log == nil {
			log = logging.Default()
		}

		status := pol.Status()
		allow, _ := status["allow_threshold"].(int)
		reauth, _ := status["reauth_threshold"].(int)

		if v, present := c.GetQuery("allow"); present {
			n, err := strconv.Atoi(v)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"detail": "Invalid thresholds"})
				return
			}
			allow = n
		}
		if v, present := c.GetQuery("reauth"); present {
			n, err := strconv.Atoi(v)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"detail": "Invalid thresholds"})
				return
			}
			reauth = n
		}

		if err := pol.SetThresholds(allow, reauth); err != nil {
			log.Warn("threshold update rejected", "allow", allow, "reauth", reauth, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"detail": "Threshold update failed."})
			return
		}

		if auditLog != nil {
			auditLog.AdminEvent("set_thresholds", map[string]any{
				"allow": allow, "reauth": reauth,
			})
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "allow": allow, "reauth": reauth})
	}
}

// HandleAuditRead returns the most recent policy decision records, oldest
// first. A missing log file reads as empty, not as an error.
func HandleAuditRead(auditLog *audit.Log) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"detail": "Invalid limit"})
			return
		}
		if auditLog == nil {
			c.JSON(http.StatusOK, gin.H{"status": "ok", "entries": []map[string]any{}})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "entries": auditLog.ReadRecent(limit)})
	}
}

// =============================================================================
// SEC-107: Admin Forensics
// =============================================================================

// HandleForensicStatus reports the store's protection snapshot.
func HandleForensicStatus(store *storage.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "forensic": store.ForensicStatus()})
	}
}

// HandleForensicCleanup deletes every live entry and wipes synchronously.
// The store itself audits the action.
func HandleForensicCleanup(store *storage.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		deleted := store.ForceSecureCleanup()
		c.JSON(http.StatusOK, gin.H{"status": "ok", "deleted_count": deleted})
	}
}

// HandleAuditIntegrity verifies the storage audit trail's HMAC chain over
// the whole active file.
func HandleAuditIntegrity(forensicLog *audit.Log) gin.HandlerFunc {
	return func(c *gin.Context) {
		if forensicLog == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"detail": "Audit log unavailable."})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "integrity": forensicLog.Verify(0)})
	}
}

// =============================================================================
// SEC-108: Admin Metadata Diagnostics
// =============================================================================

// HandleLeakDetectionStats reports detector counters.
func HandleLeakDetectionStats(detector *privacy.LeakDetector) gin.HandlerFunc {
	return func(c *gin.Context) {
		if detector == nil {
			c.JSON(http.StatusServiceUnavailable,
				gin.H{"detail": "Metadata leak detection stats unavailable."})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "leak_detection": detector.Stats()})
	}
}

// HandleSanitizationStats reports sanitizer counters.
func HandleSanitizationStats(sanitizer *privacy.Sanitizer) gin.HandlerFunc {
	return func(c *gin.Context) {
		if sanitizer == nil {
			c.JSON(http.StatusServiceUnavailable,
				gin.H{"detail": "Metadata sanitization stats unavailable."})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "sanitization": sanitizer.Stats()})
	}
}

// HandleTestSanitization runs detection and sanitization over an operator-
// supplied metadata map without touching any message. The body is the bare
// map; exercising a planned client payload against the live rules takes one
// curl.
func HandleTestSanitization(detector *privacy.LeakDetector, sanitizer *privacy.Sanitizer) gin.HandlerFunc {
	return func(c *gin.Context) {
		if detector == nil || sanitizer == nil {
			c.JSON(http.StatusServiceUnavailable,
				gin.H{"detail": "Metadata sanitization test failed."})
			return
		}

		var metadata map[string]any
		if err := c.BindJSON(&metadata); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"detail": "Invalid payload"})
			return
		}

		leak := detector.Detect(metadata)
		sanitized, report := sanitizer.Sanitize(metadata)

		c.JSON(http.StatusOK, gin.H{
			"status":              "ok",
			"original_metadata":   metadata,
			"leak_detection":      leak,
			"sanitized_metadata":  sanitized,
			"sanitization_report": report,
		})
	}
}

// =============================================================================
// SEC-109: Admin Crypto Advice
// =============================================================================

// HandleCryptoRecommendation maps a risk score onto the adaptive protocol
// recommendation for a default-capability client.
func HandleCryptoRecommendation() gin.HandlerFunc {
	return func(c *gin.Context) {
		risk, err := strconv.Atoi(c.Query("risk"))
		if err != nil || risk < 0 || risk > 100 {
			c.JSON(http.StatusBadRequest, gin.H{"detail": "Invalid risk"})
			return
		}
		rec := crypto.Recommend(risk, crypto.DefaultCapability())
		c.JSON(http.StatusOK, gin.H{"status": "ok", "recommendation": rec})
	}
}
