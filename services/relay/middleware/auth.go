// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides HTTP middleware for the relay service.
//
// This package contains API-key authentication for the admin and scoring
// surfaces, and the CORS policy for browser clients.
//
// # Authentication Flow
//
// The key middleware reads the X-API-Key header and compares it against a
// configured credential set in constant time:
//
//	Request
//	   │
//	   ▼
//	RequireAdminKey / RequireMLKey
//	   │
//	   ├─► No keys configured ──► 503 (surface disabled, fail closed)
//	   │
//	   ├─► Header absent or no match ──► 401
//	   │
//	   └─► Match ──► Handler
//
// Credentials are comma-separated in configuration so ops can rotate keys
// or hand a second key to CI without downtime. An empty credential set
// disables the surface entirely rather than leaving it open.
package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianRelay/pkg/logging"
	"github.com/AleutianAI/AleutianRelay/services/relay/privacy"
)

// =============================================================================
// SEC-090: API Key Authentication
// =============================================================================

// apiKeyHeader carries the credential on every protected request.
const apiKeyHeader = "X-API-Key"

// RequireAdminKey creates a middleware guarding the /admin surface.
//
// # Description
//
// Validates the X-API-Key header against the configured admin credential
// set. An empty set means the admin surface was never configured: every
// request is rejected with 503 so a missing deployment secret can never
// leave the endpoints open. A non-matching key gets 401.
//
// # Inputs
//
//   - keys: Valid admin credentials. May be empty (surface disabled).
//   - log: Logger for rejected attempts. Nil falls back to logging.Default.
//
// # Outputs
//
//   - gin.HandlerFunc: Middleware ready for use on a route group
//
// # Limitations
//
//   - Single shared-secret scheme; no per-operator identity
//
// # Thread Safety
//
// Thread-safe. The returned middleware can be used concurrently.
func RequireAdminKey(keys []string, log *logging.Logger) gin.HandlerFunc {
	return requireKey(keys, "admin", "Admin endpoints unavailable.", log)
}

// RequireMLKey creates a middleware guarding POST /ml/score.
//
// # Description
//
// Same scheme as RequireAdminKey with a separate credential set, so the
// scoring sidecar never holds an admin key. Unconfigured means disabled
// (503); a non-matching key gets 401.
//
// # Inputs
//
//   - keys: Valid scoring credentials. May be empty (endpoint disabled).
//   - log: Logger for rejected attempts. Nil falls back to logging.Default.
//
// # Outputs
//
//   - gin.HandlerFunc: Middleware ready for use on a single route
//
// # Thread Safety
//
// Thread-safe. The returned middleware can be used concurrently.
func RequireMLKey(keys []string, log *logging.Logger) gin.HandlerFunc {
	return requireKey(keys, "ml_score", "Service unavailable", log)
}

func requireKey(keys []string, surface, unavailableDetail string, log *logging.Logger) gin.HandlerFunc {
	if log == nil {
		log = logging.Default()
	}

	return func(c *gin.Context) {
		if len(keys) == 0 {
			log.Error("api credentials not configured; surface disabled",
				"surface", surface)
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"detail": unavailableDetail,
			})
			return
		}

		if !matchesAny(c.GetHeader(apiKeyHeader), keys) {
			log.Warn("unauthorized access attempt",
				"surface", surface,
				"client_ip_hash", privacy.IdentifierHash(c.ClientIP()))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"detail": "Unauthorized.",
			})
			return
		}

		c.Next()
	}
}

// matchesAny compares the header value against every key in constant time.
// The full set is always scanned so timing does not reveal which key, if
// any, matched.
func matchesAny(header string, keys []string) bool {
	hv := strings.TrimSpace(header)
	if hv == "" {
		return false
	}

	match := false
	for _, k := range keys {
		if subtle.ConstantTimeCompare([]byte(hv), []byte(k)) == 1 {
			match = true
		}
	}
	return match
}
