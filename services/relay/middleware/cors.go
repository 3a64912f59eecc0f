// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package middleware

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// =============================================================================
// SEC-091: CORS Policy
// =============================================================================

// CORS creates a middleware enforcing the configured origin allowlist.
//
// # Description
//
// Browser clients (the reference UI runs on localhost:3000) need CORS
// headers with credentials enabled, so origins must be listed explicitly
// and never wildcarded. An empty allowlist yields a pass-through handler:
// no CORS headers are emitted and cross-origin browser requests fail on
// their own.
//
// # Inputs
//
//   - origins: Exact origins allowed to call the API. May be empty.
//
// # Outputs
//
//   - gin.HandlerFunc: Middleware ready for engine-wide use
//
// # Limitations
//
//   - No wildcard or suffix matching; origins are compared exactly
//
// # Thread Safety
//
// Thread-safe. The returned middleware can be used concurrently.
func CORS(origins []string) gin.HandlerFunc {
	if len(origins) == 0 {
		return func(c *gin.Context) { c.Next() }
	}

	return cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Length", "Content-Type", "X-API-Key"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}
