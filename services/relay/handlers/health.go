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
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianRelay/services/relay/ml"
)

// HandleRoot identifies the service.
func HandleRoot(service, version string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"service": service, "version": version})
	}
}

// HandleHealth is the liveness probe.
func HandleHealth(version string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "version": version})
	}
}

// HandleReady is the readiness probe. The relay serves without an engine
// (scoring falls back), so ML state is reported, not gated on.
func HandleReady(engine ml.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		info := gin.H{"ready": true}
		if engine == nil {
			info["ml"] = "unavailable"
		} else {
			info["ml"] = engine.Health()
		}
		c.JSON(http.StatusOK, info)
	}
}
