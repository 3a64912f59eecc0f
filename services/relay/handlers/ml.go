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
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianRelay/pkg/logging"
	"github.com/AleutianAI/AleutianRelay/services/relay/datatypes"
	"github.com/AleutianAI/AleutianRelay/services/relay/ml"
	"github.com/AleutianAI/AleutianRelay/services/relay/observability"
	"github.com/AleutianAI/AleutianRelay/services/relay/privacy"
)

// =============================================================================
// SEC-105: ML Ingestion + Scoring
// =============================================================================

// HandleMLObserve ingests one observation vector into the training buffer.
//
// # Description
//
// Clients feed behavioral vectors here so the model learns the traffic
// baseline. With no engine wired the observation is accepted and dropped:
// the contract holds while scoring is disabled. Only the token's hash
// reaches the engine; the raw token never leaves the handler.
func HandleMLObserve(engine ml.Engine, metrics *observability.Metrics, log *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if log == nil {
			log = logging.Default()
		}

		var req datatypes.ObserveRequest
		if err := c.BindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"detail": "Invalid payload"})
			return
		}
		req.Normalize()
		if err := req.Validate(); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"detail": "Invalid payload"})
			return
		}
		if err := ml.ValidateVector(req.Vector); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"detail": "Invalid payload"})
			return
		}

		if engine == nil {
			c.JSON(http.StatusOK, datatypes.ObserveResponse{Status: "ok"})
			return
		}

		if err := engine.Observe(privacy.IdentifierHash(req.Token), req.Vector); err != nil {
			if errors.Is(err, ml.ErrVectorArity) || errors.Is(err, ml.ErrVectorNotFinite) {
				c.JSON(http.StatusBadRequest, gin.H{"detail": "Invalid payload"})
				return
			}
			log.Error("observation ingestion failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"detail": "ML ingestion error"})
			return
		}
		if metrics != nil {
			metrics.RecordObservation()
		}

		c.JSON(http.StatusOK, datatypes.ObserveResponse{Status: "ok"})
	}
}

// HandleMLScore scores one vector on demand. The route is credential-guarded
// upstream; this handler sees only authorized calls.
//
// # Description
//
// Responses flag simulated=true while the engine is untrained, so callers
// can tell a learned score from the deterministic fallback. The scored
// vector is observed into the buffer afterwards; ingestion failure is logged
// and does not fail the scoring call.
func HandleMLScore(engine ml.Engine, metrics *observability.Metrics, log *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if log == nil {
			log = logging.Default()
		}

		var req datatypes.ObserveRequest
		if err := c.BindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"detail": "Invalid payload"})
			return
		}
		req.Normalize()
		if err := req.Validate(); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"detail": "Invalid payload"})
			return
		}
		if err := ml.ValidateVector(req.Vector); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"detail": "Invalid payload"})
			return
		}

		if engine == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"detail": "ML unavailable"})
			return
		}

		risk := engine.Score(req.Vector)
		if metrics != nil {
			metrics.RecordScoreCall()
		}
		trained, _ := engine.Health()["trained"].(bool)

		if err := engine.Observe(privacy.IdentifierHash(req.Token), req.Vector); err != nil {
			log.Warn("score-path observation failed", "error", err)
		} else if metrics != nil {
			metrics.RecordObservation()
		}

		ts := int64(req.Timestamp)
		if ts == 0 {
			ts = time.Now().Unix()
		}

		c.JSON(http.StatusOK, datatypes.ScoreResponse{
			Status:    "ok",
			Risk:      risk,
			Simulated: !trained,
			Ts:        ts,
		})
	}
}
