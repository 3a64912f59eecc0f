// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers maps the relay components onto the HTTP surface.
//
// Handlers are free functions taking their collaborators and returning a
// gin.HandlerFunc, so tests construct exactly the dependency set they need.
// The two send paths (/send and /crypto/send) share the Pipeline stages:
// leak detection, sanitization, feature extraction, anomaly scoring, and the
// policy decision. Error bodies use the {"detail": "..."} shape clients of
// this API already parse.
//
// # Thread Safety
//
// Handlers hold no state of their own; concurrency discipline lives in the
// components they dispatch into.
package handlers

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianRelay/pkg/logging"
	"github.com/AleutianAI/AleutianRelay/services/relay/datatypes"
	"github.com/AleutianAI/AleutianRelay/services/relay/ml"
	"github.com/AleutianAI/AleutianRelay/services/relay/observability"
	"github.com/AleutianAI/AleutianRelay/services/relay/policy"
	"github.com/AleutianAI/AleutianRelay/services/relay/privacy"
	"github.com/AleutianAI/AleutianRelay/services/relay/storage"
)

var sendTracer = otel.Tracer("aleutian.relay.handlers")

// fallbackRisk is the conservative score used when no engine is wired or
// scoring is disabled by configuration.
const fallbackRisk = 50

// =============================================================================
// SEC-100: Decision Pipeline
// =============================================================================

// Pipeline bundles the stages every scored submission passes through. Engine
// may be nil (scoring disabled); submissions then carry the conservative
// fallback risk. Metrics may be nil in tests.
type Pipeline struct {
	Engine    ml.Engine
	Detector  *privacy.LeakDetector
	Sanitizer *privacy.Sanitizer
	Policy    *policy.Engine
	Metrics   *observability.Metrics
	Log       *logging.Logger
}

func (p Pipeline) logger() *logging.Logger {
	if p.Log == nil {
		return logging.Default()
	}
	return p.Log
}

// scored is the outcome of the shared scoring stage: the adjusted risk plus
// everything downstream consumers need (sanitized metadata for storage, leak
// findings for the response message).
type scored struct {
	risk      int
	base      int
	vector    []float64
	sanitized map[string]any
	leak      privacy.LeakResult
	report    privacy.SanitizationReport
}

// score runs leak detection and sanitization over the raw metadata, builds
// the feature vector from the sanitized result, and derives the adjusted
// risk.
//
// # Description
//
// The vector's padded_size feature falls back to paddedFallback when the
// sanitized metadata carries no size at all; the hybrid path passes the
// plaintext length here, the plain path passes 0. A detected leak raises the
// score by up to 30 points: sanitization has already stripped the leaky
// fields, so the submission relays with its post-cleaning risk.
func (p Pipeline) score(metadata map[string]any, paddedFallback int) scored {
	leak := p.Detector.Detect(metadata)
	sanitized, report := p.Sanitizer.Sanitize(metadata)

	vector := privacy.VectorFromMetadata(sanitized)
	if vector[0] == 0 && paddedFallback > 0 {
		vector[0] = float64(paddedFallback)
	}

	base := fallbackRisk
	if p.Engine != nil {
		base = p.Engine.Score(vector)
		if p.Metrics != nil {
			p.Metrics.RecordScoreCall()
		}
	}

	risk := base
	if leak.LeakDetected {
		risk = min(100, base+int(leak.RiskScore*30))
		p.logger().Info("risk adjusted for metadata leaks",
			"base", base, "final", risk, "leak_types", leak.LeakTypes)
	}

	return scored{
		risk:      risk,
		base:      base,
		vector:    vector,
		sanitized: sanitized,
		leak:      leak,
		report:    report,
	}
}

// decide asks the policy engine for the action, counts the decision, and
// mirrors unenforced outcomes to the shadow log.
func (p Pipeline) decide(sc scored, token string, summary policy.Summary, clientIP string) policy.Decision {
	decision := p.Policy.Decide(sc.risk, token, summary, clientIP, "")
	if p.Metrics != nil {
		p.Metrics.RecordDecision(decision.Action)
	}
	if !decision.Enforced {
		p.Policy.RecordShadow(decision.TokenHash, sc.vector, sc.risk,
			decision.Policy, p.modelVersion())
	}
	return decision
}

func (p Pipeline) modelVersion() string {
	if p.Engine == nil {
		return "fallback"
	}
	if v, ok := p.Engine.Health()["model_version"].(string); ok {
		return v
	}
	return ""
}

// leakSummary builds the policy summary from the scoring outcome. The padded
// size and destination count are supplied by the caller because the two send
// paths source them differently.
func leakSummary(sc scored, paddedSize, destCount int) policy.Summary {
	return policy.Summary{
		PaddedSize:          paddedSize,
		DestCount:           destCount,
		ExceptionFlag:       metaBool(sc.sanitized, "exception_flag"),
		HasLeakInfo:         true,
		LeakDetected:        sc.leak.LeakDetected,
		LeakTypes:           sc.leak.LeakTypes,
		SanitizationApplied: sc.report.SanitizationApplied,
	}
}

// leakSuffix is the explanation appended to a stored response when leaks
// were found or sanitization changed the metadata.
func leakSuffix(sc scored) string {
	if sc.leak.LeakDetected {
		return " (metadata leaks detected and sanitized: " +
			strings.Join(sc.leak.LeakTypes, ", ") + ")"
	}
	if sc.report.SanitizationApplied {
		return " (metadata sanitized for security)"
	}
	return ""
}

// metaInt reads a numeric metadata field as int. Absent, zero, or
// non-numeric values yield the fallback.
func metaInt(metadata map[string]any, name string, fallback int) int {
	switch v := metadata[name].(type) {
	case int:
		if v != 0 {
			return v
		}
	case int64:
		if v != 0 {
			return int(v)
		}
	case float64:
		if v != 0 {
			return int(v)
		}
	}
	return fallback
}

// metaBool reads a metadata field as bool, accepting the JSON encodings
// clients actually send.
func metaBool(metadata map[string]any, name string) bool {
	switch v := metadata[name].(type) {
	case bool:
		return v
	case string:
		return v == "true" || v == "1"
	case float64:
		return v != 0
	case int:
		return v != 0
	}
	return false
}

// =============================================================================
// SEC-101: POST /send
// =============================================================================

// HandleSend accepts a client-encrypted message and runs the full decision
// pipeline over its metadata.
//
// # Description
//
// An allow decision commits the ciphertext to the ephemeral store under the
// requested TTL. Block, require_reauth, and pending_approval never store.
// Unenforced decisions (shadow mode, canary miss) follow the safe path and
// store, reporting the would-be policy alongside.
//
// # Outputs
//
//   - 200 {status, risk, policy, message} for every decision outcome.
//   - 400 on a malformed body or undecodable ciphertext.
//   - 500 when the store rejects the commit.
func HandleSend(pipe Pipeline, store *storage.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		_, span := sendTracer.Start(c.Request.Context(), "HandleSend")
		defer span.End()
		log := pipe.logger()

		var req datatypes.SendRequest
		if err := c.BindJSON(&req); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			log.Warn("invalid send request", "error", err)
			c.JSON(http.StatusBadRequest, gin.H{"detail": "Invalid request payload"})
			return
		}
		req.Normalize()
		if err := req.Validate(); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			log.Warn("invalid send request", "error", err)
			c.JSON(http.StatusBadRequest, gin.H{"detail": "Invalid request payload"})
			return
		}

		ciphertext, err := base64.StdEncoding.DecodeString(req.CiphertextB64)
		if err != nil {
			log.Warn("ciphertext base64 decode failed",
				"token_hash", privacy.IdentifierHash(req.Token))
			c.JSON(http.StatusBadRequest, gin.H{"detail": "Invalid ciphertext base64"})
			return
		}

		sc := pipe.score(req.Metadata.AsMap(), 0)
		summary := leakSummary(sc,
			metaInt(sc.sanitized, "padded_size", 0),
			metaInt(sc.sanitized, "dest_count", 1))
		decision := pipe.decide(sc, req.Token, summary, c.ClientIP())
		span.AddEvent("decision", trace.WithAttributes(
			attribute.String("policy", decision.Policy),
			attribute.Int("risk", sc.risk),
			attribute.Bool("enforced", decision.Enforced),
		))

		ttl := time.Duration(req.TTLSeconds) * time.Second

		if !decision.Enforced {
			// Shadow and canary-miss submissions take the safe path: store,
			// report what enforcement would have done.
			if err := store.Put(req.Token, ciphertext, ttl, "", sc.sanitized); err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				log.Error("shadow-mode store failed",
					"token_hash", decision.TokenHash, "error", err)
				c.JSON(http.StatusInternalServerError, gin.H{"detail": "Internal error"})
				return
			}
			log.Info("shadow-mode send stored", "token_hash", decision.TokenHash,
				"risk", sc.risk, "policy", decision.Policy)
			c.JSON(http.StatusOK, datatypes.SendResponse{
				Status:  datatypes.StatusStored,
				Risk:    sc.risk,
				Policy:  decision.Policy,
				Message: "Shadow-mode: " + decision.Reason,
			})
			return
		}

		switch decision.Action {
		case policy.ActionBlock:
			log.Info("send blocked", "token_hash", decision.TokenHash, "risk", sc.risk)
			c.JSON(http.StatusOK, datatypes.SendResponse{
				Status:  datatypes.StatusBlocked,
				Risk:    sc.risk,
				Policy:  policy.ActionBlock,
				Message: "Blocked due to high risk",
			})
			return
		case policy.ActionRequireReauth:
			log.Info("send requires reauth", "token_hash", decision.TokenHash, "risk", sc.risk)
			c.JSON(http.StatusOK, datatypes.SendResponse{
				Status:  datatypes.StatusRequireReauth,
				Risk:    sc.risk,
				Policy:  policy.ActionRequireReauth,
				Message: "Reauthentication required",
			})
			return
		case policy.ActionPendingApproval:
			// The ciphertext is not queued; the client resubmits after the
			// operator resolves the request.
			log.Info("send pending approval", "token_hash", decision.TokenHash, "risk", sc.risk)
			c.JSON(http.StatusOK, datatypes.SendResponse{
				Status:  datatypes.StatusPendingApproval,
				Risk:    sc.risk,
				Policy:  policy.ActionPendingApproval,
				Message: "Pending admin approval",
			})
			return
		}

		if err := store.Put(req.Token, ciphertext, ttl, "", sc.sanitized); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			log.Error("store failed", "token_hash", decision.TokenHash, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"detail": "Internal storage error"})
			return
		}

		log.Info("message stored", "token_hash", decision.TokenHash,
			"ttl_seconds", req.TTLSeconds, "risk", sc.risk)
		c.JSON(http.StatusOK, datatypes.SendResponse{
			Status:  datatypes.StatusStored,
			Risk:    sc.risk,
			Policy:  policy.ActionAllow,
			Message: fmt.Sprintf("Stored; will expire in %ds", req.TTLSeconds) + leakSuffix(sc),
		})
	}
}
