// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/AleutianRelay/pkg/logging"
	"github.com/AleutianAI/AleutianRelay/services/relay/approval"
	"github.com/AleutianAI/AleutianRelay/services/relay/audit"
	"github.com/AleutianAI/AleutianRelay/services/relay/handlers"
	"github.com/AleutianAI/AleutianRelay/services/relay/keymanager"
	"github.com/AleutianAI/AleutianRelay/services/relay/middleware"
	"github.com/AleutianAI/AleutianRelay/services/relay/ml"
	"github.com/AleutianAI/AleutianRelay/services/relay/observability"
	"github.com/AleutianAI/AleutianRelay/services/relay/policy"
	"github.com/AleutianAI/AleutianRelay/services/relay/privacy"
	"github.com/AleutianAI/AleutianRelay/services/relay/storage"
)

// Config carries the wired components SetupRoutes mounts onto the engine.
// Nil components degrade per endpoint (503) rather than failing registration,
// so a relay booted without PQC keys or without a scorer still serves the
// rest of the surface.
type Config struct {
	ServiceName string
	Version     string

	AdminKeys      []string
	MLKeys         []string
	AllowedOrigins []string

	Engine        ml.Engine
	Detector      *privacy.LeakDetector
	Sanitizer     *privacy.Sanitizer
	Policy        *policy.Engine
	Store         *storage.Store
	Keys          *keymanager.Manager
	PolicyAudit   *audit.Log
	ForensicAudit *audit.Log
	Approvals     *approval.Ledger
	Metrics       *observability.Metrics
	Log           *logging.Logger
}

// SetupRoutes registers the full relay HTTP surface on router.
func SetupRoutes(router *gin.Engine, cfg Config) {
	router.Use(middleware.CORS(cfg.AllowedOrigins))

	pipe := handlers.Pipeline{
		Engine:    cfg.Engine,
		Detector:  cfg.Detector,
		Sanitizer: cfg.Sanitizer,
		Policy:    cfg.Policy,
		Metrics:   cfg.Metrics,
		Log:       cfg.Log,
	}

	router.GET("/", handlers.HandleRoot(cfg.ServiceName, cfg.Version))
	router.GET("/health", handlers.HandleHealth(cfg.Version))
	router.GET("/ready", handlers.HandleReady(cfg.Engine))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Message lifecycle
	router.POST("/send", handlers.HandleSend(pipe, cfg.Store))
	router.GET("/fetch/:token", handlers.HandleFetch(cfg.Store, cfg.Log))
	router.POST("/read/:token", handlers.HandleRead(cfg.Store, cfg.Keys, cfg.Log))

	// Hybrid encryption surface
	crypto := router.Group("/crypto")
	{
		crypto.GET("/keys", handlers.HandleCryptoKeys(cfg.Keys))
		crypto.POST("/hybrid_init", handlers.HandleHybridInit(cfg.Keys, cfg.Log))
		crypto.POST("/send", handlers.HandleHybridSend(pipe, cfg.Store, cfg.Keys))
	}

	// Scoring surface; observe is open to the relay's own clients, score
	// needs the scoring-sidecar credential.
	mlGroup := router.Group("/ml")
	{
		mlGroup.POST("/observe", handlers.HandleMLObserve(cfg.Engine, cfg.Metrics, cfg.Log))
		mlGroup.POST("/score",
			middleware.RequireMLKey(cfg.MLKeys, cfg.Log),
			handlers.HandleMLScore(cfg.Engine, cfg.Metrics, cfg.Log))
	}

	// Operator surface
	admin := router.Group("/admin", middleware.RequireAdminKey(cfg.AdminKeys, cfg.Log))
	{
		admin.GET("/ml/health", handlers.HandleMLHealth(cfg.Engine))
		admin.POST("/ml/retrain", handlers.HandleMLRetrain(cfg.Engine, cfg.PolicyAudit, cfg.Metrics, cfg.Log))

		admin.GET("/policy/status", handlers.HandlePolicyStatus(cfg.Policy))
		admin.POST("/policy/thresholds", handlers.HandleSetThresholds(cfg.Policy, cfg.PolicyAudit, cfg.Log))

		admin.GET("/audit/read", handlers.HandleAuditRead(cfg.PolicyAudit))
		admin.GET("/audit/stream", handlers.HandleAuditStream(cfg.PolicyAudit, cfg.Log))

		admin.GET("/forensic/status", handlers.HandleForensicStatus(cfg.Store))
		admin.POST("/forensic/cleanup", handlers.HandleForensicCleanup(cfg.Store))
		admin.GET("/forensic/audit-integrity", handlers.HandleAuditIntegrity(cfg.ForensicAudit))

		admin.GET("/metadata/leak-detection-stats", handlers.HandleLeakDetectionStats(cfg.Detector))
		admin.GET("/metadata/sanitization-stats", handlers.HandleSanitizationStats(cfg.Sanitizer))
		admin.POST("/metadata/test-sanitization", handlers.HandleTestSanitization(cfg.Detector, cfg.Sanitizer))

		// Exception approval review
		approvals := admin.Group("/approvals")
		{
			approvals.GET("", handlers.HandleListApprovals(cfg.Approvals))
			approvals.POST("/:id/resolve", handlers.HandleResolveApproval(cfg.Approvals, cfg.PolicyAudit, cfg.Log))
		}

		admin.GET("/crypto/recommendation", handlers.HandleCryptoRecommendation())
	}
}
