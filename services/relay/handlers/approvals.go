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

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianRelay/pkg/logging"
	"github.com/AleutianAI/AleutianRelay/services/relay/approval"
	"github.com/AleutianAI/AleutianRelay/services/relay/audit"
	"github.com/AleutianAI/AleutianRelay/services/relay/datatypes"
)

// =============================================================================
// SEC-110: Admin Approvals
// =============================================================================

// HandleListApprovals lists exception approval requests, optionally filtered
// by ?status=pending|approved|denied. No filter returns everything, newest
// first.
func HandleListApprovals(ledger *approval.Ledger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if ledger == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"detail": "Approval ledger unavailable."})
			return
		}

		requests, err := ledger.List(c.Request.Context(), c.Query("status"))
		if errors.Is(err, approval.ErrUnknownStatus) {
			c.JSON(http.StatusBadRequest, gin.H{"detail": "Invalid status filter"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"detail": "Approval list failed."})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "approvals": requests})
	}
}

// HandleResolveApproval moves one pending request to approved or denied.
//
// # Outputs
//
//   - 200 {"status": "ok", "approval": <record>} on success.
//   - 404 for an unknown id, 409 when the request already left pending.
func HandleResolveApproval(ledger *approval.Ledger, auditLog *audit.Log, log *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if log == nil {
			log = logging.Default()
		}
		if ledger == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"detail": "Approval ledger unavailable."})
			return
		}

		id := c.Param("id")
		var req datatypes.ResolveApprovalRequest
		if err := c.BindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"detail": "Invalid payload"})
			return
		}
		if err := req.Validate(); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"detail": "Invalid payload"})
			return
		}

		resolved, err := ledger.Resolve(c.Request.Context(), id, req.Resolution, req.Note)
		switch {
		case errors.Is(err, approval.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"detail": "Approval request not found"})
			return
		case errors.Is(err, approval.ErrAlreadyResolved):
			c.JSON(http.StatusConflict, gin.H{"detail": "Approval request already resolved"})
			return
		case errors.Is(err, approval.ErrInvalidResolution):
			c.JSON(http.StatusBadRequest, gin.H{"detail": "Invalid payload"})
			return
		case err != nil:
			log.Error("approval resolution failed", "request_id", id, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"detail": "Approval resolution failed."})
			return
		}

		if auditLog != nil {
			auditLog.AdminEvent("approval_resolved", map[string]any{
				"request_id": id, "resolution": req.Resolution,
			})
		}
		log.Info("approval resolved", "request_id", id, "resolution", req.Resolution)
		c.JSON(http.StatusOK, gin.H{"status": "ok", "approval": resolved})
	}
}
