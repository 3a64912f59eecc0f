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
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/AleutianRelay/pkg/logging"
	"github.com/AleutianAI/AleutianRelay/services/relay/audit"
)

// =============================================================================
// SEC-111: Admin Audit Stream
// =============================================================================

var streamUpgrader = websocket.Upgrader{
	// The route sits behind the admin credential check; origin filtering
	// happens at the CORS layer for browser clients.
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// HandleAuditStream upgrades to a websocket and tails new audit records.
//
// # Description
//
// Each record written to the policy audit log after the client connects is
// delivered as one JSON message. The subscription buffers a bounded number
// of records; a consumer slower than the decision rate loses records rather
// than backpressuring the write path. Historical records are served by
// /admin/audit/read, not here.
func HandleAuditStream(auditLog *audit.Log, log *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if log == nil {
			log = logging.Default()
		}
		if auditLog == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"detail": "Audit log unavailable."})
			return
		}

		ws, err := streamUpgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Error("audit stream upgrade failed", "error", err)
			return
		}
		defer ws.Close()

		records, cancel := auditLog.Subscribe(64)
		defer cancel()
		log.Info("audit stream client connected")

		// The client sends nothing meaningful; reading only surfaces the
		// disconnect.
		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				if _, _, err := ws.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case <-done:
				log.Info("audit stream client disconnected")
				return
			case rec, ok := <-records:
				if !ok {
					return
				}
				if err := ws.WriteJSON(rec); err != nil {
					log.Info("audit stream write failed", "error", err)
					return
				}
			}
		}
	}
}
