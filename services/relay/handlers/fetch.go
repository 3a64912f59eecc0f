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
	"encoding/base64"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianRelay/pkg/logging"
	"github.com/AleutianAI/AleutianRelay/services/relay/datatypes"
	"github.com/AleutianAI/AleutianRelay/services/relay/keymanager"
	"github.com/AleutianAI/AleutianRelay/services/relay/privacy"
	"github.com/AleutianAI/AleutianRelay/services/relay/storage"
)

// =============================================================================
// SEC-102: GET /fetch/{token}, POST /read/{token}
// =============================================================================

// HandleFetch returns a stored ciphertext without consuming it.
//
// # Description
//
// Fetch is the peek half of the fetch/read pair: it reports the ciphertext
// and remaining TTL but leaves the entry in place. A token that expired
// between the lookup and the TTL computation is deleted on the spot and
// reported as absent, so clients never observe ttl_remaining of zero on an
// available message.
func HandleFetch(store *storage.Store, log *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if log == nil {
			log = logging.Default()
		}

		token := c.Param("token")
		if token == "" {
			c.JSON(http.StatusBadRequest, gin.H{"detail": "Missing token"})
			return
		}

		payload, ok := store.Get(token)
		if !ok {
			log.Info("fetch for unknown or expired token",
				"token_hash", privacy.IdentifierHash(token))
			c.JSON(http.StatusNotFound, gin.H{"detail": "No message"})
			return
		}

		remaining, ok := store.TTLRemaining(token)
		if !ok || remaining <= 0 {
			// Expired in the window since Get; delete now rather than hand
			// out a dead entry.
			store.MarkReadAndDelete(token)
			c.JSON(http.StatusNotFound, gin.H{"detail": "No message"})
			return
		}

		c.JSON(http.StatusOK, datatypes.FetchResponse{
			CiphertextB64: base64.StdEncoding.EncodeToString(payload.Ciphertext),
			TTLRemaining:  int(remaining.Seconds()),
			MessageState:  datatypes.MessageStateAvailable,
		})
	}
}

// HandleRead consumes a message: the entry is deleted and its buffer queued
// for secure wiping. Any session material tied to the token is revoked
// best-effort; the relay keeps no session state, so revocation cannot fail
// the read.
func HandleRead(store *storage.Store, km *keymanager.Manager, log *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if log == nil {
			log = logging.Default()
		}

		token := c.Param("token")
		if token == "" {
			c.JSON(http.StatusBadRequest, gin.H{"detail": "Missing token"})
			return
		}

		deleted := store.MarkReadAndDelete(token)
		if km != nil {
			km.RevokeSession(token)
		}

		if !deleted {
			log.Info("read for unknown token",
				"token_hash", privacy.IdentifierHash(token))
			c.JSON(http.StatusNotFound, gin.H{"detail": "No message"})
			return
		}

		c.JSON(http.StatusOK, datatypes.ReadResponse{Status: "deleted"})
	}
}
