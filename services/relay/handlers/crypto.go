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
	"fmt"
	"net/http"
	"time"

	"github.com/awnumar/memguard"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/AleutianRelay/pkg/logging"
	"github.com/AleutianAI/AleutianRelay/services/relay/crypto"
	"github.com/AleutianAI/AleutianRelay/services/relay/datatypes"
	"github.com/AleutianAI/AleutianRelay/services/relay/keymanager"
	"github.com/AleutianAI/AleutianRelay/services/relay/policy"
	"github.com/AleutianAI/AleutianRelay/services/relay/storage"
)

var cryptoTracer = otel.Tracer("aleutian.relay.handlers")

// x25519KeySize is the raw length of a client classical public key.
const x25519KeySize = 32

// =============================================================================
// SEC-103: Hybrid Key Exchange Surface
// =============================================================================

// HandleCryptoKeys reports the server's active public key bundle.
func HandleCryptoKeys(km *keymanager.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		if km == nil {
			c.JSON(http.StatusServiceUnavailable,
				gin.H{"detail": "KeyManager not available on server"})
			return
		}
		keys, err := km.ExportPublicKeys()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"detail": "key manager error"})
			return
		}
		c.JSON(http.StatusOK, keys)
	}
}

// HandleHybridInit performs the server side of one hybrid key exchange.
//
// # Description
//
// The client posts its X25519 public key and, optionally, its KEM public
// key. The server runs the classical exchange and, when both sides support
// it, encapsulates toward the client's KEM key. The response carries the
// server's classical public key and the KEM ciphertext the client must
// decapsulate; both sides then derive the same symmetric key. A malformed
// KEM key degrades the exchange to classical-only rather than failing it.
func HandleHybridInit(km *keymanager.Manager, log *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		_, span := cryptoTracer.Start(c.Request.Context(), "HandleHybridInit")
		defer span.End()
		if log == nil {
			log = logging.Default()
		}

		if km == nil {
			log.Error("hybrid_init with no key manager")
			c.JSON(http.StatusServiceUnavailable,
				gin.H{"detail": "KeyManager not available on server"})
			return
		}

		var req datatypes.HybridInitRequest
		if err := c.BindJSON(&req); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			c.JSON(http.StatusBadRequest, gin.H{"detail": "Invalid request payload"})
			return
		}
		req.Normalize()
		if err := req.Validate(); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"detail": "Invalid request payload"})
			return
		}
		if !validClassicalKey(req.ClientClassicalPubB64) {
			log.Warn("invalid client x25519 public key on hybrid_init")
			c.JSON(http.StatusBadRequest,
				gin.H{"detail": "Invalid client X25519 public key"})
			return
		}

		agreement, err := km.DeriveSharedSecretServerSide(
			req.ClientClassicalPubB64, req.ClientKEMPubB64)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			log.Warn("hybrid key exchange failed", "error", err)
			c.JSON(http.StatusBadRequest,
				gin.H{"detail": "Invalid client X25519 public key"})
			return
		}
		defer memguard.WipeBytes(agreement.Shared)

		keys, err := km.ExportPublicKeys()
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			c.JSON(http.StatusInternalServerError,
				gin.H{"detail": "Hybrid key exchange failed"})
			return
		}

		resp := datatypes.HybridInitResponse{
			KeyID:           agreement.KeyID,
			ClassicalPubB64: keys.ClassicalPubB64,
			KEMEnabled:      keys.KEMEnabled,
			KEMName:         keys.KEMName,
		}
		if agreement.KEMCiphertext != nil {
			resp.KEMCtB64 = base64.StdEncoding.EncodeToString(agreement.KEMCiphertext)
		}

		log.Info("hybrid key exchange complete",
			"key_id", agreement.KeyID, "kem", agreement.KEMCiphertext != nil)
		c.JSON(http.StatusOK, resp)
	}
}

// validClassicalKey reports whether the base64 value decodes to exactly 32
// bytes.
func validClassicalKey(b64 string) bool {
	raw, err := base64.StdEncoding.DecodeString(b64)
	return err == nil && len(raw) == x25519KeySize
}

// =============================================================================
// SEC-104: POST /crypto/send
// =============================================================================

// HandleHybridSend encrypts a plaintext message server-side and runs the
// decision pipeline over its metadata.
//
// # Description
//
// The exchange and AEAD seal run before scoring: a submission that cannot
// be encrypted is rejected regardless of its risk. Associated data binds
// token, key id, padded size, and destination count to the ciphertext, so a
// blob replayed under different metadata fails to open. Unlike /send, the
// unenforced (shadow) path does not store here: the caller gets the stored
// status without a ciphertext and retries against enforcement when it needs
// the blob.
//
// # Outputs
//
//   - 200 {status, risk, policy, message, key_id, encrypted_message_b64?,
//     kem_ct_b64?}; the blob is present only when the message was stored by
//     an enforced allow.
//   - 400 on malformed input, 500 on AEAD or store failure, 503 without a
//     key manager.
func HandleHybridSend(pipe Pipeline, store *storage.Store, km *keymanager.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		_, span := cryptoTracer.Start(c.Request.Context(), "HandleHybridSend")
		defer span.End()
		log := pipe.logger()

		if km == nil {
			log.Error("hybrid send with no key manager")
			c.JSON(http.StatusServiceUnavailable,
				gin.H{"detail": "KeyManager not available on server"})
			return
		}

		var req datatypes.HybridSendRequest
		if err := c.BindJSON(&req); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			log.Warn("invalid hybrid send request", "error", err)
			c.JSON(http.StatusBadRequest, gin.H{"detail": "Invalid request payload"})
			return
		}
		req.Normalize()
		if err := req.Validate(); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"detail": "Invalid request payload"})
			return
		}
		if !validClassicalKey(req.ClientClassicalPubB64) {
			c.JSON(http.StatusBadRequest,
				gin.H{"detail": "Invalid client X25519 public key"})
			return
		}

		agreement, err := km.DeriveSharedSecretServerSide(
			req.ClientClassicalPubB64, req.ClientKEMPubB64)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			c.JSON(http.StatusBadRequest,
				gin.H{"detail": "Invalid client X25519 public key"})
			return
		}
		defer memguard.WipeBytes(agreement.Shared)

		symKey, err := km.DeriveSymmetricKey(agreement.Shared)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			log.Error("symmetric key derivation failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"detail": "Encryption failure"})
			return
		}
		defer memguard.WipeBytes(symKey)

		plaintext, err := base64.StdEncoding.DecodeString(req.MessageB64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"detail": "Invalid message base64"})
			return
		}
		defer memguard.WipeBytes(plaintext)

		// The AAD uses the client-supplied metadata, not the sanitized copy:
		// both ends must derive identical bytes.
		aadPadded := metaInt(req.Metadata, "padded_size", len(plaintext))
		aadDest := metaInt(req.Metadata, "dest_count", 1)
		aad := crypto.MessageAAD(req.Token, agreement.KeyID, aadPadded, aadDest)

		blob, err := crypto.Seal(symKey, plaintext, aad)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			log.Error("aead seal failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"detail": "Encryption failure"})
			return
		}
		blobB64 := base64.StdEncoding.EncodeToString(blob)

		kemCtB64 := ""
		if agreement.KEMCiphertext != nil {
			kemCtB64 = base64.StdEncoding.EncodeToString(agreement.KEMCiphertext)
		}

		sc := pipe.score(req.Metadata, len(plaintext))
		summary := leakSummary(sc, len(plaintext), metaInt(sc.sanitized, "dest_count", 1))
		decision := pipe.decide(sc, req.Token, summary, c.ClientIP())

		resp := datatypes.HybridSendResponse{
			Risk:     sc.risk,
			Policy:   decision.Policy,
			KeyID:    agreement.KeyID,
			KEMCtB64: kemCtB64,
		}

		if !decision.Enforced {
			log.Info("shadow-mode hybrid send", "token_hash", decision.TokenHash,
				"risk", sc.risk, "policy", decision.Policy)
			resp.Status = datatypes.StatusStored
			resp.Message = "Shadow-mode: " + decision.Reason
			c.JSON(http.StatusOK, resp)
			return
		}

		switch decision.Action {
		case policy.ActionBlock:
			log.Info("hybrid send blocked", "token_hash", decision.TokenHash, "risk", sc.risk)
			resp.Status = datatypes.StatusBlocked
			resp.Policy = policy.ActionBlock
			resp.Message = "Blocked due to high risk"
			c.JSON(http.StatusOK, resp)
			return
		case policy.ActionRequireReauth:
			log.Info("hybrid send requires reauth", "token_hash", decision.TokenHash, "risk", sc.risk)
			resp.Status = datatypes.StatusRequireReauth
			resp.Policy = policy.ActionRequireReauth
			resp.Message = "Reauthentication required"
			c.JSON(http.StatusOK, resp)
			return
		case policy.ActionPendingApproval:
			log.Info("hybrid send pending approval", "token_hash", decision.TokenHash, "risk", sc.risk)
			resp.Status = datatypes.StatusPendingApproval
			resp.Policy = policy.ActionPendingApproval
			resp.Message = "Pending admin approval"
			c.JSON(http.StatusOK, resp)
			return
		}

		ttl := time.Duration(req.TTLSeconds) * time.Second
		if err := store.Put(req.Token, blob, ttl, agreement.KeyID, sc.sanitized); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			log.Error("hybrid store failed", "token_hash", decision.TokenHash, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"detail": "Internal storage error"})
			return
		}

		log.Info("hybrid message stored", "token_hash", decision.TokenHash,
			"ttl_seconds", req.TTLSeconds, "risk", sc.risk, "key_id", agreement.KeyID)
		resp.Status = datatypes.StatusStored
		resp.Policy = policy.ActionAllow
		resp.Message = fmt.Sprintf("Message encrypted and stored; will expire in %ds",
			req.TTLSeconds) + leakSuffix(sc)
		resp.EncryptedMessageB64 = blobB64
		c.JSON(http.StatusOK, resp)
	}
}
