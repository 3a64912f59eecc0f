// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import "strings"

// =============================================================================
// Hybrid Key Exchange Types
// =============================================================================

// HybridInitRequest is the POST /crypto/hybrid_init body. The classical key
// must decode to exactly 32 bytes; the handler owns that check so the error
// detail can name the offending key. The KEM public key length depends on
// the negotiated scheme and is validated by the key manager.
type HybridInitRequest struct {
	ClientClassicalPubB64 string `json:"client_x25519_pub_b64" validate:"required,min=1"`
	ClientKEMPubB64       string `json:"client_pqc_pub_b64,omitempty"`
}

// Normalize trims whitespace from the key fields.
func (r *HybridInitRequest) Normalize() {
	r.ClientClassicalPubB64 = strings.TrimSpace(r.ClientClassicalPubB64)
	r.ClientKEMPubB64 = strings.TrimSpace(r.ClientKEMPubB64)
}

// Validate checks the request fields after binding.
func (r *HybridInitRequest) Validate() error {
	return relayValidate.Struct(r)
}

// HybridInitResponse returns the server half of the exchange. KEMCtB64 is
// the encapsulation the client decapsulates to reach the shared secret; it
// is absent when no KEM leg ran.
type HybridInitResponse struct {
	KeyID           string `json:"key_id"`
	ClassicalPubB64 string `json:"classical_pub_b64"`
	KEMCtB64        string `json:"kem_ct_b64,omitempty"`
	KEMEnabled      bool   `json:"kem_enabled"`
	KEMName         string `json:"kem_name,omitempty"`
}

// =============================================================================
// Hybrid Send Types
// =============================================================================

// HybridSendRequest is the POST /crypto/send body: the plaintext message
// plus the sender's public keys, so one round trip covers exchange,
// encryption, scoring, and storage.
//
// Metadata here is a free-form map, unlike SendRequest. The payload is
// sanitized server-side before anything reads it, and the leak detector
// sees the raw submission, so arbitrary keys are the point.
type HybridSendRequest struct {
	Token                 string         `json:"token" validate:"required,min=1"`
	MessageB64            string         `json:"message_b64" validate:"required,min=1"`
	TTLSeconds            int            `json:"ttl_seconds" validate:"required,gt=0"`
	ClientClassicalPubB64 string         `json:"client_x25519_pub_b64" validate:"required,min=1"`
	ClientKEMPubB64       string         `json:"client_pqc_pub_b64,omitempty"`
	Metadata              map[string]any `json:"metadata,omitempty"`
}

// Normalize trims whitespace from the string fields.
func (r *HybridSendRequest) Normalize() {
	r.Token = strings.TrimSpace(r.Token)
	r.MessageB64 = strings.TrimSpace(r.MessageB64)
	r.ClientClassicalPubB64 = strings.TrimSpace(r.ClientClassicalPubB64)
	r.ClientKEMPubB64 = strings.TrimSpace(r.ClientKEMPubB64)
}

// Validate checks the request fields after binding.
func (r *HybridSendRequest) Validate() error {
	return relayValidate.Struct(r)
}

// HybridSendResponse is SendResponse plus the key material the client needs
// to decrypt later: the server key generation used, the sealed message when
// it was stored, and the KEM encapsulation when PQC ran.
type HybridSendResponse struct {
	Status              string `json:"status"`
	Risk                int    `json:"risk"`
	Policy              string `json:"policy"`
	Message             string `json:"message,omitempty"`
	KeyID               string `json:"key_id"`
	EncryptedMessageB64 string `json:"encrypted_message_b64,omitempty"`
	KEMCtB64            string `json:"kem_ct_b64,omitempty"`
}
