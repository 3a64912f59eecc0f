// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes provides request and response types for the relay HTTP
// surface.
//
// This file contains the message lifecycle types (send, fetch, read). For
// hybrid key exchange types, see crypto.go; for ML ingestion types, see ml.go.
//
// Requests carry validator tags and a Validate method called after JSON
// binding. Metadata deliberately models only the anonymized fields the
// sanitizer lets through; raw device identifiers and plain timestamps have
// no place here.
package datatypes

import (
	"strings"

	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

// relayValidate is the validator instance for relay datatypes.
var relayValidate = validator.New()

// =============================================================================
// Response Status Vocabulary
// =============================================================================

// Send outcome statuses. "stored" covers shadow-mode sends too: the
// unenforced decision is recorded but the message still relays.
const (
	StatusStored          = "stored"
	StatusBlocked         = "blocked"
	StatusRequireReauth   = "require_reauth"
	StatusPendingApproval = "pending_approval"
)

// Fetch message states.
const (
	MessageStateAvailable = "available"
	MessageStateExpired   = "expired"
)

// =============================================================================
// Send Types
// =============================================================================

// Metadata is the anonymized per-message context a sender may attach.
//
// # Fields
//
//   - PaddedSize: Payload length after padding, bytes. Optional.
//   - Interval: Seconds since the sender's last message, approximate. Optional.
//   - NewDevice: True when the device fingerprint changed.
//   - ExceptionFlag: True when the sender marks the message exceptional,
//     requesting a quota-limited bypass of a block decision.
//
// Unknown fields are dropped at binding; clients cannot smuggle extra
// metadata through this type.
type Metadata struct {
	PaddedSize    *int     `json:"padded_size,omitempty"`
	Interval      *float64 `json:"interval,omitempty"`
	NewDevice     bool     `json:"new_device"`
	ExceptionFlag bool     `json:"exception_flag"`
}

// AsMap converts the typed metadata into the map form the sanitizer and
// leak detector operate on. Unset optional fields are omitted.
func (m *Metadata) AsMap() map[string]any {
	if m == nil {
		return map[string]any{}
	}
	out := map[string]any{
		"new_device":     m.NewDevice,
		"exception_flag": m.ExceptionFlag,
	}
	if m.PaddedSize != nil {
		out["padded_size"] = *m.PaddedSize
	}
	if m.Interval != nil {
		out["interval"] = *m.Interval
	}
	return out
}

// SendRequest is the POST /send body.
//
// # Validation
//
//   - Token: required, non-empty after trimming
//   - CiphertextB64: required; base64 decoding happens in the handler so the
//     error can name the ciphertext specifically
//   - TTLSeconds: required, > 0
type SendRequest struct {
	Token         string    `json:"token" validate:"required,min=1"`
	CiphertextB64 string    `json:"ciphertext_b64" validate:"required,min=1"`
	TTLSeconds    int       `json:"ttl_seconds" validate:"required,gt=0"`
	Metadata      *Metadata `json:"metadata,omitempty"`
}

// Normalize trims whitespace from the string fields, mirroring how tokens
// arrive from copy-paste-heavy clients.
func (r *SendRequest) Normalize() {
	r.Token = strings.TrimSpace(r.Token)
	r.CiphertextB64 = strings.TrimSpace(r.CiphertextB64)
}

// Validate checks the request fields after binding.
func (r *SendRequest) Validate() error {
	return relayValidate.Struct(r)
}

// SendResponse is the POST /send reply.
//
// Status is what the relay did; Policy is what the thresholds computed. They
// differ under shadow or canary rollouts, where the message relays while the
// would-be decision is only recorded.
type SendResponse struct {
	Status  string `json:"status"`
	Risk    int    `json:"risk"`
	Policy  string `json:"policy"`
	Message string `json:"message,omitempty"`
}

// =============================================================================
// Fetch / Read Types
// =============================================================================

// FetchResponse is the GET /fetch/{token} reply.
type FetchResponse struct {
	CiphertextB64 string `json:"ciphertext_b64"`
	TTLRemaining  int    `json:"ttl_remaining"`
	MessageState  string `json:"message_state"`
}

// ReadResponse is the POST /read/{token} reply.
type ReadResponse struct {
	Status string `json:"status"`
}
