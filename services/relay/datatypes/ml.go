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
// ML Ingestion Types
// =============================================================================

// ObserveRequest is the POST /ml/observe and /ml/score body: an anonymized
// observation vector for ingestion or synchronous scoring. The vector layout
// is [padded_size, interval, dest_count, device_change_flag]; arity and
// finiteness are enforced by the scoring engine so both endpoints reject
// malformed vectors identically.
//
// The token is opaque and never recorded raw; it tags the training mirror
// as a hash. Timestamp is an optional client epoch the server may ignore.
type ObserveRequest struct {
	Token     string    `json:"token" validate:"required,min=1"`
	Vector    []float64 `json:"vector" validate:"required,min=1"`
	Timestamp float64   `json:"timestamp,omitempty"`
}

// Normalize trims whitespace from the token.
func (r *ObserveRequest) Normalize() {
	r.Token = strings.TrimSpace(r.Token)
}

// Validate checks the request fields after binding.
func (r *ObserveRequest) Validate() error {
	return relayValidate.Struct(r)
}

// ObserveResponse is the POST /ml/observe reply.
type ObserveResponse struct {
	Status string `json:"status"`
}

// ScoreResponse is the POST /ml/score reply. Simulated is set while no
// trained model backs the score, meaning the heuristic fallback produced it.
type ScoreResponse struct {
	Status    string `json:"status"`
	Risk      int    `json:"risk"`
	Simulated bool   `json:"simulated"`
	Ts        int64  `json:"ts"`
}
