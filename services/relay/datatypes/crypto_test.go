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

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHybridInitRequest_Valid(t *testing.T) {
	req := HybridInitRequest{ClientClassicalPubB64: "c29tZS1rZXk="}
	assert.NoError(t, req.Validate())
}

func TestHybridInitRequest_MissingClassicalKey(t *testing.T) {
	req := HybridInitRequest{ClientKEMPubB64: "c29tZS1rZXk="}
	assert.Error(t, req.Validate())
}

func TestHybridInitRequest_KEMKeyOptional(t *testing.T) {
	req := HybridInitRequest{ClientClassicalPubB64: "c29tZS1rZXk="}
	req.Normalize()
	assert.NoError(t, req.Validate())
	assert.Empty(t, req.ClientKEMPubB64)
}

func validHybridSendRequest() HybridSendRequest {
	return HybridSendRequest{
		Token:                 "conv-token-1",
		MessageB64:            "aGVsbG8=",
		TTLSeconds:            120,
		ClientClassicalPubB64: "c29tZS1rZXk=",
	}
}

func TestHybridSendRequest_Valid(t *testing.T) {
	req := validHybridSendRequest()
	assert.NoError(t, req.Validate())
}

func TestHybridSendRequest_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*HybridSendRequest)
	}{
		{"missing token", func(r *HybridSendRequest) { r.Token = "" }},
		{"missing message", func(r *HybridSendRequest) { r.MessageB64 = "" }},
		{"zero ttl", func(r *HybridSendRequest) { r.TTLSeconds = 0 }},
		{"missing classical key", func(r *HybridSendRequest) { r.ClientClassicalPubB64 = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validHybridSendRequest()
			tt.mutate(&req)
			assert.Error(t, req.Validate())
		})
	}
}

func TestHybridSendRequest_MetadataIsFreeForm(t *testing.T) {
	req := validHybridSendRequest()
	req.Metadata = map[string]any{
		"padded_size": 1024,
		"device_id":   "raw-identifier",
	}

	// Free-form metadata is legal here; the sanitizer deals with it later.
	assert.NoError(t, req.Validate())
}

func TestObserveRequest_Validation(t *testing.T) {
	valid := ObserveRequest{Token: "tok", Vector: []float64{100, 1, 1, 0}}
	assert.NoError(t, valid.Validate())

	missingToken := ObserveRequest{Vector: []float64{100, 1, 1, 0}}
	assert.Error(t, missingToken.Validate())

	emptyVector := ObserveRequest{Token: "tok"}
	assert.Error(t, emptyVector.Validate())
}

func TestResolveApprovalRequest_Validation(t *testing.T) {
	assert.NoError(t, (&ResolveApprovalRequest{Resolution: "approved"}).Validate())
	assert.NoError(t, (&ResolveApprovalRequest{Resolution: "denied", Note: "ok"}).Validate())
	assert.Error(t, (&ResolveApprovalRequest{Resolution: "pending"}).Validate())
	assert.Error(t, (&ResolveApprovalRequest{}).Validate())
}
