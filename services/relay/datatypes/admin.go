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

// =============================================================================
// Admin Types
// =============================================================================

// ResolveApprovalRequest is the POST /admin/approvals/{id}/resolve body.
// The /admin/metadata/test-sanitization body is a bare metadata map and
// binds without a named type.
type ResolveApprovalRequest struct {
	Resolution string `json:"resolution" validate:"required,oneof=approved denied"`
	Note       string `json:"note,omitempty"`
}

// Validate checks the request fields after binding.
func (r *ResolveApprovalRequest) Validate() error {
	return relayValidate.Struct(r)
}
