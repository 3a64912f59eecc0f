// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extensions

import (
	"context"
)

// AuditMirror forwards audit records to an external compliance collector.
//
// # Description
//
// The relay writes every audit record to its local tamper-evident trails;
// a mirror additionally receives each record for SIEM ingestion, long-term
// retention, or alerting. Records arrive already sanitized: raw identifiers
// (token, user_id, client_ip, device_id) have been replaced by their
// *_hash forms and non-whitelisted fields dropped, so a mirror never sees
// data the local trail would not hold.
//
// # Delivery Semantics
//
// Mirroring is best-effort. A failing mirror is logged and never blocks or
// fails the request path, and records emitted while the mirror is slow may
// be dropped. Implementations that need stronger guarantees should buffer
// internally and reconcile from the local trail files.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type AuditMirror interface {
	// Mirror receives one sanitized audit record.
	//
	// The record map must not be mutated. Implementations should return
	// quickly; slow delivery belongs in an internal queue.
	Mirror(ctx context.Context, record map[string]any) error

	// Flush blocks until internally buffered records are delivered or the
	// context expires. Called once during service shutdown.
	Flush(ctx context.Context) error
}

// NopAuditMirror discards every record. This is the open source default.
type NopAuditMirror struct{}

func (m *NopAuditMirror) Mirror(ctx context.Context, record map[string]any) error { return nil }
func (m *NopAuditMirror) Flush(ctx context.Context) error                         { return nil }
