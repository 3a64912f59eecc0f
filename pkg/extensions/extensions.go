// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package extensions defines interfaces for enterprise functionality.
//
// This package provides extension points that allow AleutianEnterprise
// to add capabilities without modifying the core AleutianRelay codebase.
// The open source version uses no-op defaults for all interfaces.
//
// # Design Philosophy
//
// AleutianRelay is designed as a fully functional relay that works
// without any external compliance infrastructure. Enterprise features
// are implemented by providing concrete implementations of these
// interfaces and injecting them via ServiceOptions.
//
// # Usage in AleutianRelay (Open Source)
//
// The open source version uses no-op implementations:
//
//	opts := extensions.DefaultOptions()
//	service, err := relay.New(cfg, logger, &opts)
//
// # Usage in AleutianEnterprise
//
// Enterprise provides concrete implementations:
//
//	opts := extensions.ServiceOptions{
//	    AuditMirror: enterprise.NewSplunkMirror(config),
//	}
//	service, err := relay.New(cfg, logger, &opts)
//
// # Thread Safety
//
// All interface implementations must be safe for concurrent use.
// Multiple goroutines may call methods simultaneously.
package extensions

// ServiceOptions groups all extension points for service configuration.
//
// Pass this to service constructors to enable enterprise features.
// All fields are optional; nil values are replaced with no-op defaults
// when DefaultOptions() is called or when services check for nil.
type ServiceOptions struct {
	// AuditMirror receives a copy of every audit record for external
	// compliance collection.
	// Default: NopAuditMirror (discards all records)
	AuditMirror AuditMirror
}

// DefaultOptions returns ServiceOptions with no-op defaults.
//
// This is the configuration used by the open source version. Audit
// records stay in the local tamper-evident trails only.
func DefaultOptions() ServiceOptions {
	return ServiceOptions{
		AuditMirror: &NopAuditMirror{},
	}
}

// WithAuditMirror returns a copy of opts with the given AuditMirror.
// Useful for fluent configuration.
func (o ServiceOptions) WithAuditMirror(m AuditMirror) ServiceOptions {
	o.AuditMirror = m
	return o
}
