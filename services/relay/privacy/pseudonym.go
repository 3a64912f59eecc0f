// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package privacy implements metadata sanitization, leak detection, and
// pseudonymization for relay submissions.
//
// Raw identifiers (tokens, user ids, client addresses) must never reach the
// logs, the audit trail, or the observation buffer. This package supplies the
// one-way transforms everything else builds on: short pseudonyms for log
// correlation, keyed hashes for the ML buffer mirror, field-level
// sanitization, and leak-type classification.
package privacy

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// pseudonym returns the first 12 hex chars of SHA-256 over
// "<kind>:<value>:pseudonym". Stable across restarts, unkeyed, and safe to
// log; correlation is possible but inversion is not.
func pseudonym(kind, value string) string {
	if value == "" {
		return "null"
	}
	sum := sha256.Sum256([]byte(kind + ":" + value + ":pseudonym"))
	return hex.EncodeToString(sum[:])[:12]
}

// TokenPseudonym returns a loggable pseudonym for a capability token.
func TokenPseudonym(token string) string {
	return pseudonym("token", token)
}

// UserPseudonym returns a loggable pseudonym for a user identifier.
func UserPseudonym(user string) string {
	return pseudonym("user", user)
}

// IPPseudonym returns a loggable pseudonym for a client address.
func IPPseudonym(ip string) string {
	return pseudonym("ip", ip)
}

// HashToken computes HMAC-SHA-256 over the token under the configured
// feature key and returns the full hex digest. Unlike the pseudonyms above,
// the output is keyed: without the key, offline dictionary attacks against
// short tokens do not work. Used for buffer mirror records and shadow logs.
func HashToken(key []byte, token string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(token))
	return hex.EncodeToString(mac.Sum(nil))
}

// IdentifierHash returns the first 16 hex chars of SHA-256 over value. This
// is the opaque form raw identifiers take in audit records: long enough to
// correlate, too short to be worth inverting, and unkeyed so records stay
// verifiable across restarts.
func IdentifierHash(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])[:16]
}
