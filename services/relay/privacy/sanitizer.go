// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package privacy

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"math"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"
)

// =============================================================================
// SEC-010: Field Sensitivity Classification
// =============================================================================

// FieldClass is the sensitivity class assigned to a metadata field name.
type FieldClass int

const (
	// ClassHigh fields are removed outright.
	ClassHigh FieldClass = iota
	// ClassMedium fields are obfuscated.
	ClassMedium
	// ClassLow fields are kept but quantized.
	ClassLow
	// ClassUnknown fields are obfuscated, or removed when the aggregate
	// risk of the submission crosses the sanitization threshold.
	ClassUnknown
)

// String returns "high", "medium", "low", or "unknown".
func (c FieldClass) String() string {
	switch c {
	case ClassHigh:
		return "high"
	case ClassMedium:
		return "medium"
	case ClassLow:
		return "low"
	default:
		return "unknown"
	}
}

// Classification is by case-insensitive substring match against these sets,
// high before medium before low ("connection_type" is medium, not low "type").
var (
	highRiskFields = []string{
		"user_id", "username", "email", "phone", "device_id",
		"device_fingerprint", "ip_address", "mac_address", "location",
		"gps", "coordinates", "address", "browser_info", "user_agent",
		"session_id", "cookie", "token_raw", "timestamp_raw", "exact_time",
		"precise_location", "personal_info", "contact_info", "identity",
		"real_name", "social_security", "ssn", "passport", "credit_card",
		"bank_account", "financial_info", "medical_info", "biometric",
		"face_id", "fingerprint", "voice_print",
	}

	mediumRiskFields = []string{
		"timestamp", "time", "date", "created_at", "updated_at", "last_seen",
		"message_count", "frequency", "pattern", "behavior", "activity",
		"network_info", "connection_type", "bandwidth", "latency",
	}

	lowRiskFields = []string{
		"message_size", "padded_size", "ttl", "priority", "type", "category",
	}
)

func matchesAny(name string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(name, p) {
			return true
		}
	}
	return false
}

// ClassifyField returns the sensitivity class of a field name.
func ClassifyField(name string) FieldClass {
	lower := strings.ToLower(name)
	switch {
	case matchesAny(lower, highRiskFields):
		return ClassHigh
	case matchesAny(lower, mediumRiskFields):
		return ClassMedium
	case matchesAny(lower, lowRiskFields):
		return ClassLow
	default:
		return ClassUnknown
	}
}

// heuristicFieldRisk scores an unknown field by its value shape and name,
// capped at 1.0. Fires even when the field name matches nothing.
func heuristicFieldRisk(name string, value any) float64 {
	risk := 0.0

	switch v := value.(type) {
	case string:
		if v != "" && strings.ContainsFunc(v, unicode.IsDigit) {
			risk += 0.3
		}
		if strings.Contains(v, "@") {
			risk += 0.8
		} else if strings.Count(v, ".") >= 1 && len(strings.Split(v, ".")) >= 2 {
			risk += 0.6
		}
		if len(v) == 36 && strings.Count(v, "-") == 4 {
			risk += 0.5
		}
		if len(v) > 10 && digitHeavy(v) {
			risk += 0.2
		}
	default:
		if f, ok := asFloat(value); ok {
			if f > 1_000_000_000 && f < 2_000_000_000 {
				risk += 0.4
			}
		}
	}

	lower := strings.ToLower(name)
	for _, kw := range []string{"id", "key", "secret", "private", "personal", "user", "client"} {
		if strings.Contains(lower, kw) {
			risk += 0.3
			break
		}
	}

	return math.Min(1.0, risk)
}

func digitHeavy(s string) bool {
	digits := 0
	for _, r := range s {
		if unicode.IsDigit(r) {
			digits++
		}
	}
	return digits*2 > len(s)
}

// riskWeight is the per-field contribution to the aggregate risk score.
func riskWeight(name string, value any) float64 {
	switch ClassifyField(name) {
	case ClassHigh:
		return 0.8
	case ClassMedium:
		return 0.4
	case ClassLow:
		return 0.1
	default:
		h := heuristicFieldRisk(name, value)
		switch {
		case h > 0.7:
			return 0.8
		case h > 0.4:
			return 0.4
		default:
			return 0.1
		}
	}
}

// =============================================================================
// Sanitizer
// =============================================================================

// DefaultSanitizationThreshold is the aggregate risk above which unknown
// fields escalate from obfuscation to removal.
const DefaultSanitizationThreshold = 0.7

// patternWindow bounds the sliding history kept for stats and the leak
// detector's behavioral variance signal.
const patternWindow = 1000

// SanitizationReport describes what Sanitize did to one submission. It is the
// sole signal fed back into risk adjustment.
type SanitizationReport struct {
	OriginalFields      int      `json:"original_fields"`
	SanitizedFields     int      `json:"sanitized_fields"`
	RemovedFields       []string `json:"removed_fields"`
	ObfuscatedFields    []string `json:"obfuscated_fields"`
	QuantizedFields     []string `json:"quantized_fields"`
	RiskScore           float64  `json:"risk_score"`
	SanitizationApplied bool     `json:"sanitization_applied"`
	FinalRisk           float64  `json:"final_risk_score"`
}

type patternRecord struct {
	ts         time.Time
	fieldCount int
	riskScore  float64
}

// Sanitizer removes, obfuscates, and quantizes metadata fields by
// sensitivity class. Safe for concurrent use.
//
// # Thread Safety
//
// All methods are safe to call concurrently; a single mutex guards the
// pattern history and counters. The transforms themselves are pure.
type Sanitizer struct {
	mu        sync.Mutex
	threshold float64
	enabled   bool

	history   []patternRecord
	sanitized int64
	removed   int64
	riskSum   float64
}

// NewSanitizer creates a Sanitizer with the default escalation threshold.
func NewSanitizer() *Sanitizer {
	return &Sanitizer{threshold: DefaultSanitizationThreshold, enabled: true}
}

// NewSanitizerWithThreshold creates a Sanitizer with a custom escalation
// threshold in [0,1].
func NewSanitizerWithThreshold(threshold float64) *Sanitizer {
	return &Sanitizer{threshold: threshold, enabled: true}
}

// SetEnabled toggles sanitization. Disabled, Sanitize passes metadata
// through untouched and reports sanitization_applied=false.
func (s *Sanitizer) SetEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = enabled
}

// Sanitize classifies every field of metadata and applies the per-class
// action: high removed, medium obfuscated, low quantized, unknown obfuscated
// unless the aggregate risk exceeds the threshold, in which case unknown
// fields are removed too.
//
// # Description
//
// The returned map is freshly allocated; the input is never mutated.
// Sanitize is idempotent on its own output: removed fields stay removed,
// obfuscated strings carry the "obf_" marker and are not re-obfuscated,
// quantized values are fixed points of the quantization rules, and
// time-named numerics floor to the minute in every pass.
//
// # Inputs
//
//   - metadata: arbitrary key-value submission metadata. Numeric JSON values
//     arrive as float64; integral floats are treated as integers.
//
// # Outputs
//
//   - map[string]any: the sanitized metadata.
//   - SanitizationReport: what was removed, obfuscated, quantized, plus the
//     aggregate risk and the residual risk of the sanitized output.
//
// # Thread Safety
//
// Safe for concurrent use.
func (s *Sanitizer) Sanitize(metadata map[string]any) (map[string]any, SanitizationReport) {
	report := SanitizationReport{
		OriginalFields:   len(metadata),
		RemovedFields:    []string{},
		ObfuscatedFields: []string{},
		QuantizedFields:  []string{},
	}

	s.mu.Lock()
	enabled := s.enabled
	threshold := s.threshold
	s.mu.Unlock()

	if !enabled {
		out := make(map[string]any, len(metadata))
		for k, v := range metadata {
			out[k] = v
		}
		report.SanitizedFields = len(out)
		return out, report
	}

	aggregate := 0.0
	for name, value := range metadata {
		aggregate += riskWeight(name, value)
	}
	aggregate = math.Min(1.0, aggregate)
	report.RiskScore = aggregate

	sanitized := make(map[string]any, len(metadata))

	// Deterministic field order keeps reports stable for tests and logs.
	names := make([]string, 0, len(metadata))
	for name := range metadata {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		value := metadata[name]
		switch ClassifyField(name) {
		case ClassHigh:
			report.RemovedFields = append(report.RemovedFields, name)
			report.SanitizationApplied = true
		case ClassMedium:
			sanitized[name] = obfuscateValue(name, value)
			report.ObfuscatedFields = append(report.ObfuscatedFields, name)
			report.SanitizationApplied = true
		case ClassLow:
			sanitized[name] = quantizeValue(name, value)
			report.QuantizedFields = append(report.QuantizedFields, name)
		default:
			if aggregate > threshold {
				report.RemovedFields = append(report.RemovedFields, name)
				report.SanitizationApplied = true
			} else {
				sanitized[name] = obfuscateValue(name, value)
				report.ObfuscatedFields = append(report.ObfuscatedFields, name)
				report.SanitizationApplied = true
			}
		}
	}

	report.SanitizedFields = len(sanitized)
	report.FinalRisk = finalRisk(sanitized)

	s.recordPattern(len(metadata), aggregate, len(report.RemovedFields))

	return sanitized, report
}

// finalRisk is the residual risk of the sanitized output: the mean over
// remaining fields of 0.8 for high-named, 0.3 for medium-named, 0.1 else.
func finalRisk(sanitized map[string]any) float64 {
	if len(sanitized) == 0 {
		return 0.0
	}
	risk := 0.0
	for name := range sanitized {
		switch ClassifyField(name) {
		case ClassHigh:
			risk += 0.8
		case ClassMedium:
			risk += 0.3
		default:
			risk += 0.1
		}
	}
	return math.Min(1.0, risk/float64(len(sanitized)))
}

func (s *Sanitizer) recordPattern(fieldCount int, risk float64, removed int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, patternRecord{ts: time.Now(), fieldCount: fieldCount, riskScore: risk})
	if len(s.history) > patternWindow {
		s.history = s.history[len(s.history)-patternWindow:]
	}
	s.sanitized++
	s.removed += int64(removed)
	s.riskSum += risk
}

// RecentFieldCounts returns the field counts of the most recent n
// submissions, newest last. The leak detector uses the last 10 for its
// behavioral variance signal.
func (s *Sanitizer) RecentFieldCounts(n int) []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n > len(s.history) {
		n = len(s.history)
	}
	counts := make([]int, 0, n)
	for _, rec := range s.history[len(s.history)-n:] {
		counts = append(counts, rec.fieldCount)
	}
	return counts
}

// Stats reports sanitizer counters for the admin surface.
func (s *Sanitizer) Stats() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	avg := 0.0
	if s.sanitized > 0 {
		avg = s.riskSum / float64(s.sanitized)
	}
	return map[string]any{
		"submissions_sanitized": s.sanitized,
		"fields_removed":        s.removed,
		"avg_risk_score":        avg,
		"pattern_window":        len(s.history),
		"threshold":             s.threshold,
		"enabled":               s.enabled,
	}
}

// =============================================================================
// Value Transforms
// =============================================================================

// timeNamed reports whether a field name denotes a point in time, which
// routes its numeric value to minute flooring in every transform path.
func timeNamed(name string) bool {
	lower := strings.ToLower(name)
	return strings.Contains(lower, "time") ||
		strings.Contains(lower, "date") ||
		strings.HasSuffix(lower, "_at") ||
		strings.Contains(lower, "last_seen")
}

// obfuscateValue hides a value while keeping its shape. Strings become
// "obf_" plus the first 8 hex of SHA-256(field ":" value); integers move to
// a per-field anchor within [-5,5) of the original; floats to a two-decimal
// anchor within (-0.1,0.1); booleans pass through. Time-named numerics floor
// to the minute instead. Every branch is a fixed point of itself, so
// sanitizing sanitized output changes nothing.
func obfuscateValue(field string, value any) any {
	switch v := value.(type) {
	case bool:
		return v
	case string:
		if v == "" || strings.HasPrefix(v, "obf_") {
			return v
		}
		sum := sha256.Sum256([]byte(field + ":" + v))
		return "obf_" + hex.EncodeToString(sum[:])[:8]
	}

	f, ok := asFloat(value)
	if !ok {
		return value
	}

	if timeNamed(field) {
		return floorTo(int64(f), 60)
	}

	if isIntegral(value) {
		return floorTo(int64(f), 5) + noiseInt(field)
	}
	// Anchoring in integer centi-units sidesteps float rounding: re-anchoring
	// the output recovers the same centi count, so the result is stable.
	c := floorTo(int64(math.Round(f*100)), 10) + noiseCenti(field)
	return float64(c) / 100
}

// quantizeValue reduces precision. Time-named numerics floor to the minute;
// other integers floor to the nearest 10; floats round to 2 decimals;
// strings bucket by length into "short" (≤5), "medium" (≤20), or "long".
func quantizeValue(field string, value any) any {
	switch v := value.(type) {
	case bool:
		return v
	case string:
		switch v {
		case "short", "medium", "long":
			return v
		}
		switch {
		case len(v) <= 5:
			return "short"
		case len(v) <= 20:
			return "medium"
		default:
			return "long"
		}
	}

	f, ok := asFloat(value)
	if !ok {
		return value
	}

	if timeNamed(field) {
		return floorTo(int64(f), 60)
	}
	if isIntegral(value) {
		return floorTo(int64(f), 10)
	}
	return round2(f)
}

// noiseInt derives a stable per-field offset in [0,5). Combined with the
// floor-to-5 anchor, obfuscated integers land within [-5,5) of the original
// and re-obfuscation reproduces the same anchor.
func noiseInt(field string) int64 {
	sum := sha256.Sum256([]byte("noise:" + field))
	return int64(sum[0] % 5)
}

// noiseCenti derives a stable per-field offset in hundredths, in [0,10).
// The float analog of noiseInt: anchored floats land within (-0.1,0.1) of
// the original value.
func noiseCenti(field string) int64 {
	sum := sha256.Sum256([]byte("noise:" + field))
	u := binary.BigEndian.Uint64(sum[:8])
	return int64(u % 10)
}

// floorTo floors n to the nearest multiple of step, toward negative
// infinity (Go integer division truncates toward zero).
func floorTo(n, step int64) int64 {
	q := n / step
	if n%step != 0 && n < 0 {
		q--
	}
	return q * step
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}

// asFloat widens any numeric value to float64.
func asFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint64:
		return float64(v), true
	case float32:
		return float64(v), true
	case float64:
		return v, true
	default:
		return 0, false
	}
}

// isIntegral reports whether a numeric value carries integer semantics.
// JSON decoding yields float64 for every number, so integral floats count.
func isIntegral(value any) bool {
	switch v := value.(type) {
	case int, int32, int64, uint, uint64:
		return true
	case float32:
		return float64(v) == math.Trunc(float64(v))
	case float64:
		return v == math.Trunc(v)
	default:
		return false
	}
}
