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
	"fmt"
	"math"
	"strings"
	"sync"
	"unicode"
)

// =============================================================================
// SEC-011: Metadata Leak Detection
// =============================================================================

// Scorer is the narrow seam through which an anomaly scorer is injected.
// Higher scores denote safer submissions (100 benign, 0 hostile). The leak
// detector depends on this interface only; the scorer never depends back.
type Scorer interface {
	Score(vector []float64) int
}

// DefaultDetectionThreshold is the leak risk above which leak_detected fires
// even without a named leak type.
const DefaultDetectionThreshold = 0.6

// behavioralWindow is the sliding window of submission field counts used for
// the variance signal.
const behavioralWindow = 10

// LeakResult is the outcome of one Detect call.
type LeakResult struct {
	LeakDetected    bool     `json:"leak_detected"`
	RiskScore       float64  `json:"risk_score"`
	Confidence      float64  `json:"confidence"`
	LeakTypes       []string `json:"leak_types"`
	Recommendations []string `json:"recommendations"`
	Status          string   `json:"status"`
}

// Leak-type dictionaries, matched by case-insensitive field-name substring.
var leakTypeFields = []struct {
	leakType string
	patterns []string
}{
	{"identity_leak", []string{"user_id", "username", "email", "name", "personal_id"}},
	{"location_leak", []string{"location", "gps", "coordinates", "address", "city", "country"}},
	{"device_leak", []string{"device_id", "device_fingerprint", "mac_address", "serial_number"}},
	{"network_leak", []string{"ip_address", "network_info", "connection_type", "bandwidth"}},
	{"temporal_leak", []string{"timestamp", "exact_time", "precise_time", "created_at"}},
}

// suspiciousCombos raise the heuristic risk when both fields appear
// together in one submission.
var suspiciousCombos = [][2]string{
	{"user_id", "location"},
	{"device_id", "ip_address"},
	{"email", "phone"},
	{"timestamp", "exact_location"},
}

// LeakDetector classifies metadata submissions into leak types and scores
// them. With a Scorer injected, the risk is derived from the anomaly score;
// otherwise a field heuristic applies. Safe for concurrent use.
type LeakDetector struct {
	mu        sync.Mutex
	threshold float64
	enabled   bool
	scorer    Scorer

	fieldCounts []int
	checks      int64
	detections  int64
	typeCounts  map[string]int64
}

// NewLeakDetector creates a LeakDetector with the default threshold. scorer
// may be nil; detection then falls back to the heuristic path.
func NewLeakDetector(scorer Scorer) *LeakDetector {
	return &LeakDetector{
		threshold:  DefaultDetectionThreshold,
		enabled:    true,
		scorer:     scorer,
		typeCounts: make(map[string]int64),
	}
}

// SetThreshold replaces the detection threshold.
func (d *LeakDetector) SetThreshold(threshold float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.threshold = threshold
}

// SetEnabled toggles detection. Disabled, Detect reports status "disabled"
// and no leak.
func (d *LeakDetector) SetEnabled(enabled bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.enabled = enabled
}

// Detect analyzes one metadata submission.
//
// leak_detected is true when the risk crosses the threshold or any leak type
// fires. A behavioral_leak additionally fires when the submission has more
// than 15 fields or the field counts of the last 10 submissions show sample
// variance above 5.
func (d *LeakDetector) Detect(metadata map[string]any) LeakResult {
	d.mu.Lock()
	if !d.enabled {
		d.mu.Unlock()
		return LeakResult{
			LeakTypes:       []string{},
			Recommendations: []string{},
			Status:          "disabled",
		}
	}

	d.fieldCounts = append(d.fieldCounts, len(metadata))
	if len(d.fieldCounts) > behavioralWindow {
		d.fieldCounts = d.fieldCounts[len(d.fieldCounts)-behavioralWindow:]
	}
	variance := sampleVariance(d.fieldCounts)
	scorer := d.scorer
	threshold := d.threshold
	d.checks++
	d.mu.Unlock()

	result := LeakResult{Status: "analyzed", Recommendations: []string{}}

	if scorer != nil {
		score := scorer.Score(VectorFromMetadata(metadata))
		result.RiskScore = clamp01(1.0 - float64(score)/100.0)
		result.Confidence = 0.8
	} else {
		result.RiskScore = heuristicLeakRisk(metadata)
		result.Confidence = 0.6
	}

	result.LeakTypes = detectLeakTypes(metadata, variance)
	result.LeakDetected = result.RiskScore > threshold || len(result.LeakTypes) > 0
	result.Recommendations = leakRecommendations(result.LeakTypes, result.RiskScore)

	d.mu.Lock()
	if result.LeakDetected {
		d.detections++
	}
	for _, lt := range result.LeakTypes {
		d.typeCounts[lt]++
	}
	d.mu.Unlock()

	return result
}

// Stats reports detector counters for the admin surface.
func (d *LeakDetector) Stats() map[string]any {
	d.mu.Lock()
	defer d.mu.Unlock()
	types := make(map[string]int64, len(d.typeCounts))
	for k, v := range d.typeCounts {
		types[k] = v
	}
	return map[string]any{
		"checks":          d.checks,
		"leaks_detected":  d.detections,
		"leak_types":      types,
		"threshold":       d.threshold,
		"enabled":         d.enabled,
		"scorer_attached": d.scorer != nil,
	}
}

func detectLeakTypes(metadata map[string]any, fieldCountVariance float64) []string {
	types := []string{}
	for _, entry := range leakTypeFields {
		for name := range metadata {
			if matchesAny(strings.ToLower(name), entry.patterns) {
				types = append(types, entry.leakType)
				break
			}
		}
	}
	if len(metadata) > 15 || fieldCountVariance > 5 {
		types = append(types, "behavioral_leak")
	}
	return types
}

// heuristicLeakRisk scores a submission without an anomaly scorer: field
// volume, sensitive names, and value shapes each add weight, capped at 1.0.
func heuristicLeakRisk(metadata map[string]any) float64 {
	risk := 0.0

	switch {
	case len(metadata) > 10:
		risk += 0.3
	case len(metadata) > 5:
		risk += 0.1
	}

	sensitive := []string{
		"user_id", "device_id", "ip_address", "location", "gps", "coordinates",
		"email", "phone", "personal", "private", "secret", "password",
	}

	for name, value := range metadata {
		if matchesAny(strings.ToLower(name), sensitive) {
			risk += 0.4
		}
		if s, ok := value.(string); ok {
			switch {
			case strings.Contains(s, "@"):
				risk += 0.3
			case len(s) > 50:
				risk += 0.2
			case len(s) > 10 && strings.ContainsFunc(s, unicode.IsDigit):
				risk += 0.2
			}
		}
	}

	for _, combo := range suspiciousCombos {
		if hasFieldLike(metadata, combo[0]) && hasFieldLike(metadata, combo[1]) {
			risk += 0.5
			break
		}
	}

	return clamp01(risk)
}

func hasFieldLike(metadata map[string]any, pattern string) bool {
	for name := range metadata {
		if strings.Contains(strings.ToLower(name), pattern) {
			return true
		}
	}
	return false
}

func leakRecommendations(leakTypes []string, risk float64) []string {
	recs := []string{}
	for _, lt := range leakTypes {
		switch lt {
		case "identity_leak":
			recs = append(recs, "remove or pseudonymize identity fields")
		case "location_leak":
			recs = append(recs, "strip location fields or quantize coordinates")
		case "device_leak":
			recs = append(recs, "drop device identifiers")
		case "network_leak":
			recs = append(recs, "drop network addressing fields")
		case "temporal_leak":
			recs = append(recs, "quantize timestamps to the minute")
		case "behavioral_leak":
			recs = append(recs, "reduce metadata field count and variance")
		}
	}
	if risk > 0.8 {
		recs = append(recs, "high leak risk: apply maximum sanitization")
	}
	return recs
}

// sampleVariance returns the unbiased sample variance of counts; fewer than
// two samples yield 0.
func sampleVariance(counts []int) float64 {
	n := len(counts)
	if n < 2 {
		return 0
	}
	mean := 0.0
	for _, c := range counts {
		mean += float64(c)
	}
	mean /= float64(n)
	ss := 0.0
	for _, c := range counts {
		diff := float64(c) - mean
		ss += diff * diff
	}
	return ss / float64(n-1)
}

func clamp01(f float64) float64 {
	return math.Max(0, math.Min(1, f))
}

// =============================================================================
// Feature Extraction
// =============================================================================

// VectorFromMetadata builds the 4-feature observation vector
// [padded_size, interval, dest_count, device_change] shared by the decision
// pipeline and the leak detector. Absent fields default to 0 except
// dest_count, which defaults to 1.
func VectorFromMetadata(metadata map[string]any) []float64 {
	paddedSize := numericField(metadata, "padded_size", 0)
	if paddedSize == 0 {
		paddedSize = numericField(metadata, "message_size", 0)
	}
	interval := numericField(metadata, "interval", 0)
	destCount := numericField(metadata, "dest_count", 1)
	deviceChange := 0.0
	if boolField(metadata, "new_device") || boolField(metadata, "device_change") {
		deviceChange = 1
	}
	return []float64{paddedSize, interval, destCount, deviceChange}
}

func numericField(metadata map[string]any, name string, fallback float64) float64 {
	v, present := metadata[name]
	if !present {
		return fallback
	}
	if f, ok := asFloat(v); ok {
		return f
	}
	if s, ok := v.(string); ok {
		var f float64
		if _, err := fmt.Sscanf(s, "%g", &f); err == nil {
			return f
		}
	}
	return fallback
}

func boolField(metadata map[string]any, name string) bool {
	switch v := metadata[name].(type) {
	case bool:
		return v
	case string:
		return v == "true" || v == "1"
	default:
		if f, ok := asFloat(v); ok {
			return f != 0
		}
	}
	return false
}
