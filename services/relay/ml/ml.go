// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ml provides the anomaly-scoring engines behind relay policy
// decisions.
//
// Every submission is reduced to a four-feature observation vector
// [padded_size, interval, dest_count, device_change_flag] and scored on a
// 0..100 scale where higher means safer. Two interchangeable engines
// implement that contract:
//
//   - Scorer: a single isolation forest over standard-scaled features,
//     retrained periodically from a ring buffer of recent observations.
//   - Ensemble: three model views (outlier, supervised, clusterer) combined
//     by weighted consensus.
//
// Both degrade gracefully: an untrained Scorer falls back to a deterministic
// heuristic, an untrained Ensemble reports the neutral risk 50. Training
// never blocks scoring; retrainers fit on a buffer snapshot and swap the
// finished model in atomically.
package ml

import (
	"errors"
	"math"
)

// =============================================================================
// SEC-060: Observation Vectors
// =============================================================================

// VectorDim is the arity of every observation vector.
const VectorDim = 4

// Feature indices into an observation vector.
const (
	// FeaturePaddedSize is the on-wire message size in bytes after padding.
	FeaturePaddedSize = iota
	// FeatureInterval is the seconds elapsed since the sender's previous
	// submission.
	FeatureInterval
	// FeatureDestCount is the number of destinations addressed.
	FeatureDestCount
	// FeatureDeviceChange is 1 when the sender's device fingerprint changed,
	// 0 otherwise.
	FeatureDeviceChange
)

var (
	// ErrVectorArity rejects observation vectors that are not exactly
	// VectorDim wide.
	ErrVectorArity = errors.New("ml: observation vector must have exactly 4 features")
	// ErrVectorNotFinite rejects vectors containing NaN or infinities.
	ErrVectorNotFinite = errors.New("ml: observation vector must be finite")
	// ErrNotEnoughData means the buffer holds fewer samples than the
	// training minimum. Not a failure; retry after more traffic.
	ErrNotEnoughData = errors.New("ml: not enough buffered observations to train")
)

// ValidateVector checks arity and finiteness. Every ingestion path calls
// this before a vector reaches the buffer or a model.
func ValidateVector(vector []float64) error {
	if len(vector) != VectorDim {
		return ErrVectorArity
	}
	for _, v := range vector {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return ErrVectorNotFinite
		}
	}
	return nil
}

// Engine is the scoring contract the decision pipeline depends on. Scorer
// and Ensemble both satisfy it; the service container picks one by config.
type Engine interface {
	// Observe buffers one observation for future training. The token hash
	// tags the optional disk mirror; it never influences scoring.
	Observe(tokenHash string, vector []float64) error

	// Score maps a vector to risk in [0,100], higher = safer. Pure: it
	// mutates neither buffer nor model state.
	Score(vector []float64) int

	// ForceRetrain trains a fresh model from the current buffer. Returns
	// (false, ErrNotEnoughData) below the training minimum.
	ForceRetrain() (bool, error)

	// Health reports engine status for the admin surface.
	Health() map[string]any

	// Start launches the background retrain loop.
	Start()

	// Stop halts the retrain loop, waits for it, and releases any mirror
	// file handle.
	Stop()
}

// =============================================================================
// SEC-061: Heuristic Fallback
// =============================================================================

// Heuristic thresholds. Sizes are bytes, intervals seconds.
const (
	heuristicBase = 70

	sizeHugeBytes  = 50 * 1024
	sizeLargeBytes = 10 * 1024
	sizeNotedBytes = 2 * 1024

	intervalRapid = 1.0
	intervalBrisk = 5.0

	destFanoutHigh = 10
	destFanoutLow  = 3
)

// HeuristicScore is the deterministic fallback used while no model is
// trained. It starts at 70 and subtracts penalties for oversized payloads,
// rapid-fire submission, wide fan-out, and device changes, clamping the
// result to [0,100]. Side-effect free.
func HeuristicScore(vector []float64) int {
	var paddedSize, interval, deviceChange float64
	destCount := 1.0
	if len(vector) > FeaturePaddedSize {
		paddedSize = vector[FeaturePaddedSize]
	}
	if len(vector) > FeatureInterval {
		interval = vector[FeatureInterval]
	}
	if len(vector) > FeatureDestCount {
		destCount = vector[FeatureDestCount]
	}
	if len(vector) > FeatureDeviceChange {
		deviceChange = vector[FeatureDeviceChange]
	}

	score := heuristicBase

	switch {
	case paddedSize > sizeHugeBytes:
		score -= 35
	case paddedSize > sizeLargeBytes:
		score -= 20
	case paddedSize > sizeNotedBytes:
		score -= 10
	}

	switch {
	case interval < intervalRapid:
		score -= 30
	case interval < intervalBrisk:
		score -= 10
	}

	switch {
	case destCount >= destFanoutHigh:
		score -= 30
	case destCount >= destFanoutLow:
		score -= 12
	}

	if deviceChange != 0 {
		score -= 30
	}

	return clampRisk(score)
}

// clampRisk bounds a risk score to [0,100].
func clampRisk(risk int) int {
	if risk < 0 {
		return 0
	}
	if risk > 100 {
		return 100
	}
	return risk
}

// decisionToRisk maps a model decision value (higher = more normal, typical
// range around [-0.5, 0.5]) onto the 0..100 risk scale.
func decisionToRisk(decision float64) int {
	return clampRisk(int(math.Round(50 + 50*decision)))
}
