// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ml

import (
	"math/rand"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// =============================================================================
// SEC-067: Robust Training Helpers
// =============================================================================

// Robust-retrain shape constants. The synthetic vectors model a flooding
// adversary: oversized payloads, near-zero intervals, wide fan-out, and a
// device change on every message.
const (
	robustTrimLow  = 0.01
	robustTrimHigh = 0.99

	robustContaminationCap = 0.1

	advSizeLow      = 5000
	advSizeHigh     = 20000
	advIntervalHigh = 0.5
	advDestLow      = 5
	advDestHigh     = 20

	minAdversarial = 200
)

// adversarialCount sizes the synthetic batch at 30% of the normal sample,
// floored at minAdversarial so small buffers still see a meaningful
// adversarial class.
func adversarialCount(normal int) int {
	n := (3 * normal) / 10
	if n < minAdversarial {
		n = minAdversarial
	}
	return n
}

// syntheticAdversarial draws n adversarial observation vectors from rng.
func syntheticAdversarial(n int, rng *rand.Rand) [][]float64 {
	out := make([][]float64, n)
	for i := range out {
		out[i] = []float64{
			advSizeLow + rng.Float64()*(advSizeHigh-advSizeLow),
			rng.Float64() * advIntervalHigh,
			float64(advDestLow + rng.Intn(advDestHigh-advDestLow)),
			1,
		}
	}
	return out
}

// trimExtremes clips every feature to its [lowQ, highQ] quantile range,
// returning a fresh matrix. Trimming before fitting keeps a few wild
// outliers from stretching the scaler.
func trimExtremes(x [][]float64, lowQ, highQ float64) [][]float64 {
	if len(x) == 0 {
		return x
	}
	dim := matrixDim(x)
	lower := make([]float64, dim)
	upper := make([]float64, dim)
	for j := 0; j < dim; j++ {
		col := column(x, j)
		sort.Float64s(col)
		lower[j] = stat.Quantile(lowQ, stat.LinInterp, col, nil)
		upper[j] = stat.Quantile(highQ, stat.LinInterp, col, nil)
	}

	out := make([][]float64, len(x))
	for i, row := range x {
		clipped := make([]float64, dim)
		for j, v := range row {
			switch {
			case v < lower[j]:
				clipped[j] = lower[j]
			case v > upper[j]:
				clipped[j] = upper[j]
			default:
				clipped[j] = v
			}
		}
		out[i] = clipped
	}
	return out
}

// robustContamination matches the calibration fraction to the adversarial
// share of the combined training set, capped so the forest never writes off
// more than 10% of its input as noise.
func robustContamination(adversarial, total int) float64 {
	if total == 0 {
		return robustContaminationCap
	}
	c := float64(adversarial) / float64(total)
	if c > robustContaminationCap {
		return robustContaminationCap
	}
	return c
}
