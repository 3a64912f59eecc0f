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
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/AleutianAI/AleutianRelay/pkg/logging"
)

func testLogger() *logging.Logger {
	return logging.New(logging.Config{Quiet: true})
}

func TestValidateVector(t *testing.T) {
	assert.NoError(t, ValidateVector([]float64{512, 60, 1, 0}))

	assert.ErrorIs(t, ValidateVector(nil), ErrVectorArity)
	assert.ErrorIs(t, ValidateVector([]float64{1, 2, 3}), ErrVectorArity)
	assert.ErrorIs(t, ValidateVector([]float64{1, 2, 3, 4, 5}), ErrVectorArity)

	assert.ErrorIs(t, ValidateVector([]float64{math.NaN(), 60, 1, 0}), ErrVectorNotFinite)
	assert.ErrorIs(t, ValidateVector([]float64{512, math.Inf(1), 1, 0}), ErrVectorNotFinite)
	assert.ErrorIs(t, ValidateVector([]float64{512, 60, math.Inf(-1), 0}), ErrVectorNotFinite)
}

func TestHeuristicScore(t *testing.T) {
	tests := []struct {
		name   string
		vector []float64
		want   int
	}{
		{"benign", []float64{512, 60, 1, 0}, 70},
		{"huge payload", []float64{60000, 60, 1, 0}, 35},
		{"large payload", []float64{20480, 60, 1, 0}, 50},
		{"noted payload", []float64{4096, 60, 1, 0}, 60},
		// Size thresholds are strict: exactly 2 KiB draws no penalty.
		{"payload at 2KiB boundary", []float64{2048, 60, 1, 0}, 70},
		{"payload just over 2KiB", []float64{2049, 60, 1, 0}, 60},
		{"rapid fire", []float64{512, 0.5, 1, 0}, 40},
		{"brisk", []float64{512, 3, 1, 0}, 60},
		{"wide fanout", []float64{512, 60, 10, 0}, 40},
		{"moderate fanout", []float64{512, 60, 3, 0}, 58},
		{"device change", []float64{512, 60, 1, 1}, 40},
		// Penalties stack and the floor is 0: 70-30-12-30 would be -2.
		{"stacked rapid fanout device", []float64{2048, 0.5, 3, 1}, 0},
		{"worst case", []float64{60000, 0.5, 10, 1}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HeuristicScore(tt.vector))
		})
	}
}

func TestClampRisk(t *testing.T) {
	assert.Equal(t, 0, clampRisk(-5))
	assert.Equal(t, 0, clampRisk(0))
	assert.Equal(t, 55, clampRisk(55))
	assert.Equal(t, 100, clampRisk(100))
	assert.Equal(t, 100, clampRisk(140))
}

func TestDecisionToRisk(t *testing.T) {
	assert.Equal(t, 50, decisionToRisk(0))
	assert.Equal(t, 75, decisionToRisk(0.5))
	assert.Equal(t, 25, decisionToRisk(-0.5))
	assert.Equal(t, 100, decisionToRisk(1))
	assert.Equal(t, 0, decisionToRisk(-1))
	// Decisions beyond the usual range still clamp.
	assert.Equal(t, 100, decisionToRisk(3))
	assert.Equal(t, 0, decisionToRisk(-3))
}
