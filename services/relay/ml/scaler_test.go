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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStandardScaler_KnownValues(t *testing.T) {
	x := [][]float64{
		{2, 5, 10, 0},
		{4, 5, 20, 0},
		{6, 5, 30, 0},
	}
	s := fitStandardScaler(x)

	require.Len(t, s.Mean, 4)
	assert.InDelta(t, 4.0, s.Mean[0], 1e-12)
	assert.InDelta(t, 2.0, s.Std[0], 1e-12)
	assert.InDelta(t, 10.0, s.Std[2], 1e-12)

	// Constant columns scale by 1, not 0.
	assert.Equal(t, 1.0, s.Std[1])
	assert.Equal(t, 1.0, s.Std[3])

	got := s.Transform([]float64{6, 5, 30, 0})
	assert.InDelta(t, 1.0, got[0], 1e-12)
	assert.InDelta(t, 0.0, got[1], 1e-12)
	assert.InDelta(t, 1.0, got[2], 1e-12)
	assert.InDelta(t, 0.0, got[3], 1e-12)
}

func TestStandardScaler_TransformAllCentersData(t *testing.T) {
	x := [][]float64{
		{1, 100, 3, 0},
		{2, 200, 6, 1},
		{3, 300, 9, 0},
		{4, 400, 12, 1},
	}
	s := fitStandardScaler(x)
	scaled := s.TransformAll(x)
	require.Len(t, scaled, len(x))

	for j := 0; j < 4; j++ {
		var sum float64
		for i := range scaled {
			sum += scaled[i][j]
		}
		assert.InDelta(t, 0.0, sum/float64(len(scaled)), 1e-9, "column %d not centered", j)
	}
}

func TestRobustScaler_KnownValues(t *testing.T) {
	x := [][]float64{
		{1, 7, 10, 0},
		{2, 7, 20, 0},
		{3, 7, 30, 0},
		{4, 7, 40, 0},
		{5, 7, 50, 0},
	}
	s := fitRobustScaler(x)

	require.Len(t, s.Median, 4)
	assert.InDelta(t, 3.0, s.Median[0], 1e-12)
	assert.InDelta(t, 2.0, s.IQR[0], 1e-12)
	assert.InDelta(t, 30.0, s.Median[2], 1e-12)
	assert.InDelta(t, 20.0, s.IQR[2], 1e-12)

	// Constant columns fall back to unit IQR.
	assert.Equal(t, 1.0, s.IQR[1])
	assert.Equal(t, 1.0, s.IQR[3])

	got := s.Transform([]float64{5, 7, 50, 0})
	assert.InDelta(t, 1.0, got[0], 1e-12)
	assert.InDelta(t, 0.0, got[1], 1e-12)
	assert.InDelta(t, 1.0, got[2], 1e-12)

	low := s.Transform([]float64{1, 7, 10, 0})
	assert.InDelta(t, -1.0, low[0], 1e-12)
}

// An extreme outlier shifts a standard scaler's mean but barely moves the
// robust scaler's median, which is why the outlier view scales robustly.
func TestRobustScaler_ResistsOutliers(t *testing.T) {
	x := [][]float64{
		{1, 0, 0, 0},
		{2, 0, 0, 0},
		{3, 0, 0, 0},
		{4, 0, 0, 0},
		{100000, 0, 0, 0},
	}
	robust := fitRobustScaler(x)
	standard := fitStandardScaler(x)

	assert.InDelta(t, 3.0, robust.Median[0], 1e-12)
	assert.Greater(t, standard.Mean[0], 1000.0)
}
