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
	"sort"

	"gonum.org/v1/gonum/stat"
)

// =============================================================================
// SEC-063: Feature Scalers
// =============================================================================

// StandardScaler centers each feature on its mean and divides by its
// standard deviation. Exported fields serialize with the model snapshot.
type StandardScaler struct {
	Mean []float64 `json:"mean"`
	Std  []float64 `json:"std"`
}

// fitStandardScaler computes per-feature mean and standard deviation over
// the training matrix. Zero-variance features scale by 1 so constant
// columns pass through centered.
func fitStandardScaler(x [][]float64) *StandardScaler {
	dim := matrixDim(x)
	s := &StandardScaler{
		Mean: make([]float64, dim),
		Std:  make([]float64, dim),
	}
	for j := 0; j < dim; j++ {
		col := column(x, j)
		s.Mean[j] = stat.Mean(col, nil)
		s.Std[j] = stat.StdDev(col, nil)
		if s.Std[j] == 0 {
			s.Std[j] = 1
		}
	}
	return s
}

// Transform returns the scaled copy of one vector.
func (s *StandardScaler) Transform(vector []float64) []float64 {
	out := make([]float64, len(vector))
	for j, v := range vector {
		out[j] = (v - s.Mean[j]) / s.Std[j]
	}
	return out
}

// TransformAll scales every row of a matrix.
func (s *StandardScaler) TransformAll(x [][]float64) [][]float64 {
	out := make([][]float64, len(x))
	for i, row := range x {
		out[i] = s.Transform(row)
	}
	return out
}

// RobustScaler centers each feature on its median and divides by its
// interquartile range, which keeps a handful of extreme observations from
// dominating the scale.
type RobustScaler struct {
	Median []float64 `json:"median"`
	IQR    []float64 `json:"iqr"`
}

// fitRobustScaler computes per-feature median and IQR over the training
// matrix. A zero IQR scales by 1.
func fitRobustScaler(x [][]float64) *RobustScaler {
	dim := matrixDim(x)
	s := &RobustScaler{
		Median: make([]float64, dim),
		IQR:    make([]float64, dim),
	}
	for j := 0; j < dim; j++ {
		col := column(x, j)
		sort.Float64s(col)
		q1 := stat.Quantile(0.25, stat.LinInterp, col, nil)
		q3 := stat.Quantile(0.75, stat.LinInterp, col, nil)
		s.Median[j] = stat.Quantile(0.5, stat.LinInterp, col, nil)
		s.IQR[j] = q3 - q1
		if s.IQR[j] == 0 {
			s.IQR[j] = 1
		}
	}
	return s
}

// Transform returns the scaled copy of one vector.
func (s *RobustScaler) Transform(vector []float64) []float64 {
	out := make([]float64, len(vector))
	for j, v := range vector {
		out[j] = (v - s.Median[j]) / s.IQR[j]
	}
	return out
}

// TransformAll scales every row of a matrix.
func (s *RobustScaler) TransformAll(x [][]float64) [][]float64 {
	out := make([][]float64, len(x))
	for i, row := range x {
		out[i] = s.Transform(row)
	}
	return out
}

// column copies feature j out of a row-major matrix.
func column(x [][]float64, j int) []float64 {
	col := make([]float64, len(x))
	for i, row := range x {
		col[i] = row[j]
	}
	return col
}

// matrixDim returns the row width of a non-empty matrix, else 0.
func matrixDim(x [][]float64) int {
	if len(x) == 0 {
		return 0
	}
	return len(x[0])
}
