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
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// =============================================================================
// SEC-068: Ensemble Model Views
// =============================================================================

// View training constants.
const (
	kmeansClusters = 2
	kmeansMaxIter  = 100

	logisticEpochs = 200
	logisticRate   = 0.1

	pcaComponents = 2

	dbscanEps    = 0.5
	dbscanMinPts = 5
)

// euclidean returns the L2 distance between two equal-length vectors.
func euclidean(a, b []float64) float64 {
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}

// -----------------------------------------------------------------------------
// K-Means (synthetic labeling)
// -----------------------------------------------------------------------------

// fitKMeans runs Lloyd's algorithm with k centroids seeded from rng.
// Returns per-point cluster labels in [0,k). Deterministic for a fixed rng
// state.
func fitKMeans(x [][]float64, k, maxIter int, rng *rand.Rand) []int {
	n := len(x)
	if n == 0 {
		return nil
	}
	if k > n {
		k = n
	}
	dim := matrixDim(x)

	centroids := make([][]float64, k)
	for i, idx := range rng.Perm(n)[:k] {
		centroids[i] = append([]float64(nil), x[idx]...)
	}

	labels := make([]int, n)
	for iter := 0; iter < maxIter; iter++ {
		changed := false
		for i, row := range x {
			best, bestDist := 0, math.Inf(1)
			for c, centroid := range centroids {
				if d := euclidean(row, centroid); d < bestDist {
					best, bestDist = c, d
				}
			}
			if labels[i] != best {
				labels[i] = best
				changed = true
			}
		}
		if !changed && iter > 0 {
			break
		}

		counts := make([]int, k)
		sums := make([][]float64, k)
		for c := range sums {
			sums[c] = make([]float64, dim)
		}
		for i, row := range x {
			counts[labels[i]]++
			for j, v := range row {
				sums[labels[i]][j] += v
			}
		}
		for c := range centroids {
			if counts[c] == 0 {
				// Empty cluster keeps its previous centroid.
				continue
			}
			for j := range centroids[c] {
				centroids[c][j] = sums[c][j] / float64(counts[c])
			}
		}
	}
	return labels
}

// -----------------------------------------------------------------------------
// Logistic Classifier (supervised view)
// -----------------------------------------------------------------------------

// logisticModel is a binary logistic regression; prob reports p(label 1).
type logisticModel struct {
	Weights []float64 `json:"weights"`
	Bias    float64   `json:"bias"`
}

// fitLogistic trains by full-batch gradient descent from zero weights,
// which makes training deterministic without a seed.
func fitLogistic(x [][]float64, y []int, epochs int, rate float64) *logisticModel {
	n := len(x)
	dim := matrixDim(x)
	m := &logisticModel{Weights: make([]float64, dim)}
	if n == 0 {
		return m
	}

	gradW := make([]float64, dim)
	for epoch := 0; epoch < epochs; epoch++ {
		for j := range gradW {
			gradW[j] = 0
		}
		gradB := 0.0
		for i, row := range x {
			resid := m.prob(row) - float64(y[i])
			for j, v := range row {
				gradW[j] += resid * v
			}
			gradB += resid
		}
		for j := range m.Weights {
			m.Weights[j] -= rate * gradW[j] / float64(n)
		}
		m.Bias -= rate * gradB / float64(n)
	}
	return m
}

// prob is sigmoid(w·v + b).
func (m *logisticModel) prob(vector []float64) float64 {
	z := m.Bias
	for j, w := range m.Weights {
		z += w * vector[j]
	}
	return 1 / (1 + math.Exp(-z))
}

// -----------------------------------------------------------------------------
// PCA Projection (clusterer view)
// -----------------------------------------------------------------------------

// pcaProjection holds the training mean and the top principal axes, rows
// ordered by decreasing singular value.
type pcaProjection struct {
	Mean       []float64   `json:"mean"`
	Components [][]float64 `json:"components"`
}

// fitPCA centers x and extracts the top components right singular vectors
// via thin SVD.
func fitPCA(x [][]float64, components int) *pcaProjection {
	n := len(x)
	dim := matrixDim(x)
	if components > dim {
		components = dim
	}
	if components > n {
		components = n
	}

	mean := make([]float64, dim)
	for j := 0; j < dim; j++ {
		var sum float64
		for _, row := range x {
			sum += row[j]
		}
		mean[j] = sum / float64(n)
	}

	centered := mat.NewDense(n, dim, nil)
	for i, row := range x {
		for j, v := range row {
			centered.Set(i, j, v-mean[j])
		}
	}

	var svd mat.SVD
	if !svd.Factorize(centered, mat.SVDThin) {
		// Degenerate input: fall back to axis-aligned projection.
		axes := make([][]float64, components)
		for c := range axes {
			axes[c] = make([]float64, dim)
			axes[c][c] = 1
		}
		return &pcaProjection{Mean: mean, Components: axes}
	}

	var v mat.Dense
	svd.VTo(&v)

	axes := make([][]float64, components)
	for c := 0; c < components; c++ {
		axes[c] = make([]float64, dim)
		for j := 0; j < dim; j++ {
			axes[c][j] = v.At(j, c)
		}
	}
	return &pcaProjection{Mean: mean, Components: axes}
}

// Project maps one vector onto the principal axes.
func (p *pcaProjection) Project(vector []float64) []float64 {
	out := make([]float64, len(p.Components))
	for c, axis := range p.Components {
		var dot float64
		for j, w := range axis {
			dot += (vector[j] - p.Mean[j]) * w
		}
		out[c] = dot
	}
	return out
}

// ProjectAll maps every row.
func (p *pcaProjection) ProjectAll(x [][]float64) [][]float64 {
	out := make([][]float64, len(x))
	for i, row := range x {
		out[i] = p.Project(row)
	}
	return out
}

// -----------------------------------------------------------------------------
// DBSCAN Clusterer
// -----------------------------------------------------------------------------

// dbscanLabelNoise marks points that belong to no cluster.
const dbscanLabelNoise = -1

const dbscanLabelUnvisited = -2

// dbscanModel keeps the core points found during clustering so new points
// can be classified as clustered or noise without refitting.
type dbscanModel struct {
	Eps    float64     `json:"eps"`
	MinPts int         `json:"min_pts"`
	Core   [][]float64 `json:"core"`
}

// fitDBSCAN clusters x by density and returns the model plus per-point
// labels (cluster ids from 0, dbscanLabelNoise for noise). Neighborhoods
// count the point itself and use distance <= eps.
func fitDBSCAN(x [][]float64, eps float64, minPts int) (*dbscanModel, []int) {
	n := len(x)
	labels := make([]int, n)
	for i := range labels {
		labels[i] = dbscanLabelUnvisited
	}

	regionQuery := func(i int) []int {
		var neighbors []int
		for j := 0; j < n; j++ {
			if euclidean(x[i], x[j]) <= eps {
				neighbors = append(neighbors, j)
			}
		}
		return neighbors
	}

	model := &dbscanModel{Eps: eps, MinPts: minPts}
	cluster := 0
	for i := 0; i < n; i++ {
		if labels[i] != dbscanLabelUnvisited {
			continue
		}
		neighbors := regionQuery(i)
		if len(neighbors) < minPts {
			labels[i] = dbscanLabelNoise
			continue
		}

		labels[i] = cluster
		model.Core = append(model.Core, x[i])
		for cursor := 0; cursor < len(neighbors); cursor++ {
			j := neighbors[cursor]
			if labels[j] == dbscanLabelNoise {
				labels[j] = cluster // border point
			}
			if labels[j] != dbscanLabelUnvisited {
				continue
			}
			labels[j] = cluster
			jNeighbors := regionQuery(j)
			if len(jNeighbors) >= minPts {
				model.Core = append(model.Core, x[j])
				neighbors = append(neighbors, jNeighbors...)
			}
		}
		cluster++
	}
	return model, labels
}

// Clustered reports whether a point falls within eps of any core point.
func (m *dbscanModel) Clustered(point []float64) bool {
	for _, core := range m.Core {
		if euclidean(point, core) <= m.Eps {
			return true
		}
	}
	return false
}

// -----------------------------------------------------------------------------
// Silhouette
// -----------------------------------------------------------------------------

// silhouetteScore computes the mean silhouette coefficient of a labeling.
// Noise points participate as their own cluster, matching how the weight
// calibration treats them. ok is false with fewer than two distinct labels.
func silhouetteScore(x [][]float64, labels []int) (float64, bool) {
	clusters := make(map[int][]int)
	for i, l := range labels {
		clusters[l] = append(clusters[l], i)
	}
	if len(clusters) < 2 {
		return 0, false
	}

	var total float64
	for i, own := range labels {
		ownMembers := clusters[own]
		if len(ownMembers) == 1 {
			continue // silhouette of a singleton is 0
		}

		var a float64
		for _, j := range ownMembers {
			if j != i {
				a += euclidean(x[i], x[j])
			}
		}
		a /= float64(len(ownMembers) - 1)

		b := math.Inf(1)
		for label, members := range clusters {
			if label == own {
				continue
			}
			var d float64
			for _, j := range members {
				d += euclidean(x[i], x[j])
			}
			d /= float64(len(members))
			if d < b {
				b = d
			}
		}

		if denom := math.Max(a, b); denom > 0 {
			total += (b - a) / denom
		}
	}
	return total / float64(len(x)), true
}
