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
	"sort"

	"gonum.org/v1/gonum/stat"
)

// =============================================================================
// SEC-064: Isolation Forest
// =============================================================================

// Isolation forest shape constants (Liu, Ting, Zhou 2008). Anomalies are
// isolated by fewer random splits than normal points, so short average path
// lengths mark outliers.
const (
	// forestTrees is the ensemble size.
	forestTrees = 100

	// forestSubsample caps the per-tree training sample.
	forestSubsample = 256

	// eulerMascheroni appears in the harmonic-number approximation used by
	// the average-path-length correction.
	eulerMascheroni = 0.5772156649015329
)

// isoNode is one node of an isolation tree in flat index form. Left < 0
// marks a leaf; Size is the training sample count that reached the node.
type isoNode struct {
	Feature int     `json:"f"`
	Split   float64 `json:"v"`
	Left    int32   `json:"l"`
	Right   int32   `json:"r"`
	Size    int     `json:"n"`
}

// isoTree is a flat-array isolation tree rooted at index 0.
type isoTree struct {
	Nodes []isoNode `json:"nodes"`
}

// IsolationForest is an ensemble of randomized isolation trees with a
// calibrated decision offset. Exported fields serialize with the model
// snapshot; the struct is immutable after fitting.
type IsolationForest struct {
	Trees         []isoTree `json:"trees"`
	SampleSize    int       `json:"sample_size"`
	Contamination float64   `json:"contamination"`

	// Offset is the contamination-quantile of training normality scores.
	// DecisionFunction subtracts it so roughly that fraction of the
	// training data scores negative.
	Offset float64 `json:"offset"`
}

// fitIsolationForest trains trees isolation trees on random subsamples of x
// and calibrates the decision offset at the given contamination fraction.
// All randomness flows through rng, so a fixed seed reproduces the forest
// exactly.
func fitIsolationForest(x [][]float64, trees int, contamination float64, rng *rand.Rand) *IsolationForest {
	if trees <= 0 {
		trees = forestTrees
	}
	psi := len(x)
	if psi > forestSubsample {
		psi = forestSubsample
	}
	heightLimit := int(math.Ceil(math.Log2(float64(psi))))

	f := &IsolationForest{
		Trees:         make([]isoTree, 0, trees),
		SampleSize:    psi,
		Contamination: contamination,
	}

	for t := 0; t < trees; t++ {
		perm := rng.Perm(len(x))
		sample := make([][]float64, psi)
		for i := 0; i < psi; i++ {
			sample[i] = x[perm[i]]
		}
		var tree isoTree
		buildIsoNode(&tree, sample, 0, heightLimit, rng)
		f.Trees = append(f.Trees, tree)
	}

	// Calibrate so DecisionFunction is negative for about the contamination
	// fraction of the training data.
	scores := make([]float64, len(x))
	for i, row := range x {
		scores[i] = -f.anomalyScore(row)
	}
	sort.Float64s(scores)
	f.Offset = stat.Quantile(contamination, stat.LinInterp, scores, nil)

	return f
}

// buildIsoNode appends the subtree isolating sample to tree and returns its
// root index. Splits pick a random feature with spread and a uniform split
// point inside its range; recursion stops at the height limit, at singleton
// samples, or when every feature is constant.
func buildIsoNode(tree *isoTree, sample [][]float64, depth, heightLimit int, rng *rand.Rand) int32 {
	idx := int32(len(tree.Nodes))
	if depth >= heightLimit || len(sample) <= 1 {
		tree.Nodes = append(tree.Nodes, isoNode{Left: -1, Right: -1, Size: len(sample)})
		return idx
	}

	feature, lo, hi, ok := pickSplitFeature(sample, rng)
	if !ok {
		tree.Nodes = append(tree.Nodes, isoNode{Left: -1, Right: -1, Size: len(sample)})
		return idx
	}
	split := lo + rng.Float64()*(hi-lo)

	var left, right [][]float64
	for _, row := range sample {
		if row[feature] < split {
			left = append(left, row)
		} else {
			right = append(right, row)
		}
	}

	// Reserve the slot before recursing so children land after their parent.
	tree.Nodes = append(tree.Nodes, isoNode{})
	node := isoNode{Feature: feature, Split: split, Size: len(sample)}
	node.Left = buildIsoNode(tree, left, depth+1, heightLimit, rng)
	node.Right = buildIsoNode(tree, right, depth+1, heightLimit, rng)
	tree.Nodes[idx] = node
	return idx
}

// pickSplitFeature chooses uniformly among features whose values vary in
// the sample, returning the feature index and its (min, max) range. ok is
// false when every feature is constant.
func pickSplitFeature(sample [][]float64, rng *rand.Rand) (feature int, lo, hi float64, ok bool) {
	dim := len(sample[0])
	type candidate struct {
		feature int
		lo, hi  float64
	}
	candidates := make([]candidate, 0, dim)
	for j := 0; j < dim; j++ {
		lo, hi := sample[0][j], sample[0][j]
		for _, row := range sample[1:] {
			if row[j] < lo {
				lo = row[j]
			}
			if row[j] > hi {
				hi = row[j]
			}
		}
		if hi > lo {
			candidates = append(candidates, candidate{feature: j, lo: lo, hi: hi})
		}
	}
	if len(candidates) == 0 {
		return 0, 0, 0, false
	}
	c := candidates[rng.Intn(len(candidates))]
	return c.feature, c.lo, c.hi, true
}

// pathLength walks one tree and returns the split depth plus the
// average-path-length correction for the terminating leaf.
func (t *isoTree) pathLength(vector []float64) float64 {
	var depth float64
	i := int32(0)
	for {
		n := t.Nodes[i]
		if n.Left < 0 {
			return depth + avgPathLength(n.Size)
		}
		if vector[n.Feature] < n.Split {
			i = n.Left
		} else {
			i = n.Right
		}
		depth++
	}
}

// avgPathLength is c(n), the expected unsuccessful-search path length of a
// binary search tree over n points.
func avgPathLength(n int) float64 {
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return 1
	default:
		f := float64(n)
		return 2*(math.Log(f-1)+eulerMascheroni) - 2*(f-1)/f
	}
}

// anomalyScore is s(x) in (0,1]: 2^(-E[path]/c(psi)). Values near 1 mean
// isolated quickly, values near 0.5 and below mean buried among normals.
func (f *IsolationForest) anomalyScore(vector []float64) float64 {
	var sum float64
	for i := range f.Trees {
		sum += f.Trees[i].pathLength(vector)
	}
	mean := sum / float64(len(f.Trees))

	norm := avgPathLength(f.SampleSize)
	if norm == 0 {
		norm = 1
	}
	return math.Pow(2, -mean/norm)
}

// DecisionFunction returns the calibrated normality score: positive for
// points that look like the training data, negative for about the
// contamination fraction judged most anomalous. Typical range is within
// [-0.5, 0.5].
func (f *IsolationForest) DecisionFunction(vector []float64) float64 {
	return -f.anomalyScore(vector) - f.Offset
}
