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
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"os"
	"sync"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/AleutianAI/AleutianRelay/pkg/logging"
)

// =============================================================================
// SEC-069: Consensus Ensemble
// =============================================================================

// View names used for weights and per-view predictions.
const (
	viewOutlier    = "outlier"
	viewSupervised = "supervised"
	viewClusterer  = "clusterer"
)

// Consensus constants.
const (
	// minModelWeight floors each view's weight before normalization so no
	// view is ever silenced entirely.
	minModelWeight = 0.1

	// consensusAgreementMax is the view standard deviation below which the
	// ensemble reports consensus.
	consensusAgreementMax = 0.3

	// noiseNormality and clusteredNormality are the clusterer view's two
	// possible outputs.
	noiseNormality     = 0.1
	clusteredNormality = 0.9
)

// ConsensusResult is one ensemble prediction.
type ConsensusResult struct {
	// Risk is round((1 - ConsensusScore) * 100) clamped to [0,100]; higher
	// means safer, matching the single-model scorer's scale.
	Risk int `json:"risk_score"`

	// ConsensusScore is the weighted mean normality across views in [0,1].
	ConsensusScore float64 `json:"consensus_score"`

	// Confidence is 1 - ModelAgreement.
	Confidence float64 `json:"confidence"`

	// ConsensusReached is true when the views disagree by less than the
	// agreement threshold.
	ConsensusReached bool `json:"consensus_reached"`

	// ModelAgreement is the population standard deviation of the view
	// normality values; lower means tighter agreement.
	ModelAgreement float64 `json:"model_agreement"`

	// Views holds each view's normality probability.
	Views map[string]float64 `json:"views,omitempty"`

	// ModelWeights holds the normalized per-view weights used.
	ModelWeights map[string]float64 `json:"model_weights,omitempty"`
}

// ensembleModel is one trained generation: three views plus the weighting
// that combines them. Immutable after fitting.
type ensembleModel struct {
	FeatureWeights []float64 `json:"feature_weights"`

	Outlier       *IsolationForest `json:"outlier"`
	OutlierScaler *RobustScaler    `json:"outlier_scaler"`
	// OutlierMin/Max record the decision range over the training set; view
	// normality min-max normalizes new decisions against that range.
	OutlierMin float64 `json:"outlier_min"`
	OutlierMax float64 `json:"outlier_max"`

	Classifier       *logisticModel  `json:"classifier"`
	ClassifierScaler *StandardScaler `json:"classifier_scaler"`

	Projection *pcaProjection `json:"projection"`
	Clusterer  *dbscanModel   `json:"clusterer"`

	ModelWeights map[string]float64 `json:"model_weights"`
}

// ensembleSnapshot is the on-disk form of a trained ensemble.
type ensembleSnapshot struct {
	Model     *ensembleModel `json:"model"`
	Version   int            `json:"version"`
	TrainedAt int64          `json:"trained_at"`
}

// Ensemble combines an outlier forest, a synthetically supervised logistic
// classifier, and a density clusterer into one consensus risk score. It is
// a drop-in alternative to Scorer behind the same Engine contract.
//
// # Thread Safety
//
// All methods are safe for concurrent use; Predict reads the model under a
// read lock and training swaps generations under the write lock.
type Ensemble struct {
	mu  sync.RWMutex
	cfg Config
	log *logging.Logger

	buffer *Buffer

	model       *ensembleModel
	version     int
	lastRetrain time.Time

	stopCh  chan struct{}
	doneCh  chan struct{}
	started bool
	stopped bool
}

var _ Engine = (*Ensemble)(nil)

// NewEnsemble creates an Ensemble. Zero-value config fields fall back to
// DefaultConfig; an existing snapshot at ModelPath is loaded.
func NewEnsemble(cfg Config, log *logging.Logger) (*Ensemble, error) {
	def := DefaultConfig()
	if cfg.MinTrainSamples <= 0 {
		cfg.MinTrainSamples = def.MinTrainSamples
	}
	if cfg.MaxBuffer <= 0 {
		cfg.MaxBuffer = def.MaxBuffer
	}
	if cfg.Contamination <= 0 || cfg.Contamination >= 1 {
		cfg.Contamination = def.Contamination
	}
	if cfg.Seed == 0 {
		cfg.Seed = def.Seed
	}
	if cfg.RetrainInterval <= 0 {
		cfg.RetrainInterval = def.RetrainInterval
	}

	buffer, err := NewBuffer(cfg.MaxBuffer, cfg.MirrorPath, log)
	if err != nil {
		return nil, err
	}

	e := &Ensemble{
		cfg:    cfg,
		log:    log,
		buffer: buffer,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}

	if cfg.ModelPath != "" {
		if err := e.loadSnapshot(cfg.ModelPath); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				log.Warn("ensemble snapshot load failed, starting untrained",
					"path", cfg.ModelPath, "error", err)
			}
		} else {
			log.Info("ensemble snapshot loaded",
				"path", cfg.ModelPath, "model_version", e.versionString())
		}
	}

	return e, nil
}

// Observe validates and buffers one observation.
func (e *Ensemble) Observe(tokenHash string, vector []float64) error {
	return e.buffer.Add(tokenHash, vector)
}

// Score maps a vector to consensus risk. Malformed vectors score 0.
func (e *Ensemble) Score(vector []float64) int {
	return e.Predict(vector).Risk
}

// Predict runs every view and combines them by weighted consensus.
// Untrained, it reports the neutral result: risk 50, consensus 0.5,
// confidence 0, consensus not reached.
func (e *Ensemble) Predict(vector []float64) ConsensusResult {
	if err := ValidateVector(vector); err != nil {
		return ConsensusResult{Risk: 0}
	}

	e.mu.RLock()
	m := e.model
	e.mu.RUnlock()

	if m == nil {
		return ConsensusResult{Risk: 50, ConsensusScore: 0.5}
	}

	weighted := applyFeatureWeights(vector, m.FeatureWeights)

	views := map[string]float64{}
	d := m.Outlier.DecisionFunction(m.OutlierScaler.Transform(weighted))
	views[viewOutlier] = clamp01((d - m.OutlierMin) / (m.OutlierMax - m.OutlierMin + 1e-6))
	views[viewSupervised] = 1 - m.Classifier.prob(m.ClassifierScaler.Transform(weighted))
	if m.Clusterer.Clustered(m.Projection.Project(weighted)) {
		views[viewClusterer] = clusteredNormality
	} else {
		views[viewClusterer] = noiseNormality
	}

	var consensus float64
	vals := make([]float64, 0, len(views))
	for name, normality := range views {
		consensus += m.ModelWeights[name] * normality
		vals = append(vals, normality)
	}
	agreement := stat.PopStdDev(vals, nil)

	weightsCopy := make(map[string]float64, len(m.ModelWeights))
	for k, v := range m.ModelWeights {
		weightsCopy[k] = v
	}

	return ConsensusResult{
		Risk:             clampRisk(int(math.Round((1 - consensus) * 100))),
		ConsensusScore:   consensus,
		Confidence:       1 - agreement,
		ConsensusReached: agreement < consensusAgreementMax,
		ModelAgreement:   agreement,
		Views:            views,
		ModelWeights:     weightsCopy,
	}
}

// ForceRetrain fits all three views on a buffer snapshot and swaps the new
// generation in. Returns (false, ErrNotEnoughData) below the training
// minimum.
func (e *Ensemble) ForceRetrain() (bool, error) {
	snapshot := e.buffer.Snapshot()
	if len(snapshot) < e.cfg.MinTrainSamples {
		return false, ErrNotEnoughData
	}

	model := e.fit(snapshot)

	e.mu.Lock()
	e.model = model
	e.version++
	e.lastRetrain = time.Now()
	version := e.versionString()
	e.mu.Unlock()

	e.log.Info("ensemble retrained",
		"samples", len(snapshot),
		"model_version", version,
		"model_weights", fmt.Sprintf("%.3f/%.3f/%.3f",
			model.ModelWeights[viewOutlier],
			model.ModelWeights[viewSupervised],
			model.ModelWeights[viewClusterer]))

	if e.cfg.ModelPath != "" {
		if err := e.persistSnapshot(e.cfg.ModelPath); err != nil {
			e.log.Error("ensemble snapshot persist failed",
				"path", e.cfg.ModelPath, "error", err)
		}
	}
	return true, nil
}

// fit trains the three views and calibrates their weights on an immutable
// snapshot. No Ensemble state is touched; the caller swaps the result in.
func (e *Ensemble) fit(train [][]float64) *ensembleModel {
	rng := rand.New(rand.NewSource(e.cfg.Seed))

	fw := fairFeatureWeights(train)
	weighted := applyFeatureWeightsAll(train, fw)

	model := &ensembleModel{FeatureWeights: fw}

	// Outlier view: isolation forest on robust-scaled features. Weight
	// rewards decision consistency.
	model.OutlierScaler = fitRobustScaler(weighted)
	xr := model.OutlierScaler.TransformAll(weighted)
	model.Outlier = fitIsolationForest(xr, forestTrees, e.cfg.Contamination, rng)
	decisions := make([]float64, len(xr))
	for i, row := range xr {
		decisions[i] = model.Outlier.DecisionFunction(row)
	}
	model.OutlierMin = floats.Min(decisions)
	model.OutlierMax = floats.Max(decisions)
	outlierWeight := 1 / (stat.PopStdDev(decisions, nil) + 1e-6)

	// Supervised view: logistic classifier over k-means synthetic labels on
	// standard-scaled features. Weight rewards prediction confidence.
	model.ClassifierScaler = fitStandardScaler(weighted)
	xs := model.ClassifierScaler.TransformAll(weighted)
	labels := minorityAsAnomaly(fitKMeans(xs, kmeansClusters, kmeansMaxIter, rng))
	model.Classifier = fitLogistic(xs, labels, logisticEpochs, logisticRate)
	var confidenceSum float64
	for _, row := range xs {
		p := model.Classifier.prob(row)
		confidenceSum += math.Max(p, 1-p)
	}
	supervisedWeight := confidenceSum / float64(len(xs))

	// Clusterer view: density clustering on the top-2 PCA projection.
	// Weight rewards cluster separation.
	model.Projection = fitPCA(weighted, pcaComponents)
	xp := model.Projection.ProjectAll(weighted)
	var clusterLabels []int
	model.Clusterer, clusterLabels = fitDBSCAN(xp, dbscanEps, dbscanMinPts)
	clustererWeight := 0.5
	if s, ok := silhouetteScore(xp, clusterLabels); ok {
		clustererWeight = s
	}

	model.ModelWeights = normalizeModelWeights(map[string]float64{
		viewOutlier:    outlierWeight,
		viewSupervised: supervisedWeight,
		viewClusterer:  clustererWeight,
	})
	return model
}

// Health reports ensemble status, including the calibrated weights once
// trained.
func (e *Ensemble) Health() map[string]any {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var lastRetrain int64
	if !e.lastRetrain.IsZero() {
		lastRetrain = e.lastRetrain.Unix()
	}
	health := map[string]any{
		"trained":         e.model != nil,
		"buffer_size":     e.buffer.Len(),
		"min_samples":     e.cfg.MinTrainSamples,
		"contamination":   e.cfg.Contamination,
		"model_version":   e.versionString(),
		"last_retrain_ts": lastRetrain,
	}
	if e.model != nil {
		health["feature_weights"] = e.model.FeatureWeights
		health["model_weights"] = e.model.ModelWeights
	}
	return health
}

// versionString renders the model version. Callers hold at least a read
// lock.
func (e *Ensemble) versionString() string {
	if e.model == nil {
		return "untrained"
	}
	return fmt.Sprintf("v%d", e.version)
}

// Start launches the background retrain loop. Safe to call once.
func (e *Ensemble) Start() {
	e.mu.Lock()
	if e.started || e.stopped {
		e.mu.Unlock()
		return
	}
	e.started = true
	e.mu.Unlock()

	go e.retrainLoop()
}

// Stop halts the retrain loop, waits for it, and closes the observation
// mirror. Safe to call multiple times and without a prior Start.
func (e *Ensemble) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	started := e.started
	e.mu.Unlock()

	close(e.stopCh)
	if started {
		<-e.doneCh
	}
	if err := e.buffer.Close(); err != nil {
		e.log.Warn("observation mirror close failed", "error", err)
	}
}

func (e *Ensemble) retrainLoop() {
	defer close(e.doneCh)
	ticker := time.NewTicker(e.cfg.RetrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := e.ForceRetrain(); err != nil {
				if errors.Is(err, ErrNotEnoughData) {
					e.log.Debug("ensemble retrain skipped",
						"buffer_size", e.buffer.Len(),
						"min_samples", e.cfg.MinTrainSamples)
				} else {
					e.log.Error("scheduled ensemble retrain failed", "error", err)
				}
			}
		case <-e.stopCh:
			return
		}
	}
}

func (e *Ensemble) persistSnapshot(path string) error {
	e.mu.RLock()
	snap := ensembleSnapshot{
		Model:     e.model,
		Version:   e.version,
		TrainedAt: e.lastRetrain.Unix(),
	}
	e.mu.RUnlock()

	return atomicWriteJSON(path, snap)
}

func (e *Ensemble) loadSnapshot(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var snap ensembleSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("unmarshal snapshot: %w", err)
	}
	m := snap.Model
	if m == nil || m.Outlier == nil || m.OutlierScaler == nil ||
		m.Classifier == nil || m.ClassifierScaler == nil ||
		m.Clusterer == nil || m.Projection == nil {
		return errors.New("snapshot missing ensemble views")
	}

	e.mu.Lock()
	e.model = m
	e.version = snap.Version
	if snap.TrainedAt > 0 {
		e.lastRetrain = time.Unix(snap.TrainedAt, 0)
	}
	e.mu.Unlock()
	return nil
}

// =============================================================================
// Weighting
// =============================================================================

// fairFeatureWeights scores each feature by variance times independence
// (one minus its mean absolute correlation with the other features) and
// normalizes the scores to sum 1. Degenerate inputs fall back to equal
// weights. Weighting before scaling keeps any single feature from
// dominating every view.
func fairFeatureWeights(x [][]float64) []float64 {
	dim := matrixDim(x)
	weights := make([]float64, dim)
	if dim == 0 {
		return weights
	}
	if dim == 1 || len(x) < 2 {
		for i := range weights {
			weights[i] = 1 / float64(dim)
		}
		return weights
	}

	cols := make([][]float64, dim)
	for j := range cols {
		cols[j] = column(x, j)
	}

	var sum float64
	for i := 0; i < dim; i++ {
		variance := stat.Variance(cols[i], nil)
		var corrSum float64
		for j := 0; j < dim; j++ {
			if j == i {
				continue
			}
			// Constant columns correlate with nothing; treat as independent.
			if c := stat.Correlation(cols[i], cols[j], nil); !math.IsNaN(c) {
				corrSum += math.Abs(c)
			}
		}
		independence := 1 - corrSum/float64(dim-1)
		w := variance * independence
		if math.IsNaN(w) || w < 0 {
			w = 0
		}
		weights[i] = w
		sum += w
	}

	if sum <= 0 {
		for i := range weights {
			weights[i] = 1 / float64(dim)
		}
		return weights
	}
	for i := range weights {
		weights[i] /= sum
	}
	return weights
}

// applyFeatureWeights multiplies one vector by the per-feature weights.
func applyFeatureWeights(vector, weights []float64) []float64 {
	out := make([]float64, len(vector))
	for j, v := range vector {
		out[j] = v * weights[j]
	}
	return out
}

// applyFeatureWeightsAll weights every row.
func applyFeatureWeightsAll(x [][]float64, weights []float64) [][]float64 {
	out := make([][]float64, len(x))
	for i, row := range x {
		out[i] = applyFeatureWeights(row, weights)
	}
	return out
}

// minorityAsAnomaly relabels k-means output so the majority cluster is 0
// (normal) and the minority 1 (anomalous).
func minorityAsAnomaly(labels []int) []int {
	var ones int
	for _, l := range labels {
		if l == 1 {
			ones++
		}
	}
	if ones*2 <= len(labels) {
		return labels
	}
	flipped := make([]int, len(labels))
	for i, l := range labels {
		flipped[i] = 1 - l
	}
	return flipped
}

// normalizeModelWeights floors each weight and rescales to sum 1.
func normalizeModelWeights(weights map[string]float64) map[string]float64 {
	var total float64
	for name, w := range weights {
		if math.IsNaN(w) || w < minModelWeight {
			weights[name] = minModelWeight
		}
		total += weights[name]
	}
	for name := range weights {
		weights[name] /= total
	}
	return weights
}

// clamp01 bounds a probability to [0,1].
func clamp01(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}
