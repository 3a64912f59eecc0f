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
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianRelay/pkg/logging"
)

// =============================================================================
// SEC-065: Single-Model Scorer
// =============================================================================

// Config controls buffering, training, and persistence for both engines.
type Config struct {
	// MinTrainSamples is the buffer size below which retraining refuses to
	// run. Default: 200.
	MinTrainSamples int

	// MaxBuffer is the observation ring capacity. Default: 10000.
	MaxBuffer int

	// Contamination is the expected outlier fraction used to calibrate the
	// decision offset. Default: 0.02.
	Contamination float64

	// Seed feeds every random draw during training, making retrains
	// reproducible. Default: 42.
	Seed int64

	// RetrainInterval is the background retrain period. The default 30s
	// suits tests and prototypes; production configs run minutes to hours.
	RetrainInterval time.Duration

	// ModelPath persists the model snapshot when non-empty.
	ModelPath string

	// MirrorPath appends every observation as JSONL when non-empty.
	MirrorPath string
}

// DefaultConfig returns the training defaults.
func DefaultConfig() Config {
	return Config{
		MinTrainSamples: 200,
		MaxBuffer:       DefaultBufferCapacity,
		Contamination:   0.02,
		Seed:            42,
		RetrainInterval: 30 * time.Second,
	}
}

// modelSnapshot is the on-disk form of a trained scorer.
type modelSnapshot struct {
	Model      *IsolationForest `json:"model"`
	Normalizer *StandardScaler  `json:"normalizer"`
	Version    int              `json:"version"`
	Robust     bool             `json:"robust"`
	TrainedAt  int64            `json:"trained_at"`
}

// Scorer is the single-model anomaly engine: an isolation forest over
// standard-scaled observation vectors.
//
// # Description
//
// Observations accumulate in a ring buffer; a background loop (or an admin
// trigger) fits a fresh scaler and forest on a buffer snapshot and swaps
// them in atomically. Until the first successful training, Score falls back
// to the deterministic heuristic.
//
// # Thread Safety
//
// All methods are safe for concurrent use. Score takes a read lock; only
// the post-training swap takes the write lock, so scoring never waits on a
// fit in progress.
type Scorer struct {
	mu  sync.RWMutex
	cfg Config
	log *logging.Logger

	buffer *Buffer

	model       *IsolationForest
	scaler      *StandardScaler
	trained     bool
	version     int
	robust      bool
	lastRetrain time.Time

	stopCh  chan struct{}
	doneCh  chan struct{}
	started bool
	stopped bool
}

var _ Engine = (*Scorer)(nil)

// NewScorer creates a Scorer. Zero-value config fields fall back to
// DefaultConfig. When ModelPath names an existing snapshot it is loaded;
// a corrupt snapshot logs a warning and the scorer starts untrained.
func NewScorer(cfg Config, log *logging.Logger) (*Scorer, error) {
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

	s := &Scorer{
		cfg:    cfg,
		log:    log,
		buffer: buffer,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}

	if cfg.ModelPath != "" {
		if err := s.loadSnapshot(cfg.ModelPath); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				log.Warn("model snapshot load failed, starting untrained",
					"path", cfg.ModelPath, "error", err)
			}
		} else {
			log.Info("model snapshot loaded",
				"path", cfg.ModelPath, "model_version", s.versionString())
		}
	}

	return s, nil
}

// Observe validates and buffers one observation. The token hash only tags
// the optional disk mirror.
func (s *Scorer) Observe(tokenHash string, vector []float64) error {
	return s.buffer.Add(tokenHash, vector)
}

// Score maps a vector to risk in [0,100], higher = safer.
//
// Trained, it standard-scales the vector and maps the forest decision d to
// round(50 + 50·d) clamped. Untrained, it returns the heuristic fallback.
// A malformed vector scores 0, the most suspicious answer.
func (s *Scorer) Score(vector []float64) int {
	if err := ValidateVector(vector); err != nil {
		return 0
	}

	s.mu.RLock()
	trained, model, scaler := s.trained, s.model, s.scaler
	s.mu.RUnlock()

	if !trained {
		return HeuristicScore(vector)
	}
	return decisionToRisk(model.DecisionFunction(scaler.Transform(vector)))
}

// ForceRetrain trains on the current buffer snapshot and swaps the result
// in. Returns (false, ErrNotEnoughData) below the training minimum.
func (s *Scorer) ForceRetrain() (bool, error) {
	return s.retrain(false)
}

// ForceRetrainRobust trains with synthetic adversarial augmentation and
// quantile trimming, hardening the forest against poisoning by extremes.
func (s *Scorer) ForceRetrainRobust() (bool, error) {
	return s.retrain(true)
}

// retrain fits scaler and forest on a buffer snapshot without holding the
// model lock, then swaps both in under it. Persistence failures are logged,
// not returned: the new model is live regardless.
func (s *Scorer) retrain(robust bool) (bool, error) {
	snapshot := s.buffer.Snapshot()
	if len(snapshot) < s.cfg.MinTrainSamples {
		return false, ErrNotEnoughData
	}

	rng := rand.New(rand.NewSource(s.cfg.Seed))
	train := snapshot
	contamination := s.cfg.Contamination
	advCount := 0
	if robust {
		adv := syntheticAdversarial(adversarialCount(len(snapshot)), rng)
		advCount = len(adv)
		train = append(train, adv...)
		train = trimExtremes(train, robustTrimLow, robustTrimHigh)
		contamination = robustContamination(advCount, len(train))
	}

	scaler := fitStandardScaler(train)
	model := fitIsolationForest(scaler.TransformAll(train), forestTrees, contamination, rng)

	s.mu.Lock()
	s.model = model
	s.scaler = scaler
	s.trained = true
	s.version++
	s.robust = robust
	s.lastRetrain = time.Now()
	version := s.versionString()
	s.mu.Unlock()

	s.log.Info("anomaly model retrained",
		"samples", len(train),
		"adversarial", advCount,
		"contamination", contamination,
		"model_version", version)

	if s.cfg.ModelPath != "" {
		if err := s.persistSnapshot(s.cfg.ModelPath); err != nil {
			s.log.Error("model snapshot persist failed",
				"path", s.cfg.ModelPath, "error", err)
		}
	}
	return true, nil
}

// Health reports scorer status for the admin surface.
func (s *Scorer) Health() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var lastRetrain int64
	if !s.lastRetrain.IsZero() {
		lastRetrain = s.lastRetrain.Unix()
	}
	return map[string]any{
		"trained":         s.trained,
		"buffer_size":     s.buffer.Len(),
		"min_samples":     s.cfg.MinTrainSamples,
		"contamination":   s.cfg.Contamination,
		"model_version":   s.versionString(),
		"last_retrain_ts": lastRetrain,
	}
}

// versionString renders the model version. Callers hold at least a read
// lock.
func (s *Scorer) versionString() string {
	if !s.trained {
		return "untrained"
	}
	if s.robust {
		return fmt.Sprintf("v%d_robust", s.version)
	}
	return fmt.Sprintf("v%d", s.version)
}

// Start launches the background retrain loop. Safe to call once.
func (s *Scorer) Start() {
	s.mu.Lock()
	if s.started || s.stopped {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	go s.retrainLoop()
}

// Stop halts the retrain loop, waits for it, and closes the observation
// mirror. Safe to call multiple times and without a prior Start.
func (s *Scorer) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	started := s.started
	s.mu.Unlock()

	close(s.stopCh)
	if started {
		<-s.doneCh
	}
	if err := s.buffer.Close(); err != nil {
		s.log.Warn("observation mirror close failed", "error", err)
	}
}

func (s *Scorer) retrainLoop() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.cfg.RetrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := s.ForceRetrain(); err != nil {
				if errors.Is(err, ErrNotEnoughData) {
					s.log.Debug("retrain skipped",
						"buffer_size", s.buffer.Len(),
						"min_samples", s.cfg.MinTrainSamples)
				} else {
					s.log.Error("scheduled retrain failed", "error", err)
				}
			}
		case <-s.stopCh:
			return
		}
	}
}

// =============================================================================
// SEC-066: Model Persistence
// =============================================================================

// atomicWriteJSON marshals v and writes it via a temp file and rename, so
// readers never observe a half-written snapshot.
func atomicWriteJSON(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("create snapshot directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".model-*.json")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp snapshot: %w", err)
	}
	if err := os.Chmod(tmpName, 0640); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("chmod temp snapshot: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename snapshot: %w", err)
	}
	return nil
}

// persistSnapshot captures the trained state under a read lock and writes
// it atomically.
func (s *Scorer) persistSnapshot(path string) error {
	s.mu.RLock()
	snap := modelSnapshot{
		Model:      s.model,
		Normalizer: s.scaler,
		Version:    s.version,
		Robust:     s.robust,
		TrainedAt:  s.lastRetrain.Unix(),
	}
	s.mu.RUnlock()

	return atomicWriteJSON(path, snap)
}

// loadSnapshot restores trained state from disk. The caller owns error
// handling; any failure leaves the scorer untrained.
func (s *Scorer) loadSnapshot(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var snap modelSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("unmarshal snapshot: %w", err)
	}
	if snap.Model == nil || snap.Normalizer == nil || len(snap.Model.Trees) == 0 {
		return errors.New("snapshot missing model or normalizer")
	}

	s.mu.Lock()
	s.model = snap.Model
	s.scaler = snap.Normalizer
	s.trained = true
	s.version = snap.Version
	s.robust = snap.Robust
	if snap.TrainedAt > 0 {
		s.lastRetrain = time.Unix(snap.TrainedAt, 0)
	}
	s.mu.Unlock()
	return nil
}
