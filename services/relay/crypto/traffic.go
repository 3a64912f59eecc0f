// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package crypto

import (
	"crypto/rand"
	mrand "math/rand"
	"sync"
	"time"
)

// =============================================================================
// SEC-054: Traffic Padding
// =============================================================================

// Padding strategy names accepted by Pad.
const (
	StrategyRandom   = "random"
	StrategyFixed    = "fixed"
	StrategyAdaptive = "adaptive"
)

const (
	minPaddingSize = 64
	maxPaddingSize = 1024

	// paddingHistoryLimit bounds the in-memory size history.
	paddingHistoryLimit = 100
	// adaptiveWindow is how many recent messages the adaptive strategy
	// averages over.
	adaptiveWindow = 10
	// analysisWindow is how many recent messages pattern analysis covers.
	analysisWindow = 20
)

// Timing jitter bounds for response delays.
const (
	minJitter = 100 * time.Millisecond
	maxJitter = 500 * time.Millisecond
)

type paddedRecord struct {
	ts           time.Time
	originalSize int
	paddedSize   int
	strategy     string
}

// TrafficProtector pads messages so ciphertext sizes stop identifying
// conversations, and tracks recent sizes so the adaptive strategy can blend
// new messages into the observed distribution.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type TrafficProtector struct {
	mu      sync.Mutex
	history []paddedRecord
}

// NewTrafficProtector returns a protector with an empty size history.
func NewTrafficProtector() *TrafficProtector {
	return &TrafficProtector{}
}

// Pad appends random bytes to message per the named strategy and records the
// resulting size. Unknown strategy names fall back to adaptive. The original
// length must travel inside the authenticated payload; Unpad recovers it.
func (p *TrafficProtector) Pad(message []byte, strategy string) []byte {
	var padSize int
	switch strategy {
	case StrategyRandom:
		padSize = randomPaddingSize()
	case StrategyFixed:
		padSize = fixedPaddingSize(len(message))
	default:
		strategy = StrategyAdaptive
		padSize = p.adaptivePaddingSize(len(message))
	}
	if padSize <= 0 {
		p.record(len(message), len(message), strategy)
		return message
	}

	pad := make([]byte, padSize)
	// crypto/rand.Read is documented to always succeed; padding must be
	// indistinguishable from ciphertext.
	_, _ = rand.Read(pad)

	padded := make([]byte, 0, len(message)+padSize)
	padded = append(padded, message...)
	padded = append(padded, pad...)
	p.record(len(message), len(padded), strategy)
	return padded
}

// Unpad truncates a padded message back to its original size.
func Unpad(padded []byte, originalSize int) []byte {
	if originalSize < 0 || len(padded) <= originalSize {
		return padded
	}
	return padded[:originalSize]
}

// Jitter returns a uniformly random delay in [100ms, 500ms) for timing-attack
// resistance on response paths.
func (p *TrafficProtector) Jitter() time.Duration {
	return minJitter + time.Duration(mrand.Int63n(int64(maxJitter-minJitter)))
}

// DummyTraffic returns count padded decoy messages of random size, for
// callers that interleave cover traffic with real transmissions.
func (p *TrafficProtector) DummyTraffic(count int) [][]byte {
	out := make([][]byte, 0, count)
	for i := 0; i < count; i++ {
		size := 32 + mrand.Intn(481)
		msg := make([]byte, size)
		_, _ = rand.Read(msg)
		out = append(out, p.Pad(msg, StrategyRandom))
	}
	return out
}

func randomPaddingSize() int {
	return minPaddingSize + mrand.Intn(maxPaddingSize-minPaddingSize+1)
}

// fixedPaddingSize pads to the next power-of-two bucket, capped at 1024.
// Messages already past the cap get no padding.
func fixedPaddingSize(size int) int {
	for _, bucket := range []int{64, 128, 256, 512} {
		if size <= bucket {
			return bucket - size
		}
	}
	return maxPaddingSize - size
}

// adaptivePaddingSize targets the recent mean size scaled by a random factor
// in [0.8, 1.2), so individual messages disappear into the flow. With no
// history it degrades to random padding.
func (p *TrafficProtector) adaptivePaddingSize(size int) int {
	p.mu.Lock()
	recent := p.history
	if len(recent) > adaptiveWindow {
		recent = recent[len(recent)-adaptiveWindow:]
	}
	var sum int
	for _, r := range recent {
		sum += r.originalSize
	}
	n := len(recent)
	p.mu.Unlock()

	if n == 0 {
		return randomPaddingSize()
	}
	mean := float64(sum) / float64(n)
	target := int(mean * (0.8 + 0.4*mrand.Float64()))
	if target <= size {
		return 0
	}
	return target - size
}

func (p *TrafficProtector) record(originalSize, paddedSize int, strategy string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.history = append(p.history, paddedRecord{
		ts:           time.Now(),
		originalSize: originalSize,
		paddedSize:   paddedSize,
		strategy:     strategy,
	})
	if len(p.history) > paddingHistoryLimit {
		p.history = p.history[len(p.history)-paddingHistoryLimit:]
	}
}

// =============================================================================
// SEC-055: Pattern Analysis
// =============================================================================

// AnalyzePatterns summarizes the recent padded-size and inter-arrival
// distributions. Low variance across both suggests the padding is doing its
// job.
func (p *TrafficProtector) AnalyzePatterns() map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.history) == 0 {
		return map[string]any{"status": "no_data"}
	}

	recent := p.history
	if len(recent) > analysisWindow {
		recent = recent[len(recent)-analysisWindow:]
	}

	sizes := make([]float64, 0, len(recent))
	for _, r := range recent {
		sizes = append(sizes, float64(r.paddedSize))
	}
	intervals := make([]float64, 0, len(recent))
	for i := 1; i < len(recent); i++ {
		intervals = append(intervals, recent[i].ts.Sub(recent[i-1].ts).Seconds())
	}

	return map[string]any{
		"status":            "analyzed",
		"message_count":     len(recent),
		"avg_size":          mean(sizes),
		"size_variance":     variance(sizes),
		"avg_interval":      mean(intervals),
		"interval_variance": variance(intervals),
	}
}

// Status reports the protector's configuration for the admin surface.
func (p *TrafficProtector) Status() map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return map[string]any{
		"min_padding_size":     minPaddingSize,
		"max_padding_size":     maxPaddingSize,
		"timing_jitter_ms":     []int64{minJitter.Milliseconds(), maxJitter.Milliseconds()},
		"message_history_size": len(p.history),
		"padding_strategies":   []string{StrategyRandom, StrategyFixed, StrategyAdaptive},
	}
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func variance(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	m := mean(values)
	var sum float64
	for _, v := range values {
		d := v - m
		sum += d * d
	}
	return sum / float64(len(values))
}
