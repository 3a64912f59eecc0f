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
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianRelay/pkg/logging"
)

// =============================================================================
// SEC-062: Observation Buffer
// =============================================================================

// DefaultBufferCapacity is the ring size for buffered observations.
const DefaultBufferCapacity = 10000

// mirrorRecord is one line of the optional on-disk observation mirror.
type mirrorRecord struct {
	TokenHash string    `json:"token_hash"`
	Vector    []float64 `json:"vector"`
	TS        int64     `json:"ts"`
}

// Buffer is a fixed-capacity ring of observation vectors, drop-oldest on
// overflow, with an optional append-only JSONL mirror for offline analysis.
//
// # Thread Safety
//
// All methods are safe for concurrent use. The ring and the mirror file use
// separate mutexes so disk latency never blocks ingestion readers.
type Buffer struct {
	mu       sync.Mutex
	entries  [][]float64
	next     int
	full     bool
	capacity int

	mirrorMu sync.Mutex
	mirror   *os.File
	log      *logging.Logger
}

// NewBuffer creates a Buffer. Capacity <= 0 falls back to
// DefaultBufferCapacity; an empty mirrorPath disables the disk mirror.
func NewBuffer(capacity int, mirrorPath string, log *logging.Logger) (*Buffer, error) {
	if capacity <= 0 {
		capacity = DefaultBufferCapacity
	}
	b := &Buffer{
		entries:  make([][]float64, 0, capacity),
		capacity: capacity,
		log:      log,
	}
	if mirrorPath != "" {
		f, err := os.OpenFile(mirrorPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
		if err != nil {
			return nil, fmt.Errorf("ml: open observation mirror: %w", err)
		}
		b.mirror = f
	}
	return b, nil
}

// Add validates and appends one observation, overwriting the oldest entry
// once the ring is full. The vector is copied; callers may reuse their
// slice. Mirror write failures are logged and never fail the ingestion.
func (b *Buffer) Add(tokenHash string, vector []float64) error {
	if err := ValidateVector(vector); err != nil {
		return err
	}
	vec := make([]float64, VectorDim)
	copy(vec, vector)

	b.mu.Lock()
	if len(b.entries) < b.capacity {
		b.entries = append(b.entries, vec)
	} else {
		b.entries[b.next] = vec
		b.next = (b.next + 1) % b.capacity
		b.full = true
	}
	b.mu.Unlock()

	b.appendMirror(tokenHash, vec)
	return nil
}

// Len returns the number of buffered observations.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Snapshot returns a copy of the buffered vectors, oldest first. Trainers
// fit on the snapshot so the ring stays writable during training.
func (b *Buffer) Snapshot() [][]float64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([][]float64, 0, len(b.entries))
	appendCopy := func(src []float64) {
		vec := make([]float64, len(src))
		copy(vec, src)
		out = append(out, vec)
	}

	if b.full {
		for _, v := range b.entries[b.next:] {
			appendCopy(v)
		}
		for _, v := range b.entries[:b.next] {
			appendCopy(v)
		}
	} else {
		for _, v := range b.entries {
			appendCopy(v)
		}
	}
	return out
}

// Close releases the mirror file handle, if any.
func (b *Buffer) Close() error {
	b.mirrorMu.Lock()
	defer b.mirrorMu.Unlock()
	if b.mirror == nil {
		return nil
	}
	err := b.mirror.Close()
	b.mirror = nil
	return err
}

func (b *Buffer) appendMirror(tokenHash string, vector []float64) {
	b.mirrorMu.Lock()
	defer b.mirrorMu.Unlock()
	if b.mirror == nil {
		return
	}

	line, err := json.Marshal(mirrorRecord{
		TokenHash: tokenHash,
		Vector:    vector,
		TS:        time.Now().Unix(),
	})
	if err != nil {
		b.log.Warn("observation mirror marshal failed", "error", err)
		return
	}
	if _, err := b.mirror.Write(append(line, '\n')); err != nil {
		b.log.Warn("observation mirror write failed", "error", err)
	}
}
