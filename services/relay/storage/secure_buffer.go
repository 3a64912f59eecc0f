// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package storage

import (
	"crypto/rand"

	"github.com/awnumar/memguard"
)

// =============================================================================
// SEC-030: Ciphertext Buffers
// =============================================================================

// minMemlockKB is the RLIMIT_MEMLOCK headroom required before ciphertext is
// held in mlocked buffers. Below this the store falls back to plain slices
// rather than risking allocation panics under load.
const minMemlockKB = 1024

// secureBuffer owns one ciphertext allocation. When the platform grants
// enough RLIMIT_MEMLOCK headroom the bytes live in an mlocked memguard
// buffer (no swap, guard pages); otherwise in a plain slice with the same
// multi-pass wipe discipline. Either way the wipe is best-effort on a
// managed runtime: the GC may have copied bytes before we owned them.
type secureBuffer struct {
	locked *memguard.LockedBuffer
	plain  []byte
}

// newSecureBuffer takes ownership of data. The source slice is wiped so the
// only live copy is the one the store owns.
func newSecureBuffer(data []byte, lockMemory bool) *secureBuffer {
	if lockMemory {
		buf := memguard.NewBuffer(len(data))
		buf.Melt()
		copy(buf.Bytes(), data)
		memguard.WipeBytes(data)
		return &secureBuffer{locked: buf}
	}
	owned := make([]byte, len(data))
	copy(owned, data)
	memguard.WipeBytes(data)
	return &secureBuffer{plain: owned}
}

func (b *secureBuffer) size() int {
	if b.locked != nil {
		return b.locked.Size()
	}
	return len(b.plain)
}

// copyOut returns a defensive copy for callers; the backing buffer never
// escapes the store.
func (b *secureBuffer) copyOut() []byte {
	if b.locked != nil {
		out := make([]byte, b.locked.Size())
		copy(out, b.locked.Bytes())
		return out
	}
	out := make([]byte, len(b.plain))
	copy(out, b.plain)
	return out
}

// destroy overwrites the buffer with the configured number of passes and
// releases it. Safe to call once per buffer; the store's deletion queue
// guarantees single ownership.
func (b *secureBuffer) destroy(passes int) {
	if b.locked != nil {
		b.locked.Melt()
		wipePasses(b.locked.Bytes(), passes)
		b.locked.Destroy()
		b.locked = nil
		return
	}
	wipePasses(b.plain, passes)
	b.plain = nil
}

// wipePatternName describes the overwrite sequence for forensic status
// reporting.
const wipePatternName = "zeros,ones,random"

// wipePasses overwrites buf in place: passes cycle 0x00, 0xFF, random, and
// the last pass is always a fresh cryptographically random fill so a later
// memory inspection reads as noise.
func wipePasses(buf []byte, passes int) {
	if len(buf) == 0 {
		return
	}
	if passes < 1 {
		passes = 1
	}
	for p := 0; p < passes; p++ {
		switch {
		case p == passes-1:
			fillRandom(buf)
		case p%3 == 0:
			fillByte(buf, 0x00)
		case p%3 == 1:
			fillByte(buf, 0xFF)
		default:
			fillRandom(buf)
		}
	}
}

func fillByte(buf []byte, b byte) {
	for i := range buf {
		buf[i] = b
	}
}

func fillRandom(buf []byte) {
	// crypto/rand.Read is documented to always succeed.
	_, _ = rand.Read(buf)
}

// PurgeLockedMemory wipes every memguard allocation in the process. Called
// once during graceful shutdown, after the deletion queue has drained.
func PurgeLockedMemory() {
	memguard.Purge()
}
