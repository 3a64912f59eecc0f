// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package policy

import (
	"sync"
	"time"
)

// =============================================================================
// SEC-072: Exception Ledger
// =============================================================================

// exceptionLedger tracks exception uses per quota key over a sliding window.
// Keys are raw actor ids or tokens; the ledger is in-memory only and never
// serialized, so raw identifiers stay inside the process.
type exceptionLedger struct {
	mu     sync.Mutex
	quota  int
	window time.Duration
	events map[string][]time.Time
}

func newExceptionLedger(quota int, window time.Duration) *exceptionLedger {
	return &exceptionLedger{
		quota:  quota,
		window: window,
		events: make(map[string][]time.Time),
	}
}

// consume reports whether key is within quota, recording the use when it is.
// Within quota means strictly fewer than quota uses inside the window; the
// check and the record are one atomic step so concurrent callers cannot
// both claim the last slot.
func (l *exceptionLedger) consume(key string, now time.Time) bool {
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	kept := l.events[key][:0:0]
	for _, ts := range l.events[key] {
		if !ts.Before(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.quota {
		l.events[key] = kept
		return false
	}
	l.events[key] = append(kept, now)
	return true
}

// count returns the in-window uses for key without recording one.
func (l *exceptionLedger) count(key string, now time.Time) int {
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for _, ts := range l.events[key] {
		if !ts.Before(cutoff) {
			n++
		}
	}
	return n
}
