// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// newTestMetrics creates metrics on a private registry so tests never
// collide with the default registry or each other.
func newTestMetrics(t *testing.T) *Metrics {
	t.Helper()
	return New(prometheus.NewRegistry())
}

func TestRecordScoreCall(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordScoreCall()
	m.RecordScoreCall()

	got := testutil.ToFloat64(m.MLScoreCallsTotal)
	if got != 2 {
		t.Errorf("MLScoreCallsTotal = %v, want 2", got)
	}
}

func TestRecordObservation(t *testing.T) {
	m := newTestMetrics(t)

	for i := 0; i < 5; i++ {
		m.RecordObservation()
	}

	got := testutil.ToFloat64(m.MLObservationsTotal)
	if got != 5 {
		t.Errorf("MLObservationsTotal = %v, want 5", got)
	}
}

func TestRecordRetrain(t *testing.T) {
	m := newTestMetrics(t)

	ts := time.Unix(1700000000, 0)
	m.RecordRetrain(ts)

	got := testutil.ToFloat64(m.MLLastRetrainTimestamp)
	if got != 1700000000 {
		t.Errorf("MLLastRetrainTimestamp = %v, want 1700000000", got)
	}
}

func TestRecordDecisionByAction(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordDecision("allow")
	m.RecordDecision("allow")
	m.RecordDecision("block")
	m.RecordDecision("require_reauth")
	m.RecordDecision("pending_approval")

	if got := testutil.ToFloat64(m.DecisionsTotal.WithLabelValues("allow")); got != 2 {
		t.Errorf("decisions{allow} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.DecisionsTotal.WithLabelValues("block")); got != 1 {
		t.Errorf("decisions{block} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.DecisionsTotal.WithLabelValues("require_reauth")); got != 1 {
		t.Errorf("decisions{require_reauth} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.DecisionsTotal.WithLabelValues("pending_approval")); got != 1 {
		t.Errorf("decisions{pending_approval} = %v, want 1", got)
	}
}

func TestSetStoreEntries(t *testing.T) {
	m := newTestMetrics(t)

	m.SetStoreEntries(12)
	if got := testutil.ToFloat64(m.StoreEntries); got != 12 {
		t.Errorf("StoreEntries = %v, want 12", got)
	}

	// Gauge moves both directions as messages expire.
	m.SetStoreEntries(3)
	if got := testutil.ToFloat64(m.StoreEntries); got != 3 {
		t.Errorf("StoreEntries = %v, want 3", got)
	}
}

func TestAddWipePasses(t *testing.T) {
	m := newTestMetrics(t)

	m.AddWipePasses(3)
	m.AddWipePasses(3)

	if got := testutil.ToFloat64(m.WipePassesTotal); got != 6 {
		t.Errorf("WipePassesTotal = %v, want 6", got)
	}
}

func TestRecordAuditRecord(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordAuditRecord()

	if got := testutil.ToFloat64(m.AuditRecordsTotal); got != 1 {
		t.Errorf("AuditRecordsTotal = %v, want 1", got)
	}
}

// initOnce guards the single permitted Init call per test process; Init
// registers on the default registry and panics on a duplicate.
var initOnce bool

func TestInitSetsDefault(t *testing.T) {
	if initOnce {
		t.Skip("Init already exercised in this process")
	}
	initOnce = true

	m := Init()
	if m == nil {
		t.Fatal("Init returned nil")
	}
	if Default != m {
		t.Error("Init did not set Default")
	}
}

func TestConcurrentRecording(t *testing.T) {
	m := newTestMetrics(t)

	done := make(chan bool, 100)
	for i := 0; i < 100; i++ {
		go func() {
			m.RecordScoreCall()
			m.RecordDecision("allow")
			m.RecordObservation()
			done <- true
		}()
	}
	for i := 0; i < 100; i++ {
		<-done
	}

	if got := testutil.ToFloat64(m.MLScoreCallsTotal); got != 100 {
		t.Errorf("MLScoreCallsTotal = %v, want 100", got)
	}
	if got := testutil.ToFloat64(m.DecisionsTotal.WithLabelValues("allow")); got != 100 {
		t.Errorf("decisions{allow} = %v, want 100", got)
	}
}
