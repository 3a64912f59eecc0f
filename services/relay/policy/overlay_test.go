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
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestOverlay_AppliedAtConstruction(t *testing.T) {
	path := filepath.Join(t.TempDir(), "overlay.yaml")
	doc, err := yaml.Marshal(Overlay{
		AllowThreshold:  85,
		ReauthThreshold: 55,
		ShadowMode:      true,
		CanaryFraction:  0.75,
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, doc, 0o640))

	cfg := DefaultConfig()
	cfg.OverlayPath = path
	e, err := New(cfg, nil, nil, testLogger())
	require.NoError(t, err)
	t.Cleanup(e.Stop)

	status := e.Status()
	assert.Equal(t, 85, status["allow_threshold"])
	assert.Equal(t, 55, status["reauth_threshold"])
	assert.Equal(t, true, status["shadow_mode"])
	assert.Equal(t, 0.75, status["canary_fraction"])
}

func TestOverlay_MissingFileKeepsDefaults(t *testing.T) {
	cfg := DefaultConfig()
	cfg.OverlayPath = filepath.Join(t.TempDir(), "absent.yaml")
	e, err := New(cfg, nil, nil, testLogger())
	require.NoError(t, err)
	t.Cleanup(e.Stop)

	status := e.Status()
	assert.Equal(t, 70, status["allow_threshold"])
	assert.Equal(t, 40, status["reauth_threshold"])
}

func TestOverlay_InvalidDocumentIgnored(t *testing.T) {
	path := filepath.Join(t.TempDir(), "overlay.yaml")
	// reauth above allow must not take effect.
	doc, err := yaml.Marshal(Overlay{AllowThreshold: 30, ReauthThreshold: 60, CanaryFraction: 1})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, doc, 0o640))

	cfg := DefaultConfig()
	cfg.OverlayPath = path
	e, err := New(cfg, nil, nil, testLogger())
	require.NoError(t, err)
	t.Cleanup(e.Stop)

	status := e.Status()
	assert.Equal(t, 70, status["allow_threshold"])
	assert.Equal(t, 40, status["reauth_threshold"])
}

func TestOverlay_HotReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "overlay.yaml")

	cfg := DefaultConfig()
	cfg.OverlayPath = path
	e, err := New(cfg, nil, nil, testLogger())
	require.NoError(t, err)
	e.Start()
	t.Cleanup(e.Stop)

	doc, err := yaml.Marshal(Overlay{AllowThreshold: 90, ReauthThreshold: 60, CanaryFraction: 1})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, doc, 0o640))

	assert.Eventually(t, func() bool {
		return e.Status()["allow_threshold"] == 90
	}, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, 60, e.Status()["reauth_threshold"])
}

func TestSetThresholds_PersistsOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "overlay.yaml")
	cfg := DefaultConfig()
	cfg.OverlayPath = path
	e, err := New(cfg, nil, nil, testLogger())
	require.NoError(t, err)
	t.Cleanup(e.Stop)

	require.NoError(t, e.SetThresholds(88, 44))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var ov Overlay
	require.NoError(t, yaml.Unmarshal(data, &ov))
	assert.Equal(t, 88, ov.AllowThreshold)
	assert.Equal(t, 44, ov.ReauthThreshold)
	assert.Equal(t, 1.0, ov.CanaryFraction)
}

func TestShadowLogger_WritesJSONL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shadow.jsonl")
	sl, err := NewShadowLogger(path, testLogger())
	require.NoError(t, err)

	sl.Record("hash-1", []float64{1024, 5, 2, 0}, 62, ActionRequireReauth, "v3")
	sl.Record("hash-2", []float64{512, 60, 1, 0}, 80, ActionAllow, "v3")
	require.NoError(t, sl.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var recs []shadowRecord
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec shadowRecord
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		recs = append(recs, rec)
	}
	require.NoError(t, scanner.Err())

	require.Len(t, recs, 2)
	assert.Equal(t, "hash-1", recs[0].TokenHash)
	assert.Equal(t, []float64{1024, 5, 2, 0}, recs[0].Vector)
	assert.Equal(t, 62, recs[0].Score)
	assert.Equal(t, ActionRequireReauth, recs[0].Action)
	assert.Equal(t, "v3", recs[0].ModelVersion)
	assert.NotZero(t, recs[0].TS)
	assert.Equal(t, ActionAllow, recs[1].Action)
}

func TestRecordShadow_GatedByMode(t *testing.T) {
	dir := t.TempDir()

	cfg := DefaultConfig()
	cfg.ShadowMode = true
	cfg.ShadowLogPath = filepath.Join(dir, "on.jsonl")
	on, err := New(cfg, nil, nil, testLogger())
	require.NoError(t, err)
	on.RecordShadow("hash", []float64{1, 2, 3, 0}, 50, ActionBlock, "v1")
	on.Stop()

	data, err := os.ReadFile(cfg.ShadowLogPath)
	require.NoError(t, err)
	assert.NotEmpty(t, data)

	cfg = DefaultConfig()
	cfg.ShadowLogPath = filepath.Join(dir, "off.jsonl")
	off, err := New(cfg, nil, nil, testLogger())
	require.NoError(t, err)
	off.RecordShadow("hash", []float64{1, 2, 3, 0}, 50, ActionBlock, "v1")
	off.Stop()

	data, err = os.ReadFile(cfg.ShadowLogPath)
	require.NoError(t, err)
	assert.Empty(t, data)
}
