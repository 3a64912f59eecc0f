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
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// SEC-074: Runtime Overlay
// =============================================================================

// Overlay is the on-disk runtime settings file. Operators edit it by hand or
// through the admin thresholds endpoint; changes apply without a restart.
type Overlay struct {
	AllowThreshold  int     `yaml:"allow_threshold"`
	ReauthThreshold int     `yaml:"reauth_threshold"`
	ShadowMode      bool    `yaml:"shadow_mode"`
	CanaryFraction  float64 `yaml:"canary_fraction"`
}

// loadOverlay reads the overlay file and applies it. A missing file is not
// an error (the configured settings stand); malformed or invalid contents
// are.
func (e *Engine) loadOverlay() error {
	data, err := os.ReadFile(e.cfg.OverlayPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("policy: read overlay: %w", err)
	}

	var ov Overlay
	if err := yaml.Unmarshal(data, &ov); err != nil {
		return fmt.Errorf("policy: parse overlay: %w", err)
	}
	if err := validThresholds(ov.AllowThreshold, ov.ReauthThreshold); err != nil {
		return err
	}
	if ov.CanaryFraction < 0 || ov.CanaryFraction > 1 {
		return fmt.Errorf("policy: overlay canary_fraction %v outside [0,1]", ov.CanaryFraction)
	}

	e.mu.Lock()
	e.cfg.AllowThreshold = ov.AllowThreshold
	e.cfg.ReauthThreshold = ov.ReauthThreshold
	e.cfg.ShadowMode = ov.ShadowMode
	e.cfg.CanaryFraction = ov.CanaryFraction
	e.mu.Unlock()

	e.log.Info("policy overlay applied",
		"allow", ov.AllowThreshold,
		"reauth", ov.ReauthThreshold,
		"shadow_mode", ov.ShadowMode,
		"canary_fraction", ov.CanaryFraction)
	return nil
}

// persistOverlay writes the live settings back to the overlay file via a
// temp file and rename, so the watcher (and any other reader) never sees a
// half-written document.
func (e *Engine) persistOverlay() error {
	e.mu.RLock()
	ov := Overlay{
		AllowThreshold:  e.cfg.AllowThreshold,
		ReauthThreshold: e.cfg.ReauthThreshold,
		ShadowMode:      e.cfg.ShadowMode,
		CanaryFraction:  e.cfg.CanaryFraction,
	}
	e.mu.RUnlock()

	data, err := yaml.Marshal(ov)
	if err != nil {
		return fmt.Errorf("policy: marshal overlay: %w", err)
	}

	dir := filepath.Dir(e.cfg.OverlayPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("policy: create overlay dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".overlay-*.yaml")
	if err != nil {
		return fmt.Errorf("policy: create temp overlay: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("policy: write temp overlay: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("policy: close temp overlay: %w", err)
	}
	if err := os.Chmod(tmpName, 0o640); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("policy: chmod temp overlay: %w", err)
	}
	if err := os.Rename(tmpName, e.cfg.OverlayPath); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("policy: rename overlay: %w", err)
	}
	return nil
}

// watchOverlay reloads the overlay whenever its file changes. Start has
// already registered the parent directory with the watcher.
func (e *Engine) watchOverlay() {
	defer close(e.doneCh)

	base := filepath.Base(e.cfg.OverlayPath)
	e.log.Debug("watching policy overlay", "path", e.cfg.OverlayPath)

	for {
		select {
		case event, ok := <-e.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := e.loadOverlay(); err != nil {
				e.log.Warn("policy overlay reload failed",
					"path", e.cfg.OverlayPath, "error", err)
			}

		case err, ok := <-e.watcher.Errors:
			if !ok {
				return
			}
			e.log.Warn("policy overlay watcher error", "error", err)

		case <-e.stopCh:
			return
		}
	}
}
