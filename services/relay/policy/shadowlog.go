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
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianRelay/pkg/logging"
)

// =============================================================================
// SEC-073: Shadow Decision Logger
// =============================================================================

// shadowRecord is one line of the shadow decision log: enough to replay what
// enforcement would have done, with the token already hashed.
type shadowRecord struct {
	TS           int64     `json:"ts"`
	TokenHash    string    `json:"token_hash"`
	Vector       []float64 `json:"vector"`
	Score        int       `json:"score"`
	Action       string    `json:"action"`
	ModelVersion string    `json:"model_version"`
}

// ShadowLogger appends shadow-mode decisions as JSONL for offline analysis
// of a policy before it is enforced.
//
// # Thread Safety
//
// Safe for concurrent use; a mutex serializes appends.
type ShadowLogger struct {
	mu   sync.Mutex
	file *os.File
	log  *logging.Logger
}

// NewShadowLogger opens (or creates) the shadow log at path.
func NewShadowLogger(path string, log *logging.Logger) (*ShadowLogger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("policy: create shadow log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, fmt.Errorf("policy: open shadow log: %w", err)
	}
	return &ShadowLogger{file: f, log: log}, nil
}

// Record appends one shadow decision. Best-effort: failures are logged and
// never reach the request path.
func (s *ShadowLogger) Record(tokenHash string, vector []float64, score int, action, modelVersion string) {
	line, err := json.Marshal(shadowRecord{
		TS:           time.Now().Unix(),
		TokenHash:    tokenHash,
		Vector:       vector,
		Score:        score,
		Action:       action,
		ModelVersion: modelVersion,
	})
	if err != nil {
		s.log.Warn("shadow record marshal failed", "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return
	}
	if _, err := s.file.Write(append(line, '\n')); err != nil {
		s.log.Warn("shadow record write failed", "error", err)
	}
}

// Close releases the log file handle.
func (s *ShadowLogger) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}
