// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"os"
	"strings"
	"sync"

	"github.com/mattn/go-isatty"
)

// Mode defines how CLI output is rendered
type Mode string

const (
	// ModeStyled enables colors, icons, and boxes
	ModeStyled Mode = "styled"

	// ModePlain outputs line-oriented text suitable for scripting
	ModePlain Mode = "plain"
)

var (
	currentMode = ModeStyled
	modeMu      sync.RWMutex
)

// GetMode returns the current output mode
func GetMode() Mode {
	modeMu.RLock()
	defer modeMu.RUnlock()
	return currentMode
}

// SetMode updates the current output mode
func SetMode(m Mode) {
	modeMu.Lock()
	defer modeMu.Unlock()
	currentMode = m
}

// ParseMode converts a string to a Mode
func ParseMode(s string) Mode {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "plain", "machine", "quiet":
		return ModePlain
	default:
		return ModeStyled
	}
}

// InitMode initializes the output mode from environment and terminal state.
// RELAY_OUTPUT wins; otherwise piped stdout selects plain output.
func InitMode() {
	if env := os.Getenv("RELAY_OUTPUT"); env != "" {
		SetMode(ParseMode(env))
		return
	}
	if !isTerminal() {
		SetMode(ModePlain)
		return
	}
	SetMode(ModeStyled)
}

// isTerminal checks if stdout is a terminal
func isTerminal() bool {
	fd := os.Stdout.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
