// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianRelay/pkg/ux"
	"github.com/AleutianAI/AleutianRelay/services/relay/audit"
	"github.com/AleutianAI/AleutianRelay/services/relay/config"
)

// runAuditVerify scans audit trail files for structural damage.
//
// # Description
//
// Scans either the single file given with --path or both configured trails
// (policy and forensic). A missing file warns but does not fail the run;
// unreadable files and malformed lines do.
//
// # Outputs
//
//   - Per-file status lines plus a one-line summary on stdout.
//   - Exits with code 1 when any scanned file is damaged or unreadable.
func runAuditVerify(cmd *cobra.Command, args []string) {
	var paths []string
	if auditPath != "" {
		paths = []string{auditPath}
	} else {
		cfg, err := config.Load(configPath)
		if err != nil {
			ux.Error(fmt.Sprintf("Loading %s failed: %v", configPath, err))
			os.Exit(1)
		}
		paths = []string{cfg.Audit.PolicyLogPath, cfg.Audit.ForensicLogPath}
	}

	ux.Title("Audit trail verification")

	failed := false
	var records, malformed, lines int
	for _, path := range paths {
		report, err := audit.InspectFile(path, auditLimit)
		if errors.Is(err, fs.ErrNotExist) {
			ux.Warning(fmt.Sprintf("%s: no audit file yet", path))
			continue
		}
		if err != nil {
			ux.Error(fmt.Sprintf("%s: %v", path, err))
			failed = true
			continue
		}

		if report.OK() {
			ux.Success(fmt.Sprintf("%s: %d records intact", path, report.Records))
		} else {
			ux.Error(fmt.Sprintf("%s: %d malformed lines, first at line %d",
				path, report.Malformed, report.FirstMalformed))
			failed = true
		}
		ux.Field("size_bytes", report.Size)
		ux.Field("checksummed", report.Checksummed)

		records += report.Records
		malformed += report.Malformed
		lines += report.Lines
	}

	ux.Summary(records, malformed, lines)
	if failed {
		os.Exit(1)
	}
}
