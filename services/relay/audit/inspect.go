// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package audit

import (
	"bytes"
	"encoding/json"
	"os"
)

// =============================================================================
// SEC-025: Offline Inspection
// =============================================================================

// FileReport is the outcome of a structural scan of one audit file.
type FileReport struct {
	// Path is the scanned file.
	Path string `json:"path"`

	// Size is the file size in bytes at scan time.
	Size int64 `json:"size"`

	// Lines is the number of non-empty lines scanned.
	Lines int `json:"lines"`

	// Records is the number of lines that parsed as audit records.
	Records int `json:"records"`

	// Checksummed is the number of records carrying a checksum suffix.
	Checksummed int `json:"checksummed"`

	// Malformed is the number of lines that are not valid records.
	Malformed int `json:"malformed"`

	// FirstMalformed is the 1-based line number of the first malformed
	// line in the file, 0 when every line is well-formed.
	FirstMalformed int `json:"first_malformed,omitempty"`
}

// OK reports whether the scan found no malformed lines.
func (r FileReport) OK() bool {
	return r.Malformed == 0
}

// InspectFile scans an audit file offline and validates record structure.
//
// # Description
//
// Checksum HMACs bind to the process that wrote them (see deriveTamperKey),
// so a separate process cannot recompute them; live checksum verification is
// the Verify method on an open Log. What a later process CAN check is shape:
// every line must be canonical JSON stamped with ts and event_id, optionally
// followed by "|" and a checksum suffix. Truncated, spliced, or hand-edited
// lines fail that parse and are counted as malformed.
//
// # Inputs
//
//   - path: the audit file to scan. Rotated siblings are not followed.
//   - limit: scan only the most recent limit lines; <= 0 means all.
//
// # Outputs
//
//   - FileReport with per-line counts.
//   - error when the file cannot be read, including fs.ErrNotExist.
func InspectFile(path string, limit int) (FileReport, error) {
	report := FileReport{Path: path}

	data, err := os.ReadFile(path)
	if err != nil {
		return report, err
	}
	report.Size = int64(len(data))

	lines := splitLines(data)
	total := len(lines)
	if limit > 0 && total > limit {
		lines = lines[total-limit:]
	}
	firstScanned := total - len(lines) + 1

	for i, line := range lines {
		report.Lines++
		rec, checksummed := parseRecordLine(line)
		if rec == nil {
			report.Malformed++
			if report.FirstMalformed == 0 {
				report.FirstMalformed = firstScanned + i
			}
			continue
		}
		report.Records++
		if checksummed {
			report.Checksummed++
		}
	}
	return report, nil
}

// parseRecordLine parses one log line into a record map, tolerating both
// checksummed and pre-checksum lines. A nil map means the line is malformed.
func parseRecordLine(line []byte) (map[string]any, bool) {
	if idx := bytes.LastIndexByte(line, '|'); idx >= 0 {
		if rec := decodeRecord(line[:idx]); rec != nil {
			return rec, true
		}
	}
	return decodeRecord(line), false
}

// decodeRecord unmarshals one JSON record and requires the ts and event_id
// stamps every writer adds.
func decodeRecord(data []byte) map[string]any {
	var rec map[string]any
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil
	}
	if _, ok := rec["ts"]; !ok {
		return nil
	}
	if _, ok := rec["event_id"]; !ok {
		return nil
	}
	return rec
}
