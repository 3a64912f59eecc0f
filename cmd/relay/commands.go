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
	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianRelay/pkg/ux"
	"github.com/AleutianAI/AleutianRelay/services/relay"
)

// --- Global Command Variables ---
var (
	configPath string
	outputMode string // UX output mode (styled/plain)
	auditPath  string
	auditLimit int

	rootCmd = &cobra.Command{
		Use:     "relay",
		Version: relay.Version,
		Short:   "A cli to run and inspect the Aleutian ephemeral message relay",
		Long: `Relay serves the ephemeral encrypted message API and provides
				offline tooling for its audit trails.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Initialize UX output mode from flag or environment
			if outputMode != "" {
				ux.SetMode(ux.ParseMode(outputMode))
			} else {
				ux.InitMode()
			}
		},
	}

	// --- Service ---
	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the relay service",
		Run:   runServe, // Defined in cmd_serve.go
	}

	// --- Audit Trails ---
	auditCmd = &cobra.Command{
		Use:   "audit",
		Short: "Work with audit trail files",
	}
	auditVerifyCmd = &cobra.Command{
		Use:   "verify",
		Short: "Scan audit trail files for structural damage",
		Long: `Scans the configured audit trails line by line and checks that every
record is well-formed: canonical JSON stamped with ts and event_id, with an
optional checksum suffix. Checksum HMACs bind to the process that wrote them
and are verified live through /admin/audit/integrity; this command catches
truncated, spliced, or hand-edited lines after the fact.`,
		Run: runAuditVerify, // Defined in cmd_audit.go
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "Path to the relay config file")
	rootCmd.PersistentFlags().StringVar(&outputMode, "output", "", "Output mode: styled or plain (default: auto-detect)")

	rootCmd.AddCommand(serveCmd)

	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditVerifyCmd)
	auditVerifyCmd.Flags().StringVar(&auditPath, "path", "", "Scan a single audit file instead of the configured trails")
	auditVerifyCmd.Flags().IntVar(&auditLimit, "limit", 0, "Scan only the most recent N lines (0 = all)")
}
