// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command dentald starts the dental assistant backend daemon.
//
// The daemon is launched by the desktop shell on login and serves HTTP on
// 127.0.0.1 only. Running it by hand is mainly useful during development.
//
// # Environment Variables
//
//   - APP_API_KEY: shared secret with the shell (required in production)
//   - PORT: HTTP port (default: 8734)
//   - DENTAL_ASSISTANT_DATA_DIR: override the per-user data directory
//   - LLM_SERVICE_URL_BASE / WHISPER_SERVICE_URL_BASE /
//     EMBEDDING_SERVICE_URL_BASE: model runtime locations
//   - LOG_LEVEL: debug, info, warn, error (default: info)
//   - TRACE_STDOUT: set to 1 to print otel spans to the log
//
// # Usage
//
//	# Build
//	go build -o dentald ./cmd/dentald
//
//	# Run (serve is the default command)
//	./dentald
//	./dentald serve
//	./dentald version
package main

import (
	"fmt"
	"log"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/DentalAssistant/pkg/logging"
	"github.com/AleutianAI/DentalAssistant/services/backend"
	"github.com/AleutianAI/DentalAssistant/services/backend/config"
)

var (
	rootCmd = &cobra.Command{
		Use:   "dentald",
		Short: "Local backend for the dental clinical documentation assistant",
		Long: `dentald runs the on-device backend: transcription, note generation,
consultation storage and audit. All processing stays on this machine.`,
		RunE: runServe,
	}
	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Start the backend HTTP server (default)",
		RunE:  runServe,
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the backend version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(backend.Version)
		},
	}
)

func init() {
	rootCmd.AddCommand(serveCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("dentald: %v", err)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	bootLogger := logging.Default()

	settings, err := config.Load(bootLogger)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger := logging.New(logging.Config{
		Level:   settings.LogLevel,
		LogDir:  settings.LogDir,
		Service: "backend",
		JSON:    settings.Production,
	})
	defer logger.Close()

	svc, err := backend.New(settings, logger)
	if err != nil {
		return fmt.Errorf("assemble backend: %w", err)
	}
	return svc.Run()
}
