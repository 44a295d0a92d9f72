// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config resolves everything the backend needs before it can serve:
// the per-user data directory, credentials, model locations, hardware
// profile, pool sizes and rate limits.
//
// Precedence is env > config.yaml > defaults. The .env file (if present in
// the working directory) is loaded first via godotenv so packaged installs
// can ship overrides next to the binary.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/DentalAssistant/pkg/apperrors"
	"github.com/AleutianAI/DentalAssistant/pkg/logging"
)

// =============================================================================
// Constants
// =============================================================================

const (
	appDirName = "DentalAssistant"

	// DevAPIKey is the development fallback credential. Production mode
	// refuses to start with it.
	DevAPIKey = "dental-assistant-local-dev-key"

	defaultPort             = 8734
	defaultLLMBaseURL       = "http://127.0.0.1:8080"
	defaultWhisperBaseURL   = "http://127.0.0.1:8090"
	defaultEmbeddingBaseURL = "http://127.0.0.1:8080"

	// MaxRequestBytes caps any request body, multipart uploads included.
	MaxRequestBytes = 100 << 20

	defaultWaitingCap  = 16
	defaultWaitBudget  = 30 * time.Second
	defaultGenDeadline = 120 * time.Second
)

// =============================================================================
// Settings
// =============================================================================

// PoolLimits sizes the inference scheduler.
type PoolLimits struct {
	SpeechSlots   int `yaml:"speech_slots"`
	GenerateSlots int `yaml:"generate_slots"`
	EmbedSlots    int `yaml:"embed_slots"`
	WaitingCap    int `yaml:"waiting_cap"`
}

// RateLimits holds per-tier token-bucket settings, in requests per window.
type RateLimits struct {
	HeavyPerMinute    int `yaml:"heavy_per_minute"`
	ModeratePerMinute int `yaml:"moderate_per_minute"`
	LightPerMinute    int `yaml:"light_per_minute"`
	MaxClients        int `yaml:"max_clients"`
}

// Settings is the resolved backend configuration. Built once at startup and
// treated as read-only afterwards.
type Settings struct {
	Port       int
	APIKey     string
	Production bool
	LogLevel   logging.Level

	// Directories, all under DataDir, created 0700 by Load.
	DataDir   string
	ModelsDir string
	LogDir    string
	RAGDir    string
	UploadDir string

	AuditPath   string
	JournalPath string
	IndexPath   string

	LLMBaseURL       string
	WhisperBaseURL   string
	EmbeddingBaseURL string

	Hardware HardwareInfo
	Pool     PoolLimits
	Rate     RateLimits

	// WaitBudget bounds how long a request may sit in a scheduler queue.
	WaitBudget time.Duration
	// GenerateDeadline bounds a single non-streaming generation.
	GenerateDeadline time.Duration
}

// fileConfig is the optional config.yaml shape. Only tuning knobs live here;
// secrets stay in the environment.
type fileConfig struct {
	Port     int        `yaml:"port"`
	LogLevel string     `yaml:"log_level"`
	Pool     PoolLimits `yaml:"pool"`
	Rate     RateLimits `yaml:"rate"`
}

// =============================================================================
// Loading
// =============================================================================

// Load builds Settings from the environment, the optional
// <data>/config.yaml, and detected hardware.
//
// # Outputs
//
//   - *Settings: fully resolved configuration
//   - error: auth/misconfigured when production mode lacks APP_API_KEY, or
//     a wrapped filesystem error when the data directory cannot be created
func Load(logger *logging.Logger) (*Settings, error) {
	// Best effort; a missing .env file is the normal case.
	_ = godotenv.Load()

	dataDir, err := resolveDataDir()
	if err != nil {
		return nil, fmt.Errorf("resolve data dir: %w", err)
	}

	s := &Settings{
		Port:             defaultPort,
		DataDir:          dataDir,
		ModelsDir:        filepath.Join(dataDir, "models"),
		LogDir:           filepath.Join(dataDir, "logs"),
		RAGDir:           filepath.Join(dataDir, "rag_data"),
		UploadDir:        filepath.Join(dataDir, "uploads"),
		AuditPath:        filepath.Join(dataDir, "audit.jsonl"),
		JournalPath:      filepath.Join(dataDir, "rag_data", "journal.jsonl"),
		IndexPath:        filepath.Join(dataDir, "rag_data", "index.json"),
		LLMBaseURL:       defaultLLMBaseURL,
		WhisperBaseURL:   defaultWhisperBaseURL,
		EmbeddingBaseURL: defaultEmbeddingBaseURL,
		Pool: PoolLimits{
			SpeechSlots:   1,
			GenerateSlots: 1,
			EmbedSlots:    1,
			WaitingCap:    defaultWaitingCap,
		},
		Rate: RateLimits{
			HeavyPerMinute:    6,
			ModeratePerMinute: 30,
			LightPerMinute:    120,
			MaxClients:        1024,
		},
		WaitBudget:       defaultWaitBudget,
		GenerateDeadline: defaultGenDeadline,
	}

	for _, dir := range []string{s.DataDir, s.ModelsDir, s.LogDir, s.RAGDir, s.UploadDir} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	if err := applyFileConfig(s, filepath.Join(dataDir, "config.yaml"), logger); err != nil {
		return nil, err
	}
	applyEnv(s)

	s.Production = isProduction()
	if key := os.Getenv("APP_API_KEY"); key != "" {
		s.APIKey = key
	} else if s.Production {
		return nil, apperrors.New(apperrors.AuthMisconfigured)
	} else {
		s.APIKey = DevAPIKey
		logger.Warn("APP_API_KEY not set, using development default key")
	}

	s.Hardware = DetectHardware(logger)
	// High-tier machines can run two generations without starving speech.
	if s.Hardware.Profile == ProfileHighVRAM && s.Pool.GenerateSlots == 1 {
		s.Pool.GenerateSlots = 2
	}

	logger.Info("configuration loaded",
		"data_dir", s.DataDir,
		"port", s.Port,
		"profile", string(s.Hardware.Profile),
		"production", s.Production,
	)
	return s, nil
}

// resolveDataDir applies the platform convention, with
// DENTAL_ASSISTANT_DATA_DIR taking precedence.
//
//   - Windows: %APPDATA%\DentalAssistant
//   - macOS:   ~/Library/Application Support/DentalAssistant
//   - Linux:   $XDG_DATA_HOME/DentalAssistant or ~/.local/share/DentalAssistant
func resolveDataDir() (string, error) {
	if dir := os.Getenv("DENTAL_ASSISTANT_DATA_DIR"); dir != "" {
		return dir, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	switch runtime.GOOS {
	case "windows":
		root := os.Getenv("APPDATA")
		if root == "" {
			root = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(root, appDirName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", appDirName), nil
	default:
		if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
			return filepath.Join(xdg, appDirName), nil
		}
		return filepath.Join(home, ".local", "share", appDirName), nil
	}
}

func applyFileConfig(s *Settings, path string, logger *logging.Logger) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config.yaml: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		// A broken tuning file must not brick the install.
		logger.Warn("ignoring malformed config.yaml", "error", err)
		return nil
	}

	if fc.Port > 0 {
		s.Port = fc.Port
	}
	if fc.LogLevel != "" {
		s.LogLevel = logging.ParseLevel(fc.LogLevel)
	}
	mergePool(&s.Pool, fc.Pool)
	mergeRate(&s.Rate, fc.Rate)
	return nil
}

func mergePool(dst *PoolLimits, src PoolLimits) {
	if src.SpeechSlots > 0 {
		dst.SpeechSlots = src.SpeechSlots
	}
	if src.GenerateSlots > 0 {
		dst.GenerateSlots = src.GenerateSlots
	}
	if src.EmbedSlots > 0 {
		dst.EmbedSlots = src.EmbedSlots
	}
	if src.WaitingCap > 0 {
		dst.WaitingCap = src.WaitingCap
	}
}

func mergeRate(dst *RateLimits, src RateLimits) {
	if src.HeavyPerMinute > 0 {
		dst.HeavyPerMinute = src.HeavyPerMinute
	}
	if src.ModeratePerMinute > 0 {
		dst.ModeratePerMinute = src.ModeratePerMinute
	}
	if src.LightPerMinute > 0 {
		dst.LightPerMinute = src.LightPerMinute
	}
	if src.MaxClients > 0 {
		dst.MaxClients = src.MaxClients
	}
}

func applyEnv(s *Settings) {
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			s.Port = port
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		s.LogLevel = logging.ParseLevel(v)
	}
	if v := os.Getenv("LLM_SERVICE_URL_BASE"); v != "" {
		s.LLMBaseURL = v
	}
	if v := os.Getenv("WHISPER_SERVICE_URL_BASE"); v != "" {
		s.WhisperBaseURL = v
	}
	if v := os.Getenv("EMBEDDING_SERVICE_URL_BASE"); v != "" {
		s.EmbeddingBaseURL = v
	}
	if v := os.Getenv("DENTAL_WAITING_CAP"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			s.Pool.WaitingCap = n
		}
	}
}

func isProduction() bool {
	if os.Getenv("ENV") == "production" {
		return true
	}
	v := os.Getenv("PRODUCTION")
	return v == "1" || v == "true"
}
