// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"os"
	"path/filepath"
)

// =============================================================================
// Model Catalog
// =============================================================================

// ModelSpec describes one downloadable model artifact. The filename differs
// per profile so a profile change never silently reuses the wrong weights.
type ModelSpec struct {
	URL      string
	Filename string
	SizeGB   float64
}

// llmModels maps hardware profile to the Llama-3 quantization it should run.
var llmModels = map[Profile]ModelSpec{
	ProfileHighVRAM: {
		URL:      "https://huggingface.co/TheBloke/Llama-3-8B-Instruct-GGUF/resolve/main/llama-3-8b-instruct.Q6_K.gguf",
		Filename: "llama-3-8b-instruct.Q6_K.gguf",
		SizeGB:   6.6,
	},
	ProfileLowVRAM: {
		URL:      "https://huggingface.co/TheBloke/Llama-3-8B-Instruct-GGUF/resolve/main/llama-3-8b-instruct.Q4_K_M.gguf",
		Filename: "llama-3-8b-instruct.Q4_K_M.gguf",
		SizeGB:   4.9,
	},
	ProfileCPUOnly: {
		URL:      "https://huggingface.co/TheBloke/Llama-3-8B-Instruct-GGUF/resolve/main/llama-3-8b-instruct.Q4_K_S.gguf",
		Filename: "llama-3-8b-instruct.Q4_K_S.gguf",
		SizeGB:   4.7,
	},
}

// whisperMinBinSize rejects a partially downloaded whisper-small model.
const whisperMinBinSize = 350 * 1024 * 1024

// LLMModel returns the model spec for the detected profile.
func (s *Settings) LLMModel() ModelSpec {
	return llmModels[s.Hardware.Profile]
}

// LLMModelPath is the on-disk location of the profile's gguf file.
func (s *Settings) LLMModelPath() string {
	return filepath.Join(s.ModelsDir, s.LLMModel().Filename)
}

// WhisperModelDir is the on-disk location of the whisper-small model.
func (s *Settings) WhisperModelDir() string {
	return filepath.Join(s.ModelsDir, "whisper-small")
}

// =============================================================================
// Validity Checks
// =============================================================================

// LLMModelReady reports whether the LLM weights exist and are plausibly
// complete. An interrupted download leaves a short file; anything below 80%
// of the expected size is treated as absent.
func (s *Settings) LLMModelReady() bool {
	info, err := os.Stat(s.LLMModelPath())
	if err != nil {
		return false
	}
	minBytes := int64(s.LLMModel().SizeGB * 0.8 * float64(1<<30))
	return info.Size() >= minBytes
}

// WhisperModelReady reports whether the whisper model directory contains the
// required files with a plausible model.bin size.
func (s *Settings) WhisperModelReady() bool {
	dir := s.WhisperModelDir()
	if _, err := os.Stat(filepath.Join(dir, "config.json")); err != nil {
		return false
	}
	info, err := os.Stat(filepath.Join(dir, "model.bin"))
	if err != nil {
		return false
	}
	return info.Size() >= whisperMinBinSize
}
