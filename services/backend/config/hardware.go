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
	"os/exec"
	"runtime"
	"strconv"
	"strings"

	"github.com/AleutianAI/DentalAssistant/pkg/logging"
)

// =============================================================================
// Hardware Profiles
// =============================================================================

// Profile classifies the host for model selection and pool sizing. The
// classification is advisory: it picks quantization levels and slot counts,
// it never gates a request.
type Profile string

const (
	ProfileHighVRAM Profile = "high_vram"
	ProfileLowVRAM  Profile = "low_vram"
	ProfileCPUOnly  Profile = "cpu_only"
)

// HardwareInfo describes what detection found, surfaced in /health and logs.
type HardwareInfo struct {
	Profile Profile `json:"profile"`
	GPUName string  `json:"gpu_name,omitempty"`
	VRAMMiB int     `json:"vram_mib,omitempty"`
	OS      string  `json:"os"`
	Arch    string  `json:"arch"`
}

// =============================================================================
// Detection
// =============================================================================

// DetectHardware probes the host and returns its profile.
//
// Order: DENTAL_FORCE_PROFILE override, NVIDIA GPU via nvidia-smi (>=8 GiB
// VRAM is high tier), Apple Silicon (always high tier), otherwise cpu_only.
// Probe failures are logged at debug and fall through; detection must never
// block startup.
func DetectHardware(logger *logging.Logger) HardwareInfo {
	info := HardwareInfo{
		Profile: ProfileCPUOnly,
		OS:      runtime.GOOS,
		Arch:    runtime.GOARCH,
	}

	if forced := os.Getenv("DENTAL_FORCE_PROFILE"); forced != "" {
		switch Profile(forced) {
		case ProfileHighVRAM, ProfileLowVRAM, ProfileCPUOnly:
			info.Profile = Profile(forced)
			logger.Info("hardware profile forced", "profile", forced)
			return info
		default:
			logger.Warn("ignoring invalid DENTAL_FORCE_PROFILE", "value", forced)
		}
	}

	if name, vram, ok := probeNvidia(); ok {
		info.GPUName = name
		info.VRAMMiB = vram
		if vram >= 8192 {
			info.Profile = ProfileHighVRAM
		} else {
			info.Profile = ProfileLowVRAM
		}
		logger.Info("gpu detected", "name", name, "vram_mib", vram, "profile", string(info.Profile))
		return info
	}

	if runtime.GOOS == "darwin" && runtime.GOARCH == "arm64" {
		info.Profile = ProfileHighVRAM
		info.GPUName = "Apple Silicon"
		logger.Info("apple silicon detected", "profile", string(info.Profile))
		return info
	}

	logger.Info("no gpu detected", "profile", string(info.Profile))
	return info
}

// probeNvidia shells out to nvidia-smi. Returns ok=false when the binary is
// absent or the output is unparseable.
func probeNvidia() (name string, vramMiB int, ok bool) {
	out, err := exec.Command("nvidia-smi",
		"--query-gpu=name,memory.total",
		"--format=csv,noheader,nounits").Output()
	if err != nil {
		return "", 0, false
	}

	// First GPU only; multi-GPU hosts still run one model.
	line := strings.SplitN(strings.TrimSpace(string(out)), "\n", 2)[0]
	parts := strings.Split(line, ",")
	if len(parts) != 2 {
		return "", 0, false
	}

	vram, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil || vram <= 0 {
		return "", 0, false
	}
	return strings.TrimSpace(parts[0]), vram, true
}
