// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package setup fetches model weights during first-run setup.
//
// Downloads are written to a .partial scratch file and renamed into place
// only when complete, so a crashed download never leaves a file the size
// checks could mistake for valid weights.
package setup

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/DentalAssistant/pkg/apperrors"
	"github.com/AleutianAI/DentalAssistant/pkg/logging"
	"github.com/AleutianAI/DentalAssistant/services/backend/config"
)

// Download states.
const (
	StateIdle        = "idle"
	StateDownloading = "downloading"
	StateCompleted   = "completed"
	StateFailed      = "failed"
)

// Progress is a point-in-time snapshot of the active (or last) download.
type Progress struct {
	Status        string  `json:"status"`
	Filename      string  `json:"filename,omitempty"`
	TotalBytes    int64   `json:"total_bytes"`
	ReceivedBytes int64   `json:"received_bytes"`
	Percent       float64 `json:"percent"`
	Error         string  `json:"error,omitempty"`
}

// Downloader fetches one model file at a time into the models directory.
//
// # Thread Safety
//
// All methods are safe for concurrent use. Only one download may be active;
// a second Start returns download/in_progress.
type Downloader struct {
	client    *http.Client
	modelsDir string
	logger    *logging.Logger

	// onDone receives the outcome ("success"/"failure") for audit and
	// metrics. May be nil.
	onDone func(outcome, filename, detail string)

	mu       sync.Mutex
	active   bool
	filename string
	total    atomic.Int64
	received atomic.Int64
	state    string
	lastErr  string
}

// NewDownloader creates a Downloader writing into modelsDir.
func NewDownloader(modelsDir string, logger *logging.Logger, onDone func(outcome, filename, detail string)) *Downloader {
	return &Downloader{
		// Model files run to several GB; the timeout covers stalled
		// connections via the transport, not total transfer time.
		client:    &http.Client{Timeout: 0},
		modelsDir: modelsDir,
		logger:    logger,
		onDone:    onDone,
		state:     StateIdle,
	}
}

// Start begins fetching spec in the background. Returns the expected size
// when known.
//
// # Outputs
//
//   - download/in_progress when another download is active
//   - download/failed when the transfer cannot start
func (d *Downloader) Start(ctx context.Context, spec config.ModelSpec) (int64, error) {
	d.mu.Lock()
	if d.active {
		d.mu.Unlock()
		return 0, apperrors.New(apperrors.DownloadInProgress)
	}
	d.active = true
	d.filename = spec.Filename
	d.state = StateDownloading
	d.lastErr = ""
	d.total.Store(0)
	d.received.Store(0)
	d.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, spec.URL, nil)
	if err != nil {
		d.finish(StateFailed, fmt.Sprintf("build request: %v", err))
		return 0, apperrors.Wrap(apperrors.DownloadFailed, err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		d.finish(StateFailed, fmt.Sprintf("connect: %v", err))
		return 0, apperrors.Wrap(apperrors.DownloadFailed, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		d.finish(StateFailed, fmt.Sprintf("server returned %d", resp.StatusCode))
		return 0, apperrors.Newf(apperrors.DownloadFailed, "server returned %d", resp.StatusCode)
	}

	d.total.Store(resp.ContentLength)
	go d.transfer(resp.Body, spec.Filename)
	return resp.ContentLength, nil
}

// transfer drains body into the scratch file and renames on success.
func (d *Downloader) transfer(body io.ReadCloser, filename string) {
	defer body.Close()

	partial := filepath.Join(d.modelsDir, filename+".partial")
	final := filepath.Join(d.modelsDir, filename)

	f, err := os.OpenFile(partial, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		d.finish(StateFailed, fmt.Sprintf("create scratch file: %v", err))
		return
	}

	buf := make([]byte, 1<<20)
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			if _, writeErr := f.Write(buf[:n]); writeErr != nil {
				f.Close()
				os.Remove(partial)
				d.finish(StateFailed, fmt.Sprintf("write: %v", writeErr))
				return
			}
			d.received.Add(int64(n))
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			f.Close()
			os.Remove(partial)
			d.finish(StateFailed, fmt.Sprintf("read: %v", readErr))
			return
		}
	}

	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(partial)
		d.finish(StateFailed, fmt.Sprintf("sync: %v", err))
		return
	}
	f.Close()

	if err := os.Rename(partial, final); err != nil {
		os.Remove(partial)
		d.finish(StateFailed, fmt.Sprintf("rename: %v", err))
		return
	}
	d.finish(StateCompleted, "")
}

func (d *Downloader) finish(state, errMsg string) {
	d.mu.Lock()
	d.active = false
	d.state = state
	d.lastErr = errMsg
	filename := d.filename
	d.mu.Unlock()

	if state == StateCompleted {
		d.logger.Info("model download completed", "filename", filename)
	} else {
		d.logger.Error("model download failed", "filename", filename, "error", errMsg)
	}
	if d.onDone != nil {
		outcome := "success"
		if state != StateCompleted {
			outcome = "failure"
		}
		d.onDone(outcome, filename, errMsg)
	}
}

// Progress returns the current snapshot.
func (d *Downloader) Progress() Progress {
	d.mu.Lock()
	state := d.state
	filename := d.filename
	lastErr := d.lastErr
	d.mu.Unlock()

	total := d.total.Load()
	received := d.received.Load()
	percent := 0.0
	if total > 0 {
		percent = float64(received) / float64(total) * 100
	}
	return Progress{
		Status:        state,
		Filename:      filename,
		TotalBytes:    total,
		ReceivedBytes: received,
		Percent:       percent,
		Error:         lastErr,
	}
}

// Active reports whether a transfer is running.
func (d *Downloader) Active() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}

// WaitIdle blocks until the active transfer ends or the timeout passes.
// Test helper and shutdown aid.
func (d *Downloader) WaitIdle(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !d.Active() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return !d.Active()
}
