// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package audit writes the append-only trail of clinically relevant actions.
//
// Entries land as JSON lines in <data>/audit.jsonl (0600). The trail is a
// compliance artifact for a single-practitioner install: who did what, when,
// with what outcome. It never stores transcription or note bodies, only
// metadata.
//
// Logging is fire-and-forget: a full disk must not take down note
// generation, so failures are slog'd and counted, never returned.
package audit

import (
	"encoding/json"
	"os"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/AleutianAI/DentalAssistant/pkg/logging"
)

// =============================================================================
// Actions
// =============================================================================

// Audited action tags. Stable strings; the desktop shell filters on them.
const (
	ActionTranscribe         = "TRANSCRIBE"
	ActionSummarize          = "SUMMARIZE"
	ActionSummarizeRAG       = "SUMMARIZE_RAG"
	ActionConsultationSave   = "CONSULTATION_SAVE"
	ActionConsultationSearch = "CONSULTATION_SEARCH"
	ActionConsultationExport = "CONSULTATION_EXPORT"
	ActionAuditRead          = "AUDIT_READ"
	ActionModelDownload      = "MODEL_DOWNLOAD"
	ActionAuthRejected       = "AUTH_REJECTED"
)

// Outcome values.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// maxDetailLen caps the free-text field so a pathological error string
// cannot bloat the trail.
const maxDetailLen = 500

// defaultActor names the practitioner on a single-user install.
const defaultActor = "local-user"

// =============================================================================
// Entry
// =============================================================================

// Entry is one audit record. Timestamp is filled by Log.
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	Action    string    `json:"action"`
	Actor     string    `json:"actor"`
	Resource  string    `json:"resource,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	Outcome   string    `json:"outcome"`
	Detail    string    `json:"detail,omitempty"`
}

// =============================================================================
// Trail
// =============================================================================

// Trail is the append-only audit log.
//
// # Thread Safety
//
// All methods are safe for concurrent use; writes are serialised by a mutex
// so lines never interleave.
type Trail struct {
	path      string
	logger    *logging.Logger
	onFailure func()

	mu sync.Mutex
}

// New creates a Trail writing to path. onFailure is invoked once per failed
// write (metrics hook); it may be nil.
func New(path string, logger *logging.Logger, onFailure func()) *Trail {
	return &Trail{path: path, logger: logger, onFailure: onFailure}
}

// Log appends one entry. Exactly one call is made per audited request, at
// the point the outcome is known.
func (t *Trail) Log(e Entry) {
	e.Timestamp = time.Now().UTC()
	if e.Actor == "" {
		e.Actor = defaultActor
	}
	if len(e.Detail) > maxDetailLen {
		// Back up to a rune boundary so the cut never leaves a split
		// multi-byte character in the JSON.
		cut := maxDetailLen
		for cut > 0 && !utf8.RuneStart(e.Detail[cut]) {
			cut--
		}
		e.Detail = e.Detail[:cut]
	}

	line, err := json.Marshal(e)
	if err != nil {
		t.fail("marshal audit entry", err)
		return
	}
	line = append(line, '\n')

	t.mu.Lock()
	defer t.mu.Unlock()

	f, err := os.OpenFile(t.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		t.fail("open audit file", err)
		return
	}
	defer f.Close()

	if _, err := f.Write(line); err != nil {
		t.fail("write audit entry", err)
		return
	}
	// The trail is a compliance artifact; it must survive a crash.
	if err := f.Sync(); err != nil {
		t.fail("sync audit file", err)
	}
}

// Recent returns the newest n entries, newest first. Malformed lines are
// skipped; a missing file yields an empty slice.
func (t *Trail) Recent(n int) ([]Entry, error) {
	if n <= 0 {
		return []Entry{}, nil
	}

	t.mu.Lock()
	data, err := os.ReadFile(t.path)
	t.mu.Unlock()
	if err != nil {
		if os.IsNotExist(err) {
			return []Entry{}, nil
		}
		return nil, err
	}

	var entries []Entry
	start := 0
	for i := 0; i <= len(data); i++ {
		if i == len(data) || data[i] == '\n' {
			if i > start {
				var e Entry
				if json.Unmarshal(data[start:i], &e) == nil && e.Action != "" {
					entries = append(entries, e)
				}
			}
			start = i + 1
		}
	}

	if len(entries) > n {
		entries = entries[len(entries)-n:]
	}
	// Newest first.
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

func (t *Trail) fail(op string, err error) {
	t.logger.Error("audit write failed", "op", op, "error", err)
	if t.onFailure != nil {
		t.onFailure()
	}
}
