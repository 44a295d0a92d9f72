// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
)

// =============================================================================
// SSE Writer
// =============================================================================

// The streaming endpoints use data-only SSE framing, matching what the
// desktop shell's EventSource wrapper parses:
//
//	data: {"rag_enhanced":true}     (RAG variants, first event)
//	data: {"chunk":"- Motif"}       (one per token)
//	data: [DONE]                    (literal sentinel, successful end)
//	data: {"error_code":...}        (terminal, stream failed mid-flight)

// doneSentinel terminates a successful stream.
const doneSentinel = "[DONE]"

// sseWriter serialises data-only SSE events onto a response.
//
// # Thread Safety
//
// Safe for concurrent use; writes are serialised by a mutex so events never
// interleave.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	mu      sync.Mutex
}

// newSSEWriter wraps w, which must support http.Flusher.
func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support streaming")
	}
	return &sseWriter{w: w, flusher: flusher}, nil
}

// setSSEHeaders must run before the first event is written.
func setSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// writeJSON emits one data event carrying v as JSON and flushes.
func (s *sseWriter) writeJSON(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal sse event: %w", err)
	}
	return s.writeRaw(string(payload))
}

// writeChunk emits one generated token.
func (s *sseWriter) writeChunk(token string) error {
	return s.writeJSON(map[string]string{"chunk": token})
}

// writeDone emits the terminal sentinel.
func (s *sseWriter) writeDone() error {
	return s.writeRaw(doneSentinel)
}

func (s *sseWriter) writeRaw(data string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("write sse event: %w", err)
	}
	s.flusher.Flush()
	return nil
}
