// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm holds the model backend ports and their local HTTP
// implementations.
//
// Three capabilities, three interfaces: speech to text (whisper.cpp
// server), text generation (llama.cpp server) and embeddings (llama.cpp
// embedding endpoint). Everything runs on loopback; no request ever
// leaves the machine.
package llm

import "context"

// =============================================================================
// Generation parameters
// =============================================================================

// GenerationParams tunes a single generation. Nil fields take the backend
// defaults tuned for clinical summarisation (low temperature, Llama-3 stop
// tokens).
type GenerationParams struct {
	Temperature *float32 `json:"temperature,omitempty"`
	TopK        *int     `json:"top_k,omitempty"`
	TopP        *float32 `json:"top_p,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

// =============================================================================
// Streaming
// =============================================================================

// StreamEventType discriminates streaming callback events.
type StreamEventType string

const (
	// StreamEventToken carries one generated chunk.
	StreamEventToken StreamEventType = "token"
	// StreamEventDone signals successful end of generation.
	StreamEventDone StreamEventType = "done"
)

// StreamEvent is one unit of streamed output.
type StreamEvent struct {
	Type  StreamEventType
	Token string
}

// StreamCallback receives stream events in order. Returning an error aborts
// the stream; the abort error propagates out of GenerateStream.
type StreamCallback func(event StreamEvent) error

// =============================================================================
// Ports
// =============================================================================

// LLMClient defines the interface for a text generation backend.
type LLMClient interface {
	// Generate returns the full completion for a prompt.
	Generate(ctx context.Context, prompt string, params GenerationParams) (string, error)

	// GenerateStream invokes the callback per token chunk, then with a
	// final done event.
	GenerateStream(ctx context.Context, prompt string, params GenerationParams, callback StreamCallback) error

	// Ping reports backend reachability. Used to distinguish "model
	// runtime down" from "model busy" before queueing work.
	Ping(ctx context.Context) error
}

// SpeechClient defines the interface for a speech-to-text backend.
type SpeechClient interface {
	// Transcribe converts an audio file to text. languageHint may be empty
	// for auto detection.
	Transcribe(ctx context.Context, audioPath string, languageHint string) (string, error)

	Ping(ctx context.Context) error
}

// EmbeddingClient defines the interface for a text embedding backend.
type EmbeddingClient interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	Ping(ctx context.Context) error
}
