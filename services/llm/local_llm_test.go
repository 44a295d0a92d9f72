// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/DentalAssistant/pkg/apperrors"
)

func TestGenerate_AppliesDefaults(t *testing.T) {
	var got completionPayload
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/completion", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(completionResp{Content: "Motif: controle.", Stop: true})
	}))
	defer server.Close()

	client := NewLocalLlamaCppClient(server.URL)
	out, err := client.Generate(context.Background(), "prompt", GenerationParams{})
	require.NoError(t, err)

	assert.Equal(t, "Motif: controle.", out)
	assert.Equal(t, 800, got.NPredict)
	require.NotNil(t, got.Temperature)
	assert.InDelta(t, 0.3, float64(*got.Temperature), 1e-6)
	require.NotNil(t, got.TopK)
	assert.Equal(t, 40, *got.TopK)
	require.NotNil(t, got.TopP)
	assert.InDelta(t, 0.9, float64(*got.TopP), 1e-6)
	assert.Equal(t, []string{"<|eot_id|>", "<|end_of_text|>"}, got.Stop)
	assert.False(t, got.Stream)
}

func TestGenerate_ParamOverrides(t *testing.T) {
	var got completionPayload
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(completionResp{Content: "ok", Stop: true})
	}))
	defer server.Close()

	temp := float32(0.7)
	maxTokens := 64
	client := NewLocalLlamaCppClient(server.URL)
	_, err := client.Generate(context.Background(), "p", GenerationParams{
		Temperature: &temp,
		MaxTokens:   &maxTokens,
		Stop:        []string{"FIN"},
	})
	require.NoError(t, err)

	assert.Equal(t, 64, got.NPredict)
	assert.InDelta(t, 0.7, float64(*got.Temperature), 1e-6)
	assert.Equal(t, []string{"FIN"}, got.Stop)
}

func TestGenerate_BackendDown(t *testing.T) {
	client := NewLocalLlamaCppClient("http://127.0.0.1:1")
	_, err := client.Generate(context.Background(), "p", GenerationParams{})
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.ModelDependencyMissing))
}

func TestGenerate_BackendError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "loading model", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := NewLocalLlamaCppClient(server.URL)
	_, err := client.Generate(context.Background(), "p", GenerationParams{})
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.InferenceRuntime))
}

func TestGenerateStream_DeliversChunksInOrder(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload completionPayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.True(t, payload.Stream)

		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, chunk := range []string{"Motif", ": ", "douleur"} {
			fmt.Fprintf(w, "data: {\"content\":%q,\"stop\":false}\n\n", chunk)
			flusher.Flush()
		}
		fmt.Fprint(w, "data: {\"content\":\"\",\"stop\":true}\n\n")
	}))
	defer server.Close()

	var tokens []string
	done := false
	client := NewLocalLlamaCppClient(server.URL)
	err := client.GenerateStream(context.Background(), "p", GenerationParams{},
		func(event StreamEvent) error {
			switch event.Type {
			case StreamEventToken:
				tokens = append(tokens, event.Token)
			case StreamEventDone:
				done = true
			}
			return nil
		})

	require.NoError(t, err)
	assert.Equal(t, []string{"Motif", ": ", "douleur"}, tokens)
	assert.True(t, done)
}

func TestGenerateStream_CallbackAbortStopsStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		for i := 0; i < 100; i++ {
			fmt.Fprint(w, "data: {\"content\":\"x\",\"stop\":false}\n\n")
			flusher.Flush()
		}
		fmt.Fprint(w, "data: {\"content\":\"\",\"stop\":true}\n\n")
	}))
	defer server.Close()

	abort := errors.New("client went away")
	seen := 0
	client := NewLocalLlamaCppClient(server.URL)
	err := client.GenerateStream(context.Background(), "p", GenerationParams{},
		func(event StreamEvent) error {
			seen++
			if seen == 3 {
				return abort
			}
			return nil
		})

	require.ErrorIs(t, err, abort)
	assert.Equal(t, 3, seen)
}

func TestGenerateStream_TruncatedStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Chunks but never a stop marker.
		fmt.Fprint(w, "data: {\"content\":\"partial\",\"stop\":false}\n\n")
	}))
	defer server.Close()

	client := NewLocalLlamaCppClient(server.URL)
	err := client.GenerateStream(context.Background(), "p", GenerationParams{},
		func(StreamEvent) error { return nil })

	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.InferenceStream))
}

func TestGenerateStream_ContextCancelled(t *testing.T) {
	started := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Drain the body so the server detects the client disconnect and
		// cancels r.Context(); otherwise Close deadlocks on this handler.
		io.Copy(io.Discard, r.Body)
		close(started)
		<-r.Context().Done()
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	client := NewLocalLlamaCppClient(server.URL)
	err := client.GenerateStream(ctx, "p", GenerationParams{},
		func(StreamEvent) error { return nil })

	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.InferenceCancelled))
}

func TestPing(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := NewLocalLlamaCppClient(server.URL)
	assert.NoError(t, client.Ping(context.Background()))

	down := NewLocalLlamaCppClient("http://127.0.0.1:1")
	err := down.Ping(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.ModelDependencyMissing))
}

func TestBuildPayload_StreamFlag(t *testing.T) {
	p := buildPayload("x", GenerationParams{}, true)
	assert.True(t, p.Stream)
	assert.False(t, strings.Contains(p.Prompt, "\x00"))
}
