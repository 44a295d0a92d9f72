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
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/AleutianAI/DentalAssistant/pkg/apperrors"
)

// Compile-time interface check.
var _ LLMClient = (*LocalLlamaCppClient)(nil)

// Generation defaults for clinical SmartNotes: conservative sampling, Llama-3
// instruct stop tokens, enough budget for a full structured note.
var (
	defaultTemperature float32 = 0.3
	defaultTopP        float32 = 0.9
	defaultTopK                = 40
	defaultMaxTokens           = 800
	defaultStop                = []string{"<|eot_id|>", "<|end_of_text|>"}
)

// LocalLlamaCppClient talks to a llama.cpp server on loopback.
//
// # Thread Safety
//
// Safe for concurrent use; concurrency control lives in the scheduler, not
// here.
type LocalLlamaCppClient struct {
	httpClient *http.Client
	baseURL    string
}

// NewLocalLlamaCppClient creates a client for the given base URL
// (e.g. http://127.0.0.1:8080).
func NewLocalLlamaCppClient(baseURL string) *LocalLlamaCppClient {
	return &LocalLlamaCppClient{
		// Generation can legitimately take minutes on cpu_only hosts; the
		// per-request deadline comes from ctx.
		httpClient: &http.Client{Timeout: 10 * time.Minute},
		baseURL:    strings.TrimSuffix(baseURL, "/"),
	}
}

type completionPayload struct {
	Prompt      string   `json:"prompt"`
	NPredict    int      `json:"n_predict"`
	Temperature *float32 `json:"temperature,omitempty"`
	TopK        *int     `json:"top_k,omitempty"`
	TopP        *float32 `json:"top_p,omitempty"`
	Stop        []string `json:"stop,omitempty"`
	Stream      bool     `json:"stream"`
}

type completionResp struct {
	Content string `json:"content"`
	Stop    bool   `json:"stop"`
}

func buildPayload(prompt string, params GenerationParams, stream bool) completionPayload {
	payload := completionPayload{Prompt: prompt, Stream: stream}

	if params.MaxTokens != nil {
		payload.NPredict = *params.MaxTokens
	} else {
		payload.NPredict = defaultMaxTokens
	}
	if params.Temperature != nil {
		payload.Temperature = params.Temperature
	} else {
		payload.Temperature = &defaultTemperature
	}
	if params.TopK != nil {
		payload.TopK = params.TopK
	} else {
		payload.TopK = &defaultTopK
	}
	if params.TopP != nil {
		payload.TopP = params.TopP
	} else {
		payload.TopP = &defaultTopP
	}
	if params.Stop != nil {
		payload.Stop = params.Stop
	} else {
		payload.Stop = defaultStop
	}
	return payload
}

// Generate implements the LLMClient interface.
func (l *LocalLlamaCppClient) Generate(ctx context.Context, prompt string,
	params GenerationParams) (string, error) {

	body, err := json.Marshal(buildPayload(prompt, params, false))
	if err != nil {
		return "", fmt.Errorf("marshal completion payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		l.baseURL+"/completion", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build completion request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := l.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", apperrors.Wrap(apperrors.InferenceCancelled, ctx.Err())
		}
		return "", apperrors.Wrap(apperrors.ModelDependencyMissing, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", apperrors.Wrap(apperrors.InferenceRuntime,
			fmt.Errorf("llama.cpp status %d: %s", resp.StatusCode, snippet))
	}

	var parsed completionResp
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", apperrors.Wrap(apperrors.InferenceRuntime, err)
	}
	return parsed.Content, nil
}

// GenerateStream implements the LLMClient interface. llama.cpp streams
// SSE-framed JSON lines; each "data: {...}" carries a content chunk, the
// final one has stop=true.
func (l *LocalLlamaCppClient) GenerateStream(ctx context.Context, prompt string,
	params GenerationParams, callback StreamCallback) error {

	body, err := json.Marshal(buildPayload(prompt, params, true))
	if err != nil {
		return fmt.Errorf("marshal completion payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		l.baseURL+"/completion", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build completion request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := l.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return apperrors.Wrap(apperrors.InferenceCancelled, ctx.Err())
		}
		return apperrors.Wrap(apperrors.ModelDependencyMissing, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return apperrors.Wrap(apperrors.InferenceRuntime,
			fmt.Errorf("llama.cpp status %d: %s", resp.StatusCode, snippet))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data: ") {
			continue
		}

		var chunk completionResp
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &chunk); err != nil {
			return apperrors.Wrap(apperrors.InferenceStream, err)
		}

		if chunk.Content != "" {
			if err := callback(StreamEvent{Type: StreamEventToken, Token: chunk.Content}); err != nil {
				return err
			}
		}
		if chunk.Stop {
			return callback(StreamEvent{Type: StreamEventDone})
		}
	}

	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return apperrors.Wrap(apperrors.InferenceCancelled, ctx.Err())
		}
		return apperrors.Wrap(apperrors.InferenceStream, err)
	}
	// Stream ended without a stop marker: backend died mid-generation.
	return apperrors.Wrap(apperrors.InferenceStream,
		fmt.Errorf("stream ended without stop marker"))
}

// Ping implements the LLMClient interface via llama.cpp's /health.
func (l *LocalLlamaCppClient) Ping(ctx context.Context) error {
	return pingURL(ctx, l.httpClient, l.baseURL+"/health")
}

func pingURL(ctx context.Context, client *http.Client, url string) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return apperrors.Wrap(apperrors.ModelDependencyMissing, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return apperrors.Wrap(apperrors.ModelDependencyMissing,
			fmt.Errorf("health status %d", resp.StatusCode))
	}
	return nil
}
