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

var _ EmbeddingClient = (*LocalEmbeddingClient)(nil)

// LocalEmbeddingClient talks to a llama.cpp embedding endpoint on loopback.
// Usually the same server process as generation, started with --embedding.
type LocalEmbeddingClient struct {
	httpClient *http.Client
	baseURL    string
}

// NewLocalEmbeddingClient creates a client for the given base URL.
func NewLocalEmbeddingClient(baseURL string) *LocalEmbeddingClient {
	return &LocalEmbeddingClient{
		httpClient: &http.Client{Timeout: 2 * time.Minute},
		baseURL:    strings.TrimSuffix(baseURL, "/"),
	}
}

type embeddingPayload struct {
	Content string `json:"content"`
}

// llama.cpp has shipped both {"embedding":[...]} and
// [{"embedding":[[...]]}] shapes; accept either.
type embeddingResp struct {
	Embedding []float32 `json:"embedding"`
}

type embeddingRespNested struct {
	Embedding [][]float32 `json:"embedding"`
}

// Embed implements the EmbeddingClient interface.
func (e *LocalEmbeddingClient) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(embeddingPayload{Content: text})
	if err != nil {
		return nil, fmt.Errorf("marshal embedding payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		e.baseURL+"/embedding", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, apperrors.Wrap(apperrors.InferenceCancelled, ctx.Err())
		}
		return nil, apperrors.Wrap(apperrors.ModelDependencyMissing, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, apperrors.Wrap(apperrors.InferenceRuntime,
			fmt.Errorf("embedding status %d: %s", resp.StatusCode, snippet))
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.InferenceRuntime, err)
	}
	vec, err := parseEmbedding(raw)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.InferenceRuntime, err)
	}
	return vec, nil
}

// EmbedBatch implements the EmbeddingClient interface. Sequential requests;
// batching happens at the scheduler layer, and the local server processes
// one embedding at a time anyway.
func (e *LocalEmbeddingClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := e.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

// Ping implements the EmbeddingClient interface.
func (e *LocalEmbeddingClient) Ping(ctx context.Context) error {
	return pingURL(ctx, e.httpClient, e.baseURL+"/health")
}

func parseEmbedding(raw []byte) ([]float32, error) {
	var flat embeddingResp
	if err := json.Unmarshal(raw, &flat); err == nil && len(flat.Embedding) > 0 {
		return flat.Embedding, nil
	}

	var nestedList []embeddingRespNested
	if err := json.Unmarshal(raw, &nestedList); err == nil &&
		len(nestedList) > 0 && len(nestedList[0].Embedding) > 0 && len(nestedList[0].Embedding[0]) > 0 {
		return nestedList[0].Embedding[0], nil
	}

	return nil, fmt.Errorf("unrecognised embedding response shape")
}
