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
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/AleutianAI/DentalAssistant/pkg/apperrors"
)

var _ SpeechClient = (*WhisperClient)(nil)

// WhisperClient talks to a whisper.cpp server on loopback via its
// /inference multipart endpoint.
type WhisperClient struct {
	httpClient *http.Client
	baseURL    string
}

// NewWhisperClient creates a client for the given base URL
// (e.g. http://127.0.0.1:8090).
func NewWhisperClient(baseURL string) *WhisperClient {
	return &WhisperClient{
		httpClient: &http.Client{Timeout: 10 * time.Minute},
		baseURL:    strings.TrimSuffix(baseURL, "/"),
	}
}

type whisperResp struct {
	Text  string `json:"text"`
	Error string `json:"error"`
}

// Transcribe implements the SpeechClient interface. The audio file is
// streamed into a multipart body; whisper.cpp answers {"text": "..."}.
func (w *WhisperClient) Transcribe(ctx context.Context, audioPath string, languageHint string) (string, error) {
	f, err := os.Open(audioPath)
	if err != nil {
		return "", fmt.Errorf("open audio file: %w", err)
	}
	defer f.Close()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("file", filepath.Base(audioPath))
	if err != nil {
		return "", fmt.Errorf("build multipart: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return "", fmt.Errorf("copy audio into multipart: %w", err)
	}

	fields := map[string]string{
		"response_format": "json",
		"temperature":     "0.0",
	}
	if languageHint != "" {
		fields["language"] = languageHint
	}
	for k, v := range fields {
		if err := writer.WriteField(k, v); err != nil {
			return "", fmt.Errorf("write multipart field %s: %w", k, err)
		}
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close multipart: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		w.baseURL+"/inference", &body)
	if err != nil {
		return "", fmt.Errorf("build inference request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := w.httpClient.Do(req)
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
			fmt.Errorf("whisper status %d: %s", resp.StatusCode, snippet))
	}

	var parsed whisperResp
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", apperrors.Wrap(apperrors.InferenceRuntime, err)
	}
	if parsed.Error != "" {
		return "", apperrors.Wrap(apperrors.InferenceRuntime,
			fmt.Errorf("whisper: %s", parsed.Error))
	}
	return strings.TrimSpace(parsed.Text), nil
}

// Ping implements the SpeechClient interface.
func (w *WhisperClient) Ping(ctx context.Context) error {
	return pingURL(ctx, w.httpClient, w.baseURL+"/health")
}
