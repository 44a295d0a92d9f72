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
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/DentalAssistant/pkg/apperrors"
)

func writeAudioFixture(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "consult.wav")
	require.NoError(t, os.WriteFile(path, []byte("RIFFxxxxWAVE"), 0o600))
	return path
}

func TestTranscribe_SendsMultipart(t *testing.T) {
	var gotFilename, gotLanguage, gotFormat string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/inference", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))

		file, header, err := r.FormFile("file")
		require.NoError(t, err)
		defer file.Close()
		gotFilename = header.Filename
		gotLanguage = r.FormValue("language")
		gotFormat = r.FormValue("response_format")

		w.Write([]byte(`{"text":" Le patient presente une carie sur la 36. "}`))
	}))
	defer server.Close()

	client := NewWhisperClient(server.URL)
	text, err := client.Transcribe(context.Background(), writeAudioFixture(t), "fr")
	require.NoError(t, err)

	assert.Equal(t, "Le patient presente une carie sur la 36.", text, "whitespace trimmed")
	assert.Equal(t, "consult.wav", gotFilename)
	assert.Equal(t, "fr", gotLanguage)
	assert.Equal(t, "json", gotFormat)
}

func TestTranscribe_NoLanguageHint(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Empty(t, r.FormValue("language"))
		w.Write([]byte(`{"text":"ok"}`))
	}))
	defer server.Close()

	client := NewWhisperClient(server.URL)
	_, err := client.Transcribe(context.Background(), writeAudioFixture(t), "")
	require.NoError(t, err)
}

func TestTranscribe_MissingFile(t *testing.T) {
	client := NewWhisperClient("http://127.0.0.1:1")
	_, err := client.Transcribe(context.Background(), "/does/not/exist.wav", "fr")
	assert.Error(t, err)
}

func TestTranscribe_BackendDown(t *testing.T) {
	client := NewWhisperClient("http://127.0.0.1:1")
	_, err := client.Transcribe(context.Background(), writeAudioFixture(t), "fr")
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.ModelDependencyMissing))
}

func TestTranscribe_BackendReportsError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"error":"failed to decode audio"}`))
	}))
	defer server.Close()

	client := NewWhisperClient(server.URL)
	_, err := client.Transcribe(context.Background(), writeAudioFixture(t), "fr")
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.InferenceRuntime))
}
