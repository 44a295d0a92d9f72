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
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/DentalAssistant/pkg/apperrors"
	"github.com/AleutianAI/DentalAssistant/pkg/logging"
	"github.com/AleutianAI/DentalAssistant/services/backend/audit"
	"github.com/AleutianAI/DentalAssistant/services/backend/config"
	"github.com/AleutianAI/DentalAssistant/services/backend/observability"
	"github.com/AleutianAI/DentalAssistant/services/backend/pipeline"
	"github.com/AleutianAI/DentalAssistant/services/backend/rag"
	"github.com/AleutianAI/DentalAssistant/services/backend/scheduler"
	"github.com/AleutianAI/DentalAssistant/services/backend/setup"
	"github.com/AleutianAI/DentalAssistant/services/llm"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// =============================================================================
// Stubs
// =============================================================================

type stubGate struct {
	llmReady     bool
	whisperReady bool
}

func (g stubGate) LLMModelReady() bool     { return g.llmReady }
func (g stubGate) WhisperModelReady() bool { return g.whisperReady }

type stubModel struct {
	mu      sync.Mutex
	prompts []string
	reply   string
	chunks  []string
	genErr  error
}

func (m *stubModel) record(prompt string) {
	m.mu.Lock()
	m.prompts = append(m.prompts, prompt)
	m.mu.Unlock()
}

func (m *stubModel) Generate(ctx context.Context, prompt string, params llm.GenerationParams) (string, error) {
	m.record(prompt)
	if m.genErr != nil {
		return "", m.genErr
	}
	return m.reply, nil
}

func (m *stubModel) GenerateStream(ctx context.Context, prompt string, params llm.GenerationParams, callback llm.StreamCallback) error {
	m.record(prompt)
	for _, chunk := range m.chunks {
		if err := callback(llm.StreamEvent{Type: llm.StreamEventToken, Token: chunk}); err != nil {
			return err
		}
	}
	if m.genErr != nil {
		return m.genErr
	}
	return callback(llm.StreamEvent{Type: llm.StreamEventDone})
}

func (m *stubModel) Ping(ctx context.Context) error { return nil }

type stubSpeech struct {
	text string
	err  error
}

func (s *stubSpeech) Transcribe(ctx context.Context, audioPath, languageHint string) (string, error) {
	return s.text, s.err
}

func (s *stubSpeech) Ping(ctx context.Context) error { return nil }

// hashEmbedClient derives a deterministic vector from the text so identical
// strings match exactly in the index.
type hashEmbedClient struct{}

func (hashEmbedClient) Embed(ctx context.Context, text string) ([]float32, error) {
	sum := sha256.Sum256([]byte(text))
	vec := make([]float32, 8)
	for i := range vec {
		vec[i] = float32(sum[i]) + 1
	}
	return vec, nil
}

func (h hashEmbedClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		vec, err := h.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func (hashEmbedClient) Ping(ctx context.Context) error { return nil }

// =============================================================================
// Fixture
// =============================================================================

type fixture struct {
	h         *Handler
	model     *stubModel
	speech    *stubSpeech
	trail     *audit.Trail
	collector *observability.Collector
	store     *rag.Coordinator
	settings  *config.Settings
}

type fixtureOpts struct {
	gate       stubGate
	startStore bool
}

func newFixture(t *testing.T, opts fixtureOpts) *fixture {
	t.Helper()
	tmp := t.TempDir()
	logger := logging.Default()

	collector := observability.NewCollector()
	metrics := observability.NewMetrics()
	trail := audit.New(filepath.Join(tmp, "audit.jsonl"), logger, collector.AuditFailure)
	journal := rag.NewJournal(filepath.Join(tmp, "journal.jsonl"), logger, collector.JournalCorrupt)

	sched := scheduler.New(scheduler.Config{
		SpeechSlots:   1,
		GenerateSlots: 1,
		EmbedSlots:    1,
		WaitingCap:    8,
		WaitBudget:    2 * time.Second,
	}, logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = sched.Shutdown(ctx, true)
	})

	embedder := pipeline.NewScheduledEmbedder(sched, hashEmbedClient{})
	store := rag.NewCoordinator(journal, embedder, trail, filepath.Join(tmp, "index.json"), logger)
	if opts.startStore {
		ctx, cancel := context.WithCancel(context.Background())
		t.Cleanup(cancel)
		store.Start(ctx)
		waitReady(t, store)
	}

	model := &stubModel{
		reply:  "Motif de consultation: controle de routine.",
		chunks: []string{"Motif", " de", " consultation"},
	}
	speech := &stubSpeech{text: "le patient presente une douleur sur la 36"}
	pipe := pipeline.New(opts.gate, 5*time.Second, sched, speech, model, store, logger)

	settings := &config.Settings{
		UploadDir: filepath.Join(tmp, "uploads"),
		ModelsDir: filepath.Join(tmp, "models"),
		Hardware:  config.HardwareInfo{Profile: config.ProfileCPUOnly, OS: "linux", Arch: "amd64"},
	}
	require.NoError(t, os.MkdirAll(settings.UploadDir, 0o700))
	require.NoError(t, os.MkdirAll(settings.ModelsDir, 0o700))

	downloader := setup.NewDownloader(settings.ModelsDir, logger, nil)

	h := New(Deps{
		Settings:   settings,
		Pipeline:   pipe,
		Store:      store,
		Scheduler:  sched,
		Trail:      trail,
		Collector:  collector,
		Metrics:    metrics,
		Downloader: downloader,
		Model:      model,
		Speech:     speech,
		Logger:     logger,
		Version:    "test",
	})

	return &fixture{
		h:         h,
		model:     model,
		speech:    speech,
		trail:     trail,
		collector: collector,
		store:     store,
		settings:  settings,
	}
}

func waitReady(t *testing.T, store *rag.Coordinator) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if store.Ready() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("store did not become ready")
}

// =============================================================================
// Request helpers
// =============================================================================

func serve(method, route string, handler gin.HandlerFunc, req *http.Request) *httptest.ResponseRecorder {
	r := gin.New()
	r.Handle(method, route, handler)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func jsonRequest(t *testing.T, method, target string, payload any) *http.Request {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func multipartRequest(t *testing.T, target, filename, language string, content []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = fw.Write(content)
	require.NoError(t, err)
	if language != "" {
		require.NoError(t, mw.WriteField("language", language))
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, target, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func envelopeOf(t *testing.T, w *httptest.ResponseRecorder) apperrors.Envelope {
	t.Helper()
	var env apperrors.Envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	return env
}

// sseData extracts the payload of every data event in emission order.
func sseData(t *testing.T, body string) []string {
	t.Helper()
	var out []string
	for _, line := range strings.Split(body, "\n") {
		if strings.HasPrefix(line, "data: ") {
			out = append(out, strings.TrimPrefix(line, "data: "))
		}
	}
	return out
}

// auditByAction returns the trail entries with the given action, newest
// first.
func auditByAction(t *testing.T, trail *audit.Trail, action string) []audit.Entry {
	t.Helper()
	entries, err := trail.Recent(100)
	require.NoError(t, err)
	var out []audit.Entry
	for _, e := range entries {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}
