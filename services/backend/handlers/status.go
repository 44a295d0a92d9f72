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
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/DentalAssistant/services/backend/datatypes"
)

// =============================================================================
// Liveness & model status
// =============================================================================

// Health handles GET /health. Unauthenticated; the desktop shell polls it
// to know when the backend process is up.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, datatypes.HealthResponse{
		Status:   "ok",
		Version:  h.version,
		Hardware: h.settings.Hardware,
		Uptime:   time.Since(h.started).Seconds(),
	})
}

// LLMStatus handles GET /llm/status: weights on disk plus runtime
// reachability. Pings run with a short deadline so a hung runtime cannot
// stall the status panel.
func (h *Handler) LLMStatus(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 4*time.Second)
	defer cancel()

	llmUp := h.model.Ping(ctx) == nil
	whisperUp := h.speech.Ping(ctx) == nil

	c.JSON(http.StatusOK, datatypes.LLMStatusResponse{
		LLMModelReady:     h.settings.LLMModelReady(),
		WhisperModelReady: h.settings.WhisperModelReady(),
		LLMRuntimeUp:      llmUp,
		WhisperRuntimeUp:  whisperUp,
		Profile:           string(h.settings.Hardware.Profile),
		ModelFilename:     h.settings.LLMModel().Filename,
	})
}

// WorkersStatus handles GET /workers/status.
func (h *Handler) WorkersStatus(c *gin.Context) {
	c.JSON(http.StatusOK, datatypes.WorkersStatusResponse{
		Queues: h.sched.Status(),
	})
}

// RAGStatus handles GET /rag/status.
func (h *Handler) RAGStatus(c *gin.Context) {
	c.JSON(http.StatusOK, datatypes.RAGStatusResponse{Status: h.store.GetStatus()})
}

// =============================================================================
// Metrics
// =============================================================================

// MetricsJSON handles GET /metrics: the in-process snapshot the shell's
// diagnostics panel renders, with queue occupancy attached.
func (h *Handler) MetricsJSON(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"metrics": h.collector.Snapshot(),
		"queues":  h.sched.Status(),
	})
}

// MetricsPrometheus handles GET /metrics/prometheus.
func (h *Handler) MetricsPrometheus() gin.HandlerFunc {
	handler := promhttp.HandlerFor(h.metrics.Registry(), promhttp.HandlerOpts{})
	return func(c *gin.Context) {
		handler.ServeHTTP(c.Writer, c.Request)
	}
}
