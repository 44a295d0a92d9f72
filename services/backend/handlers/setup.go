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

	"github.com/AleutianAI/DentalAssistant/services/backend/datatypes"
	"github.com/AleutianAI/DentalAssistant/services/backend/setup"
)

// progressPollInterval paces the /setup/progress SSE feed.
const progressPollInterval = 500 * time.Millisecond

// CheckModels handles GET /setup/check-models.
func (h *Handler) CheckModels(c *gin.Context) {
	llmReady := h.settings.LLMModelReady()
	whisperReady := h.settings.WhisperModelReady()

	c.JSON(http.StatusOK, datatypes.CheckModelsResponse{
		Profile:           string(h.settings.Hardware.Profile),
		LLMModel:          h.settings.LLMModel().Filename,
		LLMModelReady:     llmReady,
		WhisperModelReady: whisperReady,
		DownloadRequired:  !llmReady || !whisperReady,
	})
}

// StartDownload handles POST /setup/download, kicking off the fetch of the
// profile's LLM weights. The MODEL_DOWNLOAD audit entry is written by the
// downloader's completion hook, when the outcome is actually known.
//
// The transfer runs on a background context: it must outlive this request,
// and cancelling a multi-GB download because the shell navigated away would
// throw the progress out with it.
func (h *Handler) StartDownload(c *gin.Context) {
	spec := h.settings.LLMModel()
	total, err := h.downloader.Start(context.Background(), spec)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, datatypes.DownloadStartResponse{
		Status:     "started",
		Filename:   spec.Filename,
		TotalBytes: total,
	})
}

// DownloadProgress handles GET /setup/progress: an SSE feed of tracker
// snapshots, ending with [DONE] once the transfer leaves the downloading
// state.
func (h *Handler) DownloadProgress(c *gin.Context) {
	setSSEHeaders(c.Writer)
	stream, err := newSSEWriter(c.Writer)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.metrics.ActiveStreams.Inc()
	defer h.metrics.ActiveStreams.Dec()

	ticker := time.NewTicker(progressPollInterval)
	defer ticker.Stop()

	for {
		p := h.downloader.Progress()
		if err := stream.writeJSON(p); err != nil {
			return
		}
		if p.Status != setup.StateDownloading {
			stream.writeDone()
			return
		}

		select {
		case <-c.Request.Context().Done():
			return
		case <-ticker.C:
		}
	}
}
