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
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/DentalAssistant/pkg/apperrors"
	"github.com/AleutianAI/DentalAssistant/services/backend/audit"
	"github.com/AleutianAI/DentalAssistant/services/backend/datatypes"
	"github.com/AleutianAI/DentalAssistant/services/backend/middleware"
	"github.com/AleutianAI/DentalAssistant/services/llm"
)

// =============================================================================
// Unary summarisation
// =============================================================================

// Summarize handles POST /summarize.
func (h *Handler) Summarize(c *gin.Context) {
	var req datatypes.SummaryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, apperrors.New(apperrors.InputEmpty))
		return
	}

	summary, err := h.pipe.Summarize(c.Request.Context(), req.Text)
	h.auditOutcome(c, audit.ActionSummarize, "", err)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, datatypes.SummaryResponse{Summary: summary})
}

// SummarizeRAG handles POST /summarize-rag.
func (h *Handler) SummarizeRAG(c *gin.Context) {
	var req datatypes.SummaryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, apperrors.New(apperrors.InputEmpty))
		return
	}

	summary, ragEnhanced, err := h.pipe.SummarizeRAG(c.Request.Context(), req.Text)
	h.auditOutcome(c, audit.ActionSummarizeRAG, "", err)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, datatypes.RAGSummaryResponse{
		Summary:     summary,
		RAGEnhanced: ragEnhanced,
	})
}

// =============================================================================
// Streaming summarisation
// =============================================================================

// SummarizeStream handles POST /summarize-stream.
//
// Failures before the first event return a plain JSON envelope with the
// right status; once the stream is open the envelope is delivered as a
// terminal data event instead, because the 200 is already on the wire.
func (h *Handler) SummarizeStream(c *gin.Context) {
	var req datatypes.SummaryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, apperrors.New(apperrors.InputEmpty))
		return
	}

	var stream *sseWriter
	openStream := func() error {
		if stream != nil {
			return nil
		}
		setSSEHeaders(c.Writer)
		var err error
		stream, err = newSSEWriter(c.Writer)
		if err == nil {
			h.metrics.ActiveStreams.Inc()
		}
		return err
	}
	defer func() {
		if stream != nil {
			h.metrics.ActiveStreams.Dec()
		}
	}()

	err := h.pipe.SummarizeStream(c.Request.Context(), req.Text, func(event llm.StreamEvent) error {
		switch event.Type {
		case llm.StreamEventToken:
			if err := openStream(); err != nil {
				return err
			}
			return stream.writeChunk(event.Token)
		case llm.StreamEventDone:
			if err := openStream(); err != nil {
				return err
			}
			return stream.writeDone()
		}
		return nil
	})

	h.auditOutcome(c, audit.ActionSummarize, "", err)
	h.finishStream(c, stream, err)
}

// SummarizeRAGStream handles POST /summarize-stream-rag. The first event
// reports whether references reached the prompt, then tokens follow.
func (h *Handler) SummarizeRAGStream(c *gin.Context) {
	var req datatypes.SummaryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, apperrors.New(apperrors.InputEmpty))
		return
	}

	var stream *sseWriter
	defer func() {
		if stream != nil {
			h.metrics.ActiveStreams.Dec()
		}
	}()
	err := h.pipe.SummarizeRAGStream(c.Request.Context(), req.Text,
		func(ragEnhanced bool) error {
			setSSEHeaders(c.Writer)
			var err error
			stream, err = newSSEWriter(c.Writer)
			if err != nil {
				return err
			}
			h.metrics.ActiveStreams.Inc()
			return stream.writeJSON(map[string]bool{"rag_enhanced": ragEnhanced})
		},
		func(event llm.StreamEvent) error {
			switch event.Type {
			case llm.StreamEventToken:
				return stream.writeChunk(event.Token)
			case llm.StreamEventDone:
				return stream.writeDone()
			}
			return nil
		})

	h.auditOutcome(c, audit.ActionSummarizeRAG, "", err)
	h.finishStream(c, stream, err)
}

// finishStream translates a failure according to how far the stream got.
func (h *Handler) finishStream(c *gin.Context, stream *sseWriter, err error) {
	if err == nil {
		return
	}
	if stream == nil {
		h.respondError(c, err)
		return
	}
	// Mid-stream failure: the status line is gone, deliver the envelope as
	// the terminal event. A disconnected client simply won't see it.
	middleware.SetErrorKind(c, apperrors.KindOf(err))
	if writeErr := stream.writeJSON(apperrors.ToEnvelope(err, middleware.RequestID(c))); writeErr != nil {
		h.logger.Debug("terminal sse error event not delivered", "error", writeErr)
	}
}
