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
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/DentalAssistant/pkg/apperrors"
	"github.com/AleutianAI/DentalAssistant/pkg/sanitize"
	"github.com/AleutianAI/DentalAssistant/services/backend/audit"
	"github.com/AleutianAI/DentalAssistant/services/backend/datatypes"
	"github.com/AleutianAI/DentalAssistant/services/backend/rag"
)

// maxSearchTopK clips a client's top_k. The store defaults non-positive
// values; the ceiling lives here so the API contract is visible in one
// place.
const maxSearchTopK = 50

// SaveConsultation handles POST /consultations/save. This is the only
// endpoint that persists a note; the summarise endpoints deliberately do
// not, so what lands in the journal is what the practitioner accepted.
func (h *Handler) SaveConsultation(c *gin.Context) {
	var req datatypes.SaveConsultationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, apperrors.New(apperrors.InputEmpty))
		return
	}

	smartnote := sanitize.Text(req.Smartnote)
	if smartnote == "" {
		err := apperrors.New(apperrors.InputEmpty)
		h.auditOutcome(c, audit.ActionConsultationSave, "", err)
		h.respondError(c, err)
		return
	}

	rec, err := h.store.SaveConsultation(c.Request.Context(), rag.Record{
		SmartNote:        smartnote,
		Transcription:    sanitize.Text(req.Transcription),
		PatientID:        req.PatientID,
		DentistName:      req.DentistName,
		ConsultationType: req.ConsultationType,
	})
	h.auditOutcome(c, audit.ActionConsultationSave, rec.ID, err)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, datatypes.SaveConsultationResponse{
		ID:        rec.ID,
		CreatedAt: rec.CreatedAt,
	})
}

// SearchConsultations handles POST /consultations/search.
func (h *Handler) SearchConsultations(c *gin.Context) {
	var req datatypes.SearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, apperrors.New(apperrors.InputEmpty))
		return
	}

	if !h.store.Ready() {
		err := apperrors.New(apperrors.SystemNotReady).
			WithDetail("consultation index is still building")
		h.auditOutcome(c, audit.ActionConsultationSearch, "", err)
		h.respondError(c, err)
		return
	}

	topK := req.TopK
	if topK > maxSearchTopK {
		topK = maxSearchTopK
	}

	hits, err := h.store.SearchConsultations(c.Request.Context(), req.Query, topK)
	h.auditOutcome(c, audit.ActionConsultationSearch, "", err)
	if err != nil {
		h.respondError(c, err)
		return
	}

	if hits == nil {
		hits = []rag.ConsultationHit{}
	}
	c.JSON(http.StatusOK, datatypes.SearchResponse{
		Results: hits,
		Count:   len(hits),
	})
}

// ExportConsultations handles GET /consultations/export, streaming the full
// journal as a JSON array download.
func (h *Handler) ExportConsultations(c *gin.Context) {
	filename := "consultations_" + time.Now().UTC().Format("2006-01-02") + ".json"
	c.Header("Content-Type", "application/json")
	c.Header("Content-Disposition", `attachment; filename="`+filename+`"`)

	_, err := h.store.Journal().Export(c.Writer)
	h.auditOutcome(c, audit.ActionConsultationExport, filename, err)
	if err != nil {
		// Headers are committed; all we can do is log and cut the stream.
		h.logger.Error("consultation export failed mid-stream", "error", err)
	}
}
