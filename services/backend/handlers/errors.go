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
	"github.com/AleutianAI/DentalAssistant/services/backend/datatypes"
)

// PendingErrors handles GET /errors/pending: captured failures awaiting
// triage in the shell's error panel.
func (h *Handler) PendingErrors(c *gin.Context) {
	reports := h.collector.PendingErrors()

	out := make([]datatypes.ErrorReport, 0, len(reports))
	for _, r := range reports {
		out = append(out, datatypes.ErrorReport{
			ID:        r.ID,
			Timestamp: r.Timestamp,
			ErrorCode: r.ErrorCode,
			Endpoint:  r.Endpoint,
			Message:   r.Message,
			Status:    r.Status,
		})
	}
	c.JSON(http.StatusOK, datatypes.PendingErrorsResponse{Errors: out})
}

// ReportError handles POST /errors/:id/report.
func (h *Handler) ReportError(c *gin.Context) {
	id := c.Param("id")
	if !h.collector.MarkReported(id) {
		h.respondError(c, apperrors.Newf(apperrors.InputNotFound,
			"no pending error report with id %q", id))
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "reported", "id": id})
}

// DismissError handles POST /errors/:id/dismiss.
func (h *Handler) DismissError(c *gin.Context) {
	id := c.Param("id")
	if !h.collector.MarkDismissed(id) {
		h.respondError(c, apperrors.Newf(apperrors.InputNotFound,
			"no pending error report with id %q", id))
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "dismissed", "id": id})
}
