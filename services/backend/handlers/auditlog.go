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
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/DentalAssistant/pkg/apperrors"
	"github.com/AleutianAI/DentalAssistant/services/backend/audit"
	"github.com/AleutianAI/DentalAssistant/services/backend/datatypes"
)

// Bounds on GET /audit/recent?n=.
const (
	auditDefaultN = 50
	auditMaxN     = 500
)

// AuditRecent handles GET /audit/recent. Reading the trail is itself an
// audited action.
func (h *Handler) AuditRecent(c *gin.Context) {
	n := auditDefaultN
	if raw := c.Query("n"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			h.respondError(c, apperrors.Newf(apperrors.InputHeader,
				"n must be a positive integer, got %q", raw))
			return
		}
		n = parsed
	}
	if n > auditMaxN {
		n = auditMaxN
	}

	entries, err := h.trail.Recent(n)
	h.auditOutcome(c, audit.ActionAuditRead, "", err)
	if err != nil {
		h.respondError(c, apperrors.Wrap(apperrors.StoragePersist, err))
		return
	}

	views := make([]datatypes.AuditEntryView, 0, len(entries))
	for _, e := range entries {
		views = append(views, datatypes.AuditEntryView{
			Timestamp: e.Timestamp.Format(time.RFC3339),
			Action:    e.Action,
			Actor:     e.Actor,
			Resource:  e.Resource,
			RequestID: e.RequestID,
			Outcome:   e.Outcome,
			Detail:    e.Detail,
		})
	}

	c.JSON(http.StatusOK, datatypes.AuditRecentResponse{
		Entries: views,
		Count:   len(views),
	})
}
