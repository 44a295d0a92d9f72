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
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/DentalAssistant/pkg/apperrors"
	"github.com/AleutianAI/DentalAssistant/services/backend/audit"
	"github.com/AleutianAI/DentalAssistant/services/backend/datatypes"
	"github.com/AleutianAI/DentalAssistant/services/backend/pipeline"
)

// Transcribe handles POST /transcribe. Multipart form: "file" (audio),
// optional "language" hint.
//
// The upload is staged into the upload directory under a random name and
// removed when the request finishes; audio never outlives the request.
func (h *Handler) Transcribe(c *gin.Context) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		h.respondError(c, apperrors.New(apperrors.InputFilenameMissing))
		return
	}
	if err := pipeline.ValidateAudioFilename(fileHeader.Filename); err != nil {
		h.respondError(c, err)
		return
	}
	language := strings.TrimSpace(c.PostForm("language"))

	ext := strings.ToLower(filepath.Ext(fileHeader.Filename))
	audioPath := filepath.Join(h.settings.UploadDir, uuid.NewString()+ext)
	if err := c.SaveUploadedFile(fileHeader, audioPath); err != nil {
		h.respondError(c, apperrors.Wrap(apperrors.StoragePersist, err))
		return
	}
	defer os.Remove(audioPath)

	text, err := h.pipe.Transcribe(c.Request.Context(), audioPath, language)
	h.auditOutcome(c, audit.ActionTranscribe, fileHeader.Filename, err)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, datatypes.TranscriptionResponse{
		Text:     text,
		Language: language,
	})
}
