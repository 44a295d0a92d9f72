// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package middleware

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/DentalAssistant/pkg/apperrors"
)

// MaxBodySize rejects oversized requests before any body bytes are read, so
// a runaway upload never reaches a handler or a scheduler queue.
//
// # Outputs
//
//   - 413 input/too_large when Content-Length exceeds limit
//   - 400 input/header when Content-Length is present but malformed
//
// Requests without a Content-Length (chunked) are additionally wrapped in
// http.MaxBytesReader as a backstop.
func MaxBodySize(limit int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if raw := c.GetHeader("Content-Length"); raw != "" {
			declared, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || declared < 0 {
				abortWith(c, apperrors.Newf(apperrors.InputHeader,
					"Content-Length %q is not a valid length", raw))
				return
			}
			if declared > limit {
				abortWith(c, apperrors.Newf(apperrors.InputTooLarge,
					"request is %d bytes, limit is %d", declared, limit))
				return
			}
		}

		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
		c.Next()
	}
}
