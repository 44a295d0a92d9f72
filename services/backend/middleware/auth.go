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
	"crypto/subtle"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/DentalAssistant/pkg/apperrors"
	"github.com/AleutianAI/DentalAssistant/services/backend/audit"
)

// apiKeyHeader carries the shared secret between the desktop shell and the
// backend. The service listens on loopback only; the key exists to stop
// other local processes from driving it.
const apiKeyHeader = "X-API-Key"

// RequireAPIKey rejects requests whose X-API-Key header is missing or does
// not match the configured key. Rejections land in the audit trail: an
// unauthorised attempt to reach patient data is itself a compliance event.
// trail may be nil.
//
// # Outputs
//
//   - 403 auth/missing when the header is absent
//   - 403 auth/invalid on mismatch
func RequireAPIKey(key string, trail *audit.Trail) gin.HandlerFunc {
	return func(c *gin.Context) {
		presented := c.GetHeader(apiKeyHeader)
		if presented == "" {
			rejectAuth(c, trail, apperrors.New(apperrors.AuthMissing))
			return
		}
		if subtle.ConstantTimeCompare([]byte(presented), []byte(key)) != 1 {
			rejectAuth(c, trail, apperrors.New(apperrors.AuthInvalid))
			return
		}
		c.Next()
	}
}

// rejectAuth audits the refused attempt, then aborts with the envelope.
func rejectAuth(c *gin.Context, trail *audit.Trail, err *apperrors.Error) {
	if trail != nil {
		trail.Log(audit.Entry{
			Action:    audit.ActionAuthRejected,
			Resource:  c.Request.Method + " " + c.Request.URL.Path,
			RequestID: RequestID(c),
			Outcome:   audit.OutcomeFailure,
			Detail:    err.Def.Kind,
		})
	}
	abortWith(c, err)
}

// abortWith terminates the request with the standard error envelope.
func abortWith(c *gin.Context, err *apperrors.Error) {
	SetErrorKind(c, err.Def.Kind)
	c.AbortWithStatusJSON(err.Def.Status, apperrors.ToEnvelope(err, RequestID(c)))
}
