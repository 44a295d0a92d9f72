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
	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/DentalAssistant/pkg/apperrors"
	"github.com/AleutianAI/DentalAssistant/services/backend/scheduler"
)

// QueueLoad reports waiting-room saturation. Satisfied by
// *scheduler.Scheduler.
type QueueLoad interface {
	Overloaded(queue scheduler.Queue) bool
}

// shedRetryAfter is the pause suggested to a shed client. Inference tasks
// run for seconds, so an immediate retry would just be shed again.
const shedRetryAfter = "5"

// ShedLoad refuses a request before any parsing or staging happens when the
// named queue cannot admit it anyway. Cheaper than letting the request
// upload an audio file only to be rejected at Submit.
//
// # Outputs
//
//   - 503 inference/busy with Retry-After when the queue is saturated
func ShedLoad(load QueueLoad, queue scheduler.Queue) gin.HandlerFunc {
	return func(c *gin.Context) {
		if load.Overloaded(queue) {
			c.Header("Retry-After", shedRetryAfter)
			abortWith(c, apperrors.Newf(apperrors.InferenceBusy,
				"%s queue is saturated, retry shortly", queue))
			return
		}
		c.Next()
	}
}
