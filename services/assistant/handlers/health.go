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

	"github.com/AleutianAI/ClinicalAssist/pkg/resilience"
)

// HandleHealth reports liveness plus the circuit breaker states, so an
// operator can see which dependency is tripping without scraping
// metrics.
func HandleHealth(breakers *resilience.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		states := breakers.States()
		rendered := make(map[string]string, len(states))
		degraded := false
		for name, state := range states {
			rendered[name] = state.String()
			if state != resilience.StateClosed {
				degraded = true
			}
		}

		status := "ok"
		if degraded {
			status = "degraded"
		}
		c.JSON(http.StatusOK, gin.H{
			"status":           status,
			"circuit_breakers": rendered,
		})
	}
}
