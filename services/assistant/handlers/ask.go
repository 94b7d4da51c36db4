// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers contains the assistant's HTTP handlers.
//
// Content outcomes (refused, no evidence, unsupported, answered) return
// 200 with a declined or answered payload; infrastructure failures
// return 503 with a distinct message, so callers can tell "the system
// correctly declined" from "the system could not complete its work".
package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/ClinicalAssist/services/assistant/cache"
	"github.com/AleutianAI/ClinicalAssist/services/assistant/datatypes"
	"github.com/AleutianAI/ClinicalAssist/services/assistant/observability"
)

// QuestionProcessor is the pipeline as the handler sees it.
type QuestionProcessor interface {
	Process(ctx context.Context, question, contextHint string) (*datatypes.PipelineResult, error)
}

// Messages rendered per terminal reason. Answered outcomes carry the
// answer itself, the rest explain the refusal or failure.
const (
	msgRejected  = "This assistant answers general clinical protocol questions only. It cannot discuss individuals or topics outside the curated protocols."
	msgEmergency = "This looks like it may involve immediate danger to a person. Contact local emergency services now; this assistant cannot help with acute situations."
	msgNoMatch   = "The curated protocols do not contain evidence relevant to this question."
	msgDiscarded = "An answer was drafted but could not be verified against the protocols, so it was withheld."
	msgUnable    = "The assistant could not complete processing. Try again shortly."
)

// HandleAsk answers one clinical question, consulting the answer cache
// before running the pipeline.
func HandleAsk(processor QuestionProcessor, answers *cache.AnswerCache) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.AskRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
			return
		}
		req.EnsureDefaults()
		if err := req.Validate(); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		if answers != nil {
			cached, hit, err := answers.Get(req.Question)
			if err != nil {
				slog.Warn("answer cache lookup failed", "requestId", req.Id, "error", err)
			}
			observability.RecordCacheLookup(hit)
			if hit {
				resp := datatypes.NewAskResponse(req.Id, cached)
				resp.Cached = true
				c.JSON(http.StatusOK, resp)
				return
			}
		}

		result, err := processor.Process(c.Request.Context(), req.Question, req.ContextHint)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		if answers != nil {
			if err := answers.Put(req.Question, result); err != nil {
				slog.Warn("failed to cache answered result", "requestId", req.Id, "error", err)
			}
		}

		resp := datatypes.NewAskResponse(req.Id, result)
		resp.Message = messageFor(result)
		c.JSON(statusFor(result.TerminalReason), resp)
	}
}

// statusFor maps terminal reasons onto HTTP statuses: content outcomes
// are 200, infrastructure failures 503.
func statusFor(reason datatypes.TerminalReason) int {
	if reason.IsInfrastructureFailure() {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}

// messageFor renders the user-facing explanation for a result.
func messageFor(result *datatypes.PipelineResult) string {
	switch result.TerminalReason {
	case datatypes.TerminalAnswered:
		return ""
	case datatypes.TerminalRejectedUnsafe:
		if result.RiskLevel == datatypes.RiskEmergency {
			return msgEmergency
		}
		return msgRejected
	case datatypes.TerminalNoEvidence:
		return msgNoMatch
	case datatypes.TerminalUnsupported:
		return msgDiscarded
	default:
		return msgUnable
	}
}
