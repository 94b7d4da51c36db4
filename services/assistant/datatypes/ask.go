// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Question length bounds enforced before any external call is made.
const (
	MinQuestionLength = 5
	MaxQuestionLength = 500
)

// AskRequest is the caller-facing request for answering one clinical
// question.
type AskRequest struct {
	// Id identifies the request in logs and traces. Generated when empty.
	Id string `json:"id"`

	// Question is the clinical question to answer.
	Question string `json:"question" binding:"required"`

	// ContextHint carries optional anonymized patient context. It must
	// already be free of direct identifiers; the safety gate scans the
	// question, not the hint.
	ContextHint string `json:"context_hint,omitempty"`

	// Timestamp is when the request was created (unix seconds).
	// Populated when zero.
	Timestamp int64 `json:"timestamp"`
}

// EnsureDefaults populates Id and Timestamp when the caller omitted them.
func (r *AskRequest) EnsureDefaults() {
	if r.Id == "" {
		r.Id = "ask_" + uuid.NewString()
	}
	if r.Timestamp == 0 {
		r.Timestamp = time.Now().Unix()
	}
}

// Validate checks structural validity of the request. Length bounds on
// the question are a safety-gate concern, not a validation error: a
// too-long question gets a refusal, not a 400.
func (r *AskRequest) Validate() error {
	if strings.TrimSpace(r.Question) == "" {
		return fmt.Errorf("question is required")
	}
	return nil
}

// AskResponse is the caller-facing result of one question.
//
// Content outcomes (refused, no evidence, unsupported, answered) and
// infrastructure failures are both delivered through this shape; the
// Message text and the HTTP status distinguish them at the surface.
type AskResponse struct {
	Id             string         `json:"id"`
	TerminalReason TerminalReason `json:"terminal_reason"`
	Answer         string         `json:"answer,omitempty"`
	Message        string         `json:"message,omitempty"`
	Sources        []string       `json:"sources,omitempty"`
	RiskLevel      RiskLevel      `json:"risk_level"`
	Cached         bool           `json:"cached,omitempty"`
}

// NewAskResponse builds a response from a pipeline result.
func NewAskResponse(requestId string, result *PipelineResult) *AskResponse {
	return &AskResponse{
		Id:             requestId,
		TerminalReason: result.TerminalReason,
		Answer:         result.Answer,
		Sources:        result.SourceIdentifiers(),
		RiskLevel:      result.RiskLevel,
	}
}
