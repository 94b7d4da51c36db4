// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/ClinicalAssist/pkg/resilience"
	"github.com/AleutianAI/ClinicalAssist/services/assistant/datatypes"
	"github.com/AleutianAI/ClinicalAssist/services/assistant/observability"
)

type stubProcessor struct{}

func (stubProcessor) Process(context.Context, string, string) (*datatypes.PipelineResult, error) {
	return &datatypes.PipelineResult{
		TerminalReason: datatypes.TerminalNoEvidence,
		RiskLevel:      datatypes.RiskInformational,
	}, nil
}

type stubIngestor struct{}

func (stubIngestor) IngestXML(context.Context, string, io.Reader) (int, error) {
	return 1, nil
}

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	breakers := resilience.NewRegistry(resilience.DefaultBreakerConfig())
	SetupRoutes(router, stubProcessor{}, nil, stubIngestor{}, breakers)
	return router
}

func do(router *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

// TestSetupRoutes verifies every endpoint is registered and reachable.
func TestSetupRoutes(t *testing.T) {
	router := newTestRouter(t)

	tests := []struct {
		name       string
		method     string
		path       string
		body       string
		wantStatus int
	}{
		{"health", http.MethodGet, "/healthz", "", http.StatusOK},
		{"metrics", http.MethodGet, "/metrics", "", http.StatusOK},
		{"ask", http.MethodPost, "/v1/ask", `{"question":"Hypertension management for adults?"}`, http.StatusOK},
		{"ask without body", http.MethodPost, "/v1/ask", "", http.StatusBadRequest},
		{"ingest", http.MethodPost, "/v1/documents", `{"source":"p.xml","content":"<p/>"}`, http.StatusOK},
		{"unknown route", http.MethodGet, "/v1/nope", "", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(router, tt.method, tt.path, tt.body)

			assert.Equal(t, tt.wantStatus, rec.Code)
		})
	}
}

func TestMetricsEndpointExposesPipelineCounters(t *testing.T) {
	router := newTestRouter(t)

	// Record one run so the questions counter has a child to expose.
	observability.RecordQuestion(datatypes.TerminalAnswered)
	rec := do(router, http.MethodGet, "/metrics", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "clinicalassist_pipeline_questions_total")
}
