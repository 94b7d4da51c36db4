// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package clients

import (
	"errors"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/ClinicalAssist/pkg/resilience"
	"github.com/AleutianAI/ClinicalAssist/services/assistant/datatypes"
)

func TestNewLLMClient_RequiresModel(t *testing.T) {
	_, err := NewLLMClient(LLMConfig{BaseURL: "http://localhost:8080/v1"})

	require.Error(t, err)
}

// TestDecodeVerdict covers the JSON shapes models actually emit,
// including fenced output.
func TestDecodeVerdict(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{"plain json", `{"entailed": true}`, false},
		{"fenced json", "```json\n{\"entailed\": true}\n```", false},
		{"bare fence", "```\n{\"entailed\": true}\n```", false},
		{"surrounding whitespace", "  {\"entailed\": true}\n", false},
		{"prose instead of json", "Yes, the answer is entailed.", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var v entailmentVerdict

			err := decodeVerdict(tt.raw, &v)

			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, v.Entailed)
		})
	}
}

func TestFormatDocuments(t *testing.T) {
	docs := []datatypes.Document{
		{Identifier: "sepsis_protocol.xml", Content: "Give antibiotics within one hour."},
		{Identifier: "hypertension_protocol.xml", Content: "Start with lifestyle changes."},
	}

	got := formatDocuments(docs)

	assert.Contains(t, got, "[1] (sepsis_protocol.xml)")
	assert.Contains(t, got, "[2] (hypertension_protocol.xml)")
	assert.Contains(t, got, "Give antibiotics within one hour.")
}

// TestClassifyAPIError verifies gateway failures map onto the retry
// layer's transient taxonomy.
func TestClassifyAPIError(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		wantTransient bool
		wantRateLimit bool
	}{
		{"rate limited", &openai.APIError{HTTPStatusCode: 429}, true, true},
		{"bad gateway", &openai.APIError{HTTPStatusCode: 502}, true, false},
		{"service unavailable", &openai.APIError{HTTPStatusCode: 503}, true, false},
		{"bad request", &openai.APIError{HTTPStatusCode: 400}, false, false},
		{"unauthorized", &openai.APIError{HTTPStatusCode: 401}, false, false},
		{"not an api error", errors.New("connection reset by peer"), false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classifyAPIError(tt.err)

			assert.Equal(t, tt.wantTransient, resilience.IsTransient(got))
			assert.Equal(t, tt.wantRateLimit, errors.Is(got, resilience.ErrRateLimited))
		})
	}
}
