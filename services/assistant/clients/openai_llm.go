// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package clients holds the concrete external collaborators behind the
// pipeline interfaces: an OpenAI-compatible model client and a
// Weaviate-backed document retriever.
package clients

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"

	"github.com/AleutianAI/ClinicalAssist/pkg/resilience"
	"github.com/AleutianAI/ClinicalAssist/services/assistant/datatypes"
	"github.com/AleutianAI/ClinicalAssist/services/assistant/pipeline"
)

// llmTracer is the OpenTelemetry tracer for model client operations.
var llmTracer = otel.Tracer("clinicalassist.assistant.clients.llm")

// Compile-time interface implementation checks.
var (
	_ pipeline.Classifier = (*LLMClient)(nil)
	_ pipeline.Generator  = (*LLMClient)(nil)
	_ pipeline.Verifier   = (*LLMClient)(nil)
)

// generationSeed pins sampling so identical inputs yield identical
// outputs on backends that support seeding.
const generationSeed = 42

// LLMConfig configures the OpenAI-compatible model client.
type LLMConfig struct {
	// BaseURL points at the OpenAI-compatible gateway
	// (e.g. a local llama.cpp or vLLM server). Empty uses api.openai.com.
	BaseURL string

	// APIKey authenticates against the gateway. Local gateways usually
	// accept any value.
	APIKey string

	// Model is the model identifier passed on every request.
	Model string
}

// LLMClient implements safety/relevance classification, answer
// generation, and faithfulness verification on one chat-completion
// backend.
//
// # Thread Safety
//
// The underlying openai.Client is safe for concurrent use, so one
// LLMClient serves all pipeline instances.
type LLMClient struct {
	api   *openai.Client
	model string
}

// NewLLMClient builds the client. Model must be non-empty.
func NewLLMClient(cfg LLMConfig) (*LLMClient, error) {
	if cfg.Model == "" {
		return nil, errors.New("llm client requires a model name")
	}
	apiCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		apiCfg.BaseURL = cfg.BaseURL
	}
	return &LLMClient{
		api:   openai.NewClientWithConfig(apiCfg),
		model: cfg.Model,
	}, nil
}

// =============================================================================
// Prompts
// =============================================================================

const safetySystemPrompt = `You screen questions for a clinical protocol assistant.
Reply with ONLY a JSON object, no prose:
{"in_scope": <bool>, "directive": <bool>, "acute_danger": <bool>}
- in_scope: the question belongs to the medical/clinical domain.
- directive: the question requests a diagnosis or prescription for a specific, real individual rather than asking a general clinical question.
- acute_danger: the content indicates acute danger to a person.`

const relevanceSystemPrompt = `You judge whether a protocol excerpt is relevant to a clinical question.
Reply with ONLY a JSON object, no prose:
{"relevant": <bool>, "score": <number between 0 and 1>}`

const generateSystemPrompt = `You are a clinical protocol assistant.
Answer the question using ONLY the protocol excerpts provided. Do not use outside knowledge.
If the excerpts do not contain the answer, say the protocols do not cover it.
Cite no sources inline; the caller attaches them.`

const verifySystemPrompt = `You verify a clinical answer against protocol excerpts.
Reply with ONLY a JSON object, no prose:
{"entailed": <bool>}
- entailed: every factual claim in the answer is supported by the excerpts.`

// =============================================================================
// Classifier
// =============================================================================

type safetyVerdict struct {
	InScope     bool `json:"in_scope"`
	Directive   bool `json:"directive"`
	AcuteDanger bool `json:"acute_danger"`
}

type relevanceVerdict struct {
	Relevant bool    `json:"relevant"`
	Score    float64 `json:"score"`
}

// Classify issues one judgment call for the given task.
func (c *LLMClient) Classify(ctx context.Context, input pipeline.ClassificationInput, task pipeline.ClassificationTask) (pipeline.Judgment, error) {
	ctx, span := llmTracer.Start(ctx, "llm.classify")
	defer span.End()

	var system, user string
	switch task {
	case pipeline.TaskSafety:
		system = safetySystemPrompt
		user = "Question: " + input.Question
		if input.ContextHint != "" {
			user += "\nContext: " + input.ContextHint
		}
	case pipeline.TaskRelevance:
		system = relevanceSystemPrompt
		user = "Question: " + input.Question + "\n\nExcerpt:\n" + input.Document
	default:
		return pipeline.Judgment{}, fmt.Errorf("unknown classification task %q", task)
	}

	raw, err := c.complete(ctx, system, user)
	if err != nil {
		return pipeline.Judgment{}, fmt.Errorf("%w: %w", pipeline.ErrClassificationUnavailable, err)
	}

	switch task {
	case pipeline.TaskSafety:
		var v safetyVerdict
		if err := decodeVerdict(raw, &v); err != nil {
			return pipeline.Judgment{}, err
		}
		return pipeline.Judgment{InScope: v.InScope, Directive: v.Directive, AcuteDanger: v.AcuteDanger}, nil
	default:
		var v relevanceVerdict
		if err := decodeVerdict(raw, &v); err != nil {
			return pipeline.Judgment{}, err
		}
		return pipeline.Judgment{Relevant: v.Relevant, Score: v.Score}, nil
	}
}

// =============================================================================
// Generator
// =============================================================================

// Generate produces an answer constrained to the supplied documents.
func (c *LLMClient) Generate(ctx context.Context, question string, documents []datatypes.Document) (string, error) {
	ctx, span := llmTracer.Start(ctx, "llm.generate")
	defer span.End()

	user := "Question: " + question + "\n\n" + formatDocuments(documents)
	answer, err := c.complete(ctx, generateSystemPrompt, user)
	if err != nil {
		return "", fmt.Errorf("%w: %w", pipeline.ErrGenerationUnavailable, err)
	}
	return strings.TrimSpace(answer), nil
}

// =============================================================================
// Verifier
// =============================================================================

type entailmentVerdict struct {
	Entailed bool `json:"entailed"`
}

// Verify checks the answer's claims against the documents.
func (c *LLMClient) Verify(ctx context.Context, answer string, documents []datatypes.Document) (bool, error) {
	ctx, span := llmTracer.Start(ctx, "llm.verify")
	defer span.End()

	user := "Answer:\n" + answer + "\n\n" + formatDocuments(documents)
	raw, err := c.complete(ctx, verifySystemPrompt, user)
	if err != nil {
		return false, fmt.Errorf("%w: %w", pipeline.ErrVerificationUnavailable, err)
	}
	var v entailmentVerdict
	if err := decodeVerdict(raw, &v); err != nil {
		return false, err
	}
	return v.Entailed, nil
}

// =============================================================================
// Internals
// =============================================================================

// complete issues one deterministic chat completion.
func (c *LLMClient) complete(ctx context.Context, system, user string) (string, error) {
	seed := generationSeed
	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		// The client omits a zero temperature as unset, so send the
		// smallest non-zero value to get deterministic sampling.
		Temperature: math.SmallestNonzeroFloat32,
		Seed:        &seed,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
	})
	if err != nil {
		return "", classifyAPIError(err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("completion returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// formatDocuments renders the excerpts the model may draw from.
func formatDocuments(documents []datatypes.Document) string {
	var b strings.Builder
	b.WriteString("Protocol excerpts:\n")
	for i, d := range documents {
		fmt.Fprintf(&b, "[%d] (%s)\n%s\n\n", i+1, d.Identifier, d.Content)
	}
	return b.String()
}

// decodeVerdict parses a JSON verdict, tolerating code fences some
// models wrap around JSON output.
func decodeVerdict(raw string, target any) error {
	cleaned := strings.TrimSpace(raw)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	cleaned = strings.TrimSpace(cleaned)
	if err := json.Unmarshal([]byte(cleaned), target); err != nil {
		return fmt.Errorf("failed to parse the model verdict %q: %w", raw, err)
	}
	return nil
}

// classifyAPIError maps gateway failures onto the retry layer's
// transient taxonomy: 429 is a rate limit, 5xx is transient, anything
// else propagates as-is and is not retried.
func classifyAPIError(err error) error {
	var apiErr *openai.APIError
	if !errors.As(err, &apiErr) {
		return err
	}
	switch {
	case apiErr.HTTPStatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %w", resilience.ErrRateLimited, err)
	case apiErr.HTTPStatusCode >= 500:
		return resilience.MarkTransient(err)
	default:
		return err
	}
}
