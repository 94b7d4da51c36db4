// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/ClinicalAssist/pkg/resilience"
	"github.com/AleutianAI/ClinicalAssist/services/assistant/datatypes"
)

// AnswerGenerator produces the candidate answer from the graded
// documents via a single resilience-wrapped generation call.
//
// The generator contract requires deterministic sampling, so the
// validator's accept/reject decision is reproducible for identical
// inputs.
type AnswerGenerator struct {
	generator Generator
	breakers  *resilience.Registry
	retry     resilience.RetryConfig
	logger    *slog.Logger
}

// NewAnswerGenerator builds the generation stage.
func NewAnswerGenerator(generator Generator, breakers *resilience.Registry, retry resilience.RetryConfig, logger *slog.Logger) *AnswerGenerator {
	return &AnswerGenerator{
		generator: generator,
		breakers:  breakers,
		retry:     retry,
		logger:    logger,
	}
}

// Generate writes the candidate answer into the state. Exhausted retries
// terminate the run with the generation-failed infrastructure state,
// distinct from the unsupported content outcome. Returns true when the
// stage terminated the run.
func (a *AnswerGenerator) Generate(ctx context.Context, state *datatypes.PipelineState) bool {
	ctx, span := pipelineTracer.Start(ctx, "generator.generate")
	defer span.End()

	answer, err := resilience.DoValue(ctx, a.retry, a.breakers.Get(DepLanguageModel),
		func(ctx context.Context) (string, error) {
			return a.generator.Generate(ctx, state.Question(), state.Documents())
		})
	if err != nil {
		if stageCancelled(err, state) {
			return true
		}
		err = fmt.Errorf("%w: %w", ErrGenerationUnavailable, err)
		a.logger.Error("answer generation failed", "error", err)
		span.SetStatus(codes.Error, err.Error())
		state.Terminate(datatypes.TerminalGenerationFailed)
		return true
	}
	if strings.TrimSpace(answer) == "" {
		// A blank completion is a model failure, not a content verdict.
		a.logger.Error("generator returned an empty answer")
		span.SetStatus(codes.Error, "empty answer")
		state.Terminate(datatypes.TerminalGenerationFailed)
		return true
	}

	state.SetAnswer(answer)
	span.SetAttributes(attribute.Int("answer_length", len(answer)))
	return false
}
