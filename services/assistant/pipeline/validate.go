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
	"log/slog"

	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/ClinicalAssist/pkg/resilience"
	"github.com/AleutianAI/ClinicalAssist/services/assistant/datatypes"
)

// FaithfulnessValidator is the last stage: it accepts the candidate
// answer only if every factual claim in it is entailed by the graded
// documents.
//
// The validator never edits the answer. It either returns the state
// as-is with an answered outcome, or discards the answer entirely so no
// unsupported content reaches the caller boundary. A verifier failure
// after retries is fail-closed: unverified claims are worse than no
// answer.
type FaithfulnessValidator struct {
	verifier Verifier
	breakers *resilience.Registry
	retry    resilience.RetryConfig
	logger   *slog.Logger
}

// NewFaithfulnessValidator builds the validation stage.
func NewFaithfulnessValidator(verifier Verifier, breakers *resilience.Registry, retry resilience.RetryConfig, logger *slog.Logger) *FaithfulnessValidator {
	return &FaithfulnessValidator{
		verifier: verifier,
		breakers: breakers,
		retry:    retry,
		logger:   logger,
	}
}

// Validate decides the run's final content outcome. It always
// terminates the run and therefore always returns true.
func (v *FaithfulnessValidator) Validate(ctx context.Context, state *datatypes.PipelineState) bool {
	ctx, span := pipelineTracer.Start(ctx, "validator.validate")
	defer span.End()

	entailed, err := resilience.DoValue(ctx, v.retry, v.breakers.Get(DepVerifier),
		func(ctx context.Context) (bool, error) {
			return v.verifier.Verify(ctx, state.Answer(), state.Documents())
		})
	if err != nil {
		if stageCancelled(err, state) {
			return true
		}
		// Fail-closed: treat an unreachable verifier as not entailed.
		v.logger.Error("verifier unavailable, discarding answer", "error", err)
		entailed = false
	}
	span.SetAttributes(attribute.Bool("entailed", entailed))

	if !entailed {
		state.DiscardAnswer()
		state.Terminate(datatypes.TerminalUnsupported)
		return true
	}
	state.Terminate(datatypes.TerminalAnswered)
	return true
}
