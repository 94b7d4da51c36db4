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
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/ClinicalAssist/pkg/resilience"
	"github.com/AleutianAI/ClinicalAssist/services/assistant/datatypes"
	"github.com/AleutianAI/ClinicalAssist/services/assistant/guardrails"
)

// SafetyGate screens a question before any retrieval happens.
//
// # Description
//
// Policy, in order, each a hard rejection:
//
//  1. Question length outside the accepted bounds (no classifier call).
//  2. Question contains personally-identifying patterns (local regex
//     scan, no classifier call).
//  3. Question judged outside the medical domain.
//  4. Question judged to request a diagnosis/prescription for a named
//     individual. The rejection carries RiskEmergency when the content
//     indicates acute danger, RiskUrgent otherwise.
//
// Checks 3 and 4 share exactly one classification call, wrapped against
// the "safety-classifier" breaker. A classifier failure after retries is
// fail-closed: the question is marked unsafe. Safety is never permissive
// on infrastructure failure.
type SafetyGate struct {
	guard      *guardrails.Engine
	classifier Classifier
	breakers   *resilience.Registry
	retry      resilience.RetryConfig
	logger     *slog.Logger
}

// NewSafetyGate builds the gate. All collaborators are required.
func NewSafetyGate(guard *guardrails.Engine, classifier Classifier, breakers *resilience.Registry, retry resilience.RetryConfig, logger *slog.Logger) *SafetyGate {
	return &SafetyGate{
		guard:      guard,
		classifier: classifier,
		breakers:   breakers,
		retry:      retry,
		logger:     logger,
	}
}

// Check runs the safety policy against the state's question. It returns
// true when the gate terminated the run; the orchestrator stops there.
func (g *SafetyGate) Check(ctx context.Context, state *datatypes.PipelineState) bool {
	ctx, span := pipelineTracer.Start(ctx, "safety_gate.check")
	defer span.End()

	question := strings.TrimSpace(state.Question())

	if n := len([]rune(question)); n < datatypes.MinQuestionLength || n > datatypes.MaxQuestionLength {
		g.logger.Warn("question length outside accepted bounds", "length", n)
		span.SetAttributes(attribute.String("rejection", "length"))
		return g.reject(state, datatypes.RiskInformational)
	}

	if findings := g.guard.Scan(question); len(findings) > 0 {
		g.logger.Warn("question contains personally-identifying patterns",
			"classification", findings[0].ClassificationName,
			"pattern", findings[0].PatternId)
		span.SetAttributes(attribute.String("rejection", "pii"))
		return g.reject(state, datatypes.RiskInformational)
	}

	judgment, err := resilience.DoValue(ctx, g.retry, g.breakers.Get(DepSafetyClassifier),
		func(ctx context.Context) (Judgment, error) {
			return g.classifier.Classify(ctx, ClassificationInput{
				Question:    question,
				ContextHint: state.ContextHint(),
			}, TaskSafety)
		})
	if err != nil {
		if stageCancelled(err, state) {
			span.SetAttributes(attribute.String("rejection", "cancelled"))
			return true
		}
		// Fail-closed: an unreachable classifier must not admit the
		// question.
		g.logger.Error("safety classifier unavailable, rejecting", "error", err)
		span.SetAttributes(attribute.String("rejection", "classifier_unavailable"))
		return g.reject(state, datatypes.RiskInformational)
	}

	if !judgment.InScope {
		span.SetAttributes(attribute.String("rejection", "out_of_scope"))
		return g.reject(state, datatypes.RiskOutOfScope)
	}
	if judgment.Directive {
		risk := datatypes.RiskUrgent
		if judgment.AcuteDanger {
			risk = datatypes.RiskEmergency
		}
		span.SetAttributes(
			attribute.String("rejection", "individual_directive"),
			attribute.Bool("acute_danger", judgment.AcuteDanger),
		)
		return g.reject(state, risk)
	}

	span.SetAttributes(attribute.String("rejection", "none"))
	return false
}

// reject marks the state unsafe with the risk annotation and terminates
// the run. The return value is always true for the caller's convenience.
func (g *SafetyGate) reject(state *datatypes.PipelineState, risk datatypes.RiskLevel) bool {
	state.MarkUnsafe(risk)
	state.Terminate(datatypes.TerminalRejectedUnsafe)
	return true
}
