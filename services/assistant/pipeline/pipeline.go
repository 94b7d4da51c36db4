// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pipeline processes one clinical question from safety screening
// to a terminal result.
//
// # Description
//
// The pipeline is a strictly forward sequence of five stages:
//
//	safety → retrieve → grade → generate → validate
//
// Each stage either advances the shared PipelineState or terminates the
// run with a terminal reason. There are no loops and no re-entry: a run
// executes at most five stages and always ends in exactly one terminal
// state. Every external call goes through the resilience layer, which
// retries transient failures and trips a per-dependency circuit breaker.
//
// The orchestrator alone decides how dependency failures map to
// outcomes: a failed relevance judgment degrades one document, a failed
// retrieval or generation ends the run with an infrastructure-failure
// state the caller can tell apart from a content outcome.
//
// # Thread Safety
//
// A Pipeline is safe for concurrent use. Each Process call builds its
// own PipelineState; the only shared mutable state is inside the breaker
// registry, which synchronizes itself.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/ClinicalAssist/pkg/resilience"
	"github.com/AleutianAI/ClinicalAssist/services/assistant/datatypes"
	"github.com/AleutianAI/ClinicalAssist/services/assistant/guardrails"
	"github.com/AleutianAI/ClinicalAssist/services/assistant/observability"
)

// pipelineTracer is the OpenTelemetry tracer for pipeline operations.
var pipelineTracer = otel.Tracer("clinicalassist.assistant.pipeline")

// Config tunes the pipeline without touching its collaborators.
type Config struct {
	// Retry is the schedule applied to every external call.
	Retry resilience.RetryConfig

	// GradeConcurrency bounds concurrent relevance judgments.
	// <= 0 selects the default.
	GradeConcurrency int
}

// Pipeline orchestrates the five stages for one question at a time.
// Collaborators are injected at construction; there are no globals.
type Pipeline struct {
	safety    *SafetyGate
	retriever VectorRetriever
	grader    *RelevanceGrader
	generator *AnswerGenerator
	validator *FaithfulnessValidator
	breakers  *resilience.Registry
	retry     resilience.RetryConfig
	logger    *slog.Logger
}

// New wires a Pipeline from its external collaborators.
func New(guard *guardrails.Engine, retriever VectorRetriever, classifier Classifier, generator Generator, verifier Verifier, breakers *resilience.Registry, cfg Config, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	// Publish every dependency's initial breaker state so healthy
	// dependencies are visible on the gauge before any transition.
	for _, dep := range []string{DepSafetyClassifier, DepVectorStore, DepLanguageModel, DepVerifier} {
		observability.RecordBreakerState(dep, breakers.Get(dep).State())
	}
	return &Pipeline{
		safety:    NewSafetyGate(guard, classifier, breakers, cfg.Retry, logger),
		retriever: retriever,
		grader:    NewRelevanceGrader(classifier, breakers, cfg.Retry, cfg.GradeConcurrency, logger),
		generator: NewAnswerGenerator(generator, breakers, cfg.Retry, logger),
		validator: NewFaithfulnessValidator(verifier, breakers, cfg.Retry, logger),
		breakers:  breakers,
		retry:     cfg.Retry,
		logger:    logger,
	}
}

// Process runs one question start to terminal state.
//
// # Description
//
// Cancellation is honored at every stage boundary: once the context is
// done the run stops advancing and returns a cancelled result without
// issuing further external calls. The returned result always carries a
// terminal reason; the error is non-nil only for malformed input.
//
// # Inputs
//
//   - ctx: bounds the whole run, including retries and backoff sleeps.
//   - question: the user's question. Must be non-blank.
//   - contextHint: optional anonymized clinical context, "" for none.
//
// # Outputs
//
//   - *datatypes.PipelineResult: terminal reason, answer (non-empty only
//     when answered), consulted documents, and risk annotation.
//   - error: ErrEmptyQuestion for a blank question, nil otherwise.
func (p *Pipeline) Process(ctx context.Context, question, contextHint string) (*datatypes.PipelineResult, error) {
	ctx, span := pipelineTracer.Start(ctx, "pipeline.process")
	defer span.End()

	if strings.TrimSpace(question) == "" {
		span.SetStatus(codes.Error, ErrEmptyQuestion.Error())
		return nil, ErrEmptyQuestion
	}

	state := datatypes.NewPipelineState(question, contextHint)
	stages := []struct {
		name string
		run  func(context.Context, *datatypes.PipelineState) bool
	}{
		{"safety", p.safety.Check},
		{"retrieve", p.retrieve},
		{"grade", p.grader.Grade},
		{"generate", p.generator.Generate},
		{"validate", p.validator.Validate},
	}

	for _, stage := range stages {
		if ctx.Err() != nil {
			state.Terminate(datatypes.TerminalCancelled)
			break
		}
		start := time.Now()
		done := stage.run(ctx, state)
		observability.ObserveStage(stage.name, time.Since(start))
		if done {
			break
		}
	}

	result := state.Result()
	observability.RecordQuestion(result.TerminalReason)
	span.SetAttributes(
		attribute.String("terminal_reason", string(result.TerminalReason)),
		attribute.String("risk_level", string(result.RiskLevel)),
		attribute.Int("documents", len(result.Documents)),
	)
	p.logger.Info("question processed",
		"terminal_reason", result.TerminalReason,
		"risk_level", result.RiskLevel,
		"documents", len(result.Documents))
	return result, nil
}

// retrieve installs the ranked candidate documents on the state. A store
// outage after retries ends the run with the retrieval-failed
// infrastructure state; grader and generator never run.
func (p *Pipeline) retrieve(ctx context.Context, state *datatypes.PipelineState) bool {
	ctx, span := pipelineTracer.Start(ctx, "retriever.retrieve")
	defer span.End()

	docs, err := resilience.DoValue(ctx, p.retry, p.breakers.Get(DepVectorStore),
		func(ctx context.Context) ([]datatypes.Document, error) {
			return p.retriever.Retrieve(ctx, state.Question())
		})
	if err != nil {
		if stageCancelled(err, state) {
			return true
		}
		err = fmt.Errorf("%w: %w", ErrRetrievalUnavailable, err)
		p.logger.Error("document retrieval failed", "error", err)
		span.SetStatus(codes.Error, err.Error())
		state.Terminate(datatypes.TerminalRetrievalFailed)
		return true
	}

	state.ReplaceDocuments(docs)
	span.SetAttributes(attribute.Int("candidates", len(docs)))
	return false
}

// stageCancelled terminates the run as cancelled when err stems from the
// caller's context. A deadline expiring inside an external call must end
// the run the same way a cancellation at a stage boundary does, never as
// a content outcome.
func stageCancelled(err error, state *datatypes.PipelineState) bool {
	if err == nil {
		return false
	}
	if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	state.Terminate(datatypes.TerminalCancelled)
	return true
}
