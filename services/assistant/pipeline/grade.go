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
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/ClinicalAssist/pkg/resilience"
	"github.com/AleutianAI/ClinicalAssist/services/assistant/datatypes"
)

// defaultGradeConcurrency bounds how many relevance judgments run at
// once. Judgments are order-independent, so fanning out is safe.
const defaultGradeConcurrency = 4

// RelevanceGrader narrows the retrieved candidates to the documents a
// classifier judges relevant to the question.
//
// One binary judgment is issued per document, concurrently. Survivors
// keep their retrieval rank order. A judgment that fails after retries
// excludes that document only (conservative exclusion) and never fails
// the run.
type RelevanceGrader struct {
	classifier  Classifier
	breakers    *resilience.Registry
	retry       resilience.RetryConfig
	concurrency int
	logger      *slog.Logger
}

// NewRelevanceGrader builds the grader. concurrency <= 0 selects the
// default fan-out limit.
func NewRelevanceGrader(classifier Classifier, breakers *resilience.Registry, retry resilience.RetryConfig, concurrency int, logger *slog.Logger) *RelevanceGrader {
	if concurrency <= 0 {
		concurrency = defaultGradeConcurrency
	}
	return &RelevanceGrader{
		classifier:  classifier,
		breakers:    breakers,
		retry:       retry,
		concurrency: concurrency,
		logger:      logger,
	}
}

// Grade filters the state's documents in place. It returns true when
// zero documents survive, which terminates the run with a no-evidence
// outcome so the generator never runs against an empty document set.
func (r *RelevanceGrader) Grade(ctx context.Context, state *datatypes.PipelineState) bool {
	ctx, span := pipelineTracer.Start(ctx, "grader.grade")
	defer span.End()

	docs := state.Documents()
	span.SetAttributes(attribute.Int("candidates", len(docs)))

	type verdict struct {
		relevant bool
		score    float64
	}
	verdicts := make([]verdict, len(docs))

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(r.concurrency)
	for i := range docs {
		group.Go(func() error {
			judgment, err := resilience.DoValue(groupCtx, r.retry, r.breakers.Get(DepLanguageModel),
				func(ctx context.Context) (Judgment, error) {
					return r.classifier.Classify(ctx, ClassificationInput{
						Question: state.Question(),
						Document: docs[i].Content,
					}, TaskRelevance)
				})
			if err != nil {
				// Item-level degradation: this document is excluded, the
				// run continues with the rest.
				r.logger.Warn("relevance judgment failed, excluding document",
					"identifier", docs[i].Identifier, "error", err)
				return nil
			}
			verdicts[i] = verdict{relevant: judgment.Relevant, score: judgment.Score}
			return nil
		})
	}
	// Goroutines only write their own slot and never return an error.
	_ = group.Wait()

	// A cancellation mid-grade must not read as a no-evidence verdict.
	if stageCancelled(ctx.Err(), state) {
		return true
	}

	survivors := make([]datatypes.Document, 0, len(docs))
	for i, d := range docs {
		if !verdicts[i].relevant {
			continue
		}
		score := verdicts[i].score
		d.RelevanceScore = &score
		survivors = append(survivors, d)
	}
	state.ReplaceDocuments(survivors)
	span.SetAttributes(attribute.Int("survivors", len(survivors)))

	if len(survivors) == 0 {
		state.Terminate(datatypes.TerminalNoEvidence)
		return true
	}
	return false
}
