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

	"github.com/AleutianAI/ClinicalAssist/services/assistant/datatypes"
)

// =============================================================================
// Collaborator Interfaces
// =============================================================================
//
// These four contracts are everything the pipeline depends on. Concrete
// implementations live in services/assistant/clients; tests inject fakes.

// VectorRetriever returns candidate protocol documents for a question,
// ranked descending by similarity, at most TopK entries.
type VectorRetriever interface {
	// Retrieve fetches candidates for the question. An error means the
	// underlying store could not be reached; the orchestrator decides
	// whether that ends the run.
	Retrieve(ctx context.Context, question string) ([]datatypes.Document, error)
}

// ClassificationTask selects which judgment a Classifier is asked for.
type ClassificationTask string

const (
	// TaskSafety screens a question for domain fit and individual
	// diagnosis/prescription requests.
	TaskSafety ClassificationTask = "safety"

	// TaskRelevance judges whether one document bears on a question.
	TaskRelevance ClassificationTask = "relevance"
)

// ClassificationInput carries the text under judgment. Question is always
// set; Document only for TaskRelevance, ContextHint only for TaskSafety.
type ClassificationInput struct {
	Question    string
	ContextHint string
	Document    string
}

// Judgment is a classifier verdict. Which fields are meaningful depends
// on the task: safety screening fills InScope, Directive, and
// AcuteDanger; relevance grading fills Relevant and Score.
type Judgment struct {
	// InScope reports whether the question belongs to the medical domain.
	InScope bool

	// Directive reports whether the question requests a diagnosis or
	// prescription for a specific real individual.
	Directive bool

	// AcuteDanger reports whether the question's content indicates acute
	// danger to a person. Advisory: carried on the rejection.
	AcuteDanger bool

	// Relevant reports whether the document bears on the question.
	Relevant bool

	// Score is the grader's confidence in Relevant, in [0, 1].
	Score float64
}

// Classifier issues binary judgments for safety screening and relevance
// grading. Implementations must be safe for concurrent use; the grader
// fans judgments out across documents.
type Classifier interface {
	Classify(ctx context.Context, input ClassificationInput, task ClassificationTask) (Judgment, error)
}

// Generator produces an answer constrained to the supplied documents.
// Given identical inputs it must produce identical output (deterministic
// sampling), so verification is reproducible.
type Generator interface {
	Generate(ctx context.Context, question string, documents []datatypes.Document) (string, error)
}

// Verifier checks whether every factual claim in the answer is entailed
// by the documents.
type Verifier interface {
	Verify(ctx context.Context, answer string, documents []datatypes.Document) (bool, error)
}

// =============================================================================
// Dependency Names
// =============================================================================

// Circuit breaker dependency names. Each external collaborator gets its
// own breaker so one failing dependency does not trip the others.
const (
	DepSafetyClassifier = "safety-classifier"
	DepVectorStore      = "vector-store"
	DepLanguageModel    = "language-model"
	DepVerifier         = "verifier"
)
