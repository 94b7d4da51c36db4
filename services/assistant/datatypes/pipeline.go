// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes defines the data model shared by the assistant's
// pipeline, handlers, and clients.
package datatypes

// RiskLevel annotates a question with the clinical risk the safety gate
// assigned to it. It is advisory: it never drives branching on its own.
type RiskLevel string

const (
	// RiskInformational is the default for ordinary clinical queries.
	RiskInformational RiskLevel = "informational"

	// RiskUrgent marks questions that ask for individual clinical
	// direction without indications of acute danger.
	RiskUrgent RiskLevel = "urgent"

	// RiskEmergency marks questions whose content indicates acute danger
	// to a person. Carried on the rejection so the caller surface can
	// point at emergency services.
	RiskEmergency RiskLevel = "emergency"

	// RiskOutOfScope marks questions outside the medical domain.
	RiskOutOfScope RiskLevel = "out_of_scope"
)

// TerminalReason identifies how a question's pipeline run ended.
// Exactly one terminal reason is set per run, by the stage that ends it.
type TerminalReason string

const (
	// TerminalNone means the pipeline has not terminated yet. It never
	// appears in a returned result.
	TerminalNone TerminalReason = ""

	// TerminalRejectedUnsafe: the safety gate refused the question.
	TerminalRejectedUnsafe TerminalReason = "rejected_unsafe"

	// TerminalNoEvidence: no retrieved document survived relevance
	// grading, so no grounded answer is possible.
	TerminalNoEvidence TerminalReason = "no_evidence"

	// TerminalUnsupported: an answer was generated but failed the
	// faithfulness check and was discarded.
	TerminalUnsupported TerminalReason = "unsupported"

	// TerminalAnswered: the answer passed verification.
	TerminalAnswered TerminalReason = "answered"

	// TerminalRetrievalFailed: the vector store was unreachable after
	// retries. Infrastructure failure, not a content outcome.
	TerminalRetrievalFailed TerminalReason = "retrieval_failed"

	// TerminalGenerationFailed: the language model was unreachable after
	// retries. Infrastructure failure, not a content outcome.
	TerminalGenerationFailed TerminalReason = "generation_failed"

	// TerminalCancelled: the caller's context was cancelled between
	// stages.
	TerminalCancelled TerminalReason = "cancelled"
)

// IsContentOutcome reports whether the reason is an expected outcome of
// the domain logic (the system worked and declined or answered).
func (r TerminalReason) IsContentOutcome() bool {
	switch r {
	case TerminalRejectedUnsafe, TerminalNoEvidence, TerminalUnsupported, TerminalAnswered:
		return true
	default:
		return false
	}
}

// IsInfrastructureFailure reports whether the reason means the system
// could not complete its work, as opposed to correctly declining.
func (r TerminalReason) IsInfrastructureFailure() bool {
	switch r {
	case TerminalRetrievalFailed, TerminalGenerationFailed, TerminalCancelled:
		return true
	default:
		return false
	}
}

// Document is one protocol chunk consulted while answering a question.
type Document struct {
	// Identifier is the source protocol file or ID the chunk came from.
	Identifier string `json:"identifier"`

	// Content is the chunk text.
	Content string `json:"content"`

	// RelevanceScore is set by the relevance grader; nil before grading.
	RelevanceScore *float64 `json:"relevance_score,omitempty"`
}

// PipelineState is the single mutable record threaded through the
// pipeline stages of one question. It is created by the orchestrator,
// owned exclusively by one run, and discarded at exit; it is never shared
// between concurrent runs.
//
// Fields are unexported on purpose: each stage mutates the state only
// through the methods below, which enforce the ownership rules (a safety
// verdict cannot be un-set, the terminal reason is written exactly once,
// the answer is never edited after verification).
type PipelineState struct {
	question    string
	contextHint string
	isSafe      bool
	riskLevel   RiskLevel
	documents   []Document
	answer      string
	terminal    TerminalReason
}

// NewPipelineState builds the initial state for a question.
// The question is assumed safe until the safety gate says otherwise.
func NewPipelineState(question, contextHint string) *PipelineState {
	return &PipelineState{
		question:    question,
		contextHint: contextHint,
		isSafe:      true,
		riskLevel:   RiskInformational,
	}
}

// Question returns the original user input. Immutable once set.
func (s *PipelineState) Question() string { return s.question }

// ContextHint returns the auxiliary context (e.g. anonymized patient
// data), or "" when none was supplied. Immutable once set.
func (s *PipelineState) ContextHint() string { return s.contextHint }

// IsSafe reports the safety gate's verdict.
func (s *PipelineState) IsSafe() bool { return s.isSafe }

// MarkUnsafe records a safety rejection with its risk annotation.
// Once unsafe, no later call can flip the state back to safe.
func (s *PipelineState) MarkUnsafe(risk RiskLevel) {
	s.isSafe = false
	s.riskLevel = risk
}

// SetRiskLevel records the safety gate's risk annotation for questions
// that pass the gate.
func (s *PipelineState) SetRiskLevel(risk RiskLevel) { s.riskLevel = risk }

// RiskLevel returns the current risk annotation.
func (s *PipelineState) RiskLevel() RiskLevel { return s.riskLevel }

// Documents returns the current document set in retrieval rank order.
func (s *PipelineState) Documents() []Document { return s.documents }

// ReplaceDocuments replaces the document set wholesale. The retriever
// installs the ranked candidates; the grader installs the order-preserving
// filtered subset.
func (s *PipelineState) ReplaceDocuments(docs []Document) { s.documents = docs }

// Answer returns the candidate or final answer, "" if none.
func (s *PipelineState) Answer() string { return s.answer }

// SetAnswer records the generated answer. It is write-once: a second
// call is ignored, because no stage may edit an answer after the
// generator produced it.
func (s *PipelineState) SetAnswer(answer string) {
	if s.answer != "" {
		return
	}
	s.answer = answer
}

// DiscardAnswer empties the answer. Used by the validator when the
// answer is not entailed by the documents, so unsupported content never
// reaches the caller boundary.
func (s *PipelineState) DiscardAnswer() { s.answer = "" }

// Terminate records how the pipeline ended. The first call wins; later
// calls are ignored and report false, keeping the terminal reason
// immutable after it is set.
func (s *PipelineState) Terminate(reason TerminalReason) bool {
	if s.terminal != TerminalNone || reason == TerminalNone {
		return false
	}
	s.terminal = reason
	return true
}

// TerminalReason returns the recorded terminal reason, TerminalNone
// while the pipeline is still advancing.
func (s *PipelineState) TerminalReason() TerminalReason { return s.terminal }

// Terminated reports whether a terminal stage has run.
func (s *PipelineState) Terminated() bool { return s.terminal != TerminalNone }

// Result snapshots the state into the caller-facing result.
// The answer is included only for an answered outcome.
func (s *PipelineState) Result() *PipelineResult {
	answer := s.answer
	if s.terminal != TerminalAnswered {
		answer = ""
	}
	return &PipelineResult{
		TerminalReason: s.terminal,
		Answer:         answer,
		Documents:      s.documents,
		RiskLevel:      s.riskLevel,
	}
}

// PipelineResult is what the pipeline returns to its caller.
type PipelineResult struct {
	// TerminalReason is never TerminalNone in a returned result.
	TerminalReason TerminalReason `json:"terminal_reason"`

	// Answer is non-empty only when TerminalReason is TerminalAnswered.
	Answer string `json:"answer"`

	// Documents are the protocol chunks consulted, in retrieval rank
	// order, narrowed to the graded-relevant subset when grading ran.
	Documents []Document `json:"documents,omitempty"`

	// RiskLevel is the safety gate's annotation.
	RiskLevel RiskLevel `json:"risk_level"`
}

// SourceIdentifiers returns the identifiers of the consulted documents,
// deduplicated, preserving order. Chunks of the same protocol collapse
// to one entry.
func (r *PipelineResult) SourceIdentifiers() []string {
	seen := make(map[string]bool, len(r.Documents))
	var out []string
	for _, d := range r.Documents {
		if !seen[d.Identifier] {
			seen[d.Identifier] = true
			out = append(out, d.Identifier)
		}
	}
	return out
}
