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
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/ClinicalAssist/pkg/resilience"
	"github.com/AleutianAI/ClinicalAssist/services/assistant/datatypes"
	"github.com/AleutianAI/ClinicalAssist/services/assistant/guardrails"
)

// =============================================================================
// Fake Collaborators
// =============================================================================

type fakeRetriever struct {
	mu    sync.Mutex
	docs  []datatypes.Document
	err   error
	calls int
}

func (f *fakeRetriever) Retrieve(_ context.Context, _ string) ([]datatypes.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.docs, f.err
}

type fakeClassifier struct {
	mu             sync.Mutex
	safety         Judgment
	safetyErr      error
	safetyHook     func()
	relevant       map[string]bool
	relevanceErr   map[string]error
	relevanceHook  func()
	safetyCalls    int
	relevanceCalls int
}

func (f *fakeClassifier) Classify(_ context.Context, input ClassificationInput, task ClassificationTask) (Judgment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch task {
	case TaskSafety:
		f.safetyCalls++
		if f.safetyHook != nil {
			f.safetyHook()
		}
		return f.safety, f.safetyErr
	case TaskRelevance:
		f.relevanceCalls++
		if f.relevanceHook != nil {
			f.relevanceHook()
		}
		if err := f.relevanceErr[input.Document]; err != nil {
			return Judgment{}, err
		}
		return Judgment{Relevant: f.relevant[input.Document], Score: 0.9}, nil
	default:
		return Judgment{}, fmt.Errorf("unknown task %q", task)
	}
}

type fakeGenerator struct {
	mu      sync.Mutex
	answer  string
	err     error
	hook    func()
	calls   int
	gotDocs []datatypes.Document
}

func (f *fakeGenerator) Generate(_ context.Context, _ string, docs []datatypes.Document) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.gotDocs = docs
	if f.hook != nil {
		f.hook()
	}
	return f.answer, f.err
}

type fakeVerifier struct {
	mu       sync.Mutex
	entailed bool
	err      error
	hook     func()
	calls    int
}

func (f *fakeVerifier) Verify(_ context.Context, _ string, _ []datatypes.Document) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.hook != nil {
		f.hook()
	}
	return f.entailed, f.err
}

// =============================================================================
// Test Environment
// =============================================================================

type testEnv struct {
	retriever  *fakeRetriever
	classifier *fakeClassifier
	generator  *fakeGenerator
	verifier   *fakeVerifier
	breakers   *resilience.Registry
	pipeline   *Pipeline
}

// newTestEnv wires a pipeline where every collaborator succeeds with a
// relevant-everywhere, entailed answer. Tests override what they need.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	guard, err := guardrails.NewEngine()
	require.NoError(t, err)

	env := &testEnv{
		retriever: &fakeRetriever{docs: threeDocuments()},
		classifier: &fakeClassifier{
			safety: Judgment{InScope: true},
			relevant: map[string]bool{
				"chunk-a": true,
				"chunk-b": true,
				"chunk-c": true,
			},
		},
		generator: &fakeGenerator{answer: "Follow the protocol's first-line therapy."},
		verifier:  &fakeVerifier{entailed: true},
		breakers:  resilience.NewRegistry(resilience.DefaultBreakerConfig()),
	}
	cfg := Config{
		Retry: resilience.RetryConfig{
			MaxAttempts: 2,
			BaseDelay:   time.Millisecond,
			MaxDelay:    2 * time.Millisecond,
		},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	env.pipeline = New(guard, env.retriever, env.classifier, env.generator, env.verifier, env.breakers, cfg, logger)
	return env
}

func threeDocuments() []datatypes.Document {
	return []datatypes.Document{
		{Identifier: "sepsis_protocol.xml", Content: "chunk-a"},
		{Identifier: "hypertension_protocol.xml", Content: "chunk-b"},
		{Identifier: "hypertension_protocol.xml", Content: "chunk-c"},
	}
}

// =============================================================================
// Safety Gate
// =============================================================================

// TestProcess_OutOfDomainRejected covers the weather-question rejection.
func TestProcess_OutOfDomainRejected(t *testing.T) {
	// Arrange
	env := newTestEnv(t)
	env.classifier.safety = Judgment{InScope: false}

	// Act
	result, err := env.pipeline.Process(context.Background(), "What is today's weather like outside?", "")

	// Assert
	require.NoError(t, err)
	assert.Equal(t, datatypes.TerminalRejectedUnsafe, result.TerminalReason)
	assert.Empty(t, result.Answer)
	assert.Equal(t, datatypes.RiskOutOfScope, result.RiskLevel)
	assert.Zero(t, env.retriever.calls, "no retrieval after a safety rejection")
}

// TestProcess_PIIRejectedWithoutClassifierCall verifies the local
// pattern scan rejects before any external call is made.
func TestProcess_PIIRejectedWithoutClassifierCall(t *testing.T) {
	// Arrange
	env := newTestEnv(t)

	// Act
	result, err := env.pipeline.Process(context.Background(), "Dosage for CPF 123.456.789-01 please?", "")

	// Assert
	require.NoError(t, err)
	assert.Equal(t, datatypes.TerminalRejectedUnsafe, result.TerminalReason)
	assert.Zero(t, env.classifier.safetyCalls, "PII rejection must not call the classifier")
	assert.Zero(t, env.retriever.calls)
}

// TestProcess_QuestionLengthBounds verifies too-short and too-long
// questions are rejected before the classifier runs.
func TestProcess_QuestionLengthBounds(t *testing.T) {
	tests := []struct {
		name     string
		question string
	}{
		{"too short", "Hi?"},
		{"too long", longQuestion(501)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)

			result, err := env.pipeline.Process(context.Background(), tt.question, "")

			require.NoError(t, err)
			assert.Equal(t, datatypes.TerminalRejectedUnsafe, result.TerminalReason)
			assert.Zero(t, env.classifier.safetyCalls)
		})
	}
}

func longQuestion(n int) string {
	runes := make([]rune, n)
	for i := range runes {
		runes[i] = 'q'
	}
	return string(runes)
}

// TestProcess_IndividualDirectiveRiskLevels verifies diagnosis requests
// are rejected with the right risk annotation.
func TestProcess_IndividualDirectiveRiskLevels(t *testing.T) {
	tests := []struct {
		name        string
		acuteDanger bool
		wantRisk    datatypes.RiskLevel
	}{
		{"directive without acute danger", false, datatypes.RiskUrgent},
		{"directive with acute danger", true, datatypes.RiskEmergency},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Arrange
			env := newTestEnv(t)
			env.classifier.safety = Judgment{InScope: true, Directive: true, AcuteDanger: tt.acuteDanger}

			// Act
			result, err := env.pipeline.Process(context.Background(), "Which antibiotic should I take for this?", "")

			// Assert
			require.NoError(t, err)
			assert.Equal(t, datatypes.TerminalRejectedUnsafe, result.TerminalReason)
			assert.Equal(t, tt.wantRisk, result.RiskLevel)
		})
	}
}

// TestProcess_SafetyClassifierFailureIsFailClosed verifies an
// unreachable classifier rejects the question instead of admitting it.
func TestProcess_SafetyClassifierFailureIsFailClosed(t *testing.T) {
	// Arrange
	env := newTestEnv(t)
	env.classifier.safetyErr = errors.New("model gateway returned 500")

	// Act
	result, err := env.pipeline.Process(context.Background(), "Hypertension management for adults?", "")

	// Assert
	require.NoError(t, err)
	assert.Equal(t, datatypes.TerminalRejectedUnsafe, result.TerminalReason)
	assert.Zero(t, env.retriever.calls)
}

// =============================================================================
// Grading, Generation, Validation
// =============================================================================

// TestProcess_AllDocumentsIrrelevant covers the no-evidence outcome:
// retrieval succeeds but nothing survives grading.
func TestProcess_AllDocumentsIrrelevant(t *testing.T) {
	// Arrange
	env := newTestEnv(t)
	env.classifier.relevant = map[string]bool{}

	// Act
	result, err := env.pipeline.Process(context.Background(), "Sepsis treatment in elderly patients?", "")

	// Assert
	require.NoError(t, err)
	assert.Equal(t, datatypes.TerminalNoEvidence, result.TerminalReason)
	assert.Empty(t, result.Answer)
	assert.Empty(t, result.Documents)
	assert.Zero(t, env.generator.calls, "generator must never run against zero documents")
}

// TestProcess_AnsweredWithFilteredSources covers the happy path: two of
// three documents survive grading and the answer passes verification.
func TestProcess_AnsweredWithFilteredSources(t *testing.T) {
	// Arrange
	env := newTestEnv(t)
	env.classifier.relevant = map[string]bool{"chunk-a": true, "chunk-c": true}

	// Act
	result, err := env.pipeline.Process(context.Background(), "Hypertension management for adults?", "")

	// Assert
	require.NoError(t, err)
	assert.Equal(t, datatypes.TerminalAnswered, result.TerminalReason)
	assert.Equal(t, "Follow the protocol's first-line therapy.", result.Answer)

	require.Len(t, result.Documents, 2)
	assert.Equal(t, "chunk-a", result.Documents[0].Content, "survivors keep retrieval order")
	assert.Equal(t, "chunk-c", result.Documents[1].Content)
	for _, d := range result.Documents {
		require.NotNil(t, d.RelevanceScore, "grading records a score on survivors")
	}
	assert.Equal(t,
		[]string{"sepsis_protocol.xml", "hypertension_protocol.xml"},
		result.SourceIdentifiers())
	assert.Equal(t, 1, env.verifier.calls)
}

// TestProcess_UnsupportedAnswerDiscarded covers the validator rejecting
// a generated answer: the answer never reaches the caller.
func TestProcess_UnsupportedAnswerDiscarded(t *testing.T) {
	// Arrange
	env := newTestEnv(t)
	env.verifier.entailed = false

	// Act
	result, err := env.pipeline.Process(context.Background(), "Hypertension management for adults?", "")

	// Assert
	require.NoError(t, err)
	assert.Equal(t, datatypes.TerminalUnsupported, result.TerminalReason)
	assert.Empty(t, result.Answer)
	assert.Equal(t, 1, env.generator.calls)
}

// TestProcess_VerifierFailureIsFailClosed verifies an unreachable
// verifier discards the answer rather than passing it through.
func TestProcess_VerifierFailureIsFailClosed(t *testing.T) {
	// Arrange
	env := newTestEnv(t)
	env.verifier.err = errors.New("verifier gateway down")

	// Act
	result, err := env.pipeline.Process(context.Background(), "Hypertension management for adults?", "")

	// Assert
	require.NoError(t, err)
	assert.Equal(t, datatypes.TerminalUnsupported, result.TerminalReason)
	assert.Empty(t, result.Answer)
}

// TestProcess_FailedJudgmentExcludesOnlyThatDocument verifies item-level
// degradation: one document's judgment failing conservatively excludes
// it without ending the run.
func TestProcess_FailedJudgmentExcludesOnlyThatDocument(t *testing.T) {
	// Arrange
	env := newTestEnv(t)
	env.classifier.relevanceErr = map[string]error{"chunk-b": errors.New("malformed judgment")}

	// Act
	result, err := env.pipeline.Process(context.Background(), "Hypertension management for adults?", "")

	// Assert
	require.NoError(t, err)
	assert.Equal(t, datatypes.TerminalAnswered, result.TerminalReason)
	require.Len(t, result.Documents, 2)
	assert.Equal(t, "chunk-a", result.Documents[0].Content)
	assert.Equal(t, "chunk-c", result.Documents[1].Content)
	require.Len(t, env.generator.gotDocs, 2, "generator sees only the surviving documents")
}

// =============================================================================
// Infrastructure Failures
// =============================================================================

// TestProcess_RetrievalOutage verifies a hard store failure surfaces as
// the retrieval-failed infrastructure state, not a content outcome.
func TestProcess_RetrievalOutage(t *testing.T) {
	// Arrange
	env := newTestEnv(t)
	env.retriever.err = errors.New("weaviate unreachable")

	// Act
	result, err := env.pipeline.Process(context.Background(), "Hypertension management for adults?", "")

	// Assert
	require.NoError(t, err)
	assert.Equal(t, datatypes.TerminalRetrievalFailed, result.TerminalReason)
	assert.True(t, result.TerminalReason.IsInfrastructureFailure())
	assert.Zero(t, env.classifier.relevanceCalls, "grader never runs after a retrieval failure")
	assert.Zero(t, env.generator.calls)
}

// TestProcess_OpenRetrievalCircuitFailsFast covers the open-breaker
// scenario: the run ends without a single retriever call.
func TestProcess_OpenRetrievalCircuitFailsFast(t *testing.T) {
	// Arrange
	env := newTestEnv(t)
	breaker := env.breakers.Get(DepVectorStore)
	for i := 0; i < 5; i++ {
		breaker.Record(errors.New("connection refused"))
	}
	require.Equal(t, resilience.StateOpen, breaker.State())

	// Act
	result, err := env.pipeline.Process(context.Background(), "Hypertension management for adults?", "")

	// Assert
	require.NoError(t, err)
	assert.Equal(t, datatypes.TerminalRetrievalFailed, result.TerminalReason)
	assert.Zero(t, env.retriever.calls, "open circuit must not attempt the network operation")
	assert.Zero(t, env.generator.calls)
}

// TestProcess_GenerationOutage verifies generation exhaustion maps to
// its own terminal state, distinct from unsupported.
func TestProcess_GenerationOutage(t *testing.T) {
	// Arrange
	env := newTestEnv(t)
	env.generator.answer = ""
	env.generator.err = resilience.MarkTransient(errors.New("model gateway 503"))

	// Act
	result, err := env.pipeline.Process(context.Background(), "Hypertension management for adults?", "")

	// Assert
	require.NoError(t, err)
	assert.Equal(t, datatypes.TerminalGenerationFailed, result.TerminalReason)
	assert.Empty(t, result.Answer)
	assert.Zero(t, env.verifier.calls)
	assert.Equal(t, 2, env.generator.calls, "transient failures are retried before giving up")
}

// TestProcess_CancelledBeforeStart verifies a done context yields a
// cancelled result without any external call.
func TestProcess_CancelledBeforeStart(t *testing.T) {
	// Arrange
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// Act
	result, err := env.pipeline.Process(ctx, "Hypertension management for adults?", "")

	// Assert
	require.NoError(t, err)
	assert.Equal(t, datatypes.TerminalCancelled, result.TerminalReason)
	assert.Zero(t, env.classifier.safetyCalls)
	assert.Zero(t, env.retriever.calls)
}

// =============================================================================
// General Properties
// =============================================================================

// TestProcess_CancelledDuringStageCall verifies a context that dies
// inside an external call ends the run as cancelled, never as a content
// outcome the caller would mistake for a correct decline.
func TestProcess_CancelledDuringStageCall(t *testing.T) {
	tests := []struct {
		name string
		wire func(env *testEnv, cancel context.CancelFunc)
	}{
		{"during safety classification", func(env *testEnv, cancel context.CancelFunc) {
			env.classifier.safetyHook = cancel
			env.classifier.safetyErr = context.Canceled
		}},
		{"during relevance grading", func(env *testEnv, cancel context.CancelFunc) {
			env.classifier.relevanceHook = cancel
		}},
		{"during generation", func(env *testEnv, cancel context.CancelFunc) {
			env.generator.hook = cancel
			env.generator.err = context.DeadlineExceeded
		}},
		{"during verification", func(env *testEnv, cancel context.CancelFunc) {
			env.verifier.hook = cancel
			env.verifier.err = context.Canceled
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Arrange
			env := newTestEnv(t)
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			tt.wire(env, cancel)

			// Act
			result, err := env.pipeline.Process(ctx, "Hypertension management for adults?", "")

			// Assert
			require.NoError(t, err)
			assert.Equal(t, datatypes.TerminalCancelled, result.TerminalReason)
			assert.True(t, result.TerminalReason.IsInfrastructureFailure())
			assert.Empty(t, result.Answer)
		})
	}
}

// TestProcess_CancelledDuringSafetyIsNotARejection pins the distinction
// between a mid-call cancellation and a fail-closed safety rejection.
func TestProcess_CancelledDuringSafetyIsNotARejection(t *testing.T) {
	// Arrange
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env.classifier.safetyHook = cancel
	env.classifier.safetyErr = context.Canceled

	// Act
	result, err := env.pipeline.Process(ctx, "Hypertension management for adults?", "")

	// Assert
	require.NoError(t, err)
	assert.NotEqual(t, datatypes.TerminalRejectedUnsafe, result.TerminalReason)
	assert.Equal(t, datatypes.TerminalCancelled, result.TerminalReason)
	assert.Zero(t, env.retriever.calls)
}

// TestProcess_EmptyQuestionIsAnInputError verifies a blank question is
// the one case reported as an error, not a terminal state.
func TestProcess_EmptyQuestionIsAnInputError(t *testing.T) {
	env := newTestEnv(t)

	result, err := env.pipeline.Process(context.Background(), "   ", "")

	require.ErrorIs(t, err, ErrEmptyQuestion)
	assert.Nil(t, result)
}

// TestProcess_TerminalReasonAlwaysSet runs every configured outcome and
// checks no result ever leaves with an unset terminal reason.
func TestProcess_TerminalReasonAlwaysSet(t *testing.T) {
	configure := map[string]func(*testEnv){
		"answered":    func(*testEnv) {},
		"unsafe":      func(e *testEnv) { e.classifier.safety = Judgment{InScope: false} },
		"no evidence": func(e *testEnv) { e.classifier.relevant = map[string]bool{} },
		"unsupported": func(e *testEnv) { e.verifier.entailed = false },
		"retrieval down": func(e *testEnv) {
			e.retriever.err = errors.New("store unreachable")
		},
	}

	for name, mutate := range configure {
		t.Run(name, func(t *testing.T) {
			env := newTestEnv(t)
			mutate(env)

			result, err := env.pipeline.Process(context.Background(), "Hypertension management for adults?", "")

			require.NoError(t, err)
			assert.NotEqual(t, datatypes.TerminalNone, result.TerminalReason)
		})
	}
}

// TestNew_PublishesInitialBreakerStates verifies every dependency shows
// up closed on the breaker gauge at construction, so a healthy system
// exposes a full set of series instead of none.
func TestNew_PublishesInitialBreakerStates(t *testing.T) {
	// Arrange / Act
	newTestEnv(t)

	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)

	var states map[string]float64
	for _, family := range families {
		if family.GetName() != "clinicalassist_resilience_circuit_breaker_state" {
			continue
		}
		states = make(map[string]float64)
		for _, metric := range family.GetMetric() {
			for _, label := range metric.GetLabel() {
				if label.GetName() == "dependency" {
					states[label.GetValue()] = metric.GetGauge().GetValue()
				}
			}
		}
	}

	// Assert
	require.NotNil(t, states, "breaker gauge must be exposed")
	for _, dep := range []string{DepSafetyClassifier, DepVectorStore, DepLanguageModel, DepVerifier} {
		require.Contains(t, states, dep)
		assert.Equal(t, float64(resilience.StateClosed), states[dep])
	}
}

// TestProcess_DeterministicForIdenticalInputs verifies two runs with
// identical collaborator responses produce identical results.
func TestProcess_DeterministicForIdenticalInputs(t *testing.T) {
	env := newTestEnv(t)

	first, err := env.pipeline.Process(context.Background(), "Hypertension management for adults?", "")
	require.NoError(t, err)
	second, err := env.pipeline.Process(context.Background(), "Hypertension management for adults?", "")
	require.NoError(t, err)

	assert.Equal(t, first.TerminalReason, second.TerminalReason)
	assert.Equal(t, first.Answer, second.Answer)
	assert.Equal(t, first.SourceIdentifiers(), second.SourceIdentifiers())
}
