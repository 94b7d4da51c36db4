// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package guardrails detects personally-identifying information in
// question text and scrubs it from protocol documents before ingestion.
//
// Detection is pure regex over an embedded pattern file: it runs before
// any external call, costs nothing, and cannot be down. The safety gate
// treats any finding as a hard rejection; the ingestion path replaces
// matches with redaction markers instead.
package guardrails

import (
	"fmt"

	"github.com/AleutianAI/ClinicalAssist/services/assistant/guardrails/enforcement"
	"gopkg.in/yaml.v3"
)

// Engine scans text against the embedded PII classification patterns.
//
// # Thread Safety
//
// Engine is immutable after construction and safe for concurrent use.
type Engine struct {
	classifications []Classification
}

// NewEngine initializes an Engine from the embedded pattern file.
//
// It unmarshals the YAML baked into the binary, compiles every regex,
// and sorts classifications by priority. Returns an error if the
// embedded file is malformed; that is a build defect, not a runtime
// condition, so callers treat it as fatal.
func NewEngine() (*Engine, error) {
	var file PatternFile
	if err := yaml.Unmarshal(enforcement.PIIPatterns, &file); err != nil {
		return nil, fmt.Errorf("failed to unmarshal the embedded pattern file: %w", err)
	}
	if err := file.Compile(); err != nil {
		return nil, fmt.Errorf("failed to compile a guardrail pattern: %w", err)
	}
	file.SortByPriority()
	return &Engine{classifications: file.Classifications}, nil
}

// Scan returns every PII finding in the text, highest-priority
// classifications first. An empty result means the text is clean.
func (e *Engine) Scan(text string) []Finding {
	var findings []Finding
	for _, c := range e.classifications {
		for _, p := range c.Patterns {
			for _, match := range p.compiled.FindAllString(text, -1) {
				findings = append(findings, Finding{
					ClassificationName: c.Name,
					PatternId:          p.Id,
					PatternDescription: p.Description,
					MatchedContent:     match,
					Confidence:         p.Confidence,
				})
			}
		}
	}
	return findings
}

// HasPII is a fast boolean check used by the safety gate.
func (e *Engine) HasPII(text string) bool {
	for _, c := range e.classifications {
		for _, p := range c.Patterns {
			if p.compiled.MatchString(text) {
				return true
			}
		}
	}
	return false
}

// Scrub replaces every PII match with a [REDACTED:<classification>]
// marker, keeping the clinical structure of the text intact. Used by
// the ingestion path so identifiers in source protocols never reach the
// vector store.
func (e *Engine) Scrub(text string) string {
	for _, c := range e.classifications {
		marker := "[REDACTED:" + c.Name + "]"
		for _, p := range c.Patterns {
			text = p.compiled.ReplaceAllString(text, marker)
		}
	}
	return text
}
