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

import "errors"

// Dependency-unavailable sentinels. Each wraps the underlying cause when
// surfaced, so callers can both classify with errors.Is and log the root
// failure.
var (
	// ErrRetrievalUnavailable: the vector store could not be reached
	// after resilience-wrapped retries.
	ErrRetrievalUnavailable = errors.New("retrieval unavailable")

	// ErrClassificationUnavailable: the classifier could not be reached
	// after resilience-wrapped retries.
	ErrClassificationUnavailable = errors.New("classification unavailable")

	// ErrGenerationUnavailable: the language model could not be reached
	// after resilience-wrapped retries.
	ErrGenerationUnavailable = errors.New("generation unavailable")

	// ErrVerificationUnavailable: the verifier could not be reached after
	// resilience-wrapped retries.
	ErrVerificationUnavailable = errors.New("verification unavailable")

	// ErrEmptyQuestion is returned by Process for a blank question.
	ErrEmptyQuestion = errors.New("question is empty")
)

// IsRetrievalUnavailable reports whether err is a retrieval outage.
func IsRetrievalUnavailable(err error) bool {
	return errors.Is(err, ErrRetrievalUnavailable)
}

// IsGenerationUnavailable reports whether err is a generation outage.
func IsGenerationUnavailable(err error) bool {
	return errors.Is(err, ErrGenerationUnavailable)
}
