// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command assistant starts the clinical protocol assistant HTTP server.
//
// It reads configuration from environment variables and runs until the
// server stops.
//
// # Environment Variables
//
//   - ASSISTANT_PORT: HTTP server port (default: 12320)
//   - WEAVIATE_SERVICE_URL: Weaviate vector DB URL (required)
//   - LLM_BASE_URL: OpenAI-compatible gateway URL (default: api.openai.com)
//   - LLM_API_KEY: gateway API key
//   - LLM_MODEL: model identifier (default: gpt-4o-mini)
//   - ANSWER_CACHE_PATH: answer cache directory (default: ./data/answer_cache)
//   - ANSWER_CACHE_TTL: answered-result lifetime (default: 1h)
//   - RETRIEVAL_TOP_K: retrieval candidate bound (default: 5)
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OpenTelemetry collector (default: localhost:4317)
//   - LOG_LEVEL: minimum log severity (default: info)
//   - LOG_DIR: enables JSON audit file logging when set
//
// # Usage
//
//	go build -o assistant ./cmd/assistant
//	./assistant
package main

import (
	"log"
	"log/slog"
	"os"

	"github.com/AleutianAI/ClinicalAssist/pkg/logging"
	"github.com/AleutianAI/ClinicalAssist/services/assistant"
)

func main() {
	logger := logging.New(logging.Config{
		Level:   logging.ParseLevel(os.Getenv("LOG_LEVEL")),
		Service: "assistant",
		LogDir:  os.Getenv("LOG_DIR"),
	})
	defer logger.Close()
	slog.SetDefault(logger.Slog())

	cfg := assistant.ConfigFromEnv()
	slog.Info("starting the clinical protocol assistant",
		"weaviate_url", cfg.WeaviateURL,
		"llm_model", cfg.LLMModel,
	)

	svc, err := assistant.New(cfg)
	if err != nil {
		log.Fatalf("Failed to create the assistant: %v", err)
	}
	defer svc.Close()

	if err := svc.Run(); err != nil {
		log.Fatalf("Assistant error: %v", err)
	}
}
