// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package assistant assembles the clinical protocol assistant service:
// HTTP routing, the question pipeline, the answer cache, protocol
// ingestion, and observability.
package assistant

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/AleutianAI/ClinicalAssist/pkg/resilience"
	"github.com/AleutianAI/ClinicalAssist/services/assistant/cache"
	"github.com/AleutianAI/ClinicalAssist/services/assistant/clients"
	"github.com/AleutianAI/ClinicalAssist/services/assistant/guardrails"
	"github.com/AleutianAI/ClinicalAssist/services/assistant/ingest"
	"github.com/AleutianAI/ClinicalAssist/services/assistant/observability"
	"github.com/AleutianAI/ClinicalAssist/services/assistant/pipeline"
	"github.com/AleutianAI/ClinicalAssist/services/assistant/routes"
)

const serviceName = "clinical-assistant"

// Config holds assistant configuration options.
//
// Values can be populated from environment variables via ConfigFromEnv,
// or programmatically for testing. All fields have defaults.
type Config struct {
	// Port is the HTTP server port. Default: 12320.
	Port int

	// WeaviateURL is the vector database URL, e.g. "http://localhost:8080".
	WeaviateURL string

	// LLMBaseURL is the OpenAI-compatible gateway URL. Empty uses
	// api.openai.com.
	LLMBaseURL string

	// LLMAPIKey authenticates against the gateway.
	LLMAPIKey string

	// LLMModel is the model identifier. Default: "gpt-4o-mini".
	LLMModel string

	// CachePath is the answer cache directory.
	// Default: "./data/answer_cache".
	CachePath string

	// CacheTTL is the answered-result lifetime. Default: 1 hour.
	CacheTTL time.Duration

	// RetrievalTopK bounds retrieval candidates. Default: 5.
	RetrievalTopK int

	// OTelEndpoint is the OpenTelemetry collector endpoint.
	// Default: "localhost:4317".
	OTelEndpoint string

	// GinMode sets the Gin framework mode ("debug", "release", "test").
	GinMode string
}

// ConfigFromEnv reads configuration from environment variables,
// falling back to defaults for anything unset.
func ConfigFromEnv() Config {
	cfg := Config{
		WeaviateURL:  strings.Trim(os.Getenv("WEAVIATE_SERVICE_URL"), "\"' "),
		LLMBaseURL:   os.Getenv("LLM_BASE_URL"),
		LLMAPIKey:    os.Getenv("LLM_API_KEY"),
		LLMModel:     os.Getenv("LLM_MODEL"),
		CachePath:    os.Getenv("ANSWER_CACHE_PATH"),
		OTelEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		GinMode:      os.Getenv("GIN_MODE"),
	}
	if port, err := strconv.Atoi(os.Getenv("ASSISTANT_PORT")); err == nil {
		cfg.Port = port
	}
	if k, err := strconv.Atoi(os.Getenv("RETRIEVAL_TOP_K")); err == nil {
		cfg.RetrievalTopK = k
	}
	if ttl, err := time.ParseDuration(os.Getenv("ANSWER_CACHE_TTL")); err == nil {
		cfg.CacheTTL = ttl
	}
	return cfg
}

// applyConfigDefaults fills in missing values.
func applyConfigDefaults(cfg Config) Config {
	if cfg.Port == 0 {
		cfg.Port = 12320
	}
	if cfg.LLMModel == "" {
		cfg.LLMModel = "gpt-4o-mini"
	}
	if cfg.CachePath == "" {
		cfg.CachePath = "./data/answer_cache"
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = cache.DefaultTTL
	}
	if cfg.RetrievalTopK == 0 {
		cfg.RetrievalTopK = 5
	}
	if cfg.OTelEndpoint == "" {
		cfg.OTelEndpoint = "localhost:4317"
	}
	return cfg
}

// Service is the assistant's lifecycle surface.
type Service interface {
	// Run starts the HTTP server and blocks until it stops.
	Run() error

	// Router returns the configured Gin engine for testing.
	Router() *gin.Engine

	// Close releases the cache and flushes tracing.
	Close()
}

// service implements Service for production use.
//
// # Thread Safety
//
// Thread-safe after construction; all fields are read-only once New()
// returns.
type service struct {
	config        Config
	router        *gin.Engine
	answers       *cache.AnswerCache
	tracerCleanup func(context.Context)
}

// New wires the assistant from its configuration.
//
// # Description
//
//  1. Applies defaults for missing values.
//  2. Initializes OpenTelemetry tracing.
//  3. Connects Weaviate and ensures the protocol schema.
//  4. Builds the model client, guardrails engine, and answer cache.
//  5. Assembles the pipeline behind the HTTP routes.
func New(cfg Config) (Service, error) {
	cfg = applyConfigDefaults(cfg)
	s := &service{config: cfg}

	cleanup, err := initTracer(cfg.OTelEndpoint)
	if err != nil {
		// Tracing is best-effort: the assistant answers questions without
		// a collector.
		slog.Warn("failed to initialize tracing, continuing without it", "error", err)
	} else {
		s.tracerCleanup = cleanup
	}

	weaviateClient, err := newWeaviateClient(cfg.WeaviateURL)
	if err != nil {
		return nil, err
	}
	if err := ingest.EnsureSchema(context.Background(), weaviateClient); err != nil {
		slog.Warn("failed to ensure the protocol schema", "error", err)
	}

	llmClient, err := clients.NewLLMClient(clients.LLMConfig{
		BaseURL: cfg.LLMBaseURL,
		APIKey:  cfg.LLMAPIKey,
		Model:   cfg.LLMModel,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build the model client: %w", err)
	}

	guard, err := guardrails.NewEngine()
	if err != nil {
		return nil, fmt.Errorf("failed to build the guardrails engine: %w", err)
	}

	s.answers, err = cache.Open(cache.Config{
		Path: cfg.CachePath,
		TTL:  cfg.CacheTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open the answer cache: %w", err)
	}

	breakerCfg := resilience.DefaultBreakerConfig()
	breakerCfg.OnStateChange = func(dependency string, from, to resilience.BreakerState) {
		slog.Warn("circuit breaker transition",
			"dependency", dependency, "from", from.String(), "to", to.String())
		observability.RecordBreakerState(dependency, to)
	}
	breakers := resilience.NewRegistry(breakerCfg)

	retriever := clients.NewWeaviateRetriever(weaviateClient, cfg.RetrievalTopK)
	processor := pipeline.New(guard, retriever, llmClient, llmClient, llmClient, breakers,
		pipeline.Config{Retry: resilience.DefaultRetryConfig()}, slog.Default())
	ingestor := ingest.NewIngestor(weaviateClient, guard, slog.Default())

	if cfg.GinMode != "" {
		gin.SetMode(cfg.GinMode)
	}
	s.router = gin.Default()
	s.router.Use(otelgin.Middleware(serviceName))
	routes.SetupRoutes(s.router, processor, s.answers, ingestor, breakers)

	return s, nil
}

// Run starts the HTTP server and blocks.
func (s *service) Run() error {
	slog.Info("starting the assistant", "port", s.config.Port)
	return s.router.Run(fmt.Sprintf(":%d", s.config.Port))
}

// Router returns the configured engine.
func (s *service) Router() *gin.Engine {
	return s.router
}

// Close releases the answer cache and flushes tracing.
func (s *service) Close() {
	if s.answers != nil {
		if err := s.answers.Close(); err != nil {
			slog.Error("failed to close the answer cache", "error", err)
		}
	}
	if s.tracerCleanup != nil {
		s.tracerCleanup(context.Background())
	}
}

// newWeaviateClient parses the URL and builds the client.
func newWeaviateClient(rawURL string) (*weaviate.Client, error) {
	if rawURL == "" {
		return nil, fmt.Errorf("WEAVIATE_SERVICE_URL is required")
	}
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid weaviate URL %q", rawURL)
	}
	client, err := weaviate.NewClient(weaviate.Config{
		Host:   parsed.Host,
		Scheme: parsed.Scheme,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create the weaviate client: %w", err)
	}
	return client, nil
}

// initTracer sets up the OTLP trace exporter toward the collector.
// Uses an insecure gRPC connection, appropriate for internal networks.
func initTracer(endpoint string) (func(context.Context), error) {
	ctx := context.Background()

	conn, err := grpc.NewClient(endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
	}
	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String(serviceName)))
	if err != nil {
		return nil, fmt.Errorf("failed to build the trace resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(sdktrace.NewBatchSpanProcessor(traceExporter)))
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown the OTLP exporter", "error", err)
		}
	}, nil
}
