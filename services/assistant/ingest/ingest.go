// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ingest loads protocol source files into the vector store.
//
// The path is: extract text from the protocol XML, scrub
// personally-identifying patterns, split into overlapping chunks, and
// batch-insert into Weaviate. Embedding is handled by Weaviate's
// vectorizer module, so this package only moves text.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
	"github.com/tmc/langchaingo/textsplitter"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate/entities/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/ClinicalAssist/services/assistant/clients"
	"github.com/AleutianAI/ClinicalAssist/services/assistant/guardrails"
	"github.com/AleutianAI/ClinicalAssist/services/assistant/observability"
)

// ingestTracer is the OpenTelemetry tracer for ingestion operations.
var ingestTracer = otel.Tracer("clinicalassist.assistant.ingest")

// Chunking parameters. Overlap keeps clinical statements that straddle
// a boundary retrievable from both neighboring chunks.
const (
	ChunkSize    = 1000
	ChunkOverlap = 200
)

// Ingestor writes scrubbed protocol chunks into the vector store.
type Ingestor struct {
	client *weaviate.Client
	guard  *guardrails.Engine
	logger *slog.Logger
}

// NewIngestor builds the ingestor. All collaborators are required.
func NewIngestor(client *weaviate.Client, guard *guardrails.Engine, logger *slog.Logger) *Ingestor {
	return &Ingestor{client: client, guard: guard, logger: logger}
}

// IngestXML loads one protocol XML document into the vector store.
//
// # Description
//
// Extracts the text content from the XML, scrubs PII so identifiers in
// source protocols never reach the store, splits into overlapping
// chunks, and batch-inserts them under the source name. Chunk IDs are
// derived from the chunk content, so re-ingesting an unchanged protocol
// overwrites its own entries instead of duplicating them.
//
// # Inputs
//
//   - ctx: bounds the batch insert.
//   - source: the protocol's file name or ID, recorded on every chunk.
//   - r: the raw XML.
//
// # Outputs
//
//   - int: chunks successfully written.
//   - error: non-nil when extraction, splitting, or the batch fails.
func (ing *Ingestor) IngestXML(ctx context.Context, source string, r io.Reader) (int, error) {
	ctx, span := ingestTracer.Start(ctx, "ingest.ingest_xml")
	defer span.End()
	span.SetAttributes(attribute.String("source", source))

	text, err := ExtractXMLText(r)
	if err != nil {
		return 0, fmt.Errorf("failed to extract text from %s: %w", source, err)
	}
	if strings.TrimSpace(text) == "" {
		return 0, fmt.Errorf("protocol %s contains no text", source)
	}

	scrubbed := ing.guard.Scrub(text)

	splitter := textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(ChunkSize),
		textsplitter.WithChunkOverlap(ChunkOverlap),
	)
	chunks, err := splitter.SplitText(scrubbed)
	if err != nil {
		return 0, fmt.Errorf("failed to split %s: %w", source, err)
	}
	if len(chunks) == 0 {
		ing.logger.Warn("no chunks produced after splitting", "source", source)
		return 0, nil
	}
	ing.logger.Info("split protocol into chunks", "source", source, "chunk_count", len(chunks))

	objects := make([]*models.Object, len(chunks))
	now := time.Now().UnixMilli()
	for i, chunk := range chunks {
		hash := sha256.Sum256([]byte(chunk))
		chunkUUID, _ := uuid.FromBytes(hash[:16])
		objects[i] = &models.Object{
			Class: clients.ProtocolClass,
			ID:    strfmt.UUID(chunkUUID.String()),
			Properties: map[string]interface{}{
				"content":     chunk,
				"source":      source,
				"chunk_index": i,
				"ingested_at": now,
			},
		}
	}

	resp, err := ing.client.Batch().ObjectsBatcher().WithObjects(objects...).Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to batch-insert %s: %w", source, err)
	}

	created := 0
	for _, item := range resp {
		if item.Result != nil && item.Result.Status != nil && *item.Result.Status == "SUCCESS" {
			created++
			continue
		}
		if item.Result != nil && item.Result.Errors != nil {
			for _, e := range item.Result.Errors.Error {
				ing.logger.Warn("weaviate batch item failed", "source", source, "error", e.Message)
			}
		}
	}

	observability.RecordChunksIngested(created)
	span.SetAttributes(attribute.Int("chunks_created", created))
	if created == 0 {
		return 0, fmt.Errorf("no chunks of %s were accepted by the vector store", source)
	}
	return created, nil
}

// EnsureSchema creates the protocol chunk class if it does not exist.
// Idempotent; called once at startup.
func EnsureSchema(ctx context.Context, client *weaviate.Client) error {
	exists, err := client.Schema().ClassExistenceChecker().
		WithClassName(clients.ProtocolClass).
		Do(ctx)
	if err != nil {
		return fmt.Errorf("failed to check the %s class: %w", clients.ProtocolClass, err)
	}
	if exists {
		return nil
	}

	class := &models.Class{
		Class:       clients.ProtocolClass,
		Description: "One chunk of a curated clinical protocol document",
		Properties: []*models.Property{
			{Name: "content", DataType: []string{"text"}},
			{Name: "source", DataType: []string{"text"}},
			{Name: "chunk_index", DataType: []string{"int"}},
			{Name: "ingested_at", DataType: []string{"int"}},
		},
	}
	if err := client.Schema().ClassCreator().WithClass(class).Do(ctx); err != nil {
		return fmt.Errorf("failed to create the %s class: %w", clients.ProtocolClass, err)
	}
	return nil
}

// ExtractXMLText collects the character data of an XML document in
// order, one line per element, dropping tags and attributes.
func ExtractXMLText(r io.Reader) (string, error) {
	decoder := xml.NewDecoder(r)
	var parts []string
	for {
		token, err := decoder.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("malformed XML: %w", err)
		}
		if data, ok := token.(xml.CharData); ok {
			if text := strings.TrimSpace(string(data)); text != "" {
				parts = append(parts, text)
			}
		}
	}
	return strings.Join(parts, "\n"), nil
}
