// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package clients

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/ClinicalAssist/services/assistant/datatypes"
	"github.com/AleutianAI/ClinicalAssist/services/assistant/pipeline"
)

// retrieverTracer is the OpenTelemetry tracer for retrieval operations.
var retrieverTracer = otel.Tracer("clinicalassist.assistant.clients.retriever")

// Compile-time interface implementation check.
var _ pipeline.VectorRetriever = (*WeaviateRetriever)(nil)

// ProtocolClass is the Weaviate class holding protocol chunks.
const ProtocolClass = "ProtocolChunk"

// defaultTopK bounds how many candidates a retrieval returns.
const defaultTopK = 5

// WeaviateRetriever fetches candidate protocol chunks with a nearText
// query, ranked descending by similarity. Embedding happens inside
// Weaviate's vectorizer module; this adapter only moves text.
type WeaviateRetriever struct {
	client *weaviate.Client
	topK   int
}

// NewWeaviateRetriever builds the retriever. topK <= 0 selects the
// default candidate bound.
func NewWeaviateRetriever(client *weaviate.Client, topK int) *WeaviateRetriever {
	if topK <= 0 {
		topK = defaultTopK
	}
	return &WeaviateRetriever{client: client, topK: topK}
}

// protocolQueryResponse matches the GraphQL response shape for the
// ProtocolChunk class.
type protocolQueryResponse struct {
	Get struct {
		ProtocolChunk []struct {
			Content string `json:"content"`
			Source  string `json:"source"`
		} `json:"ProtocolChunk"`
	} `json:"Get"`
}

// Retrieve returns up to topK candidates for the question.
func (r *WeaviateRetriever) Retrieve(ctx context.Context, question string) ([]datatypes.Document, error) {
	ctx, span := retrieverTracer.Start(ctx, "weaviate.retrieve")
	defer span.End()

	nearText := r.client.GraphQL().NearTextArgBuilder().
		WithConcepts([]string{question})
	fields := []graphql.Field{
		{Name: "content"},
		{Name: "source"},
	}

	resp, err := r.client.GraphQL().Get().
		WithClassName(ProtocolClass).
		WithNearText(nearText).
		WithFields(fields...).
		WithLimit(r.topK).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to query the vector store: %w", err)
	}

	parsed, err := parseGraphQLResponse[protocolQueryResponse](resp)
	if err != nil {
		return nil, fmt.Errorf("failed to parse the vector store response: %w", err)
	}

	docs := make([]datatypes.Document, 0, len(parsed.Get.ProtocolChunk))
	for _, chunk := range parsed.Get.ProtocolChunk {
		docs = append(docs, datatypes.Document{
			Identifier: chunk.Source,
			Content:    chunk.Content,
		})
	}
	span.SetAttributes(attribute.Int("candidates", len(docs)))
	return docs, nil
}

// parseGraphQLResponse converts Weaviate's dynamic response
// (map[string]models.JSONObject) into a strongly-typed struct via a
// marshal/unmarshal round trip. The target type's json tags must match
// the response shape.
func parseGraphQLResponse[T any](resp *models.GraphQLResponse) (*T, error) {
	if resp == nil {
		return nil, fmt.Errorf("nil GraphQL response")
	}
	if len(resp.Errors) > 0 {
		return nil, fmt.Errorf("GraphQL error: %s", resp.Errors[0].Message)
	}

	respBytes, err := json.Marshal(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal GraphQL response data: %w", err)
	}
	var result T
	if err := json.Unmarshal(respBytes, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal into target type: %w", err)
	}
	return &result, nil
}
