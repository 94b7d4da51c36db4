// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// ProtocolIngestor loads one protocol XML into the vector store.
type ProtocolIngestor interface {
	IngestXML(ctx context.Context, source string, r io.Reader) (int, error)
}

// IngestProtocolRequest uploads one protocol document.
type IngestProtocolRequest struct {
	// Source is the protocol's file name or ID.
	Source string `json:"source" binding:"required"`

	// Content is the raw protocol XML.
	Content string `json:"content" binding:"required"`
}

// HandleIngestProtocol accepts a protocol XML and writes its scrubbed
// chunks to the vector store.
func HandleIngestProtocol(ingestor ProtocolIngestor) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req IngestProtocolRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
			return
		}

		created, err := ingestor.IngestXML(c.Request.Context(), req.Source, strings.NewReader(req.Content))
		if err != nil {
			slog.Error("protocol ingestion failed", "source", req.Source, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to ingest the protocol"})
			return
		}

		slog.Info("protocol ingested", "source", req.Source, "chunks_created", created)
		c.JSON(http.StatusOK, gin.H{"source": req.Source, "chunks_created": created})
	}
}
