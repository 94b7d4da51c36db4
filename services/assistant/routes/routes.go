// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/ClinicalAssist/pkg/resilience"
	"github.com/AleutianAI/ClinicalAssist/services/assistant/cache"
	"github.com/AleutianAI/ClinicalAssist/services/assistant/handlers"
)

// SetupRoutes registers the assistant's HTTP surface.
func SetupRoutes(router *gin.Engine, processor handlers.QuestionProcessor,
	answers *cache.AnswerCache, ingestor handlers.ProtocolIngestor,
	breakers *resilience.Registry) {

	router.GET("/healthz", handlers.HandleHealth(breakers))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1")
	{
		v1.POST("/ask", handlers.HandleAsk(processor, answers))
		v1.POST("/documents", handlers.HandleIngestProtocol(ingestor))
	}
}
