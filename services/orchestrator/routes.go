// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package orchestrator

import (
	"github.com/gin-gonic/gin"
)

// RegisterRoutes registers the orchestrator API with the router.
//
// Description:
//
//	Registers all /v1/* endpoints with the given Gin router group. The
//	group should already carry any shared middleware (tracing, recovery).
//
// Inputs:
//
//	rg - Gin router group (typically /v1)
//	handlers - The handlers instance
//
// Endpoints:
//
//	POST /v1/query - Run one natural-language question through the pipeline
//	GET  /v1/conversations/:id - Read the caller's retained conversation turns
//	GET  /v1/health - Liveness check
//	GET  /v1/ready - Readiness check (probes dependencies)
func RegisterRoutes(rg *gin.RouterGroup, handlers *Handlers) {
	rg.POST("/query", handlers.HandleQuery)
	rg.GET("/conversations/:id", handlers.HandleConversation)
	rg.GET("/health", handlers.HandleHealth)
	rg.GET("/ready", handlers.HandleReady)
}
