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
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/heartbeat/services/orchestrator/datatypes"
)

// QueryRequest is the body of POST /v1/query.
type QueryRequest struct {
	Text           string `json:"text" binding:"required"`
	ConversationID string `json:"conversation_id"`
}

// ConversationResponse is the body of GET /v1/conversations/:id.
type ConversationResponse struct {
	ConversationID string           `json:"conversation_id"`
	Turns          []datatypes.Turn `json:"turns"`
}

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// ReadyCheck probes one dependency for the readiness endpoint.
type ReadyCheck func(ctx context.Context) error

// Handlers holds the HTTP handlers for the orchestrator API.
type Handlers struct {
	service     *Service
	readyChecks map[string]ReadyCheck
}

// NewHandlers creates the handlers.
//
// Inputs:
//
//	service     - The assembled pipeline service.
//	readyChecks - Named dependency probes for GET /ready. May be nil.
func NewHandlers(service *Service, readyChecks map[string]ReadyCheck) *Handlers {
	return &Handlers{service: service, readyChecks: readyChecks}
}

// HandleQuery handles POST /v1/query.
//
// Description:
//
//	Runs one natural-language question through the pipeline and returns the
//	synthesized response. Credentials travel as a bearer token; the body
//	carries the question text and an optional conversation id for follow-up
//	reference resolution.
//
// Response:
//
//	200 OK: SynthesizedResponse (answered, partial, clarification_needed,
//	        or error status inside the body)
//	400 Bad Request: Missing or invalid question text
//	401 Unauthorized: Missing, unknown, or expired credentials
//	403 Forbidden: The question needs data outside the caller's permissions
func (h *Handlers) HandleQuery(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleQuery")

	var req QueryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "request body must carry a non-empty text field",
			Code:  string(datatypes.ErrCodeValidation),
		})
		return
	}

	resp, err := h.service.HandleQuery(c.Request.Context(), bearerToken(c), req.Text, req.ConversationID)
	if err != nil {
		writeError(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// HandleConversation handles GET /v1/conversations/:id.
//
// Response:
//
//	200 OK: ConversationResponse. Turns is empty for unknown conversations
//	        and for conversations owned by someone else; the two cases are
//	        deliberately indistinguishable.
//	401 Unauthorized: Missing, unknown, or expired credentials
func (h *Handlers) HandleConversation(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleConversation")

	id := c.Param("id")
	turns, err := h.service.ConversationHistory(c.Request.Context(), bearerToken(c), id)
	if err != nil {
		writeError(c, logger, err)
		return
	}
	if turns == nil {
		turns = []datatypes.Turn{}
	}
	c.JSON(http.StatusOK, ConversationResponse{ConversationID: id, Turns: turns})
}

// HandleHealth handles GET /v1/health. Liveness only; no dependencies are
// touched.
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// HandleReady handles GET /v1/ready. Probes the registered dependency
// checks and reports 503 until all pass.
func (h *Handlers) HandleReady(c *gin.Context) {
	failures := gin.H{}
	for name, check := range h.readyChecks {
		if err := check(c.Request.Context()); err != nil {
			failures[name] = err.Error()
		}
	}
	if len(failures) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "failures": failures})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// =============================================================================
// Helpers
// =============================================================================

// writeError maps a pipeline error onto the HTTP status space. Credential
// failures are 401 so clients re-authenticate; scope denials on valid
// sessions are 403; everything unexpected is a 502 because the orchestrator
// itself is healthy, a collaborator is not.
func writeError(c *gin.Context, logger *slog.Logger, err error) {
	code := datatypes.CodeOf(err)
	status := http.StatusBadGateway
	switch code {
	case datatypes.ErrCodeValidation:
		status = http.StatusBadRequest
	case datatypes.ErrCodePermissionDenied:
		status = http.StatusForbidden
		if bearerToken(c) == "" || strings.Contains(err.Error(), "session") || strings.Contains(err.Error(), "credentials") {
			status = http.StatusUnauthorized
		}
	}
	logger.Info("request rejected",
		slog.String("code", string(code)),
		slog.Int("status", status),
		slog.String("error", err.Error()),
	)
	c.JSON(status, ErrorResponse{Error: err.Error(), Code: string(code)})
}

// bearerToken extracts the opaque session token from the Authorization
// header. Empty when absent or malformed; the guard rejects empty tokens.
func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

// getOrCreateRequestID returns the inbound X-Request-ID or mints one, and
// echoes it on the response for correlation.
func getOrCreateRequestID(c *gin.Context) string {
	id := c.GetHeader("X-Request-ID")
	if id == "" {
		id = uuid.NewString()
	}
	c.Header("X-Request-ID", id)
	return id
}
