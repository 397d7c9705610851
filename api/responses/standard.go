// Package responses formats API success bodies and RFC 7807 errors.
package responses

import (
	"net/http"
	"time"

	"github.com/Aidin1998/predex/pkg/errors"
	"github.com/gin-gonic/gin"
)

// StandardResponse represents a standard API response format
type StandardResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Message   string      `json:"message,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	TraceID   string      `json:"trace_id,omitempty"`
}

func send(c *gin.Context, status int, data interface{}, message string) {
	c.JSON(status, StandardResponse{
		Success:   true,
		Data:      data,
		Message:   message,
		Timestamp: time.Now().UTC(),
		TraceID:   getTraceID(c),
	})
}

// Success sends a 200 response.
func Success(c *gin.Context, data interface{}, message ...string) {
	send(c, http.StatusOK, data, first(message, "Operation successful"))
}

// Created sends a 201 Created response
func Created(c *gin.Context, data interface{}, message ...string) {
	send(c, http.StatusCreated, data, first(message, "Resource created successfully"))
}

// Error sends an error response using RFC 7807 format
func Error(c *gin.Context, problem *errors.ProblemDetails) {
	if problem.TraceID == "" {
		if traceID := getTraceID(c); traceID != "" {
			problem.WithTraceID(traceID)
		}
	}
	if _, ok := problem.Extra["timestamp"]; !ok {
		problem.WithExtra("timestamp", time.Now().UTC().Format(time.RFC3339))
	}
	c.Header("Content-Type", "application/problem+json")
	c.AbortWithStatusJSON(problem.Status, problem)
}

// BadRequest sends a 400 Bad Request response
func BadRequest(c *gin.Context, detail string, validationErrors ...errors.ValidationError) {
	p := errors.NewValidationError(detail, c.Request.URL.Path)
	if len(validationErrors) > 0 {
		p.WithValidationErrors(validationErrors)
	}
	Error(c, p)
}

func first(message []string, fallback string) string {
	if len(message) > 0 && message[0] != "" {
		return message[0]
	}
	return fallback
}

// getTraceID extracts trace ID from context
func getTraceID(c *gin.Context) string {
	if traceID, exists := c.Get("trace_id"); exists {
		if id, ok := traceID.(string); ok {
			return id
		}
	}
	return c.GetHeader("X-Trace-ID")
}
