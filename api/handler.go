// Package api provides the HTTP handlers for chatbridge.
package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/GGPrompts/chatbridge/domain"
	"github.com/GGPrompts/chatbridge/internal/service"
)

// Handler handles HTTP requests.
type Handler struct {
	service *service.Service
}

// NewHandler creates a new handler.
func NewHandler(svc *service.Service) *Handler {
	return &Handler{service: svc}
}

// RegisterRoutes registers routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.POST("/api/chat", h.Chat)
	e.POST("/api/chat/stop/:id", h.StopChat)
	e.POST("/api/chat/recover/:id", h.RecoverChat)
	e.GET("/api/chat/process/:id", h.GetProcess)
	e.DELETE("/api/chat/process/:id", h.DeleteProcess)

	e.GET("/api/conversations", h.ListConversations)
	e.GET("/api/conversations/:id", h.GetConversation)
	e.DELETE("/api/conversations/:id", h.DeleteConversation)
	e.GET("/api/conversations/:id/export", h.ExportConversation)
	e.POST("/api/conversations/:id/prune", h.PruneConversation)

	e.GET("/api/models", h.ListModels)
	e.GET("/health", h.Health)
}

// Health returns health status.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": "0.1.0",
	})
}

// errorJSON maps a service error to an HTTP status. Untyped errors are
// treated as validation failures; they only arise from bad input.
func errorJSON(c echo.Context, err error) error {
	var engineErr *domain.EngineError
	if !errors.As(err, &engineErr) {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}

	status := http.StatusInternalServerError
	switch engineErr.Kind {
	case domain.ErrKindNotAvailable:
		status = http.StatusServiceUnavailable
	case domain.ErrKindDuplicateRequest:
		status = http.StatusConflict
	case domain.ErrKindTimeout:
		status = http.StatusGatewayTimeout
	case domain.ErrKindRecoveryFailed:
		status = http.StatusGone
	}
	return c.JSON(status, map[string]string{
		"error": engineErr.Error(),
		"kind":  string(engineErr.Kind),
	})
}
