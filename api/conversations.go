package api

import (
	"log"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
)

// ListConversations returns every stored conversation, newest first.
// GET /api/conversations
func (h *Handler) ListConversations(c echo.Context) error {
	conversations, err := h.service.Conversations()
	if err != nil {
		log.Printf("ERROR: failed to list conversations: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to list conversations"})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"conversations": conversations,
	})
}

// GetConversation returns the transcript. With ?since=<message_id> it
// returns only messages appended after that id, and nothing while a
// generation is in flight (the live stream owns the tail). With ?limit=<n>
// it returns only the newest n messages.
// GET /api/conversations/:id
func (h *Handler) GetConversation(c echo.Context) error {
	conversationID := c.Param("id")

	if since := c.QueryParam("since"); since != "" {
		messages, err := h.service.Reconcile(c.Request().Context(), conversationID, since)
		if err != nil {
			log.Printf("ERROR: failed to reconcile conversation %s: %v", conversationID, err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to get messages"})
		}
		return c.JSON(http.StatusOK, map[string]interface{}{"messages": messages})
	}

	if limit, err := strconv.Atoi(c.QueryParam("limit")); err == nil && limit > 0 {
		messages, err := h.service.LastMessages(conversationID, limit)
		if err != nil {
			log.Printf("ERROR: failed to get messages: %v", err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to get messages"})
		}
		return c.JSON(http.StatusOK, map[string]interface{}{"messages": messages})
	}

	messages, err := h.service.Messages(conversationID)
	if err != nil {
		log.Printf("ERROR: failed to get messages: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to get messages"})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"messages": messages})
}

// DeleteConversation removes the transcript and anything attached to it.
// DELETE /api/conversations/:id
func (h *Handler) DeleteConversation(c echo.Context) error {
	conversationID := c.Param("id")
	if err := h.service.DeleteConversation(c.Request().Context(), conversationID); err != nil {
		log.Printf("ERROR: failed to delete conversation %s: %v", conversationID, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to delete conversation"})
	}
	return c.NoContent(http.StatusNoContent)
}

// ExportConversation renders the transcript as plain text.
// GET /api/conversations/:id/export
func (h *Handler) ExportConversation(c echo.Context) error {
	conversationID := c.Param("id")
	transcript, err := h.service.ExportConversation(conversationID)
	if err != nil {
		log.Printf("ERROR: failed to export conversation %s: %v", conversationID, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to export conversation"})
	}
	return c.Blob(http.StatusOK, "text/plain; charset=utf-8", []byte(transcript))
}

type pruneRequest struct {
	KeepLast int `json:"keep_last"`
}

// PruneConversation keeps only the newest keep_last messages.
// POST /api/conversations/:id/prune
func (h *Handler) PruneConversation(c echo.Context) error {
	conversationID := c.Param("id")

	var req pruneRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.KeepLast <= 0 {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "keep_last must be positive"})
	}

	if err := h.service.PruneConversation(conversationID, req.KeepLast); err != nil {
		log.Printf("ERROR: failed to prune conversation %s: %v", conversationID, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to prune conversation"})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"conversation_id": conversationID,
		"kept":            req.KeepLast,
	})
}
