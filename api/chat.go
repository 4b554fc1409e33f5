package api

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/GGPrompts/chatbridge/domain"
)

// Chat produces one assistant turn, streamed as newline-delimited JSON
// fragments and terminated by a literal [DONE] line.
// POST /api/chat
func (h *Handler) Chat(c echo.Context) error {
	var req domain.ChatRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	res := c.Response()
	flusher, ok := res.Writer.(http.Flusher)
	if !ok {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "streaming not supported"})
	}

	// Headers go out with the first fragment, so pre-stream failures
	// (validation, duplicate request) can still return a proper status.
	started := false
	enc := json.NewEncoder(res.Writer)
	sink := func(frag domain.Fragment) error {
		if !started {
			res.Header().Set(echo.HeaderContentType, "application/x-ndjson")
			res.Header().Set("Cache-Control", "no-cache")
			res.WriteHeader(http.StatusOK)
			started = true
		}
		if err := enc.Encode(frag); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	err := h.service.Generate(c.Request().Context(), req, sink)
	if err != nil && !started {
		return errorJSON(c, err)
	}

	if started {
		fmt.Fprintln(res.Writer, "[DONE]")
		flusher.Flush()
	}
	if err != nil {
		log.Printf("ERROR: generation failed for %s: %v", req.ConversationID, err)
	}
	return nil
}

// StopChat force-terminates the generation for a conversation.
// POST /api/chat/stop/:id
func (h *Handler) StopChat(c echo.Context) error {
	conversationID := c.Param("id")
	stopped := h.service.Stop(c.Request().Context(), conversationID)
	return c.JSON(http.StatusOK, map[string]interface{}{
		"conversation_id": conversationID,
		"stopped":         stopped,
	})
}

// RecoverChat finalizes a generation whose client detached and returns the
// recovered assistant message, if any.
// POST /api/chat/recover/:id
func (h *Handler) RecoverChat(c echo.Context) error {
	conversationID := c.Param("id")

	msg, err := h.service.Recover(c.Request().Context(), conversationID)
	if err != nil {
		log.Printf("ERROR: recovery failed for %s: %v", conversationID, err)
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"conversation_id": conversationID,
		"message":         msg,
	})
}
