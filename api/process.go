package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// GetProcess reports whether a conversation has a registered process or
// session and whether it is still running.
// GET /api/chat/process/:id
func (h *Handler) GetProcess(c echo.Context) error {
	return c.JSON(http.StatusOK, h.service.ProcessStatus(c.Param("id")))
}

// DeleteProcess tears down the process or session for a conversation.
// DELETE /api/chat/process/:id
func (h *Handler) DeleteProcess(c echo.Context) error {
	h.service.RemoveProcess(c.Param("id"))
	return c.NoContent(http.StatusNoContent)
}

// ListModels probes backend availability and lists local inference models.
// GET /api/models
func (h *Handler) ListModels(c echo.Context) error {
	return c.JSON(http.StatusOK, h.service.Models(c.Request().Context()))
}
