package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/ollama-relay/internal/ai"
	"github.com/suPer8Hu/ollama-relay/internal/common"
)

func (h *Handler) GetSessionHistory(c *gin.Context) {
	sessionID := c.Param("session_id")

	msgs, err := h.ChatSvc.History(c.Request.Context(), sessionID)
	if err != nil {
		writeError(c, err)
		return
	}
	if msgs == nil {
		msgs = []ai.Message{}
	}

	common.OK(c, http.StatusOK, gin.H{
		"session_id": sessionID,
		"messages":   msgs,
	})
}

func (h *Handler) DeleteSession(c *gin.Context) {
	if err := h.ChatSvc.ResetSession(c.Request.Context(), c.Param("session_id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
