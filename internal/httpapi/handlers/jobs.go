package handlers

import (
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/ollama-relay/internal/chat"
	"github.com/suPer8Hu/ollama-relay/internal/common"
)

// SubmitChatJob queues a buffered chat for the worker and answers 202 with the job id.
func (h *Handler) SubmitChatJob(c *gin.Context) {
	var req chatReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, "invalid json")
		return
	}
	if h.Jobs == nil {
		writeError(c, chat.ErrJobsDisabled)
		return
	}

	j, err := h.ChatSvc.SubmitJob(c.Request.Context(), req.toRequest())
	if err != nil {
		writeError(c, err)
		return
	}

	if err := h.Jobs.PublishJob(c.Request.Context(), j.ID); err != nil {
		log.Printf("[SubmitChatJob] PublishJob failed session_id=%s job_id=%s err=%v", j.SessionID, j.ID, err)
		common.Fail(c, http.StatusInternalServerError, "enqueue failed")
		return
	}

	common.OK(c, http.StatusAccepted, gin.H{
		"job_id":     j.ID,
		"session_id": j.SessionID,
	})
}

func (h *Handler) GetChatJob(c *gin.Context) {
	jobID := c.Param("job_id")

	j, err := h.ChatSvc.GetJob(c.Request.Context(), jobID)
	if err != nil {
		if chat.IsNotFound(err) {
			common.Fail(c, http.StatusNotFound, "job not found")
			return
		}
		writeError(c, err)
		return
	}

	common.OK(c, http.StatusOK, gin.H{
		"id":         j.ID,
		"session_id": j.SessionID,
		"model":      j.Model,
		"status":     j.Status,
		"response":   j.Response,
		"error":      j.Error,
		"created_at": j.CreatedAt,
		"updated_at": j.UpdatedAt,
	})
}
