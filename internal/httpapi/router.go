package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/ollama-relay/internal/common"
	"github.com/suPer8Hu/ollama-relay/internal/config"
	"github.com/suPer8Hu/ollama-relay/internal/httpapi/handlers"
	"github.com/suPer8Hu/ollama-relay/internal/httpapi/middleware"
)

func NewRouter(cfg config.Config, h *handlers.Handler) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Logger())
	r.Use(middleware.Recovery())

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Use(middleware.RequestID())

	r.GET("/", h.Status)

	api := r.Group("/api")
	if cfg.JWTSecret != "" {
		api.Use(middleware.AuthRequired(cfg.JWTSecret))
	}
	api.POST("/chat", h.Chat)
	api.GET("/sessions/:session_id/history", h.GetSessionHistory)
	api.DELETE("/sessions/:session_id", h.DeleteSession)

	// async jobs need both the job table and a queue
	if h.ChatSvc.JobsEnabled() && h.Jobs != nil {
		api.POST("/chat/jobs", h.SubmitChatJob)
		api.GET("/chat/jobs/:job_id", h.GetChatJob)
	}
	return r
}
