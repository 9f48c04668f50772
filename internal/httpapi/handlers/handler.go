package handlers

import (
	"context"

	"github.com/suPer8Hu/ollama-relay/internal/ai"
	"github.com/suPer8Hu/ollama-relay/internal/chat"
	"github.com/suPer8Hu/ollama-relay/internal/config"
)

// JobPublisher enqueues job ids for the worker.
type JobPublisher interface {
	PublishJob(ctx context.Context, jobID string) error
}

type Handler struct {
	ChatSvc       *chat.Service
	Jobs          JobPublisher
	DefaultStream bool
	ChunkSize     int
}

// NewHandler wires the relay service. jobs may be nil when async jobs are off.
func NewHandler(svc *chat.Service, jobs JobPublisher, cfg config.Config) *Handler {
	chunk := cfg.StreamChunkSize
	if chunk <= 0 {
		chunk = ai.DefaultChunkSize
	}
	return &Handler{
		ChatSvc:       svc,
		Jobs:          jobs,
		DefaultStream: cfg.DefaultStream,
		ChunkSize:     chunk,
	}
}
