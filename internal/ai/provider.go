package ai

import (
	"context"
	"strings"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Provider returns the full assistant reply for a conversation.
type Provider interface {
	Chat(ctx context.Context, messages []Message) (string, error)
}

// NormalizeModel appends the default ":latest" tag to untagged model names.
func NormalizeModel(model string) string {
	model = strings.TrimSpace(model)
	if model == "" || strings.Contains(model, ":") {
		return model
	}
	return model + ":latest"
}
