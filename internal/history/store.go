// Package history keeps per-session conversation logs.
package history

import (
	"context"

	"github.com/suPer8Hu/ollama-relay/internal/ai"
)

// Store is a per-session, insertion-ordered message log.
//
// Append adds msgs after the existing entries as one unit. When limit > 0 only the
// limit most recent messages survive; limit <= 0 means the log grows without bound.
type Store interface {
	Get(ctx context.Context, sessionID string) ([]ai.Message, error)
	Append(ctx context.Context, sessionID string, limit int, msgs ...ai.Message) error
	Delete(ctx context.Context, sessionID string) error
}

// Window returns the last limit messages of msgs (all of them when limit <= 0).
// The result shares no backing array with msgs.
func Window(msgs []ai.Message, limit int) []ai.Message {
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return append([]ai.Message(nil), msgs...)
}
