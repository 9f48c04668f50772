package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/suPer8Hu/ollama-relay/internal/ai"
	"github.com/suPer8Hu/ollama-relay/internal/common"
	"github.com/suPer8Hu/ollama-relay/internal/history"
)

const (
	defaultProvider = "ollama"

	// MaxSessionIDLen matches the session_id column width.
	MaxSessionIDLen = 64

	jobFinishTimeout = 5 * time.Second
)

var (
	ErrHistoryDisabled = errors.New("session history is disabled")
	ErrJobsDisabled    = errors.New("async jobs are disabled")
	ErrNoStreaming     = errors.New("provider does not support streaming")

	// ErrJobInterrupted means the job was put back in the queued state and should be redelivered.
	ErrJobInterrupted = errors.New("job interrupted")
	// ErrJobNotRecorded means the job outcome could not be written to its row.
	ErrJobNotRecorded = errors.New("job outcome not recorded")
)

// ValidationError is a client-correctable problem with a Request.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// Request is one inbound chat call. Either Prompt or Messages must be set.
type Request struct {
	Model     string       `json:"model"`
	Prompt    string       `json:"prompt,omitempty"`
	Messages  []ai.Message `json:"messages,omitempty"`
	SessionID string       `json:"session_id,omitempty"`
}

func (r Request) Validate() error {
	if strings.TrimSpace(r.Model) == "" {
		return &ValidationError{Field: "model", Message: "model is required"}
	}
	if r.Prompt == "" && len(r.Messages) == 0 {
		return &ValidationError{Field: "prompt", Message: "prompt or messages is required"}
	}
	if len(strings.TrimSpace(r.SessionID)) > MaxSessionIDLen {
		return &ValidationError{Field: "session_id", Message: fmt.Sprintf("session_id exceeds %d characters", MaxSessionIDLen)}
	}
	return nil
}

// turns returns the new conversation entries carried by the request.
func (r Request) turns() []ai.Message {
	if len(r.Messages) > 0 {
		return append([]ai.Message(nil), r.Messages...)
	}
	return []ai.Message{{Role: ai.RoleUser, Content: r.Prompt}}
}

type Reply struct {
	SessionID string `json:"session_id"`
	Response  string `json:"response"`
}

type Options struct {
	// Provider is the registry name used for every request. Defaults to "ollama".
	Provider string
	// MaxHistoryTurns bounds stored history; <= 0 keeps everything.
	MaxHistoryTurns int
	// Jobs enables the async job operations.
	Jobs *Repo
}

type Service struct {
	registry *ai.Registry
	store    history.Store
	locks    *history.KeyedMutex
	provider string
	maxTurns int
	jobs     *Repo
}

// NewService builds the relay. A nil store makes it stateless.
func NewService(registry *ai.Registry, store history.Store, opts Options) *Service {
	if opts.Provider == "" {
		opts.Provider = defaultProvider
	}
	return &Service{
		registry: registry,
		store:    store,
		locks:    history.NewKeyedMutex(),
		provider: opts.Provider,
		maxTurns: opts.MaxHistoryTurns,
		jobs:     opts.Jobs,
	}
}

func (s *Service) HistoryEnabled() bool { return s.store != nil }

func (s *Service) JobsEnabled() bool { return s.jobs != nil }

func resolveSessionID(id string) string {
	if id = strings.TrimSpace(id); id != "" {
		return id
	}
	return uuid.NewString()
}

// conversation builds the upstream message list: stored history followed by the new turns.
// The caller's turns are always sent whole; only stored history is cut to fit maxTurns.
func (s *Service) conversation(ctx context.Context, sessionID string, turns []ai.Message) ([]ai.Message, error) {
	if s.store == nil {
		return turns, nil
	}
	keep := 0
	if s.maxTurns > 0 {
		keep = s.maxTurns - len(turns)
		if keep <= 0 {
			return turns, nil
		}
	}
	past, err := s.store.Get(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	return append(history.Window(past, keep), turns...), nil
}

// Chat relays the request in buffered mode and records the exchange on success.
func (s *Service) Chat(ctx context.Context, req Request) (*Reply, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	sessionID := resolveSessionID(req.SessionID)
	model := ai.NormalizeModel(req.Model)
	turns := req.turns()

	if s.store != nil {
		unlock := s.locks.Lock(sessionID)
		defer unlock()
	}

	msgs, err := s.conversation(ctx, sessionID, turns)
	if err != nil {
		return nil, err
	}

	provider, err := s.registry.Get(ctx, s.provider, model)
	if err != nil {
		return nil, err
	}

	reply, err := provider.Chat(ctx, msgs)
	if err != nil {
		log.Printf("[Chat] upstream failed session_id=%s model=%s err=%v", sessionID, model, err)
		return nil, err
	}

	if s.store != nil {
		exchange := append(turns, ai.Message{Role: ai.RoleAssistant, Content: reply})
		if err := s.store.Append(ctx, sessionID, s.maxTurns, exchange...); err != nil {
			return nil, fmt.Errorf("save history: %w", err)
		}
	}

	return &Reply{SessionID: sessionID, Response: reply}, nil
}

// Stream relays the request in streaming mode. Stored history is included in the
// payload but never updated. The caller must close resp.Body.
func (s *Service) Stream(ctx context.Context, req Request) (sessionID string, resp *http.Response, err error) {
	if err := req.Validate(); err != nil {
		return "", nil, err
	}
	sessionID = resolveSessionID(req.SessionID)
	model := ai.NormalizeModel(req.Model)

	msgs, err := s.conversation(ctx, sessionID, req.turns())
	if err != nil {
		return "", nil, err
	}

	provider, err := s.registry.Get(ctx, s.provider, model)
	if err != nil {
		return "", nil, err
	}
	rp, ok := provider.(ai.RelayProvider)
	if !ok {
		return "", nil, ErrNoStreaming
	}

	resp, err = rp.Relay(ctx, msgs)
	if err != nil {
		log.Printf("[Stream] upstream failed session_id=%s model=%s err=%v", sessionID, model, err)
		return "", nil, err
	}
	return sessionID, resp, nil
}

func (s *Service) History(ctx context.Context, sessionID string) ([]ai.Message, error) {
	if s.store == nil {
		return nil, ErrHistoryDisabled
	}
	return s.store.Get(ctx, sessionID)
}

func (s *Service) ResetSession(ctx context.Context, sessionID string) error {
	if s.store == nil {
		return ErrHistoryDisabled
	}
	unlock := s.locks.Lock(sessionID)
	defer unlock()
	return s.store.Delete(ctx, sessionID)
}

// SubmitJob validates req and stores it as a queued job. Publishing the id is up to the caller.
func (s *Service) SubmitJob(ctx context.Context, req Request) (*Job, error) {
	if s.jobs == nil {
		return nil, ErrJobsDisabled
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	req.SessionID = resolveSessionID(req.SessionID)

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	jobID, err := common.NewULID()
	if err != nil {
		return nil, err
	}

	j := &Job{
		ID:        jobID,
		SessionID: req.SessionID,
		Model:     ai.NormalizeModel(req.Model),
		Payload:   string(payload),
		Status:    JobQueued,
	}
	if err := s.jobs.CreateJob(ctx, j); err != nil {
		return nil, err
	}
	return j, nil
}

func (s *Service) GetJob(ctx context.Context, jobID string) (*Job, error) {
	if s.jobs == nil {
		return nil, ErrJobsDisabled
	}
	return s.jobs.GetJobByID(ctx, jobID)
}

// RunJob executes a queued job through Chat and records the outcome on the job row.
// Jobs that are not queued any more are skipped. If ctx is cancelled mid-run the job
// is put back in the queue and ErrJobInterrupted is returned.
func (s *Service) RunJob(ctx context.Context, jobID string) error {
	if s.jobs == nil {
		return ErrJobsDisabled
	}

	claimed, err := s.jobs.UpdateJobStatusRunning(ctx, jobID)
	if err != nil {
		return err
	}
	if !claimed {
		log.Printf("[RunJob] job=%s not queued, skipping", jobID)
		return nil
	}

	j, err := s.jobs.GetJobByID(ctx, jobID)
	if err != nil {
		return s.finishJob(ctx, jobID, err, nil)
	}

	var req Request
	if err := json.Unmarshal([]byte(j.Payload), &req); err != nil {
		return s.finishJob(ctx, jobID, fmt.Errorf("decode job %s: %w", jobID, err), nil)
	}

	reply, err := s.Chat(ctx, req)
	if err != nil {
		return s.finishJob(ctx, jobID, err, nil)
	}
	return s.finishJob(ctx, jobID, nil, &reply.Response)
}

// finishJob writes the job outcome on a context that survives cancellation of ctx.
func (s *Service) finishJob(ctx context.Context, jobID string, runErr error, response *string) error {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), jobFinishTimeout)
	defer cancel()

	if runErr != nil && ctx.Err() != nil {
		if err := s.jobs.RequeueJob(wctx, jobID); err != nil {
			log.Printf("[RunJob] requeue job=%s err=%v", jobID, err)
			return fmt.Errorf("%w: %w: %v", ErrJobNotRecorded, runErr, err)
		}
		return fmt.Errorf("%w: %w", ErrJobInterrupted, runErr)
	}

	if runErr != nil {
		if err := s.jobs.MarkJobFailed(wctx, jobID, runErr.Error()); err != nil {
			log.Printf("[RunJob] mark failed job=%s err=%v", jobID, err)
			return fmt.Errorf("%w: %w: %v", ErrJobNotRecorded, runErr, err)
		}
		return runErr
	}

	if err := s.jobs.MarkJobSucceeded(wctx, jobID, *response); err != nil {
		log.Printf("[RunJob] mark succeeded job=%s err=%v", jobID, err)
		return fmt.Errorf("%w: %w", ErrJobNotRecorded, err)
	}
	return nil
}
