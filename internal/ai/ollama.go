package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

const DefaultOllamaEndpoint = "http://localhost:11434/api/chat"

type OllamaProvider struct {
	// Endpoint is the full chat URL, e.g. http://host:11434/api/chat.
	Endpoint string
	Model    string
	Client   *http.Client
	Debug    bool
}

func NewOllamaProvider(endpoint, model string, timeout time.Duration) *OllamaProvider {
	if endpoint == "" {
		endpoint = DefaultOllamaEndpoint
	}
	if model == "" {
		model = "llama3:latest"
	}
	return &OllamaProvider{
		Endpoint: endpoint,
		Model:    NormalizeModel(model),
		Client:   &http.Client{Timeout: timeout},
	}
}

type ollamaChatReq struct {
	Model    string      `json:"model"`
	Messages []ollamaMsg `json:"messages"`
	// nil leaves the upstream default (newline-delimited chunks)
	Stream *bool `json:"stream,omitempty"`
}

type ollamaMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ollamaChunk covers both reply shapes: /api/chat chunks carry message.content,
// /api/generate style bodies carry a top-level response.
type ollamaChunk struct {
	Message  *ollamaMsg `json:"message,omitempty"`
	Response *string    `json:"response,omitempty"`
	Done     bool       `json:"done"`
	Error    string     `json:"error,omitempty"`
}

func (p *OllamaProvider) post(ctx context.Context, messages []Message, stream *bool) (*http.Response, error) {
	if p.Client == nil {
		return nil, errors.New("ollama: http client is nil")
	}

	reqBody := ollamaChatReq{
		Model:  p.Model,
		Stream: stream,
		Messages: func() []ollamaMsg {
			out := make([]ollamaMsg, 0, len(messages))
			for _, m := range messages {
				out = append(out, ollamaMsg{Role: m.Role, Content: m.Content})
			}
			return out
		}(),
	}

	b, err := json.Marshal(reqBody)
	if err != nil {
		return nil, err
	}
	if p.Debug {
		log.Printf("[Ollama] POST %s payload=%s", p.Endpoint, b)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.Client.Do(req)
	if err != nil {
		return nil, &ConnectionError{Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, statusError(resp)
	}
	return resp, nil
}

// statusError extracts the upstream's {"error": "..."} text, falling back to the raw body.
func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
	msg := strings.TrimSpace(string(body))

	var decoded struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &decoded) == nil && decoded.Error != "" {
		msg = decoded.Error
	}
	if msg == "" {
		msg = fmt.Sprintf("status %d", resp.StatusCode)
	}
	return &ResponseError{StatusCode: resp.StatusCode, Message: msg}
}

// Chat sends the conversation and accumulates the whole reply.
func (p *OllamaProvider) Chat(ctx context.Context, messages []Message) (string, error) {
	resp, err := p.post(ctx, messages, nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	reply, err := decodeReply(resp.Body)
	if err != nil {
		return "", err
	}
	if p.Debug {
		log.Printf("[Ollama] reply model=%s len=%d content=%q", p.Model, len(reply), reply)
	}
	return reply, nil
}

// decodeReply reads a sequence of JSON values (newline-delimited or a single object)
// and concatenates their content fragments in arrival order.
func decodeReply(r io.Reader) (string, error) {
	dec := json.NewDecoder(r)

	var b strings.Builder
	for {
		var chunk ollamaChunk
		err := dec.Decode(&chunk)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) || errors.Is(err, io.ErrUnexpectedEOF) {
				return "", &ResponseError{Message: "malformed upstream response", Err: err}
			}
			return "", &ConnectionError{Err: err}
		}
		if chunk.Error != "" {
			return "", &ResponseError{Message: chunk.Error}
		}

		switch {
		case chunk.Message != nil:
			b.WriteString(chunk.Message.Content)
		case chunk.Response != nil:
			b.WriteString(*chunk.Response)
		}
	}
	return b.String(), nil
}

// Relay issues the call in streaming mode and hands back the open response.
// The caller owns resp.Body.
func (p *OllamaProvider) Relay(ctx context.Context, messages []Message) (*http.Response, error) {
	stream := true
	return p.post(ctx, messages, &stream)
}
