package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	gormsqlite "github.com/glebarez/sqlite"
	"github.com/suPer8Hu/ollama-relay/internal/ai"
	"github.com/suPer8Hu/ollama-relay/internal/chat"
	"github.com/suPer8Hu/ollama-relay/internal/config"
	"github.com/suPer8Hu/ollama-relay/internal/history"
	"github.com/suPer8Hu/ollama-relay/internal/httpapi/handlers"
	"gorm.io/gorm"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeUpstream records every payload and answers with the configured handler.
type fakeUpstream struct {
	mu       sync.Mutex
	payloads []map[string]any
	srv      *httptest.Server
}

func newFakeUpstream(t *testing.T, reply http.HandlerFunc) *fakeUpstream {
	t.Helper()
	u := &fakeUpstream{}
	u.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p map[string]any
		_ = json.NewDecoder(r.Body).Decode(&p)
		u.mu.Lock()
		u.payloads = append(u.payloads, p)
		u.mu.Unlock()
		reply(w, r)
	}))
	t.Cleanup(u.srv.Close)
	return u
}

func (u *fakeUpstream) calls() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.payloads)
}

func (u *fakeUpstream) last() map[string]any {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.payloads[len(u.payloads)-1]
}

type fakePublisher struct {
	ids []string
	err error
}

func (p *fakePublisher) PublishJob(ctx context.Context, jobID string) error {
	_ = ctx
	if p.err != nil {
		return p.err
	}
	p.ids = append(p.ids, jobID)
	return nil
}

type testEnv struct {
	router   *gin.Engine
	upstream *fakeUpstream
	svc      *chat.Service
	pub      *fakePublisher
}

func ndjson(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/x-ndjson")
	io.WriteString(w, `{"message":{"role":"assistant","content":"Hel"},"done":false}`+"\n")
	io.WriteString(w, `{"message":{"role":"assistant","content":"lo"},"done":false}`+"\n")
	io.WriteString(w, `{"message":{"role":"assistant","content":""},"done":true}`+"\n")
}

func newTestEnv(t *testing.T, reply http.HandlerFunc, cfg config.Config, jobs *gorm.DB) *testEnv {
	t.Helper()
	up := newFakeUpstream(t, reply)

	reg := ai.NewRegistry()
	ai.RegisterOllama(reg, ai.NewOllamaProvider(up.srv.URL+"/api/chat", "", 5*time.Second))

	opts := chat.Options{MaxHistoryTurns: 5}
	var pub *fakePublisher
	var jobPub handlers.JobPublisher
	if jobs != nil {
		opts.Jobs = chat.NewRepo(jobs)
		pub = &fakePublisher{}
		jobPub = pub
	}
	svc := chat.NewService(reg, history.NewMemoryStore(), opts)

	h := handlers.NewHandler(svc, jobPub, cfg)
	return &testEnv{router: NewRouter(cfg, h), upstream: up, svc: svc, pub: pub}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode body %q: %v", w.Body.String(), err)
	}
	return out
}

func TestStatus(t *testing.T) {
	env := newTestEnv(t, ndjson, config.Config{}, nil)

	w := env.do(t, http.MethodGet, "/", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if got := decode(t, w)["status"]; got != "Server is up and running!" {
		t.Fatalf("status body = %v", got)
	}
}

func TestChat_BufferedConcatenation(t *testing.T) {
	env := newTestEnv(t, ndjson, config.Config{}, nil)

	w := env.do(t, http.MethodPost, "/api/chat", `{"model":"llama3","prompt":"hi","session_id":"abc"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}
	body := decode(t, w)
	if body["response"] != "Hello" || body["session_id"] != "abc" {
		t.Fatalf("unexpected body: %v", body)
	}

	p := env.upstream.last()
	if p["model"] != "llama3:latest" {
		t.Fatalf("upstream model = %v", p["model"])
	}
	if _, ok := p["stream"]; ok {
		t.Fatalf("buffered call should not set stream: %v", p)
	}
}

func TestChat_GeneratesSessionID(t *testing.T) {
	env := newTestEnv(t, ndjson, config.Config{}, nil)

	w := env.do(t, http.MethodPost, "/api/chat", `{"model":"llama3:7b","prompt":"hi"}`)
	sid, _ := decode(t, w)["session_id"].(string)
	if sid == "" {
		t.Fatalf("expected generated session id")
	}
	if env.upstream.last()["model"] != "llama3:7b" {
		t.Fatalf("tagged model should pass unchanged")
	}
}

func TestChat_ValidationErrors(t *testing.T) {
	env := newTestEnv(t, ndjson, config.Config{}, nil)

	tests := []struct {
		name string
		body string
		want string
	}{
		{"missing model", `{"prompt":"hi"}`, "model is required"},
		{"missing prompt", `{"model":"llama3"}`, "prompt or messages is required"},
		{"empty messages", `{"model":"llama3","messages":[]}`, "prompt or messages is required"},
		{"bad json", `{"model":`, "invalid json"},
		{"long session id", `{"model":"llama3","prompt":"hi","session_id":"` + strings.Repeat("x", 65) + `"}`, "session_id exceeds 64 characters"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, "/api/chat", tc.body)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("status = %d", w.Code)
			}
			if got := decode(t, w)["error"]; got != tc.want {
				t.Fatalf("error = %v, want %q", got, tc.want)
			}
		})
	}
	if env.upstream.calls() != 0 {
		t.Fatalf("validation failures reached upstream %d times", env.upstream.calls())
	}
}

func TestChat_UpstreamErrorSkipsHistory(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		io.WriteString(w, `{"error":"model crashed"}`)
	}, config.Config{}, nil)

	w := env.do(t, http.MethodPost, "/api/chat", `{"model":"llama3","prompt":"hi","session_id":"abc"}`)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", w.Code)
	}
	if got := decode(t, w)["error"]; got != "model crashed" {
		t.Fatalf("error = %v", got)
	}

	w = env.do(t, http.MethodGet, "/api/sessions/abc/history", "")
	if msgs := decode(t, w)["messages"].([]any); len(msgs) != 0 {
		t.Fatalf("history written after failure: %v", msgs)
	}
}

func TestChat_HistoryEndpoints(t *testing.T) {
	env := newTestEnv(t, ndjson, config.Config{}, nil)

	env.do(t, http.MethodPost, "/api/chat", `{"model":"llama3","prompt":"one","session_id":"abc"}`)
	env.do(t, http.MethodPost, "/api/chat", `{"model":"llama3","prompt":"two","session_id":"abc"}`)

	msgs := env.upstream.last()["messages"].([]any)
	if len(msgs) != 3 {
		t.Fatalf("second call should carry history, got %v", msgs)
	}

	w := env.do(t, http.MethodGet, "/api/sessions/abc/history", "")
	body := decode(t, w)
	if len(body["messages"].([]any)) != 4 {
		t.Fatalf("unexpected history: %v", body)
	}

	w = env.do(t, http.MethodDelete, "/api/sessions/abc", "")
	if w.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", w.Code)
	}
	w = env.do(t, http.MethodGet, "/api/sessions/abc/history", "")
	if len(decode(t, w)["messages"].([]any)) != 0 {
		t.Fatalf("history survived delete")
	}
}

func TestChat_StreamPassthrough(t *testing.T) {
	big := strings.Repeat("z", 3000)
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		w.Header().Set("X-Upstream", "ollama")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, big)
	}, config.Config{StreamChunkSize: 1024}, nil)

	w := env.do(t, http.MethodPost, "/api/chat", `{"model":"llama3","prompt":"hi","session_id":"s1","stream":true}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if w.Body.String() != big {
		t.Fatalf("body not relayed verbatim (%d bytes)", w.Body.Len())
	}
	if w.Header().Get("Content-Type") != "application/x-ndjson" || w.Header().Get("X-Upstream") != "ollama" {
		t.Fatalf("upstream headers not passed through: %v", w.Header())
	}
	if w.Header().Get(handlers.SessionIDHeader) != "s1" {
		t.Fatalf("session header = %q", w.Header().Get(handlers.SessionIDHeader))
	}
	if env.upstream.last()["stream"] != true {
		t.Fatalf("streaming call should set stream=true")
	}

	hist, _ := env.svc.History(context.Background(), "s1")
	if len(hist) != 0 {
		t.Fatalf("streaming must not write history: %v", hist)
	}
}

func TestChat_StreamDefaultFromConfig(t *testing.T) {
	env := newTestEnv(t, ndjson, config.Config{DefaultStream: true}, nil)

	w := env.do(t, http.MethodPost, "/api/chat", `{"model":"llama3","prompt":"hi"}`)
	if !strings.Contains(w.Body.String(), `"content":"Hel"`) {
		t.Fatalf("expected raw upstream chunks, got %s", w.Body.String())
	}

	w = env.do(t, http.MethodPost, "/api/chat", `{"model":"llama3","prompt":"hi","stream":false}`)
	if decode(t, w)["response"] != "Hello" {
		t.Fatalf("explicit stream=false should buffer: %s", w.Body.String())
	}
}

func TestChat_StreamUpstreamFailure(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}, config.Config{}, nil)

	w := env.do(t, http.MethodPost, "/api/chat", `{"model":"llama3","prompt":"hi","stream":true}`)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", w.Code)
	}
	if got := decode(t, w)["error"]; got != "overloaded" {
		t.Fatalf("error = %v", got)
	}
}

func TestChat_UpstreamUnreachable(t *testing.T) {
	env := newTestEnv(t, ndjson, config.Config{}, nil)
	env.upstream.srv.Close()

	w := env.do(t, http.MethodPost, "/api/chat", `{"model":"llama3","prompt":"hi"}`)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", w.Code)
	}
	if got := decode(t, w)["error"]; got != "upstream connection failed" {
		t.Fatalf("error = %v", got)
	}
}

func TestRouter_NotFound(t *testing.T) {
	env := newTestEnv(t, ndjson, config.Config{}, nil)

	w := env.do(t, http.MethodGet, "/nope", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d", w.Code)
	}
	// jobs are not mounted without a queue
	w = env.do(t, http.MethodPost, "/api/chat/jobs", `{"model":"llama3","prompt":"hi"}`)
	if w.Code != http.StatusNotFound {
		t.Fatalf("jobs status = %d", w.Code)
	}
}

func TestRouter_RequiresTokenWhenConfigured(t *testing.T) {
	env := newTestEnv(t, ndjson, config.Config{JWTSecret: "s3cret"}, nil)

	if w := env.do(t, http.MethodPost, "/api/chat", `{"model":"llama3","prompt":"hi"}`); w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", w.Code)
	}
	if w := env.do(t, http.MethodGet, "/", ""); w.Code != http.StatusOK {
		t.Fatalf("health check must stay public, got %d", w.Code)
	}
}

func TestJobs_SubmitAndPoll(t *testing.T) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	gdb, err := gorm.Open(gormsqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := chat.AutoMigrate(gdb); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	env := newTestEnv(t, ndjson, config.Config{}, gdb)

	w := env.do(t, http.MethodPost, "/api/chat/jobs", `{"model":"llama3","prompt":"hi"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}
	jobID, _ := decode(t, w)["job_id"].(string)
	if jobID == "" || len(env.pub.ids) != 1 || env.pub.ids[0] != jobID {
		t.Fatalf("job not published: id=%q published=%v", jobID, env.pub.ids)
	}

	w = env.do(t, http.MethodGet, "/api/chat/jobs/"+jobID, "")
	if decode(t, w)["status"] != string(chat.JobQueued) {
		t.Fatalf("expected queued job: %s", w.Body.String())
	}

	// what the worker does on delivery
	if err := env.svc.RunJob(context.Background(), jobID); err != nil {
		t.Fatalf("run job: %v", err)
	}
	w = env.do(t, http.MethodGet, "/api/chat/jobs/"+jobID, "")
	body := decode(t, w)
	if body["status"] != string(chat.JobSucceeded) || body["response"] != "Hello" {
		t.Fatalf("unexpected job: %v", body)
	}

	w = env.do(t, http.MethodGet, "/api/chat/jobs/missing", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("missing job status = %d", w.Code)
	}

	w = env.do(t, http.MethodPost, "/api/chat/jobs", `{"prompt":"hi"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("invalid job status = %d", w.Code)
	}
}
