package handlers

import (
	"errors"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/ollama-relay/internal/ai"
	"github.com/suPer8Hu/ollama-relay/internal/chat"
	"github.com/suPer8Hu/ollama-relay/internal/common"
	"github.com/suPer8Hu/ollama-relay/internal/httpapi/middleware"
)

const SessionIDHeader = "X-Session-ID"

type chatReq struct {
	Model     string       `json:"model"`
	Prompt    string       `json:"prompt"`
	Messages  []ai.Message `json:"messages"`
	SessionID string       `json:"session_id"`
	Stream    *bool        `json:"stream"`
}

func (r chatReq) toRequest() chat.Request {
	return chat.Request{
		Model:     r.Model,
		Prompt:    r.Prompt,
		Messages:  r.Messages,
		SessionID: r.SessionID,
	}
}

// hop-by-hop headers are never copied from upstream; Content-Length is dropped
// because the body is re-chunked.
var skipHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
	"Content-Length":      true,
}

// writeError maps service errors onto the relay's {"error": ...} responses.
func writeError(c *gin.Context, err error) {
	var verr *chat.ValidationError
	var connErr *ai.ConnectionError
	var respErr *ai.ResponseError

	switch {
	case errors.As(err, &verr):
		common.Fail(c, http.StatusBadRequest, verr.Message)
	case errors.As(err, &connErr):
		common.Fail(c, http.StatusInternalServerError, "upstream connection failed")
	case errors.As(err, &respErr):
		common.Fail(c, http.StatusInternalServerError, respErr.Message)
	case errors.Is(err, chat.ErrHistoryDisabled), errors.Is(err, chat.ErrJobsDisabled):
		common.Fail(c, http.StatusNotFound, err.Error())
	default:
		log.Printf("[handlers] request_id=%s path=%s err=%v", c.GetString(middleware.RequestIDKey), c.Request.URL.Path, err)
		common.Fail(c, http.StatusInternalServerError, err.Error())
	}
}

func (h *Handler) Chat(c *gin.Context) {
	var req chatReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, "invalid json")
		return
	}

	stream := h.DefaultStream
	if req.Stream != nil {
		stream = *req.Stream
	}
	if stream {
		h.relayStream(c, req.toRequest())
		return
	}

	reply, err := h.ChatSvc.Chat(c.Request.Context(), req.toRequest())
	if err != nil {
		writeError(c, err)
		return
	}
	common.OK(c, http.StatusOK, reply)
}

// relayStream passes the upstream status, headers and bytes straight through.
// Once the status line is out, failures can only be logged.
func (h *Handler) relayStream(c *gin.Context, req chat.Request) {
	sessionID, resp, err := h.ChatSvc.Stream(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	defer resp.Body.Close()

	header := c.Writer.Header()
	for k, vs := range resp.Header {
		if skipHeaders[http.CanonicalHeaderKey(k)] {
			continue
		}
		for _, v := range vs {
			header.Add(k, v)
		}
	}
	header.Set(SessionIDHeader, sessionID)

	c.Status(resp.StatusCode)
	c.Writer.WriteHeaderNow()

	n, err := ai.CopyChunks(c.Writer, c.Writer.Flush, resp.Body, h.ChunkSize)
	if err != nil {
		log.Printf("[relayStream] aborted request_id=%s session_id=%s bytes=%d err=%v",
			c.GetString(middleware.RequestIDKey), sessionID, n, err)
	}
}
