package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nugget/lamrelay/internal/direct"
	"github.com/nugget/lamrelay/internal/llm"
)

// maxChatBody bounds a chat request body.
const maxChatBody = 1 << 20

// ChatRequest is the body of POST /v1/chat and each websocket message.
// Field names match the broker's inbound messages.
type ChatRequest struct {
	Project      string  `json:"project,omitempty"`
	SessionID    string  `json:"sessionId,omitempty"`
	ClientID     string  `json:"clientId,omitempty"`
	RequestID    string  `json:"requestId,omitempty"`
	Message      string  `json:"message"`
	SystemPrompt string  `json:"systemPrompt,omitempty"`
	Temperature  float64 `json:"temperature,omitempty"`
	TopP         float64 `json:"topP,omitempty"`
	MaxTokens    int     `json:"maxTokens,omitempty"`
	HistoryLimit int     `json:"historyLimit,omitempty"`
	Stateless    bool    `json:"stateless,omitempty"`
	Stream       bool    `json:"stream,omitempty"`
}

func (req ChatRequest) call(r *http.Request) direct.Call {
	clientID := req.ClientID
	if clientID == "" {
		clientID = remoteHost(r)
	}
	return direct.Call{
		Project:      req.Project,
		SessionID:    req.SessionID,
		ClientID:     clientID,
		SystemPrompt: req.SystemPrompt,
		Text:         req.Message,
		Sampling: llm.Sampling{
			Temperature: req.Temperature,
			TopP:        req.TopP,
			MaxTokens:   req.MaxTokens,
		},
		HistoryLimit: req.HistoryLimit,
		Stateless:    req.Stateless,
	}
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ChatResponse is the reply to a non-streaming chat request and the
// payload of the final SSE and websocket event.
type ChatResponse struct {
	Response  string  `json:"response"`
	Project   string  `json:"project,omitempty"`
	SessionID string  `json:"sessionId,omitempty"`
	RequestID string  `json:"requestId,omitempty"`
	Timestamp float64 `json:"timestamp"`
}

func newChatResponse(req ChatRequest, text string) ChatResponse {
	return ChatResponse{
		Response:  text,
		Project:   req.Project,
		SessionID: req.SessionID,
		RequestID: req.RequestID,
		Timestamp: float64(time.Now().UnixMicro()) / 1e6,
	}
}

// decodeChat parses and checks a chat request, filling the request ID
// and the project the adapter will use.
func (s *Server) decodeChat(r io.Reader) (ChatRequest, error) {
	var req ChatRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return req, fmt.Errorf("invalid request body: %w", err)
	}
	if strings.TrimSpace(req.Message) == "" {
		return req, fmt.Errorf("message is required")
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if req.Project == "" {
		req.Project = s.cfg.Chat.DefaultProject()
	}
	return req, nil
}

// handleChat answers POST /v1/chat with JSON, or SSE when the request
// asks to stream.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	req, err := s.decodeChat(http.MaxBytesReader(w, r.Body, maxChatBody))
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	if req.Stream {
		s.handleChatStream(w, r, req)
		return
	}

	text, err := s.cfg.Chat.Complete(r.Context(), req.call(r))
	if err != nil {
		s.logger.Warn("chat failed", "project", req.Project, "session_id", req.SessionID, "error", err)
		s.errorResponse(w, statusFor(err), err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, newChatResponse(req, text), s.logger)
}

// deltaEvent carries one fragment.
type deltaEvent struct {
	Text string `json:"text"`
}

// errorEvent ends a stream that failed after it started.
type errorEvent struct {
	Error  string `json:"error"`
	Status int    `json:"status"`
}

func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request, req ChatRequest) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.errorResponse(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	// Admission errors still get a plain status code.
	stream, err := s.cfg.Chat.Stream(r.Context(), req.call(r))
	if err != nil {
		s.errorResponse(w, statusFor(err), err.Error())
		return
	}
	defer stream.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for frag, err := range stream.Fragments() {
		if err != nil {
			s.logger.Warn("chat stream failed", "project", req.Project, "session_id", req.SessionID, "error", err)
			s.writeSSE(w, "error", errorEvent{Error: err.Error(), Status: statusFor(err)})
			flusher.Flush()
			return
		}
		s.writeSSE(w, "delta", deltaEvent{Text: frag})
		flusher.Flush()
	}

	s.writeSSE(w, "done", newChatResponse(req, stream.Text()))
	flusher.Flush()
}

func (s *Server) writeSSE(w http.ResponseWriter, event string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Debug("failed to marshal SSE event", "error", err)
		return
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		s.logger.Debug("failed to write SSE event", "error", err)
	}
}

// wsFrame is one websocket message from server to client.
type wsFrame struct {
	Type      string `json:"type"` // delta, done or error
	Text      string `json:"text,omitempty"`
	Response  string `json:"response,omitempty"`
	Error     string `json:"error,omitempty"`
	Status    int    `json:"status,omitempty"`
	Project   string `json:"project,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

// handleChatWS serves GET /v1/chat/ws. Each text message is a
// ChatRequest; requests on one connection are answered in order.
func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxChatBody)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("websocket read ended", "error", err)
			}
			return
		}
		req, err := s.decodeChat(strings.NewReader(string(data)))
		if err != nil {
			if werr := conn.WriteJSON(wsFrame{Type: "error", Error: err.Error(), Status: http.StatusBadRequest}); werr != nil {
				return
			}
			continue
		}
		if err := s.streamToSocket(r, conn, req); err != nil {
			s.logger.Debug("websocket write failed", "error", err)
			return
		}
	}
}

// streamToSocket answers one request. Only write errors are returned;
// call errors are reported to the client as error frames.
func (s *Server) streamToSocket(r *http.Request, conn *websocket.Conn, req ChatRequest) error {
	frame := wsFrame{Project: req.Project, SessionID: req.SessionID, RequestID: req.RequestID}

	stream, err := s.cfg.Chat.Stream(r.Context(), req.call(r))
	if err != nil {
		frame.Type, frame.Error, frame.Status = "error", err.Error(), statusFor(err)
		return conn.WriteJSON(frame)
	}
	defer stream.Close()

	for frag, err := range stream.Fragments() {
		if err != nil {
			frame.Type, frame.Error, frame.Status = "error", err.Error(), statusFor(err)
			return conn.WriteJSON(frame)
		}
		delta := frame
		delta.Type, delta.Text = "delta", frag
		if err := conn.WriteJSON(delta); err != nil {
			return err
		}
	}

	frame.Type, frame.Response = "done", stream.Text()
	return conn.WriteJSON(frame)
}
