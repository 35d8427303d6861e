package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/lamrelay/internal/config"
	"github.com/nugget/lamrelay/internal/direct"
	"github.com/nugget/lamrelay/internal/dispatch"
	"github.com/nugget/lamrelay/internal/fanout"
	"github.com/nugget/lamrelay/internal/session"
)

const (
	watchBuffer   = 32
	watchPing     = 30 * time.Second
	watchWriteTTL = 10 * time.Second
)

// WatchEvent is one finished turn, as seen by session watchers.
type WatchEvent struct {
	Type      string  `json:"type"` // reply or error
	Transport string  `json:"transport"`
	Project   string  `json:"project"`
	SessionID string  `json:"sessionId"`
	RequestID string  `json:"requestId,omitempty"`
	Text      string  `json:"text,omitempty"`
	Error     string  `json:"error,omitempty"`
	Timestamp float64 `json:"timestamp"`
}

func unixSeconds(t time.Time) float64 { return float64(t.UnixMicro()) / 1e6 }

// ResultEvent converts a dispatcher result.
func ResultEvent(r dispatch.Result) WatchEvent {
	ev := WatchEvent{
		Type:      "reply",
		Transport: config.TransportBroker,
		Project:   r.Item.Project,
		SessionID: r.Item.SessionID,
		RequestID: r.Item.RequestID,
		Text:      r.Text,
		Timestamp: unixSeconds(r.CompletedAt),
	}
	if r.Err != nil {
		ev.Type, ev.Error = "error", r.Err.Error()
	}
	return ev
}

// CompletionEvent converts a direct call completion.
func CompletionEvent(c direct.Completion) WatchEvent {
	ev := WatchEvent{
		Type:      "reply",
		Transport: config.TransportDirect,
		Project:   c.Call.Project,
		SessionID: c.Call.SessionID,
		Text:      c.Text,
		Timestamp: unixSeconds(time.Now()),
	}
	if c.Err != nil {
		ev.Type, ev.Error = "error", c.Err.Error()
	}
	return ev
}

// PublishWatch offers ev to the session's watchers. Events without a
// session have no watchers and are skipped.
func PublishWatch(hub *fanout.Hub[session.Key, WatchEvent], ev WatchEvent) {
	if hub == nil || ev.SessionID == "" {
		return
	}
	hub.Publish(session.Key{Project: ev.Project, ID: ev.SessionID}, ev)
}

// handleWatch streams a session's finished turns over a websocket
// until the client goes away.
func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Watch == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "watch not configured")
		return
	}
	key := sessionKey(r)

	// Subscribe before the upgrade completes so no event published
	// after the handshake is missed.
	l := s.cfg.Watch.Subscribe(key, watchBuffer)
	defer func() {
		if n := l.Dropped(); n > 0 {
			s.logger.Info("session watcher missed events", "project", key.Project, "session_id", key.ID, "dropped", n)
		}
		l.Close()
	}()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	s.logger.Debug("session watch started", "project", key.Project, "session_id", key.ID)

	// The read side only services control frames and notices the close.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(watchPing)
	defer ping.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-gone:
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(watchWriteTTL)); err != nil {
				return
			}
		case ev, ok := <-l.C():
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(watchWriteTTL))
			if err := conn.WriteJSON(ev); err != nil {
				s.logger.Debug("session watch write failed", "error", err)
				return
			}
		}
	}
}
