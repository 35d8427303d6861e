package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nugget/lamrelay/internal/dispatch"
)

const (
	stateOnline  = "online"
	stateOffline = "offline"
)

// StatsSource provides runtime data for the status document. The
// concrete adapter is wired in main.go so this package stays free of
// the CLI's service graph.
type StatsSource interface {
	Uptime() time.Duration
	Version() string
	ActiveSessions() int
	DispatchStats() dispatch.Stats
}

// Status is the retained JSON document on [Adapter.StatusTopic].
type Status struct {
	State          string          `json:"state"`
	ClientID       string          `json:"client_id"`
	Version        string          `json:"version,omitempty"`
	UptimeSeconds  float64         `json:"uptime_seconds,omitempty"`
	ActiveSessions int             `json:"active_sessions"`
	Dispatch       *dispatch.Stats `json:"dispatch,omitempty"`
	TokensToday    *TokenSnapshot  `json:"tokens_today,omitempty"`
	Timestamp      float64         `json:"timestamp"`
}

// status assembles the document. The offline document carries only
// identity, since it doubles as the will payload.
func (a *Adapter) status(state string) Status {
	s := Status{
		State:     state,
		ClientID:  a.cfg.ClientID,
		Timestamp: unixSeconds(time.Now()),
	}
	if state == stateOffline || a.cfg.Stats == nil {
		return s
	}
	s.Version = a.cfg.Stats.Version()
	s.UptimeSeconds = a.cfg.Stats.Uptime().Truncate(time.Second).Seconds()
	s.ActiveSessions = a.cfg.Stats.ActiveSessions()
	ds := a.cfg.Stats.DispatchStats()
	s.Dispatch = &ds
	if a.cfg.Tokens != nil {
		ts := a.cfg.Tokens.Snapshot()
		s.TokensToday = &ts
	}
	return s
}

func (a *Adapter) statusPayload(state string) ([]byte, error) {
	b, err := json.Marshal(a.status(state))
	if err != nil {
		return nil, fmt.Errorf("marshal status: %w", err)
	}
	return b, nil
}

func (a *Adapter) publishStatus(ctx context.Context, state string) {
	payload, err := a.statusPayload(state)
	if err != nil {
		a.logger.Error("mqtt status", "error", err)
		return
	}
	if err := a.publish(ctx, a.StatusTopic(), 1, true, payload); err != nil {
		a.logger.Warn("mqtt status publish failed", "state", state, "error", err)
		return
	}
	a.logger.Debug("mqtt status published", "state", state)
}

// statusLoop republishes the online status every interval until ctx is
// cancelled.
func (a *Adapter) statusLoop(ctx context.Context) {
	interval := a.cfg.Broker.StatusInterval
	if interval <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.publishStatus(ctx, stateOnline)
		}
	}
}
