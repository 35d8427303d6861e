package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/nugget/lamrelay/internal/llm"
)

// ErrEmptyText rejects a request with no message text.
var ErrEmptyText = errors.New("message text is empty")

// Usage describes one inference call for accounting.
type Usage struct {
	Project      string
	SessionID    string // empty for stateless requests
	Model        string
	InputTokens  int
	OutputTokens int
	Elapsed      time.Duration
	Stream       bool
	Err          error
}

// UsageRecorder receives one Usage per inference call. Implementations
// must not block.
type UsageRecorder interface {
	RecordUsage(Usage)
}

// UsageRecorders tees usage to several recorders. Nil entries are
// skipped.
type UsageRecorders []UsageRecorder

func (rs UsageRecorders) RecordUsage(u Usage) {
	for _, r := range rs {
		if r != nil {
			r.RecordUsage(u)
		}
	}
}

// Reply is the result of a completed turn.
type Reply struct {
	Text         string
	InputTokens  int
	OutputTokens int
	Elapsed      time.Duration
}

// ManagerConfig wires a [Manager].
type ManagerConfig struct {
	Client  llm.Client
	Store   *Store
	Trimmer Trimmer
	// Defaults fill any zero sampling field on a request.
	Defaults llm.Sampling
	// MaxInflight bounds concurrent inference calls across all sessions.
	MaxInflight int
	Usage       UsageRecorder
	Logger      *slog.Logger
}

// Manager turns user messages into inference calls against per-session
// history.
type Manager struct {
	client   llm.Client
	store    *Store
	trimmer  Trimmer
	defaults llm.Sampling
	permits  *semaphore.Weighted
	inflight atomic.Int64
	usage    UsageRecorder
	logger   *slog.Logger
}

// NewManager creates a manager. A nil Trimmer keeps ten exchanges.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Store == nil {
		cfg.Store = NewStore(StoreOptions{})
	}
	if cfg.Trimmer == nil {
		cfg.Trimmer = PairTrimmer{MaxPairs: 10}
	}
	if cfg.MaxInflight < 1 {
		cfg.MaxInflight = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		client:   cfg.Client,
		store:    cfg.Store,
		trimmer:  cfg.Trimmer,
		defaults: cfg.Defaults,
		permits:  semaphore.NewWeighted(int64(cfg.MaxInflight)),
		usage:    cfg.Usage,
		logger:   cfg.Logger,
	}
}

// Store exposes the underlying session store.
func (m *Manager) Store() *Store { return m.store }

// InFlight returns the number of inference calls currently running.
func (m *Manager) InFlight() int64 { return m.inflight.Load() }

// ActiveSessions returns the number of live sessions.
func (m *Manager) ActiveSessions() int { return m.store.Len() }

// turn is a prepared request: the outbound turns plus what to do with
// the reply once it arrives.
type turn struct {
	project   string
	sessionID string
	llmReq    llm.Request
	commit    func(reply string)
	release   func()
}

// prepare appends the user turn and trims under the session lock, then
// snapshots what will be sent. The lock is released before returning.
func (m *Manager) prepare(req Request) (*turn, error) {
	if strings.TrimSpace(req.text()) == "" {
		return nil, ErrEmptyText
	}

	switch r := req.(type) {
	case Stateless:
		return &turn{
			project: r.Project,
			llmReq: llm.Request{
				Turns: []llm.Turn{
					{Role: llm.RoleSystem, Content: r.SystemPrompt},
					{Role: llm.RoleUser, Content: r.Text},
				},
				Sampling: r.Sampling.WithDefaults(m.defaults),
				Tools:    r.Tools,
			},
			commit:  func(string) {},
			release: func() {},
		}, nil

	case Bound:
		sess, _ := m.store.Acquire(r.Key, r.SystemPrompt)
		trimmer := m.trimmer
		if r.HistoryLimit > 0 {
			trimmer = PairTrimmer{MaxPairs: r.HistoryLimit}
		}

		sess.mu.Lock()
		sess.turns = append(sess.turns, llm.Turn{Role: llm.RoleUser, Content: r.Text})
		sess.turns = trimmer.Trim(sess.turns)
		sess.messageCount++
		sess.touch(m.store.now())
		outbound := append([]llm.Turn(nil), sess.turns...)
		sess.mu.Unlock()

		var once sync.Once
		return &turn{
			project:   r.Key.Project,
			sessionID: r.Key.ID,
			llmReq: llm.Request{
				Turns:    outbound,
				Sampling: r.Sampling.WithDefaults(m.defaults),
				Tools:    r.Tools,
			},
			commit: func(reply string) {
				sess.mu.Lock()
				sess.turns = append(sess.turns, llm.Turn{Role: llm.RoleAssistant, Content: reply})
				sess.touch(m.store.now())
				sess.mu.Unlock()
			},
			release: func() { once.Do(func() { m.store.Release(sess) }) },
		}, nil

	default:
		return nil, fmt.Errorf("unsupported request type %T", req)
	}
}

func (m *Manager) acquirePermit(ctx context.Context) error {
	if err := m.permits.Acquire(ctx, 1); err != nil {
		return err
	}
	m.inflight.Add(1)
	return nil
}

func (m *Manager) releasePermit() {
	m.inflight.Add(-1)
	m.permits.Release(1)
}

func (m *Manager) record(u Usage) {
	if m.usage != nil {
		m.usage.RecordUsage(u)
	}
}

// ProcessTurn appends the user message to the session, trims, calls
// inference and appends the reply. If inference fails the user turn
// stays in the history and the error is returned.
func (m *Manager) ProcessTurn(ctx context.Context, req Request) (*Reply, error) {
	t, err := m.prepare(req)
	if err != nil {
		return nil, err
	}
	defer t.release()

	if err := m.acquirePermit(ctx); err != nil {
		return nil, err
	}
	start := time.Now()
	resp, err := m.client.Generate(ctx, t.llmReq)
	m.releasePermit()
	elapsed := time.Since(start)

	if err != nil {
		m.record(Usage{Project: t.project, SessionID: t.sessionID, Elapsed: elapsed, Err: err})
		m.logger.Warn("inference failed",
			"project", t.project,
			"session_id", t.sessionID,
			"elapsed", elapsed.Round(time.Millisecond),
			"error", err,
		)
		return nil, err
	}

	t.commit(resp.Text)
	m.record(Usage{
		Project:      t.project,
		SessionID:    t.sessionID,
		Model:        resp.Model,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
		Elapsed:      elapsed,
	})
	m.logger.Debug("turn complete",
		"project", t.project,
		"session_id", t.sessionID,
		"elapsed", elapsed.Round(time.Millisecond),
		"output_tokens", resp.OutputTokens,
	)

	return &Reply{
		Text:         resp.Text,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
		Elapsed:      elapsed,
	}, nil
}

// ProcessTurnStream is ProcessTurn with a lazily consumed reply. The
// inference permit and session pin are held until the stream ends or is
// closed. The assistant turn is committed only if the stream is read to
// completion; an error or early Close discards the partial reply.
func (m *Manager) ProcessTurnStream(ctx context.Context, req Request) (*TurnStream, error) {
	t, err := m.prepare(req)
	if err != nil {
		return nil, err
	}
	if err := m.acquirePermit(ctx); err != nil {
		t.release()
		return nil, err
	}

	start := time.Now()
	inner, err := m.client.GenerateStream(ctx, t.llmReq)
	if err != nil {
		m.releasePermit()
		t.release()
		m.record(Usage{Project: t.project, SessionID: t.sessionID, Elapsed: time.Since(start), Stream: true, Err: err})
		m.logger.Warn("inference stream failed",
			"project", t.project,
			"session_id", t.sessionID,
			"error", err,
		)
		return nil, err
	}

	return &TurnStream{m: m, t: t, inner: inner, start: start}, nil
}

// TurnStream yields reply fragments for one turn.
type TurnStream struct {
	m     *Manager
	t     *turn
	inner *llm.Stream
	start time.Time

	mu   sync.Mutex
	buf  strings.Builder
	done bool
}

// Next returns the next fragment, io.EOF once the reply is complete and
// committed, or a terminal error.
func (s *TurnStream) Next() (string, error) {
	frag, err := s.inner.Next()

	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		s.buf.WriteString(frag)
		return frag, nil
	}
	if errors.Is(err, io.EOF) {
		s.finishLocked(true, nil)
	} else {
		s.finishLocked(false, err)
	}
	return "", err
}

// Close abandons the stream. Safe to call after completion.
func (s *TurnStream) Close() error {
	err := s.inner.Close()
	s.mu.Lock()
	s.finishLocked(false, context.Canceled)
	s.mu.Unlock()
	return err
}

// Text returns everything received so far.
func (s *TurnStream) Text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

// Fragments adapts the stream to a range-over-func iterator; a clean
// end yields no error.
func (s *TurnStream) Fragments() iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for {
			frag, err := s.Next()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield("", err)
				return
			}
			if !yield(frag, nil) {
				return
			}
		}
	}
}

func (s *TurnStream) finishLocked(commit bool, cause error) {
	if s.done {
		return
	}
	s.done = true
	s.m.releasePermit()

	elapsed := time.Since(s.start)
	in, out := s.inner.Usage()
	u := Usage{
		Project:      s.t.project,
		SessionID:    s.t.sessionID,
		Model:        s.inner.Model(),
		InputTokens:  in,
		OutputTokens: out,
		Elapsed:      elapsed,
		Stream:       true,
	}
	if commit {
		s.t.commit(s.buf.String())
	} else {
		u.Err = cause
		s.m.logger.Debug("stream abandoned, partial reply discarded",
			"project", s.t.project,
			"session_id", s.t.sessionID,
			"received", s.buf.Len(),
			"error", cause,
		)
	}
	s.t.release()
	s.m.record(u)
}

// GetOrCreate returns a snapshot of the session, creating it with
// systemPrompt if needed.
func (m *Manager) GetOrCreate(key Key, systemPrompt string) Snapshot {
	sess, _ := m.store.Acquire(key, systemPrompt)
	defer m.store.Release(sess)
	sess.touch(m.store.now())
	return sess.Snapshot()
}

// History returns a snapshot of an existing session.
func (m *Manager) History(key Key) (Snapshot, bool) {
	sess, ok := m.store.Get(key)
	if !ok {
		return Snapshot{}, false
	}
	return sess.Snapshot(), true
}

// Reset clears a session's history, keeping its system turn.
func (m *Manager) Reset(key Key) bool {
	sess, ok := m.store.Get(key)
	if !ok {
		return false
	}
	sess.mu.Lock()
	sess.turns = sess.turns[:1:1]
	sess.touch(m.store.now())
	sess.mu.Unlock()
	return true
}

// SetSystemPrompt replaces turn 0 of a session, creating the session if
// needed, and optionally clears its history.
func (m *Manager) SetSystemPrompt(key Key, prompt string, reset bool) {
	sess, _ := m.store.Acquire(key, prompt)
	defer m.store.Release(sess)

	sess.mu.Lock()
	sess.turns[0] = llm.Turn{Role: llm.RoleSystem, Content: prompt}
	if reset {
		sess.turns = sess.turns[:1:1]
	}
	sess.touch(m.store.now())
	sess.mu.Unlock()
}

// ApplyProjectPrompt updates every live session of a project. An empty
// prompt leaves system turns untouched. It returns the number of
// sessions changed.
func (m *Manager) ApplyProjectPrompt(project, prompt string, reset bool) int {
	n := 0
	for _, key := range m.store.Keys(project) {
		sess, ok := m.store.Get(key)
		if !ok {
			continue
		}
		sess.mu.Lock()
		if prompt != "" {
			sess.turns[0] = llm.Turn{Role: llm.RoleSystem, Content: prompt}
		}
		if reset {
			sess.turns = sess.turns[:1:1]
		}
		sess.mu.Unlock()
		n++
	}
	return n
}

// Delete removes a session.
func (m *Manager) Delete(key Key) bool {
	return m.store.Delete(key)
}

// Sweep evicts sessions idle longer than ttl.
func (m *Manager) Sweep(ttl time.Duration) int {
	return m.store.Sweep(ttl)
}

// RunSweeper sweeps every interval until ctx is cancelled.
func (m *Manager) RunSweeper(ctx context.Context, interval, ttl time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.Sweep(ttl); n > 0 {
				m.logger.Info("swept idle sessions", "removed", n, "active", m.store.Len())
			}
		}
	}
}
