// Package direct is the synchronous transport: callers hand a message
// to the adapter and get the reply (or a fragment stream) back on the
// same goroutine. There is no queue; the session manager's inference
// permits are the only backpressure.
package direct

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nugget/lamrelay/internal/config"
	"github.com/nugget/lamrelay/internal/dispatch"
	"github.com/nugget/lamrelay/internal/llm"
	"github.com/nugget/lamrelay/internal/metrics"
	"github.com/nugget/lamrelay/internal/session"
)

var (
	// ErrRateLimited is returned when the caller exceeded its budget.
	ErrRateLimited = errors.New("rate limit exceeded")
	// ErrUnknownProject is returned for a project that is not
	// configured or is disabled.
	ErrUnknownProject = errors.New("unknown project")
)

// Turns runs turns. *session.Manager satisfies it.
type Turns interface {
	ProcessTurn(ctx context.Context, req session.Request) (*session.Reply, error)
	ProcessTurnStream(ctx context.Context, req session.Request) (*session.TurnStream, error)
}

// Limiter admits or refuses a call. *ratelimit.Limiter satisfies it.
type Limiter interface {
	Allow(project, sessionID string) bool
}

// Call is one direct request.
type Call struct {
	Project   string
	SessionID string
	// ClientID keys the rate limiter when there is no session.
	ClientID     string
	SystemPrompt string
	Text         string
	Sampling     llm.Sampling
	HistoryLimit int
	// Stateless skips session history even when SessionID is set.
	Stateless bool
}

// Key returns the session key the call addresses.
func (c Call) Key() session.Key {
	return session.Key{Project: c.Project, ID: c.SessionID}
}

// Completion reports the end of a call to observers.
type Completion struct {
	Call    Call
	Text    string
	Err     error
	Elapsed time.Duration
	Stream  bool
}

// Config wires an [Adapter].
type Config struct {
	Turns    Turns
	Limiter  Limiter
	Prompts  *dispatch.PromptRegistry
	Projects []config.ProjectConfig
	// DefaultProject names the project used when a call has none.
	DefaultProject string
	Metrics        *metrics.Metrics
	Logger         *slog.Logger
}

// Adapter is the direct transport's call surface.
type Adapter struct {
	cfg      Config
	projects map[string]config.ProjectConfig
	logger   *slog.Logger

	mu        sync.RWMutex
	observers []func(Completion)
}

// New creates an adapter. With no projects configured any project name
// is accepted.
func New(cfg Config) *Adapter {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	a := &Adapter{cfg: cfg, projects: make(map[string]config.ProjectConfig), logger: cfg.Logger}
	for _, p := range cfg.Projects {
		a.projects[p.Name] = p
	}
	if a.cfg.DefaultProject == "" {
		a.cfg.DefaultProject = "general"
		for _, p := range cfg.Projects {
			if p.IsEnabled() {
				a.cfg.DefaultProject = p.Name
				break
			}
		}
	}
	return a
}

// DefaultProject names the project used for calls that carry none.
func (a *Adapter) DefaultProject() string { return a.cfg.DefaultProject }

// Observe registers fn to see every finished call. fn must not block.
func (a *Adapter) Observe(fn func(Completion)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.observers = append(a.observers, fn)
}

func (a *Adapter) notify(c Completion) {
	outcome := metrics.OutcomeOK
	switch {
	case errors.Is(c.Err, ErrRateLimited):
		outcome = metrics.OutcomeRateLimited
	case c.Err != nil:
		outcome = metrics.OutcomeFailed
	}
	a.cfg.Metrics.ObserveTurn(c.Call.Project, outcome)

	a.mu.RLock()
	observers := a.observers
	a.mu.RUnlock()
	for _, fn := range observers {
		fn(c)
	}
}

// admit fills defaults, checks the project and the rate limit, and
// builds the session request.
func (a *Adapter) admit(c *Call) (session.Request, error) {
	if c.Project == "" {
		c.Project = a.cfg.DefaultProject
	}
	c.SessionID = strings.TrimSpace(c.SessionID)

	var p config.ProjectConfig
	if len(a.projects) > 0 {
		var ok bool
		p, ok = a.projects[c.Project]
		if !ok || !p.IsEnabled() {
			return nil, fmt.Errorf("%w: %q", ErrUnknownProject, c.Project)
		}
	}
	if strings.TrimSpace(c.Text) == "" {
		return nil, session.ErrEmptyText
	}

	stateless := c.Stateless || p.Stateless || c.SessionID == ""
	limitKey := c.SessionID
	if limitKey == "" {
		limitKey = c.ClientID
	}
	if a.cfg.Limiter != nil && !a.cfg.Limiter.Allow(c.Project, limitKey) {
		return nil, ErrRateLimited
	}

	prompt := a.cfg.Prompts.Resolve(c.Project, c.SystemPrompt)
	if stateless {
		return session.Stateless{
			Project:      c.Project,
			SystemPrompt: prompt,
			Text:         c.Text,
			Sampling:     c.Sampling,
			Tools:        p.Tools,
		}, nil
	}
	return session.Bound{
		Key:          c.Key(),
		SystemPrompt: prompt,
		Text:         c.Text,
		Sampling:     c.Sampling,
		Tools:        p.Tools,
		HistoryLimit: c.HistoryLimit,
	}, nil
}

// Complete processes a call and returns the full reply.
func (a *Adapter) Complete(ctx context.Context, c Call) (string, error) {
	start := time.Now()
	req, err := a.admit(&c)
	if err != nil {
		a.refused(c, err, false)
		return "", err
	}

	reply, err := a.cfg.Turns.ProcessTurn(ctx, req)
	done := Completion{Call: c, Err: err, Elapsed: time.Since(start)}
	if reply != nil {
		done.Text = reply.Text
	}
	a.notify(done)
	return done.Text, err
}

// Stream processes a call and returns its reply as a fragment stream.
// The caller must Close it.
func (a *Adapter) Stream(ctx context.Context, c Call) (*Stream, error) {
	start := time.Now()
	req, err := a.admit(&c)
	if err != nil {
		a.refused(c, err, true)
		return nil, err
	}

	inner, err := a.cfg.Turns.ProcessTurnStream(ctx, req)
	if err != nil {
		a.notify(Completion{Call: c, Err: err, Elapsed: time.Since(start), Stream: true})
		return nil, err
	}
	return &Stream{a: a, call: c, inner: inner, start: start}, nil
}

// refused records calls turned away before inference. Validation
// errors are the caller's problem and are not counted as turns.
func (a *Adapter) refused(c Call, err error, stream bool) {
	if errors.Is(err, ErrRateLimited) {
		a.logger.Debug("rate limited", "project", c.Project, "session_id", c.SessionID, "client_id", c.ClientID)
		a.notify(Completion{Call: c, Err: err, Stream: stream})
	}
}

// Stream is a reply in progress. It reports its completion to the
// adapter's observers exactly once.
type Stream struct {
	a     *Adapter
	call  Call
	inner *session.TurnStream
	start time.Time
	once  sync.Once
}

// Next returns the next fragment, io.EOF at the end, or a terminal
// error.
func (s *Stream) Next() (string, error) {
	frag, err := s.inner.Next()
	switch {
	case errors.Is(err, io.EOF):
		s.finish(nil)
	case err != nil:
		s.finish(err)
	}
	return frag, err
}

// Close abandons the stream; the partial reply is not kept.
func (s *Stream) Close() error {
	err := s.inner.Close()
	s.finish(llm.ErrStreamClosed)
	return err
}

// Text returns everything received so far.
func (s *Stream) Text() string { return s.inner.Text() }

// Fragments adapts the stream to a range-over-func iterator; a clean
// end yields no error.
func (s *Stream) Fragments() iter.Seq2[string, error] {
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

func (s *Stream) finish(err error) {
	s.once.Do(func() {
		s.a.notify(Completion{
			Call:    s.call,
			Text:    s.inner.Text(),
			Err:     err,
			Elapsed: time.Since(s.start),
			Stream:  true,
		})
	})
}
