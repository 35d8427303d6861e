package session

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/nugget/lamrelay/internal/llm"
)

// fakeClient answers with the last user turn upper-cased unless reply
// is set. When gate is non-nil every call waits on it.
type fakeClient struct {
	mu    sync.Mutex
	calls []llm.Request

	reply func(llm.Request) (string, error)
	gate  chan struct{}
	// entered receives once per call after it starts, if non-nil.
	entered chan struct{}

	active    atomic.Int32
	maxActive atomic.Int32
}

func (f *fakeClient) begin(ctx context.Context, req llm.Request) error {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()

	n := f.active.Add(1)
	for {
		m := f.maxActive.Load()
		if n <= m || f.maxActive.CompareAndSwap(m, n) {
			break
		}
	}
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			f.active.Add(-1)
			return ctx.Err()
		}
	}
	return nil
}

func (f *fakeClient) answer(req llm.Request) (string, error) {
	if f.reply != nil {
		return f.reply(req)
	}
	last := req.Turns[len(req.Turns)-1]
	return strings.ToUpper(last.Content), nil
}

func (f *fakeClient) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	if err := f.begin(ctx, req); err != nil {
		return nil, err
	}
	defer f.active.Add(-1)
	text, err := f.answer(req)
	if err != nil {
		return nil, err
	}
	return &llm.Response{Text: text, Model: "fake", OutputTokens: 1}, nil
}

// GenerateStream splits the answer into single-character fragments.
func (f *fakeClient) GenerateStream(ctx context.Context, req llm.Request) (*llm.Stream, error) {
	if err := f.begin(ctx, req); err != nil {
		return nil, err
	}
	text, err := f.answer(req)
	if err != nil {
		f.active.Add(-1)
		return nil, err
	}
	i := 0
	var once sync.Once
	return llm.NewStream(func() (string, error) {
		if i >= len(text) {
			return "", io.EOF
		}
		i++
		return text[i-1 : i], nil
	}, func() error {
		once.Do(func() { f.active.Add(-1) })
		return nil
	}), nil
}

func (f *fakeClient) Ping(context.Context) error { return nil }

func (f *fakeClient) lastCall() llm.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestManager(c llm.Client, opts ...func(*ManagerConfig)) *Manager {
	cfg := ManagerConfig{
		Client:      c,
		Store:       NewStore(StoreOptions{}),
		Trimmer:     PairTrimmer{MaxPairs: 10},
		Defaults:    llm.Sampling{Temperature: 0.6, TopP: 0.9, MaxTokens: 512},
		MaxInflight: 8,
		Logger:      discardLogger(),
	}
	for _, o := range opts {
		o(&cfg)
	}
	return NewManager(cfg)
}

func roles(turns []llm.Turn) string {
	var b strings.Builder
	for _, t := range turns {
		b.WriteString(string(t.Role[0]))
	}
	return b.String()
}

func contents(turns []llm.Turn) []string {
	out := make([]string, len(turns))
	for i, t := range turns {
		out[i] = t.Content
	}
	return out
}
