package llm

import (
	"errors"
	"io"
	"iter"
	"sync"
)

// Stream yields reply fragments lazily. Next returns io.EOF after the
// server signals completion; any other error is terminal. Close may be
// called at any point and is idempotent.
type Stream struct {
	next  func() (string, error)
	close func() error

	mu           sync.Mutex
	err          error // sticky terminal state, io.EOF included
	model        string
	finishReason string
	inputTokens  int
	outputTokens int

	closeOnce sync.Once
	closeErr  error
}

// NewStream builds a Stream from a fragment source and a release
// function. It exists so other packages can fake inference streams.
func NewStream(next func() (string, error), close func() error) *Stream {
	if close == nil {
		close = func() error { return nil }
	}
	return &Stream{next: next, close: close}
}

// Next returns the next non-empty fragment.
func (s *Stream) Next() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return "", s.err
	}
	for {
		frag, err := s.next()
		if err != nil {
			s.err = err
			return "", err
		}
		if frag != "" {
			return frag, nil
		}
	}
}

// Close releases the underlying connection. Fragments not yet read are
// discarded.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.close()
		s.mu.Lock()
		if s.err == nil {
			s.err = ErrStreamClosed
		}
		s.mu.Unlock()
	})
	return s.closeErr
}

// Fragments adapts the stream to a range-over-func iterator. Iteration
// stops after the first error; a clean end yields no error.
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

// FinishReason is the server's finish_reason, known after io.EOF.
func (s *Stream) FinishReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finishReason
}

// Model is the model name the server reported, if any.
func (s *Stream) Model() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.model
}

// Usage returns token counts when the server reported them.
func (s *Stream) Usage() (input, output int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inputTokens, s.outputTokens
}

// setters are called from inside next, which already runs under mu.

func (s *Stream) setModel(m string) { s.model = m }
func (s *Stream) setFinish(r string) { s.finishReason = r }
func (s *Stream) setUsage(in, out int) { s.inputTokens, s.outputTokens = in, out }
