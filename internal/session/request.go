package session

import "github.com/nugget/lamrelay/internal/llm"

// Request is one user message to process. It is either [Stateless] or
// [Bound]; no other implementations exist.
type Request interface {
	text() string
	project() string
}

// Stateless answers a message from its system prompt alone. No session
// is read or written.
type Stateless struct {
	Project      string
	SystemPrompt string
	Text         string
	Sampling     llm.Sampling
	Tools        []map[string]any
}

// Bound processes a message within the session named by Key, creating
// the session with SystemPrompt if it does not exist yet.
type Bound struct {
	Key          Key
	SystemPrompt string
	Text         string
	Sampling     llm.Sampling
	Tools        []map[string]any
	// HistoryLimit, when positive, overrides the configured trimmer
	// with a pair limit for this turn.
	HistoryLimit int
}

func (r Stateless) text() string    { return r.Text }
func (r Stateless) project() string { return r.Project }
func (r Bound) text() string        { return r.Text }
func (r Bound) project() string     { return r.Key.Project }
