package llm

import (
	"log/slog"
	"time"
)

// levelTrace is below Debug, used for wire-level payload logging.
const levelTrace = slog.Level(-8)

// Role identifies who authored a turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one message in a conversation.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Sampling controls generation. A zero field means "use the deployment
// default" once passed through [Sampling.WithDefaults].
type Sampling struct {
	Temperature float64 `json:"temperature,omitempty"`
	TopP        float64 `json:"top_p,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
}

// WithDefaults fills zero fields from def.
func (s Sampling) WithDefaults(def Sampling) Sampling {
	if s.Temperature == 0 {
		s.Temperature = def.Temperature
	}
	if s.TopP == 0 {
		s.TopP = def.TopP
	}
	if s.MaxTokens == 0 {
		s.MaxTokens = def.MaxTokens
	}
	return s
}

// Request is a single chat completion call.
type Request struct {
	// Model overrides the client's configured model when non-empty.
	Model    string
	Turns    []Turn
	Sampling Sampling
	Tools    []map[string]any
}

// Response is a completed, non-streaming reply.
type Response struct {
	Text         string
	Model        string
	FinishReason string
	InputTokens  int
	OutputTokens int
	Elapsed      time.Duration
}
