// Package llm talks to an OpenAI-compatible chat completions endpoint
// (llama.cpp server, vLLM, or Ollama's /v1 surface).
package llm

import "context"

// Client is the inference surface the session manager depends on.
// Implementations never retry; callers decide what a failure means.
type Client interface {
	// Generate sends the request and waits for the whole reply.
	Generate(ctx context.Context, req Request) (*Response, error)

	// GenerateStream sends the request and returns a lazy fragment
	// stream. The caller must Close the stream.
	GenerateStream(ctx context.Context, req Request) (*Stream, error)

	// Ping checks that the endpoint is reachable and serving.
	Ping(ctx context.Context) error
}
