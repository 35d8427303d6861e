package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/nugget/lamrelay/internal/httpkit"
)

// OpenAIConfig configures an [OpenAI] client.
type OpenAIConfig struct {
	// BaseURL is the API root including the version segment,
	// e.g. http://localhost:8080/v1.
	BaseURL string
	Model   string
	APIKey  string
	// Timeout bounds each call end to end, streams included.
	Timeout time.Duration
	// HeaderTimeout bounds the wait for response headers. Zero means
	// Timeout. Ignored when HTTPClient is set.
	HeaderTimeout  time.Duration
	EnableThinking bool
	// TLSInsecure skips certificate verification. Ignored when
	// HTTPClient is set.
	TLSInsecure bool
	HTTPClient  *http.Client
	Logger      *slog.Logger
}

// OpenAI is a [Client] for the /chat/completions API.
type OpenAI struct {
	baseURL        string
	model          string
	timeout        time.Duration
	headerTimeout  time.Duration
	enableThinking bool
	httpClient     *http.Client
	logger         *slog.Logger
}

// NewOpenAI creates a client without contacting the server. Use [Dial]
// at startup to also verify reachability.
func NewOpenAI(cfg OpenAIConfig) *OpenAI {
	headerTimeout := cfg.HeaderTimeout
	if headerTimeout <= 0 {
		headerTimeout = cfg.Timeout
	}
	hc := cfg.HTTPClient
	if hc == nil {
		opts := []httpkit.ClientOption{httpkit.WithResponseHeaderTimeout(headerTimeout)}
		if cfg.APIKey != "" {
			opts = append(opts, httpkit.WithHeader("Authorization", "Bearer "+cfg.APIKey))
		}
		if cfg.TLSInsecure {
			opts = append(opts, httpkit.WithTLSInsecureSkipVerify())
		}
		hc = httpkit.NewClient(opts...)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenAI{
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		model:          cfg.Model,
		timeout:        cfg.Timeout,
		headerTimeout:  headerTimeout,
		enableThinking: cfg.EnableThinking,
		httpClient:     hc,
		logger:         logger,
	}
}

// Dial creates a client and runs the startup self-check. A deployment
// whose inference endpoint is unreachable must not start, so any probe
// failure is returned.
func Dial(ctx context.Context, cfg OpenAIConfig, probeTimeout time.Duration) (*OpenAI, error) {
	c := NewOpenAI(cfg)
	if probeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, probeTimeout)
		defer cancel()
	}
	if err := c.Ping(ctx); err != nil {
		return nil, fmt.Errorf("inference endpoint %s: %w", c.baseURL, err)
	}
	c.logger.Info("inference endpoint ready", "url", c.baseURL, "model", c.model)
	return c, nil
}

// Ping lists models. Servers that do not implement /models get a
// one-token completion instead.
func (c *OpenAI) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	switch {
	case resp.StatusCode == http.StatusOK:
		httpkit.DrainAndClose(resp.Body, 64*1024)
		return nil
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusMethodNotAllowed:
		httpkit.DrainAndClose(resp.Body, 1024)
	default:
		return &APIError{StatusCode: resp.StatusCode, Body: httpkit.ReadErrorBody(resp.Body, 1024)}
	}

	_, err = c.Generate(ctx, Request{
		Turns:    []Turn{{Role: RoleUser, Content: "ping"}},
		Sampling: Sampling{MaxTokens: 1},
	})
	if err != nil {
		return fmt.Errorf("probe completion: %w", err)
	}
	return nil
}

// Generate performs a non-streaming completion.
func (c *OpenAI) Generate(ctx context.Context, r Request) (*Response, error) {
	ctx, cancel := withTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	resp, err := c.post(ctx, r, false)
	if err != nil {
		return nil, classify(ctx, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classify(ctx, fmt.Errorf("read response: %w", err))
	}
	c.logger.Log(ctx, levelTrace, "inference response", "body", string(body))

	var wire chatResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if wire.Error != nil && wire.Error.Message != "" {
		return nil, &StreamError{Type: wire.Error.Type, Message: wire.Error.Message}
	}
	if len(wire.Choices) == 0 {
		return nil, fmt.Errorf("%w: no choices", ErrMalformedResponse)
	}

	out := &Response{
		Text:         wire.Choices[0].Message.Content,
		Model:        wire.Model,
		FinishReason: wire.Choices[0].FinishReason,
		Elapsed:      time.Since(start),
	}
	if wire.Usage != nil {
		out.InputTokens = wire.Usage.PromptTokens
		out.OutputTokens = wire.Usage.CompletionTokens
	}
	return out, nil
}

// GenerateStream starts a streaming completion. The returned Stream
// owns the response body and the call's timeout; Close releases both.
func (c *OpenAI) GenerateStream(ctx context.Context, r Request) (*Stream, error) {
	ctx, cancel := withTimeout(ctx, c.timeout)

	resp, err := c.post(ctx, r, true)
	if err != nil {
		cancel()
		return nil, classify(ctx, err)
	}

	sse := newSSEReader(resp.Body)
	var finished bool
	var s *Stream

	next := func() (string, error) {
		for {
			data, err := sse.next()
			if err != nil {
				if errors.Is(err, io.EOF) {
					if finished {
						return "", io.EOF
					}
					return "", ErrStreamTruncated
				}
				return "", classify(ctx, fmt.Errorf("read stream: %w", err))
			}
			if data == "[DONE]" {
				return "", io.EOF
			}
			c.logger.Log(ctx, levelTrace, "inference stream chunk", "data", data)

			var chunk streamChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				return "", fmt.Errorf("%w: stream chunk: %v", ErrMalformedResponse, err)
			}
			if chunk.Error != nil && chunk.Error.Message != "" {
				return "", &StreamError{Type: chunk.Error.Type, Message: chunk.Error.Message}
			}
			if chunk.Model != "" {
				s.setModel(chunk.Model)
			}
			if chunk.Usage != nil {
				s.setUsage(chunk.Usage.PromptTokens, chunk.Usage.CompletionTokens)
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]
			if choice.FinishReason != nil && *choice.FinishReason != "" {
				finished = true
				s.setFinish(*choice.FinishReason)
			}
			if choice.Delta.Content != "" {
				return choice.Delta.Content, nil
			}
		}
	}

	s = NewStream(next, func() error {
		cancel()
		httpkit.DrainAndClose(resp.Body, 0)
		return nil
	})
	return s, nil
}

func (c *OpenAI) post(ctx context.Context, r Request, stream bool) (*http.Response, error) {
	wire := chatRequest{
		Model:       r.Model,
		Messages:    r.Turns,
		Temperature: r.Sampling.Temperature,
		TopP:        r.Sampling.TopP,
		MaxTokens:   r.Sampling.MaxTokens,
		Stream:      stream,
		Tools:       r.Tools,

		EnableThinking:     c.enableThinking,
		ChatTemplateKwargs: map[string]any{"enable_thinking": c.enableThinking},
	}
	if wire.Model == "" {
		wire.Model = c.model
	}
	if stream {
		wire.StreamOptions = &streamOptions{IncludeUsage: true}
	}

	payload, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	c.logger.Log(ctx, levelTrace, "inference request", "body", string(payload))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		var ne net.Error
		if ctx.Err() == nil && errors.As(err, &ne) && ne.Timeout() {
			err = &TimeoutError{After: c.headerTimeout}
		}
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{StatusCode: resp.StatusCode, Body: httpkit.ReadErrorBody(resp.Body, 2048)}
	}
	return resp, nil
}

// Wire types for /chat/completions.

type chatRequest struct {
	Model              string           `json:"model,omitempty"`
	Messages           []Turn           `json:"messages"`
	Temperature        float64          `json:"temperature"`
	TopP               float64          `json:"top_p"`
	MaxTokens          int              `json:"max_tokens,omitempty"`
	Stream             bool             `json:"stream"`
	StreamOptions      *streamOptions   `json:"stream_options,omitempty"`
	Tools              []map[string]any `json:"tools,omitempty"`
	EnableThinking     bool             `json:"enable_thinking"`
	ChatTemplateKwargs map[string]any   `json:"chat_template_kwargs,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type wireError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type wireUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      Turn   `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *wireUsage `json:"usage"`
	Error *wireError `json:"error"`
}

type streamChunk struct {
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *wireUsage `json:"usage"`
	Error *wireError `json:"error"`
}
