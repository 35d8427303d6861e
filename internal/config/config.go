// Package config handles lamrelay configuration loading.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Transport modes. Exactly one is active per deployment.
const (
	TransportBroker = "broker"
	TransportDirect = "direct"
)

// Trim modes for session history.
const (
	TrimPairs  = "pairs"
	TrimTokens = "tokens"
)

// EnvPrefix is prepended to every environment override variable.
const EnvPrefix = "LAMRELAY_"

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/lamrelay/config.yaml, /etc/lamrelay/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "lamrelay", "config.yaml"))
	}

	paths = append(paths, "/etc/lamrelay/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all lamrelay configuration. It is loaded once at startup
// and treated as read-only afterwards.
type Config struct {
	Transport string          `yaml:"transport"`
	Inference InferenceConfig `yaml:"inference"`
	Sampling  SamplingConfig  `yaml:"sampling"`
	Sessions  SessionsConfig  `yaml:"sessions"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Broker    BrokerConfig    `yaml:"broker"`
	Listen    ListenConfig    `yaml:"listen"`
	Projects  []ProjectConfig `yaml:"projects"`
	DataDir   string          `yaml:"data_dir"`
	LogLevel  string          `yaml:"log_level"`
	LogFormat string          `yaml:"log_format"` // text or json
}

// runtimeEnv carries the top-level scalar overrides. Projects are
// deliberately not overridable from the environment.
type runtimeEnv struct {
	Transport string `env:"TRANSPORT"`
	DataDir   string `env:"DATA_DIR"`
	LogLevel  string `env:"LOG_LEVEL"`
	LogFormat string `env:"LOG_FORMAT"`
}

// InferenceConfig describes the OpenAI-compatible inference endpoint.
type InferenceConfig struct {
	// URL is the API base, e.g. http://gpu-box:8080/v1. Requests go to
	// URL + "/chat/completions".
	URL    string `yaml:"url" env:"URL"`
	Model  string `yaml:"model" env:"MODEL"`
	APIKey string `yaml:"api_key" env:"API_KEY"`
	// Timeout bounds every inference call, streaming included.
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
	// ProbeTimeout bounds the startup self-check.
	ProbeTimeout time.Duration `yaml:"probe_timeout" env:"PROBE_TIMEOUT"`
	// EnableThinking is forwarded on every request as the chat-template
	// switch for reasoning models. Off by default for faster replies.
	EnableThinking bool `yaml:"enable_thinking" env:"ENABLE_THINKING"`
	// TLSInsecure skips certificate verification for lab endpoints with
	// self-signed certificates.
	TLSInsecure bool `yaml:"tls_insecure" env:"TLS_INSECURE"`
}

// SamplingConfig holds deployment-wide sampling defaults. Individual
// requests may override any of them.
type SamplingConfig struct {
	Temperature float64 `yaml:"temperature" env:"TEMPERATURE"`
	TopP        float64 `yaml:"top_p" env:"TOP_P"`
	MaxTokens   int     `yaml:"max_tokens" env:"MAX_TOKENS"`
}

// SessionsConfig controls session lifetime and history bounds.
type SessionsConfig struct {
	IdleTTL       time.Duration `yaml:"idle_ttl" env:"IDLE_TTL"`
	SweepInterval time.Duration `yaml:"sweep_interval" env:"SWEEP_INTERVAL"`
	// MaxSessions caps live sessions; the least recently used idle session
	// is evicted to make room. Zero means unbounded.
	MaxSessions   int    `yaml:"max_sessions" env:"MAX_SESSIONS"`
	TrimMode      string `yaml:"trim_mode" env:"TRIM_MODE"`
	HistoryPairs  int    `yaml:"history_pairs" env:"HISTORY_PAIRS"`
	HistoryTokens int    `yaml:"history_tokens" env:"HISTORY_TOKENS"`
}

// DispatchConfig sizes the queue, worker pool and inference permits.
type DispatchConfig struct {
	Workers          int           `yaml:"workers" env:"WORKERS"`
	QueueSize        int           `yaml:"queue_size" env:"QUEUE_SIZE"`
	PublishQueueSize int           `yaml:"publish_queue_size" env:"PUBLISH_QUEUE_SIZE"`
	MaxInflight      int           `yaml:"max_inflight" env:"MAX_INFLIGHT"`
	StatsInterval    time.Duration `yaml:"stats_interval" env:"STATS_INTERVAL"`
}

// RateLimitConfig is the per (project, session) sliding window.
// MaxRequests <= 0 disables limiting.
type RateLimitConfig struct {
	Window      time.Duration `yaml:"window" env:"WINDOW"`
	MaxRequests int           `yaml:"max_requests" env:"MAX_REQUESTS"`
}

// BrokerConfig defines the MQTT broker connection.
type BrokerConfig struct {
	URL                 string        `yaml:"url" env:"URL"`
	Username            string        `yaml:"username" env:"USERNAME"`
	Password            string        `yaml:"password" env:"PASSWORD"`
	ClientID            string        `yaml:"client_id" env:"CLIENT_ID"`
	KeepAlive           time.Duration `yaml:"keep_alive" env:"KEEP_ALIVE"`
	StatusInterval      time.Duration `yaml:"status_interval" env:"STATUS_INTERVAL"`
	MaxInboundPerSecond int           `yaml:"max_inbound_per_second" env:"MAX_INBOUND_PER_SECOND"`
	QoS                 QoSConfig     `yaml:"qos" envPrefix:"QOS_"`
}

// QoSConfig picks the delivery class per message kind. Priming replies
// (template acknowledgements, session setup) default to at-least-once;
// high-rate update replies default to at-most-once.
type QoSConfig struct {
	Inbound byte `yaml:"inbound" env:"INBOUND"`
	Priming byte `yaml:"priming" env:"PRIMING"`
	Update  byte `yaml:"update" env:"UPDATE"`
}

// ListenConfig defines the HTTP server settings. In direct mode it
// carries the chat routes; in broker mode only health and metrics.
type ListenConfig struct {
	Address string `yaml:"address" env:"ADDRESS"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port" env:"PORT"`
}

// ProjectConfig describes one named project (game or app).
type ProjectConfig struct {
	Name          string `yaml:"name"`
	UserTopic     string `yaml:"user_topic"`
	ResponseTopic string `yaml:"response_topic"`
	TemplateTopic string `yaml:"template_topic"`
	ControlTopic  string `yaml:"control_topic"`
	SystemPrompt  string `yaml:"system_prompt"`
	// Enabled defaults to true when omitted.
	Enabled *bool `yaml:"enabled"`
	// Stateless projects never create sessions; each message is answered
	// from the system prompt and the message alone.
	Stateless bool `yaml:"stateless"`
	// Priority orders queued work; lower values run first.
	Priority int              `yaml:"priority"`
	Tools    []map[string]any `yaml:"tools"`
}

// IsEnabled reports whether the project should be served.
func (p ProjectConfig) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// Project returns the named project config.
func (c *Config) Project(name string) (ProjectConfig, bool) {
	for _, p := range c.Projects {
		if p.Name == name {
			return p, true
		}
	}
	return ProjectConfig{}, false
}

// EnabledProjects returns the projects that should be served.
func (c *Config) EnabledProjects() []ProjectConfig {
	var out []ProjectConfig
	for _, p := range c.Projects {
		if p.IsEnabled() {
			out = append(out, p)
		}
	}
	return out
}

// Load reads configuration from a YAML file, expands ${VAR} references,
// applies LAMRELAY_* environment overrides and fills defaults. It does
// not validate; call [Config.Validate] before use.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	if err := applyEnv(cfg); err != nil {
		return nil, fmt.Errorf("environment overrides: %w", err)
	}

	cfg.applyDefaults()
	return cfg, nil
}

// applyEnv overlays LAMRELAY_* variables section by section, e.g.
// LAMRELAY_INFERENCE_URL or LAMRELAY_BROKER_PASSWORD.
func applyEnv(cfg *Config) error {
	rt := runtimeEnv{
		Transport: cfg.Transport,
		DataDir:   cfg.DataDir,
		LogLevel:  cfg.LogLevel,
		LogFormat: cfg.LogFormat,
	}
	sections := []struct {
		prefix string
		target any
	}{
		{"", &rt},
		{"INFERENCE_", &cfg.Inference},
		{"SAMPLING_", &cfg.Sampling},
		{"SESSIONS_", &cfg.Sessions},
		{"DISPATCH_", &cfg.Dispatch},
		{"RATE_LIMIT_", &cfg.RateLimit},
		{"BROKER_", &cfg.Broker},
		{"LISTEN_", &cfg.Listen},
	}
	for _, s := range sections {
		if err := env.ParseWithOptions(s.target, env.Options{Prefix: EnvPrefix + s.prefix}); err != nil {
			return err
		}
	}
	cfg.Transport = rt.Transport
	cfg.DataDir = rt.DataDir
	cfg.LogLevel = rt.LogLevel
	cfg.LogFormat = rt.LogFormat
	return nil
}

// Default returns a configuration with every default applied and no
// projects. Useful for tests and the ask command.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Transport == "" {
		c.Transport = TransportBroker
	}
	if c.Inference.URL == "" {
		c.Inference.URL = "http://localhost:8080/v1"
	}
	c.Inference.URL = strings.TrimRight(c.Inference.URL, "/")
	if c.Inference.Timeout == 0 {
		c.Inference.Timeout = 300 * time.Second
	}
	if c.Inference.ProbeTimeout == 0 {
		c.Inference.ProbeTimeout = 10 * time.Second
	}

	if c.Sampling.Temperature == 0 {
		c.Sampling.Temperature = 0.6
	}
	if c.Sampling.TopP == 0 {
		c.Sampling.TopP = 0.9
	}
	if c.Sampling.MaxTokens == 0 {
		c.Sampling.MaxTokens = 512
	}

	if c.Sessions.IdleTTL == 0 {
		c.Sessions.IdleTTL = time.Hour
	}
	if c.Sessions.SweepInterval == 0 {
		c.Sessions.SweepInterval = 5 * time.Minute
	}
	if c.Sessions.TrimMode == "" {
		c.Sessions.TrimMode = TrimPairs
	}
	if c.Sessions.HistoryPairs == 0 {
		c.Sessions.HistoryPairs = 10
	}
	if c.Sessions.HistoryTokens == 0 {
		c.Sessions.HistoryTokens = 4096
	}

	if c.Dispatch.Workers == 0 {
		c.Dispatch.Workers = 12
	}
	if c.Dispatch.QueueSize == 0 {
		c.Dispatch.QueueSize = 1000
	}
	if c.Dispatch.PublishQueueSize == 0 {
		c.Dispatch.PublishQueueSize = 1000
	}
	if c.Dispatch.MaxInflight == 0 {
		c.Dispatch.MaxInflight = 8
	}
	if c.Dispatch.StatsInterval == 0 {
		c.Dispatch.StatsInterval = time.Minute
	}

	if c.RateLimit.Window == 0 {
		c.RateLimit.Window = time.Minute
	}

	if c.Broker.KeepAlive == 0 {
		c.Broker.KeepAlive = 30 * time.Second
	}
	if c.Broker.StatusInterval == 0 {
		c.Broker.StatusInterval = time.Minute
	}
	if c.Broker.QoS.Inbound == 0 {
		c.Broker.QoS.Inbound = 1
	}
	if c.Broker.QoS.Priming == 0 {
		c.Broker.QoS.Priming = 1
	}

	if c.Listen.Port == 0 {
		c.Listen.Port = 8090
	}
	if c.DataDir == "" {
		c.DataDir = "./db"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}

	for i := range c.Projects {
		p := &c.Projects[i]
		if p.UserTopic == "" {
			p.UserTopic = p.Name + "/user_input"
		}
		if p.ResponseTopic == "" {
			p.ResponseTopic = p.Name + "/assistant_response"
		}
		if p.TemplateTopic == "" {
			p.TemplateTopic = p.Name + "/template"
		}
		if p.ControlTopic == "" {
			p.ControlTopic = p.Name + "/control"
		}
	}
}

// Validate reports every configuration problem at once. A deployment
// with an invalid config must not start.
func (c *Config) Validate() error {
	var errs []error

	switch c.Transport {
	case TransportBroker, TransportDirect:
	default:
		errs = append(errs, fmt.Errorf("transport %q is not one of %q, %q", c.Transport, TransportBroker, TransportDirect))
	}

	if c.Inference.URL == "" {
		errs = append(errs, errors.New("inference.url is required"))
	} else if !strings.HasPrefix(c.Inference.URL, "http://") && !strings.HasPrefix(c.Inference.URL, "https://") {
		errs = append(errs, fmt.Errorf("inference.url %q must be http or https", c.Inference.URL))
	}
	if c.Inference.Timeout < 0 {
		errs = append(errs, errors.New("inference.timeout must not be negative"))
	}
	if c.Dispatch.StatsInterval < 0 {
		errs = append(errs, errors.New("dispatch.stats_interval must not be negative"))
	}
	for _, d := range []struct {
		name string
		val  time.Duration
	}{
		{"inference.probe_timeout", c.Inference.ProbeTimeout},
		{"sessions.idle_ttl", c.Sessions.IdleTTL},
		{"sessions.sweep_interval", c.Sessions.SweepInterval},
		{"rate_limit.window", c.RateLimit.Window},
		{"broker.status_interval", c.Broker.StatusInterval},
	} {
		if d.val <= 0 {
			errs = append(errs, fmt.Errorf("%s %v must be positive", d.name, d.val))
		}
	}

	switch c.Sessions.TrimMode {
	case TrimPairs:
		if c.Sessions.HistoryPairs < 1 {
			errs = append(errs, errors.New("sessions.history_pairs must be at least 1"))
		}
	case TrimTokens:
		if c.Sessions.HistoryTokens < 1 {
			errs = append(errs, errors.New("sessions.history_tokens must be at least 1"))
		}
	default:
		errs = append(errs, fmt.Errorf("sessions.trim_mode %q is not one of %q, %q", c.Sessions.TrimMode, TrimPairs, TrimTokens))
	}
	if c.Sessions.MaxSessions < 0 {
		errs = append(errs, errors.New("sessions.max_sessions must not be negative"))
	}

	if c.Dispatch.Workers < 1 {
		errs = append(errs, errors.New("dispatch.workers must be at least 1"))
	}
	if c.Dispatch.QueueSize < 1 {
		errs = append(errs, errors.New("dispatch.queue_size must be at least 1"))
	}
	if c.Dispatch.PublishQueueSize < 1 {
		errs = append(errs, errors.New("dispatch.publish_queue_size must be at least 1"))
	}
	if c.Dispatch.MaxInflight < 1 {
		errs = append(errs, errors.New("dispatch.max_inflight must be at least 1"))
	}

	for name, q := range map[string]byte{
		"inbound": c.Broker.QoS.Inbound,
		"priming": c.Broker.QoS.Priming,
		"update":  c.Broker.QoS.Update,
	} {
		if q > 2 {
			errs = append(errs, fmt.Errorf("broker.qos.%s %d must be 0, 1 or 2", name, q))
		}
	}

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format %q must be text or json", c.LogFormat))
	}

	seen := make(map[string]bool)
	for i, p := range c.Projects {
		if p.Name == "" {
			errs = append(errs, fmt.Errorf("projects[%d]: name is required", i))
			continue
		}
		if strings.ContainsAny(p.Name, "/#+") {
			errs = append(errs, fmt.Errorf("project %q: name must not contain '/', '#' or '+'", p.Name))
		}
		if seen[p.Name] {
			errs = append(errs, fmt.Errorf("project %q: duplicate name", p.Name))
		}
		seen[p.Name] = true
	}

	if c.Transport == TransportBroker {
		if c.Broker.URL == "" {
			errs = append(errs, errors.New("broker.url is required for the broker transport"))
		}
		if len(c.EnabledProjects()) == 0 {
			errs = append(errs, errors.New("broker transport needs at least one enabled project"))
		}
		if c.Broker.KeepAlive < time.Second || c.Broker.KeepAlive > math.MaxUint16*time.Second {
			errs = append(errs, fmt.Errorf("broker.keep_alive %v must be between 1s and %ds", c.Broker.KeepAlive, math.MaxUint16))
		}
	}

	return errors.Join(errs...)
}
