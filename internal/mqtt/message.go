package mqtt

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/lamrelay/internal/dispatch"
	"github.com/nugget/lamrelay/internal/llm"
)

var (
	errMalformed   = errors.New("malformed payload")
	errEmptyText   = errors.New("message is empty")
	errNoPrompt    = errors.New("template has no prompt")
	errBadAction   = errors.New("unknown control action")
	errNoSession   = errors.New("control message has no sessionId")
	errBadOverride = errors.New("replyTopic override ignored")
)

// userMessage is the inbound JSON on a project's user topic.
type userMessage struct {
	SessionID    json.RawMessage `json:"sessionId"`
	Message      string          `json:"message"`
	State        json.RawMessage `json:"state"`
	Temperature  float64         `json:"temperature"`
	TopP         float64         `json:"topP"`
	MaxTokens    int             `json:"maxTokens"`
	SystemPrompt string          `json:"systemPrompt"`
	ReplyTopic   string          `json:"replyTopic"`
	ClientID     string          `json:"clientId"`
	RequestID    string          `json:"requestId"`
	Priority     *int            `json:"priority"`
	Priming      bool            `json:"priming"`
}

func parseUserMessage(payload []byte) (*userMessage, error) {
	var m userMessage
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformed, err)
	}
	return &m, nil
}

// sampling returns the per-message overrides; zero fields fall back to
// the deployment defaults.
func (m *userMessage) sampling() llm.Sampling {
	return llm.Sampling{Temperature: m.Temperature, TopP: m.TopP, MaxTokens: m.MaxTokens}
}

// text returns the message, or the state object rendered as compact
// JSON when the message is blank.
func (m *userMessage) text() string {
	if strings.TrimSpace(m.Message) != "" {
		return m.Message
	}
	if len(m.State) == 0 || string(m.State) == "null" {
		return ""
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, m.State); err != nil {
		return ""
	}
	return buf.String()
}

// sessionID returns a usable session id from a raw JSON value. Strings
// are trimmed; numbers keep their literal text; a missing or blank id
// yields "".
func sessionID(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	return string(raw)
}

// normalizeSessionID is [sessionID] with a generated fallback.
func normalizeSessionID(raw json.RawMessage) string {
	if id := sessionID(raw); id != "" {
		return id
	}
	return "default-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// resolveReplyTopic returns base/sessionID unless override is a usable
// topic under base. A rejected override is reported in err alongside
// the fallback topic.
func resolveReplyTopic(base, sessionID, override string) (string, error) {
	fallback := base + "/" + sessionID
	candidate := strings.TrimSpace(override)
	if candidate == "" {
		return fallback, nil
	}
	if strings.ContainsAny(candidate, "+#") {
		return fallback, fmt.Errorf("%w: %q contains wildcards", errBadOverride, candidate)
	}
	prefix := base + "/"
	if !strings.HasPrefix(candidate, prefix) {
		return fallback, fmt.Errorf("%w: %q is not under %q", errBadOverride, candidate, prefix)
	}
	if strings.Trim(candidate[len(prefix):], "/") == "" {
		return fallback, fmt.Errorf("%w: %q has no session segment", errBadOverride, candidate)
	}
	return candidate, nil
}

// templateMessage installs a system prompt for one session or a whole
// project.
type templateMessage struct {
	PromptTemplate string          `json:"prompt_template"`
	SystemPrompt   string          `json:"system_prompt"`
	SessionID      json.RawMessage `json:"sessionId"`
	Reset          *bool           `json:"reset"`
}

func parseTemplateMessage(payload []byte) (*templateMessage, error) {
	var m templateMessage
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformed, err)
	}
	if m.prompt() == "" {
		return nil, errNoPrompt
	}
	return &m, nil
}

func (m *templateMessage) prompt() string {
	if p := strings.TrimSpace(m.PromptTemplate); p != "" {
		return p
	}
	return strings.TrimSpace(m.SystemPrompt)
}

func (m *templateMessage) reset() bool {
	return m.Reset == nil || *m.Reset
}

// Control actions.
const (
	actionReset  = "reset"
	actionDelete = "delete"
)

type controlMessage struct {
	Action    string          `json:"action"`
	SessionID json.RawMessage `json:"sessionId"`
}

func parseControlMessage(payload []byte) (action, session string, err error) {
	var m controlMessage
	if err := json.Unmarshal(payload, &m); err != nil {
		return "", "", fmt.Errorf("%w: %v", errMalformed, err)
	}
	action = strings.ToLower(strings.TrimSpace(m.Action))
	if action != actionReset && action != actionDelete {
		return "", "", fmt.Errorf("%w: %q", errBadAction, m.Action)
	}
	session = sessionID(m.SessionID)
	if session == "" {
		return "", "", errNoSession
	}
	return action, session, nil
}

// reply is the outbound JSON published to a reply topic.
type reply struct {
	Response  string  `json:"response"`
	Status    string  `json:"status"`
	Error     string  `json:"error,omitempty"`
	SessionID string  `json:"sessionId"`
	Project   string  `json:"project"`
	RequestID string  `json:"requestId,omitempty"`
	ClientID  string  `json:"clientId,omitempty"`
	Timestamp float64 `json:"timestamp"`
}

func newReply(res dispatch.Result) reply {
	r := reply{
		Response:  res.Text,
		Status:    res.Outcome.String(),
		SessionID: res.Item.SessionID,
		Project:   res.Item.Project,
		RequestID: res.Item.RequestID,
		ClientID:  res.Item.ClientID,
		Timestamp: unixSeconds(res.CompletedAt),
	}
	if res.Err != nil {
		r.Error = res.Err.Error()
	}
	return r
}

func unixSeconds(t time.Time) float64 {
	if t.IsZero() {
		t = time.Now()
	}
	return float64(t.UnixNano()) / float64(time.Second)
}
