package mqtt

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/nugget/lamrelay/internal/dispatch"
)

func TestSessionID(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{`"s1"`, "s1"},
		{`"  padded  "`, "padded"},
		{`42`, "42"},
		{`7.5`, "7.5"},
		{`""`, ""},
		{`null`, ""},
		{``, ""},
	}
	for _, tt := range tests {
		if got := sessionID(json.RawMessage(tt.raw)); got != tt.want {
			t.Errorf("sessionID(%s) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}

func TestNormalizeSessionID_Fallback(t *testing.T) {
	got := normalizeSessionID(nil)
	if !strings.HasPrefix(got, "default-") || len(got) != len("default-")+8 {
		t.Errorf("normalizeSessionID(nil) = %q, want default-xxxxxxxx", got)
	}
	if other := normalizeSessionID(json.RawMessage(`" "`)); other == got {
		t.Errorf("fallback ids should differ, both %q", got)
	}
}

func TestResolveReplyTopic(t *testing.T) {
	const base = "maze/assistant_response"
	tests := []struct {
		name     string
		override string
		want     string
		rejected bool
	}{
		{"no override", "", base + "/s1", false},
		{"valid", base + "/s1/client7/req3", base + "/s1/client7/req3", false},
		{"other session allowed", base + "/s9", base + "/s9", false},
		{"wildcard plus", base + "/+", base + "/s1", true},
		{"wildcard hash", base + "/#", base + "/s1", true},
		{"wrong prefix", "other/assistant_response/s1", base + "/s1", true},
		{"prefix without slash", base + "x/s1", base + "/s1", true},
		{"no session segment", base + "/", base + "/s1", true},
		{"only slashes", base + "///", base + "/s1", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := resolveReplyTopic(base, "s1", tt.override)
			if got != tt.want {
				t.Errorf("resolveReplyTopic() = %q, want %q", got, tt.want)
			}
			if (err != nil) != tt.rejected {
				t.Errorf("resolveReplyTopic() error = %v, rejected want %v", err, tt.rejected)
			}
			if err != nil && !errors.Is(err, errBadOverride) {
				t.Errorf("error = %v, want errBadOverride", err)
			}
		})
	}
}

func TestUserMessageText(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    string
	}{
		{"message", `{"message":"go north"}`, "go north"},
		{"state when blank", `{"message":" ","state":{"x": 1, "y": [2, 3]}}`, `{"x":1,"y":[2,3]}`},
		{"message wins", `{"message":"hi","state":{"x":1}}`, "hi"},
		{"neither", `{"sessionId":"s1"}`, ""},
		{"null state", `{"state":null}`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := parseUserMessage([]byte(tt.payload))
			if err != nil {
				t.Fatalf("parseUserMessage() error: %v", err)
			}
			if got := m.text(); got != tt.want {
				t.Errorf("text() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseUserMessage_Malformed(t *testing.T) {
	for _, payload := range []string{"plain text", `{"message":`, `{"message":5}`} {
		if _, err := parseUserMessage([]byte(payload)); !errors.Is(err, errMalformed) {
			t.Errorf("parseUserMessage(%q) error = %v, want errMalformed", payload, err)
		}
	}
}

func TestParseTemplateMessage(t *testing.T) {
	m, err := parseTemplateMessage([]byte(`{"system_prompt":"Be terse."}`))
	if err != nil {
		t.Fatalf("parseTemplateMessage() error: %v", err)
	}
	if m.prompt() != "Be terse." || !m.reset() {
		t.Errorf("prompt/reset = %q/%v, want Be terse./true", m.prompt(), m.reset())
	}

	m, err = parseTemplateMessage([]byte(`{"prompt_template":"A","system_prompt":"B","reset":false}`))
	if err != nil {
		t.Fatalf("parseTemplateMessage() error: %v", err)
	}
	if m.prompt() != "A" || m.reset() {
		t.Errorf("prompt/reset = %q/%v, want A/false", m.prompt(), m.reset())
	}

	if _, err := parseTemplateMessage([]byte(`{"sessionId":"s1"}`)); !errors.Is(err, errNoPrompt) {
		t.Errorf("missing prompt error = %v, want errNoPrompt", err)
	}
}

func TestParseControlMessage(t *testing.T) {
	tests := []struct {
		payload    string
		wantAction string
		wantErr    error
	}{
		{`{"action":"reset","sessionId":"s1"}`, actionReset, nil},
		{`{"action":"DELETE","sessionId":12}`, actionDelete, nil},
		{`{"action":"explode","sessionId":"s1"}`, "", errBadAction},
		{`{"action":"reset"}`, "", errNoSession},
		{`nope`, "", errMalformed},
	}
	for _, tt := range tests {
		action, _, err := parseControlMessage([]byte(tt.payload))
		if !errors.Is(err, tt.wantErr) && !(err == nil && tt.wantErr == nil) {
			t.Errorf("parseControlMessage(%s) error = %v, want %v", tt.payload, err, tt.wantErr)
		}
		if action != tt.wantAction {
			t.Errorf("parseControlMessage(%s) action = %q, want %q", tt.payload, action, tt.wantAction)
		}
	}
}

func TestNewReply(t *testing.T) {
	done := time.Unix(1700000000, 500_000_000)
	r := newReply(dispatch.Result{
		Item: dispatch.WorkItem{
			Project:   "maze",
			SessionID: "s1",
			RequestID: "r1",
			ClientID:  "c1",
		},
		Outcome:     dispatch.OutcomeRateLimited,
		Err:         dispatch.ErrRateLimited,
		CompletedAt: done,
	})
	if r.Status != "rate_limited" || r.Error != dispatch.ErrRateLimited.Error() {
		t.Errorf("status/error = %q/%q", r.Status, r.Error)
	}
	if r.Timestamp != 1700000000.5 {
		t.Errorf("Timestamp = %v, want 1700000000.5", r.Timestamp)
	}

	b, err := json.Marshal(newReply(dispatch.Result{Item: dispatch.WorkItem{Project: "maze", SessionID: "s1"}, Text: "left"}))
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]any
	json.Unmarshal(b, &m)
	for _, k := range []string{"error", "requestId", "clientId"} {
		if _, ok := m[k]; ok {
			t.Errorf("reply without %s should omit it: %s", k, b)
		}
	}
	if m["response"] != "left" || m["status"] != "ok" || m["sessionId"] != "s1" {
		t.Errorf("reply = %s", b)
	}
}
