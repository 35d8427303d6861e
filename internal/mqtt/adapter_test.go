package mqtt

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/eclipse/paho.golang/paho"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nugget/lamrelay/internal/config"
	"github.com/nugget/lamrelay/internal/dispatch"
	"github.com/nugget/lamrelay/internal/metrics"
	"github.com/nugget/lamrelay/internal/session"
)

type fakeQueue struct {
	mu       sync.Mutex
	items    []dispatch.WorkItem
	rejected []dispatch.WorkItem
	full     bool
}

func (q *fakeQueue) Enqueue(item dispatch.WorkItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.full {
		return dispatch.ErrQueueFull
	}
	q.items = append(q.items, item)
	return nil
}

func (q *fakeQueue) Reject(item dispatch.WorkItem, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.rejected = append(q.rejected, item)
}

type promptCall struct {
	key    session.Key
	prompt string
	reset  bool
}

type fakeSessions struct {
	mu      sync.Mutex
	prompts []promptCall
	project []promptCall
	resets  []session.Key
	deletes []session.Key
}

func (s *fakeSessions) SetSystemPrompt(key session.Key, prompt string, reset bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts = append(s.prompts, promptCall{key, prompt, reset})
}

func (s *fakeSessions) ApplyProjectPrompt(project, prompt string, reset bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.project = append(s.project, promptCall{session.Key{Project: project}, prompt, reset})
	return 3
}

func (s *fakeSessions) Reset(key session.Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resets = append(s.resets, key)
	return true
}

func (s *fakeSessions) Delete(key session.Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletes = append(s.deletes, key)
	return true
}

type fakePublisher struct {
	ch chan *paho.Publish
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{ch: make(chan *paho.Publish, 16)}
}

func (p *fakePublisher) Publish(_ context.Context, pub *paho.Publish) (*paho.PublishResponse, error) {
	p.ch <- pub
	return &paho.PublishResponse{}, nil
}

func (p *fakePublisher) next(t *testing.T) *paho.Publish {
	t.Helper()
	select {
	case pub := <-p.ch:
		return pub
	case <-time.After(2 * time.Second):
		t.Fatal("no publish within 2s")
		return nil
	}
}

type fixture struct {
	adapter  *Adapter
	queue    *fakeQueue
	sessions *fakeSessions
	prompts  *dispatch.PromptRegistry
	pub      *fakePublisher
	reg      *prometheus.Registry
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	disabled := false
	reg := prometheus.NewRegistry()
	f := &fixture{
		queue:    &fakeQueue{},
		sessions: &fakeSessions{},
		prompts:  dispatch.NewPromptRegistry(map[string]string{"maze": "You guide a maze runner."}, ""),
		pub:      newFakePublisher(),
		reg:      reg,
	}
	cfg := Config{
		Broker: config.BrokerConfig{
			URL: "mqtt://localhost:1883",
			QoS: config.QoSConfig{Inbound: 1, Priming: 1, Update: 0},
		},
		Projects: []config.ProjectConfig{
			{
				Name:          "maze",
				UserTopic:     "maze/user_input",
				ResponseTopic: "maze/assistant_response",
				TemplateTopic: "maze/template",
				ControlTopic:  "maze/control",
				Priority:      5,
			},
			{
				Name:          "off",
				UserTopic:     "off/user_input",
				ResponseTopic: "off/assistant_response",
				TemplateTopic: "off/template",
				ControlTopic:  "off/control",
				Enabled:       &disabled,
			},
		},
		ClientID: "lamrelay-test",
		Queue:    f.queue,
		Sessions: f.sessions,
		Prompts:  f.prompts,
		Metrics:  metrics.MustNewMetrics(reg),
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	a, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	a.setPublisher(f.pub)
	f.adapter = a
	return f
}

func TestAdapter_Subscriptions(t *testing.T) {
	f := newFixture(t, nil)
	got := f.adapter.subscriptions()
	want := []paho.SubscribeOptions{
		{Topic: "maze/user_input", QoS: 1},
		{Topic: "maze/template", QoS: 1},
		{Topic: "maze/template/+", QoS: 1},
		{Topic: "maze/control", QoS: 1},
	}
	if len(got) != len(want) {
		t.Fatalf("subscriptions() = %+v, want %+v", got, want)
	}
	for i := range want {
		if got[i].Topic != want[i].Topic || got[i].QoS != want[i].QoS {
			t.Errorf("subscription %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestAdapter_UserMessageEnqueued(t *testing.T) {
	f := newFixture(t, nil)
	f.adapter.handle(t.Context(), "maze/user_input", []byte(`{
		"sessionId": 17,
		"message": "where now?",
		"temperature": 0.2,
		"maxTokens": 64,
		"clientId": "c1",
		"requestId": "r1",
		"replyTopic": "maze/assistant_response/17/c1/r1",
		"priming": true
	}`))

	if len(f.queue.items) != 1 {
		t.Fatalf("enqueued %d items, want 1", len(f.queue.items))
	}
	item := f.queue.items[0]
	if item.Project != "maze" || item.SessionID != "17" || item.Text != "where now?" {
		t.Errorf("item = %+v", item)
	}
	if item.Reply.Topic != "maze/assistant_response/17/c1/r1" {
		t.Errorf("reply topic = %q", item.Reply.Topic)
	}
	if item.Sampling.Temperature != 0.2 || item.Sampling.MaxTokens != 64 || item.Sampling.TopP != 0 {
		t.Errorf("sampling = %+v", item.Sampling)
	}
	if item.Class != dispatch.ClassPriming || item.Priority != 5 {
		t.Errorf("class/priority = %v/%d, want priming/5", item.Class, item.Priority)
	}
	if item.ClientID != "c1" || item.RequestID != "r1" {
		t.Errorf("identity = %q/%q", item.ClientID, item.RequestID)
	}
}

func TestAdapter_PriorityOverride(t *testing.T) {
	f := newFixture(t, nil)
	f.adapter.handle(t.Context(), "maze/user_input", []byte(`{"sessionId":"s1","message":"x","priority":0}`))
	if got := f.queue.items[0].Priority; got != 0 {
		t.Errorf("Priority = %d, want 0 from payload", got)
	}
}

func TestAdapter_DiscardsBadMessages(t *testing.T) {
	f := newFixture(t, nil)
	for _, payload := range []string{
		"not json at all",
		`{"sessionId":"s1","message":"   "}`,
		`{"sessionId":"s1"}`,
	} {
		f.adapter.handle(t.Context(), "maze/user_input", []byte(payload))
	}
	f.adapter.handle(t.Context(), "off/user_input", []byte(`{"message":"ignored"}`))
	f.adapter.handle(t.Context(), "elsewhere", []byte(`{"message":"ignored"}`))

	if len(f.queue.items) != 0 {
		t.Errorf("enqueued %d items, want 0", len(f.queue.items))
	}
	if got := counterValue(t, f.reg, "lamrelay_broker_malformed_total"); got != 3 {
		t.Errorf("malformed count = %v, want 3", got)
	}
}

// counterValue sums every series of a counter family.
func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error: %v", err)
	}
	var total float64
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func TestAdapter_QueueFullRejects(t *testing.T) {
	f := newFixture(t, nil)
	f.queue.full = true
	f.adapter.handle(t.Context(), "maze/user_input", []byte(`{"sessionId":"s1","message":"hi"}`))

	if len(f.queue.rejected) != 1 {
		t.Fatalf("rejected %d items, want 1", len(f.queue.rejected))
	}
	if got := f.queue.rejected[0].Reply.Topic; got != "maze/assistant_response/s1" {
		t.Errorf("rejected reply topic = %q", got)
	}
}

func TestAdapter_TemplateForSession(t *testing.T) {
	f := newFixture(t, nil)
	f.adapter.handle(t.Context(), "maze/template/s1", []byte(`{"prompt_template":"Be a pirate.","reset":false}`))

	if len(f.sessions.prompts) != 1 {
		t.Fatalf("SetSystemPrompt calls = %d, want 1", len(f.sessions.prompts))
	}
	call := f.sessions.prompts[0]
	if call.key != (session.Key{Project: "maze", ID: "s1"}) || call.prompt != "Be a pirate." || call.reset {
		t.Errorf("SetSystemPrompt = %+v", call)
	}

	ack := f.pub.next(t)
	if ack.Topic != "maze/assistant_response/s1" || ack.QoS != 1 {
		t.Errorf("ack topic/qos = %q/%d", ack.Topic, ack.QoS)
	}
	var r reply
	if err := json.Unmarshal(ack.Payload, &r); err != nil || r.Status != "ok" {
		t.Errorf("ack payload = %s (%v)", ack.Payload, err)
	}
}

func TestAdapter_TemplatePayloadSessionWins(t *testing.T) {
	f := newFixture(t, nil)
	f.adapter.handle(t.Context(), "maze/template", []byte(`{"system_prompt":"P","sessionId":"s2"}`))
	f.pub.next(t)
	if len(f.sessions.prompts) != 1 || f.sessions.prompts[0].key.ID != "s2" || !f.sessions.prompts[0].reset {
		t.Errorf("SetSystemPrompt = %+v, want s2 with reset", f.sessions.prompts)
	}
}

func TestAdapter_TemplateForProject(t *testing.T) {
	f := newFixture(t, nil)
	f.adapter.handle(t.Context(), "maze/template", []byte(`{"system_prompt":"New rules."}`))
	f.pub.next(t)

	if got := f.prompts.Resolve("maze", ""); got != "New rules." {
		t.Errorf("Resolve() = %q, want project override", got)
	}
	if len(f.sessions.project) != 1 || !f.sessions.project[0].reset {
		t.Errorf("ApplyProjectPrompt = %+v, want one call with reset", f.sessions.project)
	}
}

func TestAdapter_Control(t *testing.T) {
	f := newFixture(t, nil)
	f.adapter.handle(t.Context(), "maze/control", []byte(`{"action":"reset","sessionId":"s1"}`))
	f.adapter.handle(t.Context(), "maze/control", []byte(`{"action":"delete","sessionId":"s2"}`))

	if len(f.sessions.resets) != 1 || f.sessions.resets[0].ID != "s1" {
		t.Errorf("resets = %+v", f.sessions.resets)
	}
	if len(f.sessions.deletes) != 1 || f.sessions.deletes[0].ID != "s2" {
		t.Errorf("deletes = %+v", f.sessions.deletes)
	}
}

func TestAdapter_DeliverQoSByClass(t *testing.T) {
	f := newFixture(t, nil)
	tests := []struct {
		class dispatch.Class
		want  byte
	}{
		{dispatch.ClassUpdate, 0},
		{dispatch.ClassPriming, 1},
	}
	for _, tt := range tests {
		err := f.adapter.Deliver(t.Context(), dispatch.Result{
			Item: dispatch.WorkItem{
				Project:   "maze",
				SessionID: "s1",
				Class:     tt.class,
				Reply:     dispatch.ReplyTo{Topic: "maze/assistant_response/s1"},
			},
			Text: "left",
		})
		if err != nil {
			t.Fatalf("Deliver() error: %v", err)
		}
		pub := f.pub.next(t)
		if pub.QoS != tt.want || pub.Retain {
			t.Errorf("class %v: qos/retain = %d/%v, want %d/false", tt.class, pub.QoS, pub.Retain, tt.want)
		}
		if pub.Topic != "maze/assistant_response/s1" {
			t.Errorf("topic = %q", pub.Topic)
		}
	}
}

func TestAdapter_DeliverNotConnected(t *testing.T) {
	f := newFixture(t, nil)
	f.adapter.setPublisher(nil)
	err := f.adapter.Deliver(t.Context(), dispatch.Result{Item: dispatch.WorkItem{Reply: dispatch.ReplyTo{Topic: "t"}}})
	if err != ErrNotConnected {
		t.Errorf("Deliver() error = %v, want ErrNotConnected", err)
	}
}

func TestAdapter_InboundFloodGuard(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.Broker.MaxInboundPerSecond = 2 })
	for range 5 {
		f.adapter.handle(t.Context(), "maze/user_input", []byte(`{"sessionId":"s1","message":"hi"}`))
	}
	if len(f.queue.items) != 2 {
		t.Errorf("enqueued %d items, want 2", len(f.queue.items))
	}
	if got := f.adapter.guard.dropped.Load(); got != 3 {
		t.Errorf("dropped = %d, want 3", got)
	}
	if got := counterValue(t, f.reg, "lamrelay_broker_inbound_dropped_total"); got != 3 {
		t.Errorf("inbound dropped metric = %v, want 3", got)
	}
}

type fakeStats struct{}

func (fakeStats) Uptime() time.Duration { return 90 * time.Second }
func (fakeStats) Version() string { return "1.2.3" }
func (fakeStats) ActiveSessions() int { return 4 }
func (fakeStats) DispatchStats() dispatch.Stats {
	return dispatch.Stats{Processed: 10, QueueCapacity: 100}
}

func TestAdapter_Status(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.Stats = fakeStats{} })
	if got := f.adapter.StatusTopic(); got != "lamrelay/lamrelay-test/status" {
		t.Errorf("StatusTopic() = %q", got)
	}

	f.adapter.publishStatus(t.Context(), stateOnline)
	pub := f.pub.next(t)
	if !pub.Retain || pub.Topic != f.adapter.StatusTopic() {
		t.Errorf("status publish topic/retain = %q/%v", pub.Topic, pub.Retain)
	}
	var s Status
	if err := json.Unmarshal(pub.Payload, &s); err != nil {
		t.Fatal(err)
	}
	if s.State != stateOnline || s.ActiveSessions != 4 || s.Version != "1.2.3" || s.Dispatch == nil || s.Dispatch.Processed != 10 {
		t.Errorf("status = %+v", s)
	}

	offline := f.adapter.status(stateOffline)
	if offline.Dispatch != nil || offline.Version != "" {
		t.Errorf("offline status = %+v, want identity only", offline)
	}
}
