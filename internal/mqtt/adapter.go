package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/lamrelay/internal/config"
	"github.com/nugget/lamrelay/internal/dispatch"
	"github.com/nugget/lamrelay/internal/metrics"
	"github.com/nugget/lamrelay/internal/session"
)

// ErrNotConnected is returned by Deliver before the first connection.
var ErrNotConnected = errors.New("mqtt not connected")

// Enqueuer accepts work. *dispatch.Dispatcher satisfies it.
type Enqueuer interface {
	Enqueue(item dispatch.WorkItem) error
	Reject(item dispatch.WorkItem, err error)
}

// SessionControl is the part of the session manager that template and
// control messages drive. *session.Manager satisfies it.
type SessionControl interface {
	SetSystemPrompt(key session.Key, prompt string, reset bool)
	ApplyProjectPrompt(project, prompt string, reset bool) int
	Reset(key session.Key) bool
	Delete(key session.Key) bool
}

type publisher interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
}

// Config wires an [Adapter].
type Config struct {
	Broker   config.BrokerConfig
	Projects []config.ProjectConfig
	// ClientID is the resolved MQTT client id; see [ClientID].
	ClientID string

	Queue    Enqueuer
	Sessions SessionControl
	Prompts  *dispatch.PromptRegistry
	Stats    StatsSource
	Tokens   *DailyTokens
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

type routeKind int

const (
	routeUser routeKind = iota
	routeTemplate
	routeControl
)

type route struct {
	project config.ProjectConfig
	kind    routeKind
}

// Adapter is the broker transport.
type Adapter struct {
	cfg       Config
	brokerURL *url.URL
	routes    map[string]route
	templates []route
	guard     *inboundGuard
	logger    *slog.Logger

	mu  sync.RWMutex
	pub publisher
	cm  *autopaho.ConnectionManager
}

// New validates the broker URL and builds the topic routing table. It
// does not connect; call [Adapter.Run].
func New(cfg Config) (*Adapter, error) {
	u, err := url.Parse(cfg.Broker.URL)
	if err != nil {
		return nil, fmt.Errorf("parse broker URL: %w", err)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	a := &Adapter{
		cfg:       cfg,
		brokerURL: u,
		routes:    make(map[string]route),
		logger:    cfg.Logger,
	}
	for _, p := range cfg.Projects {
		if !p.IsEnabled() {
			continue
		}
		a.routes[p.UserTopic] = route{project: p, kind: routeUser}
		a.routes[p.TemplateTopic] = route{project: p, kind: routeTemplate}
		a.routes[p.ControlTopic] = route{project: p, kind: routeControl}
		a.templates = append(a.templates, route{project: p, kind: routeTemplate})
	}
	a.guard = newInboundGuard(cfg.Broker.MaxInboundPerSecond, time.Second, cfg.Metrics.IncInboundDropped, cfg.Logger)
	return a, nil
}

// Name identifies the transport.
func (a *Adapter) Name() string { return config.TransportBroker }

// StatusTopic is where the retained status document lives.
func (a *Adapter) StatusTopic() string {
	return "lamrelay/" + a.cfg.ClientID + "/status"
}

// subscriptions lists every topic filter the adapter needs.
func (a *Adapter) subscriptions() []paho.SubscribeOptions {
	var subs []paho.SubscribeOptions
	for _, p := range a.cfg.Projects {
		if !p.IsEnabled() {
			continue
		}
		subs = append(subs,
			paho.SubscribeOptions{Topic: p.UserTopic, QoS: a.cfg.Broker.QoS.Inbound},
			paho.SubscribeOptions{Topic: p.TemplateTopic, QoS: a.cfg.Broker.QoS.Priming},
			paho.SubscribeOptions{Topic: p.TemplateTopic + "/+", QoS: a.cfg.Broker.QoS.Priming},
			paho.SubscribeOptions{Topic: p.ControlTopic, QoS: a.cfg.Broker.QoS.Priming},
		)
	}
	return subs
}

// Run connects, serves inbound messages and publishes status until ctx
// is cancelled. autopaho reconnects in the background; every
// reconnect re-subscribes.
func (a *Adapter) Run(ctx context.Context) error {
	will, err := a.statusPayload(stateOffline)
	if err != nil {
		return err
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{a.brokerURL},
		KeepAlive:       uint16(a.cfg.Broker.KeepAlive / time.Second),
		ConnectUsername: a.cfg.Broker.Username,
		ConnectPassword: []byte(a.cfg.Broker.Password),
		WillMessage: &paho.WillMessage{
			Topic:   a.StatusTopic(),
			Payload: will,
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			a.logger.Info("mqtt connected to broker", "broker", a.brokerURL.Redacted())
			a.setPublisher(cm)
			a.subscribe(ctx, cm)
			a.publishStatus(ctx, stateOnline)
		},
		OnConnectError: func(err error) {
			a.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: a.cfg.ClientID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					a.handle(ctx, pr.Packet.Topic, pr.Packet.Payload)
					return true, nil
				},
			},
			OnClientError: func(err error) {
				a.logger.Warn("mqtt client error", "error", err)
			},
		},
	}

	if a.brokerURL.Scheme == "mqtts" || a.brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	a.mu.Lock()
	a.cm = cm
	a.mu.Unlock()

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	if err := cm.AwaitConnection(connCtx); err != nil && ctx.Err() == nil {
		a.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}
	connCancel()

	go a.guard.run(ctx)
	a.statusLoop(ctx)

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	return a.stop(stopCtx, cm)
}

// stop publishes the offline status before disconnecting so consumers
// see a clean shutdown rather than a will.
func (a *Adapter) stop(ctx context.Context, cm *autopaho.ConnectionManager) error {
	a.publishStatus(ctx, stateOffline)
	if err := cm.Disconnect(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("mqtt disconnect: %w", err)
	}
	a.logger.Info("mqtt disconnected")
	return nil
}

// AwaitConnection blocks until the broker connection is up or ctx
// expires. Used by the health watcher.
func (a *Adapter) AwaitConnection(ctx context.Context) error {
	a.mu.RLock()
	cm := a.cm
	a.mu.RUnlock()
	if cm == nil {
		return ErrNotConnected
	}
	return cm.AwaitConnection(ctx)
}

func (a *Adapter) setPublisher(p publisher) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pub = p
}

func (a *Adapter) currentPublisher() publisher {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.pub
}

func (a *Adapter) subscribe(ctx context.Context, cm *autopaho.ConnectionManager) {
	subs := a.subscriptions()
	if len(subs) == 0 {
		return
	}
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{Subscriptions: subs}); err != nil {
		a.logger.Error("mqtt subscribe failed", "error", err)
		return
	}
	for _, s := range subs {
		a.logger.Debug("mqtt subscribed", "topic", s.Topic, "qos", s.QoS)
	}
	a.logger.Info("mqtt subscriptions active", "topics", len(subs))
}

func (a *Adapter) lookup(topic string) (route, string, bool) {
	if r, ok := a.routes[topic]; ok {
		return r, "", true
	}
	for _, r := range a.templates {
		prefix := r.project.TemplateTopic + "/"
		if suffix, ok := strings.CutPrefix(topic, prefix); ok && suffix != "" && !strings.Contains(suffix, "/") {
			return r, suffix, true
		}
	}
	return route{}, "", false
}

// handle routes one inbound message. It never blocks on inference.
func (a *Adapter) handle(ctx context.Context, topic string, payload []byte) {
	if !a.guard.allow() {
		return
	}
	r, suffix, ok := a.lookup(topic)
	if !ok {
		a.logger.Debug("mqtt message on unrouted topic", "topic", topic)
		return
	}

	var err error
	switch r.kind {
	case routeUser:
		err = a.handleUser(r.project, payload)
	case routeTemplate:
		err = a.handleTemplate(ctx, r.project, suffix, payload)
	case routeControl:
		err = a.handleControl(r.project, payload)
	}
	if err != nil {
		a.cfg.Metrics.IncMalformed(r.project.Name)
		a.logger.Warn("mqtt message discarded",
			"project", r.project.Name,
			"topic", topic,
			"payload_size", len(payload),
			"error", err,
		)
	}
}

func (a *Adapter) handleUser(p config.ProjectConfig, payload []byte) error {
	msg, err := parseUserMessage(payload)
	if err != nil {
		return err
	}
	text := msg.text()
	if strings.TrimSpace(text) == "" {
		return errEmptyText
	}

	sid := normalizeSessionID(msg.SessionID)
	topic, err := resolveReplyTopic(p.ResponseTopic, sid, msg.ReplyTopic)
	if err != nil {
		a.logger.Warn("mqtt reply topic override rejected",
			"project", p.Name,
			"session_id", sid,
			"error", err,
		)
	}

	item := dispatch.WorkItem{
		RequestID:    msg.RequestID,
		Project:      p.Name,
		SessionID:    sid,
		ClientID:     msg.ClientID,
		Text:         text,
		SystemPrompt: msg.SystemPrompt,
		Sampling:     msg.sampling(),
		Tools:        p.Tools,
		Stateless:    p.Stateless,
		Priority:     p.Priority,
		Reply:        dispatch.ReplyTo{Topic: topic},
		EnqueuedAt:   time.Now(),
	}
	if msg.Priority != nil {
		item.Priority = *msg.Priority
	}
	if msg.Priming {
		item.Class = dispatch.ClassPriming
	}

	a.logger.Log(context.Background(), config.LevelTrace, "mqtt user message",
		"project", p.Name,
		"session_id", sid,
		"client_id", msg.ClientID,
		"request_id", msg.RequestID,
		"text", text,
	)

	if err := a.cfg.Queue.Enqueue(item); err != nil {
		a.logger.Warn("work item rejected",
			"project", p.Name,
			"session_id", sid,
			"error", err,
		)
		a.cfg.Queue.Reject(item, err)
	}
	return nil
}

func (a *Adapter) handleTemplate(ctx context.Context, p config.ProjectConfig, topicSession string, payload []byte) error {
	msg, err := parseTemplateMessage(payload)
	if err != nil {
		return err
	}
	sid := sessionID(msg.SessionID)
	if sid == "" {
		sid = topicSession
	}
	prompt := msg.prompt()

	ack := reply{
		Response:  "template applied",
		Status:    "ok",
		SessionID: sid,
		Project:   p.Name,
		Timestamp: unixSeconds(time.Now()),
	}
	ackTopic := p.ResponseTopic
	if sid != "" {
		a.cfg.Sessions.SetSystemPrompt(session.Key{Project: p.Name, ID: sid}, prompt, msg.reset())
		ackTopic += "/" + sid
		a.logger.Info("session prompt set", "project", p.Name, "session_id", sid, "reset", msg.reset())
	} else {
		a.cfg.Prompts.Set(p.Name, prompt)
		n := a.cfg.Sessions.ApplyProjectPrompt(p.Name, prompt, msg.reset())
		a.logger.Info("project prompt set", "project", p.Name, "sessions_updated", n, "reset", msg.reset())
	}

	body, err := json.Marshal(ack)
	if err != nil {
		return fmt.Errorf("marshal template ack: %w", err)
	}
	// Publishing from inside the receive callback would wait on the
	// same client loop, so the ack goes out on its own goroutine.
	go func() {
		if err := a.publish(ctx, ackTopic, a.cfg.Broker.QoS.Priming, false, body); err != nil {
			a.logger.Warn("template ack publish failed", "project", p.Name, "topic", ackTopic, "error", err)
		}
	}()
	return nil
}

func (a *Adapter) handleControl(p config.ProjectConfig, payload []byte) error {
	action, sid, err := parseControlMessage(payload)
	if err != nil {
		return err
	}
	key := session.Key{Project: p.Name, ID: sid}
	var found bool
	switch action {
	case actionReset:
		found = a.cfg.Sessions.Reset(key)
	case actionDelete:
		found = a.cfg.Sessions.Delete(key)
	}
	a.logger.Info("session control", "project", p.Name, "session_id", sid, "action", action, "found", found)
	return nil
}

// Deliver publishes a dispatcher result to its reply topic. It
// satisfies [dispatch.Sink].
func (a *Adapter) Deliver(ctx context.Context, res dispatch.Result) error {
	body, err := json.Marshal(newReply(res))
	if err != nil {
		return fmt.Errorf("marshal reply: %w", err)
	}
	qos := a.cfg.Broker.QoS.Update
	if res.Item.Class == dispatch.ClassPriming {
		qos = a.cfg.Broker.QoS.Priming
	}
	return a.publish(ctx, res.Item.Reply.Topic, qos, false, body)
}

func (a *Adapter) publish(ctx context.Context, topic string, qos byte, retain bool, payload []byte) error {
	pub := a.currentPublisher()
	if pub == nil {
		return ErrNotConnected
	}
	if _, err := pub.Publish(ctx, &paho.Publish{
		Topic:   topic,
		QoS:     qos,
		Retain:  retain,
		Payload: payload,
	}); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	a.logger.Log(ctx, config.LevelTrace, "mqtt published", "topic", topic, "qos", qos, "payload", string(payload))
	return nil
}
