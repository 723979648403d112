package broker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/European-XFEL/Karabo-sub009/errors"
)

// MQTTConfig configures an MQTT transport.
type MQTTConfig struct {
	// Server is a paho broker URL such as tcp://localhost:1883.
	Server   string
	Username string
	Password string
	ClientID string
	// MaxReconnectInterval caps paho's reconnect backoff.
	MaxReconnectInterval time.Duration
	ConnectTimeout       time.Duration
}

// MQTTTransport publishes with QoS 0, which matches the at-most-once
// contract. Subject tokens become topic levels.
type MQTTTransport struct {
	cfg    MQTTConfig
	logger *slog.Logger
	client paho.Client

	mu   sync.Mutex
	subs map[string]*mqttSub
}

type mqttSub struct {
	t       *MQTTTransport
	topic   string
	handler paho.MessageHandler
}

// NewMQTTTransport creates the paho client; Connect dials.
func NewMQTTTransport(cfg MQTTConfig, logger *slog.Logger) *MQTTTransport {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "karabo-" + uuid.NewString()[:8]
	}
	if cfg.MaxReconnectInterval <= 0 {
		cfg.MaxReconnectInterval = 30 * time.Second
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	t := &MQTTTransport{
		cfg:    cfg,
		logger: logger.With("component", "mqtt-transport"),
		subs:   make(map[string]*mqttSub),
	}
	opts := paho.NewClientOptions()
	opts.AddBroker(cfg.Server)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetClientID(cfg.ClientID)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(cfg.ConnectTimeout)
	opts.SetMaxReconnectInterval(cfg.MaxReconnectInterval)
	opts.SetOrderMatters(true)
	opts.SetOnConnectHandler(t.onConnected)
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		t.logger.Warn("MQTT connection lost", "error", err)
	})
	t.client = paho.NewClient(opts)
	return t
}

func (t *MQTTTransport) Connect(ctx context.Context) error {
	token := t.client.Connect()
	if err := waitToken(ctx, token); err != nil {
		return errors.WrapTransient(err, "MQTTTransport", "Connect", "connect "+t.cfg.Server)
	}
	return nil
}

// onConnected restores subscriptions after a reconnect.
func (t *MQTTTransport) onConnected(c paho.Client) {
	t.mu.Lock()
	subs := make([]*mqttSub, 0, len(t.subs))
	for _, s := range t.subs {
		subs = append(subs, s)
	}
	t.mu.Unlock()
	for _, s := range subs {
		if tok := c.Subscribe(s.topic, 0, s.handler); tok.Wait() && tok.Error() != nil {
			t.logger.Error("resubscribe failed", "topic", s.topic, "error", tok.Error())
		}
	}
}

func (t *MQTTTransport) Publish(ctx context.Context, subject string, msg *Message) error {
	data, err := msg.Encode()
	if err != nil {
		return errors.WrapInvalid(err, "MQTTTransport", "Publish", "encode message")
	}
	if !t.client.IsConnectionOpen() {
		return errors.WrapTransient(errors.ErrNoConnection, "MQTTTransport", "Publish", "publish "+subject)
	}
	if err := waitToken(ctx, t.client.Publish(SubjectToTopic(subject), 0, false, data)); err != nil {
		return errors.WrapTransient(err, "MQTTTransport", "Publish", "publish "+subject)
	}
	return nil
}

func (t *MQTTTransport) Subscribe(ctx context.Context, subject string, h Handler) (Subscription, error) {
	topic := SubjectToTopic(subject)
	s := &mqttSub{t: t, topic: topic}
	s.handler = func(_ paho.Client, pm paho.Message) {
		m, err := Decode(TopicToSubject(pm.Topic()), pm.Payload())
		if err != nil {
			t.logger.Warn("dropping undecodable message", "topic", pm.Topic(), "error", err)
			return
		}
		h(ctx, m)
	}
	if err := waitToken(ctx, t.client.Subscribe(topic, 0, s.handler)); err != nil {
		return nil, errors.WrapTransient(err, "MQTTTransport", "Subscribe", "subscribe "+topic)
	}
	t.mu.Lock()
	t.subs[topic] = s
	t.mu.Unlock()
	return s, nil
}

func (s *mqttSub) Unsubscribe() error {
	s.t.mu.Lock()
	delete(s.t.subs, s.topic)
	s.t.mu.Unlock()
	return waitToken(context.Background(), s.t.client.Unsubscribe(s.topic))
}

func (t *MQTTTransport) Close(context.Context) error {
	t.client.Disconnect(250)
	return nil
}

func waitToken(ctx context.Context, token paho.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SubjectToTopic converts a dotted subject with NATS wildcards to an MQTT
// topic filter. A "/" inside a token is escaped so it does not open a level.
func SubjectToTopic(subject string) string {
	toks := strings.Split(subject, ".")
	for i, tok := range toks {
		switch tok {
		case "*":
			toks[i] = "+"
		case ">":
			toks[i] = "#"
		default:
			toks[i] = strings.ReplaceAll(tok, "/", "%2F")
		}
	}
	return strings.Join(toks, "/")
}

// TopicToSubject reverses SubjectToTopic for concrete topics.
func TopicToSubject(topic string) string {
	toks := strings.Split(topic, "/")
	for i, tok := range toks {
		toks[i] = strings.ReplaceAll(tok, "%2F", "/")
	}
	return strings.Join(toks, ".")
}

// String describes the transport for logs.
func (t *MQTTTransport) String() string { return fmt.Sprintf("mqtt(%s)", t.cfg.Server) }
