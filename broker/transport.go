package broker

import (
	"context"
	"fmt"
	"strings"
)

// Handler receives delivered messages. Handlers of one subscription run one
// at a time in delivery order.
type Handler func(ctx context.Context, msg *Message)

// Subscription is an active subject subscription.
type Subscription interface {
	Unsubscribe() error
}

// Transport is a subject based pub/sub fabric. Subjects are dot separated
// tokens; subscriptions may use "*" for one token and a trailing ">" for the
// rest, as in NATS.
type Transport interface {
	Connect(ctx context.Context) error
	Publish(ctx context.Context, subject string, msg *Message) error
	Subscribe(ctx context.Context, subject string, h Handler) (Subscription, error)
	Close(ctx context.Context) error
}

// Subjects builds the subjects of one broker topic.
type Subjects struct {
	Topic string
}

// Signal is where instance emits signal.
func (s Subjects) Signal(instance, signal string) string {
	return s.Topic + ".signals." + instance + "." + signal
}

// AllSignals matches every signal of instance.
func (s Subjects) AllSignals(instance string) string {
	return s.Topic + ".signals." + instance + ".*"
}

// Slot is where calls to instance are sent.
func (s Subjects) Slot(instance string) string {
	return s.Topic + ".slots." + instance
}

// Reply is where replies to requests made by instance are sent.
func (s Subjects) Reply(instance string) string {
	return s.Topic + ".replies." + instance
}

// Global carries broadcast slot calls such as discovery.
func (s Subjects) Global() string {
	return s.Topic + ".global"
}

// ValidateInstanceID rejects ids that would break subject tokenization.
func ValidateInstanceID(id string) error {
	if id == "" {
		return fmt.Errorf("empty instance id")
	}
	if strings.ContainsAny(id, ".*> \t\r\n|:") {
		return fmt.Errorf("instance id %q contains a reserved character", id)
	}
	return nil
}

// Match reports whether subject matches pattern.
func Match(pattern, subject string) bool {
	p := strings.Split(pattern, ".")
	s := strings.Split(subject, ".")
	for i, tok := range p {
		if tok == ">" {
			return i == len(p)-1 && len(s) > i
		}
		if i >= len(s) {
			return false
		}
		if tok != "*" && tok != s[i] {
			return false
		}
	}
	return len(p) == len(s)
}
