package broker

import (
	"context"
	"log/slog"

	"github.com/European-XFEL/Karabo-sub009/errors"
	"github.com/European-XFEL/Karabo-sub009/natsclient"
)

// NATSTransport maps subjects one to one onto NATS subjects.
type NATSTransport struct {
	client *natsclient.Client
	logger *slog.Logger
}

// NewNATSTransport wraps a natsclient.Client. The client is connected by
// Connect and closed by Close.
func NewNATSTransport(client *natsclient.Client, logger *slog.Logger) *NATSTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSTransport{client: client, logger: logger.With("component", "nats-transport")}
}

// Client exposes the underlying connection manager.
func (t *NATSTransport) Client() *natsclient.Client { return t.client }

func (t *NATSTransport) Connect(ctx context.Context) error {
	if t.client.Status() == natsclient.StatusConnected {
		return nil
	}
	return t.client.Connect(ctx)
}

func (t *NATSTransport) Publish(ctx context.Context, subject string, msg *Message) error {
	data, err := msg.Encode()
	if err != nil {
		return errors.WrapInvalid(err, "NATSTransport", "Publish", "encode message")
	}
	if err := t.client.Publish(ctx, subject, data); err != nil {
		return errors.WrapTransient(err, "NATSTransport", "Publish", "publish "+subject)
	}
	return nil
}

func (t *NATSTransport) Subscribe(ctx context.Context, subject string, h Handler) (Subscription, error) {
	sub, err := t.client.Subscribe(ctx, subject, func(ctx context.Context, subj string, data []byte) {
		m, err := Decode(subj, data)
		if err != nil {
			t.logger.Warn("dropping undecodable message", "subject", subj, "error", err)
			return
		}
		h(ctx, m)
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// Flush waits until the server has processed earlier publishes and
// subscriptions.
func (t *NATSTransport) Flush(ctx context.Context) error {
	return t.client.Flush(ctx)
}

func (t *NATSTransport) Close(ctx context.Context) error {
	return t.client.Close(ctx)
}
