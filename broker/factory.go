package broker

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/user"
	"strings"

	"github.com/European-XFEL/Karabo-sub009/metric"
	"github.com/European-XFEL/Karabo-sub009/natsclient"
)

// Environment variables naming the broker and topic.
const (
	EnvBroker = "KARABO_BROKER"
	EnvTopic  = "KARABO_BROKER_TOPIC"
)

// DefaultURL is used when neither configuration nor environment name a broker.
const DefaultURL = "mem://"

// Options configures New.
type Options struct {
	Logger   *slog.Logger
	Registry *metric.MetricsRegistry
	// Name identifies the connection on the broker.
	Name string
}

// New creates a transport for rawURL. Supported schemes are mem, nats, tls
// (NATS over TLS), mqtt and mqtts. Several comma separated NATS URLs are
// passed through for cluster failover.
func New(rawURL string, opts Options) (Transport, error) {
	if rawURL == "" {
		rawURL = DefaultURL
	}
	first, _, _ := strings.Cut(rawURL, ",")
	u, err := url.Parse(first)
	if err != nil {
		return nil, fmt.Errorf("broker url %q: %w", rawURL, err)
	}
	switch u.Scheme {
	case "mem":
		return NewMemoryTransport(opts.Logger), nil
	case "nats", "tls":
		copts := []natsclient.ClientOption{natsclient.WithLogger(opts.Logger)}
		if opts.Registry != nil {
			copts = append(copts, natsclient.WithMetrics(opts.Registry))
		}
		if opts.Name != "" {
			copts = append(copts, natsclient.WithName(opts.Name))
		}
		if u.User != nil {
			pass, _ := u.User.Password()
			copts = append(copts, natsclient.WithCredentials(u.User.Username(), pass))
		}
		client, err := natsclient.NewClient(rawURL, copts...)
		if err != nil {
			return nil, err
		}
		return NewNATSTransport(client, opts.Logger), nil
	case "mqtt", "mqtts":
		scheme := "tcp"
		if u.Scheme == "mqtts" {
			scheme = "ssl"
		}
		cfg := MQTTConfig{Server: scheme + "://" + u.Host, ClientID: opts.Name}
		if u.User != nil {
			cfg.Username = u.User.Username()
			cfg.Password, _ = u.User.Password()
		}
		return NewMQTTTransport(cfg, opts.Logger), nil
	}
	return nil, fmt.Errorf("broker url %q: unsupported scheme %q", rawURL, u.Scheme)
}

// URLFromEnv returns KARABO_BROKER or def.
func URLFromEnv(def string) string {
	if v := os.Getenv(EnvBroker); v != "" {
		return v
	}
	return def
}

// TopicFromEnv returns KARABO_BROKER_TOPIC, falling back to the user name.
func TopicFromEnv() string {
	if v := os.Getenv(EnvTopic); v != "" {
		return v
	}
	if v := os.Getenv("USER"); v != "" {
		return v
	}
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return "karabo"
}
