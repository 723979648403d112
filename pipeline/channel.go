// Package pipeline implements the bulk data plane between devices: an
// OutputChannel serves records over TCP to any number of InputChannels.
//
// Each connected input is registered under a distribution mode. Every copy
// input receives every chunk; a chunk for the shared inputs goes to exactly
// one of them, chosen by a selector or round robin. A per-input outbound
// queue applies the slowness policy when that input falls behind.
//
// Inputs and outputs attached to the same Hub exchange chunks through local
// memory; only the control frames travel over the socket.
package pipeline

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/European-XFEL/Karabo-sub009/errors"
	"github.com/European-XFEL/Karabo-sub009/hash"
	"github.com/European-XFEL/Karabo-sub009/metric"
	"github.com/European-XFEL/Karabo-sub009/pkg/buffer"
	"github.com/European-XFEL/Karabo-sub009/pkg/timestamp"
	"github.com/European-XFEL/Karabo-sub009/schema"
)

// Distribution selects how an input shares the output's chunks with its peers.
type Distribution string

const (
	Copy   Distribution = "copy"
	Shared Distribution = "shared"
)

// Slowness is the policy applied when a consumer queue is full.
type Slowness string

const (
	// Drop skips the consumer for the chunk being distributed.
	Drop Slowness = "drop"
	// Queue grows the queue without bound.
	Queue Slowness = "queue"
	// Wait blocks the producer until the consumer drains.
	Wait Slowness = "wait"
	// QueueDrop keeps a bounded queue and discards the oldest chunk.
	QueueDrop Slowness = "queueDrop"
)

func (s Slowness) overflowPolicy() buffer.OverflowPolicy {
	switch s {
	case Drop:
		return buffer.DropNewest
	case Queue:
		return buffer.Grow
	case QueueDrop:
		return buffer.DropOldest
	}
	return buffer.Block
}

// SchemaValidation controls how often Write checks records against the
// output schema.
type SchemaValidation string

const (
	ValidateAlways SchemaValidation = "always"
	ValidateOnce   SchemaValidation = "once"
	ValidateNever  SchemaValidation = "never"
)

func parseDistribution(s string) (Distribution, error) {
	switch d := Distribution(s); d {
	case Copy, Shared:
		return d, nil
	}
	return "", fmt.Errorf("data distribution %q: %w", s, errors.ErrInvalidConfig)
}

func parseSlowness(s string) (Slowness, error) {
	switch p := Slowness(s); p {
	case Drop, Queue, Wait, QueueDrop:
		return p, nil
	}
	return "", fmt.Errorf("slowness policy %q: %w", s, errors.ErrInvalidConfig)
}

// newQueue creates a buffer whose statistics are exported under prefix. A
// prefix that cannot be registered leaves the queue unexported.
func newQueue[T any](logger *slog.Logger, m *metric.Metrics, prefix string, capacity int, opts ...buffer.Option[T]) (*buffer.CircularBuffer[T], error) {
	registry := m.Registry()
	if registry == nil {
		return buffer.NewCircularBuffer[T](capacity, opts...)
	}
	q, err := buffer.NewCircularBuffer[T](capacity, append(opts, buffer.WithMetrics[T](registry, prefix))...)
	if err == nil {
		return q, nil
	}
	logger.Warn("queue metrics not exported", "queue", prefix, "error", err)
	return buffer.NewCircularBuffer[T](capacity, opts...)
}

// ConnectionStatus is the state of one input to output connection.
type ConnectionStatus int

const (
	Disconnected ConnectionStatus = iota
	Connecting
	Connected
)

func (s ConnectionStatus) String() string {
	switch s {
	case Disconnected:
		return "DISCONNECTED"
	case Connecting:
		return "CONNECTING"
	case Connected:
		return "CONNECTED"
	}
	return fmt.Sprintf("ConnectionStatus(%d)", int(s))
}

// Meta travels alongside every record.
type Meta struct {
	Source    string
	Timestamp timestamp.Timestamp
}

func (m Meta) toHash() *hash.Hash {
	h := hash.New("source", m.Source, "timestamp", true)
	m.Timestamp.ToAttributes(h.Attributes("timestamp"))
	return h
}

func metaFromHash(h *hash.Hash) Meta {
	m := Meta{Source: hash.GetOr(h, "source", "")}
	if ts, ok := timestamp.FromAttributes(h.Attributes("timestamp")); ok {
		m.Timestamp = ts
	}
	return m
}

// Record is one data Hash with its meta.
type Record struct {
	Data *hash.Hash
	Meta Meta
}

// Keys of the channel nodes in a device schema.
const (
	KeyHostname                = "hostname"
	KeyPort                    = "port"
	KeyNoInputShared           = "noInputShared"
	KeyValidateSchema          = "validateSchema"
	KeyConnections             = "connections"
	KeyConnectedOutputChannels = "connectedOutputChannels"
	KeyDataDistribution        = "dataDistribution"
	KeyOnSlowness              = "onSlowness"
	KeyMaxQueueLength          = "maxQueueLength"
	KeyMinData                 = "minData"
	KeyDelayOnInput            = "delayOnInput"
	KeyMissingConnections      = "missingConnections"
	KeyMemoryLocationRow       = "memoryLocation"
)

// DefaultMaxQueueLength is the consumer queue length in chunks.
const DefaultMaxQueueLength = 2

// OutputChannelSchema declares an output channel node at key.
func OutputChannelSchema(s *schema.Schema, key string) {
	schema.Node(s).Key(key).
		DisplayedName(key).
		DisplayType("OutputChannel").Commit()

	schema.String(s).Key(key + "." + KeyHostname).
		DisplayedName("Hostname").
		Description("The hostname inputs connect to. 'default' advertises the host name.").
		Init().Expert().DefaultValue("default").Commit()

	schema.UInt32(s).Key(key + "." + KeyPort).
		DisplayedName("Port").
		Description("Port the channel listens on. Zero picks a free port.").
		Init().Expert().DefaultValue(0).Commit()

	schema.String(s).Key(key + "." + KeyNoInputShared).
		DisplayedName("No Input (Shared)").
		Description("What to do with a chunk for shared inputs when the selector names none of them. "+
			"'drop' discards it, anything else passes it on in round robin.").
		Options(string(Drop), string(Queue), string(Wait), string(QueueDrop)).
		Init().DefaultValue(string(Wait)).Commit()

	schema.String(s).Key(key + "." + KeyValidateSchema).
		DisplayedName("Validate schema").
		Options(string(ValidateAlways), string(ValidateOnce), string(ValidateNever)).
		Init().Expert().DefaultValue(string(ValidateOnce)).Commit()

	rows := schema.New("")
	schema.String(rows).Key("remoteId").ReadOnly().DefaultValue("").Commit()
	schema.String(rows).Key(KeyDataDistribution).ReadOnly().DefaultValue("").Commit()
	schema.String(rows).Key(KeyOnSlowness).ReadOnly().DefaultValue("").Commit()
	schema.String(rows).Key(KeyMemoryLocationRow).ReadOnly().DefaultValue("").Commit()
	schema.String(rows).Key("remoteAddress").ReadOnly().DefaultValue("").Commit()
	schema.UInt64(rows).Key("written").ReadOnly().DefaultValue(0).Commit()
	schema.UInt64(rows).Key("dropped").ReadOnly().DefaultValue(0).Commit()

	schema.Table(s).Key(key + "." + KeyConnections).
		DisplayedName("Connections").
		Description("Inputs currently served by this channel").
		RowSchema(rows).ReadOnly().Commit()
}

// InputChannelSchema declares an input channel node at key.
func InputChannelSchema(s *schema.Schema, key string) {
	schema.Node(s).Key(key).
		DisplayedName(key).
		DisplayType("InputChannel").Commit()

	schema.VectorString(s).Key(key + "." + KeyConnectedOutputChannels).
		DisplayedName("Connected Output Channels").
		Description("Output channels to read from, as deviceId:channelName").
		Reconfigurable().DefaultValue([]string{}).Commit()

	schema.String(s).Key(key + "." + KeyDataDistribution).
		DisplayedName("Data Distribution").
		Options(string(Copy), string(Shared)).
		Init().DefaultValue(string(Copy)).Commit()

	schema.String(s).Key(key + "." + KeyOnSlowness).
		DisplayedName("On Slowness").
		Description("Policy the outputs apply when this input falls behind.").
		Options(string(Drop), string(Queue), string(Wait), string(QueueDrop)).
		Init().DefaultValue(string(Wait)).Commit()

	schema.UInt32(s).Key(key + "." + KeyMaxQueueLength).
		DisplayedName("Max. Queue Length").
		Description("Chunks an output queues for this input before the policy applies").
		Init().Expert().MinInc(1).DefaultValue(DefaultMaxQueueLength).Commit()

	schema.UInt32(s).Key(key + "." + KeyMinData).
		DisplayedName("Minimum number of data").
		Description("Records collected before the input handler runs").
		Init().DefaultValue(1).Commit()

	schema.Int32(s).Key(key + "." + KeyDelayOnInput).
		DisplayedName("Delay on Input").
		Description("Pause after each chunk before reading the next").
		Unit("ms").
		Reconfigurable().Expert().MinInc(0).DefaultValue(0).Commit()

	schema.VectorString(s).Key(key + "." + KeyMissingConnections).
		DisplayedName("Missing Connections").
		ReadOnly().DefaultValue([]string{}).Commit()
}

// OutputConfigFromHash reads the output settings of a validated channel node.
func OutputConfigFromHash(h *hash.Hash) (OutputConfig, error) {
	var cfg OutputConfig
	if h == nil {
		return cfg, nil
	}
	cfg.Hostname = hash.GetOr(h, KeyHostname, "")
	if cfg.Hostname == "default" {
		cfg.Hostname = ""
	}
	cfg.Port = int(hash.GetOr(h, KeyPort, uint32(0)))
	if v, ok := h.Get(KeyNoInputShared); ok {
		p, err := parseSlowness(fmt.Sprint(v))
		if err != nil {
			return cfg, err
		}
		cfg.NoInputShared = p
	}
	cfg.ValidateSchema = SchemaValidation(hash.GetOr(h, KeyValidateSchema, string(ValidateOnce)))
	return cfg, nil
}

// InputConfigFromHash reads the input settings of a validated channel node.
func InputConfigFromHash(h *hash.Hash) (InputConfig, error) {
	var cfg InputConfig
	if h == nil {
		return cfg, nil
	}
	cfg.ConnectedOutputChannels = hash.GetOr(h, KeyConnectedOutputChannels, []string(nil))
	var err error
	if cfg.DataDistribution, err = parseDistribution(hash.GetOr(h, KeyDataDistribution, string(Copy))); err != nil {
		return cfg, err
	}
	if cfg.OnSlowness, err = parseSlowness(hash.GetOr(h, KeyOnSlowness, string(Wait))); err != nil {
		return cfg, err
	}
	cfg.MaxQueueLength = int(hash.GetOr(h, KeyMaxQueueLength, uint32(DefaultMaxQueueLength)))
	cfg.MinData = int(hash.GetOr(h, KeyMinData, uint32(1)))
	cfg.DelayOnInput = time.Duration(hash.GetOr(h, KeyDelayOnInput, int32(0))) * time.Millisecond
	return cfg, nil
}
