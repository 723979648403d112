package device

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/European-XFEL/Karabo-sub009/broker"
	"github.com/European-XFEL/Karabo-sub009/hash"
	"github.com/European-XFEL/Karabo-sub009/pipeline"
	"github.com/European-XFEL/Karabo-sub009/schema"
)

func producerConfig() Config {
	return Config{
		DeviceID: "producer",
		Schema:   classSchema(func(s *schema.Schema) { pipeline.OutputChannelSchema(s, "output") }),
		Initial:  hash.New("output.hostname", "127.0.0.1"),
	}
}

func consumerConfig(outputs ...string) Config {
	if outputs == nil {
		outputs = []string{}
	}
	return Config{
		DeviceID: "consumer",
		Schema:   classSchema(func(s *schema.Schema) { pipeline.InputChannelSchema(s, "input") }),
		Initial:  hash.New("input.connectedOutputChannels", outputs),
	}
}

func TestDeviceChannelsStreamOverBroker(t *testing.T) {
	tr := broker.NewMemoryTransport(nil)
	producer := startDevice(t, tr, producerConfig())
	out, err := producer.AddOutputChannel("output", nil)
	require.NoError(t, err)

	consumer := startDevice(t, tr, consumerConfig("producer:output"))
	in, err := consumer.AddInputChannel("input")
	require.NoError(t, err)

	var mu sync.Mutex
	var got []int32
	eos := make(chan struct{}, 1)
	require.NoError(t, in.RegisterDataHandler(func(data *hash.Hash, meta pipeline.Meta) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, hash.GetOr(data, "n", int32(-1)))
		return nil
	}))
	in.RegisterEndOfStreamHandler(func(*pipeline.InputChannel) error {
		eos <- struct{}{}
		return nil
	})
	in.Start()

	require.Eventually(t, func() bool {
		return in.Status("producer:output") == pipeline.Connected
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		rows, err := Get[[]*hash.Hash](producer, "output.connections")
		return err == nil && len(rows) == 1 && hash.GetOr(rows[0], "remoteId", "") == "consumer:input"
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		missing, err := Get[[]string](consumer, "input.missingConnections")
		return err == nil && len(missing) == 0
	}, 5*time.Second, 10*time.Millisecond)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, out.Write(hash.New("n", int32(i)), pipeline.Meta{Source: out.ID()}))
		require.NoError(t, out.Update(ctx))
	}
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []int32{0, 1, 2}, got)

	require.NoError(t, producer.Stop(ctx))
	receive(t, eos)
}

func TestInputFollowsConnectedOutputChannels(t *testing.T) {
	tr := broker.NewMemoryTransport(nil)
	producer := startDevice(t, tr, producerConfig())
	consumer := startDevice(t, tr, consumerConfig())
	in, err := consumer.AddInputChannel("input")
	require.NoError(t, err)

	resolver := BrokerResolver(consumer.SignalSlotable(), time.Second)
	_, err = resolver.Resolve(context.Background(), "producer:output")
	assert.Error(t, err, "channel not added yet")
	_, err = resolver.Resolve(context.Background(), "producer")
	assert.Error(t, err)

	_, err = producer.AddOutputChannel("output", nil)
	require.NoError(t, err)
	info, err := resolver.Resolve(context.Background(), "producer:output")
	require.NoError(t, err)
	assert.Equal(t, "tcp", hash.GetOr(info, "connectionType", ""))
	assert.NotZero(t, hash.GetOr(info, "port", uint32(0)))

	ctx := context.Background()
	require.NoError(t, consumer.Reconfigure(ctx, hash.New("input.connectedOutputChannels", []string{"producer:output"}), "", schema.LevelAdmin))
	require.Eventually(t, func() bool {
		return in.Status("producer:output") == pipeline.Connected
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, consumer.Reconfigure(ctx, hash.New("input.connectedOutputChannels", []string{}), "", schema.LevelAdmin))
	assert.Empty(t, in.ConnectedOutputs())
}

func TestAddChannelChecksSchema(t *testing.T) {
	tr := broker.NewMemoryTransport(nil)
	d := startDevice(t, tr, producerConfig())
	_, err := d.AddInputChannel("output")
	assert.Error(t, err)
	_, err = d.AddOutputChannel("nothing", nil)
	assert.Error(t, err)

	_, err = d.AddOutputChannel("output", nil)
	require.NoError(t, err)
	_, err = d.AddOutputChannel("output", nil)
	assert.Error(t, err)
}

func TestKillWithStalledConsumerFinishes(t *testing.T) {
	tr := broker.NewMemoryTransport(nil)
	cfg := producerConfig()
	cfg.ChannelCloseTimeout = 200 * time.Millisecond
	producer := startDevice(t, tr, cfg)
	out, err := producer.AddOutputChannel("output", nil)
	require.NoError(t, err)

	consumer := startDevice(t, tr, consumerConfig("producer:output"))
	in, err := consumer.AddInputChannel("input")
	require.NoError(t, err)
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	require.NoError(t, in.RegisterDataHandler(func(*hash.Hash, pipeline.Meta) error {
		<-release
		return nil
	}))
	in.Start()
	require.Eventually(t, func() bool {
		return in.Status("producer:output") == pipeline.Connected
	}, 5*time.Second, 10*time.Millisecond)

	for i := 0; i < 20; i++ {
		require.NoError(t, out.Write(hash.New("n", int32(i)), pipeline.Meta{}))
		out.AsyncUpdate(false, nil)
	}

	client := startClient(t, tr, "client")
	require.NoError(t, NewClient(client, time.Second).Kill(context.Background(), "producer"))
	select {
	case <-producer.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("producer still alive after kill")
	}
}

func TestDevicesOnOneHubHandOverInMemory(t *testing.T) {
	tr := broker.NewMemoryTransport(nil)
	hub := pipeline.NewHub()
	pcfg := producerConfig()
	pcfg.Hub = hub
	producer := startDevice(t, tr, pcfg)
	out, err := producer.AddOutputChannel("output", nil)
	require.NoError(t, err)

	ccfg := consumerConfig("producer:output")
	ccfg.Hub = hub
	consumer := startDevice(t, tr, ccfg)
	in, err := consumer.AddInputChannel("input")
	require.NoError(t, err)
	got := make(chan int32, 1)
	require.NoError(t, in.RegisterDataHandler(func(data *hash.Hash, _ pipeline.Meta) error {
		got <- hash.GetOr(data, "n", int32(-1))
		return nil
	}))
	in.Start()
	require.Eventually(t, func() bool {
		rows := out.Connections()
		return len(rows) == 1 && hash.GetOr(rows[0], pipeline.KeyMemoryLocationRow, "") == "local"
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, out.Write(hash.New("n", int32(7)), pipeline.Meta{}))
	require.NoError(t, out.Update(context.Background()))
	assert.Equal(t, int32(7), receive(t, got))
	assert.Zero(t, hub.Pending())
}
