package devices

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/European-XFEL/Karabo-sub009/broker"
	"github.com/European-XFEL/Karabo-sub009/device"
	"github.com/European-XFEL/Karabo-sub009/hash"
	"github.com/European-XFEL/Karabo-sub009/pipeline"
	"github.com/European-XFEL/Karabo-sub009/server"
	"github.com/European-XFEL/Karabo-sub009/signalslot"
)

func TestRegister(t *testing.T) {
	r := server.NewRegistry()
	require.NoError(t, Register(r))
	assert.Equal(t, []string{"DataGenerator", "DataSink"}, r.Classes())
	assert.Error(t, Register(r), "classes are registered once")
	assert.Error(t, Register(nil))
}

func TestGeneratorFeedsSink(t *testing.T) {
	r := server.NewRegistry()
	require.NoError(t, Register(r))
	tr := broker.NewMemoryTransport(nil)
	ctx := context.Background()

	srv, err := server.New(tr, server.Config{ServerID: "srv", Topic: "test", Registry: r, PingTimeout: -1})
	require.NoError(t, err)
	require.NoError(t, srv.Start(ctx))
	t.Cleanup(func() { _ = srv.Stop(context.Background()) })

	_, err = srv.StartDevice(ctx, server.DeviceSpec{ClassID: "DataGenerator", DeviceID: "gen",
		Config: hash.New("output.hostname", "127.0.0.1", "period", int32(5))})
	require.NoError(t, err)
	_, err = srv.StartDevice(ctx, server.DeviceSpec{ClassID: "DataSink", DeviceID: "sink",
		Config: hash.New("input.connectedOutputChannels", []string{"gen:output"})})
	require.NoError(t, err)

	gen, ok := srv.Device("gen")
	require.True(t, ok)
	sink, ok := srv.Device("sink")
	require.True(t, ok)
	in, ok := sink.InputChannel("input")
	require.True(t, ok)
	require.Eventually(t, func() bool {
		return in.Status("gen:output") == pipeline.Connected
	}, 5*time.Second, 10*time.Millisecond)

	ss, err := signalslot.New(tr, signalslot.Config{InstanceID: "client", Topic: "test", PingTimeout: -1})
	require.NoError(t, err)
	require.NoError(t, ss.Start(ctx))
	t.Cleanup(func() { _ = ss.Stop(context.Background()) })
	client := device.NewClient(ss, 2*time.Second)

	assert.Error(t, client.Execute(ctx, "gen", "stop"), "stop is not allowed while STOPPED")
	require.NoError(t, client.Execute(ctx, "gen", "start"))
	assert.Equal(t, device.StateAcquiring, gen.State())

	require.Eventually(t, func() bool {
		n, err := device.Get[uint64](sink, "recordsReceived")
		return err == nil && n >= 3
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, client.Execute(ctx, "gen", "stop"))
	assert.Equal(t, device.StateStopped, gen.State())
	require.Eventually(t, func() bool {
		n, err := device.Get[uint32](sink, "endOfStreams")
		return err == nil && n == 1
	}, 5*time.Second, 10*time.Millisecond)

	source, err := device.Get[string](sink, "lastSource")
	require.NoError(t, err)
	assert.Equal(t, "gen:output", source)

	written, err := device.Get[uint64](gen, "recordsWritten")
	require.NoError(t, err)
	received, err := device.Get[uint64](sink, "recordsReceived")
	require.NoError(t, err)
	assert.NotZero(t, written)
	assert.GreaterOrEqual(t, received, written)
}
