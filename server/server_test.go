package server

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/European-XFEL/Karabo-sub009/broker"
	"github.com/European-XFEL/Karabo-sub009/device"
	"github.com/European-XFEL/Karabo-sub009/errors"
	"github.com/European-XFEL/Karabo-sub009/hash"
	"github.com/European-XFEL/Karabo-sub009/schema"
	"github.com/European-XFEL/Karabo-sub009/signalslot"
)

func motorClass(ticks chan<- uint64) Class {
	return Class{
		ClassID: "Motor",
		Version: "1.0.0",
		Schema: func(s *schema.Schema) {
			schema.Int32(s).Key("speed").Reconfigurable().DefaultValue(1).Commit()
		},
		FSM: func() (*device.FSM, error) {
			return device.NewFSM(device.StateOff,
				device.Transition{From: device.StateOff, Event: "start", To: device.StateOn})
		},
		Hooks: device.Hooks{OnTimeUpdate: func(id, _, _, _ uint64) {
			if ticks != nil {
				ticks <- id
			}
		}},
		Setup: func(d *device.Device) error { return d.RegisterEvent("start", "start") },
	}
}

func testRegistry(t *testing.T, ticks chan<- uint64) *Registry {
	t.Helper()
	r := NewRegistry()
	require.NoError(t, r.Register(motorClass(ticks)))
	return r
}

func startServer(t *testing.T, tr broker.Transport, cfg Config) *Server {
	t.Helper()
	if cfg.ServerID == "" {
		cfg.ServerID = "srv"
	}
	cfg.Topic = "test"
	cfg.HostName = "host"
	cfg.PingTimeout = -1
	s, err := New(tr, cfg)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Stop(context.Background()) })
	return s
}

func startClient(t *testing.T, tr broker.Transport, id string) *signalslot.SignalSlotable {
	t.Helper()
	ss, err := signalslot.New(tr, signalslot.Config{InstanceID: id, Topic: "test", PingTimeout: -1})
	require.NoError(t, err)
	require.NoError(t, ss.Start(context.Background()))
	t.Cleanup(func() { _ = ss.Stop(context.Background()) })
	return ss
}

func startDevice(t *testing.T, client *signalslot.SignalSlotable, req *hash.Hash) (bool, string) {
	t.Helper()
	reply, err := client.Request(context.Background(), "srv", SlotStartDevice, req).Timeout(5 * time.Second).Wait()
	require.NoError(t, err)
	require.Len(t, reply, 2)
	ok, _ := reply[0].(bool)
	text, _ := reply[1].(string)
	return ok, text
}

func TestRegistryAdmitsOnlyCompleteClasses(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(motorClass(nil)))
	require.NoError(t, r.Register(Class{ClassID: "Camera"}))
	assert.Equal(t, []string{"Camera", "Motor"}, r.Classes())

	tests := []struct {
		name  string
		class Class
	}{
		{"empty id", Class{}},
		{"duplicate", Class{ClassID: "Motor"}},
		{"broken schema", Class{ClassID: "Broken", Schema: func(s *schema.Schema) {
			schema.Overwrite(s, "missing").SetNewDefault(1)
		}}},
		{"broken state machine", Class{ClassID: "NoFSM", FSM: func() (*device.FSM, error) {
			return device.NewFSM("")
		}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, errors.IsInvalid(r.Register(tt.class)))
		})
	}
	assert.Equal(t, []string{"Camera", "Motor"}, r.Classes())

	s, err := r.Schema("Motor")
	require.NoError(t, err)
	assert.True(t, s.Has("speed"))
	assert.True(t, s.Has(device.KeyDeviceID))
	_, err = r.Schema("Nope")
	assert.Error(t, err)
}

func TestStartDevice(t *testing.T) {
	tr := broker.NewMemoryTransport(nil)
	srv := startServer(t, tr, Config{Registry: testRegistry(t, nil)})
	client := startClient(t, tr, "client")

	ok, id := startDevice(t, client, hash.New(KeyClassID, "Motor", KeyDeviceID, "m1", "speed", int32(3)))
	require.True(t, ok, id)
	assert.Equal(t, "m1", id)

	d, found := srv.Device("m1")
	require.True(t, found)
	assert.Equal(t, int32(3), hash.GetOr(d.Configuration(), "speed", int32(0)))
	assert.Equal(t, "srv", hash.GetOr(d.Configuration(), device.KeyServerID, ""))
	assert.Equal(t, device.StateOff, d.State())

	cfg, err := device.NewClient(client, time.Second).GetConfiguration(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, "Motor", hash.GetOr(cfg, device.KeyClassID, ""))

	// Setup registered the start command.
	require.NoError(t, device.NewClient(client, time.Second).Execute(context.Background(), "m1", "start"))
	assert.Equal(t, device.StateOn, d.State())

	// Nested configuration form.
	ok, id = startDevice(t, client, hash.New(KeyClassID, "Motor", KeyDeviceID, "m2",
		KeyConfiguration, hash.New("speed", int32(9))))
	require.True(t, ok, id)
	d, _ = srv.Device("m2")
	assert.Equal(t, int32(9), hash.GetOr(d.Configuration(), "speed", int32(0)))

	assert.Equal(t, []string{"m1", "m2"}, srv.Devices())
}

func TestStartDeviceGeneratesIDs(t *testing.T) {
	tr := broker.NewMemoryTransport(nil)
	srv := startServer(t, tr, Config{Registry: testRegistry(t, nil)})
	client := startClient(t, tr, "client")

	for i := 0; i < 2; i++ {
		ok, id := startDevice(t, client, hash.New(KeyClassID, "Motor"))
		require.True(t, ok, id)
		assert.Equal(t, fmt.Sprintf("host_Motor_%d", i), id)
	}
	assert.Len(t, srv.Devices(), 2)
}

func TestStartDeviceFailures(t *testing.T) {
	tr := broker.NewMemoryTransport(nil)
	srv := startServer(t, tr, Config{Registry: testRegistry(t, nil)})
	client := startClient(t, tr, "client")
	ok, _ := startDevice(t, client, hash.New(KeyClassID, "Motor", KeyDeviceID, "m1"))
	require.True(t, ok)

	tests := []struct {
		name   string
		req    *hash.Hash
		reason string
	}{
		{"missing class", hash.New(KeyDeviceID, "x"), "classId"},
		{"unknown class", hash.New(KeyClassID, "Laser"), "Laser"},
		{"bad value", hash.New(KeyClassID, "Motor", KeyDeviceID, "m9", "speed", "fast"), "speed"},
		{"unknown key", hash.New(KeyClassID, "Motor", KeyDeviceID, "m9", "colour", "red"), "colour"},
		{"duplicate id", hash.New(KeyClassID, "Motor", KeyDeviceID, "m1"), "m1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, text := startDevice(t, client, tt.req)
			assert.False(t, ok)
			assert.Contains(t, text, tt.reason)
		})
	}
	assert.Equal(t, []string{"m1"}, srv.Devices())
}

func TestDeviceClassFilter(t *testing.T) {
	tr := broker.NewMemoryTransport(nil)
	r := testRegistry(t, nil)
	require.NoError(t, r.Register(Class{ClassID: "Camera"}))
	startServer(t, tr, Config{Registry: r, DeviceClasses: []string{"Camera"}})
	client := startClient(t, tr, "client")

	ok, text := startDevice(t, client, hash.New(KeyClassID, "Motor"))
	assert.False(t, ok)
	assert.Contains(t, text, "not offered")

	info, err := client.Ping(context.Background(), "srv", time.Second)
	require.NoError(t, err)
	assert.Equal(t, []string{"Camera"}, hash.GetOr(info, "deviceClasses", []string(nil)))
	assert.Equal(t, "server", hash.GetOr(info, "type", ""))
}

func TestDeviceGoneRemovesDevice(t *testing.T) {
	tr := broker.NewMemoryTransport(nil)
	srv := startServer(t, tr, Config{Registry: testRegistry(t, nil)})
	client := startClient(t, tr, "client")
	ok, _ := startDevice(t, client, hash.New(KeyClassID, "Motor", KeyDeviceID, "m1"))
	require.True(t, ok)

	d, _ := srv.Device("m1")
	require.NoError(t, d.Stop(context.Background()))
	assert.Eventually(t, func() bool { return len(srv.Devices()) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestKillServer(t *testing.T) {
	tr := broker.NewMemoryTransport(nil)
	srv := startServer(t, tr, Config{Registry: testRegistry(t, nil)})
	client := startClient(t, tr, "client")
	var devices []*device.Device
	for _, id := range []string{"m1", "m2"} {
		ok, _ := startDevice(t, client, hash.New(KeyClassID, "Motor", KeyDeviceID, id))
		require.True(t, ok)
		d, _ := srv.Device(id)
		devices = append(devices, d)
	}

	_, err := client.Request(context.Background(), "srv", SlotKillServer).Timeout(5 * time.Second).Wait()
	require.NoError(t, err)
	for _, d := range devices {
		select {
		case <-d.Done():
		case <-time.After(2 * time.Second):
			t.Fatalf("device %s still running", d.ID())
		}
	}
	select {
	case <-srv.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("server still running")
	}
	assert.Empty(t, srv.Devices())
}

func TestGetClassSchema(t *testing.T) {
	tr := broker.NewMemoryTransport(nil)
	startServer(t, tr, Config{Registry: testRegistry(t, nil)})
	client := startClient(t, tr, "client")
	ctx := context.Background()

	reply, err := client.Request(ctx, "srv", SlotGetClassSchema, "Motor").Wait()
	require.NoError(t, err)
	require.Len(t, reply, 3)
	h, err := signalslot.Arg[*hash.Hash](reply, 0)
	require.NoError(t, err)
	s, err := schema.FromHash(h)
	require.NoError(t, err)
	assert.Equal(t, "Motor", s.RootName())
	assert.True(t, s.Has("speed"))
	assert.Equal(t, "Motor", reply[1])
	assert.Equal(t, "srv", reply[2])

	_, err = client.Request(ctx, "srv", SlotGetClassSchema, "Laser").Wait()
	var remote *errors.RemoteError
	assert.ErrorAs(t, err, &remote)

	reply, err = client.Request(ctx, "srv", SlotGetClassSchemas).Wait()
	require.NoError(t, err)
	all, err := signalslot.Arg[*hash.Hash](reply, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"Motor"}, all.Keys())
}

func TestScanAnnouncesNewClasses(t *testing.T) {
	tr := broker.NewMemoryTransport(nil)
	mock := clock.NewMock()
	r := testRegistry(t, nil)
	srv := startServer(t, tr, Config{Registry: r, Clock: mock, ScanInterval: time.Second})
	client := startClient(t, tr, "client")
	announced := make(chan string, 1)
	require.NoError(t, client.RegisterSlot("onClass", signalslot.Slot3(
		func(_ context.Context, _ *signalslot.Call, serverID, classID string, _ *hash.Hash) error {
			announced <- serverID + "/" + classID
			return nil
		})))
	require.NoError(t, client.Connect(context.Background(), "srv", SignalNewDeviceClassAvailable, "client", "onClass"))

	require.NoError(t, r.Register(Class{ClassID: "Camera"}))
	var got string
	require.Eventually(t, func() bool {
		mock.Add(time.Second)
		select {
		case got = <-announced:
			return true
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "srv/Camera", got)
	assert.Eventually(t, func() bool {
		classes := hash.GetOr(srv.SignalSlotable().Info(), "deviceClasses", []string(nil))
		return len(classes) == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestTimeTicksReachDevices(t *testing.T) {
	tr := broker.NewMemoryTransport(nil)
	ticks := make(chan uint64, 1)
	startServer(t, tr, Config{Registry: testRegistry(t, ticks), TimeServerID: "timer"})
	client := startClient(t, tr, "client")
	ok, _ := startDevice(t, client, hash.New(KeyClassID, "Motor", KeyDeviceID, "m1"))
	require.True(t, ok)

	timer := startClient(t, tr, "timer")
	timer.RegisterSignal(SignalTimeTick)
	require.NoError(t, timer.Emit(context.Background(), SignalTimeTick,
		uint64(77), uint64(time.Now().Unix()), uint64(0), uint64(100000)))

	select {
	case id := <-ticks:
		assert.Equal(t, uint64(77), id)
	case <-time.After(2 * time.Second):
		t.Fatal("tick not forwarded")
	}
}

func TestLoggerPriorityReachesDevices(t *testing.T) {
	tr := broker.NewMemoryTransport(nil)
	var level slog.LevelVar
	srv := startServer(t, tr, Config{Registry: testRegistry(t, nil), LogLevel: &level})
	client := startClient(t, tr, "client")
	ok, _ := startDevice(t, client, hash.New(KeyClassID, "Motor", KeyDeviceID, "m1"))
	require.True(t, ok)

	_, err := client.Request(context.Background(), "srv", SlotLoggerPriority, "warn").Wait()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, level.Level())
	d, _ := srv.Device("m1")
	assert.Eventually(t, func() bool {
		return hash.GetOr(d.Configuration(), device.KeyLoggerPriority, "") == "WARN"
	}, 2*time.Second, 10*time.Millisecond)
}
