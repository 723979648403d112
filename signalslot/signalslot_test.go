package signalslot

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/European-XFEL/Karabo-sub009/broker"
	"github.com/European-XFEL/Karabo-sub009/errors"
	"github.com/European-XFEL/Karabo-sub009/hash"
)

func newInstance(t *testing.T, tr broker.Transport, id string, mods ...func(*Config)) *SignalSlotable {
	t.Helper()
	cfg := Config{InstanceID: id, Type: TypeDevice, Topic: "test", PingTimeout: -1}
	for _, m := range mods {
		m(&cfg)
	}
	s, err := New(tr, cfg)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Stop(context.Background()) })
	return s
}

func adder(t *testing.T, s *SignalSlotable) {
	t.Helper()
	require.NoError(t, s.RegisterSlot("add", Slot2(func(_ context.Context, c *Call, a, b int32) error {
		c.Reply(a + b)
		return nil
	})))
}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for value")
	}
	var zero T
	return zero
}

func TestNewRejectsBadInstanceID(t *testing.T) {
	for _, id := range []string{"", "a.b", "x|y", "dev*"} {
		_, err := New(broker.NewMemoryTransport(nil), Config{InstanceID: id})
		assert.Error(t, err, id)
	}
}

func TestRequestReply(t *testing.T) {
	tr := broker.NewMemoryTransport(nil)
	dev := newInstance(t, tr, "dev")
	adder(t, dev)
	client := newInstance(t, tr, "client", func(c *Config) { c.Type = TypeClient })

	args, err := client.Request(context.Background(), "dev", "add", int32(2), int32(3)).Wait()
	require.NoError(t, err)
	sum, err := Arg[int32](args, 0)
	require.NoError(t, err)
	assert.Equal(t, int32(5), sum)

	// Arguments of another width are converted.
	args, err = client.Request(context.Background(), "dev", "add", 2, "3").Wait()
	require.NoError(t, err)
	assert.Equal(t, Args{int32(5)}, args)
}

func TestRequestFailures(t *testing.T) {
	tr := broker.NewMemoryTransport(nil)
	dev := newInstance(t, tr, "dev")
	require.NoError(t, dev.RegisterSlot("fail", Slot0(func(context.Context, *Call) error {
		return fmt.Errorf("motor stalled")
	})))
	require.NoError(t, dev.RegisterSlot("panic", Slot0(func(context.Context, *Call) error {
		panic("oops")
	})))
	var (
		mu     sync.Mutex
		failed []string
	)
	dev.OnHandlerError(func(slot string, _ error) {
		mu.Lock()
		failed = append(failed, slot)
		mu.Unlock()
	})
	client := newInstance(t, tr, "client")
	ctx := context.Background()

	tests := []struct {
		slot string
		want string
	}{
		{"fail", "motor stalled"},
		{"panic", "panicked: oops"},
		{"missing", `has no slot "missing"`},
		{"add", "argument 1 missing"},
	}
	adder(t, dev)
	for _, tt := range tests {
		t.Run(tt.slot, func(t *testing.T) {
			_, err := client.Request(ctx, "dev", tt.slot).Wait()
			var remote *errors.RemoteError
			require.True(t, stderrors.As(err, &remote), "got %v", err)
			assert.Equal(t, "dev", remote.Instance)
			assert.Contains(t, remote.Message, tt.want)
		})
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"fail", "panic", "add"}, failed)
}

func TestRequestTimeout(t *testing.T) {
	tr := broker.NewMemoryTransport(nil)
	client := newInstance(t, tr, "client")

	start := time.Now()
	_, err := client.Request(context.Background(), "nobody", "slotPing").Timeout(50 * time.Millisecond).Wait()
	assert.ErrorIs(t, err, errors.ErrRemoteTimeout)
	assert.True(t, errors.IsTransient(err))
	assert.Less(t, time.Since(start), time.Second)
}

func TestRequestFromOwnHandlerIsDeadlock(t *testing.T) {
	tr := broker.NewMemoryTransport(nil)
	dev := newInstance(t, tr, "dev")
	adder(t, newInstance(t, tr, "other"))

	got := make(chan error, 1)
	require.NoError(t, dev.RegisterSlot("nested", Slot0(func(ctx context.Context, _ *Call) error {
		_, err := dev.Request(ctx, "other", "add", int32(1), int32(1)).Wait()
		got <- err
		return nil
	})))
	client := newInstance(t, tr, "client")
	require.NoError(t, client.Call(context.Background(), "dev", "nested"))
	assert.ErrorIs(t, receive(t, got), errors.ErrDeadlock)
}

func TestWaitWithDetachedContextIsNotFlagged(t *testing.T) {
	tr := broker.NewMemoryTransport(nil)
	dev := newInstance(t, tr, "dev")
	adder(t, newInstance(t, tr, "other"))

	got := make(chan error, 1)
	require.NoError(t, dev.RegisterSlot("nested", Slot0(func(_ context.Context, _ *Call) error {
		_, err := dev.Request(context.Background(), "other", "add", int32(1), int32(1)).
			Timeout(200 * time.Millisecond).Wait()
		got <- err
		return nil
	})))
	client := newInstance(t, tr, "client")
	require.NoError(t, client.Call(context.Background(), "dev", "nested"))
	assert.NotErrorIs(t, receive(t, got), errors.ErrDeadlock)
}

func TestReceiveFromHandler(t *testing.T) {
	tr := broker.NewMemoryTransport(nil)
	dev := newInstance(t, tr, "dev")
	adder(t, newInstance(t, tr, "other"))

	got := make(chan int32, 1)
	require.NoError(t, dev.RegisterSlot("nested", Slot0(func(ctx context.Context, _ *Call) error {
		return dev.Request(ctx, "other", "add", int32(20), int32(22)).Receive(func(args Args, err error) {
			if assert.NoError(t, err) {
				sum, _ := Arg[int32](args, 0)
				got <- sum
			}
		})
	})))
	client := newInstance(t, tr, "client")
	require.NoError(t, client.Call(context.Background(), "dev", "nested"))
	assert.Equal(t, int32(42), receive(t, got))
}

func TestRequestNoWait(t *testing.T) {
	tr := broker.NewMemoryTransport(nil)
	adder(t, newInstance(t, tr, "dev"))
	client := newInstance(t, tr, "client")

	got := make(chan int32, 1)
	require.NoError(t, client.RegisterSlot("onSum", Slot1(func(_ context.Context, c *Call, sum int32) error {
		assert.Equal(t, "dev", c.Sender)
		got <- sum
		return nil
	})))
	require.NoError(t, client.RequestNoWait(context.Background(), "dev", "add", "onSum", int32(4), int32(5)))
	assert.Equal(t, int32(9), receive(t, got))
}

func TestCallsAreDispatchedInOrder(t *testing.T) {
	tr := broker.NewMemoryTransport(nil)
	dev := newInstance(t, tr, "dev")
	var (
		mu   sync.Mutex
		seen []int32
	)
	require.NoError(t, dev.RegisterSlot("push", Slot1(func(_ context.Context, _ *Call, v int32) error {
		mu.Lock()
		seen = append(seen, v)
		mu.Unlock()
		return nil
	})))
	client := newInstance(t, tr, "client")

	want := make([]int32, 100)
	for i := range want {
		want[i] = int32(i)
		require.NoError(t, client.Call(context.Background(), "dev", "push", int32(i)))
	}
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == len(want)
	}, 2*time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, want, seen)
}

func TestSignalConnections(t *testing.T) {
	tr := broker.NewMemoryTransport(nil)
	ctx := context.Background()
	dev := newInstance(t, tr, "dev")
	dev.RegisterSignal("signalChanged")
	client := newInstance(t, tr, "client")
	ctl := newInstance(t, tr, "ctl")

	local := make(chan string, 4)
	remote := make(chan string, 4)
	require.NoError(t, client.RegisterSlot("onChanged", Slot1(func(_ context.Context, _ *Call, v string) error {
		local <- v
		return nil
	})))
	require.NoError(t, client.RegisterSlot("onChangedToo", Slot1(func(_ context.Context, _ *Call, v string) error {
		remote <- v
		return nil
	})))

	require.NoError(t, client.Connect(ctx, "dev", "signalChanged", "client", "onChanged"))
	require.NoError(t, ctl.Connect(ctx, "dev", "signalChanged", "client", "onChangedToo"))
	assert.Equal(t, []string{"onChanged", "onChangedToo"}, client.Connections("dev", "signalChanged"))

	require.NoError(t, dev.Emit(ctx, "signalChanged", "moved"))
	assert.Equal(t, "moved", receive(t, local))
	assert.Equal(t, "moved", receive(t, remote))

	require.NoError(t, ctl.Disconnect(ctx, "dev", "signalChanged", "client", "onChangedToo"))
	assert.Equal(t, []string{"onChanged"}, client.Connections("dev", "signalChanged"))
	require.NoError(t, client.Disconnect(ctx, "dev", "signalChanged", "client", "onChanged"))
	assert.Empty(t, client.Connections("dev", "signalChanged"))
	assert.Error(t, client.Disconnect(ctx, "dev", "signalChanged", "client", "onChanged"))

	err := ctl.Connect(ctx, "dev", "signalChanged", "client", "noSuchSlot")
	var re *errors.RemoteError
	assert.True(t, stderrors.As(err, &re))
}

func TestEmitUnregisteredSignal(t *testing.T) {
	dev := newInstance(t, broker.NewMemoryTransport(nil), "dev")
	err := dev.Emit(context.Background(), "signalNope")
	assert.True(t, errors.IsInvalid(err))
}

func TestDuplicateInstanceID(t *testing.T) {
	tr := broker.NewMemoryTransport(nil)
	newInstance(t, tr, "dev")

	dup, err := New(tr, Config{InstanceID: "dev", Topic: "test", PingTimeout: 200 * time.Millisecond})
	require.NoError(t, err)
	err = dup.Start(context.Background())
	assert.ErrorIs(t, err, ErrDuplicateInstance)

	other, err := New(tr, Config{InstanceID: "dev2", Topic: "test", PingTimeout: 50 * time.Millisecond})
	require.NoError(t, err)
	require.NoError(t, other.Start(context.Background()))
	require.NoError(t, other.Stop(context.Background()))
}

func TestPing(t *testing.T) {
	tr := broker.NewMemoryTransport(nil)
	newInstance(t, tr, "dev", func(c *Config) { c.Info = hash.New("classId", "Motor") })
	client := newInstance(t, tr, "client")

	info, err := client.Ping(context.Background(), "dev", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "device", hash.GetOr(info, "type", ""))
	assert.Equal(t, "Motor", hash.GetOr(info, "classId", ""))
	assert.Equal(t, "go", hash.GetOr(info, "lang", ""))
	assert.Equal(t, int32(10), hash.GetOr(info, "heartbeatInterval", int32(0)))
}

func TestAfterReplyRunsOnceAnswered(t *testing.T) {
	tr := broker.NewMemoryTransport(nil)
	dev := newInstance(t, tr, "dev")
	ran := make(chan struct{})
	require.NoError(t, dev.RegisterSlot("bye", Slot0(func(_ context.Context, c *Call) error {
		c.Reply("ok")
		c.AfterReply(func() { close(ran) })
		return nil
	})))
	client := newInstance(t, tr, "client", func(c *Config) { c.Type = TypeClient })

	args, err := client.Request(context.Background(), "dev", "bye").Wait()
	require.NoError(t, err)
	assert.Equal(t, Args{"ok"}, args)
	receive(t, ran)
}
