package broker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/European-XFEL/Karabo-sub009/errors"
	"github.com/European-XFEL/Karabo-sub009/hash"
)

type collector struct {
	mu   sync.Mutex
	msgs []*Message
}

func (c *collector) handle(_ context.Context, m *Message) {
	c.mu.Lock()
	c.msgs = append(c.msgs, m)
	c.mu.Unlock()
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func (c *collector) values(key string) []int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]int32, len(c.msgs))
	for i, m := range c.msgs {
		out[i] = hash.GetOr(m.Body, key, int32(-1))
	}
	return out
}

func TestMemoryTransportFanOutAndOrder(t *testing.T) {
	ctx := context.Background()
	tr := NewMemoryTransport(nil)
	require.NoError(t, tr.Connect(ctx))
	defer tr.Close(ctx)

	var exact, wild, other collector
	_, err := tr.Subscribe(ctx, "k.signals.dev1.signalChanged", exact.handle)
	require.NoError(t, err)
	_, err = tr.Subscribe(ctx, "k.signals.*.signalChanged", wild.handle)
	require.NoError(t, err)
	_, err = tr.Subscribe(ctx, "k.slots.dev1", other.handle)
	require.NoError(t, err)

	want := make([]int32, 200)
	for i := range want {
		want[i] = int32(i)
		require.NoError(t, tr.Publish(ctx, "k.signals.dev1.signalChanged", NewMessage(nil, hash.New("n", int32(i)))))
	}

	require.Eventually(t, func() bool { return exact.len() == 200 && wild.len() == 200 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, want, exact.values("n"))
	assert.Equal(t, want, wild.values("n"))
	assert.Equal(t, 0, other.len())
}

func TestMemoryTransportCopiesMessages(t *testing.T) {
	ctx := context.Background()
	tr := NewMemoryTransport(nil)
	defer tr.Close(ctx)

	var a collector
	_, err := tr.Subscribe(ctx, "x", a.handle)
	require.NoError(t, err)

	body := hash.New("n", int32(1))
	require.NoError(t, tr.Publish(ctx, "x", NewMessage(nil, body)))
	body.Set("n", int32(2))

	require.Eventually(t, func() bool { return a.len() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []int32{1}, a.values("n"))
}

func TestMemoryTransportUnsubscribeAndClose(t *testing.T) {
	ctx := context.Background()
	tr := NewMemoryTransport(nil)

	var a collector
	sub, err := tr.Subscribe(ctx, "x", a.handle)
	require.NoError(t, err)
	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, tr.Publish(ctx, "x", NewMessage(nil, nil)))

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, a.len())

	require.NoError(t, tr.Close(ctx))
	err = tr.Publish(ctx, "x", NewMessage(nil, nil))
	assert.ErrorIs(t, err, errors.ErrTransport)
	assert.True(t, errors.IsTransient(err))
	_, err = tr.Subscribe(ctx, "x", a.handle)
	assert.Error(t, err)
}
