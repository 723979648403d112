package broker

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/European-XFEL/Karabo-sub009/errors"
	"github.com/European-XFEL/Karabo-sub009/hash"
)

var subjects = Subjects{Topic: "test"}

// echoServer answers every request on instance's slot subject. Requests for
// the slot "fail" get an error reply; "silent" gets none.
func echoServer(t *testing.T, tr Transport, instance string) {
	t.Helper()
	ctx := context.Background()
	_, err := tr.Subscribe(ctx, subjects.Slot(instance), func(ctx context.Context, m *Message) {
		slots := SlotsFor(m.Header, instance)
		if len(slots) != 1 {
			return
		}
		switch slots[0] {
		case "fail":
			_ = Reply(ctx, tr, subjects, instance, m, nil, fmt.Errorf("boom"))
		case "silent":
		default:
			_ = Reply(ctx, tr, subjects, instance, m, m.Body, nil)
		}
	})
	require.NoError(t, err)
}

func newRequester(t *testing.T, tr Transport) *Requester {
	t.Helper()
	r := NewRequester(tr, subjects, "client", nil, nil)
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestRequestReply(t *testing.T) {
	tr := NewMemoryTransport(nil)
	echoServer(t, tr, "dev")
	r := newRequester(t, tr)

	reply, err := r.Request(context.Background(), "dev", "echo", nil, hash.New("a1", int32(7)), time.Second)
	require.NoError(t, err)
	assert.Equal(t, int32(7), hash.GetOr(reply.Body, "a1", int32(0)))
	assert.Equal(t, "dev", reply.HeaderString(HeaderSignalInstanceID))
	assert.Equal(t, 0, r.Pending())
}

func TestRequestErrorReply(t *testing.T) {
	tr := NewMemoryTransport(nil)
	echoServer(t, tr, "dev")
	r := newRequester(t, tr)

	_, err := r.Request(context.Background(), "dev", "fail", nil, nil, time.Second)
	var remote *errors.RemoteError
	require.True(t, stderrors.As(err, &remote))
	assert.Equal(t, "dev", remote.Instance)
	assert.Equal(t, "fail", remote.Slot)
	assert.Equal(t, "boom", remote.Message)
}

func TestRequestTimeout(t *testing.T) {
	tr := NewMemoryTransport(nil)
	echoServer(t, tr, "dev")
	r := newRequester(t, tr)

	start := time.Now()
	_, err := r.Request(context.Background(), "dev", "silent", nil, nil, 50*time.Millisecond)
	assert.ErrorIs(t, err, errors.ErrRemoteTimeout)
	assert.True(t, errors.IsTransient(err))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, 0, r.Pending(), "timed out requests are abandoned")
}

func TestRequestAsync(t *testing.T) {
	tr := NewMemoryTransport(nil)
	echoServer(t, tr, "dev")
	r := newRequester(t, tr)

	got := make(chan int32, 1)
	err := r.RequestAsync(context.Background(), "dev", "echo", nil, hash.New("a1", int32(3)), time.Second,
		func(m *Message, err error) {
			if assert.NoError(t, err) {
				got <- hash.GetOr(m.Body, "a1", int32(0))
			}
		})
	require.NoError(t, err)
	select {
	case v := <-got:
		assert.Equal(t, int32(3), v)
	case <-time.After(time.Second):
		t.Fatal("no async reply")
	}
}

func TestFailInstanceAndClose(t *testing.T) {
	tr := NewMemoryTransport(nil)
	echoServer(t, tr, "dev")
	r := newRequester(t, tr)

	errs := make(chan error, 1)
	go func() {
		_, err := r.Request(context.Background(), "dev", "silent", nil, nil, 5*time.Second)
		errs <- err
	}()
	require.Eventually(t, func() bool { return r.Pending() == 1 }, time.Second, time.Millisecond)
	r.FailInstance("dev")
	assert.ErrorIs(t, <-errs, errors.ErrInstanceGone)

	require.NoError(t, r.Close())
	_, err := r.Request(context.Background(), "dev", "echo", nil, nil, time.Second)
	assert.ErrorIs(t, err, errors.ErrInstanceGone)
}

func TestReplyNeedsReplyTo(t *testing.T) {
	err := Reply(context.Background(), NewMemoryTransport(nil), subjects, "dev", NewMessage(nil, nil), nil, nil)
	assert.True(t, errors.IsInvalid(err))
}
