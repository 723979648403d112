//go:build integration

package broker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/European-XFEL/Karabo-sub009/hash"
	"github.com/European-XFEL/Karabo-sub009/natsclient"
)

func TestNATSTransportRequestReply(t *testing.T) {
	tc := natsclient.NewTestClient(t)
	tr := NewNATSTransport(tc.Client, nil)
	ctx := context.Background()
	require.NoError(t, tr.Connect(ctx))

	echoServer(t, tr, "dev")
	var signals collector
	_, err := tr.Subscribe(ctx, subjects.AllSignals("dev"), signals.handle)
	require.NoError(t, err)
	r := newRequester(t, tr)
	require.NoError(t, tr.Flush(ctx))

	reply, err := r.Request(ctx, "dev", "echo", nil, hash.New("a1", int32(5)), 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, int32(5), hash.GetOr(reply.Body, "a1", int32(0)))

	for i := 0; i < 10; i++ {
		require.NoError(t, tr.Publish(ctx, subjects.Signal("dev", "signalChanged"), NewMessage(nil, hash.New("n", int32(i)))))
	}
	require.Eventually(t, func() bool { return signals.len() == 10 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []int32{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, signals.values("n"))
}
