package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/European-XFEL/Karabo-sub009/hash"
)

func TestHubParkTakeEvict(t *testing.T) {
	hub := NewHub()
	records := []Record{{Data: hash.New("n", int32(1))}}

	id := hub.park("out/a/1", records)
	got, ok := hub.take(id)
	require.True(t, ok)
	assert.Equal(t, records, got)
	_, ok = hub.take(id)
	assert.False(t, ok, "a chunk is taken once")

	hub.park("out/a/1", records)
	hub.park("out/a/1", records)
	kept := hub.park("out/b/2", records)
	assert.Equal(t, 3, hub.Pending())
	assert.Equal(t, 2, hub.evict("out/a/1"))
	assert.Equal(t, 1, hub.Pending())
	_, ok = hub.take(kept)
	assert.True(t, ok)
	assert.Zero(t, hub.evict("out/b/2"))
}

func TestHubsAreSeparateInstances(t *testing.T) {
	a, b := NewHub(), NewHub()
	assert.NotEqual(t, a.Token(), b.Token())
	assert.True(t, a.local(a.Token()))
	assert.False(t, a.local(b.Token()))
	assert.False(t, a.local(""))

	var none *Hub
	assert.Empty(t, none.Token())
	assert.False(t, none.local(a.Token()))
	_, ok := none.take("x")
	assert.False(t, ok)

	// A chunk parked in one hub is invisible to the other.
	id := a.park("out/a/1", nil)
	_, ok = b.take(id)
	assert.False(t, ok)
}
