package timestamp

import (
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/European-XFEL/Karabo-sub009/hash"
)

var testTime = time.Date(2023, 1, 15, 12, 30, 45, 123000000, time.UTC)

func TestFromTimeRoundTrip(t *testing.T) {
	ts := FromTime(testTime)
	assert.Equal(t, uint64(testTime.Unix()), ts.Sec)
	assert.Equal(t, uint64(123_000_000)*attosecondsPerNano, ts.Frac)
	assert.True(t, ts.Time().Equal(testTime))

	assert.True(t, FromTime(time.Time{}).IsZero())
	assert.True(t, Timestamp{}.Time().IsZero())
}

func TestCompareAndSub(t *testing.T) {
	a := FromTime(testTime)
	b := a.Add(1500 * time.Millisecond)

	assert.True(t, a.Before(b))
	assert.Equal(t, 1, b.Compare(a))
	assert.Equal(t, 0, a.Compare(a))
	assert.Equal(t, 1500*time.Millisecond, b.Sub(a))
	assert.Equal(t, -1500*time.Millisecond, a.Sub(b))
}

func TestStringParse(t *testing.T) {
	ts := Timestamp{Sec: uint64(testTime.Unix()), Frac: 123_000_000_000_000_001}
	s := ts.String()
	assert.Equal(t, "2023-01-15T12:30:45.123000000000000001Z", s)

	back, err := Parse(s)
	require.NoError(t, err)
	assert.Equal(t, ts, back)

	rfc, err := Parse("2023-01-15T12:30:45.5Z")
	require.NoError(t, err)
	assert.Equal(t, uint64(testTime.Unix()), rfc.Sec)
	assert.Equal(t, AttosecondsPerSecond/2, rfc.Frac)

	_, err = Parse("yesterday")
	assert.Error(t, err)
}

func TestAttributes(t *testing.T) {
	h := hash.New("value", 1.5)
	ts := Timestamp{Sec: 10, Frac: 20, Tid: 30}
	ts.ToAttributes(h.Attributes("value"))

	got, ok := FromAttributes(h.Attributes("value"))
	require.True(t, ok)
	assert.Equal(t, ts, got)

	_, ok = FromAttributes(hash.New("x", 1).Attributes("x"))
	assert.False(t, ok)
}

func TestStampMarksEveryLeaf(t *testing.T) {
	h := hash.New("a.b", int32(1), "c", "x")
	Stamp(h, Timestamp{Sec: 1, Frac: 2, Tid: 3})
	for _, path := range []string{"a.b", "c"} {
		tid, ok := h.GetAttribute(path, hash.AttrTimestampTid)
		require.True(t, ok, path)
		assert.Equal(t, uint64(3), tid)
	}
	assert.False(t, h.Attributes("a").Has(hash.AttrTimestampSec))
}

func TestTrainSourceWithoutTick(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(testTime)
	src := NewTrainSource(mock)

	ts := src.Now()
	assert.Equal(t, uint64(0), ts.Tid)
	assert.True(t, ts.Time().Equal(testTime))
}

func TestTrainSourceExtrapolatesTrainID(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(testTime)
	src := NewTrainSource(mock)

	tick := FromTime(testTime)
	src.Tick(1000, tick.Sec, tick.Frac, 100_000) // 10 Hz

	assert.Equal(t, uint64(1000), src.TrainID())

	mock.Add(250 * time.Millisecond)
	assert.Equal(t, uint64(1002), src.TrainID())

	mock.Add(time.Second)
	assert.Equal(t, uint64(1012), src.Now().Tid)
	assert.Equal(t, uint64(1000), src.TrainAt(tick))
}

func TestTrainSourceIsMonotonic(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(testTime)
	src := NewTrainSource(mock)

	first := src.Now()
	mock.Set(testTime.Add(-time.Hour))
	second := src.Now()
	assert.False(t, second.Before(first))
}

func TestTrainSourceConcurrentUse(t *testing.T) {
	src := NewTrainSource(nil)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var prev Timestamp
			for j := 0; j < 100; j++ {
				if j%10 == 0 {
					src.Tick(uint64(i+1), 0, 0, 100_000)
				}
				now := src.Now()
				assert.False(t, now.Before(prev))
				prev = now
			}
		}(i)
	}
	wg.Wait()
}
