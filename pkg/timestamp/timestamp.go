// Package timestamp provides the (seconds, attoseconds, trainId) timestamp that
// is attached to every property value, and the process-wide train source that
// produces it.
//
// Zero Value Semantics:
//   - A Timestamp with Sec == 0 and Frac == 0 means "not set"
//   - Tid == 0 means no train tick has been received yet
//
// Usage Examples:
//
//	src := timestamp.NewTrainSource(clock.New())
//	src.Tick(1000, sec, frac, 100000) // 10 Hz trains
//	ts := src.Now()
//	ts.ToAttributes(h.Attributes("value"))
package timestamp

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/European-XFEL/Karabo-sub009/hash"
)

// AttosecondsPerSecond is the resolution of Frac.
const AttosecondsPerSecond uint64 = 1_000_000_000_000_000_000

const attosecondsPerNano = AttosecondsPerSecond / uint64(time.Second)

// Timestamp is an epoch time with attosecond fraction plus the train id that
// was current when it was taken.
type Timestamp struct {
	Sec  uint64
	Frac uint64
	Tid  uint64
}

// FromTime converts t, keeping nanosecond resolution.
func FromTime(t time.Time) Timestamp {
	if t.IsZero() {
		return Timestamp{}
	}
	return Timestamp{Sec: uint64(t.Unix()), Frac: uint64(t.Nanosecond()) * attosecondsPerNano}
}

// Time converts back to time.Time, truncating to nanoseconds.
func (t Timestamp) Time() time.Time {
	if t.IsZero() {
		return time.Time{}
	}
	return time.Unix(int64(t.Sec), int64(t.Frac/attosecondsPerNano)).UTC()
}

// IsZero reports whether the epoch part is unset.
func (t Timestamp) IsZero() bool {
	return t.Sec == 0 && t.Frac == 0
}

// Compare orders by (Sec, Frac); Tid is ignored.
func (t Timestamp) Compare(o Timestamp) int {
	switch {
	case t.Sec < o.Sec:
		return -1
	case t.Sec > o.Sec:
		return 1
	case t.Frac < o.Frac:
		return -1
	case t.Frac > o.Frac:
		return 1
	}
	return 0
}

// Before reports whether t is strictly earlier than o.
func (t Timestamp) Before(o Timestamp) bool { return t.Compare(o) < 0 }

// Sub returns t - o with nanosecond resolution.
func (t Timestamp) Sub(o Timestamp) time.Duration {
	secs := int64(t.Sec) - int64(o.Sec)
	frac := int64(t.Frac/attosecondsPerNano) - int64(o.Frac/attosecondsPerNano)
	return time.Duration(secs)*time.Second + time.Duration(frac)
}

// Add returns t shifted by d, keeping Tid.
func (t Timestamp) Add(d time.Duration) Timestamp {
	out := FromTime(t.Time().Add(d))
	out.Frac += t.Frac % attosecondsPerNano
	out.Tid = t.Tid
	return out
}

// String formats the epoch part as ISO 8601 with 18 fractional digits.
func (t Timestamp) String() string {
	if t.IsZero() {
		return ""
	}
	return fmt.Sprintf("%s.%018dZ", time.Unix(int64(t.Sec), 0).UTC().Format("2006-01-02T15:04:05"), t.Frac)
}

// Parse reads the String form or any RFC 3339 time.
func Parse(s string) (Timestamp, error) {
	if s == "" {
		return Timestamp{}, nil
	}
	body := strings.TrimSuffix(s, "Z")
	if whole, frac, ok := strings.Cut(body, "."); ok && len(frac) == 18 {
		base, err := time.Parse("2006-01-02T15:04:05", whole)
		if err == nil {
			if f, err := strconv.ParseUint(frac, 10, 64); err == nil {
				return Timestamp{Sec: uint64(base.Unix()), Frac: f}, nil
			}
		}
	}
	tt, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return Timestamp{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return FromTime(tt), nil
}

// ToAttributes stores t as the sec/frac/tid attributes of a Hash node.
func (t Timestamp) ToAttributes(attrs *hash.Attributes) {
	if attrs == nil {
		return
	}
	_ = attrs.Set(hash.AttrTimestampSec, t.Sec)
	_ = attrs.Set(hash.AttrTimestampFrac, t.Frac)
	_ = attrs.Set(hash.AttrTimestampTid, t.Tid)
}

// FromAttributes reads a timestamp previously written by ToAttributes.
func FromAttributes(attrs *hash.Attributes) (Timestamp, bool) {
	sec, ok1 := attrs.Get(hash.AttrTimestampSec)
	frac, ok2 := attrs.Get(hash.AttrTimestampFrac)
	if !ok1 || !ok2 {
		return Timestamp{}, false
	}
	var t Timestamp
	t.Sec, ok1 = sec.(uint64)
	t.Frac, ok2 = frac.(uint64)
	if tid, ok := attrs.Get(hash.AttrTimestampTid); ok {
		t.Tid, _ = tid.(uint64)
	}
	return t, ok1 && ok2
}

// Stamp attaches t to every leaf of h.
func Stamp(h *hash.Hash, t Timestamp) {
	for _, path := range h.Paths() {
		t.ToAttributes(h.Attributes(path))
	}
}

// TrainSource is the thread-safe, process-wide clock that stamps train ids.
// Its epoch part never decreases, even if the wall clock steps backwards.
type TrainSource struct {
	clock clock.Clock

	mu       sync.Mutex
	last     Timestamp
	tickID   uint64
	tickAt   Timestamp
	periodNs uint64
}

// NewTrainSource creates a source reading clk. A nil clk uses the wall clock.
func NewTrainSource(clk clock.Clock) *TrainSource {
	if clk == nil {
		clk = clock.New()
	}
	return &TrainSource{clock: clk}
}

// Tick records a train tick: train id was current at (sec, frac), and trains
// follow every periodMicros microseconds.
func (s *TrainSource) Tick(id, sec, frac, periodMicros uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tickID = id
	s.tickAt = Timestamp{Sec: sec, Frac: frac}
	s.periodNs = periodMicros * uint64(time.Microsecond)
}

// Now returns the current timestamp with the train id extrapolated from the
// latest tick.
func (s *TrainSource) Now() Timestamp {
	now := FromTime(s.clock.Now())
	s.mu.Lock()
	defer s.mu.Unlock()
	if now.Before(s.last) {
		now = s.last
	}
	s.last = now
	now.Tid = s.trainAt(now)
	return now
}

// TrainID returns the train id current at the source's time.
func (s *TrainSource) TrainID() uint64 {
	return s.Now().Tid
}

// TrainAt extrapolates the train id at t without advancing the source.
func (s *TrainSource) TrainAt(t Timestamp) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.trainAt(t)
}

func (s *TrainSource) trainAt(t Timestamp) uint64 {
	if s.tickID == 0 {
		return 0
	}
	if s.periodNs == 0 || t.Before(s.tickAt) {
		return s.tickID
	}
	elapsed := t.Sub(s.tickAt)
	if elapsed < 0 {
		return s.tickID
	}
	trains := uint64(elapsed) / s.periodNs
	if trains > math.MaxUint64-s.tickID {
		return math.MaxUint64
	}
	return s.tickID + trains
}

// Clock returns the clock the source reads.
func (s *TrainSource) Clock() clock.Clock { return s.clock }
