package buffer

import (
	"sync/atomic"
)

// Statistics tracks buffer activity. All methods are safe for concurrent use.
type Statistics struct {
	writes    atomic.Int64
	reads     atomic.Int64
	overflows atomic.Int64
	drops     atomic.Int64
	size      atomic.Int64
	maxSize   atomic.Int64
}

// NewStatistics creates a new statistics tracker.
func NewStatistics() *Statistics {
	return &Statistics{}
}

func (s *Statistics) write()    { s.writes.Add(1) }
func (s *Statistics) read(n int) { s.reads.Add(int64(n)) }
func (s *Statistics) drop(n int) {
	s.overflows.Add(1)
	s.drops.Add(int64(n))
}

func (s *Statistics) updateSize(size int) {
	s.size.Store(int64(size))
	for {
		cur := s.maxSize.Load()
		if int64(size) <= cur || s.maxSize.CompareAndSwap(cur, int64(size)) {
			return
		}
	}
}

// Writes returns the number of accepted writes.
func (s *Statistics) Writes() int64 { return s.writes.Load() }

// Reads returns the number of items read.
func (s *Statistics) Reads() int64 { return s.reads.Load() }

// Overflows returns the number of writes that hit a full buffer and dropped.
func (s *Statistics) Overflows() int64 { return s.overflows.Load() }

// Drops returns the number of dropped items, including those removed by Clear.
func (s *Statistics) Drops() int64 { return s.drops.Load() }

// CurrentSize returns the item count at the last operation.
func (s *Statistics) CurrentSize() int64 { return s.size.Load() }

// MaxSize returns the high water mark.
func (s *Statistics) MaxSize() int64 { return s.maxSize.Load() }

// DropRate returns drops per accepted write (0.0 when nothing was written).
func (s *Statistics) DropRate() float64 {
	writes := s.Writes()
	if writes == 0 {
		return 0
	}
	return float64(s.Drops()) / float64(writes)
}

// StatsSummary is a snapshot of Statistics.
type StatsSummary struct {
	Writes    int64   `json:"writes"`
	Reads     int64   `json:"reads"`
	Overflows int64   `json:"overflows"`
	Drops     int64   `json:"drops"`
	Size      int64   `json:"size"`
	MaxSize   int64   `json:"max_size"`
	DropRate  float64 `json:"drop_rate"`
}

// Summary returns a snapshot of all statistics.
func (s *Statistics) Summary() StatsSummary {
	return StatsSummary{
		Writes:    s.Writes(),
		Reads:     s.Reads(),
		Overflows: s.Overflows(),
		Drops:     s.Drops(),
		Size:      s.CurrentSize(),
		MaxSize:   s.MaxSize(),
		DropRate:  s.DropRate(),
	}
}
