package broker

import (
	"context"
	"log/slog"
	"sync"

	"github.com/European-XFEL/Karabo-sub009/errors"
	"github.com/European-XFEL/Karabo-sub009/pkg/buffer"
)

// MemoryTransport delivers messages within one process. Each subscription
// owns an unbounded queue drained by its own goroutine, so a slow handler
// never blocks publishers.
type MemoryTransport struct {
	logger *slog.Logger

	mu     sync.RWMutex
	subs   map[*memorySub]struct{}
	closed bool
}

// NewMemoryTransport returns a ready transport; Connect is a no-op.
func NewMemoryTransport(logger *slog.Logger) *MemoryTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryTransport{
		logger: logger.With("component", "memory-transport"),
		subs:   make(map[*memorySub]struct{}),
	}
}

type memorySub struct {
	t       *MemoryTransport
	pattern string
	queue   *buffer.CircularBuffer[*Message]
	done    chan struct{}
	once    sync.Once
}

func (t *MemoryTransport) Connect(context.Context) error { return nil }

// Publish copies msg to every matching subscription.
func (t *MemoryTransport) Publish(_ context.Context, subject string, msg *Message) error {
	// Encode once so that receivers get private copies, as over a network.
	data, err := msg.Encode()
	if err != nil {
		return errors.WrapInvalid(err, "MemoryTransport", "Publish", "encode message")
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return errors.WrapTransient(errors.ErrTransport, "MemoryTransport", "Publish", "transport closed")
	}
	for s := range t.subs {
		if !Match(s.pattern, subject) {
			continue
		}
		m, err := Decode(subject, data)
		if err != nil {
			return errors.WrapInvalid(err, "MemoryTransport", "Publish", "decode message")
		}
		if err := s.queue.Write(m); err != nil {
			t.logger.Debug("dropping message for closed subscription", "subject", subject)
		}
	}
	return nil
}

// Subscribe registers h for subjects matching pattern.
func (t *MemoryTransport) Subscribe(ctx context.Context, pattern string, h Handler) (Subscription, error) {
	q, err := buffer.NewCircularBuffer[*Message](64, buffer.WithOverflowPolicy[*Message](buffer.Grow))
	if err != nil {
		return nil, err
	}
	s := &memorySub{t: t, pattern: pattern, queue: q, done: make(chan struct{})}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, errors.WrapTransient(errors.ErrTransport, "MemoryTransport", "Subscribe", "transport closed")
	}
	t.subs[s] = struct{}{}
	t.mu.Unlock()

	go s.run(context.WithoutCancel(ctx), h)
	return s, nil
}

func (s *memorySub) run(ctx context.Context, h Handler) {
	defer close(s.done)
	for {
		m, err := s.queue.ReadWait(ctx)
		if err != nil {
			return
		}
		h(ctx, m)
	}
}

// Unsubscribe stops delivery. Messages already queued are discarded.
func (s *memorySub) Unsubscribe() error {
	s.once.Do(func() {
		s.t.mu.Lock()
		delete(s.t.subs, s)
		s.t.mu.Unlock()
		s.queue.Clear()
		s.queue.Close()
	})
	return nil
}

// Close unsubscribes everything.
func (t *MemoryTransport) Close(context.Context) error {
	t.mu.Lock()
	t.closed = true
	subs := make([]*memorySub, 0, len(t.subs))
	for s := range t.subs {
		subs = append(subs, s)
	}
	t.mu.Unlock()
	for _, s := range subs {
		_ = s.Unsubscribe()
	}
	return nil
}
