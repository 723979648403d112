package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/European-XFEL/Karabo-sub009/errors"
	"github.com/European-XFEL/Karabo-sub009/hash"
	"github.com/European-XFEL/Karabo-sub009/metric"
)

// DefaultRequestTimeout applies when a request has no deadline of its own.
const DefaultRequestTimeout = 3 * time.Second

// Requester correlates requests sent by one instance with their replies.
// Replies arrive on a dedicated subject so they are not queued behind the
// instance's own slot calls.
type Requester struct {
	transport Transport
	subjects  Subjects
	instance  string
	logger    *slog.Logger
	metrics   *metric.Metrics

	mu      sync.Mutex
	pending map[string]*pendingRequest
	sub     Subscription
	closed  bool
}

type pendingRequest struct {
	target  string
	slot    string
	started time.Time
	done    chan result
}

type result struct {
	msg *Message
	err error
}

// NewRequester prepares a requester for instance; Start subscribes.
func NewRequester(t Transport, subjects Subjects, instance string, logger *slog.Logger, m *metric.Metrics) *Requester {
	if logger == nil {
		logger = slog.Default()
	}
	return &Requester{
		transport: t,
		subjects:  subjects,
		instance:  instance,
		logger:    logger.With("component", "requester", "instance_id", instance),
		metrics:   m,
		pending:   make(map[string]*pendingRequest),
	}
}

// Start subscribes to the reply subject.
func (r *Requester) Start(ctx context.Context) error {
	sub, err := r.transport.Subscribe(ctx, r.subjects.Reply(r.instance), r.onReply)
	if err != nil {
		return errors.WrapTransient(err, "Requester", "Start", "subscribe to replies")
	}
	r.mu.Lock()
	r.sub = sub
	r.mu.Unlock()
	return nil
}

func (r *Requester) onReply(_ context.Context, msg *Message) {
	id := msg.HeaderString(HeaderReplyFrom)
	r.mu.Lock()
	p, ok := r.pending[id]
	delete(r.pending, id)
	r.mu.Unlock()
	if !ok {
		r.logger.Debug("dropping late or unknown reply", "reply_from", id,
			"from", msg.HeaderString(HeaderSignalInstanceID))
		return
	}
	var err error
	if hash.GetOr(msg.Header, HeaderError, false) {
		err = &errors.RemoteError{
			Instance: p.target,
			Slot:     p.slot,
			Message:  hash.GetOr(msg.Body, "a1", ""),
			Details:  hash.GetOr(msg.Body, "a2", ""),
		}
	}
	p.done <- result{msg: msg, err: err}
}

// send registers a pending request and publishes it to target's slot subject.
func (r *Requester) send(ctx context.Context, target, slot string, header, body *hash.Hash) (string, *pendingRequest, error) {
	id := uuid.NewString()
	p := &pendingRequest{target: target, slot: slot, started: time.Now(), done: make(chan result, 1)}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return "", nil, errors.WrapTransient(errors.ErrInstanceGone, "Requester", "Request", "requester closed")
	}
	r.pending[id] = p
	r.mu.Unlock()

	msg := NewMessage(header.Clone(), body)
	msg.Header.Set(HeaderSignalInstanceID, r.instance)
	msg.Header.Set(HeaderSignalFunction, "__request__")
	msg.Header.Set(HeaderSlotInstanceIDs, JoinInstanceIDs(target))
	msg.Header.Set(HeaderSlotFunctions, JoinSlotFunctions(SlotTarget{Instance: target, Slots: []string{slot}}))
	msg.Header.Set(HeaderReplyTo, id)
	if err := r.transport.Publish(ctx, r.subjects.Slot(target), msg); err != nil {
		r.forget(id)
		return "", nil, err
	}
	return id, p, nil
}

func (r *Requester) forget(id string) {
	r.mu.Lock()
	delete(r.pending, id)
	r.mu.Unlock()
}

// Request calls slot on target and waits for the reply. header may be nil.
// A timeout of zero means DefaultRequestTimeout.
func (r *Requester) Request(ctx context.Context, target, slot string, header, body *hash.Hash, timeout time.Duration) (*Message, error) {
	if header == nil {
		header = &hash.Hash{}
	}
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	id, p, err := r.send(ctx, target, slot, header, body)
	if err != nil {
		return nil, err
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-p.done:
		status := "ok"
		if res.err != nil {
			status = "error"
		}
		r.metrics.RecordRequest(status, time.Since(p.started))
		return res.msg, res.err
	case <-timer.C:
		r.forget(id)
		r.metrics.RecordRequest("timeout", time.Since(p.started))
		return nil, fmt.Errorf("request %s.%s after %s: %w", target, slot, timeout, errors.ErrRemoteTimeout)
	case <-ctx.Done():
		r.forget(id)
		return nil, fmt.Errorf("request %s.%s: %w", target, slot, ctx.Err())
	}
}

// RequestAsync calls slot on target and runs onReply on a new goroutine once
// the reply, a timeout or a failure arrives.
func (r *Requester) RequestAsync(ctx context.Context, target, slot string, header, body *hash.Hash,
	timeout time.Duration, onReply func(*Message, error)) error {
	if header == nil {
		header = &hash.Hash{}
	}
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	id, p, err := r.send(ctx, target, slot, header, body)
	if err != nil {
		return err
	}
	go func() {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case res := <-p.done:
			onReply(res.msg, res.err)
		case <-timer.C:
			r.forget(id)
			r.metrics.RecordRequest("timeout", time.Since(p.started))
			onReply(nil, fmt.Errorf("request %s.%s after %s: %w", target, slot, timeout, errors.ErrRemoteTimeout))
		}
	}()
	return nil
}

// FailInstance fails every request pending on target, used when target is
// reported gone.
func (r *Requester) FailInstance(target string) {
	r.mu.Lock()
	var failed []*pendingRequest
	for id, p := range r.pending {
		if p.target == target {
			failed = append(failed, p)
			delete(r.pending, id)
		}
	}
	r.mu.Unlock()
	for _, p := range failed {
		p.done <- result{err: fmt.Errorf("request %s.%s: %w", p.target, p.slot, errors.ErrInstanceGone)}
	}
}

// Pending returns the number of outstanding requests.
func (r *Requester) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Close fails all outstanding requests and unsubscribes.
func (r *Requester) Close() error {
	r.mu.Lock()
	r.closed = true
	pending := r.pending
	r.pending = make(map[string]*pendingRequest)
	sub := r.sub
	r.sub = nil
	r.mu.Unlock()
	for _, p := range pending {
		p.done <- result{err: fmt.Errorf("request %s.%s: %w", p.target, p.slot, errors.ErrInstanceGone)}
	}
	if sub != nil {
		return sub.Unsubscribe()
	}
	return nil
}

// Reply answers req on behalf of instance. A non-nil failure is sent as an
// error reply carrying the message and details.
func Reply(ctx context.Context, t Transport, subjects Subjects, instance string, req *Message, body *hash.Hash, failure error) error {
	id := req.HeaderString(HeaderReplyTo)
	sender := req.HeaderString(HeaderSignalInstanceID)
	if id == "" || sender == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "broker", "Reply", "request carries no replyTo")
	}
	header := hash.New(
		HeaderSignalInstanceID, instance,
		HeaderSignalFunction, ReplyFunction,
		HeaderReplyFrom, id,
		HeaderSlotInstanceIDs, JoinInstanceIDs(sender),
	)
	if failure != nil {
		header.Set(HeaderError, true)
		body = hash.New("a1", failure.Error(), "a2", fmt.Sprintf("%+v", failure))
	}
	return t.Publish(ctx, subjects.Reply(sender), NewMessage(header, body))
}
