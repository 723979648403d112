// Package signalslot implements typed RPC and publish/subscribe between
// named instances on top of a broker.Transport.
//
// An instance registers slots (named handlers) and signals (named events).
// Other instances call slots fire-and-forget, request them and wait for a
// reply, or connect slots to signals. All slot handlers of one instance run
// on a single dispatch goroutine, in arrival order.
//
// Every instance announces itself with instanceNew on start and instanceGone
// on stop and emits a heartbeat; instances that track the topology drop a
// peer whose heartbeat is missing for two intervals.
package signalslot

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/European-XFEL/Karabo-sub009/broker"
	"github.com/European-XFEL/Karabo-sub009/errors"
	"github.com/European-XFEL/Karabo-sub009/hash"
	"github.com/European-XFEL/Karabo-sub009/metric"
	"github.com/European-XFEL/Karabo-sub009/pkg/worker"
)

// InstanceType classifies instances in the topology.
type InstanceType string

const (
	TypeDevice InstanceType = "device"
	TypeServer InstanceType = "server"
	TypeClient InstanceType = "client"
)

// Built-in slot and signal names.
const (
	SlotPing                 = "slotPing"
	SlotPingAnswer           = "slotPingAnswer"
	SlotDiscover             = "slotDiscover"
	SlotInstanceNew          = "slotInstanceNew"
	SlotInstanceGone         = "slotInstanceGone"
	SlotInstanceUpdated      = "slotInstanceUpdated"
	SlotConnectToSignal      = "slotConnectToSignal"
	SlotDisconnectFromSignal = "slotDisconnectFromSignal"
	SignalHeartbeat          = "signalHeartbeat"
)

// HeaderAccessLevel carries the caller's access level name.
const HeaderAccessLevel = "accessLevel"

// ErrDuplicateInstance is returned by Start when another live instance
// answers to the same id.
var ErrDuplicateInstance = fmt.Errorf("instance id already in use: %w", errors.ErrAlreadyStarted)

// Config configures a SignalSlotable.
type Config struct {
	InstanceID string
	Type       InstanceType
	// Topic scopes all subjects; instances only see peers on the same topic.
	Topic string
	// HeartbeatInterval defaults to 10s and is rounded to whole seconds.
	HeartbeatInterval time.Duration
	// TrackTopology subscribes to discovery traffic and maintains Topology.
	TrackTopology bool
	// TopologyCheckInterval is how often missing heartbeats are looked for.
	TopologyCheckInterval time.Duration
	// PingTimeout bounds the duplicate id ping at Start. Negative skips it.
	PingTimeout time.Duration
	// Info is merged into the instance info announced to peers.
	Info *hash.Hash
	// UserName and AccessLevel are sent in the header of every outgoing
	// message; receivers use them for access checks.
	UserName    string
	AccessLevel string
	// QueueSize of the dispatch queue.
	QueueSize int
	Clock     clock.Clock
	Logger    *slog.Logger
	Metrics   *metric.Metrics
}

func (c *Config) applyDefaults() {
	if c.Type == "" {
		c.Type = TypeClient
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	c.HeartbeatInterval = c.HeartbeatInterval.Round(time.Second)
	if c.HeartbeatInterval < time.Second {
		c.HeartbeatInterval = time.Second
	}
	if c.TopologyCheckInterval <= 0 {
		c.TopologyCheckInterval = time.Second
	}
	if c.PingTimeout == 0 {
		c.PingTimeout = 300 * time.Millisecond
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1000
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

type signalKey struct {
	instance string
	signal   string
}

// SignalSlotable is one addressable instance on the broker.
type SignalSlotable struct {
	cfg       Config
	id        string
	transport broker.Transport
	subjects  broker.Subjects
	requester *broker.Requester
	pool      *worker.Pool[func()]
	clock     clock.Clock
	logger    *slog.Logger
	metrics   *metric.Metrics

	mu         sync.RWMutex
	slots      map[string]SlotFunc
	signals    map[string]struct{}
	conns      map[signalKey][]string
	signalSubs map[signalKey]broker.Subscription
	subs       []broker.Subscription
	info       *hash.Hash
	host       string
	onError    func(slot string, err error)
	onCall     func(slot string, took time.Duration, err error)

	topo topology

	lifecycle sync.Mutex
	started   bool
	stopped   bool
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New creates an instance; Start connects it.
func New(t broker.Transport, cfg Config) (*SignalSlotable, error) {
	if err := broker.ValidateInstanceID(cfg.InstanceID); err != nil {
		return nil, errors.WrapInvalid(err, "SignalSlotable", "New", "validate instance id")
	}
	cfg.applyDefaults()
	s := &SignalSlotable{
		cfg:        cfg,
		id:         cfg.InstanceID,
		transport:  t,
		subjects:   broker.Subjects{Topic: cfg.Topic},
		clock:      cfg.Clock,
		logger:     cfg.Logger.With("instance_id", cfg.InstanceID),
		metrics:    cfg.Metrics,
		slots:      make(map[string]SlotFunc),
		signals:    make(map[string]struct{}),
		conns:      make(map[signalKey][]string),
		signalSubs: make(map[signalKey]broker.Subscription),
		info:       newInfo(cfg),
		host:       hostname(),
		ctx:        context.Background(),
	}
	s.topo.init()
	s.requester = broker.NewRequester(t, s.subjects, s.id, s.logger, s.metrics)
	s.pool = worker.NewPool[func()](1, cfg.QueueSize,
		func(_ context.Context, job func()) error {
			job()
			return nil
		},
		worker.WithErrorHandler[func()](func(_ func(), err error) {
			s.logger.Error("dispatch job failed", "error", err)
		}),
		worker.WithMetricsRegistry[func()](cfg.Metrics.Registry(), "dispatch_"+cfg.InstanceID),
	)
	s.registerBuiltins()
	return s, nil
}

func newInfo(cfg Config) *hash.Hash {
	info := hash.New(
		"type", string(cfg.Type),
		"heartbeatInterval", int32(cfg.HeartbeatInterval/time.Second),
		"status", "ok",
		"lang", "go",
		"host", hostname(),
	)
	if cfg.Info != nil {
		info.Merge(cfg.Info, hash.MergeAttributes)
	}
	return info
}

func hostname() string {
	host, err := os.Hostname()
	if err != nil {
		return "localhost"
	}
	return host
}

// ID returns the instance id.
func (s *SignalSlotable) ID() string { return s.id }

// Topic returns the broker topic.
func (s *SignalSlotable) Topic() string { return s.cfg.Topic }

// Clock returns the clock driving heartbeats.
func (s *SignalSlotable) Clock() clock.Clock { return s.clock }

// Logger returns the instance logger.
func (s *SignalSlotable) Logger() *slog.Logger { return s.logger }

// OnHandlerError installs fn to observe slot handler failures.
func (s *SignalSlotable) OnHandlerError(fn func(slot string, err error)) {
	s.mu.Lock()
	s.onError = fn
	s.mu.Unlock()
}

// OnSlotCall installs fn to observe every slot invocation.
func (s *SignalSlotable) OnSlotCall(fn func(slot string, took time.Duration, err error)) {
	s.mu.Lock()
	s.onCall = fn
	s.mu.Unlock()
}

// RegisterSlot adds a slot. Names must be unique per instance.
func (s *SignalSlotable) RegisterSlot(name string, fn SlotFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.slots[name]; ok {
		return errors.WrapInvalid(fmt.Errorf("slot %q already registered", name), "SignalSlotable", "RegisterSlot", "register slot")
	}
	s.slots[name] = fn
	return nil
}

// HasSlot reports whether name is registered.
func (s *SignalSlotable) HasSlot(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.slots[name]
	return ok
}

// RegisterSignal declares a signal so that it may be emitted.
func (s *SignalSlotable) RegisterSignal(name string) {
	s.mu.Lock()
	s.signals[name] = struct{}{}
	s.mu.Unlock()
}

// Start subscribes, pings for a duplicate id, starts dispatch and
// heartbeats and announces the instance.
func (s *SignalSlotable) Start(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	if s.started {
		return errors.ErrAlreadyStarted
	}

	if err := s.requester.Start(ctx); err != nil {
		return err
	}
	if s.cfg.PingTimeout > 0 && s.instanceAnswers(ctx, s.id, s.cfg.PingTimeout) {
		_ = s.requester.Close()
		return errors.WrapInvalid(ErrDuplicateInstance, "SignalSlotable", "Start", "ping "+s.id)
	}

	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	if err := s.pool.Start(s.ctx); err != nil {
		return err
	}

	subscriptions := []struct {
		subject string
		h       broker.Handler
	}{
		{s.subjects.Slot(s.id), s.onSlotMessage},
		{s.subjects.Global(), s.onGlobalMessage},
	}
	if s.cfg.TrackTopology {
		subscriptions = append(subscriptions, struct {
			subject string
			h       broker.Handler
		}{s.subjects.Signal("*", SignalHeartbeat), s.onHeartbeat})
	}
	for _, sub := range subscriptions {
		handle, err := s.transport.Subscribe(s.ctx, sub.subject, sub.h)
		if err != nil {
			s.cancel()
			return errors.WrapTransient(err, "SignalSlotable", "Start", "subscribe "+sub.subject)
		}
		s.mu.Lock()
		s.subs = append(s.subs, handle)
		s.mu.Unlock()
	}

	s.topo.add(s.id, s.Info(), s.cfg.HeartbeatInterval, s.clock.Now())
	s.wg.Add(1)
	go s.heartbeatLoop()
	if s.cfg.TrackTopology {
		s.wg.Add(1)
		go s.expiryLoop()
	}
	s.started = true

	s.logger.Info("instance started", "type", s.cfg.Type, "topic", s.cfg.Topic)
	return s.CallGlobal(s.ctx, SlotInstanceNew, s.id, s.Info())
}

// Stop announces instanceGone, fails pending requests and stops dispatch.
// It must not be called from a slot handler of the same instance.
func (s *SignalSlotable) Stop(ctx context.Context) error {
	return s.shutdown(ctx, true)
}

func (s *SignalSlotable) shutdown(ctx context.Context, announce bool) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	if !s.started || s.stopped {
		return nil
	}
	s.stopped = true

	var errs error
	if announce {
		if err := s.CallGlobal(ctx, SlotInstanceGone, s.id, s.Info()); err != nil {
			errs = err
		}
	}
	s.cancel()

	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	for k, sub := range s.signalSubs {
		subs = append(subs, sub)
		delete(s.signalSubs, k)
	}
	s.mu.Unlock()
	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}

	_ = s.requester.Close()
	if err := s.pool.Stop(5 * time.Second); err != nil {
		s.logger.Warn("dispatch did not drain", "error", err)
	}
	s.wg.Wait()
	s.logger.Info("instance stopped")
	return errs
}

// Done is closed once the instance has been stopped.
func (s *SignalSlotable) Done() <-chan struct{} {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	return s.ctx.Done()
}

type dispatchKey struct{}

// inHandler reports whether ctx belongs to a slot handler of s.
func (s *SignalSlotable) inHandler(ctx context.Context) bool {
	owner, _ := ctx.Value(dispatchKey{}).(*SignalSlotable)
	return owner == s
}

// enqueue runs job on the dispatch goroutine.
func (s *SignalSlotable) enqueue(job func()) {
	if err := s.pool.SubmitWait(s.ctx, job); err != nil {
		if stderrors.Is(err, errors.ErrShuttingDown) || stderrors.Is(err, context.Canceled) {
			s.logger.Debug("dropping dispatch job", "error", err)
			return
		}
		s.logger.Warn("dropping dispatch job", "error", err)
	}
}

func (s *SignalSlotable) header(function string) *hash.Hash {
	h := hash.New(
		broker.HeaderSignalInstanceID, s.id,
		broker.HeaderSignalFunction, function,
		broker.HeaderHostName, s.host,
	)
	if s.cfg.UserName != "" {
		h.Set(broker.HeaderUserName, s.cfg.UserName)
	}
	if s.cfg.AccessLevel != "" {
		h.Set(HeaderAccessLevel, s.cfg.AccessLevel)
	}
	return h
}

// Emit publishes signal with args to every connected slot.
func (s *SignalSlotable) Emit(ctx context.Context, signal string, args ...any) error {
	s.mu.RLock()
	_, ok := s.signals[signal]
	s.mu.RUnlock()
	if !ok {
		return errors.WrapInvalid(fmt.Errorf("signal %q not registered", signal), "SignalSlotable", "Emit", "emit")
	}
	body, err := toBody(args)
	if err != nil {
		return err
	}
	s.metrics.RecordSignal(s.id, signal)
	return s.transport.Publish(ctx, s.subjects.Signal(s.id, signal), broker.NewMessage(s.header(signal), body))
}

// Call invokes slot on target without waiting.
func (s *SignalSlotable) Call(ctx context.Context, target, slot string, args ...any) error {
	body, err := toBody(args)
	if err != nil {
		return err
	}
	h := s.header("__call__")
	h.Set(broker.HeaderSlotInstanceIDs, broker.JoinInstanceIDs(target))
	h.Set(broker.HeaderSlotFunctions, broker.JoinSlotFunctions(broker.SlotTarget{Instance: target, Slots: []string{slot}}))
	return s.transport.Publish(ctx, s.subjects.Slot(target), broker.NewMessage(h, body))
}

// CallGlobal invokes slot on every instance of the topic.
func (s *SignalSlotable) CallGlobal(ctx context.Context, slot string, args ...any) error {
	body, err := toBody(args)
	if err != nil {
		return err
	}
	h := s.header("__call__")
	h.Set(broker.HeaderSlotInstanceIDs, broker.JoinInstanceIDs("*"))
	h.Set(broker.HeaderSlotFunctions, broker.JoinSlotFunctions(broker.SlotTarget{Instance: "*", Slots: []string{slot}}))
	return s.transport.Publish(ctx, s.subjects.Global(), broker.NewMessage(h, body))
}

// Request is a pending synchronous or asynchronous call.
type Request struct {
	s       *SignalSlotable
	ctx     context.Context
	target  string
	slot    string
	args    []any
	timeout time.Duration
}

// Request prepares a call of slot on target that expects a reply.
func (s *SignalSlotable) Request(ctx context.Context, target, slot string, args ...any) *Request {
	return &Request{s: s, ctx: ctx, target: target, slot: slot, args: args, timeout: broker.DefaultRequestTimeout}
}

// Timeout overrides the default of three seconds.
func (r *Request) Timeout(d time.Duration) *Request {
	r.timeout = d
	return r
}

// Wait sends the request and blocks for the reply. Calling it from a slot
// handler of the same instance fails with errors.ErrDeadlock. The check
// follows the handler's ctx: a handler that builds the Request from
// context.Background() is not caught and blocks the dispatch goroutine until
// the request times out. Use Receive there.
func (r *Request) Wait() (Args, error) {
	if r.s.inHandler(r.ctx) {
		return nil, fmt.Errorf("request %s.%s from a slot handler of %s: %w", r.target, r.slot, r.s.id, errors.ErrDeadlock)
	}
	body, err := toBody(r.args)
	if err != nil {
		return nil, err
	}
	reply, err := r.s.requester.Request(r.ctx, r.target, r.slot, r.s.header("__request__"), body, r.timeout)
	if err != nil {
		return nil, err
	}
	return fromBody(reply.Body), nil
}

// Receive sends the request and runs fn with the reply, or the failure, on
// the dispatch goroutine. It does not block and is safe in slot handlers.
func (r *Request) Receive(fn func(Args, error)) error {
	body, err := toBody(r.args)
	if err != nil {
		return err
	}
	return r.s.requester.RequestAsync(r.ctx, r.target, r.slot, r.s.header("__request__"), body, r.timeout,
		func(m *broker.Message, err error) {
			var args Args
			if m != nil {
				args = fromBody(m.Body)
			}
			r.s.enqueue(func() { fn(args, err) })
		})
}

// RequestNoWait calls slot on target and has the reply delivered to this
// instance's replySlot.
func (s *SignalSlotable) RequestNoWait(ctx context.Context, target, slot, replySlot string, args ...any) error {
	body, err := toBody(args)
	if err != nil {
		return err
	}
	h := s.header("__requestNoWait__")
	h.Set(broker.HeaderSlotInstanceIDs, broker.JoinInstanceIDs(target))
	h.Set(broker.HeaderSlotFunctions, broker.JoinSlotFunctions(broker.SlotTarget{Instance: target, Slots: []string{slot}}))
	h.Set(broker.HeaderReplyInstanceIDs, broker.JoinInstanceIDs(s.id))
	h.Set(broker.HeaderReplyFunctions, broker.JoinSlotFunctions(broker.SlotTarget{Instance: s.id, Slots: []string{replySlot}}))
	return s.transport.Publish(ctx, s.subjects.Slot(target), broker.NewMessage(h, body))
}

// Connect routes signal of signalInstance to slot of slotInstance. When the
// slot lives elsewhere, its owner is asked to subscribe.
func (s *SignalSlotable) Connect(ctx context.Context, signalInstance, signal, slotInstance, slot string) error {
	if slotInstance == s.id {
		return s.connectLocal(ctx, signalInstance, signal, slot)
	}
	_, err := s.Request(ctx, slotInstance, SlotConnectToSignal, signalInstance, signal, slot).Wait()
	return err
}

// Disconnect undoes Connect.
func (s *SignalSlotable) Disconnect(ctx context.Context, signalInstance, signal, slotInstance, slot string) error {
	if slotInstance == s.id {
		return s.disconnectLocal(signalInstance, signal, slot)
	}
	_, err := s.Request(ctx, slotInstance, SlotDisconnectFromSignal, signalInstance, signal, slot).Wait()
	return err
}

func (s *SignalSlotable) connectLocal(ctx context.Context, signalInstance, signal, slot string) error {
	key := signalKey{instance: signalInstance, signal: signal}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.conns[key] {
		if existing == slot {
			return nil
		}
	}
	if _, ok := s.signalSubs[key]; !ok {
		sub, err := s.transport.Subscribe(context.WithoutCancel(ctx), s.subjects.Signal(signalInstance, signal),
			func(_ context.Context, m *broker.Message) { s.onSignal(key, m) })
		if err != nil {
			return errors.WrapTransient(err, "SignalSlotable", "Connect", "subscribe to "+signalInstance+"."+signal)
		}
		s.signalSubs[key] = sub
	}
	s.conns[key] = append(s.conns[key], slot)
	return nil
}

func (s *SignalSlotable) disconnectLocal(signalInstance, signal, slot string) error {
	key := signalKey{instance: signalInstance, signal: signal}
	s.mu.Lock()
	defer s.mu.Unlock()
	slots := s.conns[key]
	for i, existing := range slots {
		if existing != slot {
			continue
		}
		slots = append(slots[:i:i], slots[i+1:]...)
		if len(slots) > 0 {
			s.conns[key] = slots
			return nil
		}
		delete(s.conns, key)
		if sub, ok := s.signalSubs[key]; ok {
			delete(s.signalSubs, key)
			return sub.Unsubscribe()
		}
		return nil
	}
	return errors.WrapInvalid(fmt.Errorf("%s.%s is not connected to %s", signalInstance, signal, slot),
		"SignalSlotable", "Disconnect", "disconnect")
}

// Connections lists the slots connected to signal of signalInstance.
func (s *SignalSlotable) Connections(signalInstance, signal string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.conns[signalKey{instance: signalInstance, signal: signal}]...)
}

func (s *SignalSlotable) onSignal(key signalKey, m *broker.Message) {
	for _, slot := range s.Connections(key.instance, key.signal) {
		s.enqueue(func() { s.invoke(slot, m) })
	}
}

func (s *SignalSlotable) onSlotMessage(_ context.Context, m *broker.Message) {
	for _, slot := range broker.SlotsFor(m.Header, s.id) {
		s.enqueue(func() { s.invoke(slot, m) })
	}
}

func (s *SignalSlotable) invoke(slot string, m *broker.Message) {
	s.mu.RLock()
	fn := s.slots[slot]
	onError := s.onError
	onCall := s.onCall
	s.mu.RUnlock()

	call := &Call{
		Sender: m.HeaderString(broker.HeaderSignalInstanceID),
		Slot:   slot,
		Args:   fromBody(m.Body),
		Header: m.Header,
	}
	start := time.Now()
	var err error
	if fn == nil {
		err = errNoSlot(s.id, slot)
	} else {
		err = s.run(fn, call)
	}
	took := time.Since(start)
	s.metrics.RecordSlotCall(s.id, slot, err == nil, took)
	if onCall != nil {
		onCall(slot, took, err)
	}
	if err != nil {
		s.logger.Warn("slot failed", "slot", slot, "caller", call.Sender, "error", err)
		if fn != nil {
			s.metrics.RecordHandlerFailure(s.id)
			if onError != nil {
				onError(slot, err)
			}
		}
	}
	s.reply(m, call, err)
	if call.after != nil {
		go call.after()
	}
}

func errNoSlot(instance, slot string) error {
	return errors.WrapInvalid(fmt.Errorf("%s has no slot %q", instance, slot), "SignalSlotable", "invoke", "look up slot")
}

func (s *SignalSlotable) run(fn SlotFunc, call *Call) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("slot %s panicked: %v: %w", call.Slot, r, errors.ErrHandlerException)
		}
	}()
	return fn(context.WithValue(s.ctx, dispatchKey{}, s), call)
}

// reply answers requests and forwards replies of RequestNoWait calls.
func (s *SignalSlotable) reply(m *broker.Message, call *Call, failure error) {
	if !call.isRequest() {
		return
	}
	body, err := toBody(call.reply)
	if err != nil && failure == nil {
		failure = err
	}
	if m.Header.Has(broker.HeaderReplyTo) {
		if err := broker.Reply(s.ctx, s.transport, s.subjects, s.id, m, body, failure); err != nil {
			s.logger.Warn("reply failed", "slot", call.Slot, "error", err)
		}
		return
	}
	if failure != nil {
		return
	}
	for _, t := range broker.SplitSlotFunctions(hash.GetOr(m.Header, broker.HeaderReplyFunctions, "")) {
		for _, slot := range t.Slots {
			if err := s.Call(s.ctx, t.Instance, slot, call.reply...); err != nil {
				s.logger.Warn("forwarding reply failed", "target", t.Instance, "slot", slot, "error", err)
			}
		}
	}
}
