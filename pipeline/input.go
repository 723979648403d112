package pipeline

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/European-XFEL/Karabo-sub009/errors"
	"github.com/European-XFEL/Karabo-sub009/hash"
	"github.com/European-XFEL/Karabo-sub009/metric"
	"github.com/European-XFEL/Karabo-sub009/pkg/buffer"
	"github.com/European-XFEL/Karabo-sub009/pkg/retry"
)

// Resolver maps an output id to the Info of that output.
type Resolver interface {
	Resolve(ctx context.Context, outputID string) (*hash.Hash, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, outputID string) (*hash.Hash, error)

func (f ResolverFunc) Resolve(ctx context.Context, outputID string) (*hash.Hash, error) {
	return f(ctx, outputID)
}

// StaticResolver resolves from a fixed table.
type StaticResolver map[string]*hash.Hash

func (r StaticResolver) Resolve(_ context.Context, outputID string) (*hash.Hash, error) {
	info, ok := r[outputID]
	if !ok {
		return nil, fmt.Errorf("output %s: %w", outputID, errors.ErrInstanceGone)
	}
	return info, nil
}

// Handler signatures.
type (
	DataHandler  func(data *hash.Hash, meta Meta) error
	InputHandler func(in *InputChannel) error
	EOSHandler   func(in *InputChannel) error
	StatusFunc   func(outputID string, status ConnectionStatus)
)

// InputConfig configures an InputChannel.
type InputConfig struct {
	// InstanceID names this input towards outputs, deviceId:channelName.
	InstanceID              string
	ConnectedOutputChannels []string
	DataDistribution        Distribution
	OnSlowness              Slowness
	MaxQueueLength          int
	// MinData is the number of records collected before the input handler
	// runs. End of stream flushes fewer.
	MinData      int
	DelayOnInput time.Duration
	Resolver     Resolver
	// Reconnect is the schedule after a lost or refused connection.
	// Zero uses retry.Reconnect.
	Reconnect    retry.Config
	HelloTimeout time.Duration
	// Hub, when set, lets outputs attached to the same Hub hand chunks over
	// in memory.
	Hub     *Hub
	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *metric.Metrics
}

// InputChannel receives records from one or more OutputChannels.
type InputChannel struct {
	cfg    InputConfig
	logger *slog.Logger
	clock  clock.Clock
	// token is presented in the hello; outputs on the same Hub match it.
	token string

	mu       sync.Mutex
	conns    map[string]*connection
	status   map[string]ConnectionStatus
	trackers []StatusFunc

	// handlerMu serializes handler calls across outputs.
	handlerMu    sync.Mutex
	dataHandler  DataHandler
	inputHandler InputHandler
	eosHandler   EOSHandler
	queue        *buffer.CircularBuffer[Record]
	delay        atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type connection struct {
	outputID string
	cancel   context.CancelFunc
	done     chan struct{}
	// closing is set by Disconnect before it says goodbye.
	closing atomic.Bool

	mu   sync.Mutex
	conn net.Conn
}

func (c *connection) set(conn net.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

func (c *connection) goodbye(channelID string) {
	c.closing.Store(true)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = writeFrame(c.conn, controlHeader(channelID, ReasonGoodbye), nil)
	}
}

func (c *connection) over(ctx context.Context) bool {
	return ctx.Err() != nil || c.closing.Load()
}

// NewInputChannel creates an input. Outputs are connected by Start,
// Connect or ConnectSync.
func NewInputChannel(cfg InputConfig) (*InputChannel, error) {
	if cfg.InstanceID == "" {
		return nil, errors.WrapInvalid(fmt.Errorf("instance id is empty"), "InputChannel", "New", "check config")
	}
	if cfg.Resolver == nil {
		return nil, errors.WrapInvalid(fmt.Errorf("no resolver"), "InputChannel", "New", "check config")
	}
	if cfg.DataDistribution == "" {
		cfg.DataDistribution = Copy
	}
	if _, err := parseDistribution(string(cfg.DataDistribution)); err != nil {
		return nil, errors.WrapInvalid(err, "InputChannel", "New", "check config")
	}
	if cfg.OnSlowness == "" {
		cfg.OnSlowness = Wait
	}
	if _, err := parseSlowness(string(cfg.OnSlowness)); err != nil {
		return nil, errors.WrapInvalid(err, "InputChannel", "New", "check config")
	}
	if cfg.MaxQueueLength <= 0 {
		cfg.MaxQueueLength = DefaultMaxQueueLength
	}
	if cfg.MinData <= 0 {
		cfg.MinData = 1
	}
	if cfg.Reconnect.InitialDelay == 0 && cfg.Reconnect.MaxAttempts == 0 {
		cfg.Reconnect = retry.Reconnect()
	}
	if cfg.HelloTimeout <= 0 {
		cfg.HelloTimeout = 5 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	queue, err := newQueue[Record](cfg.Logger, cfg.Metrics, "pipeline_"+cfg.InstanceID, cfg.MinData,
		buffer.WithOverflowPolicy[Record](buffer.Grow))
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	in := &InputChannel{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "input_channel", "channel", cfg.InstanceID),
		clock:  cfg.Clock,
		token:  cfg.Hub.Token(),
		conns:  map[string]*connection{},
		status: map[string]ConnectionStatus{},
		queue:  queue,
		ctx:    ctx,
		cancel: cancel,
	}
	in.delay.Store(int64(cfg.DelayOnInput))
	return in, nil
}

// ID returns the instance id of the input.
func (in *InputChannel) ID() string { return in.cfg.InstanceID }

// RegisterDataHandler sets the per-record handler.
func (in *InputChannel) RegisterDataHandler(h DataHandler) error {
	in.handlerMu.Lock()
	defer in.handlerMu.Unlock()
	if in.inputHandler != nil {
		return errors.WrapInvalid(fmt.Errorf("input handler already registered"), "InputChannel", "RegisterDataHandler", "register")
	}
	in.dataHandler = h
	return nil
}

// RegisterInputHandler sets the handler that drains the input with Read.
func (in *InputChannel) RegisterInputHandler(h InputHandler) error {
	in.handlerMu.Lock()
	defer in.handlerMu.Unlock()
	if in.dataHandler != nil {
		return errors.WrapInvalid(fmt.Errorf("data handler already registered"), "InputChannel", "RegisterInputHandler", "register")
	}
	in.inputHandler = h
	return nil
}

// RegisterEndOfStreamHandler sets the handler called on end of stream.
func (in *InputChannel) RegisterEndOfStreamHandler(h EOSHandler) {
	in.handlerMu.Lock()
	in.eosHandler = h
	in.handlerMu.Unlock()
}

// RegisterConnectionStatusTracker adds fn to the trackers called on every
// connection state transition.
func (in *InputChannel) RegisterConnectionStatusTracker(fn StatusFunc) {
	in.mu.Lock()
	in.trackers = append(in.trackers, fn)
	in.mu.Unlock()
}

// Read takes the oldest queued record.
func (in *InputChannel) Read() (Record, bool) { return in.queue.Read() }

// Size returns the number of queued records.
func (in *InputChannel) Size() int { return in.queue.Size() }

// Status returns the state of the connection to outputID.
func (in *InputChannel) Status(outputID string) ConnectionStatus {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.status[outputID]
}

// ConnectedOutputs returns the outputs this input maintains connections to.
func (in *InputChannel) ConnectedOutputs() []string {
	in.mu.Lock()
	defer in.mu.Unlock()
	ids := make([]string, 0, len(in.conns))
	for id := range in.conns {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// MissingConnections returns the maintained outputs that are not connected.
func (in *InputChannel) MissingConnections() []string {
	in.mu.Lock()
	defer in.mu.Unlock()
	var ids []string
	for id := range in.conns {
		if in.status[id] != Connected {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (in *InputChannel) setStatus(outputID string, s ConnectionStatus) {
	in.mu.Lock()
	if old, ok := in.status[outputID]; ok && old == s {
		in.mu.Unlock()
		return
	}
	in.status[outputID] = s
	trackers := slices.Clone(in.trackers)
	in.mu.Unlock()
	in.logger.Debug("connection status", "output", outputID, "status", s)
	for _, fn := range trackers {
		fn(outputID, s)
	}
}

// Start connects to every configured output in the background.
func (in *InputChannel) Start() {
	for _, id := range in.cfg.ConnectedOutputChannels {
		in.Connect(id)
	}
}

// Connect maintains a connection to outputID in the background, reconnecting
// after errors until Disconnect or Stop.
func (in *InputChannel) Connect(outputID string) {
	in.start(outputID, nil)
}

// ConnectSync makes one connection attempt to outputID, bounded by timeout.
// On success the connection is maintained like one made by Connect.
func (in *InputChannel) ConnectSync(ctx context.Context, outputID string, timeout time.Duration) error {
	in.mu.Lock()
	_, exists := in.conns[outputID]
	in.mu.Unlock()
	if exists {
		if in.Status(outputID) == Connected {
			return nil
		}
		// Replace the background reconnect with this attempt.
		in.Disconnect(outputID)
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	conn, err := in.dial(ctx, outputID)
	if err != nil {
		if stderrors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %w", errors.ErrConnectionTimeout, err)
		}
		return errors.Wrap(err, "InputChannel", "ConnectSync", "connect to "+outputID)
	}
	if !in.start(outputID, conn) {
		_ = conn.Close()
	}
	return nil
}

// start registers the connection for outputID and runs it. A non-nil conn
// is an established connection. It reports false when outputID is already
// maintained.
func (in *InputChannel) start(outputID string, conn net.Conn) bool {
	in.mu.Lock()
	if _, ok := in.conns[outputID]; ok {
		in.mu.Unlock()
		return false
	}
	ctx, cancel := context.WithCancel(in.ctx)
	c := &connection{outputID: outputID, cancel: cancel, done: make(chan struct{})}
	in.conns[outputID] = c
	in.mu.Unlock()

	in.wg.Add(1)
	go func() {
		defer in.wg.Done()
		defer close(c.done)
		in.run(ctx, c, conn)
	}()
	return true
}

// Disconnect closes the connection to outputID and stops reconnecting.
func (in *InputChannel) Disconnect(outputID string) {
	in.mu.Lock()
	c, ok := in.conns[outputID]
	delete(in.conns, outputID)
	in.mu.Unlock()
	if !ok {
		return
	}
	c.goodbye(in.cfg.InstanceID)
	c.cancel()
	<-c.done
	in.setStatus(outputID, Disconnected)
	in.logger.Info("disconnected", "output", outputID)
}

// Stop disconnects from every output.
func (in *InputChannel) Stop() {
	for _, id := range in.ConnectedOutputs() {
		in.Disconnect(id)
	}
	in.cancel()
	in.wg.Wait()
	_ = in.queue.Close()
}

// run serves one output until ctx ends, reconnecting whenever the
// connection is lost.
func (in *InputChannel) run(ctx context.Context, c *connection, conn net.Conn) {
	rc := in.cfg.Reconnect
	rc.OnRetry = func(attempt int, err error, delay time.Duration) {
		in.logger.Debug("connect failed, retrying", "output", c.outputID, "attempt", attempt, "delay", delay, "error", err)
	}
	for {
		if conn == nil {
			err := retry.Do(ctx, rc, func() error {
				var err error
				conn, err = in.dial(ctx, c.outputID)
				return err
			})
			if err != nil {
				if ctx.Err() == nil {
					in.logger.Warn("giving up on output", "output", c.outputID, "error", err)
				}
				return
			}
		}
		c.set(conn)
		if c.over(ctx) {
			// Disconnect raced the handshake.
			_ = conn.Close()
			return
		}
		in.serve(ctx, c, conn)
		conn = nil
		c.set(nil)
		if c.over(ctx) {
			return
		}
	}
}

// dial resolves outputID, connects and runs the hello handshake.
func (in *InputChannel) dial(ctx context.Context, outputID string) (net.Conn, error) {
	in.setStatus(outputID, Connecting)
	conn, err := in.handshake(ctx, outputID)
	if err != nil {
		in.setStatus(outputID, Disconnected)
		return nil, err
	}
	in.setStatus(outputID, Connected)
	return conn, nil
}

func (in *InputChannel) handshake(ctx context.Context, outputID string) (net.Conn, error) {
	info, err := in.cfg.Resolver.Resolve(ctx, outputID)
	if err != nil {
		return nil, err
	}
	host := hash.GetOr(info, "hostname", "")
	port := hash.GetOr(info, "port", uint32(0))
	if host == "" || port == 0 {
		return nil, fmt.Errorf("output %s advertises no endpoint: %w", outputID, errors.ErrChannel)
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(int(port))))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errors.ErrChannel, err)
	}

	hello := controlHeader(in.cfg.InstanceID, ReasonHello)
	hello.Set(keyOutputChannel, outputID)
	hello.Set(keyDataDistribution, string(in.cfg.DataDistribution))
	hello.Set(keyOnSlowness, string(in.cfg.OnSlowness))
	hello.Set(keyMaxQueueLength, uint32(in.cfg.MaxQueueLength))
	hello.Set(keyMemoryLocation, in.token)

	deadline := time.Now().Add(in.cfg.HelloTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)
	if err := writeFrame(conn, hello, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: %w", errors.ErrChannel, err)
	}
	ack, _, err := readFrame(conn)
	if err != nil {
		_ = conn.Close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var ne net.Error
		if stderrors.As(err, &ne) && ne.Timeout() {
			return nil, fmt.Errorf("hello to %s: %w: %w", outputID, errors.ErrConnectionTimeout, err)
		}
		return nil, fmt.Errorf("hello to %s: %w: %w", outputID, errors.ErrChannel, err)
	}
	_ = conn.SetDeadline(time.Time{})
	if !hash.GetOr(ack, keyAck, false) {
		_ = conn.Close()
		msg := hash.GetOr(ack, keyMessage, "no reason given")
		return nil, retry.NonRetryable(fmt.Errorf("%s refused %s: %s: %w", outputID, in.cfg.InstanceID, msg, errors.ErrChannel))
	}
	in.logger.Info("connected", "output", outputID, "memory", hash.GetOr(ack, keyMemoryLocation, ""))
	return conn, nil
}

// serve reads frames from conn until the output says goodbye, the socket
// fails or ctx ends.
func (in *InputChannel) serve(ctx context.Context, c *connection, conn net.Conn) {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	defer func() {
		_ = conn.Close()
		if !c.over(ctx) {
			in.setStatus(c.outputID, Disconnected)
		}
	}()
	for {
		header, body, err := readFrame(conn)
		if err != nil {
			if !c.over(ctx) {
				in.logger.Warn("connection lost", "output", c.outputID, "error", err)
			}
			return
		}
		switch reason := hash.GetOr(header, keyReason, ""); reason {
		case ReasonUpdate:
			records, err := in.records(header, body)
			if err != nil {
				in.logger.Error("bad chunk, dropping connection", "output", c.outputID, "error", err)
				return
			}
			in.deliver(records)
			if !in.pause(ctx) {
				return
			}
		case ReasonEndOfStream:
			in.endOfStream(c.outputID)
		case ReasonGoodbye:
			in.logger.Info("output said goodbye", "output", c.outputID)
			return
		default:
			in.logger.Warn("unexpected frame", "output", c.outputID, "reason", reason)
		}
	}
}

func (in *InputChannel) records(header *hash.Hash, body []byte) ([]Record, error) {
	n := int(hash.GetOr(header, keyNData, uint32(0)))
	if id := hash.GetOr(header, keyChunkID, ""); id != "" {
		records, ok := in.cfg.Hub.take(id)
		if !ok {
			return nil, fmt.Errorf("local chunk %s: %w", id, errors.ErrDataCorrupted)
		}
		return records, nil
	}
	info := hash.GetOr(header, keySourceInfo, []*hash.Hash(nil))
	return decodeRecords(body, n, info)
}

// deliver hands records to the handlers. It runs on the connection's reader,
// so a slow handler stops the socket and the output's wait policy applies.
func (in *InputChannel) deliver(records []Record) {
	in.handlerMu.Lock()
	defer in.handlerMu.Unlock()
	if in.dataHandler != nil {
		for _, r := range records {
			if err := in.dataHandler(r.Data, r.Meta); err != nil {
				in.logger.Error("data handler failed", "source", r.Meta.Source, "error", err)
			}
		}
		return
	}
	for _, r := range records {
		_ = in.queue.Write(r)
	}
	if in.inputHandler != nil && in.queue.Size() >= in.cfg.MinData {
		in.callInputHandler()
	}
}

func (in *InputChannel) callInputHandler() {
	if err := in.inputHandler(in); err != nil {
		in.logger.Error("input handler failed", "error", err)
	}
}

func (in *InputChannel) endOfStream(outputID string) {
	in.handlerMu.Lock()
	defer in.handlerMu.Unlock()
	if in.inputHandler != nil && !in.queue.IsEmpty() {
		in.callInputHandler()
	}
	in.logger.Debug("end of stream", "output", outputID)
	if in.eosHandler != nil {
		if err := in.eosHandler(in); err != nil {
			in.logger.Error("end of stream handler failed", "error", err)
		}
	}
}

// SetDelayOnInput changes the pause taken after each chunk.
func (in *InputChannel) SetDelayOnInput(d time.Duration) {
	in.delay.Store(int64(d))
}

// pause waits delayOnInput before the next chunk is read.
func (in *InputChannel) pause(ctx context.Context) bool {
	delay := time.Duration(in.delay.Load())
	if delay <= 0 {
		return true
	}
	t := in.clock.Timer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
