package pipeline

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/European-XFEL/Karabo-sub009/errors"
	"github.com/European-XFEL/Karabo-sub009/hash"
	"github.com/European-XFEL/Karabo-sub009/metric"
	"github.com/European-XFEL/Karabo-sub009/pkg/buffer"
	"github.com/European-XFEL/Karabo-sub009/schema"
)

// Selector picks the shared input that receives the next chunk. Returning an
// id that is not in inputIDs drops the chunk for the shared inputs.
type Selector func(inputIDs []string) string

// OutputConfig configures an OutputChannel.
type OutputConfig struct {
	// ChannelID is the output's address, deviceId:channelName.
	ChannelID string
	// Hostname is advertised to inputs and bound by the listener. Empty
	// listens on every interface and advertises the host name.
	Hostname string
	Port     int
	// NoInputShared decides the fate of a chunk when the selector names
	// no connected shared input: Drop discards it, any other policy hands
	// it to the next shared input in round robin.
	NoInputShared Slowness
	// Schema, when set, describes every record.
	Schema         *schema.Schema
	ValidateSchema SchemaValidation
	// OnConnectionsChanged receives the connection table after every
	// registration change.
	OnConnectionsChanged func(rows []*hash.Hash)
	HelloTimeout         time.Duration
	// Hub, when set, serves inputs attached to the same Hub in memory.
	Hub     *Hub
	Logger  *slog.Logger
	Metrics *metric.Metrics
}

// OutputChannel serves records to connected InputChannels.
type OutputChannel struct {
	cfg     OutputConfig
	logger  *slog.Logger
	metrics *metric.Metrics

	ln   net.Listener
	host string
	port int

	mu        sync.Mutex
	consumers map[string]*consumer
	order     []string
	rr        int
	selector  Selector

	pendingMu sync.Mutex
	pending   []Record
	validated bool

	jobs    chan job
	dropped atomic.Uint64
	seq     atomic.Uint64

	started  atomic.Bool
	stopping atomic.Bool
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

type job struct {
	ctx     context.Context
	records []Record
	eos     bool
	copyAll bool
	done    func(error)
}

// chunk is a unit of distribution. Its wire body is encoded once and shared
// by every remote consumer.
type chunk struct {
	records []Record
	copyAll bool

	once sync.Once
	body []byte
	err  error
}

func (c *chunk) encoded() ([]byte, error) {
	c.once.Do(func() { c.body, c.err = encodeRecords(c.records) })
	return c.body, c.err
}

// item is a queued chunk, or the end-of-stream marker when chunk is nil.
type item struct {
	chunk *chunk
}

type consumer struct {
	// key is unique per registration and owns the chunks parked in the Hub.
	key      string
	id       string
	dist     Distribution
	slowness Slowness
	local    bool
	addr     string
	conn     net.Conn
	queue    *buffer.CircularBuffer[item]

	// writeMu orders socket writes of the handshake and the sender.
	writeMu sync.Mutex
	written atomic.Uint64
	dropped atomic.Uint64
	// eosOwed counts end-of-stream markers pushed out of a full queue.
	eosOwed atomic.Int32

	ctx    context.Context
	cancel context.CancelFunc
}

// NewOutputChannel creates a channel. It listens once Start is called.
func NewOutputChannel(cfg OutputConfig) (*OutputChannel, error) {
	if cfg.ChannelID == "" {
		return nil, errors.WrapInvalid(fmt.Errorf("channel id is empty"), "OutputChannel", "New", "check config")
	}
	if cfg.NoInputShared == "" {
		cfg.NoInputShared = Wait
	}
	if _, err := parseSlowness(string(cfg.NoInputShared)); err != nil {
		return nil, errors.WrapInvalid(err, "OutputChannel", "New", "check config")
	}
	if cfg.ValidateSchema == "" {
		cfg.ValidateSchema = ValidateOnce
	}
	if cfg.HelloTimeout <= 0 {
		cfg.HelloTimeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &OutputChannel{
		cfg:       cfg,
		logger:    cfg.Logger.With("component", "output_channel", "channel", cfg.ChannelID),
		metrics:   cfg.Metrics,
		consumers: map[string]*consumer{},
		jobs:      make(chan job, 64),
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// ID returns the channel id.
func (o *OutputChannel) ID() string { return o.cfg.ChannelID }

// Start opens the listening socket and the distribution worker.
func (o *OutputChannel) Start() error {
	if !o.started.CompareAndSwap(false, true) {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "OutputChannel", "Start", "start")
	}
	ln, err := net.Listen("tcp", net.JoinHostPort(o.cfg.Hostname, strconv.Itoa(o.cfg.Port)))
	if err != nil {
		o.started.Store(false)
		return errors.WrapTransient(err, "OutputChannel", "Start", "listen")
	}
	o.ln = ln
	o.port = ln.Addr().(*net.TCPAddr).Port
	o.host = o.cfg.Hostname
	if o.host == "" {
		if o.host, err = os.Hostname(); err != nil {
			o.host = "localhost"
		}
	}

	o.wg.Add(2)
	go o.acceptLoop()
	go o.distributeLoop()
	o.logger.Info("output channel listening", "address", ln.Addr().String())
	return nil
}

// Info describes how inputs reach this channel.
func (o *OutputChannel) Info() *hash.Hash {
	return hash.New(
		"connectionType", "tcp",
		"hostname", o.host,
		"port", uint32(o.port),
		"memoryLocation", "local",
		"hubToken", o.cfg.Hub.Token(),
	)
}

// RegisterSharedInputSelector installs fn as the shared selector. A nil fn
// restores round robin.
func (o *OutputChannel) RegisterSharedInputSelector(fn Selector) {
	o.mu.Lock()
	o.selector = fn
	o.mu.Unlock()
}

// Write appends one record to the current chunk. It is sent by the next
// Update.
func (o *OutputChannel) Write(data *hash.Hash, meta Meta) error {
	if data == nil {
		return errors.WrapInvalid(errors.ErrInvalidData, "OutputChannel", "Write", "check record")
	}
	o.pendingMu.Lock()
	defer o.pendingMu.Unlock()
	if err := o.validateLocked(data); err != nil {
		return err
	}
	o.pending = append(o.pending, Record{Data: data, Meta: meta})
	o.metrics.RecordPipelineWrite(o.cfg.ChannelID)
	return nil
}

func (o *OutputChannel) validateLocked(data *hash.Hash) error {
	if o.cfg.Schema == nil {
		return nil
	}
	switch o.cfg.ValidateSchema {
	case ValidateNever:
		return nil
	case ValidateOnce:
		if o.validated {
			return nil
		}
	}
	_, err := schema.Validate(o.cfg.Schema, data, schema.Options{
		AllowMissingKeys:           true,
		AllowUnrootedConfiguration: true,
		AllowReadOnly:              true,
		AllowInit:                  true,
		AccessLevel:                schema.LevelAdmin,
	})
	if err != nil {
		return errors.WrapInvalid(err, "OutputChannel", "Write", "validate record")
	}
	o.validated = true
	return nil
}

// Update sends the current chunk. It blocks while a wait policy input is
// full, until ctx ends.
func (o *OutputChannel) Update(ctx context.Context) error {
	return o.await(ctx, false, true)
}

// AsyncUpdate sends the current chunk in the background and calls done once
// every input has queued or dropped it. copyAllData hands local inputs
// their own copies of the records.
func (o *OutputChannel) AsyncUpdate(copyAllData bool, done func(error)) {
	o.flush(o.ctx, false, copyAllData, done)
}

// SignalEndOfStream sends the current chunk followed by the end-of-stream
// marker to every input.
func (o *OutputChannel) SignalEndOfStream(ctx context.Context) error {
	return o.await(ctx, true, true)
}

// AsyncSignalEndOfStream is SignalEndOfStream in the background.
func (o *OutputChannel) AsyncSignalEndOfStream(done func(error)) {
	o.flush(o.ctx, true, true, done)
}

func (o *OutputChannel) await(ctx context.Context, eos, copyAll bool) error {
	res := make(chan error, 1)
	o.flush(ctx, eos, copyAll, func(err error) { res <- err })
	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// flush queues the pending records, and the marker when eos is set, for the
// distribution worker. Jobs run in submission order.
func (o *OutputChannel) flush(ctx context.Context, eos, copyAll bool, done func(error)) {
	if done == nil {
		done = func(error) {}
	}
	o.pendingMu.Lock()
	defer o.pendingMu.Unlock()
	if !o.started.Load() || o.stopping.Load() {
		done(errors.WrapInvalid(errors.ErrNotStarted, "OutputChannel", "Update", "submit chunk"))
		return
	}
	records := o.pending
	o.pending = nil
	if len(records) == 0 && !eos {
		done(nil)
		return
	}
	select {
	case o.jobs <- job{ctx: ctx, records: records, eos: eos, copyAll: copyAll, done: done}:
	case <-ctx.Done():
		done(ctx.Err())
	case <-o.ctx.Done():
		done(errors.ErrShuttingDown)
	}
}

func (o *OutputChannel) distributeLoop() {
	defer o.wg.Done()
	for {
		select {
		case j := <-o.jobs:
			j.done(o.distribute(j))
		case <-o.ctx.Done():
			for {
				select {
				case j := <-o.jobs:
					j.done(errors.ErrShuttingDown)
				default:
					return
				}
			}
		}
	}
}

func (o *OutputChannel) distribute(j job) error {
	ctx := j.ctx
	if ctx == nil {
		ctx = o.ctx
	}
	g, gctx := errgroup.WithContext(ctx)
	if len(j.records) > 0 {
		c := &chunk{records: j.records, copyAll: j.copyAll}
		targets := o.targets()
		for _, t := range targets {
			g.Go(func() error { return o.enqueue(gctx, t, item{chunk: c}) })
		}
	}
	if err := g.Wait(); err != nil {
		return errors.Wrap(err, "OutputChannel", "Update", "distribute chunk")
	}
	if !j.eos {
		return nil
	}

	g, gctx = errgroup.WithContext(ctx)
	for _, t := range o.snapshot() {
		g.Go(func() error { return o.enqueueEOS(gctx, t) })
	}
	return errors.Wrap(g.Wait(), "OutputChannel", "SignalEndOfStream", "distribute marker")
}

// targets returns every copy input plus the chosen shared input.
func (o *OutputChannel) targets() []*consumer {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out, shared []*consumer
	for _, id := range o.order {
		c := o.consumers[id]
		if c.dist == Copy {
			out = append(out, c)
		} else {
			shared = append(shared, c)
		}
	}
	if len(shared) == 0 {
		return out
	}
	if o.selector == nil {
		o.rr %= len(shared)
		out = append(out, shared[o.rr])
		o.rr++
		return out
	}
	ids := make([]string, len(shared))
	for i, c := range shared {
		ids[i] = c.id
	}
	chosen := o.selector(ids)
	for _, c := range shared {
		if c.id == chosen {
			return append(out, c)
		}
	}
	if o.cfg.NoInputShared != Drop {
		o.rr %= len(shared)
		out = append(out, shared[o.rr])
		o.rr++
		return out
	}
	o.dropped.Add(1)
	o.metrics.RecordPipelineDrop(o.cfg.ChannelID)
	o.logger.Debug("selector chose no shared input", "chosen", chosen)
	return out
}

// enqueue runs on the distribution worker, the only writer of every queue.
func (o *OutputChannel) enqueue(ctx context.Context, c *consumer, it item) error {
	if c.slowness == QueueDrop && c.queue.IsFull() {
		// A displaced marker must be owed before the item that displaced it
		// becomes visible to the sender.
		if old, ok := c.queue.Read(); ok {
			o.countDrop(c, old)
		}
	}
	err := c.queue.WriteContext(ctx, it)
	if err != nil && c.queue.Closed() {
		// The input went away while we waited.
		return nil
	}
	o.metrics.RecordPipelineQueue(o.cfg.ChannelID, c.id, c.queue.Size())
	return err
}

// enqueueEOS queues the marker. A drop policy must not lose it, so a full
// queue gives up its oldest chunk instead.
func (o *OutputChannel) enqueueEOS(ctx context.Context, c *consumer) error {
	if c.slowness.overflowPolicy() == buffer.DropNewest && c.queue.IsFull() {
		if old, ok := c.queue.Read(); ok {
			o.countDrop(c, old)
		}
	}
	return o.enqueue(ctx, c, item{})
}

func (o *OutputChannel) countDrop(c *consumer, it item) {
	if it.chunk == nil {
		c.eosOwed.Add(1)
		return
	}
	c.dropped.Add(uint64(len(it.chunk.records)))
	o.metrics.RecordPipelineDrop(o.cfg.ChannelID)
}

// Dropped returns the records dropped for slow inputs, plus the chunks no
// shared input was chosen for.
func (o *OutputChannel) Dropped() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := o.dropped.Load()
	for _, c := range o.consumers {
		n += c.dropped.Load()
	}
	return n
}

// Connections returns one row per connected input in registration order.
func (o *OutputChannel) Connections() []*hash.Hash {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.connectionsLocked()
}

func (o *OutputChannel) connectionsLocked() []*hash.Hash {
	rows := make([]*hash.Hash, 0, len(o.order))
	for _, id := range o.order {
		c := o.consumers[id]
		loc := "remote"
		if c.local {
			loc = "local"
		}
		rows = append(rows, hash.New(
			"remoteId", c.id,
			KeyDataDistribution, string(c.dist),
			KeyOnSlowness, string(c.slowness),
			KeyMemoryLocationRow, loc,
			"remoteAddress", c.addr,
			"written", c.written.Load(),
			"dropped", c.dropped.Load(),
		))
	}
	return rows
}

func (o *OutputChannel) acceptLoop() {
	defer o.wg.Done()
	for {
		conn, err := o.ln.Accept()
		if err != nil {
			if !o.stopping.Load() {
				o.logger.Warn("accept failed", "error", err)
			}
			return
		}
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			o.serveConn(conn)
		}()
	}
}

func (o *OutputChannel) nack(conn net.Conn, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	h := controlHeader(o.cfg.ChannelID, ReasonHello)
	h.Set(keyAck, false)
	h.Set(keyMessage, msg)
	_ = writeFrame(conn, h, nil)
	o.logger.Warn("input refused", "remote", conn.RemoteAddr().String(), "reason", msg)
	_ = conn.Close()
}

// serveConn runs the handshake, then owns the connection until the input
// says goodbye or the socket fails.
func (o *OutputChannel) serveConn(conn net.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(o.cfg.HelloTimeout))
	header, _, err := readFrame(conn)
	if err != nil {
		o.logger.Debug("handshake failed", "remote", conn.RemoteAddr().String(), "error", err)
		_ = conn.Close()
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	if reason := hash.GetOr(header, keyReason, ""); reason != ReasonHello {
		o.nack(conn, "expected hello, got %q", reason)
		return
	}
	if target := hash.GetOr(header, keyOutputChannel, ""); target != "" && target != o.cfg.ChannelID {
		o.nack(conn, "this is %s, not %s", o.cfg.ChannelID, target)
		return
	}
	id := hash.GetOr(header, keyChannelID, "")
	if id == "" {
		o.nack(conn, "hello without channel id")
		return
	}
	dist, err := parseDistribution(hash.GetOr(header, keyDataDistribution, string(Copy)))
	if err != nil {
		o.nack(conn, "%v", err)
		return
	}
	slowness, err := parseSlowness(hash.GetOr(header, keyOnSlowness, string(Wait)))
	if err != nil {
		o.nack(conn, "%v", err)
		return
	}
	maxLen := int(hash.GetOr(header, keyMaxQueueLength, uint32(DefaultMaxQueueLength)))

	// Consumers outlive the worker context so Stop can drain them.
	ctx, cancel := context.WithCancel(context.Background())
	c := &consumer{
		id:       id,
		dist:     dist,
		slowness: slowness,
		local:    o.cfg.Hub.local(hash.GetOr(header, keyMemoryLocation, "")),
		addr:     conn.RemoteAddr().String(),
		conn:     conn,
		ctx:      ctx,
		cancel:   cancel,
	}

	loc := "remote"
	if c.local {
		loc = "local"
	}
	ack := controlHeader(o.cfg.ChannelID, ReasonHello)
	ack.Set(keyAck, true)
	ack.Set(keyMemoryLocation, loc)

	// The consumer is registered before the ack leaves, so a chunk
	// distributed right after the input sees CONNECTED reaches it.
	c.writeMu.Lock()
	if err := o.register(c, maxLen); err != nil {
		c.writeMu.Unlock()
		cancel()
		o.nack(conn, "%v", err)
		return
	}
	err = writeFrame(conn, ack, nil)
	c.writeMu.Unlock()
	if err != nil {
		o.unregister(c)
		_ = conn.Close()
		return
	}
	o.logger.Info("input connected", "input", id, "distribution", dist, "on_slowness", slowness, "memory", loc)

	o.wg.Add(1)
	go o.send(c)
	o.readLoop(c)
}

// register creates the consumer's queue and makes it a target. A reconnected
// input replaces its old registration first, so the queue metrics can take
// over the old prefix.
func (o *OutputChannel) register(c *consumer, maxLen int) error {
	o.mu.Lock()
	if o.stopping.Load() {
		o.mu.Unlock()
		return fmt.Errorf("channel is stopping")
	}
	var dropped []*hash.Hash
	if old, ok := o.consumers[c.id]; ok {
		o.logger.Info("input reconnected, replacing old connection", "input", c.id)
		o.dropLocked(old)
		dropped = o.connectionsLocked()
	}
	queue, err := newQueue[item](o.logger, o.metrics, "pipeline_"+o.cfg.ChannelID+"_to_"+c.id, maxLen,
		buffer.WithOverflowPolicy[item](c.slowness.overflowPolicy()),
		buffer.WithDropCallback[item](func(it item) { o.countDrop(c, it) }),
	)
	if err != nil {
		n := len(o.order)
		o.mu.Unlock()
		if dropped != nil {
			o.metrics.RecordPipelineConnections(o.cfg.ChannelID, n)
			o.notify(dropped)
		}
		return err
	}
	c.queue = queue
	if c.local {
		c.key = o.cfg.ChannelID + "/" + c.id + "/" + strconv.FormatUint(o.seq.Add(1), 10)
	}
	o.consumers[c.id] = c
	o.order = append(o.order, c.id)
	rows := o.connectionsLocked()
	n := len(o.order)
	o.mu.Unlock()
	o.metrics.RecordPipelineConnections(o.cfg.ChannelID, n)
	o.notify(rows)
	return nil
}

func (o *OutputChannel) unregister(c *consumer) {
	o.mu.Lock()
	if o.consumers[c.id] != c {
		o.mu.Unlock()
		return
	}
	o.dropLocked(c)
	rows := o.connectionsLocked()
	n := len(o.order)
	o.mu.Unlock()
	o.metrics.RecordPipelineConnections(o.cfg.ChannelID, n)
	o.notify(rows)
}

func (o *OutputChannel) dropLocked(c *consumer) {
	delete(o.consumers, c.id)
	for i, id := range o.order {
		if id == c.id {
			o.order = append(o.order[:i], o.order[i+1:]...)
			break
		}
	}
	o.dropped.Add(c.dropped.Load())
	c.cancel()
	_ = c.queue.Close()
	if c.local {
		if n := o.cfg.Hub.evict(c.key); n > 0 {
			o.logger.Debug("evicted chunks the input never took", "input", c.id, "chunks", n)
		}
	}
}

func (o *OutputChannel) notify(rows []*hash.Hash) {
	if o.cfg.OnConnectionsChanged != nil {
		o.cfg.OnConnectionsChanged(rows)
	}
}

// readLoop watches the input side of the socket. Inputs only ever send
// goodbye.
func (o *OutputChannel) readLoop(c *consumer) {
	defer func() {
		o.unregister(c)
		_ = c.conn.Close()
	}()
	for {
		header, _, err := readFrame(c.conn)
		if err != nil {
			if c.ctx.Err() == nil {
				o.logger.Info("input connection lost", "input", c.id, "error", err)
			}
			return
		}
		if hash.GetOr(header, keyReason, "") == ReasonGoodbye {
			o.logger.Info("input disconnected", "input", c.id)
			return
		}
	}
}

// send drains the consumer queue onto the socket in order. After the queue
// is closed and empty it says goodbye.
func (o *OutputChannel) send(c *consumer) {
	defer o.wg.Done()
	for {
		it, err := c.queue.ReadWait(c.ctx)
		if err != nil {
			if stderrors.Is(err, errors.ErrAlreadyStopped) {
				c.writeMu.Lock()
				_ = writeFrame(c.conn, controlHeader(o.cfg.ChannelID, ReasonGoodbye), nil)
				c.writeMu.Unlock()
			}
			return
		}
		o.metrics.RecordPipelineQueue(o.cfg.ChannelID, c.id, c.queue.Size())
		for c.eosOwed.Load() > 0 {
			c.eosOwed.Add(-1)
			if err := o.sendItem(c, item{}); err != nil {
				o.sendFailed(c, err)
				return
			}
		}
		if err := o.sendItem(c, it); err != nil {
			o.sendFailed(c, err)
			return
		}
	}
}

func (o *OutputChannel) sendFailed(c *consumer, err error) {
	if c.ctx.Err() == nil {
		o.logger.Warn("sending to input failed", "input", c.id, "error", err)
	}
	c.cancel()
	_ = c.conn.Close()
}

func (o *OutputChannel) sendItem(c *consumer, it item) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if it.chunk == nil {
		return writeFrame(c.conn, controlHeader(o.cfg.ChannelID, ReasonEndOfStream), nil)
	}
	records := it.chunk.records
	if c.local {
		if it.chunk.copyAll {
			records = cloneRecords(records)
		}
		id := o.cfg.Hub.park(c.key, records)
		h := dataHeader(o.cfg.ChannelID, records, 0)
		h.Set(keyChunkID, id)
		if err := writeFrame(c.conn, h, nil); err != nil {
			o.cfg.Hub.take(id)
			return err
		}
		if c.ctx.Err() != nil {
			// Unregistered while parking; nobody will take it.
			o.cfg.Hub.evict(c.key)
		}
	} else {
		body, err := it.chunk.encoded()
		if err != nil {
			// A record that cannot be encoded is lost for every remote input.
			o.logger.Error("encoding chunk failed", "error", err)
			c.dropped.Add(uint64(len(records)))
			return nil
		}
		if err := writeFrame(c.conn, dataHeader(o.cfg.ChannelID, records, len(body)), body); err != nil {
			return err
		}
	}
	c.written.Add(uint64(len(records)))
	return nil
}

func cloneRecords(in []Record) []Record {
	out := make([]Record, len(in))
	for i, r := range in {
		out[i] = Record{Data: r.Data.Clone(), Meta: r.Meta}
	}
	return out
}

// Stop refuses new chunks, lets every input drain its queue and says
// goodbye. Inputs still draining when ctx ends are cut off.
func (o *OutputChannel) Stop(ctx context.Context) error {
	var err error
	o.stopOnce.Do(func() {
		if !o.started.Load() {
			return
		}
		o.pendingMu.Lock()
		o.stopping.Store(true)
		o.pendingMu.Unlock()
		_ = o.ln.Close()
		o.cancel()

		all := o.snapshot()
		for _, c := range all {
			_ = c.queue.Close()
		}

		done := make(chan struct{})
		go func() {
			o.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			err = ctx.Err()
			for _, c := range all {
				c.cancel()
				_ = c.conn.Close()
			}
			<-done
		}
		o.logger.Info("output channel stopped")
	})
	return err
}

func (o *OutputChannel) snapshot() []*consumer {
	o.mu.Lock()
	defer o.mu.Unlock()
	all := make([]*consumer, 0, len(o.order))
	for _, id := range o.order {
		all = append(all, o.consumers[id])
	}
	return all
}
