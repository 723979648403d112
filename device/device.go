// Package device implements the device base: a self-describing state machine
// exposed on the broker through a SignalSlotable.
//
// A Device owns its live configuration, validated against the base schema
// plus the class schema plus any injected schema. Remote callers reconfigure
// it through slotReconfigure; the device itself changes read-only values with
// Set. Every committed change is broadcast on signalChanged in commit order.
package device

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"github.com/European-XFEL/Karabo-sub009/broker"
	"github.com/European-XFEL/Karabo-sub009/errors"
	"github.com/European-XFEL/Karabo-sub009/hash"
	"github.com/European-XFEL/Karabo-sub009/metric"
	"github.com/European-XFEL/Karabo-sub009/pipeline"
	"github.com/European-XFEL/Karabo-sub009/pkg/timestamp"
	"github.com/European-XFEL/Karabo-sub009/schema"
	"github.com/European-XFEL/Karabo-sub009/signalslot"
)

// Signals emitted by every device.
const (
	SignalChanged       = "signalChanged"
	SignalSchemaUpdated = "signalSchemaUpdated"
	SignalNotification  = "signalNotification"
	SignalAlarmUpdate   = "signalAlarmUpdate"
	SignalNoTransition  = "signalNoTransition"
)

var errorState = regexp.MustCompile(`(?i)error`)

// Hooks are the points where device code plugs into the runtime. All are
// optional.
type Hooks struct {
	// Initialize runs once the device is on the broker.
	Initialize func(ctx context.Context, d *Device) error
	// PreReconfigure sees a validated reconfiguration before it is applied
	// and may modify or reject it.
	PreReconfigure func(ctx context.Context, d *Device, incoming *hash.Hash) error
	// PostReconfigure runs after a reconfiguration was applied and broadcast.
	PostReconfigure func(ctx context.Context, d *Device)
	// PreDestruction runs before the device leaves the broker.
	PreDestruction func(ctx context.Context, d *Device)
	// OnTimeUpdate observes train ticks.
	OnTimeUpdate func(id, sec, frac, periodMicros uint64)
}

// Config describes one device instance.
type Config struct {
	DeviceID string
	ClassID  string
	ServerID string
	Topic    string
	// Schema holds the class elements added to the base schema.
	Schema *schema.Schema
	// Initial is the unvalidated instantiation configuration.
	Initial *hash.Hash
	FSM     *FSM
	Hooks   Hooks
	// Trains stamps values; nil creates a private source.
	Trains *timestamp.TrainSource
	Clock  clock.Clock
	// LogLevel is adjusted by slotLoggerPriority when set.
	LogLevel *slog.LevelVar
	Logger   *slog.Logger
	Metrics  *metric.Metrics
	// SchemaCacheSize bounds the per-state schema cache.
	SchemaCacheSize int
	// NotificationRate limits EXCEPTION notifications per second.
	NotificationRate  rate.Limit
	NotificationBurst int
	// PingTimeout is passed to the SignalSlotable duplicate id ping.
	PingTimeout time.Duration
	// StatsInterval is how often performance statistics are refreshed.
	StatsInterval time.Duration
	// ChannelCloseTimeout bounds the end of stream and drain of the
	// device's output channels on Stop. Inputs still busy after it are cut
	// off.
	ChannelCloseTimeout time.Duration
	// Hub is shared by the channels of every device in the process
	// instance; nil serializes all pipeline data.
	Hub *pipeline.Hub
}

// Device is one running device instance.
type Device struct {
	id      string
	cfg     Config
	ss      *signalslot.SignalSlotable
	logger  *slog.Logger
	trains  *timestamp.TrainSource
	clock   clock.Clock
	fsm     *FSM
	hooks   Hooks
	metrics *metric.Metrics
	notify  *rate.Limiter

	schemaMu sync.RWMutex
	static   *schema.Schema
	injected *schema.Schema
	full     *schema.Schema
	cache    *lru.Cache[string, *schema.Schema]

	stateMu sync.Mutex
	params  *hash.Hash
	alarms  map[string]schema.AlarmCondition

	// emitMu keeps signalChanged in commit order without holding stateMu
	// while publishing.
	emitMu sync.Mutex
	// eventMu serializes state machine events and reconfigurations.
	eventMu sync.Mutex

	chanMu  sync.Mutex
	outputs map[string]*pipeline.OutputChannel
	inputs  map[string]*pipeline.InputChannel

	statsMu    sync.Mutex
	statsCount uint32
	statsMax   time.Duration

	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New validates the initial configuration and prepares the device. Start puts
// it on the broker.
func New(t broker.Transport, cfg Config) (*Device, error) {
	if cfg.ClassID == "" {
		return nil, errors.WrapInvalid(fmt.Errorf("class id is empty"), "Device", "New", "check config")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Trains == nil {
		cfg.Trains = timestamp.NewTrainSource(cfg.Clock)
	}
	if cfg.SchemaCacheSize <= 0 {
		cfg.SchemaCacheSize = 16
	}
	if cfg.NotificationRate == 0 {
		cfg.NotificationRate = rate.Every(time.Second)
	}
	if cfg.NotificationBurst <= 0 {
		cfg.NotificationBurst = 5
	}
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = 5 * time.Second
	}
	if cfg.ChannelCloseTimeout <= 0 {
		cfg.ChannelCloseTimeout = 3 * time.Second
	}

	static := BaseSchema(cfg.ClassID)
	if cfg.Schema != nil {
		if err := cfg.Schema.Err(); err != nil {
			return nil, errors.WrapInvalid(err, "Device", "New", "build class schema")
		}
		static.Merge(cfg.Schema)
	}
	if cfg.FSM != nil {
		schema.Overwrite(static, KeyState).
			SetNewOptions(cfg.FSM.States()).
			SetNewDefault(cfg.FSM.Initial())
	}
	if err := static.Err(); err != nil {
		return nil, errors.WrapInvalid(err, "Device", "New", "build schema")
	}

	initial := &hash.Hash{}
	if cfg.Initial != nil {
		initial = cfg.Initial.Clone()
	}
	for _, k := range internalKeys {
		initial.Erase(k)
	}
	opts := schema.InitOptions()
	opts.Timestamp = cfg.Trains.Now()
	res, err := schema.Validate(static, initial, opts)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Device", "New", "validate configuration of "+cfg.DeviceID)
	}

	cache, err := lru.New[string, *schema.Schema](cfg.SchemaCacheSize)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Device", "New", "create schema cache")
	}

	d := &Device{
		id:      cfg.DeviceID,
		cfg:     cfg,
		logger:  cfg.Logger.With("device_id", cfg.DeviceID, "class_id", cfg.ClassID),
		trains:  cfg.Trains,
		clock:   cfg.Clock,
		fsm:     cfg.FSM,
		hooks:   cfg.Hooks,
		metrics: cfg.Metrics,
		notify:  rate.NewLimiter(cfg.NotificationRate, cfg.NotificationBurst),
		static:  static,
		full:    static.Clone(),
		cache:   cache,
		params:  res.Config,
		alarms:  make(map[string]schema.AlarmCondition),
	}
	for path, cond := range res.Alarms {
		if cond != schema.AlarmNone {
			d.alarms[path] = cond
		}
	}
	host, _ := os.Hostname()
	d.stampInternal(hash.New(
		KeyDeviceID, cfg.DeviceID,
		KeyClassID, cfg.ClassID,
		KeyServerID, cfg.ServerID,
		KeyHostName, host,
		KeyPID, int32(os.Getpid()),
	), opts.Timestamp)

	interval := hash.GetOr(d.params, KeyHeartbeatInterval, int32(20))
	ss, err := signalslot.New(t, signalslot.Config{
		InstanceID:        cfg.DeviceID,
		Type:              signalslot.TypeDevice,
		Topic:             cfg.Topic,
		HeartbeatInterval: time.Duration(interval) * time.Second,
		PingTimeout:       cfg.PingTimeout,
		Info: hash.New(
			"classId", cfg.ClassID,
			"serverId", cfg.ServerID,
			"visibility", hash.GetOr(d.params, KeyVisibility, int32(0)),
			"archive", hash.GetOr(d.params, KeyArchive, true),
		),
		Clock:   cfg.Clock,
		Logger:  cfg.Logger,
		Metrics: cfg.Metrics,
	})
	if err != nil {
		return nil, err
	}
	d.ss = ss
	if err := d.registerSlots(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Device) stampInternal(h *hash.Hash, ts timestamp.Timestamp) {
	timestamp.Stamp(h, ts)
	d.params.Merge(h, hash.ReplaceAttributes)
}

// ID returns the device id.
func (d *Device) ID() string { return d.id }

// ClassID returns the class the device was created from.
func (d *Device) ClassID() string { return d.cfg.ClassID }

// ServerID returns the hosting server, empty for a standalone device.
func (d *Device) ServerID() string { return d.cfg.ServerID }

// Logger returns the device logger.
func (d *Device) Logger() *slog.Logger { return d.logger }

// SignalSlotable gives device code access to calls, requests and its own
// slots and signals.
func (d *Device) SignalSlotable() *signalslot.SignalSlotable { return d.ss }

// Trains returns the train source stamping the device's values.
func (d *Device) Trains() *timestamp.TrainSource { return d.trains }

// ActualTimestamp is the current time with the train id derived from the
// latest tick.
func (d *Device) ActualTimestamp() timestamp.Timestamp { return d.trains.Now() }

// Start puts the device on the broker, enters the initial state and runs the
// Initialize hook.
func (d *Device) Start(ctx context.Context) error {
	d.ss.OnHandlerError(func(slot string, err error) {
		d.NotifyException(context.Background(), fmt.Sprintf("slot %s failed", slot), err)
	})
	d.ss.OnSlotCall(d.recordCall)
	if err := d.ss.Start(ctx); err != nil {
		return err
	}

	if d.fsm != nil && d.State() != d.fsm.Initial() {
		if err := d.UpdateState(ctx, d.fsm.Initial()); err != nil {
			return err
		}
	}
	d.wg.Add(1)
	go d.statsLoop()

	if d.hooks.Initialize != nil {
		if err := d.hooks.Initialize(ctx, d); err != nil {
			d.NotifyException(ctx, "initialization failed", err)
			_ = d.UpdateState(ctx, StateError)
			return errors.Wrap(err, "Device", "Start", "initialize "+d.id)
		}
	}
	d.logger.Info("device started")
	return nil
}

// Stop runs PreDestruction, closes the device's channels and leaves the
// broker. It must not be called from one of the device's own slot handlers.
func (d *Device) Stop(ctx context.Context) error {
	var err error
	d.stopOnce.Do(func() {
		if d.hooks.PreDestruction != nil {
			d.hooks.PreDestruction(ctx, d)
		}
		d.stopChannels(ctx)
		if d.cfg.ServerID != "" {
			if callErr := d.ss.Call(ctx, d.cfg.ServerID, slotDeviceGone, d.id); callErr != nil {
				d.logger.Debug("notifying server failed", "error", callErr)
			}
		}
		err = d.ss.Stop(ctx)
		d.wg.Wait()
		d.logger.Info("device stopped")
	})
	return err
}

// Done is closed once the device has stopped.
func (d *Device) Done() <-chan struct{} { return d.ss.Done() }

// Configuration returns a copy of the live configuration.
func (d *Device) Configuration() *hash.Hash {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	return d.params.Clone()
}

// Get returns the live value at key.
func (d *Device) Get(key string) (any, bool) {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	n, ok := d.params.Find(key)
	if !ok {
		return nil, false
	}
	if h, ok := n.Value().(*hash.Hash); ok {
		return h.Clone(), true
	}
	return n.Value(), true
}

// Get returns the live value at key as T.
func Get[T any](d *Device, key string) (T, error) {
	var zero T
	v, ok := d.Get(key)
	if !ok {
		return zero, fmt.Errorf("%s has no value at %q: %w", d.id, key, errors.ErrKeyNotFound)
	}
	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("%s.%s is %T, not %T: %w", d.id, key, v, zero, errors.ErrInvalidData)
	}
	return t, nil
}

// State returns the current state.
func (d *Device) State() string {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	return hash.GetOr(d.params, KeyState, StateUnknown)
}

// Schema returns the full effective schema.
func (d *Device) Schema() *schema.Schema {
	d.schemaMu.RLock()
	defer d.schemaMu.RUnlock()
	return d.full.Clone()
}

func (d *Device) fullSchema() *schema.Schema {
	d.schemaMu.RLock()
	defer d.schemaMu.RUnlock()
	return d.full
}

// StateSchema returns the schema visible in state to a caller of level.
// Results are cached until the schema changes.
func (d *Device) StateSchema(state string, level schema.AccessLevel) *schema.Schema {
	key := state + "|" + level.String()
	d.schemaMu.RLock()
	defer d.schemaMu.RUnlock()
	if s, ok := d.cache.Get(key); ok {
		return s
	}
	s := d.full.Subset(state, level)
	d.cache.Add(key, s)
	return s
}

// Set changes one value with the current timestamp.
func (d *Device) Set(ctx context.Context, key string, value any) error {
	h := &hash.Hash{}
	if _, err := h.TrySet(key, value); err != nil {
		return errors.WrapInvalid(err, "Device", "Set", key)
	}
	return d.SetHash(ctx, h)
}

// SetHash changes several values at once with the current timestamp.
func (d *Device) SetHash(ctx context.Context, h *hash.Hash) error {
	return d.SetWithTimestamp(ctx, h, d.trains.Now())
}

// SetWithTimestamp validates h against the current schema, stamps it with ts,
// merges it into the live configuration and broadcasts the change. Read-only
// elements are writable here; unknown keys are not.
func (d *Device) SetWithTimestamp(ctx context.Context, h *hash.Hash, ts timestamp.Timestamp) error {
	res, err := schema.Validate(d.fullSchema(), h, schema.Options{
		AllowMissingKeys:           true,
		InjectTimestamps:           true,
		AllowUnrootedConfiguration: true,
		AllowReadOnly:              true,
		AllowInit:                  true,
		AccessLevel:                schema.LevelAdmin,
		Timestamp:                  ts,
	})
	if err != nil {
		return errors.WrapInvalid(err, "Device", "Set", "validate "+d.id)
	}
	d.commit(ctx, res, ts)
	return nil
}

// commit merges a validated change, updates alarm bookkeeping and emits
// signalChanged and signalAlarmUpdate.
func (d *Device) commit(ctx context.Context, res *schema.Result, ts timestamp.Timestamp) {
	delta := res.Config
	if delta.Empty() {
		return
	}
	d.stateMu.Lock()
	alarmUpdate := d.updateAlarmsLocked(res.Alarms, delta, ts)
	d.params.Merge(delta, hash.ReplaceAttributes)
	d.emitMu.Lock()
	d.stateMu.Unlock()
	defer d.emitMu.Unlock()

	if err := d.ss.Emit(ctx, SignalChanged, delta, d.id); err != nil {
		d.logger.Warn("broadcasting change failed", "error", err)
	}
	if alarmUpdate != nil {
		if err := d.ss.Emit(ctx, SignalAlarmUpdate, d.id, alarmUpdate); err != nil {
			d.logger.Warn("broadcasting alarm update failed", "error", err)
		}
	}
}

// updateAlarmsLocked records changed alarm conditions and, when the most
// severe condition changed, adds alarmCondition to delta.
func (d *Device) updateAlarmsLocked(conds map[string]schema.AlarmCondition, delta *hash.Hash, ts timestamp.Timestamp) *hash.Hash {
	if len(conds) == 0 {
		return nil
	}
	toAdd := &hash.Hash{}
	toClear := &hash.Hash{}
	for path, cond := range conds {
		prev, had := d.alarms[path]
		switch {
		case cond == schema.AlarmNone && had:
			delete(d.alarms, path)
			toClear.Set(path, string(prev))
		case cond != schema.AlarmNone && prev != cond:
			d.alarms[path] = cond
			toAdd.Set(path, string(cond))
		}
	}
	if toAdd.Empty() && toClear.Empty() {
		return nil
	}
	overall := schema.AlarmNone
	for _, cond := range d.alarms {
		if cond.Rank() > overall.Rank() {
			overall = cond
		}
	}
	if current := hash.GetOr(d.params, KeyAlarmCondition, string(schema.AlarmNone)); current != string(overall) {
		n, _ := delta.TrySet(KeyAlarmCondition, string(overall))
		ts.ToAttributes(n.Attributes())
	}
	return hash.New("toAdd", toAdd, "toClear", toClear)
}

// UpdateState sets the state and keeps the instance status in line: a state
// matching "error" reports status error, any other clears it.
func (d *Device) UpdateState(ctx context.Context, state string) error {
	if err := d.Set(ctx, KeyState, state); err != nil {
		return err
	}
	status := hash.GetOr(d.ss.Info(), "status", "ok")
	switch {
	case errorState.MatchString(state) && status != "error":
		return d.ss.UpdateInstanceInfo(ctx, hash.New("status", "error"))
	case !errorState.MatchString(state) && status == "error":
		return d.ss.UpdateInstanceInfo(ctx, hash.New("status", "ok"))
	}
	return nil
}

// NotifyException emits an EXCEPTION notification, rate limited per device.
func (d *Device) NotifyException(ctx context.Context, short string, err error) {
	d.logger.Error(short, "error", err)
	if !d.notify.Allow() {
		return
	}
	if emitErr := d.ss.Emit(ctx, SignalNotification, "EXCEPTION", short, fmt.Sprintf("%+v", err), d.id); emitErr != nil {
		d.logger.Debug("notification failed", "error", emitErr)
	}
}

// UpdateSchema replaces the injected part of the schema. Values of elements
// no longer in the schema are dropped from the live configuration; new
// elements get their defaults.
func (d *Device) UpdateSchema(ctx context.Context, s *schema.Schema) error {
	return d.inject(ctx, s, true)
}

// AppendSchema adds s to the injected schema without dropping anything.
func (d *Device) AppendSchema(ctx context.Context, s *schema.Schema) error {
	return d.inject(ctx, s, false)
}

func (d *Device) inject(ctx context.Context, s *schema.Schema, replace bool) error {
	if s == nil {
		return errors.WrapInvalid(fmt.Errorf("schema is nil"), "Device", "UpdateSchema", "inject")
	}
	if err := s.Err(); err != nil {
		return errors.WrapInvalid(err, "Device", "UpdateSchema", "inject")
	}
	d.schemaMu.Lock()
	if replace || d.injected == nil {
		d.injected = s.Clone()
	} else {
		d.injected.Merge(s)
	}
	full := d.static.Clone()
	full.Merge(d.injected)
	d.full = full
	d.cache.Purge()
	fullHash := full.ToHash()
	d.schemaMu.Unlock()

	ts := d.trains.Now()
	if replace {
		d.stateMu.Lock()
		pruneConfig(d.params, full.Parameters())
		d.stateMu.Unlock()
	}
	defaults, err := schema.Validate(s, &hash.Hash{}, schema.Options{
		AllowMissingKeys:           true,
		InjectDefaults:             true,
		InjectTimestamps:           true,
		AllowUnrootedConfiguration: true,
		AccessLevel:                schema.LevelAdmin,
		Timestamp:                  ts,
	})
	if err != nil {
		return errors.WrapInvalid(err, "Device", "UpdateSchema", "inject defaults")
	}
	delta := &hash.Hash{}
	d.stateMu.Lock()
	for _, path := range defaults.Config.Paths() {
		if d.params.Has(path) {
			continue
		}
		n, _ := defaults.Config.Find(path)
		if dn, err := delta.TrySet(path, n.Value()); err == nil {
			dn.Attributes().Merge(n.Attributes())
		}
	}
	d.stateMu.Unlock()

	if err := d.ss.Emit(ctx, SignalSchemaUpdated, fullHash, d.id); err != nil {
		d.logger.Warn("broadcasting schema failed", "error", err)
	}
	d.commit(ctx, &schema.Result{Config: delta, Alarms: defaults.Alarms}, ts)
	return nil
}

// pruneConfig drops configuration entries without a schema element.
func pruneConfig(cfg, params *hash.Hash) {
	for _, n := range cfg.Nodes() {
		sn, ok := params.Find(n.Key())
		if !ok {
			cfg.Erase(n.Key())
			continue
		}
		child, isHash := n.Value().(*hash.Hash)
		elems, hasChildren := sn.Value().(*hash.Hash)
		if isHash && hasChildren {
			pruneConfig(child, elems)
		}
	}
}

func (d *Device) recordCall(_ string, took time.Duration, _ error) {
	d.statsMu.Lock()
	d.statsCount++
	if took > d.statsMax {
		d.statsMax = took
	}
	d.statsMu.Unlock()
}

// statsLoop publishes performance statistics while they are enabled.
func (d *Device) statsLoop() {
	defer d.wg.Done()
	ticker := d.clock.Ticker(d.cfg.StatsInterval)
	defer ticker.Stop()
	done := d.ss.Done()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			d.statsMu.Lock()
			count, latest := d.statsCount, d.statsMax
			d.statsCount, d.statsMax = 0, 0
			d.statsMu.Unlock()
			enabled, _ := Get[bool](d, KeyStatsEnable)
			if !enabled {
				continue
			}
			err := d.SetHash(context.Background(), hash.New(
				KeyStatsMessages, count,
				KeyStatsMaxLatency, float64(latest)/float64(time.Millisecond),
			))
			if err != nil {
				d.logger.Debug("statistics update failed", "error", err)
			}
		}
	}
}
