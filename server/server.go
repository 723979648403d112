// Package server implements the device server: a process that hosts
// devices of registered classes, starts and kills them on request and
// publishes the schemas of the classes it can instantiate.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"

	"github.com/European-XFEL/Karabo-sub009/broker"
	"github.com/European-XFEL/Karabo-sub009/device"
	"github.com/European-XFEL/Karabo-sub009/errors"
	"github.com/European-XFEL/Karabo-sub009/hash"
	"github.com/European-XFEL/Karabo-sub009/metric"
	"github.com/European-XFEL/Karabo-sub009/pipeline"
	"github.com/European-XFEL/Karabo-sub009/signalslot"
)

// Slots and signals of a device server.
const (
	SlotStartDevice               = "slotStartDevice"
	SlotKillServer                = "slotKillServer"
	SlotDeviceGone                = "slotDeviceGone"
	SlotGetClassSchema            = "slotGetClassSchema"
	SlotGetClassSchemas           = "slotGetClassSchemas"
	SlotLoggerPriority            = "slotLoggerPriority"
	SlotTimeTick                  = "slotTimeTick"
	SignalNewDeviceClassAvailable = "signalNewDeviceClassAvailable"
	SignalTimeTick                = "signalTimeTick"
)

// DeviceSpec describes one device to start.
type DeviceSpec struct {
	ClassID string
	// DeviceID is generated as <host>_<classId>_<index> when empty.
	DeviceID string
	Config   *hash.Hash
}

// Config configures a Server.
type Config struct {
	ServerID string
	Topic    string
	HostName string
	// Visibility is announced in the instance info.
	Visibility        int32
	HeartbeatInterval time.Duration
	// Registry defaults to DefaultRegistry.
	Registry *Registry
	// DeviceClasses restricts the classes offered. Empty offers every
	// registered class.
	DeviceClasses []string
	// ScanInterval is how often the registry is checked for new classes.
	ScanInterval time.Duration
	// TimeServerID names the instance whose signalTimeTick is forwarded
	// to hosted devices.
	TimeServerID string
	// Init lists devices started with the server.
	Init []DeviceSpec
	// KillTimeout bounds how long slotKillServer waits for devices.
	KillTimeout time.Duration
	// ChannelCloseTimeout is handed to every device; see
	// device.Config.ChannelCloseTimeout.
	ChannelCloseTimeout time.Duration
	PingTimeout         time.Duration
	LogLevel            *slog.LevelVar
	Clock               clock.Clock
	Logger              *slog.Logger
	Metrics             *metric.Metrics
}

// Server hosts devices.
type Server struct {
	cfg       Config
	transport broker.Transport
	registry  *Registry
	ss        *signalslot.SignalSlotable
	logger    *slog.Logger
	clock     clock.Clock
	metrics   *metric.Metrics
	// hub lets the hosted devices' channels hand chunks over in memory.
	hub *pipeline.Hub

	mu        sync.Mutex
	devices   map[string]*device.Device
	announced map[string]bool
	indices   map[string]int

	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup
}

// New prepares a server. Start puts it on the broker.
func New(t broker.Transport, cfg Config) (*Server, error) {
	if cfg.ServerID == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Server", "New", "server id validation")
	}
	if cfg.HostName == "" {
		cfg.HostName, _ = os.Hostname()
	}
	if cfg.Registry == nil {
		cfg.Registry = DefaultRegistry()
	}
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = 3 * time.Second
	}
	if cfg.KillTimeout <= 0 {
		cfg.KillTimeout = 10 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Server{
		cfg:       cfg,
		transport: t,
		registry:  cfg.Registry,
		logger:    cfg.Logger.With("component", "server", "server_id", cfg.ServerID),
		clock:     cfg.Clock,
		metrics:   cfg.Metrics,
		hub:       pipeline.NewHub(),
		devices:   make(map[string]*device.Device),
		announced: make(map[string]bool),
		indices:   make(map[string]int),
		done:      make(chan struct{}),
	}
	classes := s.offeredClasses()
	for _, c := range classes {
		s.announced[c] = true
	}
	ss, err := signalslot.New(t, signalslot.Config{
		InstanceID:        cfg.ServerID,
		Type:              signalslot.TypeServer,
		Topic:             cfg.Topic,
		HeartbeatInterval: cfg.HeartbeatInterval,
		PingTimeout:       cfg.PingTimeout,
		Info: hash.New(
			"serverId", cfg.ServerID,
			"host", cfg.HostName,
			"visibility", cfg.Visibility,
			"deviceClasses", classes,
		),
		Clock:   cfg.Clock,
		Logger:  cfg.Logger,
		Metrics: cfg.Metrics,
	})
	if err != nil {
		return nil, err
	}
	s.ss = ss
	if err := s.registerSlots(); err != nil {
		return nil, err
	}
	return s, nil
}

// ID returns the server id.
func (s *Server) ID() string { return s.cfg.ServerID }

// SignalSlotable exposes the server's broker identity.
func (s *Server) SignalSlotable() *signalslot.SignalSlotable { return s.ss }

// Done is closed once the server has stopped.
func (s *Server) Done() <-chan struct{} { return s.done }

func (s *Server) registerSlots() error {
	s.ss.RegisterSignal(SignalNewDeviceClassAvailable)
	slots := []struct {
		name string
		fn   signalslot.SlotFunc
	}{
		{SlotStartDevice, signalslot.Slot1(s.slotStartDevice)},
		{SlotKillServer, signalslot.Slot0(s.slotKillServer)},
		{SlotDeviceGone, signalslot.Slot1(s.slotDeviceGone)},
		{SlotGetClassSchema, signalslot.Slot1(s.slotGetClassSchema)},
		{SlotGetClassSchemas, signalslot.Slot0(s.slotGetClassSchemas)},
		{SlotLoggerPriority, signalslot.Slot1(s.slotLoggerPriority)},
		{SlotTimeTick, signalslot.Slot4(s.slotTimeTick)},
	}
	for _, sl := range slots {
		if err := s.ss.RegisterSlot(sl.name, sl.fn); err != nil {
			return err
		}
	}
	return nil
}

// Start announces the server, starts the configured devices and begins
// scanning for new classes. Devices that fail to start are logged and
// skipped.
func (s *Server) Start(ctx context.Context) error {
	if err := s.ss.Start(ctx); err != nil {
		return err
	}
	if s.cfg.TimeServerID != "" {
		if err := s.ss.Connect(ctx, s.cfg.TimeServerID, SignalTimeTick, s.cfg.ServerID, SlotTimeTick); err != nil {
			s.logger.Warn("connecting to time server failed", "time_server", s.cfg.TimeServerID, "error", err)
		}
	}
	for _, spec := range s.cfg.Init {
		if _, err := s.StartDevice(ctx, spec); err != nil {
			s.logger.Error("starting configured device failed", "class_id", spec.ClassID, "device_id", spec.DeviceID, "error", err)
		}
	}
	s.wg.Add(1)
	go s.scanLoop()
	s.logger.Info("server started", "classes", s.offeredClasses())
	return nil
}

// Stop kills every hosted device and leaves the broker.
func (s *Server) Stop(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		killErr := s.killDevices(ctx)
		err = s.ss.Stop(ctx)
		s.wg.Wait()
		if killErr != nil && err == nil {
			err = killErr
		}
		close(s.done)
		s.logger.Info("server stopped")
	})
	return err
}

func (s *Server) offeredClasses() []string {
	all := s.registry.Classes()
	if len(s.cfg.DeviceClasses) == 0 {
		return all
	}
	return slices.DeleteFunc(all, func(c string) bool {
		return !slices.Contains(s.cfg.DeviceClasses, c)
	})
}

// Devices lists the ids of the hosted devices.
func (s *Server) Devices() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.devices))
	for id, d := range s.devices {
		if d != nil {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

// Device returns a hosted device.
func (s *Server) Device(id string) (*device.Device, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.devices[id]
	return d, d != nil
}

// nextDeviceIDLocked generates <host>_<classId>_<index>, skipping ids in
// use.
func (s *Server) nextDeviceIDLocked(classID string) string {
	for {
		id := fmt.Sprintf("%s_%s_%d", s.cfg.HostName, classID, s.indices[classID])
		s.indices[classID]++
		if _, taken := s.devices[id]; !taken {
			return id
		}
	}
}

// StartDevice instantiates spec in this process and returns once the
// device announced itself on the broker.
func (s *Server) StartDevice(ctx context.Context, spec DeviceSpec) (string, error) {
	if !slices.Contains(s.offeredClasses(), spec.ClassID) {
		return "", errors.WrapInvalid(fmt.Errorf("class %q is not offered by %s", spec.ClassID, s.cfg.ServerID),
			"Server", "StartDevice", "class lookup")
	}
	reg, err := s.registry.lookup(spec.ClassID)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	id := spec.DeviceID
	if id == "" {
		id = s.nextDeviceIDLocked(spec.ClassID)
	}
	if _, exists := s.devices[id]; exists {
		s.mu.Unlock()
		return "", errors.WrapInvalid(fmt.Errorf("device %q already runs on %s", id, s.cfg.ServerID),
			"Server", "StartDevice", "duplicate device check")
	}
	// Reserve the id while the device starts.
	s.devices[id] = nil
	s.mu.Unlock()

	d, err := s.instantiate(ctx, reg, id, spec.Config)
	s.mu.Lock()
	if err != nil {
		delete(s.devices, id)
	} else {
		s.devices[id] = d
	}
	hosted := len(s.devices)
	s.mu.Unlock()
	if err != nil {
		return "", err
	}
	s.metrics.RecordDevicesHosted(hosted)
	s.logger.Info("device started", "device_id", id, "class_id", spec.ClassID)
	return id, nil
}

func (s *Server) instantiate(ctx context.Context, reg *registration, id string, cfg *hash.Hash) (*device.Device, error) {
	var fsm *device.FSM
	if reg.class.FSM != nil {
		var err error
		if fsm, err = reg.class.FSM(); err != nil {
			return nil, err
		}
	}
	d, err := device.New(s.transport, device.Config{
		DeviceID:    id,
		ClassID:     reg.class.ClassID,
		ServerID:    s.cfg.ServerID,
		Topic:       s.cfg.Topic,
		Schema:      reg.classSchema.Clone(),
		Initial:     cfg,
		FSM:         fsm,
		Hooks:       reg.class.Hooks,
		Clock:       s.clock,
		LogLevel:    s.cfg.LogLevel,
		Logger:      s.cfg.Logger,
		Metrics:     s.metrics,
		PingTimeout: s.cfg.PingTimeout,
		Hub:         s.hub,

		ChannelCloseTimeout: s.cfg.ChannelCloseTimeout,
	})
	if err != nil {
		return nil, err
	}
	if reg.class.Setup != nil {
		if err := reg.class.Setup(d); err != nil {
			return nil, errors.Wrap(err, "Server", "StartDevice", "set up "+id)
		}
	}
	if err := d.Start(ctx); err != nil {
		_ = d.Stop(context.WithoutCancel(ctx))
		return nil, err
	}
	return d, nil
}

// killDevices asks every hosted device to shut down and waits for them.
func (s *Server) killDevices(ctx context.Context) error {
	s.mu.Lock()
	devices := make([]*device.Device, 0, len(s.devices))
	for _, d := range s.devices {
		if d != nil {
			devices = append(devices, d)
		}
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.KillTimeout)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	for _, d := range devices {
		g.Go(func() error {
			if err := s.ss.Call(gctx, d.ID(), device.SlotKillDevice); err != nil {
				s.logger.Warn("kill request failed, stopping directly", "device_id", d.ID(), "error", err)
				return d.Stop(gctx)
			}
			select {
			case <-d.Done():
				return nil
			case <-gctx.Done():
				return fmt.Errorf("device %s did not stop: %w", d.ID(), gctx.Err())
			}
		})
	}
	err := g.Wait()

	s.mu.Lock()
	for _, d := range devices {
		delete(s.devices, d.ID())
	}
	hosted := len(s.devices)
	s.mu.Unlock()
	s.metrics.RecordDevicesHosted(hosted)
	return err
}

// scanLoop announces classes registered after the server started.
func (s *Server) scanLoop() {
	defer s.wg.Done()
	ticker := s.clock.Ticker(s.cfg.ScanInterval)
	defer ticker.Stop()
	done := s.ss.Done()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			s.scan(context.Background())
		}
	}
}

// scan emits signalNewDeviceClassAvailable for each class not announced
// yet and refreshes the deviceClasses entry of the instance info.
func (s *Server) scan(ctx context.Context) {
	classes := s.offeredClasses()
	var fresh []string
	s.mu.Lock()
	for _, c := range classes {
		if !s.announced[c] {
			s.announced[c] = true
			fresh = append(fresh, c)
		}
	}
	s.mu.Unlock()
	if len(fresh) == 0 {
		return
	}
	for _, c := range fresh {
		sch, err := s.registry.Schema(c)
		if err != nil {
			continue
		}
		s.logger.Info("new device class available", "class_id", c)
		if err := s.ss.Emit(ctx, SignalNewDeviceClassAvailable, s.cfg.ServerID, c, sch.ToHash()); err != nil {
			s.logger.Warn("announcing class failed", "class_id", c, "error", err)
		}
	}
	if err := s.ss.UpdateInstanceInfo(ctx, hash.New("deviceClasses", classes)); err != nil {
		s.logger.Warn("updating instance info failed", "error", err)
	}
}
