package signalslot

import (
	"context"
	"sync"
	"time"

	"github.com/European-XFEL/Karabo-sub009/broker"
	"github.com/European-XFEL/Karabo-sub009/hash"
)

// InstanceHandler observes topology changes.
type InstanceHandler func(instanceID string, info *hash.Hash)

type peer struct {
	info     *hash.Hash
	interval time.Duration
	lastSeen time.Time
}

// topology tracks known instances and their last heartbeat.
type topology struct {
	mu        sync.Mutex
	peers     map[string]*peer
	onNew     []InstanceHandler
	onGone    []InstanceHandler
	onUpdated []InstanceHandler
}

func (t *topology) init() {
	t.peers = make(map[string]*peer)
}

// add records id and reports whether it was unknown.
func (t *topology) add(id string, info *hash.Hash, interval time.Duration, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[id]
	if !ok {
		p = &peer{}
		t.peers[id] = p
	}
	p.info = info
	p.interval = interval
	p.lastSeen = now
	return !ok
}

func (t *topology) touch(id string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[id]
	if ok {
		p.lastSeen = now
	}
	return ok
}

func (t *topology) remove(id string) (*hash.Hash, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[id]
	if !ok {
		return nil, false
	}
	delete(t.peers, id)
	return p.info, true
}

// expired lists peers silent for more than two heartbeat intervals.
func (t *topology) expired(now time.Time, self string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for id, p := range t.peers {
		if id != self && now.Sub(p.lastSeen) > 2*p.interval {
			out = append(out, id)
		}
	}
	return out
}

func (t *topology) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.peers)
}

// snapshot returns the topology keyed "type.instanceId".
func (t *topology) snapshot() *hash.Hash {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := &hash.Hash{}
	for id, p := range t.peers {
		typ := hash.GetOr(p.info, "type", string(TypeClient))
		out.Set(typ+"."+id, p.info.Clone())
	}
	return out
}

func (t *topology) handlers(kind *[]InstanceHandler) []InstanceHandler {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]InstanceHandler(nil), *kind...)
}

// Info returns a copy of the instance info announced to peers.
func (s *SignalSlotable) Info() *hash.Hash {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.info.Clone()
}

// UpdateInstanceInfo merges update into the instance info and broadcasts
// instanceUpdated.
func (s *SignalSlotable) UpdateInstanceInfo(ctx context.Context, update *hash.Hash) error {
	s.mu.Lock()
	s.info.Merge(update, hash.MergeAttributes)
	info := s.info.Clone()
	s.mu.Unlock()
	s.topo.add(s.id, info, s.cfg.HeartbeatInterval, s.clock.Now())
	return s.CallGlobal(ctx, SlotInstanceUpdated, s.id, info)
}

// OnInstanceNew registers fn for instances joining the topology. Handlers
// run on the dispatch goroutine.
func (s *SignalSlotable) OnInstanceNew(fn InstanceHandler) {
	s.topo.mu.Lock()
	s.topo.onNew = append(s.topo.onNew, fn)
	s.topo.mu.Unlock()
}

// OnInstanceGone registers fn for instances that left or stopped
// heartbeating.
func (s *SignalSlotable) OnInstanceGone(fn InstanceHandler) {
	s.topo.mu.Lock()
	s.topo.onGone = append(s.topo.onGone, fn)
	s.topo.mu.Unlock()
}

// OnInstanceUpdated registers fn for instance info changes.
func (s *SignalSlotable) OnInstanceUpdated(fn InstanceHandler) {
	s.topo.mu.Lock()
	s.topo.onUpdated = append(s.topo.onUpdated, fn)
	s.topo.mu.Unlock()
}

// Topology returns the known instances keyed "type.instanceId". It is only
// maintained with Config.TrackTopology.
func (s *SignalSlotable) Topology() *hash.Hash {
	return s.topo.snapshot()
}

// HasInstance reports whether id is in the topology.
func (s *SignalSlotable) HasInstance(id string) bool {
	s.topo.mu.Lock()
	defer s.topo.mu.Unlock()
	_, ok := s.topo.peers[id]
	return ok
}

// Ping asks id for its instance info.
func (s *SignalSlotable) Ping(ctx context.Context, id string, timeout time.Duration) (*hash.Hash, error) {
	args, err := s.Request(ctx, id, SlotPing).Timeout(timeout).Wait()
	if err != nil {
		return nil, err
	}
	return Arg[*hash.Hash](args, 1)
}

func (s *SignalSlotable) instanceAnswers(ctx context.Context, id string, timeout time.Duration) bool {
	_, err := s.requester.Request(ctx, id, SlotPing, s.header("__request__"), nil, timeout)
	return err == nil
}

// Discover asks every instance on the topic to answer with its info.
func (s *SignalSlotable) Discover(ctx context.Context) error {
	return s.CallGlobal(ctx, SlotDiscover)
}

// GetAvailableInstances discovers peers, waits for answers and returns the
// topology.
func (s *SignalSlotable) GetAvailableInstances(ctx context.Context, wait time.Duration) (*hash.Hash, error) {
	if err := s.Discover(ctx); err != nil {
		return nil, err
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
	}
	return s.Topology(), nil
}

func (s *SignalSlotable) registerBuiltins() {
	s.RegisterSignal(SignalHeartbeat)
	_ = s.RegisterSlot(SlotPing, Slot0(func(_ context.Context, c *Call) error {
		c.Reply(s.id, s.Info())
		return nil
	}))
	_ = s.RegisterSlot(SlotPingAnswer, Slot2(func(_ context.Context, _ *Call, id string, info *hash.Hash) error {
		s.instanceNew(id, info, true)
		return nil
	}))
	_ = s.RegisterSlot(SlotConnectToSignal, Slot3(func(ctx context.Context, _ *Call, signalInstance, signal, slot string) error {
		if !s.HasSlot(slot) {
			return errNoSlot(s.id, slot)
		}
		return s.connectLocal(ctx, signalInstance, signal, slot)
	}))
	_ = s.RegisterSlot(SlotDisconnectFromSignal, Slot3(func(_ context.Context, _ *Call, signalInstance, signal, slot string) error {
		return s.disconnectLocal(signalInstance, signal, slot)
	}))
}

func (s *SignalSlotable) onGlobalMessage(ctx context.Context, m *broker.Message) {
	sender := m.HeaderString(broker.HeaderSignalInstanceID)
	args := fromBody(m.Body)
	id, _ := Arg[string](args, 0)
	info, _ := Arg[*hash.Hash](args, 1)

	for _, slot := range broker.SlotsFor(m.Header, "*") {
		switch slot {
		case SlotInstanceNew:
			if id != s.id {
				s.instanceNew(id, info, false)
			}
		case SlotInstanceUpdated:
			if id != s.id {
				s.instanceUpdated(id, info)
			}
		case SlotInstanceGone:
			if id != s.id {
				s.instanceGone(id)
			}
		case SlotDiscover:
			if sender != "" && sender != s.id {
				if err := s.Call(ctx, sender, SlotPingAnswer, s.id, s.Info()); err != nil {
					s.logger.Debug("discovery answer failed", "to", sender, "error", err)
				}
			}
		default:
			if s.HasSlot(slot) {
				s.enqueue(func() { s.invoke(slot, m) })
			}
		}
	}
}

func (s *SignalSlotable) onHeartbeat(_ context.Context, m *broker.Message) {
	args := fromBody(m.Body)
	id, err := Arg[string](args, 0)
	if err != nil || id == s.id {
		return
	}
	if s.topo.touch(id, s.clock.Now()) {
		return
	}
	info, _ := Arg[*hash.Hash](args, 2)
	if info == nil {
		info = &hash.Hash{}
	}
	if seconds, err := Arg[int32](args, 1); err == nil && !info.Has("heartbeatInterval") {
		info.Set("heartbeatInterval", seconds)
	}
	s.instanceNew(id, info, false)
}

func heartbeatInterval(info *hash.Hash) time.Duration {
	v, ok := info.Get("heartbeatInterval")
	if !ok {
		return 10 * time.Second
	}
	seconds, err := hash.Convert(v, hash.TypeInt32)
	if err != nil || seconds.(int32) <= 0 {
		return 10 * time.Second
	}
	return time.Duration(seconds.(int32)) * time.Second
}

func (s *SignalSlotable) instanceNew(id string, info *hash.Hash, inline bool) {
	if !s.cfg.TrackTopology || id == "" {
		return
	}
	if info == nil {
		info = &hash.Hash{}
	}
	isNew := s.topo.add(id, info, heartbeatInterval(info), s.clock.Now())
	s.metrics.RecordTopologySize(s.topo.size())
	if !isNew {
		return
	}
	s.logger.Debug("instance new", "peer", id)
	s.fire(s.topo.handlers(&s.topo.onNew), id, info, inline)
}

func (s *SignalSlotable) instanceUpdated(id string, info *hash.Hash) {
	if !s.cfg.TrackTopology || id == "" || info == nil {
		return
	}
	s.topo.add(id, info, heartbeatInterval(info), s.clock.Now())
	s.fire(s.topo.handlers(&s.topo.onUpdated), id, info, false)
}

func (s *SignalSlotable) instanceGone(id string) {
	s.requester.FailInstance(id)
	if !s.cfg.TrackTopology {
		return
	}
	info, ok := s.topo.remove(id)
	if !ok {
		return
	}
	s.metrics.RecordTopologySize(s.topo.size())
	s.logger.Debug("instance gone", "peer", id)
	s.fire(s.topo.handlers(&s.topo.onGone), id, info, false)
}

func (s *SignalSlotable) fire(handlers []InstanceHandler, id string, info *hash.Hash, inline bool) {
	for _, fn := range handlers {
		if inline {
			fn(id, info)
			continue
		}
		s.enqueue(func() { fn(id, info) })
	}
}

func (s *SignalSlotable) heartbeatLoop() {
	defer s.wg.Done()
	ticker := s.clock.Ticker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	seconds := int32(s.cfg.HeartbeatInterval / time.Second)
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if err := s.Emit(s.ctx, SignalHeartbeat, s.id, seconds, s.Info()); err != nil {
				s.logger.Debug("heartbeat failed", "error", err)
			}
		}
	}
}

func (s *SignalSlotable) expiryLoop() {
	defer s.wg.Done()
	ticker := s.clock.Ticker(s.cfg.TopologyCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			for _, id := range s.topo.expired(s.clock.Now(), s.id) {
				s.logger.Info("instance silent, removing", "peer", id)
				s.instanceGone(id)
			}
		}
	}
}
