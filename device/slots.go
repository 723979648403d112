package device

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/European-XFEL/Karabo-sub009/errors"
	"github.com/European-XFEL/Karabo-sub009/hash"
	"github.com/European-XFEL/Karabo-sub009/schema"
	"github.com/European-XFEL/Karabo-sub009/signalslot"
)

// Slots every device answers.
const (
	SlotGetConfiguration       = "slotGetConfiguration"
	SlotGetSchema              = "slotGetSchema"
	SlotReconfigure            = "slotReconfigure"
	SlotKillDevice             = "slotKillDevice"
	SlotGetTime                = "slotGetTime"
	SlotTimeTick               = "slotTimeTick"
	SlotClearLock              = "slotClearLock"
	SlotUpdateSchemaAttributes = "slotUpdateSchemaAttributes"
	SlotLoggerPriority         = "slotLoggerPriority"

	// slotDeviceGone is the server slot told about a leaving device.
	slotDeviceGone = "slotDeviceGone"
)

func (d *Device) registerSlots() error {
	for _, sig := range []string{SignalChanged, SignalSchemaUpdated, SignalNotification, SignalAlarmUpdate, SignalNoTransition} {
		d.ss.RegisterSignal(sig)
	}
	slots := []struct {
		name string
		fn   signalslot.SlotFunc
	}{
		{SlotGetConfiguration, signalslot.Slot0(d.slotGetConfiguration)},
		{SlotGetSchema, d.slotGetSchema},
		{SlotReconfigure, signalslot.Slot1(d.slotReconfigure)},
		{SlotKillDevice, signalslot.Slot0(d.slotKillDevice)},
		{SlotGetTime, d.slotGetTime},
		{SlotTimeTick, signalslot.Slot4(d.slotTimeTick)},
		{SlotClearLock, signalslot.Slot0(d.slotClearLock)},
		{SlotUpdateSchemaAttributes, signalslot.Slot1(d.slotUpdateSchemaAttributes)},
		{SlotLoggerPriority, signalslot.Slot1(d.slotLoggerPriority)},
		{SlotGetOutputChannelInformation, signalslot.Slot1(d.slotGetOutputChannelInformation)},
	}
	for _, s := range slots {
		if err := d.ss.RegisterSlot(s.name, s.fn); err != nil {
			return err
		}
	}
	return nil
}

// callerLevel is the access level a call was made with. Calls without one
// are trusted.
func callerLevel(c *signalslot.Call) schema.AccessLevel {
	name := c.AccessLevel()
	if name == "" {
		return schema.LevelAdmin
	}
	level, err := schema.ParseAccessLevel(name)
	if err != nil {
		return schema.LevelObserver
	}
	return level
}

// checkLockFor fails when an instance other than sender holds the device
// lock.
func (d *Device) checkLockFor(sender string) error {
	d.stateMu.Lock()
	owner := hash.GetOr(d.params, KeyLockedBy, "")
	d.stateMu.Unlock()
	if owner != "" && owner != sender {
		return fmt.Errorf("%s is locked by %s: %w", d.id, owner, errors.ErrStateForbidden)
	}
	return nil
}

func (d *Device) slotGetConfiguration(_ context.Context, c *signalslot.Call) error {
	c.Reply(d.Configuration(), d.id)
	return nil
}

// slotGetSchema takes an optional onlyCurrentState flag.
func (d *Device) slotGetSchema(_ context.Context, c *signalslot.Call) error {
	state := ""
	if len(c.Args) > 0 {
		only, err := signalslot.Arg[bool](c.Args, 0)
		if err != nil {
			return err
		}
		if only {
			state = d.State()
		}
	}
	c.Reply(d.StateSchema(state, callerLevel(c)).ToHash(), d.id)
	return nil
}

// slotReconfigure answers (true, "") when the whole configuration was
// applied and (false, reason) otherwise. Nothing is applied on failure.
func (d *Device) slotReconfigure(ctx context.Context, c *signalslot.Call, incoming *hash.Hash) error {
	ok, reason := true, ""
	if err := d.Reconfigure(ctx, incoming, c.Sender, callerLevel(c)); err != nil {
		ok, reason = false, err.Error()
		d.logger.Info("reconfiguration rejected", "sender", c.Sender, "reason", reason)
	}
	c.Reply(ok, reason)
	return nil
}

// Reconfigure applies a configuration on behalf of sender with the given
// access level. PreReconfigure must not fire state machine events.
func (d *Device) Reconfigure(ctx context.Context, incoming *hash.Hash, sender string, level schema.AccessLevel) error {
	if incoming == nil || incoming.Empty() {
		return nil
	}
	if err := d.checkLockFor(sender); err != nil {
		return err
	}

	d.eventMu.Lock()
	defer d.eventMu.Unlock()

	ts := d.trains.Now()
	opts := schema.ReconfigureOptions(d.State(), level)
	opts.Timestamp = ts
	res, err := schema.Validate(d.fullSchema(), incoming, opts)
	if err != nil {
		d.metrics.RecordReconfigure(false)
		return err
	}
	if d.hooks.PreReconfigure != nil {
		if err := d.hooks.PreReconfigure(ctx, d, res.Config); err != nil {
			d.metrics.RecordReconfigure(false)
			return fmt.Errorf("rejected by %s: %w", d.id, err)
		}
	}
	d.commit(ctx, res, ts)
	d.reconfigureChannels(res.Config)
	d.metrics.RecordReconfigure(true)
	if d.hooks.PostReconfigure != nil {
		d.hooks.PostReconfigure(ctx, d)
	}
	return nil
}

// slotKillDevice is honored only from the hosting server. A standalone
// device accepts it from anyone.
func (d *Device) slotKillDevice(_ context.Context, c *signalslot.Call) error {
	if d.cfg.ServerID != "" && c.Sender != d.cfg.ServerID {
		return fmt.Errorf("%s only accepts kill requests from %s, not %s: %w",
			d.id, d.cfg.ServerID, c.Sender, errors.ErrStateForbidden)
	}
	d.logger.Info("kill requested", "sender", c.Sender)
	c.AfterReply(func() {
		if err := d.Stop(context.Background()); err != nil {
			d.logger.Warn("stop failed", "error", err)
		}
	})
	return nil
}

// slotGetTime echoes its optional Hash argument with a "time" entry stamped
// with the current timestamp.
func (d *Device) slotGetTime(_ context.Context, c *signalslot.Call) error {
	out := &hash.Hash{}
	if len(c.Args) > 0 {
		in, err := signalslot.Arg[*hash.Hash](c.Args, 0)
		if err != nil {
			return err
		}
		out = in.Clone()
	}
	n, _ := out.TrySet("time", true)
	d.ActualTimestamp().ToAttributes(n.Attributes())
	c.Reply(out)
	return nil
}

func (d *Device) slotTimeTick(_ context.Context, _ *signalslot.Call, id, sec, frac, period uint64) error {
	d.trains.Tick(id, sec, frac, period)
	if d.hooks.OnTimeUpdate != nil {
		d.hooks.OnTimeUpdate(id, sec, frac, period)
	}
	return nil
}

func (d *Device) slotClearLock(ctx context.Context, _ *signalslot.Call) error {
	return d.Set(ctx, KeyLockedBy, "")
}

// slotUpdateSchemaAttributes changes attributes of existing elements. Each
// update is a Hash {path, attribute, value}. Either all updates apply or
// none does.
func (d *Device) slotUpdateSchemaAttributes(ctx context.Context, c *signalslot.Call, updates []*hash.Hash) error {
	full, err := d.updateSchemaAttributes(updates)
	ok := err == nil
	if err != nil {
		d.logger.Info("schema attribute update rejected", "error", err)
		full = d.fullSchema().ToHash()
	} else if emitErr := d.ss.Emit(ctx, SignalSchemaUpdated, full, d.id); emitErr != nil {
		d.logger.Warn("broadcasting schema failed", "error", emitErr)
	}
	c.Reply(hash.New(
		"success", ok,
		"instanceId", d.id,
		"updatedSchema", full,
		"requestedUpdate", updates,
	))
	return nil
}

func (d *Device) updateSchemaAttributes(updates []*hash.Hash) (*hash.Hash, error) {
	d.schemaMu.Lock()
	defer d.schemaMu.Unlock()

	static := d.static.Clone()
	var injected *schema.Schema
	if d.injected != nil {
		injected = d.injected.Clone()
	}
	for i, u := range updates {
		path := hash.GetOr(u, "path", "")
		name := hash.GetOr(u, "attribute", "")
		value, _ := u.Get("value")
		target := static
		if injected != nil && injected.Has(path) {
			target = injected
		}
		if err := target.SetAttribute(path, name, value); err != nil {
			return nil, errors.WrapInvalid(fmt.Errorf("update %d: %w", i, err), "Device", "UpdateSchemaAttributes", "apply")
		}
	}
	d.static = static
	d.injected = injected
	full := static.Clone()
	full.Merge(injected)
	d.full = full
	d.cache.Purge()
	return full.ToHash(), nil
}

func (d *Device) slotLoggerPriority(ctx context.Context, _ *signalslot.Call, priority string) error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(priority)); err != nil {
		return errors.WrapInvalid(err, "Device", "LoggerPriority", "parse "+priority)
	}
	if d.cfg.LogLevel != nil {
		d.cfg.LogLevel.Set(level)
	}
	return d.Set(ctx, KeyLoggerPriority, strings.ToUpper(level.String()))
}

// RegisterCommand exposes fn as a slot. A Slot element of the same key in
// the schema supplies allowed states and the required access level. The
// command is refused while another instance holds the lock.
func (d *Device) RegisterCommand(name string, fn func(ctx context.Context) error) error {
	return d.ss.RegisterSlot(name, func(ctx context.Context, c *signalslot.Call) error {
		if err := d.checkLockFor(c.Sender); err != nil {
			return err
		}
		if e, ok := d.fullSchema().Element(name); ok {
			state := d.State()
			if allowed := e.AllowedStates(); len(allowed) > 0 && !slices.Contains(allowed, state) {
				return fmt.Errorf("command %s not allowed in state %s (allowedStates: %s): %w",
					name, state, strings.Join(allowed, ","), errors.ErrStateForbidden)
			}
			if lvl := e.RequiredAccessLevel(); lvl > callerLevel(c) {
				return fmt.Errorf("command %s requires access level %s: %w", name, lvl, errors.ErrStateForbidden)
			}
		}
		if err := d.Set(ctx, KeyLastCommand, name); err != nil {
			d.logger.Debug("recording last command failed", "error", err)
		}
		return fn(ctx)
	})
}

// RegisterEvent exposes a command that fires event on the state machine.
func (d *Device) RegisterEvent(name, event string) error {
	return d.RegisterCommand(name, func(ctx context.Context) error {
		return d.Fire(ctx, event)
	})
}
