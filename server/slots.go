package server

import (
	"context"
	"log/slog"

	"github.com/European-XFEL/Karabo-sub009/device"
	"github.com/European-XFEL/Karabo-sub009/errors"
	"github.com/European-XFEL/Karabo-sub009/hash"
	"github.com/European-XFEL/Karabo-sub009/signalslot"
)

// Keys of the slotStartDevice argument.
const (
	KeyClassID       = "classId"
	KeyDeviceID      = "deviceId"
	KeyConfiguration = "configuration"
)

// specFromHash reads a start request. The initial properties are taken
// from "configuration" when present, otherwise from every key besides
// classId and deviceId.
func specFromHash(h *hash.Hash) (DeviceSpec, error) {
	spec := DeviceSpec{
		ClassID:  hash.GetOr(h, KeyClassID, ""),
		DeviceID: hash.GetOr(h, KeyDeviceID, ""),
	}
	if spec.ClassID == "" {
		return spec, errors.WrapInvalid(errors.ErrMissingConfig, "Server", "StartDevice", "classId is missing")
	}
	if cfg, ok := h.GetHash(KeyConfiguration); ok {
		spec.Config = cfg.Clone()
		return spec, nil
	}
	spec.Config = h.Clone()
	spec.Config.Erase(KeyClassID)
	spec.Config.Erase(KeyDeviceID)
	return spec, nil
}

// slotStartDevice answers (true, deviceId) or (false, reason).
func (s *Server) slotStartDevice(ctx context.Context, c *signalslot.Call, h *hash.Hash) error {
	spec, err := specFromHash(h)
	if err == nil {
		var id string
		if id, err = s.StartDevice(ctx, spec); err == nil {
			c.Reply(true, id)
			return nil
		}
	}
	s.logger.Warn("start device failed", "sender", c.Sender, "class_id", spec.ClassID, "error", err)
	c.Reply(false, err.Error())
	return nil
}

// slotKillServer kills every device, then leaves the broker once the
// reply is out.
func (s *Server) slotKillServer(ctx context.Context, c *signalslot.Call) error {
	s.logger.Info("kill requested", "sender", c.Sender)
	if err := s.killDevices(ctx); err != nil {
		s.logger.Warn("not every device stopped cleanly", "error", err)
	}
	c.AfterReply(func() {
		if err := s.Stop(context.Background()); err != nil {
			s.logger.Warn("stop failed", "error", err)
		}
	})
	return nil
}

func (s *Server) slotDeviceGone(_ context.Context, _ *signalslot.Call, id string) error {
	s.mu.Lock()
	d, ok := s.devices[id]
	if ok && d != nil {
		delete(s.devices, id)
	}
	hosted := len(s.devices)
	s.mu.Unlock()
	if ok && d != nil {
		s.logger.Info("device gone", "device_id", id)
		s.metrics.RecordDevicesHosted(hosted)
	}
	return nil
}

func (s *Server) slotGetClassSchema(_ context.Context, c *signalslot.Call, classID string) error {
	sch, err := s.registry.Schema(classID)
	if err != nil {
		return err
	}
	c.Reply(sch.ToHash(), classID, s.cfg.ServerID)
	return nil
}

// slotGetClassSchemas replies with {classId: schema} for every offered
// class.
func (s *Server) slotGetClassSchemas(_ context.Context, c *signalslot.Call) error {
	out := &hash.Hash{}
	for _, id := range s.offeredClasses() {
		sch, err := s.registry.Schema(id)
		if err != nil {
			continue
		}
		out.Set(id, sch.ToHash())
	}
	c.Reply(out, s.cfg.ServerID)
	return nil
}

// slotLoggerPriority changes the process log level and records it on every
// hosted device.
func (s *Server) slotLoggerPriority(ctx context.Context, _ *signalslot.Call, priority string) error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(priority)); err != nil {
		return errors.WrapInvalid(err, "Server", "LoggerPriority", "parse "+priority)
	}
	if s.cfg.LogLevel != nil {
		s.cfg.LogLevel.Set(level)
	}
	for _, id := range s.Devices() {
		if err := s.ss.Call(ctx, id, device.SlotLoggerPriority, priority); err != nil {
			s.logger.Warn("forwarding log level failed", "device_id", id, "error", err)
		}
	}
	return nil
}

// slotTimeTick forwards a time server tick to every hosted device.
func (s *Server) slotTimeTick(ctx context.Context, _ *signalslot.Call, id, sec, frac, period uint64) error {
	for _, dev := range s.Devices() {
		if err := s.ss.Call(ctx, dev, device.SlotTimeTick, id, sec, frac, period); err != nil {
			s.logger.Debug("forwarding time tick failed", "device_id", dev, "error", err)
		}
	}
	return nil
}
