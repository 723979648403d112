package device

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/European-XFEL/Karabo-sub009/errors"
	"github.com/European-XFEL/Karabo-sub009/hash"
	"github.com/European-XFEL/Karabo-sub009/pipeline"
	"github.com/European-XFEL/Karabo-sub009/schema"
	"github.com/European-XFEL/Karabo-sub009/signalslot"
)

// SlotGetOutputChannelInformation answers (found, info) for one of the
// device's output channels.
const SlotGetOutputChannelInformation = "slotGetOutputChannelInformation"

// AddOutputChannel starts the output channel declared at key with
// pipeline.OutputChannelSchema. dataSchema, when not nil, describes every
// record written to it. The channel is stopped with the device.
func (d *Device) AddOutputChannel(key string, dataSchema *schema.Schema) (*pipeline.OutputChannel, error) {
	node, err := d.channelNode(key, "OutputChannel")
	if err != nil {
		return nil, err
	}
	cfg, err := pipeline.OutputConfigFromHash(node)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Device", "AddOutputChannel", key)
	}
	cfg.ChannelID = d.id + ":" + key
	cfg.Schema = dataSchema
	cfg.Hub = d.cfg.Hub
	cfg.Logger = d.logger
	cfg.Metrics = d.metrics
	cfg.OnConnectionsChanged = func(rows []*hash.Hash) {
		if err := d.Set(context.Background(), key+"."+pipeline.KeyConnections, rows); err != nil {
			d.logger.Debug("publishing connections failed", "channel", key, "error", err)
		}
	}

	out, err := pipeline.NewOutputChannel(cfg)
	if err != nil {
		return nil, err
	}

	d.chanMu.Lock()
	defer d.chanMu.Unlock()
	if _, dup := d.outputs[key]; dup {
		return nil, errors.WrapInvalid(fmt.Errorf("output channel %s exists", key), "Device", "AddOutputChannel", key)
	}
	if err := out.Start(); err != nil {
		return nil, err
	}
	if d.outputs == nil {
		d.outputs = map[string]*pipeline.OutputChannel{}
	}
	d.outputs[key] = out
	return out, nil
}

// AddInputChannel creates the input channel declared at key with
// pipeline.InputChannelSchema. Outputs are resolved through their devices on
// the broker. The caller registers handlers and then calls Start.
func (d *Device) AddInputChannel(key string) (*pipeline.InputChannel, error) {
	node, err := d.channelNode(key, "InputChannel")
	if err != nil {
		return nil, err
	}
	cfg, err := pipeline.InputConfigFromHash(node)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Device", "AddInputChannel", key)
	}
	cfg.InstanceID = d.id + ":" + key
	cfg.Resolver = BrokerResolver(d.ss, 0)
	cfg.Clock = d.clock
	cfg.Hub = d.cfg.Hub
	cfg.Logger = d.logger
	cfg.Metrics = d.metrics

	in, err := pipeline.NewInputChannel(cfg)
	if err != nil {
		return nil, err
	}
	in.RegisterConnectionStatusTracker(func(string, pipeline.ConnectionStatus) {
		missing := in.MissingConnections()
		if missing == nil {
			missing = []string{}
		}
		if err := d.Set(context.Background(), key+"."+pipeline.KeyMissingConnections, missing); err != nil {
			d.logger.Debug("publishing missing connections failed", "channel", key, "error", err)
		}
	})

	d.chanMu.Lock()
	defer d.chanMu.Unlock()
	if _, dup := d.inputs[key]; dup {
		return nil, errors.WrapInvalid(fmt.Errorf("input channel %s exists", key), "Device", "AddInputChannel", key)
	}
	if d.inputs == nil {
		d.inputs = map[string]*pipeline.InputChannel{}
	}
	d.inputs[key] = in
	return in, nil
}

// OutputChannel returns the started output channel at key.
func (d *Device) OutputChannel(key string) (*pipeline.OutputChannel, bool) {
	d.chanMu.Lock()
	defer d.chanMu.Unlock()
	out, ok := d.outputs[key]
	return out, ok
}

// InputChannel returns the input channel at key.
func (d *Device) InputChannel(key string) (*pipeline.InputChannel, bool) {
	d.chanMu.Lock()
	defer d.chanMu.Unlock()
	in, ok := d.inputs[key]
	return in, ok
}

// channelNode returns the live configuration of the channel node at key
// after checking it was declared with the expected display type.
func (d *Device) channelNode(key, displayType string) (*hash.Hash, error) {
	e, ok := d.fullSchema().Element(key)
	if !ok || e.DisplayType() != displayType {
		return nil, errors.WrapInvalid(fmt.Errorf("%s is not an %s of %s", key, displayType, d.id),
			"Device", "Add"+displayType, key)
	}
	node, err := Get[*hash.Hash](d, key)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Device", "Add"+displayType, key)
	}
	return node, nil
}

// reconfigureChannels applies changed connectedOutputChannels and
// delayOnInput of the device's inputs.
func (d *Device) reconfigureChannels(delta *hash.Hash) {
	d.chanMu.Lock()
	inputs := make(map[string]*pipeline.InputChannel, len(d.inputs))
	for k, in := range d.inputs {
		inputs[k] = in
	}
	d.chanMu.Unlock()

	for key, in := range inputs {
		node := hash.GetOr(delta, key, (*hash.Hash)(nil))
		if node == nil {
			continue
		}
		if v, ok := node.Get(pipeline.KeyDelayOnInput); ok {
			if ms, ok := v.(int32); ok {
				in.SetDelayOnInput(time.Duration(ms) * time.Millisecond)
			}
		}
		wanted, err := hash.GetAs[[]string](node, pipeline.KeyConnectedOutputChannels)
		if err != nil {
			continue
		}
		current := in.ConnectedOutputs()
		for _, id := range current {
			if !slices.Contains(wanted, id) {
				in.Disconnect(id)
			}
		}
		for _, id := range wanted {
			if !slices.Contains(current, id) {
				in.Connect(id)
			}
		}
	}
}

// stopChannels ends every output's stream, stops the outputs and
// disconnects the inputs. The outputs get ChannelCloseTimeout in total; an
// input that has not drained by then is disconnected.
func (d *Device) stopChannels(ctx context.Context) {
	d.chanMu.Lock()
	outputs, inputs := d.outputs, d.inputs
	d.outputs, d.inputs = nil, nil
	d.chanMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, d.cfg.ChannelCloseTimeout)
	defer cancel()
	for key, out := range outputs {
		if err := out.SignalEndOfStream(ctx); err != nil {
			d.logger.Debug("end of stream failed", "channel", key, "error", err)
		}
		if err := out.Stop(ctx); err != nil {
			d.logger.Warn("stopping output channel failed", "channel", key, "error", err)
		}
	}
	for _, in := range inputs {
		in.Stop()
	}
}

// slotGetOutputChannelInformation replies (false, empty) for unknown
// channels.
func (d *Device) slotGetOutputChannelInformation(_ context.Context, c *signalslot.Call, channel string) error {
	out, ok := d.OutputChannel(channel)
	if !ok {
		c.Reply(false, &hash.Hash{})
		return nil
	}
	c.Reply(true, out.Info())
	return nil
}

// BrokerResolver resolves deviceId:channel output ids by asking the device
// over ss. A zero timeout uses the request default.
func BrokerResolver(ss *signalslot.SignalSlotable, timeout time.Duration) pipeline.Resolver {
	return pipeline.ResolverFunc(func(ctx context.Context, outputID string) (*hash.Hash, error) {
		i := strings.LastIndexByte(outputID, ':')
		if i <= 0 || i == len(outputID)-1 {
			return nil, errors.WrapInvalid(fmt.Errorf("output id %q is not deviceId:channel", outputID),
				"BrokerResolver", "Resolve", "parse id")
		}
		r := ss.Request(ctx, outputID[:i], SlotGetOutputChannelInformation, outputID[i+1:])
		if timeout > 0 {
			r = r.Timeout(timeout)
		}
		reply, err := r.Wait()
		if err != nil {
			return nil, err
		}
		found, err := signalslot.Arg[bool](reply, 0)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, fmt.Errorf("%s has no output channel %s: %w", outputID[:i], outputID[i+1:], errors.ErrChannel)
		}
		return signalslot.Arg[*hash.Hash](reply, 1)
	})
}
