package devices

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/European-XFEL/Karabo-sub009/device"
	"github.com/European-XFEL/Karabo-sub009/errors"
	"github.com/European-XFEL/Karabo-sub009/hash"
	"github.com/European-XFEL/Karabo-sub009/pipeline"
	"github.com/European-XFEL/Karabo-sub009/schema"
	"github.com/European-XFEL/Karabo-sub009/server"
)

// DataGenerator writes one record per period to its "output" channel while
// ACQUIRING. Stopping ends the stream.
func DataGenerator() server.Class {
	var instances sync.Map // deviceId -> *generator

	return server.Class{
		ClassID:     "DataGenerator",
		Version:     Version,
		Description: "Streams a sine wave on an output channel",
		Schema: func(s *schema.Schema) {
			pipeline.OutputChannelSchema(s, "output")
			schema.Int32(s).Key("period").
				DisplayedName("Period").
				Description("Time between records").
				Unit("ms").
				Reconfigurable().MinInc(1).DefaultValue(100).Commit()
			schema.Double(s).Key("amplitude").
				DisplayedName("Amplitude").
				Reconfigurable().DefaultValue(1.0).Commit()
			schema.UInt64(s).Key("recordsWritten").
				DisplayedName("Records written").
				ReadOnly().DefaultValue(0).Commit()
			schema.Slot(s).Key("start").
				DisplayedName("Start").
				AllowedStates(device.StateStopped).Commit()
			schema.Slot(s).Key("stop").
				DisplayedName("Stop").
				AllowedStates(device.StateAcquiring).Commit()
		},
		FSM: func() (*device.FSM, error) {
			return device.NewFSM(device.StateStopped,
				device.Transition{From: device.StateStopped, Event: "start", To: device.StateAcquiring},
				device.Transition{From: device.StateAcquiring, Event: "stop", To: device.StateStopped},
			)
		},
		Setup: func(d *device.Device) error {
			g := &generator{d: d}
			instances.Store(d.ID(), g)
			if err := d.RegisterCommand("start", g.start); err != nil {
				return err
			}
			return d.RegisterCommand("stop", g.stop)
		},
		Hooks: device.Hooks{
			Initialize: func(_ context.Context, d *device.Device) error {
				v, ok := instances.Load(d.ID())
				if !ok {
					return errors.WrapFatal(errors.ErrNotStarted, "DataGenerator", "Initialize", "look up "+d.ID())
				}
				out, err := d.AddOutputChannel("output", generatorDataSchema())
				if err != nil {
					return err
				}
				v.(*generator).out = out
				return nil
			},
			PreDestruction: func(ctx context.Context, d *device.Device) {
				if v, ok := instances.LoadAndDelete(d.ID()); ok {
					v.(*generator).halt()
				}
			},
		},
	}
}

func generatorDataSchema() *schema.Schema {
	s := schema.New("data")
	schema.UInt64(s).Key("index").ReadOnly().Commit()
	schema.Double(s).Key("value").ReadOnly().Commit()
	return s
}

type generator struct {
	d   *device.Device
	out *pipeline.OutputChannel

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func (g *generator) start(ctx context.Context) error {
	if err := g.d.Fire(ctx, "start"); err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(context.Background())
	g.mu.Lock()
	g.cancel = cancel
	g.done = make(chan struct{})
	done := g.done
	g.mu.Unlock()
	go g.run(runCtx, done)
	return nil
}

func (g *generator) stop(ctx context.Context) error {
	g.halt()
	if err := g.out.SignalEndOfStream(ctx); err != nil {
		g.d.Logger().Warn("end of stream failed", "error", err)
	}
	return g.d.Fire(ctx, "stop")
}

// halt stops the write loop and waits for it.
func (g *generator) halt() {
	g.mu.Lock()
	cancel, done := g.cancel, g.done
	g.cancel, g.done = nil, nil
	g.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (g *generator) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	period, err := device.Get[int32](g.d, "period")
	if err != nil {
		period = 100
	}
	ticker := g.d.SignalSlotable().Clock().Ticker(time.Duration(period) * time.Millisecond)
	defer ticker.Stop()

	written, _ := device.Get[uint64](g.d, "recordsWritten")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		amplitude, _ := device.Get[float64](g.d, "amplitude")
		data := hash.New(
			"index", written,
			"value", amplitude*math.Sin(float64(written)/10),
		)
		if err := g.out.Write(data, pipeline.Meta{Source: g.out.ID(), Timestamp: g.d.ActualTimestamp()}); err != nil {
			g.d.NotifyException(ctx, "writing record failed", err)
			return
		}
		if err := g.out.Update(ctx); err != nil {
			if ctx.Err() == nil {
				g.d.NotifyException(ctx, "sending record failed", err)
			}
			return
		}
		written++
		if err := g.d.Set(ctx, "recordsWritten", written); err != nil {
			g.d.Logger().Debug("updating counter failed", "error", err)
		}
	}
}
