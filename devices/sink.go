package devices

import (
	"context"
	"sync/atomic"

	"github.com/European-XFEL/Karabo-sub009/device"
	"github.com/European-XFEL/Karabo-sub009/hash"
	"github.com/European-XFEL/Karabo-sub009/pipeline"
	"github.com/European-XFEL/Karabo-sub009/schema"
	"github.com/European-XFEL/Karabo-sub009/server"
)

// DataSink counts what arrives on its "input" channel.
func DataSink() server.Class {
	return server.Class{
		ClassID:     "DataSink",
		Version:     Version,
		Description: "Counts records and end of stream markers from connected outputs",
		Schema: func(s *schema.Schema) {
			pipeline.InputChannelSchema(s, "input")
			schema.UInt64(s).Key("recordsReceived").
				DisplayedName("Records received").
				ReadOnly().DefaultValue(0).Commit()
			schema.UInt32(s).Key("endOfStreams").
				DisplayedName("End of streams").
				ReadOnly().DefaultValue(0).Commit()
			schema.String(s).Key("lastSource").
				DisplayedName("Last source").
				ReadOnly().DefaultValue("").Commit()
		},
		FSM: func() (*device.FSM, error) {
			return device.NewFSM(device.StateActive)
		},
		Hooks: device.Hooks{Initialize: startSink},
	}
}

func startSink(_ context.Context, d *device.Device) error {
	in, err := d.AddInputChannel("input")
	if err != nil {
		return err
	}
	var received atomic.Uint64
	var eos atomic.Uint32
	err = in.RegisterDataHandler(func(_ *hash.Hash, meta pipeline.Meta) error {
		n := received.Add(1)
		return d.SetHash(context.Background(), hash.New(
			"recordsReceived", n,
			"lastSource", meta.Source,
		))
	})
	if err != nil {
		return err
	}
	in.RegisterEndOfStreamHandler(func(*pipeline.InputChannel) error {
		return d.Set(context.Background(), "endOfStreams", eos.Add(1))
	})
	in.Start()
	return nil
}
