package device

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/European-XFEL/Karabo-sub009/broker"
	"github.com/European-XFEL/Karabo-sub009/errors"
	"github.com/European-XFEL/Karabo-sub009/hash"
	"github.com/European-XFEL/Karabo-sub009/schema"
	"github.com/European-XFEL/Karabo-sub009/signalslot"
)

func TestNewFSMValidatesTable(t *testing.T) {
	_, err := NewFSM("")
	assert.Error(t, err)

	_, err = NewFSM(StateOff, Transition{From: StateOff, Event: "go"})
	assert.Error(t, err, "missing target")

	_, err = NewFSM(StateOff,
		Transition{From: StateOff, Event: "go", To: StateOn},
		Transition{From: StateOff, Event: "go", To: StateError},
	)
	assert.True(t, errors.IsInvalid(err))

	f, err := NewFSM(StateOff,
		Transition{From: StateOff, Event: "start", To: StateOn},
		Transition{From: StateOn, Event: "stop", To: StateOff},
		Transition{From: AnyState, Event: "fail", To: StateError},
	)
	require.NoError(t, err)
	assert.Equal(t, []string{StateOff, StateOn, StateError}, f.States())

	tr, ok := f.Lookup(StateOn, "fail")
	require.True(t, ok)
	assert.Equal(t, StateError, tr.To)
	_, ok = f.Lookup(StateOn, "start")
	assert.False(t, ok)
}

func motorFSM(t *testing.T, started *int) *FSM {
	t.Helper()
	f, err := NewFSM(StateOff,
		Transition{From: StateOff, Event: "start", To: StateOn, Action: func(context.Context, *Device) error {
			*started++
			return nil
		}},
		Transition{From: StateOn, Event: "stop", To: StateOff},
		Transition{From: StateOn, Event: "jam", To: StateError, Action: func(context.Context, *Device) error {
			return stderrors.New("motor jammed")
		}},
	)
	require.NoError(t, err)
	return f
}

func TestFireTakesTransitions(t *testing.T) {
	tr := broker.NewMemoryTransport(nil)
	var started int
	d := startDevice(t, tr, Config{FSM: motorFSM(t, &started)})
	ctx := context.Background()
	assert.Equal(t, StateOff, d.State())

	require.NoError(t, d.Fire(ctx, "start"))
	assert.Equal(t, StateOn, d.State())
	assert.Equal(t, 1, started)

	err := d.Fire(ctx, "jam")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "motor jammed")
	assert.Equal(t, StateOn, d.State(), "failed action keeps the state")

	require.NoError(t, d.Fire(ctx, "stop"))
	assert.Equal(t, StateOff, d.State())

	// States outside the table are refused.
	assert.Error(t, d.UpdateState(ctx, StateMoving))
}

func TestUnknownEventEmitsNoTransition(t *testing.T) {
	tr := broker.NewMemoryTransport(nil)
	var started int
	d := startDevice(t, tr, Config{FSM: motorFSM(t, &started)})
	client := startClient(t, tr, "client")
	got := make(chan []string, 1)
	require.NoError(t, client.RegisterSlot("onNoTransition", signalslot.Slot3(
		func(_ context.Context, _ *signalslot.Call, event, state, id string) error {
			got <- []string{event, state, id}
			return nil
		})))
	ctx := context.Background()
	require.NoError(t, client.Connect(ctx, "dev", SignalNoTransition, "client", "onNoTransition"))

	err := d.Fire(ctx, "stop")
	assert.True(t, stderrors.Is(err, errors.ErrNoTransition))
	assert.Equal(t, StateOff, d.State())
	assert.Equal(t, []string{"stop", StateOff, "dev"}, receive(t, got))
}

func TestFireWithoutStateMachine(t *testing.T) {
	d := startDevice(t, broker.NewMemoryTransport(nil), Config{})
	assert.True(t, errors.IsInvalid(d.Fire(context.Background(), "start")))
}

func TestEventCommandsRespectAllowedStates(t *testing.T) {
	tr := broker.NewMemoryTransport(nil)
	var started int
	d := startDevice(t, tr, Config{
		FSM: motorFSM(t, &started),
		Schema: classSchema(func(s *schema.Schema) {
			schema.Slot(s).Key("start").AllowedStates(StateOff).Commit()
			schema.Slot(s).Key("stop").AllowedStates(StateOn).Commit()
		}),
	})
	require.NoError(t, d.RegisterEvent("start", "start"))
	require.NoError(t, d.RegisterEvent("stop", "stop"))
	c := NewClient(startClient(t, tr, "client"), time.Second)
	ctx := context.Background()

	err := c.Execute(ctx, "dev", "stop")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not allowed in state OFF")

	require.NoError(t, c.Execute(ctx, "dev", "start"))
	assert.Equal(t, StateOn, d.State())
	assert.Equal(t, "start", hash.GetOr(d.Configuration(), KeyLastCommand, ""))
}
