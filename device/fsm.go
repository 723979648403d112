package device

import (
	"context"
	"fmt"

	"github.com/European-XFEL/Karabo-sub009/errors"
)

// AnyState matches every current state in Transition.From.
const AnyState = "*"

// Action runs while a transition is taken, before the target state is set.
// An error aborts the transition and leaves the device in its state.
type Action func(ctx context.Context, d *Device) error

// Transition is one row of a state machine table.
type Transition struct {
	From   string
	Event  string
	To     string
	Action Action
}

type fsmKey struct {
	state string
	event string
}

// FSM is an explicit transition table.
type FSM struct {
	initial string
	states  []string
	table   map[fsmKey]Transition
}

// NewFSM builds a table starting in initial. Every (From, Event) pair must be
// unique.
func NewFSM(initial string, transitions ...Transition) (*FSM, error) {
	if initial == "" {
		return nil, errors.WrapInvalid(fmt.Errorf("initial state is empty"), "FSM", "NewFSM", "validate table")
	}
	f := &FSM{initial: initial, table: make(map[fsmKey]Transition, len(transitions))}
	f.addState(initial)
	for _, t := range transitions {
		if t.From == "" || t.Event == "" || t.To == "" {
			return nil, errors.WrapInvalid(fmt.Errorf("transition %+v is incomplete", t), "FSM", "NewFSM", "validate table")
		}
		k := fsmKey{state: t.From, event: t.Event}
		if _, dup := f.table[k]; dup {
			return nil, errors.WrapInvalid(fmt.Errorf("duplicate transition %s --%s-->", t.From, t.Event), "FSM", "NewFSM", "validate table")
		}
		f.table[k] = t
		if t.From != AnyState {
			f.addState(t.From)
		}
		f.addState(t.To)
	}
	return f, nil
}

func (f *FSM) addState(s string) {
	for _, known := range f.states {
		if known == s {
			return
		}
	}
	f.states = append(f.states, s)
}

// Initial returns the start state.
func (f *FSM) Initial() string { return f.initial }

// States lists every state named in the table, initial state first.
func (f *FSM) States() []string { return append([]string(nil), f.states...) }

// Lookup finds the transition for event in state. Rows with From == AnyState
// apply when no exact row exists.
func (f *FSM) Lookup(state, event string) (Transition, bool) {
	if t, ok := f.table[fsmKey{state: state, event: event}]; ok {
		return t, true
	}
	t, ok := f.table[fsmKey{state: AnyState, event: event}]
	return t, ok
}

// Fire processes event. Events are serialized with reconfigurations. An
// unknown (state, event) pair emits signalNoTransition and fails with
// errors.ErrNoTransition; the state is unchanged.
func (d *Device) Fire(ctx context.Context, event string) error {
	if d.fsm == nil {
		return errors.WrapInvalid(fmt.Errorf("%s has no state machine", d.id), "Device", "Fire", "look up transition")
	}
	d.eventMu.Lock()
	defer d.eventMu.Unlock()

	current := d.State()
	t, ok := d.fsm.Lookup(current, event)
	if !ok {
		d.logger.Warn("no state transition", "state", current, "event", event)
		if err := d.ss.Emit(ctx, SignalNoTransition, event, current, d.id); err != nil {
			d.logger.Debug("emit failed", "signal", SignalNoTransition, "error", err)
		}
		return fmt.Errorf("%s in state %s, event %s: %w", d.id, current, event, errors.ErrNoTransition)
	}
	if t.Action != nil {
		if err := t.Action(ctx, d); err != nil {
			return fmt.Errorf("transition %s --%s--> %s: %w", current, event, t.To, err)
		}
	}
	return d.UpdateState(ctx, t.To)
}
