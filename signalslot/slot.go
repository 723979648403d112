package signalslot

import (
	"context"

	"github.com/European-XFEL/Karabo-sub009/broker"
	"github.com/European-XFEL/Karabo-sub009/hash"
)

// Call is one invocation of a slot.
type Call struct {
	// Sender is the calling instance.
	Sender string
	Slot   string
	Args   Args
	Header *hash.Hash

	reply   []any
	replied bool
	after   func()
}

// Reply sets the values returned to a requesting caller. Calls that were
// not requests ignore them.
func (c *Call) Reply(values ...any) {
	c.reply = values
	c.replied = true
}

// AfterReply schedules fn to run on its own goroutine once the reply has
// been sent. Handlers use it to shut their instance down after answering.
func (c *Call) AfterReply(fn func()) {
	c.after = fn
}

// UserName is the user recorded by the caller, if any.
func (c *Call) UserName() string {
	return hash.GetOr(c.Header, broker.HeaderUserName, "")
}

// AccessLevel is the access level name recorded by the caller, if any.
func (c *Call) AccessLevel() string {
	return hash.GetOr(c.Header, HeaderAccessLevel, "")
}

// isRequest reports whether the caller waits for a reply.
func (c *Call) isRequest() bool {
	return c.Header.Has(broker.HeaderReplyTo) || c.Header.Has(broker.HeaderReplyInstanceIDs)
}

// SlotFunc handles a slot call. Returning an error sends an error reply to
// requesting callers.
type SlotFunc func(ctx context.Context, call *Call) error

// Slot0 adapts a handler without arguments.
func Slot0(fn func(ctx context.Context, c *Call) error) SlotFunc {
	return fn
}

// Slot1 adapts a handler taking one typed argument.
func Slot1[A any](fn func(ctx context.Context, c *Call, a A) error) SlotFunc {
	return func(ctx context.Context, c *Call) error {
		a, err := Arg[A](c.Args, 0)
		if err != nil {
			return err
		}
		return fn(ctx, c, a)
	}
}

// Slot2 adapts a handler taking two typed arguments.
func Slot2[A, B any](fn func(ctx context.Context, c *Call, a A, b B) error) SlotFunc {
	return func(ctx context.Context, c *Call) error {
		a, err := Arg[A](c.Args, 0)
		if err != nil {
			return err
		}
		b, err := Arg[B](c.Args, 1)
		if err != nil {
			return err
		}
		return fn(ctx, c, a, b)
	}
}

// Slot3 adapts a handler taking three typed arguments.
func Slot3[A, B, C any](fn func(ctx context.Context, c *Call, a A, b B, cc C) error) SlotFunc {
	return func(ctx context.Context, c *Call) error {
		a, err := Arg[A](c.Args, 0)
		if err != nil {
			return err
		}
		b, err := Arg[B](c.Args, 1)
		if err != nil {
			return err
		}
		cc, err := Arg[C](c.Args, 2)
		if err != nil {
			return err
		}
		return fn(ctx, c, a, b, cc)
	}
}

// Slot4 adapts a handler taking four typed arguments.
func Slot4[A, B, C, D any](fn func(ctx context.Context, c *Call, a A, b B, cc C, d D) error) SlotFunc {
	return func(ctx context.Context, c *Call) error {
		a, err := Arg[A](c.Args, 0)
		if err != nil {
			return err
		}
		b, err := Arg[B](c.Args, 1)
		if err != nil {
			return err
		}
		cc, err := Arg[C](c.Args, 2)
		if err != nil {
			return err
		}
		d, err := Arg[D](c.Args, 3)
		if err != nil {
			return err
		}
		return fn(ctx, c, a, b, cc, d)
	}
}
