package device

import (
	"context"
	"fmt"
	"time"

	"github.com/European-XFEL/Karabo-sub009/errors"
	"github.com/European-XFEL/Karabo-sub009/hash"
	"github.com/European-XFEL/Karabo-sub009/schema"
	"github.com/European-XFEL/Karabo-sub009/signalslot"
)

// Client issues the standard device requests from any SignalSlotable.
type Client struct {
	ss      *signalslot.SignalSlotable
	timeout time.Duration
}

// NewClient wraps ss. A zero timeout uses the request default.
func NewClient(ss *signalslot.SignalSlotable, timeout time.Duration) *Client {
	return &Client{ss: ss, timeout: timeout}
}

func (c *Client) request(ctx context.Context, deviceID, slot string, args ...any) (signalslot.Args, error) {
	r := c.ss.Request(ctx, deviceID, slot, args...)
	if c.timeout > 0 {
		r = r.Timeout(c.timeout)
	}
	return r.Wait()
}

// Reconfigure sends cfg to deviceID. A refused reconfiguration returns an
// error wrapping errors.ErrSchemaViolation with the device's reason.
func (c *Client) Reconfigure(ctx context.Context, deviceID string, cfg *hash.Hash) error {
	reply, err := c.request(ctx, deviceID, SlotReconfigure, cfg)
	if err != nil {
		return err
	}
	ok, err := signalslot.Arg[bool](reply, 0)
	if err != nil {
		return err
	}
	if !ok {
		reason, _ := signalslot.Arg[string](reply, 1)
		return fmt.Errorf("%s refused reconfiguration: %s: %w", deviceID, reason, errors.ErrSchemaViolation)
	}
	return nil
}

// Set reconfigures a single key.
func (c *Client) Set(ctx context.Context, deviceID, key string, value any) error {
	h := &hash.Hash{}
	if _, err := h.TrySet(key, value); err != nil {
		return errors.WrapInvalid(err, "Client", "Set", key)
	}
	return c.Reconfigure(ctx, deviceID, h)
}

// GetConfiguration fetches the live configuration of deviceID.
func (c *Client) GetConfiguration(ctx context.Context, deviceID string) (*hash.Hash, error) {
	reply, err := c.request(ctx, deviceID, SlotGetConfiguration)
	if err != nil {
		return nil, err
	}
	return signalslot.Arg[*hash.Hash](reply, 0)
}

// GetSchema fetches the schema of deviceID, filtered to its current state
// when onlyCurrentState is set.
func (c *Client) GetSchema(ctx context.Context, deviceID string, onlyCurrentState bool) (*schema.Schema, error) {
	reply, err := c.request(ctx, deviceID, SlotGetSchema, onlyCurrentState)
	if err != nil {
		return nil, err
	}
	h, err := signalslot.Arg[*hash.Hash](reply, 0)
	if err != nil {
		return nil, err
	}
	return schema.FromHash(h)
}

// Execute runs a command and waits for it to finish.
func (c *Client) Execute(ctx context.Context, deviceID, command string) error {
	_, err := c.request(ctx, deviceID, command)
	return err
}

// Kill asks deviceID to shut down. Devices hosted by a server only accept
// this from the server.
func (c *Client) Kill(ctx context.Context, deviceID string) error {
	_, err := c.request(ctx, deviceID, SlotKillDevice)
	return err
}
