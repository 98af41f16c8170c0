package ble

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/chaz8081/lumid/internal/notify"
)

// writeStrategy is one rung of the write ladder.
type writeStrategy struct {
	name    string
	applies func(Capabilities) bool
	write   func(c Characteristic, payload []byte) error
}

// writeLadder is tried in order until one write succeeds. Peripheral and
// platform combinations disagree on write semantics, and some stacks
// under-report capability flags, so the last two rungs ignore the flags.
var writeLadder = []writeStrategy{
	{
		name:    "write-without-response",
		applies: func(c Capabilities) bool { return c.WriteNoResponse },
		write:   func(c Characteristic, p []byte) error { return c.WriteNoResponse(p) },
	},
	{
		name:    "write",
		applies: func(c Capabilities) bool { return c.Write },
		write:   func(c Characteristic, p []byte) error { return c.Write(p) },
	},
	{
		name:    "write-without-response raw",
		applies: func(Capabilities) bool { return true },
		write: func(c Characteristic, p []byte) error {
			buf := make([]byte, len(p))
			copy(buf, p)
			return c.WriteNoResponse(buf)
		},
	},
	{
		name:    "write view",
		applies: func(Capabilities) bool { return true },
		write: func(c Characteristic, p []byte) error {
			view := append([]byte(nil), p...)
			return c.Write(view[:len(p):len(p)])
		},
	},
}

// Channel sends commands over one resolved writable characteristic. Sends are
// serialized; the active characteristic only changes when a sibling on the
// same service accepted a write the active one rejected.
type Channel struct {
	service  Service
	notifier notify.Notifier

	mu     sync.Mutex
	active Characteristic
	closed bool
}

// NewChannel wraps char, which belongs to svc. svc may be nil, in which case
// no sibling fallback is possible.
func NewChannel(svc Service, char Characteristic, n notify.Notifier) *Channel {
	return &Channel{service: svc, active: char, notifier: n}
}

// Characteristic returns the characteristic commands are currently sent to.
func (c *Channel) Characteristic() Characteristic {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Send transmits cmd. On success it emits the command's notification; a
// notification failure never changes the result.
func (c *Channel) Send(ctx context.Context, cmd Command) error {
	if !cmd.Valid() {
		return fmt.Errorf("ble: invalid command %d", cmd)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrDisconnected
	}
	active := c.active
	if sameUUID(active.UUID(), WrongFirmwareCommandUUID) {
		c.mu.Unlock()
		return fmt.Errorf("%w: refusing to write to %s; the Lumi command characteristic is %s",
			ErrWrongCharacteristic, NormalizeUUID(active.UUID()), CommandUUID)
	}

	payload := cmd.Payload()
	attempts, err := runLadder(active, payload)
	if err != nil {
		slog.Warn("[BLE] write failed, trying sibling characteristics", "uuid", active.UUID(), "error", err)
		sib, n, sibErr := c.trySiblings(active, payload)
		attempts += n
		if sib == nil {
			c.mu.Unlock()
			if sibErr != nil {
				slog.Debug("[BLE] sibling fallback failed", "error", sibErr)
			}
			return &WriteError{Characteristic: NormalizeUUID(active.UUID()), Attempts: attempts, Err: err}
		}
		slog.Info("[BLE] write succeeded using sibling characteristic", "uuid", sib.UUID())
		c.active = sib
	}
	c.mu.Unlock()

	slog.Debug("[BLE] command sent", "command", cmd)
	notify.Send(ctx, c.notifier, cmd.Notification())
	return nil
}

// trySiblings runs the ladder against every other writable characteristic of
// the service, in discovery order. Caller must hold mu.
func (c *Channel) trySiblings(active Characteristic, payload []byte) (Characteristic, int, error) {
	if c.service == nil {
		return nil, 0, nil
	}
	chars, err := c.service.Characteristics()
	if err != nil {
		return nil, 0, fmt.Errorf("ble: enumerate siblings: %w", err)
	}
	attempts := 0
	var lastErr error
	for _, s := range chars {
		if sameUUID(s.UUID(), active.UUID()) || sameUUID(s.UUID(), WrongFirmwareCommandUUID) {
			continue
		}
		if !s.Capabilities().Writable() {
			continue
		}
		n, err := runLadder(s, payload)
		attempts += n
		if err == nil {
			return s, attempts, nil
		}
		slog.Debug("[BLE] sibling write failed", "uuid", s.UUID(), "error", err)
		lastErr = err
	}
	return nil, attempts, lastErr
}

// close invalidates the channel; later sends fail with ErrDisconnected.
func (c *Channel) close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

// runLadder returns the number of write attempts made and the last error, or
// nil when a rung succeeded.
func runLadder(char Characteristic, payload []byte) (int, error) {
	caps := char.Capabilities()
	attempts := 0
	var lastErr error
	for _, s := range writeLadder {
		if !s.applies(caps) {
			continue
		}
		attempts++
		err := s.write(char, payload)
		if err == nil {
			return attempts, nil
		}
		slog.Debug("[BLE] write attempt failed", "strategy", s.name, "uuid", char.UUID(), "error", err)
		lastErr = err
	}
	return attempts, lastErr
}
