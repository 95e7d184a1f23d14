// Package se implements SecureElementChannel, a scoped logical channel to
// the Secure Element applet used to transmit APDUs (spec.md §4 "SE
// transport"). The channel is a shared resource: acquired on open and
// released on cleanup along every exit path (spec.md §5 "Shared
// resources").
package se

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/uwbplatform/uwbd/internal/apdu"
	"github.com/uwbplatform/uwbd/internal/setransport"
)

// ErrClosed is returned by Transmit after Close has been called.
var ErrClosed = errors.New("se: channel closed")

// Channel is a scoped logical channel over a setransport.Transport. Exactly
// one FiRaSecureChannel owns a Channel at a time (spec.md §3 "Ownership").
type Channel struct {
	mu     sync.Mutex
	tr     setransport.Transport
	opened bool
}

// NewChannel wraps tr in a scoped Channel. tr is not opened until Open is
// called.
func NewChannel(tr setransport.Transport) *Channel {
	return &Channel{tr: tr}
}

// Open acquires the underlying transport.
func (c *Channel) Open(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.tr.Open(ctx); err != nil {
		return fmt.Errorf("se: open: %w", err)
	}
	c.opened = true
	return nil
}

// Close releases the underlying transport. Close is idempotent: calling it
// on an already-closed channel is a no-op success, so cleanup code on every
// exit path may call it unconditionally.
func (c *Channel) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.opened {
		return nil
	}
	c.opened = false
	if err := c.tr.Close(ctx); err != nil {
		return fmt.Errorf("se: close: %w", err)
	}
	return nil
}

// IsOpened reports whether the channel is currently open.
func (c *Channel) IsOpened() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opened
}

// Transmit marshals cmd, sends it over the underlying transport, and parses
// the raw reply as a Response APDU.
func (c *Channel) Transmit(ctx context.Context, cmd apdu.Command) (apdu.Response, error) {
	c.mu.Lock()
	opened := c.opened
	tr := c.tr
	c.mu.Unlock()

	if !opened {
		return apdu.Response{}, ErrClosed
	}

	raw, err := cmd.Marshal()
	if err != nil {
		return apdu.Response{}, fmt.Errorf("se: marshal command: %w", err)
	}

	rawResp, err := tr.Transmit(ctx, raw)
	if err != nil {
		return apdu.Response{}, fmt.Errorf("se: transmit: %w", err)
	}

	resp, err := apdu.Parse(rawResp)
	if err != nil {
		return apdu.Response{}, fmt.Errorf("se: parse response: %w", err)
	}

	return resp, nil
}
