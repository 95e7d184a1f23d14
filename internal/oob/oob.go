// Package oob defines the out-of-band transport contract between two
// devices running a secure-channel dialog (spec.md §6 "OOB transport
// (consumed)"): opaque byte frames carrying ISO 7816-4 APDUs, with
// asynchronous delivery in the opposite direction. The real transport
// (typically BLE) is an external collaborator out of scope here; this
// package also provides an in-memory loopback pair used by tests.
package oob

import (
	"context"
	"sync"
)

// ReceiveFunc is invoked asynchronously with each inbound OOB frame.
type ReceiveFunc func(frame []byte)

// Transport is the OOB side channel used to tunnel secure-channel setup and
// dynamic-STS dialog bytes to the remote peer.
type Transport interface {
	// SendData sends frame to the peer. cb, if non-nil, is invoked once the
	// send completes (success or failure is not distinguished at this
	// layer; delivery confirmation is a transport-specific concern).
	SendData(ctx context.Context, frame []byte, cb func(err error)) error

	// RegisterDataReceiver installs the callback invoked for each inbound
	// frame from the peer. Only one receiver is active at a time.
	RegisterDataReceiver(fn ReceiveFunc)
}

// LoopbackPair returns two Transport endpoints wired directly to each
// other's RegisterDataReceiver callback, for exercising the full two-sided
// secure-channel dialog in tests without a real OOB link.
func LoopbackPair() (a, b *Loopback) {
	a = &Loopback{}
	b = &Loopback{}
	a.peer = b
	b.peer = a
	return a, b
}

// Loopback is an in-memory Transport that delivers frames synchronously to
// its paired peer's receiver.
type Loopback struct {
	mu       sync.Mutex
	peer     *Loopback
	receiver ReceiveFunc
}

// SendData hands frame directly to the peer's registered receiver.
func (l *Loopback) SendData(_ context.Context, frame []byte, cb func(err error)) error {
	l.mu.Lock()
	peer := l.peer
	l.mu.Unlock()

	cp := make([]byte, len(frame))
	copy(cp, frame)

	peer.mu.Lock()
	recv := peer.receiver
	peer.mu.Unlock()

	if recv != nil {
		recv(cp)
	}
	if cb != nil {
		cb(nil)
	}
	return nil
}

// RegisterDataReceiver installs fn as this endpoint's inbound-frame callback.
func (l *Loopback) RegisterDataReceiver(fn ReceiveFunc) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.receiver = fn
}
