package setransport

import (
	"context"
	"errors"
	"sync"
)

// ErrNotOpened is returned by Sim.Transmit when the simulated reader has
// not been opened.
var ErrNotOpened = errors.New("setransport: channel not opened")

// Responder computes a raw Response APDU for a raw Command APDU. Tests
// supply a Responder to script the SE applet's behavior for a scenario.
type Responder func(commandAPDU []byte) []byte

// Sim is an in-memory Transport used by tests and the cmd/uwbd reference
// wiring in place of a real OMAPI reader.
type Sim struct {
	mu        sync.Mutex
	opened    bool
	responder Responder
}

// NewSim creates a Sim whose Transmit calls are answered by responder.
func NewSim(responder Responder) *Sim {
	return &Sim{responder: responder}
}

// SetResponder replaces the scripted response function.
func (s *Sim) SetResponder(responder Responder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responder = responder
}

// Open marks the simulated channel as opened.
func (s *Sim) Open(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opened = true
	return nil
}

// Close marks the simulated channel as closed.
func (s *Sim) Close(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opened = false
	return nil
}

// IsOpened reports whether Open has been called more recently than Close.
func (s *Sim) IsOpened() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opened
}

// Transmit delegates to the scripted Responder.
func (s *Sim) Transmit(_ context.Context, commandAPDU []byte) ([]byte, error) {
	s.mu.Lock()
	opened := s.opened
	responder := s.responder
	s.mu.Unlock()

	if !opened {
		return nil, ErrNotOpened
	}
	if responder == nil {
		return nil, errors.New("setransport: no responder configured")
	}
	return responder(commandAPDU), nil
}
