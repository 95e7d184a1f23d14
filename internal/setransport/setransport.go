// Package setransport defines the OMAPI-style Secure Element transport
// contract consumed by package se (spec.md §6 "SE transport (consumed)"):
// open/close a physical reader connection and transmit raw APDU bytes.
// This package is interface-only plus an in-memory reference
// implementation used by tests and the cmd/uwbd reference wiring — the
// real OMAPI binding is an external collaborator out of scope here.
package setransport

import "context"

// Transport is the synchronous OMAPI-style channel to a Secure Element
// reader. Implementations are not required to be safe for concurrent use;
// package se serializes access per logical channel.
type Transport interface {
	// Open establishes the physical connection to the SE reader.
	Open(ctx context.Context) error

	// Close releases the physical connection.
	Close(ctx context.Context) error

	// IsOpened reports whether Open has succeeded and Close has not yet
	// been called.
	IsOpened() bool

	// Transmit sends a raw Command APDU and returns the raw Response APDU
	// bytes (data + trailing SW1SW2), unmodified.
	Transmit(ctx context.Context, commandAPDU []byte) ([]byte, error)
}
