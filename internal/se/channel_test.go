package se_test

import (
	"context"
	"testing"

	"github.com/uwbplatform/uwbd/internal/apdu"
	"github.com/uwbplatform/uwbd/internal/se"
	"github.com/uwbplatform/uwbd/internal/setransport"
)

func TestChannelTransmitBeforeOpenFails(t *testing.T) {
	t.Parallel()

	sim := setransport.NewSim(func(_ []byte) []byte { return []byte{0x90, 0x00} })
	ch := se.NewChannel(sim)

	_, err := ch.Transmit(context.Background(), apdu.Command{})
	if err == nil {
		t.Fatal("expected error transmitting on unopened channel")
	}
}

func TestChannelOpenTransmitClose(t *testing.T) {
	t.Parallel()

	sim := setransport.NewSim(func(cmd []byte) []byte {
		if len(cmd) < 4 {
			return []byte{0x67, 0x00}
		}
		return []byte{0xAB, 0xCD, 0x90, 0x00}
	})
	ch := se.NewChannel(sim)
	ctx := context.Background()

	if err := ch.Open(ctx); err != nil {
		t.Fatalf("Open: unexpected error: %v", err)
	}
	if !ch.IsOpened() {
		t.Fatal("IsOpened() = false after Open")
	}

	resp, err := ch.Transmit(ctx, apdu.Command{CLA: 0x80, INS: 0xC0, Le: 2})
	if err != nil {
		t.Fatalf("Transmit: unexpected error: %v", err)
	}
	if resp.SW != apdu.SWNoError {
		t.Errorf("SW = %v, want SWNoError", resp.SW)
	}

	if err := ch.Close(ctx); err != nil {
		t.Fatalf("Close: unexpected error: %v", err)
	}
	if ch.IsOpened() {
		t.Fatal("IsOpened() = true after Close")
	}

	// Close is idempotent.
	if err := ch.Close(ctx); err != nil {
		t.Fatalf("second Close: unexpected error: %v", err)
	}

	if _, err := ch.Transmit(ctx, apdu.Command{}); err == nil {
		t.Fatal("expected error transmitting on closed channel")
	}
}
