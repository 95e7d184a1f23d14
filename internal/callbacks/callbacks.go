// Package callbacks defines the client-facing ranging callback contract
// produced by the Session Manager (spec.md §6 "Client-facing callbacks
// (produced)"). Callbacks are invoked on the Manager's event-loop goroutine
// and must not block (spec.md §5 "Scheduling model").
package callbacks

import "github.com/uwbplatform/uwbd/internal/uci"

// ReasonCode qualifies why a session stopped or closed without an explicit
// client request.
type ReasonCode uint8

const (
	ReasonLocalAPI ReasonCode = iota
	ReasonSystemPolicy
	ReasonMaxRangingRoundRetryReached
	ReasonRemote
)

// Handle is the opaque per-session handle clients use to address all other
// operations (spec.md §3 "keyed by an opaque SessionHandle").
type Handle string

// RangingResult carries one delivered ranging measurement set.
type RangingResult struct {
	SessionID    uint32
	Measurements []uci.RangingMeasurement
}

// RangingCallbacks is the full set of client-facing notifications a caller
// of the Session Manager receives.
type RangingCallbacks interface {
	OnRangingOpened(h Handle)
	OnRangingOpenFailed(h Handle, status uci.StatusCode, detail string)

	OnRangingStarted(h Handle)
	OnRangingStartFailed(h Handle, status uci.StatusCode)

	OnRangingStopped(h Handle, reason ReasonCode)
	OnRangingStopFailed(h Handle, status uci.StatusCode)

	OnRangingClosed(h Handle, status uci.StatusCode)
	OnRangingClosedWithReason(h Handle, reason ReasonCode)

	OnRangingResult(h Handle, result RangingResult)

	OnRangingReconfigured(h Handle)
	OnRangingReconfigureFailed(h Handle, status uci.StatusCode)

	OnControleeAdded(h Handle, address uint16)
	OnControleeAddFailed(h Handle, address uint16, status uci.StatusCode)
	OnControleeRemoved(h Handle, address uint16)
	OnControleeRemoveFailed(h Handle, address uint16, status uci.StatusCode)

	OnDataReceived(h Handle, remoteAddr uint64, params map[string]string, payload []byte)
	OnDataSent(h Handle, remoteAddr uint64)
	OnDataSendFailed(h Handle, remoteAddr uint64, status uci.StatusCode)

	OnRangingRoundsUpdateStatus(h Handle, status uci.StatusCode)
}
