// Package uci defines the native UCI (UWB Command Interface) transport
// contract consumed by the Session Manager (spec.md §6 "Native UCI
// binding (consumed)"): synchronous chipset commands returning a numeric
// status, and an asynchronous Listener for device notifications. The real
// binding is an external collaborator out of scope here; package
// internal/uwb drives sessions purely against this interface, and tests
// run against the in-memory Sim implementation in sim.go.
package uci

import (
	"context"
	"encoding/binary"
	"time"
)

// SessionType mirrors spec.md §3 "sessionType: enum {Ranging, CCC,
// DataTransfer, …}".
type SessionType uint8

const (
	SessionTypeRanging SessionType = iota
	SessionTypeCCC
	SessionTypeDataTransfer
)

// Protocol identifies the ranging protocol/profile in use (spec.md §3
// "protocol: enum").
type Protocol uint8

const (
	ProtocolFiRa Protocol = iota
	ProtocolCCC
	ProtocolAliroAdjacent
)

// State is the UCI-defined session state (spec.md §3 "SessionState",
// §4.2).
type State uint8

const (
	StateDeinit State = iota
	StateInit
	StateIdle
	StateActive
	StateError
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateDeinit:
		return "Deinit"
	case StateInit:
		return "Init"
	case StateIdle:
		return "Idle"
	case StateActive:
		return "Active"
	case StateError:
		return "Error"
	default:
		return "Unknown"
	}
}

// ReasonCode qualifies a session status notification (spec.md §4.1
// "Session-status notifications").
type ReasonCode uint8

const (
	ReasonUnspecified ReasonCode = iota
	ReasonStateChangeWithSessionManagement // host-issued command completed
	ReasonMaxRangingRoundRetryCountReached
	ReasonErrorInvalidUwbSession
	ReasonErrorMaxSessionsExceeded
	ReasonErrorDtAnchorRangingRoundsNotConfigured
)

// StatusCode is the numeric UCI command status returned synchronously by
// Transport operations.
type StatusCode uint8

const (
	StatusOK StatusCode = iota
	StatusRejected
	StatusFailed
	StatusSessionDuplicate
	StatusSessionNotExist
	StatusSessionActive
	StatusMaxSessionsExceeded

	// StatusTimeout is a host-synthesized status: the chip never delivered
	// the expected state-change notification within the operation's
	// threshold (spec.md §4.1 "Each await is bounded by
	// RANGING_SESSION_OPEN_THRESHOLD_MS"; §7 "Timeouts: treated as command
	// failure"). Never returned by a Transport implementation itself.
	StatusTimeout
)

// OK reports whether the status indicates success.
func (s StatusCode) OK() bool { return s == StatusOK }

// ChipID identifies a UWBS chip instance on multi-chip platforms.
type ChipID string

// ConfigParam is one app-configuration TLV exchanged with setAppConfigurations
// / getAppConfigurations (a distinct, flatter TLV dialect from package csml's
// nested DOs: single-byte UCI parameter ids, spec.md §6).
type ConfigParam struct {
	ID    uint8
	Value []byte
}

// ParamRangeDataNtfConfig is the RANGE_DATA_NTF_CONFIG app-configuration
// parameter id, the one toggled by the foreground/background ranging
// policy (spec.md §4.1 "Foreground/background policy").
const ParamRangeDataNtfConfig uint8 = 0x0C

// RangeDataNtfDisable is ParamRangeDataNtfConfig's "disabled" value, forced
// while a session's owning app is backgrounded (every session is subject
// to this; privilege is not modeled).
const RangeDataNtfDisable byte = 0x00

// ParamRangingInterval is the RANGING_DURATION app-configuration parameter
// id: the ranging round interval in milliseconds, encoded little-endian.
// The Session Manager tracks its current value to scale the stop-wait
// timeout (spec.md §4.1 "Start/stop algorithm": "the stop-wait timeout is
// max(defaultTimeout, 2 × currentRangingIntervalMs)").
const ParamRangingInterval uint8 = 0x09

// ParamSessionData is a host-internal app-configuration parameter id used to
// install the SessionData blob produced by FiRa Dynamic-STS secure-channel
// provisioning (spec.md §2: "the SessionManager instantiates a SecureSession
// that runs on its own work loop, completing with a SessionData blob that the
// SessionManager then installs into the UCI session"). It is carried through
// the same []ConfigParam slice passed to SetAppConfigurations rather than a
// separate call, since the provisioned data is logically just another
// session app-config value from the Transport's point of view.
const ParamSessionData uint8 = 0x23

// RangingIntervalMs extracts the ranging interval in milliseconds from a
// config-parameter set, if present. Returns false if params carries no
// ParamRangingInterval entry or its value is not a 4-byte little-endian
// integer.
func RangingIntervalMs(params []ConfigParam) (int, bool) {
	for _, p := range params {
		if p.ID == ParamRangingInterval && len(p.Value) == 4 {
			return int(binary.LittleEndian.Uint32(p.Value)), true
		}
	}
	return 0, false
}

// MacAddressMode selects 2-byte ("short") or 8-byte ("extended") MAC
// address representation (spec.md §4.1 "OWR-AoA data delivery").
type MacAddressMode uint8

const (
	MacAddressShort MacAddressMode = iota
	MacAddressExtended
)

// MulticastAction is the multicast-list update action requested by a
// reconfigure call (spec.md §4.1 "Reconfigure").
type MulticastAction uint8

const (
	MulticastAdd MulticastAction = iota
	MulticastDelete
	MulticastPSTSAdd16
	MulticastPSTSAdd32
)

// MulticastEntry describes one controlee targeted by a multicast list
// update command.
type MulticastEntry struct {
	Address  uint16 // short MAC address
	SubSessionID uint32
	SubSessionKey []byte // present only for P-STS ADD variants
}

// MulticastUpdateStatus is the per-controlee outcome reported in a
// MulticastListUpdateNotification (spec.md §4.1 "Reconfigure").
type MulticastUpdateStatus uint8

const (
	MulticastStatusOK MulticastUpdateStatus = iota
	MulticastStatusFail
)

// MulticastResult pairs one requested entry with its reported outcome.
type MulticastResult struct {
	Address uint16
	Status  MulticastUpdateStatus
}

// Endpoint identifies the logical data endpoint for sendData/onDataReceived
// (FiRa application data session addressing).
type Endpoint uint8

// RangingMeasurementStatus is the per-measurement status carried in a range
// data notification (spec.md §4.1 "Error-streak timer").
type RangingMeasurementStatus uint8

const (
	RangingMeasurementOK RangingMeasurementStatus = iota
	RangingMeasurementError
)

// RoundUsage distinguishes TWR from OWR-AoA ranging rounds (spec.md §2,
// "RangingData / processing").
type RoundUsage uint8

const (
	RoundUsageTWR RoundUsage = iota
	RoundUsageOWRAoA
)

// DeviceRole is the role this device plays in an OWR-AoA round.
type DeviceRole uint8

const (
	DeviceRoleAdvertiser DeviceRole = iota
	DeviceRoleObserver
)

// RangingMeasurement is one per-peer measurement within a range data
// notification.
type RangingMeasurement struct {
	MacAddress uint64 // always carried as up to 8 bytes; short addrs occupy the low 2 bytes
	Status     RangingMeasurementStatus
	AoAValid   bool
	IsPointedTarget bool
}

// RangeDataNotification is the UCI range-data notification delivered to the
// Listener (spec.md §4.1).
type RangeDataNotification struct {
	SessionID      uint32
	RoundUsage     RoundUsage
	MacAddressMode MacAddressMode
	Measurements   []RangingMeasurement
	Timestamp      time.Time
}

// DataPacket is an inbound application-data UCI notification (spec.md §4.1
// "Data receive (UCI notification)"). RemoteAddr is always carried as an
// 8-byte field; a short address occupies the first two bytes.
type DataPacket struct {
	SessionID   uint32
	Status      StatusCode
	SequenceNum uint8
	RemoteAddr  [8]byte
	SrcEndpoint Endpoint
	DstEndpoint Endpoint
	Payload     []byte
}

// Listener receives asynchronous UCI notifications (spec.md §6).
type Listener interface {
	OnSessionStatusNotificationReceived(chip ChipID, id uint32, state State, reason ReasonCode)
	OnRangeDataNotificationReceived(chip ChipID, n RangeDataNotification)
	OnDataReceived(chip ChipID, p DataPacket)
	OnMulticastListUpdateNotificationReceived(chip ChipID, sessionID uint32, results []MulticastResult)
}

// Transport is the synchronous native UCI binding consumed by the Session
// Manager (spec.md §6). Every method returns promptly; state transitions
// are observed later, asynchronously, via Listener.
type Transport interface {
	InitSession(ctx context.Context, chip ChipID, id uint32, sessType SessionType) (StatusCode, error)
	DeInitSession(ctx context.Context, chip ChipID, id uint32) (StatusCode, error)
	StartRanging(ctx context.Context, chip ChipID, id uint32) (StatusCode, error)
	StopRanging(ctx context.Context, chip ChipID, id uint32) (StatusCode, error)
	SetAppConfigurations(ctx context.Context, chip ChipID, id uint32, params []ConfigParam) (StatusCode, error)
	GetAppConfigurations(ctx context.Context, chip ChipID, id uint32, protocol Protocol, ids []uint8) (StatusCode, []ConfigParam, error)
	SendData(ctx context.Context, chip ChipID, id uint32, extAddr [8]byte, dst Endpoint, seq uint8, payload []byte) (StatusCode, error)
	QueryDataSize(ctx context.Context, chip ChipID, id uint32) (uint32, error)
	SessionUpdateActiveRoundsDtTag(ctx context.Context, chip ChipID, id uint32, indices []uint16) (StatusCode, error)
	ControllerMulticastListUpdate(ctx context.Context, chip ChipID, id uint32, action MulticastAction, entries []MulticastEntry) (StatusCode, error)
	GetMaxSessionNumber(ctx context.Context, chip ChipID) (uint32, error)
}
