package uwb

import (
	"sort"
	"time"

	"github.com/uwbplatform/uwbd/internal/callbacks"
	"github.com/uwbplatform/uwbd/internal/uci"
)

// controlee tracks one multicast-list member added to a session (spec.md §3
// "controlees: ordered list").
type controlee struct {
	address      uint16
	subSessionID uint32
}

// pendingMulticastOp is the requested action for one in-flight controlee
// address, recorded by Reconfigure and consumed by
// OnMulticastListUpdateNotificationReceived.
type pendingMulticastOp struct {
	action uci.MulticastAction
	entry  controlee
}

// remoteDataKey dedups inbound application-data notifications per sender
// (spec.md §4.1 "Data receive" — duplicate sequence numbers from the same
// remote are suppressed). remoteAddr is the uint64 MAC form shared with
// RangingMeasurement.MacAddress, so a drain can key directly off a
// measurement without re-deriving it.
type remoteDataKey struct {
	remoteAddr  uint64
	sequenceNum uint8
}

// bufferedPacket is one deduped, not-yet-delivered inbound application-data
// payload, held until its remote is confirmed an OWR-AoA pointed target
// (spec.md §4.1 "OWR-AoA data delivery").
type bufferedPacket struct {
	seq     uint8
	payload []byte
}

// UwbSession is the Session Manager's in-memory record for one ranging
// session (spec.md §3 "UwbSession"). It carries no goroutine and no lock of
// its own: all fields are owned exclusively by the Manager's event-loop
// goroutine, the same single-writer discipline the teacher's BFD Session
// applies to its atomic fields, simplified here because ownership is
// entirely confined to one goroutine rather than shared across a session
// goroutine and external readers (spec.md §5 "Scheduling model").
type UwbSession struct {
	handle    callbacks.Handle
	sessionID uint32
	chip      uci.ChipID

	sessionType uci.SessionType
	protocol    uci.Protocol
	role        uci.DeviceRole

	state State

	// attributionChain identifies which ADF / application owns this
	// session for the FiRa secure-session model (spec.md §3
	// "attribution: AppIdentityChain").
	attributionChain []byte

	// uid is the immediate caller's uid, the first (uid, package) pair of
	// attributionChain (spec.md §3 "attribution: AppIdentityChain ...
	// ordered list of (uid, package) pairs"): the first 4 bytes of
	// attributionChain, big-endian, or 0 if the chain is shorter than
	// that. Indexes the Manager's foreground/background policy lookup.
	uid uint32

	// controlees is the ordered list of multicast-list members, ordered by
	// insertion (spec.md §3 "controlees: ordered list").
	controlees []controlee

	// pendingMulticast records the action and entry data Reconfigure
	// requested for an in-flight controlee address, consulted when the
	// matching OnMulticastListUpdateNotificationReceived arrives: the
	// notification's MulticastResult carries only an address and a status,
	// not the action or subSessionID that produced it (spec.md §4.1
	// "Reconfigure").
	pendingMulticast map[uint16]pendingMulticastOp

	// seenData dedups inbound application-data packets by (remote address,
	// sequence number) so a retransmitted UCI notification is not buffered
	// twice (spec.md §4.1 "Data receive").
	seenData map[remoteDataKey]struct{}

	// receivedData holds deduped inbound payloads per remote address,
	// awaiting the OWR-AoA pointed-target drain that delivers them via
	// onDataReceived in sequence-number order (spec.md §4.1 "OWR-AoA data
	// delivery").
	receivedData map[uint64][]bufferedPacket

	// dataSendSeq is the next outbound sequence number for sendData
	// (spec.md §3 "dataSendSeq").
	dataSendSeq uint8

	// rangingErrorStreak counts consecutive RANGING_ROUND_RESULT error
	// notifications; reset on any successful round (spec.md §4.1
	// "Error-streak timer").
	rangingErrorStreak int

	// rangingErrorStreakTimeoutMs is the configured streak threshold before
	// the session is force-stopped (spec.md §3).
	rangingErrorStreakTimeoutMs int

	// hasNonPrivilegedFgApp records whether the owning app is currently
	// foreground (true) or background (false) under the fg/bg ranging
	// policy (spec.md §4.1 "Foreground/background policy"). Named after
	// the upstream field; this service has no independent privilege
	// oracle; every session participates in the policy (see DESIGN.md).
	hasNonPrivilegedFgApp bool

	// fgPolicyDeadline is the wall-clock time the background-entry alarm
	// is due to fire, zero when no alarm is armed. Informational; the
	// actual firing is driven by fgPolicyTimer.
	fgPolicyDeadline time.Time

	// fgPolicyTimer fires stopRanging(reason=SystemPolicy) 120s after
	// background entry unless canceled by a return to the foreground or
	// session close first (spec.md §4.1, §8 Scenario 5).
	fgPolicyTimer *time.Timer

	// pendingPolicyStop is set when the fg/bg alarm has already delivered
	// onRangingStopped(SystemPolicy) directly, so the Idle transition the
	// native stopRanging call subsequently produces is suppressed instead
	// of firing a second, differently-reasoned stop notification.
	pendingPolicyStop bool

	// origRangeDataNtfConfig remembers the client-requested range-data
	// notification configuration so it can be restored after a temporary
	// override (spec.md §3 "origRangeDataNtfConfig").
	origRangeDataNtfConfig []uci.ConfigParam

	macAddressMode uci.MacAddressMode

	// rangingIntervalMs is the session's current RANGING_DURATION
	// configuration value, tracked to scale the stop-wait timeout (spec.md
	// §4.1 "Start/stop algorithm").
	rangingIntervalMs int

	// opTimer bounds whatever native command is currently awaiting its
	// chip state-change notification (open/start/stop/close), nil when
	// none is in flight (spec.md §4.1 "Each await is bounded by
	// RANGING_SESSION_OPEN_THRESHOLD_MS"; §5 "at most one in-flight native
	// command").
	opTimer *time.Timer

	createdAt       time.Time
	lastStateChange time.Time
}

// State is the UWB ranging session lifecycle state exposed to clients,
// mirroring the chip-reported uci.State one-to-one (spec.md §4.2).
type State = uci.State

func newUwbSession(handle callbacks.Handle, sessionID uint32, chip uci.ChipID, sessType uci.SessionType, proto uci.Protocol, attribution []byte, now time.Time) *UwbSession {
	return &UwbSession{
		handle:                      handle,
		sessionID:                   sessionID,
		chip:                        chip,
		sessionType:                 sessType,
		protocol:                    proto,
		attributionChain:            attribution,
		uid:                         attributionUID(attribution),
		state:                       uci.StateDeinit,
		hasNonPrivilegedFgApp:       true,
		rangingIntervalMs:           defaultRangingIntervalMs,
		pendingMulticast:            make(map[uint16]pendingMulticastOp),
		seenData:                    make(map[remoteDataKey]struct{}),
		receivedData:                make(map[uint64][]bufferedPacket),
		rangingErrorStreakTimeoutMs: defaultRangingErrorStreakTimeoutMs,
		createdAt:                   now,
		lastStateChange:             now,
	}
}

// attributionUID extracts the immediate caller's uid from the front of an
// attribution chain: the first 4 bytes, big-endian. Returns 0 for a chain
// shorter than that (spec.md §3 "attribution: AppIdentityChain").
func attributionUID(attribution []byte) uint32 {
	if len(attribution) < 4 {
		return 0
	}
	return uint32(attribution[0])<<24 | uint32(attribution[1])<<16 | uint32(attribution[2])<<8 | uint32(attribution[3])
}

// defaultRangingErrorStreakTimeoutMs is the default consecutive-error budget
// before the Manager force-stops a session (spec.md §4.1).
const defaultRangingErrorStreakTimeoutMs = 5000

// defaultFgPolicyWindow is the foreground-grace window a client's session
// is allowed to keep ranging in the background before the
// Manager force-stops it (spec.md §4.1 "Foreground/background policy").
const defaultFgPolicyWindow = 120 * time.Second

// defaultRangingIntervalMs is the ranging interval a session starts with
// before any RANGING_DURATION app configuration is observed.
const defaultRangingIntervalMs = 200

// addControlee appends a new multicast-list member, preserving insertion
// order. Returns false if the address is already present.
func (s *UwbSession) addControlee(c controlee) bool {
	for _, existing := range s.controlees {
		if existing.address == c.address {
			return false
		}
	}
	s.controlees = append(s.controlees, c)
	return true
}

// removeControlee drops a multicast-list member by address. Returns false
// if the address was not present.
func (s *UwbSession) removeControlee(address uint16) bool {
	for i, existing := range s.controlees {
		if existing.address == address {
			s.controlees = append(s.controlees[:i], s.controlees[i+1:]...)
			return true
		}
	}
	return false
}

// controleeAddresses returns the current multicast-list member addresses in
// insertion order (spec.md §8 Scenario 3 "getControleeList()").
func (s *UwbSession) controleeAddresses() []uint16 {
	out := make([]uint16, len(s.controlees))
	for i, c := range s.controlees {
		out[i] = c.address
	}
	return out
}

// bufferData dedups and appends an inbound payload to remoteAddr's pending
// queue (spec.md §4.1 "Data receive (UCI notification)"). Returns false if
// (remoteAddr, seq) was already buffered.
func (s *UwbSession) bufferData(remoteAddr uint64, seq uint8, payload []byte) bool {
	key := remoteDataKey{remoteAddr: remoteAddr, sequenceNum: seq}
	if _, dup := s.seenData[key]; dup {
		return false
	}
	s.seenData[key] = struct{}{}
	s.receivedData[remoteAddr] = append(s.receivedData[remoteAddr], bufferedPacket{seq: seq, payload: payload})
	return true
}

// drainReceivedData returns remoteAddr's buffered payloads in
// sequence-number order and forgets them, implementing the pointed-target
// drain in spec.md §4.1 "OWR-AoA data delivery". Returns nil if nothing is
// buffered for remoteAddr.
func (s *UwbSession) drainReceivedData(remoteAddr uint64) [][]byte {
	pkts := s.receivedData[remoteAddr]
	if len(pkts) == 0 {
		return nil
	}
	sort.Slice(pkts, func(i, j int) bool { return pkts[i].seq < pkts[j].seq })

	out := make([][]byte, len(pkts))
	for i, p := range pkts {
		out[i] = p.payload
	}
	delete(s.receivedData, remoteAddr)
	return out
}

// nextDataSeq returns the next outbound sequence number and advances the
// counter, wrapping at 256 (spec.md §3 "dataSendSeq").
func (s *UwbSession) nextDataSeq() uint8 {
	seq := s.dataSendSeq
	s.dataSendSeq++
	return seq
}

// recordRoundOutcome updates the consecutive-error streak counter and
// reports whether the streak threshold has now been exceeded (spec.md §4.1
// "Error-streak timer").
func (s *UwbSession) recordRoundOutcome(hadError bool, roundIntervalMs int) bool {
	if !hadError {
		s.rangingErrorStreak = 0
		return false
	}
	s.rangingErrorStreak++
	elapsed := s.rangingErrorStreak * roundIntervalMs
	return elapsed >= s.rangingErrorStreakTimeoutMs
}

// Snapshot is a read-only view of session state for external consumers
// (mirrors the teacher's SessionSnapshot pattern: a copy, no references to
// mutable fields, safe to hand out after releasing the Manager's lock).
type Snapshot struct {
	Handle          callbacks.Handle
	SessionID       uint32
	Chip            uci.ChipID
	SessionType     uci.SessionType
	Protocol        uci.Protocol
	State           State
	ControleeCount  int
	CreatedAt       time.Time
	LastStateChange time.Time
}

func (s *UwbSession) snapshot() Snapshot {
	return Snapshot{
		Handle:          s.handle,
		SessionID:       s.sessionID,
		Chip:            s.chip,
		SessionType:     s.sessionType,
		Protocol:        s.protocol,
		State:           s.state,
		ControleeCount:  len(s.controlees),
		CreatedAt:       s.createdAt,
		LastStateChange: s.lastStateChange,
	}
}
