package uci

import (
	"context"
	"sync"
)

// simSession tracks per-session chip-side state inside Sim.
type simSession struct {
	sessType       SessionType
	state          State
	rangingIntervalMs int
	controlees     map[uint16]MulticastEntry
}

// Sim is an in-memory Transport that behaves like a well-functioning UWBS
// chip: every accepted command eventually produces the notification a real
// chip would emit. Used by tests and the cmd/uwbd reference wiring in
// place of the real native binding.
//
// Notifications are delivered asynchronously (on a separate goroutine) to
// preserve the command/notification decoupling real hardware exhibits;
// Sim never calls back into the Listener on the calling goroutine.
type Sim struct {
	mu        sync.Mutex
	listener  Listener
	sessions  map[uint32]*simSession
	maxSessions uint32

	// FailInit, if set, causes InitSession for this session id to report
	// StatusRejected instead of succeeding — used to test open failures.
	FailInit map[uint32]bool
}

// NewSim creates an empty Sim with the given session-table capacity.
func NewSim(maxSessions uint32) *Sim {
	return &Sim{
		sessions:    make(map[uint32]*simSession),
		maxSessions: maxSessions,
		FailInit:    make(map[uint32]bool),
	}
}

// SetListener installs the Listener that receives simulated notifications.
func (s *Sim) SetListener(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listener = l
}

func (s *Sim) notify(fn func(l Listener)) {
	s.mu.Lock()
	l := s.listener
	s.mu.Unlock()
	if l == nil {
		return
	}
	go fn(l)
}

const defaultChip ChipID = "default"

func (s *Sim) InitSession(_ context.Context, chip ChipID, id uint32, sessType SessionType) (StatusCode, error) {
	s.mu.Lock()
	if _, exists := s.sessions[id]; exists {
		s.mu.Unlock()
		return StatusSessionDuplicate, nil
	}
	if uint32(len(s.sessions)) >= s.maxSessions {
		s.mu.Unlock()
		return StatusMaxSessionsExceeded, nil
	}
	fail := s.FailInit[id]
	s.mu.Unlock()

	if fail {
		return StatusRejected, nil
	}

	s.mu.Lock()
	s.sessions[id] = &simSession{sessType: sessType, state: StateInit, rangingIntervalMs: 200, controlees: make(map[uint16]MulticastEntry)}
	s.mu.Unlock()

	s.notify(func(l Listener) {
		l.OnSessionStatusNotificationReceived(chip, id, StateInit, ReasonStateChangeWithSessionManagement)
	})

	return StatusOK, nil
}

func (s *Sim) DeInitSession(_ context.Context, chip ChipID, id uint32) (StatusCode, error) {
	s.mu.Lock()
	_, exists := s.sessions[id]
	if exists {
		delete(s.sessions, id)
	}
	s.mu.Unlock()

	if !exists {
		return StatusSessionNotExist, nil
	}

	s.notify(func(l Listener) {
		l.OnSessionStatusNotificationReceived(chip, id, StateDeinit, ReasonStateChangeWithSessionManagement)
	})

	return StatusOK, nil
}

func (s *Sim) StartRanging(_ context.Context, chip ChipID, id uint32) (StatusCode, error) {
	s.mu.Lock()
	sess, exists := s.sessions[id]
	s.mu.Unlock()
	if !exists {
		return StatusSessionNotExist, nil
	}

	s.mu.Lock()
	sess.state = StateActive
	s.mu.Unlock()

	s.notify(func(l Listener) {
		l.OnSessionStatusNotificationReceived(chip, id, StateActive, ReasonStateChangeWithSessionManagement)
	})

	return StatusOK, nil
}

func (s *Sim) StopRanging(_ context.Context, chip ChipID, id uint32) (StatusCode, error) {
	s.mu.Lock()
	sess, exists := s.sessions[id]
	s.mu.Unlock()
	if !exists {
		return StatusSessionNotExist, nil
	}

	s.mu.Lock()
	sess.state = StateIdle
	s.mu.Unlock()

	s.notify(func(l Listener) {
		l.OnSessionStatusNotificationReceived(chip, id, StateIdle, ReasonStateChangeWithSessionManagement)
	})

	return StatusOK, nil
}

// SetAppConfigurations only produces a session-status notification the
// first time it completes the Init->Idle bring-up sequence; called again
// later (e.g. the foreground/background policy's range-data-ntf toggle) it
// acknowledges synchronously without perturbing ranging state, matching
// real UCI chips where mid-session app-config changes don't themselves
// move the session state machine.
func (s *Sim) SetAppConfigurations(_ context.Context, chip ChipID, id uint32, _ []ConfigParam) (StatusCode, error) {
	s.mu.Lock()
	sess, exists := s.sessions[id]
	if !exists {
		s.mu.Unlock()
		return StatusSessionNotExist, nil
	}
	wasInit := sess.state == StateInit
	if wasInit {
		sess.state = StateIdle
	}
	s.mu.Unlock()

	if wasInit {
		s.notify(func(l Listener) {
			l.OnSessionStatusNotificationReceived(chip, id, StateIdle, ReasonStateChangeWithSessionManagement)
		})
	}

	return StatusOK, nil
}

func (s *Sim) GetAppConfigurations(_ context.Context, _ ChipID, id uint32, _ Protocol, ids []uint8) (StatusCode, []ConfigParam, error) {
	s.mu.Lock()
	_, exists := s.sessions[id]
	s.mu.Unlock()
	if !exists {
		return StatusSessionNotExist, nil, nil
	}

	out := make([]ConfigParam, len(ids))
	for i, id := range ids {
		out[i] = ConfigParam{ID: id, Value: []byte{0x00}}
	}
	return StatusOK, out, nil
}

func (s *Sim) SendData(_ context.Context, chip ChipID, id uint32, extAddr [8]byte, dst Endpoint, seq uint8, payload []byte) (StatusCode, error) {
	s.mu.Lock()
	sess, exists := s.sessions[id]
	s.mu.Unlock()
	if !exists {
		return StatusSessionNotExist, nil
	}
	if sess.state != StateActive {
		return StatusRejected, nil
	}
	return StatusOK, nil
}

func (s *Sim) QueryDataSize(_ context.Context, _ ChipID, id uint32) (uint32, error) {
	s.mu.Lock()
	_, exists := s.sessions[id]
	s.mu.Unlock()
	if !exists {
		return 0, nil
	}
	return 1024, nil
}

func (s *Sim) SessionUpdateActiveRoundsDtTag(_ context.Context, _ ChipID, id uint32, _ []uint16) (StatusCode, error) {
	s.mu.Lock()
	_, exists := s.sessions[id]
	s.mu.Unlock()
	if !exists {
		return StatusSessionNotExist, nil
	}
	return StatusOK, nil
}

func (s *Sim) ControllerMulticastListUpdate(_ context.Context, chip ChipID, id uint32, action MulticastAction, entries []MulticastEntry) (StatusCode, error) {
	s.mu.Lock()
	sess, exists := s.sessions[id]
	s.mu.Unlock()
	if !exists {
		return StatusSessionNotExist, nil
	}

	results := make([]MulticastResult, len(entries))
	s.mu.Lock()
	for i, e := range entries {
		switch action {
		case MulticastAdd, MulticastPSTSAdd16, MulticastPSTSAdd32:
			sess.controlees[e.Address] = e
		case MulticastDelete:
			delete(sess.controlees, e.Address)
		}
		results[i] = MulticastResult{Address: e.Address, Status: MulticastStatusOK}
	}
	s.mu.Unlock()

	s.notify(func(l Listener) {
		l.OnMulticastListUpdateNotificationReceived(chip, id, results)
	})

	return StatusOK, nil
}

func (s *Sim) GetMaxSessionNumber(_ context.Context, _ ChipID) (uint32, error) {
	return s.maxSessions, nil
}

// EmitRangeData lets a test or the reference daemon push a simulated
// range-data notification directly, bypassing command/response.
func (s *Sim) EmitRangeData(chip ChipID, n RangeDataNotification) {
	s.notify(func(l Listener) { l.OnRangeDataNotificationReceived(chip, n) })
}

// EmitDataReceived lets a test push a simulated inbound application-data
// packet directly.
func (s *Sim) EmitDataReceived(chip ChipID, p DataPacket) {
	s.notify(func(l Listener) { l.OnDataReceived(chip, p) })
}

// EmitSessionStatus lets a test drive an arbitrary session-status
// notification (e.g. an unsolicited Deinit, or a ranging-error-streak
// forced Idle) without going through a command.
func (s *Sim) EmitSessionStatus(chip ChipID, id uint32, state State, reason ReasonCode) {
	s.notify(func(l Listener) { l.OnSessionStatusNotificationReceived(chip, id, state, reason) })
}

var _ Transport = (*Sim)(nil)
