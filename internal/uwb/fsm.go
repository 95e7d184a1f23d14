package uwb

// This file implements the UWB ranging session state machine (spec.md
// §4.2). Like the teacher's BFD FSM, it is a pure function over a
// transition table: no side effects, no Session dependency, trivially
// testable. Unlike BFD, the "event" here is simply the state the chip has
// already moved to (transitions are driven solely by device notifications;
// the host never mutates state directly — spec.md §4.2).
//
// Valid graph (spec.md §4.2):
//
//	Deinit -> Init   (initSession OK)
//	Init   -> Idle   (setAppConfigurations OK)
//	Idle   -> Active (startRanging OK)
//	Active -> Idle   (stopRanging OK | auto-timeout)
//	Idle   -> Deinit (deInit OK)
//	any    -> Error  (device-reported error)

import "github.com/uwbplatform/uwbd/internal/uci"

// Action represents a side-effect the caller must execute after an FSM
// transition (spec.md §4.1, §7).
type Action uint8

const (
	// ActionNone indicates no caller-visible side effect.
	ActionNone Action = iota

	// ActionNotifyOpened signals onRangingOpened should fire.
	ActionNotifyOpened

	// ActionNotifyStarted signals onRangingStarted should fire.
	ActionNotifyStarted

	// ActionNotifyStoppedManagement signals onRangingStopped(LOCAL_API)
	// should fire: the host requested the stop.
	ActionNotifyStoppedManagement

	// ActionNotifyStoppedUnsolicited signals an unsolicited stop occurred
	// (Active->Idle with a reason other than ManagementCommand) and must be
	// reported to the client even though no stopRanging was in flight
	// (spec.md §4.1 "Session-status notifications").
	ActionNotifyStoppedUnsolicited

	// ActionScheduleCleanup signals the Deinit transition must trigger
	// session-table cleanup (timers cancelled, LRU snapshot, removal).
	ActionScheduleCleanup

	// ActionNotifyError signals the session entered the terminal Error state.
	ActionNotifyError
)

// stateEvent is the FSM transition table key: current state + notified
// target state.
type stateEvent struct {
	state    uci.State
	notified uci.State
}

// transition describes whether (state, notified) is a legal transition and,
// if so, the side effects the caller must execute.
type transition struct {
	valid   bool
	actions []Action
}

// fsmTable is the complete legal-transition table for spec.md §4.2.
// Entries not present are illegal (the observed notification does not
// match any edge from the current state) and are reported but otherwise
// ignored by the caller — the session's last-known state is left
// unchanged to avoid corrupting invariants on a spurious or reordered
// notification.
//
//nolint:gochecknoglobals // transition table is intentionally package-level.
var fsmTable = map[stateEvent]transition{
	{uci.StateDeinit, uci.StateInit}: {valid: true, actions: nil},
	{uci.StateInit, uci.StateIdle}:   {valid: true, actions: []Action{ActionNotifyOpened}},
	{uci.StateIdle, uci.StateActive}: {valid: true, actions: []Action{ActionNotifyStarted}},
	{uci.StateActive, uci.StateIdle}: {valid: true, actions: []Action{ActionNotifyStoppedManagement}},
	{uci.StateIdle, uci.StateDeinit}: {valid: true, actions: []Action{ActionScheduleCleanup}},

	// Self-loop: re-delivery of the same notification is valid and a no-op.
	{uci.StateIdle, uci.StateIdle}:     {valid: true, actions: nil},
	{uci.StateActive, uci.StateActive}: {valid: true, actions: nil},
}

// FSMResult holds the outcome of applying a notified state to the FSM.
type FSMResult struct {
	OldState uci.State
	NewState uci.State
	Actions  []Action
	Changed  bool
	Valid    bool
}

// Apply evaluates the notified target state against current and returns the
// transition outcome. Error is always a valid target from any non-terminal
// state (spec.md §4.2 "plus a terminal Error").
func Apply(current uci.State, notified uci.State, reason uci.ReasonCode) FSMResult {
	if notified == uci.StateError {
		return FSMResult{OldState: current, NewState: uci.StateError, Changed: current != uci.StateError, Valid: true, Actions: []Action{ActionNotifyError}}
	}

	t, ok := fsmTable[stateEvent{state: current, notified: notified}]
	if !ok {
		return FSMResult{OldState: current, NewState: current, Valid: false}
	}

	actions := t.actions
	if current == uci.StateActive && notified == uci.StateIdle && reason != uci.ReasonStateChangeWithSessionManagement {
		actions = []Action{ActionNotifyStoppedUnsolicited}
	}

	return FSMResult{
		OldState: current,
		NewState: notified,
		Actions:  actions,
		Changed:  current != notified,
		Valid:    true,
	}
}
