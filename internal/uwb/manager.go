// Package uwb implements the Session Manager and the ranging session state
// machine it drives (spec.md §4.1 "Session Manager", §4.2 "UWB ranging
// session FSM"). The design follows the teacher's BFD Manager: a single
// goroutine owns the full session table and every state mutation; external
// callers talk to it exclusively through a command channel rather than
// shared locks over session internals (spec.md §5 "Scheduling model": "a
// single event-loop thread owns session state").
package uwb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/uwbplatform/uwbd/internal/callbacks"
	"github.com/uwbplatform/uwbd/internal/uci"
)

// Sentinel errors for Manager operations (spec.md §4.1, §7).
var (
	ErrSessionNotFound   = errors.New("ranging session not found")
	ErrMaxSessionsExceeded = errors.New("max ranging sessions exceeded")
	ErrInvalidState      = errors.New("operation not valid in current session state")
	ErrManagerClosed     = errors.New("session manager closed")
)

// commandReplySize is the buffer depth of a command's reply channel. Always
// 1: the event loop sends exactly one reply and must never block on a
// caller that already gave up (e.g. context cancellation).
const commandReplySize = 1

// command is one unit of work executed on the Manager's event-loop
// goroutine: either a client-facing request or a native-notification
// delivery, both funneled through the same channel to preserve the
// single-writer invariant over session state.
type command struct {
	run  func(m *Manager)
	done chan struct{}
}

// ManagerOption configures optional Manager behavior, mirroring the
// teacher's ManagerOption pattern (functional options over a constructor).
type ManagerOption func(*Manager)

// WithLogger installs a structured logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = logger }
}

// WithMaxSessions caps the number of concurrently open ranging sessions
// (spec.md §4.1 "maxSessions"). Defaults to 8.
func WithMaxSessions(n int) ManagerOption {
	return func(m *Manager) { m.maxSessions = n }
}

// WithMetrics installs a metrics reporter. Defaults to a no-op reporter.
func WithMetrics(reporter MetricsReporter) ManagerOption {
	return func(m *Manager) { m.metrics = reporter }
}

// WithRangingErrorStreakTimeout overrides the consecutive-ranging-error
// budget (in milliseconds) new sessions are created with (spec.md §4.1
// "Error-streak timer"). Defaults to defaultRangingErrorStreakTimeoutMs.
func WithRangingErrorStreakTimeout(ms int) ManagerOption {
	return func(m *Manager) { m.rangingErrorStreakTimeoutMs = ms }
}

// WithRecentSessionCacheSize overrides the capacity of the recently-closed
// session diagnostic history (spec.md §4.1 "session-table cleanup... LRU
// snapshot"). Defaults to defaultRecentSessionCacheSize.
func WithRecentSessionCacheSize(n int) ManagerOption {
	return func(m *Manager) { m.closedHistory = newRecentlyClosed(n) }
}

// WithSecureProvisioner installs the FiRa secure-channel / Dynamic-STS
// provisioner consulted by OpenSession for uci.ProtocolFiRa sessions (spec.md
// §2: "two tightly coupled subsystems" — the Session Manager and the secure
// channel / secure session dialog). Defaults to nil, meaning FiRa sessions
// open against the native transport directly with no secure provisioning
// step, exactly as every other protocol does.
func WithSecureProvisioner(p SecureProvisioner) ManagerOption {
	return func(m *Manager) { m.secureProvisioner = p }
}

// SecureProvisioner drives the FiRa secure-channel / Dynamic-STS handshake
// for a newly opened session and reports its outcome asynchronously (spec.md
// §2: "the SessionManager instantiates a SecureSession that runs on its own
// work loop, completing with a SessionData blob that the SessionManager then
// installs into the UCI session"). Only consulted for uci.ProtocolFiRa
// sessions; attribution is the session's AppIdentityChain, identifying which
// ADF the provisioned secure channel must select. onReady and onFailed are
// each called at most once and may be called from any goroutine; neither
// call may block.
type SecureProvisioner interface {
	Provision(handle callbacks.Handle, attribution []byte, onReady func(sessionData []byte), onFailed func(detail string))
}

// MetricsReporter receives Session Manager lifecycle events for export
// (package internal/metrics implements this against Prometheus, grounded
// on the teacher's MetricsReporter interface).
type MetricsReporter interface {
	RegisterSession(sessionType uci.SessionType)
	UnregisterSession()
	RecordStateTransition(from, to uci.State)
	RecordRangingError()
}

// noopMetrics implements MetricsReporter as a no-op, used when the caller
// supplies none.
type noopMetrics struct{}

func (noopMetrics) RegisterSession(uci.SessionType)       {}
func (noopMetrics) UnregisterSession()                    {}
func (noopMetrics) RecordStateTransition(_, _ uci.State) {}
func (noopMetrics) RecordRangingError()                   {}

const defaultMaxSessions = 8

// defaultRecentSessionCacheSize is the default capacity of the
// recently-closed session diagnostic history.
const defaultRecentSessionCacheSize = 16

// Per-operation await thresholds (spec.md §4.1 "Each await is bounded by
// RANGING_SESSION_OPEN_THRESHOLD_MS"; §5 "Cancellation and timeouts": "every
// native operation carries a fixed timeout (OPEN/START/CLOSE_THRESHOLD_MS;
// stop-timeout scaled to 2×rangingInterval)"). A stuck or missing
// chip notification fails the waiting operation instead of wedging the
// session forever.
const (
	rangingSessionOpenThresholdMs  = 3 * time.Second
	rangingSessionStartThresholdMs = 3 * time.Second
	rangingSessionStopThresholdMs  = 3 * time.Second
	rangingSessionCloseThresholdMs = 3 * time.Second
)

// Manager owns every ranging session for one native chip binding, drives
// the FSM on device notifications, and exposes the client-facing ranging
// API (spec.md §4.1).
type Manager struct {
	transport uci.Transport
	callbacks callbacks.RangingCallbacks
	executor  *nativeExecutor

	cmdCh  chan command
	stopCh chan struct{}
	doneCh chan struct{}

	sessions   map[uint32]*UwbSession
	byHandle   map[callbacks.Handle]*UwbSession
	byUID      map[uint32]map[uint32]*UwbSession
	sessionIDs *sessionIDAllocator

	maxSessions                 int
	rangingErrorStreakTimeoutMs int
	closedHistory               *recentlyClosed
	logger                      *slog.Logger
	metrics                     MetricsReporter
	secureProvisioner           SecureProvisioner

	closeOnce sync.Once
}

// NewManager constructs a Manager bound to a native transport and a
// client-facing callback sink. Callers register the Manager as the
// transport's uci.Listener via SetListener after construction, per the
// teacher's wiring convention (constructor does not itself reach into the
// transport).
func NewManager(transport uci.Transport, cb callbacks.RangingCallbacks, opts ...ManagerOption) *Manager {
	m := &Manager{
		transport:                   transport,
		callbacks:                   cb,
		executor:                    newNativeExecutor(),
		cmdCh:                       make(chan command, 64),
		stopCh:                      make(chan struct{}),
		doneCh:                      make(chan struct{}),
		sessions:                    make(map[uint32]*UwbSession),
		byHandle:                    make(map[callbacks.Handle]*UwbSession),
		byUID:                       make(map[uint32]map[uint32]*UwbSession),
		sessionIDs:                  newSessionIDAllocator(),
		maxSessions:                 defaultMaxSessions,
		rangingErrorStreakTimeoutMs: defaultRangingErrorStreakTimeoutMs,
		closedHistory:               newRecentlyClosed(defaultRecentSessionCacheSize),
		logger:                      slog.Default(),
		metrics:                     noopMetrics{},
	}
	for _, opt := range opts {
		opt(m)
	}
	go m.run()
	return m
}

// run is the Manager's event loop: the only goroutine that ever reads or
// writes session state (spec.md §5).
func (m *Manager) run() {
	defer close(m.doneCh)
	for {
		select {
		case cmd := <-m.cmdCh:
			cmd.run(m)
			close(cmd.done)
		case <-m.stopCh:
			return
		}
	}
}

// exec submits fn to the event loop and blocks until it has run. Used by
// every client-facing method so all state access is serialized. A no-op
// once the Manager has been closed.
func (m *Manager) exec(fn func(m *Manager)) {
	cmd := command{run: fn, done: make(chan struct{}, commandReplySize)}
	select {
	case m.cmdCh <- cmd:
	case <-m.stopCh:
		return
	}
	select {
	case <-cmd.done:
	case <-m.stopCh:
	}
}

// -------------------------------------------------------------------------
// OpenSession
// -------------------------------------------------------------------------

// OpenSession allocates a session id, registers it, and issues initSession
// followed by setAppConfigurations against the native binding (spec.md §4.1
// "Open"). The returned handle addresses every subsequent operation. Result
// delivery (onRangingOpened / onRangingOpenFailed) happens asynchronously
// once the chip acknowledges, mirroring real UCI command/notification
// decoupling.
func (m *Manager) OpenSession(
	chip uci.ChipID,
	sessType uci.SessionType,
	protocol uci.Protocol,
	attribution []byte,
	params []uci.ConfigParam,
) (callbacks.Handle, error) {
	var (
		handle callbacks.Handle
		outErr error
	)

	m.exec(func(m *Manager) {
		if len(m.sessions) >= m.maxSessions {
			outErr = ErrMaxSessionsExceeded
			return
		}

		id, err := m.sessionIDs.allocate()
		if err != nil {
			outErr = fmt.Errorf("open session: %w", err)
			return
		}

		handle = callbacks.Handle(uuid.NewString())
		sess := newUwbSession(handle, id, chip, sessType, protocol, attribution, time.Now())
		sess.rangingErrorStreakTimeoutMs = m.rangingErrorStreakTimeoutMs
		m.sessions[id] = sess
		m.byHandle[handle] = sess
		if m.byUID[sess.uid] == nil {
			m.byUID[sess.uid] = make(map[uint32]*UwbSession)
		}
		m.byUID[sess.uid][id] = sess
		m.metrics.RegisterSession(sessType)

		if protocol == uci.ProtocolFiRa && m.secureProvisioner != nil {
			m.secureProvisioner.Provision(handle, attribution,
				func(sessionData []byte) {
					m.exec(func(m *Manager) {
						sess, ok := m.byHandle[handle]
						if !ok {
							return
						}
						merged := append(append([]uci.ConfigParam{}, params...),
							uci.ConfigParam{ID: uci.ParamSessionData, Value: sessionData})
						m.beginNativeOpen(sess, merged)
					})
				},
				func(detail string) {
					m.exec(func(m *Manager) {
						sess, ok := m.byHandle[handle]
						if !ok {
							return
						}
						m.callbacks.OnRangingOpenFailed(sess.handle, uci.StatusRejected, detail)
						m.forgetSession(sess)
					})
				},
			)
			return
		}

		m.beginNativeOpen(sess, params)
	})

	return handle, outErr
}

// beginNativeOpen arms the open-operation deadline and issues initSession
// against the native binding, the point every OpenSession path converges on
// once it has whatever app-config params it needs (plain params for
// non-FiRa sessions, or params merged with the provisioned SessionData blob
// for FiRa sessions, per spec.md §2). The open timer is armed only from
// here, after secure provisioning (if any) has already completed: the
// provisioner bounds its own dialog internally and reports failure via
// onFailed, so the Session Manager's opTimer only needs to cover the native
// UCI round-trip that remains (see DESIGN.md).
func (m *Manager) beginNativeOpen(sess *UwbSession, params []uci.ConfigParam) {
	chip, id, sessType := sess.chip, sess.sessionID, sess.sessionType
	m.armOpTimeout(sess, rangingSessionOpenThresholdMs, openAwaitTimedOut)
	m.executor.submit(func(ctx context.Context) {
		status, err := m.transport.InitSession(ctx, chip, id, sessType)
		m.postInitResult(id, status, err, params)
	})
}

// postInitResult is run on the executor goroutine's completion callback,
// re-entering the event loop via exec so the reply is still
// serialized against every other session mutation.
func (m *Manager) postInitResult(id uint32, status uci.StatusCode, err error, params []uci.ConfigParam) {
	m.exec(func(m *Manager) {
		sess, ok := m.sessions[id]
		if !ok {
			return
		}
		if err != nil || !status.OK() {
			m.callbacks.OnRangingOpenFailed(sess.handle, status, errString(err))
			m.forgetSession(sess)
			return
		}

		sess.origRangeDataNtfConfig = params
		if ms, ok := uci.RangingIntervalMs(params); ok {
			sess.rangingIntervalMs = ms
		}
		chip, handle := sess.chip, sess.handle
		m.executor.submit(func(ctx context.Context) {
			status, err := m.transport.SetAppConfigurations(ctx, chip, id, params)
			m.postConfigResult(id, handle, status, err)
		})
	})
}

func (m *Manager) postConfigResult(id uint32, handle callbacks.Handle, status uci.StatusCode, err error) {
	m.exec(func(m *Manager) {
		sess, ok := m.sessions[id]
		if !ok {
			return
		}
		if err != nil || !status.OK() {
			m.callbacks.OnRangingOpenFailed(handle, status, errString(err))
			m.forgetSession(sess)
			return
		}
		// sess.state transitions to Idle once the chip confirms via
		// OnSessionStatusNotificationReceived; onRangingOpened fires from
		// there (applyNotification), not here, to keep a single source of
		// truth for state transitions (spec.md §4.2).
	})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// armOpTimeout bounds the session's current in-flight native-command await
// with d, replacing any timer already armed for a prior operation (spec.md
// §5 "at most one in-flight native command" per session). If d elapses
// before cancelOpTimeout runs for this same timer, onTimeout fires on the
// event loop (spec.md §9 "the 'waiter' pattern is just select{notification,
// deadline}", implemented here with time.AfterFunc re-entering exec, the
// same idiom as the foreground/background policy alarm).
func (m *Manager) armOpTimeout(sess *UwbSession, d time.Duration, onTimeout func(m *Manager, sess *UwbSession)) {
	if sess.opTimer != nil {
		sess.opTimer.Stop()
		sess.opTimer = nil
	}

	id := sess.sessionID
	var timer *time.Timer
	timer = time.AfterFunc(d, func() {
		m.exec(func(m *Manager) {
			sess, ok := m.sessions[id]
			if !ok || sess.opTimer != timer {
				return
			}
			sess.opTimer = nil
			onTimeout(m, sess)
		})
	})
	sess.opTimer = timer
}

// cancelOpTimeout disarms the pending-operation deadline once its matching
// notification (or a synchronous command failure) has already resolved the
// wait.
func (m *Manager) cancelOpTimeout(sess *UwbSession) {
	if sess.opTimer != nil {
		sess.opTimer.Stop()
		sess.opTimer = nil
	}
}

// openAwaitTimedOut fires when the chip never reports the session reaching
// Idle within rangingSessionOpenThresholdMs: the open fails, a deInit is
// scheduled on a best-effort basis, and the session is removed immediately
// rather than left to wait for that deInit's own notification (spec.md
// §4.1 "timeout fails the session, schedules UCI deInit, removes the
// session"; §7 "Timeouts").
func openAwaitTimedOut(m *Manager, sess *UwbSession) {
	m.callbacks.OnRangingOpenFailed(sess.handle, uci.StatusTimeout, "timed out waiting for chip state notification")
	chip, id := sess.chip, sess.sessionID
	m.executor.submit(func(ctx context.Context) {
		_, _ = m.transport.DeInitSession(ctx, chip, id)
	})
	m.forgetSession(sess)
}

// closeAwaitTimedOut fires when the chip never reports the session reaching
// Deinit after CloseSession's deInit call. The deInit was already issued;
// the session is simply forced out of the table (spec.md §4.2 invariant:
// "on timeout the session is forcibly deinited and removed").
func closeAwaitTimedOut(m *Manager, sess *UwbSession) {
	m.callbacks.OnRangingClosed(sess.handle, uci.StatusTimeout)
	m.forgetSession(sess)
}

func (m *Manager) forgetSession(sess *UwbSession) {
	if sess.opTimer != nil {
		sess.opTimer.Stop()
		sess.opTimer = nil
	}
	if sess.fgPolicyTimer != nil {
		sess.fgPolicyTimer.Stop()
		sess.fgPolicyTimer = nil
	}
	m.closedHistory.record(sess)
	delete(m.sessions, sess.sessionID)
	delete(m.byHandle, sess.handle)
	delete(m.byUID[sess.uid], sess.sessionID)
	if len(m.byUID[sess.uid]) == 0 {
		delete(m.byUID, sess.uid)
	}
	m.sessionIDs.release(sess.sessionID)
	m.metrics.UnregisterSession()
}

// RecentlyClosedSessions returns a snapshot of the bounded diagnostic
// history of sessions that have left the live session table, oldest first
// (spec.md §4.1 "session-table cleanup... LRU snapshot").
func (m *Manager) RecentlyClosedSessions() []ClosedSessionRecord {
	var out []ClosedSessionRecord
	m.exec(func(m *Manager) { out = m.closedHistory.snapshot() })
	return out
}

// -------------------------------------------------------------------------
// StartRanging / StopRanging
// -------------------------------------------------------------------------

// StartRanging issues startRanging for an open (Idle) session (spec.md §4.1
// "Start").
func (m *Manager) StartRanging(handle callbacks.Handle) error {
	return m.simpleCommand(handle, uci.StateIdle,
		func(ctx context.Context, chip uci.ChipID, id uint32) (uci.StatusCode, error) {
			return m.transport.StartRanging(ctx, chip, id)
		},
		func(sess *UwbSession, status uci.StatusCode) {
			m.callbacks.OnRangingStartFailed(sess.handle, status)
		},
		func(sess *UwbSession) time.Duration { return rangingSessionStartThresholdMs },
	)
}

// StopRanging issues stopRanging for an Active session (spec.md §4.1
// "Stop").
func (m *Manager) StopRanging(handle callbacks.Handle) error {
	return m.simpleCommand(handle, uci.StateActive,
		func(ctx context.Context, chip uci.ChipID, id uint32) (uci.StatusCode, error) {
			return m.transport.StopRanging(ctx, chip, id)
		},
		func(sess *UwbSession, status uci.StatusCode) {
			m.callbacks.OnRangingStopFailed(sess.handle, status)
		},
		stopWaitTimeout,
	)
}

// stopWaitTimeout scales the stop-wait timeout to tolerate long beacon
// periods (spec.md §4.1 "Start/stop algorithm": "max(defaultTimeout,
// 2 × currentRangingIntervalMs)").
func stopWaitTimeout(sess *UwbSession) time.Duration {
	scaled := time.Duration(2*sess.rangingIntervalMs) * time.Millisecond
	if scaled > rangingSessionStopThresholdMs {
		return scaled
	}
	return rangingSessionStopThresholdMs
}

// simpleCommand is the shared shape for operations that require a session
// in a specific state, issue one native call on the executor, and report a
// failure via a caller-supplied callback — success is always reported from
// applyNotification once the chip's state-change notification lands, never
// from here. The notification wait itself is bounded by timeoutFor(sess);
// onFail also serves as the timeout failure path (spec.md §4.1, §7
// "Timeouts").
func (m *Manager) simpleCommand(
	handle callbacks.Handle,
	requiredState uci.State,
	call func(ctx context.Context, chip uci.ChipID, id uint32) (uci.StatusCode, error),
	onFail func(sess *UwbSession, status uci.StatusCode),
	timeoutFor func(sess *UwbSession) time.Duration,
) error {
	var outErr error

	m.exec(func(m *Manager) {
		sess, ok := m.byHandle[handle]
		if !ok {
			outErr = ErrSessionNotFound
			return
		}
		if sess.state != requiredState {
			outErr = ErrInvalidState
			return
		}

		chip, id := sess.chip, sess.sessionID
		m.armOpTimeout(sess, timeoutFor(sess), func(m *Manager, sess *UwbSession) {
			onFail(sess, uci.StatusTimeout)
		})
		m.executor.submit(func(ctx context.Context) {
			status, err := call(ctx, chip, id)
			m.exec(func(m *Manager) {
				sess, ok := m.sessions[id]
				if !ok {
					return
				}
				if err != nil || !status.OK() {
					m.cancelOpTimeout(sess)
					onFail(sess, status)
				}
			})
		})
	})

	return outErr
}

// -------------------------------------------------------------------------
// CloseSession
// -------------------------------------------------------------------------

// CloseSession issues deInitSession, tearing the session down regardless of
// its current state (spec.md §4.1 "Close").
func (m *Manager) CloseSession(handle callbacks.Handle) error {
	var outErr error

	m.exec(func(m *Manager) {
		sess, ok := m.byHandle[handle]
		if !ok {
			outErr = ErrSessionNotFound
			return
		}

		chip, id := sess.chip, sess.sessionID
		m.armOpTimeout(sess, rangingSessionCloseThresholdMs, closeAwaitTimedOut)
		m.executor.submit(func(ctx context.Context) {
			status, err := m.transport.DeInitSession(ctx, chip, id)
			m.exec(func(m *Manager) {
				sess, ok := m.sessions[id]
				if !ok {
					return
				}
				if err != nil || !status.OK() {
					m.cancelOpTimeout(sess)
					m.callbacks.OnRangingClosed(sess.handle, status)
					return
				}
				// Normal teardown completes from applyNotification once
				// Deinit lands; forgetSession runs there.
			})
		})
	})

	return outErr
}

// -------------------------------------------------------------------------
// Reconfigure — multicast list update
// -------------------------------------------------------------------------

// Reconfigure adds and/or removes controlees from an Active or Idle
// multicast session (spec.md §4.1 "Reconfigure").
func (m *Manager) Reconfigure(handle callbacks.Handle, adds []uci.MulticastEntry, removes []uint16) error {
	var outErr error

	m.exec(func(m *Manager) {
		sess, ok := m.byHandle[handle]
		if !ok {
			outErr = ErrSessionNotFound
			return
		}
		if sess.state != uci.StateIdle && sess.state != uci.StateActive {
			outErr = ErrInvalidState
			return
		}

		chip, id := sess.chip, sess.sessionID

		if len(adds) > 0 {
			for _, e := range adds {
				sess.pendingMulticast[e.Address] = pendingMulticastOp{
					action: uci.MulticastAdd,
					entry:  controlee{address: e.Address, subSessionID: e.SubSessionID},
				}
			}
			m.executor.submit(func(ctx context.Context) {
				status, err := m.transport.ControllerMulticastListUpdate(ctx, chip, id, uci.MulticastAdd, adds)
				m.postMulticastResult(id, status, err)
			})
		}
		if len(removes) > 0 {
			entries := make([]uci.MulticastEntry, len(removes))
			for i, addr := range removes {
				entries[i] = uci.MulticastEntry{Address: addr}
				sess.pendingMulticast[addr] = pendingMulticastOp{
					action: uci.MulticastDelete,
					entry:  controlee{address: addr},
				}
			}
			m.executor.submit(func(ctx context.Context) {
				status, err := m.transport.ControllerMulticastListUpdate(ctx, chip, id, uci.MulticastDelete, entries)
				m.postMulticastResult(id, status, err)
			})
		}
	})

	return outErr
}

// ControleeAddresses returns handle's current multicast-list member
// addresses in insertion order (spec.md §8 Scenario 3
// "getControleeList()").
func (m *Manager) ControleeAddresses(handle callbacks.Handle) ([]uint16, error) {
	var (
		out    []uint16
		outErr error
	)
	m.exec(func(m *Manager) {
		sess, ok := m.byHandle[handle]
		if !ok {
			outErr = ErrSessionNotFound
			return
		}
		out = sess.controleeAddresses()
	})
	return out, outErr
}

func (m *Manager) postMulticastResult(id uint32, status uci.StatusCode, err error) {
	m.exec(func(m *Manager) {
		sess, ok := m.sessions[id]
		if !ok {
			return
		}
		if err != nil || !status.OK() {
			m.callbacks.OnRangingReconfigureFailed(sess.handle, status)
		}
		// Per-controlee outcomes arrive via
		// OnMulticastListUpdateNotificationReceived and are applied there.
	})
}

// -------------------------------------------------------------------------
// SendData
// -------------------------------------------------------------------------

// SendData transmits an application-data payload to a ranging peer over the
// session's data channel (spec.md §4.1 "Data send"). Only valid while the
// session is Active.
func (m *Manager) SendData(handle callbacks.Handle, remoteAddr [8]byte, dst uci.Endpoint, payload []byte) error {
	var outErr error

	m.exec(func(m *Manager) {
		sess, ok := m.byHandle[handle]
		if !ok {
			outErr = ErrSessionNotFound
			return
		}
		if sess.state != uci.StateActive {
			outErr = ErrInvalidState
			return
		}

		seq := sess.nextDataSeq()
		chip, id, macMode := sess.chip, sess.sessionID, sess.macAddressMode

		m.executor.submit(func(ctx context.Context) {
			status, err := m.transport.SendData(ctx, chip, id, remoteAddr, dst, seq, payload)
			m.exec(func(m *Manager) {
				sess, ok := m.sessions[id]
				if !ok {
					return
				}
				remoteU64 := macAddrToUint64(remoteAddr, macMode)
				if err != nil || !status.OK() {
					m.callbacks.OnDataSendFailed(sess.handle, remoteU64, status)
					return
				}
				m.callbacks.OnDataSent(sess.handle, remoteU64)
			})
		})
	})

	return outErr
}

func macAddrToUint64(addr [8]byte, mode uci.MacAddressMode) uint64 {
	if mode == uci.MacAddressShort {
		return uint64(addr[0])<<8 | uint64(addr[1])
	}
	var v uint64
	for _, b := range addr {
		v = v<<8 | uint64(b)
	}
	return v
}

// -------------------------------------------------------------------------
// Foreground/background policy
// -------------------------------------------------------------------------

// OnAppImportanceChanged applies the foreground/background ranging policy
// to every live session attributed to uid (spec.md §4.1
// "Foreground/background policy", §8 Scenario 5): entering background
// immediately forces rangeDataNtfConfig=DISABLE and arms a 120s alarm that
// stops the session with reason SystemPolicy if the app has not returned to
// the foreground by the time it fires; returning to the foreground restores
// the session's original notification config and cancels any pending alarm.
func (m *Manager) OnAppImportanceChanged(uid uint32, foreground bool) {
	m.exec(func(m *Manager) {
		for _, sess := range m.byUID[uid] {
			m.applyImportanceChange(sess, foreground)
		}
	})
}

func (m *Manager) applyImportanceChange(sess *UwbSession, foreground bool) {
	if sess.hasNonPrivilegedFgApp == foreground {
		return
	}
	sess.hasNonPrivilegedFgApp = foreground

	if sess.fgPolicyTimer != nil {
		sess.fgPolicyTimer.Stop()
		sess.fgPolicyTimer = nil
		sess.fgPolicyDeadline = time.Time{}
	}

	if foreground {
		if sess.origRangeDataNtfConfig != nil {
			m.submitAppConfig(sess, sess.origRangeDataNtfConfig)
		}
		return
	}

	m.submitAppConfig(sess, []uci.ConfigParam{
		{ID: uci.ParamRangeDataNtfConfig, Value: []byte{uci.RangeDataNtfDisable}},
	})

	chip, id := sess.chip, sess.sessionID
	sess.fgPolicyDeadline = time.Now().Add(defaultFgPolicyWindow)
	sess.fgPolicyTimer = time.AfterFunc(defaultFgPolicyWindow, func() {
		m.exec(func(m *Manager) {
			s, ok := m.sessions[id]
			if !ok || s.hasNonPrivilegedFgApp {
				return
			}
			s.fgPolicyTimer = nil
			s.fgPolicyDeadline = time.Time{}
			s.pendingPolicyStop = true
			m.executor.submit(func(ctx context.Context) {
				status, err := m.transport.StopRanging(ctx, chip, id)
				_ = status
				_ = err
			})
			m.callbacks.OnRangingStopped(s.handle, callbacks.ReasonSystemPolicy)
		})
	})
}

// submitAppConfig issues setAppConfigurations on the executor without
// waiting for a reply; failures are not surfaced to the client, mirroring
// the fire-and-forget reconfigure the upstream platform policy issues
// (spec.md §4.1 "Foreground/background policy" names no failure callback).
func (m *Manager) submitAppConfig(sess *UwbSession, params []uci.ConfigParam) {
	chip, id := sess.chip, sess.sessionID
	m.executor.submit(func(ctx context.Context) {
		status, err := m.transport.SetAppConfigurations(ctx, chip, id, params)
		_ = status
		_ = err
	})
}

// -------------------------------------------------------------------------
// Snapshot — read-only session listing
// -------------------------------------------------------------------------

// Sessions returns a point-in-time snapshot of all open sessions (mirrors
// the teacher's Manager.Sessions()).
func (m *Manager) Sessions() []Snapshot {
	var out []Snapshot
	m.exec(func(m *Manager) {
		out = make([]Snapshot, 0, len(m.sessions))
		for _, sess := range m.sessions {
			out = append(out, sess.snapshot())
		}
	})
	return out
}

// -------------------------------------------------------------------------
// Lifecycle
// -------------------------------------------------------------------------

// Close stops the event loop and the native executor. After Close returns,
// all further calls are no-ops; in-flight native calls are not waited on.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		close(m.stopCh)
		<-m.doneCh
		for _, sess := range m.sessions {
			if sess.fgPolicyTimer != nil {
				sess.fgPolicyTimer.Stop()
			}
			if sess.opTimer != nil {
				sess.opTimer.Stop()
			}
		}
		m.executor.close()
	})
}

var _ uci.Listener = (*Manager)(nil)

// -------------------------------------------------------------------------
// uci.Listener implementation — native notification ingestion
// -------------------------------------------------------------------------

// OnSessionStatusNotificationReceived applies the FSM transition table
// (file fsm.go) to the reported state and fires the corresponding client
// callback. Every session-state transition in the system flows through
// here, whether triggered by a client command or the device acting on its
// own (spec.md §4.2).
func (m *Manager) OnSessionStatusNotificationReceived(chip uci.ChipID, id uint32, state uci.State, reason uci.ReasonCode) {
	m.exec(func(m *Manager) {
		sess, ok := m.sessions[id]
		if !ok {
			return
		}

		result := Apply(sess.state, state, reason)
		if !result.Valid {
			m.logger.Warn("rejected illegal session state transition",
				slog.Uint64("session_id", uint64(id)),
				slog.String("from", sess.state.String()),
				slog.String("notified", state.String()),
			)
			return
		}

		old := sess.state
		sess.state = result.NewState
		sess.lastStateChange = time.Now()
		if result.Changed {
			m.metrics.RecordStateTransition(old, result.NewState)
		}

		for _, action := range result.Actions {
			m.applyAction(sess, action, reason)
		}
	})
}

func (m *Manager) applyAction(sess *UwbSession, action Action, reason uci.ReasonCode) {
	// Every action reaching here corresponds to a real terminal transition
	// for whatever native command is currently in flight (spec.md §5 "at
	// most one in-flight native command"): the notification just arrived,
	// so its deadline timer no longer applies.
	m.cancelOpTimeout(sess)

	switch action {
	case ActionNotifyOpened:
		m.callbacks.OnRangingOpened(sess.handle)
	case ActionNotifyStarted:
		m.callbacks.OnRangingStarted(sess.handle)
	case ActionNotifyStoppedManagement:
		if sess.pendingPolicyStop {
			sess.pendingPolicyStop = false
			return
		}
		m.callbacks.OnRangingStopped(sess.handle, callbacks.ReasonLocalAPI)
	case ActionNotifyStoppedUnsolicited:
		m.callbacks.OnRangingStopped(sess.handle, mapUnsolicitedReason(reason))
	case ActionScheduleCleanup:
		m.callbacks.OnRangingClosed(sess.handle, uci.StatusOK)
		m.forgetSession(sess)
	case ActionNotifyError:
		m.callbacks.OnRangingClosedWithReason(sess.handle, callbacks.ReasonSystemPolicy)
		m.forgetSession(sess)
	}
}

func mapUnsolicitedReason(reason uci.ReasonCode) callbacks.ReasonCode {
	if reason == uci.ReasonMaxRangingRoundRetryCountReached {
		return callbacks.ReasonMaxRangingRoundRetryReached
	}
	return callbacks.ReasonSystemPolicy
}

// OnRangeDataNotificationReceived classifies the round (spec.md §4.1
// "RangingData / processing"), updates the error-streak counter, and
// forwards the measurement set to the client.
func (m *Manager) OnRangeDataNotificationReceived(chip uci.ChipID, n uci.RangeDataNotification) {
	m.exec(func(m *Manager) {
		sess, ok := m.sessions[n.SessionID]
		if !ok {
			return
		}
		sess.macAddressMode = n.MacAddressMode

		hadError := false
		for _, meas := range n.Measurements {
			if meas.Status == uci.RangingMeasurementError {
				hadError = true
			}
		}
		if hadError {
			m.metrics.RecordRangingError()
		}

		if sess.recordRoundOutcome(hadError, sess.rangingIntervalMs) {
			chip, id := sess.chip, sess.sessionID
			m.executor.submit(func(ctx context.Context) {
				status, err := m.transport.StopRanging(ctx, chip, id)
				_ = status
				_ = err
			})
			return
		}

		if n.RoundUsage == uci.RoundUsageOWRAoA {
			m.deliverPointedTargetData(sess, n.Measurements)
		}

		measurements := orderByPointedTarget(n.Measurements)
		m.callbacks.OnRangingResult(sess.handle, callbacks.RangingResult{
			SessionID:    n.SessionID,
			Measurements: measurements,
		})
	})
}

// deliverPointedTargetData drains and delivers, in sequence-number order,
// any application-data payloads buffered for a remote this notification
// confirms as the OWR-AoA pointed target, then forgets that remote's
// advertiser state (spec.md §4.1 "OWR-AoA data delivery").
func (m *Manager) deliverPointedTargetData(sess *UwbSession, measurements []uci.RangingMeasurement) {
	for _, meas := range measurements {
		if !meas.IsPointedTarget {
			continue
		}
		for _, payload := range sess.drainReceivedData(meas.MacAddress) {
			m.callbacks.OnDataReceived(sess.handle, meas.MacAddress, nil, payload)
		}
	}
}

// orderByPointedTarget delivers OWR-AoA measurements with a pointed-target
// flag ahead of the rest, preserving relative order within each group
// (spec.md §4.1 "OWR-AoA data delivery": pointed targets are drained to the
// client before other destinations in the same notification).
func orderByPointedTarget(in []uci.RangingMeasurement) []uci.RangingMeasurement {
	out := make([]uci.RangingMeasurement, 0, len(in))
	for _, meas := range in {
		if meas.IsPointedTarget {
			out = append(out, meas)
		}
	}
	for _, meas := range in {
		if !meas.IsPointedTarget {
			out = append(out, meas)
		}
	}
	return out
}

// OnDataReceived buffers an inbound application-data packet against its
// sender, deduping retransmitted sequence numbers (spec.md §4.1 "Data
// receive (UCI notification)"). Delivery to the client happens later, when
// a range-data notification confirms the sender as the OWR-AoA pointed
// target (deliverPointedTargetData).
func (m *Manager) OnDataReceived(chip uci.ChipID, p uci.DataPacket) {
	m.exec(func(m *Manager) {
		sess, ok := m.sessions[p.SessionID]
		if !ok {
			return
		}
		remoteU64 := macAddrToUint64(p.RemoteAddr, sess.macAddressMode)
		sess.bufferData(remoteU64, p.SequenceNum, p.Payload)
	})
}

// OnMulticastListUpdateNotificationReceived applies per-controlee reconfigure
// outcomes: a successful add/remove updates the controlee list and fires the
// matching per-controlee callback; any failure among the batch also fires a
// final onRangingReconfigureFailed, mirroring a partial multicast-list
// update (spec.md §4.1 "Reconfigure", §8 Scenario 3).
func (m *Manager) OnMulticastListUpdateNotificationReceived(chip uci.ChipID, sessionID uint32, results []uci.MulticastResult) {
	m.exec(func(m *Manager) {
		sess, ok := m.sessions[sessionID]
		if !ok {
			return
		}
		anyFailed := false
		for _, r := range results {
			op, tracked := sess.pendingMulticast[r.Address]
			delete(sess.pendingMulticast, r.Address)
			entry := controlee{address: r.Address, subSessionID: op.entry.subSessionID}

			if tracked && op.action == uci.MulticastDelete {
				switch r.Status {
				case uci.MulticastStatusOK:
					sess.removeControlee(r.Address)
					m.callbacks.OnControleeRemoved(sess.handle, r.Address)
				case uci.MulticastStatusFail:
					anyFailed = true
					m.callbacks.OnControleeRemoveFailed(sess.handle, r.Address, uci.StatusFailed)
				}
				continue
			}

			switch r.Status {
			case uci.MulticastStatusOK:
				sess.addControlee(entry)
				m.callbacks.OnControleeAdded(sess.handle, r.Address)
			case uci.MulticastStatusFail:
				anyFailed = true
				m.callbacks.OnControleeAddFailed(sess.handle, r.Address, uci.StatusFailed)
			}
		}
		if anyFailed {
			m.callbacks.OnRangingReconfigureFailed(sess.handle, uci.StatusFailed)
		}
	})
}
