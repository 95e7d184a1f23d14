// Package securesession implements SecureSession, the Dynamic-STS RDS
// provisioning dialog layered over a FiRaSecureChannel (spec.md §4.4). Four
// concrete combinations of role (Initiator/Responder) and party
// (Controller/Controlee) share this single implementation, the way
// spec.md §9 calls for ("deep inheritance ... maps to a tagged variant for
// role+party plus a small strategy interface"): each decision point
// switches on role/party rather than dispatching through a subclass.
//
// Like package fira, a Session owns a single-threaded work loop (spec.md
// §5) driven by the FiRaSecureChannel's callbacks; state is touched only
// from that loop.
package securesession

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rs/xid"

	"github.com/uwbplatform/uwbd/internal/apdu"
	"github.com/uwbplatform/uwbd/internal/csml"
	"github.com/uwbplatform/uwbd/internal/fira"
	"github.com/uwbplatform/uwbd/internal/tlv"
)

// Party distinguishes the Controller and Controlee roles of spec.md §4.4.
type Party uint8

const (
	PartyController Party = iota
	PartyControlee
)

func (p Party) String() string {
	if p == PartyController {
		return "Controller"
	}
	return "Controlee"
}

// MessageID identifies one step of the Initiator's tunneled command
// pipeline (spec.md §4.4 "Initiator loop").
type MessageID uint8

const (
	MsgGetControleeInfo MessageID = iota
	MsgPutControleeInfo
	MsgGetSessionData
	MsgPutSessionData
)

func (id MessageID) String() string {
	switch id {
	case MsgGetControleeInfo:
		return "GetControleeInfo"
	case MsgPutControleeInfo:
		return "PutControleeInfo"
	case MsgGetSessionData:
		return "GetSessionData"
	case MsgPutSessionData:
		return "PutSessionData"
	default:
		return "Unknown"
	}
}

const (
	tunnelTimeout     = 2 * time.Second
	notAvailableRetry = 100 * time.Millisecond
)

// Callbacks is the host-facing surface a Session reports through (spec.md
// §4.4, §9 "cyclic callbacks ... replaced by explicit message passing").
type Callbacks interface {
	// OnSessionDataReady delivers the provisioned session data once the
	// RDS handshake completes (spec.md §8 scenario 6).
	OnSessionDataReady(sessionID uint32, sessionData []byte, isTerminated bool)

	// OnAborted reports a fatal setup error; the surrounding session must
	// be discarded (spec.md §7).
	OnAborted(detail string)
}

// ErrAlreadyTerminated is returned by Terminate when called more than once.
var ErrAlreadyTerminated = errors.New("securesession: already terminated")

// Config parameterizes one Session (spec.md §4.4).
type Config struct {
	// ControleeInfo is sent by a Controlee-Initiator via PutControleeInfo.
	ControleeInfo []byte
}

// command is one unit of work for the Session's work loop, mirroring
// package uwb's Manager.exec pattern.
type command struct {
	run  func()
	done chan struct{}
}

// pendingTunnel is one in-flight tunneled request awaiting a reply,
// consumed FIFO (spec.md §4.4 "each tunnel send enqueues a pending request
// with a 2-second timeout; the reply is consumed FIFO").
type pendingTunnel struct {
	kind  MessageID
	timer *time.Timer
}

// Session is one concrete {Controller,Controlee} x {Initiator,Responder}
// Dynamic-STS session (spec.md §4.4), driving a single owned
// FiRaSecureChannel through tunneled and local SE commands.
type Session struct {
	// corrID tags every log line this Session emits, so a multi-step
	// tunneled handshake can be followed through logs independent of the
	// eventually-adopted UWB session id (which may not exist yet when
	// the earliest log lines are written).
	corrID xid.ID

	role   fira.Role
	party  Party
	ch     *fira.Channel
	cb     Callbacks
	logger *slog.Logger

	cmdCh  chan command
	stopCh chan struct{}
	doneCh chan struct{}

	closeOnce sync.Once

	// State below is touched only from the work loop.
	uniqueSessionID *uint32
	isDefaultSessID bool
	sessionData     []byte
	controleeInfo   []byte
	terminated      bool
	pending         []*pendingTunnel
}

var _ fira.Callbacks = (*Session)(nil)

const commandQueueSize = 8

// New constructs a Session bound to an already-constructed FiRaSecureChannel
// (the Session does not own the channel's lifecycle beyond Terminate's
// cleanup call). The caller must arrange for ch.Start to have been called,
// or call it before the channel is used.
func New(role fira.Role, party Party, ch *fira.Channel, cfg Config, cb Callbacks, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	corrID := xid.New()
	logger = logger.With(slog.String("secure_session", corrID.String()), slog.String("party", party.String()))
	s := &Session{
		corrID:        corrID,
		role:          role,
		party:         party,
		ch:            ch,
		cb:            cb,
		logger:        logger,
		controleeInfo: cfg.ControleeInfo,
		cmdCh:         make(chan command, commandQueueSize),
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *Session) run() {
	defer close(s.doneCh)
	for {
		select {
		case cmd := <-s.cmdCh:
			cmd.run()
			if cmd.done != nil {
				close(cmd.done)
			}
		case <-s.stopCh:
			return
		}
	}
}

// exec submits fn to the work loop and blocks until it has run. Used by
// methods called from outside both this Session's and its Channel's loop
// (e.g. Terminate, SessionID).
func (s *Session) exec(fn func()) {
	cmd := command{run: fn, done: make(chan struct{})}
	select {
	case s.cmdCh <- cmd:
	case <-s.stopCh:
		return
	}
	select {
	case <-cmd.done:
	case <-s.stopCh:
	}
}

// post submits fn without waiting for completion (spec.md §5 "Client
// callbacks are invoked on the event loop; they must be non-blocking").
// Used by every fira.Callbacks method, since those run synchronously on
// the owned Channel's own work-loop goroutine: blocking there for this
// Session's loop to finish would deadlock the moment the submitted work
// calls back into the same Channel (e.g. a tunnel send following
// channel establishment). The queue is sized generously for this
// pipeline's inherent one-in-flight depth; overflow is logged and
// dropped rather than risking a reentrant block.
func (s *Session) post(fn func()) {
	select {
	case s.cmdCh <- command{run: fn}:
	default:
		s.logger.Warn("secure session command queue full, dropping event")
	}
}

// Close stops the Session's work loop without touching the SE channel; use
// Terminate for a full, protocol-correct shutdown.
func (s *Session) Close() {
	s.closeOnce.Do(func() { close(s.stopCh) })
}

// Role and Party report this Session's static role/party assignment.
func (s *Session) Role() fira.Role { return s.role }
func (s *Session) Party() Party    { return s.party }

// SessionID returns the adopted unique session id, if one has been
// established yet.
func (s *Session) SessionID() (uint32, bool) {
	var id uint32
	var ok bool
	s.exec(func() {
		if s.uniqueSessionID != nil {
			id, ok = *s.uniqueSessionID, true
		}
	})
	return id, ok
}

// Terminate tunnels a terminate-session DO to the peer (Initiator only,
// spec.md §4.4 "Termination") then tears down the owned channel. Responder
// sessions terminate locally only. Safe to call more than once; subsequent
// calls return ErrAlreadyTerminated.
func (s *Session) Terminate(ctx context.Context) error {
	var err error
	s.exec(func() {
		if s.terminated {
			err = ErrAlreadyTerminated
			return
		}
		if s.role == fira.RoleInitiator {
			id := s.resolvedSessionID()
			payload := csml.EncodeTerminateSession(id)
			if tErr := s.ch.TunnelToRemoteDevice(ctx, payload); tErr != nil {
				s.logger.Warn("terminate-session tunnel failed", slog.Any("error", tErr))
			}
		}
		s.terminated = true
		err = s.ch.Cleanup(ctx)
	})
	return err
}

// -------------------------------------------------------------------------
// fira.Callbacks implementation — invoked from the owned Channel's own
// work-loop goroutine; every handler hops onto this Session's loop via the
// non-blocking post, since a handler (e.g. handleEstablished) may turn
// around and call back into the same Channel, which cannot make progress
// until its own loop has returned from this very callback invocation.
// -------------------------------------------------------------------------

func (s *Session) OnAdfSelected() {}

func (s *Session) OnEstablished(defaultSessionID *uint32) {
	s.post(func() { s.handleEstablished(defaultSessionID) })
}

func (s *Session) OnAborted(kind fira.ErrorKind, detail string) {
	s.post(func() { s.abort(fmt.Sprintf("%s: %s", kind, detail)) })
}

// OnHostData reports host-directed bytes for visibility only: the pipeline
// itself correlates tunnel replies through OnDispatchResponse, which
// carries the same payload alongside any accompanying notification in one
// shot, avoiding a race between two independently-timed callbacks.
func (s *Session) OnHostData(payload []byte) {
	s.logger.Debug("host data observed outside pipeline correlation", slog.Int("len", len(payload)))
}

func (s *Session) OnDispatchResponse(dr csml.DispatchResponse) {
	s.post(func() { s.handleDispatchResponse(dr) })
}

// -------------------------------------------------------------------------
// Work-loop logic
// -------------------------------------------------------------------------

func (s *Session) handleEstablished(defaultSessionID *uint32) {
	// Session-id policy (spec.md §4.4): adopt the SE-supplied default id
	// if one was offered.
	if defaultSessionID != nil && *defaultSessionID != 0 {
		id := *defaultSessionID
		s.uniqueSessionID = &id
		s.isDefaultSessID = true
	}

	if s.role != fira.RoleInitiator {
		return
	}

	switch s.party {
	case PartyController:
		s.sendTunnel(MsgGetControleeInfo)
	case PartyControlee:
		s.sendTunnel(MsgPutControleeInfo)
	}
}

func (s *Session) handleDispatchResponse(dr csml.DispatchResponse) {
	if s.terminated {
		return
	}

	var rds, ctlInfo *csml.Notification
	for i := range dr.Notifications {
		switch dr.Notifications[i].Kind {
		case csml.NotifRdsAvailable:
			rds = &dr.Notifications[i]
		case csml.NotifControleeInfoAvailable:
			ctlInfo = &dr.Notifications[i]
		case csml.NotifSecureSessionAborted:
			s.abort("secure session aborted by peer")
			return
		}
	}

	var hostPayload []byte
	if dr.Outbound != nil && dr.Outbound.Target == csml.TargetHost {
		hostPayload = dr.Outbound.Bytes
	}

	// Responder loop (spec.md §4.4 "Responder loop"): these notifications
	// drive the Responder directly and are never queued as pending
	// tunnel replies.
	if ctlInfo != nil && s.role == fira.RoleResponder && s.party == PartyController {
		s.handleControleeInfoAvailable(ctlInfo.ArbitraryData)
		return
	}
	if rds != nil && s.role == fira.RoleResponder && s.party == PartyControlee {
		s.handleRdsAvailableResponder(rds)
		return
	}

	// Initiator loop: resolve the head of the pending-tunnel FIFO.
	pt := s.popHead()
	if pt == nil {
		if rds != nil {
			s.deliverRds(rds)
		}
		return
	}

	switch pt.kind {
	case MsgGetControleeInfo:
		info := hostPayload
		if info == nil && ctlInfo != nil {
			info = ctlInfo.ArbitraryData
		}
		s.onControleeInfoReceived(info)
	case MsgPutControleeInfo:
		s.sendTunnel(MsgGetSessionData)
	case MsgGetSessionData:
		s.onSessionDataReceived(hostPayload, rds)
	case MsgPutSessionData:
		s.onSessionDataPutAck(rds)
	}
}

// onControleeInfoReceived is the Controller-Initiator's step after
// GetControleeInfo replies (spec.md §4.4 "(validate Controlee Info DO) →
// generateSessionData → PutSessionData").
func (s *Session) onControleeInfoReceived(info []byte) {
	if len(info) == 0 {
		s.abort("controlee info missing from reply")
		return
	}
	s.controleeInfo = info
	s.sessionData = s.generateSessionData()
	s.sendTunnel(MsgPutSessionData)
}

// onSessionDataPutAck is the Controller-Initiator's step after
// PutSessionData replies: an accompanying RdsAvailable notification bound
// to the unique session id completes the handshake; its absence means the
// applet did not push the RDS to SUS, requiring a local fallback push
// (spec.md §4.4).
func (s *Session) onSessionDataPutAck(rds *csml.Notification) {
	if rds != nil {
		s.deliverRds(rds)
		return
	}
	resp, err := s.ch.SendLocalCommandApdu(context.Background(), csml.BuildPutSessionData(s.sessionData))
	if err != nil || !resp.SW.IsSuccess() {
		s.abort(fmt.Sprintf("local session data push failed: %v", statusErr(resp, err)))
		return
	}
	s.deliverReady(s.resolvedSessionID(), s.sessionData)
}

// onSessionDataReceived is the Controlee-Initiator's step after
// GetSessionData replies: empty payload with no notification means "not
// available", retried after 100 ms (spec.md §4.4).
func (s *Session) onSessionDataReceived(payload []byte, rds *csml.Notification) {
	if len(payload) == 0 && rds == nil {
		time.AfterFunc(notAvailableRetry, func() {
			s.exec(func() { s.sendTunnel(MsgGetSessionData) })
		})
		return
	}
	if len(payload) > 0 {
		s.sessionData = payload
	}
	s.adoptSessionIDFromData()

	if rds != nil {
		s.deliverRds(rds)
		return
	}

	// No RDS notification accompanied it: the controlee must push it to
	// its own local applet before reporting success (spec.md §4.4).
	resp, err := s.ch.SendLocalCommandApdu(context.Background(), csml.BuildPutSessionData(s.sessionData))
	if err != nil || !resp.SW.IsSuccess() {
		s.abort(fmt.Sprintf("local session data push failed: %v", statusErr(resp, err)))
		return
	}
	s.deliverReady(s.resolvedSessionID(), s.sessionData)
}

// handleControleeInfoAvailable is the Controller-Responder's reaction to
// ControleeInfoAvailable (spec.md §4.4 "Responder loop").
func (s *Session) handleControleeInfoAvailable(inline []byte) {
	info := inline
	if info == nil {
		resp, err := s.ch.SendLocalCommandApdu(context.Background(), csml.BuildGetControleeInfo())
		if err != nil {
			s.abort(fmt.Sprintf("get controlee info: %v", err))
			return
		}
		v, pErr := csml.ParseDOValue(resp, tlv.ControleeInfoDO)
		if pErr != nil {
			s.abort(pErr.Error())
			return
		}
		info = v
	}
	s.controleeInfo = info
	s.sessionData = s.generateSessionData()

	resp, err := s.ch.SendLocalCommandApdu(context.Background(), csml.BuildPutSessionData(s.sessionData))
	if err != nil || !resp.SW.IsSuccess() {
		s.abort(fmt.Sprintf("put session data: %v", statusErr(resp, err)))
		return
	}
	// Completion arrives asynchronously via a later RdsAvailable
	// notification, handled in handleDispatchResponse's pt==nil branch.
}

// handleRdsAvailableResponder is the Controlee-Responder's reaction to
// RdsAvailable (spec.md §4.4 "Responder loop").
func (s *Session) handleRdsAvailableResponder(rds *csml.Notification) {
	data := rds.ArbitraryData
	if data == nil {
		resp, err := s.ch.SendLocalCommandApdu(context.Background(), csml.BuildGetSessionData())
		if err != nil {
			s.abort(fmt.Sprintf("get session data: %v", err))
			return
		}
		v, pErr := csml.ParseDOValue(resp, tlv.SessionDataDO)
		if pErr != nil {
			s.abort(pErr.Error())
			return
		}
		data = v
	}
	s.sessionData = data
	s.adoptSessionIDFromData()
	s.deliverRds(rds)
}

// deliverRds applies the Session-id policy's final step: "a later RDS
// notification must match the adopted id; any mismatch is logged; for
// non-default cases the RDS id is authoritative" (spec.md §4.4).
func (s *Session) deliverRds(rds *csml.Notification) {
	id := rds.SessionID
	switch {
	case s.uniqueSessionID == nil:
		s.uniqueSessionID = &id
	case *s.uniqueSessionID != id:
		if s.isDefaultSessID {
			s.logger.Warn("rds session id mismatch against adopted default id",
				slog.Uint64("adopted", uint64(*s.uniqueSessionID)), slog.Uint64("rds", uint64(id)))
		} else {
			s.uniqueSessionID = &id
		}
	}

	data := s.sessionData
	if rds.ArbitraryData != nil {
		data = rds.ArbitraryData
		s.sessionData = data
	}
	s.deliverReady(*s.uniqueSessionID, data)
}

func (s *Session) deliverReady(id uint32, data []byte) {
	s.cb.OnSessionDataReady(id, data, s.terminated)
}

func (s *Session) abort(detail string) {
	if s.terminated {
		return
	}
	s.logger.Error("secure session aborted", slog.String("detail", detail))
	s.cb.OnAborted(detail)
}

// -------------------------------------------------------------------------
// Tunnel pipeline plumbing
// -------------------------------------------------------------------------

// sendTunnel enqueues a pending request then issues the tunnel command,
// applying the wire convention of a leading MessageID byte followed by any
// payload this message carries (spec.md §4.4 "Initiator loop").
func (s *Session) sendTunnel(kind MessageID) {
	pt := &pendingTunnel{kind: kind}
	pt.timer = time.AfterFunc(tunnelTimeout, func() {
		s.exec(func() { s.timeoutPending(pt) })
	})
	s.pending = append(s.pending, pt)

	var payload []byte
	switch kind {
	case MsgPutControleeInfo:
		payload = append([]byte{byte(kind)}, s.controleeInfo...)
	case MsgPutSessionData:
		payload = append([]byte{byte(kind)}, s.sessionData...)
	default:
		payload = []byte{byte(kind)}
	}

	ctx, cancel := context.WithTimeout(context.Background(), tunnelTimeout)
	defer cancel()
	if err := s.ch.TunnelToRemoteDevice(ctx, payload); err != nil {
		s.popPending(pt)
		s.abort(fmt.Sprintf("tunnel send of %s failed: %v", kind, err))
	}
}

func (s *Session) popHead() *pendingTunnel {
	if len(s.pending) == 0 {
		return nil
	}
	pt := s.pending[0]
	s.pending = s.pending[1:]
	pt.timer.Stop()
	return pt
}

func (s *Session) popPending(target *pendingTunnel) {
	for i, pt := range s.pending {
		if pt == target {
			pt.timer.Stop()
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			return
		}
	}
}

func (s *Session) timeoutPending(pt *pendingTunnel) {
	for i, p := range s.pending {
		if p == pt {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			s.abort(fmt.Sprintf("tunnel reply timeout waiting for %s", pt.kind))
			return
		}
	}
}

// -------------------------------------------------------------------------
// Session data / session id helpers
// -------------------------------------------------------------------------

// generateSessionData builds this Controller's Session Data blob, assigning
// a session id first if none has been adopted yet (spec.md §4.4
// "Session-id policy": "controllers generate a positive random 31-bit
// id"). The blob format here (a bare 4-byte big-endian id) is this
// implementation's own wire convention for the inter-applet Session Data
// DO content, which spec.md leaves to the FiRa CSML revision in use.
func (s *Session) generateSessionData() []byte {
	id := s.ensureSessionID()
	data := make([]byte, 4)
	binary.BigEndian.PutUint32(data, id)
	return data
}

func (s *Session) ensureSessionID() uint32 {
	if s.uniqueSessionID != nil {
		return *s.uniqueSessionID
	}
	id := randomPositive31BitID()
	s.uniqueSessionID = &id
	s.isDefaultSessID = false
	return id
}

// adoptSessionIDFromData is the Controlee's half of the session-id policy:
// "Controlees read theirs from the parsed Session Data."
func (s *Session) adoptSessionIDFromData() {
	if s.uniqueSessionID != nil || len(s.sessionData) < 4 {
		return
	}
	id := binary.BigEndian.Uint32(s.sessionData[:4])
	s.uniqueSessionID = &id
}

func (s *Session) resolvedSessionID() uint32 {
	if s.uniqueSessionID != nil {
		return *s.uniqueSessionID
	}
	return 0
}

func randomPositive31BitID() uint32 {
	var buf [4]byte
	_, _ = rand.Read(buf[:])
	id := binary.BigEndian.Uint32(buf[:]) & 0x7FFFFFFF
	if id == 0 {
		id = 1
	}
	return id
}

func statusErr(resp apdu.Response, err error) error {
	if err != nil {
		return err
	}
	return fmt.Errorf("status %v", resp.SW)
}
