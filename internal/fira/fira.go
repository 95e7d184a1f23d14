// Package fira implements FiRaSecureChannel, the setup and tunneling state
// machine that establishes a secure channel with a remote peer through a
// local SE applet (spec.md §4.3). Two role variants share one
// implementation: Initiator drives setup and may tunnel local commands to
// the remote peer; Responder waits for an inbound SELECT and never tunnels.
//
// Like the teacher's BFD Session, a FiRaSecureChannel owns a single-threaded
// work loop (spec.md §5 "Each FiRaSecureChannel/SecureSession has its own
// single-threaded work loop") and every mutation happens on that goroutine;
// callers communicate by posting messages, never by touching fields
// directly.
package fira

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/uwbplatform/uwbd/internal/apdu"
	"github.com/uwbplatform/uwbd/internal/csml"
	"github.com/uwbplatform/uwbd/internal/oob"
	"github.com/uwbplatform/uwbd/internal/se"
)

// Role distinguishes the Initiator and Responder variants (spec.md §4.3).
type Role uint8

const (
	RoleInitiator Role = iota
	RoleResponder
)

// Status is the channel's setup/lifecycle state (spec.md §4.3).
type Status uint8

const (
	StatusUninitialized Status = iota
	StatusInitialized
	StatusChannelOpened
	StatusAdfSelected
	StatusEstablished
	StatusTerminated
	StatusAbnormal
)

func (s Status) String() string {
	switch s {
	case StatusUninitialized:
		return "Uninitialized"
	case StatusInitialized:
		return "Initialized"
	case StatusChannelOpened:
		return "ChannelOpened"
	case StatusAdfSelected:
		return "AdfSelected"
	case StatusEstablished:
		return "Established"
	case StatusTerminated:
		return "Terminated"
	case StatusAbnormal:
		return "Abnormal"
	default:
		return "Unknown"
	}
}

// ErrorKind is the setup-error taxonomy of spec.md §4.3/§7.
type ErrorKind uint8

const (
	ErrKindInit ErrorKind = iota
	ErrKindSelectAdf
	ErrKindSwapInAdf
	ErrKindInitiateTransaction
	ErrKindOpenSEChannel
	ErrKindDispatch
)

func (k ErrorKind) String() string {
	switch k {
	case ErrKindInit:
		return "INIT"
	case ErrKindSelectAdf:
		return "SELECT_ADF"
	case ErrKindSwapInAdf:
		return "SWAP_IN_ADF"
	case ErrKindInitiateTransaction:
		return "INITIATE_TRANSACTION"
	case ErrKindOpenSEChannel:
		return "OPEN_SE_CHANNEL"
	case ErrKindDispatch:
		return "DISPATCH"
	default:
		return "UNKNOWN"
	}
}

// Callbacks is the narrow, non-cyclic surface a FiRaSecureChannel reports
// through (spec.md §9 "Cyclic callbacks ... replaced by explicit message
// passing"): the owning SecureSession implements this and holds the channel,
// never the reverse.
type Callbacks interface {
	OnAdfSelected()
	OnEstablished(defaultSessionID *uint32)
	OnAborted(kind ErrorKind, detail string)
	OnHostData(payload []byte)
	OnDispatchResponse(resp csml.DispatchResponse)
}

// Config parameterizes one channel's setup (spec.md §4.3).
type Config struct {
	// ADF OID to select once the channel is open.
	OID []byte

	// SwapInBlob, if non-nil, is a secure BLOB supplied by the profile for
	// dynamic-slot provisioning (spec.md "Swap-in ADF (dynamic slots only)").
	SwapInBlob []byte

	// PeerOIDs is the peer's selectable OID list, sent with
	// InitiateTransaction (Initiator only).
	PeerOIDs [][]byte

	// PrimarySessionID is the shared session id for multicast setups, sent
	// with InitiateTransaction when non-nil.
	PrimarySessionID *uint32
}

// message is one unit of work for the channel's work loop.
type message struct {
	kind    msgKind
	payload any
	reply   chan error
}

type msgKind uint8

const (
	msgInit msgKind = iota
	msgSelectAdf
	msgInitiateTransaction
	msgProcessRemoteBytes
	msgTunnelToRemote
	msgSendLocalCommand
	msgCleanup
)

// localCommandRequest/response carry sendLocalCommandApdu's input/output
// through the work loop.
type localCommandRequest struct {
	cmd apdu.Command
}

type localCommandReply struct {
	resp apdu.Response
	err  error
}

// Channel is one FiRaSecureChannel instance (spec.md §4.3).
type Channel struct {
	role   Role
	cfg    Config
	se     *se.Channel
	oob    oob.Transport
	cb     Callbacks
	logger *slog.Logger

	status Status
	slotID *uint8

	msgCh chan message
}

// NewChannel constructs a channel bound to an SE channel and an OOB
// transport. The caller must call Start before posting any message.
func NewChannel(role Role, cfg Config, seChannel *se.Channel, oobTransport oob.Transport, cb Callbacks, logger *slog.Logger) *Channel {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Channel{
		role:   role,
		cfg:    cfg,
		se:     seChannel,
		oob:    oobTransport,
		cb:     cb,
		logger: logger,
		status: StatusUninitialized,
		msgCh:  make(chan message, 16),
	}
	return c
}

// SetCallbacks rebinds the channel's callback sink. Exposed so a caller
// that must construct its Callbacks implementer from an already-built
// *Channel (e.g. a SecureSession, which tunnels through the very channel
// it reports on) can wire itself in after NewChannel returns. Must be
// called before Start; not safe for concurrent use with the work loop.
func (c *Channel) SetCallbacks(cb Callbacks) {
	c.cb = cb
}

// Start launches the channel's work loop and registers the OOB receiver.
// It does not call Init: the caller posts Init explicitly for either role.
// For a Responder, an inbound SELECT APDU after Init triggers ADF
// selection.
func (c *Channel) Start(ctx context.Context) {
	go c.run(ctx)
	c.oob.RegisterDataReceiver(func(data []byte) {
		c.post(msgProcessRemoteBytes, data)
	})
}

func (c *Channel) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-c.msgCh:
			if !ok {
				return
			}
			err := c.handle(ctx, msg)
			if msg.reply != nil {
				msg.reply <- err
			}
		}
	}
}

func (c *Channel) post(kind msgKind, payload any) {
	select {
	case c.msgCh <- message{kind: kind, payload: payload}:
	default:
		c.logger.Warn("fira channel message queue full, dropping message", slog.Any("kind", kind))
	}
}

func (c *Channel) postSync(ctx context.Context, kind msgKind, payload any) error {
	reply := make(chan error, 1)
	select {
	case c.msgCh <- message{kind: kind, payload: payload, reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Init opens the SE channel for either role. An Initiator then proceeds
// through swap-in-ADF and ADF selection; a Responder stops there and waits
// for an inbound SELECT (spec.md §4.3 "Init").
func (c *Channel) Init(ctx context.Context) error {
	return c.postSync(ctx, msgInit, nil)
}

// InitiateTransaction issues InitiateTransaction after a successful Select
// ADF (Initiator only, spec.md §4.3 "Select ADF").
func (c *Channel) InitiateTransaction(ctx context.Context) error {
	return c.postSync(ctx, msgInitiateTransaction, nil)
}

// TunnelToRemoteDevice issues a Tunnel command to the SE and forwards its
// outbound payload to the remote peer over OOB (Initiator only, spec.md
// §4.3 "Tunneling").
func (c *Channel) TunnelToRemoteDevice(ctx context.Context, payload []byte) error {
	if c.role != RoleInitiator {
		return errors.New("fira: tunneling is Initiator-only")
	}
	return c.postSync(ctx, msgTunnelToRemote, payload)
}

// SendLocalCommandApdu issues an APDU directly to the SE (spec.md §4.3
// "Local command").
func (c *Channel) SendLocalCommandApdu(ctx context.Context, cmd apdu.Command) (apdu.Response, error) {
	reply := make(chan error, 1)
	req := localCommandRequest{cmd: cmd}
	var out localCommandReply
	msg := message{kind: msgSendLocalCommand, payload: &localCmdExchange{req: req, out: &out}, reply: reply}
	select {
	case c.msgCh <- msg:
	case <-ctx.Done():
		return apdu.Response{}, ctx.Err()
	}
	select {
	case err := <-reply:
		if err != nil {
			return apdu.Response{}, err
		}
		return out.resp, out.err
	case <-ctx.Done():
		return apdu.Response{}, ctx.Err()
	}
}

type localCmdExchange struct {
	req localCommandRequest
	out *localCommandReply
}

// Cleanup terminates the channel (spec.md §4.3 "Termination").
func (c *Channel) Cleanup(ctx context.Context) error {
	return c.postSync(ctx, msgCleanup, nil)
}

// Status returns the current status. Safe to call from any goroutine only
// in the sense that it is read without synchronization by design choice:
// callers needing a consistent view should instead observe it via
// Callbacks, the same way session state is observed in package uwb.
func (c *Channel) Status() Status { return c.status }

// -------------------------------------------------------------------------
// Work-loop message handling
// -------------------------------------------------------------------------

func (c *Channel) handle(ctx context.Context, msg message) error {
	switch msg.kind {
	case msgInit:
		return c.handleInit(ctx)
	case msgSelectAdf:
		return c.handleSelectAdf(ctx)
	case msgInitiateTransaction:
		return c.handleInitiateTransaction(ctx)
	case msgProcessRemoteBytes:
		c.handleProcessRemoteBytes(ctx, msg.payload.([]byte))
		return nil
	case msgTunnelToRemote:
		return c.handleTunnel(ctx, msg.payload.([]byte))
	case msgSendLocalCommand:
		exch := msg.payload.(*localCmdExchange)
		resp, err := c.se.Transmit(ctx, exch.req.cmd)
		*exch.out = localCommandReply{resp: resp, err: err}
		return nil
	case msgCleanup:
		return c.handleCleanup(ctx)
	default:
		return fmt.Errorf("fira: unknown message kind %d", msg.kind)
	}
}

func (c *Channel) handleInit(ctx context.Context) error {
	if err := c.se.Open(ctx); err != nil {
		c.abort(ctx, ErrKindInit, err.Error())
		return err
	}
	c.status = StatusChannelOpened

	if c.role == RoleResponder {
		// Responder waits for an inbound SELECT detected via OOB; ADF
		// selection for a Responder happens reactively in
		// handleProcessRemoteBytes, not here.
		c.status = StatusInitialized
		return nil
	}

	if len(c.cfg.SwapInBlob) > 0 {
		if err := c.swapInAdf(ctx); err != nil {
			return err
		}
	}

	return c.handleSelectAdf(ctx)
}

func (c *Channel) swapInAdf(ctx context.Context) error {
	resp, err := c.se.Transmit(ctx, csml.BuildSwapInAdf(c.cfg.SwapInBlob, c.cfg.OID, nil))
	if err != nil || !resp.SW.IsSuccess() {
		c.abort(ctx, ErrKindSwapInAdf, statusDetail(resp, err))
		return fmt.Errorf("fira: swap-in ADF failed: %w", orStatusError(resp, err))
	}
	slotID, err := csml.ParseSwapInAdfResponse(resp)
	if err != nil {
		c.abort(ctx, ErrKindSwapInAdf, err.Error())
		return err
	}
	c.slotID = &slotID
	return nil
}

func (c *Channel) handleSelectAdf(ctx context.Context) error {
	resp, err := c.se.Transmit(ctx, csml.BuildSelectAdf(c.cfg.OID))
	if err != nil || !resp.SW.IsSuccess() {
		c.abort(ctx, ErrKindSelectAdf, statusDetail(resp, err))
		return fmt.Errorf("fira: select ADF failed: %w", orStatusError(resp, err))
	}
	c.status = StatusAdfSelected
	c.cb.OnAdfSelected()

	if c.role == RoleInitiator {
		return c.handleInitiateTransaction(ctx)
	}
	return nil
}

func (c *Channel) handleInitiateTransaction(ctx context.Context) error {
	resp, err := c.se.Transmit(ctx, csml.BuildInitiateTransaction(c.cfg.PeerOIDs, c.cfg.PrimarySessionID))
	if err != nil || !resp.SW.IsSuccess() {
		c.abort(ctx, ErrKindInitiateTransaction, statusDetail(resp, err))
		return fmt.Errorf("fira: initiate transaction failed: %w", orStatusError(resp, err))
	}
	return c.ingestDispatchResponse(ctx, resp)
}

// handleProcessRemoteBytes wraps inbound OOB/remote bytes as a Dispatch
// command, transmits to the SE, and routes the result (spec.md §4.3
// "Processing remote bytes").
func (c *Channel) handleProcessRemoteBytes(ctx context.Context, data []byte) {
	if c.status == StatusEstablished {
		// dispatchToSE routes through parseAndRoute, which already invokes
		// OnDispatchResponse once the channel is Established; calling it
		// again here would deliver every post-establishment notification
		// twice.
		if _, err := c.dispatchToSE(ctx, csml.BuildDispatch(data)); err != nil {
			return
		}
		return
	}

	if c.role == RoleResponder && c.status == StatusInitialized && looksLikeSelect(data) {
		c.status = StatusInitialized
		if err := c.handleSelectAdf(ctx); err != nil {
			return
		}
	}

	if _, err := c.dispatchToSE(ctx, csml.BuildDispatch(data)); err != nil {
		return
	}
}

// looksLikeSelect detects an inbound SELECT APDU by class/instruction/P1
// (spec.md §4.3 "Init": "for Responder, wait for an inbound SELECT APDU
// (detected by class/instruction/P1)").
func looksLikeSelect(data []byte) bool {
	const (
		selectCLA = 0x00
		selectINS = 0xA4
		selectP1  = 0x04
	)
	return len(data) >= 4 && data[0] == selectCLA && data[1] == selectINS && data[2] == selectP1
}

func (c *Channel) dispatchToSE(ctx context.Context, cmd apdu.Command) (csml.DispatchResponse, error) {
	resp, err := c.se.Transmit(ctx, cmd)
	if err != nil || !resp.SW.IsSuccess() {
		c.abort(ctx, ErrKindDispatch, statusDetail(resp, err))
		return csml.DispatchResponse{}, orStatusError(resp, err)
	}
	return c.parseAndRoute(ctx, resp)
}

func (c *Channel) ingestDispatchResponse(ctx context.Context, resp apdu.Response) error {
	dr, err := c.parseAndRoute(ctx, resp)
	if err != nil {
		return err
	}
	if dr.Status == csml.StatusWithError {
		c.abort(ctx, ErrKindDispatch, "dispatch response reported error status")
		return errors.New("fira: dispatch response reported error")
	}
	return nil
}

// parseAndRoute parses a DispatchResponse, advances the channel's own
// setup status on AdfSelected/SecureChannelEstablished/SecureSessionAborted
// notifications, and otherwise forwards outbound/host data (spec.md §4.3).
// The response is passed to OnDispatchResponse only if the channel was
// already Established before it arrived; the response that establishes the
// channel is not forwarded.
func (c *Channel) parseAndRoute(ctx context.Context, resp apdu.Response) (csml.DispatchResponse, error) {
	wasEstablished := c.status == StatusEstablished
	dr, err := csml.ParseDispatchResponse(resp)
	if err != nil {
		c.abort(ctx, ErrKindDispatch, err.Error())
		return csml.DispatchResponse{}, err
	}

	for _, n := range dr.Notifications {
		switch n.Kind {
		case csml.NotifAdfSelected:
			c.status = StatusAdfSelected
			c.cb.OnAdfSelected()
		case csml.NotifSecureChannelEstablished:
			c.status = StatusEstablished
			c.cb.OnEstablished(n.DefaultSessionID)
		case csml.NotifSecureSessionAborted:
			c.abort(ctx, ErrKindDispatch, "secure session aborted by peer")
		}
	}

	if dr.Outbound != nil {
		switch dr.Outbound.Target {
		case csml.TargetRemote:
			if err := c.oob.SendData(ctx, dr.Outbound.Bytes, nil); err != nil {
				c.logger.Warn("OOB send failed", slog.Any("error", err))
			}
		case csml.TargetHost:
			if c.status != StatusEstablished {
				// Data to host during setup is ignored (spec.md §7
				// Propagation policy).
				break
			}
			c.cb.OnHostData(dr.Outbound.Bytes)
		}
	}

	if wasEstablished {
		c.cb.OnDispatchResponse(dr)
	}

	return dr, nil
}

func (c *Channel) handleTunnel(ctx context.Context, payload []byte) error {
	resp, err := c.se.Transmit(ctx, csml.BuildTunnel(payload))
	if err != nil || !resp.SW.IsSuccess() {
		return orStatusError(resp, err)
	}
	dr, err := csml.ParseDispatchResponse(resp)
	if err != nil {
		return err
	}
	if dr.Outbound != nil && dr.Outbound.Target == csml.TargetRemote {
		if err := c.oob.SendData(ctx, dr.Outbound.Bytes, nil); err != nil {
			return err
		}
	}
	return nil
}

func (c *Channel) handleCleanup(ctx context.Context) error {
	if c.status == StatusEstablished {
		if _, err := c.se.Transmit(ctx, csml.BuildGetDO(0xBF79)); err != nil {
			c.logger.Warn("terminate DO request failed during cleanup", slog.Any("error", err))
		}
	}

	if c.slotID != nil {
		if _, err := c.se.Transmit(ctx, csml.BuildSwapOutAdf(*c.slotID)); err != nil {
			c.logger.Warn("swap-out ADF failed during cleanup", slog.Any("error", err))
		}
		c.slotID = nil
	}

	if err := c.se.Close(ctx); err != nil {
		c.logger.Warn("SE channel close failed during cleanup", slog.Any("error", err))
	}

	c.status = StatusTerminated
	return nil
}

func (c *Channel) abort(ctx context.Context, kind ErrorKind, detail string) {
	c.status = StatusAbnormal
	c.logger.Error("fira secure channel setup error",
		slog.String("kind", kind.String()),
		slog.String("detail", detail),
	)

	failure := apdu.Response{SW: apdu.SWAppletSelectFailed}
	if err := c.oob.SendData(ctx, failure.Bytes(), nil); err != nil {
		c.logger.Warn("applet-select-failed notification send failed", slog.Any("error", err))
	}

	c.cb.OnAborted(kind, detail)
}

func statusDetail(resp apdu.Response, err error) string {
	if err != nil {
		return err.Error()
	}
	return resp.SW.String()
}

func orStatusError(resp apdu.Response, err error) error {
	if err != nil {
		return err
	}
	return fmt.Errorf("unexpected status word %s", resp.SW)
}
