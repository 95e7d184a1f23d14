package uwb_test

import (
	"context"
	"testing"
	"testing/synctest"
	"time"

	"github.com/uwbplatform/uwbd/internal/callbacks"
	"github.com/uwbplatform/uwbd/internal/uci"
	"github.com/uwbplatform/uwbd/internal/uwb"
)

// recordingCallbacks captures every callback invocation for assertions.
type recordingCallbacks struct {
	opened                []callbacks.Handle
	openFailed            []callbacks.Handle
	openFailedStatus      []uci.StatusCode
	started               []callbacks.Handle
	startFailed           []callbacks.Handle
	startFailedStatus     []uci.StatusCode
	stopped               []callbacks.Handle
	stoppedReason         []callbacks.ReasonCode
	stopFailed            []callbacks.Handle
	stopFailedStatus      []uci.StatusCode
	closed                []callbacks.Handle
	results               []callbacks.RangingResult
	controleeOK           []uint16
	controleeFail         []uint16
	controleeRemoved      []uint16
	controleeRemoveFailed []uint16
	reconfigureFailed     []callbacks.Handle
	dataReceived          []receivedDataCall
}

// receivedDataCall captures one OnDataReceived invocation's arguments.
type receivedDataCall struct {
	remoteAddr uint64
	payload    []byte
}

func (r *recordingCallbacks) OnRangingOpened(h callbacks.Handle) { r.opened = append(r.opened, h) }
func (r *recordingCallbacks) OnRangingOpenFailed(h callbacks.Handle, status uci.StatusCode, _ string) {
	r.openFailed = append(r.openFailed, h)
	r.openFailedStatus = append(r.openFailedStatus, status)
}
func (r *recordingCallbacks) OnRangingStarted(h callbacks.Handle) { r.started = append(r.started, h) }
func (r *recordingCallbacks) OnRangingStartFailed(h callbacks.Handle, status uci.StatusCode) {
	r.startFailed = append(r.startFailed, h)
	r.startFailedStatus = append(r.startFailedStatus, status)
}
func (r *recordingCallbacks) OnRangingStopped(h callbacks.Handle, reason callbacks.ReasonCode) {
	r.stopped = append(r.stopped, h)
	r.stoppedReason = append(r.stoppedReason, reason)
}
func (r *recordingCallbacks) OnRangingStopFailed(h callbacks.Handle, status uci.StatusCode) {
	r.stopFailed = append(r.stopFailed, h)
	r.stopFailedStatus = append(r.stopFailedStatus, status)
}
func (r *recordingCallbacks) OnRangingClosed(h callbacks.Handle, _ uci.StatusCode) {
	r.closed = append(r.closed, h)
}
func (r *recordingCallbacks) OnRangingClosedWithReason(callbacks.Handle, callbacks.ReasonCode) {}
func (r *recordingCallbacks) OnRangingResult(_ callbacks.Handle, result callbacks.RangingResult) {
	r.results = append(r.results, result)
}
func (r *recordingCallbacks) OnRangingReconfigured(callbacks.Handle) {}
func (r *recordingCallbacks) OnRangingReconfigureFailed(h callbacks.Handle, _ uci.StatusCode) {
	r.reconfigureFailed = append(r.reconfigureFailed, h)
}
func (r *recordingCallbacks) OnControleeAdded(_ callbacks.Handle, addr uint16) {
	r.controleeOK = append(r.controleeOK, addr)
}
func (r *recordingCallbacks) OnControleeAddFailed(_ callbacks.Handle, addr uint16, _ uci.StatusCode) {
	r.controleeFail = append(r.controleeFail, addr)
}
func (r *recordingCallbacks) OnControleeRemoved(_ callbacks.Handle, addr uint16) {
	r.controleeRemoved = append(r.controleeRemoved, addr)
}
func (r *recordingCallbacks) OnControleeRemoveFailed(_ callbacks.Handle, addr uint16, _ uci.StatusCode) {
	r.controleeRemoveFailed = append(r.controleeRemoveFailed, addr)
}
func (r *recordingCallbacks) OnDataReceived(_ callbacks.Handle, remoteAddr uint64, _ map[string]string, payload []byte) {
	r.dataReceived = append(r.dataReceived, receivedDataCall{remoteAddr: remoteAddr, payload: payload})
}
func (r *recordingCallbacks) OnDataSent(callbacks.Handle, uint64)                                 {}
func (r *recordingCallbacks) OnDataSendFailed(callbacks.Handle, uint64, uci.StatusCode)           {}
func (r *recordingCallbacks) OnRangingRoundsUpdateStatus(callbacks.Handle, uci.StatusCode)        {}

var _ callbacks.RangingCallbacks = (*recordingCallbacks)(nil)

func newTestManager() (*uwb.Manager, *uci.Sim, *recordingCallbacks) {
	sim := uci.NewSim(8)
	cb := &recordingCallbacks{}
	mgr := uwb.NewManager(sim, cb, uwb.WithMaxSessions(8))
	sim.SetListener(mgr)
	return mgr, sim, cb
}

func TestManagerOpenSessionDeliversOpened(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		mgr, _, cb := newTestManager()
		defer mgr.Close()

		handle, err := mgr.OpenSession("default", uci.SessionTypeRanging, uci.ProtocolFiRa, nil, nil)
		if err != nil {
			t.Fatalf("OpenSession: %v", err)
		}

		synctest.Wait()

		if len(cb.opened) != 1 || cb.opened[0] != handle {
			t.Fatalf("opened = %v, want [%s]", cb.opened, handle)
		}

		snaps := mgr.Sessions()
		if len(snaps) != 1 || snaps[0].State != uci.StateIdle {
			t.Fatalf("snapshot = %+v, want one Idle session", snaps)
		}
	})
}

func TestManagerStartStopRanging(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		mgr, _, cb := newTestManager()
		defer mgr.Close()

		handle, err := mgr.OpenSession("default", uci.SessionTypeRanging, uci.ProtocolFiRa, nil, nil)
		if err != nil {
			t.Fatalf("OpenSession: %v", err)
		}
		synctest.Wait()

		if err := mgr.StartRanging(handle); err != nil {
			t.Fatalf("StartRanging: %v", err)
		}
		synctest.Wait()

		if len(cb.started) != 1 {
			t.Fatalf("started = %v, want one notification", cb.started)
		}

		if err := mgr.StopRanging(handle); err != nil {
			t.Fatalf("StopRanging: %v", err)
		}
		synctest.Wait()

		if len(cb.stopped) != 1 {
			t.Fatalf("stopped = %v, want one notification", cb.stopped)
		}
	})
}

func TestManagerStartRangingWrongStateRejected(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		mgr, _, _ := newTestManager()
		defer mgr.Close()

		handle, err := mgr.OpenSession("default", uci.SessionTypeRanging, uci.ProtocolFiRa, nil, nil)
		if err != nil {
			t.Fatalf("OpenSession: %v", err)
		}
		// No synctest.Wait(): the session is still transitioning from
		// Init, not yet Idle, so StartRanging must be rejected.
		if err := mgr.StartRanging(handle); err != uwb.ErrInvalidState {
			t.Fatalf("StartRanging before Idle = %v, want ErrInvalidState", err)
		}
	})
}

func TestManagerCloseSessionRemovesFromSnapshot(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		mgr, _, cb := newTestManager()
		defer mgr.Close()

		handle, err := mgr.OpenSession("default", uci.SessionTypeRanging, uci.ProtocolFiRa, nil, nil)
		if err != nil {
			t.Fatalf("OpenSession: %v", err)
		}
		synctest.Wait()

		if err := mgr.CloseSession(handle); err != nil {
			t.Fatalf("CloseSession: %v", err)
		}
		synctest.Wait()

		if len(cb.closed) != 1 {
			t.Fatalf("closed = %v, want one notification", cb.closed)
		}
		if snaps := mgr.Sessions(); len(snaps) != 0 {
			t.Fatalf("snapshot = %+v, want empty after close", snaps)
		}
	})
}

func TestManagerStartRangingUnknownHandleRejected(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		mgr, _, _ := newTestManager()
		defer mgr.Close()

		if err := mgr.StartRanging("not-a-real-handle"); err != uwb.ErrSessionNotFound {
			t.Fatalf("StartRanging(unknown) = %v, want ErrSessionNotFound", err)
		}
	})
}

func TestManagerRangeDataDelivered(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		mgr, sim, cb := newTestManager()
		defer mgr.Close()

		handle, err := mgr.OpenSession("default", uci.SessionTypeRanging, uci.ProtocolFiRa, nil, nil)
		if err != nil {
			t.Fatalf("OpenSession: %v", err)
		}
		synctest.Wait()
		if err := mgr.StartRanging(handle); err != nil {
			t.Fatalf("StartRanging: %v", err)
		}
		synctest.Wait()

		snaps := mgr.Sessions()
		if len(snaps) != 1 {
			t.Fatalf("expected one session, got %d", len(snaps))
		}

		sim.EmitRangeData("default", uci.RangeDataNotification{
			SessionID: snaps[0].SessionID,
			Measurements: []uci.RangingMeasurement{
				{MacAddress: 0x1234, Status: uci.RangingMeasurementOK},
			},
		})
		synctest.Wait()

		if len(cb.results) != 1 || len(cb.results[0].Measurements) != 1 {
			t.Fatalf("results = %+v, want one measurement set", cb.results)
		}
	})
}

func TestManagerMaxSessionsExceeded(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		mgr := uwb.NewManager(uci.NewSim(1), &recordingCallbacks{}, uwb.WithMaxSessions(1))
		defer mgr.Close()

		if _, err := mgr.OpenSession("default", uci.SessionTypeRanging, uci.ProtocolFiRa, nil, nil); err != nil {
			t.Fatalf("first OpenSession: %v", err)
		}
		synctest.Wait()

		if _, err := mgr.OpenSession("default", uci.SessionTypeRanging, uci.ProtocolFiRa, nil, nil); err != uwb.ErrMaxSessionsExceeded {
			t.Fatalf("second OpenSession = %v, want ErrMaxSessionsExceeded", err)
		}
	})
}

func TestManagerOWRAoAPointedTargetDrainsBufferedDataInOrder(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		mgr, sim, cb := newTestManager()
		defer mgr.Close()

		handle, err := mgr.OpenSession("default", uci.SessionTypeRanging, uci.ProtocolFiRa, nil, nil)
		if err != nil {
			t.Fatalf("OpenSession: %v", err)
		}
		synctest.Wait()
		if err := mgr.StartRanging(handle); err != nil {
			t.Fatalf("StartRanging: %v", err)
		}
		synctest.Wait()

		snaps := mgr.Sessions()
		if len(snaps) != 1 {
			t.Fatalf("expected one session, got %d", len(snaps))
		}
		sessionID := snaps[0].SessionID

		const remote = 0x0102
		sim.EmitDataReceived("default", uci.DataPacket{
			SessionID:   sessionID,
			SequenceNum: 2,
			RemoteAddr:  [8]byte{0x01, 0x02},
			Payload:     []byte("B"),
		})
		sim.EmitDataReceived("default", uci.DataPacket{
			SessionID:   sessionID,
			SequenceNum: 1,
			RemoteAddr:  [8]byte{0x01, 0x02},
			Payload:     []byte("A"),
		})
		synctest.Wait()

		if len(cb.results) != 0 {
			t.Fatalf("no range data yet, but ranging results = %+v", cb.results)
		}

		sim.EmitRangeData("default", uci.RangeDataNotification{
			SessionID:  sessionID,
			RoundUsage: uci.RoundUsageOWRAoA,
			Measurements: []uci.RangingMeasurement{
				{MacAddress: remote, Status: uci.RangingMeasurementOK, IsPointedTarget: true},
			},
		})
		synctest.Wait()

		if len(cb.dataReceived) != 2 {
			t.Fatalf("dataReceived = %+v, want two deliveries", cb.dataReceived)
		}
		if string(cb.dataReceived[0].payload) != "A" || string(cb.dataReceived[1].payload) != "B" {
			t.Fatalf("dataReceived = %+v, want [A B] in sequence order", cb.dataReceived)
		}
		if cb.dataReceived[0].remoteAddr != remote || cb.dataReceived[1].remoteAddr != remote {
			t.Fatalf("dataReceived remote addrs = %+v, want both %#x", cb.dataReceived, remote)
		}
	})
}

func TestManagerBackgroundPolicyStopsAfterAlarmFires(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		mgr, _, cb := newTestManager()
		defer mgr.Close()

		const uid = 0x00000007
		attribution := []byte{0x00, 0x00, 0x00, 0x07}
		params := []uci.ConfigParam{{ID: uci.ParamRangeDataNtfConfig, Value: []byte{0x01}}}

		handle, err := mgr.OpenSession("default", uci.SessionTypeRanging, uci.ProtocolFiRa, attribution, params)
		if err != nil {
			t.Fatalf("OpenSession: %v", err)
		}
		synctest.Wait()
		if err := mgr.StartRanging(handle); err != nil {
			t.Fatalf("StartRanging: %v", err)
		}
		synctest.Wait()

		mgr.OnAppImportanceChanged(uid, false)
		synctest.Wait()

		if len(cb.stopped) != 0 {
			t.Fatalf("stopped = %v, want none before the 120s alarm fires", cb.stopped)
		}

		time.Sleep(121 * time.Second)
		synctest.Wait()

		if len(cb.stopped) != 1 || cb.stoppedReason[0] != callbacks.ReasonSystemPolicy {
			t.Fatalf("stopped = %v reason %v, want one SystemPolicy stop", cb.stopped, cb.stoppedReason)
		}
	})
}

func TestManagerBackgroundPolicyCanceledByForeground(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		mgr, _, cb := newTestManager()
		defer mgr.Close()

		const uid = 0x00000007
		attribution := []byte{0x00, 0x00, 0x00, 0x07}
		params := []uci.ConfigParam{{ID: uci.ParamRangeDataNtfConfig, Value: []byte{0x01}}}

		handle, err := mgr.OpenSession("default", uci.SessionTypeRanging, uci.ProtocolFiRa, attribution, params)
		if err != nil {
			t.Fatalf("OpenSession: %v", err)
		}
		synctest.Wait()
		if err := mgr.StartRanging(handle); err != nil {
			t.Fatalf("StartRanging: %v", err)
		}
		synctest.Wait()

		mgr.OnAppImportanceChanged(uid, false)
		synctest.Wait()

		time.Sleep(60 * time.Second)
		mgr.OnAppImportanceChanged(uid, true)
		synctest.Wait()

		time.Sleep(120 * time.Second)
		synctest.Wait()

		if len(cb.stopped) != 0 {
			t.Fatalf("stopped = %v, want the alarm to have been canceled by the return to foreground", cb.stopped)
		}
	})
}

// TestManagerOpenSessionInitFailureNotifiesAndForgets covers the
// initSession-rejection half of spec.md §8 Scenario 2: the chip refuses to
// bring up the session (e.g. a duplicate session id on the real UCI
// transport), and the Manager must report onRangingOpenFailed and drop the
// session from its table rather than leaving a half-open entry behind. The
// Manager allocates its own session ids and never exposes a caller-supplied
// id that could collide, so the failure is triggered here by
// rejectingInitTransport, which answers every InitSession with
// StatusRejected (see DESIGN.md); both statuses flow through the same
// postInitResult failure branch.
func TestManagerOpenSessionInitFailureNotifiesAndForgets(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		transport := rejectingInitTransport{Sim: uci.NewSim(8)}
		cb := &recordingCallbacks{}
		mgr := uwb.NewManager(transport, cb, uwb.WithMaxSessions(8))
		transport.SetListener(mgr)
		defer mgr.Close()

		handle, err := mgr.OpenSession("default", uci.SessionTypeRanging, uci.ProtocolFiRa, nil, nil)
		if err != nil {
			t.Fatalf("OpenSession: %v", err)
		}
		synctest.Wait()

		if len(cb.openFailed) != 1 || cb.openFailed[0] != handle {
			t.Fatalf("openFailed = %v, want exactly [%v]", cb.openFailed, handle)
		}
		if len(cb.opened) != 0 {
			t.Fatalf("opened = %v, want none", cb.opened)
		}
		if len(mgr.Sessions()) != 0 {
			t.Fatalf("Sessions() = %v, want empty after a failed open", mgr.Sessions())
		}
	})
}

// TestManagerReconfigurePartialFailure covers spec.md §8 Scenario 3: a
// multicast add for two addresses where the chip accepts one and rejects
// the other. Expect per-controlee add/add-failed callbacks, a final
// reconfigure-failed callback, and only the accepted address retained in
// the controlee list. The transport acknowledges the multicast update
// without emitting its own notification, so the injected one below is the
// only result the Manager sees.
func TestManagerReconfigurePartialFailure(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		transport := &stallingTransport{Sim: uci.NewSim(8), stallMulticast: true}
		cb := &recordingCallbacks{}
		mgr := uwb.NewManager(transport, cb, uwb.WithMaxSessions(8))
		transport.SetListener(mgr)
		defer mgr.Close()

		handle, err := mgr.OpenSession("default", uci.SessionTypeRanging, uci.ProtocolFiRa, nil, nil)
		if err != nil {
			t.Fatalf("OpenSession: %v", err)
		}
		synctest.Wait()

		const addrA, addrB = 0xAAAA, 0xBBBB
		if err := mgr.Reconfigure(handle, []uci.MulticastEntry{{Address: addrA}, {Address: addrB}}, nil); err != nil {
			t.Fatalf("Reconfigure: %v", err)
		}
		synctest.Wait()

		snaps := mgr.Sessions()
		if len(snaps) != 1 {
			t.Fatalf("expected one session, got %d", len(snaps))
		}

		mgr.OnMulticastListUpdateNotificationReceived("default", snaps[0].SessionID, []uci.MulticastResult{
			{Address: addrA, Status: uci.MulticastStatusOK},
			{Address: addrB, Status: uci.MulticastStatusFail},
		})
		synctest.Wait()

		if len(cb.controleeOK) != 1 || cb.controleeOK[0] != addrA {
			t.Fatalf("controleeOK = %v, want [%#x]", cb.controleeOK, addrA)
		}
		if len(cb.controleeFail) != 1 || cb.controleeFail[0] != addrB {
			t.Fatalf("controleeFail = %v, want [%#x]", cb.controleeFail, addrB)
		}
		if len(cb.reconfigureFailed) != 1 || cb.reconfigureFailed[0] != handle {
			t.Fatalf("reconfigureFailed = %v, want exactly [%v]", cb.reconfigureFailed, handle)
		}

		addrs, err := mgr.ControleeAddresses(handle)
		if err != nil {
			t.Fatalf("ControleeAddresses: %v", err)
		}
		if len(addrs) != 1 || addrs[0] != addrA {
			t.Fatalf("ControleeAddresses = %v, want [%#x]", addrs, addrA)
		}
	})
}

func TestManagerRecentlyClosedSessionsRecordsClosure(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		mgr, _, _ := newTestManager()
		defer mgr.Close()

		handle, err := mgr.OpenSession("default", uci.SessionTypeRanging, uci.ProtocolFiRa, nil, nil)
		if err != nil {
			t.Fatalf("OpenSession: %v", err)
		}
		synctest.Wait()

		if err := mgr.CloseSession(handle); err != nil {
			t.Fatalf("CloseSession: %v", err)
		}
		synctest.Wait()

		history := mgr.RecentlyClosedSessions()
		if len(history) != 1 {
			t.Fatalf("RecentlyClosedSessions() = %+v, want one entry", history)
		}
		if history[0].Handle != handle {
			t.Fatalf("RecentlyClosedSessions()[0].Handle = %s, want %s", history[0].Handle, handle)
		}
		if history[0].FinalState != uci.StateDeinit {
			t.Fatalf("RecentlyClosedSessions()[0].FinalState = %v, want %v", history[0].FinalState, uci.StateDeinit)
		}
	})
}

func TestManagerRecentlyClosedSessionsBounded(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		sim := uci.NewSim(1)
		mgr := uwb.NewManager(sim, &recordingCallbacks{}, uwb.WithMaxSessions(1), uwb.WithRecentSessionCacheSize(2))
		sim.SetListener(mgr)
		defer mgr.Close()

		for i := 0; i < 3; i++ {
			handle, err := mgr.OpenSession("default", uci.SessionTypeRanging, uci.ProtocolFiRa, nil, nil)
			if err != nil {
				t.Fatalf("OpenSession[%d]: %v", i, err)
			}
			synctest.Wait()

			if err := mgr.CloseSession(handle); err != nil {
				t.Fatalf("CloseSession[%d]: %v", i, err)
			}
			synctest.Wait()
		}

		history := mgr.RecentlyClosedSessions()
		if len(history) != 2 {
			t.Fatalf("RecentlyClosedSessions() len = %d, want capacity-bounded 2", len(history))
		}
	})
}

// stallingTransport wraps a *uci.Sim, acknowledging one selected command
// synchronously with StatusOK but silently dropping the notification the
// real chip would otherwise deliver for it. It exercises the Manager's
// per-pending-operation timeout: the notification the Manager is awaiting
// simply never arrives.
type stallingTransport struct {
	*uci.Sim

	stallConfig    bool
	stallStart     bool
	stallStop      bool
	stallClose     bool
	stallMulticast bool

	deInitCalls int
}

// rejectingInitTransport wraps a *uci.Sim and rejects every InitSession,
// standing in for a chip that refuses to bring up the session.
type rejectingInitTransport struct {
	*uci.Sim
}

func (rejectingInitTransport) InitSession(context.Context, uci.ChipID, uint32, uci.SessionType) (uci.StatusCode, error) {
	return uci.StatusRejected, nil
}

var _ uci.Transport = rejectingInitTransport{}

// SetAppConfigurations is the call whose chip-side acceptance completes the
// open sequence (it is what ultimately produces the Init->Idle notification,
// see sim.go); stalling it, rather than InitSession, lets the session reach
// a real Init state first and then exercises exactly the "chip accepted the
// command but never reported the state change" scenario the open timeout
// guards against.
func (t *stallingTransport) SetAppConfigurations(ctx context.Context, chip uci.ChipID, id uint32, params []uci.ConfigParam) (uci.StatusCode, error) {
	if t.stallConfig {
		return uci.StatusOK, nil
	}
	return t.Sim.SetAppConfigurations(ctx, chip, id, params)
}

func (t *stallingTransport) DeInitSession(ctx context.Context, chip uci.ChipID, id uint32) (uci.StatusCode, error) {
	t.deInitCalls++
	if t.stallClose {
		return uci.StatusOK, nil
	}
	return t.Sim.DeInitSession(ctx, chip, id)
}

func (t *stallingTransport) StartRanging(ctx context.Context, chip uci.ChipID, id uint32) (uci.StatusCode, error) {
	if t.stallStart {
		return uci.StatusOK, nil
	}
	return t.Sim.StartRanging(ctx, chip, id)
}

func (t *stallingTransport) StopRanging(ctx context.Context, chip uci.ChipID, id uint32) (uci.StatusCode, error) {
	if t.stallStop {
		return uci.StatusOK, nil
	}
	return t.Sim.StopRanging(ctx, chip, id)
}

func (t *stallingTransport) ControllerMulticastListUpdate(ctx context.Context, chip uci.ChipID, id uint32, action uci.MulticastAction, entries []uci.MulticastEntry) (uci.StatusCode, error) {
	if t.stallMulticast {
		return uci.StatusOK, nil
	}
	return t.Sim.ControllerMulticastListUpdate(ctx, chip, id, action, entries)
}

var _ uci.Transport = (*stallingTransport)(nil)

func TestManagerOpenSessionTimesOutAndForcesCleanup(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		transport := &stallingTransport{Sim: uci.NewSim(8), stallConfig: true}
		cb := &recordingCallbacks{}
		mgr := uwb.NewManager(transport, cb, uwb.WithMaxSessions(8))
		transport.SetListener(mgr)
		defer mgr.Close()

		handle, err := mgr.OpenSession("default", uci.SessionTypeRanging, uci.ProtocolFiRa, nil, nil)
		if err != nil {
			t.Fatalf("OpenSession: %v", err)
		}

		synctest.Wait()
		time.Sleep(4 * time.Second) // past the 3s open timeout
		synctest.Wait()

		if len(cb.openFailed) != 1 || cb.openFailed[0] != handle {
			t.Fatalf("openFailed = %v, want exactly [%s]", cb.openFailed, handle)
		}
		if cb.openFailedStatus[0] != uci.StatusTimeout {
			t.Fatalf("openFailedStatus = %v, want StatusTimeout", cb.openFailedStatus[0])
		}
		if len(cb.opened) != 0 {
			t.Fatalf("opened = %v, want none", cb.opened)
		}
		if len(mgr.Sessions()) != 0 {
			t.Fatalf("Sessions() = %+v, want empty after a timed-out open", mgr.Sessions())
		}
		if transport.deInitCalls == 0 {
			t.Fatalf("deInitCalls = 0, want the timed-out open to force a deinit")
		}
	})
}

func TestManagerStartRangingTimesOut(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		transport := &stallingTransport{Sim: uci.NewSim(8)}
		cb := &recordingCallbacks{}
		mgr := uwb.NewManager(transport, cb, uwb.WithMaxSessions(8))
		transport.SetListener(mgr)
		defer mgr.Close()

		handle, err := mgr.OpenSession("default", uci.SessionTypeRanging, uci.ProtocolFiRa, nil, nil)
		if err != nil {
			t.Fatalf("OpenSession: %v", err)
		}
		synctest.Wait()

		transport.stallStart = true
		if err := mgr.StartRanging(handle); err != nil {
			t.Fatalf("StartRanging: %v", err)
		}
		synctest.Wait()
		time.Sleep(4 * time.Second) // past the 3s start timeout
		synctest.Wait()

		if len(cb.startFailed) != 1 || cb.startFailed[0] != handle {
			t.Fatalf("startFailed = %v, want exactly [%s]", cb.startFailed, handle)
		}
		if cb.startFailedStatus[0] != uci.StatusTimeout {
			t.Fatalf("startFailedStatus = %v, want StatusTimeout", cb.startFailedStatus[0])
		}
		if len(cb.started) != 0 {
			t.Fatalf("started = %v, want none", cb.started)
		}
	})
}

func TestManagerStopRangingTimesOut(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		transport := &stallingTransport{Sim: uci.NewSim(8)}
		cb := &recordingCallbacks{}
		mgr := uwb.NewManager(transport, cb, uwb.WithMaxSessions(8))
		transport.SetListener(mgr)
		defer mgr.Close()

		handle, err := mgr.OpenSession("default", uci.SessionTypeRanging, uci.ProtocolFiRa, nil, nil)
		if err != nil {
			t.Fatalf("OpenSession: %v", err)
		}
		synctest.Wait()

		if err := mgr.StartRanging(handle); err != nil {
			t.Fatalf("StartRanging: %v", err)
		}
		synctest.Wait()
		if len(cb.started) != 1 {
			t.Fatalf("started = %v, want one notification before stopping", cb.started)
		}

		transport.stallStop = true
		if err := mgr.StopRanging(handle); err != nil {
			t.Fatalf("StopRanging: %v", err)
		}
		synctest.Wait()
		time.Sleep(4 * time.Second) // past the 3s stop timeout
		synctest.Wait()

		if len(cb.stopFailed) != 1 || cb.stopFailed[0] != handle {
			t.Fatalf("stopFailed = %v, want exactly [%s]", cb.stopFailed, handle)
		}
		if cb.stopFailedStatus[0] != uci.StatusTimeout {
			t.Fatalf("stopFailedStatus = %v, want StatusTimeout", cb.stopFailedStatus[0])
		}
		if len(cb.stopped) != 0 {
			t.Fatalf("stopped = %v, want none", cb.stopped)
		}
	})
}
