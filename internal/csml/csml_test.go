package csml_test

import (
	"bytes"
	"testing"

	"github.com/uwbplatform/uwbd/internal/apdu"
	"github.com/uwbplatform/uwbd/internal/csml"
)

func TestParseDispatchResponseComplete(t *testing.T) {
	t.Parallel()

	body := csml.EncodeDispatchResponseBody(nil, []csml.Notification{{Kind: csml.NotifAdfSelected}})
	resp := apdu.Response{Data: body, SW: apdu.SWNoError}

	dr, err := csml.ParseDispatchResponse(resp)
	if err != nil {
		t.Fatalf("ParseDispatchResponse: unexpected error: %v", err)
	}
	if dr.Status != csml.StatusComplete {
		t.Errorf("Status = %v, want StatusComplete", dr.Status)
	}
	if dr.Outbound != nil {
		t.Errorf("Outbound = %+v, want nil", dr.Outbound)
	}
	if len(dr.Notifications) != 1 || dr.Notifications[0].Kind != csml.NotifAdfSelected {
		t.Fatalf("Notifications = %+v, want [AdfSelected]", dr.Notifications)
	}
}

func TestParseDispatchResponseForwardToRemote(t *testing.T) {
	t.Parallel()

	out := &csml.OutboundData{Target: csml.TargetRemote, Bytes: []byte{0xAA, 0xBB}}
	body := csml.EncodeDispatchResponseBody(out, nil)
	resp := apdu.Response{Data: body, SW: apdu.SWNoError}

	dr, err := csml.ParseDispatchResponse(resp)
	if err != nil {
		t.Fatalf("ParseDispatchResponse: unexpected error: %v", err)
	}
	if dr.Status != csml.StatusForwardToRemote {
		t.Errorf("Status = %v, want StatusForwardToRemote", dr.Status)
	}
	if dr.Outbound == nil || !bytes.Equal(dr.Outbound.Bytes, out.Bytes) {
		t.Errorf("Outbound = %+v, want %+v", dr.Outbound, out)
	}
}

func TestParseDispatchResponseWithError(t *testing.T) {
	t.Parallel()

	resp := apdu.Response{SW: apdu.SWConditionsNotSatisfied}

	dr, err := csml.ParseDispatchResponse(resp)
	if err != nil {
		t.Fatalf("ParseDispatchResponse: unexpected error: %v", err)
	}
	if dr.Status != csml.StatusWithError {
		t.Errorf("Status = %v, want StatusWithError", dr.Status)
	}
}

func TestRdsAvailableNotificationRoundTrip(t *testing.T) {
	t.Parallel()

	notifs := []csml.Notification{
		{Kind: csml.NotifRdsAvailable, SessionID: 0x1234ABCD, ArbitraryData: []byte{0x01, 0x02}},
	}
	body := csml.EncodeDispatchResponseBody(nil, notifs)
	resp := apdu.Response{Data: body, SW: apdu.SWNoError}

	dr, err := csml.ParseDispatchResponse(resp)
	if err != nil {
		t.Fatalf("ParseDispatchResponse: unexpected error: %v", err)
	}
	if len(dr.Notifications) != 1 {
		t.Fatalf("got %d notifications, want 1", len(dr.Notifications))
	}
	got := dr.Notifications[0]
	if got.Kind != csml.NotifRdsAvailable || got.SessionID != 0x1234ABCD {
		t.Errorf("RdsAvailable = %+v, want SessionID=0x1234ABCD", got)
	}
	if !bytes.Equal(got.ArbitraryData, []byte{0x01, 0x02}) {
		t.Errorf("ArbitraryData = %#v, want [1 2]", got.ArbitraryData)
	}
}

func TestSecureChannelEstablishedLenientZeroLength(t *testing.T) {
	t.Parallel()

	notifs := []csml.Notification{{Kind: csml.NotifSecureChannelEstablished, DefaultSessionID: nil}}
	body := csml.EncodeDispatchResponseBody(nil, notifs)
	resp := apdu.Response{Data: body, SW: apdu.SWNoError}

	dr, err := csml.ParseDispatchResponse(resp)
	if err != nil {
		t.Fatalf("ParseDispatchResponse: unexpected error: %v", err)
	}
	if dr.Notifications[0].DefaultSessionID != nil {
		t.Errorf("DefaultSessionID = %v, want nil (lenient zero-length)", dr.Notifications[0].DefaultSessionID)
	}
}

func TestSwapInAdfResponseSlotID(t *testing.T) {
	t.Parallel()

	okResp := apdu.Response{SW: apdu.SWNoError, Data: []byte{0x85, 0x01, 0x07}}

	slot, err := csml.ParseSwapInAdfResponse(okResp)
	if err != nil {
		t.Fatalf("ParseSwapInAdfResponse: unexpected error: %v", err)
	}
	if slot != 7 {
		t.Errorf("slot = %d, want 7", slot)
	}

	failResp := apdu.Response{SW: apdu.SWFileNotFound}
	if _, err := csml.ParseSwapInAdfResponse(failResp); err == nil {
		t.Error("expected error for failing status word, got nil")
	}
}

func TestBuildCommandsProduceExpectedINS(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		cmd  apdu.Command
		ins  byte
	}{
		{"dispatch", csml.BuildDispatch([]byte{0x01}), csml.InsDispatch},
		{"tunnel", csml.BuildTunnel([]byte{0x01}), csml.InsTunnel},
		{"selectAdf", csml.BuildSelectAdf([]byte{0xA0}), csml.InsSelectAdf},
		{"initiateTransaction", csml.BuildInitiateTransaction(nil, nil), csml.InsInitiateTransaction},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if tc.cmd.INS != tc.ins {
				t.Errorf("INS = %#x, want %#x", tc.cmd.INS, tc.ins)
			}
			if tc.cmd.CLA != csml.CLA {
				t.Errorf("CLA = %#x, want %#x", tc.cmd.CLA, csml.CLA)
			}
		})
	}
}
