// Package csml implements the FiRa CSML (Common Service Management Layer)
// command/response dialog with the Secure Element applet: Dispatch, Tunnel,
// SwapInAdf, SelectAdf, InitiateTransaction, GetDO, PutDO, and the
// DispatchResponse notification envelope they all share (spec.md §3, §4.3,
// §4.5).
//
// Every CSML command is built as a local apdu.Command addressed to the
// SUS applet; every response is parsed first as an apdu.Response (for the
// status word) and then, where the response carries a DispatchResponse
// envelope, via ParseDispatchResponse.
package csml

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/uwbplatform/uwbd/internal/apdu"
	"github.com/uwbplatform/uwbd/internal/tlv"
)

// CLA is the proprietary class byte used for all CSML commands in this
// dialog (spec.md treats the exact applet command set as FiRa-CSML
// internal; INS codes below are this implementation's stable local
// convention for addressing the applet).
const CLA = 0x80

// INS codes for each CSML command (spec.md §4.3, §4.4).
const (
	InsDispatch             = 0xC0
	InsTunnel               = 0xC1
	InsSwapInAdf            = 0xC2
	InsSelectAdf            = 0xC3
	InsInitiateTransaction  = 0xC4
	InsGetDO                = 0xCB
	InsPutDO                = 0xDB
)

// DO tags used inside command/response data fields, local to this dialog
// (distinct from the top-level DOs in package tlv which travel over OOB/UCI).
const (
	tagOID            tlv.Tag = 0x4F
	tagSlotID         tlv.Tag = 0x85
	tagOIDList        tlv.Tag = 0xA5
	tagPrimarySession tlv.Tag = 0x86
	tagBlob           tlv.Tag = 0x53
	tagControleeInfo  tlv.Tag = 0x70
	tagOutboundTarget tlv.Tag = 0xE0
	tagOutboundBytes  tlv.Tag = 0xE1
	tagNotifications  tlv.Tag = 0xEF
	tagNotifAdfSel    tlv.Tag = 0x01
	tagNotifChanEst   tlv.Tag = 0x02
	tagNotifSessAbort tlv.Tag = 0x03
	tagNotifRds       tlv.Tag = 0x04
	tagNotifCtlInfo   tlv.Tag = 0x05
	tagRdsSessionID   tlv.Tag = 0x80
	tagRdsArbitrary   tlv.Tag = 0x81
	tagCtlInfoBytes   tlv.Tag = 0x80
	tagChanEstSessID  tlv.Tag = 0x80
)

// OutboundTarget identifies where DispatchResponse outbound data must be
// sent (spec.md §3): to the local host, or tunneled to the remote peer.
type OutboundTarget uint8

const (
	TargetHost OutboundTarget = iota
	TargetRemote
)

// TransactionStatus is the overall outcome of a dispatch transaction
// (spec.md §3).
type TransactionStatus uint8

const (
	StatusUndefined TransactionStatus = iota
	StatusComplete
	StatusForwardToHost
	StatusForwardToRemote
	StatusWithError
)

// OutboundData is the at-most-one outbound payload a DispatchResponse may
// carry, destined for the host or for the remote peer over OOB.
type OutboundData struct {
	Target OutboundTarget
	Bytes  []byte
}

// NotificationKind discriminates the Notification variants of spec.md §3.
type NotificationKind uint8

const (
	NotifAdfSelected NotificationKind = iota
	NotifSecureChannelEstablished
	NotifSecureSessionAborted
	NotifRdsAvailable
	NotifControleeInfoAvailable
)

// Notification is one entry of a DispatchResponse's notification list.
// Only the fields relevant to Kind are populated.
type Notification struct {
	Kind NotificationKind

	// DefaultSessionID is set for NotifSecureChannelEstablished when the SE
	// supplied a default unique session id (spec.md §4.4 "Session-id
	// policy"; §9 Open Question (a) on the exact encoding).
	DefaultSessionID *uint32

	// SessionID is set for NotifRdsAvailable.
	SessionID uint32

	// ArbitraryData is set for NotifRdsAvailable (inline Session Data DO,
	// optional) and NotifControleeInfoAvailable (inline Controlee Info DO).
	ArbitraryData []byte
}

// DispatchResponse is the parsed outcome of a Dispatch/Tunnel/SelectAdf/...
// exchange with the SE: the transaction status, at most one outbound
// payload, and an ordered list of notifications (spec.md §3).
type DispatchResponse struct {
	Status       TransactionStatus
	Outbound     *OutboundData
	Notifications []Notification
}

// Errors returned while building or parsing CSML messages.
var (
	ErrMalformedNotification = errors.New("csml: malformed notification TLV")
	ErrUnknownNotification   = errors.New("csml: unknown notification kind")
)

// -------------------------------------------------------------------------
// Command builders
// -------------------------------------------------------------------------

// BuildDispatch wraps an inbound OOB/remote payload for local SE dispatch
// (spec.md §4.3 "Processing remote bytes").
func BuildDispatch(payload []byte) apdu.Command {
	return apdu.Command{CLA: CLA, INS: InsDispatch, Data: payload, Le: 0}
}

// BuildTunnel wraps a local-origin payload to be tunneled to the SE, whose
// response outbound payload is sent over OOB (spec.md §4.3 "Tunneling").
func BuildTunnel(payload []byte) apdu.Command {
	return apdu.Command{CLA: CLA, INS: InsTunnel, Data: payload, Le: 0}
}

// BuildSwapInAdf requests the applet to swap in the ADF described by blob,
// oid and the encoded Controlee Info, returning a slot id on success
// (spec.md §4.3 "Swap-in ADF").
func BuildSwapInAdf(blob []byte, oid []byte, controleeInfo []byte) apdu.Command {
	data := tlv.NewBuilder().
		Add(tagBlob, blob).
		Add(tagOID, oid).
		Add(tagControleeInfo, controleeInfo).
		Bytes()
	return apdu.Command{CLA: CLA, INS: InsSwapInAdf, Data: data, Le: 0}
}

// ParseSwapInAdfResponse extracts the allocated slot id from a successful
// SwapInAdf response.
func ParseSwapInAdfResponse(resp apdu.Response) (slotID uint8, err error) {
	if !resp.SW.IsSuccess() {
		return 0, fmt.Errorf("swap-in adf: status %v", resp.SW)
	}
	m, err := tlv.ParseAll(resp.Data)
	if err != nil {
		return 0, fmt.Errorf("parse swap-in adf response: %w", err)
	}
	item, ok := tlv.First(m, tagSlotID)
	if !ok || len(item.Value) != 1 {
		return 0, fmt.Errorf("swap-in adf response: %w", ErrMalformedNotification)
	}
	return item.Value[0], nil
}

// BuildSwapOutAdf releases a previously swapped-in ADF slot during cleanup.
func BuildSwapOutAdf(slotID uint8) apdu.Command {
	data := tlv.NewBuilder().Add(tagSlotID, []byte{slotID}).Bytes()
	return apdu.Command{CLA: CLA, INS: InsSwapInAdf, P1: 0x01, Data: data, Le: 0}
}

// BuildSelectAdf selects the applet's provisioned OID (spec.md §4.3
// "Select ADF").
func BuildSelectAdf(oid []byte) apdu.Command {
	data := tlv.NewBuilder().Add(tagOID, oid).Bytes()
	return apdu.Command{CLA: CLA, INS: InsSelectAdf, Data: data, Le: 0}
}

// BuildInitiateTransaction issues the Initiator's InitiateTransaction
// command with the peer's selectable OID list and, for multicast, the
// shared primary session id (spec.md §4.3 "Select ADF").
func BuildInitiateTransaction(peerOIDs [][]byte, primarySessionID *uint32) apdu.Command {
	b := tlv.NewBuilder()
	oidList := tlv.NewBuilder()
	for _, oid := range peerOIDs {
		oidList.Add(tagOID, oid)
	}
	b.AddNested(tagOIDList, oidList)
	if primarySessionID != nil {
		id := make([]byte, 4)
		binary.BigEndian.PutUint32(id, *primarySessionID)
		b.Add(tagPrimarySession, id)
	}
	return apdu.Command{CLA: CLA, INS: InsInitiateTransaction, Data: b.Bytes(), Le: 0}
}

// BuildGetDO requests the applet to return the Data Object identified by
// tag (spec.md §4.4 local GetDO fallbacks).
func BuildGetDO(tag tlv.Tag) apdu.Command {
	entries := tlv.EncodeExtHeaderList([]tlv.ExtHeaderEntry{{Tag: tag, ContentLength: 0}})
	return apdu.Command{CLA: CLA, INS: InsGetDO, Data: entries, Le: 0}
}

// BuildPutDO pushes a Data Object to the applet (spec.md §4.4 local PutDO
// fallbacks, and the Initiator's terminate-session DO push).
func BuildPutDO(tag tlv.Tag, value []byte) apdu.Command {
	data := tlv.NewBuilder().Add(tag, value).Bytes()
	return apdu.Command{CLA: CLA, INS: InsPutDO, Data: data, Le: 0}
}

// BuildGetSessionData requests the locally-provisioned Session Data DO
// (spec.md §4.4, local GetSessionData fallback).
func BuildGetSessionData() apdu.Command { return BuildGetDO(tlv.SessionDataDO) }

// BuildGetControleeInfo requests the locally-provisioned Controlee Info DO
// (spec.md §4.4, Controller-Responder's local ControleeInfo fallback).
func BuildGetControleeInfo() apdu.Command { return BuildGetDO(tlv.ControleeInfoDO) }

// BuildPutSessionData pushes Session Data to the applet (spec.md §4.4: the
// Controller-Initiator's and Controlee-Initiator's local RDS push when the
// applet did not itself emit an RdsAvailable notification).
func BuildPutSessionData(data []byte) apdu.Command { return BuildPutDO(tlv.SessionDataDO, data) }

// BuildPutControleeInfo pushes Controlee Info to the applet (spec.md §4.4,
// Controller-Responder's local ControleeInfo push).
func BuildPutControleeInfo(data []byte) apdu.Command {
	return BuildPutDO(tlv.ControleeInfoDO, data)
}

// EncodeTerminateSession builds the terminate-session DO payload to be
// tunneled to the peer (spec.md §4.4 "Termination"; §9 Open Question (b)):
// a single 0x80 child carrying the big-endian session id, nested under
// TerminateSessionTopDO. The caller tunnels the returned bytes via
// fira.Channel.TunnelToRemoteDevice, which wraps them in a Tunnel command.
func EncodeTerminateSession(sessionID uint32) []byte {
	id := make([]byte, 4)
	binary.BigEndian.PutUint32(id, sessionID)
	child := tlv.NewBuilder().Add(tlv.TerminateSessionIDTag, id)
	return tlv.NewBuilder().AddNested(tlv.TerminateSessionTopDO, child).Bytes()
}

// tagDataNotAvailable marks a GetDO response whose requested DO is not yet
// provisioned (spec.md §4.4 Controlee-Initiator "If the response says
// 'not available' ... retry after 100 ms").
const tagDataNotAvailable tlv.Tag = 0x81

// IsDataNotAvailable reports whether a successful GetDO response carries
// the "not available" sentinel TLV rather than the requested DO content.
func IsDataNotAvailable(resp apdu.Response) bool {
	if !resp.SW.IsSuccess() {
		return false
	}
	m, err := tlv.ParseAll(resp.Data)
	if err != nil {
		return false
	}
	_, ok := tlv.First(m, tagDataNotAvailable)
	return ok
}

// ParseDOValue extracts the raw content of a top-level DO from a GetDO
// response whose data field is the bare DO itself (spec.md §4.4, §4.5).
func ParseDOValue(resp apdu.Response, tag tlv.Tag) ([]byte, error) {
	if !resp.SW.IsSuccess() {
		return nil, fmt.Errorf("get DO %#04x: status %v", tag, resp.SW)
	}
	m, err := tlv.ParseAll(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("parse DO %#04x response: %w", tag, err)
	}
	item, ok := tlv.First(m, tag)
	if !ok {
		return nil, fmt.Errorf("DO %#04x missing from response", tag)
	}
	return item.Value, nil
}

// -------------------------------------------------------------------------
// DispatchResponse parsing
// -------------------------------------------------------------------------

// ParseDispatchResponse decodes the body of a Dispatch/Tunnel/SelectAdf/
// InitiateTransaction response. The transaction status is derived purely
// from the decoded content: an outbound-to-remote payload implies
// ForwardToRemote, an outbound-to-host payload implies ForwardToHost, a
// non-success status word implies WithError, and otherwise Complete.
func ParseDispatchResponse(resp apdu.Response) (DispatchResponse, error) {
	if !resp.SW.IsSuccess() {
		return DispatchResponse{Status: StatusWithError}, nil
	}

	m, err := tlv.ParseAll(resp.Data)
	if err != nil {
		return DispatchResponse{}, fmt.Errorf("parse dispatch response: %w", err)
	}

	dr := DispatchResponse{Status: StatusComplete}

	if item, ok := tlv.First(m, tagOutboundBytes); ok {
		target := TargetHost
		if t, ok := tlv.First(m, tagOutboundTarget); ok && len(t.Value) == 1 && t.Value[0] == 1 {
			target = TargetRemote
		}
		dr.Outbound = &OutboundData{Target: target, Bytes: item.Value}
		if target == TargetRemote {
			dr.Status = StatusForwardToRemote
		} else {
			dr.Status = StatusForwardToHost
		}
	}

	if item, ok := tlv.First(m, tagNotifications); ok {
		notifs, err := parseNotifications(item.Value)
		if err != nil {
			return DispatchResponse{}, err
		}
		dr.Notifications = notifs
	}

	return dr, nil
}

func parseNotifications(buf []byte) ([]Notification, error) {
	items, err := tlv.ParseAllOrdered(buf)
	if err != nil {
		return nil, fmt.Errorf("parse notifications: %w", err)
	}

	out := make([]Notification, 0, len(items))
	for _, item := range items {
		n, err := parseOneNotification(item)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

func parseOneNotification(item tlv.TLV) (Notification, error) {
	switch item.Tag {
	case tagNotifAdfSel:
		return Notification{Kind: NotifAdfSelected}, nil

	case tagNotifChanEst:
		n := Notification{Kind: NotifSecureChannelEstablished}
		inner, err := tlv.ParseAll(item.Value)
		if err != nil {
			return Notification{}, fmt.Errorf("parse channel-established notification: %w", err)
		}
		if idTLV, ok := tlv.First(inner, tagChanEstSessID); ok && len(idTLV.Value) > 0 {
			id, err := decodeLenientSessionID(idTLV.Value)
			if err != nil {
				return Notification{}, err
			}
			n.DefaultSessionID = &id
		}
		return n, nil

	case tagNotifSessAbort:
		return Notification{Kind: NotifSecureSessionAborted}, nil

	case tagNotifRds:
		n := Notification{Kind: NotifRdsAvailable}
		inner, err := tlv.ParseAll(item.Value)
		if err != nil {
			return Notification{}, fmt.Errorf("parse rds-available notification: %w", err)
		}
		idTLV, ok := tlv.First(inner, tagRdsSessionID)
		if !ok || len(idTLV.Value) != 4 {
			return Notification{}, fmt.Errorf("rds-available session id: %w", ErrMalformedNotification)
		}
		n.SessionID = binary.BigEndian.Uint32(idTLV.Value)
		if arb, ok := tlv.First(inner, tagRdsArbitrary); ok {
			n.ArbitraryData = arb.Value
		}
		return n, nil

	case tagNotifCtlInfo:
		n := Notification{Kind: NotifControleeInfoAvailable}
		inner, err := tlv.ParseAll(item.Value)
		if err != nil {
			return Notification{}, fmt.Errorf("parse controlee-info-available notification: %w", err)
		}
		if b, ok := tlv.First(inner, tagCtlInfoBytes); ok {
			n.ArbitraryData = b.Value
		}
		return n, nil

	default:
		return Notification{}, fmt.Errorf("notification tag %#04x: %w", item.Tag, ErrUnknownNotification)
	}
}

// decodeLenientSessionID implements §9 Open Question (a): accept
// "1-byte length || N-byte big-endian id" and be lenient on zero-length
// (treated as id 0, i.e. "no default id supplied").
func decodeLenientSessionID(raw []byte) (uint32, error) {
	if len(raw) == 0 {
		return 0, nil
	}
	if int(raw[0]) != len(raw)-1 {
		// Not length-prefixed; treat raw itself as the big-endian id,
		// left-padded if short.
		var buf [4]byte
		if len(raw) > 4 {
			return 0, fmt.Errorf("session id: %d bytes: %w", len(raw), ErrMalformedNotification)
		}
		copy(buf[4-len(raw):], raw)
		return binary.BigEndian.Uint32(buf[:]), nil
	}

	idBytes := raw[1:]
	if len(idBytes) == 0 {
		return 0, nil
	}
	if len(idBytes) > 4 {
		return 0, fmt.Errorf("session id: %d bytes: %w", len(idBytes), ErrMalformedNotification)
	}
	var buf [4]byte
	copy(buf[4-len(idBytes):], idBytes)
	return binary.BigEndian.Uint32(buf[:]), nil
}

// EncodeNotifications is the inverse of parseNotifications, used by tests
// and by simulated SE fakes to build realistic DispatchResponse bodies.
func EncodeNotifications(notifs []Notification) []byte {
	b := tlv.NewBuilder()
	for _, n := range notifs {
		switch n.Kind {
		case NotifAdfSelected:
			b.Add(tagNotifAdfSel, nil)
		case NotifSecureChannelEstablished:
			inner := tlv.NewBuilder()
			if n.DefaultSessionID != nil {
				id := make([]byte, 4)
				binary.BigEndian.PutUint32(id, *n.DefaultSessionID)
				inner.Add(tagChanEstSessID, append([]byte{4}, id...))
			}
			b.AddNested(tagNotifChanEst, inner)
		case NotifSecureSessionAborted:
			b.Add(tagNotifSessAbort, nil)
		case NotifRdsAvailable:
			inner := tlv.NewBuilder()
			id := make([]byte, 4)
			binary.BigEndian.PutUint32(id, n.SessionID)
			inner.Add(tagRdsSessionID, id)
			if n.ArbitraryData != nil {
				inner.Add(tagRdsArbitrary, n.ArbitraryData)
			}
			b.AddNested(tagNotifRds, inner)
		case NotifControleeInfoAvailable:
			inner := tlv.NewBuilder()
			if n.ArbitraryData != nil {
				inner.Add(tagCtlInfoBytes, n.ArbitraryData)
			}
			b.AddNested(tagNotifCtlInfo, inner)
		}
	}
	return b.Bytes()
}

// EncodeDispatchResponseBody builds the response data field (excluding the
// trailing status word) for an OutboundData + notification list. Used by
// simulated SE fakes in tests.
func EncodeDispatchResponseBody(out *OutboundData, notifs []Notification) []byte {
	b := tlv.NewBuilder()
	if out != nil {
		target := byte(0)
		if out.Target == TargetRemote {
			target = 1
		}
		b.Add(tagOutboundTarget, []byte{target})
		b.Add(tagOutboundBytes, out.Bytes)
	}
	if len(notifs) > 0 {
		b.Add(tagNotifications, EncodeNotifications(notifs))
	}
	return b.Bytes()
}
