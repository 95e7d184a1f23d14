// Package apdu builds and parses ISO 7816-4 Command and Response APDUs
// exchanged with the Secure Element, and defines the canonical status
// words referenced throughout the secure-channel/secure-session dialog
// (spec.md §4.5).
package apdu

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// StatusWord is the two-byte SW1/SW2 trailer of a Response APDU.
type StatusWord uint16

// Canonical status words (spec.md §4.5).
const (
	SWNoError                  StatusWord = 0x9000
	SWConditionsNotSatisfied   StatusWord = 0x6985
	SWWrongLength              StatusWord = 0x6700
	SWFileNotFound             StatusWord = 0x6A82
	SWNotEnoughMemory          StatusWord = 0x6A84
	SWIncorrectP1P2            StatusWord = 0x6A86
	SWFunctionNotSupported     StatusWord = 0x6A81

	// SWAppletSelectFailed is pushed over OOB when a local secure-channel
	// setup step fails, so the peer can unwind instead of waiting on a
	// dialog that will never complete (spec.md §4.3, §7 "Secure-channel
	// setup errors"). Same wire value as SWFileNotFound (applet/file not
	// found); named separately because here it always means "select
	// failed, give up" rather than "this particular file is absent".
	SWAppletSelectFailed StatusWord = 0x6A82
)

// IsSuccess reports whether sw indicates successful completion (SW_NO_ERROR).
func (sw StatusWord) IsSuccess() bool {
	return sw == SWNoError
}

// String returns a short human-readable name for well-known status words.
func (sw StatusWord) String() string {
	switch sw {
	case SWNoError:
		return "NO_ERROR"
	case SWConditionsNotSatisfied:
		return "CONDITIONS_NOT_SATISFIED"
	case SWWrongLength:
		return "WRONG_LENGTH"
	case SWFileNotFound:
		return "FILE_NOT_FOUND"
	case SWNotEnoughMemory:
		return "NOT_ENOUGH_MEMORY"
	case SWIncorrectP1P2:
		return "INCORRECT_P1P2"
	case SWFunctionNotSupported:
		return "FUNCTION_NOT_SUPPORTED"
	default:
		return fmt.Sprintf("SW(%#04x)", uint16(sw))
	}
}

// Command is a Case-4 extended-length Command APDU: CLA INS P1 P2, an
// optional command data field, and an expected response length (Le).
type Command struct {
	CLA, INS, P1, P2 byte
	Data             []byte
	// Le is the expected response length. 0 means "use extended Le=0
	// (up to 65536 bytes)", matching typical FiRa CSML tunnel usage.
	Le int
}

// Errors returned by the codec.
var (
	ErrTruncated     = errors.New("apdu: truncated response")
	ErrDataTooLarge  = errors.New("apdu: command data exceeds extended-length maximum")
	ErrInvalidLength = errors.New("apdu: invalid extended length encoding")
)

// maxExtendedData is the maximum Lc for extended-length APDUs (2 bytes, big
// endian, excluding the 0x00 0x00 "extended" marker -> up to 65535 bytes).
const maxExtendedData = 65535

// Marshal encodes c as an extended-length Case-4 Command APDU:
//
//	CLA INS P1 P2 00 LcHi LcLo <data> LeHi LeLo
//
// The leading 0x00 after P1P2 signals extended-length encoding per
// ISO 7816-4. When Data is empty, Lc is omitted (Case-2 extended form).
func (c Command) Marshal() ([]byte, error) {
	if len(c.Data) > maxExtendedData {
		return nil, fmt.Errorf("marshal: %d bytes: %w", len(c.Data), ErrDataTooLarge)
	}

	out := []byte{c.CLA, c.INS, c.P1, c.P2}

	if len(c.Data) > 0 {
		out = append(out, 0x00)
		lc := make([]byte, 2)
		binary.BigEndian.PutUint16(lc, uint16(len(c.Data)))
		out = append(out, lc...)
		out = append(out, c.Data...)
	} else {
		out = append(out, 0x00)
	}

	le := make([]byte, 2)
	binary.BigEndian.PutUint16(le, uint16(c.Le))
	out = append(out, le...)

	return out, nil
}

// Response is a parsed Response APDU: optional data plus the mandatory
// trailing status word.
type Response struct {
	Data []byte
	SW   StatusWord
}

// Parse decodes buf as a Response APDU: zero or more data bytes followed by
// a mandatory two-byte status word.
func Parse(buf []byte) (Response, error) {
	if len(buf) < 2 {
		return Response{}, fmt.Errorf("parse: %d bytes: %w", len(buf), ErrTruncated)
	}

	n := len(buf)
	sw := StatusWord(binary.BigEndian.Uint16(buf[n-2:]))

	data := make([]byte, n-2)
	copy(data, buf[:n-2])

	return Response{Data: data, SW: sw}, nil
}

// Bytes re-serializes r to its wire form (data followed by SW1SW2).
func (r Response) Bytes() []byte {
	out := make([]byte, len(r.Data)+2)
	copy(out, r.Data)
	binary.BigEndian.PutUint16(out[len(r.Data):], uint16(r.SW))
	return out
}
