package dgtlink

import (
	"fmt"

	"github.com/dgt3000/ble-gateway/internal/gwtype"
)

// Dot mask bits for displayText's leftDots/rightDots parameters. EXTRA
// is only meaningful on the left side.
const (
	DotFlag      uint8 = 0x01
	DotWhiteKing uint8 = 0x02
	DotBlackKing uint8 = 0x04
	DotColon     uint8 = 0x08
	DotDot       uint8 = 0x10
	DotExtra     uint8 = 0x20

	leftDotMask  = DotFlag | DotWhiteKing | DotBlackKing | DotColon | DotDot | DotExtra
	rightDotMask = DotFlag | DotWhiteKing | DotBlackKing | DotColon | DotDot
)

const maxDisplayTextLen = 11
const maxBeep = 48

// buildSimpleFrame builds a command frame carrying no payload beyond the
// command code: [0x20, length, code, CRC].
func buildSimpleFrame(code uint8) []byte {
	frame := make([]byte, 4)
	frame[0] = frameLead
	frame[1] = byte(len(frame))
	frame[2] = code
	return sealFrame(frame)
}

// buildPingFrame builds the literal wake-up ping: 0x20 0x05 0x0D <crc>.
// The length byte is a fixed protocol quirk (it does not equal the
// actual 4-byte frame length) and is reproduced verbatim.
func buildPingFrame() []byte {
	frame := []byte{frameLead, 0x05, CmdPing, 0}
	return sealFrame(frame)
}

// pingResponse is the fixed 6-byte reply to a successful wake-up ping.
var pingResponse = []byte{0x10, 0x07, wakeUpResponseMarker, 0x22, 0x01, 0x05}

// buildSetAndRunFrame builds the SetAndRun command frame. leftMode and
// rightMode must each be in {0,1,2}; hours <= 9; minutes/seconds <= 59.
func buildSetAndRunFrame(t gwtype.ClockTime, leftMode, rightMode uint8) ([]byte, error) {
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("dgtlink: set-and-run: %w", err)
	}
	if leftMode > 2 || rightMode > 2 {
		return nil, fmt.Errorf("dgtlink: set-and-run: mode must be 0-2, got left=%d right=%d", leftMode, rightMode)
	}
	frame := make([]byte, 11)
	frame[0] = frameLead
	frame[1] = byte(len(frame))
	frame[2] = CmdSetAndRun
	frame[3] = t.LeftHours
	frame[4] = bcdEncode(t.LeftMinutes)
	frame[5] = bcdEncode(t.LeftSeconds)
	frame[6] = t.RightHours
	frame[7] = bcdEncode(t.RightMinutes)
	frame[8] = bcdEncode(t.RightSeconds)
	frame[9] = leftMode | (rightMode << 2)
	return sealFrame(frame), nil
}

// buildDisplayFrame builds the Display command frame showing text (<=11
// chars), an optional beep duration (<=48), and per-side dot masks.
func buildDisplayFrame(text string, beep uint8, leftDots, rightDots uint8) ([]byte, error) {
	if len(text) > maxDisplayTextLen {
		return nil, fmt.Errorf("dgtlink: display text %q exceeds %d characters", text, maxDisplayTextLen)
	}
	if beep > maxBeep {
		return nil, fmt.Errorf("dgtlink: beep %d exceeds max %d", beep, maxBeep)
	}
	if leftDots&^leftDotMask != 0 {
		return nil, fmt.Errorf("dgtlink: leftDots %#x has bits outside the valid mask", leftDots)
	}
	if rightDots&^rightDotMask != 0 {
		return nil, fmt.Errorf("dgtlink: rightDots %#x has bits outside the valid mask (no EXTRA)", rightDots)
	}

	payload := make([]byte, maxDisplayTextLen+3)
	copy(payload, text)
	payload[maxDisplayTextLen] = beep
	payload[maxDisplayTextLen+1] = leftDots
	payload[maxDisplayTextLen+2] = rightDots

	frame := make([]byte, 0, 3+len(payload)+1)
	frame = append(frame, frameLead, 0, CmdDisplay)
	frame = append(frame, payload...)
	frame = append(frame, 0)
	frame[1] = byte(len(frame))
	return sealFrame(frame), nil
}

// inboundKind classifies a parsed inbound frame.
type inboundKind int

const (
	inboundUnknown inboundKind = iota
	inboundAck
	inboundPingResponse
	inboundTime
	inboundButton
)

// inboundFrame is the decoded result of classifyInbound.
type inboundFrame struct {
	kind        inboundKind
	ackCode     uint8
	pingMatched bool
	time        gwtype.ClockTime
	buttonCur   uint8
	buttonPrev  uint8
}

// classifyInbound dispatches a raw slave-receive buffer by its frame
// type byte. It returns ok=false for frames that should be silently
// dropped (too short, wrong address, unrecognized type, or a
// validation failure).
func classifyInbound(buf []byte) (inboundFrame, bool) {
	if len(buf) < 3 || buf[0] != SlaveAckAddr {
		return inboundFrame{}, false
	}
	switch buf[2] {
	case 0x01:
		if len(buf) < 5 {
			return inboundFrame{}, false
		}
		return inboundFrame{kind: inboundAck, ackCode: buf[3]}, true
	case wakeUpResponseMarker:
		matched := len(buf) >= 6 && bytesEqual(buf[:6], pingResponse)
		return inboundFrame{kind: inboundPingResponse, pingMatched: matched}, matched
	case 0x04:
		return classifyTimeFrame(buf)
	case 0x05:
		if len(buf) < 5 {
			return inboundFrame{}, false
		}
		return inboundFrame{kind: inboundButton, buttonCur: buf[3], buttonPrev: buf[4]}, true
	default:
		return inboundFrame{}, false
	}
}

func classifyTimeFrame(buf []byte) (inboundFrame, bool) {
	if len(buf) < 14 || buf[1] != 0x18 {
		return inboundFrame{}, false
	}
	if len(buf) > 19 && buf[19] == 1 {
		return inboundFrame{}, false // echo of our own write, drop
	}
	t := gwtype.ClockTime{
		LeftHours:    buf[4] & 0x0F,
		LeftMinutes:  bcdDecode(buf[5]),
		LeftSeconds:  bcdDecode(buf[6]),
		RightHours:   buf[10] & 0x0F,
		RightMinutes: bcdDecode(buf[11]),
		RightSeconds: bcdDecode(buf[12]),
	}
	if err := t.Validate(); err != nil {
		return inboundFrame{}, false
	}
	return inboundFrame{kind: inboundTime, time: t}, true
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
