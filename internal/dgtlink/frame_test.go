package dgtlink

import (
	"testing"

	"github.com/dgt3000/ble-gateway/internal/gwtype"
)

func TestBuildSetAndRunFrameByteLayout(t *testing.T) {
	// left 0:05:30 mode 1, right 1:12:45 mode 1 ->
	// byte4 = bcd(5) = 0x05, byte9 = 0x01 | (0x01<<2) = 0x05.
	tm := gwtype.ClockTime{
		LeftHours: 0, LeftMinutes: 5, LeftSeconds: 30,
		RightHours: 1, RightMinutes: 12, RightSeconds: 45,
	}
	frame, err := buildSetAndRunFrame(tm, 1, 1)
	if err != nil {
		t.Fatalf("buildSetAndRunFrame: %v", err)
	}
	if len(frame) != 11 {
		t.Fatalf("frame length = %d, want 11", len(frame))
	}
	if frame[2] != CmdSetAndRun {
		t.Errorf("frame[2] = %#x, want CmdSetAndRun", frame[2])
	}
	if frame[3] != 0x00 {
		t.Errorf("frame[3] (left hours) = %#x, want 0x00", frame[3])
	}
	if frame[4] != 0x05 {
		t.Errorf("frame[4] (left minutes bcd) = %#x, want 0x05", frame[4])
	}
	if frame[5] != 0x30 {
		t.Errorf("frame[5] (left seconds bcd) = %#x, want 0x30", frame[5])
	}
	if frame[6] != 0x01 {
		t.Errorf("frame[6] (right hours) = %#x, want 0x01", frame[6])
	}
	if frame[7] != 0x12 {
		t.Errorf("frame[7] (right minutes bcd) = %#x, want 0x12", frame[7])
	}
	if frame[8] != 0x45 {
		t.Errorf("frame[8] (right seconds bcd) = %#x, want 0x45", frame[8])
	}
	if frame[9] != 0x05 {
		t.Errorf("frame[9] (mode byte) = %#x, want 0x05", frame[9])
	}
	if !verifyFrameCRC(frame) {
		t.Errorf("frame %x fails its own CRC", frame)
	}
}

func TestBuildSetAndRunFrameRejectsInvalidTime(t *testing.T) {
	bad := gwtype.ClockTime{LeftHours: 0, LeftMinutes: 60, LeftSeconds: 0}
	if _, err := buildSetAndRunFrame(bad, 0, 0); err == nil {
		t.Fatal("expected error for minutes == 60")
	}
}

func TestBuildSetAndRunFrameRejectsInvalidMode(t *testing.T) {
	if _, err := buildSetAndRunFrame(gwtype.ClockTime{}, 3, 0); err == nil {
		t.Fatal("expected error for mode == 3")
	}
}

func TestBuildDisplayFrameRejectsOverlongText(t *testing.T) {
	if _, err := buildDisplayFrame("123456789012", 0, 0, 0); err == nil {
		t.Fatal("expected error for 12-character text")
	}
}

func TestBuildDisplayFrameRejectsExtraDotOnRightSide(t *testing.T) {
	if _, err := buildDisplayFrame("hi", 0, 0, DotExtra); err == nil {
		t.Fatal("expected error: EXTRA dot is not valid on the right side")
	}
}

func TestBuildDisplayFrameAcceptsValidInput(t *testing.T) {
	frame, err := buildDisplayFrame("end", 10, DotColon|DotExtra, DotFlag)
	if err != nil {
		t.Fatalf("buildDisplayFrame: %v", err)
	}
	if !verifyFrameCRC(frame) {
		t.Errorf("frame %x fails its own CRC", frame)
	}
	if frame[2] != CmdDisplay {
		t.Errorf("frame[2] = %#x, want CmdDisplay", frame[2])
	}
}

func TestClassifyInboundAck(t *testing.T) {
	buf := []byte{SlaveAckAddr, 0x00, 0x01, CmdChangeState, 0x00}
	got, ok := classifyInbound(buf)
	if !ok || got.kind != inboundAck || got.ackCode != CmdChangeState {
		t.Fatalf("classifyInbound(%x) = %+v, %v", buf, got, ok)
	}
}

func TestClassifyInboundPingResponseRequiresExactMatch(t *testing.T) {
	got, ok := classifyInbound(pingResponse)
	if !ok || got.kind != inboundPingResponse {
		t.Fatalf("classifyInbound(pingResponse) = %+v, %v, want ok ping response", got, ok)
	}
	corrupted := append([]byte(nil), pingResponse...)
	corrupted[3] ^= 0xFF
	if _, ok := classifyInbound(corrupted); ok {
		t.Fatal("corrupted ping response should not classify as a match")
	}
}

func TestClassifyInboundUnknownTypeDropped(t *testing.T) {
	buf := []byte{SlaveAckAddr, 0x00, 0xFE, 0x00}
	if _, ok := classifyInbound(buf); ok {
		t.Fatal("unrecognized frame type should be dropped")
	}
}

func TestClassifyTimeFrameParsesFields(t *testing.T) {
	buf := make([]byte, 14)
	buf[0] = SlaveAckAddr
	buf[1] = 0x18
	buf[2] = 0x04
	buf[4] = 0x00          // left hours
	buf[5] = bcdEncode(5)  // left minutes
	buf[6] = bcdEncode(30) // left seconds
	buf[10] = 0x01         // right hours
	buf[11] = bcdEncode(12)
	buf[12] = bcdEncode(45)

	got, ok := classifyInbound(buf)
	if !ok || got.kind != inboundTime {
		t.Fatalf("classifyInbound(time frame) = %+v, %v", got, ok)
	}
	want := gwtype.ClockTime{LeftHours: 0, LeftMinutes: 5, LeftSeconds: 30, RightHours: 1, RightMinutes: 12, RightSeconds: 45}
	if got.time != want {
		t.Fatalf("time = %+v, want %+v", got.time, want)
	}
}

func TestClassifyTimeFrameDropsEcho(t *testing.T) {
	buf := make([]byte, 20)
	buf[0] = SlaveAckAddr
	buf[1] = 0x18
	buf[2] = 0x04
	buf[19] = 1
	if _, ok := classifyInbound(buf); ok {
		t.Fatal("echo frame (buf[19] == 1) should be dropped")
	}
}

func TestClassifyTimeFrameDropsInvalidTime(t *testing.T) {
	buf := make([]byte, 14)
	buf[0] = SlaveAckAddr
	buf[1] = 0x18
	buf[2] = 0x04
	buf[5] = bcdEncode(61) // invalid minutes
	if _, ok := classifyInbound(buf); ok {
		t.Fatal("out-of-range minutes should be dropped")
	}
}

func TestClassifyInboundButtonFrame(t *testing.T) {
	buf := []byte{SlaveAckAddr, 0x00, 0x05, 0x04, 0x00}
	got, ok := classifyInbound(buf)
	if !ok || got.kind != inboundButton || got.buttonCur != 0x04 || got.buttonPrev != 0x00 {
		t.Fatalf("classifyInbound(button frame) = %+v, %v", got, ok)
	}
}
