package dgtlink

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dgt3000/ble-gateway/internal/gwtype"
)

// fakeMaster records every transmitted frame and can be told to fail the
// next N calls.
type fakeMaster struct {
	mu       sync.Mutex
	sent     [][]byte
	addrs    []uint8
	failNext int
}

func (m *fakeMaster) Tx(addr uint8, w []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failNext > 0 {
		m.failNext--
		return errors.New("fake i2c nack")
	}
	frame := append([]byte(nil), w...)
	m.sent = append(m.sent, frame)
	m.addrs = append(m.addrs, addr)
	return nil
}

func (m *fakeMaster) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

func (m *fakeMaster) lastFrame() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		return nil
	}
	return m.sent[len(m.sent)-1]
}

// fakeSlave tracks the currently bound listen address and lets the test
// inject inbound frames by calling the registered handler directly.
type fakeSlave struct {
	mu      sync.Mutex
	addr    uint8
	handler func([]byte)
	binds   []uint8
}

func (s *fakeSlave) Listen(addr uint8, settle time.Duration) error {
	s.mu.Lock()
	s.addr = addr
	s.binds = append(s.binds, addr)
	s.mu.Unlock()
	return nil
}

func (s *fakeSlave) SetRxHandler(h func([]byte)) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

func (s *fakeSlave) deliver(frame []byte) {
	s.mu.Lock()
	h := s.handler
	s.mu.Unlock()
	if h != nil {
		h(frame)
	}
}

func fastLinkConfig() LinkConfig {
	cfg := DefaultLinkConfig()
	cfg.AckTimeout = 20 * time.Millisecond
	cfg.PingTimeout = 20 * time.Millisecond
	cfg.ListenSettle = 0
	cfg.AckPollInterval = time.Millisecond
	return cfg
}

func ackFrame(code uint8) []byte {
	return []byte{SlaveAckAddr, 0x00, 0x01, code, 0x00}
}

func TestConfigureHappyPath(t *testing.T) {
	master := &fakeMaster{}
	slave := &fakeSlave{}
	link := NewClockLink(master, slave, fastLinkConfig())

	if err := link.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- link.Configure() }()

	// Acknowledge SetCentralControl then ChangeState as each arrives.
	deliverAckWhenSent := func(code uint8) {
		deadline := time.Now().Add(time.Second)
		for time.Now().Before(deadline) {
			if f := master.lastFrame(); f != nil && len(f) >= 3 && f[2] == code {
				slave.deliver(ackFrame(code))
				return
			}
			time.Sleep(time.Millisecond)
		}
		t.Errorf("timed out waiting for command %#x to be sent", code)
	}
	deliverAckWhenSent(CmdSetCentralControl)
	deliverAckWhenSent(CmdChangeState)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Configure: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Configure did not return")
	}

	if link.State() != LinkConfigured {
		t.Fatalf("state = %v, want Configured", link.State())
	}
	if !link.Connected() {
		t.Fatal("expected Connected() true after successful configure")
	}
}

func TestConfigureColdStartRetriesChangeStateAfterPing(t *testing.T) {
	master := &fakeMaster{failNext: 1} // first ChangeState transmit fails
	slave := &fakeSlave{}
	link := NewClockLink(master, slave, fastLinkConfig())
	_ = link.Initialize()

	done := make(chan error, 1)
	go func() { done <- link.Configure() }()

	// The ping response arrives quickly; ChangeState retry, then the two
	// ack-required commands, must all succeed.
	time.Sleep(5 * time.Millisecond)
	slave.deliver(pingResponse)

	deliverAckWhenSent := func(code uint8) {
		deadline := time.Now().Add(time.Second)
		for time.Now().Before(deadline) {
			if f := master.lastFrame(); f != nil && len(f) >= 3 && f[2] == code {
				slave.deliver(ackFrame(code))
				return
			}
			time.Sleep(time.Millisecond)
		}
		t.Errorf("timed out waiting for command %#x to be sent", code)
	}
	deliverAckWhenSent(CmdSetCentralControl)
	deliverAckWhenSent(CmdChangeState)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Configure: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Configure did not return")
	}
	if link.State() != LinkConfigured {
		t.Fatalf("state = %v, want Configured", link.State())
	}
}

func TestConfigureFailsWhenClockNeverAcks(t *testing.T) {
	master := &fakeMaster{}
	slave := &fakeSlave{}
	link := NewClockLink(master, slave, fastLinkConfig())
	_ = link.Initialize()

	err := link.Configure()
	if err == nil {
		t.Fatal("expected Configure to fail when no ACK ever arrives")
	}
	if link.Connected() {
		t.Fatal("Connected() should be false after a failed configure")
	}
}

func TestSendAckMismatchIsIgnoredNotFatal(t *testing.T) {
	master := &fakeMaster{}
	slave := &fakeSlave{}
	link := NewClockLink(master, slave, fastLinkConfig())

	done := make(chan error, 1)
	go func() { done <- link.ChangeState() }()

	time.Sleep(5 * time.Millisecond)
	slave.deliver(ackFrame(CmdSetCentralControl)) // wrong code, must be ignored
	time.Sleep(2 * time.Millisecond)
	slave.deliver(ackFrame(CmdChangeState)) // correct code

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("ChangeState: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("ChangeState did not return")
	}
}

func TestPingTimesOutWithoutResponse(t *testing.T) {
	master := &fakeMaster{}
	slave := &fakeSlave{}
	link := NewClockLink(master, slave, fastLinkConfig())

	if link.Ping() {
		t.Fatal("Ping() should return false when no response arrives")
	}
}

func TestPingSucceedsOnResponse(t *testing.T) {
	master := &fakeMaster{}
	slave := &fakeSlave{}
	link := NewClockLink(master, slave, fastLinkConfig())

	result := make(chan bool, 1)
	go func() { result <- link.Ping() }()
	time.Sleep(3 * time.Millisecond)
	slave.deliver(pingResponse)

	select {
	case ok := <-result:
		if !ok {
			t.Fatal("Ping() should return true when a matching response arrives")
		}
	case <-time.After(time.Second):
		t.Fatal("Ping did not return")
	}
}

func TestOnRxTimeFrameUpdatesSnapshotAndConsumeOnReadFlag(t *testing.T) {
	master := &fakeMaster{}
	slave := &fakeSlave{}
	link := NewClockLink(master, slave, fastLinkConfig())

	buf := make([]byte, 14)
	buf[0] = SlaveAckAddr
	buf[1] = 0x18
	buf[2] = 0x04
	buf[4] = 0x00
	buf[5] = bcdEncode(7)
	buf[6] = bcdEncode(15)
	buf[10] = 0x00
	buf[11] = bcdEncode(7)
	buf[12] = bcdEncode(15)
	slave.deliver(buf)

	if !link.IsNewTimeAvailable() {
		t.Fatal("expected new time flag to be set")
	}
	if link.IsNewTimeAvailable() {
		t.Fatal("IsNewTimeAvailable should consume the flag on first read")
	}
	got := link.GetTime()
	want := gwtype.ClockTime{LeftMinutes: 7, LeftSeconds: 15, RightMinutes: 7, RightSeconds: 15}
	if got != want {
		t.Fatalf("GetTime() = %+v, want %+v", got, want)
	}
	if !link.Connected() {
		t.Fatal("an inbound time frame should mark the link connected")
	}
}

func TestOnRxButtonFrameFeedsRing(t *testing.T) {
	master := &fakeMaster{}
	slave := &fakeSlave{}
	link := NewClockLink(master, slave, fastLinkConfig())

	slave.deliver([]byte{SlaveAckAddr, 0x00, 0x05, 0x01, 0x00})
	code, ok := link.GetButtonEvent()
	if !ok || code != 0x01 {
		t.Fatalf("GetButtonEvent() = (%#x, %v), want (0x01, true)", code, ok)
	}
	if link.GetButtonState() != 0x01 {
		t.Fatalf("GetButtonState() = %#x, want 0x01", link.GetButtonState())
	}
}

func TestEndDisplayAndSetAndRunDoNotSwitchListenAddress(t *testing.T) {
	master := &fakeMaster{}
	slave := &fakeSlave{}
	link := NewClockLink(master, slave, fastLinkConfig())
	_ = link.Initialize()

	if err := link.EndDisplay(); err != nil {
		t.Fatalf("EndDisplay: %v", err)
	}
	if err := link.SetAndRun(gwtype.ClockTime{}, ModeStop, ModeStop); err != nil {
		t.Fatalf("SetAndRun: %v", err)
	}

	for _, addr := range slave.binds {
		if addr != SlaveDataAddr {
			t.Fatalf("binds = %v, want all SlaveDataAddr (no ack switch for EndDisplay/SetAndRun)", slave.binds)
		}
	}
}

func TestSendExhaustsRetriesAndDemotesConfiguredState(t *testing.T) {
	master := &fakeMaster{}
	slave := &fakeSlave{}
	link := NewClockLink(master, slave, fastLinkConfig())
	link.setState(LinkConfigured)
	link.connected.Store(true)

	err := link.ChangeState() // no ACK will ever arrive
	if err == nil {
		t.Fatal("expected an error when ACK never arrives")
	}
	if link.State() != LinkInitialized {
		t.Fatalf("state = %v, want demoted to Initialized", link.State())
	}
	if link.Connected() {
		t.Fatal("expected Connected() false after exhausted retries")
	}
	if master.calls() != 3 {
		t.Fatalf("expected 3 attempts (withRetry=true), got %d", master.calls())
	}
}
