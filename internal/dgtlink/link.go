package dgtlink

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgt3000/ble-gateway/internal/gwtype"
)

// LinkState is the clock link's connection/configure state machine.
type LinkState int

const (
	LinkUninitialized LinkState = iota
	LinkInitialized
	LinkConnected
	LinkConfigured
)

func (s LinkState) String() string {
	switch s {
	case LinkUninitialized:
		return "uninitialized"
	case LinkInitialized:
		return "initialized"
	case LinkConnected:
		return "connected"
	case LinkConfigured:
		return "configured"
	default:
		return "unknown"
	}
}

// SetAndRun mode values. Only Stop's meaning is pinned down by the
// configure sequence ("SetAndRun with all zeros and mode Stop"); the
// other two values are validated (0-2) but otherwise opaque pass-throughs
// to the clock.
const (
	ModeStop uint8 = 0
	ModeOne  uint8 = 1
	ModeTwo  uint8 = 2
)

// LinkConfig carries the link layer's addresses and timing constants. Use
// DefaultLinkConfig() and override only what a test rig needs to remap.
type LinkConfig struct {
	MasterTargetAddr uint8
	WakeUpAddr       uint8
	SlaveDataAddr    uint8
	SlaveAckAddr     uint8
	AckTimeout       time.Duration
	PingTimeout      time.Duration
	ListenSettle     time.Duration
	AckPollInterval  time.Duration
}

// DefaultLinkConfig returns the protocol's bit-exact addresses and nominal timings.
func DefaultLinkConfig() LinkConfig {
	return LinkConfig{
		MasterTargetAddr: MasterTargetAddr,
		WakeUpAddr:       WakeUpAddr,
		SlaveDataAddr:    SlaveDataAddr,
		SlaveAckAddr:     SlaveAckAddr,
		AckTimeout:       50 * time.Millisecond,
		PingTimeout:      100 * time.Millisecond,
		ListenSettle:     10 * time.Millisecond,
		AckPollInterval:  5 * time.Millisecond,
	}
}

// ClockLink is the DGT3000 link layer. All exported methods are
// called from the clock-task context; onRx runs from the slave-receive
// callback and never blocks or locks.
type ClockLink struct {
	master MasterBus
	slave  SlaveBus
	cfg    LinkConfig

	mu          sync.Mutex // guards state, configuring, lastErr (task-context only)
	state       LinkState
	configuring bool
	lastErr     error

	connected atomic.Bool

	newAck          atomic.Bool
	ackCode         atomic.Uint32
	newPingResponse atomic.Bool
	newTime         atomic.Bool
	timeSnapshot    atomic.Pointer[gwtype.ClockTime]
	buttonState     atomic.Uint32
	ring            buttonRing
}

// NewClockLink builds a ClockLink over the given master/slave buses and
// registers the slave-receive callback.
func NewClockLink(master MasterBus, slave SlaveBus, cfg LinkConfig) *ClockLink {
	l := &ClockLink{master: master, slave: slave, cfg: cfg, state: LinkUninitialized}
	slave.SetRxHandler(l.onRx)
	return l
}

// State returns the current ClockLinkState.
func (l *ClockLink) State() LinkState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *ClockLink) setState(s LinkState) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

// Connected reports whether the clock has been heard from recently,
// tracked independently from the link's configure state machine.
func (l *ClockLink) Connected() bool {
	return l.connected.Load()
}

// LastError returns the most recently recorded transport error, or nil.
func (l *ClockLink) LastError() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastErr
}

// ErrorString renders LastError as a short human string, or "" if none.
func (l *ClockLink) ErrorString() string {
	if err := l.LastError(); err != nil {
		return err.Error()
	}
	return ""
}

func (l *ClockLink) setLastError(err error) {
	l.mu.Lock()
	l.lastErr = err
	l.mu.Unlock()
}

// Initialize binds the slave bus to the data-frame listen address and
// transitions Uninitialized -> Initialized.
func (l *ClockLink) Initialize() error {
	if err := l.slave.Listen(l.cfg.SlaveDataAddr, l.cfg.ListenSettle); err != nil {
		return fmt.Errorf("dgtlink: initialize: %w", err)
	}
	l.setState(LinkInitialized)
	return nil
}

// End tears the link down to Uninitialized with no further I2C traffic,
// for the restart-on-disconnect path.
func (l *ClockLink) End() {
	l.setState(LinkUninitialized)
	l.connected.Store(false)
}

// Configure runs the clock's configure sequence: ChangeState (no ack, with a
// cold-start ping retry), SetCentralControl (ack), ChangeState (ack),
// SetAndRun(zero, Stop). A re-entry guard rejects concurrent calls.
func (l *ClockLink) Configure() error {
	l.mu.Lock()
	if l.configuring {
		l.mu.Unlock()
		return fmt.Errorf("dgtlink: configure already in progress")
	}
	l.configuring = true
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		l.configuring = false
		l.mu.Unlock()
	}()

	if err := l.changeStateNoAck(); err != nil {
		l.sendPing()
		if err2 := l.changeStateNoAck(); err2 != nil {
			l.setLastError(gwtype.ErrClockOff)
			return gwtype.ErrClockOff
		}
	}

	central := buildSimpleFrame(CmdSetCentralControl)
	if err := l.send(central, l.cfg.SlaveAckAddr, CmdSetCentralControl, 1, l.cfg.MasterTargetAddr, true); err != nil {
		return err
	}

	changeState := buildSimpleFrame(CmdChangeState)
	if err := l.send(changeState, l.cfg.SlaveAckAddr, CmdChangeState, 1, l.cfg.MasterTargetAddr, true); err != nil {
		return err
	}

	if err := l.SetAndRun(gwtype.ClockTime{}, ModeStop, ModeStop); err != nil {
		return err
	}

	l.setState(LinkConfigured)
	l.connected.Store(true)
	return nil
}

func (l *ClockLink) changeStateNoAck() error {
	frame := buildSimpleFrame(CmdChangeState)
	return l.send(frame, l.cfg.SlaveDataAddr, 0, 0, l.cfg.MasterTargetAddr, false)
}

// ChangeState sends a ChangeState command and waits for its ACK, with retry.
func (l *ClockLink) ChangeState() error {
	frame := buildSimpleFrame(CmdChangeState)
	return l.send(frame, l.cfg.SlaveAckAddr, CmdChangeState, 1, l.cfg.MasterTargetAddr, true)
}

// Ping issues the wake-up handshake. A false result is not fatal; the
// caller decides whether and how to react.
func (l *ClockLink) Ping() bool {
	return l.sendPing()
}

func (l *ClockLink) sendPing() bool {
	l.newPingResponse.Store(false)
	_ = l.slave.Listen(l.cfg.SlaveDataAddr, l.cfg.ListenSettle)

	frame := buildPingFrame()
	if err := l.master.Tx(l.cfg.WakeUpAddr, frame); err != nil {
		l.setLastError(gwtype.ErrI2CComm)
	}

	deadline := time.Now().Add(l.cfg.PingTimeout)
	for {
		if l.newPingResponse.Load() {
			l.newPingResponse.Store(false)
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(l.cfg.AckPollInterval)
	}
}

// EndDisplay clears the text display. It deliberately does not wait for
// an ACK: waiting would force a slave-address retune and risk losing an
// in-flight button frame.
func (l *ClockLink) EndDisplay() error {
	frame := buildSimpleFrame(CmdEndDisplay)
	return l.send(frame, l.cfg.SlaveDataAddr, 0, 0, l.cfg.MasterTargetAddr, false)
}

// DisplayText shows text (<=11 chars) with an optional beep and per-side
// dot masks, clearing any prior text first.
func (l *ClockLink) DisplayText(text string, beep, leftDots, rightDots uint8) error {
	frame, err := buildDisplayFrame(text, beep, leftDots, rightDots)
	if err != nil {
		return err
	}
	if err := l.EndDisplay(); err != nil {
		return err
	}
	return l.send(frame, l.cfg.SlaveAckAddr, CmdDisplay, 1, l.cfg.MasterTargetAddr, true)
}

// SetAndRun sets both sides' time and mode. Like EndDisplay, it
// deliberately does not wait for an ACK.
func (l *ClockLink) SetAndRun(t gwtype.ClockTime, leftMode, rightMode uint8) error {
	frame, err := buildSetAndRunFrame(t, leftMode, rightMode)
	if err != nil {
		return err
	}
	return l.send(frame, l.cfg.SlaveDataAddr, 0, 0, l.cfg.MasterTargetAddr, false)
}

// Stop sets mode Stop on both sides, preserving the last-known time snapshot.
func (l *ClockLink) Stop() error {
	return l.SetAndRun(l.GetTime(), ModeStop, ModeStop)
}

// Run starts both sides from the last-known time snapshot with the given modes.
func (l *ClockLink) Run(leftMode, rightMode uint8) error {
	return l.SetAndRun(l.GetTime(), leftMode, rightMode)
}

// PowerOff signals the clock to end the session. The clock frequently
// will not acknowledge this (it may already be powering down), so it is
// sent best-effort; the link still transitions Configured -> Initialized
// regardless of the wire outcome.
func (l *ClockLink) PowerOff() error {
	frame := buildSimpleFrame(CmdChangeState)
	err := l.send(frame, l.cfg.SlaveDataAddr, 0, 0, l.cfg.MasterTargetAddr, false)
	l.setState(LinkInitialized)
	l.connected.Store(false)
	return err
}

// GetTime returns the last parsed time snapshot (zero value if none yet).
func (l *ClockLink) GetTime() gwtype.ClockTime {
	if p := l.timeSnapshot.Load(); p != nil {
		return *p
	}
	return gwtype.ClockTime{}
}

// IsNewTimeAvailable consumes the new-time flag (consume-on-read).
func (l *ClockLink) IsNewTimeAvailable() bool {
	return l.newTime.CompareAndSwap(true, false)
}

// GetButtonEvent consumes and returns the oldest ring-buffered button
// event code, if any.
func (l *ClockLink) GetButtonEvent() (uint8, bool) {
	return l.ring.pop()
}

// GetButtonState returns the clock's current raw button mask.
func (l *ClockLink) GetButtonState() uint8 {
	return uint8(l.buttonState.Load())
}

// send implements the link's send algorithm: up to 3 attempts when
// withRetry, each of which binds the slave listen address, clears new_ack,
// transmits, and (if acksRequired) awaits the expected ACK code. On total
// failure the slave reverts to the data address and the link is marked
// disconnected (and, if it was Configured, demoted to Initialized).
func (l *ClockLink) send(frame []byte, ackListenAddr, expectedAckCode uint8, acksRequired int, targetAddr uint8, withRetry bool) error {
	attempts := 1
	if withRetry {
		attempts = 3
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := l.slave.Listen(ackListenAddr, l.cfg.ListenSettle); err != nil {
			l.setLastError(gwtype.ErrI2CComm)
			lastErr = gwtype.ErrI2CComm
			continue
		}
		l.newAck.Store(false)

		if err := l.master.Tx(targetAddr, frame); err != nil {
			l.setLastError(gwtype.ErrI2CComm)
			lastErr = gwtype.ErrI2CComm
			continue
		}

		if acksRequired == 0 {
			return nil
		}

		if l.awaitAck(expectedAckCode) {
			l.revertToDataAddr()
			return nil
		}
		lastErr = gwtype.ErrTimeout
	}

	l.revertToDataAddr()
	l.connected.Store(false)
	l.mu.Lock()
	if l.state == LinkConfigured {
		l.state = LinkInitialized
	}
	l.mu.Unlock()
	if lastErr == nil {
		lastErr = gwtype.ErrI2CComm
	}
	l.setLastError(lastErr)
	return lastErr
}

func (l *ClockLink) revertToDataAddr() {
	_ = l.slave.Listen(l.cfg.SlaveDataAddr, l.cfg.ListenSettle)
}

func (l *ClockLink) awaitAck(expected uint8) bool {
	deadline := time.Now().Add(l.cfg.AckTimeout)
	for {
		if l.newAck.Load() {
			code := uint8(l.ackCode.Load())
			l.newAck.Store(false)
			if code == expected {
				return true
			}
			// A mismatched ACK is ignored, not fatal; keep polling.
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(l.cfg.AckPollInterval)
	}
}

// onRx is the slave-receive callback: interrupt-adjacent, single-producer
// writes to volatile flags and the button ring only.
func (l *ClockLink) onRx(buf []byte) {
	frame, ok := classifyInbound(buf)
	if !ok {
		return
	}
	switch frame.kind {
	case inboundAck:
		l.ackCode.Store(uint32(frame.ackCode))
		l.newAck.Store(true)
	case inboundPingResponse:
		l.newPingResponse.Store(true)
	case inboundTime:
		t := frame.time
		l.timeSnapshot.Store(&t)
		l.newTime.Store(true)
		l.connected.CompareAndSwap(false, true)
	case inboundButton:
		l.buttonState.Store(uint32(frame.buttonCur))
		if code, changed := classifyButtonEvent(frame.buttonCur, frame.buttonPrev); changed {
			l.ring.push(code)
		}
	}
}
