package task

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgt3000/ble-gateway/internal/dgtlink"
	"github.com/dgt3000/ble-gateway/internal/gwtype"
	"github.com/dgt3000/ble-gateway/internal/queue"
)

// Button-repeat cadence.
const (
	repeatFirstHold = 800 * time.Millisecond
	repeatCadence   = 400 * time.Millisecond
)

// Config holds the timing and identity knobs ClockTask needs beyond what
// it reads from the link itself.
type Config struct {
	LoopPeriod          time.Duration
	ResponseSendTimeout time.Duration
	EventSendTimeout    time.Duration
	RecoveryDelay       time.Duration
	RecoveryMaxAttempts uint32 // 0 = unbounded
	FirmwareVersion     string
	DeviceName          string
}

// ClockTask owns the ClockLink instance and drives the cooperative I2C
// loop: command dispatch, event generation, connection monitoring, and
// reconnect recovery.
type ClockTask struct {
	link      *dgtlink.ClockLink
	transport *queue.Transport
	probe     gwtype.HealthProbe
	logger    *slog.Logger
	cfg       Config

	mu    sync.Mutex
	state State

	bleConnected atomic.Bool
	initializing atomic.Bool

	recoveryMu       sync.Mutex
	recoveryAttempts uint32
	lastRecoveryAt   time.Time

	commandsProcessed atomic.Uint64
	startedAt         time.Time

	repeatMonitor gwtype.ButtonRepeatMonitor

	connStatusMu  sync.Mutex
	lastConnKnown bool
	lastConnected bool
	lastConfigured bool

	stop chan struct{}
}

// NewClockTask builds a ClockTask bound to link and transport.
func NewClockTask(link *dgtlink.ClockLink, transport *queue.Transport, probe gwtype.HealthProbe, cfg Config, logger *slog.Logger) *ClockTask {
	if logger == nil {
		logger = slog.Default()
	}
	return &ClockTask{
		link:      link,
		transport: transport,
		probe:     probe,
		cfg:       cfg,
		logger:    logger,
		state:     StateIdle,
		stop:      make(chan struct{}),
	}
}

// State returns the current TaskState.
func (t *ClockTask) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// setState acquires the mutex, but falls back to an unlocked write if
// it's held for longer than 100ms so a wedged holder never blocks the
// loop from recording its own state.
func (t *ClockTask) setState(s State) {
	done := make(chan struct{})
	go func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		select {
		case <-done:
		default:
			t.state = s
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
		t.state = s
	}
}

// Stop requests the loop in Run to exit at its next iteration boundary.
func (t *ClockTask) Stop() {
	select {
	case <-t.stop:
	default:
		close(t.stop)
	}
}

// Run executes the ~100Hz loop until ctx is cancelled or Stop is called.
// It never blocks on I/O longer than a single operation's timeout.
func (t *ClockTask) Run(ctx context.Context) {
	t.startedAt = time.Now()
	t.setState(StateRunning)

	for {
		select {
		case <-ctx.Done():
			t.setState(StateStopping)
			return
		case <-t.stop:
			t.setState(StateStopping)
			return
		default:
		}

		iterStart := time.Now()

		if raw, ok := t.transport.RawCommands.Recv(0); ok {
			t.commandsProcessed.Add(1)
			t.handleCommand(raw)
		}

		if t.link.State() == dgtlink.LinkConfigured {
			t.generateEvents()
		}

		t.monitorConnection()

		if elapsed := time.Since(iterStart); elapsed < t.cfg.LoopPeriod {
			time.Sleep(t.cfg.LoopPeriod - elapsed)
		}
		t.refreshWatchdog()
	}
}

// refreshWatchdog is a hook for the hardware watchdog timer; no watchdog
// is configured, so it's a no-op on every build.
func (t *ClockTask) refreshWatchdog() {}

// generateEvents drains the link's pending time/button signals into the
// event queue.
func (t *ClockTask) generateEvents() {
	if t.link.IsNewTimeAvailable() {
		tm := t.link.GetTime()
		t.enqueueEvent(gwtype.ClockEvent{
			Kind: gwtype.EventTimeUpdate, Timestamp: nowMillis(), Priority: gwtype.PriorityNormal,
			Data: map[string]any{
				"leftHours": tm.LeftHours, "leftMinutes": tm.LeftMinutes, "leftSeconds": tm.LeftSeconds,
				"rightHours": tm.RightHours, "rightMinutes": tm.RightMinutes, "rightSeconds": tm.RightSeconds,
			},
		})
	}

	for {
		code, ok := t.link.GetButtonEvent()
		if !ok {
			break
		}
		t.repeatMonitor.Reset()
		t.enqueueDiscreteButtonEvent(code, false, 0)
	}

	t.pollButtonRepeat()
}

func (t *ClockTask) pollButtonRepeat() {
	mask := t.link.GetButtonState() & 0x1F
	now := time.Now()

	if mask == 0 {
		if t.repeatMonitor.Active {
			t.repeatMonitor.Reset()
		}
		return
	}

	if mask != t.repeatMonitor.LastMask {
		t.repeatMonitor.LastMask = mask
		t.repeatMonitor.LastTs = now.UnixMilli()
		t.repeatMonitor.Active = false
		t.repeatMonitor.RepeatCount = 0
		return
	}

	held := time.Duration(now.UnixMilli()-t.repeatMonitor.LastTs) * time.Millisecond
	if !t.repeatMonitor.Active {
		if held >= repeatFirstHold {
			t.repeatMonitor.Active = true
			t.repeatMonitor.LastTs = now.UnixMilli()
			t.repeatMonitor.RepeatCount++
			t.enqueueDiscreteButtonEvent(mask, true, t.repeatMonitor.RepeatCount)
		}
		return
	}

	if held >= repeatCadence {
		t.repeatMonitor.LastTs = now.UnixMilli()
		t.repeatMonitor.RepeatCount++
		t.enqueueDiscreteButtonEvent(mask, true, t.repeatMonitor.RepeatCount)
	}
}

func (t *ClockTask) enqueueDiscreteButtonEvent(code uint8, isRepeat bool, repeatCount uint32) {
	t.enqueueEvent(gwtype.ClockEvent{
		Kind: gwtype.EventButton, Timestamp: nowMillis(), Priority: gwtype.PriorityHigh,
		Data: map[string]any{
			"button":      buttonName(code),
			"buttonCode":  code,
			"isRepeat":    isRepeat,
			"repeatCount": repeatCount,
		},
	})
}

// Main-button bit assignments, per the DGT3000's documented button layout.
const (
	mainButtonBack      uint8 = 0x01
	mainButtonPlayPause uint8 = 0x04
	mainButtonForward   uint8 = 0x02
	mainButtonPlus      uint8 = 0x08
	mainButtonMinus     uint8 = 0x10
)

func buttonName(code uint8) string {
	switch code {
	case dgtlink.ButtonOnOffPress:
		return "onOffPress"
	case dgtlink.ButtonOnOffRelease:
		return "onOffRelease"
	case dgtlink.ButtonLeverLeft:
		return "leverLeft"
	case dgtlink.ButtonLeverRight:
		return "leverRight"
	case mainButtonBack:
		return "back"
	case mainButtonForward:
		return "forward"
	case mainButtonPlayPause:
		return "play_pause"
	case mainButtonPlus:
		return "plus"
	case mainButtonMinus:
		return "minus"
	default:
		return "main"
	}
}

func (t *ClockTask) emitErrorEvent(err error) {
	code := gwtype.TranslateLinkError(err)
	t.enqueueEventPriority(gwtype.ClockEvent{
		Kind: gwtype.EventError, Timestamp: nowMillis(), Priority: gwtype.PriorityHigh,
		Data: map[string]any{"errorCode": code, "errorMessage": code.String()},
	})
}

func (t *ClockTask) emitConnectionStatus(connected, configured bool) {
	t.connStatusMu.Lock()
	unchanged := t.lastConnKnown && t.lastConnected == connected && t.lastConfigured == configured
	t.lastConnKnown = true
	t.lastConnected = connected
	t.lastConfigured = configured
	t.connStatusMu.Unlock()
	if unchanged {
		return
	}
	t.enqueueEventPriority(gwtype.ClockEvent{
		Kind: gwtype.EventConnectionStatus, Timestamp: nowMillis(), Priority: gwtype.PriorityHigh,
		Data: map[string]any{"connected": connected, "configured": configured},
	})
}

func (t *ClockTask) enqueueEvent(evt gwtype.ClockEvent) {
	t.transport.Events.Send(evt, t.cfg.EventSendTimeout)
}

func (t *ClockTask) enqueueEventPriority(evt gwtype.ClockEvent) {
	t.transport.Events.SendPriority(evt, t.cfg.EventSendTimeout)
}

// monitorConnection runs the reconnect recovery policy: triggered only
// while BLE is connected, the link is not, and no initialize/configure
// is already in flight, paced by RecoveryDelay.
func (t *ClockTask) monitorConnection() {
	if t.link.Connected() || !t.bleConnected.Load() || t.initializing.Load() {
		return
	}

	t.recoveryMu.Lock()
	attempts := t.recoveryAttempts
	due := t.lastRecoveryAt.IsZero() || time.Since(t.lastRecoveryAt) >= t.cfg.RecoveryDelay
	maxed := t.cfg.RecoveryMaxAttempts != 0 && attempts >= t.cfg.RecoveryMaxAttempts
	if !due || maxed {
		t.recoveryMu.Unlock()
		return
	}
	t.lastRecoveryAt = time.Now()
	t.recoveryMu.Unlock()

	if err := t.link.Configure(); err != nil {
		t.recoveryMu.Lock()
		t.recoveryAttempts++
		t.recoveryMu.Unlock()
		t.logger.Warn("recovery attempt failed", "error", err, "attempt", attempts+1)
		t.emitConnectionStatus(false, false)
		return
	}

	t.recoveryMu.Lock()
	t.recoveryAttempts = 0
	t.recoveryMu.Unlock()
	t.logger.Info("recovery succeeded")
	t.emitConnectionStatus(true, true)
}

// OnBLEConnected runs the full initialize+configure sequence. A failure
// emits an Error event but leaves the task running so recovery can retry.
func (t *ClockTask) OnBLEConnected() {
	t.bleConnected.Store(true)
	t.initializing.Store(true)
	defer t.initializing.Store(false)

	if err := t.link.Initialize(); err != nil {
		t.logger.Error("link initialize failed", "error", err)
		t.emitErrorEvent(err)
		return
	}
	if err := t.link.Configure(); err != nil {
		t.logger.Error("link configure failed", "error", err)
		t.emitErrorEvent(err)
		t.emitConnectionStatus(false, false)
		return
	}
	t.emitConnectionStatus(true, true)
}

// OnBLEDisconnected powers the link off, ends it, flushes every transport
// queue, and resets the recovery counters, the button-repeat monitor, the
// last reported connection status and the processed-command counter. The
// link's last error, time snapshot, button ring and raw button state, and
// the transport's queue statistics (which back EventsGenerated), are not
// reset.
func (t *ClockTask) OnBLEDisconnected() {
	_ = t.link.PowerOff()
	t.link.End()
	t.bleConnected.Store(false)

	t.transport.FlushAll()

	t.recoveryMu.Lock()
	t.recoveryAttempts = 0
	t.lastRecoveryAt = time.Time{}
	t.recoveryMu.Unlock()

	t.repeatMonitor.Reset()
	t.connStatusMu.Lock()
	t.lastConnKnown = false
	t.connStatusMu.Unlock()

	t.commandsProcessed.Store(0)
}

// Status returns a SystemStatus snapshot for getStatus/polled status reads.
func (t *ClockTask) Status() gwtype.SystemStatus {
	rawDepth, eventDepth, responseDepth := t.transport.Depths()
	stats := t.transport.Stats()

	var temp float32
	var heap uint32
	if t.probe != nil {
		temp = t.probe.TemperatureC()
		heap = t.probe.FreeHeapBytes()
	}

	t.recoveryMu.Lock()
	attempts := t.recoveryAttempts
	t.recoveryMu.Unlock()

	code := gwtype.TranslateLinkError(t.link.LastError())
	return gwtype.SystemStatus{
		LinkConnected:      t.link.Connected(),
		LinkConfigured:     t.link.State() == dgtlink.LinkConfigured,
		BLEConnected:       t.bleConnected.Load(),
		CommandsProcessed:  t.commandsProcessed.Load(),
		EventsGenerated:    stats.EventsQueued,
		RawQueueDepth:      rawDepth,
		EventQueueDepth:    eventDepth,
		ResponseQueueDepth: responseDepth,
		UptimeMs:           time.Since(t.startedAt).Milliseconds(),
		FreeHeapBytes:      heap,
		TemperatureC:       temp,
		LastErrorCode:      code,
		LastErrorMessage:   t.link.ErrorString(),
		RecoveryAttempts:   attempts,
		FirmwareVersion:    t.cfg.FirmwareVersion,
		BLEDeviceName:      t.cfg.DeviceName,
	}
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
