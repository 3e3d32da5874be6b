// Package gwtype holds the value types shared across the gateway: the
// queue payloads, error codes, and small clock-domain values used by
// both the link layer and the task layer.
package gwtype

import "fmt"

// MaxCmdBytes bounds a RawCommand payload.
const MaxCmdBytes = 512

// MaxResponseIDBytes bounds a CommandResponse/RawCommand "id" field.
const MaxResponseIDBytes = 32

// MaxErrorMessageBytes bounds a CommandResponse error message.
const MaxErrorMessageBytes = 128

// RawCommand is the opaque payload handed from the BLE write path to the
// clock task. It is consumed at most once.
type RawCommand struct {
	Timestamp int64 // monotonic ms
	Payload   []byte
}

// Validate checks the structural constraints: non-empty, under the byte
// cap. It does not parse the JSON payload — that's the task's job.
func (c RawCommand) Validate() error {
	if len(c.Payload) == 0 {
		return fmt.Errorf("gwtype: raw command payload is empty")
	}
	if len(c.Payload) >= MaxCmdBytes {
		return fmt.Errorf("gwtype: raw command payload length %d exceeds %d", len(c.Payload), MaxCmdBytes)
	}
	return nil
}

// CommandResponse is the correlated reply to a RawCommand.
type CommandResponse struct {
	ID           string
	Success      bool
	Timestamp    int64
	Result       map[string]any  // set iff Success
	ErrorCode    SystemErrorCode // set iff !Success
	ErrorMessage string          // set iff !Success, ≤128 bytes
}

// EventKind enumerates ClockEvent.Kind.
type EventKind string

const (
	EventTimeUpdate       EventKind = "timeUpdate"
	EventButton           EventKind = "buttonEvent"
	EventConnectionStatus EventKind = "connectionStatus"
	EventError            EventKind = "error"
	EventSystemStatus     EventKind = "systemStatus"
)

// EventPriority values for ClockEvent.Priority.
type EventPriority int

const (
	PriorityHigh   EventPriority = 0
	PriorityNormal EventPriority = 1
)

// ClockEvent is an asynchronous notification flowing from the clock task
// to the BLE adapter.
type ClockEvent struct {
	Kind      EventKind
	Timestamp int64
	Priority  EventPriority
	Data      map[string]any
}

// ClockTime is the six-field dual-sided clock snapshot.
type ClockTime struct {
	LeftHours, LeftMinutes, LeftSeconds    uint8
	RightHours, RightMinutes, RightSeconds uint8
}

// Validate enforces the range invariants: hours 0-9, minutes/seconds 0-59.
func (t ClockTime) Validate() error {
	if t.LeftHours > 9 || t.RightHours > 9 {
		return fmt.Errorf("gwtype: clock time hours out of range: left=%d right=%d", t.LeftHours, t.RightHours)
	}
	if t.LeftMinutes > 59 || t.RightMinutes > 59 {
		return fmt.Errorf("gwtype: clock time minutes out of range: left=%d right=%d", t.LeftMinutes, t.RightMinutes)
	}
	if t.LeftSeconds > 59 || t.RightSeconds > 59 {
		return fmt.Errorf("gwtype: clock time seconds out of range: left=%d right=%d", t.LeftSeconds, t.RightSeconds)
	}
	return nil
}

// Zero reports whether every field of t is zero.
func (t ClockTime) Zero() bool {
	return t == ClockTime{}
}

// ConnectionState mirrors the BLE or clock side of the connection.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnected
	StateConfigured
	StateError
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateConfigured:
		return "configured"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// ButtonRepeatMonitor tracks held-button state for synthetic repeat
// events. Only the five main buttons (mask 0x1F) are tracked.
type ButtonRepeatMonitor struct {
	Active      bool
	LastMask    uint8
	LastTs      int64
	RepeatCount uint32
}

// Reset clears the monitor, as done on any discrete button event or mask change.
func (m *ButtonRepeatMonitor) Reset() {
	*m = ButtonRepeatMonitor{}
}

// SystemStatus is the cumulative status snapshot reported on the status
// characteristic and from the getStatus command.
type SystemStatus struct {
	LinkConnected      bool
	LinkConfigured     bool
	BLEConnected       bool
	CommandsProcessed  uint64
	EventsGenerated    uint64
	RawQueueDepth      int
	EventQueueDepth    int
	ResponseQueueDepth int
	UptimeMs           int64
	FreeHeapBytes      uint32
	TemperatureC       float32
	LastErrorCode      SystemErrorCode
	LastErrorMessage   string
	RecoveryAttempts   uint32
	FirmwareVersion    string
	BLEDeviceName      string
}

// HealthProbe supplies board readings owned outside this package (the
// temperature sensor and heap accounting). A nil HealthProbe leaves
// Temperature/FreeHeap at their zero values.
type HealthProbe interface {
	TemperatureC() float32
	FreeHeapBytes() uint32
}
