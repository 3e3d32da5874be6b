package queue

import (
	"sync"
	"time"

	"github.com/dgt3000/ble-gateway/internal/gwtype"
)

// UtilizationThreshold is the health-check threshold: a transport is
// healthy only while every queue stays below this fraction of capacity.
const UtilizationThreshold = 0.8

// HealthCheckInterval bounds how often Healthy() re-evaluates.
const HealthCheckInterval = 5 * time.Second

// Transport owns the three inter-core queues: RawCommand (BLE -> clock
// task), Event (clock task -> BLE, priority-capable), and Response
// (clock task -> BLE).
type Transport struct {
	RawCommands *Queue[gwtype.RawCommand]
	Events      *Queue[gwtype.ClockEvent]
	Responses   *Queue[gwtype.CommandResponse]

	mu            sync.Mutex
	lastCheck     time.Time
	lastHealthy   bool
	checkInterval time.Duration
	threshold     float64
}

// NewTransport builds a Transport with the given per-queue capacities.
func NewTransport(rawCap, eventCap, responseCap int) *Transport {
	return &Transport{
		RawCommands:   New[gwtype.RawCommand](rawCap),
		Events:        New[gwtype.ClockEvent](eventCap),
		Responses:     New[gwtype.CommandResponse](responseCap),
		checkInterval: HealthCheckInterval,
		threshold:     UtilizationThreshold,
	}
}

// WithHealthPolicy overrides the default check interval and utilization
// threshold (used by config-driven tuning and by tests).
func (t *Transport) WithHealthPolicy(interval time.Duration, threshold float64) *Transport {
	t.checkInterval = interval
	t.threshold = threshold
	return t
}

// Healthy evaluates queue utilization at most once per checkInterval,
// returning the cached verdict on intervening calls.
func (t *Transport) Healthy(now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.lastCheck.IsZero() && now.Sub(t.lastCheck) < t.checkInterval {
		return t.lastHealthy
	}
	t.lastCheck = now
	t.lastHealthy = t.RawCommands.Utilization() < t.threshold &&
		t.Events.Utilization() < t.threshold &&
		t.Responses.Utilization() < t.threshold
	return t.lastHealthy
}

// TransportStats aggregates counters across all three queues. Raw
// commands are intentionally excluded from EventsQueued/EventsProcessed;
// the task counts those separately.
type TransportStats struct {
	EventsQueued        uint64
	EventsProcessed     uint64
	QueueOverflows      uint64
	QueueTimeouts       uint64
	MaxEventQueueDepth  int
}

// Stats returns the aggregated transport statistics.
func (t *Transport) Stats() TransportStats {
	eventStats := t.Events.Stats()
	respStats := t.Responses.Stats()
	return TransportStats{
		EventsQueued:       eventStats.Sent,
		EventsProcessed:    eventStats.Received,
		QueueOverflows:     eventStats.Overflows + respStats.Overflows + t.RawCommands.Stats().Overflows,
		QueueTimeouts:      eventStats.RecvTimeouts + respStats.RecvTimeouts + t.RawCommands.Stats().RecvTimeouts,
		MaxEventQueueDepth: eventStats.MaxDepthSeen,
	}
}

// FlushAll drains every queue, invoked before teardown and on a
// BLE disconnect that requires a fresh start on reconnect.
func (t *Transport) FlushAll() {
	t.RawCommands.Flush()
	t.Events.Flush()
	t.Responses.Flush()
}

// Depths returns the current depth of each queue, used for SystemStatus.
func (t *Transport) Depths() (raw, event, response int) {
	return t.RawCommands.Depth(), t.Events.Depth(), t.Responses.Depth()
}
