package queue

import (
	"testing"
	"time"

	"github.com/dgt3000/ble-gateway/internal/gwtype"
)

func TestTransportHealthyBelowThreshold(t *testing.T) {
	tr := NewTransport(10, 20, 10)
	if !tr.Healthy(time.Now()) {
		t.Error("empty transport should be healthy")
	}
}

func TestTransportUnhealthyAboveThreshold(t *testing.T) {
	tr := NewTransport(10, 20, 10).WithHealthPolicy(0, 0.8)
	for i := 0; i < 18; i++ { // 18/20 = 0.9 >= 0.8
		tr.Events.Send(gwtype.ClockEvent{}, 0)
	}
	if tr.Healthy(time.Now()) {
		t.Error("transport at 90% event queue utilization should be unhealthy")
	}
}

func TestTransportHealthCheckIsRateLimited(t *testing.T) {
	tr := NewTransport(10, 20, 10).WithHealthPolicy(time.Hour, 0.8)
	now := time.Now()
	healthyBefore := tr.Healthy(now)

	for i := 0; i < 18; i++ { // 18/20 = 0.9 >= 0.8
		tr.Events.Send(gwtype.ClockEvent{}, 0)
	}
	// Within the check interval, the cached verdict should still hold even
	// though utilization has since crossed the threshold.
	if got := tr.Healthy(now.Add(time.Second)); got != healthyBefore {
		t.Errorf("Healthy() = %v within check interval, want cached %v", got, healthyBefore)
	}
}

func TestTransportStatsExcludeRawCommandsFromEventCounters(t *testing.T) {
	tr := NewTransport(10, 20, 10)
	tr.RawCommands.Send(gwtype.RawCommand{Payload: []byte("{}")}, 0)
	tr.Events.Send(gwtype.ClockEvent{}, 0)
	tr.Events.Recv(0)

	stats := tr.Stats()
	if stats.EventsQueued != 1 {
		t.Errorf("EventsQueued = %d, want 1 (raw commands must not be counted)", stats.EventsQueued)
	}
	if stats.EventsProcessed != 1 {
		t.Errorf("EventsProcessed = %d, want 1", stats.EventsProcessed)
	}
}

func TestTransportFlushAll(t *testing.T) {
	tr := NewTransport(10, 20, 10)
	tr.RawCommands.Send(gwtype.RawCommand{Payload: []byte("{}")}, 0)
	tr.Events.Send(gwtype.ClockEvent{}, 0)
	tr.Responses.Send(gwtype.CommandResponse{ID: "a"}, 0)

	tr.FlushAll()

	raw, event, resp := tr.Depths()
	if raw != 0 || event != 0 || resp != 0 {
		t.Errorf("depths after FlushAll = (%d,%d,%d), want (0,0,0)", raw, event, resp)
	}
}
