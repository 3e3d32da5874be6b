// Package ble implements the GATT peripheral surface: one primary
// service with version/command/event/status characteristics, bridging
// BLE writes and notifications to the gateway's queue transport.
package ble

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"tinygo.org/x/bluetooth"

	"github.com/dgt3000/ble-gateway/internal/gwtype"
	"github.com/dgt3000/ble-gateway/internal/queue"
)

// ServiceUUID is the gateway's primary GATT service.
var ServiceUUID = bluetooth.NewUUID([16]byte{
	0x73, 0x82, 0x2f, 0x6e, 0xed, 0xcd, 0x44, 0xbb,
	0x97, 0x4b, 0x93, 0xee, 0x97, 0xcb, 0x00, 0x00,
})

var (
	versionCharUUID = characteristicUUID(0x01)
	commandCharUUID = characteristicUUID(0x02)
	eventCharUUID   = characteristicUUID(0x03)
	statusCharUUID  = characteristicUUID(0x04)
)

func characteristicUUID(suffix byte) bluetooth.UUID {
	b := [16]byte{0x73, 0x82, 0x2f, 0x6e, 0xed, 0xcd, 0x44, 0xbb, 0x97, 0x4b, 0x93, 0xee, 0x97, 0xcb, 0x00, suffix}
	return bluetooth.NewUUID(b)
}

// ProtocolVersion is the literal value of the read-only version characteristic.
const ProtocolVersion = "1.0"

// statusRefreshInterval bounds how often NotifyLoop recomputes the status
// characteristic's stored value.
const statusRefreshInterval = 2 * time.Second

// Config carries the advertising identity.
type Config struct {
	DeviceName string
}

// Lifecycle is the set of hooks ClockTask needs to react to BLE
// connect/disconnect/subscribe notifications. The task and the adapter
// share only queues plus this narrow hook, never back-pointers.
type Lifecycle struct {
	OnConnect    func()
	OnDisconnect func()
	OnSubscribe  func()
}

// Adapter is the peripheral-role GATT server. It owns no clock-domain
// state: commands flow in through transport.RawCommands, events and
// responses flow out through transport.Events/transport.Responses.
type Adapter struct {
	adapter   *bluetooth.Adapter
	cfg       Config
	transport *queue.Transport
	lifecycle Lifecycle
	logger    *slog.Logger
	probe     StatusSource

	eventChar  bluetooth.Characteristic
	statusChar bluetooth.Characteristic

	lastStatusAt time.Time
}

// StatusSource supplies the SystemStatus snapshot backing the status
// characteristic. ClockTask implements this.
type StatusSource interface {
	Status() gwtype.SystemStatus
}

// NewAdapter builds an Adapter over TinyGo's default Bluetooth adapter.
func NewAdapter(cfg Config, transport *queue.Transport, probe StatusSource, lifecycle Lifecycle, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		adapter:   bluetooth.DefaultAdapter,
		cfg:       cfg,
		transport: transport,
		lifecycle: lifecycle,
		probe:     probe,
		logger:    logger,
	}
}

// Start enables the adapter, registers the service/characteristics, and
// begins advertising under cfg.DeviceName.
func (a *Adapter) Start() error {
	if err := a.adapter.Enable(); err != nil {
		return fmt.Errorf("ble: enabling adapter: %w", err)
	}

	a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			a.logger.Info("ble client connected", "address", device.Address.String())
			if a.lifecycle.OnConnect != nil {
				a.lifecycle.OnConnect()
			}
			return
		}
		a.logger.Info("ble client disconnected", "address", device.Address.String())
		if a.lifecycle.OnDisconnect != nil {
			a.lifecycle.OnDisconnect()
		}
	})

	var versionChar, commandChar bluetooth.Characteristic
	if err := a.adapter.AddService(&bluetooth.Service{
		UUID: ServiceUUID,
		Characteristics: []bluetooth.CharacteristicConfig{
			{
				Handle: &versionChar,
				UUID:   versionCharUUID,
				Value:  []byte(ProtocolVersion),
				Flags:  bluetooth.CharacteristicReadPermission,
			},
			{
				Handle: &commandChar,
				UUID:   commandCharUUID,
				Flags:  bluetooth.CharacteristicWritePermission | bluetooth.CharacteristicWriteWithoutResponsePermission,
				WriteEvent: func(client bluetooth.Connection, offset int, value []byte) {
					a.handleCommandWrite(value)
				},
			},
			{
				Handle: &a.eventChar,
				UUID:   eventCharUUID,
				Flags:  bluetooth.CharacteristicNotifyPermission,
			},
			{
				Handle: &a.statusChar,
				UUID:   statusCharUUID,
				Flags:  bluetooth.CharacteristicReadPermission,
				// tinygo.org/x/bluetooth v0.14 does not expose a per-read
				// callback for peripheral characteristics, so the status
				// value is refreshed opportunistically from NotifyLoop
				// instead of lazily on read.
			},
		},
	}); err != nil {
		return fmt.Errorf("ble: registering service: %w", err)
	}

	adv := a.adapter.DefaultAdvertisement()
	if err := adv.Configure(bluetooth.AdvertisementOptions{
		LocalName:    a.cfg.DeviceName,
		ServiceUUIDs: []bluetooth.UUID{ServiceUUID},
	}); err != nil {
		return fmt.Errorf("ble: configuring advertisement: %w", err)
	}
	if err := adv.Start(); err != nil {
		return fmt.Errorf("ble: starting advertisement: %w", err)
	}

	// tinygo.org/x/bluetooth v0.14's peripheral role has no subscribe
	// callback either, so OnSubscribe is invoked once right after
	// advertising starts rather than on an actual client subscription.
	// No status notification is pushed here; the status characteristic's
	// value is first written by NotifyLoop's first iteration.
	if a.lifecycle.OnSubscribe != nil {
		a.lifecycle.OnSubscribe()
	}
	return nil
}

func (a *Adapter) handleCommandWrite(value []byte) {
	if len(value) == 0 || len(value) >= gwtype.MaxCmdBytes {
		return
	}
	if value[0] != '{' || value[len(value)-1] != '}' {
		return
	}
	payload := make([]byte, len(value))
	copy(payload, value)
	raw := gwtype.RawCommand{Timestamp: time.Now().UnixMilli(), Payload: payload}
	if err := raw.Validate(); err != nil {
		a.logger.Warn("dropping invalid raw command", "error", err)
		return
	}
	a.transport.RawCommands.Send(raw, 0)
}

// NotifyLoop drains the event and response queues and emits them as GATT
// notifications, and periodically refreshes the status characteristic's
// stored value. It runs in the BLE cooperative-scheduling context and
// must not block longer than a few ms per iteration.
func (a *Adapter) NotifyLoop(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		for {
			evt, ok := a.transport.Events.Recv(0)
			if !ok {
				break
			}
			a.notifyEvent(evt)
		}
		for {
			resp, ok := a.transport.Responses.Recv(0)
			if !ok {
				break
			}
			a.notifyResponse(resp)
		}
		a.refreshStatus(time.Now())
	}
}

func (a *Adapter) notifyEvent(evt gwtype.ClockEvent) {
	body, err := json.Marshal(struct {
		Type      string         `json:"type"`
		Timestamp int64          `json:"timestamp"`
		Data      map[string]any `json:"data"`
	}{Type: string(evt.Kind), Timestamp: evt.Timestamp, Data: evt.Data})
	if err != nil {
		a.logger.Error("marshaling event", "error", err)
		return
	}
	if _, err := a.eventChar.Write(body); err != nil {
		a.logger.Warn("notifying event failed", "error", err)
	}
}

func (a *Adapter) notifyResponse(resp gwtype.CommandResponse) {
	var payload any
	if resp.Success {
		payload = struct {
			Type   string         `json:"type"`
			ID     string         `json:"id"`
			Status string         `json:"status"`
			Result map[string]any `json:"result"`
		}{Type: "command_response", ID: resp.ID, Status: "success", Result: resp.Result}
	} else {
		payload = struct {
			Type   string `json:"type"`
			ID     string `json:"id"`
			Status string `json:"status"`
			Data   struct {
				ErrorCode    gwtype.SystemErrorCode `json:"errorCode"`
				ErrorMessage string                 `json:"errorMessage"`
			} `json:"data"`
		}{Type: "command_response", ID: resp.ID, Status: "error", Data: struct {
			ErrorCode    gwtype.SystemErrorCode `json:"errorCode"`
			ErrorMessage string                 `json:"errorMessage"`
		}{resp.ErrorCode, resp.ErrorMessage}}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		a.logger.Error("marshaling command response", "error", err)
		return
	}
	if _, err := a.eventChar.Write(body); err != nil {
		a.logger.Warn("notifying command response failed", "error", err)
	}
}

func (a *Adapter) refreshStatus(now time.Time) {
	if !a.lastStatusAt.IsZero() && now.Sub(a.lastStatusAt) < statusRefreshInterval {
		return
	}
	a.lastStatusAt = now
	if a.probe == nil {
		return
	}
	status := a.probe.Status()
	body, err := json.Marshal(status)
	if err != nil {
		a.logger.Error("marshaling status", "error", err)
		return
	}
	if _, err := a.statusChar.Write(body); err != nil {
		a.logger.Warn("refreshing status characteristic failed", "error", err)
	}
}
