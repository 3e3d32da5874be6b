package task

import (
	"encoding/json"
	"errors"

	"github.com/dgt3000/ble-gateway/internal/dgtlink"
	"github.com/dgt3000/ble-gateway/internal/gwtype"
)

// Command names accepted on the command characteristic.
const (
	cmdSetTime     = "setTime"
	cmdDisplayText = "displayText"
	cmdEndDisplay  = "endDisplay"
	cmdStop        = "stop"
	cmdRun         = "run"
	cmdGetTime     = "getTime"
	cmdGetStatus   = "getStatus"
)

// maxIDLen caps a command's correlation id.
const maxIDLen = 32

// commandRequest is the top-level JSON shape of an inbound command.
// params is deferred to a per-command struct so a malformed params
// sub-object can be reported as JSON_PARSE_ERROR against the id, rather
// than failing the whole parse.
type commandRequest struct {
	ID      string          `json:"id"`
	Command string          `json:"command"`
	Params  json.RawMessage `json:"params"`
}

type setTimeParams struct {
	LeftMode     uint8 `json:"leftMode"`
	LeftHours    uint8 `json:"leftHours"`
	LeftMinutes  uint8 `json:"leftMinutes"`
	LeftSeconds  uint8 `json:"leftSeconds"`
	RightMode    uint8 `json:"rightMode"`
	RightHours   uint8 `json:"rightHours"`
	RightMinutes uint8 `json:"rightMinutes"`
	RightSeconds uint8 `json:"rightSeconds"`
}

type displayTextParams struct {
	Text      string `json:"text"`
	Beep      *uint8 `json:"beep,omitempty"`
	LeftDots  *uint8 `json:"leftDots,omitempty"`
	RightDots *uint8 `json:"rightDots,omitempty"`
}

type runParams struct {
	LeftMode  uint8 `json:"leftMode"`
	RightMode uint8 `json:"rightMode"`
}

// handleCommand parses raw's payload and dispatches to the matching clock
// operation, pushing exactly one CommandResponse (or none, for a silently
// dropped malformed command) onto the response queue.
func (t *ClockTask) handleCommand(raw gwtype.RawCommand) {
	var req commandRequest
	if err := json.Unmarshal(raw.Payload, &req); err != nil {
		// No recoverable id to correlate a response against; drop.
		return
	}
	if req.ID == "" || len(req.ID) > maxIDLen {
		return
	}
	if req.Command == "" {
		t.respondError(req.ID, gwtype.ErrCodeJSONInvalidCommand)
		return
	}

	if req.Command != cmdGetStatus && t.link.State() != dgtlink.LinkConfigured {
		t.respondError(req.ID, gwtype.ErrCodeDGTNotConfigured)
		return
	}

	switch req.Command {
	case cmdSetTime:
		t.handleSetTime(req)
	case cmdDisplayText:
		t.handleDisplayText(req)
	case cmdEndDisplay:
		t.respondLinkResult(req.ID, t.link.EndDisplay(), map[string]any{"status": "Display cleared"})
	case cmdStop:
		t.respondLinkResult(req.ID, t.link.Stop(), map[string]any{"status": "Clock stopped"})
	case cmdRun:
		t.handleRun(req)
	case cmdGetTime:
		t.handleGetTime(req)
	case cmdGetStatus:
		t.handleGetStatus(req)
	default:
		t.respondError(req.ID, gwtype.ErrCodeJSONInvalidCommand)
	}
}

func (t *ClockTask) handleSetTime(req commandRequest) {
	var p setTimeParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		t.respondError(req.ID, gwtype.ErrCodeJSONParseError)
		return
	}
	clockTime := gwtype.ClockTime{
		LeftHours: p.LeftHours, LeftMinutes: p.LeftMinutes, LeftSeconds: p.LeftSeconds,
		RightHours: p.RightHours, RightMinutes: p.RightMinutes, RightSeconds: p.RightSeconds,
	}
	if err := clockTime.Validate(); err != nil {
		t.respondError(req.ID, gwtype.ErrCodeJSONInvalidParameters)
		return
	}
	if p.LeftMode > 2 || p.RightMode > 2 {
		t.respondError(req.ID, gwtype.ErrCodeJSONInvalidParameters)
		return
	}
	err := t.link.SetAndRun(clockTime, p.LeftMode, p.RightMode)
	t.respondLinkResult(req.ID, err, map[string]any{"status": "Time set successfully"})
}

func (t *ClockTask) handleDisplayText(req commandRequest) {
	var p displayTextParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		t.respondError(req.ID, gwtype.ErrCodeJSONParseError)
		return
	}
	var beep, leftDots, rightDots uint8
	if p.Beep != nil {
		beep = *p.Beep
	}
	if p.LeftDots != nil {
		leftDots = *p.LeftDots
	}
	if p.RightDots != nil {
		rightDots = *p.RightDots
	}
	if err := t.link.DisplayText(p.Text, beep, leftDots, rightDots); err != nil {
		if isValidationError(err) {
			t.respondError(req.ID, gwtype.ErrCodeJSONInvalidParameters)
			return
		}
		t.respondLinkResult(req.ID, err, nil)
		return
	}
	t.respondSuccess(req.ID, map[string]any{"status": "Text displayed"})
}

func (t *ClockTask) handleRun(req commandRequest) {
	var p runParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		t.respondError(req.ID, gwtype.ErrCodeJSONParseError)
		return
	}
	if p.LeftMode > 2 || p.RightMode > 2 {
		t.respondError(req.ID, gwtype.ErrCodeJSONInvalidParameters)
		return
	}
	err := t.link.Run(p.LeftMode, p.RightMode)
	t.respondLinkResult(req.ID, err, map[string]any{"status": "Clock running"})
}

func (t *ClockTask) handleGetTime(req commandRequest) {
	tm := t.link.GetTime()
	t.respondSuccess(req.ID, map[string]any{
		"leftHours": tm.LeftHours, "leftMinutes": tm.LeftMinutes, "leftSeconds": tm.LeftSeconds,
		"rightHours": tm.RightHours, "rightMinutes": tm.RightMinutes, "rightSeconds": tm.RightSeconds,
	})
}

func (t *ClockTask) handleGetStatus(req commandRequest) {
	status := t.Status()
	t.respondSuccess(req.ID, map[string]any{
		"linkConnected":  status.LinkConnected,
		"linkConfigured": status.LinkConfigured,
		"bleConnected":   status.BLEConnected,
		"lastErrorCode":  status.LastErrorCode,
		"lastError":      status.LastErrorMessage,
		"commandsProcessed": status.CommandsProcessed,
		"eventsGenerated":   status.EventsGenerated,
	})
}

// respondLinkResult translates a link-layer error (if any) into the wire
// error code, or pushes result on success.
func (t *ClockTask) respondLinkResult(id string, err error, result map[string]any) {
	if err != nil {
		t.respondError(id, gwtype.TranslateLinkError(err))
		t.emitErrorEvent(err)
		return
	}
	t.respondSuccess(id, result)
}

func (t *ClockTask) respondSuccess(id string, result map[string]any) {
	t.transport.Responses.Send(gwtype.CommandResponse{
		ID: id, Success: true, Timestamp: nowMillis(), Result: result,
	}, t.cfg.ResponseSendTimeout)
}

func (t *ClockTask) respondError(id string, code gwtype.SystemErrorCode) {
	t.transport.Responses.Send(gwtype.CommandResponse{
		ID: id, Success: false, Timestamp: nowMillis(),
		ErrorCode: code, ErrorMessage: code.String(),
	}, t.cfg.ResponseSendTimeout)
}

// isValidationError distinguishes a parameter-validation failure (returned
// by frame builders before any I2C traffic, a plain unwrapped error) from a
// transport error (always one of gwtype's wrapped Err* sentinels).
func isValidationError(err error) bool {
	return err != nil &&
		!errors.Is(err, gwtype.ErrI2CComm) &&
		!errors.Is(err, gwtype.ErrTimeout) &&
		!errors.Is(err, gwtype.ErrNoAck) &&
		!errors.Is(err, gwtype.ErrCRC) &&
		!errors.Is(err, gwtype.ErrClockOff) &&
		!errors.Is(err, gwtype.ErrNotConfigured)
}
