package protocol

import (
	"bytes"
	"strings"

	"github.com/goccy/go-json"
)

// Status codes carried in envelopes.
const (
	StatusOK         = 200
	StatusBadRequest = 400
)

// MsgCouldNotProcess is the generic error for input that could not be parsed or handled.
const MsgCouldNotProcess = "Could not process request."

// FieldErrors maps a field name to a message or a nested FieldErrors.
type FieldErrors map[string]any

// FieldRequired is the standard message for a missing field.
const FieldRequired = "Field is required."

// Command is an outbound device command.
type Command struct {
	MsgProtocol DeviceCommand `json:"msg_protocol"`
	Data        any           `json:"data,omitempty"`
}

// Response is a status envelope sent to either kind of peer.
type Response struct {
	Status int `json:"status"`
	Data   any `json:"data,omitempty"`
	Error  any `json:"error,omitempty"`
}

// EncodeCommand marshals a device command. Nil data is omitted.
func EncodeCommand(cmd DeviceCommand, data any) ([]byte, error) {
	return json.Marshal(Command{MsgProtocol: cmd, Data: data})
}

// EncodeError marshals {"status": 400, "error": errVal}.
func EncodeError(errVal any) []byte {
	b, err := json.Marshal(Response{Status: StatusBadRequest, Error: errVal})
	if err != nil {
		b, _ = json.Marshal(Response{Status: StatusBadRequest, Error: MsgCouldNotProcess}) //nolint:errcheck // constant payload
	}
	return b
}

// EncodeData marshals {"status": 200, "data": data}.
func EncodeData(data any) ([]byte, error) {
	return json.Marshal(Response{Status: StatusOK, Data: data})
}

// StreamInfo is the payload of a START_STREAMING acknowledgement.
type StreamInfo struct {
	RoutingKey *string `json:"routing_key"`
}

// DeviceMessage is an inbound envelope from an edge server. Fields stay raw
// so that absent, null and wrongly typed values can be told apart.
type DeviceMessage struct {
	Status          json.RawMessage `json:"status"`
	MsgProtocol     json.RawMessage `json:"msg_protocol"`
	Error           json.RawMessage `json:"error"`
	MACAddr         json.RawMessage `json:"mac_addr"`
	DiagnosticsInfo json.RawMessage `json:"diagnostics_info"`
	StreamInfo      json.RawMessage `json:"stream_info"`
}

// DecodeDeviceMessage parses a device envelope. Anything but a JSON object fails.
func DecodeDeviceMessage(raw []byte) (*DeviceMessage, error) {
	var m DeviceMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// HasStatus reports whether the status key was sent.
func (m *DeviceMessage) HasStatus() bool { return len(m.Status) > 0 }

// HasMsgProtocol reports whether the msg_protocol key was sent.
func (m *DeviceMessage) HasMsgProtocol() bool { return len(m.MsgProtocol) > 0 }

// StatusCode returns the numeric status, if it is one.
func (m *DeviceMessage) StatusCode() (int, bool) {
	return integral(m.Status)
}

// Command returns the msg_protocol tag when it is a known device command.
func (m *DeviceMessage) Command() (DeviceCommand, bool) {
	n, ok := integral(m.MsgProtocol)
	if !ok {
		return 0, false
	}
	cmd := DeviceCommand(n)
	return cmd, cmd.Valid()
}

// Succeeded reports a 2xx status.
func (m *DeviceMessage) Succeeded() bool {
	code, ok := m.StatusCode()
	return ok && code >= 200 && code < 300
}

// Failed reports a status of 400 or above.
func (m *DeviceMessage) Failed() bool {
	code, ok := m.StatusCode()
	return ok && code >= StatusBadRequest
}

// HasMAC reports whether mac_addr was sent.
func (m *DeviceMessage) HasMAC() bool { return len(m.MACAddr) > 0 }

// MAC returns mac_addr when it is a JSON string.
func (m *DeviceMessage) MAC() (string, bool) {
	var s string
	if err := json.Unmarshal(m.MACAddr, &s); err != nil {
		return "", false
	}
	return s, true
}

// HasProtocolError reports an error payload that complains about
// msg_protocol: either an object with that key or a string mentioning it.
// Such replies answer a command the device could not parse and are not
// dispatched further.
func (m *DeviceMessage) HasProtocolError() bool {
	if !present(m.Error) {
		return false
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(m.Error, &obj); err == nil {
		_, ok := obj["msg_protocol"]
		return ok
	}
	var s string
	if err := json.Unmarshal(m.Error, &s); err == nil {
		return strings.Contains(s, "msg_protocol")
	}
	return false
}

// HasDiagnostics reports whether diagnostics_info is present.
func (m *DeviceMessage) HasDiagnostics() bool {
	return present(m.DiagnosticsInfo)
}

// RoutingKey extracts stream_info.routing_key. The returned FieldErrors is
// non-nil when either level is missing.
func (m *DeviceMessage) RoutingKey() (string, FieldErrors) {
	if !present(m.StreamInfo) {
		return "", FieldErrors{"stream_info": FieldRequired}
	}
	var info StreamInfo
	if err := json.Unmarshal(m.StreamInfo, &info); err != nil || info.RoutingKey == nil {
		return "", FieldErrors{"stream_info": FieldErrors{"routing_key": FieldRequired}}
	}
	return *info.RoutingKey, nil
}

// ErrorSummary renders {"status":..,"error":..} for log entries.
func (m *DeviceMessage) ErrorSummary() string {
	summary := struct {
		Status json.RawMessage `json:"status"`
		Error  json.RawMessage `json:"error,omitempty"`
	}{Status: m.Status}
	if len(summary.Status) == 0 {
		summary.Status = json.RawMessage("null")
	}
	if present(m.Error) {
		summary.Error = m.Error
	}
	b, err := json.Marshal(summary)
	if err != nil {
		return ""
	}
	return string(b)
}

// integral decodes a JSON number with no fractional part.
func integral(raw json.RawMessage) (int, bool) {
	if !present(raw) {
		return 0, false
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return 0, false
	}
	n := int(f)
	if float64(n) != f {
		return 0, false
	}
	return n, true
}

// present is false for absent fields and for explicit JSON null.
func present(raw json.RawMessage) bool {
	return len(raw) > 0 && !bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
