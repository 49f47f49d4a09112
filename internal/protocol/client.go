package protocol

import "github.com/goccy/go-json"

// Client link validation messages.
const (
	MsgCameraIDsNotList = "Field must be a list of ids."
)

// ClientMessage is an inbound command from a frontend viewer.
type ClientMessage struct {
	Command   json.RawMessage `json:"command"`
	CameraIDs json.RawMessage `json:"camera_ids"`
}

// DecodeClientMessage parses a client command envelope.
func DecodeClientMessage(raw []byte) (*ClientMessage, error) {
	var m ClientMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// HasCommand reports whether the command key was sent.
func (m *ClientMessage) HasCommand() bool { return len(m.Command) > 0 }

// Tag returns the command when it is a known client command tag.
func (m *ClientMessage) Tag() (ClientCommand, bool) {
	n, ok := integral(m.Command)
	if !ok {
		return 0, false
	}
	cmd := ClientCommand(n)
	return cmd, cmd.Valid()
}

// HasCameraIDs reports whether the camera_ids key was sent.
func (m *ClientMessage) HasCameraIDs() bool { return len(m.CameraIDs) > 0 }

// CameraIDList returns the camera_ids elements when the field is a JSON array.
// Element types are not checked.
func (m *ClientMessage) CameraIDList() ([]json.RawMessage, bool) {
	var ids []json.RawMessage
	if !present(m.CameraIDs) {
		return nil, false
	}
	if err := json.Unmarshal(m.CameraIDs, &ids); err != nil {
		return nil, false
	}
	if ids == nil {
		ids = []json.RawMessage{}
	}
	return ids, true
}

// StreamedData is the payload pushed to a viewer for each relayed message.
// The broker message is forwarded verbatim as a string.
type StreamedData struct {
	StreamedData string `json:"streamed_data"`
}

// SourceID extracts the sensorId of a relayed message as raw JSON.
func SourceID(message []byte) (json.RawMessage, bool) {
	var m struct {
		SensorID json.RawMessage `json:"sensorId"`
	}
	if err := json.Unmarshal(message, &m); err != nil || !present(m.SensorID) {
		return nil, false
	}
	return m.SensorID, true
}
