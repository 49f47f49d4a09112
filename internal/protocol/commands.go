package protocol

import (
	"fmt"
	"strings"
)

// DeviceCommand tags messages exchanged with edge deepstream servers.
type DeviceCommand int

// Device command tags. The numeric values are part of the wire protocol.
const (
	SendAddr DeviceCommand = iota
	SendDiagnostics
	UpdateConfig
	StopStreaming
	StartStreaming

	numDeviceCommands = iota
)

var deviceCommandNames = [numDeviceCommands]string{
	SendAddr:        "SEND_ADDR",
	SendDiagnostics: "SEND_DIAGNOSTICS",
	UpdateConfig:    "UPDATE_CONFIG",
	StopStreaming:   "STOP_STREAMING",
	StartStreaming:  "START_STREAMING",
}

// Valid reports whether c is a known device command tag.
func (c DeviceCommand) Valid() bool {
	return c >= 0 && int(c) < numDeviceCommands
}

func (c DeviceCommand) String() string {
	if !c.Valid() {
		return fmt.Sprintf("DeviceCommand(%d)", int(c))
	}
	return deviceCommandNames[c]
}

// Index returns the command's position in a dispatch table sized NumDeviceCommands.
func (c DeviceCommand) Index() int { return int(c) }

// NumDeviceCommands is the size of the device command enumeration.
const NumDeviceCommands = numDeviceCommands

// ParseDeviceCommand accepts either a numeric tag or its name ("START_STREAMING").
func ParseDeviceCommand(s string) (DeviceCommand, bool) {
	for i, name := range deviceCommandNames {
		if strings.EqualFold(s, name) || s == fmt.Sprint(i) {
			return DeviceCommand(i), true
		}
	}
	return 0, false
}

// ClientCommand tags commands sent by frontend viewers.
type ClientCommand int

// Client command tags. The numeric values are part of the wire protocol.
const (
	ClientStopStreaming ClientCommand = iota
	ClientStartStreaming
	ClientChangeCameraIDs

	numClientCommands = iota
)

var clientCommandNames = [numClientCommands]string{
	ClientStopStreaming:   "STOP_STREAMING",
	ClientStartStreaming:  "START_STREAMING",
	ClientChangeCameraIDs: "CHANGE_CAMERA_IDS",
}

// Valid reports whether c is a known client command tag.
func (c ClientCommand) Valid() bool {
	return c >= 0 && int(c) < numClientCommands
}

func (c ClientCommand) String() string {
	if !c.Valid() {
		return fmt.Sprintf("ClientCommand(%d)", int(c))
	}
	return clientCommandNames[c]
}

// NeedsCameraIDs reports whether the command must carry a camera_ids list.
func (c ClientCommand) NeedsCameraIDs() bool {
	return c == ClientStartStreaming || c == ClientChangeCameraIDs
}

// choices renders "[0, 1, 2]" for n tags.
func choices(n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprint(i)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// DeviceCommandChoices is the validation message for an unknown msg_protocol.
func DeviceCommandChoices() string {
	return "Can only be of the following " + choices(numDeviceCommands) + "."
}

// ClientCommandChoices is the validation message for an unknown command.
func ClientCommandChoices() string {
	return "Can only be of the following " + choices(numClientCommands) + "."
}
