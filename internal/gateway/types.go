package gateway

import (
	"bytes"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// Status is the connection status recorded for a deepstream server.
type Status string

// Server statuses.
const (
	StatusOnline          Status = "online"
	StatusOnlineIdle      Status = "online-idle"
	StatusOnlineInError   Status = "online-in-error"
	StatusOnlineStreaming Status = "online-streaming"
	StatusOffline         Status = "offline"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusOnline, StatusOnlineIdle, StatusOnlineInError, StatusOnlineStreaming, StatusOffline:
		return true
	}
	return false
}

// Device is a registered deepstream server.
type Device struct {
	ID             int64      `json:"id"`
	Name           string     `json:"name"`
	MACAddr        string     `json:"mac_addr"`
	ZoneID         string     `json:"zone_id"`
	IPAddr         string     `json:"ip_addr,omitempty"`
	Status         Status     `json:"status"`
	ConnectedAt    *time.Time `json:"connected_at,omitempty"`
	LastResponseAt *time.Time `json:"last_response_received_at,omitempty"`
	LastEchoAt     *time.Time `json:"last_echo_at,omitempty"`
}

// Camera is one camera descriptor in a device configuration.
// Calibration points are passed through as stored.
type Camera struct {
	ID               int64           `json:"id"`
	IPAddr           string          `json:"ip_addr"`
	PointsFrame      json.RawMessage `json:"points_frame"`
	PointsImage      json.RawMessage `json:"points_image"`
	MeasurementFrame json.RawMessage `json:"measurement_frame"`
}

// BrokerCredentials tell a deepstream server where to publish its stream.
type BrokerCredentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Hostname string `json:"hostname"`
	Port     int    `json:"port"`
	Exchange string `json:"exchange"`
}

// DeviceConfig is the UPDATE_CONFIG payload for one deepstream server.
type DeviceConfig struct {
	ID         string            `json:"id"`
	Cameras    []Camera          `json:"cameras"`
	AMQPConfig BrokerCredentials `json:"amqp_config"`
}

// LogEntry is one line of a server's activity log.
type LogEntry struct {
	ID        string    `json:"id"`
	DeviceID  int64     `json:"ds_server_id"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// Diagnostics is a resource snapshot reported by a deepstream server.
// Metrics the server did not report are nil.
type Diagnostics struct {
	CPUUtilization *float64        `json:"cpu_utilization,omitempty"`
	GPUUtilization *float64        `json:"gpu_utilization,omitempty"`
	MemoryUsage    *float64        `json:"memory_usage,omitempty"`
	GPUMemoryUsage *float64        `json:"gpu_memory_usage,omitempty"`
	Temperature    *float64        `json:"temperature,omitempty"`
	Raw            json.RawMessage `json:"raw"`
	RecordedAt     time.Time       `json:"recorded_at"`
}

// ParseDiagnostics decodes a diagnostics_info object. Known metrics may be
// numbers or numeric strings; anything else is kept only in Raw.
func ParseDiagnostics(raw json.RawMessage, at time.Time) (*Diagnostics, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil || obj == nil {
		return nil, ErrInvalidDiagnostics
	}

	d := &Diagnostics{
		Raw:        append(json.RawMessage(nil), raw...),
		RecordedAt: at,
	}
	d.CPUUtilization = metric(obj["cpu_utilization"])
	d.GPUUtilization = metric(obj["gpu_utilization"])
	d.MemoryUsage = metric(obj["memory_usage"])
	d.GPUMemoryUsage = metric(obj["gpu_memory_usage"])
	d.Temperature = metric(obj["temperature"])
	return d, nil
}

// metric returns nil for absent, null or non-finite values.
func metric(raw json.RawMessage) *float64 {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}

	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil
		}
		if f, err = strconv.ParseFloat(strings.TrimSpace(s), 64); err != nil {
			return nil
		}
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}

// Fields returns the reported metrics keyed by name.
func (d *Diagnostics) Fields() map[string]float64 {
	fields := make(map[string]float64, 5)
	for name, v := range map[string]*float64{
		"cpu_utilization":  d.CPUUtilization,
		"gpu_utilization":  d.GPUUtilization,
		"memory_usage":     d.MemoryUsage,
		"gpu_memory_usage": d.GPUMemoryUsage,
		"temperature":      d.Temperature,
	} {
		if v != nil {
			fields[name] = *v
		}
	}
	return fields
}
