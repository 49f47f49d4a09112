package devicelink

import (
	"time"

	"github.com/nerrad567/dslink-core/internal/gateway"
)

// Phase is the link's position in the server lifecycle.
type Phase int

// Link phases.
const (
	PhaseUnidentified Phase = iota
	PhaseIdentified
	PhaseConfigured
	PhaseStreaming
	PhaseStopped
)

var phaseNames = [...]string{
	PhaseUnidentified: "UNIDENTIFIED",
	PhaseIdentified:   "IDENTIFIED",
	PhaseConfigured:   "CONFIGURED",
	PhaseStreaming:    "STREAMING",
	PhaseStopped:      "STOPPED",
}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return "UNKNOWN"
	}
	return phaseNames[p]
}

// MarshalText renders the phase name in JSON.
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// state is owned by the link goroutine.
type state struct {
	phase       Phase
	alive       bool
	deviceID    int64
	zoneID      string
	diagnostics *gateway.Diagnostics
	bridge      Bridge
	routingKey  string
}

// Snapshot is a read-only copy of a link's state.
type Snapshot struct {
	Phase       Phase                `json:"phase"`
	Alive       bool                 `json:"alive"`
	DeviceID    int64                `json:"device_id,omitempty"`
	ZoneID      string               `json:"zone_id,omitempty"`
	Streaming   bool                 `json:"streaming"`
	RoutingKey  string               `json:"routing_key,omitempty"`
	Diagnostics *gateway.Diagnostics `json:"diagnostics,omitempty"`
	RemoteAddr  string               `json:"remote_addr"`
	ConnectedAt time.Time            `json:"connected_at"`
}
