package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// MeasurementDiagnostics is the measurement name for server diagnostics.
const MeasurementDiagnostics = "ds_diagnostics"

// DiagnosticsPoint is one diagnostics report from a deepstream server.
type DiagnosticsPoint struct {
	ServerID string
	ZoneID   string
	Fields   map[string]float64
	Time     time.Time
}

// WriteDiagnostics queues a diagnostics point. Points without fields are
// dropped because InfluxDB rejects them. No-op when not connected.
func (c *Client) WriteDiagnostics(p DiagnosticsPoint) {
	if !c.IsConnected() || len(p.Fields) == 0 {
		return
	}
	c.writeAPI.WritePoint(diagnosticsPoint(p))
}

func diagnosticsPoint(p DiagnosticsPoint) *write.Point {
	fields := make(map[string]interface{}, len(p.Fields))
	for k, v := range p.Fields {
		fields[k] = v
	}

	ts := p.Time
	if ts.IsZero() {
		ts = time.Now()
	}

	return write.NewPoint(
		MeasurementDiagnostics,
		map[string]string{
			"server_id": p.ServerID,
			"zone_id":   p.ZoneID,
		},
		fields,
		ts,
	)
}
