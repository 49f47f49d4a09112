package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/nerrad567/dslink-core/internal/bridge"
	"github.com/nerrad567/dslink-core/internal/metrics"
)

// SystemMetrics represents the complete system metrics response.
type SystemMetrics struct {
	Timestamp     string             `json:"timestamp"`
	Version       string             `json:"version"`
	UptimeSeconds int64              `json:"uptime_seconds"`
	Runtime       RuntimeMetrics     `json:"runtime"`
	Host          *metrics.HostStats `json:"host,omitempty"`
	Links         LinkMetrics        `json:"links"`
	Relay         RelayMetrics       `json:"relay"`
	Bridges       *bridge.Health     `json:"bridges,omitempty"`
	Database      DatabaseMetrics    `json:"database"`
}

// RuntimeMetrics contains Go runtime statistics.
type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// LinkMetrics counts open sockets and identified servers.
type LinkMetrics struct {
	DeviceSockets     int `json:"device_sockets"`
	DevicesIdentified int `json:"devices_identified"`
	ClientSockets     int `json:"client_sockets"`
}

// RelayMetrics contains fan-out relay statistics.
type RelayMetrics struct {
	Groups int `json:"groups"`
}

// DatabaseMetrics contains database connection pool statistics.
type DatabaseMetrics struct {
	OpenConnections int   `json:"open_connections"`
	InUse           int   `json:"in_use"`
	Idle            int   `json:"idle"`
	WaitCount       int64 `json:"wait_count"`
}

// handleMetrics returns comprehensive system metrics.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	resp := SystemMetrics{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Runtime: RuntimeMetrics{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(memStats.Alloc) / 1024 / 1024,
			MemoryTotalMB: float64(memStats.TotalAlloc) / 1024 / 1024,
			NumGC:         memStats.NumGC,
		},
		Links: LinkMetrics{
			DeviceSockets:     s.hub.Count(kindDevice),
			DevicesIdentified: s.devices.Count(),
			ClientSockets:     s.hub.Count(kindClient),
		},
		Relay: RelayMetrics{
			Groups: s.relay.GroupCount(),
		},
	}

	if host, err := metrics.SampleHost(r.Context()); err != nil {
		s.logger.Debug("host metrics unavailable", "error", err)
	} else {
		resp.Host = &host
	}

	if s.bridges != nil {
		h := s.bridges.Health(r.Context())
		resp.Bridges = &h
	}

	if s.db != nil {
		dbStats := s.db.Stats()
		resp.Database = DatabaseMetrics{
			OpenConnections: dbStats.OpenConnections,
			InUse:           dbStats.InUse,
			Idle:            dbStats.Idle,
			WaitCount:       dbStats.WaitCount,
		}
	}

	writeJSON(w, http.StatusOK, resp)
}
