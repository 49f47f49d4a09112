// Package influxdb writes deepstream server diagnostics to InfluxDB.
//
// Every diagnostics report a device link receives becomes one ds_diagnostics
// point tagged with the server and zone ids. Writes are non-blocking and
// batched by the influxdb-client-go write API; asynchronous failures are
// surfaced through SetOnError.
//
// # Usage
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB)
//	if errors.Is(err, influxdb.ErrDisabled) {
//	    // telemetry off
//	}
//	defer client.Close()
//
//	client.WriteDiagnostics(influxdb.DiagnosticsPoint{
//	    ServerID: "7", ZoneID: "3",
//	    Fields:   map[string]float64{"cpu_utilization": 41.5},
//	    Time:     time.Now(),
//	})
package influxdb
