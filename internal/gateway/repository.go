package gateway

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/nerrad567/dslink-core/internal/infrastructure/config"
	"github.com/nerrad567/dslink-core/internal/infrastructure/influxdb"
)

// Gateway defines the persistence operations used by device and client links.
type Gateway interface {
	// LookupDeviceByHWAddress finds a server by MAC address, case-insensitively.
	// Returns ErrDeviceNotFound if none is registered.
	LookupDeviceByHWAddress(ctx context.Context, mac string) (*Device, error)

	// LookupZoneForDevice returns the zone a server streams into.
	LookupZoneForDevice(ctx context.Context, deviceID int64) (string, error)

	// PersistDeviceOnline records a new connection from addr.
	PersistDeviceOnline(ctx context.Context, deviceID int64, addr string, at time.Time) error

	// PersistDeviceOffline records a disconnect.
	PersistDeviceOffline(ctx context.Context, deviceID int64, at time.Time) error

	// SetStatus updates the recorded connection status.
	SetStatus(ctx context.Context, deviceID int64, status Status) error

	// TouchResponse refreshes last_response_received_at.
	TouchResponse(ctx context.Context, deviceID int64, at time.Time) error

	// AppendLogEntry adds a line to the server's activity log.
	AppendLogEntry(ctx context.Context, deviceID int64, message string) error

	// BuildDeviceConfig assembles the UPDATE_CONFIG payload.
	// Returns ErrDeviceNotFound if the server no longer exists.
	BuildDeviceConfig(ctx context.Context, deviceID int64) (*DeviceConfig, error)

	// RecordDiagnostics appends a diagnostics snapshot to the history.
	RecordDiagnostics(ctx context.Context, deviceID int64, zoneID string, d *Diagnostics) error

	// ZoneExists reports whether a zone id is registered.
	ZoneExists(ctx context.Context, zoneID string) (bool, error)
}

// Telemetry receives diagnostics snapshots for a time-series store.
// *influxdb.Client satisfies it.
type Telemetry interface {
	WriteDiagnostics(p influxdb.DiagnosticsPoint)
}

// SQLiteRepository implements Gateway using SQLite.
type SQLiteRepository struct {
	db        *sql.DB
	broker    config.BrokerConfig
	telemetry Telemetry
}

// NewSQLiteRepository creates a new SQLite-backed gateway. The broker
// settings are handed to servers in their configuration payload.
func NewSQLiteRepository(db *sql.DB, broker config.BrokerConfig) *SQLiteRepository {
	return &SQLiteRepository{db: db, broker: broker}
}

// SetTelemetry mirrors recorded diagnostics to t. Must be called before use.
func (r *SQLiteRepository) SetTelemetry(t Telemetry) {
	r.telemetry = t
}

// timeFormat is fixed width so stored timestamps sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil //nolint:nilnil // NULL column
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// LookupDeviceByHWAddress finds a server by MAC address.
func (r *SQLiteRepository) LookupDeviceByHWAddress(ctx context.Context, mac string) (*Device, error) {
	query := `
		SELECT id, name, mac_addr, zone_id, ip_addr, status,
			connected_at, last_response_received_at, last_echo_at
		FROM ds_servers
		WHERE mac_addr = ?`

	return r.queryDevice(ctx, query, strings.ToLower(mac))
}

// GetDevice retrieves a server by id.
func (r *SQLiteRepository) GetDevice(ctx context.Context, id int64) (*Device, error) {
	query := `
		SELECT id, name, mac_addr, zone_id, ip_addr, status,
			connected_at, last_response_received_at, last_echo_at
		FROM ds_servers
		WHERE id = ?`

	return r.queryDevice(ctx, query, id)
}

func (r *SQLiteRepository) queryDevice(ctx context.Context, query string, arg any) (*Device, error) {
	var (
		d                                 Device
		ipAddr                            sql.NullString
		status                            string
		connectedAt, lastResp, lastEchoAt sql.NullString
	)

	err := r.db.QueryRowContext(ctx, query, arg).Scan(
		&d.ID, &d.Name, &d.MACAddr, &d.ZoneID, &ipAddr, &status,
		&connectedAt, &lastResp, &lastEchoAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("querying device: %w", err)
	}

	d.IPAddr = ipAddr.String
	d.Status = Status(status)
	if d.ConnectedAt, err = parseTime(connectedAt); err != nil {
		return nil, fmt.Errorf("parsing connected_at: %w", err)
	}
	if d.LastResponseAt, err = parseTime(lastResp); err != nil {
		return nil, fmt.Errorf("parsing last_response_received_at: %w", err)
	}
	if d.LastEchoAt, err = parseTime(lastEchoAt); err != nil {
		return nil, fmt.Errorf("parsing last_echo_at: %w", err)
	}
	return &d, nil
}

// LookupZoneForDevice returns the zone a server streams into.
func (r *SQLiteRepository) LookupZoneForDevice(ctx context.Context, deviceID int64) (string, error) {
	var zoneID string
	err := r.db.QueryRowContext(ctx, `SELECT zone_id FROM ds_servers WHERE id = ?`, deviceID).Scan(&zoneID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrDeviceNotFound
		}
		return "", fmt.Errorf("querying device zone: %w", err)
	}
	return zoneID, nil
}

// exec runs an update against one server row and maps zero rows to ErrDeviceNotFound.
func (r *SQLiteRepository) exec(ctx context.Context, what, query string, args ...any) error {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: checking rows affected: %w", what, err)
	}
	if n == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

// PersistDeviceOnline records a new connection from addr.
func (r *SQLiteRepository) PersistDeviceOnline(ctx context.Context, deviceID int64, addr string, at time.Time) error {
	ts := formatTime(at)
	return r.exec(ctx, "marking device online", `
		UPDATE ds_servers
		SET ip_addr = ?, status = ?, connected_at = ?, last_response_received_at = ?
		WHERE id = ?`,
		addr, string(StatusOnline), ts, ts, deviceID)
}

// PersistDeviceOffline records a disconnect.
func (r *SQLiteRepository) PersistDeviceOffline(ctx context.Context, deviceID int64, at time.Time) error {
	return r.exec(ctx, "marking device offline", `
		UPDATE ds_servers SET status = ?, last_echo_at = ? WHERE id = ?`,
		string(StatusOffline), formatTime(at), deviceID)
}

// SetStatus updates the recorded connection status.
func (r *SQLiteRepository) SetStatus(ctx context.Context, deviceID int64, status Status) error {
	if !status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	return r.exec(ctx, "updating device status",
		`UPDATE ds_servers SET status = ? WHERE id = ?`, string(status), deviceID)
}

// TouchResponse refreshes last_response_received_at.
func (r *SQLiteRepository) TouchResponse(ctx context.Context, deviceID int64, at time.Time) error {
	return r.exec(ctx, "updating last response",
		`UPDATE ds_servers SET last_response_received_at = ? WHERE id = ?`, formatTime(at), deviceID)
}

// AppendLogEntry adds a line to the server's activity log.
func (r *SQLiteRepository) AppendLogEntry(ctx context.Context, deviceID int64, message string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO ds_log_entries (id, ds_server_id, message, created_at)
		VALUES (?, ?, ?, ?)`,
		uuid.NewString(), deviceID, message, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("inserting log entry: %w", err)
	}
	return nil
}

// LogEntries returns the most recent log entries of a server, newest first.
func (r *SQLiteRepository) LogEntries(ctx context.Context, deviceID int64, limit int) ([]LogEntry, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, ds_server_id, message, created_at
		FROM ds_log_entries
		WHERE ds_server_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?`, deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying log entries: %w", err)
	}
	defer rows.Close()

	var entries []LogEntry
	for rows.Next() {
		var (
			e         LogEntry
			createdAt string
		)
		if err := rows.Scan(&e.ID, &e.DeviceID, &e.Message, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning log entry: %w", err)
		}
		if e.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("parsing log entry time: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating log entries: %w", err)
	}
	return entries, nil
}

// BuildDeviceConfig assembles the UPDATE_CONFIG payload: the server's
// cameras and the broker credentials it should publish with.
func (r *SQLiteRepository) BuildDeviceConfig(ctx context.Context, deviceID int64) (*DeviceConfig, error) {
	var exists int
	err := r.db.QueryRowContext(ctx, `SELECT 1 FROM ds_servers WHERE id = ?`, deviceID).Scan(&exists)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("querying device: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, ip_addr, points_frame, points_image, measurement_frame
		FROM cameras
		WHERE ds_server_id = ?
		ORDER BY id`, deviceID)
	if err != nil {
		return nil, fmt.Errorf("querying cameras: %w", err)
	}
	defer rows.Close()

	cameras := []Camera{}
	for rows.Next() {
		var (
			c                        Camera
			pointsFrame, pointsImage string
			measurementFrame         sql.NullString
		)
		if err := rows.Scan(&c.ID, &c.IPAddr, &pointsFrame, &pointsImage, &measurementFrame); err != nil {
			return nil, fmt.Errorf("scanning camera: %w", err)
		}
		c.PointsFrame = rawJSON(pointsFrame)
		c.PointsImage = rawJSON(pointsImage)
		c.MeasurementFrame = json.RawMessage("null")
		if measurementFrame.Valid {
			c.MeasurementFrame = rawJSON(measurementFrame.String)
		}
		cameras = append(cameras, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating cameras: %w", err)
	}

	return &DeviceConfig{
		ID:      strconv.FormatInt(deviceID, 10),
		Cameras: cameras,
		AMQPConfig: BrokerCredentials{
			Username: r.broker.Auth.Username,
			Password: r.broker.Auth.Password,
			Hostname: r.broker.Host,
			Port:     r.broker.Port,
			Exchange: r.broker.Exchange,
		},
	}, nil
}

// rawJSON returns s as raw JSON, or null when s is not valid JSON.
func rawJSON(s string) json.RawMessage {
	if s == "" || !json.Valid([]byte(s)) {
		return json.RawMessage("null")
	}
	return json.RawMessage(s)
}

// RecordDiagnostics appends a snapshot to ds_diagnostics and forwards it to
// the telemetry sink when one is set.
func (r *SQLiteRepository) RecordDiagnostics(ctx context.Context, deviceID int64, zoneID string, d *Diagnostics) error {
	if d == nil {
		return ErrInvalidDiagnostics
	}
	at := d.RecordedAt
	if at.IsZero() {
		at = time.Now()
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO ds_diagnostics (
			id, ds_server_id, cpu_utilization, gpu_utilization, memory_usage,
			gpu_memory_usage, temperature, raw, recorded_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), deviceID,
		d.CPUUtilization, d.GPUUtilization, d.MemoryUsage, d.GPUMemoryUsage, d.Temperature,
		string(d.Raw), formatTime(at))
	if err != nil {
		return fmt.Errorf("inserting diagnostics: %w", err)
	}

	if r.telemetry != nil {
		r.telemetry.WriteDiagnostics(influxdb.DiagnosticsPoint{
			ServerID: strconv.FormatInt(deviceID, 10),
			ZoneID:   zoneID,
			Fields:   d.Fields(),
			Time:     at,
		})
	}
	return nil
}

// DiagnosticsHistory returns up to limit snapshots of a server, newest first.
func (r *SQLiteRepository) DiagnosticsHistory(ctx context.Context, deviceID int64, limit int) ([]Diagnostics, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT cpu_utilization, gpu_utilization, memory_usage, gpu_memory_usage,
			temperature, raw, recorded_at
		FROM ds_diagnostics
		WHERE ds_server_id = ?
		ORDER BY recorded_at DESC, rowid DESC
		LIMIT ?`, deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying diagnostics: %w", err)
	}
	defer rows.Close()

	var history []Diagnostics
	for rows.Next() {
		var (
			d                          Diagnostics
			cpu, gpu, mem, gpuMem, tmp sql.NullFloat64
			raw, recordedAt            string
		)
		if err := rows.Scan(&cpu, &gpu, &mem, &gpuMem, &tmp, &raw, &recordedAt); err != nil {
			return nil, fmt.Errorf("scanning diagnostics: %w", err)
		}
		d.CPUUtilization = nullFloat(cpu)
		d.GPUUtilization = nullFloat(gpu)
		d.MemoryUsage = nullFloat(mem)
		d.GPUMemoryUsage = nullFloat(gpuMem)
		d.Temperature = nullFloat(tmp)
		d.Raw = json.RawMessage(raw)
		if d.RecordedAt, err = time.Parse(time.RFC3339Nano, recordedAt); err != nil {
			return nil, fmt.Errorf("parsing diagnostics time: %w", err)
		}
		history = append(history, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating diagnostics: %w", err)
	}
	return history, nil
}

func nullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

// ZoneExists reports whether a zone id is registered.
func (r *SQLiteRepository) ZoneExists(ctx context.Context, zoneID string) (bool, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM zones WHERE id = ?`, zoneID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("querying zone: %w", err)
	}
	return n > 0, nil
}
