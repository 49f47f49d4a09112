package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/nerrad567/dslink-core/internal/devicelink"
	"github.com/nerrad567/dslink-core/internal/gateway"
	"github.com/nerrad567/dslink-core/internal/protocol"
)

// History query limits.
const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// CommandRequest is the body of POST /devices/{id}/commands. msg_protocol
// is either the numeric tag or the command name.
type CommandRequest struct {
	MsgProtocol json.RawMessage `json:"msg_protocol"`
}

// parseDeviceID reads the {id} route parameter.
func parseDeviceID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// parseLimit reads the limit query parameter.
func parseLimit(r *http.Request) (int, bool) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return defaultHistoryLimit, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, false
	}
	if n > maxHistoryLimit {
		n = maxHistoryLimit
	}
	return n, true
}

// parseCommand accepts 4 or "START_STREAMING".
func parseCommand(raw json.RawMessage) (protocol.DeviceCommand, bool) {
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		cmd := protocol.DeviceCommand(n)
		return cmd, cmd.Valid()
	}
	var name string
	if err := json.Unmarshal(raw, &name); err == nil {
		return protocol.ParseDeviceCommand(strings.TrimSpace(name))
	}
	return 0, false
}

// handleListLinks returns the state of every identified device link.
func (s *Server) handleListLinks(w http.ResponseWriter, _ *http.Request) {
	snaps := s.devices.Snapshots()
	writeJSON(w, http.StatusOK, map[string]any{
		"links": snaps,
		"count": len(snaps),
	})
}

// handleGetLink returns the state of a device's live link.
func (s *Server) handleGetLink(w http.ResponseWriter, r *http.Request) {
	id, ok := parseDeviceID(r)
	if !ok {
		writeBadRequest(w, "invalid device id")
		return
	}

	link, ok := s.devices.Get(id)
	if !ok {
		if s.history == nil || s.deviceExists(w, r, id) {
			writeNotFound(w, "no live link for device")
		}
		return
	}
	writeJSON(w, http.StatusOK, link.Snapshot())
}

// handleEnqueueCommand queues an outbound command on a device's live link.
// The command runs on the link's own goroutine.
func (s *Server) handleEnqueueCommand(w http.ResponseWriter, r *http.Request) {
	id, ok := parseDeviceID(r)
	if !ok {
		writeBadRequest(w, "invalid device id")
		return
	}

	var req CommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if len(req.MsgProtocol) == 0 {
		writeBadRequest(w, "msg_protocol is required")
		return
	}
	cmd, ok := parseCommand(req.MsgProtocol)
	if !ok || cmd == protocol.SendAddr {
		writeBadRequest(w, "msg_protocol must be one of SEND_DIAGNOSTICS, UPDATE_CONFIG, STOP_STREAMING, START_STREAMING")
		return
	}

	link, ok := s.devices.Get(id)
	if !ok {
		writeNotFound(w, "no live link for device")
		return
	}

	err := link.Enqueue(cmd)
	switch {
	case err == nil:
	case errors.Is(err, devicelink.ErrMailboxFull):
		writeUnavailable(w, "device link is busy, retry later")
		return
	case errors.Is(err, devicelink.ErrLinkClosed):
		writeNotFound(w, "no live link for device")
		return
	case errors.Is(err, devicelink.ErrInvalidCommand):
		writeBadRequest(w, err.Error())
		return
	default:
		s.logger.Error("failed to queue device command", "device_id", id, "error", err)
		writeInternalError(w, "failed to queue command")
		return
	}

	s.logger.Info("device command queued", "device_id", id, "msg_protocol", cmd.String())
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":       "queued",
		"device_id":    id,
		"msg_protocol": cmd.String(),
	})
}

// handleListLogEntries returns a device's activity log, newest first.
func (s *Server) handleListLogEntries(w http.ResponseWriter, r *http.Request) {
	id, limit, ok := s.historyParams(w, r)
	if !ok {
		return
	}

	entries, err := s.history.LogEntries(r.Context(), id, limit)
	if err != nil {
		s.logger.Error("failed to list log entries", "device_id", id, "error", err)
		writeInternalError(w, "failed to list log entries")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"log_entries": entries,
		"count":       len(entries),
	})
}

// handleListDiagnostics returns a device's diagnostics history, newest first.
func (s *Server) handleListDiagnostics(w http.ResponseWriter, r *http.Request) {
	id, limit, ok := s.historyParams(w, r)
	if !ok {
		return
	}

	history, err := s.history.DiagnosticsHistory(r.Context(), id, limit)
	if err != nil {
		s.logger.Error("failed to list diagnostics", "device_id", id, "error", err)
		writeInternalError(w, "failed to list diagnostics")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"diagnostics": history,
		"count":       len(history),
	})
}

func (s *Server) historyParams(w http.ResponseWriter, r *http.Request) (id int64, limit int, ok bool) {
	if s.history == nil {
		writeNotFound(w, "history not available")
		return 0, 0, false
	}
	if id, ok = parseDeviceID(r); !ok {
		writeBadRequest(w, "invalid device id")
		return 0, 0, false
	}
	if limit, ok = parseLimit(r); !ok {
		writeBadRequest(w, "limit must be a positive integer")
		return 0, 0, false
	}
	if !s.deviceExists(w, r, id) {
		return 0, 0, false
	}
	return id, limit, true
}

// deviceExists looks the device up and answers 404 or 500 when it cannot be found.
func (s *Server) deviceExists(w http.ResponseWriter, r *http.Request, id int64) bool {
	_, err := s.history.GetDevice(r.Context(), id)
	switch {
	case errors.Is(err, gateway.ErrDeviceNotFound):
		writeNotFound(w, "device not found")
		return false
	case err != nil:
		s.logger.Error("failed to look up device", "device_id", id, "error", err)
		writeInternalError(w, "failed to look up device")
		return false
	}
	return true
}
