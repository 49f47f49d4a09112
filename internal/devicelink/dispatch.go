package devicelink

import (
	"context"
	"errors"
	"time"

	"github.com/nerrad567/dslink-core/internal/gateway"
	"github.com/nerrad567/dslink-core/internal/metrics"
	"github.com/nerrad567/dslink-core/internal/protocol"
)

// Validation and lookup messages sent to servers.
const (
	MsgMACRequired      = "Server must send its MAC address to operate"
	MsgMACInvalid       = "MAC address is invalid."
	MsgMACNotRegistered = "MAC address not registered as a deepstream server."

	MsgDiagnosticsNotObject = "Field must be an object."
)

// Device log entries.
const (
	entryConnected        = "Connection made with the server."
	entryUpdatingConfig   = "Updating deepstream configuration..."
	entryConfigFailed     = "Failed to generate deepstream configuration."
	entryConfigUpdated    = "Deepstream configuration successfully updated."
	entryStarting         = "Starting deepstream pipeline..."
	entryStarted          = "Deepstream pipeline started."
	entryBridgeFailed     = "Failed to initialize broker consumer for streamed data."
	entryStopping         = "Stopping deepstream pipeline..."
	entryStopped          = "Deepstream pipeline stopped."
	entryRequestingDiag   = "Requesting diagnostics information from the server..."
	entryDiagnosticsRecvd = "Diagnostics information received from the server."
)

// Prefixes for failed acknowledgements; the status and error follow as JSON.
const (
	failSendAddr    = "Error raised while fetching MAC address from the server."
	failDiagnostics = "Error raised while fetching diagnostics info from the server:"
	failConfig      = "Error raised while updating deepstream configuration to the server:"
	failStart       = "Error raised while starting deepstream:"
	failStop        = "Error raised while stopping deepstream:"
)

// Outbound command generators. Everything but SEND_ADDR requires an
// identified server and is silently skipped otherwise.

func (l *Link) sendAddr(ctx context.Context) {
	l.command(ctx, protocol.SendAddr, nil)
}

func (l *Link) sendDiagnostics(ctx context.Context) {
	if !l.st.alive {
		return
	}
	l.logEntry(ctx, entryRequestingDiag)
	l.command(ctx, protocol.SendDiagnostics, nil)
}

func (l *Link) updateConfig(ctx context.Context) {
	if !l.st.alive {
		return
	}
	l.logEntry(ctx, entryUpdatingConfig)

	cfg, err := l.gw.BuildDeviceConfig(ctx, l.st.deviceID)
	if err != nil {
		l.logger.Error("failed to build device configuration", l.attrs("error", err)...)
		l.logEntry(ctx, entryConfigFailed)
		return
	}
	l.command(ctx, protocol.UpdateConfig, cfg)
}

func (l *Link) startStreaming(ctx context.Context) {
	if !l.st.alive {
		return
	}
	l.logEntry(ctx, entryStarting)
	l.command(ctx, protocol.StartStreaming, nil)
}

func (l *Link) stopStreaming(ctx context.Context) {
	if !l.st.alive {
		return
	}
	l.logEntry(ctx, entryStopping)
	l.command(ctx, protocol.StopStreaming, nil)
}

// Response callbacks, called only for envelopes that passed validation.

func (l *Link) onSendAddr(ctx context.Context, m *protocol.DeviceMessage) {
	if !m.Succeeded() {
		l.logFailure(ctx, m, protocol.SendAddr, failSendAddr)
		return
	}
	if l.st.alive {
		l.logger.Debug("duplicate identity response ignored", l.attrs()...)
		return
	}

	mac, _ := m.MAC()
	device, err := l.gw.LookupDeviceByHWAddress(ctx, mac)
	if errors.Is(err, gateway.ErrDeviceNotFound) {
		l.logger.Info("deepstream server ["+mac+"] invalidated", l.attrs("status", protocol.StatusOK, "msg_protocol", protocol.SendAddr.String())...)
		l.reply(ctx, protocol.EncodeError(protocol.FieldErrors{"mac_addr": MsgMACNotRegistered}))
		return
	}
	if err != nil {
		l.logger.Error("device lookup failed", l.attrs("mac_addr", mac, "error", err)...)
		l.reply(ctx, protocol.EncodeError(protocol.MsgCouldNotProcess))
		return
	}

	zoneID, err := l.gw.LookupZoneForDevice(ctx, device.ID)
	if err != nil {
		l.logger.Error("zone lookup failed", l.attrs("mac_addr", mac, "error", err)...)
		l.reply(ctx, protocol.EncodeError(protocol.MsgCouldNotProcess))
		return
	}

	l.st.alive = true
	l.st.deviceID = device.ID
	l.st.zoneID = zoneID
	l.st.phase = PhaseIdentified
	metrics.DevicesIdentified.Inc()

	if l.opts.Registry != nil {
		l.opts.Registry.register(device.ID, l)
	}

	l.logger.Info("deepstream server validated", l.attrs("status", protocol.StatusOK, "msg_protocol", protocol.SendAddr.String())...)

	if err := l.gw.PersistDeviceOnline(ctx, device.ID, l.opts.RemoteAddr, time.Now()); err != nil {
		l.logger.Warn("failed to mark device online", l.attrs("error", err)...)
	}
	l.logEntry(ctx, entryConnected)

	l.generate(ctx, protocol.UpdateConfig)
}

func (l *Link) onSendDiagnostics(ctx context.Context, m *protocol.DeviceMessage) {
	if !m.Succeeded() {
		l.logFailure(ctx, m, protocol.SendDiagnostics, failDiagnostics)
		return
	}

	d, err := gateway.ParseDiagnostics(m.DiagnosticsInfo, time.Now().UTC())
	if err != nil {
		l.logger.Warn("diagnostics rejected", l.attrs("error", err)...)
		l.reply(ctx, protocol.EncodeError(protocol.FieldErrors{"diagnostics_info": MsgDiagnosticsNotObject}))
		return
	}

	l.logEntry(ctx, entryDiagnosticsRecvd)
	l.st.diagnostics = d

	if err := l.gw.RecordDiagnostics(ctx, l.st.deviceID, l.st.zoneID, d); err != nil {
		l.logger.Warn("failed to record diagnostics", l.attrs("error", err)...)
	}
}

func (l *Link) onUpdateConfig(ctx context.Context, m *protocol.DeviceMessage) {
	if !m.Succeeded() {
		l.logFailure(ctx, m, protocol.UpdateConfig, failConfig)
		l.setStatus(ctx, gateway.StatusOnlineInError)
		return
	}

	l.logEntry(ctx, entryConfigUpdated)
	if l.st.phase == PhaseIdentified {
		l.st.phase = PhaseConfigured
	}
	l.generate(ctx, protocol.StartStreaming)
}

func (l *Link) onStartStreaming(ctx context.Context, m *protocol.DeviceMessage) {
	if !m.Succeeded() {
		l.logFailure(ctx, m, protocol.StartStreaming, failStart)
		l.setStatus(ctx, gateway.StatusOnlineInError)
		return
	}

	l.logEntry(ctx, entryStarted)

	routingKey, _ := m.RoutingKey()
	if l.st.bridge != nil {
		l.logger.Info("bridge already active, start acknowledgement ignored",
			l.attrs("routing_key", l.st.routingKey, "requested_routing_key", routingKey)...)
		return
	}

	b, err := l.opener.Open(ctx, routingKey, l.st.zoneID)
	if err != nil {
		l.logger.Error("failed to open bridge", l.attrs("routing_key", routingKey, "error", err)...)
		l.logEntry(ctx, entryBridgeFailed)
		l.st.phase = PhaseStopped
		l.generate(ctx, protocol.StopStreaming)
		return
	}

	l.st.bridge = b
	l.st.routingKey = routingKey
	l.st.phase = PhaseStreaming
	l.setStatus(ctx, gateway.StatusOnlineStreaming)
}

func (l *Link) onStopStreaming(ctx context.Context, m *protocol.DeviceMessage) {
	if !m.Succeeded() {
		l.logFailure(ctx, m, protocol.StopStreaming, failStop)
		l.setStatus(ctx, gateway.StatusOnlineInError)
		return
	}

	l.logEntry(ctx, entryStopped)
	l.closeBridge()
	l.st.phase = PhaseStopped
	l.setStatus(ctx, gateway.StatusOnlineIdle)
}
