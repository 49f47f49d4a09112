package gateway

import "errors"

// Domain errors for the gateway package.
var (
	// ErrDeviceNotFound is returned when no deepstream server matches.
	ErrDeviceNotFound = errors.New("gateway: device not found")

	// ErrZoneNotFound is returned when a zone id does not exist.
	ErrZoneNotFound = errors.New("gateway: zone not found")

	// ErrInvalidStatus is returned for a status outside the known set.
	ErrInvalidStatus = errors.New("gateway: invalid status")

	// ErrInvalidDiagnostics is returned when diagnostics_info is not a JSON object.
	ErrInvalidDiagnostics = errors.New("gateway: invalid diagnostics")
)
