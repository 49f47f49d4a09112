// Package protocol defines the wire vocabulary shared by device links and
// client links: the two closed command enumerations, the JSON envelopes that
// carry them, and the field-level validation errors returned to peers.
//
// Device link (coordinator -> edge server):
//
//	{"msg_protocol": 2, "data": {...}}
//
// Device link (edge server -> coordinator):
//
//	{"status": 200, "msg_protocol": 0, "mac_addr": "aa:bb:cc:dd:ee:ff"}
//	{"status": 400, "error": {"msg_protocol": "..."}}
//
// Client link (frontend -> coordinator):
//
//	{"command": 1, "camera_ids": [1, 2]}
//
// Responses and pushes in either direction use {"status", "data"} or
// {"status", "error"}.
package protocol
