// Package devicelink runs the coordinator side of one deepstream server
// connection.
//
// A Link owns the connection's state and is driven by a single goroutine
// (Run) that reads inbound envelopes, executes externally queued commands
// and fires periodic diagnostics requests. Nothing else touches the state,
// so it needs no locking; a read-only Snapshot is published after every
// step for the API.
//
// The protocol has no correlation ids. Each inbound response is matched to
// a command by its msg_protocol tag alone, which assumes a server answers
// commands in the order they were sent.
//
// Lifecycle:
//
//	UNIDENTIFIED --SEND_ADDR ok--> IDENTIFIED --UPDATE_CONFIG ok--> CONFIGURED
//	CONFIGURED/STOPPED --START_STREAMING ok + bridge--> STREAMING
//	STREAMING --STOP_STREAMING ok--> STOPPED
//
// A bridge that fails to open unwinds straight to STOPPED and a
// STOP_STREAMING command is sent to the server.
package devicelink
