// Package clientlink runs the coordinator side of one frontend viewer
// connection.
//
// A viewer joins the relay group of one zone when it connects and then
// controls, with START_STREAMING, STOP_STREAMING and CHANGE_CAMERA_IDS,
// whether relayed messages are pushed to it and for which cameras. Every
// command is answered with the full link state.
//
// A relayed message is forwarded only while streaming and only when its
// sensorId is one of the watched camera ids. Ids are compared by JSON
// value, so 3 and 3.0 match but 3 and "3" do not.
package clientlink
