// Package relay fans broker messages out to the client links watching a zone.
//
// A Relay holds one broadcast group per zone. Client links Join the group of
// the zone they watch and receive every message published to it on their
// subscription channel. A group exists only while it has members.
//
// Delivery is best effort: a member whose buffer is full misses the message
// rather than stalling the publisher, and members joining or leaving while a
// message is published may or may not see it. Messages published to a group
// keep their publish order on each member channel.
package relay
