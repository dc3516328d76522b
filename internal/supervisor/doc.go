// Package supervisor owns one inbound WebSocket connection for its whole life.
//
// Each Supervisor runs a single actor goroutine that holds the heartbeat state and is the
// only writer to the socket. A separate read pump turns inbound frames into mailbox events.
// Upstream fan-out reaches the actor through a bounded queue; a client that lets that queue
// fill up is disconnected.
package supervisor
