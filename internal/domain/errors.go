package domain

import "errors"

var (
	// ErrProtocol marks a malformed or unrecognized inbound frame.
	ErrProtocol = errors.New("websocket protocol error")
	// ErrHeartbeatTimeout marks a peer that stopped answering pings.
	ErrHeartbeatTimeout = errors.New("heartbeat timeout")
	// ErrQueueFull is returned when a bounded outbound queue cannot take another frame.
	ErrQueueFull = errors.New("outbound queue full")
	// ErrClosed is returned when sending to a connection that has already closed.
	ErrClosed = errors.New("connection closed")
	// ErrNotConnected is returned when the upstream link has no live socket.
	ErrNotConnected = errors.New("upstream not connected")
)
