package domain

// Handle is the registry's non-owning view of a live connection.
// Deliver must never block; Close only requests shutdown and returns immediately.
type Handle interface {
	Deliver(frame Frame) error
	Close(reason string)
}

// FanOut distributes upstream frames to every registered connection.
type FanOut interface {
	Broadcast(frame Frame)
}

// Forwarder accepts client-originated frames for the upstream write path.
type Forwarder interface {
	Forward(frame Frame) error
}
