package supervisor

import "github.com/pscheid92/wsrelay/internal/domain"

// event is the mailbox message type of the Supervisor actor.
type event interface{ isEvent() }

type baseEvent struct{}

func (baseEvent) isEvent() {}

type pingEvent struct {
	baseEvent
	payload []byte
}

type pongEvent struct {
	baseEvent
}

type dataEvent struct {
	baseEvent
	frame domain.Frame
}

type closeEvent struct {
	baseEvent
	code int
	text string
}

type readErrorEvent struct {
	baseEvent
	err error
}
