package upstream

import (
	"errors"
	"fmt"
)

var (
	// ErrStreamEnded is returned when the read half of a session stops.
	ErrStreamEnded = errors.New("upstream stream ended")
	// ErrStale is returned when the feed has been silent for too long.
	ErrStale = errors.New("upstream link stale")
	// ErrRetryBudgetExhausted is returned from Run when every reconnect attempt failed.
	ErrRetryBudgetExhausted = errors.New("upstream retry budget exhausted")
	// ErrMalformedURL marks a feed URL that can never be dialed.
	ErrMalformedURL = errors.New("malformed upstream url")
	// ErrAlreadyRunning is returned when Run is called on a Link that is already running.
	ErrAlreadyRunning = errors.New("upstream link already running")
)

// ConnectError wraps a failed dial or handshake.
type ConnectError struct {
	URL        string
	StatusCode int // HTTP status of a rejected handshake, 0 if none
	Err        error
}

func (e *ConnectError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("connect %s: handshake status %d: %v", e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("connect %s: %v", e.URL, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }
