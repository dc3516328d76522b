// Package heartbeat holds the ping/pong liveness policy shared by every
// inbound connection. It does no I/O: callers own the socket and ask the
// Monitor what to do on each tick.
package heartbeat

import (
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
)

const (
	DefaultPingInterval = 5 * time.Second
	DefaultTimeout      = 10 * time.Second
)

// Policy configures how often peers are pinged and how long they may stay silent.
type Policy struct {
	PingInterval time.Duration
	Timeout      time.Duration
}

func DefaultPolicy() Policy {
	return Policy{PingInterval: DefaultPingInterval, Timeout: DefaultTimeout}
}

// Validate enforces Timeout >= 2*PingInterval so one missed pong is tolerated.
func (p Policy) Validate() error {
	if p.PingInterval <= 0 {
		return fmt.Errorf("ping interval must be positive, got %v", p.PingInterval)
	}
	if p.Timeout < 2*p.PingInterval {
		return fmt.Errorf("timeout %v must be at least twice the ping interval %v", p.Timeout, p.PingInterval)
	}
	return nil
}

// Action is the outcome of a heartbeat tick.
type Action int

const (
	SendPing Action = iota
	Expire
)

func (a Action) String() string {
	if a == Expire {
		return "expire"
	}
	return "ping"
}

// Monitor tracks the last heartbeat of one connection.
// Not safe for concurrent use; it belongs to the connection's goroutine.
type Monitor struct {
	policy Policy
	clock  clockwork.Clock
	last   time.Time
}

// NewMonitor starts the liveness window at the current clock time.
func NewMonitor(policy Policy, clock clockwork.Clock) *Monitor {
	return &Monitor{policy: policy, clock: clock, last: clock.Now()}
}

// Beat records a Ping or Pong from the peer.
func (m *Monitor) Beat() {
	m.last = m.clock.Now()
}

// LastBeat returns the time of the most recent heartbeat.
func (m *Monitor) LastBeat() time.Time {
	return m.last
}

// Tick decides whether the peer gets another ping or is declared dead.
// Silence of exactly Timeout still earns a ping; anything longer expires.
func (m *Monitor) Tick() Action {
	if m.clock.Since(m.last) > m.policy.Timeout {
		return Expire
	}
	return SendPing
}

// NewTicker returns a ticker firing every PingInterval on the monitor's clock.
func (m *Monitor) NewTicker() clockwork.Ticker {
	return m.clock.NewTicker(m.policy.PingInterval)
}

func (m *Monitor) Policy() Policy {
	return m.policy
}
