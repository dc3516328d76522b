package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/wsrelay/internal/domain"
	"github.com/pscheid92/wsrelay/internal/metrics"
)

const (
	commandTimeout    = 5 * time.Second  // Actor command timeout
	stopTimeout       = 10 * time.Second // Graceful shutdown timeout
	commandBufferSize = 1024
)

var (
	ErrStopped     = errors.New("registry stopped")
	ErrDuplicateID = errors.New("connection id already registered")
)

// registryCmd is the command interface for the Registry actor.
type registryCmd interface{ isRegistryCmd() }

type baseRegistryCmd struct{}

func (baseRegistryCmd) isRegistryCmd() {}

type registerCmd struct {
	baseRegistryCmd
	id           string
	handle       domain.Handle
	errorChannel chan error
}

type unregisterCmd struct {
	baseRegistryCmd
	id string
}

type broadcastCmd struct {
	baseRegistryCmd
	frame domain.Frame
}

type countCmd struct {
	baseRegistryCmd
	replyChannel chan int
}

type stopCmd struct {
	baseRegistryCmd
	reason string
}

// Registry maps connection ids to their write handles and fans upstream frames out to them.
type Registry struct {
	cmdCh       chan registryCmd
	clock       clockwork.Clock
	handles     map[string]domain.Handle
	done        chan struct{}
	stopOnce    sync.Once
	stopTimeout time.Duration
}

// New creates a registry and starts its goroutine.
func New(clock clockwork.Clock) *Registry {
	r := &Registry{
		cmdCh:       make(chan registryCmd, commandBufferSize),
		clock:       clock,
		handles:     make(map[string]domain.Handle),
		done:        make(chan struct{}),
		stopTimeout: stopTimeout,
	}
	go r.run()
	return r
}

// Register adds a connection. It is called once per connection after the handshake.
func (r *Registry) Register(id string, handle domain.Handle) error {
	errCh := make(chan error, 1)
	if !r.send(registerCmd{id: id, handle: handle, errorChannel: errCh}) {
		return ErrStopped
	}

	// Use timeout to prevent blocking forever if the registry is stuck
	timer := r.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case err := <-errCh:
		return err
	case <-r.done:
		return ErrStopped
	case <-timer.Chan():
		return fmt.Errorf("register command timed out after %v", commandTimeout)
	}
}

// Unregister removes a connection. Unknown ids and calls after Stop are no-ops.
func (r *Registry) Unregister(id string) {
	r.send(unregisterCmd{id: id})
}

// Broadcast queues one frame for delivery to every connection registered at the
// time the command is processed. Frames are fanned out in call order.
func (r *Registry) Broadcast(frame domain.Frame) {
	r.send(broadcastCmd{frame: frame})
}

// Count returns the number of registered connections.
// Returns -1 if the command times out or the registry is stopped.
func (r *Registry) Count() int {
	replyCh := make(chan int, 1)
	if !r.send(countCmd{replyChannel: replyCh}) {
		return -1
	}

	timer := r.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case count := <-replyCh:
		return count
	case <-r.done:
		return -1
	case <-timer.Chan():
		slog.Warn("Registry count timed out", "timeout", commandTimeout)
		return -1
	}
}

// Stop asks every registered connection to close and shuts the registry down.
// Blocks until the registry goroutine has exited or the stop timeout is reached.
// Calling Stop more than once is a no-op.
func (r *Registry) Stop(reason string) {
	r.stopOnce.Do(func() {
		if !r.send(stopCmd{reason: reason}) {
			return
		}

		timeout := r.clock.NewTimer(r.stopTimeout)
		defer timeout.Stop()

		select {
		case <-r.done:
			slog.Info("Registry stopped gracefully")
		case <-timeout.Chan():
			slog.Warn("Registry stop timeout exceeded", "timeout", r.stopTimeout)
		}
	})
}

func (r *Registry) send(cmd registryCmd) bool {
	select {
	case <-r.done:
		return false
	default:
	}

	select {
	case r.cmdCh <- cmd:
		return true
	case <-r.done:
		return false
	}
}

func (r *Registry) run() {
	defer close(r.done)

	// Panic recovery wrapper
	defer func() {
		if p := recover(); p != nil {
			slog.Error("Registry panic recovered", "panic", p)
			r.closeAll("registry panic")
		}
	}()

	// Track command channel depth every second
	depthTicker := r.clock.NewTicker(1 * time.Second)
	defer depthTicker.Stop()

	for {
		select {
		case <-depthTicker.Chan():
			depth := len(r.cmdCh)
			metrics.RegistryCommandChannelDepth.Set(float64(depth))

			if depth > commandBufferSize*8/10 {
				slog.Warn("Registry command channel near capacity",
					"depth", depth,
					"capacity", cap(r.cmdCh),
				)
			}

		case cmd := <-r.cmdCh:
			switch c := cmd.(type) {
			case registerCmd:
				r.handleRegister(c)
			case unregisterCmd:
				r.handleUnregister(c)
			case broadcastCmd:
				r.handleBroadcast(c)
			case countCmd:
				c.replyChannel <- len(r.handles)
			case stopCmd:
				r.handleStop(c)
				return
			default:
				slog.Warn("Registry received unknown command type", "command_type", fmt.Sprintf("%T", cmd))
			}
		}
	}
}

func (r *Registry) handleRegister(c registerCmd) {
	if _, exists := r.handles[c.id]; exists {
		c.errorChannel <- fmt.Errorf("%w: %s", ErrDuplicateID, c.id)
		return
	}

	r.handles[c.id] = c.handle
	metrics.RegistryConnections.Set(float64(len(r.handles)))

	slog.Debug("Connection registered", "conn_id", c.id, "total_connections", len(r.handles))
	c.errorChannel <- nil
}

func (r *Registry) handleUnregister(c unregisterCmd) {
	if _, exists := r.handles[c.id]; !exists {
		return
	}

	delete(r.handles, c.id)
	metrics.RegistryConnections.Set(float64(len(r.handles)))

	slog.Debug("Connection unregistered", "conn_id", c.id, "remaining_connections", len(r.handles))
}

func (r *Registry) handleBroadcast(c broadcastCmd) {
	start := r.clock.Now()
	metrics.FanOutFramesTotal.Inc()

	for id, handle := range r.handles {
		err := handle.Deliver(c.frame)
		switch {
		case err == nil:
			metrics.FanOutDeliveriesTotal.WithLabelValues("ok").Inc()
		case errors.Is(err, domain.ErrQueueFull):
			metrics.FanOutDeliveriesTotal.WithLabelValues("queue_full").Inc()
			slog.Warn("Fan-out delivery dropped, client queue full", "conn_id", id)
		case errors.Is(err, domain.ErrClosed):
			metrics.FanOutDeliveriesTotal.WithLabelValues("closed").Inc()
			slog.Debug("Fan-out delivery skipped, connection closing", "conn_id", id)
		default:
			metrics.FanOutDeliveriesTotal.WithLabelValues("error").Inc()
			slog.Error("Fan-out delivery failed", "conn_id", id, "error", err)
		}
	}

	metrics.FanOutDuration.Observe(r.clock.Since(start).Seconds())
}

func (r *Registry) handleStop(c stopCmd) {
	slog.Info("Registry shutting down", "connections", len(r.handles))

	r.closeAll(c.reason)

	slog.Info("Registry shutdown complete")
}

// closeAll asks every connection to close and forgets it.
// Used during panic recovery and graceful shutdown.
func (r *Registry) closeAll(reason string) {
	for id, handle := range r.handles {
		handle.Close(reason)
		delete(r.handles, id)
	}
	metrics.RegistryConnections.Set(0)
}
