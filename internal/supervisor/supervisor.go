package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/wsrelay/internal/domain"
	"github.com/pscheid92/wsrelay/internal/heartbeat"
	"github.com/pscheid92/wsrelay/internal/metrics"
	"github.com/pscheid92/wsrelay/internal/platform/correlation"
)

const (
	writeWait             = 5 * time.Second
	DefaultQueueSize      = 256
	DefaultMaxMessageSize = 512 * 1024
)

// Close reasons, also used as metric labels.
const (
	reasonClientClose      = "client_close"
	reasonPeerGone         = "peer_gone"
	reasonHeartbeatTimeout = "heartbeat_timeout"
	reasonProtocolError    = "protocol_error"
	reasonReadError        = "read_error"
	reasonWriteError       = "write_error"
	reasonStopped          = "stopped"
	reasonSlowConsumer     = "slow_consumer"
)

// State is the lifecycle state of a supervised connection.
type State int32

const (
	Active State = iota
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Config configures a Supervisor.
type Config struct {
	Policy         heartbeat.Policy
	QueueSize      int // bounded outbound queue for fan-out frames
	MaxMessageSize int64
	Clock          clockwork.Clock
	Forwarder      domain.Forwarder // receives client Text/Binary frames; nil drops them
	OnClosed       func(id string)  // called exactly once when the connection reaches Closed
}

type stopRequest struct {
	code   int
	reason string
	label  string
}

// Supervisor runs the heartbeat state machine for one inbound connection.
type Supervisor struct {
	id   string
	conn *websocket.Conn
	cfg  Config
	ctx  context.Context

	monitor *heartbeat.Monitor
	ticker  clockwork.Ticker

	sendCh chan domain.Frame
	events chan event
	stopCh chan struct{}
	done   chan struct{}

	stopOnce  sync.Once
	startOnce sync.Once
	stop      stopRequest

	state       atomic.Int32
	started     bool
	openedAt    time.Time
	closeReason string
}

// New wraps an upgraded connection. Handlers are installed immediately; nothing runs
// until Start.
func New(ctx context.Context, id string, conn *websocket.Conn, cfg Config) *Supervisor {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = DefaultMaxMessageSize
	}
	if cfg.Policy == (heartbeat.Policy{}) {
		cfg.Policy = heartbeat.DefaultPolicy()
	}

	s := &Supervisor{
		id:     id,
		conn:   conn,
		cfg:    cfg,
		ctx:    correlation.WithAttrs(ctx, slog.String("conn_id", id)),
		sendCh: make(chan domain.Frame, cfg.QueueSize),
		events: make(chan event),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}

	conn.SetReadLimit(cfg.MaxMessageSize)
	conn.SetPingHandler(func(appData string) error {
		s.post(pingEvent{payload: []byte(appData)})
		return nil
	})
	conn.SetPongHandler(func(string) error {
		s.post(pongEvent{})
		return nil
	})
	// The acknowledgement is written by the actor, never by the read pump.
	conn.SetCloseHandler(func(int, string) error { return nil })

	return s
}

// ID returns the connection identifier.
func (s *Supervisor) ID() string {
	return s.id
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	return State(s.state.Load())
}

// Done is closed once the connection has reached Closed.
func (s *Supervisor) Done() <-chan struct{} {
	return s.done
}

// Start records the initial heartbeat and starts the actor goroutine.
// It is a no-op after the first call or after Stop.
func (s *Supervisor) Start() {
	s.startOnce.Do(func() {
		s.started = true
		s.openedAt = s.cfg.Clock.Now()
		s.monitor = heartbeat.NewMonitor(s.cfg.Policy, s.cfg.Clock)
		s.ticker = s.monitor.NewTicker()

		metrics.ConnectionsCurrent.Inc()
		slog.DebugContext(s.ctx, "Client connected", "remote_addr", s.conn.RemoteAddr().String())

		go s.run()
	})
}

// ReadPump reads frames until the connection fails or closes, handing each one to the
// actor. It must run on exactly one goroutine and returns when reading stops.
func (s *Supervisor) ReadPump() {
	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				s.post(closeEvent{code: closeErr.Code, text: closeErr.Text})
			} else {
				s.post(readErrorEvent{err: err})
			}
			return
		}

		switch messageType {
		case websocket.TextMessage:
			s.post(dataEvent{frame: domain.Frame{Kind: domain.FrameText, Payload: data}})
		case websocket.BinaryMessage:
			s.post(dataEvent{frame: domain.Frame{Kind: domain.FrameBinary, Payload: data}})
		default:
			s.post(readErrorEvent{err: domain.ErrProtocol})
			return
		}
	}
}

// Deliver enqueues an upstream frame for this client without blocking.
// A full queue marks the client as a slow consumer and closes it.
func (s *Supervisor) Deliver(frame domain.Frame) error {
	select {
	case <-s.stopCh:
		return domain.ErrClosed
	default:
	}
	if s.State() != Active {
		return domain.ErrClosed
	}

	select {
	case s.sendCh <- frame:
		return nil
	default:
		metrics.SlowClientsEvicted.Inc()
		slog.WarnContext(s.ctx, "Disconnecting slow client", "queue_size", cap(s.sendCh))
		s.requestStop(stopRequest{code: websocket.ClosePolicyViolation, reason: "slow consumer", label: reasonSlowConsumer})
		return domain.ErrQueueFull
	}
}

// Close asks the connection to shut down with a Close frame carrying reason.
// It returns immediately.
func (s *Supervisor) Close(reason string) {
	s.requestStop(stopRequest{code: websocket.CloseGoingAway, reason: reason, label: reasonStopped})
}

// Stop closes the connection and waits until it has reached Closed.
// Calling Stop more than once is a no-op.
func (s *Supervisor) Stop(reason string) {
	s.Close(reason)

	// Never started: finish inline so Done still closes.
	s.startOnce.Do(func() {
		s.closeReason = reasonStopped
		s.finish()
		close(s.done)
	})

	<-s.done
}

func (s *Supervisor) requestStop(req stopRequest) {
	s.stopOnce.Do(func() {
		s.stop = req
		close(s.stopCh)
	})
}

// post hands an event to the actor, giving up once the actor has exited.
func (s *Supervisor) post(ev event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

func (s *Supervisor) run() {
	defer close(s.done)
	defer s.finish()
	defer s.ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			s.shutdown(s.stop)
			return

		case <-s.ticker.Chan():
			if !s.handleTick() {
				return
			}

		case ev := <-s.events:
			if !s.handleEvent(ev) {
				return
			}

		case frame := <-s.sendCh:
			if err := s.writeFrame(frame); err != nil {
				slog.DebugContext(s.ctx, "Write to client failed", "error", err)
				s.closeReason = reasonWriteError
				return
			}
		}
	}
}

// handleTick returns false when the connection must stop.
func (s *Supervisor) handleTick() bool {
	if s.monitor.Tick() == heartbeat.Expire {
		s.state.Store(int32(Closing))
		s.closeReason = reasonHeartbeatTimeout
		metrics.HeartbeatTimeouts.Inc()
		slog.WarnContext(s.ctx, "Client heartbeat failed, disconnecting",
			"error", domain.ErrHeartbeatTimeout,
			"last_heartbeat", s.monitor.LastBeat(),
			"timeout", s.cfg.Policy.Timeout,
		)
		return false
	}

	if err := s.writeControl(websocket.PingMessage, nil); err != nil {
		slog.DebugContext(s.ctx, "Ping to client failed", "error", err)
		s.closeReason = reasonWriteError
		return false
	}
	metrics.HeartbeatPingsSent.Inc()
	return true
}

// handleEvent returns false when the connection must stop.
func (s *Supervisor) handleEvent(ev event) bool {
	switch e := ev.(type) {
	case pingEvent:
		s.monitor.Beat()
		if err := s.writeControl(websocket.PongMessage, e.payload); err != nil {
			slog.DebugContext(s.ctx, "Pong to client failed", "error", err)
			s.closeReason = reasonWriteError
			return false
		}
		return true

	case pongEvent:
		s.monitor.Beat()
		return true

	case dataEvent:
		s.forward(e.frame)
		return true

	case closeEvent:
		if e.code == websocket.CloseAbnormalClosure {
			s.closeReason = reasonPeerGone
			return false
		}
		s.state.Store(int32(Closing))
		s.closeReason = reasonClientClose

		ack := []byte{}
		if e.code != websocket.CloseNoStatusReceived {
			ack = websocket.FormatCloseMessage(e.code, "")
		}
		if err := s.writeControl(websocket.CloseMessage, ack); err != nil {
			slog.DebugContext(s.ctx, "Close acknowledgement failed", "error", err)
		}
		return false

	case readErrorEvent:
		if isNetworkError(e.err) {
			s.closeReason = reasonReadError
			slog.DebugContext(s.ctx, "Client read failed", "error", e.err)
			return false
		}
		s.closeReason = reasonProtocolError
		metrics.ProtocolErrors.Inc()
		slog.WarnContext(s.ctx, "Client protocol error, disconnecting", "error", e.err)
		return false

	default:
		slog.WarnContext(s.ctx, "Supervisor received unknown event", "event", ev)
		return true
	}
}

func (s *Supervisor) forward(frame domain.Frame) {
	if s.cfg.Forwarder == nil {
		metrics.ClientFramesForwarded.WithLabelValues("dropped").Inc()
		return
	}
	if err := s.cfg.Forwarder.Forward(frame); err != nil {
		metrics.ClientFramesForwarded.WithLabelValues("dropped").Inc()
		slog.DebugContext(s.ctx, "Client frame not forwarded upstream", "kind", frame.Kind.String(), "error", err)
		return
	}
	metrics.ClientFramesForwarded.WithLabelValues("ok").Inc()
}

func (s *Supervisor) shutdown(req stopRequest) {
	s.state.Store(int32(Closing))
	s.closeReason = req.label

	msg := websocket.FormatCloseMessage(req.code, req.reason)
	if err := s.writeControl(websocket.CloseMessage, msg); err != nil {
		slog.DebugContext(s.ctx, "Close frame to client failed", "error", err)
	}
}

// finish releases the socket and unregisters. Runs exactly once.
func (s *Supervisor) finish() {
	s.state.Store(int32(Closed))
	_ = s.conn.Close()

	if s.cfg.OnClosed != nil {
		s.cfg.OnClosed(s.id)
	}

	if s.started {
		metrics.ConnectionsCurrent.Dec()
		metrics.ConnectionDuration.Observe(s.cfg.Clock.Since(s.openedAt).Seconds())
	}
	metrics.ConnectionsTotal.WithLabelValues(s.closeReason).Inc()

	slog.InfoContext(s.ctx, "Client disconnected", "reason", s.closeReason)
}

func (s *Supervisor) writeControl(messageType int, data []byte) error {
	return s.conn.WriteControl(messageType, data, time.Now().Add(writeWait))
}

func (s *Supervisor) writeFrame(frame domain.Frame) error {
	messageType := websocket.TextMessage
	if frame.Kind == domain.FrameBinary {
		messageType = websocket.BinaryMessage
	}

	start := time.Now()
	_ = s.conn.SetWriteDeadline(start.Add(writeWait))
	if err := s.conn.WriteMessage(messageType, frame.Payload); err != nil {
		return err
	}
	metrics.MessageSendDuration.Observe(time.Since(start).Seconds())
	return nil
}

func isNetworkError(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) || errors.Is(err, net.ErrClosed)
}
