package upstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/wsrelay/internal/domain"
	"github.com/pscheid92/wsrelay/internal/metrics"
	"github.com/pscheid92/wsrelay/internal/platform/correlation"
	"github.com/pscheid92/wsrelay/internal/platform/retry"
)

const (
	writeWait               = 5 * time.Second
	staleAfterKeepalives    = 3
	DefaultKeepalive        = 30 * time.Second
	DefaultQueueSize        = 1024
	DefaultHandshakeTimeout = 10 * time.Second
)

// Status is the connection state of the Link.
type Status int32

const (
	Disconnected Status = iota
	Connecting
	Connected
	Reconnecting
)

func (s Status) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Config configures a Link.
type Config struct {
	URL              string
	Subscribe        []string // text messages sent after every successful connect
	Keepalive        time.Duration
	QueueSize        int
	HandshakeTimeout time.Duration
	Backoff          retry.Policy
	Dialer           *websocket.Dialer // nil builds one from HandshakeTimeout
}

// DefaultBackoff is the reconnect policy used when Config.Backoff is zero.
func DefaultBackoff() retry.Policy {
	return retry.Policy{
		MaxAttempts:      20,
		InitialBackoff:   1 * time.Second,
		MaxBackoff:       30 * time.Second,
		RateLimitBackoff: 30 * time.Second,
	}
}

// Link is the process-wide connection to the upstream feed.
type Link struct {
	cfg    Config
	sink   domain.FanOut
	clock  clockwork.Clock
	dialer *websocket.Dialer

	status   atomic.Int32
	running  atomic.Bool
	lastSeen atomic.Int64 // unix nanos on l.clock of the last frame or pong

	cmdCh chan domain.Frame
}

// NewLink creates a Link that broadcasts every upstream data frame to sink.
func NewLink(cfg Config, sink domain.FanOut, clock clockwork.Clock) *Link {
	if cfg.Keepalive <= 0 {
		cfg.Keepalive = DefaultKeepalive
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.Backoff.MaxAttempts <= 0 {
		cfg.Backoff = DefaultBackoff()
	}
	cfg.Backoff.Clock = clock

	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		}
	}

	l := &Link{
		cfg:    cfg,
		sink:   sink,
		clock:  clock,
		dialer: dialer,
		cmdCh:  make(chan domain.Frame, cfg.QueueSize),
	}
	metrics.UpstreamStatus.Set(float64(Disconnected))
	return l
}

// Status returns the current link state.
func (l *Link) Status() Status {
	return Status(l.status.Load())
}

// Forward queues a client-originated frame for the upstream socket.
// Frames are dropped with ErrNotConnected while no session is live.
func (l *Link) Forward(frame domain.Frame) error {
	if l.Status() != Connected {
		return domain.ErrNotConnected
	}

	select {
	case l.cmdCh <- frame:
		metrics.UpstreamQueueDepth.Set(float64(len(l.cmdCh)))
		return nil
	default:
		return domain.ErrQueueFull
	}
}

// Run connects to the feed and keeps it connected until ctx is cancelled.
// It returns nil on cancellation and an error wrapping ErrRetryBudgetExhausted when
// reconnecting gives up.
func (l *Link) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer l.running.Store(false)
	defer l.setStatus(Disconnected)

	ctx = correlationContext(ctx, l.cfg.URL)
	l.setStatus(Connecting)

	for {
		conn, err := l.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var exhausted *retry.ExhaustedError
			if errors.As(err, &exhausted) {
				return fmt.Errorf("%w: %w", ErrRetryBudgetExhausted, err)
			}
			return fmt.Errorf("upstream connect: %w", err)
		}

		l.setStatus(Connected)
		slog.InfoContext(ctx, "Upstream connected")

		err = l.serve(ctx, conn)
		if ctx.Err() != nil {
			slog.InfoContext(ctx, "Upstream link stopped")
			return nil
		}

		metrics.UpstreamSessionsEnded.WithLabelValues(sessionEndReason(err)).Inc()
		slog.WarnContext(ctx, "Upstream session ended, reconnecting", "error", err)
		l.setStatus(Reconnecting)
	}
}

func (l *Link) connect(ctx context.Context) (*websocket.Conn, error) {
	policy := l.cfg.Backoff
	policy.OnRetry = func(attempt int, err error, backoff time.Duration) {
		l.setStatus(Reconnecting)
		slog.WarnContext(ctx, "Upstream connect failed, retrying",
			"attempt", attempt,
			"max_attempts", policy.MaxAttempts,
			"backoff", backoff,
			"error", err,
		)
	}

	return retry.Do(ctx, policy, classifyDialError, func() (*websocket.Conn, error) {
		l.setStatus(Connecting)
		conn, err := l.dial(ctx)
		if err != nil {
			metrics.UpstreamConnectAttempts.WithLabelValues("failure").Inc()
			return nil, err
		}
		metrics.UpstreamConnectAttempts.WithLabelValues("success").Inc()
		return conn, nil
	})
}

func (l *Link) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(l.cfg.URL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return nil, &ConnectError{URL: l.cfg.URL, Err: ErrMalformedURL}
	}

	conn, resp, err := l.dialer.DialContext(ctx, l.cfg.URL, nil)
	if err != nil {
		connectErr := &ConnectError{URL: l.cfg.URL, Err: err}
		if resp != nil {
			connectErr.StatusCode = resp.StatusCode
			_ = resp.Body.Close()
		}
		return nil, connectErr
	}
	return conn, nil
}

// serve runs one session and blocks until it ends.
func (l *Link) serve(ctx context.Context, conn *websocket.Conn) error {
	l.touch()

	pongs := make(chan []byte, 4)
	conn.SetPingHandler(func(appData string) error {
		l.touch()
		select {
		case pongs <- []byte(appData):
		default:
		}
		return nil
	})
	conn.SetPongHandler(func(string) error {
		l.touch()
		return nil
	})

	readDone := make(chan struct{})
	var readErr error
	go func() {
		defer close(readDone)
		readErr = l.readLoop(conn)
	}()

	err := l.writeLoop(ctx, conn, pongs, readDone, &readErr)
	_ = conn.Close()
	<-readDone
	return err
}

func (l *Link) readLoop(conn *websocket.Conn) error {
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		l.touch()
		metrics.UpstreamFramesReceived.Inc()

		kind := domain.FrameText
		if messageType == websocket.BinaryMessage {
			kind = domain.FrameBinary
		}
		l.sink.Broadcast(domain.Frame{Kind: kind, Payload: data})
	}
}

// writeLoop is the only writer to conn for the lifetime of a session.
func (l *Link) writeLoop(ctx context.Context, conn *websocket.Conn, pongs <-chan []byte, readDone <-chan struct{}, readErr *error) error {
	for _, msg := range l.cfg.Subscribe {
		if err := l.write(conn, websocket.TextMessage, []byte(msg)); err != nil {
			return fmt.Errorf("send subscribe: %w", err)
		}
		metrics.UpstreamFramesSent.WithLabelValues("subscribe").Inc()
	}

	ticker := l.clock.NewTicker(l.cfg.Keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			return nil

		case <-readDone:
			return fmt.Errorf("%w: %w", ErrStreamEnded, *readErr)

		case payload := <-pongs:
			if err := conn.WriteControl(websocket.PongMessage, payload, time.Now().Add(writeWait)); err != nil {
				return fmt.Errorf("write pong: %w", err)
			}
			metrics.UpstreamFramesSent.WithLabelValues("pong").Inc()

		case frame := <-l.cmdCh:
			metrics.UpstreamQueueDepth.Set(float64(len(l.cmdCh)))
			messageType := websocket.TextMessage
			if frame.Kind == domain.FrameBinary {
				messageType = websocket.BinaryMessage
			}
			if err := l.write(conn, messageType, frame.Payload); err != nil {
				return fmt.Errorf("write frame: %w", err)
			}
			metrics.UpstreamFramesSent.WithLabelValues("data").Inc()

		case <-ticker.Chan():
			if silence := l.clock.Since(l.lastSeenAt()); silence > staleAfterKeepalives*l.cfg.Keepalive {
				return fmt.Errorf("%w: silent for %v", ErrStale, silence)
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return fmt.Errorf("write ping: %w", err)
			}
			metrics.UpstreamFramesSent.WithLabelValues("ping").Inc()
		}
	}
}

func (l *Link) write(conn *websocket.Conn, messageType int, data []byte) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(messageType, data)
}

func (l *Link) touch() {
	l.lastSeen.Store(l.clock.Now().UnixNano())
}

func (l *Link) lastSeenAt() time.Time {
	return time.Unix(0, l.lastSeen.Load())
}

func (l *Link) setStatus(s Status) {
	if Status(l.status.Swap(int32(s))) != s {
		metrics.UpstreamStatus.Set(float64(s))
		slog.Debug("Upstream status changed", "status", s.String())
	}
}

// classifyDialError decides how the connect loop reacts to a failed dial.
func classifyDialError(err error) retry.Action {
	if errors.Is(err, ErrMalformedURL) || errors.Is(err, context.Canceled) {
		return retry.Stop
	}
	var connectErr *ConnectError
	if errors.As(err, &connectErr) && connectErr.StatusCode == http.StatusTooManyRequests {
		return retry.After
	}
	return retry.Retry
}

func sessionEndReason(err error) string {
	switch {
	case errors.Is(err, ErrStale):
		return "stale"
	case errors.Is(err, ErrStreamEnded):
		return "stream_ended"
	default:
		return "write_error"
	}
}

func correlationContext(ctx context.Context, feedURL string) context.Context {
	if _, ok := correlation.ID(ctx); !ok {
		ctx = correlation.WithID(ctx, correlation.NewID())
	}
	return correlation.WithAttrs(ctx, slog.String("component", "upstream"), slog.String("url", feedURL))
}
