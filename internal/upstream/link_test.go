package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	ws "github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/wsrelay/internal/domain"
	"github.com/pscheid92/wsrelay/internal/platform/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor   = 3 * time.Second
	subscribe = `{"op":"unconfirmed_sub"}`
)

type recordingSink struct {
	mu     sync.Mutex
	frames []domain.Frame
}

func (s *recordingSink) Broadcast(frame domain.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, frame)
}

func (s *recordingSink) Payloads() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.frames))
	for _, f := range s.frames {
		out = append(out, string(f.Payload))
	}
	return out
}

// fakeFeed is an httptest WebSocket server standing in for the upstream feed.
type fakeFeed struct {
	t        *testing.T
	srv      *httptest.Server
	requests atomic.Int32
	connects atomic.Int32

	// reject returns an HTTP status for request n (1-based), or 0 to accept.
	reject func(n int) int
	// session runs once per accepted connection n (1-based). Returning closes the socket.
	session func(n int, conn *ws.Conn)

	mu         sync.Mutex
	received   []string
	closeCodes []int
}

func newFakeFeed(t *testing.T, reject func(int) int, session func(int, *ws.Conn)) *fakeFeed {
	t.Helper()
	f := &fakeFeed{t: t, reject: reject, session: session}
	upgrader := ws.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(f.requests.Add(1))
		if f.reject != nil {
			if code := f.reject(n); code != 0 {
				http.Error(w, "unavailable", code)
				return
			}
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		c := int(f.connects.Add(1))

		readerDone := make(chan struct{})
		go func() {
			defer close(readerDone)
			for {
				_, msg, err := conn.ReadMessage()
				if err != nil {
					var closeErr *ws.CloseError
					if errors.As(err, &closeErr) {
						f.mu.Lock()
						f.closeCodes = append(f.closeCodes, closeErr.Code)
						f.mu.Unlock()
					}
					return
				}
				f.mu.Lock()
				f.received = append(f.received, string(msg))
				f.mu.Unlock()
			}
		}()

		if f.session != nil {
			f.session(c, conn)
			_ = conn.Close()
		}
		<-readerDone
		_ = conn.Close()
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeFeed) URL() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func (f *fakeFeed) Received() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.received...)
}

func (f *fakeFeed) CloseCodes() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.closeCodes...)
}

func (f *fakeFeed) countReceived(msg string) int {
	n := 0
	for _, m := range f.Received() {
		if m == msg {
			n++
		}
	}
	return n
}

type runResult struct {
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func (r *runResult) wait(t *testing.T) error {
	t.Helper()
	select {
	case <-r.done:
		return r.err
	case <-time.After(waitFor):
		t.Fatal("Run did not return")
		return nil
	}
}

func testConfig(feedURL string) Config {
	return Config{
		URL:       feedURL,
		Subscribe: []string{subscribe},
		Keepalive: time.Minute,
		QueueSize: 16,
		Backoff: retry.Policy{
			MaxAttempts:      5,
			InitialBackoff:   10 * time.Millisecond,
			MaxBackoff:       50 * time.Millisecond,
			RateLimitBackoff: 50 * time.Millisecond,
		},
	}
}

func runLink(t *testing.T, link *Link) *runResult {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	r := &runResult{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(r.done)
		r.err = link.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-r.done:
		case <-time.After(waitFor):
			t.Error("Run did not return after cancel")
		}
	})
	return r
}

// holdOpen keeps a feed session open until the link goes away.
func holdOpen(send ...string) func(int, *ws.Conn) {
	return func(_ int, conn *ws.Conn) {
		for _, msg := range send {
			if err := conn.WriteMessage(ws.TextMessage, []byte(msg)); err != nil {
				return
			}
		}
		// Block on a write that fails once the link has closed the socket.
		for {
			time.Sleep(20 * time.Millisecond)
			if err := conn.WriteControl(ws.PingMessage, nil, time.Now().Add(time.Second)); err != nil {
				return
			}
		}
	}
}

func TestLink_FansOutUpstreamFrames(t *testing.T) {
	feed := newFakeFeed(t, nil, holdOpen("tick-1"))
	sink := &recordingSink{}
	link := NewLink(testConfig(feed.URL()), sink, clockwork.NewRealClock())
	runLink(t, link)

	require.Eventually(t, func() bool { return len(sink.Payloads()) == 1 }, waitFor, 10*time.Millisecond)
	assert.Equal(t, []string{"tick-1"}, sink.Payloads())
	assert.Equal(t, Connected, link.Status())
	assert.Eventually(t, func() bool { return feed.countReceived(subscribe) == 1 }, waitFor, 10*time.Millisecond)
}

func TestLink_PreservesUpstreamOrder(t *testing.T) {
	var msgs []string
	for i := 0; i < 50; i++ {
		msgs = append(msgs, fmt.Sprintf("m-%d", i))
	}
	feed := newFakeFeed(t, nil, holdOpen(msgs...))
	sink := &recordingSink{}
	runLink(t, NewLink(testConfig(feed.URL()), sink, clockwork.NewRealClock()))

	require.Eventually(t, func() bool { return len(sink.Payloads()) == len(msgs) }, waitFor, 10*time.Millisecond)
	assert.Equal(t, msgs, sink.Payloads())
}

func TestLink_ForwardWritesToUpstream(t *testing.T) {
	feed := newFakeFeed(t, nil, holdOpen())
	link := NewLink(testConfig(feed.URL()), &recordingSink{}, clockwork.NewRealClock())
	runLink(t, link)

	require.Eventually(t, func() bool { return link.Status() == Connected }, waitFor, 10*time.Millisecond)
	require.NoError(t, link.Forward(domain.TextFrame("hello upstream")))

	assert.Eventually(t, func() bool { return feed.countReceived("hello upstream") == 1 }, waitFor, 10*time.Millisecond)
}

func TestLink_ForwardWhenNotConnected(t *testing.T) {
	link := NewLink(testConfig("ws://127.0.0.1:1/"), &recordingSink{}, clockwork.NewRealClock())

	assert.ErrorIs(t, link.Forward(domain.TextFrame("x")), domain.ErrNotConnected)
}

func TestLink_ForwardQueueFull(t *testing.T) {
	cfg := testConfig("ws://127.0.0.1:1/")
	cfg.QueueSize = 1
	link := NewLink(cfg, &recordingSink{}, clockwork.NewRealClock())
	link.setStatus(Connected)
	defer link.setStatus(Disconnected)

	require.NoError(t, link.Forward(domain.TextFrame("first")))
	assert.ErrorIs(t, link.Forward(domain.TextFrame("second")), domain.ErrQueueFull)
}

func TestLink_ReconnectsAfterStreamEnds(t *testing.T) {
	feed := newFakeFeed(t, nil, func(n int, conn *ws.Conn) {
		if n == 1 {
			_ = conn.WriteMessage(ws.TextMessage, []byte("before"))
			return // drop the socket
		}
		holdOpen("after")(n, conn)
	})
	sink := &recordingSink{}
	link := NewLink(testConfig(feed.URL()), sink, clockwork.NewRealClock())
	runLink(t, link)

	require.Eventually(t, func() bool { return len(sink.Payloads()) == 2 }, waitFor, 10*time.Millisecond)
	assert.Equal(t, []string{"before", "after"}, sink.Payloads())
	assert.Equal(t, int32(2), feed.connects.Load())
	assert.Eventually(t, func() bool { return link.Status() == Connected }, waitFor, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return feed.countReceived(subscribe) == 2 }, waitFor, 10*time.Millisecond)
}

func TestLink_RetriesUntilHandshakeSucceeds(t *testing.T) {
	feed := newFakeFeed(t, func(n int) int {
		if n <= 2 {
			return http.StatusServiceUnavailable
		}
		return 0
	}, holdOpen("ready"))
	sink := &recordingSink{}
	link := NewLink(testConfig(feed.URL()), sink, clockwork.NewRealClock())
	runLink(t, link)

	require.Eventually(t, func() bool { return len(sink.Payloads()) == 1 }, waitFor, 10*time.Millisecond)
	assert.Equal(t, int32(3), feed.requests.Load())
	assert.Equal(t, Connected, link.Status())
}

func TestLink_RetryBudgetExhausted(t *testing.T) {
	feed := newFakeFeed(t, func(int) int { return http.StatusServiceUnavailable }, nil)
	cfg := testConfig(feed.URL())
	cfg.Backoff.MaxAttempts = 3
	link := NewLink(cfg, &recordingSink{}, clockwork.NewRealClock())
	r := runLink(t, link)

	err := r.wait(t)
	require.ErrorIs(t, err, ErrRetryBudgetExhausted)

	var connectErr *ConnectError
	require.True(t, errors.As(err, &connectErr))
	assert.Equal(t, http.StatusServiceUnavailable, connectErr.StatusCode)
	assert.Equal(t, int32(3), feed.requests.Load())
	assert.Equal(t, Disconnected, link.Status())
}

func TestLink_MalformedURLStopsImmediately(t *testing.T) {
	link := NewLink(testConfig("http://example.com/feed"), &recordingSink{}, clockwork.NewRealClock())
	r := runLink(t, link)

	err := r.wait(t)
	require.ErrorIs(t, err, ErrMalformedURL)
	assert.NotErrorIs(t, err, ErrRetryBudgetExhausted)
}

func TestLink_CancelClosesSocket(t *testing.T) {
	feed := newFakeFeed(t, nil, nil)
	link := NewLink(testConfig(feed.URL()), &recordingSink{}, clockwork.NewRealClock())
	r := runLink(t, link)

	require.Eventually(t, func() bool { return link.Status() == Connected }, waitFor, 10*time.Millisecond)
	r.cancel()

	require.NoError(t, r.wait(t))
	assert.Eventually(t, func() bool {
		codes := feed.CloseCodes()
		return len(codes) == 1 && codes[0] == ws.CloseNormalClosure
	}, waitFor, 10*time.Millisecond)
	assert.Equal(t, Disconnected, link.Status())
}

func TestLink_CancelDuringBackoff(t *testing.T) {
	clock := clockwork.NewFakeClock()
	feed := newFakeFeed(t, func(int) int { return http.StatusServiceUnavailable }, nil)
	link := NewLink(testConfig(feed.URL()), &recordingSink{}, clock)
	r := runLink(t, link)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1), "backoff timer not started")
	assert.Equal(t, Reconnecting, link.Status())

	r.cancel()
	require.NoError(t, r.wait(t))
	assert.Equal(t, int32(1), feed.requests.Load())
}

func TestLink_StaleLinkReconnects(t *testing.T) {
	clock := clockwork.NewFakeClock()
	// The feed never reads, so keepalive pings are never answered.
	release := make(chan struct{})
	feed := newFakeFeed(t, nil, func(n int, conn *ws.Conn) {
		if n == 1 {
			<-release
			return
		}
		holdOpen()(n, conn)
	})
	t.Cleanup(func() { close(release) })

	cfg := testConfig(feed.URL())
	cfg.Keepalive = 10 * time.Second
	link := NewLink(cfg, &recordingSink{}, clock)
	runLink(t, link)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1), "keepalive ticker not started")

	clock.Advance(4 * cfg.Keepalive)

	assert.Eventually(t, func() bool { return feed.connects.Load() == 2 }, waitFor, 10*time.Millisecond)
}

func TestClassifyDialError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want retry.Action
	}{
		{"malformed url", &ConnectError{Err: ErrMalformedURL}, retry.Stop},
		{"cancelled", &ConnectError{Err: context.Canceled}, retry.Stop},
		{"rate limited", &ConnectError{StatusCode: http.StatusTooManyRequests, Err: errors.New("bad handshake")}, retry.After},
		{"unavailable", &ConnectError{StatusCode: http.StatusServiceUnavailable, Err: errors.New("bad handshake")}, retry.Retry},
		{"refused", &ConnectError{Err: errors.New("connection refused")}, retry.Retry},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classifyDialError(tt.err))
		})
	}
}

func TestConnectError_Message(t *testing.T) {
	err := &ConnectError{URL: "wss://feed", StatusCode: 503, Err: errors.New("bad handshake")}
	assert.Equal(t, "connect wss://feed: handshake status 503: bad handshake", err.Error())

	err = &ConnectError{URL: "wss://feed", Err: errors.New("refused")}
	assert.Equal(t, "connect wss://feed: refused", err.Error())
}

func TestStatus_String(t *testing.T) {
	assert.Equal(t, "disconnected", Disconnected.String())
	assert.Equal(t, "connecting", Connecting.String())
	assert.Equal(t, "connected", Connected.String())
	assert.Equal(t, "reconnecting", Reconnecting.String())
	assert.Equal(t, "unknown", Status(9).String())
}
