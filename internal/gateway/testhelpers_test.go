package gateway

import (
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/wsrelay/internal/domain"
	"github.com/pscheid92/wsrelay/internal/platform/config"
	"github.com/pscheid92/wsrelay/internal/registry"
	"github.com/pscheid92/wsrelay/internal/upstream"
	"github.com/stretchr/testify/require"
)

type fakeUpstream struct {
	status atomic.Int32
	mu     sync.Mutex
	frames []domain.Frame
}

func newFakeUpstream(status upstream.Status) *fakeUpstream {
	u := &fakeUpstream{}
	u.status.Store(int32(status))
	return u
}

func (u *fakeUpstream) Status() upstream.Status {
	return upstream.Status(u.status.Load())
}

func (u *fakeUpstream) Forward(frame domain.Frame) error {
	if u.Status() != upstream.Connected {
		return domain.ErrNotConnected
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.frames = append(u.frames, frame)
	return nil
}

func (u *fakeUpstream) Frames() []domain.Frame {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]domain.Frame(nil), u.frames...)
}

func testConfig() *config.Config {
	return &config.Config{
		AppEnv:                  "test",
		Host:                    "127.0.0.1",
		Port:                    "0",
		WebSocketPath:           "/ws/",
		HeartbeatInterval:       5 * time.Second,
		HeartbeatTimeout:        10 * time.Second,
		ClientQueueSize:         16,
		MaxWebSocketConnections: 100,
		MaxConnectionsPerIP:     100,
		ConnectionRate:          1000,
		ConnectionBurst:         1000,
	}
}

type testGateway struct {
	srv      *Server
	registry *registry.Registry
	upstream *fakeUpstream
	http     *httptest.Server
	wsURL    string
}

func newTestGateway(t *testing.T, mutate func(*config.Config)) *testGateway {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(cfg)
	}

	clock := clockwork.NewRealClock()
	reg := registry.New(clock)
	up := newFakeUpstream(upstream.Connected)

	srv, err := NewServer(cfg, reg, up, clock)
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		reg.Stop(ShutdownReason)
		ts.Close()
	})

	return &testGateway{
		srv:      srv,
		registry: reg,
		upstream: up,
		http:     ts,
		wsURL:    "ws" + strings.TrimPrefix(ts.URL, "http") + cfg.WebSocketPath,
	}
}
