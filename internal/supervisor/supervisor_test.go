package supervisor

import (
	"context"
	"net"
	"net/netip"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"dualproxy/internal/auth"
	"dualproxy/internal/config"
)

func testConfig(t *testing.T, maxConnections int) *config.Config {
	t.Helper()
	return &config.Config{
		BindAddress:       "127.0.0.1",
		SOCKS5Port:        0,
		HTTPPort:          0,
		MaxConnections:    maxConnections,
		ConnectionTimeout: config.Duration{Duration: time.Second},
		BufferSize:        4096,
		MaxRequestSize:    8192,
		AllowedPrefixes:   []netip.Prefix{netip.MustParsePrefix("127.0.0.0/8")},
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func TestMetricsDisabledByDefaultStatsAlwaysZero(t *testing.T) {
	cfg := testConfig(t, 4)
	cfg.SOCKS5Port = freePort(t)
	cfg.HTTPPort = freePort(t)

	srv := New(cfg, auth.NoAuth{}, zap.NewNop())
	srv.socks5Handler = handlerFunc(func(ctx context.Context, conn net.Conn, connID string) {
		conn.Close()
	})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe(ctx) }()
	time.Sleep(50 * time.Millisecond)

	addr := net.JoinHostPort(srv.cfg.BindAddress, strconv.Itoa(cfg.SOCKS5Port))
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	conn.Close()
	time.Sleep(50 * time.Millisecond)

	require.Equal(t, Metrics{}, srv.Stats())

	cancel()
	<-errCh
}

func TestMetricsEnabledTracksAcceptedConnections(t *testing.T) {
	cfg := testConfig(t, 4)
	cfg.SOCKS5Port = freePort(t)
	cfg.HTTPPort = freePort(t)
	cfg.MetricsEnabled = true

	srv := New(cfg, auth.NoAuth{}, zap.NewNop())
	handled := make(chan struct{}, 1)
	srv.socks5Handler = handlerFunc(func(ctx context.Context, conn net.Conn, connID string) {
		conn.Close()
		handled <- struct{}{}
	})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe(ctx) }()
	time.Sleep(50 * time.Millisecond)

	addr := net.JoinHostPort(srv.cfg.BindAddress, strconv.Itoa(cfg.SOCKS5Port))
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	conn.Close()

	select {
	case <-handled:
	case <-time.After(time.Second):
		t.Fatal("connection was never handled")
	}
	time.Sleep(50 * time.Millisecond)

	stats := srv.Stats()
	require.Equal(t, int64(1), stats.Accepted)
	require.Equal(t, int64(0), stats.Active)

	cancel()
	<-errCh
}

func TestAdmissionBackpressureDelaysOverCapacityConnections(t *testing.T) {
	cfg := testConfig(t, 2)
	cfg.SOCKS5Port = freePort(t)
	cfg.HTTPPort = freePort(t)

	srv := New(cfg, auth.NoAuth{}, zap.NewNop())

	var inFlight int32
	var maxObserved int32
	release := make(chan struct{})
	srv.socks5Handler = handlerFunc(func(ctx context.Context, conn net.Conn, connID string) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			old := atomic.LoadInt32(&maxObserved)
			if n <= old || atomic.CompareAndSwapInt32(&maxObserved, old, n) {
				break
			}
		}
		<-release
		atomic.AddInt32(&inFlight, -1)
		conn.Close()
	})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe(ctx) }()

	time.Sleep(50 * time.Millisecond)

	addr := net.JoinHostPort(srv.cfg.BindAddress, strconv.Itoa(cfg.SOCKS5Port))
	conns := make([]net.Conn, 3)
	for i := range conns {
		c, err := net.DialTimeout("tcp", addr, time.Second)
		require.NoError(t, err)
		conns[i] = c
	}

	time.Sleep(100 * time.Millisecond)
	require.LessOrEqual(t, atomic.LoadInt32(&maxObserved), int32(2))

	close(release)
	for _, c := range conns {
		c.Close()
	}
	cancel()

	select {
	case <-errCh:
	case <-time.After(3 * time.Second):
		t.Fatal("ListenAndServe did not return after cancel")
	}
}

type handlerFunc func(ctx context.Context, conn net.Conn, connID string)

func (f handlerFunc) Handle(ctx context.Context, conn net.Conn, connID string) {
	f(ctx, conn, connID)
}

