// Package supervisor owns the two listening sockets, the global admission
// semaphore, per-connection timeouts, and graceful shutdown — the
// connection lifecycle described in spec §4.5.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"dualproxy/internal/auth"
	"dualproxy/internal/config"
	"dualproxy/internal/httpproxy"
	"dualproxy/internal/policy"
	"dualproxy/internal/ratelimit"
	"dualproxy/internal/socks5"
)

// connHandler is implemented by both protocol handlers.
type connHandler interface {
	Handle(ctx context.Context, conn net.Conn, connID string)
}

// Server binds the SOCKS5 and HTTP proxy listeners and drives admission,
// policy, and shutdown uniformly across both.
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	sem          *semaphore.Weighted
	sourcePolicy *policy.SourcePolicy
	limiter      *ratelimit.Limiter

	socks5Handler    connHandler
	httpproxyHandler connHandler

	socksListener net.Listener
	httpListener  net.Listener

	wg sync.WaitGroup

	closeOnce sync.Once
	closed    chan struct{}

	metricsEnabled bool
	metrics        Metrics
}

// Metrics holds cheap in-process connection counters. There is no
// external sink: operators read Server.Stats directly or wire their own
// exporter around it.
type Metrics struct {
	Accepted int64
	Rejected int64
	Active   int64
}

// Stats returns a snapshot of the current counters. It is always safe to
// call, even when metrics are disabled (all fields read zero).
func (s *Server) Stats() Metrics {
	return Metrics{
		Accepted: atomic.LoadInt64(&s.metrics.Accepted),
		Rejected: atomic.LoadInt64(&s.metrics.Rejected),
		Active:   atomic.LoadInt64(&s.metrics.Active),
	}
}

// New builds a Server from a validated config and an Authenticator. It
// does not bind any sockets yet; call ListenAndServe for that.
func New(cfg *config.Config, authenticator auth.Authenticator, logger *zap.Logger) *Server {
	destPolicy := policy.NewDestinationPolicy(cfg.BlockedDomains)

	return &Server{
		cfg:            cfg,
		logger:         logger,
		sem:            semaphore.NewWeighted(int64(cfg.MaxConnections)),
		sourcePolicy:   policy.NewSourcePolicy(cfg.AllowedPrefixes),
		limiter:        ratelimit.New(cfg.RateLimit.RequestsPerMinute, cfg.RateLimit.Burst),
		metricsEnabled: cfg.MetricsEnabled,
		socks5Handler: &socks5.Handler{
			Authenticator:    authenticator,
			DestPolicy:       destPolicy,
			DialTimeout:      cfg.ConnectionTimeout.Duration,
			HandshakeTimeout: cfg.ConnectionTimeout.Duration,
			BufferSize:       cfg.BufferSize,
			Logger:           logger,
		},
		httpproxyHandler: &httpproxy.Handler{
			Authenticator:    authenticator,
			DestPolicy:       destPolicy,
			DialTimeout:      cfg.ConnectionTimeout.Duration,
			HandshakeTimeout: cfg.ConnectionTimeout.Duration,
			BufferSize:       cfg.BufferSize,
			MaxRequestSize:   cfg.MaxRequestSize,
			Logger:           logger,
		},
		closed: make(chan struct{}),
	}
}

// ListenAndServe binds both listeners and serves until ctx is canceled.
// Failure to bind either listener is fatal and returned immediately.
func (s *Server) ListenAndServe(ctx context.Context) error {
	socksAddr := fmt.Sprintf("%s:%d", s.cfg.BindAddress, s.cfg.SOCKS5Port)
	socksLn, err := net.Listen("tcp", socksAddr)
	if err != nil {
		return fmt.Errorf("bind socks5 listener: %w", err)
	}
	s.socksListener = socksLn
	s.logger.Info("listener bound", zap.String("proto", "socks5"), zap.String("addr", socksAddr))

	httpAddr := fmt.Sprintf("%s:%d", s.cfg.BindAddress, s.cfg.HTTPPort)
	httpLn, err := net.Listen("tcp", httpAddr)
	if err != nil {
		socksLn.Close()
		return fmt.Errorf("bind http listener: %w", err)
	}
	s.httpListener = httpLn
	s.logger.Info("listener bound", zap.String("proto", "http"), zap.String("addr", httpAddr))

	s.wg.Add(2)
	go s.acceptLoop(ctx, socksLn, "socks5", s.socks5Handler)
	go s.acceptLoop(ctx, httpLn, "http", s.httpproxyHandler)

	<-ctx.Done()
	return s.Shutdown(context.Background())
}

// acceptLoop implements spec §4.5's admission rule: the permit is
// acquired before the next Accept call returns control, so accept itself
// backpressures on available capacity rather than spawning unbounded
// handler goroutines.
func (s *Server) acceptLoop(ctx context.Context, ln net.Listener, proto string, handler connHandler) {
	defer s.wg.Done()

	for {
		if err := s.sem.Acquire(ctx, 1); err != nil {
			return // ctx canceled: shutting down
		}

		conn, err := ln.Accept()
		if err != nil {
			s.sem.Release(1)
			if errors.Is(err, net.ErrClosed) {
				return
			}
			select {
			case <-ctx.Done():
				return
			default:
				continue
			}
		}

		connID := uuid.NewString()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.sem.Release(1)
			defer conn.Close()
			s.admitAndHandle(ctx, conn, proto, connID, handler)
		}()
	}
}

// admitAndHandle applies the source allow-list and per-IP rate limit
// (spec §9: applied uniformly to both protocols) before handing the
// connection to the protocol handler.
func (s *Server) admitAndHandle(ctx context.Context, conn net.Conn, proto, connID string, handler connHandler) {
	log := s.logger.With(zap.String("conn_id", connID), zap.String("proto", proto))

	remoteAddr, ok := conn.RemoteAddr().(*net.TCPAddr)
	if !ok {
		log.Warn("policy rejection", zap.String("reason", "unresolvable_remote_addr"))
		return
	}
	addr, ok := netip.AddrFromSlice(remoteAddr.IP)
	if !ok {
		log.Warn("policy rejection", zap.String("reason", "unresolvable_remote_addr"))
		return
	}
	addr = addr.Unmap()

	log.Info("connection accepted", zap.String("remote_addr", remoteAddr.String()))

	if !s.sourcePolicy.Allowed(addr) {
		log.Info("policy rejection", zap.String("reason", "source_not_allowed"))
		s.countRejected()
		return
	}
	if !s.limiter.Allow(addr) {
		log.Info("policy rejection", zap.String("reason", "rate_limited"))
		s.countRejected()
		return
	}

	s.countAccepted()
	defer s.countDone()
	handler.Handle(ctx, conn, connID)
}

func (s *Server) countAccepted() {
	if !s.metricsEnabled {
		return
	}
	atomic.AddInt64(&s.metrics.Accepted, 1)
	atomic.AddInt64(&s.metrics.Active, 1)
}

func (s *Server) countRejected() {
	if !s.metricsEnabled {
		return
	}
	atomic.AddInt64(&s.metrics.Rejected, 1)
}

func (s *Server) countDone() {
	if !s.metricsEnabled {
		return
	}
	atomic.AddInt64(&s.metrics.Active, -1)
}

// Shutdown stops accepting new connections and waits up to a bounded drain
// window for in-flight handlers. Connections whose handlers are still
// running when the window elapses are not closed by Shutdown; it logs a
// warning and returns.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closeOnce.Do(func() {
		close(s.closed)
		if s.socksListener != nil {
			s.socksListener.Close()
		}
		if s.httpListener != nil {
			s.httpListener.Close()
		}
		s.limiter.Close()
	})

	drained := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(drained)
	}()

	drainTimeout := 10 * time.Second
	select {
	case <-drained:
		s.logFinalStats()
		return nil
	case <-time.After(drainTimeout):
		s.logger.Warn("shutdown drain window elapsed with handlers still running")
		s.logFinalStats()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) logFinalStats() {
	if !s.metricsEnabled {
		return
	}
	stats := s.Stats()
	s.logger.Info("connection stats",
		zap.Int64("accepted", stats.Accepted),
		zap.Int64("rejected", stats.Rejected),
		zap.Int64("active", stats.Active),
	)
}
