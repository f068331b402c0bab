package socks5

import (
	"context"
	"errors"
	"net"
	"time"

	"go.uber.org/zap"

	"dualproxy/internal/auth"
	"dualproxy/internal/dialer"
	"dualproxy/internal/policy"
	"dualproxy/internal/proxyerr"
	"dualproxy/internal/relay"
)

// Handler drives the SOCKS5 state machine for one client connection:
// method negotiation, optional username/password sub-negotiation, request
// parsing, destination resolution, outbound dial, success/failure reply,
// and handoff to the relay.
type Handler struct {
	Authenticator    auth.Authenticator
	DestPolicy       *policy.DestinationPolicy
	DialTimeout      time.Duration
	HandshakeTimeout time.Duration
	BufferSize       int
	Logger           *zap.Logger
}

// Handle runs the full SOCKS5 lifecycle for conn, logging with connID as a
// correlating field. It never panics and never returns an error the
// supervisor needs to act on: every failure path simply returns, and the
// caller closes conn.
func (h *Handler) Handle(ctx context.Context, conn net.Conn, connID string) {
	log := h.Logger.With(zap.String("conn_id", connID), zap.String("proto", "socks5"))

	deadline := time.Now().Add(h.HandshakeTimeout)
	conn.SetDeadline(deadline)

	greeting, err := ReadGreeting(conn)
	if err != nil {
		log.Debug("malformed greeting", zap.Error(err))
		return
	}

	method := h.selectMethod(greeting)
	if err := WriteMethodSelection(conn, method); err != nil {
		return
	}
	if method == MethodNoAcceptable {
		log.Info("no acceptable auth method", zap.Binary("offered", greeting.Methods))
		return
	}

	username := ""
	if method == MethodUserPass {
		creds, err := ReadCredentials(conn)
		if err != nil {
			log.Debug("malformed credentials", zap.Error(err))
			return
		}
		ok := h.Authenticator.Verify(ctx, creds.Username, creds.Password)
		if err := WriteAuthStatus(conn, ok); err != nil {
			return
		}
		if !ok {
			log.Info("auth failed", zap.String("username", creds.Username))
			return
		}
		username = creds.Username
	}
	log.Info("handshake complete", zap.String("username", orAnonymous(username)))

	req, err := ReadRequest(conn)
	if err != nil {
		log.Debug("malformed request", zap.Error(err))
		code := ReplyGeneralFailure
		if errors.Is(err, ErrUnsupportedAddressType) {
			code = ReplyAddressNotSupported
		}
		WriteReply(conn, code, nil)
		return
	}

	if req.Command != CmdConnect {
		log.Info("unsupported command", zap.Uint8("command", req.Command))
		WriteReply(conn, ReplyCommandNotSupported, nil)
		return
	}

	log.Info("dial attempted", zap.String("destination", req.Host), zap.Uint16("port", req.Port))

	conn.SetDeadline(time.Now().Add(h.DialTimeout))
	upstream, derr := dialer.Dial(ctx, h.DestPolicy, req.Host, req.Port, h.DialTimeout)
	if derr != nil {
		code := replyCodeFor(derr)
		log.Info("dial failed", zap.String("destination", req.Host), zap.Error(derr))
		WriteReply(conn, code, nil)
		return
	}
	defer upstream.Close()

	var bindAddr *net.TCPAddr
	if tcpAddr, ok := upstream.LocalAddr().(*net.TCPAddr); ok {
		bindAddr = tcpAddr
	}
	if err := WriteReply(conn, ReplySuccess, bindAddr); err != nil {
		return
	}
	log.Info("tunnel established", zap.String("destination", req.Host))

	conn.SetDeadline(time.Time{})
	stats := relay.Run(conn, upstream, h.BufferSize, h.HandshakeTimeout)
	log.Info("tunnel closed",
		zap.Int64("bytes_client_to_upstream", stats.ClientToUpstream),
		zap.Int64("bytes_upstream_to_client", stats.UpstreamToClient),
	)
}

// selectMethod implements spec §4.3's rule: if auth is required, select
// 0x02 iff the client offered it (else 0xFF); otherwise select 0x00.
func (h *Handler) selectMethod(g Greeting) byte {
	if h.Authenticator.Required() {
		if g.Offers(MethodUserPass) {
			return MethodUserPass
		}
		return MethodNoAcceptable
	}
	return MethodNoAuth
}

func replyCodeFor(err error) byte {
	if perr, ok := err.(*proxyerr.Error); ok {
		switch perr.Kind {
		case proxyerr.KindPolicyDenied:
			return ReplyNotAllowed
		case proxyerr.KindTimeout:
			return ReplyTTLExpired
		case proxyerr.KindUpstreamUnreachable:
			return dialer.ClassifySOCKS5Reply(perr.Unwrap())
		}
	}
	return ReplyGeneralFailure
}

func orAnonymous(username string) string {
	if username == "" {
		return "anonymous"
	}
	return username
}
