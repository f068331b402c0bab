package httpproxy

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"dualproxy/internal/auth"
	"dualproxy/internal/dialer"
	"dualproxy/internal/policy"
	"dualproxy/internal/relay"
)

// hopByHopHeaders are always stripped from a forwarded request, per spec
// §4.4, regardless of what the inbound Connection header names.
var hopByHopHeaders = []string{"Proxy-Authorization", "Proxy-Connection", "Connection"}

// Handler parses an HTTP proxy request, enforces Proxy-Authorization, and
// branches on CONNECT (tunnel) vs. absolute-form (rewrite and forward).
type Handler struct {
	Authenticator    auth.Authenticator
	DestPolicy       *policy.DestinationPolicy
	DialTimeout      time.Duration
	HandshakeTimeout time.Duration
	BufferSize       int
	MaxRequestSize   int
	Logger           *zap.Logger
}

// Handle runs the full HTTP proxy lifecycle for conn.
func (h *Handler) Handle(ctx context.Context, conn net.Conn, connID string) {
	log := h.Logger.With(zap.String("conn_id", connID), zap.String("proto", "http"))

	conn.SetDeadline(time.Now().Add(h.HandshakeTimeout))
	reader := bufio.NewReader(conn)

	preamble, err := ParsePreamble(reader, h.MaxRequestSize)
	if err != nil {
		switch {
		case errors.Is(err, ErrTooLarge):
			writeStatusLine(conn, 413, "Payload Too Large")
			log.Info("policy rejection", zap.String("reason", "preamble_too_large"))
		default:
			writeStatusLine(conn, 400, "Bad Request")
			log.Debug("malformed preamble", zap.Error(err))
		}
		return
	}

	if h.Authenticator.Required() {
		username, ok := h.checkProxyAuth(ctx, preamble)
		if !ok {
			writeAuthRequired(conn)
			log.Info("auth required or failed")
			return
		}
		log.Info("handshake complete", zap.String("username", username))
	} else {
		log.Info("handshake complete", zap.String("username", "anonymous"))
	}

	if strings.EqualFold(preamble.Method, "CONNECT") {
		h.handleConnect(ctx, conn, reader, preamble, log)
		return
	}

	h.handleAbsolute(ctx, conn, reader, preamble, log)
}

// checkProxyAuth decodes Proxy-Authorization: Basic <base64(user:pass)>
// and verifies it. Applies to CONNECT as well as absolute-form requests.
func (h *Handler) checkProxyAuth(ctx context.Context, p *Preamble) (string, bool) {
	value, ok := p.Get("Proxy-Authorization")
	if !ok {
		return "", false
	}
	const prefix = "Basic "
	if !strings.HasPrefix(value, prefix) {
		return "", false
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, prefix))
	if err != nil {
		return "", false
	}
	user, pass, found := strings.Cut(string(decoded), ":")
	if !found {
		return "", false
	}
	if !h.Authenticator.Verify(ctx, user, pass) {
		return "", false
	}
	return user, true
}

func (h *Handler) handleConnect(ctx context.Context, conn net.Conn, reader *bufio.Reader, p *Preamble, log *zap.Logger) {
	host, portStr, err := net.SplitHostPort(p.Target)
	if err != nil {
		writeStatusLine(conn, 400, "Bad Request")
		return
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		writeStatusLine(conn, 400, "Bad Request")
		return
	}

	if h.DestPolicy != nil && h.DestPolicy.Blocked(host) {
		writeStatusLine(conn, 403, "Forbidden")
		log.Info("policy rejection", zap.String("reason", "destination_blocked"), zap.String("destination", host))
		return
	}

	log.Info("dial attempted", zap.String("destination", host), zap.Uint64("port", uint64(port)))
	upstream, err := dialer.Dial(ctx, h.DestPolicy, host, uint16(port), h.DialTimeout)
	if err != nil {
		writeStatusLine(conn, 502, "Bad Gateway")
		log.Info("dial failed", zap.String("destination", host), zap.Error(err))
		return
	}
	defer upstream.Close()

	if _, err := conn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		return
	}
	log.Info("tunnel established", zap.String("destination", host))

	if err := drainBuffered(reader, upstream); err != nil {
		return
	}

	conn.SetDeadline(time.Time{})
	stats := relay.Run(conn, upstream, h.BufferSize, h.HandshakeTimeout)
	log.Info("tunnel closed",
		zap.Int64("bytes_client_to_upstream", stats.ClientToUpstream),
		zap.Int64("bytes_upstream_to_client", stats.UpstreamToClient),
	)
}

func (h *Handler) handleAbsolute(ctx context.Context, conn net.Conn, reader *bufio.Reader, p *Preamble, log *zap.Logger) {
	target, err := url.ParseRequestURI(p.Target)
	if err != nil || target.Host == "" || !strings.HasPrefix(strings.ToLower(p.Target), "http://") {
		writeStatusLine(conn, 400, "Bad Request")
		return
	}

	host := target.Hostname()
	port := target.Port()
	if port == "" {
		port = "80"
	}
	portNum, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		writeStatusLine(conn, 400, "Bad Request")
		return
	}

	if h.DestPolicy != nil && h.DestPolicy.Blocked(host) {
		writeStatusLine(conn, 403, "Forbidden")
		log.Info("policy rejection", zap.String("reason", "destination_blocked"), zap.String("destination", host))
		return
	}

	log.Info("dial attempted", zap.String("destination", host), zap.Uint64("port", uint64(portNum)))
	upstream, err := dialer.Dial(ctx, h.DestPolicy, host, uint16(portNum), h.DialTimeout)
	if err != nil {
		writeStatusLine(conn, 502, "Bad Gateway")
		log.Info("dial failed", zap.String("destination", host), zap.Error(err))
		return
	}
	defer upstream.Close()

	rewritten := rewriteForForward(p, target, host)
	if _, err := upstream.Write(rewritten.Serialize()); err != nil {
		return
	}
	if err := drainBuffered(reader, upstream); err != nil {
		return
	}

	log.Info("tunnel established", zap.String("destination", host))
	conn.SetDeadline(time.Time{})
	stats := relay.Run(conn, upstream, h.BufferSize, h.HandshakeTimeout)
	log.Info("tunnel closed",
		zap.Int64("bytes_client_to_upstream", stats.ClientToUpstream),
		zap.Int64("bytes_upstream_to_client", stats.UpstreamToClient),
	)
}

// rewriteForForward produces the origin-form request sent upstream: the
// request-target becomes the path+query, hop-by-hop headers are dropped,
// and a Host header is added if the client didn't send one.
func rewriteForForward(p *Preamble, target *url.URL, host string) *Preamble {
	out := &Preamble{
		Method:  p.Method,
		Version: p.Version,
		Headers: make([]Header, 0, len(p.Headers)),
	}

	originForm := target.Path
	if originForm == "" {
		originForm = "/"
	}
	if target.RawQuery != "" {
		originForm += "?" + target.RawQuery
	}
	out.Target = originForm

	dropped := connectionTokens(p)
	for _, h := range p.Headers {
		if isHopByHop(h.Name, dropped) {
			continue
		}
		out.Headers = append(out.Headers, h)
	}
	if _, ok := out.Get("Host"); !ok {
		out.Set("Host", host)
	}
	return out
}

// connectionTokens returns the lower-cased header names listed in the
// inbound Connection header's comma-separated token list, so they can be
// stripped alongside the always-hop-by-hop set.
func connectionTokens(p *Preamble) map[string]struct{} {
	tokens := make(map[string]struct{})
	value, ok := p.Get("Connection")
	if !ok {
		return tokens
	}
	for _, tok := range strings.Split(value, ",") {
		tok = strings.TrimSpace(tok)
		if tok != "" {
			tokens[strings.ToLower(tok)] = struct{}{}
		}
	}
	return tokens
}

func isHopByHop(name string, connectionTokens map[string]struct{}) bool {
	for _, h := range hopByHopHeaders {
		if strings.EqualFold(name, h) {
			return true
		}
	}
	_, listed := connectionTokens[strings.ToLower(name)]
	return listed
}

// drainBuffered forwards any bytes already buffered in reader (read from
// the client but not yet consumed by preamble parsing) to upstream before
// the relay takes over reading raw from the connection.
func drainBuffered(reader *bufio.Reader, upstream net.Conn) error {
	if n := reader.Buffered(); n > 0 {
		buffered, err := reader.Peek(n)
		if err != nil {
			return err
		}
		if _, err := upstream.Write(buffered); err != nil {
			return err
		}
		if _, err := reader.Discard(n); err != nil {
			return err
		}
	}
	return nil
}

func writeStatusLine(conn net.Conn, code int, reason string) {
	fmt.Fprintf(conn, "HTTP/1.1 %d %s\r\nConnection: close\r\nContent-Length: 0\r\n\r\n", code, reason)
}

func writeAuthRequired(conn net.Conn) {
	fmt.Fprintf(conn, "HTTP/1.1 407 Proxy Authentication Required\r\nProxy-Authenticate: Basic realm=\"proxy\"\r\nConnection: close\r\nContent-Length: 0\r\n\r\n")
}
