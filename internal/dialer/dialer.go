// Package dialer implements the shared outbound-dial step used by both
// protocol handlers: deny-list check before resolution, then a timed dial
// against the resolved address(es).
package dialer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"time"

	"dualproxy/internal/policy"
	"dualproxy/internal/proxyerr"
)

// Dial resolves and connects to host:port, subject to the destination
// deny-list. The deny-list check happens before any DNS resolution is
// attempted (spec design note: prevents deny-list bypass via DNS
// side-channel). On success it returns the established connection; on
// failure it returns a *proxyerr.Error classifying the cause — callers
// needing a finer-grained SOCKS5 reply code should pass the returned
// error's Unwrap() result to ClassifySOCKS5Reply.
func Dial(ctx context.Context, destPolicy *policy.DestinationPolicy, host string, port uint16, timeout time.Duration) (net.Conn, error) {
	if destPolicy != nil && destPolicy.Blocked(host) {
		return nil, proxyerr.New(proxyerr.KindPolicyDenied, "dial", fmt.Errorf("destination %q is blocked", host))
	}

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var d net.Dialer
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	conn, err := d.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, proxyerr.New(classify(err), "dial", err)
	}
	return conn, nil
}

// classify maps a dial error to the proxyerr.Kind whose disposition best
// matches the underlying OS condition: timeouts classify as KindTimeout,
// everything else as KindUpstreamUnreachable (HTTP's 502 doesn't
// distinguish further; SOCKS5's finer reply codes use
// ClassifySOCKS5Reply below on the same underlying error).
func classify(err error) proxyerr.Kind {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return proxyerr.KindTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return proxyerr.KindTimeout
	}
	return proxyerr.KindUpstreamUnreachable
}

// SOCKS5 reply codes, duplicated here (rather than imported from
// internal/socks5) to keep this package free of a dependency on the
// protocol-specific codec; internal/socks5 defines its own byte-typed
// constants with the same values for reply-writing.
const (
	ReplySuccess             = 0x00
	ReplyGeneralFailure      = 0x01
	ReplyNotAllowed          = 0x02
	ReplyNetworkUnreachable  = 0x03
	ReplyHostUnreachable     = 0x04
	ReplyConnectionRefused   = 0x05
	ReplyTTLExpired          = 0x06
	ReplyCommandNotSupported = 0x07
	ReplyAddressNotSupported = 0x08
)

// ClassifySOCKS5Reply maps a dial error (as returned by Dial, after
// Unwrap) to the SOCKS5 reply byte that best matches its cause, per spec
// §4.3: refused -> 0x05, unreachable -> 0x03/0x04, timeout -> 0x06, else
// 0x01 (general failure).
func ClassifySOCKS5Reply(err error) byte {
	if err == nil {
		return ReplySuccess
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ReplyTTLExpired
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ReplyTTLExpired
	}

	if errors.Is(err, syscall.ECONNREFUSED) {
		return ReplyConnectionRefused
	}
	if errors.Is(err, syscall.ENETUNREACH) {
		return ReplyNetworkUnreachable
	}
	if errors.Is(err, syscall.EHOSTUNREACH) {
		return ReplyHostUnreachable
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return ReplyHostUnreachable
	}

	return ReplyGeneralFailure
}
