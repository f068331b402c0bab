// Package relay implements the post-handshake bidirectional byte copy
// between a client connection and an upstream connection (the "Tunnel"
// entity of spec §3). The relay never interprets payload bytes and
// imposes no ordering between the two directions.
package relay

import (
	"io"
	"net"
	"time"
)

// Stats reports how many bytes moved in each direction once a Tunnel
// finishes, for the "tunnel closed" observability event.
type Stats struct {
	ClientToUpstream int64
	UpstreamToClient int64
}

// halfCloser is implemented by *net.TCPConn and similar connection types
// that support shutting down one direction independently (spec's "relay
// ownership split" design note: each socket is split into independently
// owned read and write halves).
type halfCloser interface {
	CloseWrite() error
}

type direction int

const (
	clientToUpstream direction = iota
	upstreamToClient
)

type dirResult struct {
	dir direction
	n   int64
}

// Run copies bytes bidirectionally between client and upstream until
// either direction hits EOF or an error, or idleTimeout elapses with no
// activity in either direction. bufSize sizes the per-direction copy
// buffer. On the first direction to finish, only the peer that direction
// was writing *into* is half-closed for writes (if supported) — the
// opposite connection, still being read by the other direction, is left
// alone so its in-flight bytes can keep draining. Both connections are
// closed once the second direction finishes or a short grace window
// elapses, whichever comes first.
func Run(client, upstream net.Conn, bufSize int, idleTimeout time.Duration) Stats {
	done := make(chan dirResult, 2)

	go func() {
		n := copyDirection(upstream, client, bufSize, idleTimeout)
		done <- dirResult{dir: clientToUpstream, n: n}
	}()
	go func() {
		n := copyDirection(client, upstream, bufSize, idleTimeout)
		done <- dirResult{dir: upstreamToClient, n: n}
	}()

	var stats Stats

	first := <-done
	applyResult(&stats, first)
	// The finished direction's destination has nothing left to write;
	// half-close it so its reader sees EOF promptly. The other
	// connection is still being read by the still-running direction and
	// must not be touched yet.
	switch first.dir {
	case clientToUpstream:
		if hc, ok := upstream.(halfCloser); ok {
			hc.CloseWrite()
		}
	case upstreamToClient:
		if hc, ok := client.(halfCloser); ok {
			hc.CloseWrite()
		}
	}

	select {
	case second := <-done:
		applyResult(&stats, second)
	case <-time.After(2 * time.Second):
	}

	client.Close()
	upstream.Close()

	return stats
}

func applyResult(stats *Stats, r dirResult) {
	switch r.dir {
	case clientToUpstream:
		stats.ClientToUpstream = r.n
	case upstreamToClient:
		stats.UpstreamToClient = r.n
	}
}

func copyDirection(dst, src net.Conn, bufSize int, idleTimeout time.Duration) int64 {
	buf := make([]byte, bufSize)
	var total int64
	for {
		if idleTimeout > 0 {
			src.SetReadDeadline(time.Now().Add(idleTimeout))
		}
		n, rerr := src.Read(buf)
		if n > 0 {
			w, werr := dst.Write(buf[:n])
			total += int64(w)
			if werr != nil {
				return total
			}
		}
		if rerr != nil {
			if rerr != io.EOF {
				// Includes deadline-exceeded timeouts; treat as end of
				// this direction either way.
			}
			return total
		}
	}
}
