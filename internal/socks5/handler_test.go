package socks5

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"dualproxy/internal/auth"
	"dualproxy/internal/policy"
)

type fixedAuthenticator struct {
	required bool
	username string
	password string
}

func (f fixedAuthenticator) Required() bool { return f.required }
func (f fixedAuthenticator) Verify(_ context.Context, username, password string) bool {
	return username == f.username && password == f.password
}

func newTestHandler(authenticator auth.Authenticator, destPolicy *policy.DestinationPolicy) *Handler {
	return &Handler{
		Authenticator:    authenticator,
		DestPolicy:       destPolicy,
		DialTimeout:      time.Second,
		HandshakeTimeout: time.Second,
		BufferSize:       4096,
		Logger:           zap.NewNop(),
	}
}

func startEchoServer(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				buf := make([]byte, 256)
				for {
					n, err := c.Read(buf)
					if n > 0 {
						c.Write(buf[:n])
					}
					if err != nil {
						return
					}
				}
			}(conn)
		}
	}()
	return ln
}

func TestHandleNoAuthConnectSuccess(t *testing.T) {
	upstream := startEchoServer(t)
	defer upstream.Close()
	host, portStr, err := net.SplitHostPort(upstream.Addr().String())
	require.NoError(t, err)

	h := newTestHandler(auth.NoAuth{}, policy.NewDestinationPolicy(nil))

	client, server := net.Pipe()
	defer client.Close()
	done := make(chan struct{})
	go func() {
		defer server.Close()
		h.Handle(context.Background(), server, "test-conn")
		close(done)
	}()

	// Greeting: no-auth only.
	_, err = client.Write([]byte{0x05, 0x01, 0x00})
	require.NoError(t, err)

	sel := make([]byte, 2)
	_, err = client.Read(sel)
	require.NoError(t, err)
	require.Equal(t, []byte{0x05, MethodNoAuth}, sel)

	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	var portBuf [2]byte
	portBuf[0] = byte(port >> 8)
	portBuf[1] = byte(port)

	req := []byte{0x05, CmdConnect, 0x00, ATYPDomain, byte(len(host))}
	req = append(req, host...)
	req = append(req, portBuf[:]...)
	_, err = client.Write(req)
	require.NoError(t, err)

	reply := make([]byte, 10)
	_, err = client.Read(reply)
	require.NoError(t, err)
	require.Equal(t, ReplySuccess, reply[1])

	_, err = client.Write([]byte("ping"))
	require.NoError(t, err)
	echoBuf := make([]byte, 4)
	_, err = client.Read(echoBuf)
	require.NoError(t, err)
	require.Equal(t, "ping", string(echoBuf))

	client.Close()
	<-done
}

func TestHandleAuthRequiredWrongPasswordCloses(t *testing.T) {
	h := newTestHandler(fixedAuthenticator{required: true, username: "alice", password: "correct"}, policy.NewDestinationPolicy(nil))

	client, server := net.Pipe()
	done := make(chan struct{})
	go func() {
		defer server.Close()
		h.Handle(context.Background(), server, "test-conn")
		close(done)
	}()

	_, err := client.Write([]byte{0x05, 0x01, MethodUserPass})
	require.NoError(t, err)

	sel := make([]byte, 2)
	_, err = client.Read(sel)
	require.NoError(t, err)
	require.Equal(t, MethodUserPass, sel[1])

	creds := []byte{0x01, 5, 'a', 'l', 'i', 'c', 'e', 5, 'w', 'r', 'o', 'n', 'g'}
	_, err = client.Write(creds)
	require.NoError(t, err)

	status := make([]byte, 2)
	_, err = client.Read(status)
	require.NoError(t, err)
	require.Equal(t, byte(0x01), status[1]) // auth failure

	n, err := client.Read(make([]byte, 1))
	require.Equal(t, 0, n)
	require.Error(t, err)

	client.Close()
	<-done
}

func TestHandleBlockedDestinationReplies0x02(t *testing.T) {
	h := newTestHandler(auth.NoAuth{}, policy.NewDestinationPolicy([]string{"blocked.example"}))

	client, server := net.Pipe()
	done := make(chan struct{})
	go func() {
		defer server.Close()
		h.Handle(context.Background(), server, "test-conn")
		close(done)
	}()

	_, err := client.Write([]byte{0x05, 0x01, 0x00})
	require.NoError(t, err)
	sel := make([]byte, 2)
	_, err = client.Read(sel)
	require.NoError(t, err)

	req := []byte{0x05, CmdConnect, 0x00, ATYPDomain, 15}
	req = append(req, "blocked.example"...)
	req = append(req, 0x00, 0x50)
	_, err = client.Write(req)
	require.NoError(t, err)

	reply := make([]byte, 10)
	_, err = client.Read(reply)
	require.NoError(t, err)
	require.Equal(t, ReplyNotAllowed, reply[1])

	client.Close()
	<-done
}

func TestHandleUnsupportedAddressTypeReplies0x08(t *testing.T) {
	h := newTestHandler(auth.NoAuth{}, policy.NewDestinationPolicy(nil))

	client, server := net.Pipe()
	done := make(chan struct{})
	go func() {
		defer server.Close()
		h.Handle(context.Background(), server, "test-conn")
		close(done)
	}()

	_, err := client.Write([]byte{0x05, 0x01, 0x00})
	require.NoError(t, err)
	sel := make([]byte, 2)
	_, err = client.Read(sel)
	require.NoError(t, err)

	// ATYP 0x7F is not IPv4, domain, or IPv6. Only the 4-byte header is
	// sent: the handler stops reading after ATYP, and net.Pipe is
	// unbuffered, so any further bytes would block this write.
	req := []byte{0x05, CmdConnect, 0x00, 0x7F}
	_, err = client.Write(req)
	require.NoError(t, err)

	reply := make([]byte, 10)
	_, err = client.Read(reply)
	require.NoError(t, err)
	require.Equal(t, ReplyAddressNotSupported, reply[1])

	client.Close()
	<-done
}
