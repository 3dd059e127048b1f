package local

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ehsanking/cipher-relay/internal/config"
	"github.com/ehsanking/cipher-relay/internal/remote"
	"github.com/ehsanking/cipher-relay/internal/rpc"
	"github.com/ehsanking/cipher-relay/internal/stats"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/proxy"
)

type env struct {
	addr    string
	stats   *stats.Manager
	metrics *stats.Metrics
	tunnel  *Tunnel
}

// newEnv starts a remote agent behind a websocket listener and a local agent
// tunnelled to it.
func newEnv(t *testing.T) *env {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	rcfg := config.DefaultRemoteConfig()
	rcfg.ConnectTimeout = config.Duration(2 * time.Second)
	rsrv, err := remote.NewServer(rcfg)
	require.NoError(t, err)
	ts := httptest.NewServer(rpc.WebSocketHandler(func(mc rpc.MessageConn) {
		rsrv.ServeConn(ctx, mc)
	}))

	lcfg := config.DefaultLocalConfig()
	lcfg.Remote = ts.Listener.Addr().String()
	lcfg.ConnectTimeout = config.Duration(3 * time.Second)
	tunnel := NewTunnel(CarrierDialer(lcfg))
	go tunnel.Run(ctx)
	select {
	case <-tunnel.Ready():
	case <-time.After(3 * time.Second):
		t.Fatal("tunnel did not connect")
	}

	e := newLocal(t, ctx, lcfg, tunnel)
	t.Cleanup(func() {
		cancel()
		ts.Close()
	})
	return e
}

func newLocal(t *testing.T, ctx context.Context, cfg *config.LocalConfig, tunnel *Tunnel) *env {
	t.Helper()
	metrics := stats.NewMetrics()
	manager := stats.NewManager(metrics)
	srv, err := NewServer(cfg, tunnel, manager, metrics)
	require.NoError(t, err)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go srv.Serve(ctx, ln)
	return &env{addr: ln.Addr().String(), stats: manager, metrics: metrics, tunnel: tunnel}
}

func (e *env) dial(t *testing.T) net.Conn {
	t.Helper()
	c, err := net.Dial("tcp", e.addr)
	require.NoError(t, err)
	c.SetDeadline(time.Now().Add(5 * time.Second))
	t.Cleanup(func() { c.Close() })
	return c
}

func (e *env) waitIdle(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool { return e.stats.Len() == 0 }, 3*time.Second, 10*time.Millisecond)
}

func listenTarget(t *testing.T, serve func(net.Conn)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				serve(c)
			}()
		}
	}()
	return ln.Addr().String()
}

func echo(c net.Conn) { io.Copy(c, c) }

func TestSocks5EndToEnd(t *testing.T) {
	e := newEnv(t)
	request := "GET / HTTP/1.1\r\n\r\n"
	response := "HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhello"
	target := listenTarget(t, func(c net.Conn) {
		buf := make([]byte, len(request))
		if _, err := io.ReadFull(c, buf); err != nil || string(buf) != request {
			return
		}
		io.WriteString(c, response)
	})

	dialer, err := proxy.SOCKS5("tcp", e.addr, nil, proxy.Direct)
	require.NoError(t, err)
	conn, err := dialer.Dial("tcp", target)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	_, err = io.WriteString(conn, request)
	require.NoError(t, err)
	got, err := io.ReadAll(conn)
	require.NoError(t, err)
	require.Equal(t, response, string(got))

	e.waitIdle(t)
	st, ok := e.stats.Stat(target)
	require.True(t, ok)
	require.Equal(t, uint64(len(request)), st.Upload())
	require.Equal(t, uint64(len(response)), st.Download())
}

func TestHTTPConnectRelaysBothWays(t *testing.T) {
	e := newEnv(t)
	target := listenTarget(t, echo)

	c := e.dial(t)
	_, err := io.WriteString(c, "CONNECT "+target+" HTTP/1.1\r\nHost: "+target+"\r\n\r\n")
	require.NoError(t, err)

	want := "HTTP/1.1 200 Connection Established\r\n\r\n"
	buf := make([]byte, len(want))
	_, err = io.ReadFull(c, buf)
	require.NoError(t, err)
	require.Equal(t, want, string(buf))

	payload := bytes.Repeat([]byte{0x16, 0x03, 0x01, 0x00}, 20000)
	go c.Write(payload)
	got := make([]byte, len(payload))
	_, err = io.ReadFull(c, got)
	require.NoError(t, err)
	require.Equal(t, payload, got)

	conns := e.stats.List()
	require.Len(t, conns, 1)
	require.Equal(t, stats.KindHTTPS, conns[0].Kind)
	require.Equal(t, "HTTP/1.1", conns[0].HTTPVersion)
	require.NotZero(t, conns[0].Channel)
}

func TestHTTPForwardSendsHeadVerbatim(t *testing.T) {
	e := newEnv(t)
	heads := make(chan []byte, 1)
	target := listenTarget(t, func(c net.Conn) {
		head, err := readHead(bufio.NewReader(c))
		if err != nil {
			return
		}
		heads <- head
		io.WriteString(c, "HTTP/1.1 204 No Content\r\n\r\n")
	})

	request := "GET http://" + target + "/index.html?q=1 HTTP/1.1\r\nHost: " + target + "\r\nX-Custom:  spaced  \r\n\r\n"
	c := e.dial(t)
	_, err := io.WriteString(c, request)
	require.NoError(t, err)

	select {
	case head := <-heads:
		require.Equal(t, request, string(head))
	case <-time.After(5 * time.Second):
		t.Fatal("target did not receive the request")
	}
	got, err := io.ReadAll(c)
	require.NoError(t, err)
	require.Equal(t, "HTTP/1.1 204 No Content\r\n\r\n", string(got))
}

func TestDiagnosticResponse(t *testing.T) {
	e := newEnv(t)
	c := e.dial(t)
	_, err := io.WriteString(c, "GET /status HTTP/1.1\r\nHost: localhost\r\n\r\n")
	require.NoError(t, err)

	got, err := io.ReadAll(c)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(string(got), "HTTP/1.1 200 OK\r\n"))
	require.Contains(t, string(got), "Content-Type: text/plain")
	require.Contains(t, string(got), "cipher_relay_active_connections 0")
}

func TestNonGetToRelativeURIIsRejected(t *testing.T) {
	e := newEnv(t)
	c := e.dial(t)
	_, err := io.WriteString(c, "POST /status HTTP/1.1\r\nHost: localhost\r\nContent-Length: 0\r\n\r\n")
	require.NoError(t, err)

	got, err := io.ReadAll(c)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(string(got), "HTTP/1.1 400 Bad Request\r\n"))
	require.NotContains(t, string(got), "cipher_relay_active_connections")
}

func TestClientCloseDisconnectsChannel(t *testing.T) {
	e := newEnv(t)
	closed := make(chan struct{})
	target := listenTarget(t, func(c net.Conn) {
		io.Copy(io.Discard, c)
		close(closed)
	})

	c := e.dial(t)
	_, err := io.WriteString(c, "CONNECT "+target+" HTTP/1.1\r\n\r\n")
	require.NoError(t, err)
	buf := make([]byte, len("HTTP/1.1 200 Connection Established\r\n\r\n"))
	_, err = io.ReadFull(c, buf)
	require.NoError(t, err)
	c.Close()

	select {
	case <-closed:
	case <-time.After(3 * time.Second):
		t.Fatal("target socket was not closed")
	}
	e.waitIdle(t)

	client, err := e.tunnel.Client()
	require.NoError(t, err)
	require.Eventually(t, func() bool { return client.Pending() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestSocks5Rejections(t *testing.T) {
	e := newEnv(t)

	tests := []struct {
		name  string
		send  []byte
		reply []byte
	}{
		{"no acceptable method", []byte{0x05, 0x01, 0x02}, []byte{0x05, 0xff}},
		{"bind command", []byte{0x05, 0x01, 0x00, 0x05, 0x02, 0x00}, []byte{0x05, 0x00, 0x05, 0x07}},
		{"bad address type", []byte{0x05, 0x01, 0x00, 0x05, 0x01, 0x00, 0x09}, []byte{0x05, 0x00, 0x05, 0x08}},
		{"socks4", []byte{0x04}, []byte{0x00, 0x5b}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := e.dial(t)
			_, err := c.Write(tt.send)
			require.NoError(t, err)
			got := make([]byte, len(tt.reply))
			_, err = io.ReadFull(c, got)
			require.NoError(t, err)
			require.Equal(t, tt.reply, got)
		})
	}
}

func TestSocks5ConnectFailure(t *testing.T) {
	e := newEnv(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	c := e.dial(t)
	_, err = c.Write([]byte{0x05, 0x01, 0x00, 0x05, 0x01, 0x00, 0x01, 127, 0, 0, 1, byte(port >> 8), byte(port)})
	require.NoError(t, err)
	got := make([]byte, 4)
	_, err = io.ReadFull(c, got)
	require.NoError(t, err)
	require.Equal(t, []byte{0x05, 0x00, 0x05, 0x04}, got)
}

func TestTunnelDown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	tunnel := NewTunnel(func(context.Context) (rpc.MessageConn, error) {
		return nil, errors.New("unreachable")
	})
	go tunnel.Run(ctx)
	_, err := tunnel.Client()
	require.ErrorIs(t, err, ErrNotConnected)

	e := newLocal(t, ctx, config.DefaultLocalConfig(), tunnel)
	c := e.dial(t)
	_, err = io.WriteString(c, "CONNECT example.com:443 HTTP/1.1\r\n\r\n")
	require.NoError(t, err)
	got, err := io.ReadAll(c)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(string(got), "HTTP/1.1 502 Bad Gateway"))
}
