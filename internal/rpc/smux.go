package rpc

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"time"

	"github.com/xtaci/smux"
)

// SmuxConfig returns the smux settings used by the tcp carrier.
func SmuxConfig() *smux.Config {
	config := smux.DefaultConfig()
	config.KeepAliveInterval = 10 * time.Second
	config.KeepAliveTimeout = 30 * time.Second
	config.MaxFrameSize = 32768
	config.MaxReceiveBuffer = 4194304
	return config
}

// smuxConn is a stream carrier that also owns its session, so closing the
// carrier tears down the whole TCP connection.
type smuxConn struct {
	MessageConn
	session *smux.Session
}

func (c *smuxConn) Close() error {
	err := c.MessageConn.Close()
	if cerr := c.session.Close(); err == nil {
		err = cerr
	}
	return err
}

// DialSmux opens a TCP connection, wrapped in TLS when tlsConfig is not nil,
// starts an smux client session on it and returns the first stream as a
// carrier.
func DialSmux(ctx context.Context, addr string, tlsConfig *tls.Config) (MessageConn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if tlsConfig != nil {
		tc := tls.Client(conn, tlsConfig)
		if err := tc.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, err
		}
		conn = tc
	}
	session, err := smux.Client(conn, SmuxConfig())
	if err != nil {
		conn.Close()
		return nil, err
	}
	stream, err := session.OpenStream()
	if err != nil {
		session.Close()
		return nil, err
	}
	return &smuxConn{MessageConn: NewStreamConn(stream, conn.RemoteAddr()), session: session}, nil
}

// ServeSmux accepts TCP connections on ln, runs an smux server session on
// each and calls serve with the first stream. It returns when ln is closed or
// ctx is done.
func ServeSmux(ctx context.Context, ln net.Listener, serve func(MessageConn)) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go func() {
			session, err := smux.Server(conn, SmuxConfig())
			if err != nil {
				conn.Close()
				return
			}
			stream, err := session.AcceptStream()
			if err != nil {
				session.Close()
				return
			}
			serve(&smuxConn{MessageConn: NewStreamConn(stream, conn.RemoteAddr()), session: session})
		}()
	}
}
