// Package remote implements the agent that owns the outbound target sockets
// and bridges them to virtual channels on the tunnel.
package remote

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/ehsanking/cipher-relay/internal/config"
	"github.com/ehsanking/cipher-relay/internal/crypto"
	"github.com/ehsanking/cipher-relay/internal/logger"
	"github.com/ehsanking/cipher-relay/internal/protocol"
	"github.com/ehsanking/cipher-relay/internal/rpc"
	"go.uber.org/zap"
)

// Version is reported in STATUS responses.
var Version = "dev"

// Server dispatches tunnel requests to per-connection sessions.
type Server struct {
	cfg    *config.RemoteConfig
	cipher crypto.Cipher
	dialer *Dialer
	rpc    *rpc.Server

	mu       sync.Mutex
	sessions map[uint64]*Session
}

func NewServer(cfg *config.RemoteConfig) (*Server, error) {
	c, err := crypto.NewCipher(cfg.Cipher, cfg.Key)
	if err != nil {
		return nil, err
	}
	var resolver *Resolver
	if cfg.Resolver != "" {
		resolver = NewResolver(cfg.Resolver, 5*time.Second)
	}

	s := &Server{
		cfg:      cfg,
		cipher:   c,
		dialer:   NewDialer(cfg.ConnectTimeout.Std(), cfg.MaxPendingDials, resolver),
		sessions: make(map[uint64]*Session),
	}
	s.rpc = rpc.NewServer(s)
	s.rpc.Handle(protocol.KindConnect, s.handleConnect)
	s.rpc.Handle(protocol.KindWrite, s.handleWrite)
	s.rpc.Handle(protocol.KindRead, s.handleRead)
	s.rpc.Handle(protocol.KindDisconnect, s.handleDisconnect)
	s.rpc.Handle(protocol.KindStatus, s.handleStatus)
	return s, nil
}

func (s *Server) Opened(conn *rpc.Conn) {
	sess := newSession(conn)
	conn.Attach(sess)
	s.mu.Lock()
	s.sessions[conn.ID()] = sess
	s.mu.Unlock()
}

// Closed tears down every channel of a lost tunnel connection.
func (s *Server) Closed(conn *rpc.Conn) {
	s.mu.Lock()
	delete(s.sessions, conn.ID())
	s.mu.Unlock()

	if sess, ok := conn.Attachment().(*Session); ok {
		n := sess.Len()
		sess.close()
		if n > 0 {
			logger.Info("Closed channels of lost tunnel connection",
				zap.Uint64("conn", conn.ID()), zap.Int("channels", n))
		}
	}
}

// Sessions returns the number of live tunnel connections.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// ServeConn serves one tunnel connection until it is lost or ctx is done.
func (s *Server) ServeConn(ctx context.Context, mc rpc.MessageConn) {
	s.rpc.ServeConn(ctx, mc)
}

func session(conn *rpc.Conn) *Session {
	sess, _ := conn.Attachment().(*Session)
	return sess
}

func (s *Server) handleConnect(conn *rpc.Conn, req *rpc.Request, respond rpc.Responder) {
	target, err := protocol.ParseTarget(req.Body)
	if err != nil {
		logger.Warn("Rejecting CONNECT", zap.Error(err))
		respond(rpc.StatusInternalError, nil)
		return
	}
	sess := session(conn)
	id := sess.allocate()
	ctx, cancel := context.WithCancel(context.Background())
	ch := newChannel(sess, id, target.String(), s.cipher, cancel)
	// Registered before the dial completes so an early WRITE is queued.
	if !sess.add(ch) {
		cancel()
		respond(rpc.StatusInternalError, nil)
		return
	}

	go func() {
		defer cancel()
		start := time.Now()
		tc, err := s.dialer.Dial(ctx, target)
		if err != nil {
			sess.remove(id)
			ch.close()
			ch.log.Info("Connect failed", zap.Error(err), zap.Duration("elapsed", time.Since(start)))
			respond(rpc.StatusInternalError, nil)
			return
		}
		if !ch.established(tc) {
			respond(rpc.StatusInternalError, nil)
			return
		}
		ch.log.Debug("Connected", zap.Duration("elapsed", time.Since(start)))
		if err := respond(rpc.StatusOK, id.Encode()); err != nil {
			sess.remove(id)
			ch.close()
		}
	}()
}

func (s *Server) channel(conn *rpc.Conn, req *rpc.Request) (*channel, []byte, bool) {
	id, rest, err := protocol.DecodeChannel(req.Body)
	if err != nil {
		logger.Warn("Dropping request", zap.String("kind", protocol.KindName(req.Kind)), zap.Error(err))
		return nil, nil, false
	}
	ch := session(conn).get(id)
	if ch == nil {
		logger.Debug("Dropping request for unknown channel",
			zap.Uint64("conn", conn.ID()),
			zap.String("kind", protocol.KindName(req.Kind)),
			zap.Stringer("channel", id))
		return nil, nil, false
	}
	return ch, rest, true
}

func (s *Server) handleWrite(conn *rpc.Conn, req *rpc.Request, respond rpc.Responder) {
	ch, payload, ok := s.channel(conn, req)
	if !ok {
		respond(rpc.StatusNotFound, nil)
		return
	}
	plain, err := s.cipher.Decrypt(payload)
	if err != nil {
		ch.log.Warn("Decrypt failed", zap.Error(err))
		respond(rpc.StatusInternalError, nil)
		return
	}
	if len(plain) > 0 && !ch.enqueue(plain) {
		respond(rpc.StatusNotFound, nil)
		return
	}
	respond(rpc.StatusOK, nil)
}

func (s *Server) handleRead(conn *rpc.Conn, req *rpc.Request, respond rpc.Responder) {
	ch, _, ok := s.channel(conn, req)
	if !ok {
		respond(rpc.StatusNotFound, nil)
		return
	}
	if !ch.subscribe(respond) {
		ch.log.Warn("Rejecting second READ")
		respond(rpc.StatusInternalError, nil)
	}
}

func (s *Server) handleDisconnect(conn *rpc.Conn, req *rpc.Request, respond rpc.Responder) {
	id, _, err := protocol.DecodeChannel(req.Body)
	if err != nil {
		respond(rpc.StatusInternalError, nil)
		return
	}
	if ch := session(conn).remove(id); ch != nil {
		ch.close()
		ch.log.Debug("Channel disconnected")
	}
	respond(rpc.StatusOK, nil)
}

func (s *Server) handleStatus(conn *rpc.Conn, _ *rpc.Request, respond rpc.Responder) {
	sess := session(conn)
	st := protocol.Status{
		Version:        Version,
		ActiveChannels: sess.Len(),
		NextChannel:    sess.NextChannel(),
		TunnelConns:    s.Sessions(),
	}
	respond(rpc.StatusOK, st.Encode())
}

// ListenAndServe accepts tunnel connections on the configured address until
// ctx is done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts tunnel connections on ln with the configured carrier.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	serve := func(mc rpc.MessageConn) { s.rpc.ServeConn(ctx, mc) }

	if s.cfg.TLS {
		tlsConfig, err := crypto.NewServerTLSConfig()
		if err != nil {
			ln.Close()
			return fmt.Errorf("tls: %w", err)
		}
		ln = tls.NewListener(ln, tlsConfig)
	}

	logger.Info("Remote agent listening",
		zap.String("addr", ln.Addr().String()),
		zap.String("transport", s.cfg.Transport),
		zap.Bool("tls", s.cfg.TLS))

	if s.cfg.Transport == config.TransportTCP {
		return rpc.ServeSmux(ctx, ln, serve)
	}

	mux := http.NewServeMux()
	mux.Handle(s.cfg.Path, rpc.WebSocketHandler(serve))
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
