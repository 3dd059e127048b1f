// Package local implements the agent that accepts SOCKS5 and HTTP proxy
// clients and relays them through virtual channels on the tunnel.
package local

import (
	"bufio"
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/ehsanking/cipher-relay/internal/config"
	"github.com/ehsanking/cipher-relay/internal/crypto"
	"github.com/ehsanking/cipher-relay/internal/logger"
	"github.com/ehsanking/cipher-relay/internal/stats"
	"github.com/ehsanking/cipher-relay/internal/web"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const handshakeTimeout = 30 * time.Second

// Server is the local proxy front-end.
type Server struct {
	cfg     *config.LocalConfig
	tunnel  *Tunnel
	cipher  crypto.Cipher
	stats   *stats.Manager
	metrics *stats.Metrics
	limiter *web.IPRateLimiter

	wg sync.WaitGroup
}

// NewServer wires the front-end to tunnel. manager and metrics are shared
// with the admin server.
func NewServer(cfg *config.LocalConfig, tunnel *Tunnel, manager *stats.Manager, metrics *stats.Metrics) (*Server, error) {
	c, err := crypto.NewCipher(cfg.Cipher, cfg.Key)
	if err != nil {
		return nil, err
	}
	s := &Server{
		cfg:     cfg,
		tunnel:  tunnel,
		cipher:  c,
		stats:   manager,
		metrics: metrics,
	}
	if cfg.AcceptRate > 0 {
		s.limiter = web.NewIPRateLimiter(rate.Limit(cfg.AcceptRate), cfg.AcceptBurst)
	}
	return s, nil
}

func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts clients on ln until ctx is done, then closes every client
// connection and waits for their relays to end.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	logger.Info("Local proxy listening", zap.String("addr", ln.Addr().String()))
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	defer s.wg.Wait()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(50 * time.Millisecond)
				continue
			}
			return err
		}
		if s.limiter != nil && !s.limiter.Allow(conn.RemoteAddr().String()) {
			logger.Debug("Rate limited client", zap.String("client", conn.RemoteAddr().String()))
			conn.Close()
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(ctx, conn)
		}()
	}
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer conn.Close()

	log := logger.L().With(zap.String("client", conn.RemoteAddr().String()))
	c := &clientConn{Conn: conn, r: bufio.NewReader(conn)}

	conn.SetDeadline(time.Now().Add(handshakeTimeout))
	req, err := s.handshake(c)
	if err != nil {
		if !errors.Is(err, errAnswered) {
			log.Debug("Handshake failed", zap.Error(err))
		}
		return
	}
	conn.SetDeadline(time.Time{})

	log = log.With(zap.Stringer("type", req.kind), zap.String("target", req.target))
	log.Debug("Handshake complete")
	s.relay(ctx, c, req, log)
}
