// Package web serves the local agent's admin endpoints.
package web

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/ehsanking/cipher-relay/internal/logger"
	"github.com/ehsanking/cipher-relay/internal/stats"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Options configure the admin server.
type Options struct {
	Addr string
	User string
	Pass string
}

// NewHandler routes the admin endpoints over m and metrics.
func NewHandler(opts Options, m *stats.Manager, metrics *stats.Metrics) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/connections", ConnectionsHandler(m))
	mux.Handle("/stats", StatsHandler(m))
	mux.Handle("/kill", KillHandler(m))
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	limiter := NewIPRateLimiter(5, 10)
	return limiter.Limit(AuthMiddleware(opts.User, opts.Pass, mux))
}

// StartServer serves the admin endpoints until ctx is done.
func StartServer(ctx context.Context, opts Options, m *stats.Manager, metrics *stats.Metrics) error {
	ln, err := net.Listen("tcp", opts.Addr)
	if err != nil {
		return err
	}
	server := &http.Server{
		Handler:           NewHandler(opts, m, metrics),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	logger.Info("Admin server listening", zap.String("addr", ln.Addr().String()))
	if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
