package local

import (
	"context"
	"crypto/tls"
	"errors"
	"sync"
	"time"

	"github.com/ehsanking/cipher-relay/internal/config"
	"github.com/ehsanking/cipher-relay/internal/logger"
	"github.com/ehsanking/cipher-relay/internal/rpc"
	"github.com/jpillora/backoff"
	"go.uber.org/zap"
)

var ErrNotConnected = errors.New("tunnel not connected")

// DialFunc opens one carrier connection to the remote agent.
type DialFunc func(ctx context.Context) (rpc.MessageConn, error)

// CarrierDialer returns the DialFunc for the configured transport.
func CarrierDialer(cfg *config.LocalConfig) DialFunc {
	if cfg.Transport == config.TransportTCP {
		var tlsConfig *tls.Config
		if cfg.TLS {
			tlsConfig = &tls.Config{InsecureSkipVerify: true}
		}
		return func(ctx context.Context) (rpc.MessageConn, error) {
			return rpc.DialSmux(ctx, cfg.Remote, tlsConfig)
		}
	}
	url := cfg.URL()
	return func(ctx context.Context) (rpc.MessageConn, error) {
		conn, err := rpc.DialWebSocket(ctx, url)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

// Tunnel keeps one carrier connection to the remote agent open, redialling
// with backoff whenever it is lost.
type Tunnel struct {
	dial DialFunc

	mu     sync.RWMutex
	client *rpc.Client
	ready  chan struct{}
}

func NewTunnel(dial DialFunc) *Tunnel {
	return &Tunnel{dial: dial, ready: make(chan struct{})}
}

// Client returns the current connection. Every request of one virtual
// channel must go through the same client.
func (t *Tunnel) Client() (*rpc.Client, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.client == nil {
		return nil, ErrNotConnected
	}
	return t.client, nil
}

// Ready is closed after the first connection is up.
func (t *Tunnel) Ready() <-chan struct{} {
	return t.ready
}

// Run dials and redials until ctx is done.
func (t *Tunnel) Run(ctx context.Context) error {
	b := &backoff.Backoff{Min: 200 * time.Millisecond, Max: 30 * time.Second, Jitter: true}
	var readyOnce sync.Once

	for {
		mc, err := t.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			d := b.Duration()
			logger.Warn("Tunnel connection failed",
				zap.Error(err),
				zap.Float64("attempt", b.Attempt()),
				zap.Duration("retry_in", d))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(d):
			}
			continue
		}

		b.Reset()
		client := rpc.NewClient(mc)
		t.setClient(client)
		readyOnce.Do(func() { close(t.ready) })
		logger.Info("Tunnel connected", zap.String("remote", mc.RemoteAddr().String()))

		select {
		case <-ctx.Done():
			t.setClient(nil)
			client.Close()
			return nil
		case <-client.Done():
			t.setClient(nil)
			logger.Warn("Tunnel connection lost", zap.Error(client.Err()))
		}
	}
}

func (t *Tunnel) setClient(c *rpc.Client) {
	t.mu.Lock()
	t.client = c
	t.mu.Unlock()
}
