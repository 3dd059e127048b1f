package local

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ehsanking/cipher-relay/internal/pool"
	"github.com/ehsanking/cipher-relay/internal/protocol"
	"github.com/ehsanking/cipher-relay/internal/rpc"
	"github.com/ehsanking/cipher-relay/internal/stats"
	"github.com/jpillora/sizestr"
	"go.uber.org/zap"
)

var ErrConnectFailed = errors.New("remote connect failed")

// connect opens a virtual channel to target. If ctx ends first, a channel
// the remote opens later is disconnected as soon as its id arrives.
func connect(ctx context.Context, client *rpc.Client, target string) (protocol.VirtualChannel, error) {
	answer := make(chan rpc.Response, 1)
	err := client.Send(protocol.KindConnect, []byte(target), func(r rpc.Response) {
		answer <- r
	})
	if err != nil {
		return 0, err
	}

	select {
	case r := <-answer:
		if r.Status != rpc.StatusOK {
			return 0, fmt.Errorf("%w: %s", ErrConnectFailed, r.Status)
		}
		id, _, err := protocol.DecodeChannel(r.Body)
		return id, err
	case <-ctx.Done():
		go func() {
			r := <-answer
			if r.Status != rpc.StatusOK {
				return
			}
			if id, _, err := protocol.DecodeChannel(r.Body); err == nil {
				client.Send(protocol.KindDisconnect, id.Encode(), nil)
			}
		}()
		return 0, ctx.Err()
	}
}

// relay opens a channel for req and pumps c through it until either side
// closes.
func (s *Server) relay(ctx context.Context, c *clientConn, req *request, log *zap.Logger) {
	client, err := s.tunnel.Client()
	if err == nil {
		connectCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout.Std())
		var id protocol.VirtualChannel
		id, err = connect(connectCtx, client, req.target)
		cancel()
		if err == nil {
			s.pump(c, client, id, req, log.With(zap.Stringer("channel", id)))
			return
		}
	}
	log.Info("Connect failed", zap.Error(err))
	if req.fail != nil {
		req.fail(c)
	}
}

func (s *Server) pump(c *clientConn, client *rpc.Client, id protocol.VirtualChannel, req *request, log *zap.Logger) {
	conn := stats.NewConnection(req.kind, c.RemoteAddr().String(), req.target)
	conn.URI = req.uri
	conn.HTTPVersion = req.version
	conn.Channel = uint64(id)
	conn.SetCloser(c.Close)
	s.stats.Add(conn)
	defer s.stats.Remove(conn.ID)

	// Pushes arrive on the rpc read loop; they are only decrypted and queued
	// there and written to the client by the goroutine below.
	downstream := pool.NewQueue()
	cancelRead, err := client.Subscribe(protocol.KindRead, id.Encode(), func(r rpc.Response) {
		if r.Status != rpc.StatusPartialContent {
			if r.Status != rpc.StatusOK {
				log.Debug("Downstream ended", zap.Stringer("status", r.Status))
			}
			downstream.Close()
			return
		}
		plain, err := s.cipher.Decrypt(r.Body)
		if err != nil {
			log.Warn("Decrypt failed", zap.Error(err))
			downstream.Discard()
			c.Close()
			return
		}
		conn.AddDownload(len(plain), len(r.Body))
		downstream.Push(plain)
	})
	if err != nil {
		log.Info("Subscribe failed", zap.Error(err))
		if req.fail != nil {
			req.fail(c)
		}
		return
	}

	if req.reply != nil {
		if err := req.reply(c); err != nil {
			log.Debug("Reply failed", zap.Error(err))
			cancelRead()
			s.disconnect(client, id, log)
			return
		}
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		defer c.Close()
		for {
			b, ok := downstream.Pop()
			if !ok {
				return
			}
			if _, err := c.Write(b); err != nil {
				log.Debug("Client write failed", zap.Error(err))
				downstream.Discard()
				return
			}
		}
	}()

	if len(req.prebuffer) > 0 {
		s.write(client, id, conn, req.prebuffer, log)
	}
	s.upstream(c, client, id, conn, log)

	cancelRead()
	downstream.Discard()
	c.Close()
	<-writerDone
	s.disconnect(client, id, log)

	log.Info("Connection closed",
		zap.String("sent", sizestr.ToString(int64(conn.Upload()))),
		zap.String("received", sizestr.ToString(int64(conn.Download()))),
		zap.Duration("duration", time.Since(conn.StartTime)))
}

// upstream reads the client until it closes and sends every chunk as a
// WRITE.
func (s *Server) upstream(c *clientConn, client *rpc.Client, id protocol.VirtualChannel, conn *stats.Connection, log *zap.Logger) {
	buf := pool.GetBuffer()
	defer pool.PutBuffer(buf)
	for {
		n, err := c.Read(*buf)
		if n > 0 {
			if !s.write(client, id, conn, (*buf)[:n], log) {
				return
			}
		}
		if err != nil {
			log.Debug("Client read ended", zap.Error(err))
			return
		}
	}
}

func (s *Server) write(client *rpc.Client, id protocol.VirtualChannel, conn *stats.Connection, p []byte, log *zap.Logger) bool {
	enc, err := s.cipher.Encrypt(p)
	if err != nil {
		log.Error("Encrypt failed", zap.Error(err))
		return false
	}
	conn.AddUpload(len(p), len(enc))
	err = client.Send(protocol.KindWrite, id.EncodeWithPayload(enc), func(r rpc.Response) {
		if r.Status != rpc.StatusOK {
			log.Debug("WRITE not acknowledged", zap.Stringer("status", r.Status))
		}
	})
	if err != nil {
		log.Debug("WRITE failed", zap.Error(err))
		return false
	}
	return true
}

// disconnect releases the channel on the remote side; the answer is only
// logged.
func (s *Server) disconnect(client *rpc.Client, id protocol.VirtualChannel, log *zap.Logger) {
	err := client.Send(protocol.KindDisconnect, id.Encode(), func(r rpc.Response) {
		log.Debug("DISCONNECT answered", zap.Stringer("status", r.Status))
	})
	if err != nil && !errors.Is(err, rpc.ErrClosed) {
		log.Debug("DISCONNECT failed", zap.Error(err))
	}
}
