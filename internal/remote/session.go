package remote

import (
	"context"
	"net"
	"sync"
	"sync/atomic"

	"github.com/ehsanking/cipher-relay/internal/crypto"
	"github.com/ehsanking/cipher-relay/internal/logger"
	"github.com/ehsanking/cipher-relay/internal/pool"
	"github.com/ehsanking/cipher-relay/internal/protocol"
	"github.com/ehsanking/cipher-relay/internal/rpc"
	"go.uber.org/zap"
)

// Session is the registry of virtual channels opened over one tunnel
// connection.
type Session struct {
	conn   *rpc.Conn
	nextID atomic.Uint64

	mu       sync.Mutex
	channels map[protocol.VirtualChannel]*channel
	closed   bool
}

func newSession(conn *rpc.Conn) *Session {
	return &Session{
		conn:     conn,
		channels: make(map[protocol.VirtualChannel]*channel),
	}
}

// allocate returns the next channel id. The first id is 1.
func (s *Session) allocate() protocol.VirtualChannel {
	return protocol.VirtualChannel(s.nextID.Add(1))
}

// NextChannel is the id the next CONNECT will get.
func (s *Session) NextChannel() uint64 {
	return s.nextID.Load() + 1
}

func (s *Session) add(ch *channel) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.channels[ch.id] = ch
	return true
}

func (s *Session) get(id protocol.VirtualChannel) *channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channels[id]
}

// remove unregisters id and returns the channel it held, if any.
func (s *Session) remove(id protocol.VirtualChannel) *channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := s.channels[id]
	delete(s.channels, id)
	return ch
}

// Len returns the number of registered channels.
func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.channels)
}

// close tears down every channel of the session. No push is sent: the
// carrier is already gone.
func (s *Session) close() {
	s.mu.Lock()
	s.closed = true
	channels := s.channels
	s.channels = make(map[protocol.VirtualChannel]*channel)
	s.mu.Unlock()

	for _, ch := range channels {
		ch.close()
	}
}

// channel is one virtual channel on the remote side. The READ responder is
// only ever used under mu, and close clears it under the same lock, so once
// a channel is closed nothing more is pushed for it.
type channel struct {
	id      protocol.VirtualChannel
	target  string
	session *Session
	cipher  crypto.Cipher
	log     *zap.Logger

	// out holds decrypted WRITE payloads until the target is dialled.
	out *pool.Queue

	mu      sync.Mutex
	conn    net.Conn
	cancel  context.CancelFunc
	sink    rpc.Responder
	pumping bool
	closed  bool
}

func newChannel(s *Session, id protocol.VirtualChannel, target string, c crypto.Cipher, cancel context.CancelFunc) *channel {
	return &channel{
		id:      id,
		target:  target,
		session: s,
		cipher:  c,
		cancel:  cancel,
		out:     pool.NewQueue(),
		log: logger.L().With(
			zap.Uint64("conn", s.conn.ID()),
			zap.Stringer("channel", id),
			zap.String("target", target),
		),
	}
}

// established hands the dialled connection to the channel. It reports false
// if the channel was closed while dialling; conn is then closed.
func (ch *channel) established(conn net.Conn) bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		conn.Close()
		return false
	}
	ch.conn = conn
	ch.cancel = nil
	go ch.writeLoop(conn)
	ch.startPumpLocked()
	return true
}

// subscribe stores the READ responder. It reports false if the channel
// already has one.
func (ch *channel) subscribe(respond rpc.Responder) bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed || ch.sink != nil {
		return false
	}
	ch.sink = respond
	ch.startPumpLocked()
	return true
}

func (ch *channel) startPumpLocked() {
	if ch.pumping || ch.conn == nil || ch.sink == nil {
		return
	}
	ch.pumping = true
	go ch.readLoop(ch.conn)
}

// enqueue queues a decrypted WRITE payload for the target.
func (ch *channel) enqueue(b []byte) bool {
	return ch.out.Push(b)
}

// push sends one downstream chunk. It reports false once the subscription
// has been released.
func (ch *channel) push(status rpc.Status, body []byte) bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.sink == nil {
		return false
	}
	if err := ch.sink(status, body); err != nil {
		ch.log.Debug("Push failed", zap.Error(err))
		ch.sink = nil
		return false
	}
	if status.Terminal() {
		ch.sink = nil
	}
	return true
}

// readLoop relays target bytes to the READ subscription until the target
// closes, then sends the terminal ok and unregisters the channel.
func (ch *channel) readLoop(conn net.Conn) {
	buf := pool.GetBuffer()
	defer pool.PutBuffer(buf)

	for {
		n, err := conn.Read(*buf)
		if n > 0 {
			enc, eerr := ch.cipher.Encrypt((*buf)[:n])
			if eerr != nil {
				ch.log.Error("Encrypt failed", zap.Error(eerr))
				break
			}
			if !ch.push(rpc.StatusPartialContent, enc) {
				return
			}
		}
		if err != nil {
			ch.log.Debug("Target read ended", zap.Error(err))
			break
		}
	}
	ch.finish()
}

// writeLoop writes queued payloads to the target in order.
func (ch *channel) writeLoop(conn net.Conn) {
	for {
		b, ok := ch.out.Pop()
		if !ok {
			return
		}
		if _, err := conn.Write(b); err != nil {
			ch.log.Debug("Target write failed", zap.Error(err))
			ch.finish()
			return
		}
	}
}

// finish ends a channel from the target side: terminal push, then cleanup.
func (ch *channel) finish() {
	ch.push(rpc.StatusOK, nil)
	if ch.session.remove(ch.id) == ch {
		ch.log.Debug("Channel closed by target")
	}
	ch.close()
}

// close releases the subscription, cancels a pending dial and closes the
// target connection. It is safe to call more than once.
func (ch *channel) close() {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return
	}
	ch.closed = true
	ch.sink = nil
	cancel, conn := ch.cancel, ch.conn
	ch.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	ch.out.Discard()
	if conn != nil {
		conn.Close()
	}
}
