package rpc

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
)

// MaxMessageSize bounds a single frame on every carrier.
const MaxMessageSize = 4 << 20

var ErrMessageTooLarge = errors.New("message too large")

// MessageConn carries whole frames between the two agents. WriteMessage must
// be safe for concurrent use; ReadMessage is only called from one goroutine.
type MessageConn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(b []byte) error
	Close() error
	RemoteAddr() net.Addr
}

// streamConn frames messages over a byte stream with a uvarint length prefix.
type streamConn struct {
	rwc    io.ReadWriteCloser
	r      *bufio.Reader
	remote net.Addr

	wmu sync.Mutex
}

// NewStreamConn frames messages over rwc. remote may be nil.
func NewStreamConn(rwc io.ReadWriteCloser, remote net.Addr) MessageConn {
	return &streamConn{
		rwc:    rwc,
		r:      bufio.NewReader(rwc),
		remote: remote,
	}
}

func (c *streamConn) ReadMessage() ([]byte, error) {
	n, err := binary.ReadUvarint(c.r)
	if err != nil {
		return nil, err
	}
	if n > MaxMessageSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, n)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(c.r, b); err != nil {
		return nil, err
	}
	return b, nil
}

func (c *streamConn) WriteMessage(b []byte) error {
	if len(b) > MaxMessageSize {
		return fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(b))
	}
	buf := make([]byte, binary.MaxVarintLen64+len(b))
	n := binary.PutUvarint(buf, uint64(len(b)))
	n += copy(buf[n:], b)

	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err := c.rwc.Write(buf[:n])
	return err
}

func (c *streamConn) Close() error {
	return c.rwc.Close()
}

func (c *streamConn) RemoteAddr() net.Addr {
	if c.remote != nil {
		return c.remote
	}
	if nc, ok := c.rwc.(net.Conn); ok {
		return nc.RemoteAddr()
	}
	return pipeAddr{}
}

type pipeAddr struct{}

func (pipeAddr) Network() string { return "pipe" }
func (pipeAddr) String() string  { return "pipe" }
