package local

import (
	"bufio"
	"errors"
	"io"
	"net"

	"github.com/ehsanking/cipher-relay/internal/stats"
)

var (
	ErrUnsupportedVersion  = errors.New("unsupported protocol version")
	ErrNoAcceptableMethod  = errors.New("no acceptable authentication method")
	ErrCommandNotSupported = errors.New("command not supported")
	ErrMalformedRequest    = errors.New("malformed request")

	// errAnswered means the front-end replied itself and there is nothing to
	// relay.
	errAnswered = errors.New("answered locally")
)

// request is the outcome of a completed client handshake.
type request struct {
	kind   stats.Kind
	target string
	// uri and version are set for HTTP requests.
	uri     string
	version string
	// prebuffer is sent upstream before any client bytes.
	prebuffer []byte

	// reply writes the protocol's success reply once the channel is open;
	// nil when the protocol has none.
	reply func(w io.Writer) error
	// fail writes the protocol's failure reply.
	fail func(w io.Writer) error
}

// clientConn is a client socket whose reads go through the reader used for
// sniffing, so nothing peeked or buffered is lost.
type clientConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *clientConn) Read(b []byte) (int, error) {
	return c.r.Read(b)
}

// handshake sniffs the first byte and runs the matching protocol.
func (s *Server) handshake(c *clientConn) (*request, error) {
	first, err := c.r.Peek(1)
	if err != nil {
		return nil, err
	}
	switch first[0] {
	case socks5Version:
		return s.socks5(c)
	case 0x04:
		socks4Reject(c)
		return nil, ErrUnsupportedVersion
	default:
		return s.http(c)
	}
}
