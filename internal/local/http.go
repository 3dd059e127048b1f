package local

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/ehsanking/cipher-relay/internal/stats"
)

// maxHeaderBytes bounds the request line and headers of one HTTP request.
const maxHeaderBytes = 64 * 1024

// readHead reads the request line and headers up to and including the empty
// line, returning them byte for byte.
func readHead(r *bufio.Reader) ([]byte, error) {
	var head bytes.Buffer
	partial := false
	for {
		line, err := r.ReadSlice('\n')
		if err != nil && err != bufio.ErrBufferFull {
			if err == io.EOF && head.Len()+len(line) > 0 {
				err = io.ErrUnexpectedEOF
			}
			return nil, err
		}
		if head.Len()+len(line) > maxHeaderBytes {
			return nil, fmt.Errorf("%w: header block exceeds %d bytes", ErrMalformedRequest, maxHeaderBytes)
		}
		blank := !partial && err == nil && (string(line) == "\r\n" || string(line) == "\n")
		partial = err == bufio.ErrBufferFull
		if blank && head.Len() == 0 {
			// Empty lines before the request line are ignored.
			continue
		}
		head.Write(line)
		if blank {
			return head.Bytes(), nil
		}
	}
}

// requestLine holds the three tokens of an HTTP request line.
type requestLine struct {
	method  string
	uri     string
	version string
}

func parseRequestLine(head []byte) (requestLine, error) {
	line := head
	if i := bytes.IndexByte(head, '\n'); i >= 0 {
		line = head[:i]
	}
	fields := strings.Fields(string(line))
	if len(fields) != 3 || !strings.HasPrefix(fields[2], "HTTP/") {
		return requestLine{}, fmt.Errorf("%w: request line %q", ErrMalformedRequest, line)
	}
	return requestLine{method: fields[0], uri: fields[1], version: fields[2]}, nil
}

// forwardTarget returns host:port for an absolute-form request URI. ok is
// false for any other form.
func forwardTarget(uri string) (target string, ok bool) {
	u, err := url.Parse(uri)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return "", false
	}
	port := u.Port()
	if port == "" {
		port = "80"
		if strings.EqualFold(u.Scheme, "https") {
			port = "443"
		}
	}
	return net.JoinHostPort(u.Hostname(), port), true
}

// connectTarget validates the authority-form target of a CONNECT request.
func connectTarget(uri string) (string, error) {
	host, port, err := net.SplitHostPort(uri)
	if err != nil {
		return "", fmt.Errorf("%w: CONNECT target %q", ErrMalformedRequest, uri)
	}
	if p, err := strconv.Atoi(port); err != nil || p <= 0 || p > 65535 || host == "" {
		return "", fmt.Errorf("%w: CONNECT target %q", ErrMalformedRequest, uri)
	}
	return net.JoinHostPort(host, port), nil
}

func badGateway(version string) func(io.Writer) error {
	return func(w io.Writer) error {
		_, err := io.WriteString(w, version+" 502 Bad Gateway\r\nContent-Length: 0\r\nConnection: close\r\n\r\n")
		return err
	}
}

func badRequest(w io.Writer, version string) {
	io.WriteString(w, version+" 400 Bad Request\r\nContent-Length: 0\r\nConnection: close\r\n\r\n")
}

func (s *Server) http(c *clientConn) (*request, error) {
	head, err := readHead(c.r)
	if err != nil {
		return nil, err
	}
	rl, err := parseRequestLine(head)
	if err != nil {
		return nil, err
	}

	if rl.method == "CONNECT" {
		target, err := connectTarget(rl.uri)
		if err != nil {
			return nil, err
		}
		return &request{
			kind:    stats.KindHTTPS,
			target:  target,
			uri:     rl.uri,
			version: rl.version,
			reply: func(w io.Writer) error {
				_, err := io.WriteString(w, rl.version+" 200 Connection Established\r\n\r\n")
				return err
			},
			fail: badGateway(rl.version),
		}, nil
	}

	target, ok := forwardTarget(rl.uri)
	if !ok {
		if rl.method != "GET" {
			badRequest(c, rl.version)
			return nil, fmt.Errorf("%w: %s to non-absolute URI %q", ErrMalformedRequest, rl.method, rl.uri)
		}
		if err := s.writeDiagnostic(c); err != nil {
			return nil, err
		}
		return nil, errAnswered
	}
	return &request{
		kind:      stats.KindHTTP,
		target:    target,
		uri:       rl.uri,
		version:   rl.version,
		prebuffer: head,
		fail:      badGateway(rl.version),
	}, nil
}
