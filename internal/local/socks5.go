package local

import (
	"errors"
	"fmt"
	"io"

	"github.com/ehsanking/cipher-relay/internal/stats"
	"github.com/shadowsocks/go-shadowsocks2/socks"
)

// SOCKS5 constants
const (
	socks5Version          = 0x05
	socks5AuthNone         = 0x00
	socks5AuthNoAcceptable = 0xff
	socks5CmdConnect       = 0x01

	socks5Succeeded          = 0x00
	socks5HostUnreachable    = 0x04
	socks5CommandUnsupported = 0x07
	socks5AddrUnsupported    = 0x08
)

type socks5State int

const (
	stateAwaitGreeting socks5State = iota
	stateAwaitAuth
	stateAwaitCommand
	stateEstablished
)

func (s socks5State) String() string {
	switch s {
	case stateAwaitGreeting:
		return "await-greeting"
	case stateAwaitAuth:
		return "await-auth"
	case stateAwaitCommand:
		return "await-command"
	case stateEstablished:
		return "established"
	}
	return "unknown"
}

// socks5Handshake drives one client through greeting, method selection and
// the CONNECT command. The success reply is deferred until the tunnel has
// opened the channel.
type socks5Handshake struct {
	rw    io.ReadWriter
	state socks5State
	addr  socks.Addr
}

func (h *socks5Handshake) run() (socks.Addr, error) {
	for h.state != stateEstablished {
		var err error
		switch h.state {
		case stateAwaitGreeting:
			err = h.greeting()
		case stateAwaitAuth:
			err = h.auth()
		case stateAwaitCommand:
			err = h.command()
		}
		if err != nil {
			return nil, fmt.Errorf("socks5 %s: %w", h.state, err)
		}
	}
	return h.addr, nil
}

// greeting reads VER NMETHODS METHODS.
func (h *socks5Handshake) greeting() error {
	buf := make([]byte, 255)
	if _, err := io.ReadFull(h.rw, buf[:2]); err != nil {
		return err
	}
	if buf[0] != socks5Version {
		return fmt.Errorf("%w: %d", ErrUnsupportedVersion, buf[0])
	}
	nMethods := int(buf[1])
	if _, err := io.ReadFull(h.rw, buf[:nMethods]); err != nil {
		return err
	}
	for _, m := range buf[:nMethods] {
		if m == socks5AuthNone {
			h.state = stateAwaitAuth
			return nil
		}
	}
	h.rw.Write([]byte{socks5Version, socks5AuthNoAcceptable})
	return ErrNoAcceptableMethod
}

// auth selects NO_AUTH, which has no sub-negotiation.
func (h *socks5Handshake) auth() error {
	if _, err := h.rw.Write([]byte{socks5Version, socks5AuthNone}); err != nil {
		return err
	}
	h.state = stateAwaitCommand
	return nil
}

// command reads VER CMD RSV ATYP DST.ADDR DST.PORT.
func (h *socks5Handshake) command() error {
	buf := make([]byte, 3)
	if _, err := io.ReadFull(h.rw, buf); err != nil {
		return err
	}
	if buf[0] != socks5Version {
		return fmt.Errorf("%w: %d", ErrUnsupportedVersion, buf[0])
	}
	if buf[1] != socks5CmdConnect {
		writeSocks5Reply(h.rw, socks5CommandUnsupported, nil)
		return fmt.Errorf("%w: %d", ErrCommandNotSupported, buf[1])
	}
	addr, err := socks.ReadAddr(h.rw)
	if err != nil {
		if errors.Is(err, socks.ErrAddressNotSupported) {
			writeSocks5Reply(h.rw, socks5AddrUnsupported, nil)
			return fmt.Errorf("%w: %v", ErrMalformedRequest, err)
		}
		return err
	}
	h.addr = addr
	h.state = stateEstablished
	return nil
}

// writeSocks5Reply writes VER REP RSV followed by addr, or by an all-zero
// IPv4 address when addr is nil.
func writeSocks5Reply(w io.Writer, rep byte, addr socks.Addr) error {
	if addr == nil {
		addr = socks.Addr{socks.AtypIPv4, 0, 0, 0, 0, 0, 0}
	}
	reply := make([]byte, 0, 3+len(addr))
	reply = append(reply, socks5Version, rep, 0x00)
	reply = append(reply, addr...)
	_, err := w.Write(reply)
	return err
}

func (s *Server) socks5(rw io.ReadWriter) (*request, error) {
	h := &socks5Handshake{rw: rw}
	addr, err := h.run()
	if err != nil {
		return nil, err
	}
	return &request{
		kind:   stats.KindSocks5,
		target: addr.String(),
		reply: func(w io.Writer) error {
			return writeSocks5Reply(w, socks5Succeeded, addr)
		},
		fail: func(w io.Writer) error {
			return writeSocks5Reply(w, socks5HostUnreachable, nil)
		},
	}, nil
}

// socks4Reject answers a SOCKS4 client: VN=0 CD=91 (request rejected).
func socks4Reject(w io.Writer) {
	w.Write([]byte{0x00, 0x5b, 0, 0, 0, 0, 0, 0})
}
