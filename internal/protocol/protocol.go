// Package protocol defines the requests exchanged between the local and the
// remote agent and the encoding of their bodies.
package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/ehsanking/cipher-relay/internal/rpc"
)

const (
	// CONNECT: body "host:port", answered with the new channel id.
	KindConnect rpc.Kind = iota + 1
	// DISCONNECT: body channel id. Idempotent.
	KindDisconnect
	// READ: body channel id. Answered with partial-content pushes and a
	// terminal ok when the target closes.
	KindRead
	// WRITE: body channel id followed by ciphertext.
	KindWrite
	// STATUS: empty body, answered with a JSON Status.
	KindStatus
)

// IDSize is the encoded length of a virtual channel id.
const IDSize = 8

var ErrShortBody = errors.New("body shorter than a channel id")

func KindName(k rpc.Kind) string {
	switch k {
	case KindConnect:
		return "CONNECT"
	case KindDisconnect:
		return "DISCONNECT"
	case KindRead:
		return "READ"
	case KindWrite:
		return "WRITE"
	case KindStatus:
		return "STATUS"
	}
	return "kind " + strconv.Itoa(int(k))
}

// VirtualChannel identifies one logical stream on a tunnel connection.
type VirtualChannel uint64

func (vc VirtualChannel) String() string {
	return "vc-" + strconv.FormatUint(uint64(vc), 10)
}

// Encode returns the 8-byte big endian id.
func (vc VirtualChannel) Encode() []byte {
	b := make([]byte, IDSize)
	binary.BigEndian.PutUint64(b, uint64(vc))
	return b
}

// EncodeWithPayload returns the id followed by payload, the WRITE body.
func (vc VirtualChannel) EncodeWithPayload(payload []byte) []byte {
	b := make([]byte, IDSize+len(payload))
	binary.BigEndian.PutUint64(b, uint64(vc))
	copy(b[IDSize:], payload)
	return b
}

// DecodeChannel splits a body into its channel id and the remaining bytes.
func DecodeChannel(body []byte) (VirtualChannel, []byte, error) {
	if len(body) < IDSize {
		return 0, nil, ErrShortBody
	}
	return VirtualChannel(binary.BigEndian.Uint64(body)), body[IDSize:], nil
}

// Target is the destination of a CONNECT request.
type Target struct {
	Host string
	Port int
}

func (t Target) String() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

// ParseTarget reads a CONNECT body.
func ParseTarget(body []byte) (Target, error) {
	host, portStr, err := net.SplitHostPort(string(body))
	if err != nil {
		return Target{}, fmt.Errorf("invalid target %q: %w", body, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return Target{}, fmt.Errorf("invalid port in target %q", body)
	}
	if host == "" {
		return Target{}, fmt.Errorf("empty host in target %q", body)
	}
	return Target{Host: host, Port: port}, nil
}

// Status is the STATUS response body.
type Status struct {
	Version        string `json:"version"`
	ActiveChannels int    `json:"active_channels"`
	NextChannel    uint64 `json:"next_channel"`
	TunnelConns    int    `json:"tunnel_connections"`
}

func (s Status) Encode() []byte {
	b, _ := json.Marshal(s)
	return b
}

func DecodeStatus(body []byte) (Status, error) {
	var s Status
	err := json.Unmarshal(body, &s)
	return s, err
}
