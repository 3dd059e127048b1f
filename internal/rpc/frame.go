package rpc

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Kind names a request type. The rpc layer does not interpret it.
type Kind uint16

// Status is the code carried by every response frame.
type Status uint16

const (
	StatusOK             Status = 200
	StatusPartialContent Status = 206
	StatusNotFound       Status = 404
	StatusInternalError  Status = 500
	StatusUnavailable    Status = 503
)

// Terminal reports whether no further responses follow for the request.
func (s Status) Terminal() bool {
	return s != StatusPartialContent
}

// Success reports whether the status is in the 2xx range.
func (s Status) Success() bool {
	return s >= 200 && s < 300
}

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusPartialContent:
		return "partial content"
	case StatusNotFound:
		return "not found"
	case StatusInternalError:
		return "internal error"
	case StatusUnavailable:
		return "unavailable"
	}
	return fmt.Sprintf("status %d", uint16(s))
}

const (
	frameRequest  byte = 1
	frameResponse byte = 2

	headerSize = 1 + 2 + 8
)

var ErrMalformedFrame = errors.New("malformed frame")

// frame layout: type(1) | code(2) | request id(8) | body, big endian.
type frame struct {
	typ  byte
	code uint16
	id   uint64
	body []byte
}

func (f *frame) marshal() []byte {
	b := make([]byte, headerSize+len(f.body))
	b[0] = f.typ
	binary.BigEndian.PutUint16(b[1:3], f.code)
	binary.BigEndian.PutUint64(b[3:11], f.id)
	copy(b[headerSize:], f.body)
	return b
}

// unmarshalFrame parses a frame. The body aliases b.
func unmarshalFrame(b []byte) (*frame, error) {
	if len(b) < headerSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformedFrame, len(b))
	}
	f := &frame{
		typ:  b[0],
		code: binary.BigEndian.Uint16(b[1:3]),
		id:   binary.BigEndian.Uint64(b[3:11]),
		body: b[headerSize:],
	}
	if f.typ != frameRequest && f.typ != frameResponse {
		return nil, fmt.Errorf("%w: type %d", ErrMalformedFrame, f.typ)
	}
	return f, nil
}

// Response is one answer to a request. Body is owned by the receiver.
type Response struct {
	Status Status
	Body   []byte
}

// Request is one inbound request on the server side.
type Request struct {
	ID   uint64
	Kind Kind
	Body []byte
}
