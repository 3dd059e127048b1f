package rpc

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/ehsanking/cipher-relay/internal/logger"
	"go.uber.org/zap"
)

// Responder answers one request. It may be called any number of times; the
// caller decides which call is terminal.
type Responder func(status Status, body []byte) error

// HandlerFunc serves one request kind. It runs on the connection's read loop,
// so frames of one connection are handled strictly in arrival order; it must
// hand off anything that blocks.
type HandlerFunc func(conn *Conn, req *Request, respond Responder)

// ConnHandler is told about carrier connections coming and going.
type ConnHandler interface {
	Opened(conn *Conn)
	Closed(conn *Conn)
}

// Conn is the server side of one carrier connection.
type Conn struct {
	id         uint64
	mc         MessageConn
	attachment any
	done       chan struct{}
	closeOnce  sync.Once
}

func (c *Conn) ID() uint64 { return c.id }

func (c *Conn) RemoteAddr() string { return c.mc.RemoteAddr().String() }

// Attach stores per-connection state. Call it from ConnHandler.Opened only.
func (c *Conn) Attach(v any) { c.attachment = v }

func (c *Conn) Attachment() any { return c.attachment }

// Done is closed when the carrier is gone.
func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return c.mc.Close()
}

func (c *Conn) respond(id uint64) Responder {
	return func(status Status, body []byte) error {
		f := frame{typ: frameResponse, code: uint16(status), id: id, body: body}
		return c.mc.WriteMessage(f.marshal())
	}
}

// Server dispatches requests from any number of carrier connections.
type Server struct {
	handlers map[Kind]HandlerFunc
	conns    ConnHandler
	nextID   atomic.Uint64
}

// NewServer creates a server; conns may be nil.
func NewServer(conns ConnHandler) *Server {
	return &Server{
		handlers: make(map[Kind]HandlerFunc),
		conns:    conns,
	}
}

// Handle registers h for kind. Register every kind before serving.
func (s *Server) Handle(kind Kind, h HandlerFunc) {
	s.handlers[kind] = h
}

// ServeConn reads requests from mc until it fails or ctx is done.
func (s *Server) ServeConn(ctx context.Context, mc MessageConn) {
	conn := &Conn{
		id:   s.nextID.Add(1),
		mc:   mc,
		done: make(chan struct{}),
	}
	log := logger.L().With(zap.Uint64("conn", conn.id), zap.String("remote", conn.RemoteAddr()))
	log.Info("Tunnel connection opened")

	if s.conns != nil {
		s.conns.Opened(conn)
	}
	defer func() {
		conn.Close()
		if s.conns != nil {
			s.conns.Closed(conn)
		}
		log.Info("Tunnel connection closed")
	}()

	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-conn.done:
		}
	}()

	for {
		b, err := mc.ReadMessage()
		if err != nil {
			log.Debug("Tunnel read ended", zap.Error(err))
			return
		}
		f, err := unmarshalFrame(b)
		if err != nil {
			log.Warn("Dropping malformed frame", zap.Error(err))
			continue
		}
		if f.typ != frameRequest {
			continue
		}

		req := &Request{ID: f.id, Kind: Kind(f.code), Body: f.body}
		respond := conn.respond(f.id)
		h, ok := s.handlers[req.Kind]
		if !ok {
			log.Warn("Unknown request kind", zap.Uint16("kind", uint16(req.Kind)))
			respond(StatusNotFound, nil)
			continue
		}
		h(conn, req, respond)
	}
}
