package rpc

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

var ErrClosed = errors.New("rpc: connection closed")

// ResponseHandler receives every response to one request, in order. It runs
// on the client's read loop and must not block.
type ResponseHandler func(Response)

// Client sends requests over one carrier connection and routes responses
// back to their handlers.
type Client struct {
	conn   MessageConn
	nextID atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]ResponseHandler
	closed  bool
	err     error

	done chan struct{}
}

// NewClient starts reading responses from conn.
func NewClient(conn MessageConn) *Client {
	c := &Client{
		conn:    conn,
		pending: make(map[uint64]ResponseHandler),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Send writes a request. h is registered before the frame is written and
// called for every response until a terminal one; a nil h sends the request
// without waiting for any answer.
func (c *Client) Send(kind Kind, body []byte, h ResponseHandler) error {
	_, err := c.send(kind, body, h)
	return err
}

// Subscribe sends a request that is answered by a stream of responses. After
// cancel returns the handler is no longer routed any response, except one
// that the read loop was already delivering.
func (c *Client) Subscribe(kind Kind, body []byte, h ResponseHandler) (cancel func(), err error) {
	id, err := c.send(kind, body, h)
	if err != nil {
		return nil, err
	}
	return func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}, nil
}

func (c *Client) send(kind Kind, body []byte, h ResponseHandler) (uint64, error) {
	id := c.nextID.Add(1)
	if h != nil {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return 0, ErrClosed
		}
		c.pending[id] = h
		c.mu.Unlock()
	} else if c.isClosed() {
		return 0, ErrClosed
	}

	f := frame{typ: frameRequest, code: uint16(kind), id: id, body: body}
	if err := c.conn.WriteMessage(f.marshal()); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		c.shutdown(err)
		return 0, err
	}
	return id, nil
}

// Pending returns the number of requests still waiting for a terminal
// response.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Call sends a request and waits for its first response.
func (c *Client) Call(ctx context.Context, kind Kind, body []byte) (Response, error) {
	ch := make(chan Response, 1)
	var once sync.Once
	err := c.Send(kind, body, func(r Response) {
		once.Do(func() { ch <- r })
	})
	if err != nil {
		return Response{}, err
	}
	select {
	case r := <-ch:
		return r, nil
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}

// Done is closed once the carrier is gone.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the reason the client stopped, if it has.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Client) Close() error {
	c.shutdown(ErrClosed)
	return nil
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) readLoop() {
	for {
		b, err := c.conn.ReadMessage()
		if err != nil {
			c.shutdown(err)
			return
		}
		f, err := unmarshalFrame(b)
		if err != nil || f.typ != frameResponse {
			continue
		}

		status := Status(f.code)
		c.mu.Lock()
		h, ok := c.pending[f.id]
		if ok && status.Terminal() {
			delete(c.pending, f.id)
		}
		c.mu.Unlock()
		if ok {
			h(Response{Status: status, Body: f.body})
		}
	}
}

// shutdown closes the carrier and fails every outstanding request with a
// single StatusUnavailable response.
func (c *Client) shutdown(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.err = err
	pending := c.pending
	c.pending = make(map[uint64]ResponseHandler)
	c.mu.Unlock()

	c.conn.Close()
	for _, h := range pending {
		h(Response{Status: StatusUnavailable})
	}
	close(c.done)
}
