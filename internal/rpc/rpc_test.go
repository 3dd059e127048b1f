package rpc

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const (
	kindEcho Kind = iota + 1
	kindStream
	kindSilent
)

type recordingConns struct {
	mu     sync.Mutex
	opened int
	closed chan *Conn
}

func (r *recordingConns) Opened(c *Conn) {
	r.mu.Lock()
	r.opened++
	r.mu.Unlock()
	c.Attach("session")
}

func (r *recordingConns) Closed(c *Conn) { r.closed <- c }

func newPair(t *testing.T) (*Client, *recordingConns, context.CancelFunc) {
	t.Helper()
	a, b := net.Pipe()

	conns := &recordingConns{closed: make(chan *Conn, 1)}
	srv := NewServer(conns)
	srv.Handle(kindEcho, func(_ *Conn, req *Request, respond Responder) {
		respond(StatusOK, append([]byte("echo:"), req.Body...))
	})
	srv.Handle(kindStream, func(_ *Conn, req *Request, respond Responder) {
		for i := 0; i < 3; i++ {
			respond(StatusPartialContent, []byte{byte(i)})
		}
		respond(StatusOK, nil)
	})
	srv.Handle(kindSilent, func(*Conn, *Request, Responder) {})

	ctx, cancel := context.WithCancel(context.Background())
	go srv.ServeConn(ctx, NewStreamConn(b, nil))

	client := NewClient(NewStreamConn(a, nil))
	t.Cleanup(func() {
		cancel()
		client.Close()
	})
	return client, conns, cancel
}

func TestCall(t *testing.T) {
	client, _, _ := newPair(t)

	resp, err := client.Call(context.Background(), kindEcho, []byte("hi"))
	require.NoError(t, err)
	require.Equal(t, StatusOK, resp.Status)
	require.Equal(t, "echo:hi", string(resp.Body))
}

func TestStreamedResponsesArriveInOrder(t *testing.T) {
	client, _, _ := newPair(t)

	got := make(chan Response, 8)
	require.NoError(t, client.Send(kindStream, nil, func(r Response) { got <- r }))

	for i := 0; i < 3; i++ {
		r := <-got
		require.Equal(t, StatusPartialContent, r.Status)
		require.Equal(t, []byte{byte(i)}, r.Body)
	}
	r := <-got
	require.Equal(t, StatusOK, r.Status)

	client.mu.Lock()
	require.Empty(t, client.pending)
	client.mu.Unlock()
}

func TestSubscribeCancel(t *testing.T) {
	client, _, _ := newPair(t)

	cancel, err := client.Subscribe(kindSilent, nil, func(Response) {})
	require.NoError(t, err)
	require.Equal(t, 1, client.Pending())
	cancel()
	require.Equal(t, 0, client.Pending())
}

func TestUnknownKind(t *testing.T) {
	client, _, _ := newPair(t)

	resp, err := client.Call(context.Background(), Kind(99), nil)
	require.NoError(t, err)
	require.Equal(t, StatusNotFound, resp.Status)
}

func TestCallHonoursContext(t *testing.T) {
	client, _, _ := newPair(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := client.Call(ctx, kindSilent, nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCarrierLossFailsPendingRequests(t *testing.T) {
	client, conns, cancel := newPair(t)

	got := make(chan Response, 1)
	require.NoError(t, client.Send(kindSilent, nil, func(r Response) { got <- r }))

	// Make sure the server has seen the request before the carrier drops.
	_, err := client.Call(context.Background(), kindEcho, nil)
	require.NoError(t, err)

	cancel()

	select {
	case r := <-got:
		require.Equal(t, StatusUnavailable, r.Status)
	case <-time.After(time.Second):
		t.Fatal("pending handler was not failed")
	}
	<-client.Done()
	require.ErrorIs(t, client.Send(kindEcho, nil, nil), ErrClosed)

	c := <-conns.closed
	require.Equal(t, "session", c.Attachment())
	conns.mu.Lock()
	require.Equal(t, 1, conns.opened)
	conns.mu.Unlock()
}

func TestFrameRoundTrip(t *testing.T) {
	f := frame{typ: frameResponse, code: uint16(StatusPartialContent), id: 42, body: []byte("data")}
	g, err := unmarshalFrame(f.marshal())
	require.NoError(t, err)
	require.Equal(t, f.typ, g.typ)
	require.Equal(t, f.code, g.code)
	require.Equal(t, f.id, g.id)
	require.Equal(t, f.body, g.body)

	_, err = unmarshalFrame([]byte{1, 2})
	require.ErrorIs(t, err, ErrMalformedFrame)
	_, err = unmarshalFrame(make([]byte, headerSize))
	require.ErrorIs(t, err, ErrMalformedFrame)
}

func TestStatus(t *testing.T) {
	require.False(t, StatusPartialContent.Terminal())
	require.True(t, StatusOK.Terminal())
	require.True(t, StatusUnavailable.Terminal())
	require.True(t, StatusPartialContent.Success())
	require.False(t, StatusInternalError.Success())
}
