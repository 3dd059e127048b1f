package local

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/ehsanking/cipher-relay/internal/protocol"
	"github.com/ehsanking/cipher-relay/internal/rpc"
	"github.com/stretchr/testify/require"
)

func TestConnectTimeoutDisconnectsLateChannel(t *testing.T) {
	disconnected := make(chan protocol.VirtualChannel, 1)
	srv := rpc.NewServer(nil)
	srv.Handle(protocol.KindConnect, func(_ *rpc.Conn, _ *rpc.Request, respond rpc.Responder) {
		go func() {
			time.Sleep(200 * time.Millisecond)
			respond(rpc.StatusOK, protocol.VirtualChannel(42).Encode())
		}()
	})
	srv.Handle(protocol.KindDisconnect, func(_ *rpc.Conn, req *rpc.Request, respond rpc.Responder) {
		id, _, err := protocol.DecodeChannel(req.Body)
		if err == nil {
			disconnected <- id
		}
		respond(rpc.StatusOK, nil)
	})

	a, b := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.ServeConn(ctx, rpc.NewStreamConn(b, nil))
	client := rpc.NewClient(rpc.NewStreamConn(a, nil))
	defer client.Close()

	connectCtx, connectCancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer connectCancel()
	_, err := connect(connectCtx, client, "example.com:443")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	select {
	case id := <-disconnected:
		require.Equal(t, protocol.VirtualChannel(42), id)
	case <-time.After(2 * time.Second):
		t.Fatal("late channel was not disconnected")
	}
	require.Eventually(t, func() bool { return client.Pending() == 0 }, time.Second, 10*time.Millisecond)
}

func TestConnectFailedStatus(t *testing.T) {
	srv := rpc.NewServer(nil)
	srv.Handle(protocol.KindConnect, func(_ *rpc.Conn, _ *rpc.Request, respond rpc.Responder) {
		respond(rpc.StatusInternalError, nil)
	})

	a, b := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.ServeConn(ctx, rpc.NewStreamConn(b, nil))
	client := rpc.NewClient(rpc.NewStreamConn(a, nil))
	defer client.Close()

	_, err := connect(ctx, client, "example.com:443")
	require.ErrorIs(t, err, ErrConnectFailed)
	require.Equal(t, 0, client.Pending())
}
