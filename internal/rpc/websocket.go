package rpc

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketConn carries one frame per binary websocket message.
type WebSocketConn struct {
	*websocket.Conn
	wmu sync.Mutex
}

func NewWebSocketConn(conn *websocket.Conn) *WebSocketConn {
	conn.SetReadLimit(MaxMessageSize)
	return &WebSocketConn{Conn: conn}
}

func (w *WebSocketConn) ReadMessage() ([]byte, error) {
	for {
		typ, message, err := w.Conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if typ == websocket.BinaryMessage {
			return message, nil
		}
	}
}

func (w *WebSocketConn) WriteMessage(b []byte) error {
	w.wmu.Lock()
	defer w.wmu.Unlock()
	return w.Conn.WriteMessage(websocket.BinaryMessage, b)
}

func (w *WebSocketConn) RemoteAddr() net.Addr {
	return w.Conn.RemoteAddr()
}

// DialWebSocket opens the carrier to a ws:// or wss:// url. Certificates are
// not verified.
func DialWebSocket(ctx context.Context, url string) (*WebSocketConn, error) {
	dialer := websocket.Dialer{
		TLSClientConfig:  &tls.Config{InsecureSkipVerify: true},
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 15 * time.Second,
	}

	header := http.Header{}
	header.Set("User-Agent", "cipher-relay")

	conn, _, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, err
	}
	return NewWebSocketConn(conn), nil
}

// WebSocketHandler upgrades every request and hands the carrier to serve,
// which owns it until it returns.
func WebSocketHandler(serve func(MessageConn)) http.Handler {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  32 * 1024,
		WriteBufferSize: 32 * 1024,
		CheckOrigin:     func(*http.Request) bool { return true },
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade has already replied with an HTTP error.
			return
		}
		serve(NewWebSocketConn(conn))
	})
}
