package pool

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"

	"github.com/gorilla/websocket"
)

// transport is the pool's loopback WebSocket endpoint. It binds
// 127.0.0.1 on an ephemeral port and admits exactly one client per
// session; any later upgrade is a protocol error and is closed on sight.
type transport struct {
	ln     net.Listener
	srv    *http.Server
	connCh chan *websocket.Conn
	logf   Logf

	// claimed is set by the first successful upgrade; every later one is
	// rejected.
	claimed atomic.Bool
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The endpoint binds loopback only; origin checks do not apply to
	// the child editor's client socket.
	CheckOrigin: func(*http.Request) bool { return true },
}

// newTransport binds the loopback listener and starts serving upgrades.
func newTransport(logf Logf) (*transport, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, &BindError{Err: err}
	}

	t := &transport{
		ln:     ln,
		connCh: make(chan *websocket.Conn, 1),
		logf:   logf,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", t.handleUpgrade)
	t.srv = &http.Server{Handler: mux}
	go func() { _ = t.srv.Serve(ln) }()

	return t, nil
}

func (t *transport) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.logf("transport: upgrade failed: %v", err)
		return
	}
	if !t.claimed.CompareAndSwap(false, true) {
		t.logf("transport: rejecting extra client from %s: one client per session", conn.RemoteAddr())
		_ = conn.Close()
		return
	}
	t.connCh <- conn
}

// URL returns the ws:// endpoint handed to the child.
func (t *transport) URL() string {
	return fmt.Sprintf("ws://%s", t.ln.Addr().String())
}

// Accept waits for the single inbound client connection.
func (t *transport) Accept(ctx context.Context) (*websocket.Conn, error) {
	select {
	case conn := <-t.connCh:
		return conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops the HTTP server and the listener.
func (t *transport) Close() error {
	return t.srv.Close()
}
