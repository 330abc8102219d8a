// Package runtime is the worker side of the test pool. It executes inside
// the editor extension host: it dials the pool's loopback endpoint from
// CHILD_TRANSPORT_ADDR, performs the ready handshake, serves control
// requests on a strict FIFO queue, and bridges the in-editor test
// runner's RPC traffic to the pool through a Port capability.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"extpool/pkg/protocol"
	"extpool/pkg/scoped"
)

// Runtime failure modes.
var (
	// ErrMissingEndpoint: CHILD_TRANSPORT_ADDR is absent or blank.
	ErrMissingEndpoint = errors.New("missing transport endpoint")

	// ErrReadyAckTimeout: the pool did not acknowledge ready in time.
	ErrReadyAckTimeout = errors.New("ready acknowledgement timed out")

	// ErrPoolDisconnected: the socket closed before a shutdown request.
	ErrPoolDisconnected = errors.New("pool disconnected")

	// ErrWorkerModuleUnresolvable: the runtime cannot locate its own
	// binary to derive the sibling host module path.
	ErrWorkerModuleUnresolvable = errors.New("worker module path unresolvable")
)

// DefaultReadyAckTimeout bounds the handshake acknowledgement wait.
const DefaultReadyAckTimeout = 5 * time.Second

// Logf is the injectable debug log sink.
type Logf func(format string, args ...any)

// Host is the in-editor test runner capability the runtime drives. Setup
// runs once after the handshake and returns a teardown thunk.
type Host interface {
	Setup(ctx context.Context, port *Port) (teardown func(context.Context) error, err error)
	RunTests(ctx context.Context, sess *protocol.SerializedSession) error
	CollectTests(ctx context.Context, sess *protocol.SerializedSession) error
}

// Options configures Run. The zero value reads everything from the
// environment.
type Options struct {
	// Addr overrides CHILD_TRANSPORT_ADDR.
	Addr string

	// ReadyAckTimeout bounds the handshake ack wait; zero selects
	// DefaultReadyAckTimeout.
	ReadyAckTimeout time.Duration

	// Debug mirrors lifecycle events to stderr; POOL_DEBUG=1 sets it.
	Debug bool

	// Logf overrides the debug sink.
	Logf Logf
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.Addr == "" {
		out.Addr = os.Getenv(protocol.TransportAddrEnv)
	}
	if out.ReadyAckTimeout == 0 {
		out.ReadyAckTimeout = DefaultReadyAckTimeout
	}
	if os.Getenv(protocol.DebugEnv) == "1" {
		out.Debug = true
	}
	if out.Logf == nil {
		if out.Debug {
			out.Logf = func(format string, args ...any) {
				fmt.Fprintf(os.Stderr, "[worker] "+format+"\n", args...)
			}
		} else {
			out.Logf = func(string, ...any) {}
		}
	}
	return out
}

// Run is the single entry point the editor invokes. It returns when the
// pool requests shutdown (nil) or the session fails.
func Run(ctx context.Context, host Host, opts Options) error {
	o := opts.withDefaults()
	logf := o.Logf

	addr := strings.TrimSpace(o.Addr)
	if addr == "" {
		return ErrMissingEndpoint
	}

	dialer := &websocket.Dialer{HandshakeTimeout: o.ReadyAckTimeout}
	conn, _, err := dialer.DialContext(ctx, addr, nil)
	if err != nil {
		return fmt.Errorf("dial pool at %s: %w", addr, err)
	}
	logf("connected to %s", addr)

	w := &worker{
		conn:     conn,
		host:     host,
		logf:     logf,
		respCh:   make(chan *protocol.ControlResponse, 4),
		reqCh:    make(chan *protocol.ControlRequest, 16),
		closeCh:  make(chan error, 1),
		port:     nil,
		shutdown: make(chan struct{}),
	}
	w.port = newPort(w.writeRPC)

	cleanup := scoped.NewStack()
	defer cleanup.Release()
	cleanup.Defer(func() { _ = conn.Close() })
	cleanup.Defer(w.port.Teardown)

	go w.readLoop()

	if err := w.handshake(ctx, o.ReadyAckTimeout); err != nil {
		return err
	}
	logf("handshake complete")

	teardown, err := host.Setup(ctx, w.port)
	if err != nil {
		return fmt.Errorf("host setup: %w", err)
	}
	if teardown != nil {
		cleanup.Defer(func() { _ = teardown(context.Background()) })
	}

	return w.serve(ctx)
}

// worker holds the per-session runtime state.
type worker struct {
	conn    *websocket.Conn
	host    Host
	logf    Logf
	writeMu sync.Mutex

	respCh  chan *protocol.ControlResponse
	reqCh   chan *protocol.ControlRequest
	closeCh chan error
	port    *Port

	shutdown     chan struct{}
	shutdownOnce sync.Once
}

// readLoop drains the socket, routing control responses, control
// requests, and RPC payloads. RPC payloads are delivered to port
// subscribers synchronously, in arrival order.
func (w *worker) readLoop() {
	for {
		_, data, err := w.conn.ReadMessage()
		if err != nil {
			w.closeCh <- err
			return
		}

		env, err := protocol.Decode(data)
		if err != nil {
			w.logf("dropping malformed frame: %v", err)
			continue
		}

		switch env.Channel {
		case protocol.ChannelRPC:
			w.port.deliver(env.Payload)
		case protocol.ChannelControl:
			w.routeControl(env.Payload)
		}
	}
}

func (w *worker) routeControl(payload any) {
	switch {
	case protocol.IsControlResponse(payload):
		resp, err := protocol.ControlResponseFromPayload(payload)
		if err != nil {
			w.logf("dropping undecodable control response: %v", err)
			return
		}
		select {
		case w.respCh <- resp:
		default:
			w.logf("discarding unexpected control response %s", resp.ID)
		}
	case protocol.IsControlRequest(payload):
		req, err := protocol.ControlRequestFromPayload(payload)
		if err != nil {
			w.logf("dropping undecodable control request: %v", err)
			return
		}
		// Requests queue behind the in-flight one; the serve loop
		// answers them strictly in received order.
		w.reqCh <- req
	default:
		w.logf("dropping control frame that is neither request nor response")
	}
}

// handshake sends ready and awaits the matching acknowledgement.
func (w *worker) handshake(ctx context.Context, timeout time.Duration) error {
	ready := &protocol.ControlRequest{ID: uuid.NewString(), Action: protocol.ActionReady}
	if err := w.writeControl(ready); err != nil {
		return fmt.Errorf("send ready: %w", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case resp := <-w.respCh:
			if resp.ID != ready.ID {
				w.logf("discarding stray response %s during handshake", resp.ID)
				continue
			}
			if !resp.Success {
				return fmt.Errorf("%w: pool rejected ready: %s", ErrReadyAckTimeout, resp.Error)
			}
			return nil
		case err := <-w.closeCh:
			return fmt.Errorf("%w: socket closed awaiting ack: %v", ErrReadyAckTimeout, err)
		case <-timer.C:
			return ErrReadyAckTimeout
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// serve processes control requests one at a time until shutdown or
// disconnect. Responses go out in request-received order; a request that
// arrives during an in-flight one waits its turn.
func (w *worker) serve(ctx context.Context) error {
	for {
		select {
		case req := <-w.reqCh:
			done, err := w.handleRequest(ctx, req)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
		case err := <-w.closeCh:
			select {
			case <-w.shutdown:
				return nil
			default:
			}
			return fmt.Errorf("%w: %v", ErrPoolDisconnected, err)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// handleRequest serves one control request and writes its response. The
// bool result reports clean shutdown.
func (w *worker) handleRequest(ctx context.Context, req *protocol.ControlRequest) (bool, error) {
	w.logf("serving %s request %s", req.Action, req.ID)

	switch req.Action {
	case protocol.ActionRun, protocol.ActionCollect:
		w.respond(req.ID, w.execute(ctx, req))
		return false, nil

	case protocol.ActionShutdown:
		w.shutdownOnce.Do(func() { close(w.shutdown) })
		w.respond(req.ID, nil)
		_ = w.conn.Close()
		return true, nil

	default:
		w.respond(req.ID, fmt.Errorf("unsupported action %q", req.Action))
		return false, nil
	}
}

// execute validates the session and delegates to the host.
func (w *worker) execute(ctx context.Context, req *protocol.ControlRequest) error {
	if req.Ctx == nil {
		return fmt.Errorf("%s request %s carries no session", req.Action, req.ID)
	}
	if req.Action == protocol.ActionRun {
		return w.host.RunTests(ctx, req.Ctx)
	}
	return w.host.CollectTests(ctx, req.Ctx)
}

// respond writes the control response for id, folding an error into the
// failure shape.
func (w *worker) respond(id string, err error) {
	resp := &protocol.ControlResponse{ID: id, Success: err == nil}
	if err != nil {
		resp.Error = errorDetail(err)
	}
	if werr := w.writeControl(resp); werr != nil {
		w.logf("response %s write failed: %v", id, werr)
	}
}

// errorDetail prefers the richest message the error offers, matching the
// stack-or-message contract.
func errorDetail(err error) string {
	type stackTracer interface{ StackTrace() string }
	var st stackTracer
	if errors.As(err, &st) {
		return st.StackTrace()
	}
	return err.Error()
}

func (w *worker) writeControl(msg any) error {
	frame, err := protocol.Encode(protocol.ChannelControl, msg)
	if err != nil {
		return err
	}
	return w.writeFrame(frame)
}

func (w *worker) writeRPC(payload any) error {
	frame, err := protocol.Encode(protocol.ChannelRPC, payload)
	if err != nil {
		return err
	}
	return w.writeFrame(frame)
}

func (w *worker) writeFrame(frame string) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return w.conn.WriteMessage(websocket.TextMessage, []byte(frame))
}

// HostModulePath resolves the sibling host module shipped next to the
// running binary. The path derives from the binary's own location, never
// from the working directory.
func HostModulePath() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrWorkerModuleUnresolvable, err)
	}
	exe, err = filepath.EvalSymlinks(exe)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrWorkerModuleUnresolvable, err)
	}
	return filepath.Join(filepath.Dir(exe), "vscode-worker"), nil
}
