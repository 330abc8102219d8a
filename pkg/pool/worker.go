// Package pool implements the pool-side controller of the extension-host
// test pool: it binds a loopback WebSocket endpoint, launches the child
// editor, performs the ready handshake with the worker runtime running
// inside it, correlates control requests with their responses, forwards
// RPC traffic verbatim to subscribers, and unwinds every resource in
// reverse acquisition order on stop.
package pool

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"extpool/pkg/eventlog"
	"extpool/pkg/protocol"
	"extpool/pkg/scoped"
)

// Logf is the injectable debug log sink. The default discards unless
// Debug is set, in which case lines go to stderr.
type Logf func(format string, args ...any)

// State tracks the worker handshake lifecycle.
type State string

// Worker states.
const (
	StateBooting         State = "booting"
	StateAwaitingConnect State = "awaiting_connect"
	StateAwaitingReady   State = "awaiting_ready"
	StateReady           State = "ready"
	StateDisposed        State = "disposed"
)

// Emitter events: raw RPC frames, the handshake ready signal, and socket
// failure.
const (
	messageEvent = "message"
	readyEvent   = "ready"
	errorEvent   = "error"
)

// pendingRequest tracks one outstanding control request.
type pendingRequest struct {
	id     string
	action protocol.Action
	result chan pendingResult
	timer  *time.Timer
}

type pendingResult struct {
	resp *protocol.ControlResponse
	err  error
}

// deliver resolves the waiter exactly once; later deliveries are dropped.
func (p *pendingRequest) deliver(resp *protocol.ControlResponse, err error) {
	select {
	case p.result <- pendingResult{resp: resp, err: err}:
	default:
	}
}

// Worker owns one child editor and the socket to the runtime inside it.
// The pool creates one Worker per session; the Worker exclusively owns
// the child handle and the client connection.
type Worker struct {
	ID       int
	opts     Options
	launcher EditorLauncher
	logf     Logf
	trace    *eventlog.Writer

	mu       sync.Mutex
	state    State
	conn     *websocket.Conn
	pending  map[string]*pendingRequest
	inflight int
	stopped  bool
	stopping bool

	writeMu sync.Mutex
	events  *scoped.Emitter
	stack   *scoped.AsyncStack
	child   *LaunchedEditor
}

// NewWorker builds a standalone Worker with the given id. Most callers go
// through Pool, which numbers workers itself; this constructor exists for
// runners that manage worker lifecycles directly.
func NewWorker(id int, opts Options, launcher EditorLauncher) *Worker {
	return newWorker(id, opts.withDefaults(), launcher, nil, nil)
}

// newWorker wires a Worker; Start does the actual acquisition.
func newWorker(id int, opts Options, launcher EditorLauncher, logf Logf, trace *eventlog.Writer) *Worker {
	if logf == nil {
		if opts.Debug {
			logf = func(format string, args ...any) {
				fmt.Fprintf(os.Stderr, "[pool] "+format+"\n", args...)
			}
		} else {
			logf = func(string, ...any) {}
		}
	}
	return &Worker{
		ID:       id,
		opts:     opts,
		launcher: launcher,
		logf:     logf,
		trace:    trace,
		state:    StateBooting,
		pending:  make(map[string]*pendingRequest),
		events:   scoped.NewEmitter(),
		stack:    scoped.NewAsyncStack(),
	}
}

// Start acquires the transport, launches the child editor, and completes
// the ready handshake. On any failure every resource acquired so far is
// released before the error returns.
func (w *Worker) Start(ctx context.Context) (err error) {
	defer func() {
		if err != nil {
			_ = w.stack.Release(context.Background())
			w.setState(StateDisposed)
		}
	}()

	tr, err := newTransport(w.logf)
	if err != nil {
		return err
	}
	w.stack.Defer(func(context.Context) error { return tr.Close() })
	w.setState(StateAwaitingConnect)
	w.event("worker_start", "", tr.URL())

	child, err := w.launchChild(ctx, tr.URL())
	if err != nil {
		return &LaunchError{Err: err}
	}
	w.child = child
	w.stack.Defer(w.awaitChildExit)

	hsCtx, cancel := context.WithTimeout(ctx, w.opts.HandshakeTimeout)
	defer cancel()

	conn, err := tr.Accept(hsCtx)
	if err != nil {
		return &HandshakeError{Err: fmt.Errorf("no client connected: %w", err)}
	}
	w.mu.Lock()
	w.conn = conn
	w.state = StateAwaitingReady
	w.mu.Unlock()
	w.stack.Defer(func(context.Context) error { return w.closeConn() })

	// Race the ready signal against socket failure; both adapters drop
	// their listeners on release whichever fires first.
	ready := scoped.OnceEvent(w.events, readyEvent)
	defer ready.Release()
	sockFail := scoped.OnceError(w.events, errorEvent)
	defer sockFail.Release()

	go w.readLoop(conn)

	select {
	case <-ready.Ch():
	case v := <-sockFail.Ch():
		return &HandshakeError{Err: asError(v)}
	case <-hsCtx.Done():
		return &HandshakeError{Err: fmt.Errorf("no ready message within %v", w.opts.HandshakeTimeout)}
	}

	w.event("ready", "", "")
	return nil
}

// launchChild builds the launch spec from options and starts the editor.
// An explicit executable path wins over the version selector.
func (w *Worker) launchChild(ctx context.Context, addr string) (*LaunchedEditor, error) {
	spec := LaunchSpec{
		ExecutablePath:      w.opts.EditorExecutablePath,
		Version:             w.opts.Version,
		Platform:            w.opts.Platform,
		CachePath:           w.opts.CachePath,
		Args:                w.opts.LaunchArgs,
		ReuseMachineInstall: w.opts.ReuseMachineInstall,
		Timeout:             w.opts.Timeout,
		Env:                 []string{TransportAddrEnv + "=" + addr},
	}
	if spec.ExecutablePath != "" && w.opts.Version != DefaultVersion {
		w.logf("editorExecutablePath set; ignoring version %q", w.opts.Version)
	}
	if w.opts.Debug {
		spec.Env = append(spec.Env, DebugEnv+"=1")
	}
	return w.launcher.Launch(ctx, spec)
}

// awaitChildExit is the stack entry for the child handle: wait for the
// launch promise, killing the child if it overstays the shutdown window.
func (w *Worker) awaitChildExit(ctx context.Context) error {
	select {
	case <-w.child.Done():
	case <-time.After(w.opts.ShutdownTimeout):
		w.logf("child did not exit within %v, killing", w.opts.ShutdownTimeout)
		_ = w.child.Kill()
		select {
		case <-w.child.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	case <-ctx.Done():
		return ctx.Err()
	}
	return w.child.Err()
}

// closeConn half-closes then closes the client socket.
func (w *Worker) closeConn() error {
	w.mu.Lock()
	conn := w.conn
	w.conn = nil
	w.mu.Unlock()
	if conn == nil {
		return nil
	}
	deadline := time.Now().Add(time.Second)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return conn.Close()
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

// State returns the current lifecycle state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Busy reports whether a control request is outstanding.
func (w *Worker) Busy() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.inflight > 0
}

// readLoop drains the socket until it closes, routing control traffic and
// forwarding RPC frames verbatim to subscribers in arrival order.
func (w *Worker) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			w.handleDisconnect(err)
			return
		}

		env, err := protocol.Decode(data)
		if err != nil {
			// Malformed frames and unknown channels are logged and
			// dropped; no correlated reply is possible without an id.
			w.logf("dropping malformed frame: %v", err)
			continue
		}

		switch env.Channel {
		case protocol.ChannelRPC:
			w.event("rpc_forward", "", "")
			w.events.Emit(messageEvent, string(data))
		case protocol.ChannelControl:
			w.handleControl(env.Payload)
		}
	}
}

func (w *Worker) handleControl(payload any) {
	switch {
	case protocol.IsControlResponse(payload):
		resp, err := protocol.ControlResponseFromPayload(payload)
		if err != nil {
			w.logf("dropping undecodable control response: %v", err)
			return
		}
		w.resolvePending(resp)
	case protocol.IsControlRequest(payload):
		req, err := protocol.ControlRequestFromPayload(payload)
		if err != nil {
			w.logf("dropping undecodable control request: %v", err)
			return
		}
		w.handleInboundRequest(req)
	default:
		w.logf("dropping control frame that is neither request nor response")
	}
}

// handleInboundRequest serves the worker's requests to the pool. The only
// expected one is ready during the handshake; anything else while not
// ready is answered not_ready.
func (w *Worker) handleInboundRequest(req *protocol.ControlRequest) {
	w.mu.Lock()
	state := w.state
	w.mu.Unlock()

	if req.Action == protocol.ActionReady && state == StateAwaitingReady {
		w.setState(StateReady)
		if err := w.writeControl(&protocol.ControlResponse{ID: req.ID, Success: true}); err != nil {
			w.logf("ready_ack write failed: %v", err)
			return
		}
		w.events.Emit(readyEvent, req.ID)
		return
	}

	w.logf("rejecting %s request in state %s", req.Action, state)
	_ = w.writeControl(&protocol.ControlResponse{ID: req.ID, Success: false, Error: "not_ready"})
}

// resolvePending routes a response to its waiter. Late responses are
// logged and discarded.
func (w *Worker) resolvePending(resp *protocol.ControlResponse) {
	w.mu.Lock()
	p, ok := w.pending[resp.ID]
	if ok {
		delete(w.pending, resp.ID)
		w.inflight--
	}
	w.mu.Unlock()

	if !ok {
		w.logf("discarding late response for %s", resp.ID)
		return
	}
	p.timer.Stop()
	w.event("response", resp.ID, resp.Error)
	p.deliver(resp, nil)
}

// handleDisconnect rejects all pending requests when the socket closes
// underneath them. During Stop the rejection is left to Stop itself so
// waiters see WorkerStopped rather than a disconnect.
func (w *Worker) handleDisconnect(cause error) {
	w.mu.Lock()
	stopping := w.stopping
	ready := w.state == StateReady || w.state == StateDisposed
	w.mu.Unlock()

	w.events.Emit(errorEvent, cause)

	if stopping {
		return
	}
	if !ready {
		// Start is still racing the handshake; the emission above fails it.
		return
	}

	w.event("disconnect", "", cause.Error())
	n := w.rejectAllPending(ErrWorkerDisconnected)
	if n > 0 {
		w.logf("socket closed with %d requests pending: %v", n, cause)
	}
}

func (w *Worker) rejectAllPending(cause error) int {
	w.mu.Lock()
	pending := w.pending
	w.pending = make(map[string]*pendingRequest)
	w.inflight = 0
	w.mu.Unlock()

	for _, p := range pending {
		p.timer.Stop()
		p.deliver(nil, fmt.Errorf("%s request %s: %w", p.action, p.id, cause))
	}
	return len(pending)
}

// Call sends a control request and blocks until the matching response,
// the request timeout, a disconnect, or ctx. It fails synchronously with
// ErrNotReady before the handshake completes or after disposal.
func (w *Worker) Call(ctx context.Context, action protocol.Action, sess *protocol.SerializedSession) (*protocol.ControlResponse, error) {
	return w.call(ctx, action, sess, w.opts.ControlRequestTimeout)
}

func (w *Worker) call(ctx context.Context, action protocol.Action, sess *protocol.SerializedSession, timeout time.Duration) (*protocol.ControlResponse, error) {
	req := &protocol.ControlRequest{
		ID:     uuid.NewString(),
		Action: action,
		Ctx:    sess,
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	w.mu.Lock()
	if w.state != StateReady {
		w.mu.Unlock()
		return nil, fmt.Errorf("cannot send %s in state %s: %w", action, w.state, ErrNotReady)
	}
	if old, exists := w.pending[req.ID]; exists {
		// Duplicate in-flight id is a protocol error: the oldest waiter
		// gets a synthetic failure and the new request takes the slot.
		w.logf("duplicate in-flight request id %s", req.ID)
		old.timer.Stop()
		old.deliver(&protocol.ControlResponse{ID: req.ID, Success: false, Error: "duplicate request id"}, nil)
	}
	p := &pendingRequest{
		id:     req.ID,
		action: action,
		result: make(chan pendingResult, 1),
	}
	p.timer = time.AfterFunc(timeout, func() { w.timeoutPending(p, timeout) })
	w.pending[req.ID] = p
	w.inflight++
	w.mu.Unlock()

	w.event("request", req.ID, string(action))

	if err := w.writeControl(req); err != nil {
		w.mu.Lock()
		if _, ok := w.pending[req.ID]; ok {
			delete(w.pending, req.ID)
			w.inflight--
		}
		w.mu.Unlock()
		p.timer.Stop()
		return nil, fmt.Errorf("write %s request: %w", action, err)
	}

	select {
	case res := <-p.result:
		return res.resp, res.err
	case <-ctx.Done():
		w.mu.Lock()
		if _, ok := w.pending[req.ID]; ok {
			delete(w.pending, req.ID)
			w.inflight--
		}
		w.mu.Unlock()
		p.timer.Stop()
		return nil, ctx.Err()
	}
}

func (w *Worker) timeoutPending(p *pendingRequest, timeout time.Duration) {
	w.mu.Lock()
	if _, ok := w.pending[p.id]; !ok {
		w.mu.Unlock()
		return
	}
	delete(w.pending, p.id)
	w.inflight--
	w.mu.Unlock()

	w.event("timeout", p.id, string(p.action))
	p.deliver(nil, &RequestTimeoutError{Action: p.action, Timeout: timeout})
}

// writeControl frames and writes a control message. WebSocket writes are
// serialized by writeMu.
func (w *Worker) writeControl(msg any) error {
	frame, err := protocol.Encode(protocol.ChannelControl, msg)
	if err != nil {
		return err
	}
	return w.writeFrame(frame)
}

func (w *Worker) writeFrame(frame string) error {
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()
	if conn == nil {
		return ErrWorkerDisconnected
	}
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, []byte(frame))
}

// ForwardCancel relays the outer runner's cancel notification to the
// worker on the RPC channel. Pending control requests are left to
// complete or time out.
func (w *Worker) ForwardCancel(reason string) error {
	frame, err := protocol.Encode(protocol.ChannelRPC, protocol.CancelFrame(reason))
	if err != nil {
		return err
	}
	w.event("cancel_forward", "", reason)
	return w.writeFrame(frame)
}

// OnMessage subscribes to raw RPC frames. The returned id unsubscribes
// via OffMessage. The outer runner attaches its own codec here.
func (w *Worker) OnMessage(fn func(raw string)) int {
	return w.events.On(messageEvent, func(v any) {
		if raw, ok := v.(string); ok {
			fn(raw)
		}
	})
}

// OffMessage removes a subscription created by OnMessage.
func (w *Worker) OffMessage(id int) {
	w.events.Off(messageEvent, id)
}

// MessageStream returns a disposable iterator over raw RPC frames for
// runners that consume pull-style instead of subscribing a handler.
// capacity <= 0 selects the default bound; overflow drops the oldest.
func (w *Worker) MessageStream(capacity int) *scoped.Stream {
	return scoped.StreamEvents(w.events, messageEvent, capacity)
}

func asError(v any) error {
	if err, ok := v.(error); ok {
		return err
	}
	return fmt.Errorf("socket failed: %v", v)
}

// Deserialize exposes the envelope codec so the outer runner can decode
// the RPC frames it observes.
func (w *Worker) Deserialize(raw any) (*protocol.Envelope, error) {
	return protocol.Decode(raw)
}

// Stop performs the ordered shutdown: shutdown request (when ready),
// then the resource stack in reverse acquisition order (socket close,
// child-exit await, transport close), then pending-request disposal. Errors from every step are collected and joined. A second
// Stop returns nil immediately.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return nil
	}
	w.stopped = true
	w.stopping = true
	ready := w.state == StateReady
	w.mu.Unlock()

	var errs []error

	if ready {
		resp, err := w.call(ctx, protocol.ActionShutdown, nil, w.opts.ShutdownTimeout)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("shutdown request: %w", err))
		case !resp.Success:
			errs = append(errs, fmt.Errorf("shutdown rejected: %s", resp.Error))
		}
	}

	if err := w.stack.Release(ctx); err != nil {
		errs = append(errs, err)
	}

	if n := w.rejectAllPending(ErrWorkerStopped); n > 0 {
		errs = append(errs, fmt.Errorf("%d requests pending at stop: %w", n, ErrWorkerStopped))
	}

	w.setState(StateDisposed)
	w.event("stop", "", "")
	return errors.Join(errs...)
}

// event writes a trace row when the event log is enabled.
func (w *Worker) event(typ, requestID, payload string) {
	if w.trace == nil {
		return
	}
	w.trace.Log(typ, w.ID, requestID, payload)
}
