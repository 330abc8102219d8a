package pool_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"extpool/pkg/pool"
	"extpool/pkg/protocol"
)

// fakeLauncher stands in for the editor launcher. Instead of spawning a
// process it runs connect in a goroutine, handing it the transport
// address from the launch spec env. The "child" exits when the test (or
// Kill) says so.
type fakeLauncher struct {
	mu        sync.Mutex
	spec      pool.LaunchSpec
	launched  bool
	launchErr error
	exitErr   error

	connect func(addr string)

	exitOnce sync.Once
	exited   chan struct{}
}

func newFakeLauncher(connect func(addr string)) *fakeLauncher {
	return &fakeLauncher{connect: connect, exited: make(chan struct{})}
}

func (f *fakeLauncher) Launch(_ context.Context, spec pool.LaunchSpec) (*pool.LaunchedEditor, error) {
	f.mu.Lock()
	f.spec = spec
	f.launched = true
	launchErr := f.launchErr
	f.mu.Unlock()

	if launchErr != nil {
		return nil, launchErr
	}

	if f.connect != nil {
		go f.connect(addrFromSpec(spec))
	}

	return pool.NewLaunchedEditor(
		f.exited,
		func() error {
			f.mu.Lock()
			defer f.mu.Unlock()
			return f.exitErr
		},
		func() error {
			f.exit(nil)
			return nil
		},
	), nil
}

// exit simulates the child process exiting.
func (f *fakeLauncher) exit(err error) {
	f.exitOnce.Do(func() {
		f.mu.Lock()
		f.exitErr = err
		f.mu.Unlock()
		close(f.exited)
	})
}

func (f *fakeLauncher) launchedOnce() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.launched
}

func (f *fakeLauncher) Spec() pool.LaunchSpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.spec
}

func addrFromSpec(spec pool.LaunchSpec) string {
	for _, kv := range spec.Env {
		if strings.HasPrefix(kv, pool.TransportAddrEnv+"=") {
			return strings.TrimPrefix(kv, pool.TransportAddrEnv+"=")
		}
	}
	return ""
}

// fakePeer is a scripted stand-in for the worker runtime: it dials the
// pool endpoint, optionally completes the handshake, and exposes inbound
// control requests for the test to answer.
type fakePeer struct {
	t    *testing.T
	conn *websocket.Conn

	mu       sync.Mutex
	requests []*protocol.ControlRequest
	frames   []string

	reqCh   chan *protocol.ControlRequest
	frameCh chan string
	closed  chan struct{}
}

func newFakePeer(t *testing.T) *fakePeer {
	return &fakePeer{
		t:       t,
		reqCh:   make(chan *protocol.ControlRequest, 32),
		frameCh: make(chan string, 32),
		closed:  make(chan struct{}),
	}
}

// dial connects to the pool and starts the read loop.
func (p *fakePeer) dial(addr string) {
	conn, _, err := websocket.DefaultDialer.Dial(addr, nil)
	if err != nil {
		p.t.Errorf("fake peer dial: %v", err)
		close(p.closed)
		return
	}
	p.mu.Lock()
	p.conn = conn
	p.mu.Unlock()

	go p.readLoop()
}

func (p *fakePeer) readLoop() {
	defer close(p.closed)
	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			return
		}
		frame := string(data)
		p.mu.Lock()
		p.frames = append(p.frames, frame)
		p.mu.Unlock()
		select {
		case p.frameCh <- frame:
		default:
		}

		env, err := protocol.Decode(frame)
		if err != nil {
			continue
		}
		if env.Channel == protocol.ChannelControl && protocol.IsControlRequest(env.Payload) {
			req, err := protocol.ControlRequestFromPayload(env.Payload)
			if err != nil {
				continue
			}
			p.mu.Lock()
			p.requests = append(p.requests, req)
			p.mu.Unlock()
			p.reqCh <- req
		}
	}
}

// sendReady performs the worker half of the handshake.
func (p *fakePeer) sendReady() {
	p.send(protocol.ChannelControl, &protocol.ControlRequest{ID: "ready-1", Action: protocol.ActionReady})
}

func (p *fakePeer) send(channel string, payload any) {
	frame, err := protocol.Encode(channel, payload)
	if err != nil {
		p.t.Errorf("fake peer encode: %v", err)
		return
	}
	p.sendRaw(frame)
}

func (p *fakePeer) sendRaw(frame string) {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn == nil {
		p.t.Error("fake peer not connected")
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		p.t.Logf("fake peer write: %v", err)
	}
}

func (p *fakePeer) respond(id string, success bool, errMsg string) {
	p.send(protocol.ChannelControl, &protocol.ControlResponse{ID: id, Success: success, Error: errMsg})
}

// nextRequest waits for the next inbound control request.
func (p *fakePeer) nextRequest(timeout time.Duration) *protocol.ControlRequest {
	p.t.Helper()
	select {
	case req := <-p.reqCh:
		return req
	case <-time.After(timeout):
		p.t.Fatal("timed out waiting for control request")
		return nil
	}
}

// framesSnapshot copies every frame received so far.
func (p *fakePeer) framesSnapshot() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.frames))
	copy(out, p.frames)
	return out
}

func (p *fakePeer) close() {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// handshakePeer answers ready automatically and then serves via respond
// from the test body.
func handshakePeer(t *testing.T) (*fakePeer, *fakeLauncher) {
	t.Helper()
	peer := newFakePeer(t)
	launcher := newFakeLauncher(func(addr string) {
		peer.dial(addr)
		peer.sendReady()
	})
	return peer, launcher
}

// testOptions are small timeouts so failure paths resolve quickly.
func testOptions() pool.Options {
	return pool.Options{
		EditorExecutablePath:  "/usr/bin/true",
		TestTimeout:           2 * time.Second,
		ControlRequestTimeout: time.Second,
		ShutdownTimeout:       500 * time.Millisecond,
		HandshakeTimeout:      time.Second,
	}
}

// waitFor polls condition every tick until it returns true or timeout expires.
func waitFor(t *testing.T, condition func() bool, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("waitFor: condition not met within %v", timeout)
}

// startWorker spins a ready worker and returns it with its peer.
func startWorker(t *testing.T) (*pool.Pool, *pool.Worker, *fakePeer, *fakeLauncher) {
	t.Helper()
	peer, launcher := handshakePeer(t)
	p, err := pool.New(testOptions(), launcher)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	w, err := p.StartWorker(context.Background())
	if err != nil {
		t.Fatalf("start worker: %v", err)
	}
	return p, w, peer, launcher
}
