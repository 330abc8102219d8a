package pool_test

import (
	"context"
	"testing"
	"time"

	"extpool/pkg/pool"
	"extpool/pkg/protocol"
)

// Scenario: collect dispatches one request with the session assembled
// from the specs, and stop follows with a shutdown request.
func TestCollectDispatch(t *testing.T) {
	t.Parallel()

	peer, launcher := handshakePeer(t)
	p, err := pool.New(testOptions(), launcher)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}

	go func() {
		req := peer.nextRequest(2 * time.Second)
		if req.Action != protocol.ActionCollect {
			t.Errorf("expected collect, got %s", req.Action)
		}
		ctx := req.Ctx
		if ctx == nil {
			t.Error("collect request missing ctx")
		} else {
			if ctx.Pool != "vscode" {
				t.Errorf("expected pool vscode, got %q", ctx.Pool)
			}
			if ctx.WorkerID != 1 {
				t.Errorf("expected workerId 1, got %d", ctx.WorkerID)
			}
			if len(ctx.Files) != 1 || ctx.Files[0].Filepath != "tests/alpha.test.ts" {
				t.Errorf("unexpected files: %+v", ctx.Files)
			}
			if len(ctx.Files) == 1 && len(ctx.Files[0].TestLocations) != 0 {
				t.Errorf("expected empty testLocations, got %+v", ctx.Files[0].TestLocations)
			}
			if ctx.Environment.Name != "node" {
				t.Errorf("expected default node environment, got %q", ctx.Environment.Name)
			}
		}
		peer.respond(req.ID, true, "")
	}()

	specs := []pool.FileSpec{
		{Project: "workspace", Filepath: "tests/alpha.test.ts"},
	}
	if err := p.CollectTests(context.Background(), specs); err != nil {
		t.Fatalf("collect: %v", err)
	}

	go func() {
		req := peer.nextRequest(2 * time.Second)
		if req.Action != protocol.ActionShutdown {
			t.Errorf("expected shutdown after stop, got %s", req.Action)
		}
		peer.respond(req.ID, true, "")
		launcher.exit(nil)
	}()

	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

// Scenario: a run over two specs of one project emits exactly one
// request with both filepaths in order and the invalidates list.
func TestRunWithInvalidates(t *testing.T) {
	t.Parallel()

	peer, launcher := handshakePeer(t)
	p, err := pool.New(testOptions(), launcher)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}

	go func() {
		req := peer.nextRequest(2 * time.Second)
		ctx := req.Ctx
		if len(ctx.Files) != 2 ||
			ctx.Files[0].Filepath != "src/a.test.ts" ||
			ctx.Files[1].Filepath != "src/b.test.ts" {
			t.Errorf("unexpected files: %+v", ctx.Files)
		}
		if len(ctx.Invalidates) != 1 || ctx.Invalidates[0] != "src/shared.ts" {
			t.Errorf("unexpected invalidates: %+v", ctx.Invalidates)
		}
		peer.respond(req.ID, true, "")
	}()

	specs := []pool.FileSpec{
		{Project: "workspace", Filepath: "src/a.test.ts"},
		{Project: "workspace", Filepath: "src/b.test.ts"},
	}
	if err := p.RunTests(context.Background(), specs, []string{"src/shared.ts"}); err != nil {
		t.Fatalf("run: %v", err)
	}

	if got := len(requestsSoFar(peer)); got != 1 {
		t.Errorf("expected exactly one run request, got %d", got)
	}
}

// Scenario: specs across two projects produce two sequential requests,
// grouped by project in first-appearance order; the second goes out only
// after the first is answered.
func TestMultiProjectGrouping(t *testing.T) {
	t.Parallel()

	peer, launcher := handshakePeer(t)
	p, err := pool.New(testOptions(), launcher)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}

	type seen struct {
		project string
		files   []string
	}
	results := make(chan seen, 2)

	go func() {
		first := peer.nextRequest(2 * time.Second)
		// Before answering, the second request must not exist yet.
		time.Sleep(50 * time.Millisecond)
		if got := len(requestsSoFar(peer)); got != 1 {
			t.Errorf("second request emitted before first answered (%d requests)", got)
		}
		results <- seen{project: first.Ctx.ProjectName, files: filepaths(first.Ctx.Files)}
		peer.respond(first.ID, true, "")

		second := peer.nextRequest(2 * time.Second)
		results <- seen{project: second.Ctx.ProjectName, files: filepaths(second.Ctx.Files)}
		peer.respond(second.ID, true, "")
	}()

	specs := []pool.FileSpec{
		{Project: "project-a", Filepath: "a/one.test.ts"},
		{Project: "project-b", Filepath: "b/one.test.ts"},
		{Project: "project-a", Filepath: "a/two.test.ts"},
	}
	if err := p.RunTests(context.Background(), specs, nil); err != nil {
		t.Fatalf("run: %v", err)
	}

	first := <-results
	second := <-results
	if first.project != "project-a" || second.project != "project-b" {
		t.Errorf("unexpected project order: %q then %q", first.project, second.project)
	}
	if len(first.files) != 2 || first.files[0] != "a/one.test.ts" || first.files[1] != "a/two.test.ts" {
		t.Errorf("unexpected project-a files: %v", first.files)
	}
	if len(second.files) != 1 || second.files[0] != "b/one.test.ts" {
		t.Errorf("unexpected project-b files: %v", second.files)
	}
}

func TestCanReuse(t *testing.T) {
	t.Parallel()

	opts := testOptions()
	p, err := pool.New(opts, newFakeLauncher(nil))
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	if p.CanReuse() {
		t.Error("expected reuse off by default")
	}

	opts.ReuseWorker = true
	p, err = pool.New(opts, newFakeLauncher(nil))
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	if !p.CanReuse() {
		t.Error("expected reuse on")
	}
}

func TestEmptySpecsNoWorker(t *testing.T) {
	t.Parallel()

	launcher := newFakeLauncher(nil)
	p, err := pool.New(testOptions(), launcher)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	if err := p.RunTests(context.Background(), nil, nil); err != nil {
		t.Fatalf("run with no specs: %v", err)
	}
	if launcher.launchedOnce() {
		t.Error("expected no editor launch for an empty batch")
	}
}

func requestsSoFar(p *fakePeer) []*protocol.ControlRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*protocol.ControlRequest, len(p.requests))
	copy(out, p.requests)
	return out
}

func filepaths(files []protocol.TestFile) []string {
	out := make([]string, len(files))
	for i, f := range files {
		out[i] = f.Filepath
	}
	return out
}
