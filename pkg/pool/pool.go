package pool

import (
	"context"
	"errors"
	"fmt"

	"extpool/pkg/eventlog"
	"extpool/pkg/protocol"
)

// FileSpec describes one test file the outer runner wants executed, with
// the project it belongs to.
type FileSpec struct {
	Project         string
	Config          any // serialized project configuration, passed through unchanged
	Filepath        string
	TestLocations   []int
	Environment     *protocol.Environment
	ProvidedContext map[string]any
}

// Pool is the session controller: it owns at most one Worker at a time,
// numbers workers monotonically, groups file specs by project, and issues
// the run/collect requests sequentially.
type Pool struct {
	opts     Options
	launcher EditorLauncher
	logf     Logf
	trace    *eventlog.Writer

	nextWorkerID int
	worker       *Worker
}

// New creates a Pool. Environment overrides are folded in and defaults
// applied. When debug is on and an event log path is configured, the
// lifecycle trace is opened alongside.
func New(opts Options, launcher EditorLauncher) (*Pool, error) {
	opts.applyEnv()
	resolved := opts.withDefaults()
	if launcher == nil {
		launcher = ExecLauncher{}
	}

	p := &Pool{opts: resolved, launcher: launcher}
	if resolved.Debug && resolved.EventLogPath != "" {
		trace, err := eventlog.Open(resolved.EventLogPath)
		if err != nil {
			return nil, fmt.Errorf("open event log: %w", err)
		}
		p.trace = trace
	}
	return p, nil
}

// SetLogf injects a debug log sink, mainly for tests.
func (p *Pool) SetLogf(logf Logf) { p.logf = logf }

// CanReuse reports whether the outer runner may keep one worker across
// test files.
func (p *Pool) CanReuse() bool { return p.opts.ReuseWorker }

// Options returns the resolved options.
func (p *Pool) Options() Options { return p.opts }

// Worker returns the current worker, or nil before the first start. The
// outer runner uses it to subscribe to RPC frames.
func (p *Pool) Worker() *Worker { return p.worker }

// StartWorker starts a worker session, reusing the running one when it
// is still ready. This is the runner-facing start().
func (p *Pool) StartWorker(ctx context.Context) (*Worker, error) {
	return p.acquireWorker(ctx)
}

// acquireWorker returns the running worker or starts a fresh one. Worker
// ids are monotonic per pool instance, starting at 1.
func (p *Pool) acquireWorker(ctx context.Context) (*Worker, error) {
	if p.worker != nil && p.worker.State() == StateReady {
		return p.worker, nil
	}
	p.nextWorkerID++
	w := newWorker(p.nextWorkerID, p.opts, p.launcher, p.logf, p.trace)
	if err := w.Start(ctx); err != nil {
		return nil, err
	}
	p.worker = w
	return w, nil
}

// RunTests executes the given files, one sequential request per project
// group. Invalidates names files whose cached modules the worker must
// drop before loading.
func (p *Pool) RunTests(ctx context.Context, specs []FileSpec, invalidates []string) error {
	return p.dispatch(ctx, protocol.ActionRun, specs, invalidates)
}

// CollectTests collects the given files without running them.
func (p *Pool) CollectTests(ctx context.Context, specs []FileSpec) error {
	return p.dispatch(ctx, protocol.ActionCollect, specs, nil)
}

func (p *Pool) dispatch(ctx context.Context, action protocol.Action, specs []FileSpec, invalidates []string) error {
	if len(specs) == 0 {
		return nil
	}

	w, err := p.acquireWorker(ctx)
	if err != nil {
		return err
	}

	// One request per project, in the order each project first appears;
	// the next request goes out only after the previous one is answered.
	for _, group := range groupByProject(specs) {
		sess := buildSession(w.ID, group, invalidates)
		resp, err := w.Call(ctx, action, sess)
		if err != nil {
			return err
		}
		if !resp.Success {
			return fmt.Errorf("%s failed for project %q: %s", action, sess.ProjectName, resp.Error)
		}
	}
	return nil
}

// ForwardCancel relays the runner's cancel reason into the worker.
func (p *Pool) ForwardCancel(reason string) error {
	if p.worker == nil {
		return nil
	}
	return p.worker.ForwardCancel(reason)
}

// Stop tears down the current worker and the event trace. Errors are
// aggregated.
func (p *Pool) Stop(ctx context.Context) error {
	var errs []error
	if p.worker != nil {
		if err := p.worker.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if p.trace != nil {
		if err := p.trace.Close(); err != nil {
			errs = append(errs, err)
		}
		p.trace = nil
	}
	return errors.Join(errs...)
}

// groupByProject splits specs into per-project batches, ordered by the
// first appearance of each project in the input.
func groupByProject(specs []FileSpec) [][]FileSpec {
	var order []string
	byProject := make(map[string][]FileSpec)
	for _, spec := range specs {
		if _, ok := byProject[spec.Project]; !ok {
			order = append(order, spec.Project)
		}
		byProject[spec.Project] = append(byProject[spec.Project], spec)
	}

	groups := make([][]FileSpec, 0, len(order))
	for _, name := range order {
		groups = append(groups, byProject[name])
	}
	return groups
}

// buildSession assembles the serialized session for one project batch.
func buildSession(workerID int, group []FileSpec, invalidates []string) *protocol.SerializedSession {
	first := group[0]

	files := make([]protocol.TestFile, len(group))
	for i, spec := range group {
		locations := spec.TestLocations
		if locations == nil {
			locations = []int{}
		}
		files[i] = protocol.TestFile{Filepath: spec.Filepath, TestLocations: locations}
	}

	env := protocol.Environment{Name: protocol.DefaultEnvironment}
	if first.Environment != nil && first.Environment.Name != "" {
		env = *first.Environment
	}

	providedContext := first.ProvidedContext
	if providedContext == nil {
		providedContext = map[string]any{}
	}

	return &protocol.SerializedSession{
		Pool:            protocol.PoolName,
		WorkerID:        workerID,
		Config:          first.Config,
		ProjectName:     first.Project,
		Files:           files,
		Environment:     env,
		ProvidedContext: providedContext,
		Invalidates:     invalidates,
	}
}
