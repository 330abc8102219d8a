package pool

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Default editor version when neither options nor EDITOR_VERSION pick one.
const DefaultVersion = "stable"

// Options configures a pool session.
type Options struct {
	// Version selects the editor build: "stable", "insiders", or a
	// concrete build tag. Overridable by the EDITOR_VERSION env var.
	Version string `yaml:"version"`

	// ReuseWorker keeps a single worker alive across test files instead
	// of starting one per file. Reported through CanReuse.
	ReuseWorker bool `yaml:"reuseWorker"`

	// EditorExecutablePath points at an editor binary on disk and
	// bypasses download. When set it wins over Version; the version is
	// ignored and a debug line notes the override.
	EditorExecutablePath string `yaml:"editorExecutablePath"`

	// ReuseMachineInstall opens the editor with the user's personal
	// profile instead of an isolated one.
	ReuseMachineInstall bool `yaml:"reuseMachineInstall"`

	// LaunchArgs are appended verbatim to the child command line, after
	// the default arguments. They never replace the defaults.
	LaunchArgs []string `yaml:"launchArgs"`

	// Platform, CachePath, and Timeout are forwarded to the editor
	// launcher collaborator.
	Platform  string        `yaml:"platform"`
	CachePath string        `yaml:"cachePath"`
	Timeout   time.Duration `yaml:"timeout"`

	// TestTimeout is the outer runner's per-test timeout; the control
	// request timeout derives from it when not set explicitly.
	TestTimeout time.Duration `yaml:"testTimeout"`

	// ControlRequestTimeout bounds each control request round trip.
	// Zero derives 80% of TestTimeout.
	ControlRequestTimeout time.Duration `yaml:"controlRequestTimeout"`

	// ShutdownTimeout bounds the shutdown response during Stop.
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`

	// HandshakeTimeout bounds Start from child launch to ready: the wait
	// for the client connection and the wait for its ready message share it.
	HandshakeTimeout time.Duration `yaml:"handshakeTimeout"`

	// Debug mirrors lifecycle events to stderr and enables the event
	// trace. Set by POOL_DEBUG=1.
	Debug bool `yaml:"debug"`

	// EventLogPath locates the SQLite event trace written when Debug is
	// on. Empty disables the trace.
	EventLogPath string `yaml:"eventLogPath"`
}

// withDefaults returns a copy with zero fields filled in.
func (o *Options) withDefaults() Options {
	out := *o
	if out.Version == "" {
		out.Version = DefaultVersion
	}
	if out.TestTimeout == 0 {
		out.TestTimeout = 60 * time.Second
	}
	if out.ControlRequestTimeout == 0 {
		out.ControlRequestTimeout = out.TestTimeout * 8 / 10
	}
	if out.ShutdownTimeout == 0 {
		out.ShutdownTimeout = 5 * time.Second
	}
	if out.HandshakeTimeout == 0 {
		out.HandshakeTimeout = 15 * time.Second
	}
	return out
}

// applyEnv folds environment overrides into the options.
func (o *Options) applyEnv() {
	if v := os.Getenv("EDITOR_VERSION"); v != "" {
		o.Version = v
	}
	if os.Getenv("POOL_DEBUG") == "1" {
		o.Debug = true
	}
}

// LoadOptions reads options from a YAML file. A missing file yields zero
// options, not an error; the caller layers defaults and env on top.
func LoadOptions(path string) (*Options, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &Options{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read options %s: %w", path, err)
	}
	var opts Options
	if err := yaml.Unmarshal(raw, &opts); err != nil {
		return nil, fmt.Errorf("parse options %s: %w", path, err)
	}
	return &opts, nil
}
