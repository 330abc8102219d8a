// Package protocol defines the wire protocol between the pool controller
// and the in-editor worker runtime: the multiplexed envelope codec, the
// control request/response messages, and the serialized session a worker
// needs to execute one test batch.
//
// Frames are utf-8 text produced by the flat reference-tree serializer, so
// payloads with shared references and cycles survive the trip.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Action is a control-channel lifecycle verb.
type Action string

// Control actions.
const (
	ActionReady    Action = "ready"
	ActionReadyAck Action = "ready_ack"
	ActionRun      Action = "run"
	ActionCollect  Action = "collect"
	ActionShutdown Action = "shutdown"
)

// PoolName identifies this pool in serialized sessions.
const PoolName = "vscode"

// TransportAddrEnv carries the pool's loopback endpoint to the child.
const TransportAddrEnv = "CHILD_TRANSPORT_ADDR"

// DebugEnv asks both sides to mirror lifecycle events to stderr.
const DebugEnv = "POOL_DEBUG"

// DefaultEnvironment is used when a project declares no test environment.
const DefaultEnvironment = "node"

// ControlRequest is a control-channel message in the request direction.
// Ctx is required for run/collect and forbidden for every other action.
type ControlRequest struct {
	ID     string             `json:"id"`
	Action Action             `json:"action"`
	Ctx    *SerializedSession `json:"ctx,omitempty"`
}

// Validate checks the structural invariants of a control request.
func (r *ControlRequest) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("control request has empty id")
	}
	switch r.Action {
	case ActionRun, ActionCollect:
		if r.Ctx == nil {
			return fmt.Errorf("%s request %s is missing ctx", r.Action, r.ID)
		}
	case ActionReady, ActionReadyAck, ActionShutdown:
		if r.Ctx != nil {
			return fmt.Errorf("%s request %s must not carry ctx", r.Action, r.ID)
		}
	default:
		return fmt.Errorf("unknown control action %q", r.Action)
	}
	return nil
}

// ControlResponse is a control-channel message in the reply direction. It
// echoes the id of the request it answers.
type ControlResponse struct {
	ID      string `json:"id"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// SerializedSession carries everything the in-editor runtime needs to
// execute one batch of test files.
type SerializedSession struct {
	Pool            string         `json:"pool"`
	WorkerID        int            `json:"workerId"`
	Config          any            `json:"config"`
	ProjectName     string         `json:"projectName"`
	Files           []TestFile     `json:"files"`
	Environment     Environment    `json:"environment"`
	ProvidedContext map[string]any `json:"providedContext"`
	Invalidates     []string       `json:"invalidates,omitempty"`
}

// TestFile is one test module to load, with the line numbers of the tests
// to run (empty means all).
type TestFile struct {
	Filepath      string `json:"filepath"`
	TestLocations []int  `json:"testLocations"`
}

// Environment names the test environment a project declared.
type Environment struct {
	Name    string `json:"name"`
	Options any    `json:"options"`
}

// IsControlRequest reports whether a decoded control payload is shaped
// like a request: a non-empty id plus an action.
func IsControlRequest(payload any) bool {
	obj, ok := payload.(map[string]any)
	if !ok {
		return false
	}
	id, ok := obj["id"].(string)
	if !ok || id == "" {
		return false
	}
	_, ok = obj["action"].(string)
	return ok
}

// IsControlResponse reports whether a decoded control payload is shaped
// like a response: a non-empty id plus a boolean success.
func IsControlResponse(payload any) bool {
	obj, ok := payload.(map[string]any)
	if !ok {
		return false
	}
	id, ok := obj["id"].(string)
	if !ok || id == "" {
		return false
	}
	_, ok = obj["success"].(bool)
	return ok
}

// ControlRequestFromPayload converts a decoded control payload into a
// typed request. Control payloads are acyclic, so the JSON shape is
// authoritative.
func ControlRequestFromPayload(payload any) (*ControlRequest, error) {
	var req ControlRequest
	if err := rebind(payload, &req); err != nil {
		return nil, fmt.Errorf("decode control request: %w", err)
	}
	return &req, nil
}

// ControlResponseFromPayload converts a decoded control payload into a
// typed response.
func ControlResponseFromPayload(payload any) (*ControlResponse, error) {
	var resp ControlResponse
	if err := rebind(payload, &resp); err != nil {
		return nil, fmt.Errorf("decode control response: %w", err)
	}
	return &resp, nil
}

func rebind(payload, out any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

// CancelFrame builds the RPC-channel payload that forwards the runner's
// cancel method into the worker. The outer runner owns the method name;
// the pool only relays it.
func CancelFrame(reason string) map[string]any {
	return map[string]any{
		"t": "q",
		"m": "onCancel",
		"a": []any{reason},
	}
}
