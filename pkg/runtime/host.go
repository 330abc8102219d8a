package runtime

import (
	"context"

	"extpool/pkg/protocol"
)

// NopHost is a probe host: it accepts every run/collect request without
// executing anything. The `extpool worker` command uses it for
// connectivity diagnostics against a live pool.
type NopHost struct{}

// Setup satisfies Host with no state.
func (NopHost) Setup(context.Context, *Port) (func(context.Context) error, error) {
	return nil, nil
}

// RunTests accepts the batch without running it.
func (NopHost) RunTests(context.Context, *protocol.SerializedSession) error { return nil }

// CollectTests accepts the batch without collecting it.
func (NopHost) CollectTests(context.Context, *protocol.SerializedSession) error { return nil }
