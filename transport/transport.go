// Package transport defines the delivery contract the orchestrator hands
// validated task requests to, plus a token-bucket rate-limiting decorator.
// The package carries no network code; concrete transports are injected by
// the host application.
package transport

import (
	"context"

	"github.com/openclaw/swarmgrid/types"
)

// Transport delivers a task request to a target agent. Any returned error
// is treated by the orchestrator as a hard dispatch failure.
type Transport interface {
	Send(ctx context.Context, target string, request *types.TaskRequest) error
}

// Func adapts a plain function to the Transport interface.
type Func func(ctx context.Context, target string, request *types.TaskRequest) error

// Send implements Transport.
func (f Func) Send(ctx context.Context, target string, request *types.TaskRequest) error {
	return f(ctx, target, request)
}
