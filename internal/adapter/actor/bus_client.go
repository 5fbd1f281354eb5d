package actor

import (
	"context"
	"fmt"
	"time"

	"github.com/berfenger/powerbus2mqtt/internal/core/domain"
	"github.com/berfenger/powerbus2mqtt/internal/core/port"
	"github.com/berfenger/powerbus2mqtt/pkg/powerbus"

	"github.com/asynkron/protoactor-go/actor"
)

// BusClient runs bus commands through the bus actor from code outside the
// actor system, such as scheduled jobs.
type BusClient struct {
	root    *actor.RootContext
	bus     *actor.PID
	timeout time.Duration
}

var _ port.BusExecutor = (*BusClient)(nil)

func NewBusClient(root *actor.RootContext, bus *actor.PID, timeout time.Duration) *BusClient {
	return &BusClient{root: root, bus: bus, timeout: timeout}
}

func (c *BusClient) Execute(ctx context.Context, address byte, cmd *powerbus.Command, args ...any) (powerbus.Values, error) {
	timeout := c.timeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = min(timeout, time.Until(deadline))
	}
	if timeout <= 0 {
		return nil, fmt.Errorf("%w: %v", powerbus.ErrCommunicationTimedOut, ctx.Err())
	}
	result, err := c.root.RequestFuture(c.bus, domain.ExecuteCommandRequest{
		Address: address,
		Command: cmd,
		Args:    args,
	}, timeout).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", powerbus.ErrCommunicationTimedOut, err)
	}
	resp, ok := result.(domain.ExecuteCommandResponse)
	if !ok {
		return nil, fmt.Errorf("unexpected bus response %T", result)
	}
	if resp.HasResponseError() {
		return nil, resp.GetResponseError()
	}
	return resp.Values, nil
}
