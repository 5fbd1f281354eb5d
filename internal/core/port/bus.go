package port

import (
	"context"

	"github.com/berfenger/powerbus2mqtt/internal/core/domain"
	"github.com/berfenger/powerbus2mqtt/pkg/powerbus"
)

// BusExecutor runs one command against a module and returns its decoded reply.
type BusExecutor interface {
	Execute(ctx context.Context, address byte, cmd *powerbus.Command, args ...any) (powerbus.Values, error)
}

type ModuleDirectory interface {
	Modules() []domain.PowerModule
	Module(address byte) (domain.PowerModule, error)
}

var _ BusExecutor = (*powerbus.Communicator)(nil)
