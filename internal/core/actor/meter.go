package actor

import (
	"errors"
	"fmt"
	"time"

	"github.com/berfenger/powerbus2mqtt/internal/config"
	"github.com/berfenger/powerbus2mqtt/internal/core/domain"
	"github.com/berfenger/powerbus2mqtt/internal/core/events"
	"github.com/berfenger/powerbus2mqtt/internal/core/port"
	. "github.com/berfenger/powerbus2mqtt/internal/util/actorutil"
	"github.com/berfenger/powerbus2mqtt/pkg/powerbus"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/eventstream"
	"github.com/asynkron/protoactor-go/scheduler"
	"go.uber.org/zap"
)

// MeterActor polls the electrical values of every registered module and
// publishes them on the event stream, along with the bus counters.
type MeterActor struct {
	behavior  actor.Behavior
	stash     *Stash
	scheduler *scheduler.TimerScheduler
	cancel    scheduler.CancelFunc

	busActor    *actor.PID
	modules     port.ModuleDirectory
	config      *config.Config
	eventStream *eventstream.EventStream
	pending     int

	logger *zap.Logger
}

type meterTick struct {
}

func NewMeterActor(config *config.Config, busActor *actor.PID, modules port.ModuleDirectory, eventStream *eventstream.EventStream, logger *zap.Logger) *MeterActor {
	act := &MeterActor{
		config:      config,
		busActor:    busActor,
		modules:     modules,
		behavior:    actor.NewBehavior(),
		stash:       &Stash{},
		logger:      ActorLogger(domain.ACTOR_ID_METER, logger),
		eventStream: eventStream,
	}
	act.behavior.Become(act.StartingReceive)
	return act
}

func (state *MeterActor) Receive(context actor.Context) {
	state.behavior.Receive(context)
}

func (state *MeterActor) StartingReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.Started:
		state.logger.Debug("meter@starting started")
		state.scheduler = scheduler.NewTimerScheduler(ctx)
		state.scheduleTick(ctx)
		state.behavior.Become(state.DefaultReceive)
		state.stash.UnstashAll(ctx)
	case *actor.Restarting:
	default:
		state.logger.Debug("meter@starting: stash", zap.String("type", fmt.Sprintf("%T", msg)))
		state.stash.Stash(ctx, msg)
	}
}

func (state *MeterActor) DefaultReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case domain.ActorHealthRequest:
		state.logger.Debug("meter@default: ActorHealthRequest")
		ctx.Respond(domain.ActorHealthResponse{
			Id:      domain.ACTOR_ID_METER,
			Healthy: true,
			State:   "idle",
		})
	case meterTick:
		state.logger.Debug("meter@default tick")
		modules := state.modules.Modules()
		// the bus actor runs one request at a time, later modules wait for
		// the earlier ones
		for i, module := range modules {
			address := module.Address
			PipeToSelfWithRecover(ctx, ctx.RequestFuture(state.busActor, domain.ReadModuleRequest{Module: module}, state.readTimeout(i+1)), func(err error) any {
				return domain.ReadModuleResponse{
					ActorResponseMixIn: domain.ActorResponseMixIn{
						ResponseError: fmt.Errorf("module %d: %w", address, err),
					},
				}
			})
		}
		PipeToSelfWithRecover(ctx, ctx.RequestFuture(state.busActor, domain.GetBusHealthRequest{}, 2*time.Second), func(err error) any {
			return domain.GetBusHealthResponse{
				ActorResponseMixIn: domain.ActorResponseMixIn{
					ResponseError: err,
				},
			}
		})
		state.pending = len(modules) + 1
		state.behavior.BecomeStacked(state.WaitingReadingsReceive)
	case *actor.Stopping:
		state.cancelTick()
	default:
		state.logger.Debug("meter@default: stash", zap.String("type", fmt.Sprintf("%T", msg)))
		state.stash.Stash(ctx, msg)
	}
}

func (state *MeterActor) WaitingReadingsReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case domain.ActorHealthRequest:
		ctx.Respond(domain.ActorHealthResponse{
			Id:      domain.ACTOR_ID_METER,
			Healthy: true,
			State:   "polling",
		})
	case domain.ReadModuleResponse:
		if msg.HasResponseError() {
			if errors.Is(msg.GetResponseError(), powerbus.ErrInAddressMode) {
				state.logger.Debug("meter@waiting skipped read, bus in address mode")
			} else {
				state.logger.Warn("meter@waiting ReadModuleResponse error", zap.Error(msg.GetResponseError()))
			}
		} else if msg.Reading != nil {
			state.logger.Debug("meter@waiting ReadModuleResponse", zap.Uint8("address", msg.Reading.Address))
			for _, ev := range events.ModuleReadingToUpdateEvents(msg.Reading) {
				state.eventStream.Publish(ev)
			}
			state.eventStream.Publish(msg.Reading)
		}
		state.received(ctx)
	case domain.GetBusHealthResponse:
		if msg.HasResponseError() {
			state.logger.Error("meter@waiting GetBusHealthResponse error", zap.Error(msg.GetResponseError()))
		} else {
			for _, ev := range events.BusHealthToUpdateEvents(msg.Health) {
				state.eventStream.Publish(ev)
			}
		}
		state.received(ctx)
	case *actor.Stopping:
		state.cancelTick()
	default:
		state.logger.Debug("meter@waiting: stash", zap.String("type", fmt.Sprintf("%T", msg)))
		state.stash.Stash(ctx, msg)
	}
}

// received counts one answer of the current round. The next tick is only
// scheduled once every answer is in.
func (state *MeterActor) received(ctx actor.Context) {
	state.pending--
	if state.pending > 0 {
		return
	}
	state.scheduleTick(ctx)
	state.behavior.UnbecomeStacked()
	state.stash.UnstashAll(ctx)
}

func (state *MeterActor) scheduleTick(ctx actor.Context) {
	if state.config.MonitorConfig.PollIntervalMillis == 0 {
		return
	}
	state.cancel = state.scheduler.RequestOnce(time.Duration(state.config.MonitorConfig.PollIntervalMillis)*time.Millisecond, ctx.Self(), meterTick{})
}

func (state *MeterActor) cancelTick() {
	if state.cancel != nil {
		state.cancel()
		state.cancel = nil
	}
}

// readTimeout bounds the wait for the n-th module read of a round. A read is
// four bus commands, each with its retries.
func (state *MeterActor) readTimeout(n int) time.Duration {
	commandTimeout := state.config.Bus.CommandTimeout()
	if commandTimeout <= 0 {
		commandTimeout = powerbus.DEFAULT_COMMAND_TIMEOUT
	}
	attempts := max(state.config.Bus.RetryAttempts, 1)
	perRead := 4*time.Duration(attempts)*(commandTimeout+time.Second) + 2*time.Second
	return time.Duration(n) * perRead
}
