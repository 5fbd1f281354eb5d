package actor

import (
	"fmt"
	"time"

	"github.com/berfenger/powerbus2mqtt/internal/config"
	"github.com/berfenger/powerbus2mqtt/internal/core/domain"
	"github.com/berfenger/powerbus2mqtt/internal/core/events"
	"github.com/berfenger/powerbus2mqtt/internal/core/service"
	. "github.com/berfenger/powerbus2mqtt/internal/util/actorutil"
	"github.com/berfenger/powerbus2mqtt/pkg/powerbus"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/eventstream"
	"go.uber.org/zap"
)

const (
	SHUTTER_READ_TIMEOUT = 20 * time.Second
)

// ShutterActor tracks the shutter modules. It reads their outputs once and
// then follows the status frames they push on every change.
type ShutterActor struct {
	ActorWithStates
	stash        *Stash
	busActor     *actor.PID
	eventStream  *eventstream.EventStream
	subscription *eventstream.Subscription
	status       *service.ShutterStatus

	logger *zap.Logger
}

type busReconnected struct {
}

func NewShutterActor(config *config.Config, busActor *actor.PID, eventStream *eventstream.EventStream, logger *zap.Logger) *ShutterActor {
	act := &ShutterActor{
		busActor:    busActor,
		stash:       &Stash{},
		eventStream: eventStream,
		status:      service.NewShutterStatus(ShutterModuleConfigs(config.Shutters), nil),
		logger:      ActorLogger(domain.ACTOR_ID_SHUTTER, logger),
		ActorWithStates: ActorWithStates{
			Behavior: actor.NewBehavior(),
		},
	}
	act.Become(SHRegisteringState{
		actor: act,
	})
	return act
}

func (state *ShutterActor) Receive(context actor.Context) {
	state.Behavior.Receive(context)
}

// ShutterModuleConfigs converts the configured wiring. Missing outputs keep
// a zero config.
func ShutterModuleConfigs(shutters []config.ShutterConfig) []service.ShutterModuleConfig {
	configs := make([]service.ShutterModuleConfig, 0, len(shutters))
	for _, s := range shutters {
		cfg := service.ShutterModuleConfig{Address: s.Address}
		for i, o := range s.Outputs {
			if i >= service.SHUTTER_OUTPUTS {
				break
			}
			cfg.Outputs[i] = service.ShutterOutputConfig{
				UpDownConfig: o.UpDownConfig,
				TimerUp:      time.Duration(o.TimerUpSeconds) * time.Second,
				TimerDown:    time.Duration(o.TimerDownSeconds) * time.Second,
			}
		}
		configs = append(configs, cfg)
	}
	return configs
}

// Registering state

type SHRegisteringState struct {
	ActorState
	actor *ShutterActor
}

func (state SHRegisteringState) Name() string {
	return "registering"
}

func (state SHRegisteringState) Receive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.Started:
		state.actor.logger.Debug("shutter@registering started")
		state.actor.subscribeBusConnected(ctx)
		state.OnEnter(ctx)
	case domain.RegisterFrameConsumerResponse:
		if msg.HasResponseError() {
			state.actor.logger.Error("shutter@registering RegisterFrameConsumerResponse error", zap.Error(msg.GetResponseError()))
			panic(msg.GetResponseError())
		}
		state.actor.logger.Debug("shutter@registering registered")
		for _, address := range state.actor.status.Modules() {
			state.actor.readStatus(ctx, address)
		}
		state.actor.Become(SHTrackingState{
			actor: state.actor,
		})
		state.actor.stash.UnstashAll(ctx)
	case busReconnected:
		// already registering
	case *actor.Restarting:
		state.actor.unsubscribe()
	case *actor.Stopping:
		state.actor.unsubscribe()
	default:
		state.actor.logger.Debug("shutter@registering: stash", zap.String("type", fmt.Sprintf("%T", msg)))
		state.actor.stash.Stash(ctx, msg)
	}
}

func (state SHRegisteringState) OnEnter(ctx actor.Context) SHRegisteringState {
	PipeToSelfWithRecover(ctx, ctx.RequestFuture(state.actor.busActor, domain.RegisterFrameConsumerRequest{
		Match:  powerbus.MatchOpcode(powerbus.GetShutterStatus.Opcode),
		Target: ctx.Self(),
	}, 5*time.Second), func(err error) any {
		return domain.RegisterFrameConsumerResponse{
			ActorResponseMixIn: domain.ActorResponseMixIn{
				ResponseError: err,
			},
		}
	})
	return state
}

// Tracking state

type SHTrackingState struct {
	ActorState
	actor *ShutterActor
}

func (state SHTrackingState) Name() string {
	return "tracking"
}

func (state SHTrackingState) Receive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case domain.ActorHealthRequest:
		state.actor.logger.Debug("shutter@tracking: ActorHealthRequest")
		ctx.Respond(domain.ActorHealthResponse{
			Id:      domain.ACTOR_ID_SHUTTER,
			Healthy: true,
			State:   state.Name(),
		})
	case domain.BusFrameEvent:
		if len(msg.Frame.Payload) < 1 {
			state.actor.logger.Warn("shutter@tracking empty status frame", zap.Uint8("address", msg.Frame.Address))
			return
		}
		changes, err := state.actor.status.HandleUpdate(msg.Frame.Address, msg.Frame.Payload[0])
		if err != nil {
			state.actor.logger.Debug("shutter@tracking ignoring status", zap.Error(err))
			return
		}
		state.actor.publish(changes)
	case busReconnected:
		// consumers are gone with the previous connection
		state.actor.logger.Info("shutter@tracking bus reconnected, registering again")
		state.actor.Become(SHRegisteringState{
			actor: state.actor,
		}.OnEnter(ctx))
	case *actor.Restarting:
		state.actor.unsubscribe()
	case *actor.Stopping:
		state.actor.unsubscribe()
	default:
		state.actor.logger.Debug("shutter@tracking: recv", zap.String("type", fmt.Sprintf("%T", msg)))
	}
}

// readStatus asks a module for its outputs and initializes its state from
// the answer. A failed read leaves the module to the first pushed frame.
func (state *ShutterActor) readStatus(ctx actor.Context, address uint8) {
	future := ctx.RequestFuture(state.busActor, domain.ExecuteCommandRequest{
		Address: address,
		Command: powerbus.GetShutterStatus,
	}, SHUTTER_READ_TIMEOUT)
	ctx.ReenterAfter(future, func(res any, err error) {
		if err == nil {
			resp, ok := res.(domain.ExecuteCommandResponse)
			if !ok {
				err = fmt.Errorf("unexpected response %T", res)
			} else if resp.HasResponseError() {
				err = resp.GetResponseError()
			} else {
				var raw uint8
				raw, err = resp.Values.Uint8("status")
				if err == nil {
					var changes []domain.ShutterChange
					changes, err = state.status.Init(address, raw)
					state.publish(changes)
				}
			}
		}
		if err != nil {
			state.logger.Warn("shutter: initial status read failed", zap.Uint8("address", address), zap.Error(err))
		}
	})
}

func (state *ShutterActor) publish(changes []domain.ShutterChange) {
	for _, ev := range events.ShutterChangesToUpdateEvents(changes) {
		state.eventStream.Publish(ev)
	}
}

func (state *ShutterActor) subscribeBusConnected(ctx actor.Context) {
	if state.subscription != nil {
		return
	}
	root := ctx.ActorSystem().Root
	self := ctx.Self()
	state.subscription = state.eventStream.Subscribe(func(evt any) {
		if _, ok := evt.(domain.BusConnectedEvent); ok {
			root.Send(self, busReconnected{})
		}
	})
}

func (state *ShutterActor) unsubscribe() {
	if state.subscription != nil {
		state.eventStream.Unsubscribe(state.subscription)
		state.subscription = nil
	}
}
