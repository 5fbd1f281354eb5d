package actor

import (
	"errors"
	"fmt"
	"time"

	"github.com/berfenger/powerbus2mqtt/internal/config"
	"github.com/berfenger/powerbus2mqtt/internal/core/domain"
	"github.com/berfenger/powerbus2mqtt/internal/core/port"
	"github.com/berfenger/powerbus2mqtt/internal/util/actorutil"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/eventstream"
	"go.uber.org/zap"
)

type HADiscoveryActor struct {
	config           *config.Config
	behavior         actor.Behavior
	stash            *actorutil.Stash
	busActor         *actor.PID
	mqttActor        *actor.PID
	modules          port.ModuleDirectory
	eventStream      *eventstream.EventStream
	subscription     *eventstream.Subscription
	busActorHealthy  bool
	mqttActorHealthy bool
	healthyRecv      int

	logger *zap.Logger
}

type modulesChanged struct {
}

func NewHADiscoveryActor(config *config.Config, busActor *actor.PID, mqttActor *actor.PID, modules port.ModuleDirectory,
	eventStream *eventstream.EventStream, logger *zap.Logger) *HADiscoveryActor {
	act := &HADiscoveryActor{
		config:      config,
		busActor:    busActor,
		mqttActor:   mqttActor,
		modules:     modules,
		eventStream: eventStream,
		behavior:    actor.NewBehavior(),
		stash:       &actorutil.Stash{},
		logger:      actorutil.ActorLogger(domain.ACTOR_ID_HA_DISCOVERY, logger),
	}
	act.behavior.Become(act.StartingReceive)
	return act
}

func (state *HADiscoveryActor) Receive(context actor.Context) {
	state.behavior.Receive(context)
}

func (state *HADiscoveryActor) StartingReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.Started:
		state.logger.Debug("hadiscovery@starting started")

		// Check Bus and MQTT actor healthy
		state.healthyRecv = 0
		state.busActorHealthy = false
		state.mqttActorHealthy = false
		// Bus Actor Request
		actorutil.PipeToSelfWithRecover(ctx, ctx.RequestFuture(state.busActor, domain.ActorHealthRequest{}, 2*time.Second), func(err error) any {
			return domain.ActorHealthResponse{
				Id:      domain.ACTOR_ID_BUS,
				Healthy: false,
			}
		})
		// MQTT Actor Request
		actorutil.PipeToSelfWithRecover(ctx, ctx.RequestFuture(state.mqttActor, domain.ActorHealthRequest{}, 2*time.Second), func(err error) any {
			return domain.ActorHealthResponse{
				Id:      domain.ACTOR_ID_MQTT,
				Healthy: false,
			}
		})
		state.behavior.Become(state.WaitingHealthyReceive)
	case *actor.Restarting:
		state.unsubscribe()
	default:
		state.logger.Debug("hadiscovery@starting: stash", zap.String("type", fmt.Sprintf("%T", msg)))
		state.stash.Stash(ctx, msg)
	}
}

func (state *HADiscoveryActor) WaitingHealthyReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case domain.ActorHealthResponse:
		state.logger.Debug("hadiscovery@healthcheck ActorHealthResponse", zap.String("sender", msg.Id), zap.Bool("healthy", msg.Healthy))
		state.healthyRecv++
		if msg.Healthy {
			switch msg.Id {
			case domain.ACTOR_ID_BUS:
				state.busActorHealthy = true
			case domain.ACTOR_ID_MQTT:
				state.mqttActorHealthy = true
			}
		}
		if state.healthyRecv == 2 {

			if state.busActorHealthy && state.mqttActorHealthy {
				state.publishDiscovery(ctx)
				state.subscribeModuleChanges(ctx)
				state.behavior.Become(state.PublishedReceive)
				state.stash.UnstashAll(ctx)
			} else {
				panic(errors.New("MQTT Actor or Bus Actor are not healthy"))
			}
		}
	case *actor.Restarting:
		state.unsubscribe()
	default:
		state.logger.Debug("hadiscovery@healthcheck: stash", zap.String("type", fmt.Sprintf("%T", msg)))
		state.stash.Stash(ctx, msg)
	}
}

// PublishedReceive announces the entities again whenever an address mode
// session ends, as it may have registered new modules.
func (state *HADiscoveryActor) PublishedReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case modulesChanged:
		state.logger.Info("hadiscovery@published modules changed, publishing discovery")
		state.publishDiscovery(ctx)
	case *actor.Restarting:
		state.unsubscribe()
	case *actor.Stopping:
		state.unsubscribe()
	default:
		state.logger.Debug("hadiscovery@published: default recv", zap.String("type", fmt.Sprintf("%T", msg)))
	}
}

func (state *HADiscoveryActor) publishDiscovery(ctx actor.Context) {
	var sensors []domain.GenericSensor

	bridgeDevice := domain.BridgeDevice(state.config.MQTT.BaseTopic)
	sensors = append(sensors, domain.BridgeSensors(bridgeDevice)...)

	for _, module := range state.modules.Modules() {
		moduleDevice := domain.ModuleDevice(bridgeDevice, module)
		sensors = append(sensors, domain.ModuleSensors(moduleDevice, module)...)
	}

	for _, shutter := range state.config.Shutters {
		names := make([]string, 0, len(shutter.Outputs))
		for i, output := range shutter.Outputs {
			name := output.Name
			if name == "" {
				name = fmt.Sprintf("Shutter %d", i+1)
			}
			names = append(names, name)
		}
		shutterDevice := domain.ShutterDevice(bridgeDevice, shutter.Address)
		sensors = append(sensors, domain.ShutterSensors(shutterDevice, shutter.Address, names)...)
	}

	state.logger.Debug("hadiscovery: publishing", zap.Int("sensors", len(sensors)))
	ctx.Send(state.mqttActor, domain.PublishDiscoveryRequest{
		Sensors:  sensors,
		Switches: domain.BridgeSwitches(bridgeDevice),
		Buttons:  domain.BridgeButtons(bridgeDevice),
	})
}

func (state *HADiscoveryActor) subscribeModuleChanges(ctx actor.Context) {
	if state.eventStream == nil || state.subscription != nil {
		return
	}
	root := ctx.ActorSystem().Root
	self := ctx.Self()
	state.subscription = state.eventStream.Subscribe(func(evt any) {
		if ev, ok := evt.(domain.AddressModeChangedEvent); ok && !ev.Active {
			root.Send(self, modulesChanged{})
		}
	})
}

func (state *HADiscoveryActor) unsubscribe() {
	if state.subscription != nil {
		state.eventStream.Unsubscribe(state.subscription)
		state.subscription = nil
	}
}
