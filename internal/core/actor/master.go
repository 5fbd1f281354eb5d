package actor

import (
	"errors"
	"fmt"
	"log"
	"time"

	adactor "github.com/berfenger/powerbus2mqtt/internal/adapter/actor"
	"github.com/berfenger/powerbus2mqtt/internal/config"
	"github.com/berfenger/powerbus2mqtt/internal/core/domain"
	"github.com/berfenger/powerbus2mqtt/internal/core/port"
	. "github.com/berfenger/powerbus2mqtt/internal/util/actorutil"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/eventstream"
	"go.uber.org/zap"
)

type MQTTActorProvider func(*eventstream.EventStream) *adactor.MQTTActor

type BusActorProvider func(*eventstream.EventStream) *adactor.BusActor

type MasterOfPuppetsActor struct {
	config   config.Config
	behavior actor.Behavior
	stash    *Stash

	currentHealthCheck healthCheckResult
	eventStream        *eventstream.EventStream
	modules            port.ModuleDirectory
	busActor           *actor.PID
	mqttActor          *actor.PID
	meterActor         *actor.PID
	shutterActor       *actor.PID
	timeKeeperActor    *actor.PID
	busActorProvider   BusActorProvider
	mqttActorProvider  MQTTActorProvider
	logger             *zap.Logger
}

type healthCheckResult struct {
	busActorHealthy   bool
	mqttActorHealthy  bool
	meterActorHealthy bool
	checksReceived    int
	respondTo         *actor.PID
}

func NewMasterOfPuppetsActor(config config.Config, modules port.ModuleDirectory, busActorProvider BusActorProvider, mqttActorProvider MQTTActorProvider, logger *zap.Logger) *MasterOfPuppetsActor {
	act := &MasterOfPuppetsActor{
		config:            config,
		modules:           modules,
		behavior:          actor.NewBehavior(),
		stash:             &Stash{},
		logger:            ActorLogger(domain.ACTOR_ID_MASTER, logger),
		eventStream:       &eventstream.EventStream{},
		busActorProvider:  busActorProvider,
		mqttActorProvider: mqttActorProvider,
	}
	act.behavior.Become(act.StartingReceive)
	return act
}

func (state *MasterOfPuppetsActor) Receive(context actor.Context) {
	state.behavior.Receive(context)
}

func (state *MasterOfPuppetsActor) StartingReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.Started:
		state.logger.Debug("master@starting started")

		state.currentHealthCheck = healthCheckResult{}
		state.currentHealthCheck.reset()

		// start Bus child
		busActorPID, err := state.startBusActor(ctx)
		if err != nil {
			panic(err)
		}
		state.busActor = busActorPID

		// start MQTT child
		mqttActorPID, err := state.startMQTTActor(ctx)
		if err != nil {
			panic(err)
		}
		state.mqttActor = mqttActorPID

		// start Meter child
		meterActorPID, err := state.startWorker(ctx, domain.ACTOR_ID_METER, func() actor.Actor {
			return NewMeterActor(&state.config, state.busActor, state.modules, state.eventStream, state.logger)
		})
		if err != nil {
			panic(err)
		}
		state.meterActor = meterActorPID

		// start Shutter child
		if len(state.config.Shutters) > 0 {
			shutterActorPID, err := state.startWorker(ctx, domain.ACTOR_ID_SHUTTER, func() actor.Actor {
				return NewShutterActor(&state.config, state.busActor, state.eventStream, state.logger)
			})
			if err != nil {
				panic(err)
			}
			state.shutterActor = shutterActorPID
		}

		// start TimeKeeper child
		if state.config.TimeKeeperConfig.Enable {
			timeKeeperActorPID, err := state.startWorker(ctx, domain.ACTOR_ID_TIME_KEEPER, func() actor.Actor {
				return NewTimeKeeperActor(&state.config, state.busActor, state.modules, state.logger)
			})
			if err != nil {
				panic(err)
			}
			state.timeKeeperActor = timeKeeperActorPID
		}

		// start Modbus export
		if state.config.ModbusExport.Enable {
			_, err := state.startWorker(ctx, adactor.ACTOR_ID_MODBUS_EXPORT, func() actor.Actor {
				return adactor.NewModbusExportActor(state.config.ModbusExport, state.eventStream, state.logger)
			})
			if err != nil {
				panic(err)
			}
		}

		// start HA Discovery
		if state.config.MQTT.HADiscoveryEnable {
			_, err := state.startWorker(ctx, domain.ACTOR_ID_HA_DISCOVERY, func() actor.Actor {
				return NewHADiscoveryActor(&state.config, state.busActor, state.mqttActor, state.modules, state.eventStream, state.logger)
			})
			if err != nil {
				panic(err)
			}
		}

		state.behavior.Become(state.DefaultReceive)
		state.stash.UnstashAll(ctx)
	default:
		state.logger.Debug("master@starting stash", zap.String("type", fmt.Sprintf("%T", msg)))
		state.stash.Stash(ctx, msg)
	}
}

func (state *MasterOfPuppetsActor) DefaultReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case domain.ActorHealthRequest:
		state.logger.Debug("master@default ActorHealthRequest")
		state.currentHealthCheck.reset()
		state.currentHealthCheck.respondTo = ctx.Sender()
		// Bus Actor Request
		PipeToSelfWithRecover(ctx, ctx.RequestFuture(state.busActor, domain.ActorHealthRequest{}, 500*time.Millisecond), func(err error) any {
			return domain.ActorHealthResponse{
				Id:      domain.ACTOR_ID_BUS,
				Healthy: false,
			}
		})
		// MQTT Actor Request
		PipeToSelfWithRecover(ctx, ctx.RequestFuture(state.mqttActor, domain.ActorHealthRequest{}, 500*time.Millisecond), func(err error) any {
			return domain.ActorHealthResponse{
				Id:      domain.ACTOR_ID_MQTT,
				Healthy: false,
			}
		})
		// Meter Actor Request
		PipeToSelfWithRecover(ctx, ctx.RequestFuture(state.meterActor, domain.ActorHealthRequest{}, 500*time.Millisecond), func(err error) any {
			return domain.ActorHealthResponse{
				Id:      domain.ACTOR_ID_METER,
				Healthy: false,
			}
		})

		ctx.SetReceiveTimeout(1 * time.Second)

		state.behavior.BecomeStacked(state.HealthCheckReceive)
	case domain.BusRequest:
		// the bus actor answers the original sender
		state.logger.Debug("master@default bus request", zap.String("type", fmt.Sprintf("%T", msg)))
		ctx.Forward(state.busActor)
	case adactor.ParsedCommand:
		// redirect parsedCommand to actor
		state.logger.Debug("master@default parsedCommand", zap.Any("command", msg.Command))
		if msg.Command != nil {
			cmd, err := ParsedMQTTCommandToCommand(*msg.Command)
			if err != nil {
				state.logger.Warn("master@default invalid command", zap.Error(err))
				return
			}
			switch pcmd := cmd.(type) {
			case domain.AddressModeSwitchCommand:
				if pcmd.Enable {
					ctx.Request(state.busActor, domain.StartAddressModeRequest{})
				} else {
					ctx.Request(state.busActor, domain.StopAddressModeRequest{})
				}
			case domain.SyncDayNightCommand:
				if state.timeKeeperActor != nil {
					ctx.Send(state.timeKeeperActor, pcmd)
				} else {
					state.logger.Warn("master@default day/night resync requested, time keeper disabled")
				}
			}
		}
	case domain.AddressModeResponse:
		if msg.HasResponseError() {
			state.logger.Error("master@default address mode command failed", zap.Error(msg.GetResponseError()))
		} else {
			state.logger.Info("master@default address mode", zap.Bool("active", msg.Active))
		}
	case *actor.Terminated:
		// if the bus fails beyond its supervisor, terminate
		if msg.Who.Id == fmt.Sprintf("%s/%s", ctx.Self().Id, domain.ACTOR_ID_BUS) {
			state.logger.Error("master@default bus error")
			panic(errors.New("bus terminated"))
		}
	default:
		state.logger.Debug("master@default stash", zap.String("type", fmt.Sprintf("%T", msg)))
		state.stash.Stash(ctx, msg)
	}
}

func (state *MasterOfPuppetsActor) HealthCheckReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.ReceiveTimeout:
		// if some actor does not respond to healthCheck, assume not healthy
		ctx.CancelReceiveTimeout()
		state.currentHealthCheck.respond(ctx)
		state.behavior.UnbecomeStacked()
		state.stash.UnstashAll(ctx)
	case domain.ActorHealthResponse:
		state.logger.Debug("master@healthcheck ActorHealthResponse", zap.String("sender", msg.Id), zap.Bool("healthy", msg.Healthy))
		state.currentHealthCheck.checksReceived++
		if msg.Healthy {
			switch msg.Id {
			case domain.ACTOR_ID_BUS:
				state.currentHealthCheck.busActorHealthy = true
			case domain.ACTOR_ID_MQTT:
				state.currentHealthCheck.mqttActorHealthy = true
			case domain.ACTOR_ID_METER:
				state.currentHealthCheck.meterActorHealthy = true
			}
		}
		if state.currentHealthCheck.allReceived() {

			ctx.CancelReceiveTimeout()
			state.currentHealthCheck.respond(ctx)

			state.behavior.UnbecomeStacked()
			state.stash.UnstashAll(ctx)
		} else {
			ctx.SetReceiveTimeout(1 * time.Second)
		}
	default:
		state.logger.Debug("master@healthcheck stash", zap.String("type", fmt.Sprintf("%T", msg)))
		state.stash.Stash(ctx, msg)
	}
}

func (state *MasterOfPuppetsActor) startBusActor(ctx actor.Context) (*actor.PID, error) {

	supervisor := actor.NewExponentialBackoffStrategy(10*time.Second, 1*time.Second)

	busProps := actor.PropsFromProducer(func() actor.Actor {
		return state.busActorProvider(state.eventStream)
	}, actor.WithSupervisor(supervisor))
	busActorPID, err := ctx.SpawnNamed(busProps, domain.ACTOR_ID_BUS)
	if err != nil {
		return nil, err
	}

	return busActorPID, nil
}

func (state *MasterOfPuppetsActor) startMQTTActor(ctx actor.Context) (*actor.PID, error) {

	supervisor := actor.NewExponentialBackoffStrategy(10*time.Second, 1*time.Second)

	mqttProps := actor.PropsFromProducer(func() actor.Actor {
		return state.mqttActorProvider(state.eventStream)
	}, actor.WithSupervisor(supervisor))
	mqttActorPID, err := ctx.SpawnNamed(mqttProps, domain.ACTOR_ID_MQTT)
	if err != nil {
		return nil, err
	}

	return mqttActorPID, nil
}

// startWorker spawns a child restarted on its own failures.
func (state *MasterOfPuppetsActor) startWorker(ctx actor.Context, name string, producer actor.Producer) (*actor.PID, error) {

	decider := func(reason interface{}) actor.Directive {
		log.Printf("handling failure for child %s. reason: %v", name, reason)
		return actor.RestartDirective
	}
	supervisor := actor.NewOneForOneStrategy(3, 10*time.Second, decider)

	props := actor.PropsFromProducer(producer, actor.WithSupervisor(supervisor))
	return ctx.SpawnNamed(props, name)
}

func (state *healthCheckResult) reset() {
	state.busActorHealthy = false
	state.mqttActorHealthy = false
	state.meterActorHealthy = false
	state.checksReceived = 0
}

func (state *healthCheckResult) allReceived() bool {
	return state.checksReceived == 3
}

func (state *healthCheckResult) allHealthy() bool {
	return state.busActorHealthy && state.mqttActorHealthy && state.meterActorHealthy
}

func (state *healthCheckResult) respond(ctx actor.Context) {
	resp := domain.ActorHealthResponse{
		Id:      domain.ACTOR_ID_MASTER,
		Healthy: state.allHealthy(),
	}
	if state.respondTo != nil {
		ctx.Send(state.respondTo, resp)
	}
}
