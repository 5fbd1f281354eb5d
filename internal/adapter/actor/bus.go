package actor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/berfenger/powerbus2mqtt/internal/config"
	"github.com/berfenger/powerbus2mqtt/internal/core/domain"
	"github.com/berfenger/powerbus2mqtt/internal/core/service"
	"github.com/berfenger/powerbus2mqtt/internal/util/actorutil"
	"github.com/berfenger/powerbus2mqtt/pkg/powerbus"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/eventstream"
	"go.uber.org/zap"
)

// TransportOpener opens the byte stream of the bus. It is called on every
// (re)start of the bus actor.
type TransportOpener func() (powerbus.Transport, error)

// BusActor owns the Communicator. Blocking bus calls run as background tasks
// and the actor stashes requests until the running one completes.
type BusActor struct {
	behavior    actor.Behavior
	stash       *actorutil.Stash
	cfg         config.BusConfig
	open        TransportOpener
	registry    powerbus.ModuleRegistry
	eventStream *eventstream.EventStream
	logger      *zap.Logger

	comm       *powerbus.Communicator
	addressing *powerbus.Addressing
	executor   *service.RetryingExecutor
	power      *service.PowerService
}

type backgroundTaskResult struct {
	message any
	replyTo *actor.PID
}

type addressModeEnded struct{}

func NewBusActor(cfg config.BusConfig, open TransportOpener, registry powerbus.ModuleRegistry, eventStream *eventstream.EventStream, logger *zap.Logger) *BusActor {
	act := &BusActor{
		cfg:         cfg,
		open:        open,
		registry:    registry,
		eventStream: eventStream,
		behavior:    actor.NewBehavior(),
		stash:       &actorutil.Stash{},
		logger:      actorutil.ActorLogger("bus", logger),
	}
	act.behavior.Become(act.StartingReceive)
	return act
}

func (state *BusActor) Receive(context actor.Context) {
	state.behavior.Receive(context)
}

func (state *BusActor) StartingReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.Started:
		state.logger.Debug("bus@starting started")
		if err := state.connect(); err != nil {
			panic(err)
		}
		state.eventStream.Publish(domain.BusConnectedEvent{})
		state.behavior.Become(state.DefaultReceive)
		state.stash.UnstashAll(ctx)
	case *actor.Restarting:
		state.disconnect()
	default:
		state.logger.Debug("bus@starting: stash", zap.String("type", fmt.Sprintf("%T", msg)))
		state.stash.Stash(ctx, msg)
	}
}

func (state *BusActor) DefaultReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case domain.ActorHealthRequest:
		state.logger.Debug("bus@default: ActorHealthRequest")
		ctx.Respond(state.healthResponse("idle"))
	case domain.GetBusHealthRequest:
		actorutil.ForRequest(msg).Respond(ctx, domain.GetBusHealthResponse{Health: state.health()})
	case domain.GetAddressModeRequest:
		actorutil.ForRequest(msg).Respond(ctx, state.addressModeStatus())
	case domain.ExecuteCommandRequest:
		if msg.Command == nil {
			actorutil.ForRequest(msg).Respond(ctx, domain.ExecuteCommandResponse{
				ActorResponseMixIn: domain.ErrorResponse(errors.New("no command given")),
			})
			return
		}
		state.logger.Debug("bus@default: ExecuteCommandRequest", zap.Uint8("address", msg.Address), zap.Stringer("command", msg.Command))
		sender := actorutil.ForRequest(msg).ReplyTo(ctx)
		timeout := state.taskTimeout(1)
		actorutil.MapBackgroundTask(actorutil.NewBackgroundTask(ctx, func() (*domain.ExecuteCommandResponse, error) {
			bctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			values, err := state.executor.Execute(bctx, msg.Address, msg.Command, msg.Args...)
			return &domain.ExecuteCommandResponse{
				ActorResponseMixIn: domain.ErrorResponse(err),
				Values:             values,
			}, nil
		}), mapTaskResult[domain.ExecuteCommandResponse](sender)).Recover(func(err error) backgroundTaskResult {
			return backgroundTaskResult{
				message: domain.ExecuteCommandResponse{ActorResponseMixIn: domain.ErrorResponse(err)},
				replyTo: sender,
			}
		}).WithTimeout(timeout + time.Second).PipeTo(ctx.Self())
		state.behavior.BecomeStacked(state.WaitingBus)
	case domain.ReadModuleRequest:
		state.logger.Debug("bus@default: ReadModuleRequest", zap.Uint8("address", msg.Module.Address))
		sender := actorutil.ForRequest(msg).ReplyTo(ctx)
		timeout := state.taskTimeout(4)
		actorutil.MapBackgroundTask(actorutil.NewBackgroundTask(ctx, func() (*domain.ReadModuleResponse, error) {
			bctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			reading, err := state.power.ReadModule(bctx, msg.Module)
			return &domain.ReadModuleResponse{
				ActorResponseMixIn: domain.ErrorResponse(err),
				Reading:            reading,
			}, nil
		}), mapTaskResult[domain.ReadModuleResponse](sender)).Recover(func(err error) backgroundTaskResult {
			return backgroundTaskResult{
				message: domain.ReadModuleResponse{ActorResponseMixIn: domain.ErrorResponse(err)},
				replyTo: sender,
			}
		}).WithTimeout(timeout + time.Second).PipeTo(ctx.Self())
		state.behavior.BecomeStacked(state.WaitingBus)
	case domain.StartAddressModeRequest:
		state.logger.Info("bus@default: StartAddressModeRequest")
		sender := actorutil.ForRequest(msg).ReplyTo(ctx)
		self := ctx.Self()
		root := ctx.ActorSystem().Root
		timeout := state.taskTimeout(1)
		actorutil.MapBackgroundTask(actorutil.NewBackgroundTask(ctx, func() (*domain.AddressModeResponse, error) {
			bctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			if err := state.addressing.StartAddressMode(bctx); err != nil {
				return &domain.AddressModeResponse{
					ActorResponseMixIn: domain.ErrorResponse(err),
					Active:             state.addressing.InAddressMode(),
				}, nil
			}
			done := state.addressing.Done()
			go func() {
				<-done
				root.Send(self, addressModeEnded{})
			}()
			state.publishAddressMode(domain.AddressModeChangedEvent{Active: true})
			return &domain.AddressModeResponse{Active: true}, nil
		}), mapTaskResult[domain.AddressModeResponse](sender)).Recover(func(err error) backgroundTaskResult {
			return backgroundTaskResult{
				message: domain.AddressModeResponse{ActorResponseMixIn: domain.ErrorResponse(err)},
				replyTo: sender,
			}
		}).WithTimeout(timeout + time.Second).PipeTo(ctx.Self())
		state.behavior.BecomeStacked(state.WaitingBus)
	case domain.StopAddressModeRequest:
		state.logger.Info("bus@default: StopAddressModeRequest")
		sender := actorutil.ForRequest(msg).ReplyTo(ctx)
		timeout := state.taskTimeout(1)
		actorutil.MapBackgroundTask(actorutil.NewBackgroundTask(ctx, func() (*domain.AddressModeResponse, error) {
			bctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			err := state.addressing.StopAddressMode(bctx)
			if errors.Is(err, powerbus.ErrNotInAddressMode) {
				err = nil
			}
			return &domain.AddressModeResponse{
				ActorResponseMixIn: domain.ErrorResponse(err),
				Active:             state.addressing.InAddressMode(),
			}, nil
		}), mapTaskResult[domain.AddressModeResponse](sender)).Recover(func(err error) backgroundTaskResult {
			return backgroundTaskResult{
				message: domain.AddressModeResponse{ActorResponseMixIn: domain.ErrorResponse(err)},
				replyTo: sender,
			}
		}).WithTimeout(timeout + time.Second).PipeTo(ctx.Self())
		state.behavior.BecomeStacked(state.WaitingBus)
	case domain.RegisterFrameConsumerRequest:
		state.registerConsumer(ctx, msg)
		actorutil.ForRequest(msg).Respond(ctx, domain.RegisterFrameConsumerResponse{})
	case addressModeEnded:
		state.onAddressModeEnded()
	case *actor.Stopping:
		state.disconnect()
	default:
		state.logger.Debug("bus@default default recv", zap.String("type", fmt.Sprintf("%T", msg)))
	}
}

func (state *BusActor) WaitingBus(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case backgroundTaskResult:
		state.logger.Debug("bus@WaitingBus backgroundTaskResult", zap.String("type", fmt.Sprintf("%T", msg.message)))
		if msg.replyTo != nil {
			ctx.Send(msg.replyTo, msg.message)
		}
		if err := state.comm.Err(); err != nil {
			state.logger.Error("bus@WaitingBus transport failed", zap.Error(err))
			panic(err)
		}
		state.behavior.UnbecomeStacked()
		state.stash.UnstashAll(ctx)
	case domain.ActorHealthRequest:
		ctx.Respond(state.healthResponse("busy"))
	case domain.GetBusHealthRequest:
		actorutil.ForRequest(msg).Respond(ctx, domain.GetBusHealthResponse{Health: state.health()})
	case domain.GetAddressModeRequest:
		actorutil.ForRequest(msg).Respond(ctx, state.addressModeStatus())
	case addressModeEnded:
		state.onAddressModeEnded()
	case *actor.Stopping:
		state.disconnect()
	default:
		state.logger.Debug("bus@WaitingBus stash", zap.String("type", fmt.Sprintf("%T", msg)))
		state.stash.Stash(ctx, msg)
	}
}

func (state *BusActor) connect() error {
	transport, err := state.open()
	if err != nil {
		return err
	}
	var opts []powerbus.Option
	if state.cfg.CommandTimeoutMillis > 0 {
		opts = append(opts, powerbus.WithCommandTimeout(state.cfg.CommandTimeout()))
	}
	state.comm = powerbus.NewCommunicator(transport, state.logger, opts...)
	state.comm.Open()

	var addrOpts []powerbus.AddressingOption
	if state.cfg.QuiescenceSeconds > 0 {
		addrOpts = append(addrOpts, powerbus.WithQuiescenceWindow(state.cfg.QuiescenceWindow()))
	}
	if state.cfg.AddressModeTimeoutSeconds > 0 {
		addrOpts = append(addrOpts, powerbus.WithAddressModeTimeout(state.cfg.AddressModeTimeout()))
	}
	state.addressing = powerbus.NewAddressing(state.comm, state.registry, state.logger, addrOpts...)

	policy := service.DefaultRetryPolicy()
	if state.cfg.RetryAttempts > 0 {
		policy.MaxAttempts = state.cfg.RetryAttempts
	}
	if state.cfg.CommandTimeoutMillis > 0 {
		policy.AttemptTimeout = state.cfg.CommandTimeout()
	}
	state.executor = service.NewRetryingExecutor(state.comm, policy, state.logger)
	state.power = service.NewPowerService(state.executor, nil)
	state.logger.Info("bus connected", zap.String("device", state.cfg.Device))
	return nil
}

func (state *BusActor) disconnect() {
	if state.comm == nil {
		return
	}
	if err := state.comm.Close(); err != nil {
		state.logger.Warn("closing bus transport", zap.Error(err))
	}
	state.comm = nil
}

func (state *BusActor) registerConsumer(ctx actor.Context, msg domain.RegisterFrameConsumerRequest) {
	root := ctx.ActorSystem().Root
	target := msg.Target
	if target == nil {
		target = ctx.Sender()
	}
	state.comm.RegisterConsumer(msg.Match, func(f powerbus.Frame) {
		root.Send(target, domain.BusFrameEvent{Frame: f})
	})
	state.logger.Debug("bus@default frame consumer registered", zap.String("target", target.Id))
}

func (state *BusActor) onAddressModeEnded() {
	var assignments []domain.AddressAssignment
	for _, a := range state.addressing.LastAssignments() {
		assignments = append(assignments, domain.AddressAssignment{
			OldAddress:  a.OldAddress,
			NewAddress:  a.NewAddress,
			Version:     a.Version,
			Readdressed: a.Readdressed,
		})
	}
	state.logger.Info("bus address mode ended", zap.Int("assigned", len(assignments)))
	state.publishAddressMode(domain.AddressModeChangedEvent{Active: false, Assignments: assignments})
}

func (state *BusActor) publishAddressMode(ev domain.AddressModeChangedEvent) {
	state.eventStream.Publish(ev)
	state.eventStream.Publish(domain.SwitchSensorUpdateEvent{
		SensorUpdateEventMixIn: domain.SensorUpdateEventMixIn{
			Id: domain.SWITCH_ID_ADDRESS_MODE,
		},
		Value: ev.Active,
	})
}

func (state *BusActor) addressModeStatus() domain.GetAddressModeResponse {
	resp := domain.GetAddressModeResponse{Active: state.addressing.InAddressMode()}
	for _, a := range state.addressing.LastAssignments() {
		resp.LastAssignments = append(resp.LastAssignments, domain.AddressAssignment{
			OldAddress:  a.OldAddress,
			NewAddress:  a.NewAddress,
			Version:     a.Version,
			Readdressed: a.Readdressed,
		})
	}
	return resp
}

func (state *BusActor) health() domain.BusHealth {
	h := domain.BusHealth{
		BytesWritten:            state.comm.BytesWritten(),
		BytesRead:               state.comm.BytesRead(),
		SecondsSinceLastSuccess: state.comm.SecondsSinceLastSuccess(),
		InAddressMode:           state.comm.InAddressMode(),
	}
	if err := state.comm.Err(); err != nil {
		h.Error = err.Error()
	}
	return h
}

func (state *BusActor) healthResponse(actorState string) domain.ActorHealthResponse {
	healthy := state.comm != nil && state.comm.Err() == nil
	if healthy && state.comm.InAddressMode() {
		actorState = "address_mode"
	}
	return domain.ActorHealthResponse{
		Id:      domain.ACTOR_ID_BUS,
		Healthy: healthy,
		State:   actorState,
	}
}

// taskTimeout bounds a background task running the given number of bus
// commands, retries and bootloader recovery included.
func (state *BusActor) taskTimeout(commands int) time.Duration {
	commandTimeout := state.cfg.CommandTimeout()
	if commandTimeout <= 0 {
		commandTimeout = powerbus.DEFAULT_COMMAND_TIMEOUT
	}
	attempts := max(state.cfg.RetryAttempts, 1)
	perCommand := time.Duration(attempts)*(commandTimeout+time.Second) + time.Second
	return time.Duration(commands) * perCommand
}

func mapTaskResult[T any](sender *actor.PID) func(t *T) *backgroundTaskResult {
	return func(t *T) *backgroundTaskResult {
		return &backgroundTaskResult{
			message: *t,
			replyTo: sender,
		}
	}
}
