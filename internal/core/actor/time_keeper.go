package actor

import (
	"context"
	"fmt"
	"time"

	adactor "github.com/berfenger/powerbus2mqtt/internal/adapter/actor"
	"github.com/berfenger/powerbus2mqtt/internal/config"
	"github.com/berfenger/powerbus2mqtt/internal/core/domain"
	"github.com/berfenger/powerbus2mqtt/internal/core/port"
	"github.com/berfenger/powerbus2mqtt/internal/core/service"
	. "github.com/berfenger/powerbus2mqtt/internal/util/actorutil"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/reugn/go-quartz/quartz"
	"go.uber.org/zap"
)

const (
	TIME_KEEPER_JOB_KEY  = "timekeeper"
	TIME_KEEPER_TIMEOUT  = time.Minute
	DEFAULT_TIME_KEEPING = 60 * time.Second
)

// TimeKeeperActor owns the quartz scheduler running the day/night job and
// serves manual resync requests.
type TimeKeeperActor struct {
	behavior actor.Behavior
	stash    *Stash
	config   *config.Config
	busActor *actor.PID
	modules  port.ModuleDirectory
	keeper   *service.TimeKeeper
	sched    quartz.Scheduler
	cancel   context.CancelFunc

	logger *zap.Logger
}

type syncResult struct {
	Error error
}

func NewTimeKeeperActor(config *config.Config, busActor *actor.PID, modules port.ModuleDirectory, logger *zap.Logger) *TimeKeeperActor {
	act := &TimeKeeperActor{
		config:   config,
		busActor: busActor,
		modules:  modules,
		behavior: actor.NewBehavior(),
		stash:    &Stash{},
		logger:   ActorLogger(domain.ACTOR_ID_TIME_KEEPER, logger),
	}
	act.behavior.Become(act.StartingReceive)
	return act
}

func (state *TimeKeeperActor) Receive(context actor.Context) {
	state.behavior.Receive(context)
}

func (state *TimeKeeperActor) StartingReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.Started:
		state.logger.Debug("timekeeper@starting started")

		client := adactor.NewBusClient(ctx.ActorSystem().Root, state.busActor, TIME_KEEPER_TIMEOUT)
		power := service.NewPowerService(client, nil)
		state.keeper = service.NewTimeKeeper(power, state.modules, nil, state.logger)

		if err := state.startScheduler(); err != nil {
			state.logger.Error("timekeeper@starting could not schedule job", zap.Error(err))
			panic(err)
		}
		state.behavior.Become(state.DefaultReceive)
		state.stash.UnstashAll(ctx)
	case *actor.Restarting:
		state.stopScheduler()
	default:
		state.logger.Debug("timekeeper@starting: stash", zap.String("type", fmt.Sprintf("%T", msg)))
		state.stash.Stash(ctx, msg)
	}
}

func (state *TimeKeeperActor) DefaultReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case domain.ActorHealthRequest:
		state.logger.Debug("timekeeper@default: ActorHealthRequest")
		ctx.Respond(domain.ActorHealthResponse{
			Id:      domain.ACTOR_ID_TIME_KEEPER,
			Healthy: state.sched != nil && state.sched.IsStarted(),
			State:   "idle",
		})
	case domain.SyncDayNightCommand:
		state.logger.Info("timekeeper@default day/night resync requested")
		keeper := state.keeper
		keeper.Forget()
		NewBackgroundTaskNoError(ctx, func() *syncResult {
			jobCtx, cancel := context.WithTimeout(context.Background(), TIME_KEEPER_TIMEOUT)
			defer cancel()
			return &syncResult{Error: keeper.Execute(jobCtx)}
		}).Recover(func(err error) syncResult {
			return syncResult{Error: err}
		}).WithTimeout(TIME_KEEPER_TIMEOUT + time.Second).PipeTo(ctx.Self())
		state.behavior.BecomeStacked(state.SyncingReceive)
	case *actor.Restarting:
		state.stopScheduler()
	case *actor.Stopping:
		state.stopScheduler()
	default:
		state.logger.Debug("timekeeper@default: recv", zap.String("type", fmt.Sprintf("%T", msg)))
	}
}

func (state *TimeKeeperActor) SyncingReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case syncResult:
		if msg.Error != nil {
			state.logger.Warn("timekeeper@syncing resync incomplete", zap.Error(msg.Error))
		} else {
			state.logger.Info("timekeeper@syncing resync done")
		}
		state.behavior.UnbecomeStacked()
		state.stash.UnstashAll(ctx)
	case domain.ActorHealthRequest:
		ctx.Respond(domain.ActorHealthResponse{
			Id:      domain.ACTOR_ID_TIME_KEEPER,
			Healthy: true,
			State:   "syncing",
		})
	case domain.SyncDayNightCommand:
		// a resync is already running
	case *actor.Stopping:
		state.stopScheduler()
	default:
		state.logger.Debug("timekeeper@syncing: stash", zap.String("type", fmt.Sprintf("%T", msg)))
		state.stash.Stash(ctx, msg)
	}
}

func (state *TimeKeeperActor) startScheduler() error {
	interval := time.Duration(state.config.TimeKeeperConfig.IntervalSeconds) * time.Second
	if interval <= 0 {
		interval = DEFAULT_TIME_KEEPING
	}
	schedCtx, cancel := context.WithCancel(context.Background())
	sched := quartz.NewStdScheduler()
	sched.Start(schedCtx)

	job := quartz.NewJobDetail(state.keeper, quartz.NewJobKey(TIME_KEEPER_JOB_KEY))
	if err := sched.ScheduleJob(job, quartz.NewSimpleTrigger(interval)); err != nil {
		sched.Stop()
		cancel()
		return err
	}
	state.sched = sched
	state.cancel = cancel
	state.logger.Info("timekeeper scheduled", zap.Duration("interval", interval))
	return nil
}

func (state *TimeKeeperActor) stopScheduler() {
	if state.sched != nil {
		state.sched.Stop()
		state.sched = nil
	}
	if state.cancel != nil {
		state.cancel()
		state.cancel = nil
	}
}
