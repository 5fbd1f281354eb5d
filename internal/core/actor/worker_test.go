package actor

import (
	"sync"
	"testing"
	"time"

	adactor "github.com/berfenger/powerbus2mqtt/internal/adapter/actor"
	"github.com/berfenger/powerbus2mqtt/internal/config"
	"github.com/berfenger/powerbus2mqtt/internal/core/domain"
	"github.com/berfenger/powerbus2mqtt/internal/util"
	"github.com/berfenger/powerbus2mqtt/internal/util/actorutil"
	"github.com/berfenger/powerbus2mqtt/pkg/powerbus"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/eventstream"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// sensorRecorder keeps the last value published for every sensor id.
type sensorRecorder struct {
	mu       sync.Mutex
	values   map[string]any
	readings []*domain.ModuleReading
}

func recordSensors(es *eventstream.EventStream) *sensorRecorder {
	rec := &sensorRecorder{values: map[string]any{}}
	es.Subscribe(func(evt any) {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		switch ev := evt.(type) {
		case domain.FloatSensorUpdateEvent:
			rec.values[ev.Id] = ev.Value
		case domain.TextSensorUpdateEvent:
			rec.values[ev.Id] = ev.Value
		case *domain.ModuleReading:
			rec.readings = append(rec.readings, ev)
		}
	})
	return rec
}

func (r *sensorRecorder) value(id string) any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.values[id]
}

func (r *sensorRecorder) lastReading() *domain.ModuleReading {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.readings) == 0 {
		return nil
	}
	return r.readings[len(r.readings)-1]
}

func spawnWorkerBus(t *testing.T, cfg config.Config, responder powerbus.Responder, addresses ...uint8) (*actor.ActorSystem, *actor.PID, *powerbus.TestTransport, *eventstream.EventStream, *zap.Logger) {
	logger := zap.Must(zap.NewDevelopment())
	as := actorutil.NewActorSystemWithZapLogger(logger)
	es := &eventstream.EventStream{}
	transport := powerbus.NewTestTransport(responder)
	registry := testRegistry(t, logger, addresses...)

	props := actor.PropsFromProducer(func() actor.Actor {
		return adactor.NewBusActor(cfg.Bus, func() (powerbus.Transport, error) { return transport, nil }, registry, es, logger)
	})
	busPID := as.Root.Spawn(props)
	t.Cleanup(func() {
		as.Root.Stop(busPID)
		as.Shutdown()
	})
	return as, busPID, transport, es, logger
}

func TestMeterActorPublishesReadings(t *testing.T) {

	require := require.New(t)

	cfg := util.LoadTestConfig()
	cfg.MonitorConfig.PollIntervalMillis = 100
	as, busPID, _, es, logger := spawnWorkerBus(t, cfg, meterResponder(t), 4)
	rec := recordSensors(es)

	pid := as.Root.Spawn(actor.PropsFromProducer(func() actor.Actor {
		return NewMeterActor(&cfg, busPID, testRegistry(t, logger, 4), es, logger)
	}))
	defer as.Root.Stop(pid)

	require.Eventually(func() bool {
		return rec.lastReading() != nil
	}, 5*time.Second, 50*time.Millisecond)

	reading := rec.lastReading()
	require.Equal(uint8(4), reading.Address)
	require.Equal(float32(229.5), reading.Voltage)
	require.Equal(float32(50), reading.Frequency)
	require.Len(reading.Power, 8)
	require.Equal(float32(80), reading.Power[7])
	require.Equal(float32(3), reading.Current[2])

	require.Equal(229.5, rec.value(domain.ModuleVoltageSensorId(4)))
	require.Equal(float64(10), rec.value(domain.ModulePowerSensorId(4, 0)))

	res, err := as.Root.RequestFuture(pid, domain.ActorHealthRequest{}, time.Second).Result()
	require.NoError(err)
	require.True(res.(domain.ActorHealthResponse).Healthy)
}

func TestShutterActorTracksOutputs(t *testing.T) {

	require := require.New(t)

	cfg := util.LoadTestConfig()
	cfg.Shutters = []config.ShutterConfig{{
		Address: 8,
		Outputs: []config.ShutterOutputConfig{
			{Name: "Kitchen", TimerUpSeconds: 30, TimerDownSeconds: 30},
			{Name: "Bedroom", UpDownConfig: 1, TimerUpSeconds: 30, TimerDownSeconds: 30},
		},
	}}
	as, busPID, transport, es, logger := spawnWorkerBus(t, cfg, powerbus.ReplyWith(powerbus.GetShutterStatus, uint8(0)))
	rec := recordSensors(es)

	pid := as.Root.Spawn(actor.PropsFromProducer(func() actor.Actor {
		return NewShutterActor(&cfg, busPID, es, logger)
	}))
	defer as.Root.Stop(pid)

	// health is stashed until the consumer is registered
	res, err := as.Root.RequestFuture(pid, domain.ActorHealthRequest{}, 5*time.Second).Result()
	require.NoError(err)
	require.Equal("tracking", res.(domain.ActorHealthResponse).State)

	require.Eventually(func() bool {
		return rec.value(domain.ShutterSensorId(8, 0)) == "stopped"
	}, 2*time.Second, 20*time.Millisecond)

	// output 1 relay 0 on
	frame, err := powerbus.EncodeReply(powerbus.GetShutterStatus, 8, 0, uint8(0x01))
	require.NoError(err)
	transport.Inject(frame)
	require.Eventually(func() bool {
		return rec.value(domain.ShutterSensorId(8, 0)) == "going_up"
	}, 2*time.Second, 20*time.Millisecond)

	// output 2 has its relays swapped, relay 2 drives it down
	frame, err = powerbus.EncodeReply(powerbus.GetShutterStatus, 8, 0, uint8(0x05))
	require.NoError(err)
	transport.Inject(frame)
	require.Eventually(func() bool {
		return rec.value(domain.ShutterSensorId(8, 1)) == "going_down"
	}, 2*time.Second, 20*time.Millisecond)
	require.Equal("going_up", rec.value(domain.ShutterSensorId(8, 0)))

	// stopping early leaves the shutter stopped in between
	frame, err = powerbus.EncodeReply(powerbus.GetShutterStatus, 8, 0, uint8(0x04))
	require.NoError(err)
	transport.Inject(frame)
	require.Eventually(func() bool {
		return rec.value(domain.ShutterSensorId(8, 0)) == "stopped"
	}, 2*time.Second, 20*time.Millisecond)
}

func TestTimeKeeperActorResync(t *testing.T) {

	require := require.New(t)

	cfg := util.LoadTestConfig()
	cfg.TimeKeeperConfig.IntervalSeconds = 3600
	sdn, err := powerbus.SetDayNight(powerbus.POWER_MODULE_8_PORTS)
	require.NoError(err)
	as, busPID, transport, _, logger := spawnWorkerBus(t, cfg, powerbus.ReplyWith(sdn), 4)

	pid := as.Root.Spawn(actor.PropsFromProducer(func() actor.Actor {
		return NewTimeKeeperActor(&cfg, busPID, testRegistry(t, logger, 4), logger)
	}))
	defer as.Root.Stop(pid)

	res, err := as.Root.RequestFuture(pid, domain.ActorHealthRequest{}, time.Second).Result()
	require.NoError(err)
	require.True(res.(domain.ActorHealthResponse).Healthy)

	sdnWritten := func() int {
		n := 0
		for _, f := range transport.WrittenFrames() {
			if f.Opcode == sdn.Opcode && f.Address == 4 {
				n++
			}
		}
		return n
	}

	as.Root.Send(pid, domain.SyncDayNightCommand{})
	require.Eventually(func() bool {
		return sdnWritten() == 1
	}, 5*time.Second, 20*time.Millisecond)

	// a resync forgets the modes sent before and programs the module again
	as.Root.Send(pid, domain.SyncDayNightCommand{})
	require.Eventually(func() bool {
		return sdnWritten() == 2
	}, 5*time.Second, 20*time.Millisecond)
}
