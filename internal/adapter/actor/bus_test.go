package actor

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/berfenger/powerbus2mqtt/internal/core/domain"
	"github.com/berfenger/powerbus2mqtt/internal/store"
	"github.com/berfenger/powerbus2mqtt/internal/util"
	"github.com/berfenger/powerbus2mqtt/internal/util/actorutil"
	"github.com/berfenger/powerbus2mqtt/pkg/powerbus"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/eventstream"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func spawnTestBus(t *testing.T, responder powerbus.Responder) (*actor.ActorSystem, *actor.PID, *powerbus.TestTransport, *eventstream.EventStream) {
	cfg := util.LoadTestConfig()
	logger := zap.Must(zap.NewDevelopment())

	registry, err := store.OpenModuleRegistry(filepath.Join(t.TempDir(), "modules.yaml"), logger)
	require.NoError(t, err)

	transport := powerbus.NewTestTransport(responder)
	es := &eventstream.EventStream{}

	as := actorutil.NewActorSystemWithZapLogger(logger)
	props := actor.PropsFromProducer(func() actor.Actor {
		return NewBusActor(cfg.Bus, func() (powerbus.Transport, error) { return transport, nil }, registry, es, logger)
	})
	pid := as.Root.Spawn(props)
	t.Cleanup(func() {
		as.Root.Stop(pid)
		as.Shutdown()
	})
	return as, pid, transport, es
}

func TestBusActorExecuteCommand(t *testing.T) {

	require := require.New(t)

	voltage, err := powerbus.GetVoltage(powerbus.POWER_MODULE_8_PORTS)
	require.NoError(err)

	as, pid, transport, _ := spawnTestBus(t, powerbus.ReplyWith(voltage, float32(230.5)))

	result, err := as.Root.RequestFuture(pid, domain.ExecuteCommandRequest{
		Address: 5,
		Command: voltage,
	}, 5*time.Second).Result()
	require.NoError(err)
	resp, ok := result.(domain.ExecuteCommandResponse)
	require.True(ok)
	require.False(resp.HasResponseError())
	value, err := resp.Values.Float32("voltage")
	require.NoError(err)
	require.Equal(float32(230.5), value)

	frames := transport.WrittenFrames()
	require.Len(frames, 1)
	require.Equal(byte(5), frames[0].Address)

	result, err = as.Root.RequestFuture(pid, domain.GetBusHealthRequest{}, time.Second).Result()
	require.NoError(err)
	health := result.(domain.GetBusHealthResponse).Health
	require.Positive(health.BytesWritten)
	require.Positive(health.BytesRead)
	require.False(health.InAddressMode)
	require.Empty(health.Error)
}

func TestBusActorCommandTimesOut(t *testing.T) {

	require := require.New(t)

	voltage, err := powerbus.GetVoltage(powerbus.POWER_MODULE_8_PORTS)
	require.NoError(err)

	as, pid, transport, _ := spawnTestBus(t, nil)

	result, err := as.Root.RequestFuture(pid, domain.ExecuteCommandRequest{
		Address: 9,
		Command: voltage,
	}, 10*time.Second).Result()
	require.NoError(err)
	resp := result.(domain.ExecuteCommandResponse)
	require.ErrorIs(resp.GetResponseError(), powerbus.ErrCommunicationTimedOut)
	// one retry
	require.Len(transport.WrittenFrames(), 2)

	// the actor is back to idle and healthy
	result, err = as.Root.RequestFuture(pid, domain.ActorHealthRequest{}, time.Second).Result()
	require.NoError(err)
	health := result.(domain.ActorHealthResponse)
	require.Equal(domain.ACTOR_ID_BUS, health.Id)
	require.True(health.Healthy)
	require.Equal("idle", health.State)
}

func TestBusActorRejectsEmptyCommand(t *testing.T) {

	require := require.New(t)

	as, pid, _, _ := spawnTestBus(t, nil)

	result, err := as.Root.RequestFuture(pid, domain.ExecuteCommandRequest{Address: 1}, time.Second).Result()
	require.NoError(err)
	require.True(result.(domain.ExecuteCommandResponse).HasResponseError())
}

func TestBusActorReadModule(t *testing.T) {

	require := require.New(t)

	version := powerbus.POWER_MODULE_8_PORTS
	voltage, _ := powerbus.GetVoltage(version)
	frequency, _ := powerbus.GetFrequency(version)
	current, _ := powerbus.GetCurrent(version)
	power, _ := powerbus.GetPower(version)

	as, pid, _, _ := spawnTestBus(t, powerbus.ReplyAll(
		powerbus.ReplyWith(voltage, float32(229.5)),
		powerbus.ReplyWith(frequency, float32(50)),
		powerbus.ReplyWith(current, []float32{1, 2, 3, 4, 5, 6, 7, 8}),
		powerbus.ReplyWith(power, []float32{10, 20, 30, 40, 50, 60, 70, 80}),
	))

	result, err := as.Root.RequestFuture(pid, domain.ReadModuleRequest{
		Module: domain.PowerModule{Address: 4, Version: version},
	}, 5*time.Second).Result()
	require.NoError(err)
	resp := result.(domain.ReadModuleResponse)
	require.False(resp.HasResponseError())
	require.Equal(uint8(4), resp.Reading.Address)
	require.Equal(float32(229.5), resp.Reading.Voltage)
	require.Equal([]float32{10, 20, 30, 40, 50, 60, 70, 80}, resp.Reading.Power)
}

func TestBusActorFrameConsumer(t *testing.T) {

	require := require.New(t)

	as, pid, transport, _ := spawnTestBus(t, nil)

	frames := make(chan powerbus.Frame, 4)
	target := as.Root.Spawn(actor.PropsFromFunc(func(ctx actor.Context) {
		if ev, ok := ctx.Message().(domain.BusFrameEvent); ok {
			frames <- ev.Frame
		}
	}))

	_, err := as.Root.RequestFuture(pid, domain.RegisterFrameConsumerRequest{
		Match:  powerbus.MatchOpcode(powerbus.GetShutterStatus.Opcode),
		Target: target,
	}, time.Second).Result()
	require.NoError(err)

	reply, err := powerbus.EncodeReply(powerbus.GetShutterStatus, 8, 0, uint8(0x05))
	require.NoError(err)
	transport.Inject(reply)

	select {
	case f := <-frames:
		require.Equal(byte(8), f.Address)
		require.Equal([]byte{0x05}, f.Payload)
	case <-time.After(2 * time.Second):
		require.Fail("no frame delivered")
	}
}
