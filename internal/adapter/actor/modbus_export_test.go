package actor

import (
	"testing"
	"time"

	"github.com/berfenger/powerbus2mqtt/internal/config"
	"github.com/berfenger/powerbus2mqtt/internal/core/domain"
	"github.com/berfenger/powerbus2mqtt/internal/util/actorutil"
	"github.com/berfenger/powerbus2mqtt/pkg/powerbus"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/eventstream"
	"github.com/simonvetter/modbus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestModbusExportActor(t *testing.T) {

	require := require.New(t)

	logger := zap.Must(zap.NewDevelopment())
	as := actorutil.NewActorSystemWithZapLogger(logger)
	es := &eventstream.EventStream{}

	props := actor.PropsFromProducer(func() actor.Actor {
		return NewModbusExportActor(config.ModbusExportConfig{Enable: true, Listen: "127.0.0.1:15503"}, es, logger)
	})
	pid := as.Root.Spawn(props)
	defer as.Shutdown()
	defer as.Root.Stop(pid)

	// wait for the server to be up
	_, err := as.Root.RequestFuture(pid, domain.ActorHealthRequest{}, time.Second).Result()
	require.NoError(err)

	es.Publish(&domain.ModuleReading{
		Address:   12,
		Version:   powerbus.POWER_MODULE_8_PORTS,
		Voltage:   231,
		Frequency: 49.5,
		Power:     make([]float32, 8),
		Current:   make([]float32, 8),
	})

	require.Eventually(func() bool {
		res, err := as.Root.RequestFuture(pid, domain.ActorHealthRequest{}, time.Second).Result()
		return err == nil && res.(domain.ActorHealthResponse).State == "modules=1"
	}, 2*time.Second, 50*time.Millisecond)

	client, err := modbus.NewClient(&modbus.ClientConfiguration{
		URL:     "tcp://127.0.0.1:15503",
		Timeout: 1 * time.Second,
	})
	require.NoError(err)
	require.NoError(client.Open())
	defer client.Close()
	require.NoError(client.SetUnitId(12))

	values, err := client.ReadFloat32s(0, 2, modbus.INPUT_REGISTER)
	require.NoError(err)
	require.Equal([]float32{231, 49.5}, values)
}
