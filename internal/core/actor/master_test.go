package actor

import (
	"path/filepath"
	"testing"
	"time"

	adactor "github.com/berfenger/powerbus2mqtt/internal/adapter/actor"
	"github.com/berfenger/powerbus2mqtt/internal/config"
	"github.com/berfenger/powerbus2mqtt/internal/core/domain"
	"github.com/berfenger/powerbus2mqtt/internal/mqtt"
	"github.com/berfenger/powerbus2mqtt/internal/store"
	"github.com/berfenger/powerbus2mqtt/internal/util"
	"github.com/berfenger/powerbus2mqtt/internal/util/actorutil"
	"github.com/berfenger/powerbus2mqtt/pkg/powerbus"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/eventstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// meterResponder answers the four reads of an 8 port module.
func meterResponder(t *testing.T) powerbus.Responder {
	version := powerbus.POWER_MODULE_8_PORTS
	voltage, err := powerbus.GetVoltage(version)
	require.NoError(t, err)
	frequency, err := powerbus.GetFrequency(version)
	require.NoError(t, err)
	current, err := powerbus.GetCurrent(version)
	require.NoError(t, err)
	power, err := powerbus.GetPower(version)
	require.NoError(t, err)
	return powerbus.ReplyAll(
		powerbus.ReplyWith(voltage, float32(229.5)),
		powerbus.ReplyWith(frequency, float32(50)),
		powerbus.ReplyWith(current, []float32{1, 2, 3, 4, 5, 6, 7, 8}),
		powerbus.ReplyWith(power, []float32{10, 20, 30, 40, 50, 60, 70, 80}),
	)
}

func testRegistry(t *testing.T, logger *zap.Logger, addresses ...uint8) *store.ModuleRegistry {
	registry, err := store.OpenModuleRegistry(filepath.Join(t.TempDir(), "modules.yaml"), logger)
	require.NoError(t, err)
	for _, address := range addresses {
		require.NoError(t, registry.RegisterModule(address, powerbus.POWER_MODULE_8_PORTS))
	}
	return registry
}

func testBusProvider(cfg config.Config, transport *powerbus.TestTransport, registry *store.ModuleRegistry, logger *zap.Logger) BusActorProvider {
	return func(es *eventstream.EventStream) *adactor.BusActor {
		return adactor.NewBusActor(cfg.Bus, func() (powerbus.Transport, error) { return transport, nil }, registry, es, logger)
	}
}

func published(as *actor.ActorSystem, mqttPID *actor.PID) map[string]string {
	res, err := as.Root.RequestFuture(mqttPID, adactor.GetPublishedRequest{}, time.Second).Result()
	if err != nil {
		return nil
	}
	return res.(adactor.GetPublishedResponse).Messages
}

func TestMasterActor(t *testing.T) {

	require := require.New(t)

	cfg := util.LoadTestConfig()
	cfg.MonitorConfig.PollIntervalMillis = 100
	cfg.TimeKeeperConfig.Enable = false
	logCfg := zap.NewDevelopmentConfig()
	logCfg.Level = zap.NewAtomicLevelAt(cfg.LogLevel)
	logger := zap.Must(logCfg.Build())

	as := actorutil.NewActorSystemWithZapLogger(logger)
	context := as.Root

	registry := testRegistry(t, logger, 4)
	transport := powerbus.NewTestTransport(meterResponder(t))

	props := actor.PropsFromProducer(func() actor.Actor {
		return NewMasterOfPuppetsActor(cfg, registry, testBusProvider(cfg, transport, registry, logger), func(es *eventstream.EventStream) *adactor.MQTTActor {
			return adactor.NewTestMQTTActor(&cfg, es, logger)
		}, logger)
	})
	pid, err := context.SpawnNamed(props, domain.ACTOR_ID_MASTER)
	require.NoError(err)
	defer as.Shutdown()
	defer context.Stop(pid)

	res, err := context.RequestFuture(pid, domain.ActorHealthRequest{}, 10*time.Second).Result()
	require.NoError(err)
	healthResp, ok := res.(domain.ActorHealthResponse)
	require.True(ok)
	assert.True(t, healthResp.Healthy, "healthy is true")

	// readings flow from the meter to the MQTT actor
	mqttPID := as.NewLocalPID(domain.ACTOR_ID_MASTER + "/" + domain.ACTOR_ID_MQTT)
	require.Eventually(func() bool {
		return published(as, mqttPID)["powerbus/sensor/module_4_voltage/state"] == "229.5"
	}, 5*time.Second, 50*time.Millisecond)
	assert.Equal(t, "80.0", published(as, mqttPID)["powerbus/sensor/module_4_power_8/state"])

	// bus requests are forwarded to the bus actor
	res, err = context.RequestFuture(pid, domain.GetBusHealthRequest{}, 2*time.Second).Result()
	require.NoError(err)
	busHealth, ok := res.(domain.GetBusHealthResponse)
	require.True(ok)
	require.Positive(busHealth.Health.BytesRead)

	// the address_mode switch starts address mode
	context.Send(pid, adactor.ParsedCommand{Command: &mqtt.ParsedMQTTCommand{
		DeviceId: domain.SWITCH_ID_ADDRESS_MODE,
		Command:  mqtt.COMMAND_SWITCH,
		Payload:  mqtt.MQTT_PAYLOAD_ON,
	}})
	require.Eventually(func() bool {
		res, err := context.RequestFuture(pid, domain.GetAddressModeRequest{}, time.Second).Result()
		return err == nil && res.(domain.GetAddressModeResponse).Active
	}, 5*time.Second, 50*time.Millisecond)
	require.Eventually(func() bool {
		return published(as, mqttPID)["powerbus/switch/address_mode/state"] == mqtt.MQTT_PAYLOAD_ON
	}, 2*time.Second, 50*time.Millisecond)

	context.Send(pid, adactor.ParsedCommand{Command: &mqtt.ParsedMQTTCommand{
		DeviceId: domain.SWITCH_ID_ADDRESS_MODE,
		Command:  mqtt.COMMAND_SWITCH,
		Payload:  mqtt.MQTT_PAYLOAD_OFF,
	}})
	require.Eventually(func() bool {
		res, err := context.RequestFuture(pid, domain.GetAddressModeRequest{}, time.Second).Result()
		return err == nil && !res.(domain.GetAddressModeResponse).Active
	}, 5*time.Second, 50*time.Millisecond)
}
