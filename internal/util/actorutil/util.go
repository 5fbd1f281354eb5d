package actorutil

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/berfenger/powerbus2mqtt/internal/core/domain"
	"github.com/berfenger/powerbus2mqtt/internal/mqtt"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/lmittmann/tint"
	"go.uber.org/zap"
)

func PipeToSelfWithRecover(ctx actor.Context, future *actor.Future, mapFn func(error) any) {
	ctx.ReenterAfter(future, func(msg any, err error) {
		if err != nil {
			ctx.Send(ctx.Self(), mapFn(err))
			return
		}
		ctx.Send(ctx.Self(), msg)
	})
}

func NewActorSystemWithZapLogger(logger *zap.Logger) *actor.ActorSystem {
	stdOutLogger := zap.NewStdLog(logger)

	var slogLevel slog.Level = slog.LevelInfo

	switch logger.Level() {
	case zap.DebugLevel:
		slogLevel = slog.LevelDebug
	case zap.InfoLevel:
		slogLevel = slog.LevelInfo
	case zap.WarnLevel:
		slogLevel = slog.LevelWarn
	case zap.ErrorLevel:
		slogLevel = slog.LevelError
	case zap.PanicLevel:
		slogLevel = slog.LevelError
	}

	return actor.NewActorSystem(actor.WithLoggerFactory(func(system *actor.ActorSystem) *slog.Logger {

		// create a new logger
		return slog.New(tint.NewHandler(stdOutLogger.Writer(), &tint.Options{
			Level:      slogLevel,
			TimeFormat: time.DateTime,
		}))
	}))
}

func ActorLogger(actorName string, logger *zap.Logger) *zap.Logger {
	return logger.With(zap.String("actor", actorName))
}

// ParsedMQTTCommandToCommand maps a command topic message to a bridge
// command. Unknown devices map to nil.
func ParsedMQTTCommandToCommand(cmd mqtt.ParsedMQTTCommand) (domain.BridgeCommand, error) {
	switch {
	case cmd.Command == mqtt.COMMAND_SWITCH && cmd.DeviceId == domain.SWITCH_ID_ADDRESS_MODE:
		return domain.AddressModeSwitchCommand{
			Enable: cmd.Payload == mqtt.MQTT_PAYLOAD_ON,
		}, nil
	case cmd.Command == mqtt.COMMAND_BUTTON && cmd.DeviceId == domain.BUTTON_ID_DAY_NIGHT_SYNC:
		return domain.SyncDayNightCommand{}, nil
	case cmd.Command != mqtt.COMMAND_SWITCH && cmd.Command != mqtt.COMMAND_BUTTON:
		return nil, fmt.Errorf("unknown command type %q", cmd.Command)
	}
	return nil, nil
}
