package actor

import (
	"fmt"

	admodbus "github.com/berfenger/powerbus2mqtt/internal/adapter/modbus"
	"github.com/berfenger/powerbus2mqtt/internal/config"
	"github.com/berfenger/powerbus2mqtt/internal/core/domain"
	"github.com/berfenger/powerbus2mqtt/internal/util/actorutil"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/eventstream"
	"go.uber.org/zap"
)

const ACTOR_ID_MODBUS_EXPORT = "modbusexport"

// ModbusExportActor serves the module readings of the event stream over
// Modbus TCP.
type ModbusExportActor struct {
	config       config.ModbusExportConfig
	eventStream  *eventstream.EventStream
	subscription *eventstream.Subscription
	cache        *admodbus.ReadingCache
	server       *admodbus.ExportServer
	logger       *zap.Logger
}

type moduleReadingReceived struct {
	reading *domain.ModuleReading
}

func NewModbusExportActor(config config.ModbusExportConfig, eventStream *eventstream.EventStream, logger *zap.Logger) *ModbusExportActor {
	return &ModbusExportActor{
		config:      config,
		eventStream: eventStream,
		cache:       admodbus.NewReadingCache(),
		logger:      actorutil.ActorLogger(ACTOR_ID_MODBUS_EXPORT, logger),
	}
}

func (state *ModbusExportActor) Receive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.Started:
		state.logger.Debug("modbusexport@default started")
		server, err := admodbus.NewExportServer(state.config.Listen, state.cache, state.logger)
		if err != nil {
			panic(err)
		}
		if err := server.Start(); err != nil {
			panic(err)
		}
		state.server = server

		root := ctx.ActorSystem().Root
		self := ctx.Self()
		state.subscription = state.eventStream.Subscribe(func(evt any) {
			if reading, ok := evt.(*domain.ModuleReading); ok {
				root.Send(self, moduleReadingReceived{reading: reading})
			}
		})
	case moduleReadingReceived:
		state.cache.Update(msg.reading)
	case domain.ActorHealthRequest:
		ctx.Respond(domain.ActorHealthResponse{
			Id:      ACTOR_ID_MODBUS_EXPORT,
			Healthy: state.server != nil,
			State:   fmt.Sprintf("modules=%d", state.cache.Len()),
		})
	case *actor.Restarting:
		state.stop()
	case *actor.Stopping:
		state.stop()
	}
}

func (state *ModbusExportActor) stop() {
	if state.subscription != nil {
		state.eventStream.Unsubscribe(state.subscription)
		state.subscription = nil
	}
	if state.server != nil {
		if err := state.server.Stop(); err != nil {
			state.logger.Warn("stopping modbus export", zap.Error(err))
		}
		state.server = nil
	}
}
