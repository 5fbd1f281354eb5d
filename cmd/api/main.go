package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	adactor "github.com/berfenger/powerbus2mqtt/internal/adapter/actor"
	"github.com/berfenger/powerbus2mqtt/internal/config"
	"github.com/berfenger/powerbus2mqtt/internal/core/actor"
	"github.com/berfenger/powerbus2mqtt/internal/core/domain"
	"github.com/berfenger/powerbus2mqtt/internal/server"
	"github.com/berfenger/powerbus2mqtt/internal/store"
	"github.com/berfenger/powerbus2mqtt/internal/util/actorutil"
	"github.com/berfenger/powerbus2mqtt/pkg/powerbus"

	pactor "github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/eventstream"
	"github.com/carlmjohnson/versioninfo"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func gracefulShutdown(apiServer *http.Server, done chan bool) {
	// Create context that listens for the interrupt signal from the OS.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Listen for the interrupt signal.
	<-ctx.Done()

	log.Println("shutting down gracefully, press Ctrl+C again to force")

	// The context is used to inform the server it has 5 seconds to finish
	// the request it is currently handling
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(ctx); err != nil {
		log.Printf("Server forced to shutdown with error: %v", err)
	}

	log.Println("Server exiting")

	// Notify the main goroutine that the shutdown is complete
	done <- true
}

func main() {

	// load and print config
	cfg, err := initConfig()
	if err != nil {
		slog.Error("config errors", "error", err)
		return
	}
	safePrintConfig(*cfg)

	// zap logger
	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(cfg.LogLevel)

	logger := zap.Must(zapCfg.Build())
	logger.Info("starting powerbus2mqtt", zap.String("version", versioninfo.Short()))

	// module registry
	registry, err := store.OpenModuleRegistry(cfg.Registry.Path, logger)
	if err != nil {
		slog.Error("cannot open module registry", "path", cfg.Registry.Path, "error", err)
		return
	}

	// init actor system
	as := actorutil.NewActorSystemWithZapLogger(logger)
	ctx := as.Root

	defer logger.Sync()

	props := pactor.PropsFromProducer(func() pactor.Actor {
		return actor.NewMasterOfPuppetsActor(*cfg, registry, busActorProvider(cfg, registry, logger), mqttActorProvider(cfg, logger), logger)
	})
	pid, err := ctx.SpawnNamed(props, domain.ACTOR_ID_MASTER)
	if err != nil {
		return
	}

	server := server.NewServer(*cfg, ctx, pid)
	// Create a done channel to signal when the shutdown is complete
	done := make(chan bool, 1)

	// Run graceful shutdown in a separate goroutine
	go gracefulShutdown(server, done)

	err = server.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		panic(fmt.Sprintf("http server error: %s", err))
	}

	// Wait for the graceful shutdown to complete
	<-done
	log.Println("Graceful shutdown complete.")

	ctx.Stop(pid)
	as.Shutdown()
}

func initConfig() (*config.Config, error) {

	// alias PORT => POWERBUS_PORT
	if port := os.Getenv("PORT"); port != "" {
		os.Setenv("POWERBUS_PORT", port)
	}

	setConfigDefaults()

	viper.SetEnvPrefix("powerbus")
	viper.AutomaticEnv()

	// if defined, try to load config from yaml file
	if cfgFile := os.Getenv("CONFIG_FILE"); cfgFile != "" {
		if _, err := os.Stat(cfgFile); err == nil {
			slog.Info("Using config", "file", cfgFile)
			viper.SetConfigFile(cfgFile)

			err = viper.ReadInConfig()
			if err != nil {
				slog.Error("Error reading config file", "error", err)
			}
		}
	}

	var cfg config.Config

	err := viper.Unmarshal(&cfg)
	if err != nil {
		return nil, err
	}

	// parse log level
	switch viper.GetString("log_level") {
	case "trace":
		cfg.LogLevel = zap.DebugLevel
	case "debug":
		cfg.LogLevel = zap.DebugLevel
	case "info":
		cfg.LogLevel = zap.InfoLevel
	case "error":
		cfg.LogLevel = zap.ErrorLevel
	case "warn":
		cfg.LogLevel = zap.WarnLevel
	case "fatal":
		cfg.LogLevel = zap.FatalLevel
	default:
		cfg.LogLevel = zap.InfoLevel
	}

	// check and fix base topic
	baseTopic, err := config.CheckMQTTTopic(cfg.MQTT.BaseTopic)
	if err != nil {
		return nil, errors.New("invalid base topic. can only contain letters, numbers and underscores")
	}
	cfg.MQTT.BaseTopic = baseTopic

	// check and fix homeassistant discovery topic
	hadBaseTopic, err := config.CheckMQTTTopic(cfg.MQTT.HADiscoveryTopic)
	if err != nil {
		return nil, errors.New("invalid homeassistant discovery topic. can only contain letters, numbers and underscores")
	}
	cfg.MQTT.HADiscoveryTopic = hadBaseTopic

	// check bounds
	if cfg.Bus.Device == "" {
		return nil, errors.New("config param bus.device is required")
	}
	if cfg.Bus.BaudRate <= 0 {
		return nil, errors.New("config param bus.baud_rate should be > 0")
	}
	if cfg.MonitorConfig.PollIntervalMillis < 1000 {
		return nil, errors.New("config param monitor.poll_interval_millis should be >= 1000")
	}
	if cfg.TimeKeeperConfig.Enable && cfg.TimeKeeperConfig.IntervalSeconds < 10 {
		return nil, errors.New("config param time_keeper.interval_seconds should be >= 10")
	}
	if err := config.CheckShutters(cfg.Shutters); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func busActorProvider(cfg *config.Config, registry *store.ModuleRegistry, logger *zap.Logger) actor.BusActorProvider {
	open := func() (powerbus.Transport, error) {
		transport, err := powerbus.OpenSerial(powerbus.SerialConfig{
			Device:      cfg.Bus.Device,
			BaudRate:    cfg.Bus.BaudRate,
			ReadTimeout: cfg.Bus.ReadTimeout(),
			RS485:       cfg.Bus.RS485,
		})
		if err != nil {
			return nil, err
		}
		return transport, nil
	}
	return func(es *eventstream.EventStream) *adactor.BusActor {
		return adactor.NewBusActor(cfg.Bus, open, registry, es, logger)
	}
}

func mqttActorProvider(cfg *config.Config, logger *zap.Logger) actor.MQTTActorProvider {
	return func(es *eventstream.EventStream) *adactor.MQTTActor {
		return adactor.NewMQTTActor(cfg, es, logger)
	}
}

func setConfigDefaults() {
	viper.SetDefault("log_level", "warn")
	viper.SetDefault("bus.device", "/dev/ttyUSB0")
	viper.SetDefault("bus.baud_rate", 57600)
	viper.SetDefault("bus.rs485", false)
	viper.SetDefault("bus.read_timeout_millis", 50)
	viper.SetDefault("bus.command_timeout_millis", powerbus.DEFAULT_COMMAND_TIMEOUT.Milliseconds())
	viper.SetDefault("bus.retry_attempts", 3)
	viper.SetDefault("bus.address_mode_timeout_seconds", 300)
	viper.SetDefault("bus.quiescence_seconds", 30)
	viper.SetDefault("registry.path", "modules.yaml")
	viper.SetDefault("mqtt.ha_discovery_enable", false)
	viper.SetDefault("mqtt.base_topic", "powerbus")
	viper.SetDefault("mqtt.ha_discovery_topic", "homeassistant")
	viper.SetDefault("monitor.poll_interval_millis", 5000)
	viper.SetDefault("time_keeper.enable", true)
	viper.SetDefault("time_keeper.interval_seconds", 60)
	viper.SetDefault("modbus_export.enable", false)
	viper.SetDefault("modbus_export.listen", ":502")
	viper.SetDefault("port", 8080)
}

func safePrintConfig(cfg config.Config) {
	cfg.MQTT.Username = "*redacted*"
	cfg.MQTT.Password = "*redacted*"
	slog.Info("Using", "config", cfg)
}
