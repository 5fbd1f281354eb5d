package util

import (
	"github.com/berfenger/powerbus2mqtt/internal/config"

	"go.uber.org/zap"
)

func LoadTestConfig() config.Config {
	return config.Config{
		LogLevel: zap.DebugLevel,
		Bus: config.BusConfig{
			Device:                    "test",
			BaudRate:                  57600,
			ReadTimeoutMillis:         50,
			CommandTimeoutMillis:      300,
			RetryAttempts:             2,
			AddressModeTimeoutSeconds: 300,
			QuiescenceSeconds:         30,
		},
		MQTT: config.MQTTConfig{
			Host:      "localhost",
			Port:      1883,
			BaseTopic: "powerbus",
		},
		MonitorConfig: config.MonitorConfig{
			PollIntervalMillis: 5000,
		},
		TimeKeeperConfig: config.TimeKeeperConfig{
			Enable:          true,
			IntervalSeconds: 60,
		},
		Port: 8080,
	}
}
