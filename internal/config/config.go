package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap/zapcore"
)

type Config struct {
	LogLevel zapcore.Level
	Bus      BusConfig      `mapstructure:"bus"`
	Registry RegistryConfig `mapstructure:"registry"`
	MQTT     MQTTConfig     `mapstructure:"mqtt"`

	MonitorConfig    MonitorConfig      `mapstructure:"monitor"`
	TimeKeeperConfig TimeKeeperConfig   `mapstructure:"time_keeper"`
	ModbusExport     ModbusExportConfig `mapstructure:"modbus_export"`
	Shutters         []ShutterConfig    `mapstructure:"shutters"`
	Port             uint               `mapstructure:"port"`
	HttpLog          bool               `mapstructure:"http_log"`
}

type BusConfig struct {
	Device                    string
	BaudRate                  int    `mapstructure:"baud_rate"`
	RS485                     bool   `mapstructure:"rs485"`
	ReadTimeoutMillis         uint32 `mapstructure:"read_timeout_millis"`
	CommandTimeoutMillis      uint32 `mapstructure:"command_timeout_millis"`
	RetryAttempts             int    `mapstructure:"retry_attempts"`
	AddressModeTimeoutSeconds uint32 `mapstructure:"address_mode_timeout_seconds"`
	QuiescenceSeconds         uint32 `mapstructure:"quiescence_seconds"`
}

func (c BusConfig) ReadTimeout() time.Duration {
	return time.Duration(c.ReadTimeoutMillis) * time.Millisecond
}

func (c BusConfig) CommandTimeout() time.Duration {
	return time.Duration(c.CommandTimeoutMillis) * time.Millisecond
}

func (c BusConfig) AddressModeTimeout() time.Duration {
	return time.Duration(c.AddressModeTimeoutSeconds) * time.Second
}

func (c BusConfig) QuiescenceWindow() time.Duration {
	return time.Duration(c.QuiescenceSeconds) * time.Second
}

type RegistryConfig struct {
	Path string
}

type MonitorConfig struct {
	PollIntervalMillis uint32 `mapstructure:"poll_interval_millis"`
}

type TimeKeeperConfig struct {
	Enable          bool
	IntervalSeconds uint32 `mapstructure:"interval_seconds"`
}

type ModbusExportConfig struct {
	Enable bool
	Listen string
}

// ShutterConfig wires the four outputs of a shutter module.
type ShutterConfig struct {
	Address uint8
	Outputs []ShutterOutputConfig
}

type ShutterOutputConfig struct {
	Name             string
	UpDownConfig     uint8  `mapstructure:"up_down_config"`
	TimerUpSeconds   uint32 `mapstructure:"timer_up_seconds"`
	TimerDownSeconds uint32 `mapstructure:"timer_down_seconds"`
}

type MQTTConfig struct {
	Host              string
	Port              int
	Username          string
	Password          string
	BaseTopic         string `mapstructure:"base_topic"`
	HADiscoveryEnable bool   `mapstructure:"ha_discovery_enable"`
	HADiscoveryTopic  string `mapstructure:"ha_discovery_topic"`
}

func CheckMQTTTopic(baseTopic string) (string, error) {
	// check and fix base topic
	lowerBaseTopic := strings.ToLower(baseTopic)
	baseTopicRegexp := regexp.MustCompile("^[a-z0-9_]+$")
	matches := baseTopicRegexp.FindAllStringSubmatch(lowerBaseTopic, 1)
	if len(matches) <= 0 {
		return "", errors.New("invalid topic. can only contain letters, numbers and underscores")
	}
	return lowerBaseTopic, nil
}

// CheckShutters validates the shutter wiring: four outputs per module at
// most, a relay order of 0 or 1 and no module listed twice.
func CheckShutters(shutters []ShutterConfig) error {
	seen := map[uint8]bool{}
	for _, s := range shutters {
		if s.Address == 0 || s.Address == 255 {
			return fmt.Errorf("shutter module address %d out of range", s.Address)
		}
		if seen[s.Address] {
			return fmt.Errorf("shutter module %d configured twice", s.Address)
		}
		seen[s.Address] = true
		if len(s.Outputs) > 4 {
			return fmt.Errorf("shutter module %d has %d outputs, max is 4", s.Address, len(s.Outputs))
		}
		for i, o := range s.Outputs {
			if o.UpDownConfig > 1 {
				return fmt.Errorf("shutter module %d output %d: up_down_config must be 0 or 1", s.Address, i+1)
			}
		}
	}
	return nil
}
