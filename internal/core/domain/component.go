package domain

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"

	"github.com/carlmjohnson/versioninfo"
)

const (
	SENSOR_ID_BRIDGE_STATE      = "bridge"
	SENSOR_ID_BUS_BYTES_READ    = "bus_bytes_read"
	SENSOR_ID_BUS_BYTES_WRITTEN = "bus_bytes_written"
	SENSOR_ID_BUS_LAST_SUCCESS  = "bus_seconds_since_success"
	SWITCH_ID_ADDRESS_MODE      = "address_mode"
	BUTTON_ID_DAY_NIGHT_SYNC    = "day_night_sync"
)

const (
	STATE_CLASS_MEASUREMENT      = "measurement"
	STATE_CLASS_TOTAL_INCREASING = "total_increasing"
	DEVICE_CLASS_CURRENT         = "current"
	DEVICE_CLASS_FREQUENCY       = "frequency"
	DEVICE_CLASS_POWER           = "power"
	DEVICE_CLASS_VOLTAGE         = "voltage"
	DEVICE_CLASS_DURATION        = "duration"
	DEVICE_CLASS_CONNECTIVITY    = "connectivity"
	ENTITY_CLASS_DIAGNOSTIC      = "diagnostic"
	ENTITY_CLASS_CONFIG          = "config"
	SENSOR_TYPE_SENSOR           = "sensor"
	SENSOR_TYPE_BINARY           = "binary_sensor"
)

type Device struct {
	Id           string
	Name         string
	Version      string
	Model        string
	Manufacturer string
	ViaDevice    string
}

type GenericSensor struct {
	Device            Device
	Id                string
	SensorType        string
	Name              string
	UniqueId          string
	UnitOfMeasurement string
	StateClass        string // measurement, total_increasing
	DeviceClass       string // voltage, current, power, frequency
	EntityCategory    string // diagnostic, config, nil
	EnabledByDefault  *bool
	Icon              string
}

type GenericSwitch struct {
	Device   Device
	Id       string
	Name     string
	UniqueId string
	Icon     string
}

type GenericButton struct {
	Device         Device
	Id             string
	Name           string
	UniqueId       string
	Icon           string
	EntityCategory string
}

func ModuleVoltageSensorId(address uint8) string {
	return fmt.Sprintf("module_%d_voltage", address)
}

func ModuleFrequencySensorId(address uint8) string {
	return fmt.Sprintf("module_%d_frequency", address)
}

func ModulePowerSensorId(address uint8, port int) string {
	return fmt.Sprintf("module_%d_power_%d", address, port+1)
}

func ModuleCurrentSensorId(address uint8, port int) string {
	return fmt.Sprintf("module_%d_current_%d", address, port+1)
}

func ShutterSensorId(address uint8, output int) string {
	return fmt.Sprintf("shutter_%d_%d", address, output+1)
}

func BridgeDevice(baseTopic string) Device {
	return Device{
		Id:           fmt.Sprintf("powerbus_bridge_%s", md5HashShort(baseTopic)),
		Manufacturer: "ACasal",
		Model:        "Powerbus gateway",
		Version:      versioninfo.Short(),
		Name:         fmt.Sprintf("Powerbus %s", md5HashShort(baseTopic)),
	}
}

func ModuleDevice(bridge Device, module PowerModule) Device {
	return Device{
		Id:           fmt.Sprintf("%s_module_%d", bridge.Id, module.Address),
		Manufacturer: "ACasal",
		Model:        fmt.Sprintf("Power module (%s)", module.Version),
		Name:         module.DisplayName(),
		ViaDevice:    bridge.Id,
	}
}

func ShutterDevice(bridge Device, address uint8) Device {
	return Device{
		Id:           fmt.Sprintf("%s_shutter_%d", bridge.Id, address),
		Manufacturer: "ACasal",
		Model:        "Shutter controller",
		Name:         fmt.Sprintf("Shutters %d", address),
		ViaDevice:    bridge.Id,
	}
}

func IdDevice(device Device) Device {
	return Device{
		Id:   device.Id,
		Name: device.Name,
	}
}

func BridgeSensors(bridgeDevice Device) []GenericSensor {

	var sensors []GenericSensor

	sensors = append(sensors, GenericSensor{
		Device:         bridgeDevice,
		Id:             SENSOR_ID_BRIDGE_STATE,
		SensorType:     SENSOR_TYPE_BINARY,
		Name:           "Connection state",
		DeviceClass:    DEVICE_CLASS_CONNECTIVITY,
		EntityCategory: ENTITY_CLASS_DIAGNOSTIC,
		UniqueId:       uniqueId(bridgeDevice.Id, SENSOR_ID_BRIDGE_STATE),
	})

	device := IdDevice(bridgeDevice)
	sensors = append(sensors, GenericSensor{
		Device:           device,
		Id:               SENSOR_ID_BUS_BYTES_READ,
		SensorType:       SENSOR_TYPE_SENSOR,
		Name:             "Bus bytes read",
		StateClass:       STATE_CLASS_TOTAL_INCREASING,
		EntityCategory:   ENTITY_CLASS_DIAGNOSTIC,
		EnabledByDefault: optionalBool(false),
		UniqueId:         uniqueId(bridgeDevice.Id, SENSOR_ID_BUS_BYTES_READ),
	})
	sensors = append(sensors, GenericSensor{
		Device:           device,
		Id:               SENSOR_ID_BUS_BYTES_WRITTEN,
		SensorType:       SENSOR_TYPE_SENSOR,
		Name:             "Bus bytes written",
		StateClass:       STATE_CLASS_TOTAL_INCREASING,
		EntityCategory:   ENTITY_CLASS_DIAGNOSTIC,
		EnabledByDefault: optionalBool(false),
		UniqueId:         uniqueId(bridgeDevice.Id, SENSOR_ID_BUS_BYTES_WRITTEN),
	})
	sensors = append(sensors, GenericSensor{
		Device:            device,
		Id:                SENSOR_ID_BUS_LAST_SUCCESS,
		SensorType:        SENSOR_TYPE_SENSOR,
		Name:              "Bus seconds since last reply",
		StateClass:        STATE_CLASS_MEASUREMENT,
		DeviceClass:       DEVICE_CLASS_DURATION,
		UnitOfMeasurement: "s",
		EntityCategory:    ENTITY_CLASS_DIAGNOSTIC,
		UniqueId:          uniqueId(bridgeDevice.Id, SENSOR_ID_BUS_LAST_SUCCESS),
	})

	return sensors
}

func BridgeSwitches(bridgeDevice Device) []GenericSwitch {

	var switches []GenericSwitch

	switches = append(switches, GenericSwitch{
		Device:   IdDevice(bridgeDevice),
		Id:       SWITCH_ID_ADDRESS_MODE,
		Name:     "Address mode",
		UniqueId: uniqueId(bridgeDevice.Id, SWITCH_ID_ADDRESS_MODE),
		Icon:     "mdi:lan-pending",
	})

	return switches
}

func BridgeButtons(bridgeDevice Device) []GenericButton {
	return []GenericButton{
		{
			Device:         IdDevice(bridgeDevice),
			Id:             BUTTON_ID_DAY_NIGHT_SYNC,
			Name:           "Sync day/night modes",
			UniqueId:       uniqueId(bridgeDevice.Id, BUTTON_ID_DAY_NIGHT_SYNC),
			Icon:           "mdi:theme-light-dark",
			EntityCategory: ENTITY_CLASS_CONFIG,
		},
	}
}

// ModuleSensors lists the sensors of a power module. The first one carries
// the full device description.
func ModuleSensors(moduleDevice Device, module PowerModule) []GenericSensor {

	var sensors []GenericSensor

	sensors = append(sensors, GenericSensor{
		Device:            moduleDevice,
		Id:                ModuleVoltageSensorId(module.Address),
		SensorType:        SENSOR_TYPE_SENSOR,
		Name:              "Voltage",
		StateClass:        STATE_CLASS_MEASUREMENT,
		DeviceClass:       DEVICE_CLASS_VOLTAGE,
		UnitOfMeasurement: "V",
		UniqueId:          uniqueId(moduleDevice.Id, "voltage"),
	})
	sensors = append(sensors, GenericSensor{
		Device:            IdDevice(moduleDevice),
		Id:                ModuleFrequencySensorId(module.Address),
		SensorType:        SENSOR_TYPE_SENSOR,
		Name:              "Frequency",
		StateClass:        STATE_CLASS_MEASUREMENT,
		DeviceClass:       DEVICE_CLASS_FREQUENCY,
		UnitOfMeasurement: "Hz",
		EnabledByDefault:  optionalBool(false),
		UniqueId:          uniqueId(moduleDevice.Id, "frequency"),
	})
	for port := 0; port < module.Version.Ports(); port++ {
		sensors = append(sensors, GenericSensor{
			Device:            IdDevice(moduleDevice),
			Id:                ModulePowerSensorId(module.Address, port),
			SensorType:        SENSOR_TYPE_SENSOR,
			Name:              fmt.Sprintf("%s power", module.PortName(port)),
			StateClass:        STATE_CLASS_MEASUREMENT,
			DeviceClass:       DEVICE_CLASS_POWER,
			UnitOfMeasurement: "W",
			UniqueId:          uniqueId(moduleDevice.Id, fmt.Sprintf("power_%d", port+1)),
		})
		sensors = append(sensors, GenericSensor{
			Device:            IdDevice(moduleDevice),
			Id:                ModuleCurrentSensorId(module.Address, port),
			SensorType:        SENSOR_TYPE_SENSOR,
			Name:              fmt.Sprintf("%s current", module.PortName(port)),
			StateClass:        STATE_CLASS_MEASUREMENT,
			DeviceClass:       DEVICE_CLASS_CURRENT,
			UnitOfMeasurement: "A",
			EnabledByDefault:  optionalBool(false),
			UniqueId:          uniqueId(moduleDevice.Id, fmt.Sprintf("current_%d", port+1)),
		})
	}

	return sensors
}

func ShutterSensors(shutterDevice Device, address uint8, names []string) []GenericSensor {

	var sensors []GenericSensor

	for i, name := range names {
		device := shutterDevice
		if i > 0 {
			device = IdDevice(shutterDevice)
		}
		sensors = append(sensors, GenericSensor{
			Device:     device,
			Id:         ShutterSensorId(address, i),
			SensorType: SENSOR_TYPE_SENSOR,
			Name:       name,
			Icon:       "mdi:window-shutter",
			UniqueId:   uniqueId(shutterDevice.Id, fmt.Sprintf("output_%d", i+1)),
		})
	}

	return sensors
}

func uniqueId(baseId, id string) string {
	return fmt.Sprintf("uid_%s_%s", baseId, id)
}

func md5Hash(text string) string {
	hash := md5.Sum([]byte(text))
	return hex.EncodeToString(hash[:])
}

func md5HashShort(text string) string {
	hash := md5Hash(text)
	return hash[0:8]
}

func optionalBool(value bool) *bool {
	return &value
}
