package domain

import (
	"fmt"
	"time"

	"github.com/berfenger/powerbus2mqtt/pkg/powerbus"
)

// PowerModule is a metering module registered on the bus.
type PowerModule struct {
	Address   uint8
	Version   powerbus.ModuleVersion
	Name      string
	PortNames []string
	// Times holds one weekly day window table per port: 14 "HH:MM" values,
	// start and stop for each day, Monday first.
	Times []string
}

func (m PowerModule) DisplayName() string {
	if m.Name != "" {
		return m.Name
	}
	return fmt.Sprintf("Power module %d", m.Address)
}

func (m PowerModule) PortName(port int) string {
	if port < len(m.PortNames) && m.PortNames[port] != "" {
		return m.PortNames[port]
	}
	return fmt.Sprintf("Port %d", port+1)
}

// ModuleReading is one poll of the electrical values of a module.
type ModuleReading struct {
	Address   uint8
	Version   powerbus.ModuleVersion
	Voltage   float32
	Frequency float32
	Current   []float32
	Power     []float32
	ReadAt    time.Time
}

type BusHealth struct {
	BytesWritten            uint64
	BytesRead               uint64
	SecondsSinceLastSuccess float64
	InAddressMode           bool
	Error                   string
}

type AddressAssignment struct {
	OldAddress  uint8
	NewAddress  uint8
	Version     powerbus.ModuleVersion
	Readdressed bool
}

type ShutterMotion int

const (
	SHUTTER_STOPPED ShutterMotion = iota
	SHUTTER_GOING_UP
	SHUTTER_GOING_DOWN
	SHUTTER_UP
	SHUTTER_DOWN
)

func (m ShutterMotion) String() string {
	switch m {
	case SHUTTER_STOPPED:
		return "stopped"
	case SHUTTER_GOING_UP:
		return "going_up"
	case SHUTTER_GOING_DOWN:
		return "going_down"
	case SHUTTER_UP:
		return "up"
	case SHUTTER_DOWN:
		return "down"
	}
	return fmt.Sprintf("unknown(%d)", int(m))
}

// ShutterChange reports a new motion of one shutter output.
type ShutterChange struct {
	Module uint8
	Output int
	Motion ShutterMotion
	Since  time.Time
}
