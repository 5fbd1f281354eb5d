package service

import (
	"context"
	"fmt"
	"time"

	"github.com/berfenger/powerbus2mqtt/internal/core/domain"
	"github.com/berfenger/powerbus2mqtt/internal/core/port"
	"github.com/berfenger/powerbus2mqtt/pkg/powerbus"
)

// PowerService reads and programs power modules through a bus executor,
// picking the command variant of each module version.
type PowerService struct {
	bus   port.BusExecutor
	clock func() time.Time
}

func NewPowerService(bus port.BusExecutor, clock func() time.Time) *PowerService {
	if clock == nil {
		clock = time.Now
	}
	return &PowerService{bus: bus, clock: clock}
}

func (s *PowerService) ReadModule(ctx context.Context, module domain.PowerModule) (*domain.ModuleReading, error) {
	voltage, err := s.readFloats(ctx, module, powerbus.GetVoltage, "voltage")
	if err != nil {
		return nil, err
	}
	frequency, err := s.readFloats(ctx, module, powerbus.GetFrequency, "frequency")
	if err != nil {
		return nil, err
	}
	current, err := s.readFloats(ctx, module, powerbus.GetCurrent, "current")
	if err != nil {
		return nil, err
	}
	power, err := s.readFloats(ctx, module, powerbus.GetPower, "power")
	if err != nil {
		return nil, err
	}
	// 12 port modules report voltage and frequency per port, all of them
	// measured on the same feed
	return &domain.ModuleReading{
		Address:   module.Address,
		Version:   module.Version,
		Voltage:   voltage[0],
		Frequency: frequency[0],
		Current:   current,
		Power:     power,
		ReadAt:    s.clock(),
	}, nil
}

// SetDayNight sends one mode per port, powerbus.DAY or powerbus.NIGHT.
func (s *PowerService) SetDayNight(ctx context.Context, module domain.PowerModule, modes []int8) error {
	cmd, err := powerbus.SetDayNight(module.Version)
	if err != nil {
		return err
	}
	if len(modes) != module.Version.Ports() {
		return fmt.Errorf("module %d has %d ports, got %d modes", module.Address, module.Version.Ports(), len(modes))
	}
	_, err = s.bus.Execute(ctx, module.Address, cmd, modes)
	return err
}

func (s *PowerService) FirmwareVersion(ctx context.Context, address uint8) (string, error) {
	values, err := s.bus.Execute(ctx, address, powerbus.GetFirmwareVersion)
	if err != nil {
		return "", err
	}
	return values.String("version")
}

func (s *PowerService) readFloats(ctx context.Context, module domain.PowerModule,
	command func(powerbus.ModuleVersion) (*powerbus.Command, error), field string) ([]float32, error) {
	cmd, err := command(module.Version)
	if err != nil {
		return nil, err
	}
	values, err := s.bus.Execute(ctx, module.Address, cmd)
	if err != nil {
		return nil, fmt.Errorf("reading %s of module %d: %w", field, module.Address, err)
	}
	floats, err := values.Floats(field)
	if err != nil {
		return nil, err
	}
	if len(floats) == 0 {
		return nil, fmt.Errorf("module %d returned no %s", module.Address, field)
	}
	return floats, nil
}
