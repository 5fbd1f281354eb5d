package modbus

import (
	"testing"
	"time"

	"github.com/berfenger/powerbus2mqtt/internal/core/domain"
	"github.com/berfenger/powerbus2mqtt/pkg/powerbus"

	"github.com/simonvetter/modbus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testReading() *domain.ModuleReading {
	return &domain.ModuleReading{
		Address:   7,
		Version:   powerbus.POWER_MODULE_8_PORTS,
		Voltage:   230.5,
		Frequency: 50,
		Current:   []float32{0.5, 1, 0, 0, 0, 0, 0, 0},
		Power:     []float32{115, 230, 0, 0, 0, 0, 0, 12.5},
		ReadAt:    time.Now(),
	}
}

func TestReadingCacheLayout(t *testing.T) {

	require := require.New(t)

	cache := NewReadingCache()
	cache.Update(testReading())

	regs, ok := cache.Registers(7)
	require.True(ok)
	require.Len(regs, 4+2*8+2*8)
	// 230.5 = 0x43668000
	require.Equal([]uint16{0x4366, 0x8000}, regs[REG_VOLTAGE:REG_VOLTAGE+2])
	// 50.0 = 0x42480000
	require.Equal([]uint16{0x4248, 0x0000}, regs[REG_FREQUENCY:REG_FREQUENCY+2])
	// 115.0 = 0x42e60000
	require.Equal([]uint16{0x42e6, 0x0000}, regs[REG_POWER:REG_POWER+2])

	_, ok = cache.Registers(8)
	require.False(ok)
}

func TestExportHandler(t *testing.T) {

	require := require.New(t)

	cache := NewReadingCache()
	cache.Update(testReading())
	handler := NewExportHandler(cache, zap.Must(zap.NewDevelopment()))

	regs, err := handler.HandleInputRegisters(&modbus.InputRegistersRequest{UnitId: 7, Addr: 2, Quantity: 2})
	require.NoError(err)
	require.Equal([]uint16{0x4248, 0x0000}, regs)

	_, err = handler.HandleInputRegisters(&modbus.InputRegistersRequest{UnitId: 7, Addr: 34, Quantity: 4})
	require.ErrorIs(err, modbus.ErrIllegalDataAddress)

	_, err = handler.HandleInputRegisters(&modbus.InputRegistersRequest{UnitId: 3, Addr: 0, Quantity: 2})
	require.ErrorIs(err, modbus.ErrIllegalDataAddress)

	_, err = handler.HandleHoldingRegisters(&modbus.HoldingRegistersRequest{UnitId: 7, Addr: 0, Quantity: 2})
	require.ErrorIs(err, modbus.ErrIllegalFunction)
}

func TestExportServer(t *testing.T) {

	require := require.New(t)

	logger := zap.Must(zap.NewDevelopment())
	cache := NewReadingCache()
	cache.Update(testReading())

	server, err := NewExportServer("127.0.0.1:15502", cache, logger)
	require.NoError(err)
	require.NoError(server.Start())
	defer server.Stop()

	client, err := modbus.NewClient(&modbus.ClientConfiguration{
		URL:     "tcp://127.0.0.1:15502",
		Timeout: 1 * time.Second,
	})
	require.NoError(err)
	require.NoError(client.Open())
	defer client.Close()
	require.NoError(client.SetUnitId(7))

	values, err := client.ReadFloat32s(REG_VOLTAGE, 2, modbus.INPUT_REGISTER)
	require.NoError(err)
	require.Equal([]float32{230.5, 50}, values)

	power, err := client.ReadFloat32s(REG_POWER, 8, modbus.INPUT_REGISTER)
	require.NoError(err)
	require.Equal(float32(12.5), power[7])
}
