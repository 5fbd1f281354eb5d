package modbus

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/berfenger/powerbus2mqtt/internal/core/domain"

	"github.com/simonvetter/modbus"
	"go.uber.org/zap"
)

// Input register map of every module, unit id = bus address. Values are
// float32, two registers each, high word first.
const (
	REG_VOLTAGE   = 0
	REG_FREQUENCY = 2
	REG_POWER     = 4
)

// ReadingCache holds the last reading of every module as input registers.
type ReadingCache struct {
	mu        sync.RWMutex
	registers map[uint8][]uint16
	readAt    map[uint8]time.Time
}

func NewReadingCache() *ReadingCache {
	return &ReadingCache{
		registers: map[uint8][]uint16{},
		readAt:    map[uint8]time.Time{},
	}
}

// Update stores a reading. Power registers start at REG_POWER, the current
// registers follow the power ones.
func (c *ReadingCache) Update(r *domain.ModuleReading) {
	regs := make([]uint16, 0, REG_POWER+2*(len(r.Power)+len(r.Current)))
	regs = appendFloat32(regs, r.Voltage)
	regs = appendFloat32(regs, r.Frequency)
	for _, p := range r.Power {
		regs = appendFloat32(regs, p)
	}
	for _, i := range r.Current {
		regs = appendFloat32(regs, i)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.registers[r.Address] = regs
	c.readAt[r.Address] = r.ReadAt
}

func (c *ReadingCache) Registers(unit uint8) ([]uint16, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	regs, ok := c.registers[unit]
	return regs, ok
}

func (c *ReadingCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.registers)
}

func appendFloat32(regs []uint16, v float32) []uint16 {
	bits := math.Float32bits(v)
	return append(regs, uint16(bits>>16), uint16(bits))
}

// ExportHandler serves the cache as read-only input registers.
type ExportHandler struct {
	cache  *ReadingCache
	logger *zap.Logger
}

func NewExportHandler(cache *ReadingCache, logger *zap.Logger) *ExportHandler {
	return &ExportHandler{cache: cache, logger: logger}
}

func (h *ExportHandler) HandleCoils(req *modbus.CoilsRequest) ([]bool, error) {
	return nil, modbus.ErrIllegalFunction
}

func (h *ExportHandler) HandleDiscreteInputs(req *modbus.DiscreteInputsRequest) ([]bool, error) {
	return nil, modbus.ErrIllegalFunction
}

func (h *ExportHandler) HandleHoldingRegisters(req *modbus.HoldingRegistersRequest) ([]uint16, error) {
	return nil, modbus.ErrIllegalFunction
}

func (h *ExportHandler) HandleInputRegisters(req *modbus.InputRegistersRequest) ([]uint16, error) {
	regs, ok := h.cache.Registers(req.UnitId)
	if !ok {
		h.logger.Debug("modbus export: no reading for unit", zap.Uint8("unit", req.UnitId), zap.String("client", req.ClientAddr))
		return nil, modbus.ErrIllegalDataAddress
	}
	end := int(req.Addr) + int(req.Quantity)
	if end > len(regs) {
		return nil, modbus.ErrIllegalDataAddress
	}
	out := make([]uint16, req.Quantity)
	copy(out, regs[req.Addr:end])
	return out, nil
}

// ExportServer is a Modbus TCP server publishing the cached readings.
type ExportServer struct {
	server *modbus.ModbusServer
	listen string
	logger *zap.Logger
}

func NewExportServer(listen string, cache *ReadingCache, logger *zap.Logger) (*ExportServer, error) {
	logger = logger.With(zap.String("component", "modbus_export"))
	server, err := modbus.NewServer(&modbus.ServerConfiguration{
		URL:        fmt.Sprintf("tcp://%s", listen),
		Timeout:    30 * time.Second,
		MaxClients: 5,
	}, NewExportHandler(cache, logger))
	if err != nil {
		return nil, fmt.Errorf("creating modbus export server: %w", err)
	}
	return &ExportServer{server: server, listen: listen, logger: logger}, nil
}

func (s *ExportServer) Start() error {
	if err := s.server.Start(); err != nil {
		return fmt.Errorf("starting modbus export on %s: %w", s.listen, err)
	}
	s.logger.Info("modbus export listening", zap.String("listen", s.listen))
	return nil
}

func (s *ExportServer) Stop() error {
	return s.server.Stop()
}
