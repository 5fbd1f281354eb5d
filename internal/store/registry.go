package store

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/berfenger/powerbus2mqtt/internal/core/domain"
	"github.com/berfenger/powerbus2mqtt/pkg/powerbus"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

var ErrModuleNotFound = errors.New("power module not found")

type moduleRecord struct {
	Address uint8    `yaml:"address"`
	Version uint8    `yaml:"version"`
	Name    string   `yaml:"name,omitempty"`
	Ports   []string `yaml:"ports,omitempty"`
	// one "HH:MM,HH:MM,..." day window table per port, Monday first
	Times []string `yaml:"times,omitempty"`
}

type registryFile struct {
	Modules []moduleRecord `yaml:"modules"`
}

// ModuleRegistry keeps the power modules known on the bus in a YAML file.
// Every change is written to disk before the call returns.
type ModuleRegistry struct {
	path    string
	mu      sync.RWMutex
	modules []moduleRecord
	logger  *zap.Logger
}

var _ powerbus.ModuleRegistry = (*ModuleRegistry)(nil)

func OpenModuleRegistry(path string, logger *zap.Logger) (*ModuleRegistry, error) {
	r := &ModuleRegistry{
		path:   path,
		logger: logger.With(zap.String("component", "registry")),
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		r.logger.Info("no module registry found, starting empty", zap.String("path", path))
		return r, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading module registry: %w", err)
	}
	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing module registry %s: %w", path, err)
	}
	for _, m := range file.Modules {
		if !powerbus.ModuleVersion(m.Version).Valid() {
			return nil, fmt.Errorf("module %d: %w: %d", m.Address, powerbus.ErrUnknownVersion, m.Version)
		}
		if m.Address < powerbus.MIN_ADDRESS || m.Address > powerbus.MAX_ADDRESS {
			return nil, fmt.Errorf("module address %d out of range", m.Address)
		}
		if r.index(m.Address) >= 0 {
			return nil, fmt.Errorf("module address %d registered twice", m.Address)
		}
		r.modules = append(r.modules, m)
	}
	r.logger.Info("module registry loaded", zap.String("path", path), zap.Int("modules", len(r.modules)))
	return r, nil
}

// index returns the position of address in modules or -1. Caller holds mu.
func (r *ModuleRegistry) index(address uint8) int {
	return slices.IndexFunc(r.modules, func(m moduleRecord) bool { return m.Address == address })
}

func (r *ModuleRegistry) ModuleExists(address byte) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.index(address) >= 0
}

// FreeAddress returns one above the highest assigned address, falling back
// to the lowest unused one once the top of the range is reached.
func (r *ModuleRegistry) FreeAddress() (byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var highest uint8
	for _, m := range r.modules {
		highest = max(highest, m.Address)
	}
	if highest < powerbus.MAX_ADDRESS {
		return highest + 1, nil
	}
	for a := powerbus.MIN_ADDRESS; a <= powerbus.MAX_ADDRESS; a++ {
		if r.index(a) < 0 {
			return a, nil
		}
	}
	return 0, powerbus.ErrNoFreeAddress
}

func (r *ModuleRegistry) RegisterModule(address byte, version powerbus.ModuleVersion) error {
	if !version.Valid() {
		return fmt.Errorf("%w: %d", powerbus.ErrUnknownVersion, version)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.index(address) >= 0 {
		return fmt.Errorf("module address %d already registered", address)
	}
	next := append(slices.Clone(r.modules), moduleRecord{Address: address, Version: uint8(version)})
	return r.commit(next)
}

func (r *ModuleRegistry) ReaddressModule(oldAddress, newAddress byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.index(oldAddress)
	if i < 0 {
		return fmt.Errorf("%w: address %d", ErrModuleNotFound, oldAddress)
	}
	if r.index(newAddress) >= 0 {
		return fmt.Errorf("module address %d already registered", newAddress)
	}
	next := slices.Clone(r.modules)
	next[i].Address = newAddress
	return r.commit(next)
}

// SetModuleConfig stores the name, port names and day windows of a module.
func (r *ModuleRegistry) SetModuleConfig(module domain.PowerModule) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.index(module.Address)
	if i < 0 {
		return fmt.Errorf("%w: address %d", ErrModuleNotFound, module.Address)
	}
	next := slices.Clone(r.modules)
	next[i].Name = module.Name
	next[i].Ports = slices.Clone(module.PortNames)
	next[i].Times = slices.Clone(module.Times)
	return r.commit(next)
}

func (r *ModuleRegistry) Module(address byte) (domain.PowerModule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i := r.index(address)
	if i < 0 {
		return domain.PowerModule{}, fmt.Errorf("%w: address %d", ErrModuleNotFound, address)
	}
	return toDomain(r.modules[i]), nil
}

// Modules returns every registered module ordered by address.
func (r *ModuleRegistry) Modules() []domain.PowerModule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.PowerModule, 0, len(r.modules))
	for _, m := range r.modules {
		out = append(out, toDomain(m))
	}
	slices.SortFunc(out, func(a, b domain.PowerModule) int { return int(a.Address) - int(b.Address) })
	return out
}

func toDomain(m moduleRecord) domain.PowerModule {
	return domain.PowerModule{
		Address:   m.Address,
		Version:   powerbus.ModuleVersion(m.Version),
		Name:      m.Name,
		PortNames: slices.Clone(m.Ports),
		Times:     slices.Clone(m.Times),
	}
}

// commit writes modules to a temporary file and renames it over the registry
// so a crash leaves either the old or the new content. Caller holds mu.
func (r *ModuleRegistry) commit(modules []moduleRecord) error {
	data, err := yaml.Marshal(registryFile{Modules: modules})
	if err != nil {
		return err
	}
	dir := filepath.Dir(r.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(r.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("writing module registry: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing module registry: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("writing module registry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("writing module registry: %w", err)
	}
	if err := os.Rename(tmp.Name(), r.path); err != nil {
		return fmt.Errorf("writing module registry: %w", err)
	}
	r.modules = modules
	r.logger.Debug("module registry saved", zap.Int("modules", len(modules)))
	return nil
}
