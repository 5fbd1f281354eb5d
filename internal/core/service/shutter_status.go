package service

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/berfenger/powerbus2mqtt/internal/core/domain"
)

const SHUTTER_OUTPUTS = 4

// ShutterOutputConfig describes the wiring of one shutter output.
type ShutterOutputConfig struct {
	// UpDownConfig is 0 when the even relay drives the shutter up, 1 when the
	// odd one does.
	UpDownConfig uint8
	TimerUp      time.Duration
	TimerDown    time.Duration
}

type ShutterModuleConfig struct {
	Address uint8
	Outputs [SHUTTER_OUTPUTS]ShutterOutputConfig
}

type shutterOutputState struct {
	motion domain.ShutterMotion
	since  time.Time
}

// ShutterStatus turns raw output bytes of shutter modules into motion states.
// Going up or down becomes up or down once the output stops after running for
// at least its full travel timer.
type ShutterStatus struct {
	mu      sync.Mutex
	configs map[uint8]ShutterModuleConfig
	states  map[uint8]*[SHUTTER_OUTPUTS]shutterOutputState
	clock   func() time.Time
}

func NewShutterStatus(configs []ShutterModuleConfig, clock func() time.Time) *ShutterStatus {
	if clock == nil {
		clock = time.Now
	}
	s := &ShutterStatus{
		configs: make(map[uint8]ShutterModuleConfig, len(configs)),
		states:  make(map[uint8]*[SHUTTER_OUTPUTS]shutterOutputState, len(configs)),
		clock:   clock,
	}
	for _, cfg := range configs {
		s.configs[cfg.Address] = cfg
	}
	return s
}

// Modules returns the configured module addresses in ascending order.
func (s *ShutterStatus) Modules() []uint8 {
	s.mu.Lock()
	defer s.mu.Unlock()
	modules := make([]uint8, 0, len(s.configs))
	for address := range s.configs {
		modules = append(modules, address)
	}
	slices.Sort(modules)
	return modules
}

// Init sets the state of a module from a status byte read at startup. A
// module already tracked through updates keeps its state.
func (s *ShutterStatus) Init(module uint8, raw uint8) ([]domain.ShutterChange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.configs[module]; !ok {
		return nil, fmt.Errorf("shutter module %d is not configured", module)
	}
	if _, ok := s.states[module]; ok {
		return nil, nil
	}
	return s.initLocked(module, raw)
}

func (s *ShutterStatus) initLocked(module uint8, raw uint8) ([]domain.ShutterChange, error) {
	cfg, ok := s.configs[module]
	if !ok {
		return nil, fmt.Errorf("shutter module %d is not configured", module)
	}
	now := s.clock()
	observed := observedMotions(cfg, raw)
	states := &[SHUTTER_OUTPUTS]shutterOutputState{}
	changes := make([]domain.ShutterChange, 0, SHUTTER_OUTPUTS)
	for i := range states {
		states[i] = shutterOutputState{motion: observed[i], since: now}
		changes = append(changes, domain.ShutterChange{Module: module, Output: i, Motion: observed[i], Since: now})
	}
	s.states[module] = states
	return changes, nil
}

// HandleUpdate applies a status byte and returns the outputs whose motion
// changed.
func (s *ShutterStatus) HandleUpdate(module uint8, raw uint8) ([]domain.ShutterChange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	states, ok := s.states[module]
	if !ok {
		// no startup read, the first update initializes the module
		return s.initLocked(module, raw)
	}
	cfg := s.configs[module]
	now := s.clock()
	observed := observedMotions(cfg, raw)

	var changes []domain.ShutterChange
	for i := range states {
		current := states[i]
		if observed[i] == current.motion {
			continue
		}
		var next shutterOutputState
		if observed[i] == domain.SHUTTER_STOPPED {
			switch current.motion {
			case domain.SHUTTER_GOING_UP:
				next = stoppedAfter(current, cfg.Outputs[i].TimerUp, domain.SHUTTER_UP, now)
			case domain.SHUTTER_GOING_DOWN:
				next = stoppedAfter(current, cfg.Outputs[i].TimerDown, domain.SHUTTER_DOWN, now)
			default:
				// stopped, up and down all stay as they are
				continue
			}
		} else {
			next = shutterOutputState{motion: observed[i], since: now}
		}
		states[i] = next
		if next.motion != current.motion {
			changes = append(changes, domain.ShutterChange{Module: module, Output: i, Motion: next.motion, Since: next.since})
		}
	}
	return changes, nil
}

// Get returns the motion of every output of a module.
func (s *ShutterStatus) Get(module uint8) ([]domain.ShutterMotion, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	states, ok := s.states[module]
	if !ok {
		return nil, false
	}
	motions := make([]domain.ShutterMotion, SHUTTER_OUTPUTS)
	for i := range states {
		motions[i] = states[i].motion
	}
	return motions, true
}

func stoppedAfter(current shutterOutputState, timer time.Duration, fullRun domain.ShutterMotion, now time.Time) shutterOutputState {
	if !current.since.Add(timer).After(now) {
		return shutterOutputState{motion: fullRun, since: now}
	}
	return shutterOutputState{motion: domain.SHUTTER_STOPPED, since: now}
}

func observedMotions(cfg ShutterModuleConfig, raw uint8) [SHUTTER_OUTPUTS]domain.ShutterMotion {
	var motions [SHUTTER_OUTPUTS]domain.ShutterMotion
	for i := range motions {
		upDown := uint(cfg.Outputs[i].UpDownConfig & 1)
		up := (raw >> (2*uint(i) + upDown)) & 1
		down := (raw >> (2*uint(i) + 1 - upDown)) & 1
		switch {
		case up == 1:
			motions[i] = domain.SHUTTER_GOING_UP
		case down == 1:
			motions[i] = domain.SHUTTER_GOING_DOWN
		default:
			motions[i] = domain.SHUTTER_STOPPED
		}
	}
	return motions
}
