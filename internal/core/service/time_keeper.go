package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/berfenger/powerbus2mqtt/internal/core/domain"
	"github.com/berfenger/powerbus2mqtt/internal/core/port"
	"github.com/berfenger/powerbus2mqtt/pkg/powerbus"

	"github.com/reugn/go-quartz/quartz"
	"go.uber.org/zap"
)

const WEEK_TIMES_LEN = 14

// TimeKeeper programs the day/night mode of every port of every module from
// its weekly day windows. A module is only reprogrammed when its modes differ
// from the last ones sent to it.
type TimeKeeper struct {
	power   *PowerService
	modules port.ModuleDirectory
	clock   func() time.Time
	logger  *zap.Logger

	mu    sync.Mutex
	modes map[uint8][]int8
}

var _ quartz.Job = (*TimeKeeper)(nil)

func NewTimeKeeper(power *PowerService, modules port.ModuleDirectory, clock func() time.Time, logger *zap.Logger) *TimeKeeper {
	if clock == nil {
		clock = time.Now
	}
	return &TimeKeeper{
		power:   power,
		modules: modules,
		clock:   clock,
		logger:  logger.With(zap.String("component", "timekeeper")),
		modes:   map[uint8][]int8{},
	}
}

func (k *TimeKeeper) Description() string {
	return "timekeeper: day/night mode programming"
}

// Execute runs one pass over all registered modules.
func (k *TimeKeeper) Execute(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	now := k.clock()
	var errs []error
	for _, module := range k.modules.Modules() {
		modes, err := DayNightModes(module, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("module %d: %w", module.Address, err))
			continue
		}
		if slices.Equal(k.modes[module.Address], modes) {
			continue
		}
		k.logger.Info("setting day/night mode", zap.Uint8("address", module.Address), zap.Any("modes", modes))
		if err := k.power.SetDayNight(ctx, module, modes); err != nil {
			errs = append(errs, fmt.Errorf("module %d: %w", module.Address, err))
			continue
		}
		k.modes[module.Address] = modes
	}
	return errors.Join(errs...)
}

// Forget drops the cached modes so the next pass reprograms every module.
func (k *TimeKeeper) Forget() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.modes = map[uint8][]int8{}
}

// DayNightModes computes the mode of every port of a module at t.
func DayNightModes(module domain.PowerModule, t time.Time) ([]int8, error) {
	if !module.Version.Valid() {
		return nil, fmt.Errorf("%w: %d", powerbus.ErrUnknownVersion, module.Version)
	}
	modes := make([]int8, module.Version.Ports())
	for port := range modes {
		var times string
		if port < len(module.Times) {
			times = module.Times[port]
		}
		day, err := IsDayTime(times, t)
		if err != nil {
			return nil, fmt.Errorf("port %d: %w", port+1, err)
		}
		if day {
			modes[port] = powerbus.DAY
		} else {
			modes[port] = powerbus.NIGHT
		}
	}
	return modes, nil
}

// IsDayTime reports whether t falls in the day window of its weekday. times
// holds a start and a stop "HH:MM" for each day, Monday first. An empty table
// means night all week.
func IsDayTime(times string, t time.Time) (bool, error) {
	window, err := ParseWeekTimes(times)
	if err != nil {
		return false, err
	}
	day := (int(t.Weekday()) + 6) % 7
	now := t.Hour()*100 + t.Minute()
	return now >= window[2*day] && now < window[2*day+1], nil
}

// ParseWeekTimes turns "HH:MM,HH:MM,..." into HHMM integers.
func ParseWeekTimes(times string) ([WEEK_TIMES_LEN]int, error) {
	var window [WEEK_TIMES_LEN]int
	if strings.TrimSpace(times) == "" {
		return window, nil
	}
	parts := strings.Split(times, ",")
	if len(parts) != WEEK_TIMES_LEN {
		return window, fmt.Errorf("day window needs %d times, got %d", WEEK_TIMES_LEN, len(parts))
	}
	for i, part := range parts {
		hhmm, err := strconv.Atoi(strings.ReplaceAll(strings.TrimSpace(part), ":", ""))
		if err != nil || hhmm < 0 || hhmm > 2400 || hhmm%100 >= 60 {
			return window, fmt.Errorf("invalid time %q", part)
		}
		window[i] = hhmm
	}
	return window, nil
}
