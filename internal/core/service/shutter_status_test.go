package service

import (
	"testing"
	"time"

	"github.com/berfenger/powerbus2mqtt/internal/core/domain"

	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 11, 22, 10, 0, 0, 0, time.UTC)}
}

func shutterModule(address uint8, upDown uint8) ShutterModuleConfig {
	cfg := ShutterModuleConfig{Address: address}
	for i := range cfg.Outputs {
		cfg.Outputs[i] = ShutterOutputConfig{
			UpDownConfig: upDown,
			TimerUp:      10 * time.Second,
			TimerDown:    20 * time.Second,
		}
	}
	return cfg
}

func TestShutterFullRunReachesUp(t *testing.T) {

	require := require.New(t)

	clock := newFakeClock()
	status := NewShutterStatus([]ShutterModuleConfig{shutterModule(1, 0)}, clock.Now)

	_, err := status.Init(1, 0x00)
	require.NoError(err)

	changes, err := status.HandleUpdate(1, 0x01)
	require.NoError(err)
	require.Len(changes, 1)
	require.Equal(domain.SHUTTER_GOING_UP, changes[0].Motion)

	clock.Advance(11 * time.Second)
	changes, err = status.HandleUpdate(1, 0x00)
	require.NoError(err)
	require.Len(changes, 1)
	require.Equal(0, changes[0].Output)
	require.Equal(domain.SHUTTER_UP, changes[0].Motion)
	require.Equal(clock.now, changes[0].Since)

	motions, ok := status.Get(1)
	require.True(ok)
	require.Equal([]domain.ShutterMotion{domain.SHUTTER_UP, domain.SHUTTER_STOPPED, domain.SHUTTER_STOPPED, domain.SHUTTER_STOPPED}, motions)
}

func TestShutterPartialRunStops(t *testing.T) {

	require := require.New(t)

	clock := newFakeClock()
	status := NewShutterStatus([]ShutterModuleConfig{shutterModule(1, 0)}, clock.Now)

	_, err := status.Init(1, 0x01)
	require.NoError(err)

	clock.Advance(3 * time.Second)
	changes, err := status.HandleUpdate(1, 0x00)
	require.NoError(err)
	require.Len(changes, 1)
	require.Equal(domain.SHUTTER_STOPPED, changes[0].Motion)
}

func TestShutterTimerBoundaryCountsAsFullRun(t *testing.T) {

	require := require.New(t)

	clock := newFakeClock()
	status := NewShutterStatus([]ShutterModuleConfig{shutterModule(1, 0)}, clock.Now)

	_, err := status.Init(1, 0x02)
	require.NoError(err)
	motions, _ := status.Get(1)
	require.Equal(domain.SHUTTER_GOING_DOWN, motions[0])

	clock.Advance(20 * time.Second)
	changes, err := status.HandleUpdate(1, 0x00)
	require.NoError(err)
	require.Len(changes, 1)
	require.Equal(domain.SHUTTER_DOWN, changes[0].Motion)
}

func TestShutterUpDownConfigSwapsRelays(t *testing.T) {

	require := require.New(t)

	clock := newFakeClock()
	status := NewShutterStatus([]ShutterModuleConfig{shutterModule(2, 1)}, clock.Now)

	// output 1 odd relay and output 3 even relay
	changes, err := status.Init(2, 0b0001_1000)
	require.NoError(err)
	require.Len(changes, 4)

	motions, ok := status.Get(2)
	require.True(ok)
	require.Equal([]domain.ShutterMotion{
		domain.SHUTTER_STOPPED,
		domain.SHUTTER_GOING_UP,
		domain.SHUTTER_GOING_DOWN,
		domain.SHUTTER_STOPPED,
	}, motions)
}

func TestShutterNoChanges(t *testing.T) {

	require := require.New(t)

	clock := newFakeClock()
	status := NewShutterStatus([]ShutterModuleConfig{shutterModule(1, 0)}, clock.Now)

	_, err := status.Init(1, 0x00)
	require.NoError(err)

	changes, err := status.HandleUpdate(1, 0x00)
	require.NoError(err)
	require.Empty(changes)

	// up stays up when the outputs report stopped again
	_, err = status.HandleUpdate(1, 0x01)
	require.NoError(err)
	clock.Advance(time.Minute)
	_, err = status.HandleUpdate(1, 0x00)
	require.NoError(err)
	changes, err = status.HandleUpdate(1, 0x00)
	require.NoError(err)
	require.Empty(changes)
	motions, _ := status.Get(1)
	require.Equal(domain.SHUTTER_UP, motions[0])
}

func TestShutterDirectionReversal(t *testing.T) {

	require := require.New(t)

	clock := newFakeClock()
	status := NewShutterStatus([]ShutterModuleConfig{shutterModule(1, 0)}, clock.Now)

	_, err := status.Init(1, 0x01)
	require.NoError(err)

	clock.Advance(15 * time.Second)
	changes, err := status.HandleUpdate(1, 0x02)
	require.NoError(err)
	require.Len(changes, 1)
	require.Equal(domain.SHUTTER_GOING_DOWN, changes[0].Motion)

	// the down timer runs from the reversal
	clock.Advance(5 * time.Second)
	changes, err = status.HandleUpdate(1, 0x00)
	require.NoError(err)
	require.Equal(domain.SHUTTER_STOPPED, changes[0].Motion)
}

func TestShutterFirstUpdateInitializes(t *testing.T) {

	require := require.New(t)

	status := NewShutterStatus([]ShutterModuleConfig{shutterModule(1, 0)}, nil)

	_, ok := status.Get(1)
	require.False(ok)

	changes, err := status.HandleUpdate(1, 0x01)
	require.NoError(err)
	require.Len(changes, 4)

	_, err = status.HandleUpdate(9, 0x01)
	require.Error(err)

	require.Equal([]uint8{1}, status.Modules())
}

func TestShutterLateInitKeepsNewerState(t *testing.T) {

	require := require.New(t)

	clock := newFakeClock()
	status := NewShutterStatus([]ShutterModuleConfig{shutterModule(1, 0)}, clock.Now)

	// an unsolicited update arrives before the startup read completes
	_, err := status.HandleUpdate(1, 0x01)
	require.NoError(err)
	started := clock.now

	clock.Advance(2 * time.Second)
	changes, err := status.Init(1, 0x00)
	require.NoError(err)
	require.Empty(changes)

	motions, ok := status.Get(1)
	require.True(ok)
	require.Equal(domain.SHUTTER_GOING_UP, motions[0])

	// the run is still timed from the update, not from the late read
	clock.Advance(9 * time.Second)
	changes, err = status.HandleUpdate(1, 0x00)
	require.NoError(err)
	require.Len(changes, 1)
	require.Equal(domain.SHUTTER_UP, changes[0].Motion)
	require.True(changes[0].Since.After(started))

	_, err = status.Init(9, 0x00)
	require.Error(err)
}
