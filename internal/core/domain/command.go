package domain

import "fmt"

// BridgeCommand is a command received from the MQTT command topics.
type BridgeCommand interface {
	BridgeCommand() string
}

type BridgeCommandMixIn struct{}

func (c BridgeCommandMixIn) BridgeCommand() string {
	return fmt.Sprintf("%T", c)
}

// AddressModeSwitchCommand turns address mode on or off from the
// address_mode switch.
type AddressModeSwitchCommand struct {
	BridgeCommandMixIn
	Enable bool
}

// SyncDayNightCommand reprograms the day/night modes of every module now.
type SyncDayNightCommand struct {
	BridgeCommandMixIn
}

// ensure interface compliance
var _ BridgeCommand = (*AddressModeSwitchCommand)(nil)
var _ BridgeCommand = (*SyncDayNightCommand)(nil)
