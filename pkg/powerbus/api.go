package powerbus

import "fmt"

// ModuleVersion identifies the firmware API of a power module.
type ModuleVersion uint8

const (
	POWER_MODULE_8_PORTS  ModuleVersion = 8
	POWER_MODULE_12_PORTS ModuleVersion = 12
)

const (
	NIGHT int8 = 0
	DAY   int8 = 1
)

func (v ModuleVersion) Ports() int {
	return int(v)
}

func (v ModuleVersion) Valid() bool {
	return v == POWER_MODULE_8_PORTS || v == POWER_MODULE_12_PORTS
}

func (v ModuleVersion) String() string {
	return fmt.Sprintf("%d ports", uint8(v))
}

var (
	getTime        = MustCommand(MODE_GET, "TON", nil, Layout{U32("time_on")})
	getFeedCounter = MustCommand(MODE_GET, "FCO", nil, Layout{U16("counter")})

	SetAddressMode            = MustCommand(MODE_SET, "AGT", Layout{I8("mode")}, nil)
	SetAddress                = MustCommand(MODE_SET, "SAD", Layout{U8("address")}, nil)
	SetVoltage                = MustCommand(MODE_SET, "SVO", Layout{F32("voltage")}, nil)
	BootloaderGoto            = MustCommand(MODE_SET, "BGT", Layout{U8("seconds")}, nil)
	BootloaderReadId          = MustCommand(MODE_GET, "BRI", nil, Layout{Bytes("id", 8)})
	BootloaderWriteCode       = MustCommand(MODE_SET, "BWC", Layout{Bytes("code", 195)}, nil)
	BootloaderWriteConfig     = MustCommand(MODE_SET, "BWF", Layout{Bytes("config", 24)}, nil)
	BootloaderJumpApplication = MustCommand(MODE_SET, "BJA", nil, nil)
	GetFirmwareVersion        = MustCommand(MODE_GET, "FIV", nil, Layout{String("version", 16)})
	// GetShutterStatus reads the raw output byte of a shutter module. The same
	// opcode is pushed unsolicited whenever the outputs change.
	GetShutterStatus = MustCommand(MODE_GET, "SHS", nil, Layout{U8("status")})

	wantAnAddress8  = MustCommand(MODE_SET, "WAA", nil, nil)
	wantAnAddress12 = MustCommand(MODE_SET, "WAD", nil, nil)
)

const (
	ADDRESS_MODE int8 = 1
	NORMAL_MODE  int8 = 0
)

type versioned struct {
	v8  *Command
	v12 *Command
}

func (v versioned) get(version ModuleVersion) (*Command, error) {
	var cmd *Command
	switch version {
	case POWER_MODULE_8_PORTS:
		cmd = v.v8
	case POWER_MODULE_12_PORTS:
		cmd = v.v12
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownVersion, version)
	}
	if cmd == nil {
		return nil, fmt.Errorf("powerbus: command not available on %s modules", version)
	}
	return cmd, nil
}

func perPort(mode Mode, opcode string, in8, out8, in12, out12 Layout) versioned {
	return versioned{
		v8:  MustCommand(mode, opcode, in8, out8),
		v12: MustCommand(mode, opcode, in12, out12),
	}
}

var (
	generalStatus = versioned{
		v8:  MustCommand(MODE_GET, "GST", nil, Layout{U16("status")}),
		v12: MustCommand(MODE_GET, "GST", nil, Layout{U8("status")}),
	}
	feedStatus = versioned{
		v8:  MustCommand(MODE_GET, "FST", nil, Layout{Repeat(8, U16("status"))}),
		v12: MustCommand(MODE_GET, "FST", nil, Layout{Repeat(12, U32("status"))}),
	}
	voltage   = perPort(MODE_GET, "VOL", nil, Layout{F32("voltage")}, nil, Layout{Repeat(12, F32("voltage"))})
	frequency = perPort(MODE_GET, "FRE", nil, Layout{F32("frequency")}, nil, Layout{Repeat(12, F32("frequency"))})
	current   = perPort(MODE_GET, "CUR", nil, Layout{Repeat(8, F32("current"))}, nil, Layout{Repeat(12, F32("current"))})
	power     = perPort(MODE_GET, "POW", nil, Layout{Repeat(8, F32("power"))}, nil, Layout{Repeat(12, F32("power"))})
	normalEnergy = versioned{
		v8:  MustCommand(MODE_GET, "ENO", nil, Layout{Repeat(8, U32("energy"))}),
		v12: MustCommand(MODE_GET, "ENE", nil, Layout{Repeat(12, U32("energy"))}),
	}
	dayEnergy   = perPort(MODE_GET, "EDA", nil, Layout{Repeat(8, U32("energy"))}, nil, Layout{Repeat(12, U32("energy"))})
	nightEnergy = perPort(MODE_GET, "ENI", nil, Layout{Repeat(8, U32("energy"))}, nil, Layout{Repeat(12, U32("energy"))})
	dayNight    = perPort(MODE_SET, "SDN", Layout{Repeat(8, I8("mode"))}, nil, Layout{Repeat(12, I8("mode"))}, nil)
	sensorTypes = versioned{
		v8: MustCommand(MODE_GET, "CSU", nil, Layout{Repeat(8, I8("type"))}),
	}
	setSensorTypes = versioned{
		v8: MustCommand(MODE_SET, "CSU", Layout{Repeat(8, I8("type"))}, nil),
	}
	clampFactor = versioned{
		v12: MustCommand(MODE_SET, "CCF", Layout{Repeat(12, F32("factor"))}, nil),
	}
	currentInverse = versioned{
		v12: MustCommand(MODE_SET, "SCI", Layout{Repeat(12, I8("inverse"))}, nil),
	}
	wantAnAddress = versioned{v8: wantAnAddress8, v12: wantAnAddress12}
	resetNormal   = perPort(MODE_SET, "ENE", Layout{Repeat(9, U8("data"))}, nil, Layout{U8("port"), Repeat(12, U32("value"))}, nil)
	resetDay      = perPort(MODE_SET, "EDA", Layout{Repeat(9, U8("data"))}, nil, Layout{U8("port"), Repeat(12, U32("value"))}, nil)
	resetNight    = perPort(MODE_SET, "ENI", Layout{Repeat(9, U8("data"))}, nil, Layout{U8("port"), Repeat(12, U32("value"))}, nil)
)

func GetGeneralStatus(version ModuleVersion) (*Command, error) { return generalStatus.get(version) }
func GetFeedStatus(version ModuleVersion) (*Command, error)    { return feedStatus.get(version) }
func GetVoltage(version ModuleVersion) (*Command, error)       { return voltage.get(version) }
func GetFrequency(version ModuleVersion) (*Command, error)     { return frequency.get(version) }
func GetCurrent(version ModuleVersion) (*Command, error)       { return current.get(version) }
func GetPower(version ModuleVersion) (*Command, error)         { return power.get(version) }
func GetNormalEnergy(version ModuleVersion) (*Command, error)  { return normalEnergy.get(version) }
func GetDayEnergy(version ModuleVersion) (*Command, error)     { return dayEnergy.get(version) }
func GetNightEnergy(version ModuleVersion) (*Command, error)   { return nightEnergy.get(version) }
func SetDayNight(version ModuleVersion) (*Command, error)      { return dayNight.get(version) }
func GetSensorTypes(version ModuleVersion) (*Command, error)   { return sensorTypes.get(version) }
func SetSensorTypes(version ModuleVersion) (*Command, error)   { return setSensorTypes.get(version) }
func SetClampFactor(version ModuleVersion) (*Command, error)   { return clampFactor.get(version) }
func SetCurrentInverse(version ModuleVersion) (*Command, error) {
	return currentInverse.get(version)
}
func WantAnAddress(version ModuleVersion) (*Command, error)     { return wantAnAddress.get(version) }
func ResetNormalEnergy(version ModuleVersion) (*Command, error) { return resetNormal.get(version) }
func ResetDayEnergy(version ModuleVersion) (*Command, error)    { return resetDay.get(version) }
func ResetNightEnergy(version ModuleVersion) (*Command, error)  { return resetNight.get(version) }

func GetTimeOn(version ModuleVersion) (*Command, error) {
	if !version.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownVersion, version)
	}
	return getTime, nil
}

func GetFeedCounter(version ModuleVersion) (*Command, error) {
	if !version.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownVersion, version)
	}
	return getFeedCounter, nil
}

// VersionFromWantAnAddress maps a want-an-address opcode to the version of
// the module that sent it.
func VersionFromWantAnAddress(opcode string) (ModuleVersion, bool) {
	switch opcode {
	case wantAnAddress8.Opcode:
		return POWER_MODULE_8_PORTS, true
	case wantAnAddress12.Opcode:
		return POWER_MODULE_12_PORTS, true
	}
	return 0, false
}
