package powerbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPackUnpackScalars(t *testing.T) {

	require := require.New(t)

	layout := Layout{U8("a"), I8("b"), U16("c"), I16("d"), U32("e"), I32("f"), F32("g")}
	require.Equal(1+1+2+2+4+4+4, layout.Len())

	data, err := layout.Pack(uint8(200), int8(-3), uint16(0x1234), int16(-2), uint32(0xdeadbeef), int32(-70000), float32(49.5))
	require.NoError(err)
	require.Len(data, layout.Len())
	// little endian
	require.Equal([]byte{0x34, 0x12}, data[2:4])

	values, err := layout.Unpack(data)
	require.NoError(err)
	require.Equal(uint8(200), values["a"])
	require.Equal(int8(-3), values["b"])
	require.Equal(uint16(0x1234), values["c"])
	require.Equal(int16(-2), values["d"])
	require.Equal(uint32(0xdeadbeef), values["e"])
	require.Equal(int32(-70000), values["f"])
	require.Equal(float32(49.5), values["g"])
}

func TestPackUnpackArrays(t *testing.T) {

	require := require.New(t)

	layout := Layout{Repeat(12, F32("power")), Repeat(3, I8("mode"))}
	require.Equal(12*4+3, layout.Len())

	power := []float32{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12.5}
	data, err := layout.Pack(power, []int8{DAY, NIGHT, DAY})
	require.NoError(err)

	values, err := layout.Unpack(data)
	require.NoError(err)
	got, err := values.Float32s("power")
	require.NoError(err)
	require.Equal(power, got)
	require.Equal([]int8{1, 0, 1}, values["mode"])
}

func TestPackStringAndBytes(t *testing.T) {

	require := require.New(t)

	layout := Layout{String("version", 8), Bytes("id", 2)}
	data, err := layout.Pack("1.2.3", []byte{9, 8})
	require.NoError(err)
	require.Equal([]byte{'1', '.', '2', '.', '3', 0, 0, 0, 9, 8}, data)

	values, err := layout.Unpack(data)
	require.NoError(err)
	version, err := values.String("version")
	require.NoError(err)
	require.Equal("1.2.3", version)
	require.Equal([]byte{9, 8}, values["id"])
}

func TestPackRejectsWrongArguments(t *testing.T) {

	assert := assert.New(t)

	var encErr *EncodingError

	_, err := Layout{F32("voltage")}.Pack(230.5)
	assert.ErrorAs(err, &encErr, "float64 is not float32")
	assert.Equal("voltage", encErr.Field)

	_, err = Layout{Repeat(8, I8("mode"))}.Pack([]int8{1, 0})
	assert.ErrorAs(err, &encErr, "array length must match")

	_, err = Layout{U8("a"), U8("b")}.Pack(uint8(1))
	assert.ErrorAs(err, &encErr, "argument count must match")

	_, err = Layout{String("name", 2)}.Pack("too long")
	assert.ErrorAs(err, &encErr)

	_, err = Layout{Bytes("id", 2)}.Pack([]byte{1})
	assert.ErrorAs(err, &encErr)
}

func TestUnpackRejectsWrongLength(t *testing.T) {
	var malformed *MalformedFrameError
	_, err := Layout{F32("voltage")}.Unpack([]byte{1, 2, 3})
	assert.ErrorAs(t, err, &malformed)
}

func TestValuesFloats(t *testing.T) {

	assert := assert.New(t)

	single, err := Values{"voltage": float32(230)}.Floats("voltage")
	assert.NoError(err)
	assert.Equal([]float32{230}, single)

	many, err := Values{"voltage": []float32{1, 2}}.Floats("voltage")
	assert.NoError(err)
	assert.Equal([]float32{1, 2}, many)

	_, err = Values{}.Floats("voltage")
	assert.Error(err)

	_, err = Values{"voltage": uint8(1)}.Uint16("voltage")
	assert.Error(err)
}

func TestCommandDefinitions(t *testing.T) {

	assert := assert.New(t)

	_, err := NewCommand(MODE_NACK, "VOL", nil, nil)
	assert.Error(err)
	_, err = NewCommand(MODE_GET, "VO", nil, nil)
	assert.Error(err)
	_, err = NewCommand(MODE_GET, "BIG", Layout{Bytes("data", 256)}, nil)
	assert.Error(err)
	_, err = NewCommand(MODE_GET, "STR", Layout{String("name", 0)}, nil)
	assert.Error(err)

	cmd, err := GetVoltage(POWER_MODULE_12_PORTS)
	assert.NoError(err)
	assert.Equal(48, cmd.Output.Len())

	_, err = GetVoltage(ModuleVersion(3))
	assert.ErrorIs(err, ErrUnknownVersion)

	_, err = SetClampFactor(POWER_MODULE_8_PORTS)
	assert.Error(err, "clamp factor only exists on 12 port modules")

	energy8, _ := GetNormalEnergy(POWER_MODULE_8_PORTS)
	energy12, _ := GetNormalEnergy(POWER_MODULE_12_PORTS)
	assert.Equal("ENO", energy8.Opcode)
	assert.Equal("ENE", energy12.Opcode)

	version, ok := VersionFromWantAnAddress("WAD")
	assert.True(ok)
	assert.Equal(POWER_MODULE_12_PORTS, version)
	_, ok = VersionFromWantAnAddress("VOL")
	assert.False(ok)
}

func TestCommandRejectsRepeatedBytesAndStrings(t *testing.T) {

	require := require.New(t)

	_, err := NewCommand(MODE_SET, "RAW", Layout{Repeat(2, Bytes("data", 4))}, nil)
	require.ErrorContains(err, "cannot be repeated")
	_, err = NewCommand(MODE_GET, "NAM", nil, Layout{Repeat(3, String("name", 8))})
	require.ErrorContains(err, "cannot be repeated")

	// a count of one is the plain field
	cmd, err := NewCommand(MODE_SET, "RAW", Layout{Repeat(1, Bytes("data", 4))}, nil)
	require.NoError(err)
	require.Equal(4, cmd.Input.Len())

	cmd, err = NewCommand(MODE_GET, "PWR", nil, Layout{Repeat(8, F32("power"))})
	require.NoError(err)
	require.Equal(32, cmd.Output.Len())
}
