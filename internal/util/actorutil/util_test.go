package actorutil

import (
	"testing"

	"github.com/berfenger/powerbus2mqtt/internal/core/domain"
	"github.com/berfenger/powerbus2mqtt/internal/mqtt"

	"github.com/stretchr/testify/assert"
)

func TestParsedMQTTCommandToCommand(t *testing.T) {

	assert := assert.New(t)

	cmd, err := ParsedMQTTCommandToCommand(mqtt.ParsedMQTTCommand{
		DeviceId: domain.SWITCH_ID_ADDRESS_MODE,
		Command:  mqtt.COMMAND_SWITCH,
		Payload:  mqtt.MQTT_PAYLOAD_ON,
	})
	assert.NoError(err)
	assert.Equal(domain.AddressModeSwitchCommand{Enable: true}, cmd)

	cmd, err = ParsedMQTTCommandToCommand(mqtt.ParsedMQTTCommand{
		DeviceId: domain.SWITCH_ID_ADDRESS_MODE,
		Command:  mqtt.COMMAND_SWITCH,
		Payload:  mqtt.MQTT_PAYLOAD_OFF,
	})
	assert.NoError(err)
	assert.Equal(domain.AddressModeSwitchCommand{Enable: false}, cmd)

	cmd, err = ParsedMQTTCommandToCommand(mqtt.ParsedMQTTCommand{
		DeviceId: domain.BUTTON_ID_DAY_NIGHT_SYNC,
		Command:  mqtt.COMMAND_BUTTON,
		Payload:  mqtt.MQTT_PAYLOAD_PRESS,
	})
	assert.NoError(err)
	assert.Equal(domain.SyncDayNightCommand{}, cmd)

	cmd, err = ParsedMQTTCommandToCommand(mqtt.ParsedMQTTCommand{DeviceId: "unknown", Command: mqtt.COMMAND_SWITCH})
	assert.NoError(err)
	assert.Nil(cmd)

	_, err = ParsedMQTTCommandToCommand(mqtt.ParsedMQTTCommand{DeviceId: "x", Command: "number"})
	assert.Error(err)
}
