package events

import (
	. "github.com/berfenger/powerbus2mqtt/internal/core/domain"
)

func ModuleReadingToUpdateEvents(r *ModuleReading) []any {
	var events []any

	// Feed voltage
	events = append(events, FloatSensorUpdateEvent{
		SensorUpdateEventMixIn: SensorUpdateEventMixIn{
			Id: ModuleVoltageSensorId(r.Address),
		},
		Value:    float64(r.Voltage),
		Decimals: 1,
	})
	// Feed frequency
	events = append(events, FloatSensorUpdateEvent{
		SensorUpdateEventMixIn: SensorUpdateEventMixIn{
			Id: ModuleFrequencySensorId(r.Address),
		},
		Value:    float64(r.Frequency),
		Decimals: 2,
	})
	for port, power := range r.Power {
		events = append(events, FloatSensorUpdateEvent{
			SensorUpdateEventMixIn: SensorUpdateEventMixIn{
				Id: ModulePowerSensorId(r.Address, port),
			},
			Value:    float64(power),
			Decimals: 1,
		})
	}
	for port, current := range r.Current {
		events = append(events, FloatSensorUpdateEvent{
			SensorUpdateEventMixIn: SensorUpdateEventMixIn{
				Id: ModuleCurrentSensorId(r.Address, port),
			},
			Value:    float64(current),
			Decimals: 3,
		})
	}

	return events
}

func ShutterChangesToUpdateEvents(changes []ShutterChange) []any {
	events := make([]any, 0, len(changes))
	for _, c := range changes {
		events = append(events, TextSensorUpdateEvent{
			SensorUpdateEventMixIn: SensorUpdateEventMixIn{
				Id: ShutterSensorId(c.Module, c.Output),
			},
			Value: c.Motion.String(),
		})
	}
	return events
}

func BusHealthToUpdateEvents(h BusHealth) []any {
	var events []any

	events = append(events, FloatSensorUpdateEvent{
		SensorUpdateEventMixIn: SensorUpdateEventMixIn{
			Id: SENSOR_ID_BUS_BYTES_READ,
		},
		Value:    float64(h.BytesRead),
		Decimals: 0,
	})
	events = append(events, FloatSensorUpdateEvent{
		SensorUpdateEventMixIn: SensorUpdateEventMixIn{
			Id: SENSOR_ID_BUS_BYTES_WRITTEN,
		},
		Value:    float64(h.BytesWritten),
		Decimals: 0,
	})
	events = append(events, FloatSensorUpdateEvent{
		SensorUpdateEventMixIn: SensorUpdateEventMixIn{
			Id: SENSOR_ID_BUS_LAST_SUCCESS,
		},
		Value:    h.SecondsSinceLastSuccess,
		Decimals: 1,
	})
	// Address mode switch state
	events = append(events, SwitchSensorUpdateEvent{
		SensorUpdateEventMixIn: SensorUpdateEventMixIn{
			Id: SWITCH_ID_ADDRESS_MODE,
		},
		Value: h.InAddressMode,
	})

	return events
}
