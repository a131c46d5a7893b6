package events

import (
	"time"

	. "github.com/gridsense/gridsense2mqtt/internal/core/domain"
	"github.com/gridsense/gridsense2mqtt/internal/gridsense"
)

// EntityUpdateEvents returns one update per entity for the latest refresh.
// A failed refresh reports every entity unavailable with an unknown value.
func EntityUpdateEvents(entities []Entity, payload gridsense.Payload, lastUpdateSuccess bool, ts time.Time) []FloatSensorUpdateEvent {
	events := make([]FloatSensorUpdateEvent, 0, len(entities))
	for _, entity := range entities {
		available := entity.Available(payload, lastUpdateSuccess)
		var value *float64
		if available {
			value = entity.Value(payload)
		}
		events = append(events, FloatSensorUpdateEvent{
			SensorUpdateEventMixIn: SensorUpdateEventMixIn{
				Id: entity.ObjectId(),
			},
			EntryId:   entity.EntryId,
			DeviceId:  entity.Device.Id,
			UniqueId:  entity.UniqueId,
			Key:       entity.Description.Key,
			Value:     value,
			Decimals:  DEFAULT_VALUE_DECIMALS,
			Available: available,
			Timestamp: ts,
		})
	}
	return events
}

func GatewayConnectivityEvent(entryId string, connected bool) BinarySensorUpdateEvent {
	return BinarySensorUpdateEvent{
		SensorUpdateEventMixIn: SensorUpdateEventMixIn{
			Id: GatewayConnectivityId(entryId),
		},
		EntryId: entryId,
		Value:   connected,
	}
}

// EntityStates is the snapshot view of the same values.
func EntityStates(entities []Entity, payload gridsense.Payload, lastUpdateSuccess bool) []EntityState {
	states := make([]EntityState, 0, len(entities))
	for _, entity := range entities {
		available := entity.Available(payload, lastUpdateSuccess)
		var value *float64
		if available {
			value = entity.Value(payload)
		}
		states = append(states, EntityState{
			UniqueId:          entity.UniqueId,
			Name:              entity.Description.Name,
			Device:            entity.Device.Id,
			Value:             value,
			UnitOfMeasurement: entity.Description.UnitOfMeasurement,
			Available:         available,
		})
	}
	return states
}

// EntrySensors lists the discovery sensors of an entry: the gateway
// connectivity sensor first, then every entity. Only the first sensor of a
// device carries the full device block.
func EntrySensors(entry ConfigEntry, bridgeDeviceId string, entities []Entity) []GenericSensor {
	gatewayDevice := GatewayDevice(entry, bridgeDeviceId)
	sensors := GatewaySensors(gatewayDevice, entry.Id)

	announced := map[string]bool{gatewayDevice.Id: true}
	for _, entity := range entities {
		sensor := entity.Sensor()
		if announced[sensor.Device.Id] {
			sensor.Device = IdDevice(sensor.Device)
		}
		announced[sensor.Device.Id] = true
		sensors = append(sensors, sensor)
	}
	return sensors
}
