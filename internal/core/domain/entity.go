package domain

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/gridsense/gridsense2mqtt/internal/gridsense"
)

const (
	DEFAULT_MANUFACTURER   = "GridSense"
	DEFAULT_VALUE_DECIMALS = -1
)

var objectIdRegexp = regexp.MustCompile("[^a-z0-9_]+")

// ObjectId turns an identifier into an MQTT topic / HA object id segment.
func ObjectId(id string) string {
	return objectIdRegexp.ReplaceAllString(strings.ToLower(id), "_")
}

// Entity is one sensor of a device attached to a gateway. The entity set of a
// config entry is built once, from its first successful refresh.
type Entity struct {
	EntryId     string
	UniqueId    string
	Device      Device
	Description SensorDescription
	locate      func(gridsense.Payload) gridsense.Record
}

func (e Entity) ObjectId() string {
	return ObjectId(e.UniqueId)
}

// Record finds the entity's device record in payload.
func (e Entity) Record(payload gridsense.Payload) gridsense.Record {
	if e.locate == nil || payload == nil {
		return nil
	}
	return e.locate(payload)
}

// Value returns the converted sensor value, nil when the record is missing
// or the field cannot be parsed.
func (e Entity) Value(payload gridsense.Payload) *float64 {
	r := e.Record(payload)
	if r == nil || e.Description.Value == nil {
		return nil
	}
	return e.Description.Value(r)
}

// Available requires a successful last refresh and a device record present in it.
func (e Entity) Available(payload gridsense.Payload, lastUpdateSuccess bool) bool {
	return lastUpdateSuccess && e.Record(payload) != nil
}

func (e Entity) Sensor() GenericSensor {
	return GenericSensor{
		Device:            e.Device,
		Id:                e.ObjectId(),
		SensorType:        SENSOR_TYPE_SENSOR,
		Name:              e.Description.Name,
		UniqueId:          e.UniqueId,
		UnitOfMeasurement: e.Description.UnitOfMeasurement,
		StateClass:        e.Description.StateClass,
		DeviceClass:       e.Description.DeviceClass,
		HasAvailability:   true,
	}
}

func deviceId(kind, manufacturer, serial string) string {
	return ObjectId(fmt.Sprintf("%s_%s_%s", kind, manufacturer, serial))
}

// displayValue renders a record field for device metadata. Empty, zero and
// false values resolve to fallback, other non-strings are formatted.
func displayValue(value any, fallback string) string {
	switch v := value.(type) {
	case nil:
		return fallback
	case string:
		return orDefault(v, fallback)
	case bool:
		if !v {
			return fallback
		}
		return "True"
	case float64:
		if v == 0 {
			return fallback
		}
		return strconv.FormatFloat(v, 'f', -1, 64)
	case []any:
		if len(v) == 0 {
			return fallback
		}
	case map[string]any:
		if len(v) == 0 {
			return fallback
		}
	}
	return fmt.Sprint(value)
}

func orDefault(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

// BuildEntities creates the sensors for every inverter in payload, followed
// by the batteries and import/export meters attached to it.
func BuildEntities(entryId string, gatewayDeviceId string, payload gridsense.Payload) []Entity {
	var entities []Entity

	_, inverters := Inverters(payload)
	for _, inverter := range inverters {
		invMan, invSerial := inverterIdentity(inverter)
		if invSerial == "" {
			continue
		}
		invModel := displayValue(inverter.Get("model"), "Inverter")

		inverterDevice := Device{
			Id:           deviceId("inverter", invMan, invSerial),
			Manufacturer: orDefault(invMan, DEFAULT_MANUFACTURER),
			Model:        invModel,
			Name:         invModel,
			Version:      displayValue(inverter.Get("version"), ""),
			ViaDevice:    gatewayDeviceId,
		}

		for _, description := range InverterSensors {
			entities = append(entities, Entity{
				EntryId:     entryId,
				UniqueId:    fmt.Sprintf("%s_%s_%s", invMan, invSerial, description.Key),
				Device:      inverterDevice,
				Description: description,
				locate: func(p gridsense.Payload) gridsense.Record {
					return FindInverter(p, invMan, invSerial)
				},
			})
		}

		for index, battery := range BatteriesForInverter(payload, invMan, invSerial) {
			batMan := Identifier(battery.Get("manufacturer"), UNKNOWN_MANUFACTURER)
			batSerial := Identifier(battery.Get("serialNumber"), fmt.Sprintf("%s_b%d", invSerial, index))
			batModel := displayValue(battery.Get("model"), "Battery")

			batteryDevice := Device{
				Id:           deviceId("battery", batMan, batSerial),
				Manufacturer: orDefault(batMan, DEFAULT_MANUFACTURER),
				Model:        batModel,
				Name:         batModel,
				Version:      displayValue(battery.Get("version"), ""),
				ViaDevice:    inverterDevice.Id,
			}

			for _, description := range BatterySensors {
				entities = append(entities, Entity{
					EntryId:     entryId,
					UniqueId:    fmt.Sprintf("%s_%s_%s", batMan, batSerial, description.Key),
					Device:      batteryDevice,
					Description: description,
					locate: func(p gridsense.Payload) gridsense.Record {
						return FindBattery(p, invMan, invSerial, batMan, batSerial)
					},
				})
			}
		}

		meterIndex := 0
		for _, meter := range MetersForInverter(payload, invMan, invSerial) {
			if !IsImportExportMeter(meter) {
				continue
			}
			metMan := Identifier(meter.Get("manufacturer"), UNKNOWN_MANUFACTURER)
			metSerial := Identifier(meter.Get("serialNumber"), fmt.Sprintf("%s_m%d", invSerial, meterIndex))
			meterIndex++
			metModel := displayValue(meter.Get("model"), "Energy Meter")

			meterDevice := Device{
				Id:           deviceId("meter", metMan, metSerial),
				Manufacturer: orDefault(metMan, DEFAULT_MANUFACTURER),
				Model:        metModel,
				Name:         metModel,
				Version:      displayValue(meter.Get("version"), ""),
				ViaDevice:    inverterDevice.Id,
			}

			for _, description := range GridMeterSensors {
				entities = append(entities, Entity{
					EntryId:     entryId,
					UniqueId:    fmt.Sprintf("%s_%s_%s", metMan, metSerial, description.Key),
					Device:      meterDevice,
					Description: description,
					locate: func(p gridsense.Payload) gridsense.Record {
						return FindMeter(p, invMan, invSerial, metMan, metSerial)
					},
				})
			}
		}
	}

	return entities
}
