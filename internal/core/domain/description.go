package domain

import (
	"math"
	"strconv"

	"github.com/gridsense/gridsense2mqtt/internal/gridsense"
)

const (
	STATE_CLASS_MEASUREMENT      = "measurement"
	STATE_CLASS_TOTAL_INCREASING = "total_increasing"
	DEVICE_CLASS_BATTERY         = "battery"
	DEVICE_CLASS_ENERGY          = "energy"
	DEVICE_CLASS_ENERGY_STORAGE  = "energy_storage"
	DEVICE_CLASS_POWER           = "power"
	DEVICE_CLASS_TEMPERATURE     = "temperature"
	DEVICE_CLASS_CONNECTIVITY    = "connectivity"
	ENTITY_CLASS_DIAGNOSTIC      = "diagnostic"
	SENSOR_TYPE_SENSOR           = "sensor"
	SENSOR_TYPE_BINARY           = "binary_sensor"
	UNIT_WATT                    = "W"
	UNIT_KILO_WATT_HOUR          = "kWh"
	UNIT_CELSIUS                 = "°C"
	UNIT_PERCENTAGE              = "%"
)

// SensorDescription describes how one sensor reads its value from a device record.
type SensorDescription struct {
	Key               string
	Name              string
	DeviceClass       string
	StateClass        string
	UnitOfMeasurement string
	Value             func(gridsense.Record) *float64
}

var InverterSensors = []SensorDescription{
	{
		Key:               "power_ac",
		Name:              "AC Power",
		DeviceClass:       DEVICE_CLASS_POWER,
		UnitOfMeasurement: UNIT_WATT,
		StateClass:        STATE_CLASS_MEASUREMENT,
		Value:             field("powerAc", TryFloat),
	},
	{
		Key:               "power_dc",
		Name:              "DC Power",
		DeviceClass:       DEVICE_CLASS_POWER,
		UnitOfMeasurement: UNIT_WATT,
		StateClass:        STATE_CLASS_MEASUREMENT,
		Value:             field("powerDc", TryFloat),
	},
	{
		Key:               "energy_injected_total",
		Name:              "Energy Injected",
		DeviceClass:       DEVICE_CLASS_ENERGY,
		UnitOfMeasurement: UNIT_KILO_WATT_HOUR,
		StateClass:        STATE_CLASS_TOTAL_INCREASING,
		Value:             field("totalEnergyInjected", ToKWh),
	},
	{
		Key:               "heatsink_temperature",
		Name:              "Heatsink Temperature",
		UnitOfMeasurement: UNIT_CELSIUS,
		StateClass:        STATE_CLASS_MEASUREMENT,
		Value:             field("temperatureHeatsink", TryFloat),
	},
}

var BatterySensors = []SensorDescription{
	{
		Key:               "power_dc",
		Name:              "Battery Power",
		DeviceClass:       DEVICE_CLASS_POWER,
		UnitOfMeasurement: UNIT_WATT,
		StateClass:        STATE_CLASS_MEASUREMENT,
		Value:             field("powerDc", TryFloat),
	},
	{
		Key:               "state_of_energy",
		Name:              "State of Energy",
		DeviceClass:       DEVICE_CLASS_BATTERY,
		UnitOfMeasurement: UNIT_PERCENTAGE,
		StateClass:        STATE_CLASS_MEASUREMENT,
		Value:             field("soe", ToPercentage),
	},
	{
		// stored energy is a measurement, HA rejects energy+measurement
		Key:               "available_energy",
		Name:              "Available Energy",
		DeviceClass:       DEVICE_CLASS_ENERGY_STORAGE,
		UnitOfMeasurement: UNIT_KILO_WATT_HOUR,
		StateClass:        STATE_CLASS_MEASUREMENT,
		Value:             field("availableEnergy", ToKWh),
	},
}

var GridMeterSensors = []SensorDescription{
	{
		Key:               "grid_power",
		Name:              "Grid Power",
		DeviceClass:       DEVICE_CLASS_POWER,
		UnitOfMeasurement: UNIT_WATT,
		StateClass:        STATE_CLASS_MEASUREMENT,
		Value:             field("powerAc", TryFloat),
	},
	{
		Key:               "grid_import_total",
		Name:              "Imported Energy",
		DeviceClass:       DEVICE_CLASS_ENERGY,
		UnitOfMeasurement: UNIT_KILO_WATT_HOUR,
		StateClass:        STATE_CLASS_TOTAL_INCREASING,
		Value:             field("totalImportAc", ToKWh),
	},
	{
		Key:               "grid_export_total",
		Name:              "Exported Energy",
		DeviceClass:       DEVICE_CLASS_ENERGY,
		UnitOfMeasurement: UNIT_KILO_WATT_HOUR,
		StateClass:        STATE_CLASS_TOTAL_INCREASING,
		Value:             field("totalExportAc", ToKWh),
	},
}

func field(key string, conv func(any) *float64) func(gridsense.Record) *float64 {
	return func(r gridsense.Record) *float64 {
		return conv(r.Get(key))
	}
}

// TryFloat converts JSON numbers and numeric strings. Anything else is nil.
func TryFloat(value any) *float64 {
	switch v := value.(type) {
	case float64:
		return &v
	case float32:
		f := float64(v)
		return &f
	case int:
		f := float64(v)
		return &f
	case int64:
		f := float64(v)
		return &f
	case bool:
		// JSON booleans count as 0/1
		f := 0.0
		if v {
			f = 1
		}
		return &f
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil
		}
		return &f
	default:
		return nil
	}
}

// ToKWh converts watt-hours to kilowatt-hours.
func ToKWh(value any) *float64 {
	numeric := TryFloat(value)
	if numeric == nil {
		return nil
	}
	kwh := *numeric / 1000
	return &kwh
}

// ToPercentage returns the percentage as reported by the gateway.
func ToPercentage(value any) *float64 {
	return TryFloat(value)
}

// FormatValue renders a sensor value for MQTT. nil becomes "None", which
// Home Assistant maps to an unknown state.
func FormatValue(value *float64, decimals int) string {
	if value == nil || math.IsNaN(*value) || math.IsInf(*value, 0) {
		return "None"
	}
	return strconv.FormatFloat(*value, 'f', decimals, 64)
}
