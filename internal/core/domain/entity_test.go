package domain

import (
	"encoding/json"
	"testing"

	"github.com/gridsense/gridsense2mqtt/internal/gridsense"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPayload = `{
	"inverters": {
		"inv1": {"manufacturer": "Fronius\u0000\u0000", "serialNumber": " 1234 ", "model": "Symo GEN24", "version": "1.30",
			"powerAc": 1520.5, "powerDc": "1610", "totalEnergyInjected": 123456, "temperatureHeatsink": "n/a"}
	},
	"batteries": {
		"inv1": [
			{"manufacturer": "BYD", "model": "HVS", "powerDc": -300, "soe": 87.5, "availableEnergy": 8200}
		]
	},
	"energyMeters": {
		"inv1": [
			{"manufacturer": "Fronius", "serialNumber": "m-1", "options": "consumption"},
			{"manufacturer": "Fronius", "options": "Export+Import", "powerAc": -250, "totalImportAc": 1000, "totalExportAc": 2500}
		]
	}
}`

func loadPayload(t *testing.T, raw string) gridsense.Payload {
	t.Helper()
	payload, err := gridsense.DecodePayload([]byte(raw))
	require.NoError(t, err)
	return payload
}

func entitiesByUniqueId(entities []Entity) map[string]Entity {
	m := make(map[string]Entity, len(entities))
	for _, e := range entities {
		m[e.UniqueId] = e
	}
	return m
}

func TestBuildEntities(t *testing.T) {
	payload := loadPayload(t, testPayload)

	entities := BuildEntities("entry1", "gateway1", payload)
	assert.Len(t, entities, len(InverterSensors)+len(BatterySensors)+len(GridMeterSensors))

	byId := entitiesByUniqueId(entities)

	inv, ok := byId["Fronius_1234_power_ac"]
	require.True(t, ok)
	assert.Equal(t, "inverter_fronius_1234", inv.Device.Id)
	assert.Equal(t, "gateway1", inv.Device.ViaDevice)
	assert.Equal(t, "Symo GEN24", inv.Device.Name)
	assert.Equal(t, "1.30", inv.Device.Version)
	assert.Equal(t, 1520.5, *inv.Value(payload))
	assert.Equal(t, "fronius_1234_power_ac", inv.ObjectId())

	dc := byId["Fronius_1234_power_dc"]
	assert.Equal(t, 1610.0, *dc.Value(payload))

	energy := byId["Fronius_1234_energy_injected_total"]
	assert.InDelta(t, 123.456, *energy.Value(payload), 1e-9)

	temp := byId["Fronius_1234_heatsink_temperature"]
	assert.Nil(t, temp.Value(payload))
	assert.True(t, temp.Available(payload, true))

	// battery without serial gets a positional one
	bat, ok := byId["BYD_1234_b0_state_of_energy"]
	require.True(t, ok)
	assert.Equal(t, "battery_byd_1234_b0", bat.Device.Id)
	assert.Equal(t, inv.Device.Id, bat.Device.ViaDevice)
	assert.Equal(t, "HVS", bat.Device.Name)
	assert.Equal(t, 87.5, *bat.Value(payload))
	assert.InDelta(t, 8.2, *byId["BYD_1234_b0_available_energy"].Value(payload), 1e-9)

	// only the import/export meter is exposed, indexed among accepted meters
	_, ok = byId["Fronius_m-1_grid_power"]
	assert.False(t, ok)
	meter, ok := byId["Fronius_1234_m0_grid_power"]
	require.True(t, ok)
	assert.Equal(t, "Energy Meter", meter.Device.Model)
	assert.Equal(t, -250.0, *meter.Value(payload))
	assert.Equal(t, 2.5, *byId["Fronius_1234_m0_grid_export_total"].Value(payload))
}

func TestBuildEntitiesEmptyPayload(t *testing.T) {
	assert.Empty(t, BuildEntities("entry1", "gateway1", gridsense.Payload{}))
	assert.Empty(t, BuildEntities("entry1", "gateway1", nil))
}

func TestBuildEntitiesUnknownIdentity(t *testing.T) {
	payload := loadPayload(t, `{"inverters": {"a": {"powerAc": 10}}}`)
	entities := BuildEntities("entry1", "gateway1", payload)
	require.Len(t, entities, len(InverterSensors))
	assert.Equal(t, "unknown_manufacturer_unknown_serial_power_ac", entities[0].UniqueId)
	assert.Equal(t, "Inverter", entities[0].Device.Name)
	// the fallback identifier is itself a manufacturer name
	assert.Equal(t, UNKNOWN_MANUFACTURER, entities[0].Device.Manufacturer)
}

func TestBuildEntitiesNonStringMetadata(t *testing.T) {
	payload := loadPayload(t, `{"inverters": {"a": {"manufacturer": "Acme", "serialNumber": 77, "model": 3000, "version": 2.1}},
		"batteries": {"a": [{"model": false, "version": 0}]}}`)
	byId := entitiesByUniqueId(BuildEntities("entry1", "gateway1", payload))

	inv, ok := byId["Acme_77_power_ac"]
	require.True(t, ok)
	assert.Equal(t, "3000", inv.Device.Model)
	assert.Equal(t, "3000", inv.Device.Name)
	assert.Equal(t, "2.1", inv.Device.Version)

	bat, ok := byId["unknown_manufacturer_77_b0_power_dc"]
	require.True(t, ok)
	assert.Equal(t, "Battery", bat.Device.Model)
	assert.Equal(t, "", bat.Device.Version)
}

func TestEntityAvailability(t *testing.T) {
	payload := loadPayload(t, testPayload)
	entities := BuildEntities("entry1", "gateway1", payload)
	byId := entitiesByUniqueId(entities)
	inv := byId["Fronius_1234_power_ac"]

	assert.True(t, inv.Available(payload, true))
	assert.False(t, inv.Available(payload, false))

	// device gone from a later refresh
	var raw map[string]any
	require.NoError(t, json.Unmarshal([]byte(`{"inverters": {}}`), &raw))
	later := gridsense.Payload(raw)
	assert.False(t, inv.Available(later, true))
	assert.Nil(t, inv.Value(later))
	assert.False(t, inv.Available(nil, true))
}

func TestEntitySensor(t *testing.T) {
	payload := loadPayload(t, testPayload)
	byId := entitiesByUniqueId(BuildEntities("entry1", "gateway1", payload))

	sensor := byId["Fronius_1234_energy_injected_total"].Sensor()
	assert.Equal(t, "fronius_1234_energy_injected_total", sensor.Id)
	assert.Equal(t, SENSOR_TYPE_SENSOR, sensor.SensorType)
	assert.Equal(t, STATE_CLASS_TOTAL_INCREASING, sensor.StateClass)
	assert.Equal(t, DEVICE_CLASS_ENERGY, sensor.DeviceClass)
	assert.Equal(t, UNIT_KILO_WATT_HOUR, sensor.UnitOfMeasurement)
	assert.True(t, sensor.HasAvailability)
}

func TestObjectId(t *testing.T) {
	assert.Equal(t, "fronius_1234_power_ac", ObjectId("Fronius_1234_power_ac"))
	assert.Equal(t, "a_b_c", ObjectId("A-b c"))
	assert.Equal(t, "unknown_manufacturer", ObjectId("unknown_manufacturer"))
}

func TestGatewayDevice(t *testing.T) {
	entry := ConfigEntry{Id: "entry1", Title: "GridSense Gateway abc"}
	bridge := BridgeDevice("gridsense")
	dev := GatewayDevice(entry, bridge.Id)
	assert.Equal(t, bridge.Id, dev.ViaDevice)
	assert.Equal(t, "GridSense Gateway abc", dev.Name)
	assert.Equal(t, GatewayDeviceId("entry1"), dev.Id)

	sensors := GatewaySensors(dev, entry.Id)
	require.Len(t, sensors, 1)
	assert.Equal(t, SENSOR_TYPE_BINARY, sensors[0].SensorType)
	assert.Equal(t, GatewayConnectivityId("entry1"), sensors[0].Id)
	assert.NotEqual(t, GatewayDeviceId("entry1"), GatewayDeviceId("entry2"))
}
