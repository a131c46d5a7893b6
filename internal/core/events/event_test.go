package events

import (
	"testing"
	"time"

	"github.com/gridsense/gridsense2mqtt/internal/core/domain"
	"github.com/gridsense/gridsense2mqtt/internal/gridsense"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const inverterOnly = `{
	"inverters": {
		"inv1": {"manufacturer": "Fronius", "serialNumber": "1234", "model": "Symo", "powerAc": 1520.5, "powerDc": "bad"}
	}
}`

func entities(t *testing.T) ([]domain.Entity, gridsense.Payload) {
	t.Helper()
	payload, err := gridsense.DecodePayload([]byte(inverterOnly))
	require.NoError(t, err)
	return domain.BuildEntities("entry1", domain.GatewayDeviceId("entry1"), payload), payload
}

func TestEntityUpdateEvents(t *testing.T) {

	ents, payload := entities(t)
	ts := time.Now()

	evts := EntityUpdateEvents(ents, payload, true, ts)
	require.Len(t, evts, len(domain.InverterSensors))

	byKey := map[string]domain.FloatSensorUpdateEvent{}
	for _, e := range evts {
		byKey[e.Key] = e
	}
	ac := byKey["power_ac"]
	assert.True(t, ac.Available)
	require.NotNil(t, ac.Value)
	assert.Equal(t, 1520.5, *ac.Value)
	assert.Equal(t, "entry1", ac.EntryId)
	assert.Equal(t, "inverter_fronius_1234", ac.DeviceId)
	assert.Equal(t, "fronius_1234_power_ac", ac.SensorId())
	assert.Equal(t, ts, ac.Timestamp)

	dc := byKey["power_dc"]
	assert.True(t, dc.Available, "record present")
	assert.Nil(t, dc.Value, "unparsable value is unknown")

	for _, e := range EntityUpdateEvents(ents, payload, false, ts) {
		assert.False(t, e.Available)
		assert.Nil(t, e.Value)
	}

	// inverter gone from the payload
	for _, e := range EntityUpdateEvents(ents, gridsense.Payload{}, true, ts) {
		assert.False(t, e.Available)
	}
}

func TestEntityStates(t *testing.T) {

	ents, payload := entities(t)
	states := EntityStates(ents, payload, true)
	require.Len(t, states, len(ents))
	assert.Equal(t, "Fronius_1234_power_ac", states[0].UniqueId)
	assert.Equal(t, "AC Power", states[0].Name)
	assert.Equal(t, "W", states[0].UnitOfMeasurement)
	assert.True(t, states[0].Available)
}

func TestGatewayConnectivityEvent(t *testing.T) {

	evt := GatewayConnectivityEvent("entry1", true)
	assert.Equal(t, domain.GatewayConnectivityId("entry1"), evt.SensorId())
	assert.True(t, evt.Value)
}

func TestEntrySensors(t *testing.T) {

	ents, _ := entities(t)
	entry := domain.ConfigEntry{Id: "entry1", Title: "GridSense Gateway ab12"}
	sensors := EntrySensors(entry, "bridge1", ents)
	require.Len(t, sensors, 1+len(ents))

	gw := sensors[0]
	assert.Equal(t, domain.SENSOR_TYPE_BINARY, gw.SensorType)
	assert.Equal(t, "bridge1", gw.Device.ViaDevice)
	assert.Equal(t, "GridSense Gateway ab12", gw.Device.Name)

	first := sensors[1]
	assert.Equal(t, "Symo", first.Device.Model, "first sensor announces the full device")
	assert.Equal(t, domain.GatewayDeviceId("entry1"), first.Device.ViaDevice)

	second := sensors[2]
	assert.Equal(t, first.Device.Id, second.Device.Id)
	assert.Empty(t, second.Device.Model, "later sensors reference the device by id")
}
