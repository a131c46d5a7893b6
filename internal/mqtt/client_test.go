package mqtt

import (
	"encoding/json"
	"testing"

	"github.com/gridsense/gridsense2mqtt/internal/core/domain"
	"github.com/gridsense/gridsense2mqtt/internal/util"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient() *MQTTClient {
	cfg := util.LoadTestConfig()
	return CreateMQTTClient(&cfg, OptsFromConfig(&cfg), nil, nil)
}

func TestHAStatusParse(t *testing.T) {

	assert := assert.New(t)

	r := haStatusExtractor("homeassistant")

	status, err := parseHAStatus(r, "homeassistant/status", "online")
	assert.NoError(err)
	assert.True(status.Online, "online status")

	status, err = parseHAStatus(r, "homeassistant/status", "offline")
	assert.NoError(err)
	assert.False(status.Online, "offline status")
}

func TestHAStatusParseFail(t *testing.T) {

	assert := assert.New(t)

	r := haStatusExtractor("homeassistant")

	_, err := parseHAStatus(r, "homeassistant/status/extra", "online")
	assert.Error(err, "wrong topic")

	_, err = parseHAStatus(r, "homeassistant/status", "maybe")
	assert.Error(err, "wrong payload")
}

func TestTopics(t *testing.T) {

	assert := assert.New(t)

	c := testClient()
	assert.Equal("gridsense/bridge/state", c.BridgeStateTopic())
	assert.Equal("gridsense/sensor/fronius_1234_power_ac/state", c.SensorStateTopic("fronius_1234_power_ac"))
	assert.Equal("gridsense/sensor/fronius_1234_power_ac/availability", c.SensorAvailabilityTopic("fronius_1234_power_ac"))
	assert.Equal("gridsense/binary_sensor/gw_connectivity/state", c.BinarySensorStateTopic("gw_connectivity"))
	assert.Equal("homeassistant/status", c.HAStatusTopic())
}

func TestEntityDiscoveryMessage(t *testing.T) {

	c := testClient()

	sensor := domain.GenericSensor{
		Device: domain.Device{
			Id:           "inverter_fronius_1234",
			Name:         "Symo",
			Manufacturer: "Fronius",
			ViaDevice:    "gridsense_gateway_x",
		},
		Id:                "fronius_1234_power_ac",
		SensorType:        domain.SENSOR_TYPE_SENSOR,
		Name:              "AC Power",
		UniqueId:          "Fronius_1234_power_ac",
		UnitOfMeasurement: domain.UNIT_WATT,
		StateClass:        domain.STATE_CLASS_MEASUREMENT,
		DeviceClass:       domain.DEVICE_CLASS_POWER,
		HasAvailability:   true,
	}

	assert.Equal(t, "homeassistant/sensor/inverter_fronius_1234/fronius_1234_power_ac/config",
		HADiscoverySensorTopic("homeassistant", sensor))

	msg := GenericSensorToHADiscoveryMessage(c, sensor)
	assert.Equal(t, "gridsense/sensor/fronius_1234_power_ac/state", msg.StateTopic)
	assert.Empty(t, msg.AvTopic)
	require.Len(t, msg.Availability, 2)
	assert.Equal(t, "gridsense/bridge/state", msg.Availability[0].Topic)
	assert.Equal(t, "gridsense/sensor/fronius_1234_power_ac/availability", msg.Availability[1].Topic)
	assert.Equal(t, AVAILABILITY_MODE_ALL, msg.AvailabilityMode)
	assert.Equal(t, "gridsense_gateway_x", msg.Device.ViaDevice)

	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "Fronius_1234_power_ac", decoded["unique_id"])
	assert.Equal(t, "W", decoded["unit_of_measurement"])
	assert.NotContains(t, decoded, "payload_on")
}

func TestBridgeAndConnectivityDiscoveryMessages(t *testing.T) {

	c := testClient()

	bridge := domain.BridgeDevice("gridsense")
	bridgeMsg := GenericSensorToHADiscoveryMessage(c, domain.BridgeSensors(bridge)[0])
	assert.Equal(t, "gridsense/bridge/state", bridgeMsg.StateTopic)
	assert.Equal(t, MQTT_PAYLOAD_ONLINE, bridgeMsg.PayloadOn)
	assert.Equal(t, MQTT_PAYLOAD_OFFLINE, bridgeMsg.PayloadOff)
	assert.Empty(t, bridgeMsg.AvTopic)

	gw := domain.GatewayDevice(domain.ConfigEntry{Id: "e1", Title: "GridSense Gateway ab12"}, bridge.Id)
	gwMsg := GenericSensorToHADiscoveryMessage(c, domain.GatewaySensors(gw, "e1")[0])
	assert.Equal(t, c.BinarySensorStateTopic(domain.GatewayConnectivityId("e1")), gwMsg.StateTopic)
	assert.Equal(t, MQTT_PAYLOAD_ON, gwMsg.PayloadOn)
	assert.Equal(t, "gridsense/bridge/state", gwMsg.AvTopic)
	assert.Equal(t, bridge.Id, gwMsg.Device.ViaDevice)
}
