package domain

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"

	"github.com/carlmjohnson/versioninfo"
)

const (
	SENSOR_ID_BRIDGE_STATE  = "bridge"
	SENSOR_ID_GATEWAY_STATE = "connectivity"
)

func BridgeDevice(baseTopic string) Device {
	return Device{
		Id:           fmt.Sprintf("gridsense_bridge_%s", md5HashShort(baseTopic)),
		Manufacturer: DEFAULT_MANUFACTURER,
		Model:        "gridsense2mqtt",
		Version:      versioninfo.Short(),
		Name:         fmt.Sprintf("GridSense Bridge %s", md5HashShort(baseTopic)),
	}
}

func BridgeSensors(bridgeDevice Device) []GenericSensor {
	return []GenericSensor{
		{
			Device:         bridgeDevice,
			Id:             SENSOR_ID_BRIDGE_STATE,
			SensorType:     SENSOR_TYPE_BINARY,
			Name:           "Connection state",
			DeviceClass:    DEVICE_CLASS_CONNECTIVITY,
			EntityCategory: ENTITY_CLASS_DIAGNOSTIC,
			UniqueId:       uniqueId(bridgeDevice.Id, SENSOR_ID_BRIDGE_STATE),
		},
	}
}

// GatewayDevice represents the GridSense gateway of a config entry.
func GatewayDevice(entry ConfigEntry, bridgeDeviceId string) Device {
	return Device{
		Id:           GatewayDeviceId(entry.Id),
		Manufacturer: DEFAULT_MANUFACTURER,
		Model:        "Gateway",
		Name:         entry.Title,
		ViaDevice:    bridgeDeviceId,
	}
}

func GatewayDeviceId(entryId string) string {
	return ObjectId(fmt.Sprintf("gridsense_gateway_%s", md5HashShort(entryId)))
}

// GatewayConnectivityId is the object id of the entry's connectivity sensor.
func GatewayConnectivityId(entryId string) string {
	return ObjectId(fmt.Sprintf("%s_%s", GatewayDeviceId(entryId), SENSOR_ID_GATEWAY_STATE))
}

func GatewaySensors(gatewayDevice Device, entryId string) []GenericSensor {
	return []GenericSensor{
		{
			Device:         gatewayDevice,
			Id:             GatewayConnectivityId(entryId),
			SensorType:     SENSOR_TYPE_BINARY,
			Name:           "Gateway connectivity",
			DeviceClass:    DEVICE_CLASS_CONNECTIVITY,
			EntityCategory: ENTITY_CLASS_DIAGNOSTIC,
			UniqueId:       uniqueId(gatewayDevice.Id, SENSOR_ID_GATEWAY_STATE),
		},
	}
}

// IdDevice keeps only the identity of a device, for entities after the first
// one announcing it.
func IdDevice(device Device) Device {
	return Device{
		Id:   device.Id,
		Name: device.Name,
	}
}

func uniqueId(baseId, id string) string {
	return fmt.Sprintf("uid_%s_%s", baseId, id)
}

func md5Hash(text string) string {
	hash := md5.Sum([]byte(text))
	return hex.EncodeToString(hash[:])
}

func md5HashShort(text string) string {
	hash := md5Hash(text)
	return hash[0:8]
}
