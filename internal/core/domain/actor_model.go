package domain

import "github.com/gridsense/gridsense2mqtt/internal/gridsense"

const (
	ACTOR_ID_MASTER       = "master"
	ACTOR_ID_GATEWAY      = "gateway"
	ACTOR_ID_MQTT         = "mqtt"
	ACTOR_ID_HA_DISCOVERY = "hadiscovery"
	ACTOR_ID_INFLUXDB     = "influxdb"
	ACTOR_ID_NATS         = "nats"
	ACTOR_ID_COORDINATOR  = "coordinator"
)

type FetchDevicesRequest struct {
	ActorRequestMixIn
	Host string
}

type FetchDevicesResponse struct {
	ActorResponseMixIn
	Host    string
	Payload gridsense.Payload
}

type PublishMessageRequest struct {
	ActorRequestMixIn
	Topic   string
	Payload string
	Retain  bool
}

type PublishMessageResponse struct {
	ActorResponseMixIn
}

type PublishSensorUpdateRequest struct {
	ActorRequestMixIn
	Retain bool
	Event  SensorUpdateEvent
}

type PublishSensorUpdateResponse struct {
	ActorResponseMixIn
}

type PublishDiscoveryRequest struct {
	ActorRequestMixIn
	Sensors []GenericSensor
}

type PublishDiscoveryResponse struct {
	ActorResponseMixIn
}

// ClearDiscoveryRequest withdraws previously announced sensors.
type ClearDiscoveryRequest struct {
	ActorRequestMixIn
	Sensors []GenericSensor
}

type ClearDiscoveryResponse struct {
	ActorResponseMixIn
}

type ActorHealthRequest struct {
	ActorRequestMixIn
}

type ActorHealthResponse struct {
	ActorResponseMixIn
	Id      string
	Healthy bool
	State   string
}

type SetupEntryRequest struct {
	ActorRequestMixIn
	Entry ConfigEntry
}

type SetupEntryResponse struct {
	ActorResponseMixIn
}

type UnloadEntryRequest struct {
	EntryRequestMixIn
	// Remove also withdraws the entry's discovery messages.
	Remove bool
}

type UnloadEntryResponse struct {
	ActorResponseMixIn
}

type ReloadEntryRequest struct {
	EntryRequestMixIn
	Entry ConfigEntry
}

type ReloadEntryResponse struct {
	ActorResponseMixIn
}

type GetEntryStateRequest struct {
	EntryRequestMixIn
}

type GetEntryStateResponse struct {
	ActorResponseMixIn
	State EntryState
}
