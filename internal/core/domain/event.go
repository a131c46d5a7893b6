package domain

import (
	"fmt"
	"time"
)

type SensorUpdateEventMixIn struct {
	Id string
}

type SensorUpdateEvent interface {
	SensorUpdateEvent() string
	SensorId() string
}

func (e SensorUpdateEventMixIn) SensorUpdateEvent() string {
	return fmt.Sprintf("%T", e)
}

func (e SensorUpdateEventMixIn) SensorId() string {
	return e.Id
}

// FloatSensorUpdateEvent carries one entity value after a refresh. A nil
// Value is an unknown state.
type FloatSensorUpdateEvent struct {
	SensorUpdateEventMixIn
	EntryId   string
	DeviceId  string
	UniqueId  string
	Key       string
	Value     *float64
	Decimals  int
	Available bool
	Timestamp time.Time
}

type BinarySensorUpdateEvent struct {
	SensorUpdateEventMixIn
	EntryId string
	Value   bool
}

type BridgeStateUpdateEvent struct {
	SensorUpdateEventMixIn
	Value bool
}
