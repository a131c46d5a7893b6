package domain

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gridsense/gridsense2mqtt/internal/gridsense"
)

const (
	UNKNOWN_MANUFACTURER = "unknown_manufacturer"
	UNKNOWN_SERIAL       = "unknown_serial"

	PAYLOAD_INVERTERS     = "inverters"
	PAYLOAD_BATTERIES     = "batteries"
	PAYLOAD_ENERGY_METERS = "energyMeters"

	METER_OPTION_IMPORT_EXPORT = "export+import"
)

// Identifier normalizes an identity field (manufacturer, serial number).
// Missing or blank values resolve to fallback.
func Identifier(candidate any, fallback string) string {
	var s string
	switch v := candidate.(type) {
	case nil:
		return fallback
	case string:
		s = v
	case float64:
		if v == 0 {
			return fallback
		}
		s = strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		if !v {
			return fallback
		}
		s = "true"
	default:
		s = fmt.Sprint(v)
	}
	if s == "" {
		return fallback
	}
	cleaned := gridsense.CleanString(s)
	if cleaned == "" {
		return fallback
	}
	return cleaned
}

func inverterIdentity(inv gridsense.Record) (string, string) {
	return Identifier(inv.Get("manufacturer"), UNKNOWN_MANUFACTURER),
		Identifier(inv.Get("serialNumber"), UNKNOWN_SERIAL)
}

// Inverters returns the inverter records keyed by inverter key, in key order.
func Inverters(payload gridsense.Payload) ([]string, []gridsense.Record) {
	inverters := payload.Object(PAYLOAD_INVERTERS)
	var keys []string
	var records []gridsense.Record
	for _, key := range gridsense.SortedKeys(inverters) {
		if r, ok := gridsense.AsRecord(inverters[key]); ok {
			keys = append(keys, key)
			records = append(records, r)
		}
	}
	return keys, records
}

// FindInverter locates an inverter by its normalized manufacturer and serial.
func FindInverter(payload gridsense.Payload, manufacturer, serial string) gridsense.Record {
	_, inverters := Inverters(payload)
	for _, inv := range inverters {
		man, ser := inverterIdentity(inv)
		if man == manufacturer && ser == serial {
			return inv
		}
	}
	return nil
}

// attachedTo collects the records listed under section for every inverter
// key that resolves to the given inverter.
func attachedTo(payload gridsense.Payload, section, inverterManufacturer, inverterSerial string) []gridsense.Record {
	if payload == nil {
		return nil
	}
	inverters := payload.Object(PAYLOAD_INVERTERS)
	lists := payload.Object(section)
	var result []gridsense.Record

	for _, inverterKey := range gridsense.SortedKeys(lists) {
		inv, ok := gridsense.AsRecord(inverters[inverterKey])
		if !ok {
			continue
		}
		man, ser := inverterIdentity(inv)
		if man != inverterManufacturer || ser != inverterSerial {
			continue
		}
		result = append(result, gridsense.AsRecords(lists[inverterKey])...)
	}
	return result
}

// BatteriesForInverter returns the batteries attached to an inverter.
func BatteriesForInverter(payload gridsense.Payload, inverterManufacturer, inverterSerial string) []gridsense.Record {
	return attachedTo(payload, PAYLOAD_BATTERIES, inverterManufacturer, inverterSerial)
}

// MetersForInverter returns the energy meters attached to an inverter.
func MetersForInverter(payload gridsense.Payload, inverterManufacturer, inverterSerial string) []gridsense.Record {
	return attachedTo(payload, PAYLOAD_ENERGY_METERS, inverterManufacturer, inverterSerial)
}

func findAttached(records []gridsense.Record, manufacturer, serial string) gridsense.Record {
	for _, r := range records {
		if Identifier(r.Get("manufacturer"), manufacturer) == manufacturer &&
			Identifier(r.Get("serialNumber"), serial) == serial {
			return r
		}
	}
	return nil
}

// FindBattery locates a battery of an inverter. Missing identity fields on a
// record fall back to the searched values, so positional serials still match.
func FindBattery(payload gridsense.Payload, inverterManufacturer, inverterSerial, batteryManufacturer, batterySerial string) gridsense.Record {
	return findAttached(BatteriesForInverter(payload, inverterManufacturer, inverterSerial), batteryManufacturer, batterySerial)
}

// FindMeter locates an energy meter of an inverter.
func FindMeter(payload gridsense.Payload, inverterManufacturer, inverterSerial, meterManufacturer, meterSerial string) gridsense.Record {
	return findAttached(MetersForInverter(payload, inverterManufacturer, inverterSerial), meterManufacturer, meterSerial)
}

// IsImportExportMeter reports whether a meter exposes import/export totals.
func IsImportExportMeter(meter gridsense.Record) bool {
	option, ok := meter.Get("options").(string)
	return ok && strings.Contains(strings.ToLower(option), METER_OPTION_IMPORT_EXPORT)
}
