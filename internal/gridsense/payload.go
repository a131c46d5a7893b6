package gridsense

import (
	"sort"
	"strings"
)

// Payload is the sanitized body of /api/v1/devices.
type Payload map[string]any

// Record is a single JSON object inside a Payload (an inverter, battery or meter).
type Record map[string]any

// Object returns the JSON object stored under key, or nil.
func (p Payload) Object(key string) map[string]any {
	if p == nil {
		return nil
	}
	if obj, ok := p[key].(map[string]any); ok {
		return obj
	}
	return nil
}

// Get returns the raw value stored under key.
func (r Record) Get(key string) any {
	if r == nil {
		return nil
	}
	return r[key]
}

// String returns the value under key when it is a non-empty string.
func (r Record) String(key string) string {
	if s, ok := r.Get(key).(string); ok {
		return s
	}
	return ""
}

// AsRecord converts a decoded JSON value to a Record.
func AsRecord(value any) (Record, bool) {
	obj, ok := value.(map[string]any)
	if !ok {
		return nil, false
	}
	return Record(obj), true
}

// AsRecords converts a decoded JSON array to records, skipping non-objects.
func AsRecords(value any) []Record {
	list, ok := value.([]any)
	if !ok {
		return nil
	}
	records := make([]Record, 0, len(list))
	for _, item := range list {
		if r, ok := AsRecord(item); ok {
			records = append(records, r)
		}
	}
	return records
}

// SortedKeys returns the keys of obj in lexical order. JSON object order is
// not preserved by encoding/json, this keeps entity creation deterministic.
func SortedKeys(obj map[string]any) []string {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Sanitize recursively removes NUL padding and surrounding whitespace from
// every string value. Keys are left untouched.
func Sanitize(value any) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			out[key] = Sanitize(item)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = Sanitize(item)
		}
		return out
	case string:
		return CleanString(v)
	default:
		return v
	}
}

func CleanString(s string) string {
	return strings.TrimSpace(strings.ReplaceAll(s, "\x00", ""))
}
