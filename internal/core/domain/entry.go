package domain

import "time"

const DOMAIN = "gridsense"

// ConfigEntry is a configured gateway.
type ConfigEntry struct {
	Id        string    `json:"id" yaml:"id"`
	UniqueId  string    `json:"unique_id,omitempty" yaml:"unique_id,omitempty"`
	Title     string    `json:"title" yaml:"title"`
	Host      string    `json:"host" yaml:"host"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
}

// DiscoveryInfo is a resolved mDNS service announcement.
type DiscoveryInfo struct {
	Host       string
	Port       int
	Hostname   string
	Name       string
	Properties map[string]string
}

const (
	ENTRY_STATE_NOT_LOADED  = "not_loaded"
	ENTRY_STATE_SETUP_RETRY = "setup_retry"
	ENTRY_STATE_LOADED      = "loaded"
)

type EntityState struct {
	UniqueId          string   `json:"unique_id"`
	Name              string   `json:"name"`
	Device            string   `json:"device"`
	Value             *float64 `json:"value"`
	UnitOfMeasurement string   `json:"unit_of_measurement,omitempty"`
	Available         bool     `json:"available"`
}

type EntryState struct {
	EntryId           string        `json:"entry_id"`
	Host              string        `json:"host"`
	State             string        `json:"state"`
	LastUpdateSuccess bool          `json:"last_update_success"`
	LastUpdate        *time.Time    `json:"last_update,omitempty"`
	LastError         string        `json:"last_error,omitempty"`
	Entities          []EntityState `json:"entities"`
}
