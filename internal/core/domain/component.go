package domain

type Device struct {
	Id           string
	Name         string
	Version      string
	Model        string
	Manufacturer string
	ViaDevice    string
}

type GenericSensor struct {
	Device            Device
	Id                string
	SensorType        string
	Name              string
	UniqueId          string
	UnitOfMeasurement string
	StateClass        string // measurement, total_increasing
	DeviceClass       string // power, energy, battery, connectivity
	EntityCategory    string // diagnostic, nil
	EnabledByDefault  *bool
	Icon              string
	// HasAvailability adds a per-entity availability topic next to the bridge one.
	HasAvailability bool
}
