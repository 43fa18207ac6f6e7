package hass

// DiscoveryMessage is a Home Assistant device-based MQTT discovery payload.
type DiscoveryMessage struct {
	Device     DeviceInfo           `json:"device"`
	Origin     OriginInfo           `json:"origin"`
	Components map[string]Component `json:"components"`
	StateTopic string               `json:"state_topic"`
	QOS        int                  `json:"qos"`
}

type DeviceInfo struct {
	Identifiers  string `json:"identifiers"`
	Name         string `json:"name"`
	Manufacturer string `json:"manufacturer"`
	Model        string `json:"model"`
	SerialNumber string `json:"serial_number,omitempty"`
}

type OriginInfo struct {
	Name            string `json:"name"`
	SoftwareVersion string `json:"sw_version"`
}

type Component struct {
	Platform          string `json:"platform"`
	DeviceClass       string `json:"device_class,omitempty"`
	Name              string `json:"name,omitempty"`
	ObjectID          string `json:"object_id,omitempty"`
	StateClass        string `json:"state_class,omitempty"`
	UniqueID          string `json:"unique_id,omitempty"`
	UnitOfMeasurement string `json:"unit_of_measurement,omitempty"`
	ValueTemplate     string `json:"value_template,omitempty"`
}
