package types

import (
	"fmt"
	"time"
)

// MetricName is the leaf name of a published state.
type MetricName string

const (
	MetricPVProduction     MetricName = "pvProduction"
	MetricBatteryCharge    MetricName = "batteryCharge"
	MetricBatteryDischarge MetricName = "batteryDischarge"
	MetricImportedEnergy   MetricName = "importedEnergy"
	MetricExportedEnergy   MetricName = "exportedEnergy"
	MetricLoad             MetricName = "load"
	MetricBatterySoC       MetricName = "batterySoC"
	MetricLastUpdateTime   MetricName = "lastUpdateTime"
)

// ValueType is the declared type of a state.
type ValueType string

const (
	ValueTypeNumber ValueType = "number"
	ValueTypeString ValueType = "string"
)

// MetricDefinition is what gets declared in the state store before the first
// write of a metric.
type MetricDefinition struct {
	Name        MetricName `json:"name"`
	DisplayName string     `json:"displayName"`
	Type        ValueType  `json:"type"`
	Role        string     `json:"role"`
	Unit        string     `json:"unit,omitempty"`
	Read        bool       `json:"read"`
	Write       bool       `json:"write"`
}

func powerMetric(name MetricName, displayName string) MetricDefinition {
	return MetricDefinition{
		Name:        name,
		DisplayName: displayName,
		Type:        ValueTypeNumber,
		Role:        "value.power",
		Unit:        "W",
		Read:        true,
		Write:       false,
	}
}

// TrackedMetrics returns the definitions of every metric published each
// cycle. batterySoC and lastUpdateTime are optional.
func TrackedMetrics(withSoC, withLastUpdate bool) []MetricDefinition {
	defs := []MetricDefinition{
		powerMetric(MetricPVProduction, "PV production"),
		powerMetric(MetricBatteryCharge, "Battery charge"),
		powerMetric(MetricBatteryDischarge, "Battery discharge"),
		powerMetric(MetricImportedEnergy, "Imported energy"),
		powerMetric(MetricExportedEnergy, "Exported energy"),
		powerMetric(MetricLoad, "Load"),
	}
	if withSoC {
		defs = append(defs, MetricDefinition{
			Name:        MetricBatterySoC,
			DisplayName: "Battery state of charge",
			Type:        ValueTypeNumber,
			Role:        "value.battery",
			Unit:        "%",
			Read:        true,
		})
	}
	if withLastUpdate {
		defs = append(defs, MetricDefinition{
			Name:        MetricLastUpdateTime,
			DisplayName: "Last update",
			Type:        ValueTypeString,
			Role:        "date",
			Read:        true,
		})
	}
	return defs
}

// StatePath returns the fully namespaced path of a metric, e.g.
// solaredge.0.12345.pvProduction.
func StatePath(instance, siteID string, name MetricName) string {
	return fmt.Sprintf("solaredge.%s.%s.%s", instance, siteID, name)
}

// StateValue is a single write to the state store. Ack marks the value as an
// actual reading rather than a pending command.
type StateValue struct {
	Val any       `json:"val"`
	Ack bool      `json:"ack"`
	TS  time.Time `json:"ts"`
}
