package types

import "time"

// NodeKind is one of the four power sources/sinks in a site's topology.
type NodeKind string

const (
	NodePV      NodeKind = "PV"
	NodeStorage NodeKind = "STORAGE"
	NodeGrid    NodeKind = "GRID"
	NodeLoad    NodeKind = "LOAD"
)

// NodeKinds lists every node kind a snapshot must contain.
var NodeKinds = []NodeKind{NodePV, NodeStorage, NodeGrid, NodeLoad}

// Unit is the power unit declared by the monitoring API for a snapshot.
type Unit string

const (
	UnitWatt     Unit = "W"
	UnitKilowatt Unit = "kW"
)

// Multiplier returns the factor that converts a value in u to Watts.
func (u Unit) Multiplier() float64 {
	if u == UnitKilowatt {
		return 1000
	}
	return 1
}

// NodePower is the instantaneous reading of a single node.
type NodePower struct {
	// CurrentPower is always non-negative, direction comes from the edges.
	CurrentPower float64 `json:"currentPower"`
	// ChargeLevel is only set for storage and is a percentage.
	ChargeLevel *float64 `json:"chargeLevel,omitempty"`
}

// Edge asserts that power is currently flowing From one node To another.
// RawFrom and RawTo keep the labels exactly as the API sent them.
type Edge struct {
	From    NodeKind `json:"from"`
	To      NodeKind `json:"to"`
	RawFrom string   `json:"rawFrom"`
	RawTo   string   `json:"rawTo"`
}

// PowerFlowSnapshot is a single parsed currentPowerFlow response. All node
// magnitudes are in Unit.
type PowerFlowSnapshot struct {
	Unit        Unit                   `json:"unit"`
	Nodes       map[NodeKind]NodePower `json:"nodes"`
	Connections []Edge                 `json:"connections"`
}

// EnergyMetrics is the signed decomposition of a snapshot. Every power value
// is in Watts regardless of the snapshot's unit.
type EnergyMetrics struct {
	PVProduction     float64   `json:"pvProduction"`
	BatteryCharge    float64   `json:"batteryCharge"`
	BatteryDischarge float64   `json:"batteryDischarge"`
	ImportedEnergy   float64   `json:"importedEnergy"`
	ExportedEnergy   float64   `json:"exportedEnergy"`
	Load             float64   `json:"load"`
	BatterySoC       *float64  `json:"batterySoC,omitempty"`
	LastUpdateTime   time.Time `json:"lastUpdateTime"`
}

// Value returns the value that should be published for the given metric. The
// bool is false if the metric has nothing to publish this cycle.
func (m EnergyMetrics) Value(name MetricName) (any, bool) {
	switch name {
	case MetricPVProduction:
		return m.PVProduction, true
	case MetricBatteryCharge:
		return m.BatteryCharge, true
	case MetricBatteryDischarge:
		return m.BatteryDischarge, true
	case MetricImportedEnergy:
		return m.ImportedEnergy, true
	case MetricExportedEnergy:
		return m.ExportedEnergy, true
	case MetricLoad:
		return m.Load, true
	case MetricBatterySoC:
		if m.BatterySoC == nil {
			return nil, false
		}
		return *m.BatterySoC, true
	case MetricLastUpdateTime:
		if m.LastUpdateTime.IsZero() {
			return nil, false
		}
		return m.LastUpdateTime.UTC().Format(time.RFC3339), true
	}
	return nil, false
}
