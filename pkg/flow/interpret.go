package flow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/raterudder/solaredge/pkg/log"
	"github.com/raterudder/solaredge/pkg/types"
)

// LoadSource decides where the load metric comes from.
type LoadSource int

const (
	// LoadFromEdges sums the power of every node with an edge into Load.
	LoadFromEdges LoadSource = iota
	// LoadFromNode uses the Load node's self-reported power.
	LoadFromNode
)

func (s LoadSource) String() string {
	switch s {
	case LoadFromEdges:
		return "edges"
	case LoadFromNode:
		return "node"
	default:
		return "unknown"
	}
}

// ParseLoadSource parses "edges" or "node".
func ParseLoadSource(s string) (LoadSource, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "edges":
		return LoadFromEdges, nil
	case "node":
		return LoadFromNode, nil
	}
	return 0, fmt.Errorf("unknown load source %q (expected edges or node)", s)
}

// Conventions holds the interpretations of the upstream graph that the API
// does not pin down.
type Conventions struct {
	Load LoadSource
	// ChargeFrom lists the sources whose edge into Storage means the battery
	// is charging.
	ChargeFrom []types.NodeKind
}

// DefaultConventions sums load over incoming edges and treats both PV→Storage
// and Load→Storage as charging.
func DefaultConventions() Conventions {
	return Conventions{
		Load:       LoadFromEdges,
		ChargeFrom: []types.NodeKind{types.NodePV, types.NodeLoad},
	}
}

// Interpreter turns snapshots into EnergyMetrics.
type Interpreter struct {
	conventions Conventions
	labels      *Labels
	now         func() time.Time
}

// NewInterpreter returns an Interpreter. A nil labels uses DefaultLabels.
func NewInterpreter(conventions Conventions, labels *Labels) *Interpreter {
	if labels == nil {
		labels = DefaultLabels()
	}
	return &Interpreter{
		conventions: conventions,
		labels:      labels,
		now:         time.Now,
	}
}

// Conventions returns the conventions the interpreter was built with.
func (i *Interpreter) Conventions() Conventions {
	return i.conventions
}

// Parse parses a raw response with the interpreter's alias table.
func (i *Interpreter) Parse(raw []byte) (types.PowerFlowSnapshot, error) {
	return Parse(raw, i.labels)
}

// pairDirection is the outcome of classifying one directional pair.
type pairDirection int

const (
	directionNone pairDirection = iota
	directionA
	directionB
)

// classify walks edges in order and returns the orientation of the first
// edge that matches either a or b.
func classify(edges []types.Edge, a, b func(types.Edge) bool) pairDirection {
	for _, e := range edges {
		switch {
		case a(e):
			return directionA
		case b(e):
			return directionB
		}
	}
	return directionNone
}

func edge(from, to types.NodeKind) func(types.Edge) bool {
	return func(e types.Edge) bool {
		return e.From == from && e.To == to
	}
}

func edgeInto(to types.NodeKind, from []types.NodeKind) func(types.Edge) bool {
	return func(e types.Edge) bool {
		if e.To != to {
			return false
		}
		for _, f := range from {
			if e.From == f {
				return true
			}
		}
		return false
	}
}

// Interpret computes the metrics for a snapshot. A node that is missing from
// the snapshot, or referenced by an edge but absent, is a MissingField error.
// Metrics of a pair whose edges are absent are zero.
func (i *Interpreter) Interpret(ctx context.Context, s types.PowerFlowSnapshot) (types.EnergyMetrics, error) {
	mult := s.Unit.Multiplier()

	power := make(map[types.NodeKind]float64, len(types.NodeKinds))
	for _, kind := range types.NodeKinds {
		n, ok := s.Nodes[kind]
		if !ok {
			return types.EnergyMetrics{}, missing(string(kind))
		}
		power[kind] = n.CurrentPower * mult
	}
	for _, e := range s.Connections {
		if _, ok := s.Nodes[e.From]; !ok {
			return types.EnergyMetrics{}, missing(string(e.From))
		}
		if _, ok := s.Nodes[e.To]; !ok {
			return types.EnergyMetrics{}, missing(string(e.To))
		}
	}

	m := types.EnergyMetrics{
		PVProduction:   power[types.NodePV],
		LastUpdateTime: i.now(),
	}

	storage := classify(
		s.Connections,
		edge(types.NodeStorage, types.NodeLoad),
		edgeInto(types.NodeStorage, i.conventions.ChargeFrom),
	)
	switch storage {
	case directionA:
		m.BatteryDischarge = power[types.NodeStorage]
	case directionB:
		m.BatteryCharge = power[types.NodeStorage]
	}

	grid := classify(
		s.Connections,
		edge(types.NodeGrid, types.NodeLoad),
		edge(types.NodeLoad, types.NodeGrid),
	)
	switch grid {
	case directionA:
		m.ImportedEnergy = power[types.NodeGrid]
	case directionB:
		m.ExportedEnergy = power[types.NodeGrid]
	}

	switch i.conventions.Load {
	case LoadFromNode:
		m.Load = power[types.NodeLoad]
	default:
		seen := make(map[types.NodeKind]bool, len(types.NodeKinds))
		for _, e := range s.Connections {
			if e.To != types.NodeLoad || e.From == types.NodeLoad || seen[e.From] {
				continue
			}
			seen[e.From] = true
			m.Load += power[e.From]
		}
	}

	if level := s.Nodes[types.NodeStorage].ChargeLevel; level != nil {
		soc := *level
		m.BatterySoC = &soc
	}

	log.Ctx(ctx).DebugContext(
		ctx,
		"interpreted power flow",
		slog.String("unit", string(s.Unit)),
		slog.Int("connections", len(s.Connections)),
		slog.Float64("pvW", m.PVProduction),
		slog.Float64("batteryChargeW", m.BatteryCharge),
		slog.Float64("batteryDischargeW", m.BatteryDischarge),
		slog.Float64("importW", m.ImportedEnergy),
		slog.Float64("exportW", m.ExportedEnergy),
		slog.Float64("loadW", m.Load),
		slog.String("loadSource", i.conventions.Load.String()),
	)

	return m, nil
}
