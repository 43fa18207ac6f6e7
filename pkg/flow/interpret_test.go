package flow

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/raterudder/solaredge/pkg/log"
	"github.com/raterudder/solaredge/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	log.SetDefaultLogLevel(slog.LevelError)
}

var fixedNow = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestInterpreter(conv Conventions) *Interpreter {
	i := NewInterpreter(conv, nil)
	i.now = func() time.Time { return fixedNow }
	return i
}

func snapshot(unit types.Unit, pv, storage, grid, load float64, conns ...[2]types.NodeKind) types.PowerFlowSnapshot {
	s := types.PowerFlowSnapshot{
		Unit: unit,
		Nodes: map[types.NodeKind]types.NodePower{
			types.NodePV:      {CurrentPower: pv},
			types.NodeStorage: {CurrentPower: storage},
			types.NodeGrid:    {CurrentPower: grid},
			types.NodeLoad:    {CurrentPower: load},
		},
	}
	for _, c := range conns {
		s.Connections = append(s.Connections, types.Edge{From: c[0], To: c[1], RawFrom: string(c[0]), RawTo: string(c[1])})
	}
	return s
}

func e(from, to types.NodeKind) [2]types.NodeKind {
	return [2]types.NodeKind{from, to}
}

func TestInterpret(t *testing.T) {
	ctx := context.Background()

	t.Run("Example", func(t *testing.T) {
		i := newTestInterpreter(DefaultConventions())
		s, err := i.Parse([]byte(exampleResponse))
		require.NoError(t, err)

		m, err := i.Interpret(ctx, s)
		require.NoError(t, err)

		assert.Equal(t, 3000.0, m.PVProduction)
		assert.Equal(t, 1000.0, m.BatteryDischarge)
		assert.Equal(t, 0.0, m.BatteryCharge)
		assert.Equal(t, 500.0, m.ImportedEnergy)
		assert.Equal(t, 0.0, m.ExportedEnergy)
		assert.Equal(t, 4500.0, m.Load, "load is the sum over incoming edges")
		require.NotNil(t, m.BatterySoC)
		assert.Equal(t, 80.0, *m.BatterySoC)
		assert.Equal(t, fixedNow, m.LastUpdateTime)
	})

	t.Run("ExampleLoadFromNode", func(t *testing.T) {
		i := newTestInterpreter(Conventions{Load: LoadFromNode, ChargeFrom: DefaultConventions().ChargeFrom})
		s, err := i.Parse([]byte(exampleResponse))
		require.NoError(t, err)

		m, err := i.Interpret(ctx, s)
		require.NoError(t, err)
		assert.Equal(t, 3500.0, m.Load, "load is the node's self-reported power")
		assert.Equal(t, 3000.0, m.PVProduction)
	})

	t.Run("UnitNormalization", func(t *testing.T) {
		i := newTestInterpreter(DefaultConventions())
		kw, err := i.Interpret(ctx, snapshot(types.UnitKilowatt, 2.5, 2.5, 2.5, 2.5,
			e(types.NodePV, types.NodeLoad), e(types.NodeStorage, types.NodeLoad), e(types.NodeLoad, types.NodeGrid)))
		require.NoError(t, err)
		w, err := i.Interpret(ctx, snapshot(types.UnitWatt, 2500, 2500, 2500, 2500,
			e(types.NodePV, types.NodeLoad), e(types.NodeStorage, types.NodeLoad), e(types.NodeLoad, types.NodeGrid)))
		require.NoError(t, err)

		assert.Equal(t, w, kw)
		assert.Equal(t, 2500.0, kw.PVProduction)
		assert.Equal(t, 2500.0, kw.ExportedEnergy)
	})

	t.Run("ChargeLevelNotConverted", func(t *testing.T) {
		i := newTestInterpreter(DefaultConventions())
		s := snapshot(types.UnitKilowatt, 0, 0, 0, 0)
		level := 42.0
		s.Nodes[types.NodeStorage] = types.NodePower{CurrentPower: 0, ChargeLevel: &level}

		m, err := i.Interpret(ctx, s)
		require.NoError(t, err)
		require.NotNil(t, m.BatterySoC)
		assert.Equal(t, 42.0, *m.BatterySoC)

		// the snapshot must not share memory with the metrics
		level = 10
		assert.Equal(t, 42.0, *m.BatterySoC)
	})

	t.Run("CaseInsensitiveLabels", func(t *testing.T) {
		i := newTestInterpreter(DefaultConventions())
		upper := `{"siteCurrentPowerFlow":{"unit":"W","connections":[{"from":"STORAGE","to":"Load"}],"PV":{"currentPower":0},"STORAGE":{"currentPower":700},"GRID":{"currentPower":0},"LOAD":{"currentPower":700}}}`
		lower := `{"siteCurrentPowerFlow":{"unit":"W","connections":[{"from":"storage","to":"LOAD"}],"PV":{"currentPower":0},"STORAGE":{"currentPower":700},"GRID":{"currentPower":0},"LOAD":{"currentPower":700}}}`

		s1, err := i.Parse([]byte(upper))
		require.NoError(t, err)
		s2, err := i.Parse([]byte(lower))
		require.NoError(t, err)

		m1, err := i.Interpret(ctx, s1)
		require.NoError(t, err)
		m2, err := i.Interpret(ctx, s2)
		require.NoError(t, err)

		assert.Equal(t, m1, m2)
		assert.Equal(t, 700.0, m1.BatteryDischarge)
		assert.Equal(t, 700.0, m1.Load)
	})

	t.Run("EmptyConnections", func(t *testing.T) {
		i := newTestInterpreter(DefaultConventions())
		m, err := i.Interpret(ctx, snapshot(types.UnitWatt, 1200, 300, 400, 1500))
		require.NoError(t, err)

		assert.Equal(t, 1200.0, m.PVProduction)
		assert.Zero(t, m.BatteryCharge)
		assert.Zero(t, m.BatteryDischarge)
		assert.Zero(t, m.ImportedEnergy)
		assert.Zero(t, m.ExportedEnergy)
		assert.Zero(t, m.Load, "no incoming edges means no load")
		assert.Nil(t, m.BatterySoC)
	})

	t.Run("Charging", func(t *testing.T) {
		tests := []struct {
			name   string
			conv   Conventions
			source types.NodeKind
			charge float64
		}{
			{"PVToStorage", DefaultConventions(), types.NodePV, 900},
			{"LoadToStorage", DefaultConventions(), types.NodeLoad, 900},
			{"GridToStorageNotConfigured", DefaultConventions(), types.NodeGrid, 0},
			{"GridToStorageConfigured", Conventions{ChargeFrom: []types.NodeKind{types.NodeGrid}}, types.NodeGrid, 900},
			{"PVOnly", Conventions{ChargeFrom: []types.NodeKind{types.NodePV}}, types.NodeLoad, 0},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				i := newTestInterpreter(tt.conv)
				m, err := i.Interpret(ctx, snapshot(types.UnitWatt, 2000, 900, 0, 1100,
					e(tt.source, types.NodeStorage), e(types.NodePV, types.NodeLoad)))
				require.NoError(t, err)
				assert.Equal(t, tt.charge, m.BatteryCharge)
				assert.Zero(t, m.BatteryDischarge)
			})
		}
	})

	t.Run("Export", func(t *testing.T) {
		i := newTestInterpreter(DefaultConventions())
		m, err := i.Interpret(ctx, snapshot(types.UnitWatt, 5000, 0, 3000, 2000,
			e(types.NodePV, types.NodeLoad), e(types.NodeLoad, types.NodeGrid)))
		require.NoError(t, err)

		assert.Equal(t, 3000.0, m.ExportedEnergy)
		assert.Zero(t, m.ImportedEnergy)
		assert.Equal(t, 5000.0, m.Load, "only PV flows into load")
	})

	t.Run("FirstMatchingEdgeWins", func(t *testing.T) {
		i := newTestInterpreter(DefaultConventions())
		m, err := i.Interpret(ctx, snapshot(types.UnitWatt, 0, 600, 800, 0,
			e(types.NodeLoad, types.NodeGrid), e(types.NodeGrid, types.NodeLoad),
			e(types.NodePV, types.NodeStorage), e(types.NodeStorage, types.NodeLoad)))
		require.NoError(t, err)

		assert.Equal(t, 800.0, m.ExportedEnergy)
		assert.Zero(t, m.ImportedEnergy)
		assert.Equal(t, 600.0, m.BatteryCharge)
		assert.Zero(t, m.BatteryDischarge)
	})

	t.Run("DuplicateEdgesCountOnce", func(t *testing.T) {
		i := newTestInterpreter(DefaultConventions())
		m, err := i.Interpret(ctx, snapshot(types.UnitWatt, 1000, 0, 250, 0,
			e(types.NodePV, types.NodeLoad), e(types.NodePV, types.NodeLoad), e(types.NodeGrid, types.NodeLoad)))
		require.NoError(t, err)
		assert.Equal(t, 1250.0, m.Load)
		assert.Equal(t, 250.0, m.ImportedEnergy)
	})

	t.Run("MissingNode", func(t *testing.T) {
		i := newTestInterpreter(DefaultConventions())
		s := snapshot(types.UnitWatt, 1, 1, 1, 1, e(types.NodeGrid, types.NodeLoad))
		delete(s.Nodes, types.NodeGrid)

		_, err := i.Interpret(ctx, s)
		var perr *ParseError
		require.True(t, errors.As(err, &perr))
		assert.Equal(t, MissingField, perr.Kind)
		assert.Equal(t, "GRID", perr.Field)
	})

	t.Run("EdgeToUnknownNode", func(t *testing.T) {
		i := newTestInterpreter(DefaultConventions())
		s := snapshot(types.UnitWatt, 1, 1, 1, 1)
		s.Connections = []types.Edge{{From: "GENERATOR", To: types.NodeLoad}}

		_, err := i.Interpret(ctx, s)
		var perr *ParseError
		require.True(t, errors.As(err, &perr))
		assert.Equal(t, MissingField, perr.Kind)
		assert.Equal(t, "GENERATOR", perr.Field)
	})
}

// TestInterpretExclusive checks that for every combination of edges at most
// one side of each pair is non-zero, and exactly one when an edge matches.
func TestInterpretExclusive(t *testing.T) {
	ctx := context.Background()
	i := newTestInterpreter(DefaultConventions())

	candidates := [][2]types.NodeKind{
		e(types.NodeStorage, types.NodeLoad),
		e(types.NodePV, types.NodeStorage),
		e(types.NodeLoad, types.NodeStorage),
		e(types.NodeGrid, types.NodeLoad),
		e(types.NodeLoad, types.NodeGrid),
		e(types.NodePV, types.NodeLoad),
	}
	for mask := 0; mask < 1<<len(candidates); mask++ {
		var conns [][2]types.NodeKind
		for bit, c := range candidates {
			if mask&(1<<bit) != 0 {
				conns = append(conns, c)
			}
		}
		m, err := i.Interpret(ctx, snapshot(types.UnitKilowatt, 1, 2, 3, 4, conns...))
		require.NoError(t, err)

		storageEdge := mask&0b111 != 0
		gridEdge := mask&0b11000 != 0

		batteryNonZero := 0
		if m.BatteryCharge != 0 {
			batteryNonZero++
		}
		if m.BatteryDischarge != 0 {
			batteryNonZero++
		}
		gridNonZero := 0
		if m.ImportedEnergy != 0 {
			gridNonZero++
		}
		if m.ExportedEnergy != 0 {
			gridNonZero++
		}

		if storageEdge {
			assert.Equal(t, 1, batteryNonZero, "mask %b", mask)
		} else {
			assert.Equal(t, 0, batteryNonZero, "mask %b", mask)
		}
		if gridEdge {
			assert.Equal(t, 1, gridNonZero, "mask %b", mask)
		} else {
			assert.Equal(t, 0, gridNonZero, "mask %b", mask)
		}
		assert.GreaterOrEqual(t, m.Load, 0.0)
	}
}

func TestLoadSource(t *testing.T) {
	s, err := ParseLoadSource("edges")
	require.NoError(t, err)
	assert.Equal(t, LoadFromEdges, s)

	s, err = ParseLoadSource(" Node ")
	require.NoError(t, err)
	assert.Equal(t, LoadFromNode, s)

	s, err = ParseLoadSource("")
	require.NoError(t, err)
	assert.Equal(t, LoadFromEdges, s)

	_, err = ParseLoadSource("sum")
	assert.Error(t, err)

	assert.Equal(t, "edges", LoadFromEdges.String())
	assert.Equal(t, "node", LoadFromNode.String())
}
