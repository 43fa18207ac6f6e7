package flow

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/raterudder/solaredge/pkg/types"
)

const (
	fieldPowerFlow   = "siteCurrentPowerFlow"
	fieldUnit        = "unit"
	fieldConnections = "connections"
	fieldPower       = "currentPower"
	fieldChargeLevel = "chargeLevel"
)

type powerFlowResponse struct {
	SiteCurrentPowerFlow json.RawMessage `json:"siteCurrentPowerFlow"`
}

type rawConnection struct {
	From *string `json:"from"`
	To   *string `json:"to"`
}

// Parse turns a currentPowerFlow response body into a snapshot. Node keys and
// connection labels are resolved through labels once here so nothing
// downstream has to care about casing. A nil labels uses DefaultLabels.
func Parse(raw []byte, labels *Labels) (types.PowerFlowSnapshot, error) {
	if labels == nil {
		labels = DefaultLabels()
	}

	var resp powerFlowResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return types.PowerFlowSnapshot{}, invalid(fieldPowerFlow, err)
	}
	if isAbsent(resp.SiteCurrentPowerFlow) {
		return types.PowerFlowSnapshot{}, missing(fieldPowerFlow)
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(resp.SiteCurrentPowerFlow, &obj); err != nil {
		return types.PowerFlowSnapshot{}, invalid(fieldPowerFlow, err)
	}

	unit, err := parseUnit(obj[fieldUnit])
	if err != nil {
		return types.PowerFlowSnapshot{}, err
	}

	nodes := make(map[types.NodeKind]types.NodePower, len(types.NodeKinds))
	for key, val := range obj {
		kind, ok := labels.Resolve(key)
		if !ok {
			// updateRefreshRate and friends
			continue
		}
		if _, dup := nodes[kind]; dup {
			return types.PowerFlowSnapshot{}, invalid(key, fmt.Errorf("duplicate entry for %s", kind))
		}
		node, err := parseNode(key, kind, val)
		if err != nil {
			return types.PowerFlowSnapshot{}, err
		}
		nodes[kind] = node
	}
	for _, kind := range types.NodeKinds {
		if _, ok := nodes[kind]; !ok {
			return types.PowerFlowSnapshot{}, missing(string(kind))
		}
	}

	conns, err := parseConnections(obj[fieldConnections], labels)
	if err != nil {
		return types.PowerFlowSnapshot{}, err
	}

	return types.PowerFlowSnapshot{
		Unit:        unit,
		Nodes:       nodes,
		Connections: conns,
	}, nil
}

func isAbsent(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func parseUnit(raw json.RawMessage) (types.Unit, error) {
	if isAbsent(raw) {
		return "", missing(fieldUnit)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", invalid(fieldUnit, err)
	}
	switch {
	case strings.EqualFold(strings.TrimSpace(s), string(types.UnitWatt)):
		return types.UnitWatt, nil
	case strings.EqualFold(strings.TrimSpace(s), string(types.UnitKilowatt)):
		return types.UnitKilowatt, nil
	}
	return "", invalid(fieldUnit, fmt.Errorf("unsupported unit %q", s))
}

func parseNode(key string, kind types.NodeKind, raw json.RawMessage) (types.NodePower, error) {
	if isAbsent(raw) {
		return types.NodePower{}, missing(key)
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return types.NodePower{}, invalid(key, err)
	}

	powerField := key + "." + fieldPower
	if isAbsent(obj[fieldPower]) {
		return types.NodePower{}, missing(powerField)
	}
	power, err := parseNumber(powerField, obj[fieldPower])
	if err != nil {
		return types.NodePower{}, err
	}
	if power < 0 {
		return types.NodePower{}, invalid(powerField, fmt.Errorf("negative power %v", power))
	}

	node := types.NodePower{CurrentPower: power}
	if kind == types.NodeStorage && !isAbsent(obj[fieldChargeLevel]) {
		levelField := key + "." + fieldChargeLevel
		level, err := parseNumber(levelField, obj[fieldChargeLevel])
		if err != nil {
			return types.NodePower{}, err
		}
		if level < 0 || level > 100 {
			return types.NodePower{}, invalid(levelField, fmt.Errorf("charge level %v out of range", level))
		}
		node.ChargeLevel = &level
	}
	return node, nil
}

// parseNumber only accepts JSON numbers, "3.5" as a string is rejected.
func parseNumber(field string, raw json.RawMessage) (float64, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, invalid(field, err)
	}
	f, ok := v.(float64)
	if !ok {
		return 0, invalid(field, fmt.Errorf("expected a number, got %s", bytes.TrimSpace(raw)))
	}
	return f, nil
}

func parseConnections(raw json.RawMessage, labels *Labels) ([]types.Edge, error) {
	if isAbsent(raw) {
		return nil, missing(fieldConnections)
	}
	var list []rawConnection
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, invalid(fieldConnections, err)
	}

	edges := make([]types.Edge, 0, len(list))
	for i, c := range list {
		if c.From == nil || c.To == nil {
			return nil, invalid(fmt.Sprintf("%s[%d]", fieldConnections, i), errors.New("connection needs both from and to"))
		}
		from, ok := labels.Resolve(*c.From)
		if !ok {
			return nil, missing(*c.From)
		}
		to, ok := labels.Resolve(*c.To)
		if !ok {
			return nil, missing(*c.To)
		}
		edges = append(edges, types.Edge{
			From:    from,
			To:      to,
			RawFrom: *c.From,
			RawTo:   *c.To,
		})
	}
	return edges, nil
}
