package flow

import (
	"fmt"
	"strings"

	"github.com/raterudder/solaredge/pkg/types"
)

// defaultAliases are the labels observed from the monitoring API plus common
// synonyms. Matching is always done on the lower-cased label.
var defaultAliases = map[types.NodeKind][]string{
	types.NodePV:      {"pv", "solar"},
	types.NodeStorage: {"storage", "battery"},
	types.NodeGrid:    {"grid"},
	types.NodeLoad:    {"load", "home", "house", "consumption"},
}

// Labels resolves the free-form node labels used by the API, in node keys and
// connection endpoints alike, to a NodeKind.
type Labels struct {
	aliases map[string]types.NodeKind
}

// DefaultLabels returns the built-in alias table.
func DefaultLabels() *Labels {
	l, err := NewLabels(nil)
	if err != nil {
		// the defaults never conflict with themselves
		panic(err)
	}
	return l
}

// NewLabels returns the built-in alias table extended with extra. An alias
// that would resolve to two different kinds is an error.
func NewLabels(extra map[types.NodeKind][]string) (*Labels, error) {
	l := &Labels{aliases: make(map[string]types.NodeKind)}
	for _, kind := range types.NodeKinds {
		if err := l.add(kind, defaultAliases[kind]); err != nil {
			return nil, err
		}
	}
	for kind, names := range extra {
		if !isNodeKind(kind) {
			return nil, fmt.Errorf("unknown node kind %q", kind)
		}
		if err := l.add(kind, names); err != nil {
			return nil, err
		}
	}
	return l, nil
}

func (l *Labels) add(kind types.NodeKind, names []string) error {
	for _, name := range names {
		key := normalizeLabel(name)
		if key == "" {
			continue
		}
		if existing, ok := l.aliases[key]; ok && existing != kind {
			return fmt.Errorf("alias %q maps to both %s and %s", name, existing, kind)
		}
		l.aliases[key] = kind
	}
	return nil
}

// Resolve returns the NodeKind for label, ignoring case and surrounding
// whitespace.
func (l *Labels) Resolve(label string) (types.NodeKind, bool) {
	kind, ok := l.aliases[normalizeLabel(label)]
	return kind, ok
}

func normalizeLabel(label string) string {
	return strings.ToLower(strings.TrimSpace(label))
}

func isNodeKind(kind types.NodeKind) bool {
	for _, k := range types.NodeKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// ParseNodeKind resolves a user supplied node kind name such as "pv" or
// "Storage" using the default aliases.
func ParseNodeKind(name string) (types.NodeKind, error) {
	kind, ok := DefaultLabels().Resolve(name)
	if !ok {
		return "", fmt.Errorf("unknown node kind %q", name)
	}
	return kind, nil
}
