package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/raterudder/solaredge/pkg/log"
	"github.com/raterudder/solaredge/pkg/types"
)

// Memory is an in-process Store. Nothing survives the process, it is meant
// for dry runs and tests.
type Memory struct {
	mu     sync.Mutex
	states map[string]*memoryState
}

type memoryState struct {
	def    *types.MetricDefinition
	value  types.StateValue
	hasVal bool
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{states: make(map[string]*memoryState)}
}

func (m *Memory) state(path string) *memoryState {
	s, ok := m.states[path]
	if !ok {
		s = &memoryState{}
		m.states[path] = s
	}
	return s
}

// ProbeExists reports whether path was declared.
func (m *Memory) ProbeExists(ctx context.Context, path string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[path]
	return ok && s.def != nil, nil
}

// DeclareMetric records the definition for path.
func (m *Memory) DeclareMetric(ctx context.Context, path string, def types.MetricDefinition) error {
	if path == "" {
		return fmt.Errorf("path cannot be empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state(path).def = &def
	return nil
}

// WriteIfChanged stores value unless the current value is equal.
func (m *Memory) WriteIfChanged(ctx context.Context, path string, value types.StateValue) (bool, error) {
	if path == "" {
		return false, fmt.Errorf("path cannot be empty")
	}
	if _, err := encodeValue(value.Val); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.state(path)
	if s.hasVal && sameValue(s.value.Val, value.Val) {
		return false, nil
	}
	s.value = value
	s.hasVal = true
	log.Ctx(ctx).DebugContext(
		ctx,
		"memory state written",
		slog.String("path", path),
		slog.Any("val", value.Val),
	)
	return true, nil
}

// Get returns the current value at path.
func (m *Memory) Get(path string) (types.StateValue, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[path]
	if !ok || !s.hasVal {
		return types.StateValue{}, false
	}
	return s.value, true
}

// Definition returns the declaration at path.
func (m *Memory) Definition(path string) (types.MetricDefinition, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[path]
	if !ok || s.def == nil {
		return types.MetricDefinition{}, false
	}
	return *s.def, true
}

// Paths returns every known path, sorted.
func (m *Memory) Paths() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	paths := make([]string, 0, len(m.states))
	for p := range m.states {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Close is a no-op.
func (m *Memory) Close() error {
	return nil
}
