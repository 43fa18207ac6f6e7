package storagemock

import (
	"context"

	"github.com/raterudder/solaredge/pkg/storage"
	"github.com/raterudder/solaredge/pkg/types"
	"github.com/stretchr/testify/mock"
)

type MockStore struct {
	mock.Mock
}

var _ storage.Store = (*MockStore)(nil)

func (m *MockStore) ProbeExists(ctx context.Context, path string) (bool, error) {
	args := m.Called(ctx, path)
	return args.Bool(0), args.Error(1)
}

func (m *MockStore) DeclareMetric(ctx context.Context, path string, def types.MetricDefinition) error {
	args := m.Called(ctx, path, def)
	return args.Error(0)
}

func (m *MockStore) WriteIfChanged(ctx context.Context, path string, value types.StateValue) (bool, error) {
	args := m.Called(ctx, path, value)
	return args.Bool(0), args.Error(1)
}

func (m *MockStore) Close() error {
	args := m.Called()
	return args.Error(0)
}
