package storagemock

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/raterudder/redenergy/pkg/storage"
	"github.com/raterudder/redenergy/pkg/types"
)

type MockDatabase struct {
	mock.Mock
}

var _ storage.Database = (*MockDatabase)(nil)

func (m *MockDatabase) UpsertDailyUsage(ctx context.Context, consumerNumber string, entries []types.DailyEntry, version int) error {
	args := m.Called(ctx, consumerNumber, entries, version)
	return args.Error(0)
}

func (m *MockDatabase) GetDailyUsage(ctx context.Context, consumerNumber string, from, to time.Time) ([]types.DailyEntry, error) {
	args := m.Called(ctx, consumerNumber, from, to)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]types.DailyEntry), args.Error(1)
}

func (m *MockDatabase) GetLatestUsageDate(ctx context.Context, consumerNumber string) (time.Time, int, error) {
	args := m.Called(ctx, consumerNumber)
	return args.Get(0).(time.Time), args.Int(1), args.Error(2)
}

func (m *MockDatabase) Close() error {
	args := m.Called()
	return args.Error(0)
}
