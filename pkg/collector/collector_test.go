package collector

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/raterudder/redenergy/pkg/redenergy"
	"github.com/raterudder/redenergy/pkg/storage"
	"github.com/raterudder/redenergy/pkg/storage/storagemock"
	"github.com/raterudder/redenergy/pkg/types"
)

type mockAPI struct {
	mock.Mock
}

var _ redenergy.API = (*mockAPI)(nil)

func (m *mockAPI) Authenticate(ctx context.Context, creds types.Credentials) error {
	return m.Called(ctx, creds).Error(0)
}

func (m *mockAPI) EnsureValidToken(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockAPI) Refresh(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockAPI) GetCustomerData(ctx context.Context) (types.Customer, error) {
	args := m.Called(ctx)
	return args.Get(0).(types.Customer), args.Error(1)
}

func (m *mockAPI) GetProperties(ctx context.Context) ([]types.Property, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]types.Property), args.Error(1)
}

func (m *mockAPI) GetUsageData(ctx context.Context, consumerNumber string, from, to time.Time) (types.UsageDocument, error) {
	args := m.Called(ctx, consumerNumber, from, to)
	return args.Get(0).(types.UsageDocument), args.Error(1)
}

func (m *mockAPI) TokenInfo() types.TokenInfo {
	return m.Called().Get(0).(types.TokenInfo)
}

func (m *mockAPI) Reset() {
	m.Called()
}

var (
	testCreds = types.Credentials{Username: "user@example.com", Password: "pw", ClientID: "client"}
	allTypes  = types.Selection{Services: []string{types.ServiceElectricity, types.ServiceGas}}
	loggedIn  = types.TokenInfo{Authenticated: true, HasRefreshToken: true}

	testCustomer   = types.Customer{ID: "C1", Name: "Jane"}
	testProperties = []types.Property{
		{
			ID:   "P1",
			Name: "Home",
			Services: []types.Service{
				{Type: types.ServiceElectricity, ConsumerNumber: "elec-1", Active: true, Metadata: types.ServiceMetadata{NMI: "6305000001", Solar: true}},
				{Type: types.ServiceGas, ConsumerNumber: "gas-1", Active: true},
			},
		},
		{
			ID:   "P2",
			Name: "Rental",
			Services: []types.Service{
				{Type: types.ServiceElectricity, ConsumerNumber: "elec-2", Active: false},
				{Type: types.ServiceGas, ConsumerNumber: "", Active: true},
			},
		},
		{
			ID:   "P3",
			Name: "Shack",
			Services: []types.Service{
				{Type: types.ServiceElectricity, ConsumerNumber: "elec-3", Active: true},
			},
		},
	}
)

func usageDoc(consumer string, usage float64) types.UsageDocument {
	doc := types.NewUsageDocument(consumer, "2024-01-01", "2024-01-31")
	doc.UsageData = []types.DailyEntry{{Date: "2024-01-31", Unit: "kWh", Usage: usage, ImportUsage: usage}}
	return doc
}

type harness struct {
	api *mockAPI
	db  *storagemock.MockDatabase
	c   *Collector
	now time.Time
}

func newHarness(t *testing.T, selection types.Selection) *harness {
	h := &harness{
		api: &mockAPI{},
		db:  &storagemock.MockDatabase{},
		now: time.Date(2024, 1, 31, 10, 0, 0, 0, time.UTC),
	}
	h.c = New(h.api, h.db, testCreds, selection, 0)
	h.c.now = func() time.Time { return h.now }
	t.Cleanup(func() {
		h.api.AssertExpectations(t)
		h.db.AssertExpectations(t)
	})
	return h
}

func (h *harness) expectMetadata() {
	h.api.On("GetCustomerData", mock.Anything).Return(testCustomer, nil).Once()
	h.api.On("GetProperties", mock.Anything).Return(testProperties, nil).Once()
}

func (h *harness) expectUsage(consumer string, doc types.UsageDocument, err error) {
	h.api.On("GetUsageData", mock.Anything, consumer, h.now.Add(-DefaultLookback), h.now).Return(doc, err).Once()
	if err == nil && !doc.IsError() {
		h.db.On("UpsertDailyUsage", mock.Anything, consumer, doc.UsageData, storage.UsageVersion).Return(nil).Once()
	}
}

func TestUpdate(t *testing.T) {
	ctx := context.Background()

	t.Run("authenticates and collects selected services", func(t *testing.T) {
		h := newHarness(t, allTypes)
		h.api.On("TokenInfo").Return(types.TokenInfo{}).Once()
		h.api.On("Authenticate", mock.Anything, testCreds).Return(nil).Once()
		h.expectMetadata()
		h.expectUsage("elec-1", usageDoc("elec-1", 10), nil)
		h.expectUsage("gas-1", usageDoc("gas-1", 20), nil)
		h.expectUsage("elec-3", usageDoc("elec-3", 30), nil)

		snap, err := h.c.Update(ctx)
		require.NoError(t, err)
		assert.Equal(t, testCustomer, snap.Customer)
		assert.Equal(t, testProperties, snap.Properties)
		assert.Equal(t, h.now, snap.LastUpdate)
		require.Len(t, snap.Usage, 2, "P2 has nothing collectable")
		assert.Len(t, snap.Usage["P1"].Services, 2)
		assert.Len(t, snap.Usage["P3"].Services, 1)
		assert.Equal(t, 20.0, snap.Usage["P1"].Services[types.ServiceGas].Usage.TotalUsage())
		assert.Equal(t, "gas-1", snap.Usage["P1"].Services[types.ServiceGas].ConsumerNumber)

		assert.Equal(t, snap, h.c.Snapshot())
		assert.NoError(t, h.c.LastError())
	})

	t.Run("one failing service does not abort the pass", func(t *testing.T) {
		h := newHarness(t, allTypes)
		h.api.On("TokenInfo").Return(loggedIn)
		h.expectMetadata()
		h.expectUsage("elec-1", types.UsageDocument{}, &redenergy.APIError{Op: "usage", StatusCode: 500, Body: "boom"})
		h.expectUsage("gas-1", usageDoc("gas-1", 20), nil)
		h.expectUsage("elec-3", types.UsageDocument{}, &redenergy.TransportError{Op: "usage", Timeout: true, Err: context.DeadlineExceeded})

		snap, err := h.c.Update(ctx)
		require.NoError(t, err)
		require.Len(t, snap.Usage, 1)
		_, ok := snap.Usage["P1"].Services[types.ServiceElectricity]
		assert.False(t, ok)
		_, ok = snap.Usage["P1"].Services[types.ServiceGas]
		assert.True(t, ok)
	})

	t.Run("error shaped documents count as failures", func(t *testing.T) {
		h := newHarness(t, types.Selection{PropertyIDs: []string{"P1"}, Services: []string{types.ServiceElectricity}})
		h.api.On("TokenInfo").Return(loggedIn)
		h.expectMetadata()
		bad := types.UsageDocument{Error: true, ErrorType: "bad_request", ErrorMessage: "invalid date range"}
		h.expectUsage("elec-1", bad, nil)

		_, err := h.c.Update(ctx)
		assert.ErrorIs(t, err, ErrNoUsageData)
	})

	t.Run("nothing collected keeps the previous snapshot", func(t *testing.T) {
		h := newHarness(t, allTypes)
		h.api.On("TokenInfo").Return(loggedIn)
		h.expectMetadata()
		h.expectUsage("elec-1", usageDoc("elec-1", 10), nil)
		h.expectUsage("gas-1", usageDoc("gas-1", 20), nil)
		h.expectUsage("elec-3", usageDoc("elec-3", 30), nil)
		first, err := h.c.Update(ctx)
		require.NoError(t, err)

		failure := &redenergy.APIError{Op: "usage", StatusCode: 502}
		h.expectUsage("elec-1", types.UsageDocument{}, failure)
		h.expectUsage("gas-1", types.UsageDocument{}, failure)
		h.expectUsage("elec-3", types.UsageDocument{}, failure)
		_, err = h.c.Update(ctx)
		assert.ErrorIs(t, err, ErrNoUsageData)
		assert.ErrorIs(t, h.c.LastError(), ErrNoUsageData)
		assert.Equal(t, first, h.c.Snapshot())
	})

	t.Run("authentication failure", func(t *testing.T) {
		h := newHarness(t, allTypes)
		h.api.On("TokenInfo").Return(types.TokenInfo{})
		h.api.On("Authenticate", mock.Anything, testCreds).Return(&redenergy.AuthError{Kind: redenergy.AuthKindPreAuth, Message: "bad password"}).Once()

		_, err := h.c.Update(ctx)
		require.Error(t, err)
		assert.True(t, redenergy.IsAuthKind(err, redenergy.AuthKindPreAuth))
		assert.False(t, errors.Is(err, ErrNoUsageData))
	})

	t.Run("metadata failure fails the pass", func(t *testing.T) {
		h := newHarness(t, allTypes)
		h.api.On("TokenInfo").Return(loggedIn)
		h.api.On("GetCustomerData", mock.Anything).Return(types.Customer{}, &redenergy.APIError{Op: "customer", StatusCode: 503}).Once()

		_, err := h.c.Update(ctx)
		var apiErr *redenergy.APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, 503, apiErr.StatusCode)
	})

	t.Run("expired session logs in again once", func(t *testing.T) {
		h := newHarness(t, types.Selection{PropertyIDs: []string{"P3"}, Services: []string{types.ServiceElectricity}})
		h.api.On("TokenInfo").Return(types.TokenInfo{Authenticated: true, Expired: true}).Twice()
		h.api.On("GetCustomerData", mock.Anything).Return(types.Customer{}, &redenergy.AuthError{Kind: redenergy.AuthKindExpired}).Once()
		h.api.On("Authenticate", mock.Anything, testCreds).Return(nil).Once()
		h.expectMetadata()
		h.expectUsage("elec-3", usageDoc("elec-3", 30), nil)

		snap, err := h.c.Update(ctx)
		require.NoError(t, err)
		assert.Len(t, snap.Usage, 1)
	})

	t.Run("storage errors are only logged", func(t *testing.T) {
		h := newHarness(t, types.Selection{PropertyIDs: []string{"P3"}, Services: []string{types.ServiceElectricity}})
		h.api.On("TokenInfo").Return(loggedIn)
		h.expectMetadata()
		doc := usageDoc("elec-3", 30)
		h.api.On("GetUsageData", mock.Anything, "elec-3", mock.Anything, mock.Anything).Return(doc, nil).Once()
		h.db.On("UpsertDailyUsage", mock.Anything, "elec-3", doc.UsageData, storage.UsageVersion).Return(errors.New("unavailable")).Once()

		snap, err := h.c.Update(ctx)
		require.NoError(t, err)
		assert.Len(t, snap.Usage, 1)
	})
}

func TestUpdateIsolatesFailingProperty(t *testing.T) {
	properties := []types.Property{
		{ID: "A", Services: []types.Service{{Type: types.ServiceElectricity, ConsumerNumber: "elec-a", Active: true}}},
		{ID: "B", Services: []types.Service{{Type: types.ServiceElectricity, ConsumerNumber: "elec-b", Active: true}}},
		{ID: "C", Services: []types.Service{{Type: types.ServiceElectricity, ConsumerNumber: "elec-c", Active: true}}},
	}

	tests := []struct {
		name string
		doc  types.UsageDocument
		err  error
	}{
		{
			name: "error shaped payload",
			doc:  types.UsageDocument{ConsumerNumber: "elec-b", Error: true, ErrorType: "bad_request", ErrorMessage: "Invalid consumer number"},
		},
		{
			name: "api error",
			err:  &redenergy.APIError{Op: "usage", StatusCode: 400, Body: "bad request"},
		},
		{
			name: "timeout",
			err:  &redenergy.TransportError{Op: "usage", Timeout: true, Err: context.DeadlineExceeded},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, allTypes)
			h.api.On("TokenInfo").Return(loggedIn)
			h.api.On("GetCustomerData", mock.Anything).Return(testCustomer, nil).Once()
			h.api.On("GetProperties", mock.Anything).Return(properties, nil).Once()
			h.expectUsage("elec-a", usageDoc("elec-a", 1), nil)
			h.expectUsage("elec-b", tt.doc, tt.err)
			h.expectUsage("elec-c", usageDoc("elec-c", 3), nil)

			snap, err := h.c.Update(context.Background())
			require.NoError(t, err)
			require.Len(t, snap.Usage, 2)
			assert.Contains(t, snap.Usage, "A")
			assert.Contains(t, snap.Usage, "C")
			assert.NotContains(t, snap.Usage, "B")
			assert.Equal(t, 1.0, snap.Usage["A"].Services[types.ServiceElectricity].Usage.TotalUsage())
			assert.Equal(t, 3.0, snap.Usage["C"].Services[types.ServiceElectricity].Usage.TotalUsage())
			h.db.AssertNotCalled(t, "UpsertDailyUsage", mock.Anything, "elec-b", mock.Anything, mock.Anything)
		})
	}
}

func TestMetadataCache(t *testing.T) {
	ctx := context.Background()
	selection := types.Selection{PropertyIDs: []string{"P3"}, Services: []string{types.ServiceElectricity}}

	h := newHarness(t, selection)
	h.api.On("TokenInfo").Return(loggedIn)
	h.expectMetadata()
	h.expectUsage("elec-3", usageDoc("elec-3", 30), nil)
	_, err := h.c.Update(ctx)
	require.NoError(t, err)

	// same day reuses the cache
	h.now = h.now.Add(2 * time.Hour)
	h.expectUsage("elec-3", usageDoc("elec-3", 31), nil)
	_, err = h.c.Update(ctx)
	require.NoError(t, err)

	// next day refetches
	h.now = h.now.Add(24 * time.Hour)
	h.expectMetadata()
	h.expectUsage("elec-3", usageDoc("elec-3", 32), nil)
	_, err = h.c.Update(ctx)
	require.NoError(t, err)

	// forced refresh
	h.expectMetadata()
	h.expectUsage("elec-3", usageDoc("elec-3", 33), nil)
	snap, err := h.c.RefreshMetadata(ctx)
	require.NoError(t, err)
	assert.Equal(t, 33.0, snap.Usage["P3"].Services[types.ServiceElectricity].Usage.TotalUsage())
}

func TestUpdateCredentials(t *testing.T) {
	ctx := context.Background()
	selection := types.Selection{PropertyIDs: []string{"P3"}, Services: []string{types.ServiceElectricity}}

	t.Run("invalid", func(t *testing.T) {
		h := newHarness(t, selection)
		_, err := h.c.UpdateCredentials(ctx, types.Credentials{Username: "nope"})
		require.Error(t, err)
	})

	t.Run("rejected", func(t *testing.T) {
		h := newHarness(t, selection)
		newCreds := types.Credentials{Username: "other@example.com", Password: "pw2", ClientID: "client"}
		h.api.On("Reset").Once()
		h.api.On("Authenticate", mock.Anything, newCreds).Return(&redenergy.AuthError{Kind: redenergy.AuthKindPreAuth}).Once()

		_, err := h.c.UpdateCredentials(ctx, newCreds)
		assert.True(t, redenergy.IsAuthKind(err, redenergy.AuthKindPreAuth))
	})

	t.Run("valid", func(t *testing.T) {
		h := newHarness(t, selection)
		newCreds := types.Credentials{Username: "other@example.com", Password: "pw2", ClientID: "client"}
		h.api.On("Reset").Once()
		h.api.On("Authenticate", mock.Anything, newCreds).Return(nil).Once()
		h.api.On("TokenInfo").Return(loggedIn)
		h.expectMetadata()
		h.expectUsage("elec-3", usageDoc("elec-3", 30), nil)

		_, err := h.c.UpdateCredentials(ctx, newCreds)
		require.NoError(t, err)

		// later logins use the new credentials
		h.api.On("TokenInfo").Unset()
		h.api.On("TokenInfo").Return(types.TokenInfo{})
		h.api.On("Authenticate", mock.Anything, newCreds).Return(nil).Once()
		h.expectUsage("elec-3", usageDoc("elec-3", 31), nil)
		_, err = h.c.Update(ctx)
		require.NoError(t, err)
	})
}

func TestUpdateSelection(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, types.Selection{PropertyIDs: []string{"P3"}, Services: []string{types.ServiceElectricity}})
	h.api.On("TokenInfo").Return(loggedIn)
	h.expectMetadata()
	h.expectUsage("gas-1", usageDoc("gas-1", 20), nil)

	selection := types.Selection{PropertyIDs: []string{"P1"}, Services: []string{types.ServiceGas}}
	snap, err := h.c.UpdateSelection(ctx, selection)
	require.NoError(t, err)
	assert.Equal(t, selection, h.c.Selection())
	require.Len(t, snap.Usage, 1)
	assert.Len(t, snap.Usage["P1"].Services, 1)
}

func TestAccessors(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, types.Selection{PropertyIDs: []string{"P1"}, Services: []string{types.ServiceElectricity}})
	h.api.On("TokenInfo").Return(loggedIn)
	h.expectMetadata()
	h.expectUsage("elec-1", usageDoc("elec-1", 10), nil)

	_, ok := h.c.PropertyUsage("P1")
	assert.False(t, ok, "nothing collected yet")

	_, err := h.c.Update(ctx)
	require.NoError(t, err)

	pu, ok := h.c.PropertyUsage("P1")
	require.True(t, ok)
	assert.Equal(t, "Home", pu.Property.Name)

	su, ok := h.c.ServiceUsage("P1", types.ServiceElectricity)
	require.True(t, ok)
	assert.Equal(t, "elec-1", su.ConsumerNumber)
	assert.Equal(t, h.now, su.LastUpdated)
	latest, ok := su.Usage.Latest()
	require.True(t, ok)
	assert.Equal(t, 10.0, latest.Usage)

	_, ok = h.c.ServiceUsage("P1", types.ServiceGas)
	assert.False(t, ok)
	_, ok = h.c.ServiceUsage("P9", types.ServiceElectricity)
	assert.False(t, ok)

	meta, ok := h.c.ServiceMetadata("P1", types.ServiceElectricity)
	require.True(t, ok)
	assert.Equal(t, "6305000001", meta.NMI)
	assert.True(t, meta.Solar)
	_, ok = h.c.ServiceMetadata("P3", types.ServiceElectricity)
	assert.False(t, ok)

	assert.Equal(t, loggedIn, h.c.TokenInfo())
}

func TestSplitList(t *testing.T) {
	assert.Nil(t, splitList(""))
	assert.Equal(t, []string{"a", "B"}, splitList(" a, ,B ,"))
}
