package redenergy

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strings"
	"time"

	"github.com/raterudder/redenergy/pkg/log"
	"github.com/raterudder/redenergy/pkg/types"
	"github.com/raterudder/redenergy/pkg/usage"
)

type mockAccount struct {
	password string
	clientID string
}

var mockAccounts = map[string]mockAccount{
	"test@example.com":      {password: "testpass", clientID: "test-client-id-123"},
	"demo@redenergy.com.au": {password: "demo123", clientID: "demo-client-abc"},
}

var mockCustomer = types.Customer{
	ID:    "12345",
	Name:  "John Smith",
	Email: "test@example.com",
	Phone: "+61400123456",
}

func mockProperties() []types.Property {
	return []types.Property{
		{
			ID:   "prop-001",
			Name: "Main Residence",
			Address: types.Address{
				Street:   "123 Main Street",
				Suburb:   "Melbourne",
				State:    "VIC",
				Postcode: "3000",
			},
			Services: []types.Service{
				{
					Type:           types.ServiceElectricity,
					ConsumerNumber: "elec-123456",
					Active:         true,
					Metadata: types.ServiceMetadata{
						NMI:              "6305000000",
						MeterType:        "Smart",
						Solar:            true,
						EnergyPlan:       "Living Energy Saver",
						Distributor:      "CitiPower",
						BillingFrequency: "Monthly",
						Jurisdiction:     "VIC",
						Status:           "Active",
					},
				},
				{
					Type:           types.ServiceGas,
					ConsumerNumber: "gas-789012",
					Active:         true,
				},
			},
		},
		{
			ID:   "prop-002",
			Name: "Investment Property",
			Address: types.Address{
				Street:   "456 Oak Avenue",
				Suburb:   "Sydney",
				State:    "NSW",
				Postcode: "2000",
			},
			Services: []types.Service{
				{
					Type:           types.ServiceElectricity,
					ConsumerNumber: "elec-654321",
					Active:         true,
				},
			},
		},
	}
}

// Mock implements API with canned demo data. Usage payloads are generated in
// the upstream half-hourly format and go through the same Normalizer as the
// live client.
type Mock struct {
	normalizer *usage.Normalizer
	now        func() time.Time
	session    session
}

var _ API = (*Mock)(nil)

// NewMock returns a Mock with no session.
func NewMock() *Mock {
	return &Mock{
		normalizer: usage.NewNormalizer(),
		now:        time.Now,
	}
}

// Authenticate accepts only the demo accounts.
func (m *Mock) Authenticate(ctx context.Context, creds types.Credentials) error {
	if err := creds.Validate(); err != nil {
		return authError(AuthKindInvalidConfig, "invalid credentials", err)
	}
	acct, ok := mockAccounts[creds.Username]
	switch {
	case !ok:
		return authError(AuthKindPreAuth, "invalid username", nil)
	case acct.password != creds.Password:
		return authError(AuthKindPreAuth, "invalid password", nil)
	case acct.clientID != creds.ClientID:
		return authError(AuthKindAuthorization, "invalid client id", nil)
	}
	m.session.set(token{
		accessToken:  "mock-token-" + creds.Username,
		refreshToken: "mock-refresh-token",
		expiry:       m.now().Add(defaultTokenLifetime),
	})
	log.Ctx(ctx).DebugContext(ctx, "mock authentication", slog.String("username", creds.Username))
	return nil
}

func (m *Mock) EnsureValidToken(ctx context.Context) error {
	t := m.session.snapshot()
	if t.accessToken == "" {
		return authError(AuthKindNotAuthenticated, "not authenticated", nil)
	}
	if t.valid(m.now()) {
		return nil
	}
	return m.Refresh(ctx)
}

func (m *Mock) Refresh(ctx context.Context) error {
	t := m.session.snapshot()
	if t.refreshToken == "" {
		return authError(AuthKindExpired, "no refresh token available", nil)
	}
	t.expiry = m.now().Add(defaultTokenLifetime)
	m.session.set(t)
	return nil
}

func (m *Mock) GetCustomerData(ctx context.Context) (types.Customer, error) {
	if err := m.EnsureValidToken(ctx); err != nil {
		return types.Customer{}, err
	}
	return mockCustomer, nil
}

func (m *Mock) GetProperties(ctx context.Context) ([]types.Property, error) {
	if err := m.EnsureValidToken(ctx); err != nil {
		return nil, err
	}
	return mockProperties(), nil
}

// GetUsageData generates one entry per day between from and to inclusive.
// Unknown consumer numbers get an upstream-style 400.
func (m *Mock) GetUsageData(ctx context.Context, consumerNumber string, from, to time.Time) (types.UsageDocument, error) {
	if err := m.EnsureValidToken(ctx); err != nil {
		return types.UsageDocument{}, err
	}
	var known bool
	for _, p := range mockProperties() {
		for _, s := range p.Services {
			known = known || s.ConsumerNumber == consumerNumber
		}
	}
	if !known {
		return types.UsageDocument{}, &APIError{
			Op:         "usage",
			StatusCode: 400,
			Body:       fmt.Sprintf(`{"message":"unknown consumer number %s"}`, consumerNumber),
		}
	}

	var days []mockDay
	start := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, from.Location())
	for d := start; !d.After(to); d = d.AddDate(0, 0, 1) {
		days = append(days, generateMockDay(consumerNumber, d))
	}
	raw, err := json.Marshal(days)
	if err != nil {
		return types.UsageDocument{}, err
	}
	return m.normalizer.Normalize(ctx, raw, consumerNumber, from.Format(time.DateOnly), to.Format(time.DateOnly)), nil
}

func (m *Mock) TokenInfo() types.TokenInfo {
	t := m.session.snapshot()
	return types.TokenInfo{
		Authenticated:   t.accessToken != "",
		HasRefreshToken: t.refreshToken != "",
		Expiry:          t.expiry,
		Expired:         t.accessToken != "" && !t.valid(m.now()),
	}
}

func (m *Mock) Reset() {
	m.session.clear()
}

type mockDemand struct {
	DemandKW float64 `json:"demandKw"`
}

type mockHalfHour struct {
	IntervalStart  string      `json:"intervalStart"`
	ConsumptionKWh float64     `json:"consumptionKwh"`
	GenerationKWh  float64     `json:"generationKwh"`
	Tariff         string      `json:"primaryConsumptionTariffComponent"`
	DemandDetail   *mockDemand `json:"demandDetail,omitempty"`
}

type mockDay struct {
	UsageDate           string         `json:"usageDate"`
	HalfHours           []mockHalfHour `json:"halfHours"`
	ConsumptionDollar   float64        `json:"consumptionDollar"`
	GenerationDollar    float64        `json:"generationDollar"`
	CarbonEmissionTonne float64        `json:"carbonEmissionTonne"`
}

// generateMockDay is deterministic for a consumer and date.
func generateMockDay(consumerNumber string, day time.Time) mockDay {
	h := fnv.New32a()
	_, _ = h.Write([]byte(consumerNumber + day.Format("20060102")))
	seed := h.Sum32()

	electric := strings.HasPrefix(consumerNumber, "elec")
	solar := consumerNumber == "elec-123456"

	d := mockDay{UsageDate: day.Format(time.DateOnly)}
	var consumed, generated float64
	for i := range 48 {
		start := day.Add(time.Duration(i) * 30 * time.Minute)
		hour := start.Hour()
		// small per-interval jitter derived from the seed
		jitter := float64((seed>>(i%24))&0x7) / 20
		hh := mockHalfHour{IntervalStart: start.Format("2006-01-02T15:04:05")}
		switch {
		case hour >= 15 && hour < 21:
			hh.Tariff = types.PeriodPeak
			hh.ConsumptionKWh = 0.6 + jitter
		case hour >= 7 && hour < 15:
			hh.Tariff = types.PeriodShoulder
			hh.ConsumptionKWh = 0.3 + jitter
		default:
			hh.Tariff = types.PeriodOffPeak
			hh.ConsumptionKWh = 0.2 + jitter
		}
		if !electric {
			hh.ConsumptionKWh *= 1.5
		}
		if solar && hour >= 9 && hour < 16 {
			hh.GenerationKWh = 0.8 + jitter
		}
		if electric {
			hh.DemandDetail = &mockDemand{DemandKW: hh.ConsumptionKWh * 2}
		}
		consumed += hh.ConsumptionKWh
		generated += hh.GenerationKWh
		d.HalfHours = append(d.HalfHours, hh)
	}
	d.ConsumptionDollar = consumed * 0.28
	d.GenerationDollar = -generated * 0.05
	if electric {
		d.CarbonEmissionTonne = consumed * 0.00079
	}
	return d
}
