// Package collector runs collection passes against the Red Energy API and
// keeps the latest result for the exposure layer.
package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/raterudder/redenergy/pkg/log"
	"github.com/raterudder/redenergy/pkg/metrics"
	"github.com/raterudder/redenergy/pkg/redenergy"
	"github.com/raterudder/redenergy/pkg/storage"
	"github.com/raterudder/redenergy/pkg/types"
)

// ErrNoUsageData is returned when a pass produced no usable usage for any
// selected service.
var ErrNoUsageData = errors.New("no usage data retrieved for any selected service")

const (
	DefaultLookback = 30 * 24 * time.Hour

	// properties fetched in parallel during one pass
	maxConcurrentProperties = 4
)

// Collector owns the account configuration and the last snapshot. Passes are
// serialized; the accessors can be called at any time.
type Collector struct {
	api redenergy.API
	db  storage.Database
	now func() time.Time

	// held for a whole pass
	updateMu sync.Mutex
	// held while re-authenticating mid-pass
	authMu sync.Mutex

	mu         sync.RWMutex
	creds      types.Credentials
	selection  types.Selection
	lookback   time.Duration
	customer   types.Customer
	properties []types.Property
	metadataAt time.Time
	snapshot   types.Snapshot
	lastErr    error
}

// New returns a Collector. A zero lookback uses DefaultLookback.
func New(api redenergy.API, db storage.Database, creds types.Credentials, selection types.Selection, lookback time.Duration) *Collector {
	c := &Collector{
		api: api,
		db:  db,
		now: time.Now,
	}
	c.configure(creds, selection, lookback)
	return c
}

func (c *Collector) configure(creds types.Credentials, selection types.Selection, lookback time.Duration) {
	if lookback <= 0 {
		lookback = DefaultLookback
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.creds = creds
	c.selection = selection
	c.lookback = lookback
}

// Update runs one collection pass and returns the new snapshot. A pass that
// collects nothing returns ErrNoUsageData and keeps the previous snapshot.
func (c *Collector) Update(ctx context.Context) (snap types.Snapshot, err error) {
	c.updateMu.Lock()
	defer c.updateMu.Unlock()

	start := c.now()
	var collected int
	defer func() {
		metrics.RecordCollection(start, collected, err)
		c.mu.Lock()
		c.lastErr = err
		c.mu.Unlock()
	}()

	c.mu.RLock()
	creds, selection, lookback := c.creds, c.selection, c.lookback
	c.mu.RUnlock()

	if !c.api.TokenInfo().Authenticated {
		log.Ctx(ctx).InfoContext(ctx, "authenticating with red energy")
		if err := c.api.Authenticate(ctx, creds); err != nil {
			return types.Snapshot{}, fmt.Errorf("authentication failed: %w", err)
		}
	}

	customer, properties, err := c.metadata(ctx, creds, start)
	if err != nil {
		return types.Snapshot{}, err
	}

	to := start
	from := to.Add(-lookback)

	var mu sync.Mutex
	usage := make(map[string]types.PropertyUsage)
	var matched int

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(maxConcurrentProperties)
	for _, p := range properties {
		if !selection.HasProperty(p.ID) {
			log.Ctx(ctx).DebugContext(ctx, "property not selected, skipping", slog.String("propertyID", p.ID))
			continue
		}
		matched++
		eg.Go(func() error {
			pu, ok := c.collectProperty(egCtx, creds, selection, p, from, to)
			if !ok {
				log.Ctx(egCtx).WarnContext(egCtx, "no usage data collected for property", slog.String("propertyID", p.ID), slog.String("name", p.Name))
				return nil
			}
			mu.Lock()
			usage[p.ID] = pu
			collected += len(pu.Services)
			mu.Unlock()
			return nil
		})
	}
	// collectProperty never fails the group
	_ = eg.Wait()

	log.Ctx(ctx).InfoContext(ctx, "collection summary",
		slog.Int("properties", len(properties)),
		slog.Int("matched", matched),
		slog.Int("withUsage", len(usage)),
		slog.Int("services", collected),
	)
	if len(usage) == 0 {
		return types.Snapshot{}, ErrNoUsageData
	}

	snap = types.Snapshot{
		Customer:   customer,
		Properties: properties,
		Usage:      usage,
		LastUpdate: start,
	}
	c.mu.Lock()
	c.snapshot = snap
	c.mu.Unlock()
	return snap, nil
}

// metadata returns the cached customer and properties, fetching them when
// nothing is cached or the cache is from an earlier day.
func (c *Collector) metadata(ctx context.Context, creds types.Credentials, now time.Time) (types.Customer, []types.Property, error) {
	c.mu.RLock()
	customer, properties, at := c.customer, c.properties, c.metadataAt
	c.mu.RUnlock()

	if properties != nil && sameDay(at, now) {
		return customer, properties, nil
	}
	if properties != nil {
		log.Ctx(ctx).InfoContext(ctx, "refreshing account metadata for a new day")
	}

	err := c.withReauth(ctx, creds, func() error {
		var err error
		customer, err = c.api.GetCustomerData(ctx)
		if err != nil {
			return fmt.Errorf("failed to get customer data: %w", err)
		}
		properties, err = c.api.GetProperties(ctx)
		if err != nil {
			return fmt.Errorf("failed to get properties: %w", err)
		}
		return nil
	})
	if err != nil {
		return types.Customer{}, nil, err
	}
	if properties == nil {
		properties = []types.Property{}
	}

	log.Ctx(ctx).InfoContext(ctx, "fetched account metadata",
		slog.String("customerID", customer.ID),
		slog.Int("properties", len(properties)),
	)
	c.mu.Lock()
	c.customer = customer
	c.properties = properties
	c.metadataAt = now
	c.mu.Unlock()
	return customer, properties, nil
}

func (c *Collector) collectProperty(ctx context.Context, creds types.Credentials, selection types.Selection, p types.Property, from, to time.Time) (types.PropertyUsage, bool) {
	ctx = log.With(ctx, log.Ctx(ctx).With(slog.String("propertyID", p.ID)))
	pu := types.PropertyUsage{
		Property: p,
		Services: make(map[string]types.ServiceUsage),
	}
	for _, s := range p.Services {
		l := log.Ctx(ctx).With(slog.String("service", s.Type), slog.String("consumerNumber", s.ConsumerNumber))
		switch {
		case s.ConsumerNumber == "":
			l.WarnContext(ctx, "service has no consumer number, skipping")
			continue
		case !selection.HasService(s.Type):
			l.DebugContext(ctx, "service not selected, skipping")
			continue
		case !s.Active:
			l.DebugContext(ctx, "service inactive, skipping")
			continue
		}

		var doc types.UsageDocument
		err := c.withReauth(ctx, creds, func() error {
			var err error
			doc, err = c.api.GetUsageData(ctx, s.ConsumerNumber, from, to)
			return err
		})
		if err != nil {
			l.ErrorContext(ctx, "failed to fetch usage", slog.Any("error", err))
			continue
		}
		if doc.IsError() {
			l.ErrorContext(ctx, "usage response was an error",
				slog.String("errorType", doc.ErrorType),
				slog.String("errorMessage", doc.ErrorMessage),
			)
			continue
		}

		if err := c.db.UpsertDailyUsage(ctx, s.ConsumerNumber, doc.UsageData, storage.UsageVersion); err != nil {
			l.ErrorContext(ctx, "failed to store daily usage", slog.Any("error", err))
		}

		l.DebugContext(ctx, "collected usage", slog.Int("entries", len(doc.UsageData)))
		pu.Services[s.Type] = types.ServiceUsage{
			ConsumerNumber: s.ConsumerNumber,
			Usage:          doc,
			LastUpdated:    c.now(),
		}
	}
	return pu, len(pu.Services) > 0
}

// withReauth runs fn and, if it failed because the session can no longer be
// refreshed, logs in again and runs fn once more.
func (c *Collector) withReauth(ctx context.Context, creds types.Credentials, fn func() error) error {
	err := fn()
	if !redenergy.IsAuthKind(err, redenergy.AuthKindExpired) && !redenergy.IsAuthKind(err, redenergy.AuthKindNotAuthenticated) {
		return err
	}
	if err := c.reauthenticate(ctx, creds); err != nil {
		return err
	}
	return fn()
}

func (c *Collector) reauthenticate(ctx context.Context, creds types.Credentials) error {
	c.authMu.Lock()
	defer c.authMu.Unlock()
	// another property may have already logged in again
	if info := c.api.TokenInfo(); info.Authenticated && !info.Expired {
		return nil
	}
	log.Ctx(ctx).InfoContext(ctx, "session expired, authenticating again")
	if err := c.api.Authenticate(ctx, creds); err != nil {
		return fmt.Errorf("re-authentication failed: %w", err)
	}
	return nil
}

// RefreshMetadata drops the cached customer and properties and runs a pass.
func (c *Collector) RefreshMetadata(ctx context.Context) (types.Snapshot, error) {
	c.clearMetadata()
	log.Ctx(ctx).InfoContext(ctx, "account metadata refresh requested")
	return c.Update(ctx)
}

// UpdateCredentials replaces the credentials, logs in with them and runs a
// pass. Invalid credentials leave the current configuration untouched.
func (c *Collector) UpdateCredentials(ctx context.Context, creds types.Credentials) (types.Snapshot, error) {
	if err := creds.Validate(); err != nil {
		return types.Snapshot{}, fmt.Errorf("invalid credentials: %w", err)
	}
	c.updateMu.Lock()
	c.api.Reset()
	err := c.api.Authenticate(ctx, creds)
	c.updateMu.Unlock()
	if err != nil {
		return types.Snapshot{}, fmt.Errorf("authentication failed: %w", err)
	}

	c.mu.Lock()
	c.creds = creds
	c.mu.Unlock()
	c.clearMetadata()
	log.Ctx(ctx).InfoContext(ctx, "credentials updated", slog.Any("credentials", creds))
	return c.Update(ctx)
}

// UpdateSelection replaces the selected properties and services and runs a
// pass.
func (c *Collector) UpdateSelection(ctx context.Context, selection types.Selection) (types.Snapshot, error) {
	c.mu.Lock()
	c.selection = selection
	c.mu.Unlock()
	log.Ctx(ctx).InfoContext(ctx, "selection updated",
		slog.Any("propertyIDs", selection.PropertyIDs),
		slog.Any("services", selection.Services),
	)
	return c.Update(ctx)
}

func (c *Collector) clearMetadata() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.customer = types.Customer{}
	c.properties = nil
	c.metadataAt = time.Time{}
}

// Snapshot returns the last successful pass.
func (c *Collector) Snapshot() types.Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshot
}

// LastError returns the error from the most recent pass, nil if it succeeded.
func (c *Collector) LastError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

// Selection returns the current selection.
func (c *Collector) Selection() types.Selection {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.selection
}

// TokenInfo describes the API session.
func (c *Collector) TokenInfo() types.TokenInfo {
	return c.api.TokenInfo()
}

// PropertyUsage returns the collected usage for a property.
func (c *Collector) PropertyUsage(propertyID string) (types.PropertyUsage, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	pu, ok := c.snapshot.Usage[propertyID]
	return pu, ok
}

// ServiceUsage returns the collected usage for one service of a property.
func (c *Collector) ServiceUsage(propertyID, serviceType string) (types.ServiceUsage, bool) {
	pu, ok := c.PropertyUsage(propertyID)
	if !ok {
		return types.ServiceUsage{}, false
	}
	su, ok := pu.Services[serviceType]
	return su, ok
}

// ServiceMetadata returns the account metadata of one service of a property.
func (c *Collector) ServiceMetadata(propertyID, serviceType string) (types.ServiceMetadata, bool) {
	pu, ok := c.PropertyUsage(propertyID)
	if !ok {
		return types.ServiceMetadata{}, false
	}
	s, ok := pu.Property.Service(serviceType)
	if !ok {
		return types.ServiceMetadata{}, false
	}
	return s.Metadata, true
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
