package types

import (
	"slices"
	"time"
)

// TokenInfo is a read-only view of the current session for status reporting.
// It never carries the tokens themselves.
type TokenInfo struct {
	Authenticated   bool      `json:"authenticated"`
	HasRefreshToken bool      `json:"hasRefreshToken"`
	Expiry          time.Time `json:"expiry,omitzero"`
	Expired         bool      `json:"expired"`
}

// Selection picks which properties and service types are collected. An empty
// PropertyIDs selects every property on the account.
type Selection struct {
	PropertyIDs []string `json:"propertyIDs"`
	Services    []string `json:"services"`
}

func (s Selection) HasProperty(id string) bool {
	return len(s.PropertyIDs) == 0 || slices.Contains(s.PropertyIDs, id)
}

func (s Selection) HasService(serviceType string) bool {
	return slices.Contains(s.Services, serviceType)
}

// ServiceUsage is the collected usage for one service of a property.
type ServiceUsage struct {
	ConsumerNumber string        `json:"consumerNumber"`
	Usage          UsageDocument `json:"usage"`
	LastUpdated    time.Time     `json:"lastUpdated"`
}

// PropertyUsage groups the successful services of one property.
type PropertyUsage struct {
	Property Property                `json:"property"`
	Services map[string]ServiceUsage `json:"services"`
}

// Snapshot is the result of one collection pass.
type Snapshot struct {
	Customer   Customer                 `json:"customer"`
	Properties []Property               `json:"properties"`
	Usage      map[string]PropertyUsage `json:"usage"`
	LastUpdate time.Time                `json:"lastUpdate"`
}
