package redenergy

import (
	"context"
	"time"

	"github.com/raterudder/redenergy/pkg/types"
)

// API is the Red Energy account API. Client talks to the real service and
// Mock serves canned demo data.
type API interface {
	// Authenticate logs in and replaces any existing session.
	Authenticate(ctx context.Context, creds types.Credentials) error

	// EnsureValidToken refreshes the access token if it has expired.
	EnsureValidToken(ctx context.Context) error

	// Refresh unconditionally exchanges the refresh token for new tokens.
	Refresh(ctx context.Context) error

	// GetCustomerData returns the account holder.
	GetCustomerData(ctx context.Context) (types.Customer, error)

	// GetProperties returns every property on the account.
	GetProperties(ctx context.Context) ([]types.Property, error)

	// GetUsageData returns normalized daily usage for a consumer number.
	GetUsageData(ctx context.Context, consumerNumber string, from, to time.Time) (types.UsageDocument, error)

	// TokenInfo describes the current session.
	TokenInfo() types.TokenInfo

	// Reset forgets the current session.
	Reset()
}
