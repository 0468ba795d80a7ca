package redenergy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/raterudder/redenergy/pkg/common"
	"github.com/raterudder/redenergy/pkg/log"
	"github.com/raterudder/redenergy/pkg/metrics"
	"github.com/raterudder/redenergy/pkg/types"
	"github.com/raterudder/redenergy/pkg/usage"
)

const (
	DefaultClientID = "0oa1apu62kkqeet4C3l7"
	DefaultTimeout  = 30 * time.Second

	issuerURL   = "https://login.redenergy.com.au/oauth2/default"
	authnURL    = "https://redenergy.okta.com/api/v1/authn"
	apiURL      = "https://selfservice.services.retail.energy/v1"
	redirectURL = "au.com.redenergy://callback"

	// upper bound on response bodies we are willing to read
	maxBodyBytes = 16 << 20
)

var scopes = []string{"openid", "profile", "offline_access"}

// Client talks to the Red Energy account API on behalf of one account.
type Client struct {
	client      *http.Client
	authnURL    string
	issuerURL   string
	apiURL      string
	redirectURL string
	normalizer  *usage.Normalizer
	now         func() time.Time

	// authMu serializes Authenticate and Refresh so two logins can't race on
	// the session. Fetches only read the session.
	authMu   sync.Mutex
	clientID string
	session  session
}

var _ API = (*Client)(nil)

// NewClient returns a Client using the production endpoints.
func NewClient(timeout time.Duration) *Client {
	return &Client{
		client:      common.HTTPClient(timeout),
		authnURL:    authnURL,
		issuerURL:   issuerURL,
		apiURL:      apiURL,
		redirectURL: redirectURL,
		normalizer:  usage.NewNormalizer(),
		now:         time.Now,
	}
}

// TokenInfo returns a view of the session without the tokens themselves.
func (c *Client) TokenInfo() types.TokenInfo {
	t := c.session.snapshot()
	return types.TokenInfo{
		Authenticated:   t.accessToken != "",
		HasRefreshToken: t.refreshToken != "",
		Expiry:          t.expiry,
		Expired:         t.accessToken != "" && !t.valid(c.now()),
	}
}

// Reset forgets the session so the next call has to authenticate again. It is
// used when credentials change.
func (c *Client) Reset() {
	c.authMu.Lock()
	defer c.authMu.Unlock()
	c.session.clear()
	c.clientID = ""
}

// GetCustomerData returns the account holder.
func (c *Client) GetCustomerData(ctx context.Context) (types.Customer, error) {
	body, err := c.get(ctx, "customer", "customers/current", nil)
	if err != nil {
		return types.Customer{}, err
	}
	var customer types.Customer
	if err := json.Unmarshal(body, &customer); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to decode customer", slog.Any("error", err))
		return types.Customer{}, fmt.Errorf("failed to decode customer: %w", err)
	}
	return customer, nil
}

// GetProperties returns every property on the account. Upstream answers
// with either a bare list or an object wrapping it under "properties".
func (c *Client) GetProperties(ctx context.Context) ([]types.Property, error) {
	body, err := c.get(ctx, "properties", "properties", nil)
	if err != nil {
		return nil, err
	}

	var list []json.RawMessage
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var wrapped struct {
			Properties []json.RawMessage `json:"properties"`
		}
		if err := json.Unmarshal(trimmed, &wrapped); err != nil {
			return nil, fmt.Errorf("failed to decode properties: %w", err)
		}
		list = wrapped.Properties
	} else if err := json.Unmarshal(trimmed, &list); err != nil {
		return nil, fmt.Errorf("failed to decode properties: %w", err)
	}

	properties := make([]types.Property, 0, len(list))
	for _, raw := range list {
		var p types.Property
		if err := json.Unmarshal(raw, &p); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "skipping malformed property", slog.Any("error", err))
			continue
		}
		properties = append(properties, p)
	}
	return properties, nil
}

// GetUsageData returns daily usage for a consumer between from and to
// inclusive.
func (c *Client) GetUsageData(ctx context.Context, consumerNumber string, from, to time.Time) (types.UsageDocument, error) {
	fromDate := from.Format(time.DateOnly)
	toDate := to.Format(time.DateOnly)
	params := url.Values{}
	params.Set("consumerNumber", consumerNumber)
	params.Set("fromDate", fromDate)
	params.Set("toDate", toDate)

	body, err := c.get(ctx, "usage", "usage/interval", params)
	if err != nil {
		return types.UsageDocument{}, err
	}
	return c.normalizer.Normalize(ctx, body, consumerNumber, fromDate, toDate), nil
}

func (c *Client) get(ctx context.Context, op, endpoint string, params url.Values) (body []byte, err error) {
	defer func() {
		metrics.RecordFetch(op, err)
	}()

	if err := c.EnsureValidToken(ctx); err != nil {
		return nil, err
	}

	req, err := newGetRequest(ctx, c.apiURL, endpoint, params)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.session.snapshot().accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "red energy request failed", slog.String("op", op), slog.Any("error", err))
		return nil, transportError(op, err)
	}
	defer resp.Body.Close()

	body, err = io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, transportError(op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Ctx(ctx).WarnContext(ctx, "red energy api error",
			slog.String("op", op),
			slog.Int("status", resp.StatusCode),
			slog.String("body", string(body)),
		)
		return nil, &APIError{Op: op, StatusCode: resp.StatusCode, Body: string(body)}
	}
	log.Ctx(ctx).DebugContext(ctx, "red energy request success", slog.String("op", op), slog.Int("bytes", len(body)))
	return body, nil
}

func newGetRequest(ctx context.Context, base, endpoint string, params url.Values) (*http.Request, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, err
	}
	u.Path, err = url.JoinPath(u.Path, endpoint)
	if err != nil {
		return nil, err
	}
	u.RawQuery = params.Encode()
	return http.NewRequestWithContext(ctx, "GET", u.String(), nil)
}

func newPostJSONRequest(ctx context.Context, u string, data any) (*http.Request, error) {
	body, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, "POST", u, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	return req, nil
}
