package redenergy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/raterudder/redenergy/pkg/common"
	"github.com/raterudder/redenergy/pkg/log"
	"github.com/raterudder/redenergy/pkg/metrics"
	"github.com/raterudder/redenergy/pkg/types"
)

const (
	authnSuccess         = "SUCCESS"
	defaultTokenLifetime = time.Hour
)

type authnRequest struct {
	Username string       `json:"username"`
	Password string       `json:"password"`
	Options  authnOptions `json:"options"`
}

type authnOptions struct {
	WarnBeforePasswordExpired bool `json:"warnBeforePasswordExpired"`
	MultiOptionalFactorEnroll bool `json:"multiOptionalFactorEnroll"`
}

type authnResponse struct {
	Status       string `json:"status"`
	SessionToken string `json:"sessionToken"`
	ExpiresAt    string `json:"expiresAt"`
	ErrorCode    string `json:"errorCode"`
	ErrorSummary string `json:"errorSummary"`
}

// Authenticate logs in with the account's username and password and stores
// the resulting tokens. Every failure is an *AuthError.
func (c *Client) Authenticate(ctx context.Context, creds types.Credentials) (err error) {
	if err := creds.Validate(); err != nil {
		return authError(AuthKindInvalidConfig, "invalid credentials", err)
	}
	ctx = log.With(ctx, log.Ctx(ctx).With(slog.String("username", creds.Username)))

	c.authMu.Lock()
	defer c.authMu.Unlock()
	defer func() {
		metrics.RecordAuthAttempt(err)
	}()

	sessionToken, err := c.preAuth(ctx, creds)
	if err != nil {
		return asAuthError(err)
	}

	cfg, err := c.discover(ctx, creds.ClientID)
	if err != nil {
		return asAuthError(err)
	}

	p, err := newPKCE()
	if err != nil {
		return asAuthError(err)
	}

	code, err := c.authorize(ctx, cfg, sessionToken, p)
	if err != nil {
		return asAuthError(err)
	}

	tok, err := c.exchange(ctx, cfg, code, p)
	if err != nil {
		return asAuthError(err)
	}

	c.clientID = creds.ClientID
	c.session.set(tok)
	log.Ctx(ctx).InfoContext(ctx, "authenticated with red energy",
		slog.Time("expiry", tok.expiry),
		slog.Bool("refreshToken", tok.refreshToken != ""),
	)
	return nil
}

// EnsureValidToken makes sure a usable access token exists, refreshing it if
// it expired. It never logs in from scratch.
func (c *Client) EnsureValidToken(ctx context.Context) error {
	t := c.session.snapshot()
	if t.accessToken == "" {
		return authError(AuthKindNotAuthenticated, "not authenticated", nil)
	}
	if t.valid(c.now()) {
		return nil
	}
	if t.refreshToken == "" {
		return authError(AuthKindExpired, "token expired and no refresh token available", nil)
	}

	c.authMu.Lock()
	defer c.authMu.Unlock()
	// someone else may have refreshed while we waited
	if c.session.snapshot().valid(c.now()) {
		return nil
	}
	return c.refresh(ctx)
}

// Refresh exchanges the refresh token for a new access token.
func (c *Client) Refresh(ctx context.Context) error {
	c.authMu.Lock()
	defer c.authMu.Unlock()
	return c.refresh(ctx)
}

func (c *Client) refresh(ctx context.Context) (err error) {
	current := c.session.snapshot()
	if current.refreshToken == "" {
		return authError(AuthKindExpired, "no refresh token available", nil)
	}
	defer func() {
		metrics.RecordTokenRefresh(err)
	}()

	// the token endpoint can move so discovery is never cached
	cfg, err := c.discover(ctx, c.clientID)
	if err != nil {
		return asAuthError(err)
	}

	ts := cfg.TokenSource(c.oauthContext(ctx), &oauth2.Token{RefreshToken: current.refreshToken})
	otok, err := ts.Token()
	if err != nil {
		return asAuthError(tokenError("token refresh failed", err))
	}

	tok := c.tokenFrom(otok)
	if tok.refreshToken == "" {
		// rotation is optional upstream
		tok.refreshToken = current.refreshToken
	}
	c.session.set(tok)
	log.Ctx(ctx).DebugContext(ctx, "access token refreshed", slog.Time("expiry", tok.expiry))
	return nil
}

// preAuth trades the username and password for a short-lived session token.
func (c *Client) preAuth(ctx context.Context, creds types.Credentials) (string, error) {
	req, err := newPostJSONRequest(ctx, c.authnURL, authnRequest{
		Username: creds.Username,
		Password: creds.Password,
	})
	if err != nil {
		return "", err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", authError(AuthKindPreAuth, "password authentication request failed", transportError("authn", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return "", authError(AuthKindPreAuth, "failed to read password authentication response", transportError("authn", err))
	}

	var res authnResponse
	decodeErr := json.Unmarshal(body, &res)
	if resp.StatusCode != http.StatusOK || decodeErr != nil || res.Status != authnSuccess {
		ae := &AuthError{Kind: AuthKindPreAuth, Code: res.ErrorCode, Summary: res.ErrorSummary}
		switch {
		case res.ErrorCode != "" || res.ErrorSummary != "":
			ae.Message = "password authentication rejected"
		case resp.StatusCode != http.StatusOK:
			ae.Message = fmt.Sprintf("password authentication returned status %d: %s", resp.StatusCode, string(body))
		case decodeErr != nil:
			ae.Message = "password authentication returned an unreadable response"
			ae.Err = decodeErr
		default:
			// MFA_REQUIRED, LOCKED_OUT, PASSWORD_EXPIRED and friends
			ae.Message = "password authentication returned status " + res.Status
		}
		log.Ctx(ctx).WarnContext(ctx, "red energy password authentication failed",
			slog.Int("status", resp.StatusCode),
			slog.String("authnStatus", res.Status),
			slog.String("errorCode", res.ErrorCode),
		)
		return "", ae
	}
	if res.SessionToken == "" {
		return "", authError(AuthKindPreAuth, "password authentication returned no session token", nil)
	}
	log.Ctx(ctx).DebugContext(ctx, "red energy password authentication success", slog.String("expiresAt", res.ExpiresAt))
	return res.SessionToken, nil
}

// discover fetches the OpenID configuration and builds the oauth2 config
// from it. Only the two endpoints are required; the document's issuer is not
// compared against ours.
func (c *Client) discover(ctx context.Context, clientID string) (*oauth2.Config, error) {
	octx := oidc.InsecureIssuerURLContext(oidc.ClientContext(ctx, c.client), c.issuerURL)
	provider, err := oidc.NewProvider(octx, c.issuerURL)
	if err != nil {
		var cause error = err
		var ue *url.Error
		if errors.As(err, &ue) || errors.Is(err, context.DeadlineExceeded) {
			cause = transportError("discovery", err)
		}
		return nil, authError(AuthKindDiscovery, "failed to fetch openid configuration", cause)
	}
	endpoint := provider.Endpoint()
	if endpoint.AuthURL == "" || endpoint.TokenURL == "" {
		return nil, authError(AuthKindDiscovery, "openid configuration is missing authorization or token endpoint", nil)
	}
	endpoint.AuthStyle = oauth2.AuthStyleInParams
	return &oauth2.Config{
		ClientID:    clientID,
		Endpoint:    endpoint,
		RedirectURL: c.redirectURL,
		Scopes:      scopes,
	}, nil
}

// authorize requests an authorization code and reads it from the redirect
// without following it.
func (c *Client) authorize(ctx context.Context, cfg *oauth2.Config, sessionToken string, p pkce) (string, error) {
	authURL := cfg.AuthCodeURL(uuid.New().String(),
		oauth2.SetAuthURLParam("code_challenge", p.challenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
		oauth2.SetAuthURLParam("sessionToken", sessionToken),
		oauth2.SetAuthURLParam("nonce", uuid.New().String()),
	)
	req, err := http.NewRequestWithContext(ctx, "GET", authURL, nil)
	if err != nil {
		return "", err
	}

	resp, err := common.NoRedirect(c.client).Do(req)
	if err != nil {
		return "", authError(AuthKindAuthorization, "authorization request failed", transportError("authorize", err))
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))

	location := resp.Header.Get("Location")
	if location == "" {
		return "", authError(AuthKindAuthorization, fmt.Sprintf("no redirect from authorization endpoint (status %d)", resp.StatusCode), nil)
	}
	u, err := url.Parse(location)
	if err != nil {
		return "", authError(AuthKindAuthorization, "authorization redirect is not a valid url", err)
	}
	q := u.Query()
	if code := q.Get("code"); code != "" {
		return code, nil
	}
	ae := &AuthError{
		Kind:    AuthKindAuthorization,
		Message: "authorization redirect has no code",
		Code:    q.Get("error"),
		Summary: q.Get("error_description"),
	}
	log.Ctx(ctx).WarnContext(ctx, "red energy authorization failed",
		slog.String("error", ae.Code),
		slog.String("errorDescription", ae.Summary),
	)
	return "", ae
}

// exchange trades the authorization code and verifier for tokens.
func (c *Client) exchange(ctx context.Context, cfg *oauth2.Config, code string, p pkce) (token, error) {
	otok, err := cfg.Exchange(c.oauthContext(ctx), code, oauth2.VerifierOption(p.verifier))
	if err != nil {
		return token{}, tokenError("code exchange failed", err)
	}
	return c.tokenFrom(otok), nil
}

func (c *Client) oauthContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.client)
}

func (c *Client) tokenFrom(otok *oauth2.Token) token {
	expiry := otok.Expiry
	if expiry.IsZero() {
		expiry = c.now().Add(defaultTokenLifetime)
	}
	return token{
		accessToken:  otok.AccessToken,
		refreshToken: otok.RefreshToken,
		expiry:       expiry,
	}
}

func tokenError(msg string, err error) *AuthError {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		ae := &AuthError{
			Kind:    AuthKindTokenExchange,
			Message: msg,
			Code:    re.ErrorCode,
			Summary: re.ErrorDescription,
			Err:     err,
		}
		if re.Response != nil {
			ae.Message = fmt.Sprintf("%s with status %d: %s", msg, re.Response.StatusCode, string(re.Body))
		}
		return ae
	}
	var ue *url.Error
	if errors.As(err, &ue) || errors.Is(err, context.DeadlineExceeded) {
		err = transportError("token", err)
	}
	return authError(AuthKindTokenExchange, msg, err)
}
