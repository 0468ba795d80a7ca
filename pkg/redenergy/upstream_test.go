package redenergy

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/raterudder/redenergy/pkg/types"
)

const (
	testUsername     = "user@example.com"
	testPassword     = "hunter2"
	testClientID     = "client-abc"
	testSessionToken = "session-xyz"
	testCode         = "code-123"
)

var testCreds = types.Credentials{
	Username: testUsername,
	Password: testPassword,
	ClientID: testClientID,
}

// fakeUpstream plays the identity provider and the account API. Each
// endpoint has a happy path default that a test can override.
type fakeUpstream struct {
	t   *testing.T
	srv *httptest.Server

	authn     http.HandlerFunc
	discovery http.HandlerFunc
	authorize http.HandlerFunc
	token     http.HandlerFunc
	api       http.HandlerFunc

	authnCalls     atomic.Int32
	discoveryCalls atomic.Int32
	authorizeCalls atomic.Int32
	tokenCalls     atomic.Int32
	apiCalls       atomic.Int32

	mu            sync.Mutex
	challenge     string
	authorizeQry  map[string]string
	lastTokenForm map[string]string
}

func newFakeUpstream(t *testing.T) *fakeUpstream {
	f := &fakeUpstream{t: t}
	f.srv = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeUpstream) issuer() string {
	return f.srv.URL + "/oauth2/default"
}

func (f *fakeUpstream) totalCalls() int32 {
	return f.authnCalls.Load() + f.discoveryCalls.Load() + f.authorizeCalls.Load() + f.tokenCalls.Load() + f.apiCalls.Load()
}

// client returns a Client pointed at the fake.
func (f *fakeUpstream) client(timeout time.Duration) *Client {
	c := NewClient(timeout)
	c.authnURL = f.srv.URL + "/api/v1/authn"
	c.issuerURL = f.issuer()
	c.apiURL = f.srv.URL + "/v1"
	return c
}

func (f *fakeUpstream) serve(w http.ResponseWriter, r *http.Request) {
	pick := func(override, def http.HandlerFunc) http.HandlerFunc {
		if override != nil {
			return override
		}
		return def
	}
	switch {
	case r.URL.Path == "/api/v1/authn":
		f.authnCalls.Add(1)
		pick(f.authn, f.defaultAuthn)(w, r)
	case r.URL.Path == "/oauth2/default/.well-known/openid-configuration":
		f.discoveryCalls.Add(1)
		pick(f.discovery, f.defaultDiscovery)(w, r)
	case r.URL.Path == "/oauth2/default/v1/authorize":
		f.authorizeCalls.Add(1)
		pick(f.authorize, f.defaultAuthorize)(w, r)
	case r.URL.Path == "/oauth2/default/v1/token":
		f.tokenCalls.Add(1)
		pick(f.token, f.defaultToken)(w, r)
	case strings.HasPrefix(r.URL.Path, "/v1/"):
		f.apiCalls.Add(1)
		if f.api == nil {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		f.api(w, r)
	default:
		http.Error(w, "not found: "+r.URL.Path, http.StatusNotFound)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (f *fakeUpstream) defaultAuthn(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string          `json:"username"`
		Password string          `json:"password"`
		Options  map[string]bool `json:"options"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	assert.Equal(f.t, "POST", r.Method)
	assert.Equal(f.t, map[string]bool{"warnBeforePasswordExpired": false, "multiOptionalFactorEnroll": false}, req.Options)
	if req.Username != testUsername || req.Password != testPassword {
		writeJSON(w, http.StatusUnauthorized, map[string]any{
			"errorCode":    "E0000004",
			"errorSummary": "Authentication failed",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "SUCCESS",
		"sessionToken": testSessionToken,
		"expiresAt":    "2030-01-01T00:00:00.000Z",
	})
}

func (f *fakeUpstream) discoveryDoc() map[string]any {
	return map[string]any{
		"issuer":                                f.issuer(),
		"authorization_endpoint":                f.issuer() + "/v1/authorize",
		"token_endpoint":                        f.issuer() + "/v1/token",
		"jwks_uri":                              f.issuer() + "/v1/keys",
		"id_token_signing_alg_values_supported": []string{"RS256"},
	}
}

func (f *fakeUpstream) defaultDiscovery(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, f.discoveryDoc())
}

func (f *fakeUpstream) defaultAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f.mu.Lock()
	f.challenge = q.Get("code_challenge")
	f.authorizeQry = map[string]string{}
	for k := range q {
		f.authorizeQry[k] = q.Get(k)
	}
	f.mu.Unlock()

	w.Header().Set("Location", redirectURL+"?code="+testCode+"&state="+q.Get("state"))
	w.WriteHeader(http.StatusFound)
}

func (f *fakeUpstream) defaultToken(w http.ResponseWriter, r *http.Request) {
	assert.NoError(f.t, r.ParseForm())
	form := map[string]string{}
	for k := range r.PostForm {
		form[k] = r.PostForm.Get(k)
	}
	f.mu.Lock()
	f.lastTokenForm = form
	challenge := f.challenge
	f.mu.Unlock()

	if form["client_id"] != testClientID {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "invalid_client"})
		return
	}
	switch form["grant_type"] {
	case "authorization_code":
		if form["code"] != testCode || s256Challenge(form["code_verifier"]) != challenge {
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"error":             "invalid_grant",
				"error_description": "PKCE verification failed",
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"access_token":  "access-1",
			"token_type":    "Bearer",
			"expires_in":    3600,
			"refresh_token": "refresh-1",
		})
	case "refresh_token":
		if form["refresh_token"] != "refresh-1" {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_grant"})
			return
		}
		// no rotation
		writeJSON(w, http.StatusOK, map[string]any{
			"access_token": "access-2",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	default:
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "unsupported_grant_type"})
	}
}

// authenticated seeds a session without going through the flow.
func authenticated(c *Client, expiry time.Time, refreshToken string) {
	c.clientID = testClientID
	c.session.set(token{
		accessToken:  "access-1",
		refreshToken: refreshToken,
		expiry:       expiry,
	})
}

func (f *fakeUpstream) authorizeQuery() map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.authorizeQry
}

func (f *fakeUpstream) tokenForm() map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastTokenForm
}
