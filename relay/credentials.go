package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"sequencer/observability"
	"sequencer/observability/logging"
)

// Identity-provider constants. Same for every project, published in the relay
// provider's API authentication docs.
const (
	defaultAuthURL = "https://cognito-idp.us-west-2.amazonaws.com/"
	authClientID   = "1bpd19lcr33qvg5cr3oi79rdap"
	authPoolID     = "us-west-2_iLmIggsiy"

	authTarget      = "AWSCognitoIdentityProviderService.InitiateAuth"
	authContentType = "application/x-amz-json-1.1"
)

// ErrAuthentication indicates the credential exchange failed or the relay
// rejected a request.
var ErrAuthentication = errors.New("relay: authentication failed")

// ErrUnknownResponse indicates a relay or identity-provider response could
// not be parsed into the expected shape.
var ErrUnknownResponse = errors.New("relay: unknown response")

type expiringClient struct {
	client    *http.Client
	expiresAt time.Time
}

// CredentialCache owns the authenticated HTTP clients shared across relay
// submissions. Entries are valid until their token expires and are replaced,
// never mutated in place. The cache is injected into each relay backend at
// construction so independent backends and tests do not share ambient state.
type CredentialCache struct {
	authURL    string
	authClient *http.Client
	transport  http.RoundTripper
	now        func() time.Time

	mu      sync.Mutex
	clients map[string]expiringClient
}

// CredentialCacheOption customises the cache.
type CredentialCacheOption func(*CredentialCache)

// WithAuthURL overrides the identity-provider endpoint.
func WithAuthURL(url string) CredentialCacheOption {
	return func(c *CredentialCache) { c.authURL = url }
}

// WithAuthHTTPClient overrides the client used for the exchange itself.
func WithAuthHTTPClient(client *http.Client) CredentialCacheOption {
	return func(c *CredentialCache) { c.authClient = client }
}

// WithBaseTransport overrides the transport wrapped by issued clients.
func WithBaseTransport(rt http.RoundTripper) CredentialCacheOption {
	return func(c *CredentialCache) { c.transport = rt }
}

// WithClock sets the function used to derive timestamps.
func WithClock(now func() time.Time) CredentialCacheOption {
	return func(c *CredentialCache) { c.now = now }
}

// NewCredentialCache constructs an empty cache.
func NewCredentialCache(opts ...CredentialCacheOption) *CredentialCache {
	cache := &CredentialCache{
		authURL:    defaultAuthURL,
		authClient: &http.Client{Timeout: 30 * time.Second},
		transport:  http.DefaultTransport,
		now:        time.Now,
		clients:    make(map[string]expiringClient),
	}
	for _, opt := range opts {
		opt(cache)
	}
	return cache
}

// AcquireClient returns an HTTP client carrying a valid bearer token and API
// key for the supplied credentials, refreshing it when expired. The lock
// spans the whole check-then-refresh sequence, so concurrent callers sharing
// an API key trigger exactly one exchange per expiry window.
func (c *CredentialCache) AcquireClient(ctx context.Context, apiKey, apiSecret string) (*http.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.clients[apiKey]; ok && c.now().Before(entry.expiresAt) {
		return entry.client, nil
	}

	token, expiresIn, err := c.authenticate(ctx, apiKey, apiSecret)
	if err != nil {
		return nil, err
	}
	observability.Sequencer().RecordAuthRefresh()
	slog.Info("relay credentials refreshed",
		logging.MaskField("api_key", apiKey),
		"valid_for", expiresIn,
	)

	client := &http.Client{
		Transport: otelhttp.NewTransport(&headerTransport{
			token:  token,
			apiKey: apiKey,
			base:   c.transport,
		}),
	}
	c.clients[apiKey] = expiringClient{
		client:    client,
		expiresAt: c.now().Add(expiresIn),
	}
	return client, nil
}

type authRequest struct {
	AuthFlow       string            `json:"AuthFlow"`
	ClientID       string            `json:"ClientId"`
	PoolID         string            `json:"PoolId"`
	AuthParameters map[string]string `json:"AuthParameters"`
}

type authResponse struct {
	AuthenticationResult struct {
		AccessToken string `json:"AccessToken"`
		ExpiresIn   int64  `json:"ExpiresIn"`
	} `json:"AuthenticationResult"`
}

// authenticate performs the password exchange against the identity provider.
// Callers must hold c.mu.
func (c *CredentialCache) authenticate(ctx context.Context, apiKey, apiSecret string) (string, time.Duration, error) {
	payload, err := json.Marshal(authRequest{
		AuthFlow: "USER_PASSWORD_AUTH",
		ClientID: authClientID,
		PoolID:   authPoolID,
		AuthParameters: map[string]string{
			"USERNAME": apiKey,
			"PASSWORD": apiSecret,
		},
	})
	if err != nil {
		return "", 0, fmt.Errorf("relay: encode auth request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.authURL, bytes.NewReader(payload))
	if err != nil {
		return "", 0, fmt.Errorf("relay: build auth request: %w", err)
	}
	req.Header.Set("Content-Type", authContentType)
	req.Header.Set("X-Amz-Target", authTarget)

	resp, err := c.authClient.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", 0, fmt.Errorf("%w: identity provider returned status %d", ErrAuthentication, resp.StatusCode)
	}

	var decoded authResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", 0, fmt.Errorf("%w: %v", ErrUnknownResponse, err)
	}
	token := decoded.AuthenticationResult.AccessToken
	if token == "" {
		return "", 0, fmt.Errorf("%w: no access token in auth response", ErrAuthentication)
	}

	expiresIn := time.Duration(decoded.AuthenticationResult.ExpiresIn) * time.Second
	if expiresIn <= 0 {
		expiresIn, err = tokenLifetime(token, c.now())
		if err != nil {
			return "", 0, err
		}
	}
	return token, expiresIn, nil
}

// tokenLifetime derives the validity window from the token's exp claim when
// the provider omits ExpiresIn. The signature is not verified; the token is
// opaque client-side and only its lifetime matters here.
func tokenLifetime(token string, now time.Time) (time.Duration, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return 0, fmt.Errorf("%w: parse access token: %v", ErrUnknownResponse, err)
	}
	expiry, err := claims.GetExpirationTime()
	if err != nil || expiry == nil {
		return 0, fmt.Errorf("%w: access token carries no expiry", ErrUnknownResponse)
	}
	lifetime := expiry.Sub(now)
	if lifetime <= 0 {
		return 0, fmt.Errorf("%w: access token already expired", ErrAuthentication)
	}
	return lifetime, nil
}

// headerTransport attaches the bearer token and API key to every request
// issued through a cached client.
type headerTransport struct {
	token  string
	apiKey string
	base   http.RoundTripper
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	cloned := req.Clone(req.Context())
	cloned.Header.Set("Authorization", "Bearer "+t.token)
	cloned.Header.Set("X-Api-Key", t.apiKey)
	return t.base.RoundTrip(cloned)
}
