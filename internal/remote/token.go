package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/urbanforestry/treesync/internal/config"
	"github.com/urbanforestry/treesync/internal/logging"
)

// defaultTokenEndpoint is the client-credentials token endpoint template.
const defaultTokenEndpoint = "https://login.microsoftonline.com/%s/oauth2/v2.0/token"

// tokenResponse is the identity provider's token payload.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
	Scope       string `json:"scope"`
}

// TokenSource caches a bearer token acquired through the client-credentials
// OAuth2 flow. A fresh token is requested only once the cached one is
// within the configured margin of expiry. Refreshes are serialized under a
// mutex, so concurrent callers never trigger redundant fetches.
type TokenSource struct {
	cfg        config.DynamicsConfig
	httpClient *http.Client

	// Endpoint overrides the default token endpoint (used in tests).
	Endpoint string

	mu          sync.Mutex
	accessToken string
	expiresAt   time.Time
}

// NewTokenSource creates a TokenSource.
func NewTokenSource(cfg config.DynamicsConfig, httpClient *http.Client) *TokenSource {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.TokenMargin <= 0 {
		cfg.TokenMargin = 5 * time.Minute
	}
	return &TokenSource{cfg: cfg, httpClient: httpClient}
}

// Token returns a valid bearer token, refreshing if necessary.
func (t *TokenSource) Token(ctx context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.accessToken != "" && time.Now().Before(t.expiresAt) {
		return t.accessToken, nil
	}

	endpoint := t.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf(defaultTokenEndpoint, t.cfg.TenantID)
	}

	form := url.Values{
		"client_id":     {t.cfg.ClientID},
		"client_secret": {t.cfg.ClientSecret},
		"scope":         {t.cfg.Scope},
		"grant_type":    {"client_credentials"},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return "", (&RemoteError{Entity: "token", Op: "acquire", Err: err}).AsAppError()
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", (&RemoteError{
			Entity:     "token",
			Op:         "acquire",
			StatusCode: resp.StatusCode,
			Body:       string(body),
		}).AsAppError()
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", (&RemoteError{Entity: "token", Op: "decode", Err: err}).AsAppError()
	}

	t.accessToken = tr.AccessToken
	// Treat the token as expired a margin early to avoid using one that
	// dies mid-request.
	t.expiresAt = time.Now().Add(time.Duration(tr.ExpiresIn)*time.Second - t.cfg.TokenMargin)

	logging.Debug("Acquired access token",
		map[string]interface{}{"expires_in": tr.ExpiresIn})

	return t.accessToken, nil
}

// Invalidate drops the cached token, forcing a refresh on next use.
func (t *TokenSource) Invalidate() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.accessToken = ""
	t.expiresAt = time.Time{}
}
