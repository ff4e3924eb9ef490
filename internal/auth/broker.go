package auth

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

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"

	"ocrgateway/internal/credentials"
	"ocrgateway/internal/utils"
)

const (
	jwtBearerGrant    = "urn:ietf:params:oauth:grant-type:jwt-bearer"
	assertionLifetime = time.Hour

	// expiryMargin is how long before the provider-reported expiry a cached
	// token stops being handed out, so in-flight requests never carry a
	// token that dies mid-call.
	expiryMargin = 5 * time.Minute
)

// AuthError reports a rejected token exchange, preserving whatever detail
// the authorization endpoint returned.
type AuthError struct {
	StatusCode int
	Detail     string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("token exchange failed (status %d): %s", e.StatusCode, e.Detail)
}

type cachedToken struct {
	value  string
	expiry time.Time
}

// Broker exchanges signed service-account assertions for bearer tokens and
// caches them per identity until shortly before they expire. Concurrent
// requests for the same identity share a single exchange.
type Broker struct {
	scope      string
	httpClient *http.Client
	logger     *utils.Logger

	// onFirstToken runs once, after the first successful exchange. The
	// credential source hooks its ephemeral-file cleanup here: once a token
	// has been minted the on-disk key copies are no longer needed.
	onFirstToken func()
	firstToken   sync.Once

	mu     sync.Mutex
	cache  map[string]cachedToken
	flight singleflight.Group

	now func() time.Time
}

func NewBroker(scope string, timeout time.Duration, onFirstToken func(), logger *utils.Logger) *Broker {
	return &Broker{
		scope:        scope,
		httpClient:   &http.Client{Timeout: timeout},
		logger:       logger.Named("auth"),
		onFirstToken: onFirstToken,
		cache:        make(map[string]cachedToken),
		now:          time.Now,
	}
}

// Token returns a bearer token for the identity, reusing the cached one
// while it still has at least the safety margin of lifetime left.
func (b *Broker) Token(ctx context.Context, id *credentials.Identity) (string, error) {
	b.mu.Lock()
	cached, ok := b.cache[id.ClientEmail]
	b.mu.Unlock()
	if ok && b.now().Before(cached.expiry) {
		return cached.value, nil
	}

	value, err, _ := b.flight.Do(id.ClientEmail, func() (interface{}, error) {
		return b.exchange(ctx, id)
	})
	if err != nil {
		return "", err
	}
	return value.(string), nil
}

func (b *Broker) exchange(ctx context.Context, id *credentials.Identity) (string, error) {
	assertion, err := b.signAssertion(id)
	if err != nil {
		return "", fmt.Errorf("sign assertion for %s: %w", id.ClientEmail, err)
	}

	form := url.Values{}
	form.Set("grant_type", jwtBearerGrant)
	form.Set("assertion", assertion)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, id.TokenURI, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read token response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", &AuthError{StatusCode: resp.StatusCode, Detail: errorDetail(body)}
	}

	var payload struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
		TokenType   string `json:"token_type"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || payload.AccessToken == "" {
		return "", &AuthError{StatusCode: resp.StatusCode, Detail: "malformed token response"}
	}

	ttl := time.Duration(payload.ExpiresIn)*time.Second - expiryMargin
	if ttl < 0 {
		ttl = 0
	}

	b.mu.Lock()
	b.cache[id.ClientEmail] = cachedToken{value: payload.AccessToken, expiry: b.now().Add(ttl)}
	b.mu.Unlock()

	if b.onFirstToken != nil {
		b.firstToken.Do(b.onFirstToken)
	}

	b.logger.Info("minted access token",
		"identity", id.ClientEmail,
		"expiresIn", payload.ExpiresIn)
	return payload.AccessToken, nil
}

// signAssertion builds the RS256-signed JWT the jwt-bearer grant expects.
func (b *Broker) signAssertion(id *credentials.Identity) (string, error) {
	now := b.now()
	claims := jwt.MapClaims{
		"iss":   id.ClientEmail,
		"scope": b.scope,
		"aud":   id.TokenURI,
		"iat":   now.Unix(),
		"exp":   now.Add(assertionLifetime).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if id.PrivateKeyID != "" {
		token.Header["kid"] = id.PrivateKeyID
	}
	return token.SignedString(id.PrivateKey)
}

// errorDetail extracts the OAuth error fields when present, otherwise the
// raw body.
func errorDetail(body []byte) string {
	var payload struct {
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
	}
	if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
		if payload.ErrorDescription != "" {
			return payload.Error + ": " + payload.ErrorDescription
		}
		return payload.Error
	}
	return strings.TrimSpace(string(body))
}
