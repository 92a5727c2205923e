// Package auth obtains machine-to-machine bearer tokens for calls to the
// booking service.
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
	"go.uber.org/zap"
)

// refreshMargin renews a token this long before it expires
const refreshMargin = 30 * time.Second

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

// TokenSource returns a bearer token, or "" when calls are unauthenticated
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// ClientCredentials performs the OAuth2 client credentials grant against an
// OpenID Connect token endpoint and caches the token until shortly before its
// exp claim.
type ClientCredentials struct {
	TokenURL     string
	ClientID     string
	ClientSecret string

	client *http.Client
	logger *zap.Logger
	now    func() time.Time

	mu     sync.Mutex
	token  string
	expiry time.Time
}

// NewClientCredentials builds a token source for a Keycloak style realm URL,
// e.g. http://auth:8080/realms/clinic
func NewClientCredentials(realmURL, clientID, clientSecret string, client *http.Client, logger *zap.Logger) *ClientCredentials {
	return &ClientCredentials{
		TokenURL:     strings.TrimSuffix(realmURL, "/") + "/protocol/openid-connect/token",
		ClientID:     clientID,
		ClientSecret: clientSecret,
		client:       client,
		logger:       logger,
		now:          time.Now,
	}
}

func (c *ClientCredentials) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && c.now().Before(c.expiry.Add(-refreshMargin)) {
		return c.token, nil
	}

	token, expiresIn, err := c.fetch(ctx)
	if err != nil {
		return "", err
	}
	c.token = token
	c.expiry = c.expiryOf(token, expiresIn)
	return token, nil
}

func (c *ClientCredentials) fetch(ctx context.Context) (string, int, error) {
	data := url.Values{}
	data.Set("grant_type", "client_credentials")
	data.Set("client_id", c.ClientID)
	data.Set("client_secret", c.ClientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.TokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return "", 0, err
	}
	req.Header.Add("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("token request failed: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.Warn("error closing token response body", zap.Error(cerr))
		}
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", 0, fmt.Errorf("failed to get token, status: %s, body: %s", resp.Status, string(body))
	}

	var tokenResp tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return "", 0, fmt.Errorf("error decoding token response: %w", err)
	}
	if tokenResp.AccessToken == "" {
		return "", 0, fmt.Errorf("token response carries no access token")
	}
	c.logger.Debug("obtained service token", zap.String("client_id", c.ClientID))
	return tokenResp.AccessToken, tokenResp.ExpiresIn, nil
}

// expiryOf prefers the token's own exp claim. The token is not verified here;
// the booking service verifies it.
func (c *ClientCredentials) expiryOf(token string, expiresIn int) time.Time {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err == nil {
		if exp, err := parsed.Claims.GetExpirationTime(); err == nil && exp != nil {
			return exp.Time
		}
	}
	if expiresIn > 0 {
		return c.now().Add(time.Duration(expiresIn) * time.Second)
	}
	return c.now()
}

// Static always returns the same token; an empty token disables auth
type Static string

func (s Static) Token(context.Context) (string, error) { return string(s), nil }
