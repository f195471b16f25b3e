// Package oauth implements the upstream provider's OAuth flow: token
// refresh, user-info lookup for the account's API key, and expiry
// checks. The gateway never initiates the interactive authorization
// flow itself; it only keeps credentials obtained elsewhere alive.
package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	clientID     = "10009311001"
	clientSecret = "4Z3YjXycVsQvyGF1etiNlIBB4RsqSDtW"

	defaultTokenURL    = "https://iflow.cn/oauth/token"
	defaultUserInfoURL = "https://iflow.cn/api/oauth/getUserInfo"
)

// Token is the result of a refresh exchange.
type Token struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// UserInfo is the subset of the provider's user record the gateway
// needs: the API key used for actual inference calls.
type UserInfo struct {
	APIKey string
	Phone  string
}

// Client refreshes OAuth credentials and resolves user info. Implemented
// by the HTTP client below; faked in tests.
type Client interface {
	Refresh(ctx context.Context, refreshToken string) (*Token, error)
	GetUserInfo(ctx context.Context, accessToken string) (*UserInfo, error)
}

// HTTPClient talks to the real provider endpoints.
type HTTPClient struct {
	tokenURL    string
	userInfoURL string
	http        *http.Client
}

// NewClient returns a client against the provider's production
// endpoints.
func NewClient() *HTTPClient {
	return &HTTPClient{
		tokenURL:    defaultTokenURL,
		userInfoURL: defaultUserInfoURL,
		http: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// NewClientForEndpoints returns a client against custom endpoints, for
// tests.
func NewClientForEndpoints(tokenURL, userInfoURL string) *HTTPClient {
	c := NewClient()
	c.tokenURL = tokenURL
	c.userInfoURL = userInfoURL
	return c
}

// Refresh exchanges a refresh token for a fresh access token.
func (c *HTTPClient) Refresh(ctx context.Context, refreshToken string) (*Token, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {clientID},
		"client_secret": {clientSecret},
		"refresh_token": {refreshToken},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(clientID, clientSecret)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token refresh request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read token response: %w", err)
	}

	if resp.StatusCode == http.StatusBadRequest {
		var errDoc struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &errDoc) == nil && strings.Contains(errDoc.Error, "invalid_grant") {
			return nil, fmt.Errorf("refresh token invalid or expired")
		}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token refresh failed with status %d", resp.StatusCode)
	}

	var doc struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("parse token response: %w", err)
	}
	if doc.AccessToken == "" {
		return nil, fmt.Errorf("token response missing access_token")
	}

	token := &Token{
		AccessToken:  doc.AccessToken,
		RefreshToken: doc.RefreshToken,
	}
	if token.RefreshToken == "" {
		// Providers may omit the rotated refresh token; the old one
		// stays valid in that case.
		token.RefreshToken = refreshToken
	}
	if doc.ExpiresIn > 0 {
		token.ExpiresAt = time.Now().Add(time.Duration(doc.ExpiresIn) * time.Second)
	}
	return token, nil
}

// GetUserInfo resolves the account's API key from an access token.
func (c *HTTPClient) GetUserInfo(ctx context.Context, accessToken string) (*UserInfo, error) {
	u := c.userInfoURL + "?accessToken=" + url.QueryEscape(accessToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("user info request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, fmt.Errorf("access token invalid or expired")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("user info failed with status %d", resp.StatusCode)
	}

	var doc struct {
		Success bool `json:"success"`
		Data    struct {
			APIKey       string `json:"apiKey"`
			SearchAPIKey string `json:"searchApiKey"`
			Phone        string `json:"phone"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse user info response: %w", err)
	}
	if !doc.Success {
		return nil, fmt.Errorf("user info lookup unsuccessful")
	}

	key := doc.Data.APIKey
	if key == "" {
		key = doc.Data.SearchAPIKey
	}
	if key == "" {
		return nil, fmt.Errorf("user info missing apiKey")
	}
	return &UserInfo{APIKey: key, Phone: doc.Data.Phone}, nil
}

// IsTokenExpired reports whether the token is expired or will expire
// within the buffer. A nil expiry means the expiry is unknown and the
// token is treated as still valid.
func IsTokenExpired(expiresAt *time.Time, buffer time.Duration) bool {
	if expiresAt == nil {
		return false
	}
	return !time.Now().Before(expiresAt.Add(-buffer))
}
