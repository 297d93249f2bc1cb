package testserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/cookiejar"
)

// AuthAPI calls the /auth endpoints. It uses its own cookie-carrying client,
// never the session client, so a failing refresh cannot be buffered behind
// itself.
type AuthAPI struct {
	baseURL string
	client  *http.Client
	csrf    string
}

// NewAuthAPI creates an AuthAPI for the server at baseURL. base may be nil.
func NewAuthAPI(baseURL string, base http.RoundTripper) *AuthAPI {
	jar, _ := cookiejar.New(nil)
	return &AuthAPI{
		baseURL: baseURL,
		client:  &http.Client{Transport: base, Jar: jar},
	}
}

// Login exchanges a username and password for an access token and keeps the
// session cookie and CSRF token for later refreshes.
func (a *AuthAPI) Login(ctx context.Context, username, password string) (*TokenResponse, error) {
	body, err := json.Marshal(loginRequest{Username: username, Password: password})
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	tok, err := a.post(ctx, "/auth/login", body)
	if err != nil {
		return nil, err
	}
	a.csrf = tok.CSRFToken
	return tok, nil
}

// CSRFToken returns the token received at login.
func (a *AuthAPI) CSRFToken() string {
	return a.csrf
}

// Refresh returns a new access token for the logged in session. Its
// signature matches authsession.RefreshFunc.
func (a *AuthAPI) Refresh(ctx context.Context) (string, error) {
	tok, err := a.post(ctx, "/auth/refresh", nil)
	if err != nil {
		return "", err
	}
	return tok.AccessToken, nil
}

func (a *AuthAPI) post(ctx context.Context, path string, body []byte) (*TokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if a.csrf != "" {
		req.Header.Set("X-CSRF-Token", a.csrf)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s failed: HTTP %d", path, resp.StatusCode)
	}

	var tok TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return nil, fmt.Errorf("invalid response from server: %w", err)
	}
	return &tok, nil
}
