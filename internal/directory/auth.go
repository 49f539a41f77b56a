package directory

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultLoginURL = "https://test.salesforce.com"

	// ExpiryMargin is how long before expiry a cached token is replaced.
	ExpiryMargin = 60 * time.Second

	defaultTokenLifetime = time.Hour
	tokenPath            = "/services/oauth2/token"
)

// Credentials configure the password grant.
type Credentials struct {
	ClientID      string
	ClientSecret  string
	Username      string
	Password      string
	SecurityToken string // appended to Password when set
	LoginURL      string
}

// Missing lists the required credential fields that are empty.
func (c Credentials) Missing() []string {
	var missing []string
	for _, f := range []struct{ name, value string }{
		{"clientId", c.ClientID},
		{"clientSecret", c.ClientSecret},
		{"username", c.Username},
		{"password", c.Password},
	} {
		if f.value == "" {
			missing = append(missing, f.name)
		}
	}
	return missing
}

func (c Credentials) loginURL() string {
	if c.LoginURL == "" {
		return DefaultLoginURL
	}
	return strings.TrimRight(c.LoginURL, "/")
}

func (c Credentials) password() string {
	return c.Password + c.SecurityToken
}

// Token is a cached access grant.
type Token struct {
	AccessToken string
	InstanceURL string
	ExpiresAt   time.Time
}

// AuthAttempt describes the last token request, with the client id masked.
type AuthAttempt struct {
	LoginURL string `json:"loginUrl"`
	ClientID string `json:"clientId"`
	Username string `json:"username,omitempty"`
}

type AuthStatus struct {
	Connected     bool         `json:"connected"`
	LastSuccessAt *time.Time   `json:"lastSuccessAt"`
	Error         string       `json:"error,omitempty"`
	LastAttempt   *AuthAttempt `json:"lastAttempt,omitempty"`
}

// AuthCache owns the access token for one set of credentials. Concurrent
// refreshes share a single in-flight token request.
type AuthCache struct {
	creds      Credentials
	httpClient *http.Client
	logger     *zap.Logger
	now        func() time.Time

	group singleflight.Group

	mu            sync.RWMutex
	token         *Token
	lastSuccessAt *time.Time
	lastError     string
	lastAttempt   *AuthAttempt
}

func NewAuthCache(creds Credentials, httpClient *http.Client, logger *zap.Logger) *AuthCache {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuthCache{creds: creds, httpClient: httpClient, logger: logger, now: time.Now}
}

// Configured reports whether all required credentials are present.
func (a *AuthCache) Configured() bool {
	return len(a.creds.Missing()) == 0
}

// Token returns the cached token, refreshing it when absent or within
// ExpiryMargin of expiry.
func (a *AuthCache) Token(ctx context.Context) (Token, error) {
	if err := a.checkCredentials(); err != nil {
		return Token{}, err
	}
	a.mu.RLock()
	tok := a.token
	a.mu.RUnlock()
	if tok != nil && a.now().Before(tok.ExpiresAt.Add(-ExpiryMargin)) {
		return *tok, nil
	}
	return a.Refresh(ctx)
}

// Refresh requests a new token. Callers arriving while a request is in
// flight wait for and share its result.
func (a *AuthCache) Refresh(ctx context.Context) (Token, error) {
	if err := a.checkCredentials(); err != nil {
		return Token{}, err
	}
	// The shared request must not die with whichever caller started it.
	reqCtx := context.WithoutCancel(ctx)
	ch := a.group.DoChan("token", func() (interface{}, error) {
		return a.requestToken(reqCtx)
	})
	select {
	case <-ctx.Done():
		return Token{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Token{}, res.Err
		}
		return res.Val.(Token), nil
	}
}

// Invalidate drops the cached token so the next Token call re-authenticates.
func (a *AuthCache) Invalidate() {
	a.mu.Lock()
	a.token = nil
	a.mu.Unlock()
}

func (a *AuthCache) Status() AuthStatus {
	a.mu.RLock()
	defer a.mu.RUnlock()
	st := AuthStatus{Connected: a.lastSuccessAt != nil, Error: a.lastError}
	if a.lastSuccessAt != nil {
		t := *a.lastSuccessAt
		st.LastSuccessAt = &t
	}
	if a.lastAttempt != nil {
		at := *a.lastAttempt
		st.LastAttempt = &at
	}
	return st
}

func (a *AuthCache) checkCredentials() error {
	missing := a.creds.Missing()
	if len(missing) == 0 {
		return nil
	}
	err := &AuthenticationError{Missing: missing}
	a.mu.Lock()
	a.lastError = err.Error()
	a.mu.Unlock()
	return err
}

func (a *AuthCache) requestToken(ctx context.Context) (Token, error) {
	loginURL := a.creds.loginURL()
	a.mu.Lock()
	a.lastAttempt = &AuthAttempt{LoginURL: loginURL, ClientID: mask(a.creds.ClientID), Username: a.creds.Username}
	a.mu.Unlock()

	conf := &oauth2.Config{
		ClientID:     a.creds.ClientID,
		ClientSecret: a.creds.ClientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  loginURL + tokenPath,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, a.httpClient)
	requested := a.now()
	raw, err := conf.PasswordCredentialsToken(ctx, a.creds.Username, a.creds.password())
	if err != nil {
		authErr := toAuthError(err)
		a.mu.Lock()
		a.lastError = authErr.Error()
		a.mu.Unlock()
		a.logger.Warn("access token request failed", zap.String("login_url", loginURL), zap.Error(authErr))
		return Token{}, authErr
	}

	instanceURL, _ := raw.Extra("instance_url").(string)
	if instanceURL == "" {
		authErr := &AuthenticationError{Err: errors.New("token response missing instance_url")}
		a.mu.Lock()
		a.lastError = authErr.Error()
		a.mu.Unlock()
		return Token{}, authErr
	}

	tok := Token{
		AccessToken: raw.AccessToken,
		InstanceURL: strings.TrimRight(instanceURL, "/"),
		ExpiresAt:   issuedAt(raw, requested).Add(lifetime(raw)),
	}

	now := a.now()
	a.mu.Lock()
	a.token = &tok
	a.lastSuccessAt = &now
	a.lastError = ""
	a.mu.Unlock()

	a.logger.Info("access token generated",
		zap.String("instance_url", tok.InstanceURL),
		zap.Time("expires_at", tok.ExpiresAt))
	return tok, nil
}

func toAuthError(err error) *AuthenticationError {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		return &AuthenticationError{Status: re.Response.StatusCode, Body: string(re.Body), Err: err}
	}
	return &AuthenticationError{Err: err}
}

// issuedAt reads the issued_at extra (epoch milliseconds as a string).
func issuedAt(raw *oauth2.Token, fallback time.Time) time.Time {
	switch v := raw.Extra("issued_at").(type) {
	case string:
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			return time.UnixMilli(ms)
		}
	case float64:
		return time.UnixMilli(int64(v))
	}
	return fallback
}

func lifetime(raw *oauth2.Token) time.Duration {
	switch v := raw.Extra("expires_in").(type) {
	case float64:
		if v > 0 {
			return time.Duration(v) * time.Second
		}
	case string:
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return time.Duration(n) * time.Second
		}
	}
	return defaultTokenLifetime
}

func mask(value string) string {
	if value == "" {
		return "<not-set>"
	}
	if len(value) <= 6 {
		return strings.Repeat("*", len(value))
	}
	return value[:3] + "***" + value[len(value)-3:]
}
