// Package credentials keeps a GitHub App installation token fresh. The token
// lives in the orchestrator state so it survives restarts; the manager only
// decides when to mint a new one.
package credentials

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/hochfrequenz/task-orchestrator/internal/domain"
	"github.com/hochfrequenz/task-orchestrator/internal/metrics"
)

const (
	// DefaultAPIURL is the public GitHub REST endpoint
	DefaultAPIURL = "https://api.github.com"
	// SafetyMargin is how long before expiry a token is considered stale
	SafetyMargin = 5 * time.Minute
	// DefaultCheckInterval is the refresh loop period
	DefaultCheckInterval = time.Minute

	requestTimeout = 10 * time.Second
	jwtBackdate    = 60 * time.Second
	jwtLifetime    = 9 * time.Minute
)

// ErrNotConfigured is returned when no GitHub App is configured. It never
// degrades the orchestrator.
var ErrNotConfigured = errors.New("github app not configured")

// TokenStore persists the current token
type TokenStore interface {
	GitHubToken() *domain.GitHubToken
	SetGitHubToken(ctx context.Context, tok *domain.GitHubToken) error
}

// Config identifies the GitHub App installation
type Config struct {
	AppID          string
	InstallationID string
	PrivateKeyPath string
	APIURL         string
}

// Configured reports whether enough is set to mint tokens
func (c Config) Configured() bool {
	return c.AppID != "" && c.InstallationID != "" && c.PrivateKeyPath != ""
}

// Manager mints and caches installation tokens
type Manager struct {
	cfg    Config
	key    *rsa.PrivateKey
	store  TokenStore
	client *http.Client
	logger *zap.Logger
	now    func() time.Time

	// onDegraded is told whether the last refresh failed
	onDegraded func(bool)

	mu sync.Mutex // serializes refreshes
}

// NewManager creates a Manager. An unconfigured app is not an error: Token
// then returns ErrNotConfigured. A configured app with an unreadable key is.
func NewManager(cfg Config, store TokenStore, onDegraded func(bool), logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultAPIURL
	}
	cfg.APIURL = strings.TrimSuffix(cfg.APIURL, "/")
	if onDegraded == nil {
		onDegraded = func(bool) {}
	}

	m := &Manager{
		cfg:        cfg,
		store:      store,
		client:     &http.Client{Timeout: requestTimeout},
		logger:     logger.Named("credentials"),
		now:        time.Now,
		onDegraded: onDegraded,
	}
	if !cfg.Configured() {
		return m, nil
	}

	pem, err := os.ReadFile(cfg.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("reading github app private key: %w", err)
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(pem)
	if err != nil {
		return nil, fmt.Errorf("parsing github app private key: %w", err)
	}
	m.key = key
	return m, nil
}

// Configured reports whether the manager can mint tokens
func (m *Manager) Configured() bool {
	return m.key != nil
}

// Token returns a token valid for at least SafetyMargin, refreshing if needed
func (m *Manager) Token(ctx context.Context) (string, error) {
	if !m.Configured() {
		return "", ErrNotConfigured
	}
	if tok := m.store.GitHubToken(); tok.ValidFor(m.now(), SafetyMargin) {
		return tok.Token, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Another caller may have refreshed while we waited
	if tok := m.store.GitHubToken(); tok.ValidFor(m.now(), SafetyMargin) {
		return tok.Token, nil
	}

	tok, err := m.refresh(ctx)
	if err != nil {
		metrics.CredentialRefreshes.WithLabelValues("error").Inc()
		m.logger.Error("github token refresh failed", zap.Error(err))
		m.onDegraded(true)
		return "", err
	}
	if err := m.store.SetGitHubToken(ctx, tok); err != nil {
		// The token is still good for this caller even if it could not be saved
		m.logger.Warn("could not persist github token", zap.Error(err))
	}
	metrics.CredentialRefreshes.WithLabelValues("ok").Inc()
	m.logger.Info("github token refreshed", zap.Time("expires_at", tok.ExpiresAt))
	m.onDegraded(false)
	return tok.Token, nil
}

// appJWT signs the short-lived app assertion GitHub exchanges for a token
func (m *Manager) appJWT() (string, error) {
	now := m.now()
	claims := jwt.RegisteredClaims{
		Issuer:    m.cfg.AppID,
		IssuedAt:  jwt.NewNumericDate(now.Add(-jwtBackdate)),
		ExpiresAt: jwt.NewNumericDate(now.Add(jwtLifetime)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(m.key)
}

type accessTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (m *Manager) refresh(ctx context.Context) (*domain.GitHubToken, error) {
	assertion, err := m.appJWT()
	if err != nil {
		return nil, fmt.Errorf("signing app jwt: %w", err)
	}

	url := fmt.Sprintf("%s/app/installations/%s/access_tokens", m.cfg.APIURL, m.cfg.InstallationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+assertion)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting installation token: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("github returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out accessTokenResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decoding installation token: %w", err)
	}
	if out.Token == "" {
		return nil, errors.New("github returned an empty token")
	}
	return &domain.GitHubToken{Token: out.Token, ExpiresAt: out.ExpiresAt.UTC()}, nil
}

// Run checks the token every interval until ctx is done. It returns at once
// when no app is configured.
func (m *Manager) Run(ctx context.Context, interval time.Duration) error {
	if !m.Configured() {
		m.logger.Info("github app not configured, token refresh disabled")
		return nil
	}
	if interval <= 0 {
		interval = DefaultCheckInterval
	}

	m.Token(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Token(ctx)
		}
	}
}
