package auth

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"
)

// Refresher exchanges an expired token for a new one.
type Refresher interface {
	Refresh(ctx context.Context, token string) (string, error)
}

// Manager hands out the current token and refreshes it once expired.
type Manager struct {
	store     *Store
	refresher Refresher
	logger    *log.Logger
	now       func() time.Time

	refreshMu sync.Mutex
}

// NewManager wraps store. A nil refresher disables refreshing; expired tokens
// are then still returned and the server decides.
func NewManager(store *Store, refresher Refresher, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Manager{store: store, refresher: refresher, logger: logger, now: time.Now}
}

// Present reports whether a credential is stored, expired or not.
func (m *Manager) Present() bool {
	return m.store.Present()
}

// Token returns a usable bearer token or ErrUnauthenticated.
func (m *Manager) Token(ctx context.Context) (string, error) {
	token, ok := m.store.Token()
	if !ok {
		return "", ErrUnauthenticated
	}
	if m.refresher == nil {
		return token, nil
	}
	claims, err := ParseClaims(token)
	if err != nil || !claims.Expired(m.now()) {
		return token, nil
	}

	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()

	// another caller may have refreshed while we waited
	if current, ok := m.store.Token(); ok && current != token {
		return current, nil
	}

	fresh, err := m.refresher.Refresh(ctx, token)
	if err != nil {
		m.logger.WithError(err).Warn("token refresh failed; clearing credential")
		m.store.Clear()
		return "", fmt.Errorf("%w: refresh: %v", ErrUnauthenticated, err)
	}
	m.store.Set(fresh)
	m.logger.Debug("access token refreshed")
	return fresh, nil
}

// HTTPRefresher calls POST {BaseURL}/auth/refresh.
type HTTPRefresher struct {
	BaseURL string
	HTTP    *http.Client
}

type refreshResponse struct {
	AccessToken string `json:"accessToken"`
}

func (r *HTTPRefresher) Refresh(ctx context.Context, token string) (string, error) {
	client := r.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(r.BaseURL, "/")+"/auth/refresh", bytes.NewReader([]byte("{}")))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", BearerHeader(token))
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("refresh: unexpected status %d", resp.StatusCode)
	}
	var out refreshResponse
	if err := sonic.ConfigStd.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("refresh: decode: %w", err)
	}
	if out.AccessToken == "" {
		return "", fmt.Errorf("refresh: empty access token")
	}
	return out.AccessToken, nil
}
