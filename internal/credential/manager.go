// Package credential owns per-user token state. Access tokens are handed out
// to callers; refresh tokens never leave this package once provisioned.
package credential

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"slated/internal/storage"
	"slated/internal/transport"
	logx "slated/pkg/logx"
)

// DefaultRefreshMargin is how long before expiry a refresh is triggered.
const DefaultRefreshMargin = 60 * time.Second

var (
	// ErrExpired means the refresh token itself was rejected. This is never
	// retried automatically; the user has to re-authenticate.
	ErrExpired = errors.New("credential expired: re-authentication required")

	// ErrNotFound means the user was never provisioned.
	ErrNotFound = errors.New("no credential for user")
)

type Manager struct {
	store  storage.Store
	source transport.TokenSource
	log    logx.Logger
	margin time.Duration

	// now is swappable in tests.
	now func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewManager(store storage.Store, source transport.TokenSource, margin time.Duration, log logx.Logger) *Manager {
	if margin <= 0 {
		margin = DefaultRefreshMargin
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager{
		store:  store,
		source: source,
		log:    log,
		margin: margin,
		now:    time.Now,
		locks:  map[string]*sync.Mutex{},
	}
}

// Provision stores an initial credential for a user (post auth handshake).
func (m *Manager) Provision(ctx context.Context, userID, accessToken string, expiresAt time.Time, refreshToken string) error {
	return m.store.PutCredential(ctx, storage.Credential{
		UserID:          userID,
		AccessToken:     accessToken,
		AccessExpiresAt: expiresAt,
		RefreshToken:    refreshToken,
	})
}

// Token returns an access token valid for at least the refresh margin.
// Expired (or soon-expiring) tokens are refreshed first; refreshes for the
// same user are serialized so concurrent callers trigger exactly one exchange.
func (m *Manager) Token(ctx context.Context, userID string) (string, error) {
	c, ok, err := m.store.GetCredential(ctx, userID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, userID)
	}
	if m.fresh(c) {
		return c.AccessToken, nil
	}

	lock := m.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	// Re-read under the lock: a concurrent caller may have refreshed while
	// we were waiting.
	c, ok, err = m.store.GetCredential(ctx, userID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, userID)
	}
	if m.fresh(c) {
		return c.AccessToken, nil
	}

	return m.refresh(ctx, c)
}

func (m *Manager) fresh(c storage.Credential) bool {
	return c.AccessExpiresAt.After(m.now().Add(m.margin))
}

func (m *Manager) refresh(ctx context.Context, c storage.Credential) (string, error) {
	refreshed, err := m.source.Refresh(ctx, c.UserID, c.RefreshToken)
	if err != nil {
		if errors.Is(err, transport.ErrUnauthorized) {
			m.log.Warn("refresh token rejected", logx.String("user", c.UserID))
			return "", fmt.Errorf("%w: %v", ErrExpired, err)
		}
		return "", fmt.Errorf("token refresh for %s: %w", c.UserID, err)
	}

	next := storage.Credential{
		UserID:          c.UserID,
		AccessToken:     refreshed.AccessToken,
		AccessExpiresAt: refreshed.ExpiresAt,
		RefreshToken:    c.RefreshToken,
	}
	if refreshed.RefreshToken != "" {
		next.RefreshToken = refreshed.RefreshToken
	}

	err = m.store.SwapCredential(ctx, next, c.Version)
	if errors.Is(err, storage.ErrVersionConflict) {
		// Another process committed a refresh first; use its result.
		cur, ok, gerr := m.store.GetCredential(ctx, c.UserID)
		if gerr != nil {
			return "", gerr
		}
		if ok && m.fresh(cur) {
			return cur.AccessToken, nil
		}
		return "", err
	}
	if err != nil {
		return "", err
	}

	m.log.Debug("access token refreshed",
		logx.String("user", c.UserID), logx.Time("expires_at", refreshed.ExpiresAt))
	return refreshed.AccessToken, nil
}

func (m *Manager) userLock(userID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := m.locks[userID]
	if l == nil {
		l = &sync.Mutex{}
		m.locks[userID] = l
	}
	return l
}
