package auth

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/hearthlink/hearthlink/pkg/config"
	apperrors "github.com/hearthlink/hearthlink/pkg/errors"
	"github.com/hearthlink/hearthlink/pkg/log"
	"github.com/hearthlink/hearthlink/pkg/metrics"
	"github.com/hearthlink/hearthlink/pkg/storage"
	"github.com/hearthlink/hearthlink/pkg/types"
)

const (
	// safetyMargin is how long before expiry a stage is treated as stale
	// and renewed proactively.
	safetyMargin = 5 * time.Minute

	defaultRetryAttempts = 3
	defaultRetryBase     = 500 * time.Millisecond
)

// Manager owns the four-stage credential chain and its expiry clocks. Each
// stage is renewed on demand, recursively ensuring upstream stages first,
// with at most one renewal in flight per stage.
type Manager struct {
	cfg    *config.Config
	store  storage.Store
	httpc  *http.Client
	logger zerolog.Logger

	now             func() time.Time
	retryAttempts   int
	retryBase       time.Duration
	identityPoolURL string

	// mu guards the credential chain fields only
	mu        sync.RWMutex
	refresh   *types.RefreshCredential
	bearer    types.BearerToken
	federated types.FederatedToken
	session   types.SessionCredentials

	sf singleflight.Group
}

// Option configures a Manager.
type Option func(*Manager)

// WithHTTPClient overrides the HTTP client used for renewal calls.
func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) { m.httpc = c }
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithRetry overrides the transient-failure retry policy.
func WithRetry(attempts int, base time.Duration) Option {
	return func(m *Manager) {
		m.retryAttempts = attempts
		m.retryBase = base
	}
}

// WithIdentityPoolURL overrides the identity-pool endpoint (tests).
func WithIdentityPoolURL(u string) Option {
	return func(m *Manager) { m.identityPoolURL = u }
}

// NewManager creates a credential lifecycle manager and loads any persisted
// refresh credential from the store.
func NewManager(cfg *config.Config, store storage.Store, opts ...Option) (*Manager, error) {
	m := &Manager{
		cfg:             cfg,
		store:           store,
		httpc:           &http.Client{Timeout: cfg.HTTPTimeout},
		logger:          log.WithComponent("auth"),
		now:             time.Now,
		retryAttempts:   defaultRetryAttempts,
		retryBase:       defaultRetryBase,
		identityPoolURL: cfg.IdentityPoolURL(),
	}
	for _, opt := range opts {
		opt(m)
	}

	cred, err := store.LoadRefreshCredential()
	if err != nil {
		return nil, err
	}
	m.refresh = cred

	return m, nil
}

// HasRefreshCredential reports whether a bootstrap has happened.
func (m *Manager) HasRefreshCredential() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.refresh != nil
}

// Bearer returns a currently-valid stage-2 token, renewing as needed.
func (m *Manager) Bearer(ctx context.Context) (types.BearerToken, error) {
	if err := m.ensure(ctx, types.StageBearer); err != nil {
		return types.BearerToken{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.bearer, nil
}

// Federated returns a currently-valid stage-3 token, renewing as needed.
func (m *Manager) Federated(ctx context.Context) (types.FederatedToken, error) {
	if err := m.ensure(ctx, types.StageFederated); err != nil {
		return types.FederatedToken{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.federated, nil
}

// SessionCreds returns currently-valid stage-4 signing credentials, renewing
// the whole upstream chain as needed.
func (m *Manager) SessionCreds(ctx context.Context) (types.SessionCredentials, error) {
	if err := m.ensure(ctx, types.StageSession); err != nil {
		return types.SessionCredentials{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.session, nil
}

// IdentityID returns the Identity Reference, ensuring stage 3 is valid.
func (m *Manager) IdentityID(ctx context.Context) (string, error) {
	tok, err := m.Federated(ctx)
	if err != nil {
		return "", err
	}
	return tok.IdentityID, nil
}

// ClientID returns the streaming client identifier derived from the
// Identity Reference.
func (m *Manager) ClientID(ctx context.Context) (string, error) {
	id, err := m.IdentityID(ctx)
	if err != nil {
		return "", err
	}
	return id + "_" + m.cfg.ClientSuffix, nil
}

// Expire marks a stage stale so the next acquire re-derives it. The session
// manager calls this after a connect rejection to rule out revoked signing
// material.
func (m *Manager) Expire(stage types.Stage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch stage {
	case types.StageBearer:
		m.bearer = types.BearerToken{}
	case types.StageFederated:
		m.federated = types.FederatedToken{}
	case types.StageSession:
		m.session = types.SessionCredentials{}
	}
}

// ensure makes the given stage valid, renewing it (and upstream stages) if
// needed. Concurrent callers for the same stage share one renewal call.
func (m *Manager) ensure(ctx context.Context, stage types.Stage) error {
	if m.valid(stage) {
		return nil
	}

	ch := m.sf.DoChan(stage.String(), func() (any, error) {
		// Re-check after winning the flight: an earlier caller may have
		// renewed while we queued.
		if m.valid(stage) {
			return nil, nil
		}
		return nil, m.renew(ctx, stage)
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) valid(stage types.Stage) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := m.now()
	switch stage {
	case types.StageRefresh:
		return m.refresh != nil
	case types.StageBearer:
		return m.bearer.ValidAt(now, safetyMargin)
	case types.StageFederated:
		return m.federated.ValidAt(now, safetyMargin)
	case types.StageSession:
		return m.session.ValidAt(now, safetyMargin)
	}
	return false
}

// renew performs the renewal for one stage. Upstream stages are ensured
// first; renewal never skips a stage.
func (m *Manager) renew(ctx context.Context, stage types.Stage) error {
	var err error
	switch stage {
	case types.StageBearer:
		err = m.renewBearer(ctx)
	case types.StageFederated:
		if err = m.ensure(ctx, types.StageBearer); err == nil {
			err = m.renewFederated(ctx)
		}
	case types.StageSession:
		if err = m.ensure(ctx, types.StageFederated); err == nil {
			err = m.renewSession(ctx)
		}
	default:
		err = apperrors.Newf(apperrors.CodeInternal, "stage %s cannot be renewed", stage)
	}

	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.CredentialRenewals.WithLabelValues(stage.String(), outcome).Inc()
	return err
}

// withRetry runs op with bounded exponential backoff on transient failures.
// Terminal failures are surfaced immediately; exhaustion is reported as
// CredentialUnavailable.
func (m *Manager) withRetry(ctx context.Context, stage types.Stage, op func() error) error {
	delay := m.retryBase
	var lastErr error
	for attempt := 0; attempt < m.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
			delay *= 2
		}

		err := op()
		if err == nil {
			return nil
		}
		if apperrors.Terminal(err) {
			return err
		}
		lastErr = err
		m.logger.Warn().
			Err(err).
			Str("stage", stage.String()).
			Int("attempt", attempt+1).
			Msg("credential renewal attempt failed")
	}
	return apperrors.Wrap(lastErr, apperrors.CodeCredentialUnavailable,
		"renewal retries exhausted for stage "+stage.String())
}
