package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hearthlink/hearthlink/pkg/config"
	apperrors "github.com/hearthlink/hearthlink/pkg/errors"
	"github.com/hearthlink/hearthlink/pkg/types"
)

// X-Amz-Target for the identity-pool credential exchange.
const identityPoolTarget = "AWSCognitoIdentityService.GetCredentialsForIdentity"

// federationProvider is the login-map key paired with the federated token.
const federationProvider = "cognito-identity.amazonaws.com"

type tokenResponse struct {
	AccessToken  string  `json:"access_token"`
	RefreshToken string  `json:"refresh_token"`
	ExpiresIn    float64 `json:"expires_in"`
}

// Login performs the one-time password bootstrap. On success the bearer
// token is installed and the new refresh credential is persisted before the
// manager proceeds, so a crash cannot strand the account mid-bootstrap.
func (m *Manager) Login(ctx context.Context, username, password string) error {
	creds := m.cfg.BrandCreds()
	form := url.Values{
		"grant_type": {"password"},
		"username":   {username},
		"password":   {password},
		"client_id":  {creds.ClientID},
	}
	form.Set("client_secret", creds.ClientSecret)

	return m.withRetry(ctx, types.StageBearer, func() error {
		tok, err := m.oauthToken(ctx, form)
		if err != nil {
			if isAuthStatus(err) {
				return apperrors.Wrap(err, apperrors.CodeReauthenticationRequired,
					"password authentication rejected")
			}
			return err
		}
		return m.installTokens(tok)
	})
}

// renewBearer mints a stage-2 token from the refresh credential. The refresh
// flow is always used once a refresh credential exists; it preserves the
// long-lived credential and avoids the provider's failed-attempt lockout
// counter on the password form.
func (m *Manager) renewBearer(ctx context.Context) error {
	m.mu.RLock()
	refresh := m.refresh
	m.mu.RUnlock()

	if refresh == nil {
		return apperrors.New(apperrors.CodeReauthenticationRequired,
			"no refresh credential; run login first")
	}

	creds := m.cfg.BrandCreds()
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refresh.Token},
		"client_id":     {creds.ClientID},
		"client_secret": {creds.ClientSecret},
	}

	return m.withRetry(ctx, types.StageBearer, func() error {
		tok, err := m.oauthToken(ctx, form)
		if err != nil {
			if isAuthStatus(err) {
				// The refresh credential itself was rejected. Terminal: no
				// automatic recovery, the user must re-authenticate.
				return apperrors.Wrap(err, apperrors.CodeReauthenticationRequired,
					"refresh credential rejected")
			}
			return err
		}
		return m.installTokens(tok)
	})
}

// installTokens stores a fresh bearer token and persists the rotated refresh
// credential.
func (m *Manager) installTokens(tok *tokenResponse) error {
	now := m.now()
	expiresIn := tok.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = 3600
	}

	rotated := &types.RefreshCredential{Token: tok.RefreshToken, IssuedAt: now}
	if err := m.store.SaveRefreshCredential(rotated); err != nil {
		return fmt.Errorf("failed to persist refresh credential: %w", err)
	}

	m.mu.Lock()
	m.refresh = rotated
	m.bearer = types.BearerToken{
		AccessToken: tok.AccessToken,
		IssuedAt:    now,
		ExpiresAt:   now.Add(time.Duration(expiresIn) * time.Second),
	}
	m.mu.Unlock()

	m.logger.Debug().Float64("expires_in", expiresIn).Msg("bearer token renewed")
	return nil
}

func (m *Manager) oauthToken(ctx context.Context, form url.Values) (*tokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.AuthURL(),
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	applyAppHeaders(req)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var tok tokenResponse
	if err := m.doJSON(req, &tok); err != nil {
		return nil, err
	}
	if tok.AccessToken == "" || tok.RefreshToken == "" {
		return nil, fmt.Errorf("token endpoint returned incomplete grant")
	}
	return &tok, nil
}

// renewFederated exchanges the bearer token for a federated identity token
// and the account's Identity Reference.
func (m *Manager) renewFederated(ctx context.Context) error {
	return m.withRetry(ctx, types.StageFederated, func() error {
		m.mu.RLock()
		bearer := m.bearer
		m.mu.RUnlock()

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.cfg.FederationURL(), nil)
		if err != nil {
			return err
		}
		applyAppHeaders(req)
		req.Header.Set("Authorization", "Bearer "+bearer.AccessToken)

		var out struct {
			IdentityID string `json:"identityId"`
			Token      string `json:"token"`
		}
		if err := m.doJSON(req, &out); err != nil {
			if isAuthStatus(err) {
				// Bearer rejected upstream: drop it so the retry re-renews
				// stage 2 before trying again.
				m.Expire(types.StageBearer)
				if err2 := m.ensure(ctx, types.StageBearer); err2 != nil {
					return err2
				}
			}
			return err
		}
		if out.IdentityID == "" || out.Token == "" {
			return fmt.Errorf("federation endpoint returned incomplete identity")
		}

		now := m.now()
		m.mu.Lock()
		m.federated = types.FederatedToken{
			IdentityID: out.IdentityID,
			Token:      out.Token,
			IssuedAt:   now,
			ExpiresAt:  federatedExpiry(out.Token, now, bearer.ExpiresAt),
		}
		m.mu.Unlock()

		m.logger.Debug().Msg("federated identity token renewed")
		return nil
	})
}

// federatedExpiry reads the exp claim from the federated JWT. Tokens without
// a readable exp are assumed to live as long as the bearer that minted them.
func federatedExpiry(token string, now, bearerExpiry time.Time) time.Time {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err == nil {
		if claims.ExpiresAt != nil && claims.ExpiresAt.After(now) {
			return claims.ExpiresAt.Time
		}
	}
	if bearerExpiry.After(now) {
		return bearerExpiry
	}
	return now.Add(time.Hour)
}

// renewSession exchanges the federated token for temporary signing
// credentials.
func (m *Manager) renewSession(ctx context.Context) error {
	return m.withRetry(ctx, types.StageSession, func() error {
		m.mu.RLock()
		federated := m.federated
		m.mu.RUnlock()

		body, err := json.Marshal(map[string]any{
			"IdentityId": federated.IdentityID,
			"Logins":     map[string]string{federationProvider: federated.Token},
		})
		if err != nil {
			return err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			m.identityPoolURL, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/x-amz-json-1.1")
		req.Header.Set("X-Amz-Target", identityPoolTarget)

		var out struct {
			Credentials struct {
				AccessKeyID  string  `json:"AccessKeyId"`
				SecretKey    string  `json:"SecretKey"`
				SessionToken string  `json:"SessionToken"`
				Expiration   float64 `json:"Expiration"` // epoch seconds
			} `json:"Credentials"`
		}
		if err := m.doJSON(req, &out); err != nil {
			if isAuthStatus(err) {
				m.Expire(types.StageFederated)
				if err2 := m.ensure(ctx, types.StageFederated); err2 != nil {
					return err2
				}
			}
			return err
		}
		if out.Credentials.AccessKeyID == "" {
			return fmt.Errorf("identity pool returned no credentials")
		}

		now := m.now()
		expires := now.Add(time.Hour)
		if out.Credentials.Expiration > 0 {
			expires = time.Unix(int64(out.Credentials.Expiration), 0)
		}

		m.mu.Lock()
		m.session = types.SessionCredentials{
			AccessKeyID:  out.Credentials.AccessKeyID,
			SecretKey:    out.Credentials.SecretKey,
			SessionToken: out.Credentials.SessionToken,
			IssuedAt:     now,
			ExpiresAt:    expires,
		}
		m.mu.Unlock()

		m.logger.Debug().Time("expires_at", expires).Msg("signing credentials renewed")
		return nil
	})
}

// statusError marks an HTTP-level failure with its status code so the retry
// policy can tell auth rejections from transient faults.
type statusError struct {
	status int
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected HTTP status %d: %s", e.status, e.body)
}

func isAuthStatus(err error) bool {
	var se *statusError
	if !errors.As(err, &se) {
		return false
	}
	return se.status == http.StatusBadRequest ||
		se.status == http.StatusUnauthorized ||
		se.status == http.StatusForbidden
}

func (m *Manager) doJSON(req *http.Request, out any) error {
	resp, err := m.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return &statusError{status: resp.StatusCode, body: truncate(string(raw), 200)}
	}
	return json.Unmarshal(raw, out)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func applyAppHeaders(req *http.Request) {
	for k, v := range config.AppHeaders {
		req.Header.Set(k, v)
	}
}
