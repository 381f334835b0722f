package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// Stage identifies one stage of the credential chain. Renewal never skips a
// stage: a stage-4 acquire re-derives stage 3 (and checks stage 2) first.
type Stage int

const (
	StageRefresh   Stage = iota + 1 // long-lived refresh credential
	StageBearer                     // OAuth bearer token
	StageFederated                  // federated identity token
	StageSession                    // temporary signed-request credentials
)

func (s Stage) String() string {
	switch s {
	case StageRefresh:
		return "refresh"
	case StageBearer:
		return "bearer"
	case StageFederated:
		return "federated"
	case StageSession:
		return "session"
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

// RefreshCredential is the long-lived stage-1 credential. It is supplied once
// (password bootstrap) or loaded from the persistent store, and only ever
// used to mint bearer tokens.
type RefreshCredential struct {
	Token    string    `json:"token"`
	IssuedAt time.Time `json:"issued_at"`
}

// BearerToken is the short-lived stage-2 OAuth token.
type BearerToken struct {
	AccessToken string    `json:"access_token"`
	IssuedAt    time.Time `json:"issued_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// FederatedToken is the stage-3 identity token plus the stable per-account
// Identity Reference that scopes the streaming connection.
type FederatedToken struct {
	IdentityID string
	Token      string
	IssuedAt   time.Time
	ExpiresAt  time.Time
}

// SessionCredentials are the stage-4 temporary signing credentials.
type SessionCredentials struct {
	AccessKeyID  string
	SecretKey    string
	SessionToken string
	IssuedAt     time.Time
	ExpiresAt    time.Time
}

// ValidAt reports whether the credentials are still usable at t, given the
// proactive renewal margin.
func (c SessionCredentials) ValidAt(t time.Time, margin time.Duration) bool {
	return c.AccessKeyID != "" && t.Before(c.ExpiresAt.Add(-margin))
}

// ValidAt reports whether the token is still usable at t.
func (b BearerToken) ValidAt(t time.Time, margin time.Duration) bool {
	return b.AccessToken != "" && t.Before(b.ExpiresAt.Add(-margin))
}

// ValidAt reports whether the token is still usable at t.
func (f FederatedToken) ValidAt(t time.Time, margin time.Duration) bool {
	return f.Token != "" && t.Before(f.ExpiresAt.Add(-margin))
}

// Device is one appliance known to the account: the stable appliance
// identifier (SAID) plus the registry model name used in topic addressing.
type Device struct {
	SAID  string `json:"said"`
	Model string `json:"model"`
	Name  string `json:"name,omitempty"`
}

// StateDocument is the last-known-good state of one device. Updates replace
// the whole document; field-level merging is not allowed because the cloud is
// the sole source of truth and partial views leak state across cook sessions.
type StateDocument map[string]any

// Clone returns a deep copy via JSON round-trip. Documents hold only
// JSON-representable values, so this is lossless.
func (d StateDocument) Clone() StateDocument {
	if d == nil {
		return nil
	}
	raw, err := json.Marshal(d)
	if err != nil {
		return nil
	}
	var out StateDocument
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

// Cavity returns the named cavity sub-document, or nil.
func (d StateDocument) Cavity(name string) map[string]any {
	sub, _ := d[name].(map[string]any)
	return sub
}

// ActiveSessionID returns the cook-session identifier of the named cavity.
// Commands acting on "the current session" must read it from the latest
// cached state, never from caller memory: it changes asynchronously.
func (d StateDocument) ActiveSessionID(cavity string) string {
	sub := d.Cavity(cavity)
	if sub == nil {
		return ""
	}
	id, _ := sub["sessionId"].(string)
	return id
}

// SessionState is the streaming session lifecycle state.
type SessionState string

const (
	SessionDisconnected SessionState = "disconnected"
	SessionConnecting   SessionState = "connecting"
	SessionConnected    SessionState = "connected"
	SessionDraining     SessionState = "draining"
)

// Envelope is the wire framing used in both directions on the streaming
// transport.
type Envelope struct {
	RequestID string         `json:"requestId"`
	Timestamp int64          `json:"timestamp"` // unix milliseconds
	Payload   map[string]any `json:"payload"`
}

// Command names understood by the appliance.
const (
	CmdGetState = "getState"
	CmdRun      = "run"
	CmdCancel   = "cancel"
	CmdSet      = "set"
)

// Command addressees.
const (
	AddresseeAppliance     = "appliance"
	AddresseePrimaryCavity = "primaryCavity"
)

// Cavity cook states reported by the appliance.
const (
	CavityStateIdle       = "idle"
	CavityStatePreheating = "preheating"
)

// ActiveCavityStates are the cook states during which a session is live.
var ActiveCavityStates = map[string]bool{
	"preheating": true,
	"cooking":    true,
	"broiling":   true,
	"warming":    true,
}
