package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// TestValidAt tests the expiry check with the proactive renewal margin.
func TestValidAt(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	margin := 5 * time.Minute

	tok := BearerToken{AccessToken: "x", ExpiresAt: now.Add(time.Hour)}
	assert.True(t, tok.ValidAt(now, margin))
	assert.True(t, tok.ValidAt(now.Add(54*time.Minute), margin))
	assert.False(t, tok.ValidAt(now.Add(55*time.Minute), margin), "inside the margin counts as stale")
	assert.False(t, tok.ValidAt(now.Add(2*time.Hour), margin))

	assert.False(t, BearerToken{ExpiresAt: now.Add(time.Hour)}.ValidAt(now, margin),
		"empty token is never valid")
	assert.False(t, FederatedToken{}.ValidAt(now, margin))
	assert.False(t, SessionCredentials{}.ValidAt(now, margin))
}

// TestStateDocumentClone tests deep-copy isolation.
func TestStateDocumentClone(t *testing.T) {
	doc := StateDocument{
		"primaryCavity": map[string]any{"cavityState": "idle"},
	}
	clone := doc.Clone()
	clone.Cavity("primaryCavity")["cavityState"] = "cooking"

	assert.Equal(t, "idle", doc.Cavity("primaryCavity")["cavityState"])
	assert.Nil(t, StateDocument(nil).Clone())
}

// TestActiveSessionID tests session-id extraction from the cavity record.
func TestActiveSessionID(t *testing.T) {
	doc := StateDocument{
		"primaryCavity": map[string]any{"cavityState": "cooking", "sessionId": "S1"},
	}
	assert.Equal(t, "S1", doc.ActiveSessionID("primaryCavity"))
	assert.Empty(t, doc.ActiveSessionID("secondaryCavity"))
	assert.Empty(t, StateDocument{}.ActiveSessionID("primaryCavity"))
	assert.Empty(t, StateDocument{"primaryCavity": "junk"}.ActiveSessionID("primaryCavity"))
}

// TestTopics tests topic addressing.
func TestTopics(t *testing.T) {
	assert.Equal(t, "dt/OVEN_MODEL/SAID1/state/update", StateTopic("OVEN_MODEL", "SAID1"))
	assert.Equal(t, "cmd/OVEN_MODEL/SAID1/request/id_app", CommandRequestTopic("OVEN_MODEL", "SAID1", "id_app"))
	assert.Equal(t, "cmd/OVEN_MODEL/SAID1/response/id_app", CommandResponseTopic("OVEN_MODEL", "SAID1", "id_app"))
}

// TestStageString tests stage labels.
func TestStageString(t *testing.T) {
	assert.Equal(t, "refresh", StageRefresh.String())
	assert.Equal(t, "bearer", StageBearer.String())
	assert.Equal(t, "federated", StageFederated.String())
	assert.Equal(t, "session", StageSession.String())
	assert.Equal(t, "stage(9)", Stage(9).String())
}
