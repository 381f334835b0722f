package appliance

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hearthlink/hearthlink/pkg/auth"
	"github.com/hearthlink/hearthlink/pkg/config"
	"github.com/hearthlink/hearthlink/pkg/discovery"
	apperrors "github.com/hearthlink/hearthlink/pkg/errors"
	"github.com/hearthlink/hearthlink/pkg/session"
	"github.com/hearthlink/hearthlink/pkg/types"
)

// memStore is an in-memory storage.Store for tests.
type memStore struct {
	mu      sync.Mutex
	refresh *types.RefreshCredential
	devices []types.Device
}

func (s *memStore) LoadRefreshCredential() (*types.RefreshCredential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refresh, nil
}

func (s *memStore) SaveRefreshCredential(cred *types.RefreshCredential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refresh = cred
	return nil
}

func (s *memStore) DeleteRefreshCredential() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refresh = nil
	return nil
}

func (s *memStore) SaveDevices(devices []types.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices = devices
	return nil
}

func (s *memStore) LoadDevices() ([]types.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.devices, nil
}

func (s *memStore) Close() error { return nil }

// stubSigner skips real signatures.
type stubSigner struct{}

func (stubSigner) PresignWebSocket(ctx context.Context, creds types.SessionCredentials, endpoint, region string, at time.Time) (string, error) {
	return "wss://" + endpoint + "/mqtt", nil
}

func (stubSigner) SignRequest(ctx context.Context, creds types.SessionCredentials, req *http.Request, payload []byte, service, region string, at time.Time) error {
	return nil
}

// ovenTransport is a fake appliance on the other side of the streaming
// connection: publishes to request topics are answered through the inbound
// message handler.
type ovenTransport struct {
	mu       sync.Mutex
	params   session.ConnectParams
	dials    int
	requests []types.Envelope // every published command envelope
	mute     bool             // stop answering commands
	state    types.StateDocument
}

func newOvenTransport() *ovenTransport {
	return &ovenTransport{
		state: types.StateDocument{
			"online": true,
			"primaryCavity": map[string]any{
				"cavityState": "idle",
				"sessionId":   "",
			},
		},
	}
}

func (tr *ovenTransport) Connect(ctx context.Context, p session.ConnectParams) (session.Conn, error) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.dials++
	tr.params = p
	return &ovenConn{tr: tr}, nil
}

// push delivers an unsolicited state update as the appliance would.
func (tr *ovenTransport) push(topic string, doc types.StateDocument) {
	raw, _ := json.Marshal(doc)
	tr.mu.Lock()
	deliver := tr.params.OnMessage
	tr.mu.Unlock()
	deliver(topic, raw)
}

func (tr *ovenTransport) lose(err error) {
	tr.mu.Lock()
	lost := tr.params.OnLost
	tr.mu.Unlock()
	lost(err)
}

func (tr *ovenTransport) setState(doc types.StateDocument) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.state = doc
}

func (tr *ovenTransport) sentCommands() []types.Envelope {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]types.Envelope(nil), tr.requests...)
}

type ovenConn struct{ tr *ovenTransport }

func (c *ovenConn) Subscribe(ctx context.Context, topic string) error { return nil }

func (c *ovenConn) Publish(ctx context.Context, topic string, payload []byte) error {
	var env types.Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return err
	}

	c.tr.mu.Lock()
	c.tr.requests = append(c.tr.requests, env)
	mute := c.tr.mute
	state := c.tr.state
	deliver := c.tr.params.OnMessage
	c.tr.mu.Unlock()

	if mute {
		return nil
	}

	respBody := map[string]any{"result": "ok"}
	if env.Payload["command"] == types.CmdGetState {
		respBody = state.Clone()
	}
	resp, _ := json.Marshal(types.Envelope{
		RequestID: env.RequestID,
		Timestamp: time.Now().UnixMilli(),
		Payload:   respBody,
	})
	deliver(strings.Replace(topic, "/request/", "/response/", 1), resp)
	return nil
}

func (c *ovenConn) Disconnect(quiesce time.Duration) {}

// newBackend serves every REST surface the runtime touches: OAuth, identity
// federation, identity pool, device registry, and favourites.
func newBackend(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "access-token",
			"refresh_token": "refresh-v2",
			"expires_in":    3600,
		})
	})
	mux.HandleFunc("/api/v1/cognito/identityid", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"identityId": "eu-central-1:group-1",
			"token":      "federated-token",
		})
	})
	mux.HandleFunc("/pool", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"Credentials": map[string]any{
				"AccessKeyId":  "AKIATEST",
				"SecretKey":    "secret",
				"SessionToken": "token",
				"Expiration":   float64(time.Now().Add(time.Hour).Unix()),
			},
		})
	})
	mux.HandleFunc("/thing-groups/group-1/things", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"things": []string{"SAID1"}})
	})
	mux.HandleFunc("/things/SAID1", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"thingTypeName": "OVEN_MODEL",
			"attributes": map[string]string{
				"Name": hex.EncodeToString([]byte("Kitchen Oven")),
			},
		})
	})
	mux.HandleFunc("/api/v1/account/favorites/SAID1", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"favoritesList": []any{
				map[string]any{
					"favoriteCycles": []any{
						map[string]any{
							"id":     "fav-1",
							"name":   "Sunday Roast",
							"cavity": "primaryCavity",
							"cycleInfo": map[string]any{
								"cycleMyCreation": map[string]any{
									"entityCycle": map[string]any{
										"myCreationCycle": []any{
											map[string]any{
												"CycleName":        "Bake",
												"CavityTargetTemp": 180.0,
											},
										},
									},
								},
							},
						},
					},
				},
			},
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(t *testing.T) (*Client, *ovenTransport) {
	t.Helper()
	srv := newBackend(t)

	cfg := config.Default()
	cfg.APIBaseURL = srv.URL
	cfg.CommandTimeout = 500 * time.Millisecond
	cfg.ConnectTimeout = 2 * time.Second

	store := &memStore{refresh: &types.RefreshCredential{Token: "refresh-v1"}}
	tr := newOvenTransport()

	c, err := New(cfg,
		WithStore(store),
		WithTransport(tr),
		WithSigner(stubSigner{}),
		WithAuthOptions(
			auth.WithRetry(2, time.Millisecond),
			auth.WithIdentityPoolURL(srv.URL+"/pool"),
		),
		WithDiscoveryOptions(discovery.WithBaseURL(srv.URL)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { c.Shutdown(context.Background()) })
	return c, tr
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

// TestStartPrimesStateCache tests the full startup: discover, connect,
// subscribe, and install the initial state query response into the cache.
func TestStartPrimesStateCache(t *testing.T) {
	c, _ := newTestClient(t)

	require.NoError(t, c.Start(context.Background()))

	devices := c.Devices()
	require.Len(t, devices, 1)
	assert.Equal(t, "SAID1", devices[0].SAID)
	assert.Equal(t, "OVEN_MODEL", devices[0].Model)
	assert.Equal(t, "Kitchen Oven", devices[0].Name)

	waitFor(t, func() bool {
		_, err := c.GetState("SAID1")
		return err == nil
	})
	doc, err := c.GetState("SAID1")
	require.NoError(t, err)
	assert.Equal(t, "idle", doc.Cavity("primaryCavity")["cavityState"])
}

// TestUnknownDeviceRejected tests addressing a device outside the
// inventory.
func TestUnknownDeviceRejected(t *testing.T) {
	c, _ := newTestClient(t)
	require.NoError(t, c.Start(context.Background()))

	_, err := c.GetState("SAID_NOPE")
	assert.True(t, apperrors.IsCode(err, apperrors.CodeNotFound))

	_, err = c.SendCommand(context.Background(), "SAID_NOPE",
		types.AddresseeAppliance, map[string]any{"command": types.CmdGetState}, time.Second)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeNotFound))
}

// TestStatePushNotifiesSubscriber tests unsolicited push flowing through to
// a change subscriber.
func TestStatePushNotifiesSubscriber(t *testing.T) {
	c, tr := newTestClient(t)
	require.NoError(t, c.Start(context.Background()))

	sub, err := c.Subscribe("SAID1")
	require.NoError(t, err)
	defer sub.Close()

	tr.push("dt/OVEN_MODEL/SAID1/state/update", types.StateDocument{
		"online": true,
		"primaryCavity": map[string]any{
			"cavityState": "preheating",
			"sessionId":   "S1",
		},
	})

	for {
		select {
		case ch := <-sub.C:
			if ch.State.Cavity("primaryCavity")["cavityState"] == "preheating" {
				return
			}
		case <-time.After(2 * time.Second):
			t.Fatal("expected a change notification for the pushed state")
		}
	}
}

// TestStopCookingUsesCachedSession tests that cancel reads the live cook
// session from the latest cached state.
func TestStopCookingUsesCachedSession(t *testing.T) {
	c, tr := newTestClient(t)
	require.NoError(t, c.Start(context.Background()))

	cooking := types.StateDocument{
		"online": true,
		"primaryCavity": map[string]any{
			"cavityState": "cooking",
			"sessionId":   "S1",
		},
	}
	tr.push("dt/OVEN_MODEL/SAID1/state/update", cooking)
	waitFor(t, func() bool {
		doc, err := c.GetState("SAID1")
		return err == nil && doc.ActiveSessionID(types.AddresseePrimaryCavity) == "S1"
	})

	require.NoError(t, c.StopCooking(context.Background(), "SAID1"))

	cmds := tr.sentCommands()
	last := cmds[len(cmds)-1]
	assert.Equal(t, types.CmdCancel, last.Payload["command"])
	assert.Equal(t, "S1", last.Payload["sessionId"])
	assert.Equal(t, types.AddresseePrimaryCavity, last.Payload["addressee"])
}

// TestPendingCommandsFailFastOnDisconnect tests that a dropped connection
// fails an in-flight command immediately instead of waiting for its
// timeout.
func TestPendingCommandsFailFastOnDisconnect(t *testing.T) {
	c, tr := newTestClient(t)
	require.NoError(t, c.Start(context.Background()))

	tr.mu.Lock()
	tr.mute = true
	tr.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		_, err := c.SendCommand(context.Background(), "SAID1",
			types.AddresseeAppliance, map[string]any{"command": types.CmdGetState}, time.Minute)
		errCh <- err
	}()
	waitFor(t, func() bool { return c.corr.PendingCount() == 1 })

	tr.lose(assert.AnError)

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.True(t, apperrors.IsCode(err, apperrors.CodeSessionLost))
	case <-time.After(5 * time.Second):
		t.Fatal("pending command did not fail on disconnect")
	}
}

// TestCommandAfterReconnect tests that the runtime recovers transparently:
// a command issued after a connection loss succeeds on the fresh
// connection.
func TestCommandAfterReconnect(t *testing.T) {
	c, tr := newTestClient(t)
	require.NoError(t, c.Start(context.Background()))

	tr.lose(assert.AnError)
	waitFor(t, func() bool { return c.sess.State() == types.SessionConnected })

	require.NoError(t, c.SetCavityLight(context.Background(), "SAID1", true))

	cmds := tr.sentCommands()
	last := cmds[len(cmds)-1]
	assert.Equal(t, types.CmdSet, last.Payload["command"])
	assert.Equal(t, true, last.Payload["cavityLight"])
}

// TestTriggerFavourite tests preset resolution through to the published
// command.
func TestTriggerFavourite(t *testing.T) {
	c, tr := newTestClient(t)
	require.NoError(t, c.Start(context.Background()))

	require.NoError(t, c.TriggerFavourite(context.Background(), "SAID1", "fav-1"))

	cmds := tr.sentCommands()
	last := cmds[len(cmds)-1]
	assert.Equal(t, types.CmdRun, last.Payload["command"])
	assert.Equal(t, "Bake", last.Payload["recipeId"])
	assert.Equal(t, 180.0, last.Payload["targetTemperature"])
	assert.NotEmpty(t, last.Payload["sessionId"])

	err := c.TriggerFavourite(context.Background(), "SAID1", "fav-404")
	assert.True(t, apperrors.IsCode(err, apperrors.CodeNotFound))
}

// TestStartFallsBackToPersistedInventory tests startup during a registry
// outage with a previously persisted inventory.
func TestStartFallsBackToPersistedInventory(t *testing.T) {
	srv := newBackend(t)
	registryDown := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	t.Cleanup(registryDown.Close)

	cfg := config.Default()
	cfg.APIBaseURL = srv.URL
	cfg.CommandTimeout = 500 * time.Millisecond

	store := &memStore{
		refresh: &types.RefreshCredential{Token: "refresh-v1"},
		devices: []types.Device{{SAID: "SAID1", Model: "OVEN_MODEL", Name: "Kitchen Oven"}},
	}

	c, err := New(cfg,
		WithStore(store),
		WithTransport(newOvenTransport()),
		WithSigner(stubSigner{}),
		WithAuthOptions(
			auth.WithRetry(2, time.Millisecond),
			auth.WithIdentityPoolURL(srv.URL+"/pool"),
		),
		WithDiscoveryOptions(discovery.WithBaseURL(registryDown.URL)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { c.Shutdown(context.Background()) })

	require.NoError(t, c.Start(context.Background()))
	devices := c.Devices()
	require.Len(t, devices, 1)
	assert.Equal(t, "SAID1", devices[0].SAID)
}
