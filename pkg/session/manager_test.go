package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hearthlink/hearthlink/pkg/config"
	apperrors "github.com/hearthlink/hearthlink/pkg/errors"
	"github.com/hearthlink/hearthlink/pkg/types"
)

// stubCreds is a CredentialSource handing out fixed material.
type stubCreds struct {
	mu      sync.Mutex
	fail    error
	calls   int32
	expired []types.Stage
}

func (s *stubCreds) SessionCreds(ctx context.Context) (types.SessionCredentials, error) {
	atomic.AddInt32(&s.calls, 1)
	s.mu.Lock()
	fail := s.fail
	s.mu.Unlock()
	if fail != nil {
		return types.SessionCredentials{}, fail
	}
	return types.SessionCredentials{
		AccessKeyID: "AKIATEST",
		SecretKey:   "secret",
		ExpiresAt:   time.Now().Add(time.Hour),
	}, nil
}

func (s *stubCreds) ClientID(ctx context.Context) (string, error) {
	return "identity-1_hearthlink", nil
}

func (s *stubCreds) Expire(stage types.Stage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expired = append(s.expired, stage)
}

func (s *stubCreds) expireCalls() []types.Stage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.Stage(nil), s.expired...)
}

// stubSigner returns a canned presigned URL.
type stubSigner struct{ presigns int32 }

func (s *stubSigner) PresignWebSocket(ctx context.Context, creds types.SessionCredentials, endpoint, region string, at time.Time) (string, error) {
	n := atomic.AddInt32(&s.presigns, 1)
	return fmt.Sprintf("wss://%s/mqtt?X-Amz-Signature=sig-%d", endpoint, n), nil
}

func (s *stubSigner) SignRequest(ctx context.Context, creds types.SessionCredentials, req *http.Request, payload []byte, service, region string, at time.Time) error {
	return nil
}

// fakeConn is one fake live connection recording activity.
type fakeConn struct {
	mu         sync.Mutex
	subs       []string
	pubs       map[string][][]byte
	disconnect time.Duration
	closed     bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{pubs: make(map[string][][]byte)}
}

func (c *fakeConn) Subscribe(ctx context.Context, topic string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs = append(c.subs, topic)
	return nil
}

func (c *fakeConn) Publish(ctx context.Context, topic string, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pubs[topic] = append(c.pubs[topic], payload)
	return nil
}

func (c *fakeConn) Disconnect(quiesce time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.disconnect = quiesce
}

func (c *fakeConn) subscribed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.subs...)
}

// fakeTransport hands out fakeConns and can refuse the first dials.
type fakeTransport struct {
	mu         sync.Mutex
	refuse     int // dials to refuse before succeeding
	loseOnDial int // dials whose connection dies before Connect returns
	dials      int
	conns      []*fakeConn
	params     []ConnectParams
}

func (tr *fakeTransport) Connect(ctx context.Context, p ConnectParams) (Conn, error) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.dials++
	if tr.refuse > 0 {
		tr.refuse--
		return nil, errors.New("dial refused")
	}
	conn := newFakeConn()
	tr.conns = append(tr.conns, conn)
	tr.params = append(tr.params, p)
	if tr.loseOnDial > 0 {
		tr.loseOnDial--
		p.OnLost(errors.New("connection reset during handshake"))
	}
	return conn, nil
}

func (tr *fakeTransport) lastConn() *fakeConn {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.conns[len(tr.conns)-1]
}

func (tr *fakeTransport) lastParams() ConnectParams {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.params[len(tr.params)-1]
}

func (tr *fakeTransport) dialCount() int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.dials
}

func newTestSession(t *testing.T) (*Manager, *fakeTransport, *stubCreds) {
	t.Helper()
	cfg := config.Default()
	cfg.ConnectTimeout = 2 * time.Second

	creds := &stubCreds{}
	tr := &fakeTransport{}
	m := NewManager(cfg, creds, &stubSigner{}, tr)
	m.retryBase = time.Millisecond
	m.retryCap = 5 * time.Millisecond
	return m, tr, creds
}

func waitForState(t *testing.T, m *Manager, want types.SessionState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("state = %s, want %s", m.State(), want)
}

// TestEnsureConnectedEstablishesSubscriptions tests connect plus restore of
// topics tracked before the connection existed.
func TestEnsureConnectedEstablishesSubscriptions(t *testing.T) {
	m, tr, _ := newTestSession(t)
	defer m.Shutdown(context.Background())

	require.NoError(t, m.Subscribe(context.Background(),
		"dt/MODEL/SAID1/state/update",
		"cmd/MODEL/SAID1/response/identity-1_hearthlink",
	))
	assert.Equal(t, types.SessionDisconnected, m.State())

	require.NoError(t, m.EnsureConnected(context.Background()))
	assert.Equal(t, types.SessionConnected, m.State())

	params := tr.lastParams()
	assert.Equal(t, "identity-1_hearthlink", params.ClientID)
	assert.Contains(t, params.URL, "wss://wt-eu.applianceconnect.net/mqtt")

	assert.ElementsMatch(t, []string{
		"dt/MODEL/SAID1/state/update",
		"cmd/MODEL/SAID1/response/identity-1_hearthlink",
	}, tr.lastConn().subscribed())

	// A second call is a no-op on an already-live session.
	require.NoError(t, m.EnsureConnected(context.Background()))
	assert.Equal(t, 1, tr.dialCount())
}

// TestEnsureConnectedBoundedRetries tests the give-up path and that every
// failed dial invalidates the signing material.
func TestEnsureConnectedBoundedRetries(t *testing.T) {
	m, tr, creds := newTestSession(t)
	defer m.Shutdown(context.Background())
	tr.refuse = 100 // never succeeds within one Ensure call

	err := m.EnsureConnected(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeTransportUnavailable))
	assert.Equal(t, maxEnsureAttempts, tr.dialCount())

	for _, stage := range creds.expireCalls() {
		assert.Equal(t, types.StageSession, stage)
	}
	assert.Len(t, creds.expireCalls(), maxEnsureAttempts)
}

// TestEnsureConnectedTerminalCredentialFailure tests that a terminal
// credential failure is surfaced as-is without dial retries.
func TestEnsureConnectedTerminalCredentialFailure(t *testing.T) {
	m, tr, creds := newTestSession(t)
	defer m.Shutdown(context.Background())
	creds.fail = apperrors.New(apperrors.CodeReauthenticationRequired, "refresh credential rejected")

	err := m.EnsureConnected(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeReauthenticationRequired))
	assert.Equal(t, 0, tr.dialCount())
	assert.Equal(t, int32(1), atomic.LoadInt32(&creds.calls))
}

// TestPublishConnectsOnDemand tests that a send on a disconnected session
// connects first.
func TestPublishConnectsOnDemand(t *testing.T) {
	m, tr, _ := newTestSession(t)
	defer m.Shutdown(context.Background())

	require.NoError(t, m.Publish(context.Background(), "cmd/MODEL/SAID1/request/c", []byte(`{}`)))
	assert.Equal(t, types.SessionConnected, m.State())

	conn := tr.lastConn()
	conn.mu.Lock()
	defer conn.mu.Unlock()
	assert.Len(t, conn.pubs["cmd/MODEL/SAID1/request/c"], 1)
}

// TestLostConnectionRecovers tests disconnect detection: listeners fire,
// signing material is invalidated, and the background loop reconnects with
// subscriptions restored.
func TestLostConnectionRecovers(t *testing.T) {
	m, tr, creds := newTestSession(t)
	defer m.Shutdown(context.Background())

	var disconnects int32
	m.OnDisconnect(func(error) { atomic.AddInt32(&disconnects, 1) })

	require.NoError(t, m.Subscribe(context.Background(), "dt/MODEL/SAID1/state/update"))
	require.NoError(t, m.EnsureConnected(context.Background()))

	tr.lastParams().OnLost(errors.New("keepalive timeout"))
	waitForState(t, m, types.SessionConnected)

	assert.Equal(t, int32(1), atomic.LoadInt32(&disconnects))
	assert.Contains(t, creds.expireCalls(), types.StageSession)
	assert.GreaterOrEqual(t, tr.dialCount(), 2)
	assert.Contains(t, tr.lastConn().subscribed(), "dt/MODEL/SAID1/state/update")
}

// TestStaleLostCallbackIgnored tests that a loss report from a superseded
// connection generation does not disturb the live one.
func TestStaleLostCallbackIgnored(t *testing.T) {
	m, tr, _ := newTestSession(t)
	defer m.Shutdown(context.Background())

	var disconnects int32
	m.OnDisconnect(func(error) { atomic.AddInt32(&disconnects, 1) })

	require.NoError(t, m.EnsureConnected(context.Background()))
	staleLost := tr.lastParams().OnLost

	staleLost(errors.New("gone"))
	waitForState(t, m, types.SessionConnected)
	require.Equal(t, int32(1), atomic.LoadInt32(&disconnects))

	// The dead connection reports loss again after its replacement is up.
	staleLost(errors.New("gone again"))
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, types.SessionConnected, m.State())
	assert.Equal(t, int32(1), atomic.LoadInt32(&disconnects))
}

// TestLossDuringConnectRecovers tests that a connection dying between the
// broker handshake and the manager's own bookkeeping is not installed as
// live: the dead handle is closed and the session reconnects.
func TestLossDuringConnectRecovers(t *testing.T) {
	m, tr, creds := newTestSession(t)
	defer m.Shutdown(context.Background())

	var disconnects int32
	m.OnDisconnect(func(error) { atomic.AddInt32(&disconnects, 1) })
	tr.loseOnDial = 1

	require.NoError(t, m.EnsureConnected(context.Background()))
	waitForState(t, m, types.SessionConnected)

	assert.Equal(t, int32(1), atomic.LoadInt32(&disconnects))
	assert.Contains(t, creds.expireCalls(), types.StageSession)
	assert.GreaterOrEqual(t, tr.dialCount(), 2)

	// The handle from the lost dial must never survive as the live one.
	tr.mu.Lock()
	first := tr.conns[0]
	tr.mu.Unlock()
	first.mu.Lock()
	closed := first.closed
	first.mu.Unlock()
	assert.True(t, closed)
}

// TestDispatchRouting tests inbound delivery to the registered consumers.
func TestDispatchRouting(t *testing.T) {
	m, tr, _ := newTestSession(t)
	defer m.Shutdown(context.Background())

	pushes := make(chan string, 1)
	responses := make(chan string, 1)
	m.OnStatePush(func(said string, doc types.StateDocument) {
		pushes <- said
	})
	m.OnCommandResponse(func(requestID string, body map[string]any) {
		responses <- requestID
	})

	require.NoError(t, m.EnsureConnected(context.Background()))
	onMessage := tr.lastParams().OnMessage

	onMessage("dt/MODEL/SAID1/state/update", []byte(`{"online":true}`))
	assert.Equal(t, "SAID1", <-pushes)

	onMessage("cmd/MODEL/SAID1/response/c", []byte(`{"requestId":"r-1","payload":{"ok":true}}`))
	assert.Equal(t, "r-1", <-responses)

	// Garbage must be dropped without crashing the delivery path.
	onMessage("junk", []byte(`not json`))
	onMessage("dt/MODEL/SAID1/state/update", []byte(`broken`))
}

// TestUnsubscribeNotRestored tests that dropped topics stay dropped across
// a reconnect.
func TestUnsubscribeNotRestored(t *testing.T) {
	m, tr, _ := newTestSession(t)
	defer m.Shutdown(context.Background())

	require.NoError(t, m.Subscribe(context.Background(),
		"dt/MODEL/SAID1/state/update",
		"dt/MODEL/SAID2/state/update",
	))
	require.NoError(t, m.EnsureConnected(context.Background()))

	m.Unsubscribe("dt/MODEL/SAID2/state/update")
	tr.lastParams().OnLost(errors.New("gone"))
	waitForState(t, m, types.SessionConnected)

	assert.Equal(t, []string{"dt/MODEL/SAID1/state/update"}, tr.lastConn().subscribed())
}

// TestShutdownDrains tests the drain sequence: sends rejected, connection
// closed, reconnection suppressed.
func TestShutdownDrains(t *testing.T) {
	m, tr, _ := newTestSession(t)

	require.NoError(t, m.EnsureConnected(context.Background()))
	conn := tr.lastConn()

	m.Shutdown(context.Background())
	assert.Equal(t, types.SessionDisconnected, m.State())

	conn.mu.Lock()
	closed := conn.closed
	conn.mu.Unlock()
	assert.True(t, closed)

	err := m.Publish(context.Background(), "t", []byte(`{}`))
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeTransportUnavailable))
	assert.Equal(t, 1, tr.dialCount())
}

// TestShutdownIdempotent tests that a second Shutdown is a no-op.
func TestShutdownIdempotent(t *testing.T) {
	m, _, _ := newTestSession(t)
	require.NoError(t, m.EnsureConnected(context.Background()))
	m.Shutdown(context.Background())
	m.Shutdown(context.Background())
}

// TestConcurrentEnsureSharesOneDial tests that parallel callers share a
// single connect attempt.
func TestConcurrentEnsureSharesOneDial(t *testing.T) {
	m, tr, _ := newTestSession(t)
	defer m.Shutdown(context.Background())

	const callers = 8
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = m.EnsureConnected(context.Background())
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "caller %d", i)
	}
	assert.Equal(t, 1, tr.dialCount())
}
