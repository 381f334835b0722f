package session

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/hearthlink/hearthlink/pkg/config"
	apperrors "github.com/hearthlink/hearthlink/pkg/errors"
	"github.com/hearthlink/hearthlink/pkg/log"
	"github.com/hearthlink/hearthlink/pkg/metrics"
	"github.com/hearthlink/hearthlink/pkg/signer"
	"github.com/hearthlink/hearthlink/pkg/types"
)

const (
	// maxEnsureAttempts bounds how many connect attempts one EnsureConnected
	// call makes before surfacing TransportUnavailable. The background
	// reconnect loop keeps retrying regardless.
	maxEnsureAttempts = 3

	reconnectBase = 1 * time.Second
	reconnectCap  = 2 * time.Minute

	drainQuiesce = 2 * time.Second
)

// CredentialSource is the slice of the credential lifecycle manager the
// session manager consumes.
type CredentialSource interface {
	SessionCreds(ctx context.Context) (types.SessionCredentials, error)
	ClientID(ctx context.Context) (string, error)
	Expire(stage types.Stage)
}

// Manager owns the one persistent streaming connection: connect, keep-alive,
// disconnect detection, reconnect with fresh signing, and inbound dispatch.
type Manager struct {
	cfg       *config.Config
	creds     CredentialSource
	signer    signer.Signer
	transport Transport
	logger    zerolog.Logger
	now       func() time.Time

	// mu guards state, closed, conn, gen and subs
	mu     sync.Mutex
	state  types.SessionState
	closed bool // set by Shutdown; the instance never reconnects again
	conn   Conn
	gen    int // connection generation; stale OnLost callbacks are ignored
	subs   map[string]struct{}

	onStatePush  func(said string, doc types.StateDocument)
	onResponse   func(requestID string, body map[string]any)
	onDisconnect []func(error)

	// backoff bounds, fields so tests can tighten them
	retryBase time.Duration
	retryCap  time.Duration

	sf     singleflight.Group
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewManager creates a session manager. Handlers must be registered before
// the first connect.
func NewManager(cfg *config.Config, creds CredentialSource, sig signer.Signer, transport Transport) *Manager {
	return &Manager{
		cfg:       cfg,
		creds:     creds,
		signer:    sig,
		transport: transport,
		logger:    log.WithComponent("session"),
		now:       time.Now,
		state:     types.SessionDisconnected,
		subs:      make(map[string]struct{}),
		retryBase: reconnectBase,
		retryCap:  reconnectCap,
		stopCh:    make(chan struct{}),
	}
}

// OnStatePush registers the state-push consumer (the device state cache).
func (m *Manager) OnStatePush(fn func(said string, doc types.StateDocument)) {
	m.onStatePush = fn
}

// OnCommandResponse registers the response consumer (the correlator).
func (m *Manager) OnCommandResponse(fn func(requestID string, body map[string]any)) {
	m.onResponse = fn
}

// OnDisconnect registers a listener fired once per detected disconnect,
// before reconnection starts.
func (m *Manager) OnDisconnect(fn func(error)) {
	m.onDisconnect = append(m.onDisconnect, fn)
}

// State returns the current lifecycle state.
func (m *Manager) State() types.SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// EnsureConnected returns once a live connection exists. It makes a bounded
// number of attempts with backoff and then fails with TransportUnavailable;
// a terminal credential failure is surfaced as-is.
func (m *Manager) EnsureConnected(ctx context.Context) error {
	b := newBackoff(m.retryBase, m.retryCap)
	var lastErr error
	for attempt := 0; attempt < maxEnsureAttempts; attempt++ {
		if m.closing() {
			return apperrors.New(apperrors.CodeTransportUnavailable, "session is shutting down")
		}
		if m.State() == types.SessionConnected {
			return nil
		}

		err := m.connectShared(ctx)
		if err == nil {
			return nil
		}
		if apperrors.Terminal(err) {
			return err
		}
		lastErr = err

		select {
		case <-time.After(b.Next()):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return apperrors.Wrap(lastErr, apperrors.CodeTransportUnavailable,
		"no live connection after backoff attempts")
}

// connectShared funnels all callers through one in-flight connect attempt.
// The attempt itself runs on a detached context so one caller's cancellation
// cannot poison the shared result.
func (m *Manager) connectShared(ctx context.Context) error {
	ch := m.sf.DoChan("connect", func() (any, error) {
		if m.State() == types.SessionConnected {
			return nil, nil
		}
		cctx, cancel := context.WithTimeout(context.Background(), m.cfg.ConnectTimeout)
		defer cancel()
		return nil, m.connectOnce(cctx)
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// connectOnce performs one full connect: fresh stage-4 credentials, fresh
// presigned URL, dial, re-subscribe.
func (m *Manager) connectOnce(ctx context.Context) error {
	m.setState(types.SessionConnecting)

	creds, err := m.creds.SessionCreds(ctx)
	if err != nil {
		m.setState(types.SessionDisconnected)
		return err
	}
	clientID, err := m.creds.ClientID(ctx)
	if err != nil {
		m.setState(types.SessionDisconnected)
		return err
	}

	wssURL, err := m.signer.PresignWebSocket(ctx, creds, m.cfg.IoTEndpoint, m.cfg.Region, m.now())
	if err != nil {
		m.setState(types.SessionDisconnected)
		return err
	}

	// Commit the generation before dialing so a loss reported between CONNACK
	// and our bookkeeping below is attributed to this connection, not dropped
	// as stale.
	m.mu.Lock()
	m.gen++
	gen := m.gen
	m.mu.Unlock()

	conn, err := m.transport.Connect(ctx, ConnectParams{
		URL:       wssURL,
		ClientID:  clientID,
		KeepAlive: m.cfg.KeepAlive,
		OnMessage: m.dispatch,
		OnLost:    func(lostErr error) { m.handleLost(gen, lostErr) },
	})
	if err != nil {
		// Signing material is suspect after a rejected dial; re-derive it
		// on the next attempt.
		m.creds.Expire(types.StageSession)
		m.setState(types.SessionDisconnected)
		return apperrors.Wrap(err, apperrors.CodeTransportUnavailable, "connect attempt failed")
	}

	m.mu.Lock()
	if gen != m.gen {
		// The connection already died while the dial was completing; the
		// loss handler has taken over.
		m.mu.Unlock()
		conn.Disconnect(0)
		return apperrors.New(apperrors.CodeTransportUnavailable, "connection lost during connect")
	}
	m.conn = conn
	m.state = types.SessionConnected
	topics := make([]string, 0, len(m.subs))
	for t := range m.subs {
		topics = append(topics, t)
	}
	m.mu.Unlock()

	// Broker-side subscription state does not survive the transport:
	// re-establish everything tracked locally.
	for _, topic := range topics {
		if err := conn.Subscribe(ctx, topic); err != nil {
			m.logger.Warn().Err(err).Str("topic", topic).Msg("re-subscribe failed")
		}
	}

	metrics.SessionState.Set(1)
	m.logger.Info().Int("subscriptions", len(topics)).Msg("streaming session connected")
	return nil
}

// handleLost reacts to a detected disconnect: fail over consumers, drop the
// dead handle, and start background reconnection.
func (m *Manager) handleLost(gen int, cause error) {
	m.mu.Lock()
	if gen != m.gen || m.closed || m.state == types.SessionDraining {
		m.mu.Unlock()
		return
	}
	// Invalidate the lost generation: a duplicate callback for the same
	// connection becomes a no-op, and a dial still in flight for it learns
	// its connection is already dead.
	m.gen++
	m.state = types.SessionDisconnected
	m.conn = nil
	listeners := m.onDisconnect
	m.mu.Unlock()

	metrics.SessionState.Set(0)
	m.logger.Warn().Err(cause).Msg("streaming session lost")

	// Pending commands must fail now, not after their individual timeouts.
	for _, fn := range listeners {
		fn(cause)
	}

	// Never reuse possibly-expired signing material across a disconnect.
	m.creds.Expire(types.StageSession)

	m.wg.Add(1)
	go m.reconnectLoop()
}

// reconnectLoop retries in the background until connected or shut down.
func (m *Manager) reconnectLoop() {
	defer m.wg.Done()
	b := newBackoff(m.retryBase, m.retryCap)
	for {
		select {
		case <-m.stopCh:
			return
		case <-time.After(b.Next()):
		}

		if m.State() == types.SessionConnected {
			return
		}

		metrics.Reconnects.Inc()
		if err := m.connectShared(context.Background()); err != nil {
			if apperrors.Terminal(err) {
				m.logger.Error().Err(err).Msg("reconnect abandoned: reauthentication required")
				return
			}
			m.logger.Debug().Err(err).Msg("reconnect attempt failed")
			continue
		}
		return
	}
}

// Subscribe records topics and establishes them on the live connection when
// one exists. Subscription state is tracked locally so reconnects can
// restore it.
func (m *Manager) Subscribe(ctx context.Context, topics ...string) error {
	m.mu.Lock()
	for _, t := range topics {
		m.subs[t] = struct{}{}
	}
	conn := m.conn
	m.mu.Unlock()

	if conn == nil {
		return nil
	}
	for _, topic := range topics {
		if err := conn.Subscribe(ctx, topic); err != nil {
			return apperrors.Wrap(err, apperrors.CodeTransportUnavailable, "subscribe failed")
		}
	}
	return nil
}

// Unsubscribe stops tracking topics so they are not restored after a
// reconnect.
func (m *Manager) Unsubscribe(topics ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range topics {
		delete(m.subs, t)
	}
}

// Publish sends one message, connecting first if necessary.
func (m *Manager) Publish(ctx context.Context, topic string, payload []byte) error {
	if m.closing() {
		return apperrors.New(apperrors.CodeTransportUnavailable, "session is shutting down")
	}
	if err := m.EnsureConnected(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return apperrors.New(apperrors.CodeTransportUnavailable, "connection lost before send")
	}
	return conn.Publish(ctx, topic, payload)
}

// dispatch routes every inbound message to exactly one consumer by topic
// shape. Unrecognized traffic is logged and dropped; nothing here may crash
// the delivery path.
func (m *Manager) dispatch(topic string, payload []byte) {
	route := Classify(topic, payload)
	switch route.Kind {
	case RouteStatePush:
		if m.onStatePush != nil {
			m.onStatePush(route.SAID, types.StateDocument(route.Body))
		}
	case RouteCommandResponse:
		if m.onResponse != nil {
			m.onResponse(route.RequestID, route.Body)
		}
	default:
		m.logger.Debug().Str("topic_kind", route.Kind.String()).Msg("dropping unrecognized message")
	}
}

// Shutdown drains the session: no new sends, in-flight sends allowed to
// complete, then the connection closes for good. The manager instance is
// done afterwards.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.state = types.SessionDraining
	m.closed = true
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()

	close(m.stopCh)

	if conn != nil {
		quiesce := drainQuiesce
		if deadline, ok := ctx.Deadline(); ok {
			if remain := time.Until(deadline); remain < quiesce {
				quiesce = remain
			}
		}
		conn.Disconnect(quiesce)
	}

	m.wg.Wait()

	m.mu.Lock()
	m.state = types.SessionDisconnected
	m.mu.Unlock()
	metrics.SessionState.Set(0)
	m.logger.Info().Msg("streaming session drained")
}

// closing reports whether the instance is draining or already shut down.
func (m *Manager) closing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed || m.state == types.SessionDraining
}

func (m *Manager) setState(s types.SessionState) {
	m.mu.Lock()
	// Draining is terminal for this instance
	if !m.closed && m.state != types.SessionDraining {
		m.state = s
	}
	m.mu.Unlock()
}
