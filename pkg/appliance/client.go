package appliance

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hearthlink/hearthlink/pkg/auth"
	"github.com/hearthlink/hearthlink/pkg/command"
	"github.com/hearthlink/hearthlink/pkg/config"
	"github.com/hearthlink/hearthlink/pkg/discovery"
	apperrors "github.com/hearthlink/hearthlink/pkg/errors"
	"github.com/hearthlink/hearthlink/pkg/favourites"
	"github.com/hearthlink/hearthlink/pkg/log"
	"github.com/hearthlink/hearthlink/pkg/session"
	"github.com/hearthlink/hearthlink/pkg/signer"
	"github.com/hearthlink/hearthlink/pkg/statecache"
	"github.com/hearthlink/hearthlink/pkg/storage"
	"github.com/hearthlink/hearthlink/pkg/types"
)

// Client is the host-facing runtime: it wires the credential lifecycle
// manager, the streaming session, the correlator and the state cache into
// the two operations callers need: get current state and issue command.
type Client struct {
	cfg    *config.Config
	store  storage.Store
	creds  *auth.Manager
	sess   *session.Manager
	corr   *command.Correlator
	cache  *statecache.Cache
	disc   *discovery.Client
	favs   *favourites.Service
	logger zerolog.Logger

	// mu guards devices
	mu      sync.RWMutex
	devices map[string]types.Device
}

type options struct {
	store     storage.Store
	transport session.Transport
	signer    signer.Signer
	authOpts  []auth.Option
	discOpts  []discovery.Option
}

// Option customizes construction, mainly for tests.
type Option func(*options)

// WithStore substitutes the persistent store.
func WithStore(s storage.Store) Option {
	return func(o *options) { o.store = s }
}

// WithTransport substitutes the streaming transport.
func WithTransport(t session.Transport) Option {
	return func(o *options) { o.transport = t }
}

// WithSigner substitutes the signing primitive.
func WithSigner(s signer.Signer) Option {
	return func(o *options) { o.signer = s }
}

// WithAuthOptions forwards options to the credential lifecycle manager.
func WithAuthOptions(opts ...auth.Option) Option {
	return func(o *options) { o.authOpts = append(o.authOpts, opts...) }
}

// WithDiscoveryOptions forwards options to the discovery client.
func WithDiscoveryOptions(opts ...discovery.Option) Option {
	return func(o *options) { o.discOpts = append(o.discOpts, opts...) }
}

// New assembles the runtime. One Client serves one authenticated identity.
func New(cfg *config.Config, opts ...Option) (*Client, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	if o.store == nil {
		store, err := storage.NewBoltStore(cfg.DataDir)
		if err != nil {
			return nil, err
		}
		o.store = store
	}
	if o.signer == nil {
		o.signer = signer.NewV4()
	}
	if o.transport == nil {
		o.transport = session.NewPahoTransport()
	}

	creds, err := auth.NewManager(cfg, o.store, o.authOpts...)
	if err != nil {
		o.store.Close()
		return nil, err
	}

	sess := session.NewManager(cfg, creds, o.signer, o.transport)
	corr := command.NewCorrelator(sess)
	cache := statecache.NewCache()

	// Inbound routing: push topics feed the cache, response topics feed the
	// correlator, disconnects fail pending commands immediately.
	sess.OnStatePush(cache.Apply)
	sess.OnCommandResponse(corr.Resolve)
	sess.OnDisconnect(corr.FailAll)

	return &Client{
		cfg:     cfg,
		store:   o.store,
		creds:   creds,
		sess:    sess,
		corr:    corr,
		cache:   cache,
		disc:    discovery.NewClient(cfg, creds, o.signer, o.discOpts...),
		favs:    favourites.NewService(cfg, creds),
		logger:  log.WithComponent("appliance"),
		devices: make(map[string]types.Device),
	}, nil
}

// Login performs the one-time password bootstrap and persists the resulting
// refresh credential.
func (c *Client) Login(ctx context.Context, username, password string) error {
	return c.creds.Login(ctx, username, password)
}

// HasCredentials reports whether a bootstrap has happened.
func (c *Client) HasCredentials() bool {
	return c.creds.HasRefreshCredential()
}

// Start discovers appliances, connects the streaming session, subscribes to
// every device's topics, and requests initial state.
func (c *Client) Start(ctx context.Context) error {
	devices, err := c.disc.Devices(ctx)
	if err != nil {
		if apperrors.Terminal(err) {
			return err
		}
		// Fall back to the persisted inventory so a registry outage does
		// not block startup.
		c.logger.Warn().Err(err).Msg("discovery failed, using persisted inventory")
		devices, err = c.store.LoadDevices()
		if err != nil {
			return err
		}
	} else if err := c.store.SaveDevices(devices); err != nil {
		c.logger.Warn().Err(err).Msg("failed to persist device inventory")
	}

	if len(devices) == 0 {
		return apperrors.New(apperrors.CodeNotFound, "no appliances registered to this account")
	}

	c.mu.Lock()
	for _, d := range devices {
		c.devices[d.SAID] = d
	}
	c.mu.Unlock()

	clientID, err := c.creds.ClientID(ctx)
	if err != nil {
		return err
	}

	var topics []string
	for _, d := range devices {
		topics = append(topics,
			types.StateTopic(d.Model, d.SAID),
			types.CommandResponseTopic(d.Model, d.SAID, clientID),
		)
	}
	if err := c.sess.Subscribe(ctx, topics...); err != nil {
		return err
	}
	if err := c.sess.EnsureConnected(ctx); err != nil {
		return err
	}

	// Prime the cache. Failures here are per-device and non-fatal; pushes
	// will fill the gap.
	for _, d := range devices {
		go func(d types.Device) {
			rctx, cancel := context.WithTimeout(context.Background(), c.cfg.CommandTimeout)
			defer cancel()
			if err := c.RefreshState(rctx, d.SAID); err != nil {
				c.logger.Warn().Err(err).Str("device", log.DeviceField(d.SAID)).
					Msg("initial state query failed")
			}
		}(d)
	}

	return nil
}

// Devices lists the known appliances.
func (c *Client) Devices() []types.Device {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]types.Device, 0, len(c.devices))
	for _, d := range c.devices {
		out = append(out, d)
	}
	return out
}

// GetState returns the last-known state synchronously; no network call.
func (c *Client) GetState(said string) (types.StateDocument, error) {
	if _, err := c.device(said); err != nil {
		return nil, err
	}
	return c.cache.Get(said)
}

// Subscribe registers for change notification on one device.
func (c *Client) Subscribe(said string) (*statecache.Subscription, error) {
	if _, err := c.device(said); err != nil {
		return nil, err
	}
	return c.cache.Subscribe(said), nil
}

// RefreshState queries the device for its current state and installs the
// response as an authoritative update.
func (c *Client) RefreshState(ctx context.Context, said string) error {
	res, err := c.SendCommand(ctx, said, types.AddresseeAppliance,
		map[string]any{"command": types.CmdGetState}, c.cfg.CommandTimeout)
	if err != nil {
		return err
	}
	c.cache.Apply(said, types.StateDocument(res.Body))
	return nil
}

// SendCommand issues one correlated command to a device and waits for its
// response. Command failures are surfaced, never silently retried: appliance
// commands are not safely idempotent.
func (c *Client) SendCommand(ctx context.Context, said, addressee string, body map[string]any, timeout time.Duration) (command.Result, error) {
	dev, err := c.device(said)
	if err != nil {
		return command.Result{}, err
	}
	clientID, err := c.creds.ClientID(ctx)
	if err != nil {
		return command.Result{}, err
	}

	payload := make(map[string]any, len(body)+1)
	for k, v := range body {
		payload[k] = v
	}
	payload["addressee"] = addressee

	topic := types.CommandRequestTopic(dev.Model, dev.SAID, clientID)
	return c.corr.Send(ctx, topic, payload, timeout)
}

// StopCooking cancels the active cook cycle. The session id is read from
// the latest cached state, not from caller memory: the active session can
// change asynchronously.
func (c *Client) StopCooking(ctx context.Context, said string) error {
	body := map[string]any{"command": types.CmdCancel}

	if doc, err := c.cache.Get(said); err == nil {
		if sessionID := doc.ActiveSessionID(types.AddresseePrimaryCavity); sessionID != "" {
			body["sessionId"] = sessionID
		}
	}

	_, err := c.SendCommand(ctx, said, types.AddresseePrimaryCavity, body, c.cfg.CommandTimeout)
	return err
}

// SetCavityLight switches the cavity light.
func (c *Client) SetCavityLight(ctx context.Context, said string, on bool) error {
	_, err := c.SendCommand(ctx, said, types.AddresseePrimaryCavity,
		map[string]any{"command": types.CmdSet, "cavityLight": on}, c.cfg.CommandTimeout)
	return err
}

// Favourites lists the saved presets for one device.
func (c *Client) Favourites(ctx context.Context, said string) ([]favourites.Favourite, error) {
	if _, err := c.device(said); err != nil {
		return nil, err
	}
	return c.favs.Fetch(ctx, said)
}

// TriggerFavourite starts cooking using a saved preset.
func (c *Client) TriggerFavourite(ctx context.Context, said, favID string) error {
	favs, err := c.Favourites(ctx, said)
	if err != nil {
		return err
	}
	for _, fav := range favs {
		if fav.ID != favID {
			continue
		}
		cmd, err := favourites.Resolve(fav)
		if err != nil {
			return err
		}
		_, err = c.SendCommand(ctx, said, cmd.Addressee, cmd.Body, c.cfg.CommandTimeout)
		return err
	}
	return apperrors.Newf(apperrors.CodeNotFound, "favourite %q not found", favID)
}

// Shutdown drains the streaming session and releases all resources.
func (c *Client) Shutdown(ctx context.Context) {
	c.sess.Shutdown(ctx)
	if err := c.store.Close(); err != nil {
		c.logger.Warn().Err(err).Msg("failed to close store")
	}
}

func (c *Client) device(said string) (types.Device, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	dev, ok := c.devices[said]
	if !ok {
		return types.Device{}, apperrors.New(apperrors.CodeNotFound, "unknown device")
	}
	return dev, nil
}
