package discovery

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"

	"github.com/hearthlink/hearthlink/pkg/config"
	"github.com/hearthlink/hearthlink/pkg/log"
	"github.com/hearthlink/hearthlink/pkg/signer"
	"github.com/hearthlink/hearthlink/pkg/types"
)

const (
	cacheKeyDevices = "devices"
	cacheTTL        = 5 * time.Minute

	// The registry REST API signs under the gateway service name.
	signingService = "execute-api"
)

// CredentialSource is the slice of the credential lifecycle manager the
// discovery client consumes.
type CredentialSource interface {
	SessionCreds(ctx context.Context) (types.SessionCredentials, error)
	IdentityID(ctx context.Context) (string, error)
}

// Client enumerates the appliances registered to the authenticated identity
// from the control-plane device registry. Discovery runs at startup and on
// demand, never on the streaming path; results are cached with a short TTL.
type Client struct {
	cfg     *config.Config
	creds   CredentialSource
	signer  signer.Signer
	httpc   *http.Client
	logger  zerolog.Logger
	now     func() time.Time
	baseURL string

	cache *gocache.Cache
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client (tests).
func WithHTTPClient(c *http.Client) Option {
	return func(d *Client) { d.httpc = c }
}

// WithBaseURL overrides the registry endpoint (tests).
func WithBaseURL(u string) Option {
	return func(d *Client) { d.baseURL = u }
}

// NewClient creates a discovery client.
func NewClient(cfg *config.Config, creds CredentialSource, sig signer.Signer, opts ...Option) *Client {
	c := &Client{
		cfg:    cfg,
		creds:  creds,
		signer: sig,
		httpc:  &http.Client{Timeout: cfg.HTTPTimeout},
		logger: log.WithComponent("discovery"),
		now:    time.Now,
		cache:  gocache.New(cacheTTL, 2*cacheTTL),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.baseURL == "" {
		c.baseURL = fmt.Sprintf("https://iot.%s.amazonaws.com", cfg.Region)
	}
	return c
}

// Devices returns the account's appliances, served from cache within the
// TTL.
func (c *Client) Devices(ctx context.Context) ([]types.Device, error) {
	if cached, ok := c.cache.Get(cacheKeyDevices); ok {
		return cached.([]types.Device), nil
	}
	devices, err := c.discover(ctx)
	if err != nil {
		return nil, err
	}
	c.cache.Set(cacheKeyDevices, devices, gocache.DefaultExpiration)
	return devices, nil
}

// Refresh drops the cached inventory and re-discovers.
func (c *Client) Refresh(ctx context.Context) ([]types.Device, error) {
	c.cache.Delete(cacheKeyDevices)
	return c.Devices(ctx)
}

func (c *Client) discover(ctx context.Context) ([]types.Device, error) {
	identityID, err := c.creds.IdentityID(ctx)
	if err != nil {
		return nil, err
	}
	// The registry group name is the UUID portion of the identity reference.
	parts := strings.Split(identityID, ":")
	group := parts[len(parts)-1]

	var listing struct {
		Things []string `json:"things"`
	}
	path := fmt.Sprintf("/thing-groups/%s/things", group)
	if err := c.getSigned(ctx, path, &listing); err != nil {
		return nil, fmt.Errorf("failed to list registry group: %w", err)
	}

	devices := make([]types.Device, 0, len(listing.Things))
	for _, thing := range listing.Things {
		var desc struct {
			ThingTypeName string            `json:"thingTypeName"`
			Attributes    map[string]string `json:"attributes"`
		}
		dlog := log.WithDevice(thing)
		if err := c.getSigned(ctx, "/things/"+thing, &desc); err != nil {
			dlog.Warn().Err(err).Msg("describe failed")
			continue
		}
		dlog.Debug().Str("model", desc.ThingTypeName).Msg("appliance described")
		devices = append(devices, types.Device{
			SAID:  thing,
			Model: desc.ThingTypeName,
			Name:  displayName(desc.Attributes, thing),
		})
	}

	c.logger.Info().Int("count", len(devices)).Msg("appliance discovery complete")
	return devices, nil
}

// displayName builds a human-readable label from registry attributes. The
// Name attribute is hex-encoded UTF-8 padded with NULs.
func displayName(attrs map[string]string, fallback string) string {
	name := attrs["Name"]
	if decoded, err := hex.DecodeString(name); err == nil {
		name = strings.TrimRight(string(decoded), "\x00")
	}

	label := strings.TrimSpace(title(attrs["Brand"]) + " " + title(attrs["Category"]))
	if name != "" {
		if label != "" {
			return label + " (" + name + ")"
		}
		return name
	}
	if label != "" {
		return label
	}
	return fallback
}

// title uppercases the first rune of an all-caps registry attribute.
func title(s string) string {
	s = strings.ToLower(s)
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func (c *Client) getSigned(ctx context.Context, path string, out any) error {
	creds, err := c.creds.SessionCreds(ctx)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	if err := c.signer.SignRequest(ctx, creds, req, nil, signingService, c.cfg.Region, c.now()); err != nil {
		return err
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("registry returned HTTP %d", resp.StatusCode)
	}
	return json.Unmarshal(raw, out)
}
