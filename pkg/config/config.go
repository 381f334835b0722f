package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// BrandCredentials are the OAuth client credentials embedded in the vendor's
// official app binaries. They are per-brand, not per-user.
type BrandCredentials struct {
	ClientID     string
	ClientSecret string
}

// Brands maps a brand name to its OAuth client credentials.
var Brands = map[string]BrandCredentials{
	"whirlpool": {
		ClientID:     "whirlpool_emea_android_v2",
		ClientSecret: "90_3TBRfXfcdCYJj6L5BThEqOBZNkEchrTPT7loqm0gBS_tyeFIIEv47mmYTZkb6",
	},
	"hotpoint": {
		ClientID:     "hotpoint_emea_android_v2",
		ClientSecret: "Z55aTMbCvlpjyma4ynW0m16S3ro1IA9cxzRQGf3IHN9mcfKesZyPT6bfnfevPdr1",
	},
	"kitchenaid": {
		ClientID:     "Kitchenaid_iOS",
		ClientSecret: "kkdPquOHfNH-iIinccTdhAkJmaIdWBhLehhLrfoXRWbKjEpqpdu92PISF_yJEWQs72D2yeC0PdoEKeWgHR9JRA",
	},
	"maytag": {
		ClientID:     "maytag_ios",
		ClientSecret: "OfTy3A3rV4BHuhujkPThVDE9-SFgOymJyUrSbixjViATjCGviXucSKq2OxmPWm8DDj9D1IFno_mZezTYduP-Ig",
	},
}

// AppHeaders match what the official app sends on every REST request. The
// API rejects requests without them.
var AppHeaders = map[string]string{
	"User-Agent":         "okhttp/3.12.0",
	"wp-client-brand":    "WHIRLPOOL",
	"wp-client-region":   "EMEA",
	"wp-client-country":  "GB",
	"wp-client-language": "en",
	"wp-client-version":  "7.0.5",
	"wp-client-appName":  "com.adbglobal.whirlpool",
	"wp-client-platform": "ANDROID",
}

// Config holds the runtime configuration.
type Config struct {
	Brand       string `yaml:"brand"`
	Region      string `yaml:"region"`
	APIBaseURL  string `yaml:"api_base_url"`
	IoTEndpoint string `yaml:"iot_endpoint"`
	DataDir     string `yaml:"data_dir"`

	// ClientSuffix is appended to the Identity Reference to form the
	// streaming client identifier.
	ClientSuffix string `yaml:"client_suffix"`

	// Timeouts. Renewal calls use short bounded network timeouts distinct
	// from token validity windows; command responses arrive over push and
	// are expected within seconds.
	HTTPTimeout    time.Duration `yaml:"http_timeout"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	CommandTimeout time.Duration `yaml:"command_timeout"`
	KeepAlive      time.Duration `yaml:"keep_alive"`

	Log LogConfig `yaml:"log"`
}

// LogConfig controls logging output.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Default returns the configuration for the EMEA production environment.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Brand:          "whirlpool",
		Region:         "eu-central-1",
		APIBaseURL:     "https://prod-api.whrcloud.eu",
		IoTEndpoint:    "wt-eu.applianceconnect.net",
		DataDir:        filepath.Join(home, ".hearthlink"),
		ClientSuffix:   "hearthlink",
		HTTPTimeout:    30 * time.Second,
		ConnectTimeout: 30 * time.Second,
		CommandTimeout: 10 * time.Second,
		KeepAlive:      30 * time.Second,
		Log:            LogConfig{Level: "info"},
	}
}

// Load reads a YAML config file over the defaults. A missing file is not an
// error; env overrides (HEARTHLINK_BRAND, HEARTHLINK_DATA_DIR) apply last.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	if v := os.Getenv("HEARTHLINK_BRAND"); v != "" {
		cfg.Brand = v
	}
	if v := os.Getenv("HEARTHLINK_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}

	return cfg, cfg.Validate()
}

// Validate checks internal consistency.
func (c *Config) Validate() error {
	if _, ok := Brands[c.Brand]; !ok {
		return fmt.Errorf("unknown brand %q", c.Brand)
	}
	if c.Region == "" {
		return fmt.Errorf("region must not be empty")
	}
	if c.IoTEndpoint == "" {
		return fmt.Errorf("iot_endpoint must not be empty")
	}
	if c.CommandTimeout <= 0 {
		return fmt.Errorf("command_timeout must be positive")
	}
	return nil
}

// BrandCreds returns the OAuth client credentials for the configured brand.
func (c *Config) BrandCreds() BrandCredentials {
	return Brands[c.Brand]
}

// AuthURL is the OAuth token endpoint.
func (c *Config) AuthURL() string { return c.APIBaseURL + "/oauth/token" }

// FederationURL is the identity-federation endpoint.
func (c *Config) FederationURL() string { return c.APIBaseURL + "/api/v1/cognito/identityid" }

// FavouritesURL is the saved-favourites endpoint for one device.
func (c *Config) FavouritesURL(said string) string {
	return c.APIBaseURL + "/api/v1/account/favorites/" + said
}

// IdentityPoolURL is the regional identity-pool endpoint used to mint
// temporary signing credentials.
func (c *Config) IdentityPoolURL() string {
	return fmt.Sprintf("https://cognito-identity.%s.amazonaws.com/", c.Region)
}
