package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/NissesSenap/teams-changefeed/internal/change"
	"github.com/NissesSenap/teams-changefeed/internal/resource"
)

const envPrefix = "CHANGEFEED"

// Longest lifetime Graph accepts for message subscriptions that include
// resource data.
const maxLifetime = 60 * time.Minute

type Config struct {
	Graph        Graph               `yaml:"graph"`
	Webhook      Webhook             `yaml:"webhook"`
	Subscription Subscription        `yaml:"subscription"`
	Poll         Poll                `yaml:"poll"`
	Storage      Storage             `yaml:"storage"`
	Sink         Sink                `yaml:"sink"`
	Log          Log                 `yaml:"log"`
	RateLimits   Limits              `yaml:"rate_limits"`
	Resources    []resource.Resource `yaml:"resources" ignored:"true"`
}

type Graph struct {
	BaseURL    string        `yaml:"base_url" envconfig:"GRAPH_BASE_URL"`
	APIVersion string        `yaml:"api_version" envconfig:"GRAPH_API_VERSION"`
	Token      string        `yaml:"token,omitempty" envconfig:"GRAPH_TOKEN"`
	Timeout    time.Duration `yaml:"timeout" envconfig:"GRAPH_TIMEOUT"`
}

type Webhook struct {
	ListenAddr   string `yaml:"listen_addr" envconfig:"LISTEN_ADDR"`
	PublicURL    string `yaml:"public_url" envconfig:"PUBLIC_URL"`
	MaxBodyBytes int64  `yaml:"max_body_bytes" envconfig:"MAX_BODY_BYTES"`
	// ValidateTokens checks the validationTokens attached to encrypted
	// deliveries. Requires AppID.
	ValidateTokens bool   `yaml:"validate_tokens" envconfig:"VALIDATE_TOKENS"`
	AppID          string `yaml:"app_id" envconfig:"APP_ID"`
	TenantID       string `yaml:"tenant_id" envconfig:"TENANT_ID"`
	JWKSURL        string `yaml:"jwks_url" envconfig:"JWKS_URL"`
}

type Subscription struct {
	// Push is the default for resources that do not set push themselves.
	Push          bool          `yaml:"push" envconfig:"PUSH"`
	Lifetime      time.Duration `yaml:"lifetime" envconfig:"SUBSCRIPTION_LIFETIME"`
	RenewBefore   time.Duration `yaml:"renew_before" envconfig:"RENEW_BEFORE"`
	CheckInterval time.Duration `yaml:"check_interval" envconfig:"CHECK_INTERVAL"`
	KeyBits       int           `yaml:"key_bits" envconfig:"KEY_BITS"`
	KeyGrace      time.Duration `yaml:"key_grace" envconfig:"KEY_GRACE"`
	ChangeType    string        `yaml:"change_type" envconfig:"CHANGE_TYPE"`
}

type Poll struct {
	Interval time.Duration `yaml:"interval" envconfig:"POLL_INTERVAL"`
	PageSize int           `yaml:"page_size" envconfig:"POLL_PAGE_SIZE"`
	// Force keeps polling resources that push already carries.
	Force bool `yaml:"force" envconfig:"POLL_FORCE"`
}

type Storage struct {
	DSN string `yaml:"dsn" envconfig:"STORAGE_DSN"`
	// IdentityFile holds the age identity that seals subscription keys at
	// rest. Empty stores them unsealed.
	IdentityFile string `yaml:"age_identity_file" envconfig:"AGE_IDENTITY_FILE"`
}

type Sink struct {
	Kind     string `yaml:"kind" envconfig:"SINK_KIND"`
	Project  string `yaml:"project" envconfig:"PUBSUB_PROJECT"`
	Topic    string `yaml:"topic" envconfig:"PUBSUB_TOPIC"`
	Encoding string `yaml:"encoding" envconfig:"SINK_ENCODING"`
	// LogRecords also logs every record when Kind is not log.
	LogRecords bool `yaml:"log_records" envconfig:"SINK_LOG_RECORDS"`
}

type Log struct {
	Level  string `yaml:"level" envconfig:"LOG_LEVEL"`
	Format string `yaml:"format" envconfig:"LOG_FORMAT"`
}

type Limits struct {
	RequestsPerSecond float64 `yaml:"requests_per_second" envconfig:"REQUESTS_PER_SECOND"`
	MaxConcurrent     int     `yaml:"max_concurrent" envconfig:"MAX_CONCURRENT"`
}

// Sink kinds.
const (
	SinkLog    = "log"
	SinkStdout = "stdout"
	SinkPubSub = "pubsub"
)

// ConfigPath returns the configuration file path
// Default: ~/.config/changefeed/config.yaml
func ConfigPath() string {
	if path := os.Getenv("CHANGEFEED_CONFIG"); path != "" {
		return path
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "changefeed", "config.yaml")
}

// Load layers defaults, the YAML file and CHANGEFEED_* environment variables,
// in that order of precedence.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	configPath := ConfigPath()
	data, err := os.ReadFile(configPath)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", configPath, err)
		}
	case !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("reading %s: %w", configPath, err)
	}

	// Nested structs are processed with the same prefix to keep the
	// variable names flat.
	sections := []any{
		&cfg.Graph, &cfg.Webhook, &cfg.Subscription, &cfg.Poll,
		&cfg.Storage, &cfg.Sink, &cfg.Log, &cfg.RateLimits,
	}
	for _, s := range sections {
		if err := envconfig.Process(envPrefix, s); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// Validate reports the first invalid field.
func (c *Config) Validate() error {
	if _, err := parseHTTPURL(c.Graph.BaseURL); err != nil {
		return fmt.Errorf("graph.base_url: %w", err)
	}
	if strings.TrimSpace(c.Graph.APIVersion) == "" {
		return errors.New("graph.api_version must not be empty")
	}
	if c.Graph.Timeout <= 0 {
		return errors.New("graph.timeout must be positive")
	}

	if c.Webhook.MaxBodyBytes <= 0 {
		return errors.New("webhook.max_body_bytes must be positive")
	}
	if c.Webhook.ValidateTokens && strings.TrimSpace(c.Webhook.AppID) == "" {
		return errors.New("webhook.app_id is required when validate_tokens is set")
	}
	if c.Webhook.JWKSURL != "" {
		if _, err := parseHTTPURL(c.Webhook.JWKSURL); err != nil {
			return fmt.Errorf("webhook.jwks_url: %w", err)
		}
	}

	s := c.Subscription
	if s.Lifetime <= 0 || s.Lifetime > maxLifetime {
		return fmt.Errorf("subscription.lifetime must be within (0, %s]", maxLifetime)
	}
	if s.RenewBefore <= 0 || s.RenewBefore >= s.Lifetime {
		return errors.New("subscription.renew_before must be positive and shorter than lifetime")
	}
	if s.CheckInterval <= 0 {
		return errors.New("subscription.check_interval must be positive")
	}
	if s.KeyBits < 2048 {
		return errors.New("subscription.key_bits must be at least 2048")
	}
	if s.KeyGrace < 0 {
		return errors.New("subscription.key_grace must not be negative")
	}
	if strings.TrimSpace(s.ChangeType) == "" {
		return errors.New("subscription.change_type must not be empty")
	}

	if c.Poll.Interval <= 0 {
		return errors.New("poll.interval must be positive")
	}
	if c.Poll.PageSize < 1 || c.Poll.PageSize > 50 {
		return errors.New("poll.page_size must be between 1 and 50")
	}

	switch c.Sink.Kind {
	case SinkLog, SinkStdout:
	case SinkPubSub:
		if c.Sink.Project == "" || c.Sink.Topic == "" {
			return errors.New("sink.project and sink.topic are required for the pubsub sink")
		}
	default:
		return fmt.Errorf("sink.kind %q must be one of %s, %s, %s", c.Sink.Kind, SinkLog, SinkStdout, SinkPubSub)
	}
	if _, err := change.ParseEncoding(c.Sink.Encoding); err != nil {
		return fmt.Errorf("sink.encoding: %w", err)
	}

	if c.RateLimits.RequestsPerSecond <= 0 {
		return errors.New("rate_limits.requests_per_second must be positive")
	}
	if c.RateLimits.MaxConcurrent < 1 {
		return errors.New("rate_limits.max_concurrent must be at least 1")
	}

	seen := make(map[string]bool, len(c.Resources))
	needsPublicURL := false
	for i, r := range c.Resources {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("resources[%d]: %w", i, err)
		}
		if seen[r.Name] {
			return fmt.Errorf("resources[%d]: duplicate name %q", i, r.Name)
		}
		seen[r.Name] = true
		if r.PushEnabled(s.Push) {
			needsPublicURL = true
		}
	}
	if needsPublicURL {
		if _, err := parseHTTPURL(c.Webhook.PublicURL); err != nil {
			return fmt.Errorf("webhook.public_url is required for push resources: %w", err)
		}
	}
	return nil
}

// Redacted returns a copy safe to print.
func (c *Config) Redacted() *Config {
	out := *c
	if out.Graph.Token != "" {
		out.Graph.Token = "REDACTED"
	}
	out.Resources = append([]resource.Resource(nil), c.Resources...)
	return &out
}

func (c *Config) Save() error {
	configPath := ConfigPath()

	// Create directory if not exists
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	// May carry the Graph token.
	return os.WriteFile(configPath, data, 0600)
}

func parseHTTPURL(raw string) (*url.URL, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, errors.New("must not be empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%q is not an absolute http(s) URL", raw)
	}
	return u, nil
}
