package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NissesSenap/teams-changefeed/internal/resource"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "https://graph.microsoft.com", cfg.Graph.BaseURL)
	assert.Equal(t, "v1.0", cfg.Graph.APIVersion)
	assert.Equal(t, 55*time.Minute, cfg.Subscription.Lifetime)
	assert.Equal(t, 10*time.Minute, cfg.Subscription.RenewBefore)
	assert.Equal(t, 2048, cfg.Subscription.KeyBits)
	assert.True(t, cfg.Subscription.Push)
	assert.Equal(t, 50, cfg.Poll.PageSize)
	assert.Equal(t, SinkLog, cfg.Sink.Kind)
	assert.Equal(t, 10.0, cfg.RateLimits.RequestsPerSecond)
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("CHANGEFEED_CONFIG", filepath.Join(t.TempDir(), "nonexistent.yaml"))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "v1.0", cfg.Graph.APIVersion)
	assert.Equal(t, 10.0, cfg.RateLimits.RequestsPerSecond)
}

func TestLoadConfig_FromFile(t *testing.T) {
	tempDir := t.TempDir()
	configPath := filepath.Join(tempDir, "config.yaml")

	yamlContent := `
graph:
  api_version: "beta"
  timeout: 10s
webhook:
  public_url: "https://hooks.example.com"
  validate_tokens: true
  app_id: "11111111-2222-3333-4444-555555555555"
subscription:
  lifetime: 45m
  renew_before: 5m
poll:
  interval: 2m
  page_size: 20
sink:
  kind: pubsub
  project: demo
  topic: changes
  encoding: cbor
resources:
  - name: general
    kind: channel
    team_id: team-1
    channel_id: "19:abc@thread.tacv2"
  - name: standup
    kind: chat
    chat_id: "19:xyz@thread.v2"
    push: false
`

	err := os.WriteFile(configPath, []byte(yamlContent), 0644)
	require.NoError(t, err)

	t.Setenv("CHANGEFEED_CONFIG", configPath)

	cfg, err := Load()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "beta", cfg.Graph.APIVersion)
	assert.Equal(t, 10*time.Second, cfg.Graph.Timeout)
	assert.Equal(t, "https://hooks.example.com", cfg.Webhook.PublicURL)
	assert.True(t, cfg.Webhook.ValidateTokens)
	assert.Equal(t, 45*time.Minute, cfg.Subscription.Lifetime)
	assert.Equal(t, 5*time.Minute, cfg.Subscription.RenewBefore)
	assert.Equal(t, 2*time.Minute, cfg.Poll.Interval)
	assert.Equal(t, 20, cfg.Poll.PageSize)
	assert.Equal(t, SinkPubSub, cfg.Sink.Kind)
	assert.Equal(t, "cbor", cfg.Sink.Encoding)

	require.Len(t, cfg.Resources, 2)
	assert.Equal(t, resource.KindChannel, cfg.Resources[0].Kind)
	assert.Equal(t, "19:abc@thread.tacv2", cfg.Resources[0].ChannelID)
	assert.True(t, cfg.Resources[0].PushEnabled(cfg.Subscription.Push))
	assert.False(t, cfg.Resources[1].PushEnabled(cfg.Subscription.Push))

	// Defaults survive for keys the file does not set.
	assert.Equal(t, 2048, cfg.Subscription.KeyBits)
}

func TestLoadConfig_EnvOverride(t *testing.T) {
	tempDir := t.TempDir()
	configPath := filepath.Join(tempDir, "config.yaml")

	yamlContent := `
graph:
  token: "from-file"
rate_limits:
  requests_per_second: 10.0
storage:
  dsn: "/var/lib/changefeed/state.db"
`

	err := os.WriteFile(configPath, []byte(yamlContent), 0644)
	require.NoError(t, err)

	t.Setenv("CHANGEFEED_CONFIG", configPath)
	t.Setenv("CHANGEFEED_GRAPH_TOKEN", "from-env")
	t.Setenv("CHANGEFEED_REQUESTS_PER_SECOND", "20.0")
	t.Setenv("CHANGEFEED_SUBSCRIPTION_LIFETIME", "30m")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Graph.Token)
	assert.Equal(t, 20.0, cfg.RateLimits.RequestsPerSecond)
	assert.Equal(t, 30*time.Minute, cfg.Subscription.Lifetime)

	// Values not overridden by env should come from YAML
	assert.Equal(t, "/var/lib/changefeed/state.db", cfg.Storage.DSN)
}

func TestConfigPrecedence(t *testing.T) {
	// defaults < YAML < env vars
	tempDir := t.TempDir()
	configPath := filepath.Join(tempDir, "config.yaml")

	yamlContent := `
poll:
  page_size: 25
log:
  level: "debug"
`

	err := os.WriteFile(configPath, []byte(yamlContent), 0644)
	require.NoError(t, err)

	t.Setenv("CHANGEFEED_CONFIG", configPath)
	t.Setenv("CHANGEFEED_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 10.0, cfg.RateLimits.RequestsPerSecond)
	assert.Equal(t, 25, cfg.Poll.PageSize)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadConfig_BadEnvValue(t *testing.T) {
	t.Setenv("CHANGEFEED_CONFIG", filepath.Join(t.TempDir(), "nonexistent.yaml"))
	t.Setenv("CHANGEFEED_POLL_INTERVAL", "often")

	_, err := Load()
	require.Error(t, err)
}

func TestConfigPath_Default(t *testing.T) {
	t.Setenv("CHANGEFEED_CONFIG", "")

	path := ConfigPath()
	assert.Contains(t, path, filepath.Join(".config", "changefeed", "config.yaml"))
}

func TestConfigPath_CustomEnv(t *testing.T) {
	customPath := "/custom/path/config.yaml"
	t.Setenv("CHANGEFEED_CONFIG", customPath)

	assert.Equal(t, customPath, ConfigPath())
}

func TestConfigSave(t *testing.T) {
	tempDir := t.TempDir()
	configPath := filepath.Join(tempDir, "config.yaml")

	t.Setenv("CHANGEFEED_CONFIG", configPath)

	cfg := DefaultConfig()
	cfg.Graph.Token = "secret"
	cfg.Webhook.PublicURL = "https://hooks.example.com"
	cfg.Poll.Interval = 90 * time.Second
	cfg.Resources = []resource.Resource{
		{Name: "general", Kind: resource.KindChannel, TeamID: "t", ChannelID: "c"},
	}

	require.NoError(t, cfg.Save())

	info, err := os.Stat(configPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	loaded, err := Load()
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestConfigSave_CreatesDirectory(t *testing.T) {
	tempDir := t.TempDir()
	configPath := filepath.Join(tempDir, "nested", "dir", "config.yaml")

	t.Setenv("CHANGEFEED_CONFIG", configPath)

	require.NoError(t, DefaultConfig().Save())

	_, err := os.Stat(configPath)
	require.NoError(t, err)
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	tempDir := t.TempDir()
	configPath := filepath.Join(tempDir, "invalid.yaml")

	invalidYAML := `
this is not: valid: yaml: content
  bad indentation
`

	err := os.WriteFile(configPath, []byte(invalidYAML), 0644)
	require.NoError(t, err)

	t.Setenv("CHANGEFEED_CONFIG", configPath)

	_, err = Load()
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	push := resource.Resource{Name: "general", Kind: resource.KindChannel, TeamID: "t", ChannelID: "c"}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"defaults", func(c *Config) {}, ""},
		{"relative base url", func(c *Config) { c.Graph.BaseURL = "/graph" }, "graph.base_url"},
		{"lifetime too long", func(c *Config) { c.Subscription.Lifetime = 2 * time.Hour }, "subscription.lifetime"},
		{"renew before lifetime", func(c *Config) { c.Subscription.RenewBefore = c.Subscription.Lifetime }, "subscription.renew_before"},
		{"small key", func(c *Config) { c.Subscription.KeyBits = 1024 }, "subscription.key_bits"},
		{"page size", func(c *Config) { c.Poll.PageSize = 51 }, "poll.page_size"},
		{"unknown sink", func(c *Config) { c.Sink.Kind = "kafka" }, "sink.kind"},
		{"pubsub needs topic", func(c *Config) { c.Sink.Kind = SinkPubSub; c.Sink.Project = "p" }, "sink.project"},
		{"bad encoding", func(c *Config) { c.Sink.Encoding = "xml" }, "sink.encoding"},
		{"tokens need app id", func(c *Config) { c.Webhook.ValidateTokens = true }, "webhook.app_id"},
		{"push needs public url", func(c *Config) { c.Resources = []resource.Resource{push} }, "webhook.public_url"},
		{"poll-only needs no public url", func(c *Config) {
			c.Subscription.Push = false
			c.Resources = []resource.Resource{push}
		}, ""},
		{"duplicate names", func(c *Config) {
			c.Webhook.PublicURL = "https://hooks.example.com"
			c.Resources = []resource.Resource{push, push}
		}, "duplicate name"},
		{"invalid resource", func(c *Config) {
			c.Resources = []resource.Resource{{Name: "x", Kind: resource.KindChat}}
		}, "resources[0]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRedacted(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Graph.Token = "secret"

	out := cfg.Redacted()
	assert.Equal(t, "REDACTED", out.Graph.Token)
	assert.Equal(t, "secret", cfg.Graph.Token)
}
