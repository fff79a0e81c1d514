package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "finagent.yaml")
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))
	return path
}

func TestLoadAndValidate(t *testing.T) {
	t.Setenv("SLACK_WEBHOOK_URL", "https://hooks.slack.com/services/T/B/X")
	t.Setenv("FINAGENT_PG", "postgres://finagent@localhost/finagent")

	path := writeConfig(t, `
policy_path: "./policies/finagent.yaml"
db:
  driver: postgres
  dsn: "${FINAGENT_PG}"
slack:
  enabled: true
  webhook_url: "${SLACK_WEBHOOK_URL}"
redis:
  addr: "localhost:6379"
  ttl: 12h
approvals:
  timeout: 2h
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "https://hooks.slack.com/services/T/B/X", cfg.Slack.WebhookURL)
	assert.Equal(t, "postgres://finagent@localhost/finagent", cfg.DB.DSN)
	assert.Equal(t, 12*time.Hour, cfg.Redis.TTL)
	assert.Equal(t, 2*time.Hour, cfg.Approvals.Timeout)
	assert.Equal(t, 5*time.Second, cfg.Approvals.PollInterval, "unset fields keep defaults")
	assert.Equal(t, ":9090", cfg.Metrics.ListenAddr)
}

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"missing policy":     func(c *Config) { c.PolicyPath = "" },
		"unknown driver":     func(c *Config) { c.DB = DBConfig{Driver: "mysql", DSN: "x"} },
		"driver without dsn": func(c *Config) { c.DB.Driver = "sqlite" },
		"slack without url":  func(c *Config) { c.Slack.Enabled = true },
		"negative ttl":       func(c *Config) { c.Redis.TTL = -time.Second },
		"negative rate":      func(c *Config) { c.Outbox.RatePerSecond = -1 },
		"zero poll":          func(c *Config) { c.Outbox.PollInterval = 0 },
		"zero timeout":       func(c *Config) { c.Approvals.Timeout = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("does-not-exist.yaml")
	assert.Error(t, err)
}

func TestLoadMalformedYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "db: [unclosed"))
	assert.Error(t, err)
}
