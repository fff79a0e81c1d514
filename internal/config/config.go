package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the process configuration. The policy document itself lives in
// its own file named by PolicyPath.
type Config struct {
	PolicyPath string          `yaml:"policy_path"`
	DB         DBConfig        `yaml:"db"`
	Slack      SlackConfig     `yaml:"slack"`
	Redis      RedisConfig     `yaml:"redis"`
	Outbox     OutboxConfig    `yaml:"outbox"`
	Metrics    MetricsConfig   `yaml:"metrics"`
	Approvals  ApprovalsConfig `yaml:"approvals"`
}

// DBConfig selects the store. An empty driver keeps everything in memory.
type DBConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type SlackConfig struct {
	Enabled        bool   `yaml:"enabled"`
	WebhookURL     string `yaml:"webhook_url"`
	DefaultChannel string `yaml:"default_channel"`
}

// RedisConfig enables event deduplication when Addr is set.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

type OutboxConfig struct {
	PollInterval  time.Duration `yaml:"poll_interval"`
	RatePerSecond float64       `yaml:"rate_per_second"`
	Burst         int           `yaml:"burst"`
}

type MetricsConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

type ApprovalsConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	Timeout      time.Duration `yaml:"timeout"`
}

// Default is the configuration used when no file is given.
func Default() Config {
	return Config{
		PolicyPath: "policies/finagent.yaml",
		Outbox:     OutboxConfig{PollInterval: 5 * time.Second, RatePerSecond: 1, Burst: 5},
		Metrics:    MetricsConfig{ListenAddr: ":9090"},
		Approvals:  ApprovalsConfig{PollInterval: 5 * time.Second, Timeout: 24 * time.Hour},
	}
}

// Load reads path, expands ${VAR} references and fills unset fields from Default.
func Load(path string) (Config, error) {
	// #nosec G304 -- path is operator-provided config path.
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	expanded := os.ExpandEnv(string(raw))
	expanded = strings.ReplaceAll(expanded, "\r\n", "\n")

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if c.PolicyPath == "" {
		return fmt.Errorf("policy_path is required")
	}

	switch c.DB.Driver {
	case "", "sqlite", "postgres":
	default:
		return fmt.Errorf("db.driver must be sqlite or postgres, got %q", c.DB.Driver)
	}
	if c.DB.Driver != "" && c.DB.DSN == "" {
		return fmt.Errorf("db.dsn is required when db.driver is set")
	}

	if c.Slack.Enabled && c.Slack.WebhookURL == "" {
		return fmt.Errorf("slack.webhook_url is required when slack.enabled=true")
	}

	if c.Redis.TTL < 0 {
		return fmt.Errorf("redis.ttl must not be negative")
	}
	if c.Outbox.RatePerSecond < 0 {
		return fmt.Errorf("outbox.rate_per_second must not be negative")
	}
	if c.Outbox.PollInterval <= 0 {
		return fmt.Errorf("outbox.poll_interval must be positive")
	}
	if c.Approvals.PollInterval <= 0 || c.Approvals.Timeout <= 0 {
		return fmt.Errorf("approvals.poll_interval and approvals.timeout must be positive")
	}
	return nil
}
