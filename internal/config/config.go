// Package config loads the service configuration from a YAML file, with
// environment-variable overrides for secrets so they never need to live on
// disk.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like "15m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	OAuth    OAuthConfig    `yaml:"oauth"`
	PubSub   PubSubConfig   `yaml:"pubsub"`
	Watch    WatchConfig    `yaml:"watch"`
	Poll     PollConfig     `yaml:"poll"`
	Gemini   GeminiConfig   `yaml:"gemini"`
	Textbelt TextbeltConfig `yaml:"textbelt"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
	// BaseURL is the externally reachable prefix used to build the SMS
	// reply webhook URL.
	BaseURL string `yaml:"base_url"`
}

type DatabaseConfig struct {
	// DSN is a lib/pq connection string. Empty selects the in-memory
	// store, which only makes sense for local development.
	DSN string `yaml:"dsn"`
}

type OAuthConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	RedirectURL  string `yaml:"redirect_url"`
}

type PubSubConfig struct {
	ProjectID string `yaml:"project_id"`
	// Topic is the fully qualified topic name handed to the provider when
	// opening a watch, e.g. projects/p/topics/mail.
	Topic string `yaml:"topic"`
	// Subscription enables the streaming pull listener when set.
	Subscription   string `yaml:"subscription"`
	MaxOutstanding int    `yaml:"max_outstanding"`
}

type WatchConfig struct {
	// LabelIDs restricts notifications to these labels; empty watches the
	// whole mailbox.
	LabelIDs []string `yaml:"label_ids"`
}

type PollConfig struct {
	Interval    Duration `yaml:"interval"`
	Concurrency int      `yaml:"concurrency"`
}

type GeminiConfig struct {
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`
}

type TextbeltConfig struct {
	Key string `yaml:"key"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Load reads the file at path, applies environment overrides for secrets
// (DATABASE_DSN, GEMINI_API_KEY, TEXTBELT_KEY), fills defaults, and
// validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if dsn := os.Getenv("DATABASE_DSN"); dsn != "" {
		cfg.Database.DSN = dsn
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		cfg.Gemini.APIKey = key
	}
	if key := os.Getenv("TEXTBELT_KEY"); key != "" {
		cfg.Textbelt.Key = key
	}
	if secret := os.Getenv("GOOGLE_CLIENT_SECRET"); secret != "" {
		cfg.OAuth.ClientSecret = secret
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config %s: %w", path, err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Poll.Interval == 0 {
		c.Poll.Interval = Duration(15 * time.Minute)
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

func (c *Config) Validate() error {
	if c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id is required")
	}
	if c.PubSub.Topic == "" {
		return fmt.Errorf("pubsub.topic is required")
	}
	if c.Gemini.APIKey == "" {
		return fmt.Errorf("gemini api key is required (set GEMINI_API_KEY or gemini.api_key)")
	}
	if c.Poll.Interval.Std() < time.Minute {
		return fmt.Errorf("poll.interval %s is too aggressive; minimum is 1m", c.Poll.Interval.Std())
	}
	return nil
}

// SMSReplyURL is where the SMS provider should post inbound replies. Empty
// when no base URL is configured, which disables the confirmation webhook.
func (c *Config) SMSReplyURL() string {
	if c.Server.BaseURL == "" {
		return ""
	}
	return c.Server.BaseURL + "/sms/reply"
}
