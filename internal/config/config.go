package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config models drawline.yml.
type Config struct {
	Events struct {
		DefaultMaxRegistration int `yaml:"default_max_registration"`
		DefaultSelectNum       int `yaml:"default_select_num"`
	} `yaml:"events"`
	Lottery struct {
		InviteMessage string  `yaml:"invite_message"`
		Seed          *uint64 `yaml:"seed,omitempty"`
	} `yaml:"lottery"`
	Admins   []string        `yaml:"admins"`
	Delivery DeliveryConfig  `yaml:"delivery"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type DeliveryConfig struct {
	IntervalSeconds int `yaml:"interval_seconds"`
	BatchSize       int `yaml:"batch_size"`
	MaxAttempts     int `yaml:"max_attempts"`
}

type WebhookConfig struct {
	URL            string `yaml:"url"`
	Secret         string `yaml:"secret,omitempty"`
	TimeoutSeconds int    `yaml:"timeout_seconds,omitempty"`
	Enabled        *bool  `yaml:"enabled,omitempty"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with dl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Events.DefaultMaxRegistration < 0 {
		return fmt.Errorf("config.events.default_max_registration must be >= 0")
	}
	if c.Events.DefaultSelectNum < 0 {
		return fmt.Errorf("config.events.default_select_num must be >= 0")
	}
	if strings.TrimSpace(c.Lottery.InviteMessage) == "" {
		return fmt.Errorf("config.lottery.invite_message is required")
	}
	for i, admin := range c.Admins {
		if strings.TrimSpace(admin) == "" {
			return fmt.Errorf("config.admins[%d] is empty", i)
		}
	}
	if c.Delivery.IntervalSeconds < 0 || c.Delivery.BatchSize < 0 || c.Delivery.MaxAttempts < 0 {
		return fmt.Errorf("config.delivery values must be >= 0")
	}
	for i, hook := range c.Webhooks {
		u, err := url.Parse(strings.TrimSpace(hook.URL))
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("config.webhooks[%d].url is invalid", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must be >= 0", i)
		}
	}
	return nil
}

// IsAdmin reports whether participantID may switch into admin mode.
func (c *Config) IsAdmin(participantID string) bool {
	if c == nil {
		return false
	}
	for _, a := range c.Admins {
		if strings.TrimSpace(a) == participantID {
			return true
		}
	}
	return false
}

// InviteMessage renders the lottery invitation text for an event name.
func (c *Config) InviteMessage(eventName string) string {
	msg := defaultInviteMessage
	if c != nil && strings.TrimSpace(c.Lottery.InviteMessage) != "" {
		msg = c.Lottery.InviteMessage
	}
	return strings.ReplaceAll(msg, "{event}", eventName)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "drawline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Missing keys
// keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultInviteMessage = "You have been selected for {event}. Accept or decline your invitation."

const defaultTemplate = `events:
  default_max_registration: 0
  default_select_num: 0

lottery:
  invite_message: "You have been selected for {event}. Accept or decline your invitation."

admins: []

delivery:
  interval_seconds: 2
  batch_size: 100
  max_attempts: 5

webhooks: []
`
