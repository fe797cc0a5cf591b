package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models draftdesk.yml.
type Config struct {
	Remote struct {
		BaseURL        string `yaml:"base_url"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"remote"`
	Kinds    map[string]KindConfig `yaml:"kinds"`
	Webhooks []WebhookConfig       `yaml:"webhooks"`
}

// KindConfig describes one editable entity kind.
type KindConfig struct {
	Description string   `yaml:"description"`
	LabelFields []string `yaml:"label_fields"`
	Locales     []string `yaml:"locales"`
}

// WebhookConfig names an endpoint notified of lifecycle events.
type WebhookConfig struct {
	URL    string   `yaml:"url"`
	Events []string `yaml:"events"`
}

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run ddk init or pass --config", path)
		}
		return nil, err
	}
	return FromYAML(data)
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

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if len(c.Kinds) == 0 {
		return fmt.Errorf("config.kinds must define at least one entity kind")
	}
	for kind, kc := range c.Kinds {
		if kind == "" {
			return fmt.Errorf("config.kinds contains an empty kind id")
		}
		for _, field := range kc.LabelFields {
			if field == "" {
				return fmt.Errorf("kind %s has an empty label field", kind)
			}
		}
		for _, locale := range kc.Locales {
			if locale == "" {
				return fmt.Errorf("kind %s has an empty locale", kind)
			}
		}
	}
	for i, wh := range c.Webhooks {
		if wh.URL == "" {
			return fmt.Errorf("webhook %d has no url", i)
		}
	}
	return nil
}

// KnownKind reports whether an entity kind is in the catalog.
func (c *Config) KnownKind(kind string) bool {
	_, ok := c.Kinds[kind]
	return ok
}

// LabelFields returns the configured label fields for a kind.
func (c *Config) LabelFields(kind string) []string {
	if kc, ok := c.Kinds[kind]; ok {
		return kc.LabelFields
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "draftdesk.yml")
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `remote:
  base_url: http://127.0.0.1:9000
  timeout_seconds: 15

kinds:
  stakeholder:
    description: "Partner and stakeholder records"
    label_fields: [name]
    locales: [en, fr, ar]
  mission-vision:
    description: "Mission and vision statements"
    label_fields: [title]
    locales: [en, fr, ar]
  program:
    description: "Program records"
    label_fields: [name, title]
    locales: [en, fr, ar]
  focus-area:
    description: "Focus areas"
    label_fields: [name]
    locales: [en, fr, ar]
  project:
    description: "Project records"
    label_fields: [name, title]
    locales: [en, fr, ar]
  team-member:
    description: "Team member profiles"
    label_fields: [name]
    locales: [en, fr, ar]
`
