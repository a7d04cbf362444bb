package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"modelsync/internal/logging"

	"github.com/adrg/xdg"
	"gopkg.in/yaml.v3"
)

const APP_NAME = "modelsync" // application name used for config and data directories

// ConfigPathEnv overrides the config file location, mainly for tests and containers.
const ConfigPathEnv = "MODELSYNC_CONFIG_PATH"

// Bot token environment variables. Bot material is supplied out of band and
// never written to the config file.
const (
	GitHubBotTokenEnv = "MODELSYNC_GITHUB_BOT_TOKEN"
	GitLabBotTokenEnv = "MODELSYNC_GITLAB_BOT_TOKEN"
)

// ProviderSettings configures one provider family.
type ProviderSettings struct {
	// Domain is the web host repositories live under (github.com, gitlab.example.org).
	Domain string `yaml:"domain"`
	// APIBaseURL overrides the REST endpoint. Empty means the public default
	// for the domain.
	APIBaseURL string `yaml:"api_base_url,omitempty"`
	BotName    string `yaml:"bot_name,omitempty"`
	BotEmail   string `yaml:"bot_email,omitempty"`
}

// Config holds process configuration for modelsync.
type Config struct {
	Version  string `yaml:"version"`   // Track config version
	InitTime int64  `yaml:"init_time"` // Unix timestamp of first save

	// DataDir holds packages.yaml and the mergestates/ directory.
	DataDir    string `yaml:"data_dir"`
	ListenAddr string `yaml:"listen_addr"`

	// WebhookBaseURL is the externally reachable base that providers call back.
	WebhookBaseURL string `yaml:"webhook_base_url,omitempty"`
	WebhookSecret  string `yaml:"webhook_secret,omitempty"`

	// PublicationBaseURL is referenced from generated README files.
	PublicationBaseURL string `yaml:"publication_base_url,omitempty"`

	// WorkflowTemplateDir may contain github-publish.yml and gitlab-ci.yml
	// copied into exported repositories instead of the generated defaults.
	WorkflowTemplateDir string `yaml:"workflow_template_dir,omitempty"`

	GitHub ProviderSettings `yaml:"github"`
	GitLab ProviderSettings `yaml:"gitlab"`
}

// ConfigPath returns the standard config file path for the current platform
func ConfigPath() (string, error) {
	if override := os.Getenv(ConfigPathEnv); override != "" {
		return override, nil
	}

	configDir := filepath.Join(xdg.ConfigHome, APP_NAME)
	configPath := filepath.Join(configDir, "config.yaml")

	logging.Debug("Determined config paths", "path", configPath)
	return configPath, nil
}

// Load loads the config from the standard location.
// A missing file yields DefaultConfig so the server can start unconfigured.
func Load() (*Config, error) {
	configPath, exists := FindConfigFile()
	logging.Debug("Loading config from", "path", configPath)
	if !exists {
		cfg := DefaultConfig()
		return &cfg, nil
	}

	return LoadFrom(configPath)
}

// LoadFrom loads config from a specific path. Unset fields are filled from DefaultConfig.
func LoadFrom(path string) (*Config, error) {
	logging.Debug("Reading config file", "path", path)
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	cfg := DefaultConfig()
	dec := yaml.NewDecoder(f)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// FindConfigFile returns the path to an existing config file, and whether it exists.
func FindConfigFile() (string, bool) {
	primary, err := ConfigPath()
	if err != nil {
		logging.Error("Failed to get config path", "error", err)
		return "", false
	}

	if _, err := os.Stat(primary); err == nil {
		logging.Debug("Config found at primary path", "path", primary)
		return primary, true
	}

	// Return primary path for new config
	return primary, false
}

// DefaultDataDir returns the platform data directory for modelsync.
func DefaultDataDir() string {
	return filepath.Join(xdg.DataHome, APP_NAME)
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Version:    "1.0",
		InitTime:   0, // Will be set during first save
		DataDir:    DefaultDataDir(),
		ListenAddr: "127.0.0.1:8420",
		GitHub: ProviderSettings{
			Domain:   "github.com",
			BotName:  "modelsync-bot",
			BotEmail: "modelsync-bot@users.noreply.github.com",
		},
		GitLab: ProviderSettings{
			Domain:   "gitlab.com",
			BotName:  "modelsync-bot",
			BotEmail: "modelsync-bot@noreply.gitlab.com",
		},
	}
}

// Validate checks fields whose format matters to other components.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	if c.WebhookBaseURL != "" {
		u, err := url.Parse(c.WebhookBaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("webhook_base_url %q is not an absolute URL", c.WebhookBaseURL)
		}
	}
	for name, p := range map[string]ProviderSettings{"github": c.GitHub, "gitlab": c.GitLab} {
		if strings.Contains(p.Domain, "/") {
			return fmt.Errorf("%s.domain %q must be a host name", name, p.Domain)
		}
	}
	return nil
}

// Provider returns the settings for a provider family ("github" or "gitlab").
func (c *Config) Provider(kind string) (ProviderSettings, bool) {
	switch kind {
	case "github":
		return c.GitHub, true
	case "gitlab":
		return c.GitLab, true
	default:
		return ProviderSettings{}, false
	}
}

// BotTokenFromEnv returns the bot token supplied through the environment, if any.
func BotTokenFromEnv(kind string) string {
	switch kind {
	case "github":
		return strings.TrimSpace(os.Getenv(GitHubBotTokenEnv))
	case "gitlab":
		return strings.TrimSpace(os.Getenv(GitLabBotTokenEnv))
	}
	return ""
}

// WebhookCallbackURL joins the configured base URL with the webhook route.
// Empty when no base URL is configured.
func (c *Config) WebhookCallbackURL() string {
	if c.WebhookBaseURL == "" {
		return ""
	}
	return strings.TrimRight(c.WebhookBaseURL, "/") + "/webhooks"
}

// Save writes the config to the standard location
func (c *Config) Save() error {
	configPath, _ := FindConfigFile()
	return c.SaveTo(configPath)
}

// SaveTo writes the config to a specific path
func (c *Config) SaveTo(path string) error {
	if c.InitTime == 0 {
		c.InitTime = time.Now().Unix()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// Create file with restrictive permissions (600), it may carry the webhook secret
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	enc := yaml.NewEncoder(f)
	defer enc.Close()

	if err := enc.Encode(c); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}
