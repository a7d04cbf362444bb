package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestConfigPath_EnvOverride(t *testing.T) {
	want := filepath.Join(t.TempDir(), "custom.yaml")
	t.Setenv(ConfigPathEnv, want)

	got, err := ConfigPath()
	if err != nil {
		t.Fatalf("ConfigPath() error = %v", err)
	}
	if got != want {
		t.Errorf("ConfigPath() = %q, want %q", got, want)
	}
}

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	t.Setenv(ConfigPathEnv, filepath.Join(t.TempDir(), "absent.yaml"))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.GitHub.Domain != "github.com" {
		t.Errorf("GitHub.Domain = %q, want github.com", cfg.GitHub.Domain)
	}
	if cfg.DataDir == "" {
		t.Error("expected default data dir")
	}
}

func TestConfigSaveLoad(t *testing.T) {
	tempDir := t.TempDir()
	configPath := filepath.Join(tempDir, "config.yaml")

	originalConfig := DefaultConfig()
	originalConfig.DataDir = filepath.Join(tempDir, "data")
	originalConfig.WebhookBaseURL = "https://hooks.example.org"
	originalConfig.GitLab.Domain = "gitlab.example.org"
	originalConfig.InitTime = time.Now().Unix()

	if err := originalConfig.SaveTo(configPath); err != nil {
		t.Fatalf("Failed to save config: %s", err)
	}

	loadedConfig, err := LoadFrom(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %s", err)
	}

	if loadedConfig.DataDir != originalConfig.DataDir {
		t.Errorf("DataDir mismatch: expected %s, got %s", originalConfig.DataDir, loadedConfig.DataDir)
	}
	if loadedConfig.GitLab.Domain != "gitlab.example.org" {
		t.Errorf("GitLab.Domain mismatch: got %s", loadedConfig.GitLab.Domain)
	}
	if loadedConfig.InitTime != originalConfig.InitTime {
		t.Errorf("InitTime mismatch: expected %d, got %d", originalConfig.InitTime, loadedConfig.InitTime)
	}
}

func TestLoadFrom_PartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("listen_addr: \":9000\"\n"), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom() error = %v", err)
	}
	if cfg.ListenAddr != ":9000" {
		t.Errorf("ListenAddr = %q, want :9000", cfg.ListenAddr)
	}
	if cfg.GitHub.BotName == "" {
		t.Error("expected default bot name to survive a partial file")
	}
}

func TestConfigInitTime(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")

	config := DefaultConfig()

	before := time.Now().Unix()
	if err := config.SaveTo(configPath); err != nil {
		t.Fatalf("Failed to save config: %s", err)
	}
	after := time.Now().Unix()

	if config.InitTime < before || config.InitTime > after {
		t.Errorf("InitTime %d should be between %d and %d", config.InitTime, before, after)
	}
}

func TestConfigFilePermissions(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")

	config := DefaultConfig()
	if err := config.SaveTo(configPath); err != nil {
		t.Fatalf("Failed to save config: %s", err)
	}

	fileInfo, err := os.Stat(configPath)
	if err != nil {
		t.Fatalf("Failed to stat config file: %s", err)
	}

	if mode := fileInfo.Mode(); mode&0077 != 0 {
		t.Errorf("Config file should not be readable by group/others, got mode %o", mode)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{name: "defaults", mutate: func(c *Config) {}},
		{name: "empty data dir", mutate: func(c *Config) { c.DataDir = " " }, wantErr: true},
		{name: "relative webhook url", mutate: func(c *Config) { c.WebhookBaseURL = "/hooks" }, wantErr: true},
		{name: "domain with path", mutate: func(c *Config) { c.GitLab.Domain = "gitlab.com/group" }, wantErr: true},
		{name: "absolute webhook url", mutate: func(c *Config) { c.WebhookBaseURL = "https://x.example/base" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestWebhookCallbackURL(t *testing.T) {
	cfg := DefaultConfig()
	if got := cfg.WebhookCallbackURL(); got != "" {
		t.Errorf("WebhookCallbackURL() = %q, want empty", got)
	}

	cfg.WebhookBaseURL = "https://hooks.example.org/"
	if got, want := cfg.WebhookCallbackURL(), "https://hooks.example.org/webhooks"; got != want {
		t.Errorf("WebhookCallbackURL() = %q, want %q", got, want)
	}
}

func TestBotTokenFromEnv(t *testing.T) {
	t.Setenv(GitHubBotTokenEnv, "  ghp_bot  ")
	t.Setenv(GitLabBotTokenEnv, "")

	if got := BotTokenFromEnv("github"); got != "ghp_bot" {
		t.Errorf("BotTokenFromEnv(github) = %q, want ghp_bot", got)
	}
	if got := BotTokenFromEnv("gitlab"); got != "" {
		t.Errorf("BotTokenFromEnv(gitlab) = %q, want empty", got)
	}
	if got := BotTokenFromEnv("bitbucket"); got != "" {
		t.Errorf("BotTokenFromEnv(bitbucket) = %q, want empty", got)
	}
}

func TestConfigErrorHandling(t *testing.T) {
	t.Run("load non-existent file", func(t *testing.T) {
		_, err := LoadFrom("/non/existent/file.yaml")
		if err == nil {
			t.Error("Should error when loading non-existent file")
		}
	})

	t.Run("load invalid YAML", func(t *testing.T) {
		invalidFile := filepath.Join(t.TempDir(), "invalid.yaml")
		os.WriteFile(invalidFile, []byte("invalid: yaml: content: ["), 0644)

		_, err := LoadFrom(invalidFile)
		if err == nil {
			t.Error("Should error when loading invalid YAML")
		}
	})
}
