// Package app builds the modelsync component graph from configuration.
package app

import (
	"fmt"
	"os"
	"path/filepath"

	"modelsync/internal/config"
	"modelsync/internal/credentials"
	"modelsync/internal/gitsync"
	"modelsync/internal/link"
	"modelsync/internal/logging"
	"modelsync/internal/mcp"
	"modelsync/internal/mergestate"
	"modelsync/internal/packages"
	"modelsync/internal/provider"
	"modelsync/internal/server"
	"modelsync/internal/webhook"
	"modelsync/internal/workspace"
)

// App is the wired set of services one process uses.
type App struct {
	Config      *config.Config
	Logger      *logging.AppLogger
	Packages    *packages.Store
	Credentials *credentials.Resolver
	Gateways    *provider.Registry
	Sync        *gitsync.Synchronizer
	Merges      *mergestate.Manager
	Links       *link.Service
	Webhooks    *webhook.Ingestor
}

// New creates the data directory and wires every component against it.
func New(cfg *config.Config, logger *logging.AppLogger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	scratchRoot := filepath.Join(cfg.DataDir, "scratch")
	if err := os.MkdirAll(scratchRoot, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create scratch directory: %w", err)
	}
	scratch := workspace.NewAllocator(scratchRoot, logger)

	a := &App{Config: cfg, Logger: logger}
	a.Packages = packages.NewStore(cfg.DataDir, logger)
	a.Credentials = credentials.NewResolver(bots(cfg), logger)
	a.Gateways = provider.NewRegistry(
		provider.NewGitHub(gatewayOptions(cfg.GitHub, cfg.WebhookSecret, scratch, logger)),
		provider.NewGitLab(gatewayOptions(cfg.GitLab, cfg.WebhookSecret, scratch, logger)),
	)
	a.Sync = gitsync.New(gitsync.Options{
		Scratch:             scratch,
		Links:               a.Packages,
		WorkflowTemplateDir: cfg.WorkflowTemplateDir,
		PublicationBaseURL:  cfg.PublicationBaseURL,
		Logger:              logger,
	})
	a.Merges = mergestate.NewManager(mergestate.Options{
		Store: mergestate.NewStore(cfg.DataDir, logger),
		Opener: &mergestate.RootOpener{
			Packages:    a.Packages,
			Credentials: a.BotCredentials,
			Logger:      logger,
		},
		Committer: a.Sync,
		Packages:  a.Packages,
		Scratch:   scratch,
		Logger:    logger,
	})
	a.Links = link.NewService(link.Options{
		Packages:   a.Packages,
		Gateways:   a.Gateways,
		Committer:  a.Sync,
		WebhookURL: cfg.WebhookCallbackURL(),
		BotToken:   a.botToken,
		Logger:     logger,
	})
	a.Webhooks = webhook.NewIngestor(webhook.Options{
		Gateways:    a.Gateways,
		Packages:    a.Packages,
		Puller:      a.Sync,
		Credentials: a.BotCredentials,
		Logger:      logger,
	})
	return a, nil
}

func bots(cfg *config.Config) map[provider.Kind]credentials.Bot {
	out := make(map[provider.Kind]credentials.Bot, 2)
	for _, kind := range []provider.Kind{provider.GitHub, provider.GitLab} {
		settings, _ := cfg.Provider(string(kind))
		out[kind] = credentials.Bot{
			Name:  settings.BotName,
			Email: settings.BotEmail,
			Token: config.BotTokenFromEnv(string(kind)),
		}
	}
	return out
}

func gatewayOptions(p config.ProviderSettings, secret string, scratch *workspace.Allocator, logger *logging.AppLogger) provider.Options {
	return provider.Options{
		Domain:        p.Domain,
		APIBaseURL:    p.APIBaseURL,
		WebhookSecret: secret,
		Scratch:       scratch,
		Logger:        logger,
	}
}

// BotCredentials returns the bot identity for kind. Without a bot token the
// identity carries no tokens, which is enough for public and local remotes.
func (a *App) BotCredentials(kind provider.Kind) credentials.GitCredentials {
	if creds, ok := a.Credentials.BotCredentials(kind); ok {
		return creds
	}
	settings, _ := a.Config.Provider(string(kind))
	return credentials.GitCredentials{Name: settings.BotName, Email: settings.BotEmail}
}

func (a *App) botToken(kind provider.Kind) (string, bool) {
	creds, ok := a.Credentials.BotCredentials(kind)
	if !ok || len(creds.Tokens) == 0 {
		return "", false
	}
	return creds.Tokens[0].Value, true
}

// HTTPServer returns the REST server over the wired services.
func (a *App) HTTPServer() *server.Server {
	return server.New(server.Options{
		Packages:    a.Packages,
		Sync:        a.Sync,
		Merges:      a.Merges,
		Links:       a.Links,
		Webhooks:    a.Webhooks,
		Credentials: a.Credentials,
		Logger:      a.Logger,
	})
}

// MCPServer returns the stdio MCP server. Commits use the bot identity.
func (a *App) MCPServer(version string) *mcp.Server {
	return mcp.NewServer(mcp.Options{
		Version:     version,
		Packages:    a.Packages,
		Committer:   a.Sync,
		Merges:      a.Merges,
		Credentials: a.BotCredentials,
		Logger:      a.Logger,
	})
}
