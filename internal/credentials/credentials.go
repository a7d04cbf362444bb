// Package credentials resolves the ordered set of VCS credentials usable for a
// caller session against one provider family.
//
// User tokens (personal access tokens and SSH private keys) live in the OS
// credential store under the "modelsync" service. The provider bot token is
// configured out of band (environment or credential store) and is always the
// last entry, tagged as a bot fallback.
package credentials

import (
	"errors"
	"fmt"
	"strings"

	"modelsync/internal/logging"
	"modelsync/internal/provider"

	"github.com/zalando/go-keyring"
)

const (
	// Service name for OS credential store
	credentialService = "modelsync"
)

// TokenType distinguishes token material.
type TokenType string

const (
	TokenPAT TokenType = "pat"
	TokenSSH TokenType = "ssh"
)

// Scope is the permission level a token is expected to carry.
type Scope string

const (
	// ScopeAdmin can create and delete repositories, hooks and secrets.
	ScopeAdmin Scope = "admin"
	// ScopeWrite can push to existing repositories.
	ScopeWrite Scope = "write"
)

// AccessToken is one usable credential.
type AccessToken struct {
	Type       TokenType `json:"type"`
	Value      string    `json:"-"`
	IsBotToken bool      `json:"isBotToken"`
	Scope      Scope     `json:"scope"`
}

// GitCredentials is the commit identity plus the ranked tokens to try.
type GitCredentials struct {
	Name   string
	Email  string
	Tokens []AccessToken
}

// APIToken returns the first personal access token, preferring admin scope.
// REST calls cannot use SSH keys.
func (c GitCredentials) APIToken() (AccessToken, bool) {
	var fallback *AccessToken
	for i := range c.Tokens {
		tok := c.Tokens[i]
		if tok.Type != TokenPAT {
			continue
		}
		if tok.Scope == ScopeAdmin {
			return tok, true
		}
		if fallback == nil {
			fallback = &c.Tokens[i]
		}
	}
	if fallback != nil {
		return *fallback, true
	}
	return AccessToken{}, false
}

// Session is the caller identity supplied by the surrounding platform.
type Session struct {
	UserID string
	Name   string
	Email  string
}

// Bot describes the provider bot fallback identity. Token may be empty, in
// which case the credential store entry is consulted.
type Bot struct {
	Name  string
	Email string
	Token string
}

// ErrNoCredentials is returned when neither user nor bot credentials resolve.
var ErrNoCredentials = errors.New("no usable credentials")

// Resolver yields credentials from the OS credential store and the configured bots.
type Resolver struct {
	service string
	bots    map[provider.Kind]Bot
	logger  *logging.AppLogger
}

// NewResolver creates a resolver backed by the OS credential store.
func NewResolver(bots map[provider.Kind]Bot, logger *logging.AppLogger) *Resolver {
	if bots == nil {
		bots = map[provider.Kind]Bot{}
	}
	return &Resolver{
		service: credentialService,
		bots:    bots,
		logger:  logger,
	}
}

func userKey(kind provider.Kind, userID string, tokenType TokenType) string {
	return fmt.Sprintf("%s/user/%s/%s", kind, userID, tokenType)
}

func botKey(kind provider.Kind) string {
	return fmt.Sprintf("%s/bot", kind)
}

// Resolve returns the ranked credentials for session on the given provider:
// user PAT, user SSH key, then the bot token. Name and Email fall back to the
// bot identity when the session leaves them empty.
func (r *Resolver) Resolve(session Session, kind provider.Kind) (GitCredentials, error) {
	creds := GitCredentials{
		Name:  strings.TrimSpace(session.Name),
		Email: strings.TrimSpace(session.Email),
	}

	if session.UserID != "" {
		if pat, ok := r.lookup(userKey(kind, session.UserID, TokenPAT)); ok {
			creds.Tokens = append(creds.Tokens, AccessToken{Type: TokenPAT, Value: pat, Scope: ScopeAdmin})
		}
		if key, ok := r.lookup(userKey(kind, session.UserID, TokenSSH)); ok {
			creds.Tokens = append(creds.Tokens, AccessToken{Type: TokenSSH, Value: key, Scope: ScopeWrite})
		}
	}

	bot, botOK := r.BotCredentials(kind)
	if botOK {
		creds.Tokens = append(creds.Tokens, bot.Tokens...)
		if creds.Name == "" {
			creds.Name = bot.Name
		}
		if creds.Email == "" {
			creds.Email = bot.Email
		}
	}

	if len(creds.Tokens) == 0 {
		return GitCredentials{}, fmt.Errorf("%w for provider %s", ErrNoCredentials, kind)
	}

	if r.logger != nil {
		r.logger.Debug("Resolved credentials", "provider", kind, "user", session.UserID, "tokens", len(creds.Tokens), "bot", botOK)
	}
	return creds, nil
}

// BotCredentials returns the bot fallback alone. False when no bot token is configured.
func (r *Resolver) BotCredentials(kind provider.Kind) (GitCredentials, bool) {
	bot := r.bots[kind]
	token := strings.TrimSpace(bot.Token)
	if token == "" {
		stored, ok := r.lookup(botKey(kind))
		if !ok {
			return GitCredentials{}, false
		}
		token = stored
	}
	return GitCredentials{
		Name:  bot.Name,
		Email: bot.Email,
		Tokens: []AccessToken{{
			Type:       TokenPAT,
			Value:      token,
			IsBotToken: true,
			Scope:      ScopeWrite,
		}},
	}, true
}

func (r *Resolver) lookup(key string) (string, bool) {
	value, err := keyring.Get(r.service, key)
	if err != nil {
		if !errors.Is(err, keyring.ErrNotFound) && r.logger != nil {
			r.logger.Warn("Credential store lookup failed", "key", key, "error", err)
		}
		return "", false
	}
	value = strings.TrimSpace(value)
	return value, value != ""
}

// StoreUserToken validates and stores a user credential.
func (r *Resolver) StoreUserToken(kind provider.Kind, userID string, tokenType TokenType, value string) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("user id cannot be empty")
	}
	if err := ValidateToken(kind, tokenType, value); err != nil {
		return fmt.Errorf("invalid token format: %w", err)
	}
	if err := keyring.Set(r.service, userKey(kind, userID, tokenType), strings.TrimSpace(value)); err != nil {
		return fmt.Errorf("failed to store token in credential store: %w", err)
	}
	return nil
}

// DeleteUserToken removes a user credential. Missing entries are not an error.
func (r *Resolver) DeleteUserToken(kind provider.Kind, userID string, tokenType TokenType) error {
	err := keyring.Delete(r.service, userKey(kind, userID, tokenType))
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("failed to delete token from credential store: %w", err)
	}
	return nil
}

// StoreBotToken stores the bot token used when no environment value is set.
func (r *Resolver) StoreBotToken(kind provider.Kind, value string) error {
	if err := ValidateToken(kind, TokenPAT, value); err != nil {
		return fmt.Errorf("invalid token format: %w", err)
	}
	if err := keyring.Set(r.service, botKey(kind), strings.TrimSpace(value)); err != nil {
		return fmt.Errorf("failed to store bot token in credential store: %w", err)
	}
	return nil
}

// DeleteBotToken removes the stored bot token.
func (r *Resolver) DeleteBotToken(kind provider.Kind) error {
	err := keyring.Delete(r.service, botKey(kind))
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("failed to delete bot token from credential store: %w", err)
	}
	return nil
}

// ValidateToken performs a format check on token material before it is stored.
func ValidateToken(kind provider.Kind, tokenType TokenType, value string) error {
	value = strings.TrimSpace(value)

	switch tokenType {
	case TokenSSH:
		if !strings.Contains(value, "PRIVATE KEY") {
			return fmt.Errorf("ssh credential must be a PEM encoded private key")
		}
		return nil
	case TokenPAT:
	default:
		return fmt.Errorf("unknown token type %q", tokenType)
	}

	if len(value) < 20 {
		return fmt.Errorf("token too short (minimum 20 characters)")
	}

	var validPrefixes []string
	switch kind {
	case provider.GitHub:
		validPrefixes = []string{
			"ghp_",        // Classic Personal Access Token
			"github_pat_", // Fine-grained Personal Access Token
			"gho_",        // OAuth token
			"ghu_",        // User-to-server token
			"ghs_",        // Server-to-server token
		}
	case provider.GitLab:
		// Self-managed instances may issue tokens without the glpat- prefix.
		return nil
	default:
		return fmt.Errorf("unknown provider %q", kind)
	}

	for _, prefix := range validPrefixes {
		if strings.HasPrefix(value, prefix) {
			return nil
		}
	}
	return fmt.Errorf("token does not match expected GitHub PAT format (should start with ghp_ or github_pat_)")
}

// StoreStatus probes the credential store with a throwaway entry.
func (r *Resolver) StoreStatus() map[string]any {
	status := make(map[string]any)

	testKey := "modelsync_probe"
	if err := keyring.Set(r.service, testKey, "probe"); err != nil {
		status["available"] = false
		status["error"] = err.Error()
		return status
	}

	got, err := keyring.Get(r.service, testKey)
	_ = keyring.Delete(r.service, testKey)
	if err != nil {
		status["available"] = false
		status["error"] = err.Error()
		return status
	}
	if got != "probe" {
		status["available"] = false
		status["error"] = "credential store corrupted - values don't match"
		return status
	}

	status["available"] = true
	status["error"] = nil
	return status
}
