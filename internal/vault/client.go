// Package vault pulls runtime secrets from a HashiCorp Vault KV v2 engine.
package vault

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/vault/api"

	"krakenbot/config"
	"krakenbot/internal/logging"
)

// ErrSecretNotFound is returned when the secret path holds no data.
var ErrSecretNotFound = errors.New("secret not found")

// Secret keys understood by Apply.
const (
	KeyDatabasePassword = "db_password"
	KeyRedisPassword    = "redis_password"
	KeyTelegramToken    = "telegram_bot_token"
	KeyJWTSecret        = "jwt_secret"
)

// logicalReader is the part of the Vault logical API the client uses.
type logicalReader interface {
	ReadWithContext(ctx context.Context, path string) (*api.Secret, error)
}

// Client wraps the HashiCorp Vault client
type Client struct {
	logical logicalReader
	health  func() (*api.HealthResponse, error)
	config  config.VaultConfig
	logger  *logging.Logger

	mu    sync.RWMutex
	cache map[string]string
}

// NewClient creates a new Vault client. A disabled config returns a client
// whose reads find nothing.
func NewClient(cfg config.VaultConfig) (*Client, error) {
	c := &Client{config: cfg, cache: make(map[string]string), logger: logging.WithComponent("vault")}
	if !cfg.Enabled {
		return c, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address
	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	client.SetToken(cfg.Token)

	c.logical = client.Logical()
	c.health = client.Sys().Health
	return c, nil
}

// IsEnabled returns whether Vault is enabled
func (c *Client) IsEnabled() bool {
	return c.config.Enabled
}

// secretPath returns the KV v2 data path of the application secret.
func (c *Client) secretPath() string {
	return fmt.Sprintf("%s/data/%s", c.config.MountPath, c.config.SecretPath)
}

// Secrets reads every key of the application secret. Results are cached.
func (c *Client) Secrets(ctx context.Context) (map[string]string, error) {
	c.mu.RLock()
	if len(c.cache) > 0 {
		out := make(map[string]string, len(c.cache))
		for k, v := range c.cache {
			out[k] = v
		}
		c.mu.RUnlock()
		return out, nil
	}
	c.mu.RUnlock()

	if !c.config.Enabled || c.logical == nil {
		return nil, ErrSecretNotFound
	}

	secret, err := c.logical.ReadWithContext(ctx, c.secretPath())
	if err != nil {
		return nil, fmt.Errorf("failed to read secret from vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, ErrSecretNotFound
	}
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("invalid secret format at %s", c.secretPath())
	}

	out := make(map[string]string, len(data))
	for k, v := range data {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}

	c.mu.Lock()
	for k, v := range out {
		c.cache[k] = v
	}
	c.mu.Unlock()
	return out, nil
}

// Apply copies the secrets found in Vault into cfg. Keys that are absent
// leave the current value in place.
func (c *Client) Apply(ctx context.Context, cfg *config.Config) error {
	secrets, err := c.Secrets(ctx)
	if err != nil {
		return err
	}
	set := func(dst *string, key string) {
		if v := secrets[key]; v != "" {
			*dst = v
		}
	}
	set(&cfg.Database.Password, KeyDatabasePassword)
	set(&cfg.Redis.Password, KeyRedisPassword)
	set(&cfg.Notification.Telegram.BotToken, KeyTelegramToken)
	set(&cfg.API.JWTSecret, KeyJWTSecret)

	c.logger.Info("Applied secrets from vault", "path", c.secretPath(), "keys", len(secrets))
	return nil
}

// ClearCache clears the in-memory cache
func (c *Client) ClearCache() {
	c.mu.Lock()
	c.cache = make(map[string]string)
	c.mu.Unlock()
}

// Health checks the Vault connection
func (c *Client) Health(ctx context.Context) error {
	if !c.config.Enabled || c.health == nil {
		return nil
	}
	health, err := c.health()
	if err != nil {
		return fmt.Errorf("vault health check failed: %w", err)
	}
	if health.Sealed {
		return fmt.Errorf("vault is sealed")
	}
	return nil
}
