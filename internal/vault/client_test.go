package vault

import (
	"context"
	"errors"
	"testing"

	"github.com/hashicorp/vault/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"krakenbot/config"
	"krakenbot/internal/logging"
)

type fakeLogical struct {
	secret *api.Secret
	err    error
	paths  []string
}

func (f *fakeLogical) ReadWithContext(_ context.Context, path string) (*api.Secret, error) {
	f.paths = append(f.paths, path)
	return f.secret, f.err
}

func newTestClient(l *fakeLogical) *Client {
	return &Client{
		logical: l,
		config:  config.VaultConfig{Enabled: true, MountPath: "secret", SecretPath: "krakenbot"},
		logger:  logging.Nop(),
		cache:   make(map[string]string),
	}
}

func TestApply(t *testing.T) {
	l := &fakeLogical{secret: &api.Secret{Data: map[string]interface{}{
		"data": map[string]interface{}{
			KeyDatabasePassword: "pg-secret",
			KeyJWTSecret:        "jwt-secret",
			"ignored_number":    42,
		},
	}}}
	c := newTestClient(l)

	cfg := &config.Config{}
	cfg.Notification.Telegram.BotToken = "from-env"
	require.NoError(t, c.Apply(context.Background(), cfg))

	assert.Equal(t, "pg-secret", cfg.Database.Password)
	assert.Equal(t, "jwt-secret", cfg.API.JWTSecret)
	assert.Equal(t, "from-env", cfg.Notification.Telegram.BotToken, "absent keys keep the current value")
	assert.Equal(t, []string{"secret/data/krakenbot"}, l.paths)

	_, err := c.Secrets(context.Background())
	require.NoError(t, err)
	assert.Len(t, l.paths, 1, "second read is served from cache")
}

func TestSecrets_Errors(t *testing.T) {
	c := newTestClient(&fakeLogical{})
	_, err := c.Secrets(context.Background())
	assert.ErrorIs(t, err, ErrSecretNotFound)

	c = newTestClient(&fakeLogical{err: errors.New("permission denied")})
	_, err = c.Secrets(context.Background())
	assert.Error(t, err)

	c = newTestClient(&fakeLogical{secret: &api.Secret{Data: map[string]interface{}{"data": "nope"}}})
	_, err = c.Secrets(context.Background())
	assert.Error(t, err)

	disabled, err := NewClient(config.VaultConfig{})
	require.NoError(t, err)
	assert.False(t, disabled.IsEnabled())
	_, err = disabled.Secrets(context.Background())
	assert.ErrorIs(t, err, ErrSecretNotFound)
	assert.NoError(t, disabled.Health(context.Background()))
}
