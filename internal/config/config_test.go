package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, "development", cfg.Env)
	require.Equal(t, "0.0.0.0:8080", cfg.Server.Addr())
	require.Equal(t, "messages", cfg.Queue.Name)
	require.Equal(t, 5, cfg.Queue.MaxAttempts)
	require.Equal(t, time.Second, cfg.Queue.BackoffBase())
	require.Equal(t, 30*time.Second, cfg.Queue.BackoffCap())
	require.Equal(t, 5, cfg.Worker.Concurrency)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("CHAT_SERVER_PORT", "9999")
	t.Setenv("CHAT_QUEUE_MAX_ATTEMPTS", "3")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 9999, cfg.Server.Port)
	require.Equal(t, 3, cfg.Queue.MaxAttempts)
}

func TestLoadRefusesDevSecretInProduction(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("CHAT_ENV", "production")

	_, err := Load()
	require.Error(t, err)
}
