package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chdir switches to an empty temp dir so no stray config.toml or .env is
// picked up.
func chdir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(wd) })
	return dir
}

func TestLoad_Defaults(t *testing.T) {
	chdir(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "sqlite3", cfg.Database.Driver)
	assert.True(t, cfg.Scheduler.Enabled)
	assert.Equal(t, "0 6 * * *", cfg.Scheduler.ReadyToCloseCron)
	assert.Equal(t, "log", cfg.Notifications.Driver)
	assert.Equal(t, time.Minute, cfg.Cache.SettingsTTL)
}

func TestLoad_FileThenEnvironment(t *testing.T) {
	dir := chdir(t)

	toml := `
[server]
port = 9090

[database]
driver = "postgres"
dsn = "postgres://from-file"

[notifications]
driver = "redis"
redis_addr = "redis:6379"
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.toml"), []byte(toml), 0o644))
	t.Setenv("RETAINER_DATABASE_DSN", "postgres://from-env")
	t.Setenv("RETAINER_LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "postgres://from-env", cfg.Database.DSN)
	assert.Equal(t, "redis", cfg.Notifications.Driver)
	assert.Equal(t, "redis:6379", cfg.Notifications.RedisAddr)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_InvalidDriver(t *testing.T) {
	chdir(t)
	t.Setenv("RETAINER_DATABASE_DRIVER", "oracle")

	_, err := Load()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Config{
		Server:        ServerConfig{Port: 8080},
		Database:      DatabaseConfig{Driver: "sqlite3", DSN: ":memory:"},
		Notifications: NotificationsConfig{Driver: "log"},
	}
	assert.NoError(t, cfg.Validate())

	cfg.Notifications.Driver = "smtp"
	assert.Error(t, cfg.Validate())

	cfg.Notifications.Driver = "log"
	cfg.Database.DSN = ""
	assert.Error(t, cfg.Validate())
}
