package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_NoFileUsesDefaults(t *testing.T) {
	conf, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 8080, conf.Server.Port)
	assert.Equal(t, 5*time.Minute, conf.Moderation.BanDelay)
	assert.Contains(t, conf.Checker.AllowedRequireHosts, "cdn.jsdelivr.net")
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
server:
  port: 9000
  read_only: true
database:
  url: "sqlite://test.db"
moderation:
  ban_delay: 10m
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0644))

	t.Setenv("SCRIPTORIUM_DATABASE__URL", "postgres://localhost/scripts")
	t.Setenv("SCRIPTORIUM_CAPTCHA__SECRET_KEY", "shh")

	conf, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, conf.Server.Port)
	assert.True(t, conf.Server.ReadOnly)
	assert.Equal(t, "postgres://localhost/scripts", conf.Database.URL)
	assert.Equal(t, "shh", conf.Captcha.SecretKey)
	assert.Equal(t, 10*time.Minute, conf.Moderation.BanDelay)
}
