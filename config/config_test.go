package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg := LoadConfig("")
	assert.Equal(t, "62", cfg.Whatsapp.CountryCode)
	assert.Equal(t, "0", cfg.Whatsapp.TrunkPrefix)
	assert.Equal(t, 3, cfg.Whatsapp.PairingMaxAttempts)
	assert.Equal(t, 50, cfg.Whatsapp.CodeFreshSeconds)
	assert.Equal(t, 45, cfg.Whatsapp.CodeRefreshSeconds)
	assert.Equal(t, 300, cfg.Broadcast.DedupWindowSeconds)
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfigFileOverlay(t *testing.T) {
	cfile := filepath.Join(t.TempDir(), "wagate.yml")
	content := `
web:
  port: 9000
whatsapp:
  country_code: "49"
  trunk_prefix: "0"
`
	require.NoError(t, os.WriteFile(cfile, []byte(content), 0o600))

	cfg := LoadConfig(cfile)
	assert.Equal(t, 9000, cfg.Web.Port)
	assert.Equal(t, "49", cfg.Whatsapp.CountryCode)
	// untouched sections keep defaults
	assert.Equal(t, "127.0.0.1:6379", cfg.Redis.Addr)
}

func TestLoadConfigEnvOverride(t *testing.T) {
	t.Setenv("WAGATE_REDIS_ADDR", "redis.internal:6380")
	t.Setenv("WAGATE_WEB_SECRET", "from-env")

	cfg := LoadConfig("")
	assert.Equal(t, "redis.internal:6380", cfg.Redis.Addr)
	assert.Equal(t, "from-env", cfg.Web.Secret)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*AppConfig)
		wantOk bool
	}{
		{name: "defaults are valid", mutate: func(c *AppConfig) {}, wantOk: true},
		{name: "missing db type", mutate: func(c *AppConfig) { c.Database.Type = "" }, wantOk: false},
		{name: "unsupported db type", mutate: func(c *AppConfig) { c.Database.Type = "oracle" }, wantOk: false},
		{name: "missing redis addr", mutate: func(c *AppConfig) { c.Redis.Addr = "" }, wantOk: false},
		{name: "missing web secret", mutate: func(c *AppConfig) { c.Web.Secret = "" }, wantOk: false},
		{name: "missing country code", mutate: func(c *AppConfig) { c.Whatsapp.CountryCode = "" }, wantOk: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultAppConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantOk {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}
