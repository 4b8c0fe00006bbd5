//go:build !integration

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate runs the test in an empty directory so no .env is picked up.
func isolate(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()
	t.Chdir(dir)
	return dir
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func TestDefaultIsValid(t *testing.T) {
	assert.NoError(t, Default().Validate())
}

func TestLoadDefaults(t *testing.T) {
	isolate(t)

	cfg, err := Load("", nil)
	require.NoError(t, err)
	assert.Equal(t, "redis", cfg.Backend)
	assert.Equal(t, "modx:", cfg.Cache.Prefix)
	assert.Equal(t, 3600, cfg.Conversation.TurnTTLSeconds)
}

func TestLoadPrecedence(t *testing.T) {
	dir := isolate(t)

	path := filepath.Join(dir, "modx.json")
	writeFile(t, path, `{
		"backend": "local",
		"cache": {"prefix": "file:", "ttlSeconds": 10},
		"upstream": {"model": "file-model"},
		"postgres": {"deleteExpired": true}
	}`)

	t.Setenv("MODX_MODEL", "env-model")
	t.Setenv("MODX_TTL", "20")
	t.Setenv("MODX_DYNAMODB_CREATE_TABLE", "true")

	cfg, err := Load(path, map[string]string{
		"TTL":     "30",
		"BACKEND": "",
	})
	require.NoError(t, err)

	assert.Equal(t, "local", cfg.Backend, "empty override is ignored")
	assert.Equal(t, "file:", cfg.Cache.Prefix)
	assert.Equal(t, "env-model", cfg.Upstream.Model)
	assert.Equal(t, 30, cfg.Cache.TTLSeconds)
	assert.True(t, cfg.Postgres.DeleteExpired)
	assert.True(t, cfg.DynamoDB.CreateTable)
	assert.Equal(t, 60, cfg.Cache.NegativeTTLSeconds, "untouched default")
}

func TestLoadRedisSettings(t *testing.T) {
	dir := isolate(t)

	path := filepath.Join(dir, "modx.json")
	writeFile(t, path, `{"redis": {"username": "cache", "poolSize": 50, "tls": true}}`)

	t.Setenv("MODX_REDIS_TIMEOUT", "3")
	t.Setenv("MODX_REDIS_CONNECT_TIMEOUT", "7")
	t.Setenv("MODX_REDIS_TLS_SKIP_VERIFY", "true")

	cfg, err := Load(path, nil)
	require.NoError(t, err)

	assert.Equal(t, RedisConfig{
		Addr:                  "localhost:6379",
		Username:              "cache",
		TimeoutSeconds:        3,
		ConnectTimeoutSeconds: 7,
		PoolSize:              50,
		TLS:                   true,
		TLSSkipVerify:         true,
	}, cfg.Redis)
}

func TestLoadDotEnv(t *testing.T) {
	dir := isolate(t)
	writeFile(t, filepath.Join(dir, ".env"), "MODX_UPSTREAM_URL=http://localhost:11434/v1\n")
	t.Cleanup(func() { _ = os.Unsetenv("MODX_UPSTREAM_URL") })

	cfg, err := Load("", nil)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:11434/v1", cfg.Upstream.BaseURL)
}

func TestLoadAPIKeyFallback(t *testing.T) {
	isolate(t)
	t.Setenv("MODX_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "sk-fallback")

	cfg, err := Load("", nil)
	require.NoError(t, err)
	assert.Equal(t, "sk-fallback", cfg.Upstream.APIKey)

	t.Setenv("MODX_API_KEY", "sk-modx")
	cfg, err = Load("", nil)
	require.NoError(t, err)
	assert.Equal(t, "sk-modx", cfg.Upstream.APIKey)
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name      string
		path      string
		file      string
		env       map[string]string
		overrides map[string]string
		contains  string
	}{
		{
			name:     "missing config file",
			path:     "missing.json",
			contains: "reading config file",
		},
		{
			name:     "malformed config file",
			path:     "bad.json",
			file:     "{",
			contains: "parsing config file",
		},
		{
			name:     "non numeric ttl",
			env:      map[string]string{"MODX_TTL": "an hour"},
			contains: "MODX_TTL",
		},
		{
			name:     "non boolean flag",
			env:      map[string]string{"MODX_POSTGRES_DELETE_EXPIRED": "sometimes"},
			contains: "MODX_POSTGRES_DELETE_EXPIRED",
		},
		{
			name:      "unknown backend",
			overrides: map[string]string{"BACKEND": "memcached"},
			contains:  "unknown backend",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := isolate(t)
			path := ""
			if tt.path != "" {
				path = filepath.Join(dir, tt.path)
			}
			if tt.file != "" {
				writeFile(t, path, tt.file)
			}
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			_, err := Load(path, tt.overrides)
			assert.ErrorContains(t, err, tt.contains)
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "json logs", mutate: func(c *Config) { c.Log.Format = "json" }},
		{name: "upper case level", mutate: func(c *Config) { c.Log.Level = "DEBUG" }},
		{name: "stdout telemetry", mutate: func(c *Config) { c.Telemetry = "stdout" }},
		{name: "bad telemetry", mutate: func(c *Config) { c.Telemetry = "otlp" }, wantErr: "telemetry"},
		{name: "bad log format", mutate: func(c *Config) { c.Log.Format = "xml" }, wantErr: "log format"},
		{name: "bad log level", mutate: func(c *Config) { c.Log.Level = "trace" }, wantErr: "log level"},
		{name: "postgres without dsn", mutate: func(c *Config) { c.Backend = "postgres" }, wantErr: "dsn"},
		{name: "negative context", mutate: func(c *Config) { c.Conversation.MaxContextMessages = -2 }, wantErr: "maxContextMessages"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}
