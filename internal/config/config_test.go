package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 8937, cfg.Port)
	assert.Equal(t, PersistenceFile, cfg.Persistence)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 256, cfg.SendQueueSize)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	content := `{
		"port": 9000,
		"data_dir": "/tmp/coderaid-test",
		"api_keys": ["secret-1", "secret-2"],
		"persistence": "sqlite"
	}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, "/tmp/coderaid-test", cfg.DataDir)
	assert.Equal(t, []string{"secret-1", "secret-2"}, cfg.APIKeys)
	assert.Equal(t, PersistenceSQLite, cfg.Persistence)
	// Untouched fields keep their defaults
	assert.Equal(t, 300, cfg.IdleTimeoutSeconds)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	content := `{"port": 9000, "api_keys": ["from-file"]}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	t.Setenv("CODERAID_PORT", "9100")
	t.Setenv("CODERAID_API_KEY", "from-env-a,from-env-b")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Port)
	assert.Equal(t, []string{"from-env-a", "from-env-b"}, cfg.APIKeys)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.json"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "no api keys",
			mutate:  func(c *Config) {},
			wantErr: "no API keys",
		},
		{
			name: "empty api key",
			mutate: func(c *Config) {
				c.APIKeys = []string{""}
			},
			wantErr: "empty API key",
		},
		{
			name: "bad port",
			mutate: func(c *Config) {
				c.APIKeys = []string{"k"}
				c.Port = -1
			},
			wantErr: "invalid port",
		},
		{
			name: "unknown persistence",
			mutate: func(c *Config) {
				c.APIKeys = []string{"k"}
				c.Persistence = "etcd"
			},
			wantErr: "unknown persistence backend",
		},
		{
			name: "empty data dir",
			mutate: func(c *Config) {
				c.APIKeys = []string{"k"}
				c.DataDir = ""
			},
			wantErr: "data_dir",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateOK(t *testing.T) {
	cfg := Default()
	cfg.APIKeys = []string{"k"}
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, "0.0.0.0:8937", cfg.Addr())
}
