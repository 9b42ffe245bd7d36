package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig(t *testing.T) *Config {
	t.Helper()
	return &Config{
		DataDir: t.TempDir(),
		Accounts: []Account{
			{
				Name:        "work",
				ServerURL:   "https://server.example.com/nuxeo",
				Username:    "jdoe",
				LocalFolder: filepath.Join(t.TempDir(), "Nuxeo Drive"),
			},
		},
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := validConfig(t)
	require.NoError(t, cfg.Validate())
	assert.NotEmpty(t, cfg.DeviceID)
	assert.NotEmpty(t, cfg.DeviceName)
}

func TestConfigValidateNoAccounts(t *testing.T) {
	cfg := &Config{DataDir: t.TempDir()}
	assert.ErrorIs(t, cfg.Validate(), ErrNoAccounts)
}

func TestAccountValidate(t *testing.T) {
	a := &Account{Name: "bad", ServerURL: "not a url", Username: "jdoe"}
	assert.Error(t, a.Validate())

	a = &Account{Name: "nouser", ServerURL: "https://server.example.com"}
	assert.Error(t, a.Validate())
}

func TestConfigSaveLoad(t *testing.T) {
	cfg := validConfig(t)
	require.NoError(t, cfg.Validate())

	path := filepath.Join(t.TempDir(), "conf", "config.json")
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.DataDir, loaded.DataDir)
	require.Len(t, loaded.Accounts, 1)
	assert.Equal(t, "work", loaded.Accounts[0].Name)
	assert.Equal(t, path, loaded.Path)
}
