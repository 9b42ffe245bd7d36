package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/denisbrodbeck/machineid"

	"github.com/jresende/nuxeo-drive/internal/utils"
)

var (
	home, _           = os.UserHomeDir()
	DefaultConfigPath = filepath.Join(home, ".nuxeo-drive", "config.json")
	DefaultDataDir    = filepath.Join(home, ".nuxeo-drive")
	DefaultLocalDir   = filepath.Join(home, "Nuxeo Drive")
)

var (
	ErrNoAccounts = errors.New("config: no accounts configured")
)

// Account binds one remote document repository to one local folder.
type Account struct {
	Name        string `json:"name"`
	ServerURL   string `json:"server_url"`
	Username    string `json:"username"`
	Token       string `json:"token"`
	LocalFolder string `json:"local_folder"`
}

// Validate checks the account fields and normalizes paths.
func (a *Account) Validate() error {
	if a.ServerURL == "" {
		return fmt.Errorf("config: account %q: server url missing", a.Name)
	}
	u, err := url.Parse(a.ServerURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("config: account %q: invalid server url %q", a.Name, a.ServerURL)
	}
	if a.Username == "" {
		return fmt.Errorf("config: account %q: username missing", a.Name)
	}
	if a.LocalFolder == "" {
		a.LocalFolder = DefaultLocalDir
	}
	resolved, err := utils.ResolvePath(a.LocalFolder)
	if err != nil {
		return fmt.Errorf("config: account %q: %w", a.Name, err)
	}
	a.LocalFolder = resolved
	return nil
}

type Config struct {
	DataDir    string    `json:"data_dir"`
	DeviceName string    `json:"device_name"`
	DeviceID   string    `json:"device_id"`
	Accounts   []Account `json:"accounts"`
	Path       string    `json:"-"`
}

// Validate normalizes and checks the whole config, filling in the device
// identity when absent.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir
	}
	resolved, err := utils.ResolvePath(c.DataDir)
	if err != nil {
		return err
	}
	c.DataDir = resolved

	if len(c.Accounts) == 0 {
		return ErrNoAccounts
	}
	for i := range c.Accounts {
		if err := c.Accounts[i].Validate(); err != nil {
			return err
		}
	}

	if c.DeviceID == "" {
		// stable per-machine id, hashed with the app name so it can't be
		// correlated across applications
		id, err := machineid.ProtectedID("nuxeo-drive")
		if err != nil {
			return fmt.Errorf("config: device id: %w", err)
		}
		c.DeviceID = id
	}
	if c.DeviceName == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "nuxeo-drive"
		}
		c.DeviceName = host
	}
	return nil
}

func (c *Config) Save(path string) error {
	if err := utils.EnsureParent(path); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	cfg.Path = path
	return &cfg, nil
}
