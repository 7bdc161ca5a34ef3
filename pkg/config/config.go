package config

import (
	"fmt"
	"io/ioutil"
	"time"

	"github.com/uswitch/vault-db-creds/pkg/dbconn"
	"github.com/uswitch/vault-db-creds/pkg/vault"
	yaml "gopkg.in/yaml.v1"
)

type VaultConfig struct {
	Addr     string `yaml:"addr"`
	CACert   string `yaml:"ca_cert"`
	CAPath   string `yaml:"ca_path"`
	Timeout  string `yaml:"timeout"`
	MaxRetry string `yaml:"max_retry"`
}

type AuthConfig struct {
	LoginPath string `yaml:"login_path"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
}

type DatabaseConfig struct {
	Driver          string            `yaml:"driver"`
	Address         string            `yaml:"address"`
	Name            string            `yaml:"name"`
	Params          map[string]string `yaml:"params"`
	MaxOpenConns    int               `yaml:"max_open_conns"`
	ConnMaxLifetime string            `yaml:"conn_max_lifetime"`
}

// Config is the file form of the command line flags. Flags that are set
// take precedence.
type Config struct {
	Vault       VaultConfig    `yaml:"vault"`
	Auth        AuthConfig     `yaml:"auth"`
	SecretPath  string         `yaml:"secret_path"`
	Database    DatabaseConfig `yaml:"database"`
	Pushgateway string         `yaml:"pushgateway"`
}

func Load(path string) (*Config, error) {
	bytes, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config: %v", err)
	}

	var cfg Config
	err = yaml.Unmarshal(bytes, &cfg)
	if err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %v", err)
	}

	return &cfg, nil
}

// Validate reports the first missing or malformed setting.
func (c *Config) Validate() error {
	if c.Auth.LoginPath == "" {
		return fmt.Errorf("auth login path is required")
	}
	if c.Auth.Username == "" {
		return fmt.Errorf("auth username is required")
	}
	if c.SecretPath == "" {
		return fmt.Errorf("secret path is required")
	}
	switch dbconn.Driver(c.Database.Driver) {
	case dbconn.Postgres, dbconn.MySQL:
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Database.Address == "" {
		return fmt.Errorf("database address is required")
	}
	for name, d := range map[string]string{
		"vault timeout":     c.Vault.Timeout,
		"vault max retry":   c.Vault.MaxRetry,
		"conn max lifetime": c.Database.ConnMaxLifetime,
	} {
		if _, err := parseDuration(d); err != nil {
			return fmt.Errorf("invalid %s: %v", name, err)
		}
	}
	return nil
}

func (c *Config) VaultConfig() *vault.VaultConfig {
	timeout, _ := parseDuration(c.Vault.Timeout)
	maxRetry, _ := parseDuration(c.Vault.MaxRetry)

	return &vault.VaultConfig{
		VaultAddr:       c.Vault.Addr,
		TLS:             &vault.TLSConfig{CACert: c.Vault.CACert, CAPath: c.Vault.CAPath},
		Timeout:         timeout,
		MaxRetryElapsed: maxRetry,
	}
}

func (c *Config) AuthConfig() *vault.UserPassAuthConfig {
	return &vault.UserPassAuthConfig{
		LoginPath: c.Auth.LoginPath,
		Username:  c.Auth.Username,
		Password:  c.Auth.Password,
	}
}

func (c *Config) DatabaseConfig() *dbconn.Config {
	lifetime, _ := parseDuration(c.Database.ConnMaxLifetime)

	return &dbconn.Config{
		Driver:          dbconn.Driver(c.Database.Driver),
		Address:         c.Database.Address,
		Database:        c.Database.Name,
		Params:          c.Database.Params,
		MaxOpenConns:    c.Database.MaxOpenConns,
		ConnMaxLifetime: lifetime,
	}
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}
