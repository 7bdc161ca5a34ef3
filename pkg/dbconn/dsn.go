package dbconn

import (
	"fmt"
	"net/url"

	"github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/uswitch/vault-db-creds/pkg/vault"
)

type Driver string

const (
	Postgres Driver = "postgres"
	MySQL    Driver = "mysql"
)

// DataSourceName builds the DSN for cfg authenticated with creds.
func DataSourceName(cfg *Config, creds *vault.Credentials) (string, error) {
	switch cfg.Driver {
	case Postgres:
		u := url.URL{
			Scheme: "postgres",
			User:   url.UserPassword(creds.Username, creds.Password),
			Host:   cfg.Address,
			Path:   "/" + cfg.Database,
		}
		query := url.Values{}
		for k, v := range cfg.Params {
			query.Set(k, v)
		}
		u.RawQuery = query.Encode()
		return u.String(), nil
	case MySQL:
		c := mysql.NewConfig()
		c.User = creds.Username
		c.Passwd = creds.Password
		c.Net = "tcp"
		c.Addr = cfg.Address
		c.DBName = cfg.Database
		if len(cfg.Params) > 0 {
			c.Params = make(map[string]string, len(cfg.Params))
			for k, v := range cfg.Params {
				c.Params[k] = v
			}
		}
		return c.FormatDSN(), nil
	default:
		return "", fmt.Errorf("unsupported driver %q", cfg.Driver)
	}
}
