package dbconn

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/uswitch/vault-db-creds/pkg/vault"
)

const defaultPingTimeout = 5 * time.Second

var sqlOpen = sql.Open

// Config describes the database to connect to. The credentials come from
// Vault.
type Config struct {
	Driver          Driver
	Address         string
	Database        string
	Params          map[string]string
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
	PingTimeout     time.Duration
}

type Options struct {
	Database   *Config
	Auth       *vault.UserPassAuthConfig
	SecretPath string
	Timers     *vault.SharedTimer
	Renewal    []vault.Option
}

// Connection is a database pool whose credentials are kept alive by a
// RenewalScheduler for as long as it is open.
type Connection struct {
	db     *sql.DB
	creds  *vault.Credentials
	timers *vault.SharedTimer

	mu        sync.Mutex
	scheduler *vault.RenewalScheduler

	closeOnce sync.Once
	closeErr  error
	done      chan struct{}
}

// Open looks up credentials, connects with them and starts renewing their
// lease. Renewal stops when the connection is closed; a failed renewal
// closes the connection.
func Open(ctx context.Context, service vault.SecretsService, opts *Options) (*Connection, error) {
	creds, handle, err := vault.LookupCredential(ctx, service, opts.Auth, opts.SecretPath)
	if err != nil {
		return nil, err
	}

	dsn, err := DataSourceName(opts.Database, creds)
	if err != nil {
		return nil, err
	}

	db, err := sqlOpen(string(opts.Database.Driver), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	return newConnection(ctx, db, creds, handle, opts)
}

func newConnection(ctx context.Context, db *sql.DB, creds *vault.Credentials, handle *vault.RenewalHandle, opts *Options) (*Connection, error) {
	cfg := opts.Database
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	timeout := cfg.PingTimeout
	if timeout <= 0 {
		timeout = defaultPingTimeout
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	timers := opts.Timers
	if timers == nil {
		timers = vault.NewSharedTimer()
	}

	c := &Connection{
		db:     db,
		creds:  creds,
		timers: timers,
		done:   make(chan struct{}),
	}

	scheduler, err := vault.NewRenewalScheduler(c, handle, c.timers.Get(), opts.Renewal...)
	if err != nil {
		c.timers.Release()
		db.Close()
		return nil, err
	}
	c.mu.Lock()
	c.scheduler = scheduler
	c.mu.Unlock()

	log.WithFields(log.Fields{
		"driver":   cfg.Driver,
		"address":  cfg.Address,
		"database": cfg.Database,
		"leaseID":  creds.LeaseID(),
	}).Infof("database connection established")

	return c, nil
}

func (c *Connection) DB() *sql.DB {
	return c.db
}

func (c *Connection) Credentials() *vault.Credentials {
	return c.creds
}

func (c *Connection) Scheduler() *vault.RenewalScheduler {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scheduler
}

// Done is closed once the connection has been closed, whether by the caller
// or because its credentials could no longer be renewed.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Close stops renewal and closes the pool. Calls after the first return the
// first call's result.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		if scheduler := c.Scheduler(); scheduler != nil {
			scheduler.Shutdown()
		}
		c.timers.Release()
		c.closeErr = c.db.Close()
		close(c.done)
		log.WithField("leaseID", c.creds.LeaseID()).Infof("database connection closed")
	})
	return c.closeErr
}
